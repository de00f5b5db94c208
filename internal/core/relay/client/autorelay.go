package client

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/multierr"

	"github.com/dep2p/go-webnode/internal/core/relay"
	"github.com/dep2p/go-webnode/internal/util/addrutil"
	pkgif "github.com/dep2p/go-webnode/pkg/interfaces"
	"github.com/dep2p/go-webnode/pkg/types"
)

// ProtocolBook 查询对端声明的协议，通常为 peerstore
type ProtocolBook interface {
	SupportsProtocol(p types.PeerID, proto types.ProtocolID) bool
}

// AutoRelay 自动中继
//
// 对端完成身份交换且声明支持 hop 协议时尝试预留，直到持有 max 个预留。
// 预留失败的节点在重新连接前不再尝试；预留失效后从现有连接中补充。
type AutoRelay struct {
	client *Client
	book   ProtocolBook
	max    int

	mu      sync.Mutex
	pending map[types.PeerID]struct{}
	skip    map[types.PeerID]struct{}

	identSub pkgif.Subscription
	relaySub pkgif.Subscription
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewAutoRelay 创建自动中继，客户端必须已绑定 Host
//
// book 提供身份交换得到的协议信息，只有声明支持 relay.HopID 的对端会被尝试。
func NewAutoRelay(c *Client, book ProtocolBook, max int) (*AutoRelay, error) {
	h := c.Host()
	if h == nil {
		return nil, ErrNotBound
	}
	identSub, err := h.EventBus().Subscribe(new(pkgif.EvtPeerIdentified))
	if err != nil {
		return nil, err
	}
	relaySub, err := h.EventBus().Subscribe(new(pkgif.EvtRelayReserved))
	if err != nil {
		identSub.Close()
		return nil, err
	}

	a := &AutoRelay{
		client:   c,
		book:     book,
		max:      max,
		pending:  make(map[types.PeerID]struct{}),
		skip:     make(map[types.PeerID]struct{}),
		identSub: identSub,
		relaySub: relaySub,
	}
	a.ctx, a.cancel = context.WithCancel(context.Background())

	a.wg.Add(2)
	go a.watchIdentified()
	go a.watchReservations()
	return a, nil
}

func (a *AutoRelay) watchIdentified() {
	defer a.wg.Done()
	for ev := range a.identSub.Out() {
		c := ev.(pkgif.EvtPeerIdentified).Conn
		// 新连接给之前失败的节点一次新机会
		a.mu.Lock()
		delete(a.skip, c.RemotePeer())
		a.mu.Unlock()
		a.consider(c)
	}
}

// watchReservations 预留失效时在现有连接里寻找替代
func (a *AutoRelay) watchReservations() {
	defer a.wg.Done()
	for ev := range a.relaySub.Out() {
		if len(ev.(pkgif.EvtRelayReserved).Addrs) > 0 {
			continue
		}
		for _, c := range a.client.Host().Conns() {
			a.consider(c)
		}
	}
}

func (a *AutoRelay) consider(c pkgif.Conn) {
	if addrutil.IsCircuit(c.RemoteMultiaddr()) || c.IsClosed() {
		return
	}
	p := c.RemotePeer()
	if !a.book.SupportsProtocol(p, relay.HopID) || a.client.HasReservation(p) {
		return
	}

	a.mu.Lock()
	_, busy := a.pending[p]
	_, skipped := a.skip[p]
	if busy || skipped || len(a.client.Reservations())+len(a.pending) >= a.max || a.ctx.Err() != nil {
		a.mu.Unlock()
		return
	}
	a.pending[p] = struct{}{}
	a.wg.Add(1)
	a.mu.Unlock()

	go a.tryReserve(c)
}

func (a *AutoRelay) tryReserve(c pkgif.Conn) {
	defer a.wg.Done()
	p := c.RemotePeer()

	ctx, cancel := context.WithTimeout(a.ctx, DefaultReserveTimeout)
	_, err := a.client.Reserve(ctx, c)
	cancel()

	a.mu.Lock()
	delete(a.pending, p)
	if err != nil {
		a.skip[p] = struct{}{}
	}
	a.mu.Unlock()

	if err == nil {
		return
	}
	if errors.Is(err, types.ErrProtocolNotSupported) {
		logger.Debug("对端不是中继", "peer", p.ShortString())
	} else {
		logger.Debug("自动预留失败", "peer", p.ShortString(), "error", err)
	}
	// 尝试期间到达的连接可能因名额被占而跳过
	for _, c := range a.client.Host().Conns() {
		a.consider(c)
	}
}

// Close 停止自动中继
func (a *AutoRelay) Close() error {
	a.cancel()
	err := multierr.Combine(a.identSub.Close(), a.relaySub.Close())
	a.wg.Wait()
	return err
}
