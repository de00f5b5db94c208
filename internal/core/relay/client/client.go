package client

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/multierr"

	"github.com/dep2p/go-webnode/internal/core/relay"
	"github.com/dep2p/go-webnode/internal/util/addrutil"
	pkgif "github.com/dep2p/go-webnode/pkg/interfaces"
	"github.com/dep2p/go-webnode/pkg/lib/log"
	"github.com/dep2p/go-webnode/pkg/types"
)

var logger = log.Logger("core/relay/client")

// 客户端错误
var (
	// ErrNotBound 客户端尚未绑定 Host
	ErrNotBound = errors.New("relay client not bound to a host")

	// ErrClientClosed 客户端已关闭
	ErrClientClosed = errors.New("relay client closed")

	// ErrNoTarget 电路地址缺少目标节点
	ErrNoTarget = errors.New("circuit address without target peer")
)

const (
	// DefaultReserveTimeout 预留请求超时
	DefaultReserveTimeout = 30 * time.Second

	// stopTimeout STOP 握手超时
	stopTimeout = 30 * time.Second
)

// Reservation 在某个中继上的预留
type Reservation struct {
	// Relay 中继节点 ID
	Relay types.PeerID

	// Addrs 经该中继可达的地址（<relay-addr>/p2p/<relay>/p2p-circuit）
	Addrs []ma.Multiaddr

	// Expire 过期时间
	Expire time.Time
}

type reservation struct {
	Reservation
	timer *clock.Timer
}

// ============================================================================
//                              Client
// ============================================================================

// Client 中继客户端
//
// 负责在中继上预留、经中继拨号，以及接受中继转来的入站电路。
// 创建后需要调用 Bind 绑定 Host 才能使用。
type Client struct {
	clock clock.Clock

	mu           sync.Mutex
	host         pkgif.Host
	reservations map[types.PeerID]*reservation
	listener     *Listener
	closed       bool

	emitter  pkgif.Emitter
	closeSub pkgif.Subscription
	wg       sync.WaitGroup
}

// Option 客户端选项
type Option func(*Client)

// WithClock 设置时钟（测试用 clock.NewMock）
func WithClock(c clock.Clock) Option {
	return func(cl *Client) {
		cl.clock = c
	}
}

// New 创建中继客户端
func New(opts ...Option) *Client {
	c := &Client{
		clock:        clock.New(),
		reservations: make(map[types.PeerID]*reservation),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Bind 绑定 Host，注册 stop 协议并开始跟踪中继连接
func (c *Client) Bind(h pkgif.Host) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.host != nil {
		return errors.New("relay client already bound")
	}

	em, err := h.EventBus().Emitter(new(pkgif.EvtRelayReserved))
	if err != nil {
		return fmt.Errorf("reservation emitter: %w", err)
	}
	sub, err := h.EventBus().Subscribe(new(pkgif.EvtConnectionClosed))
	if err != nil {
		em.Close()
		return fmt.Errorf("connection subscription: %w", err)
	}
	c.host, c.emitter, c.closeSub = h, em, sub
	h.SetStreamHandler(relay.StopID, c.handleStop)

	c.wg.Add(1)
	go c.watchConns()
	return nil
}

// Host 返回绑定的 Host
func (c *Client) Host() pkgif.Host {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.host
}

// Transport 返回电路传输
func (c *Client) Transport() *Transport {
	return &Transport{client: c}
}

// ============================================================================
//                              预留
// ============================================================================

// Reserve 在连接的对端中继上预留
//
// 成功后发出 EvtRelayReserved，并在 TTL 的 3/4 处自动续约。
// 对端不支持 hop 协议时返回 types.ErrProtocolNotSupported。
func (c *Client) Reserve(ctx context.Context, conn pkgif.Conn) (*Reservation, error) {
	h := c.Host()
	if h == nil {
		return nil, ErrNotBound
	}
	if addrutil.IsCircuit(conn.RemoteMultiaddr()) {
		return nil, fmt.Errorf("%w: cannot reserve over a relayed connection", types.ErrNoRelay)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, DefaultReserveTimeout)
		defer cancel()
	}

	st, err := h.NewStreamOnConn(ctx, conn, relay.HopID)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	deadline, _ := ctx.Deadline()
	_ = st.SetDeadline(deadline)
	if err := relay.WriteMessage(st, &relay.Message{Type: relay.MsgHopReserve}); err != nil {
		st.Reset()
		return nil, fmt.Errorf("write reserve: %w", err)
	}
	resp, err := relay.ReadResponse(st, relay.MsgHopStatus)
	if err != nil {
		st.Reset()
		return nil, fmt.Errorf("reserve: %w", err)
	}

	relayPeer := conn.RemotePeer()
	addrs := c.reservationAddrs(conn, resp.Addrs)
	res := Reservation{
		Relay:  relayPeer,
		Addrs:  addrs,
		Expire: c.clock.Now().Add(resp.TTL),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClientClosed
	}
	if old, ok := c.reservations[relayPeer]; ok && old.timer != nil {
		old.timer.Stop()
	}
	r := &reservation{Reservation: res}
	if resp.TTL > 0 {
		r.timer = c.clock.AfterFunc(resp.TTL*3/4, func() { c.refresh(relayPeer) })
	}
	c.reservations[relayPeer] = r
	c.mu.Unlock()

	logger.Info("中继预留成功", "relay", relayPeer.ShortString(), "addrs", len(addrs), "ttl", resp.TTL)
	_ = c.emitter.Emit(pkgif.EvtRelayReserved{Relay: relayPeer, Addrs: addrs})
	return &res, nil
}

// reservationAddrs 以实际拨通的地址优先，再补充中继自报的地址
func (c *Client) reservationAddrs(conn pkgif.Conn, advertised []ma.Multiaddr) []ma.Multiaddr {
	var out []ma.Multiaddr
	add := func(a ma.Multiaddr) {
		if !addrutil.IsCircuit(a) {
			return
		}
		for _, x := range out {
			if x.Equal(a) {
				return
			}
		}
		out = append(out, a)
	}

	if conn.Direction() == types.DirOutbound {
		if full, err := addrutil.WithPeer(conn.RemoteMultiaddr(), conn.RemotePeer()); err == nil {
			if ca, err := addrutil.CircuitAddr(full, types.EmptyPeerID); err == nil {
				add(ca)
			}
		}
	}
	for _, a := range advertised {
		if p, err := relayPeerOf(a); err == nil && p == conn.RemotePeer() {
			add(a)
		}
	}
	return out
}

func relayPeerOf(a ma.Multiaddr) (types.PeerID, error) {
	circ, err := addrutil.SplitCircuit(a)
	if err != nil {
		return types.EmptyPeerID, err
	}
	return circ.RelayPeer, nil
}

// Reservations 返回当前预留（按中继 ID 排序）
func (c *Client) Reservations() []Reservation {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Reservation, 0, len(c.reservations))
	for _, r := range c.reservations {
		out = append(out, r.Reservation)
	}
	slices.SortFunc(out, func(a, b Reservation) int {
		switch {
		case a.Relay < b.Relay:
			return -1
		case a.Relay > b.Relay:
			return 1
		}
		return 0
	})
	return out
}

// HasReservation 检查是否在中继上持有预留
func (c *Client) HasReservation(relayPeer types.PeerID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.reservations[relayPeer]
	return ok
}

func (c *Client) refresh(relayPeer types.PeerID) {
	h := c.Host()
	for _, conn := range h.ConnsToPeer(relayPeer) {
		if addrutil.IsCircuit(conn.RemoteMultiaddr()) {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), DefaultReserveTimeout)
		_, err := c.Reserve(ctx, conn)
		cancel()
		if err == nil {
			return
		}
		logger.Debug("续约预留失败", "relay", relayPeer.ShortString(), "error", err)
	}
	c.drop(relayPeer)
}

// drop 移除预留并发出空地址的 EvtRelayReserved
func (c *Client) drop(relayPeer types.PeerID) {
	c.mu.Lock()
	r, ok := c.reservations[relayPeer]
	if ok {
		delete(c.reservations, relayPeer)
		if r.timer != nil {
			r.timer.Stop()
		}
	}
	closed := c.closed
	c.mu.Unlock()

	if ok && !closed {
		logger.Info("中继预留已失效", "relay", relayPeer.ShortString())
		_ = c.emitter.Emit(pkgif.EvtRelayReserved{Relay: relayPeer})
	}
}

// watchConns 中继的直连全部断开后释放预留
func (c *Client) watchConns() {
	defer c.wg.Done()
	for ev := range c.closeSub.Out() {
		e := ev.(pkgif.EvtConnectionClosed)
		p := e.Conn.RemotePeer()
		if !c.HasReservation(p) {
			continue
		}
		direct := false
		for _, conn := range c.Host().ConnsToPeer(p) {
			if !addrutil.IsCircuit(conn.RemoteMultiaddr()) {
				direct = true
				break
			}
		}
		if !direct {
			c.drop(p)
		}
	}
}

// ============================================================================
//                              拨号
// ============================================================================

// DialCircuit 经中继建立到目标的电路
//
// relayAddr 为含 /p2p/<relay> 的中继地址。优先复用到中继的已有直连，
// 否则先拨号中继；无法到达中继时返回 types.ErrNoRelay。
func (c *Client) DialCircuit(ctx context.Context, relayAddr ma.Multiaddr, target types.PeerID) (*Conn, error) {
	h := c.Host()
	if h == nil {
		return nil, ErrNotBound
	}
	if target.IsEmpty() {
		return nil, ErrNoTarget
	}
	relayPeer, err := addrutil.PeerID(relayAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrNoRelay, err)
	}

	conn, err := c.relayConn(ctx, h, relayAddr, relayPeer)
	if err != nil {
		return nil, err
	}

	st, err := h.NewStreamOnConn(ctx, conn, relay.HopID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrNoRelay, err)
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = st.SetDeadline(deadline)
	}
	if err := relay.WriteMessage(st, &relay.Message{Type: relay.MsgHopConnect, Peer: target}); err != nil {
		st.Reset()
		return nil, fmt.Errorf("write connect: %w", err)
	}
	if _, err := relay.ReadResponse(st, relay.MsgHopStatus); err != nil {
		st.Reset()
		return nil, fmt.Errorf("connect via %s: %w", relayPeer.ShortString(), err)
	}
	_ = st.SetDeadline(time.Time{})

	raddr, err := addrutil.CircuitAddr(relayAddr, types.EmptyPeerID)
	if err != nil {
		st.Reset()
		return nil, err
	}
	logger.Debug("中继电路已建立", "relay", relayPeer.ShortString(), "target", target.ShortString())
	return newConn(st, listenAddr, raddr), nil
}

func (c *Client) relayConn(ctx context.Context, h pkgif.Host, relayAddr ma.Multiaddr, relayPeer types.PeerID) (pkgif.Conn, error) {
	for _, conn := range h.ConnsToPeer(relayPeer) {
		if !addrutil.IsCircuit(conn.RemoteMultiaddr()) {
			return conn, nil
		}
	}
	// 只有 /p2p/<relay> 而没有传输地址时无法拨号中继
	if head, _ := addrutil.SplitPeer(relayAddr); head == nil {
		return nil, fmt.Errorf("%w: no connection to %s", types.ErrNoRelay, relayPeer.ShortString())
	}
	conn, err := h.Connect(ctx, relayAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrNoRelay, err)
	}
	return conn, nil
}

// ============================================================================
//                              STOP 处理
// ============================================================================

func (c *Client) handleStop(st pkgif.Stream) {
	_ = st.SetDeadline(time.Now().Add(stopTimeout))

	msg, err := relay.ReadMessage(st)
	if err != nil || msg.Type != relay.MsgStopConnect || msg.Peer.IsEmpty() {
		logger.Debug("无效的 STOP 消息", "error", err)
		c.replyStop(st, relay.StatusMalformedMessage)
		st.Close()
		return
	}

	c.mu.Lock()
	l := c.listener
	c.mu.Unlock()
	if l == nil {
		c.replyStop(st, relay.StatusPermissionDenied)
		st.Close()
		return
	}

	relayAddr, err := addrutil.WithPeer(st.Conn().RemoteMultiaddr(), st.Conn().RemotePeer())
	if err != nil {
		c.replyStop(st, relay.StatusConnectionFailed)
		st.Close()
		return
	}
	raddr, err := addrutil.CircuitAddr(relayAddr, types.EmptyPeerID)
	if err != nil {
		c.replyStop(st, relay.StatusConnectionFailed)
		st.Close()
		return
	}

	if err := c.replyStop(st, relay.StatusOK); err != nil {
		st.Reset()
		return
	}
	_ = st.SetDeadline(time.Time{})

	conn := newConn(st, listenAddr, raddr)
	if !l.deliver(conn) {
		logger.Debug("电路监听器繁忙或已关闭", "from", msg.Peer.ShortString())
		st.Reset()
		return
	}
	logger.Debug("接受入站电路", "from", msg.Peer.ShortString(), "relay", st.Conn().RemotePeer().ShortString())
}

func (c *Client) replyStop(st pkgif.Stream, status relay.Status) error {
	return relay.WriteMessage(st, &relay.Message{Type: relay.MsgStopStatus, Status: status})
}

// ============================================================================
//                              监听
// ============================================================================

func (c *Client) listen() (*Listener, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClientClosed
	}
	if c.listener != nil {
		return nil, errors.New("already listening on " + listenAddr.String())
	}
	c.listener = newListener(c)
	return c.listener, nil
}

func (c *Client) removeListener(l *Listener) {
	c.mu.Lock()
	if c.listener == l {
		c.listener = nil
	}
	c.mu.Unlock()
}

// ============================================================================
//                              关闭
// ============================================================================

// Close 释放所有预留并停止接受电路
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	h := c.host
	l := c.listener
	for p, r := range c.reservations {
		if r.timer != nil {
			r.timer.Stop()
		}
		delete(c.reservations, p)
	}
	c.mu.Unlock()

	if h == nil {
		return nil
	}
	h.RemoveStreamHandler(relay.StopID)

	var err error
	if l != nil {
		err = multierr.Append(err, l.Close())
	}
	err = multierr.Append(err, c.closeSub.Close())
	c.wg.Wait()
	err = multierr.Append(err, c.emitter.Close())
	return err
}
