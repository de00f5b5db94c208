package client

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/dep2p/go-webnode/internal/util/addrutil"
	pkgif "github.com/dep2p/go-webnode/pkg/interfaces"
	"github.com/dep2p/go-webnode/pkg/types"
)

// Name 电路传输名称
const Name = "circuit"

// 入站电路队列长度与投递等待
const (
	acceptBacklog = 16
	deliverWait   = 5 * time.Second
)

// 确保实现接口
var (
	_ pkgif.Transport = (*Transport)(nil)
	_ pkgif.Listener  = (*Listener)(nil)
)

// ============================================================================
//                              Transport
// ============================================================================

// Transport 电路中继传输
//
// 拨号 <relay-addr>/p2p/<relay>/p2p-circuit/p2p/<target>；
// 监听 /p2p-circuit 以接受中继转来的电路。
type Transport struct {
	client *Client
}

// Name 返回传输名称
func (t *Transport) Name() string { return Name }

// CanDial 电路地址（不含 /webrtc）
func (t *Transport) CanDial(addr ma.Multiaddr) bool {
	return addrutil.IsCircuit(addr) && !addrutil.IsWebRTC(addr)
}

// Dial 经中继拨号，目标取地址末尾 ID，缺省时使用 peer
func (t *Transport) Dial(ctx context.Context, raddr ma.Multiaddr, peer types.PeerID) (pkgif.RawConn, error) {
	circ, err := addrutil.SplitCircuit(raddr)
	if err != nil {
		return nil, err
	}
	target := circ.Target
	if target.IsEmpty() {
		target = peer
	}
	if !peer.IsEmpty() && target != peer {
		return nil, fmt.Errorf("circuit target %s does not match %s", target.ShortString(), peer.ShortString())
	}
	conn, err := t.client.DialCircuit(ctx, circ.Relay, target)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// CanListen 只接受 /p2p-circuit
func (t *Transport) CanListen(addr ma.Multiaddr) bool {
	return addr != nil && addr.Equal(listenAddr)
}

// Listen 开始接受入站电路
func (t *Transport) Listen(laddr ma.Multiaddr) (pkgif.Listener, error) {
	if !t.CanListen(laddr) {
		return nil, fmt.Errorf("circuit transport cannot listen on %s", laddr)
	}
	return t.client.listen()
}

// ============================================================================
//                              Listener
// ============================================================================

// Listener 入站电路监听器
type Listener struct {
	client   *Client
	incoming chan *Conn

	closeOnce sync.Once
	done      chan struct{}
}

func newListener(c *Client) *Listener {
	return &Listener{
		client:   c,
		incoming: make(chan *Conn, acceptBacklog),
		done:     make(chan struct{}),
	}
}

// Accept 接受入站电路，关闭后返回 net.ErrClosed
func (l *Listener) Accept() (pkgif.RawConn, error) {
	select {
	case c := <-l.incoming:
		return c, nil
	case <-l.done:
		return nil, net.ErrClosed
	}
}

func (l *Listener) deliver(c *Conn) bool {
	timer := time.NewTimer(deliverWait)
	defer timer.Stop()
	select {
	case l.incoming <- c:
		return true
	case <-l.done:
		return false
	case <-timer.C:
		return false
	}
}

// Multiaddr 返回 /p2p-circuit
func (l *Listener) Multiaddr() ma.Multiaddr { return listenAddr }

// Close 停止接受并重置排队中的电路
func (l *Listener) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
		l.client.removeListener(l)
		for {
			select {
			case c := <-l.incoming:
				c.stream.Reset()
			default:
				return
			}
		}
	})
	return nil
}
