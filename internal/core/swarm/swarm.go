package swarm

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/multierr"

	"github.com/dep2p/go-webnode/internal/core/metrics"
	"github.com/dep2p/go-webnode/internal/core/upgrader"
	pkgif "github.com/dep2p/go-webnode/pkg/interfaces"
	"github.com/dep2p/go-webnode/pkg/lib/log"
	"github.com/dep2p/go-webnode/pkg/types"
)

var logger = log.Logger("core/swarm")

// DefaultDialTimeout 上下文未设置截止时间时的拨号超时
const DefaultDialTimeout = 30 * time.Second

// Gater 拨号与入站门控
type Gater interface {
	InterceptPeerDial(peer types.PeerID) bool
	InterceptAddrDial(peer types.PeerID, addr ma.Multiaddr) bool
	InterceptAccept(remote ma.Multiaddr) bool
}

// StreamHandler 入站原始流处理函数（由 Host 设置）
type StreamHandler func(c *Conn, s pkgif.MuxedStream)

// Swarm 连接群管理
type Swarm struct {
	local    types.PeerID
	upgrader *upgrader.Upgrader

	gater       Gater
	metrics     *metrics.Metrics
	dialTimeout time.Duration

	emitOpened pkgif.Emitter
	emitClosed pkgif.Emitter

	mu         sync.RWMutex
	transports []pkgif.Transport
	listeners  []pkgif.Listener
	conns      map[types.PeerID][]*Conn
	addrBook   map[types.PeerID][]ma.Multiaddr

	handlerMu sync.RWMutex
	handler   StreamHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// Option Swarm 选项
type Option func(*Swarm) error

// WithGater 设置门控
func WithGater(g Gater) Option {
	return func(s *Swarm) error {
		s.gater = g
		return nil
	}
}

// WithDialTimeout 设置默认拨号超时
func WithDialTimeout(d time.Duration) Option {
	return func(s *Swarm) error {
		if d > 0 {
			s.dialTimeout = d
		}
		return nil
	}
}

// WithMetrics 设置指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Swarm) error {
		s.metrics = m
		return nil
	}
}

// WithEventBus 在连接建立与关闭时发布事件
func WithEventBus(bus pkgif.EventBus) Option {
	return func(s *Swarm) error {
		opened, err := bus.Emitter(new(pkgif.EvtConnectionOpened))
		if err != nil {
			return err
		}
		closed, err := bus.Emitter(new(pkgif.EvtConnectionClosed))
		if err != nil {
			opened.Close()
			return err
		}
		s.emitOpened, s.emitClosed = opened, closed
		return nil
	}
}

// WithTransports 添加传输
func WithTransports(ts ...pkgif.Transport) Option {
	return func(s *Swarm) error {
		s.transports = append(s.transports, ts...)
		return nil
	}
}

// New 创建 Swarm
func New(local types.PeerID, up *upgrader.Upgrader, opts ...Option) (*Swarm, error) {
	if err := local.Validate(); err != nil {
		return nil, err
	}
	if up == nil {
		return nil, ErrNoUpgrader
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Swarm{
		local:       local,
		upgrader:    up,
		dialTimeout: DefaultDialTimeout,
		conns:       make(map[types.PeerID][]*Conn),
		addrBook:    make(map[types.PeerID][]ma.Multiaddr),
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			cancel()
			return nil, err
		}
	}
	return s, nil
}

// LocalPeer 返回本地节点 ID
func (s *Swarm) LocalPeer() types.PeerID {
	return s.local
}

// AddTransport 添加传输，先添加的优先
func (s *Swarm) AddTransport(t pkgif.Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transports = append(s.transports, t)
}

// Transports 返回已注册的传输
func (s *Swarm) Transports() []pkgif.Transport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]pkgif.Transport(nil), s.transports...)
}

// SetStreamHandler 设置入站流处理函数
func (s *Swarm) SetStreamHandler(h StreamHandler) {
	s.handlerMu.Lock()
	defer s.handlerMu.Unlock()
	s.handler = h
}

func (s *Swarm) streamHandler() StreamHandler {
	s.handlerMu.RLock()
	defer s.handlerMu.RUnlock()
	return s.handler
}

// ============================================================================
//                              连接池
// ============================================================================

// Conns 返回所有连接
func (s *Swarm) Conns() []*Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Conn
	for _, cs := range s.conns {
		out = append(out, cs...)
	}
	return out
}

// ConnsToPeer 返回到指定节点的连接
func (s *Swarm) ConnsToPeer(peer types.PeerID) []*Conn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Conn(nil), s.conns[peer]...)
}

// Peers 返回已连接的节点
func (s *Swarm) Peers() []types.PeerID {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]types.PeerID, 0, len(s.conns))
	for p := range s.conns {
		out = append(out, p)
	}
	return out
}

// ClosePeer 关闭到指定节点的所有连接
func (s *Swarm) ClosePeer(peer types.PeerID) error {
	var err error
	for _, c := range s.ConnsToPeer(peer) {
		err = multierr.Append(err, c.Close())
	}
	return err
}

// AddAddrs 记录节点地址，供 DialPeer 使用
func (s *Swarm) AddAddrs(peer types.PeerID, addrs ...ma.Multiaddr) {
	s.mu.Lock()
	defer s.mu.Unlock()

	known := s.addrBook[peer]
outer:
	for _, a := range addrs {
		for _, k := range known {
			if k.Equal(a) {
				continue outer
			}
		}
		known = append(known, a)
	}
	s.addrBook[peer] = known
}

// PeerAddrs 返回节点的已知地址
func (s *Swarm) PeerAddrs(peer types.PeerID) []ma.Multiaddr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]ma.Multiaddr(nil), s.addrBook[peer]...)
}

// addConn 登记升级完成的连接
func (s *Swarm) addConn(c *Conn) error {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		return ErrSwarmClosed
	}
	s.conns[c.RemotePeer()] = append(s.conns[c.RemotePeer()], c)
	s.wg.Add(1)
	s.mu.Unlock()

	s.metrics.ConnOpened()
	if s.emitOpened != nil {
		_ = s.emitOpened.Emit(pkgif.EvtConnectionOpened{Conn: c})
	}
	logger.Info("连接已建立",
		"peer", c.RemotePeer().ShortString(),
		"direction", c.Direction(),
		"transport", c.Transport(),
		"addr", c.RemoteMultiaddr())

	go c.acceptStreams()
	return nil
}

// removeConn 注销连接（由 Conn.Close 调用）
func (s *Swarm) removeConn(c *Conn) {
	s.mu.Lock()
	cs := s.conns[c.RemotePeer()]
	for i, x := range cs {
		if x == c {
			cs = append(cs[:i], cs[i+1:]...)
			break
		}
	}
	if len(cs) == 0 {
		delete(s.conns, c.RemotePeer())
	} else {
		s.conns[c.RemotePeer()] = cs
	}
	s.mu.Unlock()

	s.metrics.ConnClosed()
	if s.emitClosed != nil {
		_ = s.emitClosed.Emit(pkgif.EvtConnectionClosed{Conn: c})
	}
	logger.Info("连接已关闭", "peer", c.RemotePeer().ShortString(), "id", c.ID())
}

// ============================================================================
//                              关闭
// ============================================================================

// Close 关闭所有监听器与连接
func (s *Swarm) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()

	s.mu.Lock()
	listeners := s.listeners
	s.listeners = nil
	var conns []*Conn
	for _, cs := range s.conns {
		conns = append(conns, cs...)
	}
	s.mu.Unlock()

	var err error
	for _, l := range listeners {
		err = multierr.Append(err, l.Close())
	}
	for _, c := range conns {
		err = multierr.Append(err, c.Close())
	}
	s.wg.Wait()

	if s.emitOpened != nil {
		err = multierr.Append(err, s.emitOpened.Close())
	}
	if s.emitClosed != nil {
		err = multierr.Append(err, s.emitClosed.Close())
	}
	logger.Debug("Swarm 已关闭")
	return err
}
