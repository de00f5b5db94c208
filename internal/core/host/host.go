package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	mss "github.com/multiformats/go-multistream"
	"go.uber.org/multierr"

	"github.com/dep2p/go-webnode/internal/core/metrics"
	"github.com/dep2p/go-webnode/internal/core/swarm"
	pkgif "github.com/dep2p/go-webnode/pkg/interfaces"
	"github.com/dep2p/go-webnode/pkg/lib/log"
	"github.com/dep2p/go-webnode/pkg/types"
)

var logger = log.Logger("core/host")

// DefaultNegotiateTimeout 协议协商超时
const DefaultNegotiateTimeout = 10 * time.Second

// ErrHostClosed Host 已关闭
var ErrHostClosed = errors.New("host closed")

// 确保实现接口
var _ pkgif.Host = (*Host)(nil)

// Host 协议路由主机
type Host struct {
	swarm   *swarm.Swarm
	bus     pkgif.EventBus
	metrics *metrics.Metrics
	timeout time.Duration

	mux *mss.MultistreamMuxer[types.ProtocolID]

	mu       sync.RWMutex
	handlers map[types.ProtocolID]pkgif.StreamHandler

	addrsMu    sync.RWMutex
	relayAddrs map[types.PeerID][]ma.Multiaddr
	emitAddrs  pkgif.Emitter
	relaySub   pkgif.Subscription

	wg     sync.WaitGroup
	closed atomic.Bool
}

// Option Host 选项
type Option func(*Host)

// WithNegotiateTimeout 设置协议协商超时
func WithNegotiateTimeout(d time.Duration) Option {
	return func(h *Host) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithMetrics 设置指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(h *Host) {
		h.metrics = m
	}
}

// New 创建 Host 并接管 Swarm 的入站流
func New(s *swarm.Swarm, bus pkgif.EventBus, opts ...Option) (*Host, error) {
	h := &Host{
		swarm:      s,
		bus:        bus,
		timeout:    DefaultNegotiateTimeout,
		mux:        mss.NewMultistreamMuxer[types.ProtocolID](),
		handlers:   make(map[types.ProtocolID]pkgif.StreamHandler),
		relayAddrs: make(map[types.PeerID][]ma.Multiaddr),
	}
	for _, opt := range opts {
		opt(h)
	}

	em, err := bus.Emitter(new(pkgif.EvtLocalAddrsUpdated), pkgif.Stateful())
	if err != nil {
		return nil, fmt.Errorf("address emitter: %w", err)
	}
	sub, err := bus.Subscribe(new(pkgif.EvtRelayReserved))
	if err != nil {
		em.Close()
		return nil, fmt.Errorf("relay subscription: %w", err)
	}
	h.emitAddrs, h.relaySub = em, sub

	s.SetStreamHandler(h.handleInbound)

	h.wg.Add(1)
	go h.watchRelays()
	return h, nil
}

// ID 返回本地节点 ID
func (h *Host) ID() types.PeerID { return h.swarm.LocalPeer() }

// Network 返回底层 Swarm
func (h *Host) Network() *swarm.Swarm { return h.swarm }

// EventBus 返回事件总线
func (h *Host) EventBus() pkgif.EventBus { return h.bus }

// ============================================================================
//                              连接
// ============================================================================

// Connect 拨号到多地址
func (h *Host) Connect(ctx context.Context, addr ma.Multiaddr) (pkgif.Conn, error) {
	if h.closed.Load() {
		return nil, ErrHostClosed
	}
	c, err := h.swarm.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Conns 返回所有连接
func (h *Host) Conns() []pkgif.Conn {
	return toConns(h.swarm.Conns())
}

// ConnsToPeer 返回到节点的连接
func (h *Host) ConnsToPeer(peer types.PeerID) []pkgif.Conn {
	return toConns(h.swarm.ConnsToPeer(peer))
}

func toConns(cs []*swarm.Conn) []pkgif.Conn {
	out := make([]pkgif.Conn, len(cs))
	for i, c := range cs {
		out[i] = c
	}
	return out
}

// ============================================================================
//                              流
// ============================================================================

// NewStream 向节点打开协议流，复用已有连接或按已知地址拨号
func (h *Host) NewStream(ctx context.Context, peer types.PeerID, protos ...types.ProtocolID) (pkgif.Stream, error) {
	if h.closed.Load() {
		return nil, ErrHostClosed
	}
	c, err := h.swarm.DialPeer(ctx, peer)
	if err != nil {
		return nil, err
	}
	return h.NewStreamOnConn(ctx, c, protos...)
}

// NewStreamOnConn 在连接上打开流并协商协议
//
// 按给出的顺序提议协议，全部被拒绝时返回 types.ErrProtocolNotSupported。
func (h *Host) NewStreamOnConn(ctx context.Context, c pkgif.Conn, protos ...types.ProtocolID) (pkgif.Stream, error) {
	if len(protos) == 0 {
		return nil, types.ErrEmptyProtocolID
	}
	ms, err := c.NewStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(h.timeout)
	}
	_ = ms.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = ms.SetDeadline(time.Now()) })

	proto, err := mss.SelectOneOf(protos, ms)
	stop()
	if err != nil {
		ms.Reset()
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		var ns mss.ErrNotSupported[types.ProtocolID]
		if errors.As(err, &ns) {
			return nil, fmt.Errorf("%w: %v", types.ErrProtocolNotSupported, protos)
		}
		return nil, fmt.Errorf("negotiate %v: %w", protos, err)
	}
	_ = ms.SetDeadline(time.Time{})

	logger.Debug("打开协议流", "peer", c.RemotePeer().ShortString(), "protocol", proto)
	return newStream(h, ms, proto, c), nil
}

// SetStreamHandler 注册协议处理函数，同名覆盖
func (h *Host) SetStreamHandler(proto types.ProtocolID, handler pkgif.StreamHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[proto] = handler
	h.mux.AddHandler(proto, nil)
	logger.Debug("注册协议处理器", "protocol", proto)
}

// RemoveStreamHandler 移除协议处理函数
func (h *Host) RemoveStreamHandler(proto types.ProtocolID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.handlers, proto)
	h.mux.RemoveHandler(proto)
	logger.Debug("移除协议处理器", "protocol", proto)
}

// Protocols 返回已注册的协议（排序）
func (h *Host) Protocols() []types.ProtocolID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]types.ProtocolID, 0, len(h.handlers))
	for p := range h.handlers {
		out = append(out, p)
	}
	slices.Sort(out)
	return out
}

func (h *Host) handler(proto types.ProtocolID) pkgif.StreamHandler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.handlers[proto]
}

// handleInbound 服务端协商并路由入站流
func (h *Host) handleInbound(c *swarm.Conn, ms pkgif.MuxedStream) {
	if h.closed.Load() {
		ms.Reset()
		return
	}

	_ = ms.SetDeadline(time.Now().Add(h.timeout))
	proto, _, err := h.mux.Negotiate(ms)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			logger.Debug("协议协商失败", "peer", c.RemotePeer().ShortString(), "error", err)
		}
		ms.Reset()
		return
	}
	_ = ms.SetDeadline(time.Time{})

	handler := h.handler(proto)
	if handler == nil {
		// 协商期间处理函数被移除
		ms.Reset()
		return
	}
	handler(newStream(h, ms, proto, c))
}

// ============================================================================
//                              地址
// ============================================================================

// Listen 监听地址并发布地址变化
func (h *Host) Listen(addrs ...ma.Multiaddr) error {
	if err := h.swarm.Listen(addrs...); err != nil {
		return err
	}
	h.publishAddrs()
	return nil
}

// Addrs 返回可供他人拨号的本地地址
//
// 包含可拨号的监听地址与中继预留地址。监听 /webrtc 时每个预留地址
// 同时给出 …/p2p-circuit/webrtc 形式。
func (h *Host) Addrs() []ma.Multiaddr {
	var out []ma.Multiaddr
	webrtc := false
	for _, a := range h.swarm.ListenAddrs() {
		if isBareListenAddr(a) {
			webrtc = webrtc || a.String() == "/webrtc"
			continue
		}
		out = append(out, a)
	}

	h.addrsMu.RLock()
	defer h.addrsMu.RUnlock()
	relays := make([]types.PeerID, 0, len(h.relayAddrs))
	for p := range h.relayAddrs {
		relays = append(relays, p)
	}
	slices.Sort(relays)
	for _, p := range relays {
		for _, a := range h.relayAddrs[p] {
			out = append(out, a)
			if webrtc {
				out = append(out, a.Encapsulate(webrtcComponent))
			}
		}
	}
	return out
}

var webrtcComponent = ma.StringCast("/webrtc")

// isBareListenAddr /webrtc 与 /p2p-circuit 监听地址本身不可拨号
func isBareListenAddr(a ma.Multiaddr) bool {
	s := a.String()
	return s == "/webrtc" || s == "/p2p-circuit"
}

func (h *Host) watchRelays() {
	defer h.wg.Done()
	for ev := range h.relaySub.Out() {
		e := ev.(pkgif.EvtRelayReserved)
		h.addrsMu.Lock()
		if len(e.Addrs) == 0 {
			delete(h.relayAddrs, e.Relay)
		} else {
			h.relayAddrs[e.Relay] = e.Addrs
		}
		h.addrsMu.Unlock()
		h.publishAddrs()
	}
}

func (h *Host) publishAddrs() {
	if h.closed.Load() {
		return
	}
	addrs := h.Addrs()
	logger.Debug("本地地址更新", "count", len(addrs))
	_ = h.emitAddrs.Emit(pkgif.EvtLocalAddrsUpdated{Current: addrs})
}

// ============================================================================
//                              关闭
// ============================================================================

// Close 关闭 Host 与底层 Swarm
func (h *Host) Close() error {
	if !h.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := h.swarm.Close()
	err = multierr.Append(err, h.relaySub.Close())
	h.wg.Wait()
	err = multierr.Append(err, h.emitAddrs.Close())
	return err
}
