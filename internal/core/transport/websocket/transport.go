package websocket

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	ws "github.com/gorilla/websocket"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/multierr"

	"github.com/dep2p/go-webnode/internal/util/addrutil"
	pkgif "github.com/dep2p/go-webnode/pkg/interfaces"
	"github.com/dep2p/go-webnode/pkg/lib/log"
	"github.com/dep2p/go-webnode/pkg/types"
)

var logger = log.Logger("core/transport/websocket")

// Name 传输名称
const Name = "websocket"

// DefaultHandshakeTimeout HTTP 升级默认超时
const DefaultHandshakeTimeout = 10 * time.Second

var (
	// ErrTransportClosed 传输已关闭
	ErrTransportClosed = errors.New("websocket transport closed")

	// ErrUnsupportedAddr 地址格式不受支持
	ErrUnsupportedAddr = errors.New("unsupported websocket address")

	// ErrFiltered 地址被拨号过滤器拒绝
	ErrFiltered = errors.New("address rejected by websocket filter")
)

var wsComponent = addrutil.MustParse("/ws")

// ============================================================================
//                              Transport 实现
// ============================================================================

// 确保实现接口
var _ pkgif.Transport = (*Transport)(nil)

// Transport WebSocket 传输
type Transport struct {
	filter           Filter
	handshakeTimeout time.Duration
	tlsConfig        *tls.Config

	listenersMu sync.Mutex
	listeners   map[*Listener]struct{}

	closed atomic.Bool
}

// Option 传输选项
type Option func(*Transport)

// WithFilter 设置拨号过滤器
func WithFilter(f Filter) Option {
	return func(t *Transport) {
		if f != nil {
			t.filter = f
		}
	}
}

// WithHandshakeTimeout 设置 HTTP 升级超时
func WithHandshakeTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.handshakeTimeout = d
		}
	}
}

// WithTLSConfig 设置 wss 拨号的 TLS 配置
func WithTLSConfig(cfg *tls.Config) Option {
	return func(t *Transport) {
		t.tlsConfig = cfg
	}
}

// New 创建 WebSocket 传输
func New(opts ...Option) *Transport {
	t := &Transport{
		filter:           FilterAll,
		handshakeTimeout: DefaultHandshakeTimeout,
		listeners:        make(map[*Listener]struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Name 返回传输名称
func (t *Transport) Name() string { return Name }

// CanDial 检查是否能拨号 ws/wss 地址（中继地址由电路传输处理）
func (t *Transport) CanDial(addr ma.Multiaddr) bool {
	if addr == nil || addrutil.IsCircuit(addr) || !addrutil.IsWebSocket(addr) {
		return false
	}
	if _, _, err := addrutil.HostPort(addr); err != nil {
		return false
	}
	return t.filter(addr)
}

// CanListen 只支持 /ip4|ip6/…/tcp/<port>/ws
func (t *Transport) CanListen(addr ma.Multiaddr) bool {
	if addr == nil || addrutil.IsCircuit(addr) {
		return false
	}
	if !addrutil.HasProtocol(addr, ma.P_WS) {
		return false
	}
	return addrutil.IP(addr) != nil && addrutil.HasProtocol(addr, ma.P_TCP)
}

// Dial 建立 WebSocket 连接
func (t *Transport) Dial(ctx context.Context, raddr ma.Multiaddr, _ types.PeerID) (pkgif.RawConn, error) {
	if t.closed.Load() {
		return nil, ErrTransportClosed
	}
	if addrutil.IsCircuit(raddr) || !addrutil.IsWebSocket(raddr) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAddr, raddr)
	}
	if !t.filter(raddr) {
		return nil, fmt.Errorf("%w: %s", ErrFiltered, raddr)
	}

	target, _ := addrutil.SplitPeer(raddr)
	u, err := dialURL(target)
	if err != nil {
		return nil, err
	}

	dialer := &ws.Dialer{
		Proxy:            nil,
		HandshakeTimeout: t.handshakeTimeout,
		TLSClientConfig:  t.tlsConfig,
		ReadBufferSize:   32 << 10,
		WriteBufferSize:  32 << 10,
	}
	c, resp, err := dialer.DialContext(ctx, u, nil)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("websocket dial %s: %w", u, ctxErr)
		}
		return nil, fmt.Errorf("websocket dial %s: %w", u, err)
	}

	var laddr ma.Multiaddr
	if tcpAddr, ok := c.LocalAddr().(*net.TCPAddr); ok {
		if base, err := addrutil.FromTCPAddr(tcpAddr); err == nil {
			laddr = base.Encapsulate(wsComponent)
		}
	}
	logger.Debug("WebSocket 拨号成功", "url", u)
	return newConn(c, laddr, target), nil
}

// Listen 在 /ws 地址上监听
func (t *Transport) Listen(laddr ma.Multiaddr) (pkgif.Listener, error) {
	if t.closed.Load() {
		return nil, ErrTransportClosed
	}
	if !t.CanListen(laddr) {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedAddr, laddr)
	}
	host, port, err := addrutil.HostPort(laddr)
	if err != nil {
		return nil, err
	}
	nl, err := net.Listen("tcp", net.JoinHostPort(host, port))
	if err != nil {
		return nil, fmt.Errorf("websocket listen: %w", err)
	}
	l, err := newListener(nl, t.handshakeTimeout)
	if err != nil {
		_ = nl.Close()
		return nil, err
	}

	t.listenersMu.Lock()
	t.listeners[l] = struct{}{}
	t.listenersMu.Unlock()

	logger.Info("WebSocket 开始监听", "addr", l.Multiaddr())
	return &trackedListener{Listener: l, t: t}, nil
}

// Close 关闭传输与全部监听器
func (t *Transport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	t.listenersMu.Lock()
	ls := make([]*Listener, 0, len(t.listeners))
	for l := range t.listeners {
		ls = append(ls, l)
	}
	t.listeners = make(map[*Listener]struct{})
	t.listenersMu.Unlock()

	var err error
	for _, l := range ls {
		err = multierr.Append(err, l.Close())
	}
	return err
}

// trackedListener 关闭时从传输中注销
type trackedListener struct {
	*Listener
	t *Transport
}

func (l *trackedListener) Close() error {
	l.t.listenersMu.Lock()
	delete(l.t.listeners, l.Listener)
	l.t.listenersMu.Unlock()
	return l.Listener.Close()
}

// dialURL 把 ws/wss 多地址转为 URL
func dialURL(addr ma.Multiaddr) (string, error) {
	host, port, err := addrutil.HostPort(addr)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrUnsupportedAddr, addr)
	}
	scheme := "ws"
	if addrutil.HasProtocol(addr, ma.P_WSS) {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: net.JoinHostPort(host, port), Path: "/"}
	return u.String(), nil
}
