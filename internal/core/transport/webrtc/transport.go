package webrtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/pion/datachannel"
	"github.com/pion/webrtc/v4"

	"github.com/dep2p/go-webnode/internal/util/addrutil"
	pkgif "github.com/dep2p/go-webnode/pkg/interfaces"
	"github.com/dep2p/go-webnode/pkg/lib/log"
	"github.com/dep2p/go-webnode/pkg/types"
)

var logger = log.Logger("core/transport/webrtc")

// Name 传输名称
const Name = "webrtc"

// DefaultConnectTimeout 信令与 ICE 连接的默认超时
const DefaultConnectTimeout = 30 * time.Second

const dataChannelLabel = "data"

var (
	// ErrNotBound 传输尚未绑定 Host
	ErrNotBound = errors.New("webrtc transport not bound to a host")

	// ErrNoTarget 地址缺少目标节点
	ErrNoTarget = errors.New("webrtc address without target peer")

	// ErrPeerConnectionFailed ICE 或 DTLS 失败
	ErrPeerConnectionFailed = errors.New("webrtc peer connection failed")
)

var listenAddr = ma.StringCast("/webrtc")

// 确保实现接口
var _ pkgif.Transport = (*Transport)(nil)

// ============================================================================
//                              Transport
// ============================================================================

// Transport 经中继信令的 WebRTC 传输
//
// 拨号 <relay-addr>/p2p/<relay>/p2p-circuit/webrtc/p2p/<target>：
// 先经中继建立到目标的电路连接，在其上打开信令流交换 SDP 与 ICE 候选，
// 数据通道打开后以分离模式作为原始连接交给升级器。
type Transport struct {
	api            *webrtc.API
	config         webrtc.Configuration
	connectTimeout time.Duration

	mu       sync.Mutex
	host     pkgif.Host
	listener *Listener
}

type options struct {
	iceServers     []string
	connectTimeout time.Duration
	loopback       bool
}

// Option 传输选项
type Option func(*options)

// WithICEServers 设置 STUN/TURN 服务器 URL
func WithICEServers(urls ...string) Option {
	return func(o *options) {
		o.iceServers = append(o.iceServers, urls...)
	}
}

// WithConnectTimeout 设置连接超时
func WithConnectTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.connectTimeout = d
		}
	}
}

// WithLoopback 收集回环地址候选（单机测试）
func WithLoopback() Option {
	return func(o *options) {
		o.loopback = true
	}
}

// New 创建 WebRTC 传输，需要 Bind 后才能拨号或监听
func New(opts ...Option) *Transport {
	o := options{connectTimeout: DefaultConnectTimeout}
	for _, opt := range opts {
		opt(&o)
	}

	se := webrtc.SettingEngine{LoggerFactory: loggerFactory{}}
	se.DetachDataChannels()
	if o.loopback {
		se.SetIncludeLoopbackCandidate(true)
	}

	var cfg webrtc.Configuration
	if len(o.iceServers) > 0 {
		cfg.ICEServers = []webrtc.ICEServer{{URLs: o.iceServers}}
	}

	return &Transport{
		api:            webrtc.NewAPI(webrtc.WithSettingEngine(se)),
		config:         cfg,
		connectTimeout: o.connectTimeout,
	}
}

// Bind 绑定 Host，信令流经由它打开和接收
func (t *Transport) Bind(h pkgif.Host) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.host = h
}

func (t *Transport) boundHost() pkgif.Host {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.host
}

// Name 返回传输名称
func (t *Transport) Name() string { return Name }

// CanDial …/p2p-circuit/webrtc/… 地址
func (t *Transport) CanDial(addr ma.Multiaddr) bool {
	return addrutil.IsWebRTC(addr)
}

// CanListen 只接受 /webrtc
func (t *Transport) CanListen(addr ma.Multiaddr) bool {
	return addr != nil && addr.Equal(listenAddr)
}

// Dial 经中继信令建立 WebRTC 连接
func (t *Transport) Dial(ctx context.Context, raddr ma.Multiaddr, peer types.PeerID) (pkgif.RawConn, error) {
	h := t.boundHost()
	if h == nil {
		return nil, ErrNotBound
	}
	circ, err := addrutil.SplitCircuit(raddr)
	if err != nil {
		return nil, err
	}
	target := circ.Target
	if target.IsEmpty() {
		target = peer
	}
	if target.IsEmpty() {
		return nil, ErrNoTarget
	}
	if !peer.IsEmpty() && target != peer {
		return nil, fmt.Errorf("webrtc target %s does not match %s", target.ShortString(), peer.ShortString())
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.connectTimeout)
		defer cancel()
	}

	relayed, err := t.signalingConn(ctx, h, circ.Relay, target)
	if err != nil {
		return nil, err
	}
	st, err := h.NewStreamOnConn(ctx, relayed, SignalingID)
	if err != nil {
		return nil, fmt.Errorf("open signaling stream: %w", err)
	}

	remote, err := addrutil.WebRTCAddr(circ.Relay, types.EmptyPeerID)
	if err != nil {
		st.Reset()
		return nil, err
	}
	conn, err := t.negotiate(ctx, st, true, remote)
	if err != nil {
		return nil, err
	}
	logger.Debug("WebRTC 连接已建立", "peer", target.ShortString(), "direction", "outbound")
	return conn, nil
}

// signalingConn 返回承载信令的连接：优先复用到目标的已有连接，否则经中继拨号
func (t *Transport) signalingConn(ctx context.Context, h pkgif.Host, relayAddr ma.Multiaddr, target types.PeerID) (pkgif.Conn, error) {
	for _, c := range h.ConnsToPeer(target) {
		if !c.IsClosed() && c.Transport() != Name {
			return c, nil
		}
	}
	circuit, err := addrutil.CircuitAddr(relayAddr, target)
	if err != nil {
		return nil, err
	}
	c, err := h.Connect(ctx, circuit)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrNoRelay, err)
	}
	return c, nil
}

// Listen 在 /webrtc 上接受入站 WebRTC 连接
func (t *Transport) Listen(laddr ma.Multiaddr) (pkgif.Listener, error) {
	if !t.CanListen(laddr) {
		return nil, fmt.Errorf("webrtc transport cannot listen on %s", laddr)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.host == nil {
		return nil, ErrNotBound
	}
	if t.listener != nil {
		return nil, errors.New("already listening on /webrtc")
	}
	t.listener = newListener(t)
	t.host.SetStreamHandler(SignalingID, t.handleSignaling)
	return t.listener, nil
}

func (t *Transport) removeListener(l *Listener) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener != l {
		return
	}
	t.listener = nil
	if t.host != nil {
		t.host.RemoveStreamHandler(SignalingID)
	}
}

// handleSignaling 应答方：接受 offer 并建立连接
func (t *Transport) handleSignaling(st pkgif.Stream) {
	t.mu.Lock()
	l := t.listener
	t.mu.Unlock()
	if l == nil {
		st.Reset()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), t.connectTimeout)
	defer cancel()

	remote := listenAddr
	if ra := st.Conn().RemoteMultiaddr(); addrutil.IsCircuit(ra) {
		remote = ra.Encapsulate(listenAddr)
	}
	conn, err := t.negotiate(ctx, st, false, remote)
	if err != nil {
		logger.Debug("WebRTC 应答失败", "peer", st.Conn().RemotePeer().ShortString(), "error", err)
		return
	}
	if !l.deliver(conn) {
		conn.Close()
		return
	}
	logger.Debug("WebRTC 连接已建立", "peer", st.Conn().RemotePeer().ShortString(), "direction", "inbound")
}

// ============================================================================
//                              协商
// ============================================================================

type detached struct {
	dc  *webrtc.DataChannel
	rwc datachannel.ReadWriteCloser
	err error
}

// negotiate 在信令流上完成 offer/answer 与候选交换，返回打开的数据通道连接
//
// 失败时信令流被重置，PeerConnection 被关闭。
func (t *Transport) negotiate(ctx context.Context, st pkgif.Stream, offerer bool, remote ma.Multiaddr) (*Conn, error) {
	pc, err := t.api.NewPeerConnection(t.config)
	if err != nil {
		st.Reset()
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	fail := func(err error) (*Conn, error) {
		st.Reset()
		pc.Close()
		return nil, err
	}

	if deadline, ok := ctx.Deadline(); ok {
		_ = st.SetDeadline(deadline)
	}
	sig := &signaler{rw: st}

	opened := make(chan detached, 1)
	onOpen := func(dc *webrtc.DataChannel) {
		dc.OnOpen(func() {
			rwc, err := dc.Detach()
			select {
			case opened <- detached{dc: dc, rwc: rwc, err: err}:
			default:
			}
		})
	}
	failed := make(chan struct{})
	var failOnce sync.Once
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			failOnce.Do(func() { close(failed) })
		}
	})
	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		data, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		if err := sig.send(signalCandidate, string(data)); err != nil {
			logger.Debug("发送 ICE 候选失败", "error", err)
		}
	})

	if offerer {
		dc, err := pc.CreateDataChannel(dataChannelLabel, nil)
		if err != nil {
			return fail(fmt.Errorf("create data channel: %w", err))
		}
		onOpen(dc)
		offer, err := pc.CreateOffer(nil)
		if err != nil {
			return fail(fmt.Errorf("create offer: %w", err))
		}
		// 持锁发送 offer，保证候选消息排在 offer 之后
		sig.mu.Lock()
		err = pc.SetLocalDescription(offer)
		if err == nil {
			err = sig.sendLocked(signalOffer, offer.SDP)
		}
		sig.mu.Unlock()
		if err != nil {
			return fail(fmt.Errorf("send offer: %w", err))
		}
	} else {
		pc.OnDataChannel(onOpen)
		msg, err := sig.recv()
		if err != nil {
			return fail(fmt.Errorf("read offer: %w", err))
		}
		if msg.Type != signalOffer {
			return fail(fmt.Errorf("unexpected %s, want %s", msg.Type, signalOffer))
		}
		if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: msg.Data}); err != nil {
			return fail(fmt.Errorf("set offer: %w", err))
		}
		answer, err := pc.CreateAnswer(nil)
		if err != nil {
			return fail(fmt.Errorf("create answer: %w", err))
		}
		sig.mu.Lock()
		err = pc.SetLocalDescription(answer)
		if err == nil {
			err = sig.sendLocked(signalAnswer, answer.SDP)
		}
		sig.mu.Unlock()
		if err != nil {
			return fail(fmt.Errorf("send answer: %w", err))
		}
	}

	readDone := make(chan error, 1)
	go func() { readDone <- readSignals(sig, pc, offerer) }()

	for {
		select {
		case d := <-opened:
			if d.err != nil {
				return fail(fmt.Errorf("detach data channel: %w", d.err))
			}
			// 信令结束，剩余候选不再需要
			_ = st.SetDeadline(time.Time{})
			st.Close()
			return newConn(pc, d.dc, d.rwc, listenAddr, remote), nil
		case err := <-readDone:
			readDone = nil
			if err != nil && !errors.Is(err, io.EOF) {
				return fail(fmt.Errorf("signaling: %w", err))
			}
		case <-failed:
			return fail(ErrPeerConnectionFailed)
		case <-ctx.Done():
			return fail(types.HandshakeError("webrtc connect", ctx.Err()))
		}
	}
}

// readSignals 处理对端的 answer 与候选，直到信令流结束
func readSignals(sig *signaler, pc *webrtc.PeerConnection, offerer bool) error {
	for {
		msg, err := sig.recv()
		if err != nil {
			return err
		}
		switch msg.Type {
		case signalAnswer:
			if !offerer {
				return fmt.Errorf("unexpected %s", msg.Type)
			}
			if err := pc.SetRemoteDescription(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: msg.Data}); err != nil {
				return fmt.Errorf("set answer: %w", err)
			}
		case signalCandidate:
			var init webrtc.ICECandidateInit
			if err := json.Unmarshal([]byte(msg.Data), &init); err != nil {
				return types.DecodeError("ice candidate", err)
			}
			if err := pc.AddICECandidate(init); err != nil {
				logger.Debug("添加 ICE 候选失败", "error", err)
			}
		default:
			return fmt.Errorf("unexpected %s", msg.Type)
		}
	}
}
