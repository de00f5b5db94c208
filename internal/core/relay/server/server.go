package server

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/multierr"

	"github.com/dep2p/go-webnode/config"
	"github.com/dep2p/go-webnode/internal/core/metrics"
	"github.com/dep2p/go-webnode/internal/core/relay"
	"github.com/dep2p/go-webnode/internal/util/addrutil"
	pkgif "github.com/dep2p/go-webnode/pkg/interfaces"
	"github.com/dep2p/go-webnode/pkg/lib/log"
	"github.com/dep2p/go-webnode/pkg/types"
)

var logger = log.Logger("core/relay/server")

// 控制消息读写超时
const handshakeTimeout = 30 * time.Second

// maxSweepInterval 过期预留清理周期上限
const maxSweepInterval = time.Minute

// ============================================================================
//                              Server
// ============================================================================

// Server 中继服务端（hop 协议）
type Server struct {
	host    pkgif.Host
	cfg     config.RelayServerConfig
	clock   clock.Clock
	metrics *metrics.Metrics

	mu           sync.Mutex
	reservations map[types.PeerID]time.Time
	circuits     map[*circuit]struct{}
	closed       bool

	closeSub pkgif.Subscription
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// Option 服务端选项
type Option func(*Server)

// WithClock 设置时钟（测试用 clock.NewMock）
func WithClock(c clock.Clock) Option {
	return func(s *Server) {
		s.clock = c
	}
}

// WithMetrics 设置指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// New 创建中继服务并在 host 上注册 hop 协议
func New(h pkgif.Host, cfg config.RelayServerConfig, opts ...Option) (*Server, error) {
	s := &Server{
		host:         h,
		cfg:          cfg,
		clock:        clock.New(),
		reservations: make(map[types.PeerID]time.Time),
		circuits:     make(map[*circuit]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	sub, err := h.EventBus().Subscribe(new(pkgif.EvtConnectionClosed))
	if err != nil {
		return nil, err
	}
	s.closeSub = sub
	s.ctx, s.cancel = context.WithCancel(context.Background())

	h.SetStreamHandler(relay.HopID, s.handleHop)

	interval := cfg.ReservationTTL.Std()
	if interval <= 0 || interval > maxSweepInterval {
		interval = maxSweepInterval
	}
	ticker := s.clock.Ticker(interval)

	s.wg.Add(2)
	go s.sweepLoop(ticker)
	go s.watchConns()

	logger.Info("中继服务已启动",
		"maxReservations", cfg.MaxReservations,
		"maxCircuits", cfg.MaxCircuits,
		"ttl", cfg.ReservationTTL)
	return s, nil
}

// Reservations 返回当前有效预留数
func (s *Server) Reservations() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.reservations)
}

// Circuits 返回当前活跃电路数
func (s *Server) Circuits() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.circuits)
}

// HasReservation 检查节点是否持有有效预留
func (s *Server) HasReservation(p types.PeerID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.reservations[p]
	return ok && s.clock.Now().Before(exp)
}

// Close 停止服务并重置所有电路
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	circuits := make([]*circuit, 0, len(s.circuits))
	for c := range s.circuits {
		circuits = append(circuits, c)
	}
	s.mu.Unlock()

	s.host.RemoveStreamHandler(relay.HopID)
	s.cancel()
	for _, c := range circuits {
		c.reset()
	}
	err := s.closeSub.Close()
	s.wg.Wait()

	s.mu.Lock()
	n := len(s.reservations)
	s.reservations = make(map[types.PeerID]time.Time)
	s.mu.Unlock()
	s.metrics.ReservationChanged(-float64(n))
	return err
}

// ============================================================================
//                              HOP 处理
// ============================================================================

func (s *Server) handleHop(st pkgif.Stream) {
	_ = st.SetDeadline(time.Now().Add(handshakeTimeout))

	msg, err := relay.ReadMessage(st)
	if err != nil {
		logger.Debug("读取 HOP 消息失败", "peer", st.Conn().RemotePeer().ShortString(), "error", err)
		s.reply(st, relay.StatusMalformedMessage, nil, 0)
		st.Close()
		return
	}

	switch msg.Type {
	case relay.MsgHopReserve:
		s.handleReserve(st)
	case relay.MsgHopConnect:
		s.handleConnect(st, msg)
	default:
		s.reply(st, relay.StatusUnexpectedMessage, nil, 0)
		st.Close()
	}
}

func (s *Server) handleReserve(st pkgif.Stream) {
	defer st.Close()
	c := st.Conn()
	p := c.RemotePeer()

	// 不为经中继到达的节点提供预留
	if addrutil.IsCircuit(c.RemoteMultiaddr()) {
		s.reply(st, relay.StatusPermissionDenied, nil, 0)
		return
	}

	ttl := s.cfg.ReservationTTL.Std()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.reply(st, relay.StatusReservationRefused, nil, 0)
		return
	}
	_, renew := s.reservations[p]
	if !renew && len(s.reservations) >= s.cfg.MaxReservations {
		s.mu.Unlock()
		logger.Debug("预留数达到上限", "peer", p.ShortString())
		s.reply(st, relay.StatusResourceLimitExceeded, nil, 0)
		return
	}
	s.reservations[p] = s.clock.Now().Add(ttl)
	s.mu.Unlock()

	if !renew {
		s.metrics.ReservationChanged(1)
	}
	logger.Debug("预留成功", "peer", p.ShortString(), "renew", renew, "ttl", ttl)
	s.reply(st, relay.StatusOK, s.circuitAddrs(), ttl)
}

func (s *Server) handleConnect(src pkgif.Stream, msg *relay.Message) {
	from := src.Conn().RemotePeer()
	target := msg.Peer
	if target.IsEmpty() {
		s.reply(src, relay.StatusMalformedMessage, nil, 0)
		src.Close()
		return
	}

	if !s.HasReservation(target) {
		logger.Debug("目标没有预留", "from", from.ShortString(), "target", target.ShortString())
		s.reply(src, relay.StatusNoReservation, nil, 0)
		src.Close()
		return
	}

	circ := &circuit{src: src}
	s.mu.Lock()
	if s.closed || len(s.circuits) >= s.cfg.MaxCircuits {
		s.mu.Unlock()
		s.reply(src, relay.StatusResourceLimitExceeded, nil, 0)
		src.Close()
		return
	}
	s.circuits[circ] = struct{}{}
	s.mu.Unlock()

	dst, err := s.openStop(from, target)
	if err != nil {
		logger.Debug("连接目标失败", "target", target.ShortString(), "error", err)
		s.removeCircuit(circ)
		s.reply(src, relay.StatusConnectionFailed, nil, 0)
		src.Close()
		return
	}
	circ.setDst(dst)

	if err := s.reply(src, relay.StatusOK, nil, 0); err != nil {
		s.removeCircuit(circ)
		circ.reset()
		return
	}

	_ = src.SetDeadline(time.Time{})
	s.metrics.CircuitOpened()
	logger.Debug("电路已建立", "from", from.ShortString(), "target", target.ShortString())

	circ.splice()
	s.removeCircuit(circ)
	s.metrics.CircuitClosed()
}

// openStop 向目标打开 stop 流并等待其接受电路
func (s *Server) openStop(from, target types.PeerID) (pkgif.Stream, error) {
	conns := s.host.ConnsToPeer(target)
	if len(conns) == 0 {
		return nil, types.ErrConnClosed
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ConnectTimeout.Std())
	defer cancel()

	dst, err := s.host.NewStreamOnConn(ctx, conns[0], relay.StopID)
	if err != nil {
		return nil, err
	}

	deadline, _ := ctx.Deadline()
	_ = dst.SetDeadline(deadline)
	if err := relay.WriteMessage(dst, &relay.Message{Type: relay.MsgStopConnect, Peer: from}); err != nil {
		dst.Reset()
		return nil, err
	}
	if _, err := relay.ReadResponse(dst, relay.MsgStopStatus); err != nil {
		dst.Reset()
		return nil, err
	}
	_ = dst.SetDeadline(time.Time{})
	return dst, nil
}

func (s *Server) reply(st pkgif.Stream, status relay.Status, addrs []ma.Multiaddr, ttl time.Duration) error {
	err := relay.WriteMessage(st, &relay.Message{
		Type:   relay.MsgHopStatus,
		Status: status,
		Addrs:  addrs,
		TTL:    ttl,
	})
	if err != nil {
		logger.Debug("写入 HOP 响应失败", "status", status, "error", err)
	}
	return err
}

// circuitAddrs 返回 <relay-addr>/p2p/<relay>/p2p-circuit 形式的地址
func (s *Server) circuitAddrs() []ma.Multiaddr {
	var out []ma.Multiaddr
	for _, a := range s.host.Addrs() {
		if addrutil.IsCircuit(a) {
			continue
		}
		full, err := addrutil.WithPeer(a, s.host.ID())
		if err != nil {
			continue
		}
		ca, err := addrutil.CircuitAddr(full, types.EmptyPeerID)
		if err != nil {
			continue
		}
		out = append(out, ca)
		if len(out) == relay.MaxAddrs {
			break
		}
	}
	return out
}

func (s *Server) removeCircuit(c *circuit) {
	s.mu.Lock()
	delete(s.circuits, c)
	s.mu.Unlock()
}

// ============================================================================
//                              预留过期
// ============================================================================

func (s *Server) sweepLoop(ticker *clock.Ticker) {
	defer s.wg.Done()
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

func (s *Server) sweep() {
	now := s.clock.Now()
	s.mu.Lock()
	var expired []types.PeerID
	for p, exp := range s.reservations {
		if !now.Before(exp) {
			expired = append(expired, p)
			delete(s.reservations, p)
		}
	}
	s.mu.Unlock()

	if len(expired) > 0 {
		s.metrics.ReservationChanged(-float64(len(expired)))
		logger.Debug("清理过期预留", "count", len(expired))
	}
}

// watchConns 节点断开全部连接后释放其预留
func (s *Server) watchConns() {
	defer s.wg.Done()
	for ev := range s.closeSub.Out() {
		e := ev.(pkgif.EvtConnectionClosed)
		p := e.Conn.RemotePeer()
		if len(s.host.ConnsToPeer(p)) > 0 {
			continue
		}
		s.mu.Lock()
		_, ok := s.reservations[p]
		delete(s.reservations, p)
		s.mu.Unlock()
		if ok {
			s.metrics.ReservationChanged(-1)
			logger.Debug("节点断开，释放预留", "peer", p.ShortString())
		}
	}
}

// ============================================================================
//                              电路
// ============================================================================

// circuit 一条活跃的中继电路
type circuit struct {
	mu  sync.Mutex
	src pkgif.Stream
	dst pkgif.Stream
}

func (c *circuit) setDst(dst pkgif.Stream) {
	c.mu.Lock()
	c.dst = dst
	c.mu.Unlock()
}

func (c *circuit) reset() {
	c.mu.Lock()
	src, dst := c.src, c.dst
	c.mu.Unlock()
	src.Reset()
	if dst != nil {
		dst.Reset()
	}
}

// splice 双向转发直到两个方向都结束
//
// 一侧读到 EOF 时关闭另一侧写端；任一方向出错时重置整条电路。
func (c *circuit) splice() {
	var wg sync.WaitGroup
	errs := make([]error, 2)
	forward := func(i int, dst, src pkgif.Stream) {
		defer wg.Done()
		if _, err := io.Copy(dst, src); err != nil {
			errs[i] = err
			c.reset()
			return
		}
		errs[i] = dst.CloseWrite()
	}

	wg.Add(2)
	go forward(0, c.dst, c.src)
	go forward(1, c.src, c.dst)
	wg.Wait()

	if err := multierr.Combine(errs...); err != nil {
		logger.Debug("电路异常结束", "error", err)
		return
	}
	c.src.Close()
	c.dst.Close()
}
