package identify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/multierr"

	"github.com/dep2p/go-webnode/internal/core/peerstore"
	pkgif "github.com/dep2p/go-webnode/pkg/interfaces"
	"github.com/dep2p/go-webnode/pkg/lib/log"
	"github.com/dep2p/go-webnode/pkg/types"
)

var logger = log.Logger("protocol/identify")

// ProtocolID 身份交换协议
const ProtocolID types.ProtocolID = "/webnode/id/1.0.0"

const (
	// AgentVersion 本实现的代理版本
	AgentVersion = "go-webnode/0.1.0"

	// DefaultTimeout 单次交换超时
	DefaultTimeout = 10 * time.Second

	// MaxMessageSize 单条 Info 上限
	MaxMessageSize = 8 << 10

	// maxProtocols 接收时保留的协议数上限
	maxProtocols = 128
)

// Info 节点身份信息
type Info struct {
	// ListenAddrs 监听地址列表
	ListenAddrs []string `json:"listen_addrs"`

	// ObservedAddr 观测到的远端地址
	ObservedAddr string `json:"observed_addr,omitempty"`

	// Protocols 支持的协议列表
	Protocols []string `json:"protocols"`

	// AgentVersion 代理版本
	AgentVersion string `json:"agent_version,omitempty"`
}

// Host identify 需要的 Host 能力
type Host interface {
	pkgif.Host

	// Protocols 返回已注册的协议
	Protocols() []types.ProtocolID
}

// AddrBook 接收对端监听地址，通常为 Swarm
type AddrBook interface {
	AddAddrs(peer types.PeerID, addrs ...ma.Multiaddr)
}

// Option 服务选项
type Option func(*Service)

// WithTimeout 设置单次交换超时
func WithTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithAddrBook 额外把对端地址写入 book
func WithAddrBook(book AddrBook) Option {
	return func(s *Service) { s.book = book }
}

// Service 身份交换服务
type Service struct {
	host    Host
	ps      *peerstore.Peerstore
	book    AddrBook
	timeout time.Duration

	emitter pkgif.Emitter
	sub     pkgif.Subscription

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	closeOnce sync.Once
}

// New 注册处理器并开始对新连接执行身份交换
func New(h Host, ps *peerstore.Peerstore, opts ...Option) (*Service, error) {
	s := &Service{
		host:    h,
		ps:      ps,
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}

	emitter, err := h.EventBus().Emitter(new(pkgif.EvtPeerIdentified))
	if err != nil {
		return nil, err
	}
	sub, err := h.EventBus().Subscribe(new(pkgif.EvtConnectionOpened), pkgif.BufSize(64))
	if err != nil {
		emitter.Close()
		return nil, err
	}
	s.emitter = emitter
	s.sub = sub
	s.ctx, s.cancel = context.WithCancel(context.Background())

	h.SetStreamHandler(ProtocolID, s.handle)

	s.wg.Add(1)
	go s.watch()
	return s, nil
}

// ============================================================================
//                              服务端
// ============================================================================

// handle 写出本节点信息
func (s *Service) handle(st pkgif.Stream) {
	defer st.Close()
	_ = st.SetWriteDeadline(time.Now().Add(s.timeout))

	if err := json.NewEncoder(st).Encode(s.localInfo(st.Conn())); err != nil {
		logger.Debug("写入身份信息失败", "peer", st.Conn().RemotePeer().ShortString(), "error", err)
		st.Reset()
	}
}

func (s *Service) localInfo(c pkgif.Conn) *Info {
	info := &Info{AgentVersion: AgentVersion}
	for _, a := range s.host.Addrs() {
		info.ListenAddrs = append(info.ListenAddrs, a.String())
	}
	for _, p := range s.host.Protocols() {
		info.Protocols = append(info.Protocols, string(p))
	}
	if remote := c.RemoteMultiaddr(); remote != nil {
		info.ObservedAddr = remote.String()
	}
	return info
}

// ============================================================================
//                              客户端
// ============================================================================

// watch 对每条新连接执行一次身份交换
func (s *Service) watch() {
	defer s.wg.Done()
	for ev := range s.sub.Out() {
		c := ev.(pkgif.EvtConnectionOpened).Conn
		if c.IsClosed() || s.ctx.Err() != nil {
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if _, err := s.IdentifyConn(s.ctx, c); err != nil {
				logger.Debug("身份交换失败", "peer", c.RemotePeer().ShortString(), "error", err)
			}
		}()
	}
}

// IdentifyConn 读取连接对端的身份信息并记录
func (s *Service) IdentifyConn(ctx context.Context, c pkgif.Conn) (*Info, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	st, err := s.host.NewStreamOnConn(ctx, c, ProtocolID)
	if err != nil {
		return nil, err
	}
	defer st.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = st.SetDeadline(deadline)
	}

	info := new(Info)
	if err := json.NewDecoder(io.LimitReader(st, MaxMessageSize)).Decode(info); err != nil {
		st.Reset()
		return nil, types.DecodeError("identify message", err)
	}
	s.record(c, info)
	return info, nil
}

// record 写入 peerstore 并发布事件，无法解析的地址被忽略
func (s *Service) record(c pkgif.Conn, info *Info) {
	p := c.RemotePeer()

	protos := make([]types.ProtocolID, 0, min(len(info.Protocols), maxProtocols))
	for _, proto := range info.Protocols {
		if len(protos) == maxProtocols {
			break
		}
		protos = append(protos, types.ProtocolID(proto))
	}

	var addrs []ma.Multiaddr
	for _, raw := range info.ListenAddrs {
		a, err := ma.NewMultiaddr(raw)
		if err != nil {
			logger.Debug("忽略无效地址", "peer", p.ShortString(), "addr", raw)
			continue
		}
		addrs = append(addrs, a)
	}

	s.ps.SetProtocols(p, protos...)
	s.ps.AddAddrs(p, addrs...)
	s.ps.SetAgentVersion(p, info.AgentVersion)
	if s.book != nil && len(addrs) > 0 {
		s.book.AddAddrs(p, addrs...)
	}

	logger.Debug("身份交换完成", "peer", p.ShortString(), "protocols", len(protos), "addrs", len(addrs), "agent", info.AgentVersion)
	if err := s.emitter.Emit(pkgif.EvtPeerIdentified{
		Peer:        p,
		Conn:        c,
		Protocols:   s.ps.Protocols(p),
		ListenAddrs: addrs,
	}); err != nil {
		logger.Debug("发布身份事件失败", "error", err)
	}
}

// Close 停止服务并等待进行中的交换结束
func (s *Service) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		s.host.RemoveStreamHandler(ProtocolID)
		err = s.sub.Close()
		s.wg.Wait()
		err = multierr.Append(err, s.emitter.Close())
	})
	if err != nil {
		return fmt.Errorf("close identify: %w", err)
	}
	return nil
}
