// Package yamux 提供基于 go-yamux 的多路复用实现（/yamux/1.0.0）
package yamux

import (
	"context"
	"errors"
	"io"
	"math"
	"net"
	"time"

	"github.com/libp2p/go-yamux/v5"

	pkgif "github.com/dep2p/go-webnode/pkg/interfaces"
	"github.com/dep2p/go-webnode/pkg/lib/log"
	"github.com/dep2p/go-webnode/pkg/types"
)

var logger = log.Logger("core/muxer/yamux")

// ID yamux 协议标识
const ID types.ProtocolID = "/yamux/1.0.0"

// DefaultMaxStreamWindow 默认流窗口：16MiB，100ms 延迟下可达 160MB/s
const DefaultMaxStreamWindow = 16 << 20

// Transport yamux 多路复用器
type Transport struct {
	config *yamux.Config
}

var _ pkgif.StreamMuxer = (*Transport)(nil)

// New 创建 yamux 多路复用器
//
// maxStreamWindow 为 0 时使用 DefaultMaxStreamWindow。
func New(maxStreamWindow uint32) *Transport {
	config := yamux.DefaultConfig()
	if maxStreamWindow == 0 {
		maxStreamWindow = DefaultMaxStreamWindow
	}
	config.MaxStreamWindowSize = maxStreamWindow
	config.LogOutput = io.Discard
	// 安全通道已有缓冲
	config.ReadBufSize = 0
	config.MaxIncomingStreams = math.MaxUint32
	return &Transport{config: config}
}

// DefaultTransport 默认参数的 yamux 多路复用器
var DefaultTransport = New(0)

// ID 返回协议标识
func (t *Transport) ID() types.ProtocolID {
	return ID
}

// NewConn 在网络连接上创建会话
func (t *Transport) NewConn(conn net.Conn, isServer bool) (pkgif.MuxedConn, error) {
	var (
		sess *yamux.Session
		err  error
	)
	if isServer {
		sess, err = yamux.Server(conn, t.config, nil)
	} else {
		sess, err = yamux.Client(conn, t.config, nil)
	}
	if err != nil {
		return nil, err
	}
	return &muxedConn{session: sess}, nil
}

// ============================================================================
//                              会话
// ============================================================================

// muxedConn 包装 yamux.Session
type muxedConn struct {
	session *yamux.Session
}

var _ pkgif.MuxedConn = (*muxedConn)(nil)

func (c *muxedConn) OpenStream(ctx context.Context) (pkgif.MuxedStream, error) {
	s, err := c.session.OpenStream(ctx)
	if err != nil {
		return nil, parseError(err)
	}
	return &muxedStream{stream: s}, nil
}

func (c *muxedConn) AcceptStream() (pkgif.MuxedStream, error) {
	s, err := c.session.AcceptStream()
	if err != nil {
		return nil, parseError(err)
	}
	return &muxedStream{stream: s}, nil
}

func (c *muxedConn) NumStreams() int {
	return c.session.NumStreams()
}

func (c *muxedConn) Close() error {
	if err := c.session.Close(); err != nil {
		logger.Debug("关闭 yamux 会话失败", "error", err)
		return err
	}
	return nil
}

func (c *muxedConn) IsClosed() bool {
	return c.session.IsClosed()
}

// ============================================================================
//                              流
// ============================================================================

// muxedStream 包装 yamux.Stream
type muxedStream struct {
	stream *yamux.Stream
}

var _ pkgif.MuxedStream = (*muxedStream)(nil)

func (s *muxedStream) ID() uint64 {
	return uint64(s.stream.StreamID())
}

func (s *muxedStream) Read(p []byte) (int, error) {
	n, err := s.stream.Read(p)
	return n, parseError(err)
}

func (s *muxedStream) Write(p []byte) (int, error) {
	n, err := s.stream.Write(p)
	return n, parseError(err)
}

func (s *muxedStream) Close() error {
	return parseError(s.stream.Close())
}

func (s *muxedStream) CloseWrite() error {
	return parseError(s.stream.CloseWrite())
}

func (s *muxedStream) CloseRead() error {
	return parseError(s.stream.CloseRead())
}

func (s *muxedStream) Reset() error {
	return parseError(s.stream.Reset())
}

func (s *muxedStream) SetDeadline(t time.Time) error {
	return s.stream.SetDeadline(t)
}

func (s *muxedStream) SetReadDeadline(t time.Time) error {
	return s.stream.SetReadDeadline(t)
}

func (s *muxedStream) SetWriteDeadline(t time.Time) error {
	return s.stream.SetWriteDeadline(t)
}

// parseError 把 yamux 错误归入公共错误分类，保留原始错误链
func parseError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, yamux.ErrStreamReset):
		return errors.Join(types.ErrStreamReset, err)
	case errors.Is(err, yamux.ErrSessionShutdown):
		return errors.Join(types.ErrConnClosed, err)
	case errors.Is(err, yamux.ErrStreamClosed):
		return errors.Join(types.ErrStreamClosed, err)
	default:
		return err
	}
}
