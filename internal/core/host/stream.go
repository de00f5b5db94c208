package host

import (
	"errors"
	"io"
	"sync"

	pkgif "github.com/dep2p/go-webnode/pkg/interfaces"
	"github.com/dep2p/go-webnode/pkg/types"
)

// 确保实现接口
var _ pkgif.Stream = (*Stream)(nil)

// Stream 绑定到单一协议的流
//
// 状态机：Open → HalfClosedLocal | HalfClosedRemote → Closed，
// 任何非终止状态都可以进入 Reset。所属连接关闭时流进入 Reset。
type Stream struct {
	pkgif.MuxedStream

	proto types.ProtocolID
	conn  pkgif.Conn
	host  *Host

	mu      sync.Mutex
	state   types.StreamState
	unwatch func()
}

func newStream(h *Host, ms pkgif.MuxedStream, proto types.ProtocolID, c pkgif.Conn) *Stream {
	h.metrics.StreamOpened(string(proto))
	s := &Stream{
		MuxedStream: ms,
		proto:       proto,
		conn:        c,
		host:        h,
		state:       types.StreamOpen,
	}
	unwatch := c.OnClose(s.connClosed)

	s.mu.Lock()
	if s.state.IsTerminal() {
		s.mu.Unlock()
		unwatch()
		return s
	}
	s.unwatch = unwatch
	s.mu.Unlock()
	return s
}

// connClosed 连接关闭回调
func (s *Stream) connClosed() {
	_ = s.MuxedStream.Reset()
	s.transition(eventReset)
}

// Protocol 返回协商的协议
func (s *Stream) Protocol() types.ProtocolID { return s.proto }

// Conn 返回所属连接
func (s *Stream) Conn() pkgif.Conn { return s.conn }

// State 返回流状态
func (s *Stream) State() types.StreamState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Read 读取数据，EOF 表示远端已关闭写端
func (s *Stream) Read(p []byte) (int, error) {
	n, err := s.MuxedStream.Read(p)
	switch {
	case err == nil:
	case errors.Is(err, io.EOF):
		s.transition(eventRemoteClose)
	case errors.Is(err, types.ErrStreamReset), errors.Is(err, types.ErrConnClosed):
		s.transition(eventReset)
	}
	return n, err
}

// Write 写入数据
func (s *Stream) Write(p []byte) (int, error) {
	n, err := s.MuxedStream.Write(p)
	if err != nil && (errors.Is(err, types.ErrStreamReset) || errors.Is(err, types.ErrConnClosed)) {
		s.transition(eventReset)
	}
	return n, err
}

// CloseWrite 关闭写端
func (s *Stream) CloseWrite() error {
	err := s.MuxedStream.CloseWrite()
	s.transition(eventLocalClose)
	return err
}

// Close 关闭两个方向
func (s *Stream) Close() error {
	err := s.MuxedStream.Close()
	s.transition(eventClose)
	return err
}

// Reset 异常终止流
func (s *Stream) Reset() error {
	err := s.MuxedStream.Reset()
	s.transition(eventReset)
	return err
}

type streamEvent int

const (
	eventLocalClose streamEvent = iota
	eventRemoteClose
	eventClose
	eventReset
)

// transition 推进状态机，进入终止状态时更新指标
func (s *Stream) transition(ev streamEvent) {
	s.mu.Lock()
	prev := s.state
	if prev.IsTerminal() {
		s.mu.Unlock()
		return
	}
	next := prev
	switch ev {
	case eventReset:
		next = types.StreamReset
	case eventClose:
		next = types.StreamClosed
	case eventLocalClose:
		if prev == types.StreamHalfClosedRemote {
			next = types.StreamClosed
		} else {
			next = types.StreamHalfClosedLocal
		}
	case eventRemoteClose:
		if prev == types.StreamHalfClosedLocal {
			next = types.StreamClosed
		} else {
			next = types.StreamHalfClosedRemote
		}
	}
	s.state = next
	var unwatch func()
	if next.IsTerminal() {
		unwatch, s.unwatch = s.unwatch, nil
	}
	s.mu.Unlock()

	if next.IsTerminal() {
		if unwatch != nil {
			unwatch()
		}
		s.host.metrics.StreamClosed(string(s.proto))
	}
}
