package mplex

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"os"
	"strconv"
	"sync"
	"sync/atomic"

	pkgif "github.com/dep2p/go-webnode/pkg/interfaces"
	"github.com/dep2p/go-webnode/pkg/lib/log"
	"github.com/dep2p/go-webnode/pkg/types"
)

var logger = log.Logger("core/muxer/mplex")

// streamKey 流在会话内的唯一键
//
// initiator 为本地视角：true 表示本地打开的流。
type streamKey struct {
	id        uint64
	initiator bool
}

// Session mplex 会话
type Session struct {
	conn net.Conn
	cfg  Config

	nextID atomic.Uint64

	mu      sync.Mutex
	streams map[streamKey]*Stream

	accept  chan *Stream
	writeCh chan frame

	closed    chan struct{}
	closeOnce sync.Once
	closeErr  error
}

var _ pkgif.MuxedConn = (*Session)(nil)

func newSession(conn net.Conn, cfg Config) *Session {
	s := &Session{
		conn:    conn,
		cfg:     cfg,
		streams: make(map[streamKey]*Stream),
		accept:  make(chan *Stream, cfg.AcceptBacklog),
		writeCh: make(chan frame, cfg.WriteQueue),
		closed:  make(chan struct{}),
	}
	go s.readLoop()
	go s.writeLoop()
	return s
}

// OpenStream 打开新流
func (s *Session) OpenStream(ctx context.Context) (pkgif.MuxedStream, error) {
	if s.IsClosed() {
		return nil, types.ErrConnClosed
	}

	id := s.nextID.Add(1) - 1
	st := newStream(s, streamKey{id: id, initiator: true}, strconv.FormatUint(id, 10))

	s.mu.Lock()
	s.streams[st.key] = st
	s.mu.Unlock()

	if err := s.send(ctx.Done(), nil, frame{id: id, flag: flagNewStream, data: []byte(st.name)}); err != nil {
		s.removeStream(st.key)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}
	return st, nil
}

// AcceptStream 接受远端打开的流
func (s *Session) AcceptStream() (pkgif.MuxedStream, error) {
	select {
	case st := <-s.accept:
		return st, nil
	case <-s.closed:
		return nil, types.ErrConnClosed
	}
}

// NumStreams 返回活跃流数量
func (s *Session) NumStreams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

// Close 关闭会话
//
// 所有流被重置，阻塞中的读写立即返回 types.ErrConnClosed。
func (s *Session) Close() error {
	s.shutdown(nil)
	return nil
}

// IsClosed 检查会话是否已关闭
func (s *Session) IsClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// shutdown 关闭会话并重置所有流，cause 为触发关闭的错误
func (s *Session) shutdown(cause error) {
	s.closeOnce.Do(func() {
		s.closeErr = cause
		close(s.closed)
		_ = s.conn.Close()

		s.mu.Lock()
		streams := s.streams
		s.streams = make(map[streamKey]*Stream)
		s.mu.Unlock()

		for _, st := range streams {
			st.terminate(types.ErrConnClosed)
		}
		if cause != nil && !errors.Is(cause, net.ErrClosed) && !errors.Is(cause, io.EOF) {
			logger.Debug("mplex 会话异常关闭", "error", cause)
		}
	})
}

// send 把帧放入写队列
//
// cancel 或 reset 关闭时放弃入队。
func (s *Session) send(cancel <-chan struct{}, reset <-chan struct{}, f frame) error {
	select {
	case <-s.closed:
		return types.ErrConnClosed
	default:
	}
	select {
	case s.writeCh <- f:
		return nil
	case <-s.closed:
		return types.ErrConnClosed
	case <-cancel:
		return os.ErrDeadlineExceeded
	case <-reset:
		return errStreamTerminated
	}
}

// sendControl 发送控制帧（Close/Reset），仅在会话关闭时失败
func (s *Session) sendControl(f frame) {
	_ = s.send(nil, nil, f)
}

func (s *Session) removeStream(key streamKey) {
	s.mu.Lock()
	delete(s.streams, key)
	s.mu.Unlock()
}

func (s *Session) lookup(key streamKey) *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.streams[key]
}

// ============================================================================
//                              读写循环
// ============================================================================

// writeLoop 串行写出所有帧，写队列暂空时刷新缓冲
func (s *Session) writeLoop() {
	bw := bufio.NewWriterSize(s.conn, 64*1024)
	hdr := make([]byte, 0, 20)
	for {
		select {
		case <-s.closed:
			return
		case f := <-s.writeCh:
			hdr = f.appendHeader(hdr[:0])
			if _, err := bw.Write(hdr); err != nil {
				s.shutdown(err)
				return
			}
			if _, err := bw.Write(f.data); err != nil {
				s.shutdown(err)
				return
			}
			if len(s.writeCh) == 0 {
				if err := bw.Flush(); err != nil {
					s.shutdown(err)
					return
				}
			}
		}
	}
}

// readLoop 读取帧并分发到流
func (s *Session) readLoop() {
	br := bufio.NewReaderSize(s.conn, 64*1024)
	for {
		f, err := readFrame(br, s.cfg.MaxMessageSize)
		if err != nil {
			s.shutdown(err)
			return
		}
		if err := s.handleFrame(f); err != nil {
			s.shutdown(err)
			return
		}
	}
}

func (s *Session) handleFrame(f frame) error {
	switch f.flag {
	case flagNewStream:
		key := streamKey{id: f.id, initiator: false}
		st := newStream(s, key, string(f.data))

		s.mu.Lock()
		if _, exists := s.streams[key]; exists {
			s.mu.Unlock()
			return types.DecodeError("mplex: duplicate stream id "+strconv.FormatUint(f.id, 10), nil)
		}
		s.streams[key] = st
		s.mu.Unlock()

		select {
		case s.accept <- st:
		case <-s.closed:
			return types.ErrConnClosed
		}
		return nil

	case flagMessageInitiator, flagMessageReceiver:
		// 远端以 Initiator 身份发送，说明该流由远端打开
		st := s.lookup(streamKey{id: f.id, initiator: f.flag == flagMessageReceiver})
		if st == nil {
			return nil
		}
		st.deliver(f.data, s.cfg.ReceiveTimeout)
		return nil

	case flagCloseInitiator, flagCloseReceiver:
		st := s.lookup(streamKey{id: f.id, initiator: f.flag == flagCloseReceiver})
		if st != nil {
			st.remoteClose()
		}
		return nil

	case flagResetInitiator, flagResetReceiver:
		st := s.lookup(streamKey{id: f.id, initiator: f.flag == flagResetReceiver})
		if st != nil {
			s.removeStream(st.key)
			st.terminate(types.ErrStreamReset)
		}
		return nil
	}
	return nil
}

// 发送被流重置打断
var errStreamTerminated = errors.New("mplex: stream terminated")
