package echo

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	pkgif "github.com/dep2p/go-webnode/pkg/interfaces"
	"github.com/dep2p/go-webnode/pkg/lib/log"
	"github.com/dep2p/go-webnode/pkg/types"
)

var logger = log.Logger("protocol/echo")

// ProtocolID 回显协议
const ProtocolID types.ProtocolID = "/echo/1.0.0"

const (
	// HandlerIdleTimeout 服务端读空闲超时
	HandlerIdleTimeout = 60 * time.Second

	// DefaultQueueSize 会话出站队列长度
	DefaultQueueSize = 64

	bufferSize = 4 << 10
)

var (
	// ErrSessionClosed 会话已关闭
	ErrSessionClosed = errors.New("echo: session closed")

	// ErrQueueFull 出站队列已满
	ErrQueueFull = errors.New("echo: outbound queue full")
)

// ============================================================================
//                              服务端
// ============================================================================

// Observer 收到入站回显数据时调用，msg 归调用方所有
type Observer func(peer types.PeerID, msg []byte)

// Handler 回显入站流
func Handler(st pkgif.Stream) {
	serve(st, nil)
}

// NewHandler 返回回显处理器，每次读到数据后先交给 onMessage 再写回
func NewHandler(onMessage Observer) pkgif.StreamHandler {
	return func(st pkgif.Stream) { serve(st, onMessage) }
}

func serve(st pkgif.Stream, onMessage Observer) {
	defer st.Close()

	buf := make([]byte, bufferSize)
	for {
		_ = st.SetReadDeadline(time.Now().Add(HandlerIdleTimeout))
		n, err := st.Read(buf)
		if n > 0 {
			if onMessage != nil {
				onMessage(st.Conn().RemotePeer(), bytes.Clone(buf[:n]))
			}
			if _, werr := st.Write(buf[:n]); werr != nil {
				st.Reset()
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debug("回显流读取结束", "peer", st.Conn().RemotePeer().ShortString(), "error", err)
			}
			return
		}
	}
}

// Register 在 Host 上注册回显处理器
func Register(h pkgif.Host) {
	h.SetStreamHandler(ProtocolID, Handler)
}

// ============================================================================
//                              客户端
// ============================================================================

// Echo 在连接上发送一条消息并读回全部回显
func Echo(ctx context.Context, h pkgif.Host, conn pkgif.Conn, msg []byte) ([]byte, error) {
	st, err := h.NewStreamOnConn(ctx, conn, ProtocolID)
	if err != nil {
		return nil, err
	}
	defer st.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = st.SetDeadline(deadline)
	}

	if _, err := st.Write(msg); err != nil {
		st.Reset()
		return nil, err
	}
	if err := st.CloseWrite(); err != nil {
		st.Reset()
		return nil, err
	}
	reply, err := io.ReadAll(st)
	if err != nil {
		st.Reset()
		return nil, err
	}
	return reply, nil
}

// Session 长连接回显会话
type Session struct {
	st      pkgif.Stream
	queue   chan []byte
	replies chan []byte

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup

	mu  sync.Mutex
	err error
}

// Open 打开回显会话
func Open(ctx context.Context, h pkgif.Host, conn pkgif.Conn, queueSize int) (*Session, error) {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	st, err := h.NewStreamOnConn(ctx, conn, ProtocolID)
	if err != nil {
		return nil, err
	}
	s := &Session{
		st:      st,
		queue:   make(chan []byte, queueSize),
		replies: make(chan []byte, queueSize),
		done:    make(chan struct{}),
	}
	s.wg.Add(2)
	go s.writeLoop()
	go s.readLoop()
	return s, nil
}

// Send 把消息放入出站队列，队列满时返回 ErrQueueFull
func (s *Session) Send(msg []byte) error {
	select {
	case <-s.done:
		return ErrSessionClosed
	default:
	}
	select {
	case s.queue <- msg:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		return ErrQueueFull
	}
}

// Replies 返回回显数据，会话结束后关闭
func (s *Session) Replies() <-chan []byte { return s.replies }

// Err 返回导致会话结束的错误
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.mu.Unlock()
}

func (s *Session) writeLoop() {
	defer s.wg.Done()
	for {
		select {
		case msg := <-s.queue:
			if _, err := s.st.Write(msg); err != nil {
				s.setErr(err)
				s.st.Reset()
				return
			}
		case <-s.done:
			return
		}
	}
}

func (s *Session) readLoop() {
	defer s.wg.Done()
	defer close(s.replies)
	buf := make([]byte, bufferSize)
	for {
		n, err := s.st.Read(buf)
		if n > 0 {
			reply := make([]byte, n)
			copy(reply, buf[:n])
			select {
			case s.replies <- reply:
			case <-s.done:
				return
			}
		}
		if err != nil {
			select {
			case <-s.done:
				// 本地关闭导致的读取错误
			default:
				if !errors.Is(err, io.EOF) {
					s.setErr(err)
				}
			}
			return
		}
	}
}

// Close 关闭会话
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		err = s.st.Close()
		s.wg.Wait()
	})
	return err
}
