package mplex

import (
	"io"
	"os"
	"sync"
	"time"

	pkgif "github.com/dep2p/go-webnode/pkg/interfaces"
	"github.com/dep2p/go-webnode/pkg/types"
)

// Stream mplex 流
type Stream struct {
	sess *Session
	key  streamKey
	name string

	dataIn chan []byte // 仅由读循环写入与关闭

	readMu   sync.Mutex
	leftover []byte

	writeMu sync.Mutex

	rDeadline deadline
	wDeadline deadline

	mu           sync.Mutex
	localClosed  bool
	remoteClosed bool
	readClosed   bool
	termErr      error
	done         chan struct{} // 重置或会话关闭时关闭
	readDone     chan struct{} // CloseRead 时关闭
}

var _ pkgif.MuxedStream = (*Stream)(nil)

func newStream(sess *Session, key streamKey, name string) *Stream {
	return &Stream{
		sess:      sess,
		key:       key,
		name:      name,
		dataIn:    make(chan []byte, sess.cfg.StreamBuffer),
		rDeadline: makeDeadline(),
		wDeadline: makeDeadline(),
		done:      make(chan struct{}),
		readDone:  make(chan struct{}),
	}
}

// ID 返回流编号
func (st *Stream) ID() uint64 {
	return st.key.id
}

// Name 返回流名称（NewStream 帧携带）
func (st *Stream) Name() string {
	return st.name
}

// State 返回流状态
func (st *Stream) State() types.StreamState {
	st.mu.Lock()
	defer st.mu.Unlock()

	switch {
	case st.termErr != nil:
		return types.StreamReset
	case st.localClosed && st.remoteClosed:
		return types.StreamClosed
	case st.localClosed:
		return types.StreamHalfClosedLocal
	case st.remoteClosed:
		return types.StreamHalfClosedRemote
	default:
		return types.StreamOpen
	}
}

// ============================================================================
//                              读
// ============================================================================

// Read 读取数据
//
// 远端关闭写端后返回 io.EOF；远端重置返回 types.ErrStreamReset；
// 会话关闭返回 types.ErrConnClosed。
func (st *Stream) Read(p []byte) (int, error) {
	st.readMu.Lock()
	defer st.readMu.Unlock()

	if len(st.leftover) > 0 {
		n := copy(p, st.leftover)
		st.leftover = st.leftover[n:]
		return n, nil
	}
	if err := st.terminated(); err != nil {
		return 0, err
	}

	select {
	case b, ok := <-st.dataIn:
		if !ok {
			return 0, io.EOF
		}
		n := copy(p, b)
		st.leftover = b[n:]
		return n, nil
	case <-st.done:
		return 0, st.terminated()
	case <-st.readDone:
		return 0, types.ErrStreamClosed
	case <-st.rDeadline.wait():
		return 0, os.ErrDeadlineExceeded
	}
}

// deliver 由读循环调用，把数据放入流缓冲区
//
// 缓冲区满超过 timeout 时重置该流并丢弃数据。
func (st *Stream) deliver(data []byte, timeout time.Duration) {
	st.mu.Lock()
	drop := st.readClosed || st.remoteClosed || st.termErr != nil
	st.mu.Unlock()
	if drop || len(data) == 0 {
		return
	}

	select {
	case st.dataIn <- data:
		return
	default:
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case st.dataIn <- data:
	case <-st.done:
	case <-st.readDone:
	case <-st.sess.closed:
	case <-timer.C:
		logger.Debug("流缓冲区持续已满，重置流", "stream", st.key.id, "timeout", timeout)
		_ = st.Reset()
	}
}

// remoteClose 由读循环调用，远端关闭写端
func (st *Stream) remoteClose() {
	st.mu.Lock()
	if st.remoteClosed || st.termErr != nil {
		st.mu.Unlock()
		return
	}
	st.remoteClosed = true
	cleanup := st.localClosed
	st.mu.Unlock()

	close(st.dataIn)
	if cleanup {
		st.sess.removeStream(st.key)
	}
}

// ============================================================================
//                              写
// ============================================================================

// Write 写入数据，超过单帧上限的数据被拆分为多帧
func (st *Stream) Write(p []byte) (int, error) {
	st.writeMu.Lock()
	defer st.writeMu.Unlock()

	if err := st.writable(); err != nil {
		return 0, err
	}

	written := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > st.sess.cfg.MaxMessageSize {
			chunk = chunk[:st.sess.cfg.MaxMessageSize]
		}
		f := frame{
			id:   st.key.id,
			flag: messageFlag(st.key.initiator),
			data: append([]byte(nil), chunk...),
		}
		if err := st.sess.send(st.wDeadline.wait(), st.done, f); err != nil {
			if err == errStreamTerminated {
				err = st.terminated()
			}
			return written, err
		}
		written += len(chunk)
		p = p[len(chunk):]
	}
	return written, nil
}

func (st *Stream) writable() error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.termErr != nil {
		return st.termErr
	}
	if st.localClosed {
		return types.ErrStreamClosed
	}
	return nil
}

// ============================================================================
//                              关闭
// ============================================================================

// CloseWrite 关闭写端，远端读到 io.EOF
func (st *Stream) CloseWrite() error {
	st.mu.Lock()
	if st.localClosed || st.termErr != nil {
		st.mu.Unlock()
		return nil
	}
	st.localClosed = true
	cleanup := st.remoteClosed || st.readClosed
	st.mu.Unlock()

	st.sess.sendControl(frame{id: st.key.id, flag: closeFlag(st.key.initiator)})
	if cleanup {
		st.sess.removeStream(st.key)
	}
	return nil
}

// CloseRead 关闭读端，之后到达的数据被丢弃
func (st *Stream) CloseRead() error {
	st.mu.Lock()
	if st.readClosed {
		st.mu.Unlock()
		return nil
	}
	st.readClosed = true
	close(st.readDone)
	cleanup := st.localClosed
	st.mu.Unlock()

	if cleanup {
		st.sess.removeStream(st.key)
	}
	return nil
}

// Close 关闭读写两端
func (st *Stream) Close() error {
	_ = st.CloseWrite()
	return st.CloseRead()
}

// Reset 异常终止流并通知远端
func (st *Stream) Reset() error {
	st.mu.Lock()
	if st.termErr != nil || (st.localClosed && st.remoteClosed) {
		st.mu.Unlock()
		return nil
	}
	st.mu.Unlock()

	st.sess.removeStream(st.key)
	st.terminate(types.ErrStreamReset)
	st.sess.sendControl(frame{id: st.key.id, flag: resetFlag(st.key.initiator)})
	return nil
}

// terminate 标记流终止并唤醒阻塞的读写
func (st *Stream) terminate(err error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.termErr != nil {
		return
	}
	st.termErr = err
	close(st.done)
}

func (st *Stream) terminated() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.termErr
}

// ============================================================================
//                              截止时间
// ============================================================================

// SetDeadline 设置读写截止时间
func (st *Stream) SetDeadline(t time.Time) error {
	st.rDeadline.set(t)
	st.wDeadline.set(t)
	return nil
}

// SetReadDeadline 设置读截止时间
func (st *Stream) SetReadDeadline(t time.Time) error {
	st.rDeadline.set(t)
	return nil
}

// SetWriteDeadline 设置写截止时间
func (st *Stream) SetWriteDeadline(t time.Time) error {
	st.wDeadline.set(t)
	return nil
}
