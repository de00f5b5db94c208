package webrtc

import (
	"errors"
	"io"
	"net"
	"os"
	"sync"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/pion/datachannel"
	"github.com/pion/webrtc/v4"
	"go.uber.org/multierr"

	pkgif "github.com/dep2p/go-webnode/pkg/interfaces"
)

const (
	// maxMessageSize 单条数据通道消息上限，写入按此分片
	maxMessageSize = 16 << 10

	// maxBufferedAmount 发送缓冲上限，超过后等待缓冲回落
	maxBufferedAmount = 1 << 20

	// readQueue 已读取但未被消费的消息数
	readQueue = 32
)

// 确保实现接口
var _ pkgif.RawConn = (*Conn)(nil)

// Conn 基于分离模式数据通道的原始连接
//
// 写入按 16 KiB 分片；读写截止时间由本地计时器实现。
// PeerConnection 失败或关闭时连接随之关闭。
type Conn struct {
	pc  *webrtc.PeerConnection
	dc  *webrtc.DataChannel
	rwc datachannel.ReadWriteCloser

	laddr ma.Multiaddr
	raddr ma.Multiaddr

	readMu   sync.Mutex
	pending  []byte
	incoming chan []byte
	readErr  error

	writeMu  sync.Mutex
	lowWater chan struct{}

	readDeadline  *deadline
	writeDeadline *deadline

	closeOnce sync.Once
	closed    chan struct{}
	closeErr  error
}

func newConn(pc *webrtc.PeerConnection, dc *webrtc.DataChannel, rwc datachannel.ReadWriteCloser, laddr, raddr ma.Multiaddr) *Conn {
	c := &Conn{
		pc:            pc,
		dc:            dc,
		rwc:           rwc,
		laddr:         laddr,
		raddr:         raddr,
		incoming:      make(chan []byte, readQueue),
		lowWater:      make(chan struct{}, 1),
		readDeadline:  newDeadline(),
		writeDeadline: newDeadline(),
		closed:        make(chan struct{}),
	}

	dc.SetBufferedAmountLowThreshold(maxBufferedAmount / 2)
	dc.OnBufferedAmountLow(func() {
		select {
		case c.lowWater <- struct{}{}:
		default:
		}
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateFailed || s == webrtc.PeerConnectionStateClosed {
			c.Close()
		}
	})

	go c.readLoop()
	return c
}

func (c *Conn) readLoop() {
	defer close(c.incoming)
	for {
		buf := make([]byte, maxMessageSize*4)
		n, err := c.rwc.Read(buf)
		if n > 0 {
			select {
			case c.incoming <- buf[:n]:
			case <-c.closed:
				c.readErr = net.ErrClosed
				return
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || isClosed(c.closed) {
				c.readErr = io.EOF
			} else {
				c.readErr = err
			}
			return
		}
	}
}

// Read 读取数据
func (c *Conn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	if len(c.pending) == 0 {
		select {
		case b, ok := <-c.incoming:
			if !ok {
				return 0, c.readErr
			}
			c.pending = b
		case <-c.readDeadline.wait():
			return 0, os.ErrDeadlineExceeded
		case <-c.closed:
			return 0, net.ErrClosed
		}
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

// Write 分片写入数据
func (c *Conn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	written := 0
	for len(p) > 0 {
		if err := c.waitWritable(); err != nil {
			return written, err
		}
		chunk := p
		if len(chunk) > maxMessageSize {
			chunk = chunk[:maxMessageSize]
		}
		n, err := c.rwc.Write(chunk)
		written += n
		if err != nil {
			return written, err
		}
		p = p[len(chunk):]
	}
	return written, nil
}

// waitWritable 等待发送缓冲回落到上限以下
func (c *Conn) waitWritable() error {
	for {
		select {
		case <-c.closed:
			return net.ErrClosed
		case <-c.writeDeadline.wait():
			return os.ErrDeadlineExceeded
		default:
		}
		if c.dc.BufferedAmount() <= maxBufferedAmount {
			return nil
		}
		select {
		case <-c.lowWater:
		case <-c.closed:
			return net.ErrClosed
		case <-c.writeDeadline.wait():
			return os.ErrDeadlineExceeded
		}
	}
}

// Close 关闭数据通道与 PeerConnection
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		close(c.closed)
		c.closeErr = multierr.Combine(c.rwc.Close(), c.pc.Close())
	})
	return c.closeErr
}

func (c *Conn) LocalAddr() net.Addr           { return &addr{c.laddr} }
func (c *Conn) RemoteAddr() net.Addr          { return &addr{c.raddr} }
func (c *Conn) LocalMultiaddr() ma.Multiaddr  { return c.laddr }
func (c *Conn) RemoteMultiaddr() ma.Multiaddr { return c.raddr }

func (c *Conn) SetDeadline(t time.Time) error {
	c.readDeadline.set(t)
	c.writeDeadline.set(t)
	return nil
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	c.readDeadline.set(t)
	return nil
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.writeDeadline.set(t)
	return nil
}

type addr struct {
	ma ma.Multiaddr
}

func (a *addr) Network() string { return "webrtc" }
func (a *addr) String() string  { return a.ma.String() }
