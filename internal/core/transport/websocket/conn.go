package websocket

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	ws "github.com/gorilla/websocket"
	ma "github.com/multiformats/go-multiaddr"

	pkgif "github.com/dep2p/go-webnode/pkg/interfaces"
)

// closeGracePeriod 发送关闭帧的最长等待
const closeGracePeriod = time.Second

// 确保实现接口
var _ pkgif.RawConn = (*Conn)(nil)

// Conn 把 WebSocket 二进制消息流适配为 net.Conn
type Conn struct {
	ws    *ws.Conn
	laddr ma.Multiaddr
	raddr ma.Multiaddr

	readMu sync.Mutex
	reader io.Reader

	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func newConn(c *ws.Conn, laddr, raddr ma.Multiaddr) *Conn {
	return &Conn{ws: c, laddr: laddr, raddr: raddr}
}

// Read 从当前消息读取，消息读尽后切换到下一条二进制消息
func (c *Conn) Read(p []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for {
		if c.reader == nil {
			mt, r, err := c.ws.NextReader()
			if err != nil {
				return 0, convertReadError(err)
			}
			if mt != ws.BinaryMessage {
				// 文本消息不属于字节流
				continue
			}
			c.reader = r
		}

		n, err := c.reader.Read(p)
		if errors.Is(err, io.EOF) {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// Write 每次写入作为一条二进制消息发送
func (c *Conn) Write(p []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.ws.WriteMessage(ws.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close 发送关闭帧并关闭底层连接
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.writeMu.Lock()
		_ = c.ws.WriteControl(ws.CloseMessage,
			ws.FormatCloseMessage(ws.CloseNormalClosure, ""),
			time.Now().Add(closeGracePeriod))
		c.writeMu.Unlock()
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

// LocalAddr 返回本地网络地址
func (c *Conn) LocalAddr() net.Addr { return c.ws.LocalAddr() }

// RemoteAddr 返回远端网络地址
func (c *Conn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

// LocalMultiaddr 返回本地多地址
func (c *Conn) LocalMultiaddr() ma.Multiaddr { return c.laddr }

// RemoteMultiaddr 返回远端多地址
func (c *Conn) RemoteMultiaddr() ma.Multiaddr { return c.raddr }

// SetDeadline 同时设置读写截止时间
func (c *Conn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}

// SetReadDeadline 设置读截止时间
func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.ws.SetReadDeadline(t)
}

// SetWriteDeadline 设置写截止时间
func (c *Conn) SetWriteDeadline(t time.Time) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.SetWriteDeadline(t)
}

// convertReadError 正常关闭视为 EOF
func convertReadError(err error) error {
	if ws.IsCloseError(err, ws.CloseNormalClosure, ws.CloseGoingAway) {
		return io.EOF
	}
	return err
}
