package client

import (
	"net"
	"time"

	ma "github.com/multiformats/go-multiaddr"

	pkgif "github.com/dep2p/go-webnode/pkg/interfaces"
)

// listenAddr 电路监听地址
var listenAddr = ma.StringCast("/p2p-circuit")

// 确保实现接口
var _ pkgif.RawConn = (*Conn)(nil)

// Conn 经中继拼接的原始连接
//
// 底层是到中继的一条协议流，之后由升级器在其上完成安全握手与多路复用。
type Conn struct {
	stream pkgif.Stream
	laddr  ma.Multiaddr
	raddr  ma.Multiaddr
}

func newConn(st pkgif.Stream, laddr, raddr ma.Multiaddr) *Conn {
	return &Conn{stream: st, laddr: laddr, raddr: raddr}
}

func (c *Conn) Read(p []byte) (int, error)  { return c.stream.Read(p) }
func (c *Conn) Write(p []byte) (int, error) { return c.stream.Write(p) }

// Close 关闭电路
func (c *Conn) Close() error { return c.stream.Close() }

// Stream 返回承载电路的中继流
func (c *Conn) Stream() pkgif.Stream { return c.stream }

// LocalMultiaddr 返回本地多地址（/p2p-circuit）
func (c *Conn) LocalMultiaddr() ma.Multiaddr { return c.laddr }

// RemoteMultiaddr 返回远端多地址 <relay-addr>/p2p/<relay>/p2p-circuit
func (c *Conn) RemoteMultiaddr() ma.Multiaddr { return c.raddr }

func (c *Conn) LocalAddr() net.Addr  { return &addr{c.laddr} }
func (c *Conn) RemoteAddr() net.Addr { return &addr{c.raddr} }

func (c *Conn) SetDeadline(t time.Time) error      { return c.stream.SetDeadline(t) }
func (c *Conn) SetReadDeadline(t time.Time) error  { return c.stream.SetReadDeadline(t) }
func (c *Conn) SetWriteDeadline(t time.Time) error { return c.stream.SetWriteDeadline(t) }

// addr 以多地址表示的 net.Addr
type addr struct {
	ma ma.Multiaddr
}

func (a *addr) Network() string { return "p2p-circuit" }
func (a *addr) String() string  { return a.ma.String() }
