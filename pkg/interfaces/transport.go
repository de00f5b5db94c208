package interfaces

import (
	"context"
	"net"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/dep2p/go-webnode/pkg/types"
)

// Transport 定义原始传输接口
//
// Transport 只负责建立未加密的字节流，安全与多路复用由升级器完成。
type Transport interface {
	// Name 返回传输名称（websocket、webrtc、circuit）
	Name() string

	// CanDial 检查是否支持拨号到指定地址
	CanDial(addr ma.Multiaddr) bool

	// Dial 拨号到指定地址
	Dial(ctx context.Context, raddr ma.Multiaddr, peer types.PeerID) (RawConn, error)

	// CanListen 检查是否支持在指定地址监听
	CanListen(addr ma.Multiaddr) bool

	// Listen 在指定地址监听
	Listen(laddr ma.Multiaddr) (Listener, error)
}

// RawConn 原始连接
type RawConn interface {
	net.Conn

	// LocalMultiaddr 返回本地多地址
	LocalMultiaddr() ma.Multiaddr

	// RemoteMultiaddr 返回远端多地址
	RemoteMultiaddr() ma.Multiaddr
}

// Listener 定义监听器接口
type Listener interface {
	// Accept 接受新连接
	Accept() (RawConn, error)

	// Close 关闭监听器
	Close() error

	// Multiaddr 返回监听多地址
	Multiaddr() ma.Multiaddr
}
