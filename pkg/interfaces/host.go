package interfaces

import (
	"context"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/dep2p/go-webnode/pkg/types"
)

// StreamHandler 入站流处理函数
//
// 处理函数返回后流的生命周期由处理函数自身负责。
type StreamHandler func(Stream)

// Host 定义协议路由接口
//
// 中继与 WebRTC 传输通过该接口在已有连接上打开信令流。
type Host interface {
	// ID 返回本地节点 ID
	ID() types.PeerID

	// Connect 拨号到多地址并返回连接
	Connect(ctx context.Context, addr ma.Multiaddr) (Conn, error)

	// NewStream 向节点打开协议流，必要时复用已有连接
	NewStream(ctx context.Context, peer types.PeerID, protos ...types.ProtocolID) (Stream, error)

	// NewStreamOnConn 在指定连接上打开协议流
	NewStreamOnConn(ctx context.Context, c Conn, protos ...types.ProtocolID) (Stream, error)

	// SetStreamHandler 注册协议处理函数
	SetStreamHandler(proto types.ProtocolID, handler StreamHandler)

	// RemoveStreamHandler 移除协议处理函数
	RemoveStreamHandler(proto types.ProtocolID)

	// Conns 返回所有连接
	Conns() []Conn

	// ConnsToPeer 返回到指定节点的连接
	ConnsToPeer(peer types.PeerID) []Conn

	// Addrs 返回本地可达地址
	Addrs() []ma.Multiaddr

	// EventBus 返回事件总线
	EventBus() EventBus
}
