package interfaces

import (
	"context"
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/dep2p/go-webnode/pkg/types"
)

// Conn 已完成安全握手与多路复用协商的连接
type Conn interface {
	// ID 返回连接唯一标识
	ID() string

	// LocalPeer 返回本地节点 ID
	LocalPeer() types.PeerID

	// RemotePeer 返回远端节点 ID
	RemotePeer() types.PeerID

	// LocalMultiaddr 返回本地多地址
	LocalMultiaddr() ma.Multiaddr

	// RemoteMultiaddr 返回远端多地址
	RemoteMultiaddr() ma.Multiaddr

	// Direction 返回连接方向
	Direction() types.Direction

	// Security 返回协商的安全协议
	Security() types.ProtocolID

	// Muxer 返回协商的多路复用协议
	Muxer() types.ProtocolID

	// Transport 返回底层传输名称
	Transport() string

	// Opened 返回连接建立时间
	Opened() time.Time

	// NewStream 在连接上打开原始流（未协商协议）
	NewStream(ctx context.Context) (MuxedStream, error)

	// NumStreams 返回活跃流数量
	NumStreams() int

	// Close 关闭连接
	Close() error

	// IsClosed 检查连接是否已关闭
	IsClosed() bool

	// OnClose 注册连接关闭时执行的回调，返回取消函数
	OnClose(fn func()) (remove func())
}

// Stream 绑定到单一协议的流
type Stream interface {
	MuxedStream

	// Protocol 返回协商的协议 ID
	Protocol() types.ProtocolID

	// Conn 返回所属连接
	Conn() Conn

	// State 返回流状态
	State() types.StreamState
}
