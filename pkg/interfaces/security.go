package interfaces

import (
	"context"
	"net"

	"github.com/dep2p/go-webnode/pkg/types"
)

// SecureTransport 定义安全传输接口
//
// SecureTransport 在原始连接上完成加密握手并认证远端身份。
type SecureTransport interface {
	// ID 返回安全协议标识
	ID() types.ProtocolID

	// SecureInbound 保护入站连接
	SecureInbound(ctx context.Context, conn net.Conn) (SecureConn, error)

	// SecureOutbound 保护出站连接，远端身份必须与 expected 一致
	//
	// expected 为空时接受任意已认证的远端身份。
	SecureOutbound(ctx context.Context, conn net.Conn, expected types.PeerID) (SecureConn, error)
}

// SecureConn 定义安全连接接口
type SecureConn interface {
	net.Conn

	// LocalPeer 返回本地节点 ID
	LocalPeer() types.PeerID

	// RemotePeer 返回远端节点 ID
	RemotePeer() types.PeerID

	// RemotePublicKey 返回远端序列化公钥
	RemotePublicKey() []byte
}
