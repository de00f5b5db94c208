package interfaces

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/dep2p/go-webnode/pkg/types"
)

// StreamMuxer 定义流多路复用器接口
//
// StreamMuxer 允许在单个安全连接上创建多个独立的流。
type StreamMuxer interface {
	// ID 返回多路复用协议标识
	ID() types.ProtocolID

	// NewConn 在网络连接上创建多路复用会话
	NewConn(conn net.Conn, isServer bool) (MuxedConn, error)
}

// MuxedConn 定义多路复用会话接口
type MuxedConn interface {
	// OpenStream 打开新流
	OpenStream(ctx context.Context) (MuxedStream, error)

	// AcceptStream 接受远端打开的流
	AcceptStream() (MuxedStream, error)

	// NumStreams 返回活跃流数量
	NumStreams() int

	// Close 关闭会话，所有流被重置
	Close() error

	// IsClosed 检查会话是否已关闭
	IsClosed() bool
}

// MuxedStream 定义多路复用流接口
type MuxedStream interface {
	io.ReadWriteCloser

	// ID 返回会话内唯一的流编号
	ID() uint64

	// CloseWrite 关闭写端（半关闭）
	CloseWrite() error

	// CloseRead 关闭读端
	CloseRead() error

	// Reset 异常终止流
	Reset() error

	// SetDeadline 设置读写截止时间
	SetDeadline(t time.Time) error

	// SetReadDeadline 设置读截止时间
	SetReadDeadline(t time.Time) error

	// SetWriteDeadline 设置写截止时间
	SetWriteDeadline(t time.Time) error
}
