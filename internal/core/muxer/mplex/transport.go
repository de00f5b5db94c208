package mplex

import (
	"net"
	"time"

	pkgif "github.com/dep2p/go-webnode/pkg/interfaces"
	"github.com/dep2p/go-webnode/pkg/types"
)

// ID mplex 协议标识
const ID types.ProtocolID = "/mplex/6.7.0"

const (
	// MaxMessageSize 单帧 payload 上限
	MaxMessageSize = 1 << 20

	// DefaultStreamBuffer 每个流的入站缓冲帧数
	DefaultStreamBuffer = 16

	// DefaultReceiveTimeout 流缓冲区写满时的最长等待
	DefaultReceiveTimeout = 5 * time.Second

	// DefaultWriteQueue 会话写队列长度
	DefaultWriteQueue = 64

	// DefaultAcceptBacklog 未被 AcceptStream 取走的入站流上限
	DefaultAcceptBacklog = 32
)

// Config mplex 参数
type Config struct {
	// StreamBuffer 每个流的入站缓冲帧数
	StreamBuffer int

	// ReceiveTimeout 流缓冲区写满超过该时长则重置该流
	ReceiveTimeout time.Duration

	// WriteQueue 写队列长度
	WriteQueue int

	// AcceptBacklog 入站流积压上限
	AcceptBacklog int

	// MaxMessageSize 单帧 payload 上限
	MaxMessageSize int
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		StreamBuffer:   DefaultStreamBuffer,
		ReceiveTimeout: DefaultReceiveTimeout,
		WriteQueue:     DefaultWriteQueue,
		AcceptBacklog:  DefaultAcceptBacklog,
		MaxMessageSize: MaxMessageSize,
	}
}

func (c Config) normalize() Config {
	d := DefaultConfig()
	if c.StreamBuffer <= 0 {
		c.StreamBuffer = d.StreamBuffer
	}
	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = d.ReceiveTimeout
	}
	if c.WriteQueue <= 0 {
		c.WriteQueue = d.WriteQueue
	}
	if c.AcceptBacklog <= 0 {
		c.AcceptBacklog = d.AcceptBacklog
	}
	if c.MaxMessageSize <= 0 || c.MaxMessageSize > MaxMessageSize {
		c.MaxMessageSize = d.MaxMessageSize
	}
	return c
}

// Transport mplex 多路复用器
type Transport struct {
	cfg Config
}

var _ pkgif.StreamMuxer = (*Transport)(nil)

// New 创建 mplex 多路复用器
func New(cfg Config) *Transport {
	return &Transport{cfg: cfg.normalize()}
}

// DefaultTransport 默认参数的 mplex 多路复用器
var DefaultTransport = New(DefaultConfig())

// ID 返回协议标识
func (t *Transport) ID() types.ProtocolID {
	return ID
}

// NewConn 在网络连接上创建会话
func (t *Transport) NewConn(conn net.Conn, isServer bool) (pkgif.MuxedConn, error) {
	return newSession(conn, t.cfg), nil
}
