package types

import (
	"errors"
	"fmt"
)

// ============================================================================
//                              错误分类
// ============================================================================

// 核心错误分类。各模块返回的错误均可通过 errors.Is 归入以下类别之一。
var (
	// ErrNotFound 块或 CID 不存在
	ErrNotFound = errors.New("not found")

	// ErrHandshakeFailed 安全握手或多路复用协商失败
	ErrHandshakeFailed = errors.New("handshake failed")

	// ErrDialFailed 传输层拨号失败（含门控拒绝、无可用中继）
	ErrDialFailed = errors.New("dial failed")

	// ErrStreamReset 流被本地或远端异常终止
	ErrStreamReset = errors.New("stream reset")

	// ErrDecode 多地址、CID 或帧格式错误
	ErrDecode = errors.New("decode error")
)

// ============================================================================
//                              细分错误
// ============================================================================

var (
	// ErrConnClosed 连接已关闭
	ErrConnClosed = errors.New("connection closed")

	// ErrStreamClosed 流已关闭（本地已关闭写端后继续写入）
	ErrStreamClosed = errors.New("stream closed")

	// ErrGated 地址被连接门控拒绝
	ErrGated = errors.New("address gated")

	// ErrNoTransport 没有可拨号该地址的传输
	ErrNoTransport = errors.New("no transport for address")

	// ErrNoRelay 没有可用的中继连接
	ErrNoRelay = errors.New("no relay available")

	// ErrEmptyPeerID 空节点 ID
	ErrEmptyPeerID = errors.New("empty peer ID")

	// ErrInvalidPeerID 无效的节点 ID
	ErrInvalidPeerID = fmt.Errorf("%w: invalid peer ID", ErrDecode)

	// ErrEmptyProtocolID 空协议 ID
	ErrEmptyProtocolID = errors.New("empty protocol ID")

	// ErrProtocolNotSupported 远端不支持请求的协议
	ErrProtocolNotSupported = errors.New("protocol not supported")
)

// ============================================================================
//                              DialError
// ============================================================================

// DialError 拨号错误
//
// errors.Is(err, ErrDialFailed) 对任意 *DialError 成立，
// 同时可通过 errors.Is/As 访问底层原因。
type DialError struct {
	Peer PeerID
	Addr string
	Err  error
}

func (e *DialError) Error() string {
	target := e.Addr
	if target == "" {
		target = string(e.Peer)
	}
	if e.Err == nil {
		return fmt.Sprintf("dial %s failed", target)
	}
	return fmt.Sprintf("dial %s failed: %v", target, e.Err)
}

// Unwrap 同时暴露分类错误与底层原因
func (e *DialError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrDialFailed}
	}
	return []error{ErrDialFailed, e.Err}
}

// HandshakeError 握手错误，归类为 ErrHandshakeFailed
func HandshakeError(stage string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrHandshakeFailed, stage, err)
}

// DecodeError 解码错误，归类为 ErrDecode
func DecodeError(what string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %s", ErrDecode, what)
	}
	return fmt.Errorf("%w: %s: %w", ErrDecode, what, err)
}
