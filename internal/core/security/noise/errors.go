package noise

import "errors"

var (
	// ErrInvalidPayload 握手 payload 格式错误
	ErrInvalidPayload = errors.New("noise: invalid handshake payload")

	// ErrInvalidSignature 静态公钥签名验证失败
	ErrInvalidSignature = errors.New("noise: static key not bound to identity key")

	// ErrPeerIDMismatch 远端身份与期望不一致
	ErrPeerIDMismatch = errors.New("noise: peer ID mismatch")

	// ErrEmptyFrame 收到零长度的传输帧
	ErrEmptyFrame = errors.New("noise: empty frame")

	// ErrNilConn 连接为空
	ErrNilConn = errors.New("noise: conn is nil")
)
