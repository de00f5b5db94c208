package noise

import (
	"context"
	"net"
	"time"

	"github.com/dep2p/go-webnode/internal/core/identity"
	pkgif "github.com/dep2p/go-webnode/pkg/interfaces"
	"github.com/dep2p/go-webnode/pkg/lib/log"
	"github.com/dep2p/go-webnode/pkg/types"
)

var logger = log.Logger("core/security/noise")

// ID Noise 协议标识
const ID types.ProtocolID = "/noise"

// DefaultHandshakeTimeout 上下文未设置截止时间时的握手超时
const DefaultHandshakeTimeout = 10 * time.Second

// Transport Noise 安全传输
type Transport struct {
	id      *identity.Identity
	timeout time.Duration
}

var _ pkgif.SecureTransport = (*Transport)(nil)

// Option Transport 选项
type Option func(*Transport)

// WithHandshakeTimeout 设置握手超时
func WithHandshakeTimeout(d time.Duration) Option {
	return func(t *Transport) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// New 创建 Noise 传输
func New(id *identity.Identity, opts ...Option) (*Transport, error) {
	if id == nil {
		return nil, identity.ErrInvalidKey
	}
	t := &Transport{id: id, timeout: DefaultHandshakeTimeout}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// ID 返回协议标识
func (t *Transport) ID() types.ProtocolID {
	return ID
}

// SecureInbound 保护入站连接
func (t *Transport) SecureInbound(ctx context.Context, conn net.Conn) (pkgif.SecureConn, error) {
	return t.secure(ctx, conn, "", false)
}

// SecureOutbound 保护出站连接
func (t *Transport) SecureOutbound(ctx context.Context, conn net.Conn, expected types.PeerID) (pkgif.SecureConn, error) {
	return t.secure(ctx, conn, expected, true)
}

// secure 在截止时间内执行握手，失败时关闭底层连接
func (t *Transport) secure(ctx context.Context, conn net.Conn, expected types.PeerID, initiator bool) (pkgif.SecureConn, error) {
	if conn == nil {
		return nil, types.HandshakeError("noise", ErrNilConn)
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	// 上下文结束时打断阻塞的读写
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetDeadline(time.Unix(1, 0))
	})

	sc, err := performHandshake(conn, t.id, expected, initiator)
	stopped := stop()
	if err == nil && !stopped {
		err = ctx.Err()
	}
	if err != nil {
		conn.Close()
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		logger.Debug("Noise 握手失败", "initiator", initiator, "error", err)
		return nil, types.HandshakeError("noise", err)
	}

	logger.Debug("Noise 握手成功", "remotePeer", sc.RemotePeer().ShortString(), "initiator", initiator)
	return sc, nil
}
