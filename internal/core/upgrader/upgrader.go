// Package upgrader 实现连接升级器
//
// 升级流程：
//  1. multistream-select 协商安全协议
//  2. 安全握手（Noise）
//  3. 门控检查 InterceptSecured
//  4. multistream-select 协商多路复用器
//  5. 建立多路复用会话
//
// 任一步骤失败都会关闭底层连接，调用方不会拿到半升级的连接。
package upgrader

import (
	"context"
	"errors"
	"fmt"
	"time"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/dep2p/go-webnode/internal/core/muxer"
	pkgif "github.com/dep2p/go-webnode/pkg/interfaces"
	"github.com/dep2p/go-webnode/pkg/lib/log"
	"github.com/dep2p/go-webnode/pkg/types"
)

var logger = log.Logger("core/upgrader")

// DefaultNegotiateTimeout 上下文未设置截止时间时的协商超时
const DefaultNegotiateTimeout = 30 * time.Second

var (
	// ErrNoSecurityTransport 未配置安全传输
	ErrNoSecurityTransport = errors.New("no security transport configured")

	// ErrNoStreamMuxer 未配置多路复用器
	ErrNoStreamMuxer = errors.New("no stream muxer configured")
)

// SecuredGater 握手后的门控检查
type SecuredGater interface {
	InterceptSecured(dir types.Direction, peer types.PeerID, remote ma.Multiaddr) bool
}

// Config 升级器配置
type Config struct {
	// Security 按偏好排序的安全传输
	Security []pkgif.SecureTransport

	// Muxers 按偏好排序的多路复用器
	Muxers *muxer.Multiplexer

	// Gater 可选的握手后门控
	Gater SecuredGater

	// NegotiateTimeout 协商超时
	NegotiateTimeout time.Duration
}

// Upgrader 连接升级器
type Upgrader struct {
	security []pkgif.SecureTransport
	muxers   *muxer.Multiplexer
	gater    SecuredGater
	timeout  time.Duration
}

// New 创建连接升级器
func New(cfg Config) (*Upgrader, error) {
	if len(cfg.Security) == 0 {
		return nil, ErrNoSecurityTransport
	}
	if cfg.Muxers == nil {
		return nil, ErrNoStreamMuxer
	}
	if cfg.NegotiateTimeout <= 0 {
		cfg.NegotiateTimeout = DefaultNegotiateTimeout
	}
	return &Upgrader{
		security: cfg.Security,
		muxers:   cfg.Muxers,
		gater:    cfg.Gater,
		timeout:  cfg.NegotiateTimeout,
	}, nil
}

// Upgrade 升级原始连接
//
// 出站连接 expected 非空时校验远端身份。失败时 raw 已被关闭，
// 返回的错误归类为 types.ErrHandshakeFailed（门控拒绝为 types.ErrGated）。
func (u *Upgrader) Upgrade(ctx context.Context, raw pkgif.RawConn, dir types.Direction, expected types.PeerID) (*Conn, error) {
	isServer := dir == types.DirInbound

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, u.timeout)
		defer cancel()
	}

	sec, err := u.negotiateSecurity(ctx, raw, isServer)
	if err != nil {
		raw.Close()
		logger.Debug("安全协议协商失败", "direction", dir, "error", err)
		return nil, types.HandshakeError("security negotiation", err)
	}

	var secConn pkgif.SecureConn
	if isServer {
		secConn, err = sec.SecureInbound(ctx, raw)
	} else {
		secConn, err = sec.SecureOutbound(ctx, raw, expected)
	}
	if err != nil {
		// 安全传输失败时已关闭连接
		raw.Close()
		return nil, err
	}

	if u.gater != nil && !u.gater.InterceptSecured(dir, secConn.RemotePeer(), raw.RemoteMultiaddr()) {
		secConn.Close()
		logger.Debug("握手后被门控拒绝", "remotePeer", secConn.RemotePeer().ShortString())
		return nil, fmt.Errorf("%w: secured connection from %s", types.ErrGated, secConn.RemotePeer().ShortString())
	}

	mx, err := u.negotiateMuxer(ctx, secConn, isServer)
	if err != nil {
		secConn.Close()
		logger.Debug("多路复用器协商失败", "remotePeer", secConn.RemotePeer().ShortString(), "error", err)
		return nil, types.HandshakeError("muxer negotiation", err)
	}

	mc, err := mx.NewConn(secConn, isServer)
	if err != nil {
		secConn.Close()
		return nil, types.HandshakeError("muxer setup", err)
	}

	logger.Debug("连接升级成功",
		"remotePeer", secConn.RemotePeer().ShortString(),
		"direction", dir,
		"security", sec.ID(),
		"muxer", mx.ID())

	return &Conn{
		MuxedConn: mc,
		raw:       raw,
		secConn:   secConn,
		security:  sec.ID(),
		muxer:     mx.ID(),
	}, nil
}

// ============================================================================
//                              升级后的连接
// ============================================================================

// Conn 升级后的连接
type Conn struct {
	pkgif.MuxedConn

	raw      pkgif.RawConn
	secConn  pkgif.SecureConn
	security types.ProtocolID
	muxer    types.ProtocolID
}

// LocalPeer 返回本地节点 ID
func (c *Conn) LocalPeer() types.PeerID {
	return c.secConn.LocalPeer()
}

// RemotePeer 返回远端节点 ID
func (c *Conn) RemotePeer() types.PeerID {
	return c.secConn.RemotePeer()
}

// LocalMultiaddr 返回本地多地址
func (c *Conn) LocalMultiaddr() ma.Multiaddr {
	return c.raw.LocalMultiaddr()
}

// RemoteMultiaddr 返回远端多地址
func (c *Conn) RemoteMultiaddr() ma.Multiaddr {
	return c.raw.RemoteMultiaddr()
}

// Security 返回协商的安全协议
func (c *Conn) Security() types.ProtocolID {
	return c.security
}

// Muxer 返回协商的多路复用协议
func (c *Conn) Muxer() types.ProtocolID {
	return c.muxer
}
