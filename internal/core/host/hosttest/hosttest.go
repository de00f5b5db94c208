// Package hosttest 提供测试用的 Host 构建工具
//
// 构建的 Host 使用 noise + 默认多路复用器，并带 websocket 传输，
// 测试结束时自动关闭。
package hosttest

import (
	"context"
	"testing"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-webnode/internal/core/eventbus"
	"github.com/dep2p/go-webnode/internal/core/host"
	"github.com/dep2p/go-webnode/internal/core/identity"
	"github.com/dep2p/go-webnode/internal/core/muxer"
	"github.com/dep2p/go-webnode/internal/core/security/noise"
	"github.com/dep2p/go-webnode/internal/core/swarm"
	"github.com/dep2p/go-webnode/internal/core/transport/websocket"
	"github.com/dep2p/go-webnode/internal/core/upgrader"
	"github.com/dep2p/go-webnode/internal/util/addrutil"
	pkgif "github.com/dep2p/go-webnode/pkg/interfaces"
)

// LoopbackWS 本地 websocket 监听地址
const LoopbackWS = "/ip4/127.0.0.1/tcp/0/ws"

type options struct {
	transports []pkgif.Transport
	swarmOpts  []swarm.Option
}

// Option 构建选项
type Option func(*options)

// WithTransports 追加传输（websocket 之后）
func WithTransports(ts ...pkgif.Transport) Option {
	return func(o *options) {
		o.transports = append(o.transports, ts...)
	}
}

// WithSwarmOptions 追加 Swarm 选项
func WithSwarmOptions(opts ...swarm.Option) Option {
	return func(o *options) {
		o.swarmOpts = append(o.swarmOpts, opts...)
	}
}

// New 创建 Host
func New(t testing.TB, opts ...Option) *host.Host {
	t.Helper()
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	id, err := identity.Generate()
	require.NoError(t, err)
	sec, err := noise.New(id)
	require.NoError(t, err)
	up, err := upgrader.New(upgrader.Config{
		Security: []pkgif.SecureTransport{sec},
		Muxers:   muxer.Default(),
	})
	require.NoError(t, err)

	bus := eventbus.NewBus()
	transports := append([]pkgif.Transport{websocket.New()}, o.transports...)
	swarmOpts := append([]swarm.Option{
		swarm.WithEventBus(bus),
		swarm.WithTransports(transports...),
		swarm.WithDialTimeout(10 * time.Second),
	}, o.swarmOpts...)
	s, err := swarm.New(id.PeerID(), up, swarmOpts...)
	require.NoError(t, err)

	h, err := host.New(s, bus)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

// Listen 在本地 websocket 地址监听，返回含 /p2p/<id> 的完整地址
func Listen(t testing.TB, h *host.Host) ma.Multiaddr {
	t.Helper()
	require.NoError(t, h.Listen(addrutil.MustParse(LoopbackWS)))
	for _, a := range h.Network().ListenAddrs() {
		if addrutil.IsWebSocket(a) {
			full, err := addrutil.WithPeer(a, h.ID())
			require.NoError(t, err)
			return full
		}
	}
	t.Fatal("no websocket listen address")
	return nil
}

// Connect a 连接 b，b 未监听时先监听
func Connect(t testing.TB, a, b *host.Host) pkgif.Conn {
	t.Helper()
	var addr ma.Multiaddr
	for _, l := range b.Network().ListenAddrs() {
		if addrutil.IsWebSocket(l) {
			full, err := addrutil.WithPeer(l, b.ID())
			require.NoError(t, err)
			addr = full
			break
		}
	}
	if addr == nil {
		addr = Listen(t, b)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	c, err := a.Connect(ctx, addr)
	require.NoError(t, err)
	return c
}
