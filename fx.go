package webnode

import (
	"context"
	"crypto/tls"
	"fmt"
	"slices"

	"github.com/ipfs/go-cid"
	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"github.com/dep2p/go-webnode/config"
	"github.com/dep2p/go-webnode/pkg/lib/log"

	// Core Layer
	"github.com/dep2p/go-webnode/internal/core/blockexchange"
	"github.com/dep2p/go-webnode/internal/core/connmgr/gater"
	"github.com/dep2p/go-webnode/internal/core/eventbus"
	"github.com/dep2p/go-webnode/internal/core/host"
	"github.com/dep2p/go-webnode/internal/core/identity"
	"github.com/dep2p/go-webnode/internal/core/metrics"
	"github.com/dep2p/go-webnode/internal/core/muxer"
	"github.com/dep2p/go-webnode/internal/core/muxer/mplex"
	"github.com/dep2p/go-webnode/internal/core/peerstore"
	"github.com/dep2p/go-webnode/internal/core/relay/client"
	"github.com/dep2p/go-webnode/internal/core/relay/server"
	"github.com/dep2p/go-webnode/internal/core/security/noise"
	"github.com/dep2p/go-webnode/internal/core/storage/blockstore"
	"github.com/dep2p/go-webnode/internal/core/storage/unixfs"
	"github.com/dep2p/go-webnode/internal/core/swarm"
	"github.com/dep2p/go-webnode/internal/core/transport/webrtc"
	"github.com/dep2p/go-webnode/internal/core/transport/websocket"
	"github.com/dep2p/go-webnode/internal/core/upgrader"

	// Protocol Layer
	"github.com/dep2p/go-webnode/internal/protocol/echo"
	"github.com/dep2p/go-webnode/internal/protocol/identify"

	"github.com/dep2p/go-webnode/internal/util/addrutil"
	pkgif "github.com/dep2p/go-webnode/pkg/interfaces"
)

// buildFxApp 构建 Fx 应用
//
// 核心模块总是加载；WebSocket、WebRTC、中继客户端与中继服务端按配置加载。
//
// 加载顺序（按依赖）：
//  1. Core Layer: Identity → Gater → Upgrader → Transports → Swarm → Host → Peerstore → Identify
//  2. Relay: Client Bind → AutoRelay → Server
//  3. Storage: Blockstore → NetworkStore → MultiStore → UnixFS
//  4. Protocol Layer: Echo → Block Exchange
var fxLogger = log.Logger("webnode/fx")

func buildFxApp(o *options, node *Node) (*fx.App, error) {
	cfg := o.config

	// ════════════════════════════════════════════════════════════════════════
	// 1. 配置验证（前置）
	// ════════════════════════════════════════════════════════════════════════
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	listenAddrs, err := resolveListenAddrs(cfg)
	if err != nil {
		return nil, err
	}

	modules := []fx.Option{
		fx.Supply(cfg),
	}

	// ════════════════════════════════════════════════════════════════════════
	// 2. 核心模块
	// ════════════════════════════════════════════════════════════════════════
	modules = append(modules,
		fx.Provide(
			provideIdentity,
			eventbus.NewBus,
			metrics.New,
			provideGater,
			provideUpgrader,
			provideSwarm,
			provideHost,
			providePeerstore,
			provideIdentify,
		),
	)

	// ════════════════════════════════════════════════════════════════════════
	// 3. 传输（条件加载）
	// ════════════════════════════════════════════════════════════════════════
	if cfg.Transport.EnableWebSocket {
		modules = append(modules, fx.Provide(provideWebSocket))
	}
	if cfg.Transport.EnableWebRTC {
		modules = append(modules,
			fx.Provide(provideWebRTC(o.webrtcLoopback)),
			fx.Invoke(bindWebRTC),
		)
	}

	// ════════════════════════════════════════════════════════════════════════
	// 4. 中继（条件加载）
	// ════════════════════════════════════════════════════════════════════════
	if cfg.Relay.EnableClient {
		modules = append(modules,
			fx.Provide(provideRelayClient),
			fx.Invoke(bindRelayClient),
		)
	}
	if cfg.Relay.EnableServer {
		modules = append(modules, fx.Provide(provideRelayServer))
	}

	// ════════════════════════════════════════════════════════════════════════
	// 5. 存储
	// ════════════════════════════════════════════════════════════════════════
	modules = append(modules,
		fx.Provide(
			provideBlockstore,
			provideMultiStore,
			provideFS,
		),
	)

	// ════════════════════════════════════════════════════════════════════════
	// 6. 协议
	// ════════════════════════════════════════════════════════════════════════
	modules = append(modules, fx.Invoke(registerProtocols))

	// ════════════════════════════════════════════════════════════════════════
	// 7. 用户自定义模块
	// ════════════════════════════════════════════════════════════════════════
	if len(o.userFxOptions) > 0 {
		fxLogger.Debug("加载用户自定义 Fx 选项", "count", len(o.userFxOptions))
		modules = append(modules, o.userFxOptions...)
	}

	// ════════════════════════════════════════════════════════════════════════
	// 8. 节点注入与监听
	// ════════════════════════════════════════════════════════════════════════
	modules = append(modules,
		fx.Invoke(injectNodeComponents(node)),
		fx.Invoke(listenOnStart(listenAddrs)),
	)

	// ════════════════════════════════════════════════════════════════════════
	// 9. Fx 配置
	// ════════════════════════════════════════════════════════════════════════
	fxZap := zap.NewNop()
	if o.fxDebug {
		if l, err := zap.NewDevelopment(); err == nil {
			fxZap = l
		}
	}
	modules = append(modules,
		fx.WithLogger(func() fxevent.Logger {
			return &fxevent.ZapLogger{Logger: fxZap}
		}),
	)

	app := fx.New(modules...)
	if err := app.Err(); err != nil {
		return nil, err
	}
	return app, nil
}

// resolveListenAddrs 解析监听地址
//
// 未启用 WebRTC 时忽略 /webrtc；启用中继客户端时补充 /p2p-circuit。
func resolveListenAddrs(cfg *config.Config) ([]ma.Multiaddr, error) {
	var out []ma.Multiaddr
	for _, s := range cfg.ListenAddrs {
		a, err := addrutil.Parse(s)
		if err != nil {
			return nil, fmt.Errorf("listen address %q: %w", s, err)
		}
		if addrutil.IsWebRTC(a) && !cfg.Transport.EnableWebRTC {
			fxLogger.Debug("WebRTC 未启用，忽略监听地址", "addr", s)
			continue
		}
		out = append(out, a)
	}
	if cfg.Relay.EnableClient {
		circuit := ma.StringCast("/p2p-circuit")
		if !slices.ContainsFunc(out, circuit.Equal) {
			out = append(out, circuit)
		}
	}
	return out, nil
}

// ════════════════════════════════════════════════════════════════════════════
//                              核心组件
// ════════════════════════════════════════════════════════════════════════════

func provideIdentity(cfg *config.Config) (*identity.Identity, error) {
	if cfg.Identity.KeyFile != "" {
		return identity.LoadOrCreate(cfg.Identity.KeyFile)
	}
	return identity.Generate()
}

func provideGater(cfg *config.Config) (*gater.Gater, error) {
	return gater.FromConfig(cfg.Gater)
}

func provideUpgrader(cfg *config.Config, id *identity.Identity, g *gater.Gater) (*upgrader.Upgrader, error) {
	sec, err := noise.New(id, noise.WithHandshakeTimeout(cfg.Security.HandshakeTimeout.Std()))
	if err != nil {
		return nil, fmt.Errorf("noise: %w", err)
	}

	mplexCfg := mplex.DefaultConfig()
	if cfg.Muxer.Mplex.StreamBuffer > 0 {
		mplexCfg.StreamBuffer = cfg.Muxer.Mplex.StreamBuffer
	}
	if cfg.Muxer.Mplex.ReceiveTimeout > 0 {
		mplexCfg.ReceiveTimeout = cfg.Muxer.Mplex.ReceiveTimeout.Std()
	}
	if cfg.Muxer.Mplex.WriteQueue > 0 {
		mplexCfg.WriteQueue = cfg.Muxer.Mplex.WriteQueue
	}
	muxers, err := muxer.FromNames(cfg.Muxer.Preferred, muxer.Options{
		Mplex:           mplexCfg,
		YamuxWindowSize: cfg.Muxer.YamuxWindowSize,
	})
	if err != nil {
		return nil, err
	}

	return upgrader.New(upgrader.Config{
		Security:         []pkgif.SecureTransport{sec},
		Muxers:           muxers,
		Gater:            g,
		NegotiateTimeout: cfg.Security.NegotiateTimeout.Std(),
	})
}

// swarmParams Swarm 依赖，传输均为可选
type swarmParams struct {
	fx.In

	Config   *config.Config
	Identity *identity.Identity
	Upgrader *upgrader.Upgrader
	Gater    *gater.Gater
	Metrics  *metrics.Metrics
	Bus      *eventbus.Bus

	WebSocket   *websocket.Transport `optional:"true"`
	RelayClient *client.Client       `optional:"true"`
	WebRTC      *webrtc.Transport    `optional:"true"`
}

func provideSwarm(p swarmParams) (*swarm.Swarm, error) {
	var transports []pkgif.Transport
	if p.WebSocket != nil {
		transports = append(transports, p.WebSocket)
	}
	if p.RelayClient != nil {
		transports = append(transports, p.RelayClient.Transport())
	}
	if p.WebRTC != nil {
		transports = append(transports, p.WebRTC)
	}
	return swarm.New(p.Identity.PeerID(), p.Upgrader,
		swarm.WithGater(p.Gater),
		swarm.WithDialTimeout(p.Config.Transport.DialTimeout.Std()),
		swarm.WithMetrics(p.Metrics),
		swarm.WithEventBus(p.Bus),
		swarm.WithTransports(transports...),
	)
}

func provideHost(lc fx.Lifecycle, cfg *config.Config, s *swarm.Swarm, bus *eventbus.Bus, m *metrics.Metrics) (*host.Host, error) {
	h, err := host.New(s, bus,
		host.WithNegotiateTimeout(cfg.Security.NegotiateTimeout.Std()),
		host.WithMetrics(m),
	)
	if err != nil {
		return nil, err
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return h.Close()
		},
	})
	return h, nil
}

// ════════════════════════════════════════════════════════════════════════════
//                              传输
// ════════════════════════════════════════════════════════════════════════════

func provideWebSocket(lc fx.Lifecycle, cfg *config.Config) (*websocket.Transport, error) {
	wsCfg := cfg.Transport.WebSocket
	filter, err := websocket.FilterByName(wsCfg.Filter)
	if err != nil {
		return nil, err
	}
	opts := []websocket.Option{
		websocket.WithFilter(filter),
		websocket.WithHandshakeTimeout(wsCfg.HandshakeTimeout.Std()),
	}
	if wsCfg.InsecureSkipVerify {
		opts = append(opts, websocket.WithTLSConfig(&tls.Config{InsecureSkipVerify: true})) //nolint:gosec // 仅用于本地测试
	}
	t := websocket.New(opts...)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return t.Close()
		},
	})
	return t, nil
}

// provideWebRTC 创建 WebRTC 传输
func provideWebRTC(loopback bool) func(cfg *config.Config) *webrtc.Transport {
	return func(cfg *config.Config) *webrtc.Transport {
		opts := []webrtc.Option{
			webrtc.WithICEServers(cfg.Transport.WebRTC.ICEServers...),
			webrtc.WithConnectTimeout(cfg.Transport.WebRTC.ConnectTimeout.Std()),
		}
		if loopback {
			opts = append(opts, webrtc.WithLoopback())
		}
		return webrtc.New(opts...)
	}
}

func bindWebRTC(t *webrtc.Transport, h *host.Host) {
	t.Bind(h)
}

func providePeerstore() *peerstore.Peerstore {
	return peerstore.New(peerstore.DefaultCapacity)
}

// provideIdentify 启动身份交换，对端地址同时写入 Swarm 地址簿
func provideIdentify(lc fx.Lifecycle, cfg *config.Config, h *host.Host, ps *peerstore.Peerstore) (*identify.Service, error) {
	svc, err := identify.New(h, ps,
		identify.WithAddrBook(h.Network()),
		identify.WithTimeout(cfg.Transport.DialTimeout.Std()),
	)
	if err != nil {
		return nil, fmt.Errorf("identify: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return svc.Close()
		},
	})
	return svc, nil
}

// ════════════════════════════════════════════════════════════════════════════
//                              中继
// ════════════════════════════════════════════════════════════════════════════

func provideRelayClient(lc fx.Lifecycle) *client.Client {
	c := client.New()
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return c.Close()
		},
	})
	return c
}

// bindRelayClient 绑定 Host，按配置启动自动中继
//
// 自动中继依赖身份交换得到的协议信息，只在声明 hop 的对端上预留。
func bindRelayClient(lc fx.Lifecycle, cfg *config.Config, c *client.Client, h *host.Host, ps *peerstore.Peerstore, _ *identify.Service) error {
	if err := c.Bind(h); err != nil {
		return err
	}
	if cfg.Relay.DiscoverRelays <= 0 {
		return nil
	}
	ar, err := client.NewAutoRelay(c, ps, cfg.Relay.DiscoverRelays)
	if err != nil {
		return fmt.Errorf("auto relay: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return ar.Close()
		},
	})
	return nil
}

func provideRelayServer(lc fx.Lifecycle, cfg *config.Config, h *host.Host, m *metrics.Metrics) (*server.Server, error) {
	s, err := server.New(h, cfg.Relay.Server, server.WithMetrics(m))
	if err != nil {
		return nil, fmt.Errorf("relay server: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return s.Close()
		},
	})
	return s, nil
}

// ════════════════════════════════════════════════════════════════════════════
//                              存储
// ════════════════════════════════════════════════════════════════════════════

func provideBlockstore(cfg *config.Config, m *metrics.Metrics) (*blockstore.Store, error) {
	prefix, err := blockstore.PrefixFor(cid.Raw, cfg.Storage.Hash)
	if err != nil {
		return nil, err
	}
	return blockstore.New(blockstore.WithPrefix(prefix), blockstore.WithMetrics(m)), nil
}

// provideMultiStore 本地块存储在前，网络块获取作为回退
func provideMultiStore(cfg *config.Config, local *blockstore.Store, h *host.Host) *blockstore.MultiStore {
	network := blockexchange.NewNetworkStore(h, local,
		blockexchange.WithFetchTimeout(cfg.Transport.DialTimeout.Std()),
	)
	return blockstore.NewMulti(local, network)
}

func provideFS(cfg *config.Config, store *blockstore.MultiStore) (*unixfs.FS, error) {
	return unixfs.New(store, unixfs.WithConfig(cfg.Storage))
}

// ════════════════════════════════════════════════════════════════════════════
//                              协议与启动
// ════════════════════════════════════════════════════════════════════════════

// registerProtocols 注册 echo 与块交换协议
//
// 块交换只应答本地已有的块，不递归向其他节点请求。
func registerProtocols(h *host.Host, local *blockstore.Store) {
	echo.Register(h)
	blockexchange.NewServer(local).Register(h)
}

// listenOnStart 在 Fx 启动阶段监听地址
func listenOnStart(addrs []ma.Multiaddr) func(fx.Lifecycle, *host.Host) {
	return func(lc fx.Lifecycle, h *host.Host) {
		lc.Append(fx.Hook{
			OnStart: func(context.Context) error {
				if len(addrs) == 0 {
					return nil
				}
				if err := h.Listen(addrs...); err != nil {
					return fmt.Errorf("listen: %w", err)
				}
				fxLogger.Info("监听地址成功", "addrs", h.Addrs())
				return nil
			},
		})
	}
}

// nodeInjectParams Node 组件注入参数
type nodeInjectParams struct {
	fx.In

	Config  *config.Config
	Host    *host.Host
	Metrics *metrics.Metrics
	Gater   *gater.Gater

	Peerstore *peerstore.Peerstore
	Identify  *identify.Service

	Local *blockstore.Store
	Store *blockstore.MultiStore
	FS    *unixfs.FS

	// 可选组件
	RelayClient *client.Client `optional:"true"`
	RelayServer *server.Server `optional:"true"`
}

// injectNodeComponents 创建 Node 组件注入函数
//
// 可选组件通过 optional:"true" 标签处理
func injectNodeComponents(node *Node) interface{} {
	return func(params nodeInjectParams) {
		node.host = params.Host
		node.metrics = params.Metrics
		node.gater = params.Gater
		node.peerstore = params.Peerstore
		node.identify = params.Identify
		node.local = params.Local
		node.store = params.Store
		node.fs = params.FS

		node.relayClient = params.RelayClient
		node.relayServer = params.RelayServer
	}
}
