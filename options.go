package webnode

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/fx"

	"github.com/dep2p/go-webnode/config"
)

// Option 用户配置选项函数
//
// 选项按顺序作用在同一份配置上；WithConfig 会替换整份配置，
// 因此应放在其他选项之前。
type Option func(*options) error

// options 内部选项结构
type options struct {
	// config 节点配置
	config *config.Config

	// webrtcLoopback 收集回环地址候选（本机多节点测试）
	webrtcLoopback bool

	// fxDebug 输出 Fx 依赖注入日志
	fxDebug bool

	// userFxOptions 用户自定义 Fx 选项
	userFxOptions []fx.Option
}

func newOptions() *options {
	return &options{config: config.NewConfig()}
}

func (o *options) apply(opts ...Option) error {
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(o); err != nil {
			return err
		}
	}
	return nil
}

// ════════════════════════════════════════════════════════════════════════════
//                              配置
// ════════════════════════════════════════════════════════════════════════════

// WithConfig 使用完整配置（深拷贝）
func WithConfig(cfg *config.Config) Option {
	return func(o *options) error {
		if cfg == nil {
			return errors.New("config is nil")
		}
		clone := cfg.Clone()
		if clone == nil {
			return errors.New("config clone failed")
		}
		o.config = clone
		return nil
	}
}

// WithListenAddrs 设置监听地址（替换默认的 /webrtc）
//
// 启用中继客户端时会自动追加 /p2p-circuit。
func WithListenAddrs(addrs ...string) Option {
	return func(o *options) error {
		o.config.ListenAddrs = append([]string(nil), addrs...)
		return nil
	}
}

// WithKeyFile 从文件加载身份私钥，不存在时生成并保存
func WithKeyFile(path string) Option {
	return func(o *options) error {
		if path == "" {
			return errors.New("key file path is empty")
		}
		o.config.Identity.KeyFile = path
		return nil
	}
}

// ════════════════════════════════════════════════════════════════════════════
//                              传输
// ════════════════════════════════════════════════════════════════════════════

// WithWebSocket 启用或禁用 WebSocket 传输
func WithWebSocket(enable bool) Option {
	return func(o *options) error {
		o.config.Transport.EnableWebSocket = enable
		return nil
	}
}

// WithWebSocketFilter 设置 WebSocket 拨号过滤：all | dnsWsOverTLS
func WithWebSocketFilter(name string) Option {
	return func(o *options) error {
		o.config.Transport.WebSocket.Filter = name
		return nil
	}
}

// WithWebRTC 启用或禁用 WebRTC 传输
func WithWebRTC(enable bool) Option {
	return func(o *options) error {
		o.config.Transport.EnableWebRTC = enable
		return nil
	}
}

// WithICEServers 设置 STUN/TURN 服务器
func WithICEServers(urls ...string) Option {
	return func(o *options) error {
		o.config.Transport.WebRTC.ICEServers = append([]string(nil), urls...)
		return nil
	}
}

// WithWebRTCLoopback 收集回环地址 ICE 候选
//
// 仅用于同一主机上的多个节点互连。
func WithWebRTCLoopback() Option {
	return func(o *options) error {
		o.webrtcLoopback = true
		return nil
	}
}

// WithDialTimeout 设置拨号超时
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) error {
		if d <= 0 {
			return fmt.Errorf("dial timeout must be positive: %v", d)
		}
		o.config.Transport.DialTimeout = config.Duration(d)
		return nil
	}
}

// ════════════════════════════════════════════════════════════════════════════
//                              中继
// ════════════════════════════════════════════════════════════════════════════

// WithRelayClient 启用或禁用中继客户端
func WithRelayClient(enable bool) Option {
	return func(o *options) error {
		o.config.Relay.EnableClient = enable
		return nil
	}
}

// WithRelayServer 启用或禁用中继服务端
func WithRelayServer(enable bool) Option {
	return func(o *options) error {
		o.config.Relay.EnableServer = enable
		return nil
	}
}

// WithDiscoverRelays 设置自动预留的中继数量，0 关闭自动中继
func WithDiscoverRelays(n int) Option {
	return func(o *options) error {
		if n < 0 {
			return fmt.Errorf("discover relays must not be negative: %d", n)
		}
		o.config.Relay.DiscoverRelays = n
		return nil
	}
}

// ════════════════════════════════════════════════════════════════════════════
//                              门控与存储
// ════════════════════════════════════════════════════════════════════════════

// WithDenyPeers 拒绝与指定节点建立连接
func WithDenyPeers(peers ...string) Option {
	return func(o *options) error {
		o.config.Gater.DenyPeers = append(o.config.Gater.DenyPeers, peers...)
		return nil
	}
}

// WithDenyCIDRs 拒绝拨号与接受指定网段
func WithDenyCIDRs(cidrs ...string) Option {
	return func(o *options) error {
		o.config.Gater.DenyCIDRs = append(o.config.Gater.DenyCIDRs, cidrs...)
		return nil
	}
}

// WithChunkSize 设置文件分块大小
func WithChunkSize(n int) Option {
	return func(o *options) error {
		o.config.Storage.ChunkSize = n
		return nil
	}
}

// WithHash 设置块哈希：sha2-256 | blake3
func WithHash(name string) Option {
	return func(o *options) error {
		o.config.Storage.Hash = name
		return nil
	}
}

// ════════════════════════════════════════════════════════════════════════════
//                              Fx
// ════════════════════════════════════════════════════════════════════════════

// WithFxOptions 追加用户自定义 Fx 选项
//
// 可用 fx.Invoke 取得节点内部组件，例如 *host.Host。
func WithFxOptions(opts ...fx.Option) Option {
	return func(o *options) error {
		o.userFxOptions = append(o.userFxOptions, opts...)
		return nil
	}
}

// WithFxDebug 输出 Fx 依赖注入日志
func WithFxDebug() Option {
	return func(o *options) error {
		o.fxDebug = true
		return nil
	}
}
