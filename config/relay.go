package config

import (
	"errors"
	"time"
)

// RelayConfig 电路中继配置
//
// 客户端模式通过中继预留获得可达地址，并在中继上接收 WebRTC 信令；
// 服务端模式为其他节点提供 RESERVE / CONNECT。
type RelayConfig struct {
	// EnableClient 启用中继客户端（电路传输与 stop 协议）
	EnableClient bool `json:"enable_client"`

	// EnableServer 启用中继服务端（hop 协议）
	EnableServer bool `json:"enable_server"`

	// DiscoverRelays 自动预留的中继数量，0 表示关闭自动中继
	DiscoverRelays int `json:"discover_relays"`

	// Server 服务端参数
	Server RelayServerConfig `json:"server"`
}

// RelayServerConfig 中继服务端参数
type RelayServerConfig struct {
	// MaxReservations 最大预留数
	MaxReservations int `json:"max_reservations"`

	// MaxCircuits 最大活跃电路数
	MaxCircuits int `json:"max_circuits"`

	// ReservationTTL 预留有效期
	ReservationTTL Duration `json:"reservation_ttl"`

	// ConnectTimeout CONNECT 时打开 stop 流的超时
	ConnectTimeout Duration `json:"connect_timeout"`
}

// DefaultRelayConfig 返回默认中继配置
func DefaultRelayConfig() RelayConfig {
	return RelayConfig{
		EnableClient:   true,
		EnableServer:   false,
		DiscoverRelays: 1,
		Server: RelayServerConfig{
			MaxReservations: 128,
			MaxCircuits:     64,
			ReservationTTL:  Duration(time.Hour),
			ConnectTimeout:  Duration(30 * time.Second),
		},
	}
}

// Validate 校验中继配置
func (c RelayConfig) Validate() error {
	if c.DiscoverRelays < 0 {
		return errors.New("discover relays must not be negative")
	}
	if c.DiscoverRelays > 0 && !c.EnableClient {
		return errors.New("discover relays requires the relay client")
	}
	if c.EnableServer {
		if c.Server.MaxReservations <= 0 || c.Server.MaxCircuits <= 0 {
			return errors.New("relay server limits must be positive")
		}
		if c.Server.ReservationTTL <= 0 || c.Server.ConnectTimeout <= 0 {
			return errors.New("relay server timeouts must be positive")
		}
	}
	return nil
}
