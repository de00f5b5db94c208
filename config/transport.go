package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/pion/stun"
)

// WebSocket 拨号过滤策略
const (
	// WebSocketFilterAll 允许拨号所有 ws/wss 地址
	WebSocketFilterAll = "all"

	// WebSocketFilterDNSOverTLS 只允许 /dns*/…/wss 地址
	WebSocketFilterDNSOverTLS = "dnsWsOverTLS"
)

// TransportConfig 传输层配置
type TransportConfig struct {
	// EnableWebSocket 启用 WebSocket 传输
	EnableWebSocket bool `json:"enable_websocket"`

	// WebSocket WebSocket 参数
	WebSocket WebSocketConfig `json:"websocket"`

	// EnableWebRTC 启用 WebRTC 传输（需要中继信令）
	EnableWebRTC bool `json:"enable_webrtc"`

	// WebRTC WebRTC 参数
	WebRTC WebRTCConfig `json:"webrtc"`

	// DialTimeout 拨号超时（上下文无截止时间时使用）
	DialTimeout Duration `json:"dial_timeout"`
}

// WebSocketConfig WebSocket 参数
type WebSocketConfig struct {
	// Filter 拨号地址过滤：all | dnsWsOverTLS
	Filter string `json:"filter"`

	// HandshakeTimeout HTTP 升级超时
	HandshakeTimeout Duration `json:"handshake_timeout"`

	// InsecureSkipVerify wss 拨号跳过证书校验（仅用于本地测试）
	InsecureSkipVerify bool `json:"insecure_skip_verify,omitempty"`
}

// WebRTCConfig WebRTC 参数
type WebRTCConfig struct {
	// ICEServers STUN/TURN 服务器 URL
	ICEServers []string `json:"ice_servers,omitempty"`

	// ConnectTimeout 信令与数据通道建立超时
	ConnectTimeout Duration `json:"connect_timeout"`
}

// DefaultTransportConfig 返回默认传输配置
func DefaultTransportConfig() TransportConfig {
	return TransportConfig{
		EnableWebSocket: true,
		WebSocket: WebSocketConfig{
			Filter:           WebSocketFilterAll,
			HandshakeTimeout: Duration(10 * time.Second),
		},
		EnableWebRTC: true,
		WebRTC: WebRTCConfig{
			ICEServers:     []string{"stun:stun.l.google.com:19302"},
			ConnectTimeout: Duration(30 * time.Second),
		},
		DialTimeout: Duration(30 * time.Second),
	}
}

// Validate 校验传输配置
func (c TransportConfig) Validate() error {
	if !c.EnableWebSocket && !c.EnableWebRTC {
		return errors.New("at least one transport must be enabled")
	}
	if c.DialTimeout <= 0 {
		return errors.New("dial timeout must be positive")
	}
	switch c.WebSocket.Filter {
	case WebSocketFilterAll, WebSocketFilterDNSOverTLS:
	default:
		return fmt.Errorf("unknown websocket filter %q", c.WebSocket.Filter)
	}
	if c.EnableWebRTC {
		if c.WebRTC.ConnectTimeout <= 0 {
			return errors.New("webrtc connect timeout must be positive")
		}
		for _, u := range c.WebRTC.ICEServers {
			if _, err := stun.ParseURI(u); err != nil {
				return fmt.Errorf("invalid ice server %q: %w", u, err)
			}
		}
	}
	return nil
}
