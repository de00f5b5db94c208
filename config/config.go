// Package config 提供 webnode 的统一配置
//
// 主 Config 结构体嵌入所有子配置，每个子配置在独立文件中定义，
// 并提供 Default…Config 构造函数与 Validate 校验：
//
//	cfg := config.NewConfig()
//	cfg.Relay.EnableServer = true
//	cfg.ListenAddrs = []string{"/ip4/0.0.0.0/tcp/4002/ws"}
//
//	data, _ := cfg.ToJSON()
//	cfg, err := config.FromJSON(data)
package config

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Config webnode 的完整配置
//
//   - Identity: 身份密钥
//   - Transport: WebSocket / WebRTC 传输与拨号超时
//   - Security: 安全握手
//   - Muxer: 流多路复用
//   - Relay: 电路中继
//   - Gater: 连接门控
//   - Storage: 块存储与分块
type Config struct {
	// Identity 身份配置
	Identity IdentityConfig `json:"identity"`

	// Transport 传输层配置
	Transport TransportConfig `json:"transport"`

	// Security 安全传输配置
	Security SecurityConfig `json:"security"`

	// Muxer 多路复用配置
	Muxer MuxerConfig `json:"muxer"`

	// Relay 中继配置
	Relay RelayConfig `json:"relay"`

	// Gater 连接门控配置
	Gater GaterConfig `json:"gater"`

	// Storage 存储配置
	Storage StorageConfig `json:"storage"`

	// ListenAddrs 监听地址（multiaddr 字符串）
	//
	// 浏览器风格节点默认只监听 /webrtc，不开放 WebSocket 端口。
	ListenAddrs []string `json:"listen_addrs,omitempty"`
}

// NewConfig 创建默认配置
func NewConfig() *Config {
	return &Config{
		Identity:    DefaultIdentityConfig(),
		Transport:   DefaultTransportConfig(),
		Security:    DefaultSecurityConfig(),
		Muxer:       DefaultMuxerConfig(),
		Relay:       DefaultRelayConfig(),
		Gater:       DefaultGaterConfig(),
		Storage:     DefaultStorageConfig(),
		ListenAddrs: []string{"/webrtc"},
	}
}

// Validate 校验所有子配置，返回第一个错误
func (c *Config) Validate() error {
	if c == nil {
		return errors.New("config is nil")
	}
	checks := []struct {
		name string
		fn   func() error
	}{
		{"identity", c.Identity.Validate},
		{"transport", c.Transport.Validate},
		{"security", c.Security.Validate},
		{"muxer", c.Muxer.Validate},
		{"relay", c.Relay.Validate},
		{"gater", c.Gater.Validate},
		{"storage", c.Storage.Validate},
	}
	for _, chk := range checks {
		if err := chk.fn(); err != nil {
			return fmt.Errorf("%s config: %w", chk.name, err)
		}
	}
	if len(c.ListenAddrs) > 0 && !c.Transport.EnableWebSocket && !c.Transport.EnableWebRTC && !c.Relay.EnableClient {
		return errors.New("listen addresses configured but no transport enabled")
	}
	return nil
}

// Clone 深拷贝配置
func (c *Config) Clone() *Config {
	data, err := json.Marshal(c)
	if err != nil {
		return nil
	}
	out := &Config{}
	if err := json.Unmarshal(data, out); err != nil {
		return nil
	}
	return out
}

// FromJSON 从 JSON 加载配置
//
// 未出现的字段保留默认值，加载后执行 Validate。
func FromJSON(data []byte) (*Config, error) {
	cfg := NewConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ToJSON 序列化为带缩进的 JSON
func (c *Config) ToJSON() ([]byte, error) {
	return json.MarshalIndent(c, "", "  ")
}
