package config

import (
	"errors"
	"fmt"
	"time"
)

// SecurityConfig 安全传输配置
type SecurityConfig struct {
	// HandshakeTimeout Noise 握手超时
	HandshakeTimeout Duration `json:"handshake_timeout"`

	// NegotiateTimeout multistream-select 协商超时
	NegotiateTimeout Duration `json:"negotiate_timeout"`
}

// DefaultSecurityConfig 返回默认安全配置
func DefaultSecurityConfig() SecurityConfig {
	return SecurityConfig{
		HandshakeTimeout: Duration(10 * time.Second),
		NegotiateTimeout: Duration(30 * time.Second),
	}
}

// Validate 校验安全配置
func (c SecurityConfig) Validate() error {
	if c.HandshakeTimeout <= 0 {
		return errors.New("handshake timeout must be positive")
	}
	if c.NegotiateTimeout <= 0 {
		return errors.New("negotiate timeout must be positive")
	}
	return nil
}

// MuxerConfig 多路复用配置
type MuxerConfig struct {
	// Preferred 按偏好排序的多路复用器：mplex、yamux
	Preferred []string `json:"preferred"`

	// Mplex mplex 参数
	Mplex MplexConfig `json:"mplex"`

	// YamuxWindowSize yamux 单流最大接收窗口（字节）
	YamuxWindowSize uint32 `json:"yamux_window_size"`
}

// MplexConfig mplex 参数
type MplexConfig struct {
	// StreamBuffer 每个流的入站缓冲帧数
	StreamBuffer int `json:"stream_buffer"`

	// ReceiveTimeout 流缓冲区写满超过该时长则重置该流
	ReceiveTimeout Duration `json:"receive_timeout"`

	// WriteQueue 会话写队列长度
	WriteQueue int `json:"write_queue"`
}

// DefaultMuxerConfig 返回默认多路复用配置
func DefaultMuxerConfig() MuxerConfig {
	return MuxerConfig{
		Preferred: []string{"mplex", "yamux"},
		Mplex: MplexConfig{
			StreamBuffer:   16,
			ReceiveTimeout: Duration(5 * time.Second),
			WriteQueue:     64,
		},
		YamuxWindowSize: 16 << 20,
	}
}

// Validate 校验多路复用配置
func (c MuxerConfig) Validate() error {
	if len(c.Preferred) == 0 {
		return errors.New("no stream muxer configured")
	}
	seen := make(map[string]bool, len(c.Preferred))
	for _, name := range c.Preferred {
		if name != "mplex" && name != "yamux" {
			return fmt.Errorf("unknown stream muxer %q", name)
		}
		if seen[name] {
			return fmt.Errorf("duplicate stream muxer %q", name)
		}
		seen[name] = true
	}
	if c.Mplex.StreamBuffer < 0 || c.Mplex.WriteQueue < 0 || c.Mplex.ReceiveTimeout < 0 {
		return errors.New("mplex parameters must not be negative")
	}
	return nil
}
