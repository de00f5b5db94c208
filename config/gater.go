package config

import (
	"fmt"
	"net"
)

// GaterConfig 连接门控配置
//
// 默认不拒绝任何拨号。
type GaterConfig struct {
	// DenyPeers 拒绝的节点 ID
	DenyPeers []string `json:"deny_peers,omitempty"`

	// DenyCIDRs 拒绝的网段
	DenyCIDRs []string `json:"deny_cidrs,omitempty"`

	// AllowPrivate 允许拨号私网地址
	AllowPrivate bool `json:"allow_private"`
}

// DefaultGaterConfig 返回默认门控配置
func DefaultGaterConfig() GaterConfig {
	return GaterConfig{AllowPrivate: true}
}

// Validate 校验门控配置
func (c GaterConfig) Validate() error {
	for _, cidr := range c.DenyCIDRs {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			return fmt.Errorf("invalid cidr %q: %w", cidr, err)
		}
	}
	return nil
}
