package gater

import (
	"net"
	"sync"
)

// Filter CIDR 地址过滤器
type Filter struct {
	mu sync.RWMutex

	allowed []*net.IPNet
	blocked []*net.IPNet
}

// NewFilter 创建过滤器
func NewFilter() *Filter {
	return &Filter{}
}

// AllowCIDR 加入允许列表；允许列表非空时只放行其中的地址
func (f *Filter) AllowCIDR(cidr string) error {
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.allowed = append(f.allowed, ipnet)
	return nil
}

// BlockCIDR 加入阻止列表
func (f *Filter) BlockCIDR(cidr string) error {
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blocked = append(f.blocked, ipnet)
	return nil
}

// AllowIP 检查 IP 是否放行
//
// 阻止列表优先于允许列表。
func (f *Filter) AllowIP(ip net.IP) bool {
	f.mu.RLock()
	defer f.mu.RUnlock()

	for _, n := range f.blocked {
		if n.Contains(ip) {
			return false
		}
	}
	if len(f.allowed) == 0 {
		return true
	}
	for _, n := range f.allowed {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}
