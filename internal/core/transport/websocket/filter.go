package websocket

import (
	"fmt"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/dep2p/go-webnode/config"
	"github.com/dep2p/go-webnode/internal/util/addrutil"
)

// Filter 拨号地址过滤器，返回 true 表示允许拨号
type Filter func(addr ma.Multiaddr) bool

// FilterAll 允许所有 ws/wss 地址
func FilterAll(ma.Multiaddr) bool { return true }

// FilterDNSOverTLS 只允许 DNS 主机名上的 wss 地址
func FilterDNSOverTLS(addr ma.Multiaddr) bool {
	if !addrutil.HasProtocol(addr, ma.P_WSS) {
		return false
	}
	return addrutil.HasProtocol(addr, ma.P_DNS) ||
		addrutil.HasProtocol(addr, ma.P_DNS4) ||
		addrutil.HasProtocol(addr, ma.P_DNS6)
}

// FilterByName 按配置名称返回过滤器
func FilterByName(name string) (Filter, error) {
	switch name {
	case "", config.WebSocketFilterAll:
		return FilterAll, nil
	case config.WebSocketFilterDNSOverTLS:
		return FilterDNSOverTLS, nil
	default:
		return nil, fmt.Errorf("unknown websocket filter %q", name)
	}
}
