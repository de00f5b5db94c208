package addrutil

import (
	"net"
	"strconv"

	ma "github.com/multiformats/go-multiaddr"
)

// ============================================================================
//                              IP 类型判断
// ============================================================================

// IP 返回地址中的 IP（ip4/ip6 组件），DNS 地址返回 nil
func IP(addr ma.Multiaddr) net.IP {
	if addr == nil {
		return nil
	}
	if v, err := addr.ValueForProtocol(ma.P_IP4); err == nil {
		return net.ParseIP(v)
	}
	if v, err := addr.ValueForProtocol(ma.P_IP6); err == nil {
		return net.ParseIP(v)
	}
	return nil
}

// IsLoopback 判断是否是回环地址
func IsLoopback(addr ma.Multiaddr) bool {
	ip := IP(addr)
	return ip != nil && ip.IsLoopback()
}

// IsPrivate 判断是否是私网或链路本地地址
func IsPrivate(addr ma.Multiaddr) bool {
	ip := IP(addr)
	return ip != nil && (ip.IsPrivate() || ip.IsLinkLocalUnicast())
}

// HostPort 返回地址的 host 与 TCP 端口
//
// host 取自 ip4、ip6、dns、dns4 或 dns6 组件。
func HostPort(addr ma.Multiaddr) (host, port string, err error) {
	if addr == nil {
		return "", "", ErrEmptyAddress
	}
	for _, code := range []int{ma.P_IP4, ma.P_IP6, ma.P_DNS, ma.P_DNS4, ma.P_DNS6} {
		if v, e := addr.ValueForProtocol(code); e == nil {
			host = v
			break
		}
	}
	if host == "" {
		return "", "", ErrEmptyAddress
	}
	port, err = addr.ValueForProtocol(ma.P_TCP)
	if err != nil {
		return "", "", err
	}
	return host, port, nil
}

// FromTCPAddr 把 net.TCPAddr 转为 /ip4|ip6/<ip>/tcp/<port> 多地址
func FromTCPAddr(a *net.TCPAddr) (ma.Multiaddr, error) {
	ip := a.IP
	if ip == nil {
		ip = net.IPv4zero
	}
	if ip4 := ip.To4(); ip4 != nil {
		return Parse("/ip4/" + ip4.String() + "/tcp/" + strconv.Itoa(a.Port))
	}
	return Parse("/ip6/" + ip.String() + "/tcp/" + strconv.Itoa(a.Port))
}
