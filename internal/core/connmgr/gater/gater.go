package gater

import (
	"fmt"
	"sync"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/dep2p/go-webnode/config"
	"github.com/dep2p/go-webnode/internal/util/addrutil"
	"github.com/dep2p/go-webnode/pkg/lib/log"
	"github.com/dep2p/go-webnode/pkg/types"
)

var logger = log.Logger("core/connmgr/gater")

// DenyDialFunc 自定义拨号拒绝策略，返回 true 表示拒绝
type DenyDialFunc func(peer types.PeerID, addr ma.Multiaddr) bool

// Gater 连接门控器
type Gater struct {
	mu sync.RWMutex

	blockedPeers map[types.PeerID]struct{}
	blockedAddrs map[string]struct{}
	filter       *Filter
	denyPrivate  bool
	denyDial     DenyDialFunc
}

// Option 门控选项
type Option func(*Gater) error

// WithDenyDial 设置自定义拨号拒绝策略
func WithDenyDial(fn DenyDialFunc) Option {
	return func(g *Gater) error {
		g.denyDial = fn
		return nil
	}
}

// WithBlockedCIDRs 阻止指定网段
func WithBlockedCIDRs(cidrs ...string) Option {
	return func(g *Gater) error {
		for _, c := range cidrs {
			if err := g.filter.BlockCIDR(c); err != nil {
				return fmt.Errorf("block cidr %q: %w", c, err)
			}
		}
		return nil
	}
}

// WithBlockedPeers 阻止指定节点
func WithBlockedPeers(peers ...types.PeerID) Option {
	return func(g *Gater) error {
		for _, p := range peers {
			g.blockedPeers[p] = struct{}{}
		}
		return nil
	}
}

// WithDenyPrivate 拒绝拨号私网地址
func WithDenyPrivate() Option {
	return func(g *Gater) error {
		g.denyPrivate = true
		return nil
	}
}

// New 创建门控器
func New(opts ...Option) (*Gater, error) {
	g := &Gater{
		blockedPeers: make(map[types.PeerID]struct{}),
		blockedAddrs: make(map[string]struct{}),
		filter:       NewFilter(),
	}
	for _, opt := range opts {
		if err := opt(g); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// FromConfig 从配置创建门控器
func FromConfig(cfg config.GaterConfig) (*Gater, error) {
	opts := []Option{WithBlockedCIDRs(cfg.DenyCIDRs...)}
	for _, s := range cfg.DenyPeers {
		id, err := types.ParsePeerID(s)
		if err != nil {
			return nil, fmt.Errorf("deny peer %q: %w", s, err)
		}
		opts = append(opts, WithBlockedPeers(id))
	}
	if !cfg.AllowPrivate {
		opts = append(opts, WithDenyPrivate())
	}
	return New(opts...)
}

// ============================================================================
//                              拦截
// ============================================================================

// InterceptPeerDial 拨号前检查目标节点
func (g *Gater) InterceptPeerDial(peer types.PeerID) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.peerAllowed(peer)
}

// InterceptAddrDial 每次拨号尝试前检查目标地址
func (g *Gater) InterceptAddrDial(peer types.PeerID, addr ma.Multiaddr) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if !g.peerAllowed(peer) || !g.addrAllowed(addr) {
		logger.Debug("拨号被门控拒绝", "peer", peer.ShortString(), "addr", addr)
		return false
	}
	if g.denyPrivate && addrutil.IsPrivate(addr) {
		logger.Debug("拒绝拨号私网地址", "addr", addr)
		return false
	}
	if g.denyDial != nil && g.denyDial(peer, addr) {
		logger.Debug("拨号被自定义策略拒绝", "peer", peer.ShortString(), "addr", addr)
		return false
	}
	return true
}

// InterceptAccept 接受入站连接前检查远端地址
func (g *Gater) InterceptAccept(remote ma.Multiaddr) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.addrAllowed(remote)
}

// InterceptSecured 安全握手后检查远端身份
func (g *Gater) InterceptSecured(_ types.Direction, peer types.PeerID, _ ma.Multiaddr) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.peerAllowed(peer)
}

// peerAllowed 调用方持有读锁
func (g *Gater) peerAllowed(peer types.PeerID) bool {
	if peer.IsEmpty() {
		return true
	}
	_, blocked := g.blockedPeers[peer]
	return !blocked
}

// addrAllowed 调用方持有读锁
func (g *Gater) addrAllowed(addr ma.Multiaddr) bool {
	if addr == nil {
		return true
	}
	if _, blocked := g.blockedAddrs[addr.String()]; blocked {
		return false
	}
	if ip := addrutil.IP(addr); ip != nil && !g.filter.AllowIP(ip) {
		return false
	}
	return true
}

// ============================================================================
//                              名单管理
// ============================================================================

// BlockPeer 添加节点到黑名单
func (g *Gater) BlockPeer(peer types.PeerID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.blockedPeers[peer] = struct{}{}
}

// UnblockPeer 从黑名单移除节点
func (g *Gater) UnblockPeer(peer types.PeerID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.blockedPeers, peer)
}

// BlockAddr 添加地址到黑名单
func (g *Gater) BlockAddr(addr ma.Multiaddr) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.blockedAddrs[addr.String()] = struct{}{}
}

// UnblockAddr 从黑名单移除地址
func (g *Gater) UnblockAddr(addr ma.Multiaddr) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.blockedAddrs, addr.String())
}

// BlockCIDR 阻止网段
func (g *Gater) BlockCIDR(cidr string) error {
	return g.filter.BlockCIDR(cidr)
}

// BlockedPeers 返回黑名单节点
func (g *Gater) BlockedPeers() []types.PeerID {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]types.PeerID, 0, len(g.blockedPeers))
	for p := range g.blockedPeers {
		out = append(out, p)
	}
	return out
}
