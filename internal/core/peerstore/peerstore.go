// Package peerstore 记录对端经 identify 交换得到的协议与地址
//
// 条目数有上限，超出时淘汰最久未更新的节点。
package peerstore

import (
	"slices"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/dep2p/go-webnode/pkg/types"
)

const (
	// DefaultCapacity 默认最多记录的节点数
	DefaultCapacity = 1024

	// MaxAddrsPerPeer 每个节点保留的地址上限
	MaxAddrsPerPeer = 32
)

// PeerInfo 节点记录快照
type PeerInfo struct {
	ID           types.PeerID
	Addrs        []ma.Multiaddr
	Protocols    []types.ProtocolID
	AgentVersion string
}

// Peerstore 节点信息簿，并发安全
type Peerstore struct {
	// mu 串行化读改写，cache 中的值视为不可变
	mu    sync.Mutex
	cache *lru.Cache[types.PeerID, *PeerInfo]
}

// New 创建节点信息簿，capacity <= 0 时使用 DefaultCapacity
func New(capacity int) *Peerstore {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	cache, _ := lru.New[types.PeerID, *PeerInfo](capacity)
	return &Peerstore{cache: cache}
}

// update 在副本上修改并写回
func (ps *Peerstore) update(p types.PeerID, fn func(*PeerInfo)) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	next := &PeerInfo{ID: p}
	if cur, ok := ps.cache.Peek(p); ok {
		*next = *cur
		next.Addrs = slices.Clone(cur.Addrs)
		next.Protocols = slices.Clone(cur.Protocols)
	}
	fn(next)
	ps.cache.Add(p, next)
}

// AddAddrs 追加地址，已知地址被忽略
func (ps *Peerstore) AddAddrs(p types.PeerID, addrs ...ma.Multiaddr) {
	ps.update(p, func(info *PeerInfo) {
		for _, a := range addrs {
			if len(info.Addrs) >= MaxAddrsPerPeer {
				return
			}
			if !slices.ContainsFunc(info.Addrs, a.Equal) {
				info.Addrs = append(info.Addrs, a)
			}
		}
	})
}

// SetProtocols 替换节点支持的协议
func (ps *Peerstore) SetProtocols(p types.PeerID, protos ...types.ProtocolID) {
	sorted := slices.Clone(protos)
	slices.Sort(sorted)
	sorted = slices.Compact(sorted)
	ps.update(p, func(info *PeerInfo) { info.Protocols = sorted })
}

// SetAgentVersion 记录节点的代理版本
func (ps *Peerstore) SetAgentVersion(p types.PeerID, agent string) {
	ps.update(p, func(info *PeerInfo) { info.AgentVersion = agent })
}

// Addrs 返回节点的已知地址
func (ps *Peerstore) Addrs(p types.PeerID) []ma.Multiaddr {
	info, ok := ps.cache.Get(p)
	if !ok {
		return nil
	}
	return slices.Clone(info.Addrs)
}

// Protocols 返回节点支持的协议（已排序）
func (ps *Peerstore) Protocols(p types.PeerID) []types.ProtocolID {
	info, ok := ps.cache.Get(p)
	if !ok {
		return nil
	}
	return slices.Clone(info.Protocols)
}

// SupportsProtocol 检查节点是否声明支持 proto
func (ps *Peerstore) SupportsProtocol(p types.PeerID, proto types.ProtocolID) bool {
	info, ok := ps.cache.Get(p)
	if !ok {
		return false
	}
	_, found := slices.BinarySearch(info.Protocols, proto)
	return found
}

// PeerInfo 返回节点记录的副本
func (ps *Peerstore) PeerInfo(p types.PeerID) (PeerInfo, bool) {
	info, ok := ps.cache.Get(p)
	if !ok {
		return PeerInfo{}, false
	}
	out := *info
	out.Addrs = slices.Clone(info.Addrs)
	out.Protocols = slices.Clone(info.Protocols)
	return out, true
}

// Peers 返回已记录的节点
func (ps *Peerstore) Peers() []types.PeerID {
	return ps.cache.Keys()
}

// RemovePeer 删除节点记录
func (ps *Peerstore) RemovePeer(p types.PeerID) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.cache.Remove(p)
}

// Len 返回已记录的节点数
func (ps *Peerstore) Len() int {
	return ps.cache.Len()
}
