// Package addrutil 提供多地址解析工具
//
// 本包处理两类地址：
//
//	完整地址   /dns4/relay.example.com/tcp/443/wss/p2p/<id>
//	中继地址   /ip4/1.2.3.4/tcp/8080/ws/p2p/<relay>/p2p-circuit[/webrtc]/p2p/<id>
package addrutil

import (
	"errors"
	"fmt"
	"strings"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/dep2p/go-webnode/pkg/types"
)

// ============================================================================
//                              错误定义
// ============================================================================

var (
	// ErrMissingPeerID 缺少 /p2p/<id> 组件
	ErrMissingPeerID = errors.New("missing /p2p/<id> component")

	// ErrNotCircuit 不是中继电路地址
	ErrNotCircuit = errors.New("not a p2p-circuit address")

	// ErrEmptyAddress 空地址
	ErrEmptyAddress = errors.New("empty address")
)

const (
	circuitPart = "/p2p-circuit"
	p2pPart     = "/p2p/"
)

// Parse 解析多地址字符串
//
// 解析失败归类为 types.ErrDecode。
func Parse(s string) (ma.Multiaddr, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, types.DecodeError("multiaddr", ErrEmptyAddress)
	}
	addr, err := ma.NewMultiaddr(s)
	if err != nil {
		return nil, types.DecodeError("multiaddr "+s, err)
	}
	return addr, nil
}

// MustParse 解析多地址，失败时 panic（测试与常量用）
func MustParse(s string) ma.Multiaddr {
	addr, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return addr
}

// ============================================================================
//                              PeerID 组件
// ============================================================================

// PeerID 返回地址末尾 /p2p/<id> 组件的节点 ID
//
// 地址不以 /p2p/<id> 结尾时返回 ErrMissingPeerID。
func PeerID(addr ma.Multiaddr) (types.PeerID, error) {
	if addr == nil {
		return types.EmptyPeerID, ErrEmptyAddress
	}
	s := addr.String()
	idx := strings.LastIndex(s, p2pPart)
	if idx < 0 {
		return types.EmptyPeerID, ErrMissingPeerID
	}
	rest := s[idx+len(p2pPart):]
	if strings.Contains(rest, "/") {
		return types.EmptyPeerID, ErrMissingPeerID
	}
	return types.ParsePeerID(rest)
}

// SplitPeer 拆分出传输地址与末尾节点 ID
//
// 地址不含末尾 /p2p/<id> 时返回原地址与空 ID。
func SplitPeer(addr ma.Multiaddr) (ma.Multiaddr, types.PeerID) {
	id, err := PeerID(addr)
	if err != nil {
		return addr, types.EmptyPeerID
	}
	s := addr.String()
	head := s[:strings.LastIndex(s, p2pPart)]
	if head == "" {
		return nil, id
	}
	transport, err := ma.NewMultiaddr(head)
	if err != nil {
		return addr, types.EmptyPeerID
	}
	return transport, id
}

// WithPeer 为地址追加 /p2p/<id>
//
// 已有相同的末尾 ID 时原样返回；已有不同的末尾 ID 时返回错误。
func WithPeer(addr ma.Multiaddr, id types.PeerID) (ma.Multiaddr, error) {
	if addr == nil {
		return nil, ErrEmptyAddress
	}
	if existing, err := PeerID(addr); err == nil {
		if existing != id {
			return nil, fmt.Errorf("address %s already names peer %s", addr, existing.ShortString())
		}
		return addr, nil
	}
	suffix, err := ma.NewMultiaddr(p2pPart + id.String())
	if err != nil {
		return nil, types.DecodeError("peer id component", err)
	}
	return addr.Encapsulate(suffix), nil
}

// ============================================================================
//                              协议判断
// ============================================================================

// HasProtocol 检查地址是否包含指定协议
func HasProtocol(addr ma.Multiaddr, code int) bool {
	if addr == nil {
		return false
	}
	for _, p := range addr.Protocols() {
		if p.Code == code {
			return true
		}
	}
	return false
}

// IsCircuit 检查是否是中继电路地址
func IsCircuit(addr ma.Multiaddr) bool {
	return HasProtocol(addr, ma.P_CIRCUIT)
}

// IsWebRTC 检查是否是经中继信令的 WebRTC 地址（.../p2p-circuit/webrtc/...）
func IsWebRTC(addr ma.Multiaddr) bool {
	return IsCircuit(addr) && HasProtocol(addr, ma.P_WEBRTC)
}

// IsWebSocket 检查是否是 WebSocket 地址（ws 或 wss）
func IsWebSocket(addr ma.Multiaddr) bool {
	return HasProtocol(addr, ma.P_WS) || HasProtocol(addr, ma.P_WSS)
}
