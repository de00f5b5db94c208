package addrutil

import (
	"strings"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/dep2p/go-webnode/pkg/types"
)

// Circuit 中继电路地址的组成部分
type Circuit struct {
	// Relay 中继节点地址（含 /p2p/<relay>）
	Relay ma.Multiaddr

	// RelayPeer 中继节点 ID
	RelayPeer types.PeerID

	// Target 目标节点 ID，可以为空（监听地址 /p2p-circuit）
	Target types.PeerID

	// WebRTC 是否是 /p2p-circuit/webrtc 形式
	WebRTC bool
}

// SplitCircuit 拆分中继电路地址
//
//	/ip4/1.2.3.4/tcp/8080/ws/p2p/R/p2p-circuit/webrtc/p2p/T
//	→ Relay=/ip4/1.2.3.4/tcp/8080/ws/p2p/R, Target=T, WebRTC=true
func SplitCircuit(addr ma.Multiaddr) (Circuit, error) {
	var c Circuit
	if !IsCircuit(addr) {
		return c, ErrNotCircuit
	}

	s := addr.String()
	idx := strings.Index(s, circuitPart)
	relayPart, rest := s[:idx], s[idx+len(circuitPart):]
	if relayPart == "" {
		return c, types.DecodeError("circuit address without relay", nil)
	}

	relay, err := ma.NewMultiaddr(relayPart)
	if err != nil {
		return c, types.DecodeError("relay address", err)
	}
	relayPeer, err := PeerID(relay)
	if err != nil {
		return c, types.DecodeError("relay address", err)
	}
	c.Relay, c.RelayPeer = relay, relayPeer

	if strings.HasPrefix(rest, "/webrtc") {
		c.WebRTC = true
		rest = strings.TrimPrefix(rest, "/webrtc")
	}
	switch {
	case rest == "":
	case strings.HasPrefix(rest, p2pPart) && !strings.Contains(rest[len(p2pPart):], "/"):
		target, err := types.ParsePeerID(rest[len(p2pPart):])
		if err != nil {
			return c, err
		}
		c.Target = target
	default:
		return c, types.DecodeError("unexpected circuit suffix "+rest, nil)
	}
	return c, nil
}

// CircuitAddr 构建中继电路地址 <relay>/p2p-circuit/p2p/<target>
func CircuitAddr(relay ma.Multiaddr, target types.PeerID) (ma.Multiaddr, error) {
	return joinCircuit(relay, "", target)
}

// WebRTCAddr 构建经中继信令的 WebRTC 地址 <relay>/p2p-circuit/webrtc/p2p/<target>
func WebRTCAddr(relay ma.Multiaddr, target types.PeerID) (ma.Multiaddr, error) {
	return joinCircuit(relay, "/webrtc", target)
}

func joinCircuit(relay ma.Multiaddr, mid string, target types.PeerID) (ma.Multiaddr, error) {
	if relay == nil {
		return nil, ErrEmptyAddress
	}
	if _, err := PeerID(relay); err != nil {
		return nil, err
	}
	s := relay.String() + circuitPart + mid
	if !target.IsEmpty() {
		s += p2pPart + target.String()
	}
	return Parse(s)
}
