package peerstore

import (
	"strconv"
	"testing"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-webnode/pkg/types"
)

func TestPeerstore_Protocols(t *testing.T) {
	ps := New(0)
	p := types.PeerID("peer-a")

	assert.False(t, ps.SupportsProtocol(p, "/a/1.0.0"))
	assert.Nil(t, ps.Protocols(p))

	ps.SetProtocols(p, "/b/1.0.0", "/a/1.0.0", "/b/1.0.0")
	assert.Equal(t, []types.ProtocolID{"/a/1.0.0", "/b/1.0.0"}, ps.Protocols(p))
	assert.True(t, ps.SupportsProtocol(p, "/a/1.0.0"))
	assert.False(t, ps.SupportsProtocol(p, "/c/1.0.0"))

	// 替换而非合并
	ps.SetProtocols(p, "/c/1.0.0")
	assert.False(t, ps.SupportsProtocol(p, "/a/1.0.0"))
	assert.True(t, ps.SupportsProtocol(p, "/c/1.0.0"))
}

func TestPeerstore_Addrs(t *testing.T) {
	ps := New(0)
	p := types.PeerID("peer-a")
	a1 := ma.StringCast("/ip4/127.0.0.1/tcp/1/ws")
	a2 := ma.StringCast("/ip4/127.0.0.1/tcp/2/ws")

	ps.AddAddrs(p, a1, a2, a1)
	ps.AddAddrs(p, a2)
	require.Len(t, ps.Addrs(p), 2)
	assert.True(t, ps.Addrs(p)[0].Equal(a1))

	// 返回副本
	got := ps.Addrs(p)
	got[0] = a2
	assert.True(t, ps.Addrs(p)[0].Equal(a1))

	ps.SetAgentVersion(p, "test/1.0")
	info, ok := ps.PeerInfo(p)
	require.True(t, ok)
	assert.Equal(t, "test/1.0", info.AgentVersion)
	assert.Len(t, info.Addrs, 2)

	ps.RemovePeer(p)
	assert.Nil(t, ps.Addrs(p))
	assert.Equal(t, 0, ps.Len())
}

func TestPeerstore_AddrLimit(t *testing.T) {
	ps := New(0)
	p := types.PeerID("peer-a")
	for i := range MaxAddrsPerPeer + 5 {
		ps.AddAddrs(p, ma.StringCast("/ip4/127.0.0.1/tcp/"+strconv.Itoa(i+1)+"/ws"))
	}
	assert.Len(t, ps.Addrs(p), MaxAddrsPerPeer)
}

func TestPeerstore_Capacity(t *testing.T) {
	ps := New(2)
	ps.SetProtocols("a", "/x")
	ps.SetProtocols("b", "/x")
	ps.SetProtocols("c", "/x")
	assert.Equal(t, 2, ps.Len())
	assert.False(t, ps.SupportsProtocol("a", "/x"))
	assert.ElementsMatch(t, []types.PeerID{"b", "c"}, ps.Peers())
}
