package identify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-webnode/internal/core/host"
	"github.com/dep2p/go-webnode/internal/core/host/hosttest"
	"github.com/dep2p/go-webnode/internal/core/peerstore"
	pkgif "github.com/dep2p/go-webnode/pkg/interfaces"
	"github.com/dep2p/go-webnode/pkg/types"
)

const greetID types.ProtocolID = "/test/greet/1.0.0"

func newService(t *testing.T, h *host.Host, opts ...Option) (*Service, *peerstore.Peerstore) {
	t.Helper()
	ps := peerstore.New(0)
	svc, err := New(h, ps, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { svc.Close() })
	return svc, ps
}

func TestIdentify_OnConnect(t *testing.T) {
	a, b := hosttest.New(t), hosttest.New(t)
	b.SetStreamHandler(greetID, func(s pkgif.Stream) { s.Close() })
	hosttest.Listen(t, b)

	_, psA := newService(t, a, WithAddrBook(a.Network()))
	_, psB := newService(t, b)

	sub, err := a.EventBus().Subscribe(new(pkgif.EvtPeerIdentified))
	require.NoError(t, err)
	defer sub.Close()

	hosttest.Connect(t, a, b)

	select {
	case ev := <-sub.Out():
		e := ev.(pkgif.EvtPeerIdentified)
		assert.Equal(t, b.ID(), e.Peer)
		assert.Contains(t, e.Protocols, greetID)
		assert.Contains(t, e.Protocols, ProtocolID)
		assert.NotEmpty(t, e.ListenAddrs)
	case <-time.After(5 * time.Second):
		t.Fatal("no identify event")
	}

	assert.True(t, psA.SupportsProtocol(b.ID(), greetID))
	assert.NotEmpty(t, psA.Addrs(b.ID()))
	assert.NotEmpty(t, a.Network().PeerAddrs(b.ID()))
	info, ok := psA.PeerInfo(b.ID())
	require.True(t, ok)
	assert.Equal(t, AgentVersion, info.AgentVersion)

	// 被连接的一方同样识别发起方
	require.Eventually(t, func() bool {
		return psB.SupportsProtocol(a.ID(), ProtocolID)
	}, 5*time.Second, 10*time.Millisecond)
	assert.False(t, psB.SupportsProtocol(a.ID(), greetID))
}

func TestIdentifyConn_ObservedAddr(t *testing.T) {
	a, b := hosttest.New(t), hosttest.New(t)
	conn := hosttest.Connect(t, a, b)
	svc, _ := newService(t, a)
	newService(t, b)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	info, err := svc.IdentifyConn(ctx, conn)
	require.NoError(t, err)
	assert.NotEmpty(t, info.ObservedAddr)
	assert.Contains(t, info.Protocols, string(ProtocolID))
}

func TestIdentifyConn_NotSupported(t *testing.T) {
	a, b := hosttest.New(t), hosttest.New(t)
	conn := hosttest.Connect(t, a, b)
	svc, ps := newService(t, a)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := svc.IdentifyConn(ctx, conn)
	assert.ErrorIs(t, err, types.ErrProtocolNotSupported)
	assert.Nil(t, ps.Protocols(b.ID()))
}

func TestIdentifyConn_Malformed(t *testing.T) {
	a, b := hosttest.New(t), hosttest.New(t)
	b.SetStreamHandler(ProtocolID, func(s pkgif.Stream) {
		defer s.Close()
		_, _ = s.Write([]byte("{not json"))
	})
	conn := hosttest.Connect(t, a, b)
	svc, _ := newService(t, a)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := svc.IdentifyConn(ctx, conn)
	assert.ErrorIs(t, err, types.ErrDecode)
}

func TestIdentify_InvalidAddrsIgnored(t *testing.T) {
	a, b := hosttest.New(t), hosttest.New(t)
	b.SetStreamHandler(ProtocolID, func(s pkgif.Stream) {
		defer s.Close()
		_ = json.NewEncoder(s).Encode(Info{
			ListenAddrs: []string{"garbage", "/ip4/10.0.0.1/tcp/4002/ws"},
			Protocols:   []string{"/x/1.0.0"},
		})
	})
	conn := hosttest.Connect(t, a, b)
	svc, ps := newService(t, a)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := svc.IdentifyConn(ctx, conn)
	require.NoError(t, err)
	addrs := ps.Addrs(b.ID())
	require.Len(t, addrs, 1)
	assert.Equal(t, "/ip4/10.0.0.1/tcp/4002/ws", addrs[0].String())
	assert.True(t, ps.SupportsProtocol(b.ID(), "/x/1.0.0"))
}

func TestService_Close(t *testing.T) {
	h := hosttest.New(t)
	svc, err := New(h, peerstore.New(0))
	require.NoError(t, err)
	assert.Contains(t, h.Protocols(), ProtocolID)
	require.NoError(t, svc.Close())
	require.NoError(t, svc.Close())
	assert.NotContains(t, h.Protocols(), ProtocolID)
}
