package host

import (
	"context"
	"io"
	"testing"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-webnode/internal/core/eventbus"
	"github.com/dep2p/go-webnode/internal/core/identity"
	"github.com/dep2p/go-webnode/internal/core/metrics"
	"github.com/dep2p/go-webnode/internal/core/muxer"
	"github.com/dep2p/go-webnode/internal/core/security/noise"
	"github.com/dep2p/go-webnode/internal/core/swarm"
	"github.com/dep2p/go-webnode/internal/core/transport/websocket"
	"github.com/dep2p/go-webnode/internal/core/upgrader"
	"github.com/dep2p/go-webnode/internal/util/addrutil"
	pkgif "github.com/dep2p/go-webnode/pkg/interfaces"
	"github.com/dep2p/go-webnode/pkg/types"
)

const echoID types.ProtocolID = "/echo/1.0.0"

func newTestHost(t *testing.T, opts ...Option) *Host {
	t.Helper()
	id, err := identity.Generate()
	require.NoError(t, err)
	sec, err := noise.New(id)
	require.NoError(t, err)
	up, err := upgrader.New(upgrader.Config{
		Security: []pkgif.SecureTransport{sec},
		Muxers:   muxer.Default(),
	})
	require.NoError(t, err)

	bus := eventbus.NewBus()
	s, err := swarm.New(id.PeerID(), up,
		swarm.WithEventBus(bus),
		swarm.WithTransports(websocket.New()),
	)
	require.NoError(t, err)

	h, err := New(s, bus, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })
	return h
}

// openStreams 读取 webnode_host_streams 指定协议的值
func openStreams(t *testing.T, m *metrics.Metrics, proto types.ProtocolID) float64 {
	t.Helper()
	families, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, f := range families {
		if f.GetName() != "webnode_host_streams" {
			continue
		}
		for _, metric := range f.GetMetric() {
			for _, l := range metric.GetLabel() {
				if l.GetName() == "protocol" && l.GetValue() == string(proto) {
					return metric.GetGauge().GetValue()
				}
			}
		}
	}
	return 0
}

func listenAddr(t *testing.T, h *Host) ma.Multiaddr {
	t.Helper()
	require.NoError(t, h.Listen(addrutil.MustParse("/ip4/127.0.0.1/tcp/0/ws")))
	addrs := h.Addrs()
	require.Len(t, addrs, 1)
	full, err := addrutil.WithPeer(addrs[0], h.ID())
	require.NoError(t, err)
	return full
}

func connect(t *testing.T, a, b *Host) pkgif.Conn {
	t.Helper()
	c, err := a.Connect(context.Background(), listenAddr(t, b))
	require.NoError(t, err)
	return c
}

func TestHost_EchoStream(t *testing.T) {
	a := newTestHost(t)
	b := newTestHost(t)

	got := make(chan pkgif.Stream, 1)
	b.SetStreamHandler(echoID, func(s pkgif.Stream) {
		got <- s
		defer s.Close()
		_, _ = io.Copy(s, s)
	})
	connect(t, a, b)

	s, err := a.NewStream(context.Background(), b.ID(), echoID)
	require.NoError(t, err)
	assert.Equal(t, echoID, s.Protocol())
	assert.Equal(t, types.StreamOpen, s.State())
	assert.Equal(t, b.ID(), s.Conn().RemotePeer())

	_, err = s.Write([]byte("ping\n"))
	require.NoError(t, err)
	require.NoError(t, s.CloseWrite())
	assert.Equal(t, types.StreamHalfClosedLocal, s.State())

	data, err := io.ReadAll(s)
	require.NoError(t, err)
	assert.Equal(t, "ping\n", string(data))
	assert.Equal(t, types.StreamClosed, s.State())

	remote := <-got
	assert.Equal(t, echoID, remote.Protocol())
	assert.Equal(t, a.ID(), remote.Conn().RemotePeer())
}

func TestHost_ProtocolFallback(t *testing.T) {
	a := newTestHost(t)
	b := newTestHost(t)
	b.SetStreamHandler("/echo/0.9.0", func(s pkgif.Stream) { s.Close() })
	c := connect(t, a, b)

	s, err := a.NewStreamOnConn(context.Background(), c, echoID, "/echo/0.9.0")
	require.NoError(t, err)
	assert.Equal(t, types.ProtocolID("/echo/0.9.0"), s.Protocol())
	s.Close()
}

func TestHost_UnknownProtocol(t *testing.T) {
	a := newTestHost(t)
	b := newTestHost(t)
	c := connect(t, a, b)

	_, err := a.NewStreamOnConn(context.Background(), c, "/nope/1.0.0")
	assert.ErrorIs(t, err, types.ErrProtocolNotSupported)

	_, err = a.NewStreamOnConn(context.Background(), c)
	assert.ErrorIs(t, err, types.ErrEmptyProtocolID)

	// 连接本身不受影响
	assert.False(t, c.IsClosed())
}

func TestHost_RemoveStreamHandler(t *testing.T) {
	a := newTestHost(t)
	b := newTestHost(t)
	b.SetStreamHandler(echoID, func(s pkgif.Stream) { s.Close() })
	b.SetStreamHandler("/other/1.0.0", func(s pkgif.Stream) { s.Close() })
	assert.Equal(t, []types.ProtocolID{echoID, "/other/1.0.0"}, b.Protocols())

	b.RemoveStreamHandler(echoID)
	assert.Equal(t, []types.ProtocolID{"/other/1.0.0"}, b.Protocols())

	c := connect(t, a, b)
	_, err := a.NewStreamOnConn(context.Background(), c, echoID)
	assert.ErrorIs(t, err, types.ErrProtocolNotSupported)
}

func TestHost_StreamReset(t *testing.T) {
	a := newTestHost(t)
	b := newTestHost(t)
	b.SetStreamHandler(echoID, func(s pkgif.Stream) {
		_, _ = s.Read(make([]byte, 1))
		s.Reset()
	})
	c := connect(t, a, b)

	s, err := a.NewStreamOnConn(context.Background(), c, echoID)
	require.NoError(t, err)
	_, err = s.Write([]byte("x"))
	require.NoError(t, err)
	_, err = s.Read(make([]byte, 1))
	assert.ErrorIs(t, err, types.ErrStreamReset)
	assert.Equal(t, types.StreamReset, s.State())
}

func TestHost_ConnCloseResetsStreams(t *testing.T) {
	m := metrics.New()
	a := newTestHost(t, WithMetrics(m))
	b := newTestHost(t)

	remote := make(chan pkgif.Stream, 1)
	release := make(chan struct{})
	b.SetStreamHandler(echoID, func(s pkgif.Stream) {
		remote <- s
		<-release
	})
	t.Cleanup(func() { close(release) })
	c := connect(t, a, b)

	s, err := a.NewStreamOnConn(context.Background(), c, echoID)
	require.NoError(t, err)
	_, err = s.Write([]byte("x"))
	require.NoError(t, err)
	rs := <-remote
	assert.Equal(t, 1.0, openStreams(t, m, echoID))

	require.NoError(t, c.Close())
	assert.True(t, s.State().IsTerminal(), "state after conn close: %s", s.State())
	assert.Equal(t, 0.0, openStreams(t, m, echoID))

	_, err = s.Write([]byte("y"))
	assert.Error(t, err)
	require.Eventually(t, func() bool {
		return rs.State().IsTerminal()
	}, 5*time.Second, 20*time.Millisecond)

	// 关闭后的显式 Close 不再改变指标
	_ = s.Close()
	assert.Equal(t, 0.0, openStreams(t, m, echoID))
}

func TestHost_NewStreamWithoutConnection(t *testing.T) {
	a := newTestHost(t)
	b := newTestHost(t)

	_, err := a.NewStream(context.Background(), b.ID(), echoID)
	assert.ErrorIs(t, err, types.ErrDialFailed)
}

func TestHost_AddrsTrackRelayReservations(t *testing.T) {
	h := newTestHost(t)
	sub, err := h.EventBus().Subscribe(new(pkgif.EvtLocalAddrsUpdated))
	require.NoError(t, err)
	defer sub.Close()

	em, err := h.EventBus().Emitter(new(pkgif.EvtRelayReserved))
	require.NoError(t, err)
	defer em.Close()

	relay := types.PeerID("12D3KooWDpJ7As7BWAwRMfu1VU2WCqNjvq387JEYKDBj4kx6nXTN")
	circuit := addrutil.MustParse("/ip4/1.2.3.4/tcp/80/ws/p2p/" + relay.String() + "/p2p-circuit")
	require.NoError(t, em.Emit(pkgif.EvtRelayReserved{Relay: relay, Addrs: []ma.Multiaddr{circuit}}))

	select {
	case ev := <-sub.Out():
		addrs := ev.(pkgif.EvtLocalAddrsUpdated).Current
		require.Len(t, addrs, 1)
		assert.True(t, addrs[0].Equal(circuit))
	case <-time.After(5 * time.Second):
		t.Fatal("no address update")
	}

	require.NoError(t, em.Emit(pkgif.EvtRelayReserved{Relay: relay}))
	assert.Eventually(t, func() bool { return len(h.Addrs()) == 0 }, 5*time.Second, 10*time.Millisecond)
}
