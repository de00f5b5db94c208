package webnode

import (
	"bytes"
	"context"
	"crypto/rand"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/fx"

	"github.com/dep2p/go-webnode/internal/core/blockexchange"
	"github.com/dep2p/go-webnode/internal/core/host"
	"github.com/dep2p/go-webnode/internal/core/host/hosttest"
	"github.com/dep2p/go-webnode/internal/protocol/echo"
	"github.com/dep2p/go-webnode/internal/util/addrutil"
	pkgif "github.com/dep2p/go-webnode/pkg/interfaces"
	"github.com/dep2p/go-webnode/pkg/types"
)

// newTestNode 创建在本地 websocket 上监听的节点，测试结束时关闭
func newTestNode(t *testing.T, opts ...Option) *Node {
	t.Helper()
	base := []Option{
		WithListenAddrs(hosttest.LoopbackWS),
		WithWebRTC(false),
		WithDiscoverRelays(0),
		WithDialTimeout(10 * time.Second),
	}
	n, err := New(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	require.NoError(t, n.Start(context.Background()))
	return n
}

func wsAddr(t *testing.T, n *Node) string {
	t.Helper()
	for _, a := range n.Multiaddrs() {
		if addrutil.IsWebSocket(a) && !addrutil.IsCircuit(a) {
			return a.String()
		}
	}
	t.Fatal("no websocket address")
	return ""
}

func dial(t *testing.T, from, to *Node) pkgif.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	conn, err := from.Dial(ctx, wsAddr(t, to))
	require.NoError(t, err)
	return conn
}

func waitEvent(t *testing.T, sub *Subscription, typ EventType) Event {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Out():
			require.True(t, ok, "subscription closed")
			if ev.Type == typ {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s", typ)
		}
	}
}

// ============================================================================
//                              生命周期
// ============================================================================

func TestNode_Lifecycle(t *testing.T) {
	n, err := New(WithListenAddrs(hosttest.LoopbackWS), WithWebRTC(false), WithDiscoverRelays(0))
	require.NoError(t, err)
	assert.False(t, n.ID().IsEmpty())

	_, err = n.Dial(context.Background(), "/ip4/127.0.0.1/tcp/1/ws")
	assert.ErrorIs(t, err, ErrNotStarted)

	require.NoError(t, n.Start(context.Background()))
	assert.ErrorIs(t, n.Start(context.Background()), ErrAlreadyStarted)
	assert.NotEmpty(t, n.Multiaddrs())

	require.NoError(t, n.Close())
	require.NoError(t, n.Close())
	assert.ErrorIs(t, n.Start(context.Background()), ErrNodeClosed)
	_, err = n.Echo(context.Background(), nil, nil)
	assert.ErrorIs(t, err, ErrNodeClosed)
}

func TestNode_OperationsAfterClose(t *testing.T) {
	n, err := New(WithListenAddrs(hosttest.LoopbackWS), WithWebRTC(false), WithDiscoverRelays(0))
	require.NoError(t, err)

	// 未启动时本地内容操作可用
	root, err := n.AddBytes(context.Background(), []byte("before close"))
	require.NoError(t, err)
	require.NoError(t, n.Close())

	ctx := context.Background()
	_, err = n.AddBytes(ctx, []byte("x"))
	assert.ErrorIs(t, err, ErrNodeClosed)
	_, err = n.AddReader(ctx, bytes.NewReader([]byte("x")))
	assert.ErrorIs(t, err, ErrNodeClosed)
	_, err = n.Retrieve(ctx, root)
	assert.ErrorIs(t, err, ErrNodeClosed)
	_, err = n.Stat(ctx, root)
	assert.ErrorIs(t, err, ErrNodeClosed)

	tr := n.Cat(ctx, root)
	assert.False(t, tr.Next())
	assert.ErrorIs(t, tr.Err(), ErrNodeClosed)
	assert.NoError(t, tr.Close())

	assert.ErrorIs(t, n.Handle("/test/x/1.0.0", func(pkgif.Stream) {}), ErrNodeClosed)
	assert.ErrorIs(t, n.Unhandle("/test/x/1.0.0"), ErrNodeClosed)
	_, err = n.Subscribe()
	assert.ErrorIs(t, err, ErrNodeClosed)
}

func TestNode_CloseWithoutStart(t *testing.T) {
	n, err := New(WithListenAddrs(hosttest.LoopbackWS), WithWebRTC(false))
	require.NoError(t, err)
	require.NoError(t, n.Close())
	assert.ErrorIs(t, n.Start(context.Background()), ErrNodeClosed)
}

func TestNode_InvalidOptions(t *testing.T) {
	_, err := New(WithChunkSize(-1))
	assert.Error(t, err)

	_, err = New(WithHash("md5"))
	assert.Error(t, err)

	_, err = New(WithListenAddrs("not-a-multiaddr"))
	assert.ErrorIs(t, err, types.ErrDecode)

	_, err = New(WithDialTimeout(0))
	assert.Error(t, err)

	_, err = New(WithConfig(nil))
	assert.Error(t, err)
}

func TestNode_ListenAddrs(t *testing.T) {
	n := newTestNode(t)

	addrs := n.Multiaddrs()
	require.NotEmpty(t, addrs)
	for _, a := range addrs {
		id, err := addrutil.PeerID(a)
		require.NoError(t, err)
		assert.Equal(t, n.ID(), id)
	}

	// /p2p-circuit 监听地址本身不对外公布
	for _, a := range addrs {
		assert.False(t, addrutil.IsCircuit(a), a.String())
	}
}

func TestNode_FxOptions(t *testing.T) {
	var h *host.Host
	n := newTestNode(t, WithFxOptions(fx.Populate(&h)))
	require.NotNil(t, h)
	assert.Equal(t, n.ID(), h.ID())
}

// ============================================================================
//                              连接与 Echo
// ============================================================================

func TestNode_EchoPing(t *testing.T) {
	a, b := newTestNode(t), newTestNode(t)
	conn := dial(t, a, b)
	assert.Equal(t, b.ID(), conn.RemotePeer())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	reply, err := a.Echo(ctx, conn, []byte("ping\n"))
	require.NoError(t, err)
	assert.Equal(t, "ping\n", string(reply))

	assert.Contains(t, b.Protocols(), echo.ProtocolID)
	assert.Contains(t, b.Protocols(), blockexchange.ProtocolID)
}

func TestNode_EchoSession(t *testing.T) {
	a, b := newTestNode(t), newTestNode(t)
	conn := dial(t, a, b)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sess, err := a.OpenEcho(ctx, conn, 8)
	require.NoError(t, err)
	defer sess.Close()

	var got []byte
	for _, msg := range []string{"hello ", "world\n"} {
		require.NoError(t, sess.Send([]byte(msg)))
	}
	for len(got) < len("hello world\n") {
		select {
		case r := <-sess.Replies():
			got = append(got, r...)
		case <-ctx.Done():
			t.Fatal("timed out waiting for replies")
		}
	}
	assert.Equal(t, "hello world\n", string(got))
}

func TestNode_CustomHandler(t *testing.T) {
	const proto types.ProtocolID = "/test/greet/1.0.0"
	a, b := newTestNode(t), newTestNode(t)
	require.NoError(t, b.Handle(proto, func(s pkgif.Stream) {
		defer s.Close()
		_, _ = s.Write([]byte("hi " + s.Conn().RemotePeer().ShortString()))
	}))
	conn := dial(t, a, b)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	st, err := a.NewStreamOnConn(ctx, conn, proto)
	require.NoError(t, err)
	var buf bytes.Buffer
	_, err = buf.ReadFrom(st)
	require.NoError(t, err)
	assert.Equal(t, "hi "+a.ID().ShortString(), buf.String())

	require.NoError(t, b.Unhandle(proto))
	_, err = a.NewStreamOnConn(ctx, conn, proto)
	assert.ErrorIs(t, err, types.ErrProtocolNotSupported)
}

func TestNode_IdentifyRecordsProtocols(t *testing.T) {
	a, b := newTestNode(t), newTestNode(t)
	dial(t, a, b)

	require.Eventually(t, func() bool {
		return a.Peerstore().SupportsProtocol(b.ID(), echo.ProtocolID)
	}, 5*time.Second, 10*time.Millisecond)
	assert.True(t, a.Peerstore().SupportsProtocol(b.ID(), blockexchange.ProtocolID))
	assert.NotEmpty(t, a.Peerstore().Addrs(b.ID()))
	assert.NotEmpty(t, a.Host().Network().PeerAddrs(b.ID()))
}

func TestNode_GatedDial(t *testing.T) {
	a := newTestNode(t, WithDenyCIDRs("127.0.0.0/8"))
	b := newTestNode(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := a.Dial(ctx, wsAddr(t, b))
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrDialFailed)
	assert.ErrorIs(t, err, types.ErrGated)
	assert.Empty(t, a.Connections())
	assert.Empty(t, b.Connections())
}

func TestNode_GatedPeerAtRuntime(t *testing.T) {
	a, b := newTestNode(t), newTestNode(t)
	a.Gater().BlockPeer(b.ID())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := a.Dial(ctx, wsAddr(t, b))
	assert.ErrorIs(t, err, types.ErrDialFailed)
	assert.Empty(t, a.Connections())
}

func TestNode_DialInvalidAddr(t *testing.T) {
	n := newTestNode(t)
	_, err := n.Dial(context.Background(), "/ip4/999.0.0.1/tcp/1/ws")
	assert.ErrorIs(t, err, types.ErrDecode)
}

func TestNode_ReserveWithoutRelayClient(t *testing.T) {
	n := newTestNode(t, WithRelayClient(false))
	_, err := n.Reserve(context.Background(), "/ip4/127.0.0.1/tcp/1/ws")
	assert.ErrorIs(t, err, ErrRelayClientDisabled)
	assert.Nil(t, n.Reservations())
}

// ============================================================================
//                              事件
// ============================================================================

func TestNode_Events(t *testing.T) {
	a, b := newTestNode(t), newTestNode(t)
	sub, err := a.Subscribe()
	require.NoError(t, err)
	defer sub.Close()

	// 地址在启动时已发布，订阅即可收到
	ev := waitEvent(t, sub, EventSelfPeerUpdate)
	assert.NotEmpty(t, ev.Multiaddrs)

	conn := dial(t, a, b)
	ev = waitEvent(t, sub, EventConnectionOpen)
	assert.Equal(t, b.ID(), ev.Conn.RemotePeer())

	require.NoError(t, conn.Close())
	ev = waitEvent(t, sub, EventConnectionClose)
	assert.Equal(t, conn.ID(), ev.Conn.ID())

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	_, ok := <-sub.Out()
	assert.False(t, ok)
}

func TestNode_RelayReservationUpdatesAddrs(t *testing.T) {
	r := newTestNode(t, WithRelayServer(true), WithRelayClient(false))
	b := newTestNode(t)

	sub, err := b.Subscribe()
	require.NoError(t, err)
	defer sub.Close()
	waitEvent(t, sub, EventSelfPeerUpdate)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	res, err := b.Reserve(ctx, wsAddr(t, r))
	require.NoError(t, err)
	assert.Equal(t, r.ID(), res.Relay)
	require.Len(t, b.Reservations(), 1)

	for {
		ev := waitEvent(t, sub, EventSelfPeerUpdate)
		if hasCircuit(ev) {
			break
		}
	}

	// 经中继拨号 B
	a := newTestNode(t)
	var circuit string
	for _, m := range b.Multiaddrs() {
		if addrutil.IsCircuit(m) && !addrutil.IsWebRTC(m) {
			circuit = m.String()
		}
	}
	require.NotEmpty(t, circuit)
	conn, err := a.Dial(ctx, circuit)
	require.NoError(t, err)
	assert.Equal(t, b.ID(), conn.RemotePeer())
	reply, err := a.Echo(ctx, conn, []byte("ping\n"))
	require.NoError(t, err)
	assert.Equal(t, "ping\n", string(reply))
}

func hasCircuit(ev Event) bool {
	for _, m := range ev.Multiaddrs {
		if addrutil.IsCircuit(m) {
			return true
		}
	}
	return false
}

// ============================================================================
//                              内容
// ============================================================================

func TestNode_AddBytesCatAcrossPeers(t *testing.T) {
	a := newTestNode(t, WithChunkSize(16<<10))
	b := newTestNode(t, WithChunkSize(16<<10))

	data := make([]byte, 200<<10+123)
	_, err := rand.Read(data)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	root, err := a.AddBytes(ctx, data)
	require.NoError(t, err)

	// 未连接时 B 找不到
	_, err = b.Retrieve(ctx, root)
	assert.ErrorIs(t, err, types.ErrNotFound)

	dial(t, b, a)
	got, err := b.Retrieve(ctx, root)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, got))

	// 获取到的块已缓存在 B 本地
	assert.Equal(t, a.Blockstore().Len(), b.Blockstore().Len())
	has, err := b.Blockstore().Has(ctx, root)
	require.NoError(t, err)
	assert.True(t, has)

	stat, err := b.Stat(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, uint64(len(data)), stat.Size)
}

func TestNode_AddBytesDeterministic(t *testing.T) {
	a, b := newTestNode(t), newTestNode(t)
	ctx := context.Background()
	data := bytes.Repeat([]byte("webnode "), 100_000)

	c1, err := a.AddBytes(ctx, data)
	require.NoError(t, err)
	c2, err := b.AddReader(ctx, bytes.NewReader(data))
	require.NoError(t, err)
	assert.Equal(t, c1, c2)
	assert.Equal(t, uint64(1), c1.Version())

	empty, err := a.AddBytes(ctx, nil)
	require.NoError(t, err)
	got, err := a.Retrieve(ctx, empty)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestNode_CatChunks(t *testing.T) {
	n := newTestNode(t, WithChunkSize(1024))
	ctx := context.Background()
	data := bytes.Repeat([]byte{7}, 5000)
	root, err := n.AddBytes(ctx, data)
	require.NoError(t, err)

	var sizes []int
	for chunk, err := range n.Cat(ctx, root).All() {
		require.NoError(t, err)
		sizes = append(sizes, len(chunk))
	}
	assert.Equal(t, []int{1024, 1024, 1024, 1024, 904}, sizes)
}

func TestNode_Metrics(t *testing.T) {
	a, b := newTestNode(t), newTestNode(t)
	dial(t, a, b)

	_, err := a.AddBytes(context.Background(), []byte("metrics"))
	require.NoError(t, err)

	assert.Equal(t, 1.0, counterValue(t, a, "webnode_blockstore_puts_total"))
	assert.Equal(t, 1.0, gaugeValue(t, a, "webnode_swarm_connections"))
}

func counterValue(t *testing.T, n *Node, name string) float64 {
	t.Helper()
	return findMetric(t, n, name).GetCounter().GetValue()
}

func gaugeValue(t *testing.T, n *Node, name string) float64 {
	t.Helper()
	return findMetric(t, n, name).GetGauge().GetValue()
}

func findMetric(t *testing.T, n *Node, name string) *dto.Metric {
	t.Helper()
	mfs, err := n.Metrics().Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() == name {
			require.NotEmpty(t, mf.GetMetric())
			return mf.GetMetric()[0]
		}
	}
	t.Fatalf("metric %s not found", name)
	return nil
}
