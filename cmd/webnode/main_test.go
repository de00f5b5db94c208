package main

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	ma "github.com/multiformats/go-multiaddr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-webnode"
	"github.com/dep2p/go-webnode/internal/core/host/hosttest"
	"github.com/dep2p/go-webnode/internal/core/transport/webrtc"
	"github.com/dep2p/go-webnode/internal/util/addrutil"
	pkgif "github.com/dep2p/go-webnode/pkg/interfaces"
	"github.com/dep2p/go-webnode/pkg/types"
)

// syncBuffer 并发安全的输出缓冲
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newNode(t *testing.T) *webnode.Node {
	t.Helper()
	n, err := webnode.New(
		webnode.WithListenAddrs(hosttest.LoopbackWS),
		webnode.WithWebRTC(false),
		webnode.WithDiscoverRelays(0),
	)
	require.NoError(t, err)
	t.Cleanup(func() { n.Close() })
	require.NoError(t, n.Start(context.Background()))
	return n
}

func wsAddr(t *testing.T, n *webnode.Node) string {
	t.Helper()
	for _, a := range n.Multiaddrs() {
		if addrutil.IsWebSocket(a) && !addrutil.IsCircuit(a) {
			return a.String()
		}
	}
	t.Fatal("no websocket address")
	return ""
}

func newTestApp(t *testing.T) (*app, *UI, *webnode.Node) {
	t.Helper()
	n := newNode(t)
	ui := NewUI(&syncBuffer{})
	a := newApp(n, ui)
	t.Cleanup(a.close)
	return a, ui, n
}

func historyContains(ui *UI, substr string) bool {
	for _, line := range ui.History() {
		if strings.Contains(line, substr) {
			return true
		}
	}
	return false
}

// ============================================================================
//                              UI
// ============================================================================

func TestUI_AppendLine(t *testing.T) {
	var out bytes.Buffer
	ui := NewUI(&out)
	ui.AppendLine("hello %s", "world")
	ui.AppendLine("trailing\n")

	assert.Equal(t, "hello world\ntrailing\n", out.String())
	assert.Equal(t, []string{"hello world", "trailing"}, ui.History())
}

func TestUI_HistoryBounded(t *testing.T) {
	ui := NewUI(&bytes.Buffer{})
	for i := 0; i < maxHistory+10; i++ {
		ui.AppendLine("%d", i)
	}
	h := ui.History()
	require.Len(t, h, maxHistory)
	assert.Equal(t, "10", h[0])
}

func TestUI_RenderEmpty(t *testing.T) {
	ui := NewUI(&bytes.Buffer{})
	ui.RenderConnections(nil)
	ui.RenderMultiaddrs(nil)
	assert.Equal(t, []string{
		"── 连接 (0) ──",
		"  (无)",
		"── 本节点地址 (0) ──",
		"  (无，可用 relay 命令在中继上预留)",
	}, ui.History())
}

func TestUI_RenderMultiaddrs(t *testing.T) {
	ui := NewUI(&bytes.Buffer{})
	ui.RenderMultiaddrs([]ma.Multiaddr{addrutil.MustParse("/ip4/127.0.0.1/tcp/4002/ws")})
	assert.Equal(t, []string{"── 本节点地址 (1) ──", "  /ip4/127.0.0.1/tcp/4002/ws"}, ui.History())
}

// ============================================================================
//                              命令
// ============================================================================

func TestApp_UnknownAndEmpty(t *testing.T) {
	a, _, _ := newTestApp(t)
	ctx := context.Background()

	assert.NoError(t, a.execute(ctx, "   "))
	assert.Error(t, a.execute(ctx, "frobnicate"))
	assert.ErrorIs(t, a.execute(ctx, "quit"), errQuit)
	assert.ErrorIs(t, a.execute(ctx, "QUIT"), errQuit)
}

func TestApp_PublishRetrieve(t *testing.T) {
	a, ui, n := newTestApp(t)
	ctx := context.Background()

	require.NoError(t, a.execute(ctx, "publish hello webnode"))
	c, err := n.AddBytes(ctx, []byte("hello webnode"))
	require.NoError(t, err)
	assert.True(t, historyContains(ui, "已发布 "+c.String()))

	require.NoError(t, a.execute(ctx, "retrieve "+c.String()))
	assert.True(t, historyContains(ui, c.String()+": hello webnode"))

	assert.ErrorIs(t, a.execute(ctx, "retrieve not-a-cid"), types.ErrDecode)
}

func TestApp_DialSend(t *testing.T) {
	a, ui, n := newTestApp(t)
	peer := newNode(t)
	ctx := context.Background()

	assert.Error(t, a.execute(ctx, "send hi"), "no session yet")
	assert.Error(t, a.execute(ctx, "dial"))

	require.NoError(t, a.execute(ctx, "dial "+wsAddr(t, peer)))
	assert.True(t, historyContains(ui, "已连接 "+peer.ID().ShortString()))
	require.Len(t, n.Connections(), 1)

	require.NoError(t, a.execute(ctx, "send ping"))
	require.Eventually(t, func() bool {
		return historyContains(ui, "[echo "+peer.ID().ShortString()+"] ping")
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, a.execute(ctx, "conns"))
	assert.True(t, historyContains(ui, "── 连接 (1) ──"))
	require.NoError(t, a.execute(ctx, "addrs"))
	assert.True(t, historyContains(ui, n.ID().String()))
}

func TestApp_RetrieveFromPeer(t *testing.T) {
	a, ui, _ := newTestApp(t)
	peer := newNode(t)
	ctx := context.Background()

	c, err := peer.AddBytes(ctx, []byte("remote content"))
	require.NoError(t, err)
	require.NoError(t, a.execute(ctx, "dial "+wsAddr(t, peer)))
	require.NoError(t, a.execute(ctx, "retrieve "+c.String()))
	assert.True(t, historyContains(ui, "remote content"))
}

// fakeConn 只覆盖传输判断所需的方法
type fakeConn struct {
	pkgif.Conn
	transport string
	closed    bool
}

func (c fakeConn) Transport() string { return c.transport }
func (c fakeConn) IsClosed() bool { return c.closed }

func TestWantsAutoEcho(t *testing.T) {
	assert.True(t, wantsAutoEcho(fakeConn{transport: webrtc.Name}))
	assert.False(t, wantsAutoEcho(fakeConn{transport: webrtc.Name, closed: true}))
	assert.False(t, wantsAutoEcho(fakeConn{transport: "websocket"}))
	assert.False(t, wantsAutoEcho(fakeConn{transport: "circuit"}))
}

func TestApp_AutoEchoOncePerPeer(t *testing.T) {
	a, ui, n := newTestApp(t)
	peer := newNode(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := n.Dial(ctx, wsAddr(t, peer))
	require.NoError(t, err)
	created, err := a.autoEcho(ctx, conn)
	require.NoError(t, err)
	assert.True(t, created)
	created, err = a.autoEcho(ctx, conn)
	require.NoError(t, err)
	assert.False(t, created)

	require.NoError(t, a.execute(ctx, "send auto"))
	require.Eventually(t, func() bool {
		return historyContains(ui, "[echo "+peer.ID().ShortString()+"] auto")
	}, 5*time.Second, 20*time.Millisecond)
}

func TestApp_ServeEchoReceipts(t *testing.T) {
	a, ui, n := newTestApp(t)
	require.NoError(t, a.serveEcho())
	peer := newNode(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	conn, err := peer.Dial(ctx, wsAddr(t, n))
	require.NoError(t, err)
	reply, err := peer.Echo(ctx, conn, []byte("hello there\n"))
	require.NoError(t, err)
	assert.Equal(t, "hello there\n", string(reply))
	require.Eventually(t, func() bool {
		return historyContains(ui, "收到消息 ["+peer.ID().ShortString()+"] hello there")
	}, 5*time.Second, 20*time.Millisecond)
}

func TestApp_Events(t *testing.T) {
	a, ui, n := newTestApp(t)
	sub, err := n.Subscribe()
	require.NoError(t, err)
	a.watchEvents(sub)
	t.Cleanup(func() { sub.Close() })

	peer := newNode(t)
	require.NoError(t, a.execute(context.Background(), "dial "+wsAddr(t, peer)))
	require.Eventually(t, func() bool {
		return historyContains(ui, "+ 连接 "+peer.ID().ShortString())
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, peer.Close())
	require.Eventually(t, func() bool {
		return historyContains(ui, "- 断开 "+peer.ID().ShortString())
	}, 5*time.Second, 20*time.Millisecond)
}

func TestRepl_Script(t *testing.T) {
	n := newNode(t)
	out := &syncBuffer{}
	ui := NewUI(out)

	in := strings.NewReader("help\npublish abc\nbogus\nquit\npublish never\n")
	require.NoError(t, repl(context.Background(), n, ui, in))

	s := out.String()
	assert.Contains(t, s, "dial <multiaddr>")
	assert.Contains(t, s, "已发布 ")
	assert.Contains(t, s, "错误: ")
	assert.Equal(t, 1, strings.Count(s, "已发布 "))
}

func TestSplitAndTrim(t *testing.T) {
	assert.Equal(t, []string{"a", "b"}, splitAndTrim(" a, ,b ,", ","))
	assert.Empty(t, splitAndTrim("", ","))
}
