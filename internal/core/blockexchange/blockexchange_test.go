package blockexchange

import (
	"bufio"
	"bytes"
	"context"
	"math/rand"
	"testing"
	"time"

	"github.com/ipfs/go-cid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-webnode/internal/core/host"
	"github.com/dep2p/go-webnode/internal/core/host/hosttest"
	"github.com/dep2p/go-webnode/internal/core/storage/blockstore"
	"github.com/dep2p/go-webnode/internal/core/storage/unixfs"
	pkgif "github.com/dep2p/go-webnode/pkg/interfaces"
	"github.com/dep2p/go-webnode/pkg/types"
)

// newPeer 创建注册了块交换服务的 Host
func newPeer(t *testing.T) (*host.Host, *blockstore.Store) {
	t.Helper()
	h := hosttest.New(t)
	bs := blockstore.New()
	NewServer(bs).Register(h)
	return h, bs
}

func TestProtocol_Framing(t *testing.T) {
	blk, err := blockstore.NewBlock([]byte("framed"))
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, writeRequest(&buf, blk.Cid()))
	require.NoError(t, writeRequest(&buf, blk.Cid()))
	r := bufio.NewReader(&buf)
	for i := 0; i < 2; i++ {
		c, err := readRequest(r)
		require.NoError(t, err)
		assert.True(t, c.Equals(blk.Cid()))
	}

	buf.Reset()
	require.NoError(t, writeResponse(&buf, StatusOK, blk.RawData()))
	require.NoError(t, writeResponse(&buf, StatusNotFound, nil))
	r = bufio.NewReader(&buf)
	status, data, err := readResponse(r)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, status)
	assert.Equal(t, "framed", string(data))
	status, data, err = readResponse(r)
	require.NoError(t, err)
	assert.Equal(t, StatusNotFound, status)
	assert.Empty(t, data)
}

func TestProtocol_Malformed(t *testing.T) {
	_, err := readRequest(bufio.NewReader(bytes.NewReader([]byte{0x00})))
	assert.ErrorIs(t, err, types.ErrDecode)

	_, err = readRequest(bufio.NewReader(bytes.NewReader([]byte{0x03, 0x01, 0x02, 0x03})))
	assert.ErrorIs(t, err, types.ErrDecode)

	// 长度超过块上限
	_, _, err = readResponse(bufio.NewReader(bytes.NewReader([]byte{0x00, 0xff, 0xff, 0xff, 0x01})))
	assert.ErrorIs(t, err, types.ErrDecode)

	assert.Equal(t, "NOT_FOUND", StatusNotFound.String())
}

func TestNetworkStore_Get(t *testing.T) {
	a, abs := newPeer(t)
	b, bbs := newPeer(t)
	hosttest.Connect(t, b, a)

	c, err := abs.Put(context.Background(), []byte("shared block"))
	require.NoError(t, err)

	ns := NewNetworkStore(b, bbs)
	blk, err := ns.Get(context.Background(), c)
	require.NoError(t, err)
	assert.Equal(t, "shared block", string(blk.RawData()))

	// 取到的块已缓存到本地
	ok, err := bbs.Has(context.Background(), c)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestNetworkStore_FanOut(t *testing.T) {
	empty, _ := newPeer(t)
	plain := hosttest.New(t) // 不支持块交换
	a, abs := newPeer(t)
	b := hosttest.New(t)
	hosttest.Connect(t, b, empty)
	hosttest.Connect(t, b, plain)
	hosttest.Connect(t, b, a)

	c, err := abs.Put(context.Background(), []byte("only on a"))
	require.NoError(t, err)

	ns := NewNetworkStore(b, nil, WithMaxPeers(2))
	blk, err := ns.Get(context.Background(), c)
	require.NoError(t, err)
	assert.True(t, blk.Cid().Equals(c))
}

func TestNetworkStore_SkipsUnsupportedConn(t *testing.T) {
	plain := hosttest.New(t)
	b := hosttest.New(t)
	hosttest.Connect(t, b, plain)

	missing, err := blockstore.NewBlock([]byte("plain never serves blocks"))
	require.NoError(t, err)

	ns := NewNetworkStore(b, nil)
	require.Len(t, ns.candidates(), 1)
	_, err = ns.Get(context.Background(), missing.Cid())
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.Empty(t, ns.candidates())
}

func TestNetworkStore_NotFound(t *testing.T) {
	a, _ := newPeer(t)
	b := hosttest.New(t)

	missing, err := blockstore.NewBlock([]byte("nobody has this"))
	require.NoError(t, err)

	ns := NewNetworkStore(b, nil)
	_, err = ns.Get(context.Background(), missing.Cid())
	assert.ErrorIs(t, err, types.ErrNotFound)

	hosttest.Connect(t, b, a)
	_, err = ns.Get(context.Background(), missing.Cid())
	assert.ErrorIs(t, err, types.ErrNotFound)

	ok, err := ns.Has(context.Background(), missing.Cid())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNetworkStore_RejectsTamperedBlock(t *testing.T) {
	liar := hosttest.New(t)
	liar.SetStreamHandler(ProtocolID, func(st pkgif.Stream) {
		defer st.Close()
		if _, err := readRequest(bufio.NewReader(st)); err != nil {
			return
		}
		_ = writeResponse(st, StatusOK, []byte("not what you asked for"))
	})
	b := hosttest.New(t)
	hosttest.Connect(t, b, liar)

	want, err := blockstore.NewBlock([]byte("genuine"))
	require.NoError(t, err)
	local := blockstore.New()
	_, err = NewNetworkStore(b, local).Get(context.Background(), want.Cid())
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.ErrorIs(t, err, blockstore.ErrCIDMismatch)
	assert.Equal(t, 0, local.Len())
}

func TestNetworkStore_ContextCanceled(t *testing.T) {
	slow := hosttest.New(t)
	slow.SetStreamHandler(ProtocolID, func(st pkgif.Stream) {
		defer st.Close()
		time.Sleep(2 * time.Second)
	})
	b := hosttest.New(t)
	hosttest.Connect(t, b, slow)

	blk, err := blockstore.NewBlock([]byte("slow"))
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err = NewNetworkStore(b, nil).Get(ctx, blk.Cid())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFileAcrossPeers(t *testing.T) {
	a, abs := newPeer(t)
	b, bbs := newPeer(t)
	hosttest.Connect(t, b, a)

	afs, err := unixfs.New(abs, unixfs.WithChunkSize(1024), unixfs.WithMaxLinks(4))
	require.NoError(t, err)
	data := make([]byte, 20*1024+3)
	rand.New(rand.NewSource(7)).Read(data)
	root, err := afs.AddBytes(context.Background(), data)
	require.NoError(t, err)
	assert.Equal(t, uint64(cid.DagProtobuf), root.Type())

	ms := blockstore.NewMulti(bbs, NewNetworkStore(b, bbs))
	bfs, err := unixfs.New(ms, unixfs.WithChunkSize(1024), unixfs.WithMaxLinks(4))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	r := bfs.Cat(ctx, root).Reader()
	defer r.Close()
	var got bytes.Buffer
	_, err = got.ReadFrom(r)
	require.NoError(t, err)
	assert.Equal(t, data, got.Bytes())
	assert.Equal(t, abs.Len(), bbs.Len())
}
