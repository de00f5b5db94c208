package unixfs

import (
	"bytes"
	"context"
	"io"
	"math/rand"
	"testing"
	"testing/iotest"

	dag "github.com/ipfs/boxo/ipld/merkledag"
	ft "github.com/ipfs/boxo/ipld/unixfs"
	"github.com/ipfs/go-cid"
	ipld "github.com/ipfs/go-ipld-format"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-webnode/config"
	"github.com/dep2p/go-webnode/internal/core/storage/blockstore"
	"github.com/dep2p/go-webnode/pkg/types"
)

func randomBytes(t *testing.T, n int) []byte {
	t.Helper()
	b := make([]byte, n)
	rand.New(rand.NewSource(int64(n))).Read(b)
	return b
}

func newFS(t *testing.T, opts ...Option) *FS {
	t.Helper()
	fs, err := New(blockstore.New(), opts...)
	require.NoError(t, err)
	return fs
}

func catAll(t *testing.T, fs *FS, root cid.Cid) []byte {
	t.Helper()
	tr := fs.Cat(context.Background(), root)
	defer tr.Close()
	var out bytes.Buffer
	for tr.Next() {
		out.Write(tr.Chunk())
	}
	require.NoError(t, tr.Err())
	return out.Bytes()
}

func TestRoundtrip(t *testing.T) {
	const chunk = 1024
	sizes := []int{0, 1, chunk - 1, chunk, chunk + 1, 3 * chunk, 10*chunk + 7, 40 * chunk}
	for _, size := range sizes {
		fs := newFS(t, WithChunkSize(chunk), WithMaxLinks(3))
		data := randomBytes(t, size)
		root, err := fs.AddBytes(context.Background(), data)
		require.NoError(t, err, "size %d", size)
		assert.Equal(t, data, catAll(t, fs, root), "size %d", size)
	}
}

func TestRoundtrip_DefaultChunkSize(t *testing.T) {
	fs := newFS(t)
	data := randomBytes(t, 3*DefaultChunkSize+1)
	root, err := fs.AddBytes(context.Background(), data)
	require.NoError(t, err)
	assert.Equal(t, uint64(cid.DagProtobuf), root.Type())
	assert.Equal(t, data, catAll(t, fs, root))

	// 4 个叶子 + 根
	assert.Equal(t, 5, fs.Blockstore().Len())
}

func TestAddBytes_Deterministic(t *testing.T) {
	data := randomBytes(t, 5000)
	a, err := newFS(t, WithChunkSize(512), WithMaxLinks(4)).AddBytes(context.Background(), data)
	require.NoError(t, err)
	b, err := newFS(t, WithChunkSize(512), WithMaxLinks(4)).AddBytes(context.Background(), data)
	require.NoError(t, err)
	assert.True(t, a.Equals(b))

	// 逐字节读取的流式写入得到相同结果
	c, err := newFS(t, WithChunkSize(512), WithMaxLinks(4)).AddReader(context.Background(), iotest.OneByteReader(bytes.NewReader(data)))
	require.NoError(t, err)
	assert.True(t, a.Equals(c))

	// 不同分块大小得到不同根
	d, err := newFS(t, WithChunkSize(1024), WithMaxLinks(4)).AddBytes(context.Background(), data)
	require.NoError(t, err)
	assert.False(t, a.Equals(d))
}

func TestAddBytes_Empty(t *testing.T) {
	fs := newFS(t)
	root, err := fs.AddBytes(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "bafkreihdwdcefgh4dqkjv67uzcmw7ojee6xedzdetojuzjevtenxquvyku", root.String())
	assert.Empty(t, catAll(t, fs, root))
}

func TestAddBytes_SingleChunkIsRawLeaf(t *testing.T) {
	fs := newFS(t)
	data := []byte("hello webnode")
	root, err := fs.AddBytes(context.Background(), data)
	require.NoError(t, err)

	want, err := blockstore.NewBlock(data)
	require.NoError(t, err)
	assert.True(t, want.Cid().Equals(root))
	assert.Equal(t, 1, fs.Blockstore().Len())
}

func TestAddBytes_TreeShape(t *testing.T) {
	fs := newFS(t, WithChunkSize(10), WithMaxLinks(3))
	data := randomBytes(t, 100) // 10 个叶子，根下为 9 叶子与 1 叶子两棵子树
	root, err := fs.AddBytes(context.Background(), data)
	require.NoError(t, err)

	blk, err := fs.Blockstore().Get(context.Background(), root)
	require.NoError(t, err)
	nd, err := decodeBlock(blk)
	require.NoError(t, err)
	pn, ok := nd.(*dag.ProtoNode)
	require.True(t, ok)
	assert.Len(t, pn.Links(), 2)
	fsn, err := ft.ExtractFSNode(pn)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), fsn.FileSize())
	require.Equal(t, 2, fsn.NumChildren())
	assert.Equal(t, uint64(90), fsn.BlockSize(0))
	assert.Equal(t, uint64(10), fsn.BlockSize(1))

	st, err := fs.Stat(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), st.Size)
	assert.Equal(t, 10+4+2+1, st.Blocks)
	assert.Equal(t, fs.Blockstore().Len(), st.Blocks)
}

func TestAddBytes_Blake3(t *testing.T) {
	fs := newFS(t, WithConfig(config.StorageConfig{
		ChunkSize:     64,
		MaxLinks:      4,
		Hash:          config.HashBlake3,
		NodeCacheSize: 8,
	}))
	data := randomBytes(t, 1000)
	root, err := fs.AddBytes(context.Background(), data)
	require.NoError(t, err)
	assert.Equal(t, data, catAll(t, fs, root))
	for _, c := range fs.Blockstore().AllKeys() {
		assert.Equal(t, uint64(0x1e), c.Prefix().MhType)
	}
}

func TestNew_InvalidOptions(t *testing.T) {
	_, err := New(blockstore.New(), WithChunkSize(0))
	assert.Error(t, err)
	_, err = New(blockstore.New(), WithChunkSize(blockstore.MaxBlockSize+1))
	assert.Error(t, err)
	_, err = New(blockstore.New(), WithMaxLinks(1))
	assert.Error(t, err)
	_, err = New(blockstore.New(), WithHash("md5"))
	assert.Error(t, err)
}

func TestCat_Restart(t *testing.T) {
	fs := newFS(t, WithChunkSize(16), WithMaxLinks(2))
	data := randomBytes(t, 200)
	root, err := fs.AddBytes(context.Background(), data)
	require.NoError(t, err)

	tr := fs.Cat(context.Background(), root)
	require.True(t, tr.Next())
	assert.Equal(t, data[:16], tr.Chunk())
	require.NoError(t, tr.Close())
	assert.False(t, tr.Next())
	assert.NoError(t, tr.Err())

	// 再次 Cat 从头开始
	assert.Equal(t, data, catAll(t, fs, root))
}

func TestCat_MissingBlock(t *testing.T) {
	src := newFS(t, WithChunkSize(16), WithMaxLinks(4))
	data := randomBytes(t, 100)
	root, err := src.AddBytes(context.Background(), data)
	require.NoError(t, err)

	// 拷贝除最后一个叶子外的全部块
	leafPrefix, err := blockstore.PrefixFor(cid.Raw, config.HashSHA256)
	require.NoError(t, err)
	last, err := blockstore.NewBlockWithPrefix(data[96:], leafPrefix)
	require.NoError(t, err)
	dst := blockstore.New()
	for _, c := range src.Blockstore().AllKeys() {
		if c.Equals(last.Cid()) {
			continue
		}
		blk, err := src.Blockstore().Get(context.Background(), c)
		require.NoError(t, err)
		require.NoError(t, dst.PutBlock(context.Background(), blk))
	}

	fs, err := New(dst, WithChunkSize(16), WithMaxLinks(4))
	require.NoError(t, err)
	tr := fs.Cat(context.Background(), root)
	defer tr.Close()
	var got []byte
	for tr.Next() {
		got = append(got, tr.Chunk()...)
	}
	assert.ErrorIs(t, tr.Err(), types.ErrNotFound)
	assert.Equal(t, data[:96], got)

	_, err = fs.Stat(context.Background(), root)
	assert.NoError(t, err)
}

func TestCat_MalformedNode(t *testing.T) {
	fs := newFS(t)
	blk, err := blockstore.NewBlockWithPrefix([]byte{0x0a, 0xff}, fs.branch)
	require.NoError(t, err)
	require.NoError(t, fs.Blockstore().PutBlock(context.Background(), blk))

	tr := fs.Cat(context.Background(), blk.Cid())
	defer tr.Close()
	assert.False(t, tr.Next())
	assert.ErrorIs(t, tr.Err(), types.ErrDecode)
}

func TestCat_ContextCanceled(t *testing.T) {
	fs := newFS(t, WithChunkSize(8), WithMaxLinks(2))
	root, err := fs.AddBytes(context.Background(), randomBytes(t, 64))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	tr := fs.Cat(ctx, root)
	defer tr.Close()
	require.True(t, tr.Next())
	cancel()
	assert.False(t, tr.Next())
	assert.ErrorIs(t, tr.Err(), context.Canceled)
}

func TestTraversal_All(t *testing.T) {
	fs := newFS(t, WithChunkSize(32), WithMaxLinks(3))
	data := randomBytes(t, 300)
	root, err := fs.AddBytes(context.Background(), data)
	require.NoError(t, err)

	var got []byte
	for chunk, err := range fs.Cat(context.Background(), root).All() {
		require.NoError(t, err)
		got = append(got, chunk...)
	}
	assert.Equal(t, data, got)

	// 提前结束
	n := 0
	for range fs.Cat(context.Background(), root).All() {
		n++
		if n == 2 {
			break
		}
	}
	assert.Equal(t, 2, n)
}

func TestTraversal_Reader(t *testing.T) {
	fs := newFS(t, WithChunkSize(100), WithMaxLinks(5))
	data := randomBytes(t, 2345)
	root, err := fs.AddBytes(context.Background(), data)
	require.NoError(t, err)

	r := fs.Cat(context.Background(), root).Reader()
	defer r.Close()
	got, err := io.ReadAll(iotest.HalfReader(r))
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestNodeCache(t *testing.T) {
	fs := newFS(t, WithChunkSize(16), WithMaxLinks(2), WithCacheSize(4))
	root, err := fs.AddBytes(context.Background(), randomBytes(t, 160))
	require.NoError(t, err)
	catAll(t, fs, root)
	assert.Equal(t, 4, fs.cache.Len())

	noCache := newFS(t, WithCacheSize(0))
	assert.Nil(t, noCache.cache)
}

func TestStat(t *testing.T) {
	fs := newFS(t)
	root, err := fs.AddBytes(context.Background(), []byte("tiny"))
	require.NoError(t, err)
	st, err := fs.Stat(context.Background(), root)
	require.NoError(t, err)
	assert.Equal(t, FileStat{Size: 4, Blocks: 1, DagSize: 4}, st)

	bogus, err := cid.V1Builder{Codec: cid.DagCBOR, MhType: 0x12}.Sum([]byte("x"))
	require.NoError(t, err)
	_, err = fs.Stat(context.Background(), bogus)
	assert.ErrorIs(t, err, ErrNotFile)
}

func TestDecodeFileNode(t *testing.T) {
	fs := newFS(t)
	put := func(pn *dag.ProtoNode) blockstore.Block {
		blk, err := blockstore.NewBlockWithPrefix(pn.RawData(), fs.branch)
		require.NoError(t, err)
		return blk
	}

	leaf, err := blockstore.NewBlock([]byte("leaf"))
	require.NoError(t, err)
	file := dag.NodeWithData(ft.FilePBData(nil, 4))
	require.NoError(t, file.AddRawLink("", &ipld.Link{Cid: leaf.Cid(), Size: 4}))
	n, err := decodeFileNode(put(file))
	require.NoError(t, err)
	require.Len(t, n.links, 1)
	assert.True(t, n.links[0].Cid.Equals(leaf.Cid()))
	assert.Equal(t, uint64(4), n.fileSize)

	// 目录不是文件
	_, err = decodeFileNode(put(dag.NodeWithData(ft.FolderPBData())))
	assert.ErrorIs(t, err, ErrNotFile)

	// UnixFS 数据损坏
	_, err = decodeFileNode(put(dag.NodeWithData([]byte{0xff, 0xff})))
	assert.ErrorIs(t, err, types.ErrDecode)

	// raw 块不是 dag-pb
	_, err = decodeFileNode(leaf)
	assert.ErrorIs(t, err, ErrNotFile)
}
