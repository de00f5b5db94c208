package unixfs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	lru "github.com/hashicorp/golang-lru/v2"
	chunk "github.com/ipfs/boxo/chunker"
	"github.com/ipfs/boxo/ipld/unixfs/importer/balanced"
	ihelper "github.com/ipfs/boxo/ipld/unixfs/importer/helpers"
	"github.com/ipfs/go-cid"

	"github.com/dep2p/go-webnode/config"
	"github.com/dep2p/go-webnode/internal/core/storage/blockstore"
	"github.com/dep2p/go-webnode/pkg/lib/log"
)

var logger = log.Logger("core/storage/unixfs")

const (
	// DefaultChunkSize 默认分块大小
	DefaultChunkSize = 256 << 10

	// MaxLinks 默认每个内部节点的最大子链接数
	MaxLinks = 174

	// DefaultCacheSize 默认节点缓存容量
	DefaultCacheSize = 256
)

// ErrNotFile 根不是文件节点
var ErrNotFile = errors.New("not a unixfs file")

// FS 构建于块存储之上的分块文件层
type FS struct {
	bs        blockstore.Blockstore
	chunkSize int
	maxLinks  int
	branch    cid.Prefix

	// cache 已解码的内部节点，键为 CID 二进制形式
	cache *lru.Cache[string, *fileNode]
}

type options struct {
	chunkSize int
	maxLinks  int
	hash      string
	cacheSize int
}

// Option 文件层选项
type Option func(*options)

// WithChunkSize 设置分块大小
func WithChunkSize(n int) Option {
	return func(o *options) { o.chunkSize = n }
}

// WithMaxLinks 设置内部节点最大子链接数
func WithMaxLinks(n int) Option {
	return func(o *options) { o.maxLinks = n }
}

// WithHash 设置块哈希（config.HashSHA256 | config.HashBlake3）
func WithHash(name string) Option {
	return func(o *options) { o.hash = name }
}

// WithCacheSize 设置节点缓存容量，0 表示不缓存
func WithCacheSize(n int) Option {
	return func(o *options) { o.cacheSize = n }
}

// WithConfig 从存储配置设置全部选项
func WithConfig(cfg config.StorageConfig) Option {
	return func(o *options) {
		o.chunkSize = cfg.ChunkSize
		o.maxLinks = cfg.MaxLinks
		o.hash = cfg.Hash
		o.cacheSize = cfg.NodeCacheSize
	}
}

// New 创建文件层
func New(bs blockstore.Blockstore, opts ...Option) (*FS, error) {
	o := options{
		chunkSize: DefaultChunkSize,
		maxLinks:  MaxLinks,
		hash:      config.HashSHA256,
		cacheSize: DefaultCacheSize,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.chunkSize <= 0 || o.chunkSize > blockstore.MaxBlockSize {
		return nil, fmt.Errorf("invalid chunk size %d", o.chunkSize)
	}
	if o.maxLinks < 2 {
		return nil, fmt.Errorf("invalid max links %d", o.maxLinks)
	}

	// raw 叶子沿用同一哈希，由导入器改写编码
	branch, err := blockstore.PrefixFor(cid.DagProtobuf, o.hash)
	if err != nil {
		return nil, err
	}

	fs := &FS{
		bs:        bs,
		chunkSize: o.chunkSize,
		maxLinks:  o.maxLinks,
		branch:    branch,
	}
	if o.cacheSize > 0 {
		fs.cache, err = lru.New[string, *fileNode](o.cacheSize)
		if err != nil {
			return nil, err
		}
	}
	return fs, nil
}

// Blockstore 返回底层块存储
func (fs *FS) Blockstore() blockstore.Blockstore { return fs.bs }

// ============================================================================
//                              写入
// ============================================================================

// AddBytes 写入字节并返回根 CID
func (fs *FS) AddBytes(ctx context.Context, data []byte) (cid.Cid, error) {
	return fs.AddReader(ctx, bytes.NewReader(data))
}

// AddReader 流式写入并返回根 CID
//
// 叶子为 raw 块，内部节点为 dag-pb UnixFS 文件节点，树按平衡布局构建。
func (fs *FS) AddReader(ctx context.Context, r io.Reader) (cid.Cid, error) {
	params := ihelper.DagBuilderParams{
		Maxlinks:   fs.maxLinks,
		RawLeaves:  true,
		CidBuilder: fs.branch,
		Dagserv:    newDAGService(ctx, fs.bs),
	}
	db, err := params.New(chunk.NewSizeSplitter(&ctxReader{ctx: ctx, r: r}, int64(fs.chunkSize)))
	if err != nil {
		return cid.Undef, err
	}
	root, err := balanced.Layout(db)
	if err != nil {
		if cerr := ctx.Err(); cerr != nil {
			return cid.Undef, cerr
		}
		return cid.Undef, fmt.Errorf("import: %w", err)
	}

	size, _ := root.Size()
	logger.Debug("文件已写入", "root", root.Cid().String(), "dagSize", size, "links", len(root.Links()))
	return root.Cid(), nil
}

// ctxReader 在上下文取消后拒绝继续读取
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}

// ============================================================================
//                              读取
// ============================================================================

// Cat 返回从根开始的惰性遍历，调用方负责 Close
func (fs *FS) Cat(ctx context.Context, root cid.Cid) *Traversal {
	return newTraversal(ctx, fs, root)
}

// FileStat 文件统计
type FileStat struct {
	// Size 文件字节数
	Size uint64

	// Blocks DAG 中的块数（含根）
	Blocks int

	// DagSize 全部块的字节数
	DagSize uint64
}

// Stat 统计文件大小与块数，只读取内部节点
func (fs *FS) Stat(ctx context.Context, root cid.Cid) (FileStat, error) {
	switch root.Type() {
	case cid.Raw:
		blk, err := fs.bs.Get(ctx, root)
		if err != nil {
			return FileStat{}, err
		}
		return FileStat{Size: uint64(blk.Size()), Blocks: 1, DagSize: uint64(blk.Size())}, nil
	case cid.DagProtobuf:
	default:
		return FileStat{}, fmt.Errorf("%w: codec 0x%x", ErrNotFile, root.Type())
	}

	n, err := fs.loadNode(ctx, root)
	if err != nil {
		return FileStat{}, err
	}
	st := FileStat{Size: n.fileSize, Blocks: 1, DagSize: uint64(n.size)}
	if len(n.links) == 0 {
		st.Size = uint64(len(n.data))
	}
	for _, l := range n.links {
		st.DagSize += l.Size
		if l.Cid.Type() == cid.Raw {
			st.Blocks++
			continue
		}
		sub, err := fs.Stat(ctx, l.Cid)
		if err != nil {
			return FileStat{}, err
		}
		st.Blocks += sub.Blocks
	}
	return st, nil
}

// loadNode 读取并解码内部节点
func (fs *FS) loadNode(ctx context.Context, c cid.Cid) (*fileNode, error) {
	key := c.KeyString()
	if fs.cache != nil {
		if n, ok := fs.cache.Get(key); ok {
			return n, nil
		}
	}
	blk, err := fs.bs.Get(ctx, c)
	if err != nil {
		return nil, err
	}
	n, err := decodeFileNode(blk)
	if err != nil {
		return nil, err
	}
	if fs.cache != nil {
		fs.cache.Add(key, n)
	}
	return n, nil
}
