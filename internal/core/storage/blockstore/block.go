package blockstore

import (
	"context"
	"fmt"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	_ "github.com/multiformats/go-multihash/register/blake3"

	"github.com/dep2p/go-webnode/config"
)

// MaxBlockSize 单个块的最大字节数
const MaxBlockSize = 1 << 20

// ============================================================================
//                              Block
// ============================================================================

// Block 不可变的数据块
type Block struct {
	c    cid.Cid
	data []byte
}

// NewBlock 以 raw 编码与 sha2-256 构造块
func NewBlock(data []byte) (Block, error) {
	return NewBlockWithPrefix(data, DefaultPrefix())
}

// NewBlockWithPrefix 以指定前缀计算 CID 构造块
func NewBlockWithPrefix(data []byte, prefix cid.Prefix) (Block, error) {
	if len(data) > MaxBlockSize {
		return Block{}, fmt.Errorf("%w: %d bytes", ErrBlockTooLarge, len(data))
	}
	c, err := prefix.Sum(data)
	if err != nil {
		return Block{}, fmt.Errorf("compute cid: %w", err)
	}
	return Block{c: c, data: data}, nil
}

// NewBlockWithCid 构造块并校验内容与 CID 一致
func NewBlockWithCid(data []byte, c cid.Cid) (Block, error) {
	if !c.Defined() {
		return Block{}, ErrUndefinedCID
	}
	if len(data) > MaxBlockSize {
		return Block{}, fmt.Errorf("%w: %d bytes", ErrBlockTooLarge, len(data))
	}
	blk := Block{c: c, data: data}
	if err := blk.Verify(); err != nil {
		return Block{}, err
	}
	return blk, nil
}

// Cid 返回块的 CID
func (b Block) Cid() cid.Cid { return b.c }

// RawData 返回块内容，调用方不得修改
func (b Block) RawData() []byte { return b.data }

// Size 返回块字节数
func (b Block) Size() int { return len(b.data) }

// Verify 重新计算哈希并与 CID 比较
func (b Block) Verify() error {
	sum, err := b.c.Prefix().Sum(b.data)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrCIDMismatch, err)
	}
	if !sum.Equals(b.c) {
		return fmt.Errorf("%w: %s", ErrCIDMismatch, b.c)
	}
	return nil
}

func (b Block) String() string {
	return fmt.Sprintf("[Block %s (%d bytes)]", b.c, len(b.data))
}

// ============================================================================
//                              Prefix
// ============================================================================

// DefaultPrefix CIDv1 / raw / sha2-256
func DefaultPrefix() cid.Prefix {
	return cid.Prefix{
		Version:  1,
		Codec:    cid.Raw,
		MhType:   mh.SHA2_256,
		MhLength: -1,
	}
}

// PrefixFor 返回指定编码与哈希名（config.HashSHA256 | config.HashBlake3）的前缀
func PrefixFor(codec uint64, hash string) (cid.Prefix, error) {
	p := cid.Prefix{Version: 1, Codec: codec, MhLength: -1}
	switch hash {
	case "", config.HashSHA256:
		p.MhType = mh.SHA2_256
	case config.HashBlake3:
		p.MhType = mh.BLAKE3
		p.MhLength = 32
	default:
		return cid.Prefix{}, fmt.Errorf("unsupported hash %q", hash)
	}
	return p, nil
}

// ============================================================================
//                              接口
// ============================================================================

// Getter 按 CID 读取块
type Getter interface {
	// Get 读取块，不存在时返回 types.ErrNotFound
	Get(ctx context.Context, c cid.Cid) (Block, error)

	// Has 判断块是否存在
	Has(ctx context.Context, c cid.Cid) (bool, error)
}

// Putter 写入块
type Putter interface {
	// Put 计算 CID 并写入，已存在时不做任何事
	Put(ctx context.Context, data []byte) (cid.Cid, error)

	// PutBlock 写入已构造的块，CID 不符时返回 ErrCIDMismatch
	PutBlock(ctx context.Context, blk Block) error
}

// Blockstore 可读写的块存储
type Blockstore interface {
	Getter
	Putter

	// Len 返回块数量
	Len() int

	// AllKeys 返回全部 CID
	AllKeys() []cid.Cid
}
