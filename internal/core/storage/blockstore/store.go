package blockstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/ipfs/go-cid"

	"github.com/dep2p/go-webnode/internal/core/metrics"
	"github.com/dep2p/go-webnode/pkg/lib/log"
	"github.com/dep2p/go-webnode/pkg/types"
)

var logger = log.Logger("core/storage/blockstore")

// 确保实现接口
var _ Blockstore = (*Store)(nil)

// Store 内存块存储
//
// 以 CID 的二进制形式为键；插入为原子的“不存在才写入”。
type Store struct {
	prefix  cid.Prefix
	metrics *metrics.Metrics

	mu     sync.RWMutex
	blocks map[string]Block
}

// Option 存储选项
type Option func(*Store)

// WithPrefix 设置 Put 计算 CID 使用的前缀
func WithPrefix(p cid.Prefix) Option {
	return func(s *Store) {
		s.prefix = p
	}
}

// WithMetrics 设置指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) {
		s.metrics = m
	}
}

// New 创建内存块存储
func New(opts ...Option) *Store {
	s := &Store{
		prefix: DefaultPrefix(),
		blocks: make(map[string]Block),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Prefix 返回 Put 使用的 CID 前缀
func (s *Store) Prefix() cid.Prefix { return s.prefix }

// Put 计算 CID 并写入
func (s *Store) Put(ctx context.Context, data []byte) (cid.Cid, error) {
	if err := ctx.Err(); err != nil {
		return cid.Undef, err
	}
	blk, err := NewBlockWithPrefix(data, s.prefix)
	if err != nil {
		return cid.Undef, err
	}
	s.insert(blk)
	return blk.Cid(), nil
}

// PutBlock 写入已构造的块
func (s *Store) PutBlock(ctx context.Context, blk Block) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !blk.Cid().Defined() {
		return ErrUndefinedCID
	}
	if blk.Size() > MaxBlockSize {
		return fmt.Errorf("%w: %d bytes", ErrBlockTooLarge, blk.Size())
	}
	if err := blk.Verify(); err != nil {
		return err
	}
	s.insert(blk)
	return nil
}

func (s *Store) insert(blk Block) {
	key := blk.Cid().KeyString()
	s.mu.Lock()
	if _, ok := s.blocks[key]; ok {
		s.mu.Unlock()
		return
	}
	// 复制内容，调用方之后修改原切片不影响已存块
	data := make([]byte, len(blk.data))
	copy(data, blk.data)
	s.blocks[key] = Block{c: blk.c, data: data}
	s.mu.Unlock()

	s.metrics.BlockPut()
	logger.Debug("块已写入", "cid", blk.Cid().String(), "size", len(data))
}

// Get 读取块
func (s *Store) Get(ctx context.Context, c cid.Cid) (Block, error) {
	if err := ctx.Err(); err != nil {
		return Block{}, err
	}
	if !c.Defined() {
		return Block{}, ErrUndefinedCID
	}
	s.mu.RLock()
	blk, ok := s.blocks[c.KeyString()]
	s.mu.RUnlock()
	if !ok {
		s.metrics.BlockMiss()
		return Block{}, fmt.Errorf("block %s: %w", c, types.ErrNotFound)
	}
	s.metrics.BlockHit()
	return blk, nil
}

// Has 判断块是否存在
func (s *Store) Has(ctx context.Context, c cid.Cid) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.blocks[c.KeyString()]
	return ok, nil
}

// Len 返回块数量
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.blocks)
}

// AllKeys 返回全部 CID，按字符串排序
func (s *Store) AllKeys() []cid.Cid {
	s.mu.RLock()
	keys := make([]cid.Cid, 0, len(s.blocks))
	for _, blk := range s.blocks {
		keys = append(keys, blk.Cid())
	}
	s.mu.RUnlock()
	sort.Slice(keys, func(i, j int) bool { return keys[i].KeyString() < keys[j].KeyString() })
	return keys
}
