package blockstore

import (
	"context"
	"errors"

	"github.com/ipfs/go-cid"
	"go.uber.org/multierr"

	"github.com/dep2p/go-webnode/pkg/types"
)

var _ Blockstore = (*MultiStore)(nil)

// MultiStore 按顺序回退的组合存储
//
// 写入与枚举只作用于本地存储；读取依次询问本地存储与各回退源，
// 返回第一个命中。全部未命中时返回 types.ErrNotFound。
type MultiStore struct {
	local     Blockstore
	fallbacks []Getter
}

// NewMulti 创建组合存储
func NewMulti(local Blockstore, fallbacks ...Getter) *MultiStore {
	return &MultiStore{local: local, fallbacks: fallbacks}
}

// Local 返回本地存储
func (m *MultiStore) Local() Blockstore { return m.local }

// Put 写入本地存储
func (m *MultiStore) Put(ctx context.Context, data []byte) (cid.Cid, error) {
	return m.local.Put(ctx, data)
}

// PutBlock 写入本地存储
func (m *MultiStore) PutBlock(ctx context.Context, blk Block) error {
	return m.local.PutBlock(ctx, blk)
}

// Get 依次读取，第一个命中者返回
func (m *MultiStore) Get(ctx context.Context, c cid.Cid) (Block, error) {
	blk, err := m.local.Get(ctx, c)
	if err == nil || !errors.Is(err, types.ErrNotFound) {
		return blk, err
	}

	var errs error
	for _, g := range m.fallbacks {
		blk, err := g.Get(ctx, c)
		if err == nil {
			return blk, nil
		}
		if ctx.Err() != nil {
			return Block{}, ctx.Err()
		}
		if !errors.Is(err, types.ErrNotFound) {
			errs = multierr.Append(errs, err)
		}
	}
	if errs != nil {
		return Block{}, multierr.Append(types.ErrNotFound, errs)
	}
	return Block{}, err
}

// Has 本地或任一回退源存在即为 true
func (m *MultiStore) Has(ctx context.Context, c cid.Cid) (bool, error) {
	if ok, err := m.local.Has(ctx, c); ok || err != nil {
		return ok, err
	}
	for _, g := range m.fallbacks {
		if ok, err := g.Has(ctx, c); err == nil && ok {
			return true, nil
		}
	}
	return false, nil
}

// Len 返回本地块数量
func (m *MultiStore) Len() int { return m.local.Len() }

// AllKeys 返回本地全部 CID
func (m *MultiStore) AllKeys() []cid.Cid { return m.local.AllKeys() }
