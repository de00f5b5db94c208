// Package testkit 提供块存储的一致性测试
//
// 每个 Blockstore 实现都应通过 Run：
//
//	func TestStore(t *testing.T) {
//	    testkit.Run(t, func(t *testing.T) blockstore.Blockstore { return blockstore.New() })
//	}
package testkit

import (
	"bytes"
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-webnode/internal/core/storage/blockstore"
	"github.com/dep2p/go-webnode/pkg/types"
)

// Factory 为每个子测试创建一个空存储
type Factory func(t *testing.T) blockstore.Blockstore

// Run 运行全部一致性测试
func Run(t *testing.T, newStore Factory) {
	t.Run("PutGet", func(t *testing.T) { testPutGet(t, newStore(t)) })
	t.Run("PutIdempotent", func(t *testing.T) { testPutIdempotent(t, newStore(t)) })
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, newStore(t)) })
	t.Run("PutBlockMismatch", func(t *testing.T) { testPutBlockMismatch(t, newStore(t)) })
	t.Run("TooLarge", func(t *testing.T) { testTooLarge(t, newStore(t)) })
	t.Run("EmptyBlock", func(t *testing.T) { testEmptyBlock(t, newStore(t)) })
	t.Run("Concurrent", func(t *testing.T) { testConcurrent(t, newStore(t)) })
}

func testPutGet(t *testing.T, bs blockstore.Blockstore) {
	ctx := context.Background()
	data := []byte("hello webnode")
	c, err := bs.Put(ctx, data)
	require.NoError(t, err)

	blk, err := bs.Get(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, data, blk.RawData())
	assert.True(t, blk.Cid().Equals(c))

	ok, err := bs.Has(ctx, c)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, bs.Len())
	require.Len(t, bs.AllKeys(), 1)
	assert.True(t, bs.AllKeys()[0].Equals(c))

	// 修改调用方切片不影响已存内容
	data[0] = 'H'
	blk, err = bs.Get(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, "hello webnode", string(blk.RawData()))
}

func testPutIdempotent(t *testing.T, bs blockstore.Blockstore) {
	ctx := context.Background()
	c1, err := bs.Put(ctx, []byte("same"))
	require.NoError(t, err)
	c2, err := bs.Put(ctx, []byte("same"))
	require.NoError(t, err)
	assert.True(t, c1.Equals(c2))
	assert.Equal(t, 1, bs.Len())

	blk, err := blockstore.NewBlock([]byte("same"))
	require.NoError(t, err)
	require.NoError(t, bs.PutBlock(ctx, blk))
	assert.Equal(t, 1, bs.Len())
}

func testGetMissing(t *testing.T, bs blockstore.Blockstore) {
	ctx := context.Background()
	blk, err := blockstore.NewBlock([]byte("never stored"))
	require.NoError(t, err)

	_, err = bs.Get(ctx, blk.Cid())
	assert.ErrorIs(t, err, types.ErrNotFound)

	ok, err := bs.Has(ctx, blk.Cid())
	require.NoError(t, err)
	assert.False(t, ok)
}

func testPutBlockMismatch(t *testing.T, bs blockstore.Blockstore) {
	good, err := blockstore.NewBlock([]byte("original"))
	require.NoError(t, err)

	_, err = blockstore.NewBlockWithCid([]byte("tampered"), good.Cid())
	assert.ErrorIs(t, err, blockstore.ErrCIDMismatch)
	assert.Equal(t, 0, bs.Len())
}

func testTooLarge(t *testing.T, bs blockstore.Blockstore) {
	_, err := bs.Put(context.Background(), make([]byte, blockstore.MaxBlockSize+1))
	assert.ErrorIs(t, err, blockstore.ErrBlockTooLarge)

	_, err = bs.Put(context.Background(), make([]byte, blockstore.MaxBlockSize))
	assert.NoError(t, err)
}

func testEmptyBlock(t *testing.T, bs blockstore.Blockstore) {
	ctx := context.Background()
	c, err := bs.Put(ctx, nil)
	require.NoError(t, err)
	blk, err := bs.Get(ctx, c)
	require.NoError(t, err)
	assert.Empty(t, blk.RawData())
}

func testConcurrent(t *testing.T, bs blockstore.Blockstore) {
	ctx := context.Background()
	const workers, blocks = 8, 32

	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < blocks; i++ {
				data := []byte(fmt.Sprintf("block-%d", i))
				c, err := bs.Put(ctx, data)
				if !assert.NoError(t, err) {
					return
				}
				blk, err := bs.Get(ctx, c)
				if assert.NoError(t, err) {
					assert.True(t, bytes.Equal(data, blk.RawData()))
				}
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, blocks, bs.Len())
}
