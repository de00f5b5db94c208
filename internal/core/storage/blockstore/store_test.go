package blockstore_test

import (
	"context"
	"testing"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/go-webnode/config"
	"github.com/dep2p/go-webnode/internal/core/metrics"
	"github.com/dep2p/go-webnode/internal/core/storage/blockstore"
	"github.com/dep2p/go-webnode/internal/core/storage/blockstore/testkit"
	"github.com/dep2p/go-webnode/pkg/types"
)

func TestStore(t *testing.T) {
	testkit.Run(t, func(t *testing.T) blockstore.Blockstore { return blockstore.New() })
}

func TestStore_Blake3(t *testing.T) {
	testkit.Run(t, func(t *testing.T) blockstore.Blockstore {
		p, err := blockstore.PrefixFor(cid.Raw, config.HashBlake3)
		require.NoError(t, err)
		return blockstore.New(blockstore.WithPrefix(p))
	})
}

func TestMultiStore(t *testing.T) {
	testkit.Run(t, func(t *testing.T) blockstore.Blockstore {
		return blockstore.NewMulti(blockstore.New(), blockstore.New())
	})
}

func TestPrefixFor(t *testing.T) {
	p, err := blockstore.PrefixFor(cid.Raw, config.HashBlake3)
	require.NoError(t, err)
	c, err := p.Sum([]byte("x"))
	require.NoError(t, err)
	assert.Equal(t, uint64(mh.BLAKE3), c.Prefix().MhType)
	assert.Equal(t, uint64(1), c.Version())

	p, err = blockstore.PrefixFor(cid.DagProtobuf, "")
	require.NoError(t, err)
	assert.Equal(t, uint64(mh.SHA2_256), p.MhType)

	_, err = blockstore.PrefixFor(cid.Raw, "md5")
	assert.Error(t, err)
}

func TestStore_EmptyBlockCID(t *testing.T) {
	bs := blockstore.New()
	c, err := bs.Put(context.Background(), []byte{})
	require.NoError(t, err)
	assert.Equal(t, "bafkreihdwdcefgh4dqkjv67uzcmw7ojee6xedzdetojuzjevtenxquvyku", c.String())
}

func TestStore_Metrics(t *testing.T) {
	m := metrics.New()
	bs := blockstore.New(blockstore.WithMetrics(m))
	ctx := context.Background()

	c, err := bs.Put(ctx, []byte("counted"))
	require.NoError(t, err)
	_, err = bs.Put(ctx, []byte("counted"))
	require.NoError(t, err)
	_, err = bs.Get(ctx, c)
	require.NoError(t, err)

	other, err := blockstore.NewBlock([]byte("absent"))
	require.NoError(t, err)
	_, err = bs.Get(ctx, other.Cid())
	require.ErrorIs(t, err, types.ErrNotFound)

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	got := map[string]float64{}
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			if metric.GetCounter() != nil {
				got[f.GetName()] += metric.GetCounter().GetValue()
			}
		}
	}
	assert.Equal(t, 1.0, got["webnode_blockstore_puts_total"])
	assert.Equal(t, 1.0, got["webnode_blockstore_hits_total"])
	assert.Equal(t, 1.0, got["webnode_blockstore_misses_total"])
}

func TestMultiStore_Fallback(t *testing.T) {
	ctx := context.Background()
	local, remote := blockstore.New(), blockstore.New()
	c, err := remote.Put(ctx, []byte("remote only"))
	require.NoError(t, err)

	ms := blockstore.NewMulti(local, remote)
	blk, err := ms.Get(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, "remote only", string(blk.RawData()))

	ok, err := ms.Has(ctx, c)
	require.NoError(t, err)
	assert.True(t, ok)

	// 回退读取不写入本地
	assert.Equal(t, 0, ms.Len())

	c2, err := ms.Put(ctx, []byte("local"))
	require.NoError(t, err)
	ok, err = local.Has(ctx, c2)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = remote.Has(ctx, c2)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStore_ContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := blockstore.New().Put(ctx, []byte("x"))
	assert.ErrorIs(t, err, context.Canceled)
}
