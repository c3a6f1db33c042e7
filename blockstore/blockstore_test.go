package blockstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jrhy/atmast/blockstore"
	"github.com/jrhy/atmast/blockstore/blockstoretest"
	"github.com/jrhy/atmast/codec"
)

var ctx = context.Background()

func TestMemory(t *testing.T) {
	t.Parallel()
	blockstoretest.ReadWrite(ctx, t, blockstore.NewMemory())
}

func TestCached(t *testing.T) {
	t.Parallel()
	s, err := blockstore.NewCached(blockstore.NewMemory(), 8)
	require.NoError(t, err)
	blockstoretest.ReadWrite(ctx, t, s)
}

func TestCachedServesRepeatReadsFromCache(t *testing.T) {
	t.Parallel()
	counting := blockstore.NewCounting(blockstore.NewMemory())
	b := blockstoretest.Block(7)
	require.NoError(t, counting.Put(ctx, b))
	cached, err := blockstore.NewCached(counting, 8)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		got, err := cached.Get(ctx, b.Cid)
		require.NoError(t, err)
		assert.Equal(t, b.Data, got)
	}
	assert.Equal(t, 1, counting.Gets(b.Cid))
}

func TestCounting(t *testing.T) {
	t.Parallel()
	s := blockstore.NewCounting(blockstore.NewMemory())
	blockstoretest.ReadWrite(ctx, t, s)
	assert.Greater(t, s.TotalGets(), 0)
	assert.Greater(t, s.Puts(), 0)
	s.Reset()
	assert.Equal(t, 0, s.TotalGets())
	assert.Empty(t, s.Fetched())
}

func TestReadOnly(t *testing.T) {
	t.Parallel()
	a, b := blockstoretest.Block(1), blockstoretest.Block(2)
	s := blockstore.NewReadOnly([]codec.Block{a})
	got, err := s.Get(ctx, a.Cid)
	require.NoError(t, err)
	assert.Equal(t, a.Data, got)
	_, err = s.Get(ctx, b.Cid)
	assert.ErrorIs(t, err, blockstore.ErrNotFound)
	assert.ErrorIs(t, s.Put(ctx, b), blockstore.ErrReadOnly)
}

func TestOverlayLeavesBaseUntouched(t *testing.T) {
	t.Parallel()
	base := blockstore.NewMemory()
	a, b := blockstoretest.Block(1), blockstoretest.Block(2)
	require.NoError(t, base.Put(ctx, a))
	o := blockstore.NewOverlay(blockstore.NewMemory(), base)
	require.NoError(t, o.Put(ctx, b))
	for _, want := range []codec.Block{a, b} {
		ok, err := o.Has(ctx, want.Cid)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := base.Has(ctx, b.Cid)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, base.Len())
}

func TestMemoryBlocksSnapshot(t *testing.T) {
	t.Parallel()
	s := blockstore.NewMemory()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Put(ctx, blockstoretest.Block(i)))
	}
	blocks := s.Blocks()
	require.Len(t, blocks, 5)
	for i := 1; i < len(blocks); i++ {
		assert.Less(t, blocks[i-1].Cid.KeyString(), blocks[i].Cid.KeyString())
	}
}
