// Package blockstoretest holds conformance checks shared by the
// Blockstore implementations.
package blockstoretest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jrhy/atmast/blockstore"
	"github.com/jrhy/atmast/codec"
)

// Block returns a distinct dag-cbor block for each n.
func Block(n int) codec.Block {
	v := codec.Map(map[string]codec.Value{
		"n":    codec.Int(int64(n)),
		"text": codec.String(fmt.Sprintf("block number %d", n)),
	})
	_, data, err := codec.CidForValue(v)
	if err != nil {
		panic(err)
	}
	return codec.NewBlock(data)
}

// ReadWrite exercises Get, Has and Put, including idempotent re-puts,
// missing blocks and concurrent writers.
func ReadWrite(ctx context.Context, t *testing.T, s blockstore.Blockstore) {
	b := Block(1)

	ok, err := s.Has(ctx, b.Cid)
	require.NoError(t, err)
	require.False(t, ok)
	_, err = s.Get(ctx, b.Cid)
	require.True(t, errors.Is(err, blockstore.ErrNotFound), "got %v", err)

	require.NoError(t, s.Put(ctx, b))
	require.NoError(t, s.Put(ctx, b))
	got, err := s.Get(ctx, b.Cid)
	require.NoError(t, err)
	require.Equal(t, b.Data, got)
	ok, err = s.Has(ctx, b.Cid)
	require.NoError(t, err)
	require.True(t, ok)

	c, err := blockstore.PutBytes(ctx, s, Block(2).Data)
	require.NoError(t, err)
	require.Equal(t, Block(2).Cid, c)

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- s.Put(ctx, Block(100+i%16))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}
	for i := 0; i < 16; i++ {
		want := Block(100 + i)
		got, err := s.Get(ctx, want.Cid)
		require.NoError(t, err)
		require.Equal(t, want.Data, got, "block %d", i)
	}

	missing := codec.CidForBytes([]byte("never stored"))
	_, err = s.Get(ctx, missing)
	require.ErrorIs(t, err, blockstore.ErrNotFound)
}
