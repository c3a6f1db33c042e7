// Package blockstore defines the content-addressed block storage the
// rest of the module is built on, plus a few in-process implementations.
package blockstore

import (
	"context"
	"errors"

	"github.com/ipfs/go-cid"

	"github.com/jrhy/atmast/codec"
)

// ErrNotFound is returned by Get for identifiers the store does not hold.
var ErrNotFound = errors.New("block not found")

// Blockstore holds immutable blocks by identifier. Implementations must
// be safe for concurrent use. Put is idempotent.
type Blockstore interface {
	// Get returns the payload stored under c, or ErrNotFound.
	Get(ctx context.Context, c cid.Cid) ([]byte, error)
	// Has reports whether c is present.
	Has(ctx context.Context, c cid.Cid) (bool, error)
	// Put stores b. Storing the same block twice is a no-op.
	Put(ctx context.Context, b codec.Block) error
}

// PutBytes stores dag-cbor data and returns its identifier.
func PutBytes(ctx context.Context, s Blockstore, data []byte) (cid.Cid, error) {
	b := codec.NewBlock(data)
	if err := s.Put(ctx, b); err != nil {
		return cid.Undef, err
	}
	return b.Cid, nil
}

// PutValue encodes v and stores it, returning its identifier.
func PutValue(ctx context.Context, s Blockstore, v codec.Value) (cid.Cid, error) {
	data, err := codec.Encode(v)
	if err != nil {
		return cid.Undef, err
	}
	return PutBytes(ctx, s, data)
}

// PutAll stores every block in order, stopping at the first error.
func PutAll(ctx context.Context, s Blockstore, blocks []codec.Block) error {
	for _, b := range blocks {
		if err := s.Put(ctx, b); err != nil {
			return err
		}
	}
	return nil
}
