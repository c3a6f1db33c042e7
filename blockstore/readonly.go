package blockstore

import (
	"context"
	"errors"

	"github.com/ipfs/go-cid"

	"github.com/jrhy/atmast/codec"
)

// ErrReadOnly is returned by Put on a read-only store.
var ErrReadOnly = errors.New("blockstore is read-only")

var _ Blockstore = &ReadOnly{}

// ReadOnly serves a fixed set of blocks, such as the contents of a
// proof. Verification reads through it so that it can never write to
// a caller's store.
type ReadOnly struct {
	blocks map[cid.Cid][]byte
}

// NewReadOnly indexes blocks by identifier. The identifiers are taken
// as given; callers that do not trust the source should run
// codec.VerifyBlock first.
func NewReadOnly(blocks []codec.Block) *ReadOnly {
	m := make(map[cid.Cid][]byte, len(blocks))
	for _, b := range blocks {
		m[b.Cid] = b.Data
	}
	return &ReadOnly{blocks: m}
}

func (s *ReadOnly) Get(_ context.Context, c cid.Cid) ([]byte, error) {
	data, ok := s.blocks[c]
	if !ok {
		return nil, ErrNotFound
	}
	return data, nil
}

func (s *ReadOnly) Has(_ context.Context, c cid.Cid) (bool, error) {
	_, ok := s.blocks[c]
	return ok, nil
}

func (s *ReadOnly) Put(context.Context, codec.Block) error {
	return ErrReadOnly
}

// Overlay reads from top first and then from base. Writes go to top
// only, so base is never modified.
type Overlay struct {
	top  Blockstore
	base Blockstore
}

var _ Blockstore = &Overlay{}

func NewOverlay(top, base Blockstore) *Overlay {
	return &Overlay{top: top, base: base}
}

func (s *Overlay) Get(ctx context.Context, c cid.Cid) ([]byte, error) {
	data, err := s.top.Get(ctx, c)
	if err == nil || !errors.Is(err, ErrNotFound) {
		return data, err
	}
	return s.base.Get(ctx, c)
}

func (s *Overlay) Has(ctx context.Context, c cid.Cid) (bool, error) {
	ok, err := s.top.Has(ctx, c)
	if err != nil || ok {
		return ok, err
	}
	return s.base.Has(ctx, c)
}

func (s *Overlay) Put(ctx context.Context, b codec.Block) error {
	return s.top.Put(ctx, b)
}
