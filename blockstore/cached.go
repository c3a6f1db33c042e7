package blockstore

import (
	"context"

	lru "github.com/hashicorp/golang-lru"
	"github.com/ipfs/go-cid"

	"github.com/jrhy/atmast/codec"
)

var _ Blockstore = &Cached{}

// Cached is a least-recently-used read cache in front of another
// Blockstore. Writes pass through.
type Cached struct {
	c *lru.Cache // cid.Cid -> []byte
	s Blockstore
}

// NewCached caches up to size blocks read from or written to s.
func NewCached(s Blockstore, size int) (*Cached, error) {
	c, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &Cached{c: c, s: s}, nil
}

func (s *Cached) Get(ctx context.Context, c cid.Cid) ([]byte, error) {
	if data, ok := s.c.Get(c); ok {
		return data.([]byte), nil
	}
	data, err := s.s.Get(ctx, c)
	if err != nil {
		return nil, err
	}
	s.c.Add(c, data)
	return data, nil
}

func (s *Cached) Has(ctx context.Context, c cid.Cid) (bool, error) {
	if s.c.Contains(c) {
		return true, nil
	}
	return s.s.Has(ctx, c)
}

func (s *Cached) Put(ctx context.Context, b codec.Block) error {
	if s.c.Contains(b.Cid) {
		return nil
	}
	if err := s.s.Put(ctx, b); err != nil {
		return err
	}
	s.c.Add(b.Cid, b.Data)
	return nil
}
