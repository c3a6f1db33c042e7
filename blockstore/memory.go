package blockstore

import (
	"context"
	"sort"
	"sync"

	"github.com/ipfs/go-cid"

	"github.com/jrhy/atmast/codec"
)

var _ Blockstore = &Memory{}

// Memory is a map-backed Blockstore, usually for testing and for
// assembling proofs and exports.
type Memory struct {
	mu     sync.Mutex
	blocks map[cid.Cid][]byte
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{blocks: make(map[cid.Cid][]byte)}
}

func (s *Memory) Get(_ context.Context, c cid.Cid) ([]byte, error) {
	s.mu.Lock()
	data, ok := s.blocks[c]
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return data, nil
}

func (s *Memory) Has(_ context.Context, c cid.Cid) (bool, error) {
	s.mu.Lock()
	_, ok := s.blocks[c]
	s.mu.Unlock()
	return ok, nil
}

func (s *Memory) Put(_ context.Context, b codec.Block) error {
	s.mu.Lock()
	if _, ok := s.blocks[b.Cid]; !ok {
		s.blocks[b.Cid] = b.Data
	}
	s.mu.Unlock()
	return nil
}

// Len returns the number of blocks held.
func (s *Memory) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.blocks)
}

// Blocks returns a snapshot of every block, ordered by identifier bytes.
func (s *Memory) Blocks() []codec.Block {
	s.mu.Lock()
	res := make([]codec.Block, 0, len(s.blocks))
	for c, data := range s.blocks {
		res = append(res, codec.Block{Cid: c, Data: data})
	}
	s.mu.Unlock()
	sort.Slice(res, func(i, j int) bool { return res[i].Cid.KeyString() < res[j].Cid.KeyString() })
	return res
}
