package blockstore

import (
	"context"
	"sync"

	"github.com/ipfs/go-cid"

	"github.com/jrhy/atmast/codec"
)

var _ Blockstore = &Counting{}

// Counting wraps a Blockstore and records every Get, so tests can
// assert which blocks an operation touched.
type Counting struct {
	s    Blockstore
	mu   sync.Mutex
	gets map[cid.Cid]int
	puts int
}

func NewCounting(s Blockstore) *Counting {
	return &Counting{s: s, gets: make(map[cid.Cid]int)}
}

func (s *Counting) Get(ctx context.Context, c cid.Cid) ([]byte, error) {
	s.mu.Lock()
	s.gets[c]++
	s.mu.Unlock()
	return s.s.Get(ctx, c)
}

func (s *Counting) Has(ctx context.Context, c cid.Cid) (bool, error) {
	return s.s.Has(ctx, c)
}

func (s *Counting) Put(ctx context.Context, b codec.Block) error {
	s.mu.Lock()
	s.puts++
	s.mu.Unlock()
	return s.s.Put(ctx, b)
}

// Gets returns how many times c was fetched.
func (s *Counting) Gets(c cid.Cid) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets[c]
}

// Fetched returns every identifier fetched at least once.
func (s *Counting) Fetched() []cid.Cid {
	s.mu.Lock()
	defer s.mu.Unlock()
	res := make([]cid.Cid, 0, len(s.gets))
	for c := range s.gets {
		res = append(res, c)
	}
	return res
}

// TotalGets returns the number of Get calls.
func (s *Counting) TotalGets() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, v := range s.gets {
		n += v
	}
	return n
}

// Puts returns the number of Put calls.
func (s *Counting) Puts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts
}

// Reset clears the counters.
func (s *Counting) Reset() {
	s.mu.Lock()
	s.gets = make(map[cid.Cid]int)
	s.puts = 0
	s.mu.Unlock()
}
