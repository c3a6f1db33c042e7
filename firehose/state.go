package firehose

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/ipfs/go-cid"

	"github.com/jrhy/atmast/blockstore"
)

// HeadStore records the latest applied commit of each repository.
type HeadStore interface {
	// GetHead returns blockstore.ErrNotFound for unknown repositories.
	GetHead(ctx context.Context, did string) (cid.Cid, string, error)
	SetHead(ctx context.Context, did string, commit cid.Cid, rev string) error
}

// Checkpoint persists the sequence number up to which every event has
// been processed.
type Checkpoint interface {
	SaveCursor(ctx context.Context, seq int64) error
}

// EventSource delivers events in order. Next returns io.EOF when the
// source is exhausted.
type EventSource interface {
	Next(ctx context.Context) (*Event, error)
}

// ChannelSource reads events from a channel until it is closed.
type ChannelSource <-chan *Event

func (s ChannelSource) Next(ctx context.Context) (*Event, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case ev, ok := <-s:
		if !ok {
			return nil, io.EOF
		}
		return ev, nil
	}
}

type head struct {
	commit cid.Cid
	rev    string
}

// MemoryHeads is an in-memory HeadStore.
type MemoryHeads struct {
	mu    sync.Mutex
	heads map[string]head
}

var _ HeadStore = &MemoryHeads{}

func NewMemoryHeads() *MemoryHeads {
	return &MemoryHeads{heads: map[string]head{}}
}

func (m *MemoryHeads) GetHead(_ context.Context, did string) (cid.Cid, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.heads[did]
	if !ok {
		return cid.Undef, "", fmt.Errorf("head of %s: %w", did, blockstore.ErrNotFound)
	}
	return h.commit, h.rev, nil
}

func (m *MemoryHeads) SetHead(_ context.Context, did string, commit cid.Cid, rev string) error {
	m.mu.Lock()
	m.heads[did] = head{commit: commit, rev: rev}
	m.mu.Unlock()
	return nil
}

// MemoryCheckpoint is an in-memory Checkpoint that remembers every
// saved cursor.
type MemoryCheckpoint struct {
	mu    sync.Mutex
	saved []int64
}

var _ Checkpoint = &MemoryCheckpoint{}

func (m *MemoryCheckpoint) SaveCursor(_ context.Context, seq int64) error {
	m.mu.Lock()
	m.saved = append(m.saved, seq)
	m.mu.Unlock()
	return nil
}

// Cursor returns the last saved cursor, or 0.
func (m *MemoryCheckpoint) Cursor() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.saved) == 0 {
		return 0
	}
	return m.saved[len(m.saved)-1]
}

// Saved returns every cursor saved, in order.
func (m *MemoryCheckpoint) Saved() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int64{}, m.saved...)
}
