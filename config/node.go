package config

import (
	"context"
	"io"

	mast "github.com/jrhy/atmast"
	"github.com/jrhy/atmast/blockstore"
	"github.com/jrhy/atmast/firehose"
	"github.com/jrhy/atmast/runner"
)

// Node is the storage and scheduling a configuration describes.
type Node struct {
	Store     blockstore.Blockstore
	NodeCache *mast.NodeCache
	Runner    *runner.Runner
	// Heads and Checkpoint are kept in the backend when it can hold
	// them (sqlite), and in memory otherwise.
	Heads      firehose.HeadStore
	Checkpoint firehose.Checkpoint

	closer io.Closer
}

// Open assembles a Node from cfg.
func Open(ctx context.Context, cfg *Config) (*Node, error) {
	backend, closer, err := openBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}
	store, err := withCache(backend, cfg)
	if err != nil {
		if closer != nil {
			closer.Close()
		}
		return nil, err
	}
	n := &Node{
		Store:      store,
		Runner:     runner.New(cfg.RunnerOptions()),
		Heads:      firehose.NewMemoryHeads(),
		Checkpoint: &firehose.MemoryCheckpoint{},
		closer:     closer,
	}
	if cfg.NodeCacheSize > 0 {
		n.NodeCache = mast.NewNodeCache(cfg.NodeCacheSize)
	}
	if heads, ok := backend.(firehose.HeadStore); ok {
		n.Heads = heads
	}
	if cp, ok := backend.(firehose.Checkpoint); ok {
		n.Checkpoint = cp
	}
	return n, nil
}

// TreeConfig returns the tree settings for the node's store and cache.
func (n *Node) TreeConfig() mast.Config {
	return mast.Config{Store: n.Store, NodeCache: n.NodeCache}
}

// Close drains the runner and releases the backend.
func (n *Node) Close(ctx context.Context) error {
	err := n.Runner.Drain(ctx)
	if n.closer != nil {
		if cerr := n.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}
