package mast

import (
	"context"
	"fmt"

	"github.com/ipfs/go-cid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/jrhy/atmast/codec"
)

// DefaultFlushConcurrency bounds the parallel writes made by Flush.
const DefaultFlushConcurrency = 40

func (m *Mast) load(ctx context.Context, link interface{}, layer int) (*mastNode, error) {
	switch l := link.(type) {
	case *mastNode:
		return l, nil
	case cid.Cid:
		return m.loadPersisted(ctx, l, layer)
	default:
		return nil, fmt.Errorf("unknown link type %T", l)
	}
}

// loadChild loads a node referenced from a parent. Unlike a root, a
// child must hold at least one key or subtree.
func (m *Mast) loadChild(ctx context.Context, link interface{}, layer int) (*mastNode, error) {
	if layer < 0 {
		return nil, fmt.Errorf("%w: link below the leaf layer", ErrStructure)
	}
	node, err := m.load(ctx, link, layer)
	if err != nil {
		return nil, err
	}
	if node.isEmpty() {
		return nil, fmt.Errorf("%w: empty node below the root", ErrStructure)
	}
	return node, nil
}

func (m *Mast) loadPersisted(ctx context.Context, c cid.Cid, layer int) (*mastNode, error) {
	if node, ok := m.nodeCache.get(c); ok {
		if node.layer != layer {
			return nil, fmt.Errorf("%w: node %s is at layer %d, expected %d", ErrStructure, c, node.layer, layer)
		}
		return node, nil
	}
	node, err := m.fetch(ctx, c)
	if err != nil {
		return nil, err
	}
	if err := checkNode(node, layer); err != nil {
		return nil, fmt.Errorf("node %s: %w", c, err)
	}
	node.layer = layer
	if m.debug {
		log.WithField("cid", c).Debugf("mst: loaded node with %d keys at layer %d", len(node.Key), layer)
	}
	m.nodeCache.add(c, node)
	return node, nil
}

// fetch reads and decodes a node without checking its layer.
func (m *Mast) fetch(ctx context.Context, c cid.Cid) (*mastNode, error) {
	data, err := m.store.Get(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", c, err)
	}
	if err := codec.VerifyBlock(codec.Block{Cid: c, Data: data}); err != nil {
		return nil, err
	}
	node, err := decodeNode(data)
	if err != nil {
		return nil, fmt.Errorf("node %s: %w", c, err)
	}
	return node, nil
}

// checkNode enforces the per-node shape rules: every key lives at the
// node's layer, and leaves have no subtrees.
func checkNode(node *mastNode, layer int) error {
	if len(node.Link) != len(node.Key)+1 || len(node.Value) != len(node.Key) {
		return fmt.Errorf("%w: %d keys, %d values, %d links", ErrStructure, len(node.Key), len(node.Value), len(node.Link))
	}
	for _, key := range node.Key {
		if l := Layer(key); l != layer {
			return fmt.Errorf("%w: key %s belongs at layer %d, found at %d", ErrStructure, key, l, layer)
		}
	}
	if layer == 0 {
		for _, link := range node.Link {
			if link != nil {
				return fmt.Errorf("%w: leaf node has a subtree", ErrStructure)
			}
		}
	}
	return nil
}

// rootLayer works out the layer of a persisted root from its first key.
// A root without entries must be the empty tree: a tree whose top node
// holds only a subtree is trimmed down to that subtree, so such a root
// is never canonical.
func (m *Mast) rootLayer(ctx context.Context, c cid.Cid) (int, error) {
	node, err := m.fetch(ctx, c)
	if err != nil {
		return 0, err
	}
	if len(node.Key) > 0 {
		return Layer(node.Key[0]), nil
	}
	if node.Link[0] != nil {
		return 0, fmt.Errorf("%w: root %s has a subtree but no entries", ErrStructure, c)
	}
	return 0, nil
}

// flushNode encodes node and every unflushed node below it, appending
// the new blocks children-first. It does not modify node.
func (m *Mast) flushNode(node *mastNode, layer int, out *[]codec.Block) (cid.Cid, error) {
	flushed := &mastNode{
		Key:   node.Key,
		Value: node.Value,
		Link:  make([]interface{}, len(node.Link)),
		layer: layer,
	}
	for i, link := range node.Link {
		switch l := link.(type) {
		case *mastNode:
			c, err := m.flushNode(l, layer-1, out)
			if err != nil {
				return cid.Undef, err
			}
			flushed.Link[i] = c
		case cid.Cid, nil:
			flushed.Link[i] = l
		default:
			return cid.Undef, fmt.Errorf("don't know how to flush link of type %T", l)
		}
	}
	data, err := encodeNode(flushed)
	if err != nil {
		return cid.Undef, fmt.Errorf("encode: %w", err)
	}
	b := codec.NewBlock(data)
	*out = append(*out, b)
	m.nodeCache.add(b.Cid, flushed)
	return b.Cid, nil
}

func (m *Mast) storeBlocks(ctx context.Context, blocks []codec.Block) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(m.flushConcurrency)
	for _, b := range blocks {
		b := b
		g.Go(func() error {
			if err := m.store.Put(ctx, b); err != nil {
				return fmt.Errorf("store %s: %w", b.Cid, err)
			}
			return nil
		})
	}
	return g.Wait()
}
