package mast

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ipfs/go-cid"
	log "github.com/sirupsen/logrus"

	"github.com/jrhy/atmast/blockstore"
	"github.com/jrhy/atmast/codec"
)

// Config controls where nodes are persisted and loaded from.
type Config struct {
	// Store holds the tree's nodes. Required.
	Store blockstore.Blockstore

	// NodeCache caches decoded nodes and may be shared across multiple
	// trees. Optional.
	NodeCache *NodeCache

	// FlushConcurrency bounds parallel writes during Flush. 0 means
	// DefaultFlushConcurrency.
	FlushConcurrency int

	// Debug logs tree operations at debug level.
	Debug bool
}

// Entry is a key and the identifier of its record.
type Entry struct {
	Key   string
	Value cid.Cid
}

// Mast is one version of a Merkle Search Tree. Handles are immutable:
// Put and Delete return new handles and leave the receiver unchanged,
// sharing every untouched subtree with it.
type Mast struct {
	mu               sync.Mutex
	root             interface{}
	height           int
	store            blockstore.Blockstore
	nodeCache        *NodeCache
	flushConcurrency int
	debug            bool
}

func newMast(cfg Config) *Mast {
	m := &Mast{
		store:            cfg.Store,
		nodeCache:        cfg.NodeCache,
		flushConcurrency: cfg.FlushConcurrency,
		debug:            cfg.Debug,
	}
	if m.flushConcurrency <= 0 {
		m.flushConcurrency = DefaultFlushConcurrency
	}
	return m
}

// NewEmpty returns an empty tree.
func NewEmpty(cfg Config) *Mast {
	m := newMast(cfg)
	m.root = emptyNode()
	return m
}

// Load opens the tree whose root node has identifier root. The root is
// loaded and checked; other nodes are loaded on demand.
func Load(ctx context.Context, cfg Config, root cid.Cid) (*Mast, error) {
	if cfg.Store == nil {
		return nil, errors.New("no store set; set Config.Store")
	}
	m := newMast(cfg)
	height, err := m.rootLayer(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("root: %w", err)
	}
	if _, err := m.load(ctx, root, height); err != nil {
		return nil, fmt.Errorf("root: %w", err)
	}
	m.root = root
	m.height = height
	return m, nil
}

func (m *Mast) snapshot() (interface{}, int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.root, m.height
}

func (m *Mast) derive(root *mastNode, height int) *Mast {
	return &Mast{
		root:             root,
		height:           height,
		store:            m.store,
		nodeCache:        m.nodeCache,
		flushConcurrency: m.flushConcurrency,
		debug:            m.debug,
	}
}

func (m *Mast) rootNode(ctx context.Context) (*mastNode, int, error) {
	link, height := m.snapshot()
	node, err := m.load(ctx, link, height)
	if err != nil {
		return nil, 0, fmt.Errorf("load root: %w", err)
	}
	return node, height, nil
}

// Get returns the value stored under key, or ErrKeyNotFound.
func (m *Mast) Get(ctx context.Context, key string) (cid.Cid, error) {
	if err := ValidateKey(key); err != nil {
		return cid.Undef, err
	}
	node, height, err := m.rootNode(ctx)
	if err != nil {
		return cid.Undef, err
	}
	return m.get(ctx, node, height, key, Layer(key))
}

// Put returns a tree in which key maps to value. An existing value for
// key is replaced.
func (m *Mast) Put(ctx context.Context, key string, value cid.Cid) (*Mast, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if !value.Defined() {
		return nil, fmt.Errorf("put %s: undefined value", key)
	}
	if m.debug {
		log.Debugf("mst: put %s -> %s", key, value)
	}
	keyLayer := Layer(key)
	root, height, err := m.rootNode(ctx)
	if err != nil {
		return nil, err
	}
	node := root
	if keyLayer > height {
		if node.isEmpty() {
			node = emptyNode()
			height = keyLayer
		}
		for height < keyLayer {
			height++
			node = &mastNode{Link: []interface{}{node}, layer: height}
		}
	}
	newRoot, err := m.insert(ctx, node, height, key, value, keyLayer)
	if err != nil {
		return nil, fmt.Errorf("put %s: %w", key, err)
	}
	if newRoot == root {
		return m, nil
	}
	return m.derive(newRoot, height), nil
}

// Delete returns a tree without key, or ErrKeyNotFound.
func (m *Mast) Delete(ctx context.Context, key string) (*Mast, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if m.debug {
		log.Debugf("mst: delete %s", key)
	}
	keyLayer := Layer(key)
	node, height, err := m.rootNode(ctx)
	if err != nil {
		return nil, err
	}
	if keyLayer > height {
		return nil, fmt.Errorf("delete %s: %w", key, ErrKeyNotFound)
	}
	newRoot, _, err := m.remove(ctx, node, height, key, keyLayer)
	if err != nil {
		return nil, fmt.Errorf("delete %s: %w", key, err)
	}
	newRoot, height, err = m.trim(ctx, newRoot, height)
	if err != nil {
		return nil, err
	}
	return m.derive(newRoot, height), nil
}

// Iter calls f for every entry in key order. Iteration stops at the
// first error, which is returned.
func (m *Mast) Iter(ctx context.Context, f func(key string, value cid.Cid) error) error {
	node, height, err := m.rootNode(ctx)
	if err != nil {
		return err
	}
	return m.walkFrom(ctx, node, height, "", f)
}

// ListEntries returns up to limit entries whose keys sort strictly
// after `after`, in key order. An empty `after` starts at the first key;
// a limit <= 0 means no limit.
func (m *Mast) ListEntries(ctx context.Context, after string, limit int) ([]Entry, error) {
	node, height, err := m.rootNode(ctx)
	if err != nil {
		return nil, err
	}
	var res []Entry
	err = m.walkFrom(ctx, node, height, after, func(key string, value cid.Cid) error {
		if limit > 0 && len(res) >= limit {
			return errStopIteration
		}
		res = append(res, Entry{key, value})
		return nil
	})
	if err != nil && !errors.Is(err, errStopIteration) {
		return nil, err
	}
	return res, nil
}

// LeafCount returns the number of entries in the tree.
func (m *Mast) LeafCount(ctx context.Context) (int, error) {
	n := 0
	err := m.Iter(ctx, func(string, cid.Cid) error {
		n++
		return nil
	})
	return n, err
}

// Layer returns the layer of the root node: the number of levels
// between the root and the leaves.
func (m *Mast) Layer() int {
	_, height := m.snapshot()
	return height
}

// IsDirty reports whether the tree has nodes that have not been flushed.
func (m *Mast) IsDirty() bool {
	link, _ := m.snapshot()
	_, ok := link.(*mastNode)
	return ok
}

// Flush writes every unflushed node to the store and returns the root
// identifier along with the blocks it wrote.
func (m *Mast) Flush(ctx context.Context) (cid.Cid, []codec.Block, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.root.(cid.Cid); ok {
		return c, nil, nil
	}
	if m.store == nil {
		return cid.Undef, nil, errors.New("no store set; set Config.Store")
	}
	node := m.root.(*mastNode)
	var blocks []codec.Block
	c, err := m.flushNode(node, m.height, &blocks)
	if err != nil {
		return cid.Undef, nil, fmt.Errorf("flush: %w", err)
	}
	if err := m.storeBlocks(ctx, blocks); err != nil {
		return cid.Undef, nil, fmt.Errorf("flush: %w", err)
	}
	m.root = c
	return c, blocks, nil
}

// Root flushes the tree and returns its root identifier.
func (m *Mast) Root(ctx context.Context) (cid.Cid, error) {
	c, _, err := m.Flush(ctx)
	return c, err
}

// WalkNodes flushes the tree and calls f with every node block,
// parents before children. Each node is checked against the structural
// rules as it is read.
func (m *Mast) WalkNodes(ctx context.Context, f func(codec.Block) error) error {
	root, err := m.Root(ctx)
	if err != nil {
		return err
	}
	return m.walkNodes(ctx, root, m.Layer(), true, f)
}

func (m *Mast) walkNodes(ctx context.Context, c cid.Cid, layer int, isRoot bool, f func(codec.Block) error) error {
	data, err := m.store.Get(ctx, c)
	if err != nil {
		return fmt.Errorf("load %s: %w", c, err)
	}
	b := codec.Block{Cid: c, Data: data}
	if err := codec.VerifyBlock(b); err != nil {
		return err
	}
	if err := f(b); err != nil {
		return err
	}
	var node *mastNode
	if isRoot {
		node, err = m.load(ctx, c, layer)
	} else {
		node, err = m.loadChild(ctx, c, layer)
	}
	if err != nil {
		return err
	}
	for _, link := range node.Link {
		if link == nil {
			continue
		}
		child, ok := link.(cid.Cid)
		if !ok {
			return fmt.Errorf("unflushed link of type %T", link)
		}
		if err := m.walkNodes(ctx, child, layer-1, false, f); err != nil {
			return err
		}
	}
	return nil
}

// String renders the tree for debugging.
func (m *Mast) String() string {
	ctx := context.Background()
	node, height, err := m.rootNode(ctx)
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	s, err := m.string(ctx, node, height, "   ")
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	return fmt.Sprintf("layer %d {\n%s}", height, s)
}
