package mast

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/ipfs/go-cid"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrKeyNotFound is returned when a key is absent from the tree.
	ErrKeyNotFound = errors.New("key not found")
	// ErrStructure reports a node that violates the tree's shape rules.
	// Such trees are never repaired.
	ErrStructure = errors.New("mst structure violation")
)

// mastNode holds N keys with their values and N+1 links. Link[i] is the
// subtree of keys between Key[i-1] and Key[i]. A link is nil, a cid.Cid
// of a persisted node, or a *mastNode that has not been flushed yet.
// Nodes are never modified once reachable from a Mast; every change
// copies the nodes along the path.
type mastNode struct {
	Key   []string
	Value []cid.Cid
	Link  []interface{}
	layer int
}

func emptyNode() *mastNode {
	return &mastNode{Link: []interface{}{nil}}
}

func (node *mastNode) isEmpty() bool {
	return len(node.Key) == 0 && node.Link[0] == nil
}

func (node *mastNode) xcopy() *mastNode {
	return &mastNode{
		Key:   append(make([]string, 0, len(node.Key)+1), node.Key...),
		Value: append(make([]cid.Cid, 0, len(node.Value)+1), node.Value...),
		Link:  append(make([]interface{}, 0, len(node.Link)+1), node.Link...),
		layer: node.layer,
	}
}

// search returns the index of the first key >= key, and whether it is
// equal.
func (node *mastNode) search(key string) (int, bool) {
	i := sort.SearchStrings(node.Key, key)
	return i, i < len(node.Key) && node.Key[i] == key
}

func nodeLink(node *mastNode) interface{} {
	if node == nil || node.isEmpty() {
		return nil
	}
	return node
}

func sameLink(a, b interface{}) bool {
	switch x := a.(type) {
	case nil:
		return b == nil
	case cid.Cid:
		y, ok := b.(cid.Cid)
		return ok && x.Equals(y)
	case *mastNode:
		y, ok := b.(*mastNode)
		return ok && x == y
	}
	return false
}

// insert puts key into the subtree rooted at node, which lives at
// layer. keyLayer <= layer.
func (m *Mast) insert(ctx context.Context, node *mastNode, layer int, key string, value cid.Cid, keyLayer int) (*mastNode, error) {
	i, found := node.search(key)
	if found {
		if node.Value[i].Equals(value) {
			return node, nil
		}
		node = node.xcopy()
		node.Value[i] = value
		return node, nil
	}
	if keyLayer == layer {
		left, right, err := m.split(ctx, node.Link[i], layer-1, key)
		if err != nil {
			return nil, fmt.Errorf("split: %w", err)
		}
		if m.debug {
			log.Debugf("mst: inserting %s at layer %d index %d", key, layer, i)
		}
		node = node.xcopy()
		node.Key = append(node.Key[:i], append([]string{key}, node.Key[i:]...)...)
		node.Value = append(node.Value[:i], append([]cid.Cid{value}, node.Value[i:]...)...)
		node.Link = append(node.Link[:i], append([]interface{}{left, right}, node.Link[i+1:]...)...)
		return node, nil
	}
	var child *mastNode
	if node.Link[i] == nil {
		child = emptyNode()
		child.layer = layer - 1
	} else {
		var err error
		child, err = m.loadChild(ctx, node.Link[i], layer-1)
		if err != nil {
			return nil, fmt.Errorf("following %d: %w", i, err)
		}
	}
	newChild, err := m.insert(ctx, child, layer-1, key, value, keyLayer)
	if err != nil {
		return nil, err
	}
	if newChild == child {
		return node, nil
	}
	node = node.xcopy()
	node.Link[i] = newChild
	return node, nil
}

// split divides the subtree at link, which lives at layer, into the
// parts before and after key. The key must not be present. Parts that
// end up with neither keys nor children become nil; entry-less parts
// that still hold a child are kept, so layers stay contiguous.
func (m *Mast) split(ctx context.Context, link interface{}, layer int, key string) (interface{}, interface{}, error) {
	if link == nil {
		return nil, nil, nil
	}
	node, err := m.loadChild(ctx, link, layer)
	if err != nil {
		return nil, nil, fmt.Errorf("load: %w", err)
	}
	i, found := node.search(key)
	if found {
		return nil, nil, fmt.Errorf("%w: key %s already present at layer %d", ErrStructure, key, layer)
	}
	leftLink, rightLink, err := m.split(ctx, node.Link[i], layer-1, key)
	if err != nil {
		return nil, nil, err
	}
	left := &mastNode{
		Key:   append([]string{}, node.Key[:i]...),
		Value: append([]cid.Cid{}, node.Value[:i]...),
		Link:  append([]interface{}{}, node.Link[:i+1]...),
		layer: layer,
	}
	left.Link[i] = leftLink
	right := &mastNode{
		Key:   append([]string{}, node.Key[i:]...),
		Value: append([]cid.Cid{}, node.Value[i:]...),
		Link:  append([]interface{}{}, node.Link[i:]...),
		layer: layer,
	}
	right.Link[0] = rightLink
	return nodeLink(left), nodeLink(right), nil
}

// remove deletes key from the subtree rooted at node.
func (m *Mast) remove(ctx context.Context, node *mastNode, layer int, key string, keyLayer int) (*mastNode, cid.Cid, error) {
	i, found := node.search(key)
	if keyLayer == layer {
		if !found {
			return nil, cid.Undef, ErrKeyNotFound
		}
		merged, err := m.mergeNodes(ctx, node.Link[i], node.Link[i+1], layer-1)
		if err != nil {
			return nil, cid.Undef, fmt.Errorf("merge: %w", err)
		}
		old := node.Value[i]
		node = node.xcopy()
		node.Key = append(node.Key[:i], node.Key[i+1:]...)
		node.Value = append(node.Value[:i], node.Value[i+1:]...)
		node.Link = append(node.Link[:i], node.Link[i+1:]...)
		node.Link[i] = merged
		return node, old, nil
	}
	if node.Link[i] == nil {
		return nil, cid.Undef, ErrKeyNotFound
	}
	child, err := m.loadChild(ctx, node.Link[i], layer-1)
	if err != nil {
		return nil, cid.Undef, fmt.Errorf("following %d: %w", i, err)
	}
	newChild, old, err := m.remove(ctx, child, layer-1, key, keyLayer)
	if err != nil {
		return nil, cid.Undef, err
	}
	node = node.xcopy()
	node.Link[i] = nodeLink(newChild)
	return node, old, nil
}

// mergeNodes joins two adjacent subtrees of the same layer, where every
// key of left sorts before every key of right.
func (m *Mast) mergeNodes(ctx context.Context, leftLink, rightLink interface{}, layer int) (interface{}, error) {
	if leftLink == nil {
		return rightLink, nil
	}
	if rightLink == nil {
		return leftLink, nil
	}
	left, err := m.loadChild(ctx, leftLink, layer)
	if err != nil {
		return nil, fmt.Errorf("load left: %w", err)
	}
	right, err := m.loadChild(ctx, rightLink, layer)
	if err != nil {
		return nil, fmt.Errorf("load right: %w", err)
	}
	mergedLink, err := m.mergeNodes(ctx, left.Link[len(left.Link)-1], right.Link[0], layer-1)
	if err != nil {
		return nil, fmt.Errorf("merge: %w", err)
	}
	combined := &mastNode{
		Key:   make([]string, 0, len(left.Key)+len(right.Key)),
		Value: make([]cid.Cid, 0, len(left.Value)+len(right.Value)),
		Link:  make([]interface{}, 0, len(left.Link)+len(right.Link)-1),
		layer: layer,
	}
	combined.Key = append(combined.Key, left.Key...)
	combined.Key = append(combined.Key, right.Key...)
	combined.Value = append(combined.Value, left.Value...)
	combined.Value = append(combined.Value, right.Value...)
	combined.Link = append(combined.Link, left.Link[:len(left.Link)-1]...)
	combined.Link = append(combined.Link, mergedLink)
	combined.Link = append(combined.Link, right.Link[1:]...)
	return combined, nil
}

// trim removes entry-less roots above the topmost keys.
func (m *Mast) trim(ctx context.Context, root *mastNode, height int) (*mastNode, int, error) {
	for len(root.Key) == 0 && height > 0 {
		if root.Link[0] == nil {
			return emptyNode(), 0, nil
		}
		child, err := m.loadChild(ctx, root.Link[0], height-1)
		if err != nil {
			return nil, 0, fmt.Errorf("trim: %w", err)
		}
		root = child
		height--
	}
	return root, height, nil
}

func (m *Mast) get(ctx context.Context, node *mastNode, layer int, key string, keyLayer int) (cid.Cid, error) {
	for {
		if keyLayer > layer {
			return cid.Undef, ErrKeyNotFound
		}
		i, found := node.search(key)
		if found {
			return node.Value[i], nil
		}
		if layer == keyLayer || node.Link[i] == nil {
			return cid.Undef, ErrKeyNotFound
		}
		child, err := m.loadChild(ctx, node.Link[i], layer-1)
		if err != nil {
			return cid.Undef, fmt.Errorf("following %d: %w", i, err)
		}
		node = child
		layer--
	}
}

var errStopIteration = errors.New("stop iteration")

// walkFrom calls f for every entry with a key strictly after `after`, in
// key order. An empty `after` visits every entry.
func (m *Mast) walkFrom(ctx context.Context, node *mastNode, layer int, after string, f func(string, cid.Cid) error) error {
	start := 0
	if after != "" {
		start = sort.Search(len(node.Key), func(i int) bool { return node.Key[i] > after })
	}
	for i := start; i < len(node.Link); i++ {
		if link := node.Link[i]; link != nil {
			child, err := m.loadChild(ctx, link, layer-1)
			if err != nil {
				return err
			}
			childAfter := ""
			if i == start {
				childAfter = after
			}
			if err := m.walkFrom(ctx, child, layer-1, childAfter, f); err != nil {
				return err
			}
		}
		if i < len(node.Key) {
			if err := f(node.Key[i], node.Value[i]); err != nil {
				return err
			}
		}
	}
	return nil
}

// lastBefore returns the greatest key less than key.
func (m *Mast) lastBefore(ctx context.Context, node *mastNode, layer int, key string) (string, bool, error) {
	i, _ := node.search(key)
	if link := node.Link[i]; link != nil {
		child, err := m.loadChild(ctx, link, layer-1)
		if err != nil {
			return "", false, err
		}
		k, ok, err := m.lastBefore(ctx, child, layer-1, key)
		if err != nil || ok {
			return k, ok, err
		}
	}
	if i > 0 {
		return node.Key[i-1], true, nil
	}
	return "", false, nil
}

// firstAfter returns the least key greater than key.
func (m *Mast) firstAfter(ctx context.Context, node *mastNode, layer int, key string) (string, bool, error) {
	i := sort.Search(len(node.Key), func(i int) bool { return node.Key[i] > key })
	if link := node.Link[i]; link != nil {
		child, err := m.loadChild(ctx, link, layer-1)
		if err != nil {
			return "", false, err
		}
		k, ok, err := m.firstAfter(ctx, child, layer-1, key)
		if err != nil || ok {
			return k, ok, err
		}
	}
	if i < len(node.Key) {
		return node.Key[i], true, nil
	}
	return "", false, nil
}

func (m *Mast) string(ctx context.Context, node *mastNode, layer int, indent string) (string, error) {
	var sb strings.Builder
	for i, link := range node.Link {
		if link != nil {
			child, err := m.loadChild(ctx, link, layer-1)
			if err != nil {
				return "", err
			}
			childStr, err := m.string(ctx, child, layer-1, indent+"   ")
			if err != nil {
				return "", err
			}
			linkStr := ""
			if c, ok := link.(cid.Cid); ok {
				linkStr = " link=" + c.String()
			}
			fmt.Fprintf(&sb, "%s{%s\n%s%s}\n", indent, linkStr, childStr, indent)
		}
		if i < len(node.Key) {
			fmt.Fprintf(&sb, "%s%s: %s\n", indent, node.Key[i], node.Value[i])
		}
	}
	return sb.String(), nil
}
