package mast

import (
	"context"
	"fmt"

	"github.com/ipfs/go-cid"
	log "github.com/sirupsen/logrus"
)

// DiffResult lists the record-level and node-level differences between
// two trees.
type DiffResult struct {
	Adds    []Entry
	Updates []Update
	Deletes []Entry

	// NewNodes are node identifiers present in the new tree only;
	// RemovedNodes are present in the old tree only.
	NewNodes     []cid.Cid
	RemovedNodes []cid.Cid
}

// Update is a key whose value changed.
type Update struct {
	Key   string
	Prev  cid.Cid
	Value cid.Cid
}

// Empty reports whether the trees had the same records.
func (d *DiffResult) Empty() bool {
	return len(d.Adds) == 0 && len(d.Updates) == 0 && len(d.Deletes) == 0
}

// Diff compares two trees, which are flushed first. A nil old tree is
// treated as empty. Subtrees with equal identifiers are skipped without
// being loaded, so the cost is proportional to the size of the change.
func Diff(ctx context.Context, oldMast, newMast *Mast) (*DiffResult, error) {
	res := &DiffResult{}
	removed := map[cid.Cid]bool{}
	added := map[cid.Cid]bool{}
	err := newMast.diff(ctx, oldMast,
		func(isAdded, isRemoved bool, key string, addedValue, removedValue cid.Cid) (bool, error) {
			switch {
			case isAdded:
				res.Adds = append(res.Adds, Entry{key, addedValue})
			case isRemoved:
				res.Deletes = append(res.Deletes, Entry{key, removedValue})
			default:
				res.Updates = append(res.Updates, Update{key, removedValue, addedValue})
			}
			return true, nil
		},
		func(isRemoved bool, link cid.Cid) (bool, error) {
			if isRemoved {
				if !removed[link] {
					removed[link] = true
					res.RemovedNodes = append(res.RemovedNodes, link)
				}
			} else if !added[link] {
				added[link] = true
				res.NewNodes = append(res.NewNodes, link)
			}
			return true, nil
		})
	if err != nil {
		return nil, err
	}
	// A subtree can be expanded on both sides when it moved between
	// layers; it belongs to neither list.
	res.NewNodes = without(res.NewNodes, removed)
	res.RemovedNodes = without(res.RemovedNodes, added)
	return res, nil
}

func without(cids []cid.Cid, drop map[cid.Cid]bool) []cid.Cid {
	out := cids[:0]
	for _, c := range cids {
		if !drop[c] {
			out = append(out, c)
		}
	}
	return out
}

// DiffIter invokes the given callback for every entry that is different
// from the given tree. The iteration will stop if the callback returns
// keepGoing==false or an error. Callback invocation with
// added==removed==false signifies entries whose values have changed.
func (m *Mast) DiffIter(
	ctx context.Context,
	oldMast *Mast,
	f func(added, removed bool, key string, addedValue, removedValue cid.Cid) (bool, error),
) error {
	return m.diff(ctx, oldMast, f, nil)
}

// DiffLinks invokes the given callback for every node that is different
// from the given tree. The iteration will stop if the callback returns
// keepGoing==false or an error.
func (m *Mast) DiffLinks(
	ctx context.Context,
	oldMast *Mast,
	f func(removed bool, link cid.Cid) (bool, error),
) error {
	return m.diff(ctx, oldMast, nil, f)
}

type iterItem struct {
	link  interface{} // cid.Cid, or nil for an entry
	layer int
	root  bool
	entry Entry
}

func (item *iterItem) isLink() bool {
	return item.link != nil
}

type iterItemStack struct {
	things []iterItem
}

func (stack *iterItemStack) pop() *iterItem {
	if len(stack.things) == 0 {
		return nil
	}
	popped := stack.things[len(stack.things)-1]
	stack.things = stack.things[:len(stack.things)-1]
	return &popped
}

func (stack *iterItemStack) push(item *iterItem) {
	stack.things = append(stack.things, *item)
}

// pushNode pushes node's entries and subtrees so that the leftmost is on
// top.
func (stack *iterItemStack) pushNode(node *mastNode, layer int) {
	for i := len(node.Key); i >= 0; i-- {
		if node.Link[i] != nil {
			stack.push(&iterItem{link: node.Link[i], layer: layer - 1})
		}
		if i > 0 {
			stack.push(&iterItem{entry: Entry{node.Key[i-1], node.Value[i-1]}})
		}
	}
}

// holds reports whether the stack has a link to the same subtree as
// link. Everything above that link sorts before the subtree.
func (stack *iterItemStack) holds(link interface{}) bool {
	for i := len(stack.things) - 1; i >= 0; i-- {
		if item := &stack.things[i]; item.isLink() && sameLink(item.link, link) {
			return true
		}
	}
	return false
}

func (m *Mast) diff(
	ctx context.Context,
	oldMast *Mast,
	entryCb func(added, removed bool, key string, addedValue, removedValue cid.Cid) (bool, error),
	linkCb func(removed bool, link cid.Cid) (bool, error),
) error {
	newRoot, err := m.Root(ctx)
	if err != nil {
		return fmt.Errorf("flush new: %w", err)
	}
	var oldStack, newStack iterItemStack
	newStack.push(&iterItem{link: newRoot, layer: m.Layer(), root: true})
	if oldMast != nil {
		oldRoot, err := oldMast.Root(ctx)
		if err != nil {
			return fmt.Errorf("flush old: %w", err)
		}
		oldStack.push(&iterItem{link: oldRoot, layer: oldMast.Layer(), root: true})
	}

	// expand replaces a link item with the node's contents, reporting
	// the node as new or removed.
	expand := func(t *Mast, stack *iterItemStack, item *iterItem, removed bool) (bool, error) {
		c := item.link.(cid.Cid)
		if linkCb != nil {
			keepGoing, err := linkCb(removed, c)
			if err != nil {
				return false, fmt.Errorf("callback: %w", err)
			}
			if !keepGoing {
				return false, nil
			}
		}
		var node *mastNode
		var err error
		if item.root {
			node, err = t.load(ctx, c, item.layer)
		} else {
			node, err = t.loadChild(ctx, c, item.layer)
		}
		if err != nil {
			return false, fmt.Errorf("load: %w", err)
		}
		stack.pushNode(node, item.layer)
		return true, nil
	}
	emit := func(added, removed bool, key string, addedValue, removedValue cid.Cid) (bool, error) {
		if entryCb == nil {
			return true, nil
		}
		keepGoing, err := entryCb(added, removed, key, addedValue, removedValue)
		if err != nil {
			return false, fmt.Errorf("callback: %w", err)
		}
		return keepGoing, nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		o := oldStack.pop()
		n := newStack.pop()
		var keepGoing bool
		var err error
		switch {
		case o == nil && n == nil:
			return nil
		case o == nil:
			if n.isLink() {
				keepGoing, err = expand(m, &newStack, n, false)
			} else {
				keepGoing, err = emit(true, false, n.entry.Key, n.entry.Value, cid.Undef)
			}
		case n == nil:
			if o.isLink() {
				keepGoing, err = expand(oldMast, &oldStack, o, true)
			} else {
				keepGoing, err = emit(false, true, o.entry.Key, cid.Undef, o.entry.Value)
			}
		case o.isLink() && !sameLink(o.link, n.link) && newStack.holds(o.link):
			// The new tree reaches the same subtree a little later;
			// n is in the new tree only.
			oldStack.push(o)
			if n.isLink() {
				keepGoing, err = expand(m, &newStack, n, false)
			} else {
				keepGoing, err = emit(true, false, n.entry.Key, n.entry.Value, cid.Undef)
			}
		case n.isLink() && !sameLink(o.link, n.link) && oldStack.holds(n.link):
			newStack.push(n)
			if o.isLink() {
				keepGoing, err = expand(oldMast, &oldStack, o, true)
			} else {
				keepGoing, err = emit(false, true, o.entry.Key, cid.Undef, o.entry.Value)
			}
		case o.isLink() && n.isLink():
			if sameLink(o.link, n.link) {
				if m.debug {
					log.Debugf("mst diff: skipping shared subtree %v", n.link)
				}
				continue
			}
			switch {
			case o.layer > n.layer:
				newStack.push(n)
				keepGoing, err = expand(oldMast, &oldStack, o, true)
			case n.layer > o.layer:
				oldStack.push(o)
				keepGoing, err = expand(m, &newStack, n, false)
			default:
				keepGoing, err = expand(oldMast, &oldStack, o, true)
				if err == nil && keepGoing {
					keepGoing, err = expand(m, &newStack, n, false)
				}
			}
		case o.isLink():
			newStack.push(n)
			keepGoing, err = expand(oldMast, &oldStack, o, true)
		case n.isLink():
			oldStack.push(o)
			keepGoing, err = expand(m, &newStack, n, false)
		default:
			switch {
			case o.entry.Key < n.entry.Key:
				newStack.push(n)
				keepGoing, err = emit(false, true, o.entry.Key, cid.Undef, o.entry.Value)
			case o.entry.Key > n.entry.Key:
				oldStack.push(o)
				keepGoing, err = emit(true, false, n.entry.Key, n.entry.Value, cid.Undef)
			case !o.entry.Value.Equals(n.entry.Value):
				keepGoing, err = emit(false, false, n.entry.Key, n.entry.Value, o.entry.Value)
			default:
				keepGoing = true
			}
		}
		if err != nil {
			return err
		}
		if !keepGoing {
			return nil
		}
	}
}
