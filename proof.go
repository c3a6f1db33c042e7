package mast

import (
	"context"
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"

	"github.com/jrhy/atmast/codec"
)

// ErrOpMismatch is returned when an operation does not agree with the
// tree it is applied to or inverted against.
var ErrOpMismatch = errors.New("operation does not match tree")

// Action is the kind of a record operation.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Op is one record change between two trees. Value is the new record
// (undefined for deletes); Prev is the old one (undefined for creates).
type Op struct {
	Action Action
	Key    string
	Value  cid.Cid
	Prev   cid.Cid
}

// OpsFromDiff converts a diff into the operations that turn the old tree
// into the new one.
func OpsFromDiff(d *DiffResult) []Op {
	ops := make([]Op, 0, len(d.Adds)+len(d.Updates)+len(d.Deletes))
	for _, e := range d.Adds {
		ops = append(ops, Op{Action: ActionCreate, Key: e.Key, Value: e.Value})
	}
	for _, u := range d.Updates {
		ops = append(ops, Op{Action: ActionUpdate, Key: u.Key, Value: u.Value, Prev: u.Prev})
	}
	for _, e := range d.Deletes {
		ops = append(ops, Op{Action: ActionDelete, Key: e.Key, Prev: e.Value})
	}
	return ops
}

// CheckOp confirms the tree reflects op having been applied: created and
// updated keys hold the new value, deleted keys are absent.
func (m *Mast) CheckOp(ctx context.Context, op Op) error {
	got, err := m.Get(ctx, op.Key)
	switch op.Action {
	case ActionCreate, ActionUpdate:
		if err != nil {
			return fmt.Errorf("%s %s: %w", op.Action, op.Key, err)
		}
		if !got.Equals(op.Value) {
			return fmt.Errorf("%w: %s %s holds %s, not %s", ErrOpMismatch, op.Action, op.Key, got, op.Value)
		}
		return nil
	case ActionDelete:
		if err == nil {
			return fmt.Errorf("%w: deleted key %s is present", ErrOpMismatch, op.Key)
		}
		if errors.Is(err, ErrKeyNotFound) {
			return nil
		}
		return err
	}
	return fmt.Errorf("%w: unknown action %q", ErrOpMismatch, op.Action)
}

// Invert undoes op, which must already be reflected in the tree, and
// returns the tree as it was before op.
func (m *Mast) Invert(ctx context.Context, op Op) (*Mast, error) {
	if err := m.CheckOp(ctx, op); err != nil {
		return nil, err
	}
	switch op.Action {
	case ActionCreate:
		return m.Delete(ctx, op.Key)
	case ActionUpdate, ActionDelete:
		if !op.Prev.Defined() {
			return nil, fmt.Errorf("%w: %s %s has no previous value", ErrOpMismatch, op.Action, op.Key)
		}
		return m.Put(ctx, op.Key, op.Prev)
	}
	return nil, fmt.Errorf("%w: unknown action %q", ErrOpMismatch, op.Action)
}

// CoveringProof returns the node blocks needed to look key up, and to
// insert or remove it: the paths from the root to key and to its
// nearest neighbours on either side. The tree is flushed first.
func (m *Mast) CoveringProof(ctx context.Context, key string) ([]codec.Block, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	root, err := m.Root(ctx)
	if err != nil {
		return nil, err
	}
	node, height, err := m.rootNode(ctx)
	if err != nil {
		return nil, err
	}
	keys := []string{key}
	if before, ok, err := m.lastBefore(ctx, node, height, key); err != nil {
		return nil, fmt.Errorf("predecessor: %w", err)
	} else if ok {
		keys = append(keys, before)
	}
	if after, ok, err := m.firstAfter(ctx, node, height, key); err != nil {
		return nil, fmt.Errorf("successor: %w", err)
	} else if ok {
		keys = append(keys, after)
	}
	seen := map[cid.Cid]bool{}
	var blocks []codec.Block
	for _, k := range keys {
		if err := m.pathBlocks(ctx, root, height, k, seen, &blocks); err != nil {
			return nil, err
		}
	}
	return blocks, nil
}

// pathBlocks appends the blocks of the nodes on the way down towards
// key, skipping those already seen. The descent continues below key's
// layer when key is absent, since inserting it splits those nodes.
func (m *Mast) pathBlocks(ctx context.Context, c cid.Cid, layer int, key string, seen map[cid.Cid]bool, out *[]codec.Block) error {
	for {
		if !seen[c] {
			data, err := m.store.Get(ctx, c)
			if err != nil {
				return fmt.Errorf("load %s: %w", c, err)
			}
			seen[c] = true
			*out = append(*out, codec.Block{Cid: c, Data: data})
		}
		node, err := m.load(ctx, c, layer)
		if err != nil {
			return err
		}
		i, found := node.search(key)
		if found || node.Link[i] == nil {
			return nil
		}
		next, ok := node.Link[i].(cid.Cid)
		if !ok {
			return fmt.Errorf("unflushed link of type %T", node.Link[i])
		}
		c = next
		layer--
	}
}
