package repo

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"

	mast "github.com/jrhy/atmast"
	"github.com/jrhy/atmast/blockstore"
	"github.com/jrhy/atmast/car"
	"github.com/jrhy/atmast/codec"
	"github.com/jrhy/atmast/crypto"
	"github.com/jrhy/atmast/tid"
)

// VerifyInclusion checks, using only the proof blocks, that the signed
// commit's tree maps key to claimed. A nil claimed checks that key is
// absent instead.
func VerifyInclusion(ctx context.Context, commit *Commit, pub crypto.PublicKey, key string, claimed *cid.Cid, proof []codec.Block) error {
	if err := VerifyCommit(commit, pub); err != nil {
		return err
	}
	store := blockstore.NewReadOnly(proof)
	t, err := mast.Load(ctx, mast.Config{Store: store}, commit.Data)
	if err != nil {
		return failure(insufficient(err))
	}
	got, err := t.Get(ctx, key)
	switch {
	case errors.Is(err, mast.ErrKeyNotFound):
		if claimed != nil {
			return &VerifyError{Check: CheckValue, Err: fmt.Errorf("%s is absent, expected %s", key, claimed)}
		}
		return nil
	case err != nil:
		return failure(insufficient(err))
	case claimed == nil:
		return &VerifyError{Check: CheckValue, Err: fmt.Errorf("%s is present, expected absent", key)}
	case !got.Equals(*claimed):
		return &VerifyError{Check: CheckValue, Err: fmt.Errorf("%s holds %s, expected %s", key, got, claimed)}
	}
	return nil
}

// VerifyFullRepo reads a complete repository archive and checks it: a
// single root naming a signed commit, and every tree node and record
// reachable from it present and well formed. Nothing is written
// anywhere.
func VerifyFullRepo(ctx context.Context, r io.Reader, pub crypto.PublicKey) (*Commit, error) {
	c, _, _, err := verifyArchive(ctx, r, pub)
	return c, err
}

// ImportRepo verifies a complete repository archive like VerifyFullRepo
// and, only once it verifies, copies its blocks into store. It returns
// the commit and its identifier.
func ImportRepo(ctx context.Context, r io.Reader, pub crypto.PublicKey, store blockstore.Blockstore) (*Commit, cid.Cid, error) {
	c, head, blocks, err := verifyArchive(ctx, r, pub)
	if err != nil {
		return nil, cid.Undef, err
	}
	if err := blockstore.PutAll(ctx, store, blocks.Blocks()); err != nil {
		return nil, cid.Undef, fmt.Errorf("import: %w", err)
	}
	return c, head, nil
}

func verifyArchive(ctx context.Context, r io.Reader, pub crypto.PublicKey) (*Commit, cid.Cid, *blockstore.Memory, error) {
	blocks := blockstore.NewMemory()
	roots, err := car.LoadInto(ctx, r, blocks)
	if err != nil {
		return nil, cid.Undef, nil, failure(err)
	}
	if len(roots) != 1 {
		return nil, cid.Undef, nil, &VerifyError{Check: CheckRoot, Err: fmt.Errorf("archive has %d roots, expected 1", len(roots))}
	}
	head := roots[0]
	c, err := loadCommit(ctx, blocks, head)
	if err != nil {
		return nil, cid.Undef, nil, failure(err)
	}
	if err := VerifyCommit(c, pub); err != nil {
		return nil, cid.Undef, nil, err
	}
	if err := verifyTree(ctx, blocks, c.Data); err != nil {
		return nil, cid.Undef, nil, failure(err)
	}
	return c, head, blocks, nil
}

// verifyTree walks every node of the tree rooted at data, checking each
// against the structural rules, and confirms every record is present.
func verifyTree(ctx context.Context, store blockstore.Blockstore, data cid.Cid) error {
	t, err := mast.Load(ctx, mast.Config{Store: store}, data)
	if err != nil {
		return err
	}
	if err := t.WalkNodes(ctx, func(codec.Block) error { return nil }); err != nil {
		return err
	}
	return t.Iter(ctx, func(key string, value cid.Cid) error {
		if err := codec.CheckCid(value); err != nil {
			return fmt.Errorf("record %s: %w", key, err)
		}
		ok, err := store.Has(ctx, value)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("record %s (%s): %w", key, value, blockstore.ErrNotFound)
		}
		return nil
	})
}

func loadCommit(ctx context.Context, store blockstore.Blockstore, c cid.Cid) (*Commit, error) {
	data, err := store.Get(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("commit %s: %w", c, err)
	}
	if err := codec.VerifyBlock(codec.Block{Cid: c, Data: data}); err != nil {
		return nil, err
	}
	commit, err := DecodeCommit(data)
	if err != nil {
		return nil, err
	}
	if commit.Did == "" {
		return nil, fmt.Errorf("%w: commit %s has no repository id", codec.ErrDecode, c)
	}
	if _, err := tid.Parse(commit.Rev); err != nil {
		return nil, fmt.Errorf("%w: commit %s: %v", codec.ErrDecode, c, err)
	}
	return commit, nil
}

// VerifyHistory follows prev links back from head, verifying every
// commit: each is signed by pub, belongs to the same repository, and has
// a revision strictly below the one after it. Commits are returned
// newest first.
func VerifyHistory(ctx context.Context, store blockstore.Blockstore, head cid.Cid, pub crypto.PublicKey) ([]*Commit, error) {
	var res []*Commit
	next := &head
	for next != nil {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		c, err := loadCommit(ctx, store, *next)
		if err != nil {
			return nil, failure(err)
		}
		if err := VerifyCommit(c, pub); err != nil {
			return nil, err
		}
		if len(res) > 0 {
			later := res[len(res)-1]
			if c.Did != later.Did {
				return nil, &VerifyError{Check: CheckStructure, Err: fmt.Errorf("commit %s is for %s, not %s", next, c.Did, later.Did)}
			}
			if c.Rev >= later.Rev {
				return nil, &VerifyError{Check: CheckRevision, Err: fmt.Errorf("%w: %s precedes %s", ErrRevision, c.Rev, later.Rev)}
			}
		}
		res = append(res, c)
		next = c.Prev
	}
	return res, nil
}

// VerifyCommitOps checks that the signed commit's tree reflects every op
// using only blocks, which must include the tree's changed nodes and the
// nodes covering each op. When prevData is given, the ops are also
// undone in reverse and the result must be the tree rooted at prevData.
// blocks is only read.
func VerifyCommitOps(ctx context.Context, blocks blockstore.Blockstore, commit *Commit, ops []mast.Op, prevData *cid.Cid) error {
	seen := map[string]bool{}
	for _, op := range ops {
		if seen[op.Key] {
			return &VerifyError{Check: CheckValue, Err: fmt.Errorf("%w: %s", ErrDuplicatePath, op.Key)}
		}
		seen[op.Key] = true
	}
	scratch := blockstore.NewOverlay(blockstore.NewMemory(), blocks)
	t, err := mast.Load(ctx, mast.Config{Store: scratch}, commit.Data)
	if err != nil {
		return failure(insufficient(err))
	}
	for _, op := range ops {
		if err := t.CheckOp(ctx, op); err != nil {
			return failure(insufficient(err))
		}
	}
	if prevData == nil {
		return nil
	}
	for i := len(ops) - 1; i >= 0; i-- {
		if t, err = t.Invert(ctx, ops[i]); err != nil {
			return failure(insufficient(err))
		}
	}
	root, err := t.Root(ctx)
	if err != nil {
		return failure(insufficient(err))
	}
	if !root.Equals(*prevData) {
		return &VerifyError{Check: CheckRoot, Err: fmt.Errorf("inverted ops give %s, expected %s", root, prevData)}
	}
	return nil
}
