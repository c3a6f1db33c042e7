package repo

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/ipfs/go-cid"
	log "github.com/sirupsen/logrus"

	mast "github.com/jrhy/atmast"
	"github.com/jrhy/atmast/blockstore"
	"github.com/jrhy/atmast/car"
	"github.com/jrhy/atmast/codec"
	"github.com/jrhy/atmast/tid"
)

// Config describes where a repository lives and how it is signed.
type Config struct {
	// Store holds commits, tree nodes and records. Required.
	Store blockstore.Blockstore
	// Keys signs new commits and verifies opened ones. Required.
	Keys KeyProvider
	// NodeCache is shared with the repository's trees. Optional.
	NodeCache *mast.NodeCache
	// Clock issues revisions. Optional; a clock with identifier 0 is
	// used by default.
	Clock *tid.Clock
}

// Write is one record change in a batch.
type Write struct {
	Action     mast.Action
	Collection string
	Rkey       string
	// Value is the record for creates and updates.
	Value codec.Value
}

// Path returns the tree key the write addresses.
func (w Write) Path() string {
	return w.Collection + "/" + w.Rkey
}

// CommitData describes one new commit: what it is, what it follows and
// what it changed.
type CommitData struct {
	Cid      cid.Cid
	Commit   *Commit
	Rev      string
	Since    string // revision of the previous commit, if any
	Prev     *cid.Cid
	PrevData *cid.Cid
	// NewBlocks holds the commit block, new tree nodes and new records.
	NewBlocks []codec.Block
	// RelevantBlocks holds the tree nodes covering each op, enough to
	// check and undo the ops without the rest of the repository.
	RelevantBlocks []codec.Block
	// RemovedCids are tree nodes and records no longer reachable.
	RemovedCids []cid.Cid
	Ops         []mast.Op
}

// Repo is a writable repository. Writes are serialized.
type Repo struct {
	did string
	cfg Config

	mu     sync.Mutex
	head   cid.Cid
	commit *Commit
	data   *mast.Mast
}

func (cfg *Config) treeConfig() mast.Config {
	return mast.Config{Store: cfg.Store, NodeCache: cfg.NodeCache}
}

func (cfg *Config) check() error {
	if cfg.Store == nil {
		return errors.New("no store set; set Config.Store")
	}
	if cfg.Keys == nil {
		return errors.New("no key provider set; set Config.Keys")
	}
	if cfg.Clock == nil {
		cfg.Clock = tid.NewClock(0)
	}
	return nil
}

// Create starts a repository with an empty tree and its first commit.
func Create(ctx context.Context, cfg Config, did string) (*Repo, *CommitData, error) {
	if err := cfg.check(); err != nil {
		return nil, nil, err
	}
	r := &Repo{did: did, cfg: cfg, data: mast.NewEmpty(cfg.treeConfig())}
	cd, err := r.commitTree(ctx, r.data, nil, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("create %s: %w", did, err)
	}
	return r, cd, nil
}

// Open loads the repository whose head commit is head, checking the
// commit's signature.
func Open(ctx context.Context, cfg Config, did string, head cid.Cid) (*Repo, error) {
	if err := cfg.check(); err != nil {
		return nil, err
	}
	c, err := loadCommit(ctx, cfg.Store, head)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", did, err)
	}
	if c.Did != did {
		return nil, fmt.Errorf("open %s: head commit belongs to %s", did, c.Did)
	}
	pub, err := cfg.Keys.PublicKey(ctx, did)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", did, err)
	}
	if err := VerifyCommit(c, pub); err != nil {
		return nil, fmt.Errorf("open %s: %w", did, err)
	}
	t, err := mast.Load(ctx, cfg.treeConfig(), c.Data)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", did, err)
	}
	return &Repo{did: did, cfg: cfg, head: head, commit: c, data: t}, nil
}

func (r *Repo) DID() string { return r.did }

// Head returns the identifier of the latest commit.
func (r *Repo) Head() cid.Cid {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.head
}

// Commit returns the latest commit.
func (r *Repo) Commit() *Commit {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.commit
}

// Data returns the tree of the latest commit.
func (r *Repo) Data() *mast.Mast {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.data
}

// Get returns a record and its identifier, or mast.ErrKeyNotFound.
func (r *Repo) Get(ctx context.Context, collection, rkey string) (cid.Cid, codec.Value, error) {
	c, err := r.Data().Get(ctx, collection+"/"+rkey)
	if err != nil {
		return cid.Undef, codec.Value{}, err
	}
	data, err := r.cfg.Store.Get(ctx, c)
	if err != nil {
		return cid.Undef, codec.Value{}, fmt.Errorf("record %s/%s: %w", collection, rkey, err)
	}
	if c.Prefix().Codec == codec.Raw {
		return c, codec.Bytes(data), nil
	}
	v, err := codec.Decode(data)
	if err != nil {
		return cid.Undef, codec.Value{}, fmt.Errorf("record %s/%s: %w", collection, rkey, err)
	}
	return c, v, nil
}

// ApplyWrites applies a batch of writes and commits the result.
func (r *Repo) ApplyWrites(ctx context.Context, writes []Write) (*CommitData, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t := r.data
	var (
		ops     []mast.Op
		records []codec.Block
	)
	seen := map[string]bool{}
	for _, w := range writes {
		key := w.Path()
		if seen[key] {
			return nil, fmt.Errorf("%w: %s", ErrDuplicatePath, key)
		}
		seen[key] = true
		prev, err := t.Get(ctx, key)
		exists := err == nil
		if err != nil && !errors.Is(err, mast.ErrKeyNotFound) {
			return nil, fmt.Errorf("%s %s: %w", w.Action, key, err)
		}
		op := mast.Op{Action: w.Action, Key: key}
		switch w.Action {
		case mast.ActionCreate, mast.ActionUpdate:
			if w.Action == mast.ActionCreate && exists {
				return nil, fmt.Errorf("create %s: %w", key, ErrRecordExists)
			}
			if w.Action == mast.ActionUpdate && !exists {
				return nil, fmt.Errorf("update %s: %w", key, mast.ErrKeyNotFound)
			}
			data, err := codec.Encode(w.Value)
			if err != nil {
				return nil, fmt.Errorf("%s %s: %w", w.Action, key, err)
			}
			b := codec.NewBlock(data)
			records = append(records, b)
			op.Value = b.Cid
			if exists {
				op.Prev = prev
			}
			if t, err = t.Put(ctx, key, b.Cid); err != nil {
				return nil, err
			}
		case mast.ActionDelete:
			op.Prev = prev
			if t, err = t.Delete(ctx, key); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("unknown action %q", w.Action)
		}
		ops = append(ops, op)
	}
	if err := blockstore.PutAll(ctx, r.cfg.Store, records); err != nil {
		return nil, fmt.Errorf("store records: %w", err)
	}
	cd, err := r.commitTree(ctx, t, ops, records)
	if err != nil {
		return nil, err
	}
	log.WithFields(log.Fields{
		"did": r.did,
		"rev": cd.Rev,
		"ops": len(ops),
	}).Debug("repo: committed")
	return cd, nil
}

// commitTree signs t as the next commit and makes it the head. The
// caller holds r.mu, or r is not yet shared.
func (r *Repo) commitTree(ctx context.Context, t *mast.Mast, ops []mast.Op, records []codec.Block) (*CommitData, error) {
	root, nodes, err := t.Flush(ctx)
	if err != nil {
		return nil, err
	}
	key, err := r.cfg.Keys.SigningKey(ctx, r.did)
	if err != nil {
		return nil, err
	}
	cd := &CommitData{Ops: ops}
	var rev tid.TID
	if r.commit != nil {
		rev = r.cfg.Clock.NextAfter(tid.TID(r.commit.Rev))
		prev, prevData := r.head, r.commit.Data
		cd.Since, cd.Prev, cd.PrevData = r.commit.Rev, &prev, &prevData
	} else {
		rev = r.cfg.Clock.Next()
	}
	c, head, err := Sign(r.did, root, rev, cd.Prev, key)
	if err != nil {
		return nil, err
	}
	commitBlock, err := c.Block()
	if err != nil {
		return nil, err
	}
	if err := r.cfg.Store.Put(ctx, commitBlock); err != nil {
		return nil, fmt.Errorf("store commit: %w", err)
	}
	cd.Cid, cd.Commit, cd.Rev = head, c, c.Rev
	cd.NewBlocks = append(append([]codec.Block{commitBlock}, nodes...), records...)

	if r.commit != nil {
		diff, err := mast.Diff(ctx, r.data, t)
		if err != nil {
			return nil, fmt.Errorf("diff: %w", err)
		}
		cd.RemovedCids = append(cd.RemovedCids, diff.RemovedNodes...)
		for _, u := range diff.Updates {
			cd.RemovedCids = append(cd.RemovedCids, u.Prev)
		}
		for _, d := range diff.Deletes {
			cd.RemovedCids = append(cd.RemovedCids, d.Value)
		}
	}
	seen := map[cid.Cid]bool{}
	for _, op := range ops {
		proof, err := t.CoveringProof(ctx, op.Key)
		if err != nil {
			return nil, fmt.Errorf("proof for %s: %w", op.Key, err)
		}
		for _, b := range proof {
			if !seen[b.Cid] {
				seen[b.Cid] = true
				cd.RelevantBlocks = append(cd.RelevantBlocks, b)
			}
		}
	}

	r.head, r.commit, r.data = head, c, t
	return cd, nil
}

// blockSource emits the commit, then the tree nodes parents first, then
// each distinct record.
func (r *Repo) blockSource(head cid.Cid, t *mast.Mast) car.BlockSource {
	return func(ctx context.Context, emit func(codec.Block) error) error {
		data, err := r.cfg.Store.Get(ctx, head)
		if err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		if err := emit(codec.Block{Cid: head, Data: data}); err != nil {
			return err
		}
		if err := t.WalkNodes(ctx, emit); err != nil {
			return err
		}
		seen := map[cid.Cid]bool{}
		return t.Iter(ctx, func(key string, value cid.Cid) error {
			if seen[value] {
				return nil
			}
			seen[value] = true
			return r.emitRecord(ctx, key, value, emit)
		})
	}
}

func (r *Repo) emitRecord(ctx context.Context, key string, value cid.Cid, emit func(codec.Block) error) error {
	data, err := r.cfg.Store.Get(ctx, value)
	if err != nil {
		return fmt.Errorf("record %s: %w", key, err)
	}
	return emit(codec.Block{Cid: value, Data: data})
}

func (r *Repo) snapshot() (cid.Cid, *mast.Mast) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.head, r.data
}

// Export writes the whole repository at its current head as an archive
// rooted at the head commit.
func (r *Repo) Export(ctx context.Context, w io.Writer) error {
	head, t := r.snapshot()
	return car.Write(ctx, w, []cid.Cid{head}, r.blockSource(head, t))
}

// ExportStream is Export as a lazily produced stream. Closing it early
// stops the export.
func (r *Repo) ExportStream(ctx context.Context) io.ReadCloser {
	head, t := r.snapshot()
	return car.NewStream(ctx, []cid.Cid{head}, r.blockSource(head, t))
}

// ExportSince writes an archive rooted at the head commit holding only
// the commit, plus the nodes and records that are new since the tree
// rooted at oldData.
func (r *Repo) ExportSince(ctx context.Context, w io.Writer, oldData cid.Cid) error {
	head, t := r.snapshot()
	old, err := mast.Load(ctx, r.cfg.treeConfig(), oldData)
	if err != nil {
		return fmt.Errorf("load old tree: %w", err)
	}
	diff, err := mast.Diff(ctx, old, t)
	if err != nil {
		return err
	}
	src := func(ctx context.Context, emit func(codec.Block) error) error {
		data, err := r.cfg.Store.Get(ctx, head)
		if err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		if err := emit(codec.Block{Cid: head, Data: data}); err != nil {
			return err
		}
		for _, c := range diff.NewNodes {
			data, err := r.cfg.Store.Get(ctx, c)
			if err != nil {
				return fmt.Errorf("node: %w", err)
			}
			if err := emit(codec.Block{Cid: c, Data: data}); err != nil {
				return err
			}
		}
		seen := map[cid.Cid]bool{}
		for _, e := range diff.Adds {
			if !seen[e.Value] {
				seen[e.Value] = true
				if err := r.emitRecord(ctx, e.Key, e.Value, emit); err != nil {
					return err
				}
			}
		}
		for _, u := range diff.Updates {
			if !seen[u.Value] {
				seen[u.Value] = true
				if err := r.emitRecord(ctx, u.Key, u.Value, emit); err != nil {
					return err
				}
			}
		}
		return nil
	}
	return car.Write(ctx, w, []cid.Cid{head}, src)
}

// Prove returns the blocks proving key's presence or absence at the
// current head: the commit and the tree nodes covering key.
func (r *Repo) Prove(ctx context.Context, key string) ([]codec.Block, error) {
	head, t := r.snapshot()
	data, err := r.cfg.Store.Get(ctx, head)
	if err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	proof, err := t.CoveringProof(ctx, key)
	if err != nil {
		return nil, err
	}
	return append([]codec.Block{{Cid: head, Data: data}}, proof...), nil
}
