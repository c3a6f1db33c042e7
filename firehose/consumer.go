package firehose

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/ipfs/go-cid"
	log "github.com/sirupsen/logrus"

	"github.com/jrhy/atmast/blockstore"
	"github.com/jrhy/atmast/car"
	"github.com/jrhy/atmast/codec"
	"github.com/jrhy/atmast/repo"
	"github.com/jrhy/atmast/runner"
)

var (
	// ErrTooBig is returned for events that do not carry their changes.
	ErrTooBig = errors.New("event too big to apply incrementally")
	// ErrOutOfSync is returned when an event does not follow the
	// locally applied head of its repository.
	ErrOutOfSync = errors.New("event does not follow local head")
)

// Options configure a Consumer.
type Options struct {
	// Store receives the blocks of every applied event. Required.
	Store blockstore.Blockstore
	// Heads tracks each repository's applied commit. Required.
	Heads HeadStore
	// Keys resolves repositories' public keys. Required.
	Keys repo.KeyProvider
	// Checkpoint receives the resume cursor. Optional.
	Checkpoint Checkpoint
	// Runner orders work per repository. Optional; an unbounded runner
	// is used by default.
	Runner *runner.Runner
}

// Failure records an event that could not be applied.
type Failure struct {
	Seq  int64
	Repo string
	Err  error
}

// Consumer verifies and applies events, one repository at a time in
// event order, and advances the cursor only past events that have all
// been handled.
type Consumer struct {
	opts Options
	seqs runner.ConsecutiveList[int64]

	cursorMu sync.Mutex
	cursor   int64

	mu       sync.Mutex
	failures []Failure
}

func NewConsumer(opts Options) (*Consumer, error) {
	switch {
	case opts.Store == nil:
		return nil, errors.New("no store set; set Options.Store")
	case opts.Heads == nil:
		return nil, errors.New("no head store set; set Options.Heads")
	case opts.Keys == nil:
		return nil, errors.New("no key provider set; set Options.Keys")
	}
	if opts.Runner == nil {
		opts.Runner = runner.New(runner.Options{})
	}
	return &Consumer{opts: opts}, nil
}

// Handle queues ev behind earlier events of the same repository. The
// returned channel yields the result of applying it. A failed event is
// still counted as handled for the cursor. An event the runner refuses
// is dropped from the cursor's bookkeeping, so it never holds the cursor
// back; the caller must redeliver it.
func (c *Consumer) Handle(ctx context.Context, ev *Event) (<-chan error, error) {
	item := c.seqs.Push(ev.Seq)
	done, err := c.opts.Runner.AddTask(ctx, ev.Repo, func(ctx context.Context) error {
		err := c.apply(ctx, ev)
		if err != nil {
			c.mu.Lock()
			c.failures = append(c.failures, Failure{Seq: ev.Seq, Repo: ev.Repo, Err: err})
			c.mu.Unlock()
			log.WithFields(log.Fields{
				"did": ev.Repo,
				"seq": ev.Seq,
				"rev": ev.Rev,
			}).WithError(err).Error("firehose: event failed")
		}
		c.complete(ctx, item)
		return err
	})
	if err != nil {
		c.cursorMu.Lock()
		c.advance(context.WithoutCancel(ctx), item.Cancel())
		c.cursorMu.Unlock()
		return nil, err
	}
	return done, nil
}

func (c *Consumer) complete(ctx context.Context, item *runner.ConsecutiveItem[int64]) {
	c.cursorMu.Lock()
	defer c.cursorMu.Unlock()
	c.advance(ctx, item.Complete())
}

// advance moves the cursor to the last released sequence number and
// saves it. Callers hold cursorMu.
func (c *Consumer) advance(ctx context.Context, released []int64) {
	if len(released) == 0 {
		return
	}
	c.cursor = released[len(released)-1]
	if c.opts.Checkpoint == nil {
		return
	}
	if err := c.opts.Checkpoint.SaveCursor(ctx, c.cursor); err != nil {
		log.WithField("seq", c.cursor).WithError(err).Warn("firehose: saving cursor")
	}
}

func (c *Consumer) apply(ctx context.Context, ev *Event) error {
	logger := log.WithFields(log.Fields{"did": ev.Repo, "seq": ev.Seq, "rev": ev.Rev})
	if ev.TooBig {
		return ErrTooBig
	}
	localCommit, localRev, err := c.opts.Heads.GetHead(ctx, ev.Repo)
	known := err == nil
	if err != nil && !errors.Is(err, blockstore.ErrNotFound) {
		return fmt.Errorf("local head: %w", err)
	}
	if known && ev.Rev <= localRev {
		logger.Debug("firehose: skipping stale event")
		return nil
	}
	if known && ev.Since != localRev {
		return fmt.Errorf("%w: since %q, local revision %q", ErrOutOfSync, ev.Since, localRev)
	}

	roots, blocks, err := car.ReadAll(bytes.NewReader(ev.Blocks))
	if err != nil {
		return fmt.Errorf("event blocks: %w", err)
	}
	if len(roots) != 1 || !roots[0].Equals(ev.Commit) {
		return fmt.Errorf("event blocks are not rooted at commit %s", ev.Commit)
	}
	eventStore := blockstore.NewReadOnly(blocks)
	commit, err := decodeCommit(ctx, eventStore, ev.Commit)
	if err != nil {
		return err
	}
	if commit.Did != ev.Repo || commit.Rev != ev.Rev {
		return fmt.Errorf("commit is %s@%s, event claims %s@%s", commit.Did, commit.Rev, ev.Repo, ev.Rev)
	}
	pub, err := c.opts.Keys.PublicKey(ctx, ev.Repo)
	if err != nil {
		return err
	}
	if err := repo.VerifyCommit(commit, pub); err != nil {
		return err
	}
	if known {
		local, err := decodeCommit(ctx, c.opts.Store, localCommit)
		if err != nil {
			return fmt.Errorf("local head: %w", err)
		}
		if ev.PrevData != nil && !ev.PrevData.Equals(local.Data) {
			return fmt.Errorf("%w: prev data %s, local data %s", ErrOutOfSync, ev.PrevData, local.Data)
		}
	}
	// Earlier events supply the unchanged parts of the tree.
	view := blockstore.NewOverlay(eventStore, c.opts.Store)
	if err := repo.VerifyCommitOps(ctx, view, commit, ev.MastOps(), ev.PrevData); err != nil {
		return err
	}
	if err := blockstore.PutAll(ctx, c.opts.Store, blocks); err != nil {
		return fmt.Errorf("store blocks: %w", err)
	}
	if err := c.opts.Heads.SetHead(ctx, ev.Repo, ev.Commit, ev.Rev); err != nil {
		return err
	}
	logger.WithField("ops", len(ev.Ops)).Debug("firehose: applied event")
	return nil
}

func decodeCommit(ctx context.Context, store blockstore.Blockstore, c cid.Cid) (*repo.Commit, error) {
	data, err := store.Get(ctx, c)
	if err != nil {
		return nil, fmt.Errorf("commit %s: %w", c, err)
	}
	if err := codec.VerifyBlock(codec.Block{Cid: c, Data: data}); err != nil {
		return nil, err
	}
	return repo.DecodeCommit(data)
}

// Run handles every event src delivers until it is exhausted, ctx is
// done, or an event cannot be queued. It does not wait for queued
// events to finish; use Close for that.
func (c *Consumer) Run(ctx context.Context, src EventSource) error {
	for {
		ev, err := src.Next(ctx)
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if _, err := c.Handle(ctx, ev); err != nil {
			return err
		}
	}
}

// Close stops accepting events and waits for queued ones to finish.
func (c *Consumer) Close(ctx context.Context) error {
	return c.opts.Runner.Drain(ctx)
}

// Cursor returns the highest sequence number up to which every handled
// event has finished.
func (c *Consumer) Cursor() int64 {
	c.cursorMu.Lock()
	defer c.cursorMu.Unlock()
	return c.cursor
}

// Failures returns the events that could not be applied.
func (c *Consumer) Failures() []Failure {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Failure{}, c.failures...)
}
