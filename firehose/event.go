// Package firehose applies a stream of repository commit events to a
// local store, verifying each one, and tracks how far the stream has
// been durably consumed.
package firehose

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/ipfs/go-cid"

	mast "github.com/jrhy/atmast"
	"github.com/jrhy/atmast/car"
	"github.com/jrhy/atmast/codec"
	"github.com/jrhy/atmast/repo"
)

// Limits beyond which an event is marked too big to carry its changes.
const (
	MaxEventOps        = 200
	MaxEventBlockBytes = 1 << 20
)

// Op is one record change carried by an event.
type Op struct {
	Action mast.Action
	Path   string
	Cid    cid.Cid // new record; undefined for deletes
	Prev   cid.Cid // old record; undefined for creates
}

// Event announces one commit of one repository.
type Event struct {
	Seq      int64
	Repo     string
	Rev      string
	Since    string // revision of the commit this one follows
	Commit   cid.Cid
	PrevData *cid.Cid // tree root of the commit this one follows
	// Blocks is an archive rooted at Commit holding the commit, the new
	// tree nodes and records, and the nodes covering each op.
	Blocks []byte
	Ops    []Op
	// TooBig events carry no blocks or ops; the repository has to be
	// fetched whole.
	TooBig bool
	Time   time.Time
}

// EventFromCommit builds the event announcing cd.
func EventFromCommit(did string, seq int64, cd *repo.CommitData) (*Event, error) {
	ev := &Event{
		Seq:      seq,
		Repo:     did,
		Rev:      cd.Rev,
		Since:    cd.Since,
		Commit:   cd.Cid,
		PrevData: cd.PrevData,
		Time:     time.Now().UTC(),
	}
	if len(cd.Ops) > MaxEventOps {
		ev.TooBig = true
		return ev, nil
	}
	seen := map[cid.Cid]bool{}
	var blocks []codec.Block
	for _, list := range [][]codec.Block{cd.NewBlocks, cd.RelevantBlocks} {
		for _, b := range list {
			if !seen[b.Cid] {
				seen[b.Cid] = true
				blocks = append(blocks, b)
			}
		}
	}
	var buf bytes.Buffer
	if err := car.Write(context.Background(), &buf, []cid.Cid{cd.Cid}, car.Blocks(blocks...)); err != nil {
		return nil, fmt.Errorf("event blocks: %w", err)
	}
	if buf.Len() > MaxEventBlockBytes {
		ev.TooBig = true
		return ev, nil
	}
	ev.Blocks = buf.Bytes()
	for _, op := range cd.Ops {
		ev.Ops = append(ev.Ops, Op{Action: op.Action, Path: op.Key, Cid: op.Value, Prev: op.Prev})
	}
	return ev, nil
}

// MastOps returns the event's ops in the form the tree checks them.
func (e *Event) MastOps() []mast.Op {
	res := make([]mast.Op, len(e.Ops))
	for i, op := range e.Ops {
		res[i] = mast.Op{Action: op.Action, Key: op.Path, Value: op.Cid, Prev: op.Prev}
	}
	return res
}
