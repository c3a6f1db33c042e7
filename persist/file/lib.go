// Package file stores blocks as files in a directory tree.
package file

import (
	"context"
	stderrs "errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/renameio"
	"github.com/ipfs/go-cid"
	"github.com/pkg/errors"

	"github.com/jrhy/atmast/blockstore"
	"github.com/jrhy/atmast/codec"
)

var _ blockstore.Blockstore = Persist{}

// DefaultDepth is the number of directory levels blocks are spread
// over, each named by three characters of the identifier.
const DefaultDepth = 2

// Persist implements blockstore.Blockstore by storing each block in a
// file named by its identifier.
type Persist struct {
	basepath string
	depth    int
}

// NewPersistForPath returns a Persist that loads and stores blocks as
// files under the directory at the given path.
//
//	p := NewPersistForPath("/var/db/blocks")
//	data, err := p.Get(ctx, c)
func NewPersistForPath(path string) Persist {
	return Persist{basepath: path, depth: DefaultDepth}
}

// NewPersistForPathWithDepth is NewPersistForPath with a different
// number of shard directory levels.
func NewPersistForPathWithDepth(path string, depth int) Persist {
	return Persist{basepath: path, depth: depth}
}

// path places a block at basepath/xxx/yyy/<cid>, taking the shard
// directories from the end of the identifier, where base32 characters
// vary the most.
func (p Persist) path(c cid.Cid) string {
	name := c.String()
	parts := []string{p.basepath}
	for i := 0; i < p.depth && 3*(i+1) <= len(name); i++ {
		end := len(name) - 3*i
		parts = append(parts, name[end-3:end])
	}
	return filepath.Join(append(parts, name)...)
}

// Get loads the bytes persisted in the block's file.
func (p Persist) Get(_ context.Context, c cid.Cid) ([]byte, error) {
	data, err := os.ReadFile(p.path(c))
	if stderrs.Is(err, fs.ErrNotExist) {
		return nil, errors.Wrapf(blockstore.ErrNotFound, "block %s", c)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "reading block %s", c)
	}
	return data, nil
}

func (p Persist) Has(_ context.Context, c cid.Cid) (bool, error) {
	_, err := os.Stat(p.path(c))
	if stderrs.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrapf(err, "checking block %s", c)
	}
	return true, nil
}

// Put persists the block in a file, if it doesn't exist already. The
// file is written atomically, so readers never see a partial block.
func (p Persist) Put(ctx context.Context, b codec.Block) error {
	ok, err := p.Has(ctx, b.Cid)
	if err != nil || ok {
		return err
	}
	path := p.path(b.Cid)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "creating block directory")
	}
	return errors.Wrapf(renameio.WriteFile(path, b.Data, 0o644), "writing block %s", b.Cid)
}
