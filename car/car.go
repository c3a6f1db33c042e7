// Package car reads and writes CAR v1 archives: a header naming root
// identifiers, followed by length-prefixed (identifier, payload) frames.
package car

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"
	gocar "github.com/ipld/go-car"
	"github.com/ipld/go-car/util"

	"github.com/jrhy/atmast/blockstore"
	"github.com/jrhy/atmast/codec"
)

// ErrBadHeader is returned for archives whose header is malformed or
// names a version other than 1.
var ErrBadHeader = errors.New("bad car header")

// Version is the archive format written and accepted.
const Version = 1

// BlockSource produces blocks in order by calling emit. A source must
// stop and return emit's error as soon as emit fails.
type BlockSource func(ctx context.Context, emit func(codec.Block) error) error

// Blocks returns a source emitting the given blocks in order.
func Blocks(blocks ...codec.Block) BlockSource {
	return func(ctx context.Context, emit func(codec.Block) error) error {
		for _, b := range blocks {
			if err := emit(b); err != nil {
				return err
			}
		}
		return nil
	}
}

// Write writes the header and then every block src produces, in the
// order it produces them.
func Write(ctx context.Context, w io.Writer, roots []cid.Cid, src BlockSource) error {
	if roots == nil {
		roots = []cid.Cid{}
	}
	if err := gocar.WriteHeader(&gocar.CarHeader{Roots: roots, Version: Version}, w); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if src == nil {
		return nil
	}
	return src(ctx, func(b codec.Block) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := util.LdWrite(w, b.Cid.Bytes(), b.Data); err != nil {
			return fmt.Errorf("write block %s: %w", b.Cid, err)
		}
		return nil
	})
}

// Stream is an archive produced lazily by a background goroutine as the
// consumer reads.
type Stream struct {
	pr     *io.PipeReader
	cancel context.CancelFunc
	done   chan struct{}
}

var _ io.ReadCloser = &Stream{}

// NewStream returns the archive for roots and src as a byte stream.
// Blocks are only produced as fast as the consumer reads. Closing the
// stream early stops the source.
func NewStream(ctx context.Context, roots []cid.Cid, src BlockSource) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	pr, pw := io.Pipe()
	s := &Stream{pr: pr, cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(s.done)
		pw.CloseWithError(Write(ctx, pw, roots, src))
	}()
	return s
}

func (s *Stream) Read(p []byte) (int, error) {
	return s.pr.Read(p)
}

// Close stops the source, if it is still running, and waits for it to
// return.
func (s *Stream) Close() error {
	s.cancel()
	err := s.pr.Close()
	<-s.done
	return err
}

type readerOptions struct {
	skipCidVerification bool
}

// ReaderOption configures a Reader.
type ReaderOption func(*readerOptions)

// SkipCidVerification disables re-hashing each block's payload against
// its declared identifier. Only use it for archives from a trusted
// source.
func SkipCidVerification() ReaderOption {
	return func(o *readerOptions) {
		o.skipCidVerification = true
	}
}

// Reader reads an archive once, front to back.
type Reader struct {
	br    *bufio.Reader
	roots []cid.Cid
	opts  readerOptions
}

// NewReader reads the archive header from r.
func NewReader(r io.Reader, opts ...ReaderOption) (*Reader, error) {
	res := &Reader{br: bufio.NewReader(r)}
	for _, o := range opts {
		o(&res.opts)
	}
	h, err := gocar.ReadHeader(res.br)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadHeader, err)
	}
	if h.Version != Version {
		return nil, fmt.Errorf("%w: version %d", ErrBadHeader, h.Version)
	}
	res.roots = h.Roots
	return res, nil
}

// Roots returns the identifiers named in the header.
func (r *Reader) Roots() []cid.Cid {
	return r.roots
}

// Next returns the next block, or io.EOF after the last one.
func (r *Reader) Next() (codec.Block, error) {
	frame, err := util.LdRead(r.br)
	if err == io.EOF {
		return codec.Block{}, io.EOF
	}
	if err != nil {
		return codec.Block{}, fmt.Errorf("%w: read frame: %v", codec.ErrDecode, err)
	}
	n, c, err := cid.CidFromBytes(frame)
	if err != nil {
		return codec.Block{}, fmt.Errorf("%w: frame identifier: %v", codec.ErrDecode, err)
	}
	b := codec.Block{Cid: c, Data: frame[n:]}
	if !r.opts.skipCidVerification {
		if err := codec.VerifyBlock(b); err != nil {
			return codec.Block{}, err
		}
	}
	return b, nil
}

// ForEach calls f with every remaining block.
func (r *Reader) ForEach(f func(codec.Block) error) error {
	for {
		b, err := r.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if err := f(b); err != nil {
			return err
		}
	}
}

// LoadInto reads a whole archive into store and returns its roots.
func LoadInto(ctx context.Context, r io.Reader, store blockstore.Blockstore, opts ...ReaderOption) ([]cid.Cid, error) {
	cr, err := NewReader(r, opts...)
	if err != nil {
		return nil, err
	}
	err = cr.ForEach(func(b codec.Block) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return store.Put(ctx, b)
	})
	if err != nil {
		return nil, err
	}
	return cr.Roots(), nil
}

// ReadAll reads a whole archive into memory.
func ReadAll(r io.Reader, opts ...ReaderOption) ([]cid.Cid, []codec.Block, error) {
	cr, err := NewReader(r, opts...)
	if err != nil {
		return nil, nil, err
	}
	var blocks []codec.Block
	err = cr.ForEach(func(b codec.Block) error {
		blocks = append(blocks, b)
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return cr.Roots(), blocks, nil
}
