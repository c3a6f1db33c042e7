// Package repo builds and verifies signed repositories: a Merkle Search
// Tree of records under a chain of signed commits.
package repo

import (
	"bytes"
	"fmt"
	"io"

	"github.com/ipfs/go-cid"
	cbg "github.com/whyrusleeping/cbor-gen"

	"github.com/jrhy/atmast/codec"
	"github.com/jrhy/atmast/crypto"
	"github.com/jrhy/atmast/tid"
)

// CommitVersion is the commit format written and accepted.
const CommitVersion = 3

// Commit is a signed pointer to a tree root. Fields are listed in
// encoding order.
type Commit struct {
	Did     string   // "did"
	Rev     string   // "rev"
	Sig     []byte   // "sig"
	Data    cid.Cid  // "data"
	Prev    *cid.Cid // "prev"
	Version int64    // "version"
}

func (c *Commit) MarshalCBOR(w io.Writer) error {
	return c.marshal(cbg.NewCborWriter(w), true)
}

func (c *Commit) marshal(cw *cbg.CborWriter, signed bool) error {
	fields := uint64(5)
	if signed {
		fields = 6
	}
	if err := cw.WriteMajorTypeHeader(cbg.MajMap, fields); err != nil {
		return err
	}
	if err := codec.WriteText(cw, "did"); err != nil {
		return err
	}
	if err := codec.WriteText(cw, c.Did); err != nil {
		return err
	}
	if err := codec.WriteText(cw, "rev"); err != nil {
		return err
	}
	if err := codec.WriteText(cw, c.Rev); err != nil {
		return err
	}
	if signed {
		if err := codec.WriteText(cw, "sig"); err != nil {
			return err
		}
		if err := cw.WriteMajorTypeHeader(cbg.MajByteString, uint64(len(c.Sig))); err != nil {
			return err
		}
		if _, err := cw.Write(c.Sig); err != nil {
			return err
		}
	}
	if err := codec.WriteText(cw, "data"); err != nil {
		return err
	}
	if err := cbg.WriteCid(cw, c.Data); err != nil {
		return err
	}
	if err := codec.WriteText(cw, "prev"); err != nil {
		return err
	}
	if err := codec.WriteNullableCid(cw, c.Prev); err != nil {
		return err
	}
	if err := codec.WriteText(cw, "version"); err != nil {
		return err
	}
	if c.Version < 0 {
		return fmt.Errorf("negative commit version %d", c.Version)
	}
	return cw.WriteMajorTypeHeader(cbg.MajUnsignedInt, uint64(c.Version))
}

func (c *Commit) UnmarshalCBOR(r io.Reader) error {
	cr := cbg.NewCborReader(r)
	maj, extra, err := cr.ReadHeader()
	if err != nil {
		return err
	}
	if maj != cbg.MajMap || extra != 6 {
		return fmt.Errorf("commit must be a map of 6 fields")
	}
	if err := expectField(cr, "did"); err != nil {
		return err
	}
	if c.Did, err = codec.ReadText(cr); err != nil {
		return err
	}
	if err := expectField(cr, "rev"); err != nil {
		return err
	}
	if c.Rev, err = codec.ReadText(cr); err != nil {
		return err
	}
	if err := expectField(cr, "sig"); err != nil {
		return err
	}
	if c.Sig, err = codec.ReadBytes(cr); err != nil {
		return err
	}
	if err := expectField(cr, "data"); err != nil {
		return err
	}
	if c.Data, err = codec.ReadCid(cr); err != nil {
		return err
	}
	if err := expectField(cr, "prev"); err != nil {
		return err
	}
	if c.Prev, err = codec.ReadNullableCid(cr); err != nil {
		return err
	}
	if err := expectField(cr, "version"); err != nil {
		return err
	}
	version, err := codec.ReadUint(cr)
	if err != nil {
		return err
	}
	if version != CommitVersion {
		return fmt.Errorf("unsupported commit version %d", version)
	}
	c.Version = int64(version)
	return nil
}

func expectField(cr *cbg.CborReader, name string) error {
	got, err := codec.ReadText(cr)
	if err != nil {
		return err
	}
	if got != name {
		return fmt.Errorf("expected field %q, got %q", name, got)
	}
	return nil
}

// UnsignedBytes returns the encoding the signature covers: the commit
// without its "sig" field.
func (c *Commit) UnsignedBytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := c.marshal(cbg.NewCborWriter(&buf), false); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Block encodes the signed commit.
func (c *Commit) Block() (codec.Block, error) {
	var buf bytes.Buffer
	if err := c.MarshalCBOR(&buf); err != nil {
		return codec.Block{}, err
	}
	return codec.NewBlock(buf.Bytes()), nil
}

// DecodeCommit parses a signed commit block.
func DecodeCommit(data []byte) (*Commit, error) {
	var c Commit
	r := bytes.NewReader(data)
	if err := c.UnmarshalCBOR(r); err != nil {
		return nil, fmt.Errorf("%w: commit: %v", codec.ErrDecode, err)
	}
	if r.Len() != 0 {
		return nil, fmt.Errorf("%w: commit has %d trailing bytes", codec.ErrDecode, r.Len())
	}
	return &c, nil
}

// Sign builds and signs a commit of data at revision rev, following
// prev (nil for the first commit), and returns it with its identifier.
func Sign(did string, data cid.Cid, rev tid.TID, prev *cid.Cid, key crypto.PrivateKey) (*Commit, cid.Cid, error) {
	if did == "" {
		return nil, cid.Undef, fmt.Errorf("sign: empty repository id")
	}
	if _, err := tid.Parse(string(rev)); err != nil {
		return nil, cid.Undef, fmt.Errorf("sign: %w", err)
	}
	c := &Commit{
		Did:     did,
		Rev:     string(rev),
		Data:    data,
		Prev:    prev,
		Version: CommitVersion,
	}
	unsigned, err := c.UnsignedBytes()
	if err != nil {
		return nil, cid.Undef, fmt.Errorf("sign: %w", err)
	}
	if c.Sig, err = key.Sign(unsigned); err != nil {
		return nil, cid.Undef, fmt.Errorf("sign: %w", err)
	}
	b, err := c.Block()
	if err != nil {
		return nil, cid.Undef, fmt.Errorf("sign: %w", err)
	}
	return c, b.Cid, nil
}

// VerifyCommit checks the commit's signature against pub.
func VerifyCommit(c *Commit, pub crypto.PublicKey) error {
	if c.Version != CommitVersion {
		return &VerifyError{Check: CheckMalformed, Err: fmt.Errorf("commit version %d", c.Version)}
	}
	unsigned, err := c.UnsignedBytes()
	if err != nil {
		return &VerifyError{Check: CheckMalformed, Err: err}
	}
	if err := pub.Verify(unsigned, c.Sig); err != nil {
		return &VerifyError{Check: CheckSignature, Err: err}
	}
	return nil
}
