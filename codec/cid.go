package codec

import (
	"errors"
	"fmt"

	"github.com/ipfs/go-cid"
	"github.com/minio/blake2b-simd"
	sha256 "github.com/minio/sha256-simd"
	mh "github.com/multiformats/go-multihash"
)

var (
	// ErrDecode is returned for bytes that are not canonical DAG-CBOR
	// or do not have the expected shape.
	ErrDecode = errors.New("malformed block")
	// ErrCidMismatch is returned when a block's contents do not hash to
	// the identifier it was delivered under.
	ErrCidMismatch = errors.New("cid does not match block contents")
	// ErrUnsupportedCid is returned for identifiers using a CID version,
	// codec or hash function this package does not accept.
	ErrUnsupportedCid = errors.New("unsupported cid")
)

const (
	// DagCBOR is the multicodec of every structured block.
	DagCBOR = cid.DagCBOR
	// Raw is the multicodec of opaque record blobs.
	Raw = cid.Raw

	blake2b256 = mh.BLAKE2B_MIN + 31
)

// DefaultPrefix describes the identifiers this package creates:
// CIDv1, dag-cbor, sha2-256.
var DefaultPrefix = cid.Prefix{
	Version:  1,
	Codec:    DagCBOR,
	MhType:   mh.SHA2_256,
	MhLength: 32,
}

// Block is an immutable payload together with its identifier.
type Block struct {
	Cid  cid.Cid
	Data []byte
}

// NewBlock wraps dag-cbor bytes in a Block, deriving the identifier.
func NewBlock(data []byte) Block {
	return Block{Cid: CidForBytes(data), Data: data}
}

// NewRawBlock wraps opaque bytes in a Block with a raw-codec identifier.
func NewRawBlock(data []byte) Block {
	c, err := cidFor(Raw, mh.SHA2_256, data)
	if err != nil {
		panic(err)
	}
	return Block{Cid: c, Data: data}
}

// CidForBytes returns the dag-cbor/sha2-256 identifier of data.
func CidForBytes(data []byte) cid.Cid {
	c, err := cidFor(DagCBOR, mh.SHA2_256, data)
	if err != nil {
		panic(err)
	}
	return c
}

// CidForValue encodes v and returns its identifier and encoding.
func CidForValue(v Value) (cid.Cid, []byte, error) {
	b, err := Encode(v)
	if err != nil {
		return cid.Undef, nil, err
	}
	return CidForBytes(b), b, nil
}

func cidFor(codec uint64, hashCode uint64, data []byte) (cid.Cid, error) {
	digest, err := hashBytes(hashCode, data)
	if err != nil {
		return cid.Undef, err
	}
	return cid.NewCidV1(codec, digest), nil
}

func hashBytes(code uint64, data []byte) (mh.Multihash, error) {
	var sum [32]byte
	switch code {
	case mh.SHA2_256:
		sum = sha256.Sum256(data)
	case blake2b256:
		sum = blake2b.Sum256(data)
	default:
		return nil, fmt.Errorf("%w: multihash 0x%x", ErrUnsupportedCid, code)
	}
	encoded, err := mh.Encode(sum[:], code)
	if err != nil {
		return nil, fmt.Errorf("encode multihash: %w", err)
	}
	return mh.Multihash(encoded), nil
}

// CheckCid rejects identifiers produced with parameters this package
// does not support.
func CheckCid(c cid.Cid) error {
	if !c.Defined() {
		return fmt.Errorf("%w: undefined", ErrUnsupportedCid)
	}
	p := c.Prefix()
	if p.Version != 1 {
		return fmt.Errorf("%w: version %d", ErrUnsupportedCid, p.Version)
	}
	if p.Codec != DagCBOR && p.Codec != Raw {
		return fmt.Errorf("%w: codec 0x%x", ErrUnsupportedCid, p.Codec)
	}
	if p.MhType != mh.SHA2_256 && p.MhType != blake2b256 {
		return fmt.Errorf("%w: multihash 0x%x", ErrUnsupportedCid, p.MhType)
	}
	if p.MhLength != 32 {
		return fmt.Errorf("%w: digest length %d", ErrUnsupportedCid, p.MhLength)
	}
	return nil
}

// VerifyBlock re-derives the identifier of b's payload using the
// parameters named by b.Cid and compares.
func VerifyBlock(b Block) error {
	if err := CheckCid(b.Cid); err != nil {
		return err
	}
	p := b.Cid.Prefix()
	derived, err := cidFor(p.Codec, p.MhType, b.Data)
	if err != nil {
		return err
	}
	if !derived.Equals(b.Cid) {
		return fmt.Errorf("%w: declared %s, computed %s", ErrCidMismatch, b.Cid, derived)
	}
	return nil
}

// ParseCid parses a string-encoded identifier and checks it is supported.
func ParseCid(s string) (cid.Cid, error) {
	c, err := cid.Decode(s)
	if err != nil {
		return cid.Undef, fmt.Errorf("%w: %v", ErrUnsupportedCid, err)
	}
	if err := CheckCid(c); err != nil {
		return cid.Undef, err
	}
	return c, nil
}
