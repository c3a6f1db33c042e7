package crypto

import (
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
)

// Secp256k1PrivateKey is a private key on the secp256k1 curve.
type Secp256k1PrivateKey struct {
	key *secp256k1.PrivateKey
}

// Secp256k1PublicKey is a public key on the secp256k1 curve.
type Secp256k1PublicKey struct {
	key *secp256k1.PublicKey
}

var (
	_ PrivateKey = &Secp256k1PrivateKey{}
	_ PublicKey  = &Secp256k1PublicKey{}
)

func GenerateSecp256k1() (*Secp256k1PrivateKey, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, fmt.Errorf("generate secp256k1 key: %w", err)
	}
	return &Secp256k1PrivateKey{key: key}, nil
}

func ParseSecp256k1(b []byte) (*Secp256k1PrivateKey, error) {
	if len(b) != secp256k1.PrivKeyBytesLen {
		return nil, fmt.Errorf("%w: secp256k1 private key of %d bytes", ErrUnsupportedKey, len(b))
	}
	var k secp256k1.ModNScalar
	if overflow := k.SetByteSlice(b); overflow || k.IsZero() {
		return nil, fmt.Errorf("%w: secp256k1 private key out of range", ErrUnsupportedKey)
	}
	return &Secp256k1PrivateKey{key: secp256k1.NewPrivateKey(&k)}, nil
}

func (k *Secp256k1PrivateKey) Algorithm() Algorithm { return Secp256k1 }

func (k *Secp256k1PrivateKey) PublicKey() PublicKey {
	return &Secp256k1PublicKey{key: k.key.PubKey()}
}

func (k *Secp256k1PrivateKey) Bytes() []byte { return k.key.Serialize() }

// Sign produces a deterministic (RFC 6979) signature. The compact form
// is recovery byte || r || s with s already canonical (low).
func (k *Secp256k1PrivateKey) Sign(msg []byte) ([]byte, error) {
	compact := ecdsa.SignCompact(k.key, digest(msg), true)
	return compact[1:], nil
}

func parseSecp256k1Public(b []byte) (*Secp256k1PublicKey, error) {
	key, err := secp256k1.ParsePubKey(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedKey, err)
	}
	return &Secp256k1PublicKey{key: key}, nil
}

func (k *Secp256k1PublicKey) Algorithm() Algorithm { return Secp256k1 }

func (k *Secp256k1PublicKey) Bytes() []byte { return k.key.SerializeCompressed() }

func (k *Secp256k1PublicKey) Verify(msg, sig []byte) error {
	if len(sig) != SignatureLength {
		return invalid("signature of %d bytes", len(sig))
	}
	var r, s secp256k1.ModNScalar
	if overflow := r.SetByteSlice(sig[:32]); overflow || r.IsZero() {
		return invalid("r out of range")
	}
	if overflow := s.SetByteSlice(sig[32:]); overflow || s.IsZero() {
		return invalid("s out of range")
	}
	if s.IsOverHalfOrder() {
		return invalid("high-S signature")
	}
	if !ecdsa.NewSignature(&r, &s).Verify(digest(msg), k.key) {
		return invalid("secp256k1 signature does not verify")
	}
	return nil
}
