package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"fmt"
	"math/big"
)

// P256PrivateKey is a private key on the NIST P-256 curve.
type P256PrivateKey struct {
	key *ecdsa.PrivateKey
}

// P256PublicKey is a public key on the NIST P-256 curve.
type P256PublicKey struct {
	key *ecdsa.PublicKey
}

var (
	_ PrivateKey = &P256PrivateKey{}
	_ PublicKey  = &P256PublicKey{}

	p256HalfOrder = new(big.Int).Rsh(elliptic.P256().Params().N, 1)
)

func GenerateP256() (*P256PrivateKey, error) {
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate p256 key: %w", err)
	}
	return &P256PrivateKey{key: key}, nil
}

func ParseP256(b []byte) (*P256PrivateKey, error) {
	curve := elliptic.P256()
	d := new(big.Int).SetBytes(b)
	if len(b) != 32 || d.Sign() == 0 || d.Cmp(curve.Params().N) >= 0 {
		return nil, fmt.Errorf("%w: p256 private key out of range", ErrUnsupportedKey)
	}
	key := &ecdsa.PrivateKey{D: d}
	key.PublicKey.Curve = curve
	key.PublicKey.X, key.PublicKey.Y = curve.ScalarBaseMult(b)
	return &P256PrivateKey{key: key}, nil
}

func (k *P256PrivateKey) Algorithm() Algorithm { return P256 }

func (k *P256PrivateKey) PublicKey() PublicKey {
	return &P256PublicKey{key: &k.key.PublicKey}
}

func (k *P256PrivateKey) Bytes() []byte {
	return k.key.D.FillBytes(make([]byte, 32))
}

// Sign signs with a random nonce, then normalizes s into the lower half
// of the group order.
func (k *P256PrivateKey) Sign(msg []byte) ([]byte, error) {
	r, s, err := ecdsa.Sign(rand.Reader, k.key, digest(msg))
	if err != nil {
		return nil, fmt.Errorf("p256 sign: %w", err)
	}
	if s.Cmp(p256HalfOrder) > 0 {
		s = new(big.Int).Sub(k.key.Params().N, s)
	}
	sig := make([]byte, SignatureLength)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])
	return sig, nil
}

func parseP256Public(b []byte) (*P256PublicKey, error) {
	x, y := elliptic.UnmarshalCompressed(elliptic.P256(), b)
	if x == nil {
		return nil, fmt.Errorf("%w: invalid compressed p256 point", ErrUnsupportedKey)
	}
	return &P256PublicKey{key: &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}}, nil
}

func (k *P256PublicKey) Algorithm() Algorithm { return P256 }

func (k *P256PublicKey) Bytes() []byte {
	return elliptic.MarshalCompressed(k.key.Curve, k.key.X, k.key.Y)
}

func (k *P256PublicKey) Verify(msg, sig []byte) error {
	if len(sig) != SignatureLength {
		return invalid("signature of %d bytes", len(sig))
	}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	if s.Cmp(p256HalfOrder) > 0 {
		return invalid("high-S signature")
	}
	if !ecdsa.Verify(k.key, digest(msg), r, s) {
		return invalid("p256 signature does not verify")
	}
	return nil
}
