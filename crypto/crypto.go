// Package crypto provides the signing keys repositories are committed
// with: secp256k1 and NIST P-256, both producing 64-byte low-S r||s
// signatures over the sha2-256 digest of the message.
package crypto

import (
	"errors"
	"fmt"

	sha256 "github.com/minio/sha256-simd"
)

var (
	// ErrInvalidSignature is returned when a signature does not verify.
	ErrInvalidSignature = errors.New("invalid signature")
	// ErrUnsupportedKey is returned for key types and encodings this
	// package does not handle.
	ErrUnsupportedKey = errors.New("unsupported key")
)

// Algorithm names a signature scheme by its JWT algorithm name.
type Algorithm string

const (
	Secp256k1 Algorithm = "ES256K"
	P256      Algorithm = "ES256"
)

// SignatureLength is the size of a compact r||s signature.
const SignatureLength = 64

// PublicKey verifies signatures.
type PublicKey interface {
	Algorithm() Algorithm
	// Bytes returns the compressed point encoding.
	Bytes() []byte
	// Verify checks sig over msg, returning an error wrapping
	// ErrInvalidSignature if it does not verify. High-S signatures are
	// rejected.
	Verify(msg, sig []byte) error
}

// PrivateKey signs messages.
type PrivateKey interface {
	Algorithm() Algorithm
	PublicKey() PublicKey
	// Sign returns a low-S r||s signature over sha2-256(msg).
	Sign(msg []byte) ([]byte, error)
	// Bytes returns the 32-byte scalar.
	Bytes() []byte
}

// GenerateKey creates a random private key for alg.
func GenerateKey(alg Algorithm) (PrivateKey, error) {
	switch alg {
	case Secp256k1:
		return GenerateSecp256k1()
	case P256:
		return GenerateP256()
	}
	return nil, fmt.Errorf("%w: algorithm %q", ErrUnsupportedKey, alg)
}

// ParsePrivateKey reads a 32-byte scalar as a key for alg.
func ParsePrivateKey(alg Algorithm, b []byte) (PrivateKey, error) {
	switch alg {
	case Secp256k1:
		return ParseSecp256k1(b)
	case P256:
		return ParseP256(b)
	}
	return nil, fmt.Errorf("%w: algorithm %q", ErrUnsupportedKey, alg)
}

// ParsePublicKey reads a compressed point as a key for alg.
func ParsePublicKey(alg Algorithm, b []byte) (PublicKey, error) {
	switch alg {
	case Secp256k1:
		return parseSecp256k1Public(b)
	case P256:
		return parseP256Public(b)
	}
	return nil, fmt.Errorf("%w: algorithm %q", ErrUnsupportedKey, alg)
}

func digest(msg []byte) []byte {
	sum := sha256.Sum256(msg)
	return sum[:]
}

func invalid(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidSignature, fmt.Sprintf(format, args...))
}
