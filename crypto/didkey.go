package crypto

import (
	"fmt"
	"strings"

	"github.com/multiformats/go-multibase"
	"github.com/multiformats/go-varint"
)

// DIDKeyPrefix starts every did:key identifier.
const DIDKeyPrefix = "did:key:"

// Multicodec codes of compressed public keys.
const (
	secp256k1PubCode = 0xe7
	p256PubCode      = 0x1200
)

// DIDKey renders pub as a did:key identifier: base58btc multibase over
// the multicodec-prefixed compressed point.
func DIDKey(pub PublicKey) (string, error) {
	var code uint64
	switch pub.Algorithm() {
	case Secp256k1:
		code = secp256k1PubCode
	case P256:
		code = p256PubCode
	default:
		return "", fmt.Errorf("%w: algorithm %q", ErrUnsupportedKey, pub.Algorithm())
	}
	buf := append(varint.ToUvarint(code), pub.Bytes()...)
	s, err := multibase.Encode(multibase.Base58BTC, buf)
	if err != nil {
		return "", fmt.Errorf("encode did:key: %w", err)
	}
	return DIDKeyPrefix + s, nil
}

// ParseDIDKey reads a did:key identifier back into a public key.
func ParseDIDKey(did string) (PublicKey, error) {
	if !strings.HasPrefix(did, DIDKeyPrefix) {
		return nil, fmt.Errorf("%w: %q is not a did:key", ErrUnsupportedKey, did)
	}
	enc, buf, err := multibase.Decode(did[len(DIDKeyPrefix):])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedKey, err)
	}
	if enc != multibase.Base58BTC {
		return nil, fmt.Errorf("%w: did:key must be base58btc", ErrUnsupportedKey)
	}
	code, n, err := varint.FromUvarint(buf)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnsupportedKey, err)
	}
	switch code {
	case secp256k1PubCode:
		return parseSecp256k1Public(buf[n:])
	case p256PubCode:
		return parseP256Public(buf[n:])
	}
	return nil, fmt.Errorf("%w: multicodec 0x%x", ErrUnsupportedKey, code)
}
