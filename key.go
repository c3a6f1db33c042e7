package mast

import (
	"errors"
	"fmt"
	"math/bits"
	"strings"

	sha256 "github.com/minio/sha256-simd"
)

// MaxKeyLength is the longest record path accepted as a key.
const MaxKeyLength = 256

// ErrInvalidKey is returned for keys that are not well-formed
// collection/record-key paths.
var ErrInvalidKey = errors.New("invalid key")

// ValidateKey checks that key has the shape collection/record-key: one
// slash, both halves non-empty, and only characters from
// [a-zA-Z0-9_~\-:.].
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	if len(key) > MaxKeyLength {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrInvalidKey, len(key), MaxKeyLength)
	}
	slash := strings.IndexByte(key, '/')
	if slash < 0 || strings.IndexByte(key[slash+1:], '/') >= 0 {
		return fmt.Errorf("%w: %q must contain exactly one '/'", ErrInvalidKey, key)
	}
	if slash == 0 || slash == len(key)-1 {
		return fmt.Errorf("%w: %q has an empty collection or record key", ErrInvalidKey, key)
	}
	for i := 0; i < len(key); i++ {
		if i != slash && !validKeyChar(key[i]) {
			return fmt.Errorf("%w: %q has disallowed character %q", ErrInvalidKey, key, key[i])
		}
	}
	return nil
}

func validKeyChar(c byte) bool {
	switch {
	case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9':
		return true
	}
	switch c {
	case '_', '~', '-', ':', '.':
		return true
	}
	return false
}

// Layer returns the layer (distance from the leaves) at which key's
// entry lives: the number of leading zero bits of sha2-256(key), halved,
// which gives an expected fanout of 4.
func Layer(key string) int {
	sum := sha256.Sum256([]byte(key))
	zeros := 0
	for _, b := range sum {
		if b != 0 {
			zeros += bits.LeadingZeros8(b)
			break
		}
		zeros += 8
	}
	return zeros / 2
}

// sharedPrefixLen returns how many leading bytes a and b have in common.
func sharedPrefixLen(a, b string) int {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}
