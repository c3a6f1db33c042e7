package repo

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jrhy/atmast/crypto"
)

// ErrUnknownKey is returned by a KeyProvider with no key for a
// repository.
var ErrUnknownKey = errors.New("no key for repository")

// KeyProvider supplies the keys repositories are signed and verified
// with.
type KeyProvider interface {
	SigningKey(ctx context.Context, did string) (crypto.PrivateKey, error)
	PublicKey(ctx context.Context, did string) (crypto.PublicKey, error)
}

// StaticKeys is an in-memory KeyProvider. Public keys of did:key
// identifiers are derived from the identifier itself.
type StaticKeys struct {
	mu      sync.RWMutex
	private map[string]crypto.PrivateKey
	public  map[string]crypto.PublicKey
}

var _ KeyProvider = &StaticKeys{}

func NewStaticKeys() *StaticKeys {
	return &StaticKeys{
		private: map[string]crypto.PrivateKey{},
		public:  map[string]crypto.PublicKey{},
	}
}

// Add registers the signing key of a repository.
func (k *StaticKeys) Add(did string, key crypto.PrivateKey) {
	k.mu.Lock()
	k.private[did] = key
	k.public[did] = key.PublicKey()
	k.mu.Unlock()
}

// AddPublic registers a verification-only key.
func (k *StaticKeys) AddPublic(did string, pub crypto.PublicKey) {
	k.mu.Lock()
	k.public[did] = pub
	k.mu.Unlock()
}

func (k *StaticKeys) SigningKey(_ context.Context, did string) (crypto.PrivateKey, error) {
	k.mu.RLock()
	defer k.mu.RUnlock()
	key, ok := k.private[did]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, did)
	}
	return key, nil
}

func (k *StaticKeys) PublicKey(_ context.Context, did string) (crypto.PublicKey, error) {
	k.mu.RLock()
	pub, ok := k.public[did]
	k.mu.RUnlock()
	if ok {
		return pub, nil
	}
	if strings.HasPrefix(did, crypto.DIDKeyPrefix) {
		return crypto.ParseDIDKey(did)
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownKey, did)
}
