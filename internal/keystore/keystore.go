// Package keystore is the account-level adapter over a SecureStorage
// backend (OS keychain or encrypted bolt file) for the one secret the
// rest of this module must never hold
// onto: the user's Ed25519 identity seed. Earlier designs kept a
// decrypted identity key in a long-lived package variable; this
// adapter only ever hands the seed to a caller-supplied closure and
// zeroes its buffer when the closure returns.
package keystore

import (
	"fmt"

	"github.com/scdouglas/paracord/internal/store"
)

const identitySeedKey = "signal:identity:seed"

// Keystore holds the account's Ed25519 identity seed at rest.
type Keystore struct {
	backend store.SecureStorage
}

func New(backend store.SecureStorage) *Keystore {
	return &Keystore{backend: backend}
}

// HasIdentity reports whether an identity seed has been stored yet.
func (k *Keystore) HasIdentity() (bool, error) {
	_, err := k.backend.Get(identitySeedKey)
	if store.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("checking identity: %w", err)
	}
	return true, nil
}

// StoreIdentity persists a newly generated or imported identity seed.
func (k *Keystore) StoreIdentity(seed []byte) error {
	if len(seed) != 32 {
		return fmt.Errorf("keystore: identity seed must be 32 bytes, got %d", len(seed))
	}
	if err := k.backend.Set(identitySeedKey, seed); err != nil {
		return fmt.Errorf("storing identity: %w", err)
	}
	return nil
}

// WithIdentitySeed loads the identity seed, hands it to fn, then zeroes
// the in-memory buffer before returning - regardless of whether fn
// succeeded. Callers should never copy the slice fn receives out of
// its scope.
func (k *Keystore) WithIdentitySeed(fn func(seed []byte) error) error {
	seed, err := k.backend.Get(identitySeedKey)
	if err != nil {
		return fmt.Errorf("loading identity: %w", err)
	}
	defer zero(seed)

	return fn(seed)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
