package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/scdouglas/paracord/internal/signal"
)

// SessionStore persists Double Ratchet state per peer pair on top of a
// SecureStorage backend.
type SessionStore struct {
	backend SecureStorage
}

func NewSessionStore(backend SecureStorage) *SessionStore {
	return &SessionStore{backend: backend}
}

// sessionKey derives the storage key for a session between two Ed25519
// identities, independent of who is "me" and who is "peer": both sides
// compute the same key by sorting the hex-encoded public keys.
func sessionKey(myEdPkHex, peerEdPkHex string) string {
	pair := []string{myEdPkHex, peerEdPkHex}
	sort.Strings(pair)
	return "signal:session:" + strings.Join(pair, ":")
}

// Load returns the ratchet state for a peer, or nil if no session
// exists yet.
func (s *SessionStore) Load(myEdPkHex, peerEdPkHex string) (*signal.State, error) {
	key := sessionKey(myEdPkHex, peerEdPkHex)
	raw, err := s.backend.Get(key)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading session %s: %w", key, err)
	}

	var serialized signal.SerializedState
	if err := json.Unmarshal(raw, &serialized); err != nil {
		return nil, fmt.Errorf("decoding session %s: %w", key, err)
	}
	state, err := signal.Decode(serialized)
	if err != nil {
		return nil, fmt.Errorf("reconstructing session %s: %w", key, err)
	}
	return state, nil
}

// Save persists the ratchet state for a peer, overwriting whatever was
// there before. Callers must pass the full new state returned by
// signal.Encrypt/Decrypt, never mutate a loaded one in place.
func (s *SessionStore) Save(myEdPkHex, peerEdPkHex string, state *signal.State) error {
	key := sessionKey(myEdPkHex, peerEdPkHex)
	raw, err := json.Marshal(signal.Encode(state))
	if err != nil {
		return fmt.Errorf("encoding session %s: %w", key, err)
	}
	if err := s.backend.Set(key, raw); err != nil {
		return fmt.Errorf("saving session %s: %w", key, err)
	}
	return nil
}

// Delete removes a session, e.g. after a remote logout or a
// corrupted-state recovery.
func (s *SessionStore) Delete(myEdPkHex, peerEdPkHex string) error {
	return s.backend.Delete(sessionKey(myEdPkHex, peerEdPkHex))
}
