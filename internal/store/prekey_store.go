package store

import (
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"time"

	"github.com/scdouglas/paracord/internal/signal"
)

const (
	initialOPKCount = 50

	// SignedPrekeyMaxAge is how long a signed prekey is trusted before
	// the lifecycle controller rotates it.
	SignedPrekeyMaxAge = 7 * 24 * time.Hour
)

const localPrekeyStoreKey = "signal:prekeys:local"

// SignedPrekeyEntry is the owner's view of their own signed prekey,
// including the private half and rotation bookkeeping.
type SignedPrekeyEntry struct {
	ID        uint64
	KeyPair   signal.X25519KeyPair
	Signature []byte
	CreatedAt time.Time
}

// OneTimePrekeyEntry is a single unconsumed OPK.
type OneTimePrekeyEntry struct {
	ID      uint64
	KeyPair signal.X25519KeyPair
}

// LocalPrekeyStore is the owner's view of their own prekey material:
// the current signed prekey and the pool of unconsumed one-time
// prekeys. All ids - signed prekey and OPKs alike - are drawn from a
// single monotone counter seeded from wall-clock time, per the
// collision-avoidance rule: a store that outlives the process still
// never reissues an id a previous incarnation already used, since the
// seed only grows.
type LocalPrekeyStore struct {
	SignedPrekey SignedPrekeyEntry
	OneTime      map[uint64]OneTimePrekeyEntry
	NextOPKID    uint64
}

// Generate creates a fresh store: one signed prekey and an initial
// batch of 50 one-time prekeys. The signed prekey is signed with the
// caller's Ed25519 identity seed; the one-time prekeys are fresh random
// keypairs. The core never persists the expanded private key this
// derives; it exists only for the duration of this call.
func Generate(identitySeed []byte) (*LocalPrekeyStore, error) {
	s := &LocalPrekeyStore{
		OneTime:   make(map[uint64]OneTimePrekeyEntry, initialOPKCount),
		NextOPKID: uint64(time.Now().UnixNano()),
	}

	if err := s.rotateSignedPrekey(identitySeed); err != nil {
		return nil, err
	}
	if _, err := s.generateAdditionalOPKs(initialOPKCount); err != nil {
		return nil, err
	}
	return s, nil
}

// rotateSignedPrekey replaces the signed prekey entry atomically,
// re-signing the new public key with the identity key.
func (s *LocalPrekeyStore) rotateSignedPrekey(identitySeed []byte) error {
	kp, err := signal.GenerateX25519KeyPair()
	if err != nil {
		return fmt.Errorf("generating signed prekey: %w", err)
	}
	edPriv := ed25519.NewKeyFromSeed(identitySeed)
	sig := signal.SignSignedPrekey(edPriv, kp.Public)

	s.SignedPrekey = SignedPrekeyEntry{
		ID:        s.nextID(),
		KeyPair:   kp,
		Signature: sig,
		CreatedAt: time.Now(),
	}
	return nil
}

// RotateSignedPrekeyIfAged rotates the signed prekey when its age
// exceeds SignedPrekeyMaxAge, returning whether a rotation happened.
func (s *LocalPrekeyStore) RotateSignedPrekeyIfAged(identitySeed []byte) (bool, error) {
	if time.Since(s.SignedPrekey.CreatedAt) <= SignedPrekeyMaxAge {
		return false, nil
	}
	if err := s.rotateSignedPrekey(identitySeed); err != nil {
		return false, err
	}
	return true, nil
}

func (s *LocalPrekeyStore) nextID() uint64 {
	id := s.NextOPKID
	s.NextOPKID++
	return id
}

// generateAdditionalOPKs allocates count new OPKs and returns the new
// entries (both halves); callers upload only their public halves.
func (s *LocalPrekeyStore) generateAdditionalOPKs(count int) ([]OneTimePrekeyEntry, error) {
	added := make([]OneTimePrekeyEntry, 0, count)
	for i := 0; i < count; i++ {
		kp, err := signal.GenerateX25519KeyPair()
		if err != nil {
			return nil, fmt.Errorf("generating one-time prekey: %w", err)
		}
		entry := OneTimePrekeyEntry{ID: s.nextID(), KeyPair: kp}
		s.OneTime[entry.ID] = entry
		added = append(added, entry)
	}
	return added, nil
}

// GenerateAdditionalOPKs is the exported form used by the prekey
// lifecycle controller to replenish the server-side pool.
func (s *LocalPrekeyStore) GenerateAdditionalOPKs(count int) ([]OneTimePrekeyEntry, error) {
	return s.generateAdditionalOPKs(count)
}

// ConsumeOPK removes and returns the private key for opkID. A second
// call with the same id returns ok=false: consumption is destructive
// and one-shot, the forward-secrecy invariant this store exists to
// enforce.
func (s *LocalPrekeyStore) ConsumeOPK(opkID uint64) (priv [32]byte, ok bool) {
	entry, found := s.OneTime[opkID]
	if !found {
		return [32]byte{}, false
	}
	delete(s.OneTime, opkID)
	return entry.KeyPair.Private, true
}

// SignedPrekeyPair returns the current signed prekey as a plain
// X25519 keypair view, for handing to the ratchet initializer.
func (s *LocalPrekeyStore) SignedPrekeyPair() signal.X25519KeyPair {
	return s.SignedPrekey.KeyPair
}

// serializedPrekeyStore is the JSON-friendly persisted form.
type serializedPrekeyStore struct {
	SignedPrekey struct {
		ID        uint64 `json:"id"`
		Public    string `json:"public_key"`
		Private   string `json:"private_key"`
		Signature string `json:"signature"`
		CreatedAt int64  `json:"created_at"`
	} `json:"signed_prekey"`
	OneTime []struct {
		ID      uint64 `json:"id"`
		Public  string `json:"public_key"`
		Private string `json:"private_key"`
	} `json:"one_time_prekeys"`
	NextOPKID uint64 `json:"next_opk_id"`
}

func (s *LocalPrekeyStore) marshal() ([]byte, error) {
	var out serializedPrekeyStore
	out.SignedPrekey.ID = s.SignedPrekey.ID
	out.SignedPrekey.Public = signal.ToBase64(s.SignedPrekey.KeyPair.Public[:])
	out.SignedPrekey.Private = signal.ToBase64(s.SignedPrekey.KeyPair.Private[:])
	out.SignedPrekey.Signature = signal.ToBase64(s.SignedPrekey.Signature)
	out.SignedPrekey.CreatedAt = s.SignedPrekey.CreatedAt.Unix()
	out.NextOPKID = s.NextOPKID

	for _, entry := range s.OneTime {
		out.OneTime = append(out.OneTime, struct {
			ID      uint64 `json:"id"`
			Public  string `json:"public_key"`
			Private string `json:"private_key"`
		}{
			ID:      entry.ID,
			Public:  signal.ToBase64(entry.KeyPair.Public[:]),
			Private: signal.ToBase64(entry.KeyPair.Private[:]),
		})
	}
	return json.Marshal(out)
}

func decodeFixed32(b64 string) ([32]byte, error) {
	b, err := signal.FromBase64(b64)
	if err != nil {
		return [32]byte{}, err
	}
	if len(b) != 32 {
		return [32]byte{}, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	var out [32]byte
	copy(out[:], b)
	return out, nil
}

func unmarshalPrekeyStore(raw []byte) (*LocalPrekeyStore, error) {
	var in serializedPrekeyStore
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("decoding prekey store: %w", err)
	}

	pub, err := decodeFixed32(in.SignedPrekey.Public)
	if err != nil {
		return nil, fmt.Errorf("decoding signed prekey public: %w", err)
	}
	priv, err := decodeFixed32(in.SignedPrekey.Private)
	if err != nil {
		return nil, fmt.Errorf("decoding signed prekey private: %w", err)
	}
	sig, err := signal.FromBase64(in.SignedPrekey.Signature)
	if err != nil {
		return nil, fmt.Errorf("decoding signed prekey signature: %w", err)
	}

	s := &LocalPrekeyStore{
		SignedPrekey: SignedPrekeyEntry{
			ID:        in.SignedPrekey.ID,
			KeyPair:   signal.X25519KeyPair{Private: priv, Public: pub},
			Signature: sig,
			CreatedAt: time.Unix(in.SignedPrekey.CreatedAt, 0),
		},
		OneTime:   make(map[uint64]OneTimePrekeyEntry, len(in.OneTime)),
		NextOPKID: in.NextOPKID,
	}

	for _, entry := range in.OneTime {
		pub, err := decodeFixed32(entry.Public)
		if err != nil {
			return nil, fmt.Errorf("decoding one-time prekey %d public: %w", entry.ID, err)
		}
		priv, err := decodeFixed32(entry.Private)
		if err != nil {
			return nil, fmt.Errorf("decoding one-time prekey %d private: %w", entry.ID, err)
		}
		s.OneTime[entry.ID] = OneTimePrekeyEntry{
			ID:      entry.ID,
			KeyPair: signal.X25519KeyPair{Private: priv, Public: pub},
		}
	}
	return s, nil
}

// PrekeyStoreRepository persists a single LocalPrekeyStore - the
// account holds exactly one - through a SecureStorage backend.
type PrekeyStoreRepository struct {
	backend SecureStorage
}

func NewPrekeyStoreRepository(backend SecureStorage) *PrekeyStoreRepository {
	return &PrekeyStoreRepository{backend: backend}
}

// Load returns the persisted store, or nil if none has been generated
// yet.
func (r *PrekeyStoreRepository) Load() (*LocalPrekeyStore, error) {
	raw, err := r.backend.Get(localPrekeyStoreKey)
	if IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading prekey store: %w", err)
	}
	return unmarshalPrekeyStore(raw)
}

func (r *PrekeyStoreRepository) Save(s *LocalPrekeyStore) error {
	raw, err := s.marshal()
	if err != nil {
		return fmt.Errorf("encoding prekey store: %w", err)
	}
	return r.backend.Set(localPrekeyStoreKey, raw)
}
