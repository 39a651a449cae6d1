// Package envelope is the top-level router: it decides, per message,
// whether to speak the legacy v1 static-ECDH AEAD dialect or the
// Signal v2 Double Ratchet, and it owns X3DH bootstrap and responder
// fallback-retry. Everything below it (signal, store, keysapi) is a
// collaborator; this is the only package that wires them together
// into encryptDm/decryptDm.
package envelope

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/scdouglas/paracord/internal/keysapi"
	"github.com/scdouglas/paracord/internal/metrics"
	"github.com/scdouglas/paracord/internal/signal"
	"github.com/scdouglas/paracord/internal/store"
)

// Payload is the wire envelope produced by EncryptDm and consumed by
// DecryptDm: version 1 or 2, with Header present only on v2.
type Payload struct {
	Version    int    `json:"version"`
	Nonce      string `json:"nonce"`      // base64
	Ciphertext string `json:"ciphertext"` // base64
	Header     string `json:"header,omitempty"`
}

// Router ties the session store, local prekey store, and Keys API
// client together into the encryptDm/decryptDm contract.
type Router struct {
	sessions *store.SessionStore
	prekeys  *store.PrekeyStoreRepository
	client   *keysapi.Client

	mu       sync.Mutex
	pairLock map[string]*sync.Mutex
}

func New(sessions *store.SessionStore, prekeys *store.PrekeyStoreRepository, client *keysapi.Client) *Router {
	return &Router{
		sessions: sessions,
		prekeys:  prekeys,
		client:   client,
		pairLock: make(map[string]*sync.Mutex),
	}
}

// lockFor returns the mutex serializing operations on one (me, peer)
// pair; per spec, two concurrent encrypts on the same pair are
// forbidden, but different pairs run independently.
func (r *Router) lockFor(pairKey string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.pairLock[pairKey]
	if !ok {
		m = &sync.Mutex{}
		r.pairLock[pairKey] = m
	}
	return m
}

// EncryptDm encrypts plaintext for peerEdPk, bound to channelID for
// the v1 fallback derivation. peerUserID, if non-empty, lets the
// router fetch a bundle and bootstrap X3DH when no session exists yet.
func (r *Router) EncryptDm(ctx context.Context, channelID string, plaintext []byte, myEdSeed []byte, peerEdPk ed25519.PublicKey, peerUserID string) (Payload, error) {
	myEdPub := ed25519.NewKeyFromSeed(myEdSeed).Public().(ed25519.PublicKey)
	myHex := signal.ToHex(myEdPub)
	peerHex := signal.ToHex(peerEdPk)
	pairKey := "signal:session:" + myHex + ":" + peerHex

	lock := r.lockFor(pairKey)
	lock.Lock()
	defer lock.Unlock()

	state, err := r.sessions.Load(myHex, peerHex)
	if err != nil {
		return Payload{}, err
	}

	if state != nil {
		return r.encryptV2(myHex, peerHex, state, plaintext, nil)
	}

	if peerUserID != "" {
		bundle, bootstrapErr := r.fetchBundle(ctx, peerUserID)
		if bootstrapErr == nil {
			newState, header, err := r.bootstrapInitiator(myEdSeed, bundle)
			if err != nil {
				return Payload{}, err
			}
			return r.encryptV2(myHex, peerHex, newState, plaintext, &header)
		}
	}

	metrics.EnvelopeVersionTotal.WithLabelValues("v1", "encrypt").Inc()
	return r.encryptV1(channelID, plaintext, myEdSeed, peerEdPk)
}

// DecryptDm decrypts payload from peerEdPk, running responder X3DH
// bootstrap and a single bootstrap retry as needed.
func (r *Router) DecryptDm(ctx context.Context, channelID string, payload Payload, myEdSeed []byte, peerEdPk ed25519.PublicKey) ([]byte, error) {
	myEdPub := ed25519.NewKeyFromSeed(myEdSeed).Public().(ed25519.PublicKey)
	myHex := signal.ToHex(myEdPub)
	peerHex := signal.ToHex(peerEdPk)
	pairKey := "signal:session:" + myHex + ":" + peerHex

	lock := r.lockFor(pairKey)
	lock.Lock()
	defer lock.Unlock()

	if payload.Version == 1 || payload.Header == "" {
		metrics.EnvelopeVersionTotal.WithLabelValues("v1", "decrypt").Inc()
		return r.decryptV1(channelID, payload, myEdSeed, peerEdPk)
	}
	if payload.Version != 2 {
		return nil, signal.ErrUnsupportedVersion
	}

	metrics.EnvelopeVersionTotal.WithLabelValues("v2", "decrypt").Inc()

	var header signal.Header
	if err := json.Unmarshal([]byte(payload.Header), &header); err != nil {
		return nil, fmt.Errorf("decoding envelope header: %w", err)
	}

	nonce, err := signal.FromBase64(payload.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decoding envelope nonce: %w", err)
	}
	ciphertext, err := signal.FromBase64(payload.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decoding envelope ciphertext: %w", err)
	}

	state, err := r.sessions.Load(myHex, peerHex)
	if err != nil {
		return nil, err
	}

	isBootstrap := header.IK != nil && header.EK != nil

	if state == nil {
		if !isBootstrap {
			return nil, signal.ErrNoSession
		}
		state, err = r.bootstrapResponder(myEdSeed, header)
		if err != nil {
			return nil, err
		}
	}

	decrypted, err := signal.Decrypt(state, header, nonce, ciphertext)
	if err == nil {
		metrics.RatchetStepsTotal.WithLabelValues("receive").Inc()
		metrics.SkippedMessageKeysCached.Observe(float64(decrypted.State.SkippedKeyCount()))
		if err := r.sessions.Save(myHex, peerHex, decrypted.State); err != nil {
			return nil, err
		}
		return decrypted.Plaintext, nil
	}

	if !isBootstrap {
		metrics.DecryptFailuresTotal.WithLabelValues("steady_state").Inc()
		return nil, err
	}

	// Single bootstrap retry: delete any stored session for the pair and
	// re-derive one fresh, per the escalate-after-one-retry contract.
	metrics.DecryptFailuresTotal.WithLabelValues("bootstrap").Inc()
	if err := r.sessions.Delete(myHex, peerHex); err != nil {
		return nil, err
	}
	retryState, err := r.bootstrapResponder(myEdSeed, header)
	if err != nil {
		return nil, err
	}
	decrypted, err = signal.Decrypt(retryState, header, nonce, ciphertext)
	if err != nil {
		metrics.DecryptFailuresTotal.WithLabelValues("bootstrap_retry").Inc()
		return nil, signal.ErrDecryptFailed
	}
	metrics.RatchetStepsTotal.WithLabelValues("receive").Inc()
	metrics.SkippedMessageKeysCached.Observe(float64(decrypted.State.SkippedKeyCount()))
	if err := r.sessions.Save(myHex, peerHex, decrypted.State); err != nil {
		return nil, err
	}
	return decrypted.Plaintext, nil
}

func (r *Router) fetchBundle(ctx context.Context, peerUserID string) (keysapi.Bundle, error) {
	return r.client.FetchBundle(ctx, peerUserID)
}

func (r *Router) bootstrapInitiator(myEdSeed []byte, bundle keysapi.Bundle) (*signal.State, signal.Header, error) {
	identityKey, err := signal.FromHex(bundle.IdentityKey)
	if err != nil {
		return nil, signal.Header{}, fmt.Errorf("decoding bundle identity key: %w", err)
	}
	spkPub, err := decodeFixed32(bundle.SignedPrekey.PublicKey)
	if err != nil {
		return nil, signal.Header{}, fmt.Errorf("decoding bundle signed prekey: %w", err)
	}
	sig, err := signal.FromBase64(bundle.SignedPrekey.Signature)
	if err != nil {
		return nil, signal.Header{}, fmt.Errorf("decoding bundle signature: %w", err)
	}

	prekeyBundle := signal.PrekeyBundle{
		IdentityKey:           identityKey,
		SignedPrekeyID:        bundle.SignedPrekey.ID,
		SignedPrekeyPublic:    spkPub,
		SignedPrekeySignature: sig,
	}
	if bundle.OneTimePrekey != nil {
		opkPub, err := decodeFixed32(bundle.OneTimePrekey.PublicKey)
		if err != nil {
			return nil, signal.Header{}, fmt.Errorf("decoding bundle one-time prekey: %w", err)
		}
		prekeyBundle.HasOneTimePrekey = true
		prekeyBundle.OneTimePrekeyID = bundle.OneTimePrekey.ID
		prekeyBundle.OneTimePrekeyPublic = opkPub
	}

	result, err := signal.Initiate(myEdSeed, prekeyBundle)
	if err != nil {
		return nil, signal.Header{}, err
	}

	state, err := signal.InitializeInitiator(result.SharedSecret, prekeyBundle.SignedPrekeyPublic)
	if err != nil {
		return nil, signal.Header{}, err
	}

	usedOPK := result.UsedOPKID
	myEdPub := ed25519.NewKeyFromSeed(myEdSeed).Public().(ed25519.PublicKey)
	ik := signal.ToHex(myEdPub)
	ek := signal.ToBase64(result.EphemeralPub[:])

	used := "false"
	if result.UsedOPK {
		used = "true"
	}
	metrics.HandshakesTotal.WithLabelValues("initiator", used).Inc()

	header := signal.Header{IK: &ik, EK: &ek}
	if result.UsedOPK {
		header.OPKID = &usedOPK
	}
	return state, header, nil
}

// bootstrapResponder runs the responder side of X3DH from a header
// carrying IK+EK(+opk_id), consuming the named one-time prekey if
// present, and persists the updated prekey store so a consumed OPK
// can never be handed out twice even if the caller aborts afterward.
func (r *Router) bootstrapResponder(myEdSeed []byte, header signal.Header) (*signal.State, error) {
	prekeyStore, err := r.prekeys.Load()
	if err != nil {
		return nil, err
	}
	if prekeyStore == nil {
		return nil, signal.ErrNoPrekeyStore
	}

	peerIdentity, err := signal.FromHex(*header.IK)
	if err != nil {
		return nil, fmt.Errorf("decoding header identity key: %w", err)
	}
	peerEphemeral, err := decodeFixed32(*header.EK)
	if err != nil {
		return nil, fmt.Errorf("decoding header ephemeral key: %w", err)
	}

	var opkPriv *[32]byte
	if header.OPKID != nil {
		priv, ok := prekeyStore.ConsumeOPK(*header.OPKID)
		if ok {
			opkPriv = &priv
		}
	}
	if err := r.prekeys.Save(prekeyStore); err != nil {
		return nil, fmt.Errorf("persisting consumed one-time prekey: %w", err)
	}

	sharedSecret, err := signal.Respond(prekeyStore.SignedPrekeyPair().Private, opkPriv, peerIdentity, peerEphemeral, myEdSeed)
	if err != nil {
		return nil, err
	}

	metrics.HandshakesTotal.WithLabelValues("responder", boolLabel(opkPriv != nil)).Inc()

	return signal.InitializeResponder(sharedSecret, prekeyStore.SignedPrekeyPair()), nil
}

func boolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func decodeFixed32(b64 string) ([32]byte, error) {
	b, err := signal.FromBase64(b64)
	if err != nil {
		return [32]byte{}, err
	}
	if len(b) != 32 {
		return [32]byte{}, errors.New("expected 32 bytes")
	}
	var out [32]byte
	copy(out[:], b)
	return out, nil
}

func (r *Router) encryptV2(myHex, peerHex string, state *signal.State, plaintext []byte, bootstrapHeader *signal.Header) (Payload, error) {
	var bootstrap *signal.Bootstrap
	if bootstrapHeader != nil {
		bootstrap = &signal.Bootstrap{IK: *bootstrapHeader.IK, EK: *bootstrapHeader.EK, OPKID: bootstrapHeader.OPKID}
	}

	enc, err := signal.Encrypt(state, plaintext, bootstrap)
	if err != nil {
		return Payload{}, err
	}
	metrics.RatchetStepsTotal.WithLabelValues("send").Inc()

	headerJSON, err := json.Marshal(enc.Header)
	if err != nil {
		return Payload{}, fmt.Errorf("encoding envelope header: %w", err)
	}

	if err := r.sessions.Save(myHex, peerHex, enc.State); err != nil {
		return Payload{}, err
	}

	metrics.EnvelopeVersionTotal.WithLabelValues("v2", "encrypt").Inc()
	return Payload{
		Version:    2,
		Nonce:      signal.ToBase64(enc.Nonce),
		Ciphertext: signal.ToBase64(enc.Ciphertext),
		Header:     string(headerJSON),
	}, nil
}

const v1Prefix = "paracord:dm-e2ee:v1:"

func v1Key(channelID string, sharedXDH [32]byte) [32]byte {
	h := sha256.New()
	h.Write([]byte(v1Prefix))
	h.Write([]byte(channelID))
	h.Write(sharedXDH[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

func (r *Router) encryptV1(channelID string, plaintext []byte, myEdSeed []byte, peerEdPk ed25519.PublicKey) (Payload, error) {
	myXPriv, err := signal.Ed25519SeedToX25519Private(myEdSeed)
	if err != nil {
		return Payload{}, err
	}
	peerXPub, err := signal.Ed25519PublicToX25519Public(peerEdPk)
	if err != nil {
		return Payload{}, err
	}
	shared, err := signal.X25519(myXPriv, peerXPub)
	if err != nil {
		return Payload{}, err
	}
	key := v1Key(channelID, shared)

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return Payload{}, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return Payload{}, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return Payload{}, err
	}
	ciphertext := gcm.Seal(nil, nonce, plaintext, nil)

	return Payload{
		Version:    1,
		Nonce:      signal.ToBase64(nonce),
		Ciphertext: signal.ToBase64(ciphertext),
	}, nil
}

func (r *Router) decryptV1(channelID string, payload Payload, myEdSeed []byte, peerEdPk ed25519.PublicKey) ([]byte, error) {
	myXPriv, err := signal.Ed25519SeedToX25519Private(myEdSeed)
	if err != nil {
		return nil, err
	}
	peerXPub, err := signal.Ed25519PublicToX25519Public(peerEdPk)
	if err != nil {
		return nil, err
	}
	shared, err := signal.X25519(myXPriv, peerXPub)
	if err != nil {
		return nil, err
	}
	key := v1Key(channelID, shared)

	nonce, err := signal.FromBase64(payload.Nonce)
	if err != nil {
		return nil, err
	}
	ciphertext, err := signal.FromBase64(payload.Ciphertext)
	if err != nil {
		return nil, err
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, signal.ErrDecryptFailed
	}
	return plaintext, nil
}
