package envelope

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scdouglas/paracord/internal/keysapi"
	"github.com/scdouglas/paracord/internal/signal"
	"github.com/scdouglas/paracord/internal/store"
)

type party struct {
	edPub  ed25519.PublicKey
	edPriv ed25519.PrivateKey
	router *Router
	repo   *store.PrekeyStoreRepository
}

func newParty(t *testing.T, client *keysapi.Client) party {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	backend, err := store.NewBoltStorage(filepath.Join(t.TempDir(), "envelope.db"), []byte("test-passphrase"))
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	sessions := store.NewSessionStore(backend)
	prekeyRepo := store.NewPrekeyStoreRepository(backend)

	prekeyStore, err := store.Generate(priv.Seed())
	require.NoError(t, err)
	require.NoError(t, prekeyRepo.Save(prekeyStore))

	return party{
		edPub:  pub,
		edPriv: priv,
		router: New(sessions, prekeyRepo, client),
		repo:   prekeyRepo,
	}
}

// newBundleServer serves bob's bundle with a one-time prekey the first
// time it's requested, and without one thereafter (simulating server-
// side one-shot consumption).
func newBundleServer(t *testing.T, bob party) *httptest.Server {
	t.Helper()
	served := false
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, err := bob.repo.Load()
		require.NoError(t, err)

		bundle := keysapi.Bundle{IdentityKey: signal.ToHex(bob.edPub)}
		bundle.SignedPrekey.ID = s.SignedPrekey.ID
		bundle.SignedPrekey.PublicKey = signal.ToBase64(s.SignedPrekey.KeyPair.Public[:])
		bundle.SignedPrekey.Signature = signal.ToBase64(s.SignedPrekey.Signature)

		if !served {
			for id, entry := range s.OneTime {
				bundle.OneTimePrekey = &struct {
					ID        uint64 `json:"id"`
					PublicKey string `json:"public_key"`
				}{ID: id, PublicKey: signal.ToBase64(entry.KeyPair.Public[:])}
				break
			}
			served = true
		}
		json.NewEncoder(w).Encode(bundle)
	}))
}

func TestEnvelopeSingleMessageBootstrapsV2(t *testing.T) {
	// bob's router needs a client too, but it never calls out as
	// responder; alice's client points at bob's bundle server.
	bobClient := keysapi.New("http://unused.invalid", time.Second, nil)
	bob := newParty(t, bobClient)

	srv := newBundleServer(t, bob)
	defer srv.Close()

	aliceClient := keysapi.New(srv.URL, 2*time.Second, nil)
	alice := newParty(t, aliceClient)

	ctx := context.Background()
	payload, err := alice.router.EncryptDm(ctx, "chan-1", []byte("Hello Bob, this is Alice!"), alice.edPriv.Seed(), bob.edPub, "bob")
	require.NoError(t, err)
	require.Equal(t, 2, payload.Version)

	beforeOPKs, err := bob.repo.Load()
	require.NoError(t, err)
	beforeCount := len(beforeOPKs.OneTime)

	plaintext, err := bob.router.DecryptDm(ctx, "chan-1", payload, bob.edPriv.Seed(), alice.edPub)
	require.NoError(t, err)
	require.Equal(t, "Hello Bob, this is Alice!", string(plaintext))

	afterOPKs, err := bob.repo.Load()
	require.NoError(t, err)
	require.Equal(t, beforeCount-1, len(afterOPKs.OneTime))
}

func TestEnvelopeRoundTripConversation(t *testing.T) {
	bobClient := keysapi.New("http://unused.invalid", time.Second, nil)
	bob := newParty(t, bobClient)
	srv := newBundleServer(t, bob)
	defer srv.Close()
	aliceClient := keysapi.New(srv.URL, 2*time.Second, nil)
	alice := newParty(t, aliceClient)

	ctx := context.Background()

	p1, err := alice.router.EncryptDm(ctx, "chan-1", []byte("msg1"), alice.edPriv.Seed(), bob.edPub, "bob")
	require.NoError(t, err)
	pt1, err := bob.router.DecryptDm(ctx, "chan-1", p1, bob.edPriv.Seed(), alice.edPub)
	require.NoError(t, err)
	require.Equal(t, "msg1", string(pt1))

	p2, err := bob.router.EncryptDm(ctx, "chan-1", []byte("reply"), bob.edPriv.Seed(), alice.edPub, "")
	require.NoError(t, err)
	pt2, err := alice.router.DecryptDm(ctx, "chan-1", p2, alice.edPriv.Seed(), bob.edPub)
	require.NoError(t, err)
	require.Equal(t, "reply", string(pt2))

	p3, err := alice.router.EncryptDm(ctx, "chan-1", []byte("msg2"), alice.edPriv.Seed(), bob.edPub, "")
	require.NoError(t, err)
	pt3, err := bob.router.DecryptDm(ctx, "chan-1", p3, bob.edPriv.Seed(), alice.edPub)
	require.NoError(t, err)
	require.Equal(t, "msg2", string(pt3))
}

func TestEnvelopeFallsBackToV1WithoutBundle(t *testing.T) {
	deadClient := keysapi.New("http://127.0.0.1:1", 10*time.Millisecond, nil)
	alice := newParty(t, deadClient)
	bob := newParty(t, deadClient)

	ctx := context.Background()
	payload, err := alice.router.EncryptDm(ctx, "chan-9", []byte("fallback"), alice.edPriv.Seed(), bob.edPub, "bob")
	require.NoError(t, err)
	require.Equal(t, 1, payload.Version)
	require.Empty(t, payload.Header)

	plaintext, err := bob.router.DecryptDm(ctx, "chan-9", payload, bob.edPriv.Seed(), alice.edPub)
	require.NoError(t, err)
	require.Equal(t, "fallback", string(plaintext))
}

func TestEnvelopeV2TamperCausesDecryptFailed(t *testing.T) {
	bobClient := keysapi.New("http://unused.invalid", time.Second, nil)
	bob := newParty(t, bobClient)
	srv := newBundleServer(t, bob)
	defer srv.Close()
	aliceClient := keysapi.New(srv.URL, 2*time.Second, nil)
	alice := newParty(t, aliceClient)

	ctx := context.Background()
	payload, err := alice.router.EncryptDm(ctx, "chan-1", []byte("tamper me"), alice.edPriv.Seed(), bob.edPub, "bob")
	require.NoError(t, err)

	raw, err := signal.FromBase64(payload.Ciphertext)
	require.NoError(t, err)
	raw[0] ^= 0xff
	payload.Ciphertext = signal.ToBase64(raw)

	_, err = bob.router.DecryptDm(ctx, "chan-1", payload, bob.edPriv.Seed(), alice.edPub)
	require.ErrorIs(t, err, signal.ErrDecryptFailed)
}
