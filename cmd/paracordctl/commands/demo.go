package commands

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/scdouglas/paracord/internal/envelope"
	"github.com/scdouglas/paracord/internal/keysapi"
	"github.com/scdouglas/paracord/internal/signal"
	"github.com/scdouglas/paracord/internal/store"
)

// demoParty is a fully wired local account: its own store, identity,
// and envelope router. Two of these stand in for Alice and Bob so the
// whole X3DH bootstrap and Double Ratchet exchange can be exercised
// against an in-process bundle server, without a deployed Keys API.
type demoParty struct {
	name   string
	pub    ed25519.PublicKey
	priv   ed25519.PrivateKey
	repo   *store.PrekeyStoreRepository
	router *envelope.Router
}

func newDemoParty(name, dir string, client *keysapi.Client) (*demoParty, error) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		return nil, err
	}

	backend, err := store.NewBoltStorage(filepath.Join(dir, name+".db"), []byte("demo-passphrase-"+name))
	if err != nil {
		return nil, err
	}

	repo := store.NewPrekeyStoreRepository(backend)
	prekeyStore, err := store.Generate(priv.Seed())
	if err != nil {
		return nil, err
	}
	if err := repo.Save(prekeyStore); err != nil {
		return nil, err
	}

	return &demoParty{
		name:   name,
		pub:    pub,
		priv:   priv,
		repo:   repo,
		router: envelope.New(store.NewSessionStore(backend), repo, client),
	}, nil
}

// bundleServer serves the party's current bundle, consuming a single
// one-time prekey the first time it is requested - mirroring what the
// real Keys API does server-side.
func bundleServer(p *demoParty) *httptest.Server {
	served := false
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s, err := p.repo.Load()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}

		bundle := keysapi.Bundle{IdentityKey: signal.ToHex(p.pub)}
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

func demoCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "demo",
		Short: "Run a local Alice/Bob conversation through X3DH bootstrap and the Double Ratchet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := os.MkdirTemp("", "paracord-demo")
			if err != nil {
				return err
			}
			defer os.RemoveAll(dir)

			bob, err := newDemoParty("bob", dir, keysapi.New("http://unused.invalid", time.Second, nil))
			if err != nil {
				return err
			}
			srv := bundleServer(bob)
			defer srv.Close()

			alice, err := newDemoParty("alice", dir, keysapi.New(srv.URL, 2*time.Second, nil))
			if err != nil {
				return err
			}

			ctx := context.Background()
			const channel = "demo-channel"

			fmt.Println("alice ->", "bob:", "Hello Bob, this is Alice!")
			p1, err := alice.router.EncryptDm(ctx, channel, []byte("Hello Bob, this is Alice!"), alice.priv.Seed(), bob.pub, "bob")
			if err != nil {
				return fmt.Errorf("alice encrypting: %w", err)
			}
			fmt.Printf("  envelope version=%d\n", p1.Version)

			pt1, err := bob.router.DecryptDm(ctx, channel, p1, bob.priv.Seed(), alice.pub)
			if err != nil {
				return fmt.Errorf("bob decrypting: %w", err)
			}
			fmt.Println("bob received:", string(pt1))

			fmt.Println("bob   ->", "alice:", "Hi Alice, good to hear from you.")
			p2, err := bob.router.EncryptDm(ctx, channel, []byte("Hi Alice, good to hear from you."), bob.priv.Seed(), alice.pub, "")
			if err != nil {
				return fmt.Errorf("bob encrypting: %w", err)
			}
			fmt.Printf("  envelope version=%d\n", p2.Version)

			pt2, err := alice.router.DecryptDm(ctx, channel, p2, alice.priv.Seed(), bob.pub)
			if err != nil {
				return fmt.Errorf("alice decrypting: %w", err)
			}
			fmt.Println("alice received:", string(pt2))

			fmt.Println("demo conversation complete; session state ratcheted on both sides.")
			return nil
		},
	}
}
