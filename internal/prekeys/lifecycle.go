// Package prekeys is the client-side prekey lifecycle controller: it
// keeps the local prekey store and the server's view of it in sync -
// rotating the signed prekey when it ages out, and replenishing the
// one-time prekey pool before it runs dry.
package prekeys

import (
	"context"
	"fmt"

	"github.com/scdouglas/paracord/internal/keysapi"
	"github.com/scdouglas/paracord/internal/metrics"
	"github.com/scdouglas/paracord/internal/signal"
	"github.com/scdouglas/paracord/internal/store"
)

// Controller runs the "account ready" reconciliation: generate the
// local store if it doesn't exist, rotate the signed prekey if aged,
// and top up one-time prekeys if the server's count is running low.
type Controller struct {
	repo     *store.PrekeyStoreRepository
	client   *keysapi.Client
	opkLow   int
	opkBatch int
}

// New builds a Controller. opkLowThreshold and opkBatchSize come from
// config (defaults 20 and 50 respectively, per spec).
func New(repo *store.PrekeyStoreRepository, client *keysapi.Client, opkLowThreshold, opkBatchSize int) *Controller {
	return &Controller{repo: repo, client: client, opkLow: opkLowThreshold, opkBatch: opkBatchSize}
}

// Reconcile runs the full lifecycle sequence described in the prekey
// lifecycle controller: load-or-generate, rotate-if-aged,
// replenish-if-low.
func (c *Controller) Reconcile(ctx context.Context, identitySeed []byte) error {
	s, err := c.repo.Load()
	if err != nil {
		return fmt.Errorf("loading prekey store: %w", err)
	}
	if s == nil {
		s, err = store.Generate(identitySeed)
		if err != nil {
			return fmt.Errorf("generating prekey store: %w", err)
		}
		if err := c.uploadSignedPrekey(ctx, s); err != nil {
			return err
		}
		if err := c.uploadAllOPKs(ctx, s); err != nil {
			return err
		}
		return c.repo.Save(s)
	}

	counts, err := c.client.Counts(ctx)
	if err != nil {
		return fmt.Errorf("fetching key counts: %w", err)
	}

	rotated, err := s.RotateSignedPrekeyIfAged(identitySeed)
	if err != nil {
		return fmt.Errorf("rotating signed prekey: %w", err)
	}
	if rotated || !counts.SignedPrekeyUploaded {
		if err := c.uploadSignedPrekey(ctx, s); err != nil {
			return err
		}
		if rotated {
			metrics.SignedPrekeyRotationsTotal.Inc()
		}
	}

	if counts.OneTimePrekeysRemaining < c.opkLow {
		need := c.opkBatch - counts.OneTimePrekeysRemaining
		if need > 0 {
			added, err := s.GenerateAdditionalOPKs(need)
			if err != nil {
				return fmt.Errorf("generating replenishment OPKs: %w", err)
			}
			if err := c.uploadOPKBatch(ctx, added); err != nil {
				return err
			}
			metrics.PrekeysReplenishedTotal.Inc()
		}
	}

	metrics.OneTimePrekeysRemaining.Set(float64(len(s.OneTime)))
	return c.repo.Save(s)
}

func (c *Controller) uploadSignedPrekey(ctx context.Context, s *store.LocalPrekeyStore) error {
	_, err := c.client.UploadKeys(ctx, keysapi.UploadKeysRequest{
		SignedPrekey: &keysapi.SignedPrekeyUpload{
			ID:        s.SignedPrekey.ID,
			PublicKey: signal.ToBase64(s.SignedPrekey.KeyPair.Public[:]),
			Signature: signal.ToBase64(s.SignedPrekey.Signature),
		},
	})
	if err != nil {
		return fmt.Errorf("uploading signed prekey: %w", err)
	}
	return nil
}

func (c *Controller) uploadAllOPKs(ctx context.Context, s *store.LocalPrekeyStore) error {
	entries := make([]store.OneTimePrekeyEntry, 0, len(s.OneTime))
	for _, e := range s.OneTime {
		entries = append(entries, e)
	}
	return c.uploadOPKBatch(ctx, entries)
}

func (c *Controller) uploadOPKBatch(ctx context.Context, entries []store.OneTimePrekeyEntry) error {
	if len(entries) == 0 {
		return nil
	}
	uploads := make([]keysapi.OneTimePrekeyUpload, 0, len(entries))
	for _, e := range entries {
		uploads = append(uploads, keysapi.OneTimePrekeyUpload{
			ID:        e.ID,
			PublicKey: signal.ToBase64(e.KeyPair.Public[:]),
		})
	}
	_, err := c.client.UploadKeys(ctx, keysapi.UploadKeysRequest{OneTimePrekeys: uploads})
	if err != nil {
		return fmt.Errorf("uploading one-time prekeys: %w", err)
	}
	return nil
}
