package store

import (
	"crypto/ed25519"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGenerateProducesSignedPrekeyAndFiftyOPKs(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	s, err := Generate(priv.Seed())
	require.NoError(t, err)

	require.Len(t, s.OneTime, initialOPKCount)
	require.NotZero(t, s.SignedPrekey.ID)
	require.WithinDuration(t, time.Now(), s.SignedPrekey.CreatedAt, time.Second)
}

func TestOPKIDsAreUniqueAndMonotone(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	s, err := Generate(priv.Seed())
	require.NoError(t, err)

	seen := make(map[uint64]bool, len(s.OneTime)+1)
	seen[s.SignedPrekey.ID] = true
	for id := range s.OneTime {
		require.False(t, seen[id], "duplicate id %d", id)
		seen[id] = true
	}
}

func TestConsumeOPKIsOneShot(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	s, err := Generate(priv.Seed())
	require.NoError(t, err)

	var anyID uint64
	for id := range s.OneTime {
		anyID = id
		break
	}

	_, ok := s.ConsumeOPK(anyID)
	require.True(t, ok)

	_, ok = s.ConsumeOPK(anyID)
	require.False(t, ok)
}

func TestRotateSignedPrekeyIfAged(t *testing.T) {
	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	s, err := Generate(priv.Seed())
	require.NoError(t, err)

	rotated, err := s.RotateSignedPrekeyIfAged(priv.Seed())
	require.NoError(t, err)
	require.False(t, rotated)

	s.SignedPrekey.CreatedAt = time.Now().Add(-8 * 24 * time.Hour)
	oldID := s.SignedPrekey.ID

	rotated, err = s.RotateSignedPrekeyIfAged(priv.Seed())
	require.NoError(t, err)
	require.True(t, rotated)
	require.NotEqual(t, oldID, s.SignedPrekey.ID)
}

func TestPrekeyStoreRepositoryRoundTrip(t *testing.T) {
	backend := newTestBoltStorage(t)
	repo := NewPrekeyStoreRepository(backend)

	loaded, err := repo.Load()
	require.NoError(t, err)
	require.Nil(t, loaded)

	_, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	s, err := Generate(priv.Seed())
	require.NoError(t, err)

	var consumedID uint64
	for id := range s.OneTime {
		consumedID = id
		break
	}
	_, ok := s.ConsumeOPK(consumedID)
	require.True(t, ok)

	require.NoError(t, repo.Save(s))

	reloaded, err := repo.Load()
	require.NoError(t, err)
	require.Equal(t, s.SignedPrekey.ID, reloaded.SignedPrekey.ID)
	require.Equal(t, s.SignedPrekey.KeyPair, reloaded.SignedPrekey.KeyPair)
	require.Equal(t, s.NextOPKID, reloaded.NextOPKID)
	require.Len(t, reloaded.OneTime, len(s.OneTime))
	_, stillThere := reloaded.OneTime[consumedID]
	require.False(t, stillThere)
}
