package keystore

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scdouglas/paracord/internal/store"
)

func TestKeystoreStoreAndUse(t *testing.T) {
	backend, err := store.NewBoltStorage(filepath.Join(t.TempDir(), "ks.db"), []byte("test-passphrase"))
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	k := New(backend)

	has, err := k.HasIdentity()
	require.NoError(t, err)
	require.False(t, has)

	seed := make([]byte, 32)
	for i := range seed {
		seed[i] = byte(i)
	}
	require.NoError(t, k.StoreIdentity(seed))

	has, err = k.HasIdentity()
	require.NoError(t, err)
	require.True(t, has)

	var capturedLen int
	err = k.WithIdentitySeed(func(s []byte) error {
		capturedLen = len(s)
		require.Equal(t, byte(5), s[5])
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 32, capturedLen)
}

func TestStoreIdentityRejectsWrongLength(t *testing.T) {
	backend, err := store.NewBoltStorage(filepath.Join(t.TempDir(), "ks2.db"), []byte("test-passphrase"))
	require.NoError(t, err)
	t.Cleanup(func() { backend.Close() })

	k := New(backend)
	require.Error(t, k.StoreIdentity([]byte("too short")))
}
