package store

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/scdouglas/paracord/internal/signal"
)

func TestSessionKeyIsOrderIndependent(t *testing.T) {
	require.Equal(t, sessionKey("aa", "bb"), sessionKey("bb", "aa"))
}

func TestSessionStoreRoundTrip(t *testing.T) {
	backend := newTestBoltStorage(t)
	sessions := NewSessionStore(backend)

	state, err := sessions.Load("alice-pk", "bob-pk")
	require.NoError(t, err)
	require.Nil(t, state)

	shared := [32]byte{1, 2, 3}
	var spkPub [32]byte
	spkPub[0] = 9
	initiator, err := signal.InitializeInitiator(shared, spkPub)
	require.NoError(t, err)

	require.NoError(t, sessions.Save("alice-pk", "bob-pk", initiator))

	reloaded, err := sessions.Load("bob-pk", "alice-pk")
	require.NoError(t, err)
	require.NotNil(t, reloaded)
	require.Equal(t, initiator.DHs.Public, reloaded.DHs.Public)

	require.NoError(t, sessions.Delete("alice-pk", "bob-pk"))
	state, err = sessions.Load("alice-pk", "bob-pk")
	require.NoError(t, err)
	require.Nil(t, state)
}
