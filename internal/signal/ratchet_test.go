package signal

import (
	"crypto/ed25519"
	"testing"

	"github.com/stretchr/testify/require"
)

// establishedPair runs a full X3DH handshake and returns initialized
// Alice (initiator) and Bob (responder) ratchet states sharing the
// same root secret.
func establishedPair(t *testing.T, withOPK bool) (*State, *State) {
	t.Helper()
	alicePub, alicePriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	bobPub, bobPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	bundle, spkPriv, opkPriv := newTestBundle(t, bobPub, bobPriv, withOPK)

	initRes, err := Initiate(alicePriv.Seed(), bundle)
	require.NoError(t, err)

	respSecret, err := Respond(spkPriv, opkPriv, alicePub, initRes.EphemeralPub, bobPriv.Seed())
	require.NoError(t, err)
	require.Equal(t, initRes.SharedSecret, respSecret)

	alice, err := InitializeInitiator(initRes.SharedSecret, bundle.SignedPrekeyPublic)
	require.NoError(t, err)

	bobSPK := X25519KeyPair{Private: spkPriv, Public: bundle.SignedPrekeyPublic}
	bob := InitializeResponder(respSecret, bobSPK)

	return alice, bob
}

func TestScenarioS1SingleMessage(t *testing.T) {
	alice, bob := establishedPair(t, true)

	enc, err := Encrypt(alice, []byte("Hello Bob, this is Alice!"), nil)
	require.NoError(t, err)

	dec, err := Decrypt(bob, enc.Header, enc.Nonce, enc.Ciphertext)
	require.NoError(t, err)
	require.Equal(t, "Hello Bob, this is Alice!", string(dec.Plaintext))
}

func TestConsecutiveMessagesUseDifferentKeysAndCiphertexts(t *testing.T) {
	alice, _ := establishedPair(t, true)

	enc1, err := Encrypt(alice, []byte("first"), nil)
	require.NoError(t, err)
	enc2, err := Encrypt(enc1.State, []byte("second"), nil)
	require.NoError(t, err)

	// Each message key is derived from a different chain key.
	require.NotEqual(t, *alice.CKs, *enc1.State.CKs)
	require.NotEqual(t, enc1.Nonce, enc2.Nonce)
	require.NotEqual(t, enc1.Ciphertext, enc2.Ciphertext)
}

func TestScenarioS2RoundTrip(t *testing.T) {
	alice, bob := establishedPair(t, true)

	enc1, err := Encrypt(alice, []byte("msg1"), nil)
	require.NoError(t, err)
	dec1, err := Decrypt(bob, enc1.Header, enc1.Nonce, enc1.Ciphertext)
	require.NoError(t, err)
	require.Equal(t, "msg1", string(dec1.Plaintext))
	bob = dec1.State

	encReply, err := Encrypt(bob, []byte("reply"), nil)
	require.NoError(t, err)
	decReply, err := Decrypt(enc1.State, encReply.Header, encReply.Nonce, encReply.Ciphertext)
	require.NoError(t, err)
	require.Equal(t, "reply", string(decReply.Plaintext))
	alice = decReply.State

	require.NotEqual(t, [32]byte{}, alice.DHs.Public)

	enc2, err := Encrypt(alice, []byte("msg2"), nil)
	require.NoError(t, err)
	dec2, err := Decrypt(encReply.State, enc2.Header, enc2.Nonce, enc2.Ciphertext)
	require.NoError(t, err)
	require.Equal(t, "msg2", string(dec2.Plaintext))
	bob = dec2.State

	require.NotNil(t, bob.DHr)
}

func TestDHRatchetChangesSendingKeypair(t *testing.T) {
	alice, bob := establishedPair(t, true)
	originalAlicePub := alice.DHs.Public

	enc1, err := Encrypt(alice, []byte("msg1"), nil)
	require.NoError(t, err)
	dec1, err := Decrypt(bob, enc1.Header, enc1.Nonce, enc1.Ciphertext)
	require.NoError(t, err)
	bob = dec1.State

	encReply, err := Encrypt(bob, []byte("reply"), nil)
	require.NoError(t, err)
	decReply, err := Decrypt(enc1.State, encReply.Header, encReply.Nonce, encReply.Ciphertext)
	require.NoError(t, err)

	require.NotEqual(t, originalAlicePub, decReply.State.DHs.Public)
}

func TestScenarioS3OutOfOrderDelivery(t *testing.T) {
	alice, bob := establishedPair(t, true)

	enc1, err := Encrypt(alice, []byte("first"), nil)
	require.NoError(t, err)
	enc2, err := Encrypt(enc1.State, []byte("second"), nil)
	require.NoError(t, err)
	enc3, err := Encrypt(enc2.State, []byte("third"), nil)
	require.NoError(t, err)

	dec3, err := Decrypt(bob, enc3.Header, enc3.Nonce, enc3.Ciphertext)
	require.NoError(t, err)
	require.Equal(t, "third", string(dec3.Plaintext))
	require.Len(t, dec3.State.skipped, 2)

	dec1, err := Decrypt(dec3.State, enc1.Header, enc1.Nonce, enc1.Ciphertext)
	require.NoError(t, err)
	require.Equal(t, "first", string(dec1.Plaintext))
	require.Len(t, dec1.State.skipped, 1)

	dec2, err := Decrypt(dec1.State, enc2.Header, enc2.Nonce, enc2.Ciphertext)
	require.NoError(t, err)
	require.Equal(t, "second", string(dec2.Plaintext))
	require.Len(t, dec2.State.skipped, 0)
}

func TestScenarioS4NoOneTimePrekey(t *testing.T) {
	alice, bob := establishedPair(t, false)

	enc, err := Encrypt(alice, []byte("no opk needed"), nil)
	require.NoError(t, err)
	dec, err := Decrypt(bob, enc.Header, enc.Nonce, enc.Ciphertext)
	require.NoError(t, err)
	require.Equal(t, "no opk needed", string(dec.Plaintext))
}

func TestScenarioS5Tamper(t *testing.T) {
	alice, bob := establishedPair(t, true)

	enc, err := Encrypt(alice, []byte("Hello Bob, this is Alice!"), nil)
	require.NoError(t, err)

	tamperedCT := append([]byte(nil), enc.Ciphertext...)
	tamperedCT[0] ^= 0xff
	_, err = Decrypt(bob, enc.Header, enc.Nonce, tamperedCT)
	require.ErrorIs(t, err, ErrDecryptFailed)

	tamperedHeader := enc.Header
	tamperedHeader.N = 1
	_, err = Decrypt(bob, tamperedHeader, enc.Nonce, enc.Ciphertext)
	require.Error(t, err)
}

func TestScenarioS6SerializationMidConversation(t *testing.T) {
	alice, bob := establishedPair(t, true)

	enc1, err := Encrypt(alice, []byte("one"), nil)
	require.NoError(t, err)
	dec1, err := Decrypt(bob, enc1.Header, enc1.Nonce, enc1.Ciphertext)
	require.NoError(t, err)

	alice = enc1.State
	bob = dec1.State

	enc2, err := Encrypt(alice, []byte("two"), nil)
	require.NoError(t, err)
	dec2, err := Decrypt(bob, enc2.Header, enc2.Nonce, enc2.Ciphertext)
	require.NoError(t, err)

	alice = enc2.State
	bob = dec2.State

	aliceSerialized := Encode(alice)
	bobSerialized := Encode(bob)

	aliceFresh, err := Decode(aliceSerialized)
	require.NoError(t, err)
	bobFresh, err := Decode(bobSerialized)
	require.NoError(t, err)

	require.Equal(t, Encode(alice), Encode(aliceFresh))
	require.Equal(t, Encode(bob), Encode(bobFresh))

	enc3, err := Encrypt(aliceFresh, []byte("three"), nil)
	require.NoError(t, err)
	dec3, err := Decrypt(bobFresh, enc3.Header, enc3.Nonce, enc3.Ciphertext)
	require.NoError(t, err)
	require.Equal(t, "three", string(dec3.Plaintext))

	enc4, err := Encrypt(dec3.State, []byte("four"), nil)
	require.NoError(t, err)
	dec4, err := Decrypt(enc3.State, enc4.Header, enc4.Nonce, enc4.Ciphertext)
	require.NoError(t, err)
	require.Equal(t, "four", string(dec4.Plaintext))
}

func TestInitiateReportsUsedOPKID(t *testing.T) {
	// Exercised at the store layer (internal/store); here we just pin
	// down that X3DH reports which OPK id it used so the store can
	// enforce the one-shot invariant.
	alicePub, alicePriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)
	_ = alicePub
	bobPub, bobPriv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	bundle, _, _ := newTestBundle(t, bobPub, bobPriv, true)
	res, err := Initiate(alicePriv.Seed(), bundle)
	require.NoError(t, err)
	require.True(t, res.UsedOPK)
	require.Equal(t, bundle.OneTimePrekeyID, res.UsedOPKID)
}

func TestResponderCannotSendBeforeFirstReceive(t *testing.T) {
	_, bob := establishedPair(t, true)

	_, err := Encrypt(bob, []byte("too early"), nil)
	require.ErrorIs(t, err, ErrSendingChainNotInitialized)
}

func TestSkippingTooManyMessagesFails(t *testing.T) {
	alice, bob := establishedPair(t, true)

	// MaxSkip+2 messages: the last has n = MaxSkip+1, so Bob would have
	// to cache MaxSkip+1 skipped keys, one more than allowed.
	var last Encrypted
	for i := 0; i < MaxSkip+2; i++ {
		enc, err := Encrypt(alice, []byte("msg"), nil)
		require.NoError(t, err)
		alice = enc.State
		last = enc
	}

	_, err := Decrypt(bob, last.Header, last.Nonce, last.Ciphertext)
	require.ErrorIs(t, err, ErrTooManySkipped)
}

func TestBootstrapFieldsAreAuthenticated(t *testing.T) {
	alice, bob := establishedPair(t, true)

	opkID := uint64(7)
	bootstrap := &Bootstrap{IK: "deadbeef", EK: "cafef00d", OPKID: &opkID}

	enc, err := Encrypt(alice, []byte("Hello Bob, this is Alice!"), bootstrap)
	require.NoError(t, err)
	require.NotNil(t, enc.Header.IK)
	require.Equal(t, bootstrap.IK, *enc.Header.IK)

	dec, err := Decrypt(bob, enc.Header, enc.Nonce, enc.Ciphertext)
	require.NoError(t, err)
	require.Equal(t, "Hello Bob, this is Alice!", string(dec.Plaintext))

	// Changing a bootstrap field after sealing must invalidate the
	// ciphertext: the receiver reconstructs ad from the header it
	// actually received, so a tampered ik/ek/opk_id changes that AAD.
	tampered := enc.Header
	otherIK := "0000000000"
	tampered.IK = &otherIK
	_, err = Decrypt(bob, tampered, enc.Nonce, enc.Ciphertext)
	require.Error(t, err)
}
