package signal

import (
	"crypto/ed25519"
	"fmt"
)

// PrekeyBundle is a peer's published X3DH material, as fetched from the
// Keys API (external collaborator, see keysapi).
type PrekeyBundle struct {
	IdentityKey []byte // 32-byte Ed25519 public key

	SignedPrekeyID        uint64
	SignedPrekeyPublic    [32]byte
	SignedPrekeySignature []byte // 64-byte Ed25519 signature over SignedPrekeyPublic

	HasOneTimePrekey    bool
	OneTimePrekeyID     uint64
	OneTimePrekeyPublic [32]byte
}

// InitiateResult is what the initiator of X3DH carries forward into
// Double Ratchet initialization and into the message header.
type InitiateResult struct {
	SharedSecret   [32]byte
	EphemeralPub   [32]byte
	UsedOPKID      uint64
	UsedOPK        bool
	SignedPrekeyID uint64
}

// Initiate runs the X3DH initiator role: Alice, holding her Ed25519
// identity seed, against Bob's published prekey bundle.
func Initiate(myEdSeed []byte, bundle PrekeyBundle) (InitiateResult, error) {
	if !VerifySignedPrekey(bundle.IdentityKey, bundle.SignedPrekeyPublic, bundle.SignedPrekeySignature) {
		return InitiateResult{}, ErrBadPrekeyBundle
	}

	myXPriv, err := Ed25519SeedToX25519Private(myEdSeed)
	if err != nil {
		return InitiateResult{}, fmt.Errorf("x3dh initiate: converting identity key: %w", err)
	}
	peerIKx, err := Ed25519PublicToX25519Public(bundle.IdentityKey)
	if err != nil {
		return InitiateResult{}, fmt.Errorf("x3dh initiate: converting peer identity key: %w", err)
	}

	eph, err := GenerateX25519KeyPair()
	if err != nil {
		return InitiateResult{}, fmt.Errorf("x3dh initiate: generating ephemeral key: %w", err)
	}

	dh1, err := X25519(myXPriv, bundle.SignedPrekeyPublic)
	if err != nil {
		return InitiateResult{}, fmt.Errorf("x3dh initiate: dh1: %w", err)
	}
	dh2, err := X25519(eph.Private, peerIKx)
	if err != nil {
		return InitiateResult{}, fmt.Errorf("x3dh initiate: dh2: %w", err)
	}
	dh3, err := X25519(eph.Private, bundle.SignedPrekeyPublic)
	if err != nil {
		return InitiateResult{}, fmt.Errorf("x3dh initiate: dh3: %w", err)
	}

	concat := make([]byte, 0, 32*4)
	concat = append(concat, dh1[:]...)
	concat = append(concat, dh2[:]...)
	concat = append(concat, dh3[:]...)

	result := InitiateResult{
		EphemeralPub:   eph.Public,
		SignedPrekeyID: bundle.SignedPrekeyID,
	}

	if bundle.HasOneTimePrekey {
		dh4, err := X25519(eph.Private, bundle.OneTimePrekeyPublic)
		if err != nil {
			return InitiateResult{}, fmt.Errorf("x3dh initiate: dh4: %w", err)
		}
		concat = append(concat, dh4[:]...)
		result.UsedOPK = true
		result.UsedOPKID = bundle.OneTimePrekeyID
	}

	secret, err := x3dhKDF(concat)
	if err != nil {
		return InitiateResult{}, err
	}
	result.SharedSecret = secret
	return result, nil
}

// Respond runs the X3DH responder role: Bob, holding his own signed
// prekey (and optionally the one-time prekey the initiator consumed),
// against Alice's identity key and ephemeral public key.
func Respond(mySignedPrekeyPriv [32]byte, myOPKPriv *[32]byte, peerEdIdentityPub []byte, peerEphemeralPub [32]byte, myEdSeed []byte) ([32]byte, error) {
	myXPriv, err := Ed25519SeedToX25519Private(myEdSeed)
	if err != nil {
		return [32]byte{}, fmt.Errorf("x3dh respond: converting identity key: %w", err)
	}
	peerIKx, err := Ed25519PublicToX25519Public(peerEdIdentityPub)
	if err != nil {
		return [32]byte{}, fmt.Errorf("x3dh respond: converting peer identity key: %w", err)
	}

	dh1, err := X25519(mySignedPrekeyPriv, peerIKx)
	if err != nil {
		return [32]byte{}, fmt.Errorf("x3dh respond: dh1: %w", err)
	}
	dh2, err := X25519(myXPriv, peerEphemeralPub)
	if err != nil {
		return [32]byte{}, fmt.Errorf("x3dh respond: dh2: %w", err)
	}
	dh3, err := X25519(mySignedPrekeyPriv, peerEphemeralPub)
	if err != nil {
		return [32]byte{}, fmt.Errorf("x3dh respond: dh3: %w", err)
	}

	concat := make([]byte, 0, 32*4)
	concat = append(concat, dh1[:]...)
	concat = append(concat, dh2[:]...)
	concat = append(concat, dh3[:]...)

	if myOPKPriv != nil {
		dh4, err := X25519(*myOPKPriv, peerEphemeralPub)
		if err != nil {
			return [32]byte{}, fmt.Errorf("x3dh respond: dh4: %w", err)
		}
		concat = append(concat, dh4[:]...)
	}

	return x3dhKDF(concat)
}

// SignSignedPrekey signs an X25519 public key with an Ed25519 identity
// private key, producing the signature carried in a published bundle.
func SignSignedPrekey(edPriv ed25519.PrivateKey, x25519Pub [32]byte) []byte {
	return ed25519.Sign(edPriv, x25519Pub[:])
}
