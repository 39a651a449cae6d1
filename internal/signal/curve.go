package signal

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha512"
	"fmt"

	"filippo.io/edwards25519"
	"golang.org/x/crypto/curve25519"
)

// X25519KeyPair is a Curve25519 keypair used for DH agreement (ephemeral
// keys, signed prekeys, one-time prekeys, and ratchet keys).
type X25519KeyPair struct {
	Private [32]byte
	Public  [32]byte
}

// GenerateX25519KeyPair generates a fresh clamped X25519 keypair.
func GenerateX25519KeyPair() (X25519KeyPair, error) {
	var priv [32]byte
	if _, err := rand.Read(priv[:]); err != nil {
		return X25519KeyPair{}, fmt.Errorf("generating x25519 private key: %w", err)
	}
	clamp(&priv)

	pub, err := curve25519.X25519(priv[:], curve25519.Basepoint)
	if err != nil {
		return X25519KeyPair{}, fmt.Errorf("deriving x25519 public key: %w", err)
	}
	var kp X25519KeyPair
	kp.Private = priv
	copy(kp.Public[:], pub)
	return kp, nil
}

func clamp(k *[32]byte) {
	k[0] &= 248
	k[31] &= 127
	k[31] |= 64
}

// X25519 performs the Diffie-Hellman computation between a private and
// a public key, returning the raw 32-byte shared point.
func X25519(priv, pub [32]byte) ([32]byte, error) {
	out, err := curve25519.X25519(priv[:], pub[:])
	if err != nil {
		return [32]byte{}, fmt.Errorf("x25519 dh: %w", err)
	}
	var secret [32]byte
	copy(secret[:], out)
	return secret, nil
}

// Ed25519SeedToX25519Private converts an Ed25519 private key seed to the
// corresponding clamped X25519 scalar, following RFC 8032's expansion
// (SHA-512 of the seed, clamped).
func Ed25519SeedToX25519Private(seed []byte) ([32]byte, error) {
	if len(seed) != ed25519.SeedSize {
		return [32]byte{}, fmt.Errorf("ed25519 seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	h := sha512.Sum512(seed)
	var priv [32]byte
	copy(priv[:], h[:32])
	clamp(&priv)
	return priv, nil
}

// Ed25519PublicToX25519Public converts an Ed25519 public key (Edwards
// point) to its X25519 counterpart (Montgomery u-coordinate) via the
// standard birational map.
func Ed25519PublicToX25519Public(pub []byte) ([32]byte, error) {
	if len(pub) != ed25519.PublicKeySize {
		return [32]byte{}, fmt.Errorf("ed25519 public key must be %d bytes, got %d", ed25519.PublicKeySize, len(pub))
	}
	p, err := new(edwards25519.Point).SetBytes(pub)
	if err != nil {
		return [32]byte{}, fmt.Errorf("invalid ed25519 public key: %w", err)
	}
	var out [32]byte
	copy(out[:], p.BytesMontgomery())
	return out, nil
}

// VerifySignedPrekey verifies that edPub signed the exact X25519 public
// key bytes x25519Pub, producing signature sig.
func VerifySignedPrekey(edPub []byte, x25519Pub [32]byte, sig []byte) bool {
	if len(edPub) != ed25519.PublicKeySize || len(sig) != ed25519.SignatureSize {
		return false
	}
	return ed25519.Verify(edPub, x25519Pub[:], sig)
}
