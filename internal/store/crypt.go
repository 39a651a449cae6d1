package store

import (
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// boxCipher is a key-derived XChaCha20-Poly1305 AEAD used to seal
// BoltStorage values at rest, adapted from kamune's enigma package:
// HKDF-derive the AEAD key, then prefix each ciphertext with a random
// nonce.
type boxCipher struct {
	aead cipher.AEAD
}

func newBoxCipher(secret, salt, info []byte) (*boxCipher, error) {
	key, err := deriveKey(secret, salt, info, chacha20poly1305.KeySize)
	if err != nil {
		return nil, fmt.Errorf("deriving box cipher key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("building xchacha20poly1305: %w", err)
	}
	return &boxCipher{aead: aead}, nil
}

func deriveKey(secret, salt, info []byte, size int) ([]byte, error) {
	r := hkdf.New(sha512.New, secret, salt, info)
	out := make([]byte, size)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return out, nil
}

func (c *boxCipher) seal(plaintext []byte) []byte {
	nonce := make([]byte, c.aead.NonceSize(), c.aead.NonceSize()+len(plaintext)+c.aead.Overhead())
	rand.Read(nonce)
	return c.aead.Seal(nonce, nonce, plaintext, nil)
}

func (c *boxCipher) open(ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < c.aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext shorter than nonce")
	}
	nonce, ct := ciphertext[:c.aead.NonceSize()], ciphertext[c.aead.NonceSize():]
	return c.aead.Open(nil, nonce, ct, nil)
}

func random32Bytes() []byte {
	b := make([]byte, 32)
	rand.Read(b)
	return b
}
