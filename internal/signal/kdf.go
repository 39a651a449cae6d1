package signal

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Fixed info strings. Part of the wire contract: both peers must agree
// on these bytes exactly, since they feed directly into the AEAD key
// schedule.
var (
	x3dhInfo    = []byte("paracord:signal:x3dh")
	ratchetInfo = []byte("paracord:signal:ratchet")
)

// x3dhKDF derives the 32-byte X3DH shared secret from the concatenated
// DH outputs, per spec: salt = 32 zero bytes, info = x3dhInfo.
func x3dhKDF(concatenatedDH []byte) ([32]byte, error) {
	salt := make([]byte, 32)
	out, err := hkdfExpand(concatenatedDH, salt, x3dhInfo, 32)
	if err != nil {
		return [32]byte{}, fmt.Errorf("x3dh kdf: %w", err)
	}
	var secret [32]byte
	copy(secret[:], out)
	return secret, nil
}

// kdfRK derives the next root key and sending/receiving chain key from
// the current root key and a fresh DH output: salt = rk, ikm = dhOut,
// info = ratchetInfo, 64 bytes split into (rootKey, chainKey).
func kdfRK(rk [32]byte, dhOut [32]byte) (newRK [32]byte, newCK [32]byte, err error) {
	out, err := hkdfExpand(dhOut[:], rk[:], ratchetInfo, 64)
	if err != nil {
		return [32]byte{}, [32]byte{}, fmt.Errorf("kdf_rk: %w", err)
	}
	copy(newRK[:], out[:32])
	copy(newCK[:], out[32:64])
	return newRK, newCK, nil
}

// kdfCK advances a chain key, returning the message key derived from it
// and the next chain key. Both are HMAC-SHA256 of ck keyed with a
// single tag byte.
func kdfCK(ck [32]byte) (nextCK [32]byte, mk [32]byte) {
	mac := hmac.New(sha256.New, ck[:])
	mac.Write([]byte{0x01})
	copy(mk[:], mac.Sum(nil))

	mac = hmac.New(sha256.New, ck[:])
	mac.Write([]byte{0x02})
	copy(nextCK[:], mac.Sum(nil))

	return nextCK, mk
}

func hkdfExpand(ikm, salt, info []byte, length int) ([]byte, error) {
	r := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, length)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, err
	}
	return out, nil
}
