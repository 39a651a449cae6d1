package signal

import (
	"encoding/base64"
	"encoding/hex"
)

// ToBase64 encodes b using the standard alphabet with '=' padding.
func ToBase64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// FromBase64 decodes a standard-alphabet, padded base64 string.
func FromBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(s)
}

// ToHex encodes b as lowercase hex with no separators.
func ToHex(b []byte) string {
	return hex.EncodeToString(b)
}

// FromHex decodes a lowercase hex string.
func FromHex(s string) ([]byte, error) {
	return hex.DecodeString(s)
}
