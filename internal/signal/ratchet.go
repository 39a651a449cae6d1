package signal

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"fmt"
)

// MaxSkip bounds the total number of skipped message keys a State may
// hold; a decrypt that would cache more fails with ErrTooManySkipped.
const MaxSkip = 256

// skippedKey identifies a cached message key for out-of-order delivery.
type skippedKey struct {
	dh string // hex-encoded sender ratchet public key
	n  uint32
}

// State is the Double Ratchet session state for one peer pair. All
// mutating operations (Encrypt, Decrypt) return a new State rather than
// mutating in place, so a partially-applied state never escapes a
// cancelled or failed call.
type State struct {
	DHs X25519KeyPair
	DHr *[32]byte

	RK  [32]byte
	CKs *[32]byte
	CKr *[32]byte

	Ns, Nr, PN uint32

	skipped map[skippedKey][32]byte
}

// Header is the per-message wire header. Optional fields are populated
// only on the first ciphertext that bootstraps the peer's X3DH
// response.
type Header struct {
	DH    string  `json:"dh"`
	PN    uint32  `json:"pn"`
	N     uint32  `json:"n"`
	IK    *string `json:"ik,omitempty"`
	EK    *string `json:"ek,omitempty"`
	OPKID *uint64 `json:"opk_id,omitempty"`
}

// canonicalJSON serializes a Header with keys in the fixed order the
// wire contract requires: dh, pn, n, ik, ek, opk_id. encoding/json
// preserves Go struct field order for struct values, so the declared
// field order above is the canonical order; this helper exists so the
// contract is explicit and doesn't silently break if the struct is
// ever reordered.
func canonicalJSON(h Header) ([]byte, error) {
	out, err := json.Marshal(h)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing header: %w", err)
	}
	return out, nil
}

// InitializeInitiator starts ratchet state for the X3DH initiator.
func InitializeInitiator(sharedSecret [32]byte, peerSignedPrekeyPub [32]byte) (*State, error) {
	dhs, err := GenerateX25519KeyPair()
	if err != nil {
		return nil, fmt.Errorf("ratchet init (initiator): %w", err)
	}

	dhOut, err := X25519(dhs.Private, peerSignedPrekeyPub)
	if err != nil {
		return nil, fmt.Errorf("ratchet init (initiator): %w", err)
	}

	rk, cks, err := kdfRK(sharedSecret, dhOut)
	if err != nil {
		return nil, fmt.Errorf("ratchet init (initiator): %w", err)
	}

	dhr := peerSignedPrekeyPub
	return &State{
		DHs:     dhs,
		DHr:     &dhr,
		RK:      rk,
		CKs:     &cks,
		skipped: make(map[skippedKey][32]byte),
	}, nil
}

// InitializeResponder starts ratchet state for the X3DH responder,
// using the caller's own signed prekey pair as the initial DH ratchet
// keypair (it was already published, so the initiator already knows
// its public half).
func InitializeResponder(sharedSecret [32]byte, mySignedPrekeyPair X25519KeyPair) *State {
	return &State{
		DHs:     mySignedPrekeyPair,
		RK:      sharedSecret,
		skipped: make(map[skippedKey][32]byte),
	}
}

// Encrypted is the output of Encrypt: the header plus the AEAD nonce
// and ciphertext. State is the resulting updated ratchet state.
type Encrypted struct {
	Header     Header
	Nonce      []byte
	Ciphertext []byte
	State      *State
}

// Bootstrap carries the X3DH bootstrap fields (identity key, ephemeral
// key, and the consumed one-time prekey id) that the first ciphertext
// of a new session must fold into its header before sealing - the
// receiver reconstructs the same header to open it, so these fields
// have to be part of the authenticated data from the start rather than
// stitched on afterward.
type Bootstrap struct {
	IK    string
	EK    string
	OPKID *uint64
}

// Encrypt advances the sending chain by one step and seals plaintext.
// bootstrap is non-nil only for the message that bootstraps a new
// session; its fields are folded into the header before the AEAD
// associated data is computed, so sender and receiver authenticate the
// identical header bytes.
func Encrypt(s *State, plaintext []byte, bootstrap *Bootstrap) (Encrypted, error) {
	if s.CKs == nil {
		return Encrypted{}, ErrSendingChainNotInitialized
	}

	next := s.clone()

	nextCK, mk := kdfCK(*next.CKs)
	next.CKs = &nextCK
	next.Ns++

	header := Header{
		DH: ToBase64(next.DHs.Public[:]),
		PN: next.PN,
		N:  next.Ns - 1,
	}
	if bootstrap != nil {
		header.IK = &bootstrap.IK
		header.EK = &bootstrap.EK
		header.OPKID = bootstrap.OPKID
	}

	ad, err := canonicalJSON(header)
	if err != nil {
		return Encrypted{}, err
	}

	nonce, ciphertext, err := sealAESGCM(mk, ad, plaintext)
	if err != nil {
		return Encrypted{}, fmt.Errorf("ratchet encrypt: %w", err)
	}

	return Encrypted{
		Header:     header,
		Nonce:      nonce,
		Ciphertext: ciphertext,
		State:      next,
	}, nil
}

// Decrypted is the output of Decrypt.
type Decrypted struct {
	Plaintext []byte
	State     *State
}

// Decrypt authenticates and opens a ciphertext, performing a DH ratchet
// step and/or catching up on skipped messages as needed.
func Decrypt(s *State, header Header, nonce, ciphertext []byte) (Decrypted, error) {
	ad, err := canonicalJSON(header)
	if err != nil {
		return Decrypted{}, err
	}

	if mk, ok := s.trySkipped(header); ok {
		pt, err := openAESGCM(mk, ad, nonce, ciphertext)
		if err != nil {
			return Decrypted{}, ErrDecryptFailed
		}
		next := s.clone()
		delete(next.skipped, skippedKeyFor(header))
		return Decrypted{Plaintext: pt, State: next}, nil
	}

	headerDH, err := FromBase64(header.DH)
	if err != nil || len(headerDH) != 32 {
		return Decrypted{}, fmt.Errorf("ratchet decrypt: invalid header dh: %w", err)
	}
	var headerDHArr [32]byte
	copy(headerDHArr[:], headerDH)

	next := s.clone()

	if next.DHr == nil || *next.DHr != headerDHArr {
		if err := next.skipMessageKeys(header.PN); err != nil {
			return Decrypted{}, err
		}
		if err := next.dhRatchet(headerDHArr); err != nil {
			return Decrypted{}, err
		}
	}

	if err := next.skipMessageKeys(header.N); err != nil {
		return Decrypted{}, err
	}

	nextCK, mk := kdfCK(*next.CKr)
	next.CKr = &nextCK
	next.Nr++

	pt, err := openAESGCM(mk, ad, nonce, ciphertext)
	if err != nil {
		return Decrypted{}, ErrDecryptFailed
	}

	return Decrypted{Plaintext: pt, State: next}, nil
}

// SkippedKeyCount reports how many out-of-order message keys are
// currently cached, so callers can track cache growth without reaching
// into State's internals.
func (s *State) SkippedKeyCount() int {
	return len(s.skipped)
}

func (s *State) trySkipped(header Header) ([32]byte, bool) {
	mk, ok := s.skipped[skippedKeyFor(header)]
	return mk, ok
}

func skippedKeyFor(header Header) skippedKey {
	dh := header.DH
	if raw, err := FromBase64(header.DH); err == nil {
		dh = ToHex(raw)
	}
	return skippedKey{dh: dh, n: header.N}
}

// skipMessageKeys advances CKr up to (but not including) message number
// until, caching each derived key for later out-of-order delivery.
func (s *State) skipMessageKeys(until uint32) error {
	if s.CKr == nil || until <= s.Nr {
		return nil
	}
	if uint32(len(s.skipped))+(until-s.Nr) > MaxSkip {
		return ErrTooManySkipped
	}
	dhHex := ToHex(s.DHr[:])
	for s.Nr < until {
		nextCK, mk := kdfCK(*s.CKr)
		s.CKr = &nextCK
		s.skipped[skippedKey{dh: dhHex, n: s.Nr}] = mk
		s.Nr++
	}
	return nil
}

// dhRatchet performs the DH ratchet step on receipt of a new sender
// ratchet public key: derive the receiving chain from the old sending
// keypair and the new remote key, then generate a fresh sending keypair
// and derive the new sending chain from it.
func (s *State) dhRatchet(newDHr [32]byte) error {
	s.PN = s.Ns
	s.Ns = 0
	s.Nr = 0
	s.DHr = &newDHr

	dhOut, err := X25519(s.DHs.Private, *s.DHr)
	if err != nil {
		return fmt.Errorf("dh ratchet: %w", err)
	}
	rk, ckr, err := kdfRK(s.RK, dhOut)
	if err != nil {
		return fmt.Errorf("dh ratchet: %w", err)
	}
	s.RK = rk
	s.CKr = &ckr

	newDHs, err := GenerateX25519KeyPair()
	if err != nil {
		return fmt.Errorf("dh ratchet: generating new sending keypair: %w", err)
	}
	s.DHs = newDHs

	dhOut2, err := X25519(s.DHs.Private, *s.DHr)
	if err != nil {
		return fmt.Errorf("dh ratchet: %w", err)
	}
	rk2, cks, err := kdfRK(s.RK, dhOut2)
	if err != nil {
		return fmt.Errorf("dh ratchet: %w", err)
	}
	s.RK = rk2
	s.CKs = &cks

	return nil
}

// clone returns a deep copy of s so in-flight mutation never touches
// the caller's original state.
func (s *State) clone() *State {
	next := &State{
		DHs: s.DHs,
		RK:  s.RK,
		Ns:  s.Ns,
		Nr:  s.Nr,
		PN:  s.PN,
	}
	if s.DHr != nil {
		dhr := *s.DHr
		next.DHr = &dhr
	}
	if s.CKs != nil {
		cks := *s.CKs
		next.CKs = &cks
	}
	if s.CKr != nil {
		ckr := *s.CKr
		next.CKr = &ckr
	}
	next.skipped = make(map[skippedKey][32]byte, len(s.skipped))
	for k, v := range s.skipped {
		next.skipped[k] = v
	}
	return next
}

func sealAESGCM(key [32]byte, ad, plaintext []byte) (nonce, ciphertext []byte, err error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, err
	}
	nonce = make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	ciphertext = gcm.Seal(nil, nonce, plaintext, ad)
	return nonce, ciphertext, nil
}

func openAESGCM(key [32]byte, ad, nonce, ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return gcm.Open(nil, nonce, ciphertext, ad)
}
