package signal

import (
	"fmt"
	"strconv"
	"strings"
)

// stateCodecVersion tags the wire shape of SerializedState so a future
// change to its fields can distinguish old persisted sessions from new
// ones instead of guessing from field presence.
const stateCodecVersion = 1

// SerializedState is the persisted form of State: base64 for every
// binary field, and MKSKIPPED flattened to a string-keyed map of
// base64 message keys, per the wire/storage contract in spec §4.6.
type SerializedState struct {
	Version int `json:"version"`

	DHsPrivate string  `json:"dhs_private"`
	DHsPublic  string  `json:"dhs_public"`
	DHr        *string `json:"dhr,omitempty"`

	RK  string  `json:"rk"`
	CKs *string `json:"cks,omitempty"`
	CKr *string `json:"ckr,omitempty"`

	Ns uint32 `json:"ns"`
	Nr uint32 `json:"nr"`
	PN uint32 `json:"pn"`

	Skipped map[string]string `json:"skipped"` // "<dh_hex>:<n>" -> base64 message key
}

// Encode converts a ratchet State to its persistable form.
func Encode(s *State) SerializedState {
	out := SerializedState{
		Version:    stateCodecVersion,
		DHsPrivate: ToBase64(s.DHs.Private[:]),
		DHsPublic:  ToBase64(s.DHs.Public[:]),
		RK:         ToBase64(s.RK[:]),
		Ns:         s.Ns,
		Nr:         s.Nr,
		PN:         s.PN,
		Skipped:    make(map[string]string, len(s.skipped)),
	}
	if s.DHr != nil {
		v := ToBase64(s.DHr[:])
		out.DHr = &v
	}
	if s.CKs != nil {
		v := ToBase64(s.CKs[:])
		out.CKs = &v
	}
	if s.CKr != nil {
		v := ToBase64(s.CKr[:])
		out.CKr = &v
	}
	for k, mk := range s.skipped {
		out.Skipped[fmt.Sprintf("%s:%d", k.dh, k.n)] = ToBase64(mk[:])
	}
	return out
}

// Decode reconstructs a ratchet State from its persisted form. A zero
// Version is accepted as version 1, for sessions persisted before this
// field existed.
func Decode(in SerializedState) (*State, error) {
	if in.Version != 0 && in.Version != stateCodecVersion {
		return nil, fmt.Errorf("decoding state: unsupported version %d", in.Version)
	}

	s := &State{
		Ns:      in.Ns,
		Nr:      in.Nr,
		PN:      in.PN,
		skipped: make(map[skippedKey][32]byte, len(in.Skipped)),
	}

	priv, err := decodeFixed32(in.DHsPrivate)
	if err != nil {
		return nil, fmt.Errorf("decoding state: dhs_private: %w", err)
	}
	pub, err := decodeFixed32(in.DHsPublic)
	if err != nil {
		return nil, fmt.Errorf("decoding state: dhs_public: %w", err)
	}
	s.DHs = X25519KeyPair{Private: priv, Public: pub}

	rk, err := decodeFixed32(in.RK)
	if err != nil {
		return nil, fmt.Errorf("decoding state: rk: %w", err)
	}
	s.RK = rk

	if in.DHr != nil {
		v, err := decodeFixed32(*in.DHr)
		if err != nil {
			return nil, fmt.Errorf("decoding state: dhr: %w", err)
		}
		s.DHr = &v
	}
	if in.CKs != nil {
		v, err := decodeFixed32(*in.CKs)
		if err != nil {
			return nil, fmt.Errorf("decoding state: cks: %w", err)
		}
		s.CKs = &v
	}
	if in.CKr != nil {
		v, err := decodeFixed32(*in.CKr)
		if err != nil {
			return nil, fmt.Errorf("decoding state: ckr: %w", err)
		}
		s.CKr = &v
	}

	for composite, b64 := range in.Skipped {
		dhHex, n, err := splitSkippedKey(composite)
		if err != nil {
			return nil, fmt.Errorf("decoding state: skipped key %q: %w", composite, err)
		}
		mk, err := decodeFixed32(b64)
		if err != nil {
			return nil, fmt.Errorf("decoding state: skipped value for %q: %w", composite, err)
		}
		s.skipped[skippedKey{dh: dhHex, n: n}] = mk
	}

	return s, nil
}

func decodeFixed32(b64 string) ([32]byte, error) {
	b, err := FromBase64(b64)
	if err != nil {
		return [32]byte{}, err
	}
	if len(b) != 32 {
		return [32]byte{}, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	var out [32]byte
	copy(out[:], b)
	return out, nil
}

func splitSkippedKey(composite string) (dhHex string, n uint32, err error) {
	idx := strings.LastIndexByte(composite, ':')
	if idx < 0 {
		return "", 0, fmt.Errorf("missing ':' separator")
	}
	parsed, err := strconv.ParseUint(composite[idx+1:], 10, 32)
	if err != nil {
		return "", 0, fmt.Errorf("invalid counter: %w", err)
	}
	return composite[:idx], uint32(parsed), nil
}
