package codec

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Sha256d returns SHA-256(SHA-256(b)).
func Sha256d(b []byte) [32]byte {
	first := sha256.Sum256(b)
	return sha256.Sum256(first[:])
}

// HashToHex renders a hash in the display byte order, i.e. big-endian
// lowercase hex. Bitcoin stores hashes little-endian on the wire.
func HashToHex(h [32]byte) string {
	reversed := make([]byte, 32)
	for i := range 32 {
		reversed[i] = h[31-i]
	}

	return hex.EncodeToString(reversed)
}

// HexToHash parses a big-endian hex string back into wire byte order.
func HexToHash(s string) ([32]byte, error) {
	var h [32]byte

	raw, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("invalid hash hex: %w", err)
	}
	if len(raw) != 32 {
		return h, fmt.Errorf("invalid hash length: %d", len(raw))
	}

	for i := range 32 {
		h[i] = raw[31-i]
	}

	return h, nil
}

// ReverseBytes returns a reversed copy of b.
func ReverseBytes(b []byte) []byte {
	out := make([]byte, len(b))
	for i, v := range b {
		out[len(b)-1-i] = v
	}

	return out
}

// HexBytes is a byte slice that marshals to lowercase hex in JSON.
type HexBytes []byte

func (h HexBytes) MarshalJSON() ([]byte, error) {
	return json.Marshal(hex.EncodeToString(h))
}

func (h *HexBytes) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	raw, err := hex.DecodeString(s)
	if err != nil {
		return err
	}

	*h = raw
	return nil
}

func (h HexBytes) String() string {
	return hex.EncodeToString(h)
}
