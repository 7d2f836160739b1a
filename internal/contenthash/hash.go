// Package contenthash implements the vault's content identity: a 16-byte
// BLAKE3 digest used to address every stored blob.
package contenthash

import (
	"encoding/hex"
	"fmt"

	"lukechampine.com/blake3"
)

// Size is the digest length in bytes (BLAKE3-128).
const Size = 16

// Hash is a 16-byte BLAKE3 content digest. Equality and ordering are
// byte-wise, so Hash can be used as a map key and sorted directly.
type Hash [Size]byte

// Sum computes the content hash of b in one shot.
func Sum(b []byte) Hash {
	h := blake3.New(Size, nil)
	h.Write(b)
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// String renders the hash as 32 lowercase hex characters.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// IsZero reports whether h is the zero value (never a valid content hash).
func (h Hash) IsZero() bool {
	return h == Hash{}
}

// Compare returns -1, 0 or 1 comparing h to other byte-wise.
func (h Hash) Compare(other Hash) int {
	for i := range h {
		if h[i] != other[i] {
			if h[i] < other[i] {
				return -1
			}
			return 1
		}
	}
	return 0
}

// ParseHex decodes a 32-character lowercase hex string into a Hash.
func ParseHex(s string) (Hash, error) {
	if len(s) != Size*2 {
		return Hash{}, fmt.Errorf("contenthash: hex string has length %d, want %d", len(s), Size*2)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return Hash{}, fmt.Errorf("contenthash: %w", err)
	}
	var out Hash
	copy(out[:], b)
	return out, nil
}

// Hasher wraps an incremental BLAKE3 state so callers can feed bytes as
// they arrive and take a digest at any point without re-reading prior data.
type Hasher struct {
	h *blake3.Hasher
}

// NewHasher returns a fresh incremental hasher.
func NewHasher() *Hasher {
	return &Hasher{h: blake3.New(Size, nil)}
}

// Write feeds more bytes into the rolling digest. Never returns an error.
func (h *Hasher) Write(p []byte) (int, error) {
	return h.h.Write(p)
}

// Sum returns the current digest without resetting the hasher's state, so
// more bytes can be written afterwards and the cumulative hash stays correct.
func (h *Hasher) Sum() Hash {
	var out Hash
	copy(out[:], h.h.Sum(nil))
	return out
}
