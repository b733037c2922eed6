// Package digest defines the fixed-size hash used for record identity,
// chain linkage and Merkle tree nodes.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// Size is the length of a Hash in bytes.
const Size = sha256.Size

// Zero is the sentinel digest: the previous_hash of a chain's first record
// and the root of an empty Merkle tree. It encodes as 64 hex zeros.
var Zero Hash

// ErrInvalidLength is returned when decoding a hash of the wrong size.
var ErrInvalidLength = errors.New("invalid digest length")

// Hash is a SHA-256 digest.
type Hash [Size]byte

// Sum returns the SHA-256 digest of data.
func Sum(data []byte) Hash {
	return Hash(sha256.Sum256(data))
}

// Leaf returns the Merkle leaf node for a record digest.
func Leaf(d Hash) Hash {
	h := sha256.New()
	h.Write([]byte{0x00})
	h.Write(d[:])
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// Node returns the Merkle interior node over left and right.
func Node(left, right Hash) Hash {
	h := sha256.New()
	h.Write([]byte{0x01})
	h.Write(left[:])
	h.Write(right[:])
	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

// Parse decodes a hex-encoded digest.
func Parse(s string) (Hash, error) {
	var h Hash
	b, err := hex.DecodeString(s)
	if err != nil {
		return h, fmt.Errorf("decode digest: %w", err)
	}
	if len(b) != Size {
		return h, ErrInvalidLength
	}
	copy(h[:], b)
	return h, nil
}

// IsZero reports whether h is the sentinel digest.
func (h Hash) IsZero() bool {
	return h == Zero
}

// String returns the lowercase hex encoding of h.
func (h Hash) String() string {
	return hex.EncodeToString(h[:])
}

// MarshalText implements encoding.TextMarshaler.
func (h Hash) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (h *Hash) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*h = parsed
	return nil
}
