// Package sha256 derives content digests used to name archived objects.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher returns hex SHA-256 digests, optionally truncated.
type Hasher struct {
	size int
}

// New returns a Hasher whose digests are cut to size hex characters. A size
// outside 1..64 keeps the full digest.
func New(size int) *Hasher {
	if size <= 0 || size > sha256.Size*2 {
		size = sha256.Size * 2
	}
	return &Hasher{size: size}
}

// Hash returns the digest of data.
func (h *Hasher) Hash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:h.size]
}
