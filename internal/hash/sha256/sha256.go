// Package sha256 computes the digests stored alongside archived pages.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Hasher implements retrieval.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Verify reports whether data hashes to the given hex digest. Case is ignored.
func (h *Hasher) Verify(data []byte, digest string) bool {
	got, _ := h.Hash(data)
	return strings.EqualFold(got, digest)
}
