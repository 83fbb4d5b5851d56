// Package sha256 computes content hashes used for deduplication.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Hasher implements crawler.Hasher using SHA-256 over canonicalized text.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash canonicalizes text and returns the lowercase hex digest (64 chars).
func (h *Hasher) Hash(text string) string {
	sum := sha256.Sum256([]byte(Canonicalize(text)))
	return hex.EncodeToString(sum[:])
}

// Canonicalize collapses every whitespace run to a single space and trims the ends.
func Canonicalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}

// HashBytes returns the lowercase hex digest of raw bytes. Downloaded files are
// hashed as-is because canonicalizing binary content would merge distinct files.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
