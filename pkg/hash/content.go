package hash

import (
	"crypto/subtle"
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Content returns a deterministic hex digest of file content. The digest is
// used as a cheap equality proxy: identical bytes always hash identically, so
// unchanged files are never re-transferred or re-broadcast.
func Content(data []byte) string {
	sum := blake2b.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Equal compares two digests in constant time.
func Equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
