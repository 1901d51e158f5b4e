// Package checksum fingerprints encoded records. A note's checksum is the
// digest of its record encoding, so equal notes always share one.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/starford/noteworthy/internal/codec"
	"github.com/starford/noteworthy/internal/models"
)

// Sum returns the hex-encoded SHA-256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Matches reports whether data hashes to sum. An empty sum matches nothing.
func Matches(data []byte, sum string) bool {
	return sum != "" && Sum(data) == sum
}

// Note returns the checksum of the record form of n. Editors send it back as
// a precondition for updates. It is empty when n cannot be encoded.
func Note(n models.Note) string {
	data, err := codec.EncodeNote(n)
	if err != nil {
		return ""
	}
	return Sum(data)
}
