// Package sha256 derives article fingerprints with SHA-256.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// ErrEmptyInput is returned when there is nothing to fingerprint.
var ErrEmptyInput = errors.New("fingerprint: empty input")

// Hasher implements article.Fingerprinter using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyInput
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Fingerprint returns the hex SHA-256 of the URL bytes. The producer and the
// consumer both derive IDs here, so the encoding must never change.
func (h *Hasher) Fingerprint(url string) (string, error) {
	return h.Hash([]byte(url))
}
