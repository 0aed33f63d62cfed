// Package idgen generates identifiers for history entries, assessments,
// events and requests.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random (v4) UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 24 hex chars, e.g. "tx_3f9a...".
func WithPrefix(prefix string) string {
	return prefix + Hex()[:24]
}

// Hex returns a random UUID without dashes (32 hex chars).
func Hex() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Valid reports whether id parses as a UUID.
func Valid(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}
