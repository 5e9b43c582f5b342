// Package ids provides the ULID primitive used for request ids and relay sessions.
package ids

import (
	"crypto/rand"
	"time"

	"github.com/oklog/ulid/v2"
)

// NewULID returns a new ULID string (26 chars).
func NewULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now().UTC()
	}

	id, err := ulid.New(ulid.Timestamp(now), rand.Reader)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// MustULID is NewULID for call sites that cannot surface an error (log fields, headers).
// It returns an empty string if the entropy source fails.
func MustULID(now time.Time) string {
	id, err := NewULID(now)
	if err != nil {
		return ""
	}
	return id
}
