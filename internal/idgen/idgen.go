// Package idgen generates identifiers for requests, invocations and
// webhook deliveries.
package idgen

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// New returns a random (v4) UUID string, used for request IDs.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by the 32 hex digits of a time-ordered
// (v7) UUID, e.g. "inv_0190…". IDs made later sort after earlier ones.
func WithPrefix(prefix string) string {
	u, err := uuid.NewV7()
	if err != nil {
		u = uuid.New()
	}
	return prefix + hex.EncodeToString(u[:])
}
