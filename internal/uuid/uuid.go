// Package uuid wraps github.com/google/uuid for the identifiers vpnpki mints:
// journal entry ids and staging file suffixes.
package uuid

import "github.com/google/uuid"

// New returns a random (v4) UUID string.
func New() string {
	return uuid.NewString()
}
