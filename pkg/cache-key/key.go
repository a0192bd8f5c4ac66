// Package cachekey derives cache keys for GraphQL responses.
//
// A key is a hex-encoded SHA-256 signature over the normalized query text,
// optionally salted with the caller's identity token. The digest must stay
// cryptographic: a collision would leak one caller's cached response to
// another.
package cachekey

import (
	"crypto/sha256"
	"encoding/hex"
)

const originSeparator = ":"

// Keyer derives cache keys scoped to a single origin.
type Keyer struct {
	// Unique identifier for the origin, used as the key prefix.
	// Usually this should be the origin URL.
	OriginID string
}

func NewKeyer(originID string) Keyer {
	return Keyer{OriginID: originID}
}

// Public returns the shared cache key for a normalized query.
// Two requests with equal normalized text always map to the same key.
func (k Keyer) Public(normalizedQuery string) string {
	return k.OriginID + originSeparator + signature(normalizedQuery)
}

// Scoped returns the identity-scoped cache key for a normalized query.
// The identity token is taken verbatim from the caller's credential; an
// empty token is valid and yields the shared-anonymous key for the query.
func (k Keyer) Scoped(normalizedQuery, identityToken string) string {
	return k.OriginID + originSeparator + signature(identityToken+normalizedQuery)
}

func signature(input string) string {
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}
