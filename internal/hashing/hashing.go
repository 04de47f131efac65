// Package hashing provides the content-addressing primitives shared by the
// catalog, the event log, and the evidence engine. Every digest in the
// system is SHA-256; truncated forms are used only for identifiers, never
// for integrity checks.
package hashing

import (
	"crypto/sha256"
	"encoding/hex"
)

// DigestPrefix tags full digests so stored values are self-describing.
const DigestPrefix = "sha256:"

// Digest returns "sha256:<64 hex chars>" of data. Used for whole-artifact
// and slice integrity checks.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return DigestPrefix + hex.EncodeToString(sum[:])
}

// ShortID returns the first 16 hex characters (8 bytes) of sha256(data).
// Used for content IDs and evidence IDs, where brevity matters and
// collisions are acceptable at catalog scale.
func ShortID(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}
