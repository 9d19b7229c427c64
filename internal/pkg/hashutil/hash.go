// Package hashutil provides identifier generation and deterministic hashing.
//
// All checksums, idempotency key hashes and request fingerprints in Foreman
// are SHA-256 hex digests. JSON values are canonicalised per RFC 8785 (JCS)
// before hashing so that semantically equal payloads always hash equal.
package hashutil

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

// NewID generates a time-ordered UUID string. Falls back to a random UUID if
// the v7 clock source fails.
func NewID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}

// ParseID validates a canonical UUID string.
func ParseID(s string) (string, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return "", fmt.Errorf("parse id %q: %w", s, err)
	}
	return id.String(), nil
}

// HashBytes returns the SHA-256 hex digest of raw bytes.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// HashString returns the SHA-256 hex digest of a string.
func HashString(s string) string {
	return HashBytes([]byte(s))
}

// CanonicalJSON returns the RFC 8785 canonical form of v.
func CanonicalJSON(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal for canonicalisation: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("jcs transform: %w", err)
	}
	return canonical, nil
}

// CanonicalHash returns the SHA-256 hex digest of the canonical JSON form of v.
// Used for part checksums and payload snapshots.
func CanonicalHash(v interface{}) (string, error) {
	canonical, err := CanonicalJSON(v)
	if err != nil {
		return "", err
	}
	return HashBytes(canonical), nil
}

// Fingerprint returns the SHA-256 hex digest of a deterministic concatenation
// of request attributes. Empty attributes still occupy a slot so that the
// concatenation is unambiguous.
func Fingerprint(attrs ...string) string {
	return HashString(strings.Join(attrs, "\x1f"))
}
