package locker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// HashString sha256 hex
func HashString(s string) string {
	hash := sha256.Sum256([]byte(s))
	return hex.EncodeToString(hash[:])
}

// HashCanonical computes the sha256 of the canonical JSON form of v
func HashCanonical(v interface{}) (string, error) {
	canonical, err := CanonicalMarshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to canonicalize JSON: %w", err)
	}
	hash := sha256.Sum256(canonical)
	return hex.EncodeToString(hash[:]), nil
}
