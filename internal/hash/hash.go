// Package hash provides the sha256 helpers used for query fingerprints
// and campaign identifiers.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// StringHash computes the SHA-256 hash of a string.
func StringHash(input string) string {
	hasher := sha256.New()
	hasher.Write([]byte(input))
	return hex.EncodeToString(hasher.Sum(nil))
}

// BytesHash computes the SHA-256 hash of a byte slice.
func BytesHash(input []byte) string {
	hasher := sha256.New()
	hasher.Write(input)
	return hex.EncodeToString(hasher.Sum(nil))
}

// JSONHash computes a stable SHA-256 hash of a JSON-serializable value.
// Map keys serialize in sorted order, so logically equal values hash
// equal.
func JSONHash(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal value for hashing: %w", err)
	}
	return BytesHash(data), nil
}
