package ingest

import (
	"crypto/sha256"
	"encoding/hex"

	"alerthub/internal/domain"
)

// fingerprintLength is the number of hex characters kept from the digest.
const fingerprintLength = 16

// Fingerprint derives a stable group identity from a label set.
// Params: alert labels; key order in the map is irrelevant.
// Returns: first 16 hex chars of SHA-256 over sorted `key=value` lines.
func Fingerprint(labels map[string]string) string {
	keys := domain.SortedKeys(labels)
	capacity := 0
	for _, key := range keys {
		capacity += len(key) + 1 + len(labels[key]) + 1
	}

	canonical := make([]byte, 0, capacity)
	for index, key := range keys {
		if index > 0 {
			canonical = append(canonical, '\n')
		}
		canonical = append(canonical, key...)
		canonical = append(canonical, '=')
		canonical = append(canonical, labels[key]...)
	}
	digest := sha256.Sum256(canonical)
	return hex.EncodeToString(digest[:])[:fingerprintLength]
}
