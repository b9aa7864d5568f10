package query

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// NormalizeQuery lowercases text and collapses every whitespace run to a
// single space, trimming both ends. Queries that differ only in case or
// layout normalize to the same string and share a cache entry.
func NormalizeQuery(text string) string {
	return strings.Join(strings.Fields(strings.ToLower(text)), " ")
}

// HashQuery returns the hex SHA-256 digest of the normalized query. It is the
// cache key within a workspace.
func HashQuery(text string) string {
	sum := sha256.Sum256([]byte(NormalizeQuery(text)))
	return hex.EncodeToString(sum[:])
}
