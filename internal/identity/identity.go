// Package identity derives content-addressed identifiers for memory units.
package identity

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
)

// Length is the number of hex characters in every unit id.
const Length = 32

// ID returns the deterministic id for content stored in a collection.
// The same pair always yields the same id, so re-adding content is an upsert.
func ID(collectionID, content string) string {
	return digest(collectionID + ":" + content)
}

// Unique returns an id that differs on every call, for callers that want
// intentional duplicates of the same content.
func Unique(collectionID, content string) string {
	return digest(collectionID + ":" + content + ":" + uuid.NewString())
}

// NewCollectionID returns a short random collection name.
func NewCollectionID() string {
	return "cog_" + uuid.NewString()[:8]
}

func digest(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:Length]
}
