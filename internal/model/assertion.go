package model

import (
	"crypto/sha1"
	"encoding/hex"
	"time"
)

// Assertion is a raw metadata record harvested from a source, stored
// verbatim and deduplicated by content hash. Analyzers consume assertions
// from a queue and derive events from them.
type Assertion struct {
	ID              int64
	Source          MetadataSource
	SubjectEntityID *int64
	Hash            string
	JSON            string
	Created         time.Time
}

// HashAssertion returns the dedupe hash for an assertion body, hex-encoded.
func HashAssertion(jsonText string) string {
	sum := sha1.Sum([]byte(jsonText))
	return hex.EncodeToString(sum[:])
}
