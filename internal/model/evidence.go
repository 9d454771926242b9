package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// Evidence is one immutable snapshot of fetched source content.
// It is created only by the collector and never mutated afterwards;
// ContentHash is the change-detection key.
type Evidence struct {
	ID          uuid.UUID `json:"id"`
	SourceID    uuid.UUID `json:"source_id"`
	RawContent  string    `json:"raw_content"`
	ContentHash string    `json:"content_hash"`
	FetchedAt   time.Time `json:"fetched_at"`
	FetchMeta   FetchMeta `json:"fetch_meta"`
}

// FetchMeta carries HTTP metadata from the fetch that produced the evidence
type FetchMeta struct {
	StatusCode   int    `json:"status_code"`
	ContentType  string `json:"content_type,omitempty"`
	LastModified string `json:"last_modified,omitempty"`
	ETag         string `json:"etag,omitempty"`
	FinalURL     string `json:"final_url,omitempty"`
}

// HashContent computes the change-detection hash for fetched content
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}
