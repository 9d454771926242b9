package model

import (
	"time"

	"github.com/google/uuid"
)

// Release is an immutable, semver-tagged batch of newly published
// rules. Releases are append-only: corrections ship as a new release
// containing superseding rules.
type Release struct {
	ID         uuid.UUID   `json:"id"`
	Version    string      `json:"version"`
	ReleasedAt time.Time   `json:"released_at"`
	RuleIDs    []uuid.UUID `json:"rule_ids"`
}
