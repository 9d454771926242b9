package model

import (
	"time"

	"github.com/google/uuid"
)

// ConflictStatus is the lifecycle state of a conflict
type ConflictStatus string

const (
	ConflictOpen     ConflictStatus = "OPEN"
	ConflictResolved ConflictStatus = "RESOLVED"
)

// Resolution is how a conflict was settled
type Resolution string

const (
	ResolutionNone      Resolution = ""
	ResolutionSupersede Resolution = "supersede" // Earlier window truncated by a later regulation
	ResolutionMerge     Resolution = "merge"     // Candidates restated as non-overlapping sub-windows
	ResolutionEscalate  Resolution = "escalate"  // Mandatory human decision
)

// Conflict records two or more rule candidates disagreeing on the same
// concept over overlapping effective windows. It must be resolved
// before any contained rule may be published.
type Conflict struct {
	ID          uuid.UUID      `json:"id"`
	ConceptSlug string         `json:"concept_slug"`
	RuleIDs     []uuid.UUID    `json:"rule_ids"`
	Status      ConflictStatus `json:"status"`
	Resolution  Resolution     `json:"resolution,omitempty"`
	Note        string         `json:"note,omitempty"`
	Escalated   bool           `json:"escalated"`
	CreatedAt   time.Time      `json:"created_at"`
	ResolvedAt  *time.Time     `json:"resolved_at,omitempty"`
}

// Contains reports whether the conflict references the given rule
func (c Conflict) Contains(ruleID uuid.UUID) bool {
	for _, id := range c.RuleIDs {
		if id == ruleID {
			return true
		}
	}
	return false
}
