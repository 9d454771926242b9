package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"
)

// RuleStatus is the lifecycle state of a rule
type RuleStatus string

const (
	RuleDraft         RuleStatus = "DRAFT"
	RulePendingReview RuleStatus = "PENDING_REVIEW"
	RuleApproved      RuleStatus = "APPROVED"
	RuleRejected      RuleStatus = "REJECTED"
	RulePublished     RuleStatus = "PUBLISHED"
	RuleDeprecated    RuleStatus = "DEPRECATED"
)

// Rule is a synthesized compliance statement with an effective time
// window. A published rule is immutable; corrections ship as new rules
// that supersede it.
type Rule struct {
	ID               uuid.UUID    `json:"id"`
	ConceptSlug      string       `json:"concept_slug"`
	Value            RuleValue    `json:"value"`
	EffectiveFrom    time.Time    `json:"effective_from"`
	EffectiveUntil   *time.Time   `json:"effective_until,omitempty"`
	Status           RuleStatus   `json:"status"`
	RiskTier         PriorityTier `json:"risk_tier"`
	Confidence       float64      `json:"confidence"`
	SourcePointerIDs []uuid.UUID  `json:"source_pointer_ids"`
	Fingerprint      string       `json:"fingerprint"`
	SupersededBy     *uuid.UUID   `json:"superseded_by,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

// Fingerprint computes the deterministic identity of a rule candidate:
// same concept, window and value always map to the same fingerprint,
// which is what makes composition idempotent.
func RuleFingerprint(conceptSlug string, from time.Time, until *time.Time, value RuleValue) string {
	key := conceptSlug + "|" + from.UTC().Format("2006-01-02") + "|"
	if until != nil {
		key += until.UTC().Format("2006-01-02")
	} else {
		key += "open"
	}
	key += "|" + value.Key()
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:16])
}

// EffectiveAt reports whether the rule's window covers the given date:
// effectiveFrom <= t and (effectiveUntil is nil or > t).
func (r Rule) EffectiveAt(t time.Time) bool {
	if r.EffectiveFrom.After(t) {
		return false
	}
	return r.EffectiveUntil == nil || r.EffectiveUntil.After(t)
}

// OverlapsWindow reports whether two [from, until) windows intersect
func (r Rule) OverlapsWindow(other Rule) bool {
	if r.EffectiveUntil != nil && !r.EffectiveUntil.After(other.EffectiveFrom) {
		return false
	}
	if other.EffectiveUntil != nil && !other.EffectiveUntil.After(r.EffectiveFrom) {
		return false
	}
	return true
}
