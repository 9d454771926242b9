package model

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// SourcePointer is one atomic fact extracted from a single evidence
// snapshot. ExactQuote must be a literal substring of the evidence
// content; pointers failing that check are never persisted.
type SourcePointer struct {
	ID             uuid.UUID  `json:"id"`
	EvidenceID     uuid.UUID  `json:"evidence_id"`
	ConceptSlug    string     `json:"concept_slug"`
	ClaimedValue   RuleValue  `json:"claimed_value"`
	ExactQuote     string     `json:"exact_quote"`
	QuoteOffset    int        `json:"quote_offset"` // Byte offset of the quote in the evidence content
	EffectiveFrom  time.Time  `json:"effective_from"`
	EffectiveUntil *time.Time `json:"effective_until,omitempty"`
	Confidence     float64    `json:"confidence"`
	Method         string     `json:"method"` // Extraction method, e.g. "heuristic:amount" or "llm:gpt-4o-mini"
	ExtractedAt    time.Time  `json:"extracted_at"`
}

// QuoteVerifiedAgainst reports whether the pointer's quote is a literal
// substring of the given evidence content. This is the citation-trust
// invariant, enforced at creation time.
func (p SourcePointer) QuoteVerifiedAgainst(rawContent string) bool {
	return p.ExactQuote != "" && strings.Contains(rawContent, p.ExactQuote)
}

// WindowKey canonicalizes the declared effective window for grouping
func (p SourcePointer) WindowKey() string {
	key := p.EffectiveFrom.UTC().Format("2006-01-02")
	if p.EffectiveUntil != nil {
		key += "/" + p.EffectiveUntil.UTC().Format("2006-01-02")
	} else {
		key += "/open"
	}
	return key
}
