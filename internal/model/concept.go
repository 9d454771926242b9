package model

import "strings"

// Concept is one entry in the compliance taxonomy: the semantic key
// that source pointers and rules are grouped under.
type Concept struct {
	Slug     string       `json:"slug" yaml:"slug"`
	Name     string       `json:"name" yaml:"name"`
	Tier     PriorityTier `json:"tier" yaml:"tier"`
	Kind     ValueKind    `json:"kind" yaml:"kind"`
	Keywords []string     `json:"keywords" yaml:"keywords"`
	Choices  []string     `json:"choices,omitempty" yaml:"choices,omitempty"` // For kind=choice
}

// Matches reports whether the lowercased text mentions the concept
func (c Concept) Matches(lowerText string) bool {
	for _, kw := range c.Keywords {
		if strings.Contains(lowerText, kw) {
			return true
		}
	}
	return false
}

// Taxonomy is the loaded concept catalog
type Taxonomy struct {
	concepts map[string]Concept
	ordered  []Concept
}

// NewTaxonomy builds a taxonomy from concept definitions
func NewTaxonomy(concepts []Concept) *Taxonomy {
	t := &Taxonomy{concepts: make(map[string]Concept, len(concepts))}
	for _, c := range concepts {
		if _, dup := t.concepts[c.Slug]; dup {
			continue
		}
		t.concepts[c.Slug] = c
		t.ordered = append(t.ordered, c)
	}
	return t
}

// Concepts returns all concepts in catalog order
func (t *Taxonomy) Concepts() []Concept {
	return t.ordered
}

// Lookup returns the concept for a slug
func (t *Taxonomy) Lookup(slug string) (Concept, bool) {
	c, ok := t.concepts[slug]
	return c, ok
}

// RiskTier returns the concept's tier, defaulting to T2 for unknown
// slugs so unclassified concepts never take the low-scrutiny path.
func (t *Taxonomy) RiskTier(slug string) PriorityTier {
	if c, ok := t.concepts[slug]; ok {
		return c.Tier
	}
	return TierT2
}
