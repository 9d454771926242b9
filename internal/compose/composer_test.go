package compose

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regbeacon/regbeacon/internal/model"
	"github.com/regbeacon/regbeacon/internal/store"
)

const conceptThreshold = "vat-registration-threshold"

func testTaxonomy() *model.Taxonomy {
	return model.NewTaxonomy([]model.Concept{
		{Slug: conceptThreshold, Name: "VAT registration threshold", Tier: model.TierT0, Kind: model.ValueAmount, Keywords: []string{"registration threshold"}},
	})
}

func pointer(value model.RuleValue, from time.Time, confidence float64) model.SourcePointer {
	return model.SourcePointer{
		ID:            uuid.New(),
		EvidenceID:    uuid.New(),
		ConceptSlug:   conceptThreshold,
		ClaimedValue:  value,
		ExactQuote:    "quote",
		EffectiveFrom: from,
		Confidence:    confidence,
		Method:        "heuristic:amount",
		ExtractedAt:   time.Now().UTC(),
	}
}

func TestComposeDraftsRule(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	c := New(st, testTaxonomy(), nil)
	c.ChainDownstream = true

	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, st.InsertPointers(ctx, []model.SourcePointer{
		pointer(model.AmountValue(60000, "EUR"), from, 0.8),
	}))

	res, err := c.Handle(ctx, conceptThreshold)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeSucceeded, res.Outcome)
	require.Len(t, res.Next, 1)
	assert.Equal(t, model.StageReview, res.Next[0].Stage)

	rules, err := st.ListRulesByConcept(ctx, conceptThreshold)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, model.RuleDraft, rules[0].Status)
	assert.Equal(t, model.TierT0, rules[0].RiskTier, "tier comes from the taxonomy")
	assert.True(t, rules[0].Value.Equal(model.AmountValue(60000, "EUR")))
}

func TestComposeCorroboratingPointersShareOneRule(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	c := New(st, testTaxonomy(), nil)

	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	weak := pointer(model.AmountValue(60000, "EUR"), from, 0.6)
	strong := pointer(model.AmountValue(60000, "EUR"), from, 0.9)
	require.NoError(t, st.InsertPointers(ctx, []model.SourcePointer{weak, strong}))

	_, err := c.Handle(ctx, conceptThreshold)
	require.NoError(t, err)

	rules, err := st.ListRulesByConcept(ctx, conceptThreshold)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Len(t, rules[0].SourcePointerIDs, 2, "corroborating citation kept")
	assert.Equal(t, 0.9, rules[0].Confidence, "primary is the highest-confidence pointer")
}

func TestComposeDisagreementOpensConflict(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	c := New(st, testTaxonomy(), nil)
	c.ChainDownstream = true

	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, st.InsertPointers(ctx, []model.SourcePointer{
		pointer(model.AmountValue(60000, "EUR"), from, 0.8),
		pointer(model.AmountValue(40000, "EUR"), from, 0.7),
	}))

	res, err := c.Handle(ctx, conceptThreshold)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeSucceeded, res.Outcome)

	rules, err := st.ListRulesByConcept(ctx, conceptThreshold)
	require.NoError(t, err)
	assert.Len(t, rules, 2, "both candidates stay visible as drafts")

	conflicts, err := st.ListConflictsByStatus(ctx, model.ConflictOpen)
	require.NoError(t, err)
	require.Len(t, conflicts, 1)
	assert.Equal(t, conceptThreshold, conflicts[0].ConceptSlug)
	assert.Len(t, conflicts[0].RuleIDs, 2)

	// Review messages for both drafts plus one arbitration message
	var reviews, arbitrations int
	for _, msg := range res.Next {
		switch msg.Stage {
		case model.StageReview:
			reviews++
		case model.StageArbitrate:
			arbitrations++
		}
	}
	assert.Equal(t, 2, reviews)
	assert.Equal(t, 1, arbitrations)
}

func TestComposeOverlappingOpenWindowsConflict(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	c := New(st, testTaxonomy(), nil)

	// Two open-ended claims with different starts overlap from the later
	// start onward; disagreeing on value there is a conflict.
	require.NoError(t, st.InsertPointers(ctx, []model.SourcePointer{
		pointer(model.AmountValue(40000, "EUR"), time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), 0.8),
		pointer(model.AmountValue(60000, "EUR"), time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), 0.8),
	}))

	_, err := c.Handle(ctx, conceptThreshold)
	require.NoError(t, err)

	rules, err := st.ListRulesByConcept(ctx, conceptThreshold)
	require.NoError(t, err)
	require.Len(t, rules, 2)
	for _, r := range rules {
		assert.Equal(t, model.RuleDraft, r.Status, "neither candidate advances past draft")
	}

	conflicts, err := st.ListConflictsByStatus(ctx, model.ConflictOpen)
	require.NoError(t, err)
	assert.Len(t, conflicts, 1)
}

func TestComposeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	c := New(st, testTaxonomy(), nil)

	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, st.InsertPointers(ctx, []model.SourcePointer{
		pointer(model.AmountValue(60000, "EUR"), from, 0.8),
		pointer(model.AmountValue(40000, "EUR"), from, 0.7),
	}))

	_, err := c.Handle(ctx, conceptThreshold)
	require.NoError(t, err)

	// Second run over the same pointer set changes nothing
	res, err := c.Handle(ctx, conceptThreshold)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeNoop, res.Outcome)
	assert.Empty(t, res.Next)

	rules, err := st.ListRulesByConcept(ctx, conceptThreshold)
	require.NoError(t, err)
	assert.Len(t, rules, 2, "no duplicate drafts")

	conflicts, err := st.ListConflictsByStatus(ctx, model.ConflictOpen)
	require.NoError(t, err)
	assert.Len(t, conflicts, 1, "no duplicate conflicts")
}

func TestComposeNewCorroborationUpdatesDraft(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	c := New(st, testTaxonomy(), nil)

	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	first := pointer(model.AmountValue(60000, "EUR"), from, 0.8)
	require.NoError(t, st.InsertPointers(ctx, []model.SourcePointer{first}))
	_, err := c.Handle(ctx, conceptThreshold)
	require.NoError(t, err)

	// A second source later corroborates the same value and window
	second := pointer(model.AmountValue(60000, "EUR"), from, 0.7)
	require.NoError(t, st.InsertPointers(ctx, []model.SourcePointer{second}))
	res, err := c.Handle(ctx, conceptThreshold)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeSucceeded, res.Outcome)

	rules, err := st.ListRulesByConcept(ctx, conceptThreshold)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Len(t, rules[0].SourcePointerIDs, 2)
}

func TestComposeRedraftsAfterRejection(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	c := New(st, testTaxonomy(), nil)

	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, st.InsertPointers(ctx, []model.SourcePointer{
		pointer(model.AmountValue(60000, "EUR"), from, 0.8),
	}))
	_, err := c.Handle(ctx, conceptThreshold)
	require.NoError(t, err)

	rules, err := st.ListRulesByConcept(ctx, conceptThreshold)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.NoError(t, st.TransitionRule(ctx, rules[0].ID, model.RuleDraft, model.RuleRejected))

	// The rejection must not block the candidate forever: the same
	// window and value compose into a fresh draft
	res, err := c.Handle(ctx, conceptThreshold)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeSucceeded, res.Outcome)

	rules, err = st.ListRulesByConcept(ctx, conceptThreshold)
	require.NoError(t, err)
	require.Len(t, rules, 2)

	var drafts int
	for _, r := range rules {
		if r.Status == model.RuleDraft {
			drafts++
		}
	}
	assert.Equal(t, 1, drafts)
}

func TestComposeNoPointersIsNoop(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	c := New(st, testTaxonomy(), nil)

	res, err := c.Handle(ctx, conceptThreshold)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeNoop, res.Outcome)
}
