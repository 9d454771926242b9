package review

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

const concept = "vat-registration-threshold"

func seedDraft(t *testing.T, st store.Store, tier model.PriorityTier, value model.RuleValue, pointerConf float64) model.Rule {
	t.Helper()
	ctx := context.Background()
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	p := model.SourcePointer{
		ID:            uuid.New(),
		EvidenceID:    uuid.New(),
		ConceptSlug:   concept,
		ClaimedValue:  value,
		ExactQuote:    "quote",
		EffectiveFrom: from,
		Confidence:    pointerConf,
		Method:        "heuristic:amount",
		ExtractedAt:   time.Now().UTC(),
	}
	require.NoError(t, st.InsertPointers(ctx, []model.SourcePointer{p}))

	rule := model.Rule{
		ID:               uuid.New(),
		ConceptSlug:      concept,
		Value:            value,
		EffectiveFrom:    from,
		Status:           model.RuleDraft,
		RiskTier:         tier,
		SourcePointerIDs: []uuid.UUID{p.ID},
		Fingerprint:      model.RuleFingerprint(concept, from, nil, value),
		CreatedAt:        time.Now().UTC(),
		UpdatedAt:        time.Now().UTC(),
	}
	require.NoError(t, st.InsertRule(ctx, rule))
	return rule
}

func TestT0NeverAutoApproved(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	r := New(st, nil)

	// Perfect confidence still does not auto-approve a T0 rule
	rule := seedDraft(t, st, model.TierT0, model.AmountValue(85000, "EUR"), 1.0)

	res, err := r.Handle(ctx, rule.ID.String())
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeSucceeded, res.Outcome)

	got, err := st.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RulePendingReview, got.Status)
}

func TestT1NeverAutoApproved(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	r := New(st, nil)

	rule := seedDraft(t, st, model.TierT1, model.RateValue(21), 0.99)

	_, err := r.Handle(ctx, rule.ID.String())
	require.NoError(t, err)

	got, err := st.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RulePendingReview, got.Status)
}

func TestT3AutoApprovedAboveThreshold(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	r := New(st, nil)
	r.ChainDownstream = true

	rule := seedDraft(t, st, model.TierT3, model.ChoiceValue("7 years"), 0.95)

	res, err := r.Handle(ctx, rule.ID.String())
	require.NoError(t, err)

	got, err := st.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RuleApproved, got.Status)
	assert.GreaterOrEqual(t, got.Confidence, 0.90)

	// Approval hands off to the releaser; without this the rule would
	// sit APPROVED forever with nothing ever publishing it
	require.Len(t, res.Next, 1)
	assert.Equal(t, model.StageRelease, res.Next[0].Stage)
}

func TestT3BelowAutoThresholdGoesToReview(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	r := New(st, nil)
	r.ChainDownstream = true

	rule := seedDraft(t, st, model.TierT3, model.ChoiceValue("7 years"), 0.86)

	res, err := r.Handle(ctx, rule.ID.String())
	require.NoError(t, err)

	got, err := st.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RulePendingReview, got.Status)
	assert.Empty(t, res.Next, "a pending rule schedules no release")
}

func TestContradictedRuleIsRejected(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	r := New(st, nil)

	// The rule states a value its own citation does not claim
	rule := seedDraft(t, st, model.TierT2, model.AmountValue(60000, "EUR"), 0.9)
	contradicting := model.SourcePointer{
		ID:            uuid.New(),
		EvidenceID:    uuid.New(),
		ConceptSlug:   concept,
		ClaimedValue:  model.AmountValue(40000, "EUR"),
		ExactQuote:    "other quote",
		EffectiveFrom: rule.EffectiveFrom,
		Confidence:    0.9,
		ExtractedAt:   time.Now().UTC(),
	}
	require.NoError(t, st.InsertPointers(ctx, []model.SourcePointer{contradicting}))
	require.NoError(t, st.UpdateRulePointers(ctx, rule.ID, append(rule.SourcePointerIDs, contradicting.ID)))

	_, err := r.Handle(ctx, rule.ID.String())
	require.NoError(t, err)

	got, err := st.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RuleRejected, got.Status)
}

func TestOpenConflictRoutesToArbiter(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	r := New(st, nil)
	r.ChainDownstream = true

	rule := seedDraft(t, st, model.TierT2, model.AmountValue(60000, "EUR"), 0.99)
	conflict := model.Conflict{
		ID:          uuid.New(),
		ConceptSlug: concept,
		RuleIDs:     []uuid.UUID{rule.ID, uuid.New()},
		Status:      model.ConflictOpen,
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, st.InsertConflict(ctx, conflict))

	res, err := r.Handle(ctx, rule.ID.String())
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeSkipped, res.Outcome)
	require.Len(t, res.Next, 1)
	assert.Equal(t, model.StageArbitrate, res.Next[0].Stage)
	assert.Equal(t, conflict.ID.String(), res.Next[0].Payload)

	// The rule stays a draft until the conflict is settled
	got, err := st.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RuleDraft, got.Status)
}

func TestManualApprovalRespectsFloor(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	r := New(st, nil)

	// T1 at 0.90 lands in the review queue with confidence below the
	// 0.95 approval floor; even a human cannot approve it.
	rule := seedDraft(t, st, model.TierT1, model.RateValue(21), 0.90)
	_, err := r.Handle(ctx, rule.ID.String())
	require.NoError(t, err)

	err = ApproveManually(ctx, st, rule.ID)
	assert.ErrorIs(t, err, ErrBelowApprovalFloor)

	got, err := st.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RulePendingReview, got.Status)
}

func TestManualApproval(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	r := New(st, nil)

	rule := seedDraft(t, st, model.TierT1, model.RateValue(21), 0.99)
	_, err := r.Handle(ctx, rule.ID.String())
	require.NoError(t, err)

	require.NoError(t, ApproveManually(ctx, st, rule.ID))

	got, err := st.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RuleApproved, got.Status)
}
