package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regbeacon/regbeacon/internal/model"
)

func draftRule(concept string, value model.RuleValue, from time.Time) model.Rule {
	return model.Rule{
		ID:            uuid.New(),
		ConceptSlug:   concept,
		Value:         value,
		EffectiveFrom: from,
		Status:        model.RuleDraft,
		RiskTier:      model.TierT2,
		Fingerprint:   model.RuleFingerprint(concept, from, nil, value),
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
}

func TestTransitionRuleCAS(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()

	rule := draftRule("standard-vat-rate", model.RateValue(21), time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, st.InsertRule(ctx, rule))

	require.NoError(t, st.TransitionRule(ctx, rule.ID, model.RuleDraft, model.RuleApproved))

	// Second transition from DRAFT must observe the lost race
	err := st.TransitionRule(ctx, rule.ID, model.RuleDraft, model.RulePendingReview)
	assert.ErrorIs(t, err, ErrStaleTransition)

	got, err := st.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RuleApproved, got.Status)
}

func TestInsertRuleFingerprintUnique(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	first := draftRule("vat-registration-threshold", model.AmountValue(85000, "EUR"), from)
	require.NoError(t, st.InsertRule(ctx, first))

	dup := draftRule("vat-registration-threshold", model.AmountValue(85000, "EUR"), from)
	assert.ErrorIs(t, st.InsertRule(ctx, dup), ErrDuplicate)

	// A rejected rule releases its fingerprint for a fresh attempt
	require.NoError(t, st.TransitionRule(ctx, first.ID, model.RuleDraft, model.RuleRejected))
	retry := draftRule("vat-registration-threshold", model.AmountValue(85000, "EUR"), from)
	assert.NoError(t, st.InsertRule(ctx, retry))
}

func TestGetRuleByFingerprintSkipsRejected(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	rule := draftRule("vat-registration-threshold", model.AmountValue(85000, "EUR"), from)
	require.NoError(t, st.InsertRule(ctx, rule))

	got, err := st.GetRuleByFingerprint(ctx, rule.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, rule.ID, got.ID)

	// After rejection the fingerprint reads as free, so composition can
	// draft the candidate again from fresh evidence
	require.NoError(t, st.TransitionRule(ctx, rule.ID, model.RuleDraft, model.RuleRejected))
	_, err = st.GetRuleByFingerprint(ctx, rule.Fingerprint)
	assert.ErrorIs(t, err, ErrNotFound)

	retry := draftRule("vat-registration-threshold", model.AmountValue(85000, "EUR"), from)
	require.NoError(t, st.InsertRule(ctx, retry))
	got, err = st.GetRuleByFingerprint(ctx, rule.Fingerprint)
	require.NoError(t, err)
	assert.Equal(t, retry.ID, got.ID, "lookup resolves to the live candidate")
}

func TestTruncateRuleWindow(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	boundary := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)

	rule := draftRule("standard-vat-rate", model.RateValue(21), from)
	require.NoError(t, st.InsertRule(ctx, rule))

	require.NoError(t, st.TruncateRuleWindow(ctx, rule.ID, boundary))
	got, err := st.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	require.NotNil(t, got.EffectiveUntil)
	assert.True(t, got.EffectiveUntil.Equal(boundary))
	assert.Equal(t, rule.Fingerprint, got.Fingerprint, "truncation keeps the candidate identity")

	// Only drafts are mutable
	require.NoError(t, st.TransitionRule(ctx, rule.ID, model.RuleDraft, model.RuleApproved))
	assert.ErrorIs(t, st.TruncateRuleWindow(ctx, rule.ID, boundary), ErrImmutable)
}

func TestResolveConflictCAS(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()

	conflict := model.Conflict{
		ID:          uuid.New(),
		ConceptSlug: "standard-vat-rate",
		RuleIDs:     []uuid.UUID{uuid.New(), uuid.New()},
		Status:      model.ConflictOpen,
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, st.InsertConflict(ctx, conflict))

	now := time.Now().UTC()
	require.NoError(t, st.ResolveConflict(ctx, conflict.ID, model.ResolutionSupersede, "later window wins", now))
	assert.ErrorIs(t, st.ResolveConflict(ctx, conflict.ID, model.ResolutionMerge, "", now), ErrStaleTransition)

	got, err := st.GetConflict(ctx, conflict.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ConflictResolved, got.Status)
	assert.Equal(t, model.ResolutionSupersede, got.Resolution)
	require.NotNil(t, got.ResolvedAt)
}

func TestFindOpenConflictForRules(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()
	a, b := uuid.New(), uuid.New()

	conflict := model.Conflict{
		ID:          uuid.New(),
		ConceptSlug: "standard-vat-rate",
		RuleIDs:     []uuid.UUID{a, b},
		Status:      model.ConflictOpen,
		CreatedAt:   time.Now().UTC(),
	}
	require.NoError(t, st.InsertConflict(ctx, conflict))

	// Order-insensitive match
	found, err := st.FindOpenConflictForRules(ctx, []uuid.UUID{b, a})
	require.NoError(t, err)
	assert.Equal(t, conflict.ID, found.ID)

	_, err = st.FindOpenConflictForRules(ctx, []uuid.UUID{a, uuid.New()})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUpsertSourcePreservesRuntimeState(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()

	src := model.Source{ID: uuid.New(), Name: "gazette", URL: "https://gazette.example/vat", Tier: model.TierT0, ScrapeInterval: 24 * time.Hour}
	require.NoError(t, st.UpsertSource(ctx, src))

	checked := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, st.MarkSourceChecked(ctx, src.ID, checked, "abc123"))

	// Re-seeding from the catalog must not reset check state
	src.Name = "gazette (renamed)"
	require.NoError(t, st.UpsertSource(ctx, src))

	got, err := st.GetSource(ctx, src.ID)
	require.NoError(t, err)
	assert.Equal(t, "gazette (renamed)", got.Name)
	assert.True(t, got.LastCheckedAt.Equal(checked))
	assert.Equal(t, "abc123", got.LastContentHash)
}

func TestRecordSourceErrorAndReset(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()

	src := model.Source{ID: uuid.New(), Name: "faq", URL: "https://agency.example/faq", ScrapeInterval: time.Hour}
	require.NoError(t, st.UpsertSource(ctx, src))

	now := time.Now().UTC()
	for i := 1; i <= 3; i++ {
		n, err := st.RecordSourceError(ctx, src.ID, now)
		require.NoError(t, err)
		assert.Equal(t, i, n)
	}
	require.NoError(t, st.OpenSourceCircuit(ctx, src.ID, now))

	require.NoError(t, st.MarkSourceChecked(ctx, src.ID, now, "h"))
	got, err := st.GetSource(ctx, src.ID)
	require.NoError(t, err)
	assert.Zero(t, got.ConsecutiveErrors)
	assert.True(t, got.CircuitOpenedAt.IsZero())
}

func TestCompleteRunIsFinal(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()

	run := model.AgentRun{ID: uuid.New(), Stage: model.StageCollect, InputID: "x", StartedAt: time.Now().UTC()}
	require.NoError(t, st.StartRun(ctx, run))

	now := time.Now().UTC()
	require.NoError(t, st.CompleteRun(ctx, run.ID, model.OutcomeSucceeded, 0.8, "", now))
	assert.ErrorIs(t, st.CompleteRun(ctx, run.ID, model.OutcomeFailed, 0, "late", now), ErrImmutable)
}

func TestAcquireConceptSerializes(t *testing.T) {
	ctx := context.Background()
	st := NewMemory()

	release, err := st.AcquireConcept(ctx, "standard-vat-rate")
	require.NoError(t, err)

	var (
		mu      sync.Mutex
		entered bool
	)
	done := make(chan struct{})
	go func() {
		r2, err := st.AcquireConcept(ctx, "standard-vat-rate")
		if err == nil {
			mu.Lock()
			entered = true
			mu.Unlock()
			r2()
		}
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	mu.Lock()
	assert.False(t, entered, "second claim must block while the first is held")
	mu.Unlock()

	release()
	<-done
	mu.Lock()
	assert.True(t, entered)
	mu.Unlock()
}
