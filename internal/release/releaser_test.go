package release

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

func seedApproved(t *testing.T, st store.Store, concept string, tier model.PriorityTier, from time.Time) model.Rule {
	t.Helper()
	rule := model.Rule{
		ID:            uuid.New(),
		ConceptSlug:   concept,
		Value:         model.RateValue(21),
		EffectiveFrom: from,
		Status:        model.RuleApproved,
		RiskTier:      tier,
		Confidence:    0.96,
		Fingerprint:   model.RuleFingerprint(concept, from, nil, model.RateValue(21)),
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
	require.NoError(t, st.InsertRule(context.Background(), rule))
	return rule
}

func seedRelease(t *testing.T, st store.Store, version string) {
	t.Helper()
	require.NoError(t, st.InsertRelease(context.Background(), model.Release{
		ID:         uuid.New(),
		Version:    version,
		ReleasedAt: time.Now().UTC(),
	}))
}

func TestFirstReleaseVersion(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	r := New(st, nil)

	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rule := seedApproved(t, st, "standard-vat-rate", model.TierT3, from)

	res, err := r.Handle(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeSucceeded, res.Outcome)

	latest, err := st.LatestRelease(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0.1.0", latest.Version)
	assert.Equal(t, []uuid.UUID{rule.ID}, latest.RuleIDs)

	got, err := st.GetRule(ctx, rule.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RulePublished, got.Status)
}

func TestRiskiestTierDrivesBump(t *testing.T) {
	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	cases := []struct {
		name  string
		tiers []model.PriorityTier
		want  string
	}{
		{"patch for low-stakes batch", []model.PriorityTier{model.TierT2, model.TierT3}, "1.2.4"},
		{"minor when a T1 rule ships", []model.PriorityTier{model.TierT1, model.TierT3, model.TierT3}, "1.3.0"},
		{"major when a T0 rule ships", []model.PriorityTier{model.TierT0, model.TierT1}, "2.0.0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()
			st := store.NewMemory()
			r := New(st, nil)
			seedRelease(t, st, "1.2.3")

			for i, tier := range tc.tiers {
				seedApproved(t, st, "concept-"+string(rune('a'+i)), tier, from.AddDate(0, i, 0))
			}

			_, err := r.Handle(ctx, "")
			require.NoError(t, err)

			latest, err := st.LatestRelease(ctx)
			require.NoError(t, err)
			assert.Equal(t, tc.want, latest.Version)
		})
	}
}

func TestConflictedRuleIsHeldBack(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	r := New(st, nil)

	from := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clean := seedApproved(t, st, "standard-vat-rate", model.TierT3, from)
	tangled := seedApproved(t, st, "vat-registration-threshold", model.TierT0, from)

	require.NoError(t, st.InsertConflict(ctx, model.Conflict{
		ID:          uuid.New(),
		ConceptSlug: tangled.ConceptSlug,
		RuleIDs:     []uuid.UUID{tangled.ID, uuid.New()},
		Status:      model.ConflictOpen,
		CreatedAt:   time.Now().UTC(),
	}))

	_, err := r.Handle(ctx, "")
	require.NoError(t, err)

	latest, err := st.LatestRelease(ctx)
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{clean.ID}, latest.RuleIDs)
	assert.Equal(t, "0.1.0", latest.Version, "the held-back T0 rule must not drive the bump")

	got, err := st.GetRule(ctx, tangled.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RuleApproved, got.Status, "conflicted rule stays approved, unreleased")
}

func TestNoApprovedRulesIsNoop(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	r := New(st, nil)

	res, err := r.Handle(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeNoop, res.Outcome)

	_, err = st.LatestRelease(ctx)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSupersededPublishedRuleIsDeprecated(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	r := New(st, nil)

	jan := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	jul := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)

	old := model.Rule{
		ID:            uuid.New(),
		ConceptSlug:   "standard-vat-rate",
		Value:         model.RateValue(19),
		EffectiveFrom: jan,
		Status:        model.RulePublished,
		RiskTier:      model.TierT1,
		Fingerprint:   model.RuleFingerprint("standard-vat-rate", jan, nil, model.RateValue(19)),
		CreatedAt:     time.Now().UTC(),
		UpdatedAt:     time.Now().UTC(),
	}
	require.NoError(t, st.InsertRule(ctx, old))

	replacement := seedApproved(t, st, "standard-vat-rate", model.TierT1, jul)
	require.NoError(t, st.SetRuleSuperseded(ctx, old.ID, replacement.ID))

	_, err := r.Handle(ctx, "")
	require.NoError(t, err)

	gotOld, err := st.GetRule(ctx, old.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RuleDeprecated, gotOld.Status)

	gotNew, err := st.GetRule(ctx, replacement.ID)
	require.NoError(t, err)
	assert.Equal(t, model.RulePublished, gotNew.Status)
}
