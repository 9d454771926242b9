package pipeline

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/regbeacon/regbeacon/internal/model"
	"github.com/regbeacon/regbeacon/internal/registry"
)

// TestDrainOncePublishesEndToEnd drives the whole chain against a live
// test server: schedule → collect → extract → compose → review →
// release. A high-confidence low-risk fact must come out the far end as
// a published rule inside a release, with no work left on any queue.
func TestDrainOncePublishesEndToEnd(t *testing.T) {
	ctx := context.Background()

	page := "The VAT registration threshold is €85,000 with effect from 2024-01-01."
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, page)
	}))
	defer srv.Close()

	catalog := fmt.Sprintf(`
sources:
  - name: Threshold notices
    url: %s/thresholds
    tier: T3
concepts:
  - slug: vat-registration-threshold
    name: VAT registration threshold
    tier: T3
    kind: amount
    keywords: ["registration threshold"]
`, srv.URL)
	cat, err := registry.Parse([]byte(catalog))
	require.NoError(t, err)

	p, err := New(ctx, model.DefaultConfig(), Options{Catalog: cat}, nil)
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.DrainOnce(ctx))

	published, err := p.Store.ListRulesByStatus(ctx, model.RulePublished)
	require.NoError(t, err)
	require.Len(t, published, 1, "the fact must reach PUBLISHED, not stall at APPROVED")

	rule := published[0]
	assert.Equal(t, "vat-registration-threshold", rule.ConceptSlug)
	assert.True(t, rule.Value.Equal(model.AmountValue(85000, "EUR")))
	assert.True(t, rule.EffectiveFrom.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
	assert.GreaterOrEqual(t, rule.Confidence, 0.90)
	require.Len(t, rule.SourcePointerIDs, 1)

	release, err := p.Store.LatestRelease(ctx)
	require.NoError(t, err)
	assert.Equal(t, "0.1.0", release.Version)
	assert.Contains(t, release.RuleIDs, rule.ID)

	// No approved leftovers and nothing stuck on a queue
	approved, err := p.Store.ListRulesByStatus(ctx, model.RuleApproved)
	require.NoError(t, err)
	assert.Empty(t, approved)
	for _, stage := range model.Stages() {
		depth, err := p.Queue.Depth(ctx, stage)
		require.NoError(t, err)
		assert.Zero(t, depth, "stage %s drained", stage)
	}
}

func TestDrainOnceIsIdempotentAcrossRuns(t *testing.T) {
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, "The VAT registration threshold is €85,000 with effect from 2024-01-01.")
	}))
	defer srv.Close()

	catalog := fmt.Sprintf(`
sources:
  - name: Threshold notices
    url: %s/thresholds
    tier: T3
concepts:
  - slug: vat-registration-threshold
    name: VAT registration threshold
    tier: T3
    kind: amount
    keywords: ["registration threshold"]
`, srv.URL)
	cat, err := registry.Parse([]byte(catalog))
	require.NoError(t, err)

	p, err := New(ctx, model.DefaultConfig(), Options{Catalog: cat}, nil)
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.DrainOnce(ctx))
	require.NoError(t, p.DrainOnce(ctx))

	// Just-checked source is not due, so the second pass changes nothing
	releases, err := p.Store.ListReleases(ctx)
	require.NoError(t, err)
	assert.Len(t, releases, 1)

	published, err := p.Store.ListRulesByStatus(ctx, model.RulePublished)
	require.NoError(t, err)
	assert.Len(t, published, 1)
}

func TestCollectOnlyStopsAfterEvidence(t *testing.T) {
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/robots.txt" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, "The VAT registration threshold is €85,000 with effect from 2024-01-01.")
	}))
	defer srv.Close()

	catalog := fmt.Sprintf(`
sources:
  - name: Threshold notices
    url: %s/thresholds
    tier: T3
`, srv.URL)
	cat, err := registry.Parse([]byte(catalog))
	require.NoError(t, err)

	p, err := New(ctx, model.DefaultConfig(), Options{Catalog: cat, CollectOnly: true}, nil)
	require.NoError(t, err)
	defer p.Close()

	require.NoError(t, p.DrainOnce(ctx))

	evidence, err := p.Store.ListEvidenceBySource(ctx, cat.Sources[0].ID)
	require.NoError(t, err)
	assert.Len(t, evidence, 1, "evidence captured")

	drafts, err := p.Store.ListRulesByStatus(ctx, model.RuleDraft)
	require.NoError(t, err)
	assert.Empty(t, drafts, "no downstream work in collect-only mode")
}
