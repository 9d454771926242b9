package registry

import (
	"context"
	"testing"
	"time"

	"github.com/regbeacon/regbeacon/internal/model"
	"github.com/regbeacon/regbeacon/internal/store"
)

const catalogYAML = `
sources:
  - name: National Gazette
    url: https://gazette.example.org/vat
    tier: T0
  - name: Agency FAQ
    url: https://tax.example.org/faq
    tier: T2
    content_type: text/html
    scrape_interval: 48h
concepts:
  - slug: standard-vat-rate
    name: Standard VAT rate
    tier: T1
    kind: rate
    keywords: ["Standard VAT Rate", "  standard rate of vat  "]
`

func TestParseCatalog(t *testing.T) {
	cat, err := Parse([]byte(catalogYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(cat.Sources) != 2 {
		t.Fatalf("sources = %d, want 2", len(cat.Sources))
	}

	gazette := cat.Sources[0]
	if gazette.Tier != model.TierT0 {
		t.Errorf("tier = %v, want T0", gazette.Tier)
	}
	if gazette.ScrapeInterval != 24*time.Hour {
		t.Errorf("interval = %v, want the T0 default", gazette.ScrapeInterval)
	}

	faq := cat.Sources[1]
	if faq.ScrapeInterval != 48*time.Hour {
		t.Errorf("interval = %v, want explicit 48h", faq.ScrapeInterval)
	}

	if got := cat.Taxonomy.RiskTier("standard-vat-rate"); got != model.TierT1 {
		t.Errorf("taxonomy tier = %v, want T1", got)
	}
}

func TestParseNormalizesKeywords(t *testing.T) {
	cat, err := Parse([]byte(catalogYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	concept, ok := cat.Taxonomy.Lookup("standard-vat-rate")
	if !ok {
		t.Fatal("concept missing from taxonomy")
	}
	want := []string{"standard vat rate", "standard rate of vat"}
	if len(concept.Keywords) != len(want) {
		t.Fatalf("keywords = %v", concept.Keywords)
	}
	for i, kw := range concept.Keywords {
		if kw != want[i] {
			t.Errorf("keyword %d = %q, want %q", i, kw, want[i])
		}
	}
}

func TestSourceIDsAreDeterministic(t *testing.T) {
	first, err := Parse([]byte(catalogYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	second, err := Parse([]byte(catalogYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if first.Sources[0].ID != second.Sources[0].ID {
		t.Error("re-parsing must yield the same source id")
	}
	if first.Sources[0].ID == first.Sources[1].ID {
		t.Error("distinct urls must yield distinct ids")
	}
}

func TestParseRejectsBadEntries(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"missing url", "sources:\n  - name: nameless\n    tier: T1\n"},
		{"unknown tier", "sources:\n  - url: https://x.example.org\n    tier: T9\n"},
		{"unknown kind", "concepts:\n  - slug: x\n    tier: T1\n    kind: fraction\n    keywords: [x]\n"},
		{"no keywords", "concepts:\n  - slug: x\n    tier: T1\n    kind: rate\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := Parse([]byte(tc.yaml)); err == nil {
				t.Error("expected parse error")
			}
		})
	}
}

func TestEmptyConceptListFallsBackToDefaults(t *testing.T) {
	cat, err := Parse([]byte("sources: []\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if _, ok := cat.Taxonomy.Lookup("vat-registration-threshold"); !ok {
		t.Error("default taxonomy missing built-in concept")
	}
}

func TestSeedIsIdempotent(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemory()
	cat, err := Parse([]byte(catalogYAML))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}

	if err := Seed(ctx, st, cat); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// Runtime state recorded between seeds must survive a re-seed
	id := cat.Sources[0].ID
	if err := st.MarkSourceChecked(ctx, id, time.Now().UTC(), "abc123"); err != nil {
		t.Fatalf("mark checked: %v", err)
	}
	if err := Seed(ctx, st, cat); err != nil {
		t.Fatalf("re-seed: %v", err)
	}

	src, err := st.GetSource(ctx, id)
	if err != nil {
		t.Fatalf("get source: %v", err)
	}
	if src.LastContentHash != "abc123" {
		t.Errorf("hash = %q, runtime state lost on re-seed", src.LastContentHash)
	}

	all, err := st.ListSources(ctx)
	if err != nil {
		t.Fatalf("list sources: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("sources = %d, want 2", len(all))
	}
}
