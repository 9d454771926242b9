// Package registry loads the source catalog and concept taxonomy from
// YAML files and seeds the store with them. The catalog is declarative
// operator input; everything the pipeline learns about a source at
// runtime (hashes, error counters, circuit state) lives in the store.
package registry

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/regbeacon/regbeacon/internal/model"
	"github.com/regbeacon/regbeacon/internal/store"
)

type sourceEntry struct {
	ID             string        `yaml:"id"`
	Name           string        `yaml:"name"`
	URL            string        `yaml:"url"`
	ContentType    string        `yaml:"content_type"`
	Tier           string        `yaml:"tier"`
	ScrapeInterval time.Duration `yaml:"scrape_interval"`
}

type conceptEntry struct {
	Slug     string   `yaml:"slug"`
	Name     string   `yaml:"name"`
	Tier     string   `yaml:"tier"`
	Kind     string   `yaml:"kind"`
	Keywords []string `yaml:"keywords"`
	Choices  []string `yaml:"choices"`
}

type catalogFile struct {
	Sources  []sourceEntry  `yaml:"sources"`
	Concepts []conceptEntry `yaml:"concepts"`
}

// Catalog is the parsed operator-provided configuration
type Catalog struct {
	Sources  []model.Source
	Taxonomy *model.Taxonomy
}

// Load reads a catalog YAML file. Sources without an explicit interval
// get their tier's default; sources without an id get a deterministic
// one derived from the URL so re-seeding never duplicates them.
func Load(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(raw)
}

// Parse parses catalog YAML
func Parse(raw []byte) (*Catalog, error) {
	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	cat := &Catalog{}
	for i, entry := range file.Sources {
		src, err := entry.toSource()
		if err != nil {
			return nil, fmt.Errorf("source %d (%s): %w", i, entry.Name, err)
		}
		cat.Sources = append(cat.Sources, src)
	}

	var concepts []model.Concept
	for i, entry := range file.Concepts {
		c, err := entry.toConcept()
		if err != nil {
			return nil, fmt.Errorf("concept %d (%s): %w", i, entry.Slug, err)
		}
		concepts = append(concepts, c)
	}
	if len(concepts) == 0 {
		concepts = DefaultConcepts()
	}
	cat.Taxonomy = model.NewTaxonomy(concepts)
	return cat, nil
}

func (e sourceEntry) toSource() (model.Source, error) {
	if e.URL == "" {
		return model.Source{}, fmt.Errorf("url is required")
	}
	tier, ok := model.ParseTier(e.Tier)
	if !ok && e.Tier != "" {
		return model.Source{}, fmt.Errorf("unknown tier %q", e.Tier)
	}

	id := uuid.NewSHA1(uuid.NameSpaceURL, []byte(e.URL))
	if e.ID != "" {
		parsed, err := uuid.Parse(e.ID)
		if err != nil {
			return model.Source{}, fmt.Errorf("parse id: %w", err)
		}
		id = parsed
	}

	interval := e.ScrapeInterval
	if interval <= 0 {
		interval = tier.ScrapeInterval()
	}
	return model.Source{
		ID:             id,
		Name:           e.Name,
		URL:            e.URL,
		ContentType:    e.ContentType,
		Tier:           tier,
		ScrapeInterval: interval,
	}, nil
}

func (e conceptEntry) toConcept() (model.Concept, error) {
	if e.Slug == "" {
		return model.Concept{}, fmt.Errorf("slug is required")
	}
	tier, ok := model.ParseTier(e.Tier)
	if !ok && e.Tier != "" {
		return model.Concept{}, fmt.Errorf("unknown tier %q", e.Tier)
	}
	kind := model.ValueKind(e.Kind)
	switch kind {
	case model.ValueAmount, model.ValueRate, model.ValueDate, model.ValueChoice:
	default:
		return model.Concept{}, fmt.Errorf("unknown kind %q", e.Kind)
	}

	keywords := make([]string, 0, len(e.Keywords))
	for _, kw := range e.Keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" {
			keywords = append(keywords, kw)
		}
	}
	if len(keywords) == 0 {
		return model.Concept{}, fmt.Errorf("at least one keyword is required")
	}
	return model.Concept{
		Slug:     e.Slug,
		Name:     e.Name,
		Tier:     tier,
		Kind:     kind,
		Keywords: keywords,
		Choices:  e.Choices,
	}, nil
}

// Seed upserts the catalog's sources into the store. Runtime state on
// existing sources survives because UpsertSource preserves it.
func Seed(ctx context.Context, st store.Store, cat *Catalog) error {
	for _, src := range cat.Sources {
		if err := st.UpsertSource(ctx, src); err != nil {
			return fmt.Errorf("seed source %s: %w", src.Name, err)
		}
	}
	return nil
}

// DefaultConcepts is the built-in taxonomy used when the catalog
// declares none.
func DefaultConcepts() []model.Concept {
	return []model.Concept{
		{
			Slug:     "vat-registration-threshold",
			Name:     "VAT registration threshold",
			Tier:     model.TierT0,
			Kind:     model.ValueAmount,
			Keywords: []string{"vat registration threshold", "registration threshold"},
		},
		{
			Slug:     "standard-vat-rate",
			Name:     "Standard VAT rate",
			Tier:     model.TierT1,
			Kind:     model.ValueRate,
			Keywords: []string{"standard vat rate", "standard rate of vat"},
		},
		{
			Slug:     "reduced-vat-rate",
			Name:     "Reduced VAT rate",
			Tier:     model.TierT2,
			Kind:     model.ValueRate,
			Keywords: []string{"reduced vat rate", "reduced rate of vat"},
		},
		{
			Slug:     "corporate-filing-deadline",
			Name:     "Corporate tax filing deadline",
			Tier:     model.TierT1,
			Kind:     model.ValueDate,
			Keywords: []string{"filing deadline", "corporate tax return", "must be filed"},
		},
		{
			Slug:     "invoice-retention-period",
			Name:     "Invoice retention period",
			Tier:     model.TierT3,
			Kind:     model.ValueChoice,
			Keywords: []string{"retention period", "retain invoices", "keep invoices"},
			Choices:  []string{"5 years", "7 years", "10 years"},
		},
	}
}
