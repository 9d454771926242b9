// Package compose groups source pointers by concept and effective
// window and synthesizes rule candidates. Overlapping windows that
// disagree on value become conflicts instead of silently picking a
// winner. Composition is idempotent: re-running on an unchanged
// pointer set creates no new rules and no duplicate conflicts.
package compose

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/regbeacon/regbeacon/internal/model"
	"github.com/regbeacon/regbeacon/internal/queue"
	"github.com/regbeacon/regbeacon/internal/store"
	"github.com/regbeacon/regbeacon/internal/worker"
)

// Composer builds rule candidates for one concept at a time
type Composer struct {
	store    store.Store
	taxonomy *model.Taxonomy
	logger   *slog.Logger

	// ChainDownstream enqueues review/arbitration for touched rules
	ChainDownstream bool

	now func() time.Time
}

// New creates a composer
func New(st store.Store, taxonomy *model.Taxonomy, logger *slog.Logger) *Composer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Composer{store: st, taxonomy: taxonomy, logger: logger, now: time.Now}
}

// candidate is one window's synthesized rule input
type candidate struct {
	value      model.RuleValue
	from       time.Time
	until      *time.Time
	pointerIDs []uuid.UUID
	confidence float64 // Primary pointer's extraction confidence
}

// Handle composes rules for one concept. The payload is the concept
// slug. Composition holds the concept's exclusive claim for its whole
// duration; work across concepts stays fully parallel.
func (c *Composer) Handle(ctx context.Context, payload string) (worker.StageResult, error) {
	slug := payload

	release, err := c.store.AcquireConcept(ctx, slug)
	if err != nil {
		return worker.StageResult{}, fmt.Errorf("acquire concept %q: %w", slug, err)
	}
	defer release()

	pointers, err := c.store.ListPointersByConcept(ctx, slug)
	if err != nil {
		return worker.StageResult{}, fmt.Errorf("list pointers: %w", err)
	}
	if len(pointers) == 0 {
		return worker.StageResult{Outcome: model.OutcomeNoop}, nil
	}

	candidates := c.partition(pointers)

	var touched []model.Rule
	changed := false
	for _, cand := range candidates {
		rule, didChange, err := c.upsertRule(ctx, slug, cand)
		if err != nil {
			return worker.StageResult{}, err
		}
		touched = append(touched, rule)
		changed = changed || didChange
	}

	newConflicts, err := c.flagConflicts(ctx, slug)
	if err != nil {
		return worker.StageResult{}, err
	}
	changed = changed || len(newConflicts) > 0

	if !changed {
		return worker.StageResult{Outcome: model.OutcomeNoop}, nil
	}

	res := worker.StageResult{Outcome: model.OutcomeSucceeded}
	if c.ChainDownstream {
		for _, rule := range touched {
			if rule.Status == model.RuleDraft {
				res.Next = append(res.Next, queue.NewMessage(model.StageReview, rule.ID.String()))
			}
		}
		for _, conflict := range newConflicts {
			res.Next = append(res.Next, queue.NewMessage(model.StageArbitrate, conflict.ID.String()))
		}
	}
	return res, nil
}

// partition groups pointers by declared effective window and claimed
// value. Pointers that agree corroborate one candidate, with the
// highest-confidence pointer as primary; pointers that disagree on the
// same window become separate candidates, so the disagreement surfaces
// as a conflict instead of being averaged away.
func (c *Composer) partition(pointers []model.SourcePointer) []candidate {
	byWindow := make(map[string][]model.SourcePointer)
	var order []string
	for _, p := range pointers {
		key := p.WindowKey() + "|" + p.ClaimedValue.Key()
		if _, seen := byWindow[key]; !seen {
			order = append(order, key)
		}
		byWindow[key] = append(byWindow[key], p)
	}
	sort.Strings(order)

	var out []candidate
	for _, key := range order {
		group := byWindow[key]
		primary := group[0]
		for _, p := range group[1:] {
			if p.Confidence > primary.Confidence {
				primary = p
			}
		}

		ids := make([]uuid.UUID, len(group))
		for i, p := range group {
			ids[i] = p.ID
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })

		out = append(out, candidate{
			value:      primary.ClaimedValue,
			from:       primary.EffectiveFrom,
			until:      primary.EffectiveUntil,
			pointerIDs: ids,
			confidence: primary.Confidence,
		})
	}
	return out
}

// upsertRule creates a DRAFT rule for the candidate or refreshes the
// provenance of the existing one. The fingerprint carries concept,
// window and value, so an unchanged candidate is a no-op.
func (c *Composer) upsertRule(ctx context.Context, slug string, cand candidate) (model.Rule, bool, error) {
	fingerprint := model.RuleFingerprint(slug, cand.from, cand.until, cand.value)

	existing, err := c.store.GetRuleByFingerprint(ctx, fingerprint)
	switch {
	case err == nil:
		if existing.Status == model.RuleDraft && !samePointerSet(existing.SourcePointerIDs, cand.pointerIDs) {
			if err := c.store.UpdateRulePointers(ctx, existing.ID, cand.pointerIDs); err != nil {
				return model.Rule{}, false, fmt.Errorf("update rule pointers: %w", err)
			}
			existing.SourcePointerIDs = cand.pointerIDs
			return existing, true, nil
		}
		return existing, false, nil

	case errors.Is(err, store.ErrNotFound):
		now := c.now().UTC()
		rule := model.Rule{
			ID:               uuid.New(),
			ConceptSlug:      slug,
			Value:            cand.value,
			EffectiveFrom:    cand.from,
			EffectiveUntil:   cand.until,
			Status:           model.RuleDraft,
			RiskTier:         c.taxonomy.RiskTier(slug),
			Confidence:       cand.confidence,
			SourcePointerIDs: cand.pointerIDs,
			Fingerprint:      fingerprint,
			CreatedAt:        now,
			UpdatedAt:        now,
		}
		if err := c.store.InsertRule(ctx, rule); err != nil {
			return model.Rule{}, false, fmt.Errorf("insert rule: %w", err)
		}
		c.logger.Info("drafted rule", "concept", slug, "value", rule.Value.String(), "rule", rule.ID)
		return rule, true, nil

	default:
		return model.Rule{}, false, fmt.Errorf("lookup rule: %w", err)
	}
}

// flagConflicts scans the concept's live rules pairwise and opens a
// conflict for every overlapping window that disagrees on value.
func (c *Composer) flagConflicts(ctx context.Context, slug string) ([]model.Conflict, error) {
	rules, err := c.store.ListRulesByConcept(ctx, slug)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}

	var live []model.Rule
	for _, r := range rules {
		switch r.Status {
		case model.RuleRejected, model.RuleDeprecated:
		default:
			live = append(live, r)
		}
	}

	var created []model.Conflict
	for i := 0; i < len(live); i++ {
		for j := i + 1; j < len(live); j++ {
			a, b := live[i], live[j]
			if !a.OverlapsWindow(b) || a.Value.Equal(b.Value) {
				continue
			}

			pair := []uuid.UUID{a.ID, b.ID}
			if _, err := c.store.FindOpenConflictForRules(ctx, pair); err == nil {
				continue // Already flagged
			} else if !errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("find conflict: %w", err)
			}

			conflict := model.Conflict{
				ID:          uuid.New(),
				ConceptSlug: slug,
				RuleIDs:     pair,
				Status:      model.ConflictOpen,
				CreatedAt:   c.now().UTC(),
			}
			if err := c.store.InsertConflict(ctx, conflict); err != nil {
				return nil, fmt.Errorf("insert conflict: %w", err)
			}
			c.logger.Warn("flagged conflict",
				"concept", slug, "rule_a", a.ID, "value_a", a.Value.String(),
				"rule_b", b.ID, "value_b", b.Value.String())
			created = append(created, conflict)
		}
	}
	return created, nil
}

func samePointerSet(a, b []uuid.UUID) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[uuid.UUID]bool, len(a))
	for _, id := range a {
		seen[id] = true
	}
	for _, id := range b {
		if !seen[id] {
			return false
		}
	}
	return true
}
