// Package arbiter settles conflicts between rule candidates. The only
// resolution it applies on its own is supersession by time order: a
// later-declared window truncates an earlier open one, the same way a
// newer regulation supersedes the one it replaces. Everything else is
// escalated to a human, because confidence is evidence of extraction
// quality, not of which regulation actually governs.
package arbiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/regbeacon/regbeacon/internal/model"
	"github.com/regbeacon/regbeacon/internal/queue"
	"github.com/regbeacon/regbeacon/internal/store"
	"github.com/regbeacon/regbeacon/internal/worker"
)

// Arbiter resolves one conflict per message
type Arbiter struct {
	store  store.Store
	logger *slog.Logger

	// ChainDownstream re-enqueues review for surviving drafts and a
	// release pass after a resolution, since a resolved conflict may
	// free an approved rule the releaser was holding back
	ChainDownstream bool

	now func() time.Time
}

// New creates an arbiter
func New(st store.Store, logger *slog.Logger) *Arbiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Arbiter{store: st, logger: logger, now: time.Now}
}

// Handle arbitrates one conflict. The payload is the conflict id.
func (a *Arbiter) Handle(ctx context.Context, payload string) (worker.StageResult, error) {
	conflictID, err := uuid.Parse(payload)
	if err != nil {
		return worker.StageResult{}, fmt.Errorf("parse conflict id: %w", err)
	}

	conflict, err := a.store.GetConflict(ctx, conflictID)
	if err != nil {
		return worker.StageResult{}, fmt.Errorf("load conflict: %w", err)
	}
	if conflict.Status != model.ConflictOpen {
		return worker.StageResult{Outcome: model.OutcomeNoop}, nil
	}
	if conflict.Escalated {
		// Already waiting on a human; nothing automatic to do
		return worker.StageResult{Outcome: model.OutcomeSkipped}, nil
	}

	rules, err := a.loadRules(ctx, conflict)
	if err != nil {
		return worker.StageResult{}, err
	}

	var live []model.Rule
	for _, r := range rules {
		switch r.Status {
		case model.RuleRejected, model.RuleDeprecated:
		default:
			live = append(live, r)
		}
	}
	if len(live) < 2 {
		// A candidate was withdrawn; the disagreement is moot
		if err := a.store.ResolveConflict(ctx, conflict.ID, model.ResolutionMerge,
			"candidate withdrawn before arbitration", a.now().UTC()); err != nil && !errors.Is(err, store.ErrStaleTransition) {
			return worker.StageResult{}, fmt.Errorf("resolve conflict: %w", err)
		}
		res := worker.StageResult{Outcome: model.OutcomeSucceeded}
		if a.ChainDownstream {
			res.Next = append(res.Next, queue.NewMessage(model.StageRelease, conflict.ID.String()))
		}
		return res, nil
	}

	earlier, later, ok := timeOrdered(live)
	if !ok {
		return a.escalate(ctx, conflict, live, "candidates declare the same effective start")
	}

	return a.supersede(ctx, conflict, earlier, later)
}

// supersede lets the later-starting rule govern from its start date.
// Time order beats confidence here: a newer declared window wins the
// overlap even when extracted with lower confidence.
func (a *Arbiter) supersede(ctx context.Context, conflict model.Conflict, earlier, later model.Rule) (worker.StageResult, error) {
	switch earlier.Status {
	case model.RuleDraft:
		if err := a.store.TruncateRuleWindow(ctx, earlier.ID, later.EffectiveFrom); err != nil {
			return worker.StageResult{}, fmt.Errorf("truncate rule window: %w", err)
		}

	case model.RulePublished:
		// Published rules are immutable: record the supersession and
		// let the release that publishes the later rule deprecate it.
		if err := a.store.SetRuleSuperseded(ctx, earlier.ID, later.ID); err != nil {
			return worker.StageResult{}, fmt.Errorf("mark superseded: %w", err)
		}

	default:
		// PENDING_REVIEW or APPROVED: a human or the releaser is
		// already involved, so a silent rewrite is off the table.
		return a.escalate(ctx, conflict, []model.Rule{earlier, later},
			fmt.Sprintf("earlier candidate is %s", earlier.Status))
	}

	note := fmt.Sprintf("rule %s superseded from %s by rule %s",
		earlier.ID, later.EffectiveFrom.Format("2006-01-02"), later.ID)
	if err := a.store.ResolveConflict(ctx, conflict.ID, model.ResolutionSupersede, note, a.now().UTC()); err != nil {
		if errors.Is(err, store.ErrStaleTransition) {
			return worker.StageResult{Outcome: model.OutcomeNoop}, nil
		}
		return worker.StageResult{}, fmt.Errorf("resolve conflict: %w", err)
	}

	a.logger.Info("resolved conflict by supersession",
		"conflict", conflict.ID, "concept", conflict.ConceptSlug,
		"earlier", earlier.ID, "later", later.ID, "boundary", later.EffectiveFrom)

	res := worker.StageResult{Outcome: model.OutcomeSucceeded}
	if a.ChainDownstream {
		for _, r := range []model.Rule{earlier, later} {
			if r.Status == model.RuleDraft {
				res.Next = append(res.Next, queue.NewMessage(model.StageReview, r.ID.String()))
			}
		}
		res.Next = append(res.Next, queue.NewMessage(model.StageRelease, conflict.ID.String()))
	}
	return res, nil
}

// escalate flags the conflict for a mandatory human decision and parks
// the contained drafts in the review queue so they cannot auto-approve.
func (a *Arbiter) escalate(ctx context.Context, conflict model.Conflict, rules []model.Rule, reason string) (worker.StageResult, error) {
	if err := a.store.MarkConflictEscalated(ctx, conflict.ID, reason); err != nil {
		return worker.StageResult{}, fmt.Errorf("escalate conflict: %w", err)
	}
	for _, r := range rules {
		if r.Status != model.RuleDraft {
			continue
		}
		err := a.store.TransitionRule(ctx, r.ID, model.RuleDraft, model.RulePendingReview)
		if err != nil && !errors.Is(err, store.ErrStaleTransition) {
			return worker.StageResult{}, fmt.Errorf("park rule for review: %w", err)
		}
	}
	a.logger.Warn("escalated conflict",
		"conflict", conflict.ID, "concept", conflict.ConceptSlug, "reason", reason)
	return worker.StageResult{Outcome: model.OutcomeSucceeded}, nil
}

func (a *Arbiter) loadRules(ctx context.Context, conflict model.Conflict) ([]model.Rule, error) {
	rules := make([]model.Rule, 0, len(conflict.RuleIDs))
	for _, id := range conflict.RuleIDs {
		r, err := a.store.GetRule(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load rule %s: %w", id, err)
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// timeOrdered returns the pair ordered by effective start, or ok=false
// when the candidates start together and no time order exists.
func timeOrdered(rules []model.Rule) (earlier, later model.Rule, ok bool) {
	earlier, later = rules[0], rules[1]
	for _, r := range rules[2:] {
		if r.EffectiveFrom.After(later.EffectiveFrom) {
			later = r
		}
		if r.EffectiveFrom.Before(earlier.EffectiveFrom) {
			earlier = r
		}
	}
	if later.EffectiveFrom.Before(earlier.EffectiveFrom) {
		earlier, later = later, earlier
	}
	if earlier.EffectiveFrom.Equal(later.EffectiveFrom) {
		return earlier, later, false
	}
	return earlier, later, true
}

// ResolveManually records a human resolution. Supersession applies the
// same truncation the automatic path would; merge and escalate-close
// only record the decision, the human has already restated the rules.
func ResolveManually(ctx context.Context, st store.Store, conflictID uuid.UUID, resolution model.Resolution, note string, now time.Time) error {
	conflict, err := st.GetConflict(ctx, conflictID)
	if err != nil {
		return err
	}
	if conflict.Status != model.ConflictOpen {
		return store.ErrStaleTransition
	}
	switch resolution {
	case model.ResolutionSupersede, model.ResolutionMerge, model.ResolutionEscalate:
	default:
		return fmt.Errorf("unknown resolution %q", resolution)
	}
	return st.ResolveConflict(ctx, conflictID, resolution, note, now.UTC())
}
