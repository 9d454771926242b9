// Package release publishes approved rules as immutable, versioned
// batches. The version bump is driven by the riskiest tier in the
// batch, so consumers can tell from the version alone whether a
// release touches anything high-stakes.
package release

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"

	"github.com/regbeacon/regbeacon/internal/model"
	"github.com/regbeacon/regbeacon/internal/store"
	"github.com/regbeacon/regbeacon/internal/worker"
)

// initialVersion is the version of the very first release
const initialVersion = "0.1.0"

// Releaser batches approved rules into a published release
type Releaser struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// New creates a releaser
func New(st store.Store, logger *slog.Logger) *Releaser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Releaser{store: st, logger: logger, now: time.Now}
}

// Handle publishes every releasable approved rule. The payload is
// unused; release is a batch operation over the whole approved set.
// Approved rules still tangled in an open conflict are held back.
func (r *Releaser) Handle(ctx context.Context, _ string) (worker.StageResult, error) {
	approved, err := r.store.ListRulesByStatus(ctx, model.RuleApproved)
	if err != nil {
		return worker.StageResult{}, fmt.Errorf("list approved rules: %w", err)
	}

	var releasable []model.Rule
	for _, rule := range approved {
		conflicts, err := r.store.OpenConflictsForRule(ctx, rule.ID)
		if err != nil {
			return worker.StageResult{}, fmt.Errorf("check conflicts: %w", err)
		}
		if len(conflicts) > 0 {
			r.logger.Info("holding rule back from release",
				"rule", rule.ID, "concept", rule.ConceptSlug, "open_conflicts", len(conflicts))
			continue
		}
		releasable = append(releasable, rule)
	}
	if len(releasable) == 0 {
		return worker.StageResult{Outcome: model.OutcomeNoop}, nil
	}

	version, err := r.nextVersion(ctx, releasable)
	if err != nil {
		return worker.StageResult{}, err
	}

	var published []uuid.UUID
	for _, rule := range releasable {
		err := r.store.TransitionRule(ctx, rule.ID, model.RuleApproved, model.RulePublished)
		if errors.Is(err, store.ErrStaleTransition) {
			continue // Lost the race to another releaser
		}
		if err != nil {
			return worker.StageResult{}, fmt.Errorf("publish rule %s: %w", rule.ID, err)
		}
		published = append(published, rule.ID)

		if err := r.deprecateSuperseded(ctx, rule); err != nil {
			return worker.StageResult{}, err
		}
	}
	if len(published) == 0 {
		return worker.StageResult{Outcome: model.OutcomeNoop}, nil
	}

	rel := model.Release{
		ID:         uuid.New(),
		Version:    version,
		ReleasedAt: r.now().UTC(),
		RuleIDs:    published,
	}
	if err := r.store.InsertRelease(ctx, rel); err != nil {
		return worker.StageResult{}, fmt.Errorf("insert release: %w", err)
	}

	r.logger.Info("published release", "version", version, "rules", len(published))
	return worker.StageResult{Outcome: model.OutcomeSucceeded}, nil
}

// nextVersion bumps the latest release version by the riskiest tier in
// the batch: T0 content is a major bump, T1 a minor, everything else a
// patch.
func (r *Releaser) nextVersion(ctx context.Context, batch []model.Rule) (string, error) {
	latest, err := r.store.LatestRelease(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return initialVersion, nil
	}
	if err != nil {
		return "", fmt.Errorf("latest release: %w", err)
	}

	current, err := semver.NewVersion(latest.Version)
	if err != nil {
		return "", fmt.Errorf("parse release version %q: %w", latest.Version, err)
	}

	next := current.IncPatch()
	for _, rule := range batch {
		switch rule.RiskTier {
		case model.TierT0:
			return current.IncMajor().String(), nil
		case model.TierT1:
			next = current.IncMinor()
		}
	}
	return next.String(), nil
}

// deprecateSuperseded retires published rules the new rule replaces.
// This is the only write a published rule ever receives.
func (r *Releaser) deprecateSuperseded(ctx context.Context, newRule model.Rule) error {
	siblings, err := r.store.ListRulesByConcept(ctx, newRule.ConceptSlug)
	if err != nil {
		return fmt.Errorf("list concept rules: %w", err)
	}
	for _, old := range siblings {
		if old.ID == newRule.ID || old.Status != model.RulePublished {
			continue
		}
		if old.SupersededBy == nil || *old.SupersededBy != newRule.ID {
			continue
		}
		err := r.store.TransitionRule(ctx, old.ID, model.RulePublished, model.RuleDeprecated)
		if err != nil && !errors.Is(err, store.ErrStaleTransition) {
			return fmt.Errorf("deprecate rule %s: %w", old.ID, err)
		}
		r.logger.Info("deprecated superseded rule",
			"old", old.ID, "new", newRule.ID, "concept", newRule.ConceptSlug)
	}
	return nil
}
