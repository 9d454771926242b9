// Package review scores draft rules and decides their fate: automatic
// approval, the human review queue, or rejection. High-stakes tiers are
// never auto-approved no matter how confident the pipeline is.
package review

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

// TierPolicy holds the confidence thresholds for one risk tier.
// ApproveFloor gates any approval, including a human's; AutoThreshold
// gates unattended approval and only applies when AutoAllowed is set.
type TierPolicy struct {
	ApproveFloor  float64
	AutoThreshold float64
	AutoAllowed   bool
}

// Policies maps each risk tier to its thresholds. T0 and T1 always
// require a human sign-off.
var Policies = map[model.PriorityTier]TierPolicy{
	model.TierT0: {ApproveFloor: 0.99},
	model.TierT1: {ApproveFloor: 0.95},
	model.TierT2: {ApproveFloor: 0.90, AutoThreshold: 0.95, AutoAllowed: true},
	model.TierT3: {ApproveFloor: 0.85, AutoThreshold: 0.90, AutoAllowed: true},
}

// ErrBelowApprovalFloor indicates an approval attempt on a rule whose
// composite confidence is under its tier's floor.
var ErrBelowApprovalFloor = errors.New("review: confidence below tier approval floor")

// Reviewer evaluates one draft rule per message
type Reviewer struct {
	store  store.Store
	logger *slog.Logger

	// ChainDownstream routes conflicted rules to arbitration and
	// enqueues a release pass after an automatic approval
	ChainDownstream bool

	now func() time.Time
}

// New creates a reviewer
func New(st store.Store, logger *slog.Logger) *Reviewer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reviewer{store: st, logger: logger, now: time.Now}
}

// Handle reviews one rule. The payload is the rule id. A rule carrying
// an open conflict is not scored; it is handed to arbitration and
// revisited once the conflict closes.
func (r *Reviewer) Handle(ctx context.Context, payload string) (worker.StageResult, error) {
	ruleID, err := uuid.Parse(payload)
	if err != nil {
		return worker.StageResult{}, fmt.Errorf("parse rule id: %w", err)
	}

	rule, err := r.store.GetRule(ctx, ruleID)
	if err != nil {
		return worker.StageResult{}, fmt.Errorf("load rule: %w", err)
	}
	if rule.Status != model.RuleDraft {
		return worker.StageResult{Outcome: model.OutcomeNoop}, nil
	}

	conflicts, err := r.store.OpenConflictsForRule(ctx, rule.ID)
	if err != nil {
		return worker.StageResult{}, fmt.Errorf("check conflicts: %w", err)
	}
	if len(conflicts) > 0 {
		res := worker.StageResult{Outcome: model.OutcomeSkipped}
		if r.ChainDownstream {
			for _, c := range conflicts {
				res.Next = append(res.Next, queue.NewMessage(model.StageArbitrate, c.ID.String()))
			}
		}
		return res, nil
	}

	pointers, err := r.citations(ctx, rule)
	if err != nil {
		return worker.StageResult{}, err
	}
	if len(pointers) == 0 {
		return worker.StageResult{}, fmt.Errorf("rule %s has no resolvable citations", rule.ID)
	}

	if contradicted(rule, pointers) {
		if err := r.transition(ctx, rule.ID, model.RuleRejected); err != nil {
			return worker.StageResult{}, err
		}
		r.logger.Warn("rejected rule contradicted by its own citations",
			"rule", rule.ID, "concept", rule.ConceptSlug)
		return worker.StageResult{Outcome: model.OutcomeSucceeded}, nil
	}

	conf := r.compositeConfidence(ctx, rule, pointers)
	if err := r.store.UpdateRuleReview(ctx, rule.ID, conf); err != nil {
		return worker.StageResult{}, fmt.Errorf("stamp review: %w", err)
	}

	policy := Policies[rule.RiskTier]
	target := model.RulePendingReview
	if policy.AutoAllowed && conf >= policy.AutoThreshold {
		target = model.RuleApproved
	}
	if err := r.transition(ctx, rule.ID, target); err != nil {
		return worker.StageResult{}, err
	}

	r.logger.Info("reviewed rule",
		"rule", rule.ID, "concept", rule.ConceptSlug, "tier", rule.RiskTier.String(),
		"confidence", conf, "status", string(target))

	res := worker.StageResult{Outcome: model.OutcomeSucceeded, Confidence: conf}
	if target == model.RuleApproved && r.ChainDownstream {
		// An approval is what makes a release worth attempting; the
		// releaser batches whatever is releasable at that point.
		res.Next = append(res.Next, queue.NewMessage(model.StageRelease, rule.ID.String()))
	}
	return res, nil
}

// transition performs the DRAFT CAS; losing the race is not an error,
// someone else already decided the rule.
func (r *Reviewer) transition(ctx context.Context, id uuid.UUID, to model.RuleStatus) error {
	err := r.store.TransitionRule(ctx, id, model.RuleDraft, to)
	if errors.Is(err, store.ErrStaleTransition) {
		r.logger.Debug("rule already transitioned", "rule", id, "target", string(to))
		return nil
	}
	if err != nil {
		return fmt.Errorf("transition rule: %w", err)
	}
	return nil
}

// citations resolves the rule's pointer set
func (r *Reviewer) citations(ctx context.Context, rule model.Rule) ([]model.SourcePointer, error) {
	all, err := r.store.ListPointersByConcept(ctx, rule.ConceptSlug)
	if err != nil {
		return nil, fmt.Errorf("list pointers: %w", err)
	}
	want := make(map[uuid.UUID]bool, len(rule.SourcePointerIDs))
	for _, id := range rule.SourcePointerIDs {
		want[id] = true
	}
	var out []model.SourcePointer
	for _, p := range all {
		if want[p.ID] {
			out = append(out, p)
		}
	}
	return out, nil
}

// contradicted reports whether any citation claims a different value
// than the rule states. A rule that disagrees with its own provenance
// is unsound regardless of confidence.
func contradicted(rule model.Rule, pointers []model.SourcePointer) bool {
	for _, p := range pointers {
		if !p.ClaimedValue.Equal(rule.Value) {
			return true
		}
	}
	return false
}

// compositeConfidence blends extraction confidence with corroboration
// and freshness. Independent sources raise the score; stale evidence
// lowers it.
func (r *Reviewer) compositeConfidence(ctx context.Context, rule model.Rule, pointers []model.SourcePointer) float64 {
	sum := 0.0
	sources := make(map[uuid.UUID]bool)
	newest := time.Time{}
	for _, p := range pointers {
		sum += p.Confidence
		ev, err := r.store.GetEvidence(ctx, p.EvidenceID)
		if err != nil {
			continue
		}
		sources[ev.SourceID] = true
		if ev.FetchedAt.After(newest) {
			newest = ev.FetchedAt
		}
	}
	conf := sum / float64(len(pointers))

	// Each independent corroborating source is worth a nudge
	if extra := len(sources) - 1; extra > 0 {
		bonus := 0.05 * float64(extra)
		if bonus > 0.10 {
			bonus = 0.10
		}
		conf += bonus
	}

	if !newest.IsZero() {
		age := r.now().UTC().Sub(newest)
		switch {
		case age <= 30*24*time.Hour:
			conf += 0.05
		case age > 365*24*time.Hour:
			conf -= 0.10
		}
	}

	if conf > 1 {
		conf = 1
	}
	if conf < 0 {
		conf = 0
	}
	return conf
}

// ApproveManually records a human decision on a PENDING_REVIEW rule.
// The tier's approval floor still applies: a reviewer cannot wave
// through a rule the pipeline could not substantiate.
func ApproveManually(ctx context.Context, st store.Store, ruleID uuid.UUID) error {
	rule, err := st.GetRule(ctx, ruleID)
	if err != nil {
		return err
	}
	if rule.Confidence < Policies[rule.RiskTier].ApproveFloor {
		return fmt.Errorf("%w: tier %s requires %.2f, rule has %.2f",
			ErrBelowApprovalFloor, rule.RiskTier.String(), Policies[rule.RiskTier].ApproveFloor, rule.Confidence)
	}
	return st.TransitionRule(ctx, ruleID, model.RulePendingReview, model.RuleApproved)
}

// RejectManually records a human rejection of a PENDING_REVIEW rule
func RejectManually(ctx context.Context, st store.Store, ruleID uuid.UUID) error {
	return st.TransitionRule(ctx, ruleID, model.RulePendingReview, model.RuleRejected)
}
