// Package health condenses pipeline state into a single 0-100 score.
// The score is advisory and deliberately blunt: it exists so an
// operator glancing at one number knows whether to look closer.
package health

import (
	"context"
	"fmt"
	"time"

	"github.com/regbeacon/regbeacon/internal/model"
	"github.com/regbeacon/regbeacon/internal/store"
)

// CriticalBelow is the score under which the pipeline needs attention
const CriticalBelow = 60

// Report is the computed health snapshot
type Report struct {
	Score          int            `json:"score"`
	Critical       bool           `json:"critical"`
	FailureRates   map[string]int `json:"failure_rates_pct"`
	PendingReview  int            `json:"pending_review"`
	OpenConflicts  int            `json:"open_conflicts"`
	OverdueSources int            `json:"overdue_sources"`
	GeneratedAt    time.Time      `json:"generated_at"`
}

// Checker computes health reports from the store
type Checker struct {
	store store.Store
	now   func() time.Time
}

// New creates a health checker
func New(st store.Store) *Checker {
	return &Checker{store: st, now: time.Now}
}

// Check computes the current health report. Deductions: stage failure
// rates over the trailing day, the human review backlog, open
// conflicts, and sources past their check interval.
func (c *Checker) Check(ctx context.Context) (Report, error) {
	now := c.now().UTC()
	rep := Report{
		Score:        100,
		FailureRates: make(map[string]int),
		GeneratedAt:  now,
	}

	since := now.Add(-24 * time.Hour)
	for _, stage := range model.Stages() {
		total, failed, err := c.store.StageStats(ctx, stage, since)
		if err != nil {
			return Report{}, fmt.Errorf("stage stats: %w", err)
		}
		if total == 0 {
			continue
		}
		pct := failed * 100 / total
		rep.FailureRates[string(stage)] = pct
		// Up to 10 points per failing stage
		rep.Score -= min(pct/10, 10)
	}

	pending, err := c.store.CountRulesByStatus(ctx, model.RulePendingReview)
	if err != nil {
		return Report{}, fmt.Errorf("count pending: %w", err)
	}
	rep.PendingReview = pending
	rep.Score -= min(pending*2, 20)

	conflicts, err := c.store.ListConflictsByStatus(ctx, model.ConflictOpen)
	if err != nil {
		return Report{}, fmt.Errorf("list conflicts: %w", err)
	}
	rep.OpenConflicts = len(conflicts)
	rep.Score -= min(len(conflicts)*5, 20)

	sources, err := c.store.ListSources(ctx)
	if err != nil {
		return Report{}, fmt.Errorf("list sources: %w", err)
	}
	for _, src := range sources {
		if src.Overdue(now) > src.ScrapeInterval {
			rep.OverdueSources++
		}
	}
	rep.Score -= min(rep.OverdueSources*3, 15)

	if rep.Score < 0 {
		rep.Score = 0
	}
	rep.Critical = rep.Score < CriticalBelow
	return rep, nil
}
