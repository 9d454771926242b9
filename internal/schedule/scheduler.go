// Package schedule decides which sources get checked and when. It is
// deliberately dumb about everything downstream: it only enqueues
// collection work, and the stages pull the rest through the queue.
package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/regbeacon/regbeacon/internal/collect"
	"github.com/regbeacon/regbeacon/internal/model"
	"github.com/regbeacon/regbeacon/internal/queue"
	"github.com/regbeacon/regbeacon/internal/store"
)

// Scheduler selects due sources and enqueues collection
type Scheduler struct {
	store   store.Store
	queue   queue.Queue
	breaker collect.Breaker
	logger  *slog.Logger

	maxPerRun int
	now       func() time.Time
}

// New creates a scheduler
func New(st store.Store, q queue.Queue, breaker collect.Breaker, cfg model.SchedulerConfig, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:     st,
		queue:     q,
		breaker:   breaker,
		logger:    logger,
		maxPerRun: cfg.MaxPerRun,
		now:       time.Now,
	}
}

// Tick enqueues one collection message per due source, most critical
// tier first and longest-overdue first within a tier, capped at
// maxPerRun. Sources with an open circuit are left for the breaker's
// half-open probe to pick up once the cooldown passes.
func (s *Scheduler) Tick(ctx context.Context) (int, error) {
	return s.TickTier(ctx, nil)
}

// TickTier is Tick restricted to one priority tier when tier is non-nil
func (s *Scheduler) TickTier(ctx context.Context, tier *model.PriorityTier) (int, error) {
	sources, err := s.store.ListSources(ctx)
	if err != nil {
		return 0, fmt.Errorf("list sources: %w", err)
	}

	now := s.now().UTC()
	var due []model.Source
	for _, src := range sources {
		if tier != nil && src.Tier != *tier {
			continue
		}
		if !src.Due(now) {
			continue
		}
		if s.breaker.Open(src, now) {
			s.logger.Debug("skipping source with open circuit",
				"source", src.ID, "name", src.Name, "errors", src.ConsecutiveErrors)
			continue
		}
		due = append(due, src)
	}

	sort.Slice(due, func(i, j int) bool {
		if due[i].Tier != due[j].Tier {
			return due[i].Tier < due[j].Tier
		}
		return due[i].Overdue(now) > due[j].Overdue(now)
	})
	if s.maxPerRun > 0 && len(due) > s.maxPerRun {
		due = due[:s.maxPerRun]
	}

	for _, src := range due {
		msg := queue.NewMessage(model.StageCollect, src.ID.String())
		if err := s.queue.Enqueue(ctx, msg); err != nil {
			return 0, fmt.Errorf("enqueue source %s: %w", src.ID, err)
		}
		s.logger.Info("scheduled source check",
			"source", src.ID, "name", src.Name, "tier", src.Tier.String(), "overdue", src.Overdue(now))
	}
	return len(due), nil
}

// EnqueueSource forces a check of one source regardless of schedule.
// The circuit breaker still applies at collection time.
func (s *Scheduler) EnqueueSource(ctx context.Context, id uuid.UUID) error {
	if _, err := s.store.GetSource(ctx, id); err != nil {
		return err
	}
	return s.queue.Enqueue(ctx, queue.NewMessage(model.StageCollect, id.String()))
}

// Loop ticks on the configured interval until the context is canceled
func (s *Scheduler) Loop(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := s.Tick(ctx); err != nil {
			s.logger.Error("scheduler tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
