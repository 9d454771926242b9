package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/regbeacon/regbeacon/internal/metrics"
	"github.com/regbeacon/regbeacon/internal/model"
	"github.com/regbeacon/regbeacon/internal/queue"
	"github.com/regbeacon/regbeacon/internal/store"
)

// Runner drives all stage worker pools over one queue backend
type Runner struct {
	queue       queue.Queue
	store       store.Store
	handlers    map[model.Stage]Handler
	workers     int
	maxAttempts int
	backoff     BackoffPolicy
	metrics     *metrics.Metrics
	logger      *slog.Logger
	now         func() time.Time
	sleep       func(ctx context.Context, d time.Duration) error
}

// NewRunner creates a runner with the given stage handlers
func NewRunner(q queue.Queue, st store.Store, handlers map[model.Stage]Handler, workers, maxAttempts int, backoff BackoffPolicy, m *metrics.Metrics, logger *slog.Logger) *Runner {
	if workers <= 0 {
		workers = 1
	}
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		queue:       q,
		store:       st,
		handlers:    handlers,
		workers:     workers,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		metrics:     m,
		logger:      logger,
		now:         time.Now,
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}

// Run blocks draining all stage queues until the context is done
func (r *Runner) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for stage := range r.handlers {
		stage := stage
		for i := 0; i < r.workers; i++ {
			g.Go(func() error {
				return r.consume(ctx, stage)
			})
		}
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}

func (r *Runner) consume(ctx context.Context, stage model.Stage) error {
	for {
		msg, err := r.queue.Dequeue(ctx, stage)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("dequeue %s: %w", stage, err)
		}
		r.Process(ctx, msg)
	}
}

// Process executes one message: AgentRun bookkeeping, the stage
// handler, downstream chaining, and the retry/dead-letter policy.
// Exported so the single-shot drain loop can reuse it.
func (r *Runner) Process(ctx context.Context, msg queue.Message) {
	handler, ok := r.handlers[msg.Stage]
	if !ok {
		r.logger.Error("no handler for stage", "stage", msg.Stage)
		_ = r.queue.Park(ctx, msg, "no handler registered")
		return
	}

	run := model.AgentRun{
		ID:        uuid.New(),
		Stage:     msg.Stage,
		InputID:   msg.Payload,
		StartedAt: r.now().UTC(),
	}
	if err := r.store.StartRun(ctx, run); err != nil {
		r.logger.Error("start run", "stage", msg.Stage, "error", err)
	}

	result, err := handler.Handle(ctx, msg.Payload)
	completed := r.now().UTC()

	if err != nil {
		if cErr := r.store.CompleteRun(ctx, run.ID, model.OutcomeFailed, 0, err.Error(), completed); cErr != nil {
			r.logger.Error("complete run", "stage", msg.Stage, "error", cErr)
		}
		if r.metrics != nil {
			r.metrics.ObserveRun(string(msg.Stage), string(model.OutcomeFailed))
		}
		r.retryOrPark(ctx, msg, err)
		return
	}

	if err := r.store.CompleteRun(ctx, run.ID, result.Outcome, result.Confidence, "", completed); err != nil {
		r.logger.Error("complete run", "stage", msg.Stage, "error", err)
	}
	if r.metrics != nil {
		r.metrics.ObserveRun(string(msg.Stage), string(result.Outcome))
	}

	for _, next := range result.Next {
		if err := r.queue.Enqueue(ctx, next); err != nil {
			r.logger.Error("enqueue downstream", "stage", next.Stage, "error", err)
		}
	}
}

// retryOrPark re-enqueues with backoff until the attempt budget is
// spent, then dead-letters the message for manual inspection.
func (r *Runner) retryOrPark(ctx context.Context, msg queue.Message, cause error) {
	if msg.Attempt >= r.maxAttempts {
		r.logger.Warn("dead-lettering message",
			"stage", msg.Stage, "payload", msg.Payload, "attempts", msg.Attempt, "error", cause)
		if err := r.queue.Park(ctx, msg, cause.Error()); err != nil {
			r.logger.Error("park message", "stage", msg.Stage, "error", err)
		}
		if r.metrics != nil {
			r.metrics.ObserveDeadLetter(string(msg.Stage))
		}
		return
	}

	retry := msg.Retry()
	delay := r.backoff.Delay(retry.Attempt)
	r.logger.Info("retrying message",
		"stage", msg.Stage, "payload", msg.Payload, "attempt", retry.Attempt, "delay", delay)

	go func() {
		if err := r.sleep(ctx, delay); err != nil {
			return
		}
		if err := r.queue.Enqueue(ctx, retry); err != nil {
			r.logger.Error("re-enqueue", "stage", retry.Stage, "error", err)
		}
	}()
}
