// Package collect fetches source endpoints and captures immutable
// evidence snapshots. Evidence creation is decoupled from everything
// downstream: a later extraction failure never invalidates evidence.
package collect

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/regbeacon/regbeacon/internal/metrics"
	"github.com/regbeacon/regbeacon/internal/model"
	"github.com/regbeacon/regbeacon/internal/queue"
	"github.com/regbeacon/regbeacon/internal/store"
	"github.com/regbeacon/regbeacon/internal/worker"
)

// Collector executes one source check: rate-limited fetch, content
// hashing, and append-only evidence capture on change.
type Collector struct {
	store   store.Store
	fetcher *Fetcher
	limiter *DomainLimiter
	robots  *RobotsGate
	breaker Breaker
	metrics *metrics.Metrics
	logger  *slog.Logger

	// ChainDownstream enqueues extraction for new evidence
	// (pipeline mode); false stops after evidence capture.
	ChainDownstream bool

	now func() time.Time
}

// New creates a collector
func New(st store.Store, fetcher *Fetcher, limiter *DomainLimiter, robots *RobotsGate, breaker Breaker, m *metrics.Metrics, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		store:   st,
		fetcher: fetcher,
		limiter: limiter,
		robots:  robots,
		breaker: breaker,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// Handle checks one source. The payload is the source id.
func (c *Collector) Handle(ctx context.Context, payload string) (worker.StageResult, error) {
	sourceID, err := uuid.Parse(payload)
	if err != nil {
		return worker.StageResult{}, fmt.Errorf("parse source id: %w", err)
	}

	src, err := c.store.GetSource(ctx, sourceID)
	if err != nil {
		return worker.StageResult{}, fmt.Errorf("load source: %w", err)
	}

	now := c.now().UTC()

	// Open circuit: skip without a network call
	if c.breaker.Open(src, now) {
		c.logger.Info("circuit open, skipping source", "source", src.Name)
		c.observeFetch("circuit_open")
		return worker.StageResult{Outcome: model.OutcomeSkipped}, nil
	}

	if c.robots != nil {
		allowed, err := c.robots.Allowed(ctx, src.URL)
		if err != nil {
			return worker.StageResult{}, c.recordFailure(ctx, src, now, fmt.Errorf("robots check: %w", err))
		}
		if !allowed {
			// Disallowed by robots.txt is a policy outcome, not a
			// transient failure; retrying would not change it.
			c.logger.Warn("robots.txt disallows source", "source", src.Name, "url", src.URL)
			c.observeFetch("robots_disallowed")
			return worker.StageResult{Outcome: model.OutcomeSkipped}, nil
		}
	}

	release, err := c.limiter.Acquire(ctx, src.URL)
	if err != nil {
		return worker.StageResult{}, fmt.Errorf("rate limit: %w", err)
	}
	defer release()

	result, err := c.fetcher.Fetch(ctx, src.URL)
	if err != nil {
		c.observeFetch("error")
		return worker.StageResult{}, c.recordFailure(ctx, src, now, err)
	}

	hash := model.HashContent(result.Body)
	if hash == src.LastContentHash {
		// Unchanged content: no new evidence, no downstream work
		if err := c.store.MarkSourceChecked(ctx, src.ID, now, ""); err != nil {
			return worker.StageResult{}, fmt.Errorf("mark checked: %w", err)
		}
		c.observeFetch("unchanged")
		return worker.StageResult{Outcome: model.OutcomeNoop}, nil
	}

	ev := model.Evidence{
		ID:          uuid.New(),
		SourceID:    src.ID,
		RawContent:  string(result.Body),
		ContentHash: hash,
		FetchedAt:   now,
		FetchMeta:   result.Meta,
	}

	// Evidence is written before the source bookkeeping so a crash
	// between the two re-checks the source rather than losing the
	// snapshot.
	if err := c.store.InsertEvidence(ctx, ev); err != nil {
		return worker.StageResult{}, fmt.Errorf("insert evidence: %w", err)
	}
	if err := c.store.MarkSourceChecked(ctx, src.ID, now, hash); err != nil {
		return worker.StageResult{}, fmt.Errorf("mark checked: %w", err)
	}

	c.observeFetch("changed")
	c.logger.Info("captured evidence", "source", src.Name, "evidence", ev.ID, "bytes", len(result.Body))

	res := worker.StageResult{Outcome: model.OutcomeSucceeded}
	if c.ChainDownstream {
		res.Next = []queue.Message{queue.NewMessage(model.StageExtract, ev.ID.String())}
	}
	return res, nil
}

// recordFailure bumps the consecutive error counter and opens the
// circuit at the threshold. The original fetch error is returned so
// the runner applies the retry policy.
func (c *Collector) recordFailure(ctx context.Context, src model.Source, now time.Time, cause error) error {
	count, err := c.store.RecordSourceError(ctx, src.ID, now)
	if err != nil {
		return fmt.Errorf("record source error: %w (after: %s)", err, cause)
	}
	if c.breaker.Tripped(count) {
		if err := c.store.OpenSourceCircuit(ctx, src.ID, now); err != nil {
			c.logger.Error("open circuit", "source", src.Name, "error", err)
		} else {
			c.logger.Warn("circuit opened", "source", src.Name, "consecutive_errors", count)
		}
	}
	return cause
}

func (c *Collector) observeFetch(result string) {
	if c.metrics != nil {
		c.metrics.ObserveFetch(result)
	}
}
