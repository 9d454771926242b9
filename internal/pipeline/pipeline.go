// Package pipeline assembles the configured store, queue and stage
// handlers into one runnable unit. The CLI commands stay thin: they
// build a Pipeline and decide whether it drains once or serves forever.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/regbeacon/regbeacon/internal/arbiter"
	"github.com/regbeacon/regbeacon/internal/collect"
	"github.com/regbeacon/regbeacon/internal/compose"
	"github.com/regbeacon/regbeacon/internal/extract"
	"github.com/regbeacon/regbeacon/internal/health"
	"github.com/regbeacon/regbeacon/internal/metrics"
	"github.com/regbeacon/regbeacon/internal/model"
	"github.com/regbeacon/regbeacon/internal/queue"
	"github.com/regbeacon/regbeacon/internal/registry"
	"github.com/regbeacon/regbeacon/internal/release"
	"github.com/regbeacon/regbeacon/internal/review"
	"github.com/regbeacon/regbeacon/internal/schedule"
	"github.com/regbeacon/regbeacon/internal/store"
	"github.com/regbeacon/regbeacon/internal/worker"
)

// Pipeline is the fully wired processing graph
type Pipeline struct {
	Cfg      *model.Config
	Store    store.Store
	Queue    queue.Queue
	Runner   *worker.Runner
	Sched    *schedule.Scheduler
	Checker  *health.Checker
	Taxonomy *model.Taxonomy
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	closers []func()
}

// Options tweak assembly beyond what Config carries
type Options struct {
	// Catalog is the parsed source/concept catalog; nil uses the
	// built-in taxonomy and seeds no sources.
	Catalog *registry.Catalog

	// CollectOnly stops the chain after evidence capture
	CollectOnly bool

	// Metrics registers prometheus collectors; leave nil in tests to
	// avoid duplicate registration on the default registry.
	Metrics *metrics.Metrics
}

// New builds a pipeline from configuration
func New(ctx context.Context, cfg *model.Config, opts Options, logger *slog.Logger) (*Pipeline, error) {
	if logger == nil {
		logger = slog.Default()
	}

	p := &Pipeline{Cfg: cfg, Metrics: opts.Metrics, Logger: logger}

	st, err := buildStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}
	p.Store = st
	if closer, ok := st.(interface{ Close() }); ok {
		p.closers = append(p.closers, closer.Close)
	}

	q, err := buildQueue(ctx, cfg.Queue)
	if err != nil {
		p.Close()
		return nil, err
	}
	p.Queue = q
	if closer, ok := q.(interface{ Close() error }); ok {
		p.closers = append(p.closers, func() { _ = closer.Close() })
	}

	p.Taxonomy = model.NewTaxonomy(registry.DefaultConcepts())
	if opts.Catalog != nil {
		p.Taxonomy = opts.Catalog.Taxonomy
		if err := registry.Seed(ctx, st, opts.Catalog); err != nil {
			p.Close()
			return nil, err
		}
	}

	chain := !opts.CollectOnly && !cfg.Scheduler.CollectOnly

	breaker := collect.NewBreaker(cfg.Limits.BreakerThreshold, cfg.Limits.BreakerCooldown)
	collector := collect.New(st,
		collect.NewFetcher(cfg.HTTP),
		collect.NewDomainLimiter(cfg.Limits.RequestsPerMinute, cfg.Limits.MinDelay),
		collect.NewRobotsGate(cfg.HTTP.UserAgent, cfg.HTTP.Timeout, 12*time.Hour),
		breaker, opts.Metrics, logger)
	collector.ChainDownstream = chain

	extractor, err := buildExtractor(cfg.LLM, p.Taxonomy)
	if err != nil {
		p.Close()
		return nil, err
	}
	extractStage := extract.NewStage(st, extractor, logger)
	extractStage.ChainDownstream = chain

	composer := compose.New(st, p.Taxonomy, logger)
	composer.ChainDownstream = chain

	reviewer := review.New(st, logger)
	reviewer.ChainDownstream = chain

	arb := arbiter.New(st, logger)
	arb.ChainDownstream = chain

	handlers := map[model.Stage]worker.Handler{
		model.StageCollect:   collector,
		model.StageExtract:   extractStage,
		model.StageCompose:   composer,
		model.StageReview:    reviewer,
		model.StageArbitrate: arb,
		model.StageRelease:   release.New(st, logger),
	}

	backoff := worker.BackoffPolicy{Base: cfg.Limits.BackoffBase, Max: cfg.Limits.BackoffMax}
	p.Runner = worker.NewRunner(q, st, handlers, cfg.Scheduler.Workers, cfg.Limits.MaxAttempts, backoff, opts.Metrics, logger)
	p.Sched = schedule.New(st, q, breaker, cfg.Scheduler, logger)
	p.Checker = health.New(st)
	return p, nil
}

// Close releases backend connections
func (p *Pipeline) Close() {
	for i := len(p.closers) - 1; i >= 0; i-- {
		p.closers[i]()
	}
	p.closers = nil
}

// DrainOnce ticks the scheduler and synchronously drains the memory
// queue to idle. Only valid with the memory queue backend; the redis
// backend is drained by long-running workers instead.
func (p *Pipeline) DrainOnce(ctx context.Context) error {
	if _, err := p.Sched.Tick(ctx); err != nil {
		return err
	}
	return p.Drain(ctx)
}

// Drain processes already-enqueued work to idle without scheduling
func (p *Pipeline) Drain(ctx context.Context) error {
	mem, ok := p.Queue.(*queue.Memory)
	if !ok {
		return fmt.Errorf("single-shot drain requires the memory queue backend")
	}

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		progressed := false
		for _, stage := range model.Stages() {
			msg, err := mem.TryDequeue(stage)
			if err != nil {
				continue
			}
			progressed = true
			p.Runner.Process(ctx, msg)
		}
		if !progressed && mem.Idle() {
			return nil
		}
	}
}

func buildStore(ctx context.Context, cfg model.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return store.NewMemory(), nil
	case "postgres":
		if cfg.PostgresURL == "" {
			return nil, fmt.Errorf("store.postgres_url is required for the postgres driver")
		}
		return store.NewPostgres(ctx, cfg.PostgresURL)
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func buildQueue(ctx context.Context, cfg model.QueueConfig) (queue.Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return queue.NewMemory(), nil
	case "redis":
		if cfg.RedisURL == "" {
			return nil, fmt.Errorf("queue.redis_url is required for the redis driver")
		}
		return queue.NewRedis(ctx, cfg.RedisURL)
	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Driver)
	}
}

func buildExtractor(cfg model.LLMConfig, taxonomy *model.Taxonomy) (extract.Extractor, error) {
	if cfg.Provider == "" {
		return extract.NewHeuristic(taxonomy), nil
	}
	if cfg.Provider != "openai" {
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
	return extract.NewLLM(cfg, taxonomy)
}
