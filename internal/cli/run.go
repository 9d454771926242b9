package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/regbeacon/regbeacon/internal/model"
	"github.com/regbeacon/regbeacon/internal/pipeline"
	"github.com/regbeacon/regbeacon/internal/registry"
)

var (
	catalogPath string
	collectOnly bool
	runLoop     bool
	runTimeout  time.Duration
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the pipeline over due sources",
	Long: `Run schedules every due source and processes the resulting work
through the full stage chain: collect, extract, compose, review,
arbitrate.

By default run is single-shot: it drains the queue to idle and exits,
which fits cron-driven deployments. With --loop it keeps scheduling on
the configured interval until interrupted.

Example:
  regbeacon run --catalog sources.yaml
  regbeacon run --catalog sources.yaml --collect-only
  regbeacon run --catalog sources.yaml --loop`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&catalogPath, "catalog", "", "source/concept catalog YAML (required)")
	runCmd.Flags().BoolVar(&collectOnly, "collect-only", false, "stop after evidence capture")
	runCmd.Flags().BoolVar(&runLoop, "loop", false, "keep scheduling until interrupted")
	runCmd.Flags().DurationVar(&runTimeout, "timeout", 15*time.Minute, "overall single-shot timeout")
	_ = runCmd.MarkFlagRequired("catalog")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	cfg.Scheduler.CollectOnly = collectOnly
	logger := newLogger(cfg)

	cat, err := registry.Load(catalogPath)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := pipeline.New(ctx, cfg, pipeline.Options{Catalog: cat, CollectOnly: collectOnly}, logger)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}
	defer p.Close()

	if verbose {
		fmt.Fprintf(os.Stderr, "Sources: %d\n", len(cat.Sources))
		fmt.Fprintf(os.Stderr, "Concepts: %d\n", len(cat.Taxonomy.Concepts()))
		fmt.Fprintf(os.Stderr, "Store: %s, queue: %s\n\n", cfg.Store.Driver, cfg.Queue.Driver)
	}

	if runLoop || cfg.Queue.Driver == "redis" {
		return runContinuous(ctx, p, cfg)
	}

	ctx, cancel := context.WithTimeout(ctx, runTimeout)
	defer cancel()
	if err := p.DrainOnce(ctx); err != nil {
		return fmt.Errorf("run failed: %w", err)
	}

	if verbose {
		printRunSummary(ctx, p)
	}
	return nil
}

// runContinuous runs workers and the scheduler loop until interrupted
func runContinuous(ctx context.Context, p *pipeline.Pipeline, cfg *model.Config) error {
	errCh := make(chan error, 2)
	go func() { errCh <- p.Runner.Run(ctx) }()
	go func() { errCh <- p.Sched.Loop(ctx, cfg.Scheduler.Interval) }()

	err := <-errCh
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func printRunSummary(ctx context.Context, p *pipeline.Pipeline) {
	for _, status := range []model.RuleStatus{
		model.RuleDraft, model.RulePendingReview, model.RuleApproved,
		model.RulePublished, model.RuleRejected,
	} {
		n, err := p.Store.CountRulesByStatus(ctx, status)
		if err == nil && n > 0 {
			fmt.Fprintf(os.Stderr, "✓ Rules %s: %d\n", status, n)
		}
	}
	conflicts, err := p.Store.ListConflictsByStatus(ctx, model.ConflictOpen)
	if err == nil && len(conflicts) > 0 {
		fmt.Fprintf(os.Stderr, "! Open conflicts: %d\n", len(conflicts))
	}
}

// newLogger builds the process logger; verbose lowers the level
func newLogger(cfg *model.Config) *slog.Logger {
	level := slog.LevelInfo
	if cfg.Output.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
