package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/regbeacon/regbeacon/internal/api"
	"github.com/regbeacon/regbeacon/internal/metrics"
	"github.com/regbeacon/regbeacon/internal/pipeline"
	"github.com/regbeacon/regbeacon/internal/registry"
)

var (
	serveAddr    string
	serveCatalog string
	noWorkers    bool
)

// serveCmd represents the serve command
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP API and run pipeline workers",
	Long: `Serve starts the HTTP API, the background stage workers and the
scheduler loop in one process. The API serves published rules with
their full citation chains, pipeline status, and manual triggers.

Example:
  regbeacon serve --catalog sources.yaml
  regbeacon serve --catalog sources.yaml --addr :8437 --no-workers`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().StringVar(&serveCatalog, "catalog", "", "source/concept catalog YAML (required)")
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")
	serveCmd.Flags().BoolVar(&noWorkers, "no-workers", false, "serve the API only, no background processing")
	_ = serveCmd.MarkFlagRequired("catalog")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := loadConfig()
	if serveAddr != "" {
		cfg.Serve.Addr = serveAddr
	}
	logger := newLogger(cfg)

	cat, err := registry.Load(serveCatalog)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	p, err := pipeline.New(ctx, cfg, pipeline.Options{Catalog: cat, Metrics: metrics.New()}, logger)
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}
	defer p.Close()

	server := &http.Server{
		Addr:              cfg.Serve.Addr,
		Handler:           api.New(p.Store, p.Queue, p.Sched, p.Checker, logger).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 3)
	if !noWorkers {
		go func() { errCh <- p.Runner.Run(ctx) }()
		go func() { errCh <- p.Sched.Loop(ctx, cfg.Scheduler.Interval) }()
	}
	go func() { errCh <- server.ListenAndServe() }()

	logger.Info("serving", "addr", cfg.Serve.Addr, "workers", !noWorkers)

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}
