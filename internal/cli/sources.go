package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/regbeacon/regbeacon/internal/pipeline"
	"github.com/regbeacon/regbeacon/internal/registry"
)

var sourcesCatalog string

// sourcesCmd represents the sources command
var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Inspect and check monitored sources",
}

var sourcesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List catalog sources with their check state",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		logger := newLogger(cfg)

		cat, err := registry.Load(sourcesCatalog)
		if err != nil {
			return err
		}

		ctx := context.Background()
		p, err := pipeline.New(ctx, cfg, pipeline.Options{Catalog: cat}, logger)
		if err != nil {
			return err
		}
		defer p.Close()

		sources, err := p.Store.ListSources(ctx)
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tTIER\tINTERVAL\tLAST CHECKED\tERRORS\tURL")
		for _, src := range sources {
			last := "never"
			if !src.LastCheckedAt.IsZero() {
				last = src.LastCheckedAt.UTC().Format(time.RFC3339)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
				src.ID, src.Name, src.Tier, src.ScrapeInterval, last, src.ConsecutiveErrors, src.URL)
		}
		return w.Flush()
	},
}

var sourcesCheckCmd = &cobra.Command{
	Use:   "check <source-id>",
	Short: "Check one source immediately and process the result",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid source id: %w", err)
		}

		cfg := loadConfig()
		logger := newLogger(cfg)

		cat, err := registry.Load(sourcesCatalog)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()

		p, err := pipeline.New(ctx, cfg, pipeline.Options{Catalog: cat}, logger)
		if err != nil {
			return err
		}
		defer p.Close()

		if err := p.Sched.EnqueueSource(ctx, id); err != nil {
			return err
		}
		if err := p.Drain(ctx); err != nil {
			return err
		}

		src, err := p.Store.GetSource(ctx, id)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Checked %s (last hash %s)\n", src.Name, src.LastContentHash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(sourcesCmd)
	sourcesCmd.AddCommand(sourcesListCmd)
	sourcesCmd.AddCommand(sourcesCheckCmd)

	sourcesCmd.PersistentFlags().StringVar(&sourcesCatalog, "catalog", "", "source/concept catalog YAML (required)")
	_ = sourcesCmd.MarkPersistentFlagRequired("catalog")
}
