package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/regbeacon/regbeacon/internal/arbiter"
	"github.com/regbeacon/regbeacon/internal/model"
	"github.com/regbeacon/regbeacon/internal/pipeline"
)

var (
	conflictStatus     string
	conflictResolution string
	conflictNote       string
)

// conflictsCmd represents the conflicts command
var conflictsCmd = &cobra.Command{
	Use:   "conflicts",
	Short: "Inspect and resolve rule conflicts",
	Long: `Conflicts are rule candidates that disagree on the same concept over
overlapping effective windows. A conflict blocks publication of every
rule it references until it is resolved.`,
}

var conflictsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List conflicts",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		logger := newLogger(cfg)

		ctx := context.Background()
		p, err := pipeline.New(ctx, cfg, pipeline.Options{}, logger)
		if err != nil {
			return err
		}
		defer p.Close()

		conflicts, err := p.Store.ListConflictsByStatus(ctx, model.ConflictStatus(conflictStatus))
		if err != nil {
			return err
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tCONCEPT\tSTATUS\tESCALATED\tRULES\tCREATED")
		for _, c := range conflicts {
			fmt.Fprintf(w, "%s\t%s\t%s\t%v\t%d\t%s\n",
				c.ID, c.ConceptSlug, c.Status, c.Escalated, len(c.RuleIDs),
				c.CreatedAt.UTC().Format(time.RFC3339))
		}
		return w.Flush()
	},
}

var conflictsResolveCmd = &cobra.Command{
	Use:   "resolve <conflict-id>",
	Short: "Resolve an open conflict",
	Long: `Record a human resolution for an open conflict.

Resolutions:
  supersede  the later-window rule governs from its start date
  merge      the candidates were restated as non-overlapping windows
  escalate   close with an out-of-band decision, documented in the note

Example:
  regbeacon conflicts resolve 6a1f... --resolution supersede --note "2024 gazette supersedes"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := uuid.Parse(args[0])
		if err != nil {
			return fmt.Errorf("invalid conflict id: %w", err)
		}

		cfg := loadConfig()
		logger := newLogger(cfg)

		ctx := context.Background()
		p, err := pipeline.New(ctx, cfg, pipeline.Options{}, logger)
		if err != nil {
			return err
		}
		defer p.Close()

		err = arbiter.ResolveManually(ctx, p.Store, id, model.Resolution(conflictResolution), conflictNote, time.Now())
		if err != nil {
			return fmt.Errorf("resolve conflict: %w", err)
		}
		fmt.Printf("✓ Resolved conflict %s (%s)\n", id, conflictResolution)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(conflictsCmd)
	conflictsCmd.AddCommand(conflictsListCmd)
	conflictsCmd.AddCommand(conflictsResolveCmd)

	conflictsListCmd.Flags().StringVar(&conflictStatus, "status", string(model.ConflictOpen), "filter by status (OPEN, RESOLVED)")
	conflictsResolveCmd.Flags().StringVar(&conflictResolution, "resolution", "", "resolution: supersede, merge, or escalate")
	conflictsResolveCmd.Flags().StringVar(&conflictNote, "note", "", "resolution note for the audit trail")
	_ = conflictsResolveCmd.MarkFlagRequired("resolution")
}
