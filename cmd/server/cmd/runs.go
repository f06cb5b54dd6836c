package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/painel-eleitoral/server/internal/domain/ingest"
	"github.com/painel-eleitoral/server/internal/storage/postgres"
)

var (
	runsStatus    string
	runsLimit     int
	runsJSON      bool
	runsOlderThan time.Duration
	runsDryRun    bool
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect and prune ingestion run records (Postgres)",
	Long: `Ingestion runs are recorded in the Postgres store only. The serve command
prunes them periodically per INGEST_RUN_RETENTION; these commands do it on
demand.

Examples:
  # Last 20 failed runs
  server runs list --status failed --limit 20

  # Delete finished runs that started more than 90 days ago
  server runs prune --older-than 2160h`,
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent ingestion runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		status := ingest.RunStatus(runsStatus)
		switch status {
		case "", ingest.RunRunning, ingest.RunCompleted, ingest.RunFailed:
		default:
			return fmt.Errorf("--status must be running, completed or failed, got %q", runsStatus)
		}
		return withRunsRepository(cmd.Context(), func(ctx context.Context, repo *postgres.RunsRepository) error {
			runs, err := repo.ListRuns(ctx, ingest.RunFilter{Status: status, Limit: runsLimit})
			if err != nil {
				return err
			}
			return printRuns(cmd.OutOrStdout(), runs, runsJSON)
		})
	},
}

var runsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete finished runs that started before --older-than ago",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if runsOlderThan <= 0 {
			return fmt.Errorf("--older-than must be positive")
		}
		before := time.Now().Add(-runsOlderThan).UTC()
		if runsDryRun {
			fmt.Fprintf(cmd.OutOrStdout(), "would delete finished runs started before %s\n", before.Format(time.RFC3339))
			return nil
		}
		return withRunsRepository(cmd.Context(), func(ctx context.Context, repo *postgres.RunsRepository) error {
			deleted, err := repo.DeleteRunsBefore(ctx, before)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d run(s) started before %s\n", deleted, before.Format(time.RFC3339))
			return nil
		})
	},
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd, runsPruneCmd)

	runsListCmd.Flags().StringVar(&runsStatus, "status", "", "filter by status (running, completed, failed)")
	runsListCmd.Flags().IntVar(&runsLimit, "limit", 20, "maximum runs to list")
	runsListCmd.Flags().BoolVar(&runsJSON, "json", false, "print JSON instead of a table")

	runsPruneCmd.Flags().DurationVar(&runsOlderThan, "older-than", 720*time.Hour, "age of the start time beyond which finished runs are deleted")
	runsPruneCmd.Flags().BoolVar(&runsDryRun, "dry-run", false, "print the cutoff without deleting")
}

func withRunsRepository(parent context.Context, fn func(context.Context, *postgres.RunsRepository) error) error {
	cfg, err := postgresConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(parent, openTimeout*3)
	defer cancel()
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	return fn(ctx, postgres.NewRunsRepository(pool))
}

func printRuns(w io.Writer, runs []ingest.Run, asJSON bool) error {
	if asJSON {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if runs == nil {
			runs = []ingest.Run{}
		}
		return enc.Encode(runs)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tSOURCE\tSTARTED\tLINES\tUPSERTED\tREJECTED\tERROR")
	for _, r := range runs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
			r.ID, r.Status, r.Source, r.StartedAt.Format(time.RFC3339),
			r.LinesRead, r.FactsUpserted, r.RejectedRows, r.Error)
	}
	return tw.Flush()
}
