package cmd

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/painel-eleitoral/server/internal/config"
	"github.com/painel-eleitoral/server/internal/storage/postgres"
)

var (
	migrationsPath string
	migrateSkipJob bool
)

// migrateCmd provisions the Postgres schema. SQLite and SQL Server stores
// create their tables when opened.
var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create or upgrade the Postgres schema",
	Long: `Apply pending schema migrations to the Postgres store and install the
River job queue tables used by background ingestion.

SQLite and SQL Server stores create their schema on open and need no
migrations.

Examples:
  server migrate
  server migrate --skip-jobs
  server migrate --path /opt/painel/migrations`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := postgresConfig()
		if err != nil {
			return err
		}
		if err := postgres.MigrateUp(cfg.Database.URL, migrationsPath); err != nil {
			return err
		}
		version, _, err := postgres.MigrateVersion(cfg.Database.URL, migrationsPath)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "schema at version %d\n", version)

		if migrateSkipJob || !cfg.Jobs.Enabled {
			return nil
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), openTimeout*6)
		defer cancel()
		pool, err := pgxpool.New(ctx, cfg.Database.URL)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer pool.Close()
		if err := postgres.MigrateRiver(ctx, pool); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "job queue tables ready")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(migrateCmd)
	migrateCmd.Flags().StringVar(&migrationsPath, "path", postgres.DefaultMigrationsPath, "migrations directory")
	migrateCmd.Flags().BoolVar(&migrateSkipJob, "skip-jobs", false, "do not install the River job queue tables")
}

// postgresConfig loads config and refuses stores other than Postgres.
func postgresConfig() (config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return config.Config{}, fmt.Errorf("config error: %w", err)
	}
	if cfg.Database.Kind != "postgres" {
		return config.Config{}, fmt.Errorf("this command applies to postgres only; STORE_KIND is %q", cfg.Database.Kind)
	}
	return cfg, nil
}
