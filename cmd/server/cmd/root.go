package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/painel-eleitoral/server/internal/config"
)

var (
	configPath string
	logLevel   string
	logFormat  string

	rootCmd = &cobra.Command{
		Use:   "server",
		Short: "Painel Eleitoral server - TSE election results ingestion",
		Long: `Painel Eleitoral server loads the Tribunal Superior Eleitoral's
"votação por seção" CSV exports into a relational store.

The server supports:
- Streaming CSV uploads over HTTP with NDJSON progress events
- Local bulk loads of CSV files and zip bundles
- Postgres, SQL Server and SQLite stores
- Background ingestion jobs on a River queue (Postgres only)`,
		SilenceUsage: true,
		// bare "server" serves
		RunE: func(cmd *cobra.Command, args []string) error {
			return serveCmd.RunE(cmd, args)
		},
	}
)

// Execute runs the command tree and exits 1 on error. Subcommands attach
// themselves to rootCmd in their own init functions.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "YAML config file overlaid on environment variables")
	flags.StringVar(&logLevel, "log-level", "", "override LOG_LEVEL (debug, info, warn, error)")
	flags.StringVar(&logFormat, "log-format", "", "override LOG_FORMAT (json, console)")
}

// loadConfig reads the environment and the --config file, then applies the
// logging flags.
func loadConfig() (config.Config, error) {
	cfg, err := config.LoadFile(configPath)
	if err != nil {
		return config.Config{}, err
	}

	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if logFormat != "" {
		cfg.Logging.Format = logFormat
	}
	return cfg, nil
}
