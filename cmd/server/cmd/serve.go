package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/painel-eleitoral/server/internal/api"
	"github.com/painel-eleitoral/server/internal/api/handlers"
	"github.com/painel-eleitoral/server/internal/config"
	"github.com/painel-eleitoral/server/internal/jobs"
	"github.com/painel-eleitoral/server/internal/metrics"
	"github.com/painel-eleitoral/server/internal/telemetry"
)

var (
	// Server flags (override config/env)
	serverHost string
	serverPort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the ingestion HTTP server",
	Long: `Start the ingestion HTTP server and begin accepting uploads.

The server will:
- Load configuration from environment variables (or --config file if provided)
- Open the configured store (postgres, sqlite or mssql)
- Start River ingestion workers when the store is Postgres and jobs are enabled
- Serve POST /api/v1/ingestions with NDJSON progress streams
- Handle graceful shutdown on SIGINT/SIGTERM

Examples:
  # Start with default configuration (from env vars)
  server serve

  # Start on a specific host and port
  server serve --host 127.0.0.1 --port 9090

  # Local SQLite store with debug logging
  STORE_KIND=sqlite DATABASE_URL=painel.db server serve --log-level debug

  # Start with custom config file
  server serve --config /etc/painel/config.yaml`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServer(cmd.Context())
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)

	// Server-specific flags
	serveCmd.Flags().StringVar(&serverHost, "host", "", "server host address (default: 0.0.0.0)")
	serveCmd.Flags().IntVar(&serverPort, "port", 0, "server port (default: 8080)")
}

func runServer(parent context.Context) error {
	if parent == nil {
		parent = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	// Override config with flags if provided
	if serverHost != "" {
		cfg.Server.Host = serverHost
	}
	if serverPort != 0 {
		cfg.Server.Port = serverPort
	}

	logger := config.NewLogger(cfg.Logging)
	logger.Info().Str("version", Version).Str("environment", cfg.Environment).Msg("starting ingestion server")

	activeSlot := os.Getenv("ACTIVE_SLOT")
	if activeSlot == "" {
		activeSlot = "unknown"
	}
	metrics.Init(Version, GitCommit, BuildDate, activeSlot)

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := telemetry.InitTracing(ctx, cfg.Tracing, Version)
	if err != nil {
		logger.Error().Err(err).Msg("failed to initialize tracing")
		shutdownTracing = func(context.Context) error { return nil }
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn().Err(err).Msg("tracing shutdown error")
		}
	}()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	// Pool gauges, sampled on the configured interval
	var dbCollector *metrics.DBCollector
	switch {
	case a.pool != nil:
		dbCollector = metrics.NewDBCollector(a.pool)
	case a.sqlDB() != nil:
		dbCollector = metrics.NewSQLDBCollector(cfg.Database.Kind, a.sqlDB())
	}
	if dbCollector != nil {
		go dbCollector.Start(ctx, cfg.Metrics.CollectionInterval)
		defer dbCollector.Stop()
	}

	handlerOpts := handlers.IngestHandlerOptions{
		Reader:        readerOptions(cfg.Ingest),
		MaxConcurrent: cfg.Ingest.MaxConcurrent,
		Environment:   cfg.Environment,
	}
	healthOpts := []handlers.HealthOption{handlers.WithSlot(cfg.Metrics.Slot)}

	riverClient, err := startJobs(ctx, a, logger)
	if err != nil {
		return err
	}
	if riverClient != nil {
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := riverClient.Stop(stopCtx); err != nil {
				logger.Error().Err(err).Msg("river workers shutdown error")
			} else {
				logger.Info().Msg("river workers stopped")
			}
		}()
		if cfg.Jobs.SourceDir != "" {
			handlerOpts.Jobs = jobs.NewEnqueuer(riverClient, cfg.Jobs.IngestAttempts)
			handlerOpts.JobRoot = cfg.Jobs.SourceDir
		}
	}
	if a.pool != nil {
		healthOpts = append(healthOpts, handlers.WithPostgres(a.pool, riverClient != nil))
	}

	ingestHandler := handlers.NewIngestHandler(a.service, handlerOpts)
	healthOpts = append(healthOpts, handlers.WithCapacity(ingestHandler.Capacity))

	router := api.NewRouter(api.Deps{
		Config: cfg,
		Logger: logger,
		Ingest: ingestHandler,
		Health: handlers.NewHealthChecker(a.store, Version, GitCommit, healthOpts...),
		Build: api.BuildInfo{
			Version:   Version,
			GitCommit: GitCommit,
			BuildDate: BuildDate,
			Slot:      cfg.Metrics.Slot,
			Storage:   cfg.Database.Kind,
		},
		Metrics: true,
	})

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       60 * time.Second, // uploads clear their own deadlines
		WriteTimeout:      60 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", server.Addr).Msg("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	return gracefulShutdown(ctx, server, errCh, cfg.Server.ShutdownTimeout, logger)
}

// startJobs starts River workers when the store is Postgres and jobs are
// enabled. It returns nil without error otherwise.
func startJobs(ctx context.Context, a *app, logger zerolog.Logger) (*river.Client[pgx.Tx], error) {
	cfg := a.cfg
	if a.pool == nil || !cfg.Jobs.Enabled {
		if cfg.Jobs.Enabled {
			logger.Info().Str("store", cfg.Database.Kind).Msg("job queue needs postgres, background ingestion disabled")
		}
		return nil, nil
	}

	workers := jobs.NewWorkers(jobs.WorkerDeps{
		Service:   a.service,
		Reader:    readerOptions(cfg.Ingest),
		Retention: cfg.Ingest.RunRetention,
		Slot:      cfg.Metrics.Slot,
		Logger:    logger,
	})
	client, err := jobs.NewClient(a.pool, workers, jobs.ClientOptions{
		Logger: slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelWarn,
		})),
		Hooks:          []rivertype.Hook{metrics.NewRiverMetricsHook(cfg.Metrics.Slot)},
		PeriodicJobs:   jobs.NewPeriodicJobs(),
		IngestWorkers:  cfg.Jobs.IngestWorkers,
		IngestAttempts: cfg.Jobs.IngestAttempts,
	})
	if err != nil {
		return nil, fmt.Errorf("create river client: %w", err)
	}
	// Stop drains running jobs on shutdown; the signal context must not
	// cancel them first.
	if err := client.Start(context.WithoutCancel(ctx)); err != nil {
		return nil, fmt.Errorf("river workers failed to start: %w", err)
	}
	logger.Info().Int("ingest_workers", cfg.Jobs.IngestWorkers).Msg("river background job workers started")
	return client, nil
}

func gracefulShutdown(ctx context.Context, server *http.Server, errCh <-chan error, timeout time.Duration, logger zerolog.Logger) error {
	select {
	case err, ok := <-errCh:
		if ok && err != nil {
			logger.Error().Err(err).Msg("http server error")
			return err
		}
		return nil
	case <-ctx.Done():
	}
	logger.Info().Msg("shutting down")

	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
		return err
	}

	logger.Info().Msg("server stopped")
	return nil
}
