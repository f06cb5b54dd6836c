package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/painel-eleitoral/server/internal/config"
	"github.com/painel-eleitoral/server/internal/domain/ingest"
	"github.com/painel-eleitoral/server/internal/domain/tse"
	"github.com/painel-eleitoral/server/internal/metrics"
	"github.com/painel-eleitoral/server/internal/metrics/datadog"
	"github.com/painel-eleitoral/server/internal/storage"
	"github.com/painel-eleitoral/server/internal/storage/postgres"

	_ "github.com/painel-eleitoral/server/internal/storage/mssql"
	_ "github.com/painel-eleitoral/server/internal/storage/sqlite"
)

const openTimeout = 10 * time.Second

// app is the ingestion stack shared by serve and ingest: a store, the
// pipeline over it and, on Postgres, the run repository.
type app struct {
	cfg     config.Config
	logger  zerolog.Logger
	store   storage.Backend
	pool    *pgxpool.Pool
	service *ingest.Service
	datadog *datadog.Backend
}

func newApp(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*app, error) {
	openCtx, cancel := context.WithTimeout(ctx, openTimeout)
	defer cancel()

	store, err := storage.Open(openCtx, storage.Config{
		Kind:         cfg.Database.Kind,
		DSN:          cfg.Database.URL,
		MaxConns:     cfg.Database.MaxConnections,
		ParamCeiling: cfg.Ingest.ParamCeiling,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Database.Kind, err)
	}
	a := &app{cfg: cfg, logger: logger, store: store}

	var runs ingest.RunRepository
	if pg, ok := store.(*postgres.Store); ok {
		a.pool = pg.Pool()
		runs = postgres.NewRunsRepository(a.pool)
	}

	observers := []ingest.Observer{metrics.IngestObserver{}}
	if cfg.Metrics.DatadogEnabled {
		var tags []string
		if cfg.Metrics.Slot != "" {
			tags = append(tags, "slot:"+cfg.Metrics.Slot)
		}
		a.datadog = datadog.NewBackend(ctx, datadog.Options{
			Tags:       append(tags, "store:"+cfg.Database.Kind),
			FlushEvery: cfg.Metrics.DatadogFlushEvery,
		})
		observers = append(observers, a.datadog)
	}

	orch := ingest.NewOrchestrator(store, pipelineConfig(cfg.Ingest), logger,
		ingest.WithObserver(ingest.MultiObserver(observers...)))
	a.service = ingest.NewService(orch, runs, logger)

	limits := store.Limits()
	logger.Info().
		Str("store", cfg.Database.Kind).
		Int("vote_rows_per_statement", limits.Votes).
		Int("batch_size", cfg.Ingest.BatchSize).
		Bool("run_history", runs != nil).
		Msg("ingestion store ready")
	return a, nil
}

// sqlDB returns the database/sql handle of the SQLite and SQL Server stores.
func (a *app) sqlDB() *sql.DB {
	if s, ok := a.store.(interface{ DB() *sql.DB }); ok {
		return s.DB()
	}
	return nil
}

func (a *app) Close() {
	if a.datadog != nil {
		if err := a.datadog.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("datadog flush on close failed")
		}
	}
	a.store.Close()
}

func pipelineConfig(c config.IngestConfig) ingest.Config {
	return ingest.Config{
		BatchSize:         c.BatchSize,
		StoreTimeout:      c.StoreTimeout,
		MaxErrors:         c.MaxErrors,
		ProgressEvery:     c.ProgressEvery,
		RefreshDimensions: c.RefreshDimensions,
	}
}

func readerOptions(c config.IngestConfig) tse.ReaderOptions {
	return tse.ReaderOptions{Encoding: c.SourceEncoding, Rewrites: c.Rewrites}
}
