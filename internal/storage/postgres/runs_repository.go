package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/painel-eleitoral/server/internal/domain/ingest"
)

// RunsRepository persists ingestion_runs.
type RunsRepository struct {
	pool *pgxpool.Pool
}

func NewRunsRepository(pool *pgxpool.Pool) *RunsRepository {
	return &RunsRepository{pool: pool}
}

const runColumns = `id, source, status, started_at, finished_at, lines_read, valid_rows, rejected_rows,
       facts_upserted, candidates_created, municipalities_created, error`

func (r *RunsRepository) CreateRun(ctx context.Context, run ingest.Run) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO ingestion_runs (id, source, status, started_at) VALUES ($1, $2, $3, $4)`,
		run.ID, run.Source, string(run.Status), run.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("insert ingestion run: %w", err)
	}
	return nil
}

func (r *RunsRepository) FinishRun(ctx context.Context, run ingest.Run) error {
	var runErr *string
	if run.Error != "" {
		runErr = &run.Error
	}
	tag, err := r.pool.Exec(ctx, `
UPDATE ingestion_runs
   SET status = $2,
       finished_at = $3,
       lines_read = $4,
       valid_rows = $5,
       rejected_rows = $6,
       facts_upserted = $7,
       candidates_created = $8,
       municipalities_created = $9,
       error = $10
 WHERE id = $1`,
		run.ID, string(run.Status), run.FinishedAt, run.LinesRead, run.ValidRows, run.RejectedRows,
		run.FactsUpserted, run.CandidatesCreated, run.MunicipalitiesCreated, runErr,
	)
	if err != nil {
		return fmt.Errorf("update ingestion run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ingest.ErrNotFound
	}
	return nil
}

func (r *RunsRepository) GetRun(ctx context.Context, id string) (*ingest.Run, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM ingestion_runs WHERE id = $1`, id)
	run, err := scanRun(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ingest.ErrNotFound
		}
		return nil, fmt.Errorf("get ingestion run: %w", err)
	}
	return &run, nil
}

func (r *RunsRepository) ListRuns(ctx context.Context, filter ingest.RunFilter) ([]ingest.Run, error) {
	var before *time.Time
	if !filter.BeforeStartedAt.IsZero() {
		before = &filter.BeforeStartedAt
	}
	rows, err := r.pool.Query(ctx, `
SELECT `+runColumns+`
  FROM ingestion_runs
 WHERE ($1::text = '' OR status = $1::text)
   AND ($3::timestamptz IS NULL OR (started_at, id) < ($3::timestamptz, $4::text))
 ORDER BY started_at DESC, id DESC
 LIMIT $2`,
		string(filter.Status), filter.Limit, before, filter.BeforeID,
	)
	if err != nil {
		return nil, fmt.Errorf("list ingestion runs: %w", err)
	}
	defer rows.Close()

	var runs []ingest.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ingestion run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list ingestion runs: %w", err)
	}
	return runs, nil
}

func (r *RunsRepository) DeleteRunsBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM ingestion_runs WHERE started_at < $1 AND status <> 'running'`, before)
	if err != nil {
		return 0, fmt.Errorf("delete ingestion runs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanRun(row pgx.Row) (ingest.Run, error) {
	var (
		run    ingest.Run
		status string
		runErr *string
	)
	err := row.Scan(&run.ID, &run.Source, &status, &run.StartedAt, &run.FinishedAt,
		&run.LinesRead, &run.ValidRows, &run.RejectedRows, &run.FactsUpserted,
		&run.CandidatesCreated, &run.MunicipalitiesCreated, &runErr)
	if err != nil {
		return ingest.Run{}, err
	}
	run.Status = ingest.RunStatus(status)
	run.StartedAt = run.StartedAt.UTC()
	if runErr != nil {
		run.Error = *runErr
	}
	return run, nil
}
