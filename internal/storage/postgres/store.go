package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/painel-eleitoral/server/internal/domain/ingest"
	"github.com/painel-eleitoral/server/internal/metrics"
	"github.com/painel-eleitoral/server/internal/storage"
	"github.com/painel-eleitoral/server/internal/storage/sqlbatch"
)

func init() {
	storage.Register("postgres", Open)
}

// dbtx is the part of pgx shared by the pool and a transaction.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store is the ingestion store on Postgres.
type Store struct {
	pool    *pgxpool.Pool
	tx      pgx.Tx
	ceiling int
	limits  ingest.Limits
}

// Open connects a pool for cfg and returns a Store over it.
func Open(ctx context.Context, cfg storage.Config) (storage.Backend, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return NewStore(pool, cfg.ParamCeiling)
}

// NewStore wraps pool. ceiling caps bound parameters per statement; zero
// or anything above the protocol limit means the protocol limit.
func NewStore(pool *pgxpool.Pool, ceiling int) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("postgres store: pool is nil")
	}
	c := storage.Ceiling(ceiling, sqlbatch.PostgresMaxParams)
	return &Store{pool: pool, ceiling: c, limits: storage.LimitsFor(c)}, nil
}

func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func (s *Store) Limits() ingest.Limits { return s.limits }

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Store) Close() { s.pool.Close() }

// queryer returns the transaction when inside WithTx, the pool otherwise.
func (s *Store) queryer() dbtx {
	if s.tx != nil {
		return s.tx
	}
	return s.pool
}

func (s *Store) LoadDimensions(ctx context.Context) (dims ingest.Dimensions, err error) {
	start := time.Now()
	defer func() { metrics.RecordQuery("postgres", "load_dimensions", start, err) }()

	dims = ingest.Dimensions{
		Candidates:     map[ingest.CandidateKey]int64{},
		Municipalities: map[ingest.MunicipalityKey]int64{},
	}

	rows, err := s.queryer().Query(ctx, `SELECT id, ballot_number, election_id FROM candidates`)
	if err != nil {
		return ingest.Dimensions{}, fmt.Errorf("load candidates: %w", err)
	}
	for rows.Next() {
		var id int64
		var key ingest.CandidateKey
		if err := rows.Scan(&id, &key.BallotNumber, &key.ElectionID); err != nil {
			rows.Close()
			return ingest.Dimensions{}, fmt.Errorf("scan candidate: %w", err)
		}
		dims.Candidates[key] = id
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return ingest.Dimensions{}, fmt.Errorf("load candidates: %w", err)
	}

	rows, err = s.queryer().Query(ctx, `SELECT id, name, state FROM municipalities`)
	if err != nil {
		return ingest.Dimensions{}, fmt.Errorf("load municipalities: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var id int64
		var key ingest.MunicipalityKey
		if err := rows.Scan(&id, &key.Name, &key.State); err != nil {
			return ingest.Dimensions{}, fmt.Errorf("scan municipality: %w", err)
		}
		dims.Municipalities[key] = id
	}
	if err := rows.Err(); err != nil {
		return ingest.Dimensions{}, fmt.Errorf("load municipalities: %w", err)
	}
	return dims, nil
}

func (s *Store) UpsertElection(ctx context.Context, e ingest.Election) (_ ingest.Election, err error) {
	start := time.Now()
	defer func() { metrics.RecordQuery("postgres", "upsert_election", start, err) }()

	query, args, err := storage.ElectionUpsert.Build(sqlbatch.Postgres, s.ceiling, [][]any{storage.ElectionRow(e)})
	if err != nil {
		return ingest.Election{}, err
	}
	if err := s.queryer().QueryRow(ctx, query, args...).Scan(&e.ID, &e.Code, &e.Description); err != nil {
		return ingest.Election{}, fmt.Errorf("upsert election %s: %w", e.Key, err)
	}
	return e, nil
}

// WithTx runs fn in one transaction. Nested calls reuse the open one.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, ingest.DimensionTx) error) error {
	if s.tx != nil {
		return fn(ctx, s)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	wrapped := &Store{pool: s.pool, tx: tx, ceiling: s.ceiling, limits: s.limits}
	if err := fn(ctx, wrapped); err != nil {
		_ = tx.Rollback(context.WithoutCancel(ctx))
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Store) UpsertCandidates(ctx context.Context, candidates []ingest.Candidate) (_ map[ingest.CandidateKey]int64, err error) {
	start := time.Now()
	defer func() { metrics.RecordQuery("postgres", "upsert_candidates", start, err) }()

	query, args, err := storage.CandidateUpsert.Build(sqlbatch.Postgres, s.ceiling, storage.CandidateRows(candidates))
	if err != nil {
		return nil, err
	}
	rows, err := s.queryer().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("upsert candidates: %w", err)
	}
	defer rows.Close()

	ids := make(map[ingest.CandidateKey]int64, len(candidates))
	for rows.Next() {
		var id int64
		var key ingest.CandidateKey
		if err := rows.Scan(&id, &key.BallotNumber, &key.ElectionID); err != nil {
			return nil, fmt.Errorf("scan candidate id: %w", err)
		}
		ids[key] = id
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("upsert candidates: %w", err)
	}
	return ids, nil
}

func (s *Store) UpsertMunicipalities(ctx context.Context, municipalities []ingest.Municipality) (_ map[ingest.MunicipalityKey]int64, err error) {
	start := time.Now()
	defer func() { metrics.RecordQuery("postgres", "upsert_municipalities", start, err) }()

	query, args, err := storage.MunicipalityUpsert.Build(sqlbatch.Postgres, s.ceiling, storage.MunicipalityRows(municipalities))
	if err != nil {
		return nil, err
	}
	rows, err := s.queryer().Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("upsert municipalities: %w", err)
	}
	defer rows.Close()

	ids := make(map[ingest.MunicipalityKey]int64, len(municipalities))
	for rows.Next() {
		var id int64
		var key ingest.MunicipalityKey
		if err := rows.Scan(&id, &key.Name, &key.State); err != nil {
			return nil, fmt.Errorf("scan municipality id: %w", err)
		}
		ids[key] = id
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("upsert municipalities: %w", err)
	}
	return ids, nil
}

func (s *Store) UpsertVotes(ctx context.Context, votes []ingest.VoteRecord) (_ int64, err error) {
	start := time.Now()
	defer func() { metrics.RecordQuery("postgres", "upsert_votes", start, err) }()

	query, args, err := storage.VoteUpsert.Build(sqlbatch.Postgres, s.ceiling, storage.VoteRows(votes))
	if err != nil {
		return 0, err
	}
	tag, err := s.queryer().Exec(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("upsert votes: %w", err)
	}
	return tag.RowsAffected(), nil
}
