// Package sqlite is the ingestion store on an embedded SQLite database,
// used for local runs and fast pipeline tests.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	"github.com/painel-eleitoral/server/internal/domain/ingest"
	"github.com/painel-eleitoral/server/internal/metrics"
	"github.com/painel-eleitoral/server/internal/storage"
	"github.com/painel-eleitoral/server/internal/storage/sqlbatch"
	_ "modernc.org/sqlite"
)

//go:embed schema.sql
var schema string

func init() {
	storage.Register("sqlite", func(ctx context.Context, cfg storage.Config) (storage.Backend, error) {
		return Open(ctx, cfg.DSN, cfg.ParamCeiling)
	})
}

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type Store struct {
	db      *sql.DB
	tx      *sql.Tx
	ceiling int
	limits  ingest.Limits
}

// Open opens dsn, applies the schema and returns a Store. A single
// connection is kept so ":memory:" databases survive across statements.
func Open(ctx context.Context, dsn string, ceiling int) (*Store, error) {
	if dsn == "" {
		dsn = ":memory:"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	c := storage.Ceiling(ceiling, sqlbatch.SQLiteMaxParams)
	return &Store{db: db, ceiling: c, limits: storage.LimitsFor(c)}, nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Limits() ingest.Limits { return s.limits }

func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Close() { _ = s.db.Close() }

func (s *Store) queryer() dbtx {
	if s.tx != nil {
		return s.tx
	}
	return s.db
}

func (s *Store) LoadDimensions(ctx context.Context) (dims ingest.Dimensions, err error) {
	start := time.Now()
	defer func() { metrics.RecordQuery("sqlite", "load_dimensions", start, err) }()

	dims = ingest.Dimensions{
		Candidates:     map[ingest.CandidateKey]int64{},
		Municipalities: map[ingest.MunicipalityKey]int64{},
	}
	err = s.scan(ctx, `SELECT id, ballot_number, election_id FROM candidates`, func(rows *sql.Rows) error {
		var id int64
		var key ingest.CandidateKey
		if err := rows.Scan(&id, &key.BallotNumber, &key.ElectionID); err != nil {
			return err
		}
		dims.Candidates[key] = id
		return nil
	})
	if err != nil {
		return ingest.Dimensions{}, fmt.Errorf("load candidates: %w", err)
	}
	err = s.scan(ctx, `SELECT id, name, state FROM municipalities`, func(rows *sql.Rows) error {
		var id int64
		var key ingest.MunicipalityKey
		if err := rows.Scan(&id, &key.Name, &key.State); err != nil {
			return err
		}
		dims.Municipalities[key] = id
		return nil
	})
	if err != nil {
		return ingest.Dimensions{}, fmt.Errorf("load municipalities: %w", err)
	}
	return dims, nil
}

func (s *Store) UpsertElection(ctx context.Context, e ingest.Election) (_ ingest.Election, err error) {
	start := time.Now()
	defer func() { metrics.RecordQuery("sqlite", "upsert_election", start, err) }()

	query, args, err := storage.ElectionUpsert.Build(sqlbatch.SQLite, s.ceiling, [][]any{storage.ElectionRow(e)})
	if err != nil {
		return ingest.Election{}, err
	}
	if err := s.queryer().QueryRowContext(ctx, query, args...).Scan(&e.ID, &e.Code, &e.Description); err != nil {
		return ingest.Election{}, fmt.Errorf("upsert election %s: %w", e.Key, err)
	}
	return e, nil
}

func (s *Store) WithTx(ctx context.Context, fn func(context.Context, ingest.DimensionTx) error) error {
	if s.tx != nil {
		return fn(ctx, s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	wrapped := &Store{db: s.db, tx: tx, ceiling: s.ceiling, limits: s.limits}
	if err := fn(ctx, wrapped); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Store) UpsertCandidates(ctx context.Context, candidates []ingest.Candidate) (_ map[ingest.CandidateKey]int64, err error) {
	start := time.Now()
	defer func() { metrics.RecordQuery("sqlite", "upsert_candidates", start, err) }()

	query, args, err := storage.CandidateUpsert.Build(sqlbatch.SQLite, s.ceiling, storage.CandidateRows(candidates))
	if err != nil {
		return nil, err
	}
	ids := make(map[ingest.CandidateKey]int64, len(candidates))
	err = s.scan(ctx, query, func(rows *sql.Rows) error {
		var id int64
		var key ingest.CandidateKey
		if err := rows.Scan(&id, &key.BallotNumber, &key.ElectionID); err != nil {
			return err
		}
		ids[key] = id
		return nil
	}, args...)
	if err != nil {
		return nil, fmt.Errorf("upsert candidates: %w", err)
	}
	return ids, nil
}

func (s *Store) UpsertMunicipalities(ctx context.Context, municipalities []ingest.Municipality) (_ map[ingest.MunicipalityKey]int64, err error) {
	start := time.Now()
	defer func() { metrics.RecordQuery("sqlite", "upsert_municipalities", start, err) }()

	query, args, err := storage.MunicipalityUpsert.Build(sqlbatch.SQLite, s.ceiling, storage.MunicipalityRows(municipalities))
	if err != nil {
		return nil, err
	}
	ids := make(map[ingest.MunicipalityKey]int64, len(municipalities))
	err = s.scan(ctx, query, func(rows *sql.Rows) error {
		var id int64
		var key ingest.MunicipalityKey
		if err := rows.Scan(&id, &key.Name, &key.State); err != nil {
			return err
		}
		ids[key] = id
		return nil
	}, args...)
	if err != nil {
		return nil, fmt.Errorf("upsert municipalities: %w", err)
	}
	return ids, nil
}

func (s *Store) UpsertVotes(ctx context.Context, votes []ingest.VoteRecord) (_ int64, err error) {
	start := time.Now()
	defer func() { metrics.RecordQuery("sqlite", "upsert_votes", start, err) }()

	query, args, err := storage.VoteUpsert.Build(sqlbatch.SQLite, s.ceiling, storage.VoteRows(votes))
	if err != nil {
		return 0, err
	}
	res, err := s.queryer().ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("upsert votes: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) scan(ctx context.Context, query string, each func(*sql.Rows) error, args ...any) error {
	rows, err := s.queryer().QueryContext(ctx, query, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		if err := each(rows); err != nil {
			return err
		}
	}
	return rows.Err()
}
