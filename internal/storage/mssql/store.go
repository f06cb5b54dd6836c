// Package mssql is the ingestion store on Microsoft SQL Server. Upserts
// are MERGE statements; the 2100 parameter request limit makes its
// statements the smallest of all backends.
package mssql

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"time"

	_ "github.com/microsoft/go-mssqldb"
	"github.com/painel-eleitoral/server/internal/domain/ingest"
	"github.com/painel-eleitoral/server/internal/metrics"
	"github.com/painel-eleitoral/server/internal/storage"
	"github.com/painel-eleitoral/server/internal/storage/sqlbatch"
)

//go:embed schema.sql
var schema string

func init() {
	storage.Register("mssql", Open)
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

func Open(ctx context.Context, cfg storage.Config) (storage.Backend, error) {
	db, err := sql.Open("sqlserver", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open sqlserver: %w", err)
	}
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
		db.SetMaxIdleConns(cfg.MaxConns)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlserver: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return NewStore(db, cfg.ParamCeiling), nil
}

func NewStore(db *sql.DB, ceiling int) *Store {
	c := storage.Ceiling(ceiling, sqlbatch.SQLServerMaxParams)
	return &Store{db: db, ceiling: c, limits: limitsFor(c)}
}

func limitsFor(ceiling int) ingest.Limits {
	l := storage.LimitsFor(ceiling)
	l.Candidates = min(l.Candidates, maxValuesRows)
	l.Municipalities = min(l.Municipalities, maxValuesRows)
	l.Votes = min(l.Votes, maxValuesRows)
	return l
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
	defer func() { metrics.RecordQuery("mssql", "load_dimensions", start, err) }()

	dims = ingest.Dimensions{
		Candidates:     map[ingest.CandidateKey]int64{},
		Municipalities: map[ingest.MunicipalityKey]int64{},
	}
	err = s.scan(ctx, `SELECT id, ballot_number, election_id FROM dbo.candidates`, nil, func(rows *sql.Rows) error {
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
	err = s.scan(ctx, `SELECT id, name, state FROM dbo.municipalities`, nil, func(rows *sql.Rows) error {
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
	defer func() { metrics.RecordQuery("mssql", "upsert_election", start, err) }()

	query, args, err := electionMerge.build(s.ceiling, [][]any{storage.ElectionRow(e)})
	if err != nil {
		return ingest.Election{}, err
	}
	if err := s.queryer().QueryRowContext(ctx, query, args...).Scan(&e.ID, &e.Code, &e.Description); err != nil {
		return ingest.Election{}, fmt.Errorf("merge election %s: %w", e.Key, err)
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
	defer func() { metrics.RecordQuery("mssql", "upsert_candidates", start, err) }()

	query, args, err := candidateMerge.build(s.ceiling, storage.CandidateRows(candidates))
	if err != nil {
		return nil, err
	}
	ids := make(map[ingest.CandidateKey]int64, len(candidates))
	err = s.scan(ctx, query, args, func(rows *sql.Rows) error {
		var id int64
		var key ingest.CandidateKey
		if err := rows.Scan(&id, &key.BallotNumber, &key.ElectionID); err != nil {
			return err
		}
		ids[key] = id
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("merge candidates: %w", err)
	}
	return ids, nil
}

func (s *Store) UpsertMunicipalities(ctx context.Context, municipalities []ingest.Municipality) (_ map[ingest.MunicipalityKey]int64, err error) {
	start := time.Now()
	defer func() { metrics.RecordQuery("mssql", "upsert_municipalities", start, err) }()

	query, args, err := municipalityMerge.build(s.ceiling, storage.MunicipalityRows(municipalities))
	if err != nil {
		return nil, err
	}
	ids := make(map[ingest.MunicipalityKey]int64, len(municipalities))
	err = s.scan(ctx, query, args, func(rows *sql.Rows) error {
		var id int64
		var key ingest.MunicipalityKey
		if err := rows.Scan(&id, &key.Name, &key.State); err != nil {
			return err
		}
		ids[key] = id
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("merge municipalities: %w", err)
	}
	return ids, nil
}

func (s *Store) UpsertVotes(ctx context.Context, votes []ingest.VoteRecord) (_ int64, err error) {
	start := time.Now()
	defer func() { metrics.RecordQuery("mssql", "upsert_votes", start, err) }()

	query, args, err := voteMerge.build(s.ceiling, storage.VoteRows(votes))
	if err != nil {
		return 0, err
	}
	res, err := s.queryer().ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("merge votes: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) scan(ctx context.Context, query string, args []any, each func(*sql.Rows) error) error {
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
