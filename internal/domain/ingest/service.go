package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"

	"github.com/painel-eleitoral/server/internal/domain/ids"
	"github.com/painel-eleitoral/server/internal/domain/tse"
)

var ErrNotFound = errors.New("ingestion run not found")

// RunStatus is the persisted status of a run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
)

// Run is the persisted record of one ingestion.
type Run struct {
	ID                    string     `json:"id"`
	Source                string     `json:"source"`
	Status                RunStatus  `json:"status"`
	StartedAt             time.Time  `json:"started_at"`
	FinishedAt            *time.Time `json:"finished_at,omitempty"`
	LinesRead             int64      `json:"lines_read"`
	ValidRows             int64      `json:"valid_rows"`
	RejectedRows          int64      `json:"rejected_rows"`
	FactsUpserted         int64      `json:"facts_upserted"`
	CandidatesCreated     int64      `json:"candidates_created"`
	MunicipalitiesCreated int64      `json:"municipalities_created"`
	Error                 string     `json:"error,omitempty"`
}

// RunFilter selects runs newest first. A non-zero BeforeStartedAt resumes
// listing strictly after the (BeforeStartedAt, BeforeID) keyset position.
type RunFilter struct {
	Status          RunStatus
	Limit           int
	BeforeStartedAt time.Time
	BeforeID        string
}

// RunRepository persists run records.
type RunRepository interface {
	CreateRun(ctx context.Context, run Run) error
	FinishRun(ctx context.Context, run Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]Run, error)
	DeleteRunsBefore(ctx context.Context, before time.Time) (int64, error)
}

// Service records runs around the orchestrator. runs may be nil, in which
// case nothing is persisted beyond the ingested data itself.
type Service struct {
	orchestrator *Orchestrator
	runs         RunRepository
	logger       zerolog.Logger
	now          func() time.Time
}

// NewService wraps orchestrator; runs may be nil.
func NewService(orchestrator *Orchestrator, runs RunRepository, logger zerolog.Logger) *Service {
	return &Service{
		orchestrator: orchestrator,
		runs:         runs,
		logger:       logger.With().Str("component", "ingest_service").Logger(),
		now:          time.Now,
	}
}

// IngestRequest names one source to ingest.
type IngestRequest struct {
	Source    string
	Body      io.Reader
	RowsTotal *int64
	Reader    tse.ReaderOptions
}

// Ingest assigns a run id, records the run, runs it and records the
// outcome. Failing to record the outcome is logged, not returned: the data
// is already written.
func (s *Service) Ingest(ctx context.Context, req IngestRequest, sink EventSink) (Summary, error) {
	id, err := ids.NewULID()
	if err != nil {
		return Summary{}, fmt.Errorf("generate run id: %w", err)
	}
	run := Run{ID: id, Source: req.Source, Status: RunRunning, StartedAt: s.now().UTC()}
	if s.runs != nil {
		if err := s.runs.CreateRun(ctx, run); err != nil {
			return Summary{RunID: id, State: StateFailed}, fmt.Errorf("create ingestion run: %w", err)
		}
	}

	summary, runErr := s.orchestrator.Run(ctx, req.Body, sink, RunOptions{
		RunID:     id,
		RowsTotal: req.RowsTotal,
		Reader:    req.Reader,
	})

	if s.runs != nil {
		finished := s.now().UTC()
		run.FinishedAt = &finished
		run.Status = RunCompleted
		if runErr != nil {
			run.Status = RunFailed
			run.Error = runErr.Error()
		}
		run.LinesRead = summary.LinesRead
		run.ValidRows = summary.ValidRows
		run.RejectedRows = summary.RejectedRows
		run.FactsUpserted = summary.FactsUpserted
		run.CandidatesCreated = int64(summary.CandidatesCreated)
		run.MunicipalitiesCreated = int64(summary.MunicipalitiesCreated)
		// The request context is usually gone when a client disconnected.
		if err := s.runs.FinishRun(context.WithoutCancel(ctx), run); err != nil {
			s.logger.Error().Err(err).Str("run_id", id).Msg("failed to record ingestion outcome")
		}
	}
	return summary, runErr
}

// GetRun returns ErrNotFound for an unknown id.
func (s *Service) GetRun(ctx context.Context, id string) (*Run, error) {
	if err := ids.ValidateULID(id); err != nil {
		return nil, ErrNotFound
	}
	if s.runs == nil {
		return nil, ErrNotFound
	}
	return s.runs.GetRun(ctx, id)
}

// ListRuns pages run records newest first.
func (s *Service) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	if s.runs == nil {
		return nil, nil
	}
	if filter.Limit <= 0 || filter.Limit > 200 {
		filter.Limit = 50
	}
	return s.runs.ListRuns(ctx, filter)
}

// PruneRuns deletes run records that started before now minus retention.
func (s *Service) PruneRuns(ctx context.Context, retention time.Duration) (int64, error) {
	if s.runs == nil {
		return 0, nil
	}
	return s.runs.DeleteRunsBefore(ctx, s.now().Add(-retention))
}
