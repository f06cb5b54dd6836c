package jobs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/riverqueue/river"
	"github.com/rs/zerolog"

	"github.com/painel-eleitoral/server/internal/domain/ingest"
	"github.com/painel-eleitoral/server/internal/domain/tse"
	"github.com/painel-eleitoral/server/internal/metrics"
	"github.com/painel-eleitoral/server/internal/sourcefile"
)

// Ingester is the part of ingest.Service the ingest worker needs.
type Ingester interface {
	Ingest(ctx context.Context, req ingest.IngestRequest, sink ingest.EventSink) (ingest.Summary, error)
}

// RunPruner is the part of ingest.Service the cleanup worker needs.
type RunPruner interface {
	PruneRuns(ctx context.Context, retention time.Duration) (int64, error)
}

// IngestFileArgs enqueues ingestion of a file readable by the job runner.
// Path may be a .zip archive, in which case each data entry is a run.
type IngestFileArgs struct {
	Path      string `json:"path"`
	Encoding  string `json:"encoding,omitempty"`
	CountRows bool   `json:"count_rows,omitempty"`
}

func (IngestFileArgs) Kind() string { return JobKindIngestFile }

// IngestFileWorker streams a server-local file through the ingestion
// pipeline. Progress goes to the log instead of a client.
type IngestFileWorker struct {
	river.WorkerDefaults[IngestFileArgs]
	Service Ingester
	Reader  tse.ReaderOptions
	Logger  zerolog.Logger
}

func (IngestFileWorker) Kind() string { return JobKindIngestFile }

// Timeout disables River's default per-job timeout: a state-wide export
// takes far longer than a minute and each store call has its own deadline.
func (IngestFileWorker) Timeout(*river.Job[IngestFileArgs]) time.Duration { return -1 }

func (w IngestFileWorker) Work(ctx context.Context, job *river.Job[IngestFileArgs]) error {
	if w.Service == nil {
		return fmt.Errorf("ingest service not configured")
	}
	if job == nil {
		return fmt.Errorf("ingest file job missing")
	}
	if job.Args.Path == "" {
		return river.JobCancel(fmt.Errorf("path is required"))
	}

	sources, err := sourcefile.Resolve(job.Args.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, sourcefile.ErrNoEntries) {
			return river.JobCancel(err)
		}
		return err
	}

	reader := w.Reader
	if job.Args.Encoding != "" {
		reader.Encoding = job.Args.Encoding
	}

	logger := w.Logger.With().Int64("job_id", job.ID).Int("attempt", job.Attempt).Logger()
	for _, src := range sources {
		if err := w.ingestOne(ctx, logger, src, reader, job.Args.CountRows); err != nil {
			return err
		}
	}
	return nil
}

func (w IngestFileWorker) ingestOne(ctx context.Context, logger zerolog.Logger, src sourcefile.Source, reader tse.ReaderOptions, count bool) error {
	var total *int64
	if count {
		n, err := sourcefile.CountRows(src)
		if err != nil {
			return fmt.Errorf("count rows of %s: %w", src.Name, err)
		}
		total = &n
	}

	body, err := src.Open()
	if err != nil {
		return fmt.Errorf("open %s: %w", src.Name, err)
	}
	defer body.Close()

	done := metrics.TrackRun()
	defer done()

	logger = logger.With().Str("source", src.Name).Logger()
	summary, err := w.Service.Ingest(ctx, ingest.IngestRequest{
		Source:    src.Name,
		Body:      body,
		RowsTotal: total,
		Reader:    reader,
	}, ingest.LogSink(logger))
	if err != nil {
		// A malformed file fails the same way on every attempt.
		var streamErr *ingest.StreamError
		if errors.As(err, &streamErr) {
			return river.JobCancel(fmt.Errorf("ingest %s: %w", src.Name, err))
		}
		return fmt.Errorf("ingest %s: %w", src.Name, err)
	}

	logger.Info().
		Str("run_id", summary.RunID).
		Int64("facts_upserted", summary.FactsUpserted).
		Int64("rejected_rows", summary.RejectedRows).
		Msg("file ingested")
	return nil
}

// RunsCleanupArgs defines the periodic retention sweep of run records.
type RunsCleanupArgs struct{}

func (RunsCleanupArgs) Kind() string { return JobKindRunsCleanup }

// RunsCleanupWorker deletes finished run records older than Retention.
type RunsCleanupWorker struct {
	river.WorkerDefaults[RunsCleanupArgs]
	Runs      RunPruner
	Retention time.Duration
	Slot      string
	Logger    zerolog.Logger
}

func (RunsCleanupWorker) Kind() string { return JobKindRunsCleanup }

func (w RunsCleanupWorker) Work(ctx context.Context, job *river.Job[RunsCleanupArgs]) error {
	if w.Runs == nil {
		return fmt.Errorf("run repository not configured")
	}
	if w.Retention <= 0 {
		return nil
	}
	slot := w.Slot
	if slot == "" {
		slot = "default"
	}

	deleted, err := w.Runs.PruneRuns(ctx, w.Retention)
	if err != nil {
		metrics.RunsCleanupErrors.WithLabelValues(slot).Inc()
		return fmt.Errorf("prune ingestion runs: %w", err)
	}
	metrics.RunsCleanupDeleted.WithLabelValues(slot).Add(float64(deleted))
	if deleted > 0 {
		w.Logger.Info().Int64("deleted", deleted).Dur("retention", w.Retention).Msg("pruned ingestion runs")
	}
	return nil
}

// IngestService is satisfied by *ingest.Service.
type IngestService interface {
	Ingester
	RunPruner
}

// WorkerDeps are the collaborators registered workers need.
type WorkerDeps struct {
	Service   IngestService
	Reader    tse.ReaderOptions
	Retention time.Duration
	Slot      string
	Logger    zerolog.Logger
}

// NewWorkers registers every job kind.
func NewWorkers(deps WorkerDeps) *river.Workers {
	logger := deps.Logger.With().Str("component", "jobs").Logger()
	workers := river.NewWorkers()
	river.AddWorker[IngestFileArgs](workers, IngestFileWorker{
		Service: deps.Service,
		Reader:  deps.Reader,
		Logger:  logger,
	})
	river.AddWorker[RunsCleanupArgs](workers, RunsCleanupWorker{
		Runs:      deps.Service,
		Retention: deps.Retention,
		Slot:      deps.Slot,
		Logger:    logger,
	})
	return workers
}
