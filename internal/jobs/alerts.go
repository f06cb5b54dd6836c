package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"

	"github.com/painel-eleitoral/server/internal/domain/ingest"
)

// AlertFunc is invoked when a job fails or panics.
type AlertFunc func(ctx context.Context, job *rivertype.JobRow, err error)

// AlertingErrorHandler logs and forwards job failures for alerting.
type AlertingErrorHandler struct {
	Logger *slog.Logger
	Notify AlertFunc
}

// NewAlertingErrorHandler builds an ErrorHandler that logs and forwards errors.
func NewAlertingErrorHandler(logger *slog.Logger, notify AlertFunc) *AlertingErrorHandler {
	return &AlertingErrorHandler{
		Logger: logger,
		Notify: notify,
	}
}

func (h *AlertingErrorHandler) HandleError(ctx context.Context, job *rivertype.JobRow, err error) *river.ErrorHandlerResult {
	if h.Logger != nil {
		attrs := append(jobAttrs(job), slog.Any("error", err))
		attrs = append(attrs, ingestAttrs(err)...)
		h.Logger.LogAttrs(ctx, slog.LevelError, "job failed", attrs...)
	}
	if h.Notify != nil {
		h.Notify(ctx, job, err)
	}
	return nil
}

func (h *AlertingErrorHandler) HandlePanic(ctx context.Context, job *rivertype.JobRow, panicVal any, trace string) *river.ErrorHandlerResult {
	panicErr := fmt.Errorf("panic: %v", panicVal)
	if h.Logger != nil {
		attrs := append(jobAttrs(job), slog.Any("error", panicErr), slog.String("trace", trace))
		h.Logger.LogAttrs(ctx, slog.LevelError, "job panicked", attrs...)
	}
	if h.Notify != nil {
		h.Notify(ctx, job, panicErr)
	}
	return nil
}

func jobAttrs(job *rivertype.JobRow) []slog.Attr {
	return []slog.Attr{
		slog.Int64("job_id", job.ID),
		slog.String("kind", job.Kind),
		slog.Int("attempt", job.Attempt),
		slog.Int("max_attempts", job.MaxAttempts),
	}
}

// ingestAttrs locates a failed ingest in the file: which batch, and for
// fact failures how many rows were already committed.
func ingestAttrs(err error) []slog.Attr {
	var (
		dimErr  *ingest.DimensionError
		factErr *ingest.FactUpsertError
		readErr *ingest.StreamError
	)
	switch {
	case errors.As(err, &factErr):
		return []slog.Attr{
			slog.String("failure", "facts"),
			slog.Int("batch", factErr.Batch),
			slog.Int("sub_batch", factErr.SubBatch),
			slog.Int64("committed", factErr.Committed),
		}
	case errors.As(err, &dimErr):
		return []slog.Attr{
			slog.String("failure", "dimensions"),
			slog.Int("batch", dimErr.Batch),
			slog.String("table", dimErr.Table),
		}
	case errors.As(err, &readErr):
		return []slog.Attr{
			slog.String("failure", "stream"),
			slog.Int("line", readErr.Line),
		}
	}
	return nil
}
