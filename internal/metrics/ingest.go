package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/painel-eleitoral/server/internal/domain/ingest"
)

// Ingestion metrics
var (
	// IngestRowsTotal counts source rows by outcome
	IngestRowsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_rows_total",
			Help:      "Total number of source rows processed by outcome",
		},
		[]string{"kind"}, // kind: read|valid|rejected|upserted|duplicate
	)

	// IngestRejectionsTotal counts rejected rows by reason
	IngestRejectionsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_rejections_total",
			Help:      "Total number of rejected source rows by reason",
		},
		[]string{"reason"},
	)

	// IngestStatementsTotal counts store round trips issued by runs
	IngestStatementsTotal = promauto.With(Registry).NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "store_statements_total",
			Help:      "Total number of store statements issued by ingestion runs",
		},
	)

	// IngestDimensionsCreated counts dimension rows first seen by a run
	IngestDimensionsCreated = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_dimensions_created_total",
			Help:      "Total number of dimension rows created by ingestion runs",
		},
		[]string{"table"},
	)

	// IngestBatchDuration records the end-to-end time of one batch
	IngestBatchDuration = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "batch_duration_seconds",
			Help:      "Ingestion batch duration in seconds, resolve through upsert",
			Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
		},
	)

	// IngestRunsTotal counts finished runs by outcome
	IngestRunsTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of ingestion runs by final status",
		},
		[]string{"status"}, // status: completed|failed|canceled
	)

	// IngestRunsInFlight tracks runs currently streaming
	IngestRunsInFlight = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "runs_in_flight",
			Help:      "Current number of ingestion runs in progress",
		},
	)
)

// IngestObserver feeds orchestrator statistics into the Prometheus registry.
type IngestObserver struct{}

var _ ingest.Observer = IngestObserver{}

func (IngestObserver) ObserveBatch(stats ingest.BatchStats) {
	IngestBatchDuration.Observe(stats.Duration.Seconds())
	IngestStatementsTotal.Add(float64(stats.Statements))
	if stats.CandidatesCreated > 0 {
		IngestDimensionsCreated.WithLabelValues("candidates").Add(float64(stats.CandidatesCreated))
	}
	if stats.MunicipalitiesCreated > 0 {
		IngestDimensionsCreated.WithLabelValues("municipalities").Add(float64(stats.MunicipalitiesCreated))
	}
}

func (IngestObserver) ObserveRun(summary ingest.Summary, err error) {
	IngestRowsTotal.WithLabelValues("read").Add(float64(summary.LinesRead))
	IngestRowsTotal.WithLabelValues("valid").Add(float64(summary.ValidRows))
	IngestRowsTotal.WithLabelValues("rejected").Add(float64(summary.RejectedRows))
	IngestRowsTotal.WithLabelValues("upserted").Add(float64(summary.FactsUpserted))
	IngestRowsTotal.WithLabelValues("duplicate").Add(float64(summary.DuplicateRows))
	for reason, n := range summary.Rejections {
		IngestRejectionsTotal.WithLabelValues(reason).Add(float64(n))
	}
	IngestRunsTotal.WithLabelValues(RunStatus(err)).Inc()
}

// RunStatus maps a run error to the status label used by run counters.
func RunStatus(err error) string {
	switch {
	case err == nil:
		return "completed"
	case errors.Is(err, ingest.ErrCanceled):
		return "canceled"
	default:
		return "failed"
	}
}

// TrackRun increments runs_in_flight and returns the matching decrement.
//
//	defer metrics.TrackRun()()
func TrackRun() func() {
	IngestRunsInFlight.Inc()
	return IngestRunsInFlight.Dec
}
