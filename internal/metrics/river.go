package metrics

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
)

// Job outcomes reported by RiverJobsCompleted.
const (
	JobSucceeded = "success"
	JobRetrying  = "retry"
	JobDiscarded = "discarded"
)

var (
	RiverJobsQueued = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "queued_total",
			Help:      "Background jobs inserted into the River queue.",
		},
		[]string{"kind", "slot"},
	)

	RiverJobsInFlight = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "in_flight",
			Help:      "Background jobs currently being worked.",
		},
		[]string{"kind", "slot"},
	)

	// RiverJobWait is the delay between a job becoming runnable and a
	// worker picking it up.
	RiverJobWait = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "wait_seconds",
			Help:      "Time jobs spent queued before work began.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 4, 8),
		},
		[]string{"kind", "slot"},
	)

	// A whole-state export can take most of an hour.
	RiverJobDuration = promauto.With(Registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Background job execution time.",
			Buckets:   []float64{0.1, 1, 5, 15, 60, 300, 900, 1800, 3600},
		},
		[]string{"kind", "slot"},
	)

	RiverJobsCompleted = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "jobs",
			Name:      "completed_total",
			Help:      "Background job attempts by outcome (success, retry, discarded).",
		},
		[]string{"kind", "slot", "result"},
	)
)

// RiverMetricsHook records queue and execution metrics for every River job.
type RiverMetricsHook struct {
	river.HookDefaults
	Slot string

	mu      sync.Mutex
	started map[int64]time.Time
	now     func() time.Time
}

// NewRiverMetricsHook labels metrics with the deployment slot, or
// "default" outside a blue/green pair.
func NewRiverMetricsHook(slot string) *RiverMetricsHook {
	if slot == "" {
		slot = "default"
	}
	return &RiverMetricsHook{
		Slot:    slot,
		started: make(map[int64]time.Time),
		now:     time.Now,
	}
}

func (h *RiverMetricsHook) InsertBegin(_ context.Context, params *rivertype.JobInsertParams) error {
	RiverJobsQueued.WithLabelValues(params.Kind, h.Slot).Inc()
	return nil
}

func (h *RiverMetricsHook) WorkBegin(_ context.Context, job *rivertype.JobRow) error {
	now := h.now()
	RiverJobsInFlight.WithLabelValues(job.Kind, h.Slot).Inc()
	if !job.ScheduledAt.IsZero() && now.After(job.ScheduledAt) {
		RiverJobWait.WithLabelValues(job.Kind, h.Slot).Observe(now.Sub(job.ScheduledAt).Seconds())
	}

	h.mu.Lock()
	h.started[job.ID] = now
	h.mu.Unlock()
	return nil
}

func (h *RiverMetricsHook) WorkEnd(_ context.Context, job *rivertype.JobRow, err error) error {
	RiverJobsInFlight.WithLabelValues(job.Kind, h.Slot).Dec()

	h.mu.Lock()
	began, ok := h.started[job.ID]
	delete(h.started, job.ID)
	h.mu.Unlock()
	if ok {
		RiverJobDuration.WithLabelValues(job.Kind, h.Slot).Observe(h.now().Sub(began).Seconds())
	}

	RiverJobsCompleted.WithLabelValues(job.Kind, h.Slot, jobOutcome(job, err)).Inc()
	return nil
}

// jobOutcome distinguishes a failure River will retry from one that used
// the last attempt.
func jobOutcome(job *rivertype.JobRow, err error) string {
	switch {
	case err == nil:
		return JobSucceeded
	case job.MaxAttempts > 0 && job.Attempt >= job.MaxAttempts:
		return JobDiscarded
	default:
		return JobRetrying
	}
}
