package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"golang.org/x/sync/errgroup"

	"github.com/painel-eleitoral/server/internal/metrics"
)

const (
	checkTimeout = 5 * time.Second
	probeTimeout = 2 * time.Second
)

// HealthCheck represents the health status of the server
type HealthCheck struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	GitCommit string                 `json:"git_commit"`
	Slot      string                 `json:"slot,omitempty"`
	Checks    map[string]CheckResult `json:"checks"`
	Timestamp string                 `json:"timestamp"`
}

// CheckResult represents the result of a single health check
type CheckResult struct {
	Status    string         `json:"status"`
	Message   string         `json:"message,omitempty"`
	LatencyMs int64          `json:"latency_ms,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Pinger is the ingestion store as seen by health checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// RowQuerier runs single-row queries. *pgxpool.Pool satisfies it.
type RowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// HealthChecker reports store reachability and, on Postgres, migration and
// job queue state.
type HealthChecker struct {
	store     Pinger
	db        RowQuerier
	jobs      bool
	capacity  func() (inUse, limit int)
	version   string
	gitCommit string
	slot      string
	now       func() time.Time
}

type HealthOption func(*HealthChecker)

// WithPostgres enables the migrations check, and the job queue check when
// jobs is true.
func WithPostgres(db RowQuerier, jobs bool) HealthOption {
	return func(h *HealthChecker) {
		h.db = db
		h.jobs = jobs
	}
}

// WithCapacity reports how many upload slots are taken.
func WithCapacity(fn func() (inUse, limit int)) HealthOption {
	return func(h *HealthChecker) {
		h.capacity = fn
	}
}

func WithSlot(slot string) HealthOption {
	return func(h *HealthChecker) {
		h.slot = slot
	}
}

func NewHealthChecker(store Pinger, version, gitCommit string, opts ...HealthOption) *HealthChecker {
	h := &HealthChecker{
		store:     store,
		version:   version,
		gitCommit: gitCommit,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Health runs every check and answers 503 when any of them fails.
func (h *HealthChecker) Health() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
			respondHealth(w, http.StatusServiceUnavailable, "shutting_down")
			return
		default:
		}

		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		defer cancel()

		checks := h.runChecks(ctx)
		overallStatus, statusCode := summarize(checks)
		h.record(overallStatus, checks)

		response := HealthCheck{
			Status:    overallStatus,
			Version:   h.version,
			GitCommit: h.gitCommit,
			Slot:      h.slot,
			Checks:    checks,
			Timestamp: h.now().UTC().Format(time.RFC3339),
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		_ = json.NewEncoder(w).Encode(response)
	}
}

// Readyz answers 200 once the store responds to a ping.
func (h *HealthChecker) Readyz() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		defer cancel()

		if check := h.checkStore(ctx); check.Status != "pass" {
			respondHealth(w, http.StatusServiceUnavailable, "not_ready")
			return
		}
		respondHealth(w, http.StatusOK, "ready")
	}
}

// runChecks probes every configured dependency concurrently.
func (h *HealthChecker) runChecks(ctx context.Context) map[string]CheckResult {
	probes := map[string]func(context.Context) CheckResult{"store": h.checkStore}
	if h.db != nil {
		probes["migrations"] = h.checkMigrations
		if h.jobs {
			probes["job_queue"] = h.checkJobQueue
		}
	}
	if h.capacity != nil {
		probes["ingest_capacity"] = func(context.Context) CheckResult { return h.checkCapacity() }
	}

	var (
		mu     sync.Mutex
		checks = make(map[string]CheckResult, len(probes))
		g      errgroup.Group
	)
	for name, probe := range probes {
		g.Go(func() error {
			result := probe(ctx)
			mu.Lock()
			checks[name] = result
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return checks
}

// summarize folds check results into the overall status. Any failure
// makes the server unhealthy; warnings only degrade it.
func summarize(checks map[string]CheckResult) (string, int) {
	overall := "healthy"
	for _, check := range checks {
		switch check.Status {
		case "fail":
			return "unhealthy", http.StatusServiceUnavailable
		case "warn":
			overall = "degraded"
		}
	}
	return overall, http.StatusOK
}

func (h *HealthChecker) record(overall string, checks map[string]CheckResult) {
	slot := h.slot
	if slot == "" {
		slot = "default"
	}
	metrics.HealthStatus.WithLabelValues(slot).Set(statusValue(overall))
	for name, check := range checks {
		metrics.HealthCheckStatus.WithLabelValues(name, slot).Set(statusValue(check.Status))
		metrics.HealthCheckLatency.WithLabelValues(name, slot).Set(float64(check.LatencyMs))
	}
}

func statusValue(status string) float64 {
	switch status {
	case "pass", "healthy":
		return 2
	case "warn", "degraded":
		return 1
	default:
		return 0
	}
}

func (h *HealthChecker) checkStore(ctx context.Context) CheckResult {
	if h.store == nil {
		return CheckResult{
			Status:  "fail",
			Message: "Store not initialized",
			Details: map[string]any{"remediation": "Check STORE_KIND and DATABASE_URL"},
		}
	}

	start := time.Now()
	pingCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	err := h.store.Ping(pingCtx)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		message := "Store ping failed"
		details := map[string]any{"error": err.Error()}
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			message = "Store ping timed out"
			details["remediation"] = "Check database load and network latency"
		case strings.Contains(err.Error(), "connection refused"):
			message = "Store connection refused"
			details["remediation"] = "Verify the database is running and DATABASE_URL host/port are correct"
		case strings.Contains(err.Error(), "authentication failed"), strings.Contains(err.Error(), "Login failed"):
			message = "Store authentication failed"
			details["remediation"] = "Verify DATABASE_URL credentials"
		default:
			details["remediation"] = "Check DATABASE_URL and database service status"
		}
		return CheckResult{Status: "fail", Message: message, LatencyMs: latency, Details: details}
	}

	return CheckResult{Status: "pass", Message: "Store reachable", LatencyMs: latency}
}

func (h *HealthChecker) checkMigrations(ctx context.Context) CheckResult {
	start := time.Now()
	migCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	var version int64
	var dirty bool
	err := h.db.QueryRow(migCtx, `SELECT version, dirty FROM schema_migrations ORDER BY version DESC LIMIT 1`).Scan(&version, &dirty)
	latency := time.Since(start).Milliseconds()

	if err != nil {
		message := "Failed to query migration version"
		details := map[string]any{"error": err.Error()}
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			message = "No migrations applied"
			details["remediation"] = "Run: server migrate"
		case strings.Contains(err.Error(), "does not exist"):
			message = "Migrations table not found"
			details["remediation"] = "Run: server migrate"
		default:
			details["remediation"] = "Verify migrations have been applied and schema_migrations exists"
		}
		return CheckResult{Status: "fail", Message: message, LatencyMs: latency, Details: details}
	}

	if dirty {
		return CheckResult{
			Status:    "fail",
			Message:   "Database in dirty migration state - manual intervention required",
			LatencyMs: latency,
			Details: map[string]any{
				"version":     version,
				"dirty":       true,
				"remediation": "Repair the schema by hand, then clear the dirty flag in schema_migrations",
			},
		}
	}

	return CheckResult{
		Status:    "pass",
		Message:   fmt.Sprintf("Migrations applied (version %d)", version),
		LatencyMs: latency,
		Details:   map[string]any{"version": version},
	}
}

func (h *HealthChecker) checkJobQueue(ctx context.Context) CheckResult {
	start := time.Now()
	jobCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	var exists bool
	err := h.db.QueryRow(jobCtx, `SELECT to_regclass('public.river_job') IS NOT NULL`).Scan(&exists)
	if err != nil {
		return CheckResult{
			Status:    "fail",
			Message:   "Failed to check job queue table",
			LatencyMs: time.Since(start).Milliseconds(),
			Details:   map[string]any{"error": err.Error()},
		}
	}
	if !exists {
		return CheckResult{
			Status:    "warn",
			Message:   "River job queue table not found",
			LatencyMs: time.Since(start).Milliseconds(),
			Details:   map[string]any{"remediation": "Run: server migrate"},
		}
	}

	var active int64
	err = h.db.QueryRow(jobCtx,
		`SELECT COUNT(*) FROM river_job WHERE kind = 'ingest_file' AND state = ANY($1)`,
		[]string{"available", "running", "retryable"},
	).Scan(&active)
	latency := time.Since(start).Milliseconds()
	if err != nil {
		return CheckResult{
			Status:    "fail",
			Message:   "Failed to query job queue",
			LatencyMs: latency,
			Details:   map[string]any{"error": err.Error()},
		}
	}

	return CheckResult{
		Status:    "pass",
		Message:   "River job queue operational",
		LatencyMs: latency,
		Details:   map[string]any{"pending_ingest_jobs": active},
	}
}

// checkCapacity warns while every upload slot is taken. New uploads are
// refused with 503 in that state but the server is otherwise fine.
func (h *HealthChecker) checkCapacity() CheckResult {
	inUse, limit := h.capacity()
	details := map[string]any{"in_use": inUse, "limit": limit}
	if limit > 0 && inUse >= limit {
		return CheckResult{Status: "warn", Message: "All ingestion slots in use", Details: details}
	}
	return CheckResult{Status: "pass", Message: "Ingestion slots available", Details: details}
}

// Healthz returns a lightweight liveness response
func Healthz() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondHealth(w, http.StatusOK, "ok")
	})
}

type healthResponse struct {
	Status string `json:"status"`
}

func respondHealth(w http.ResponseWriter, status int, value string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(healthResponse{Status: value})
}
