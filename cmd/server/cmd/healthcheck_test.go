package cmd

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

func serveHealth(t *testing.T, code int, body string) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv.URL + "/health"
}

func TestPerformHealthCheck(t *testing.T) {
	cases := []struct {
		name     string
		code     int
		body     string
		status   string
		healthy  bool
		invalid  bool
		exitCode int
	}{
		{
			name:     "all checks pass",
			code:     http.StatusOK,
			body:     `{"status":"healthy","slot":"green","checks":{"store":{"status":"pass","latency_ms":3}}}`,
			status:   "healthy",
			healthy:  true,
			exitCode: 0,
		},
		{
			name:     "ingestion slots exhausted",
			code:     http.StatusOK,
			body:     `{"status":"degraded","checks":{"store":{"status":"pass"},"ingestion":{"status":"warn","message":"All ingestion slots in use"}}}`,
			status:   "degraded",
			exitCode: 1,
		},
		{
			name:     "store down",
			code:     http.StatusServiceUnavailable,
			body:     `{"status":"unhealthy","checks":{"store":{"status":"fail"}}}`,
			status:   "unhealthy",
			exitCode: 1,
		},
		{
			name:     "healthy body on error status",
			code:     http.StatusInternalServerError,
			body:     `{"status":"healthy"}`,
			status:   "healthy",
			exitCode: 1,
		},
		{
			name:     "html error page",
			code:     http.StatusOK,
			body:     `<html>bad gateway</html>`,
			status:   "invalid",
			invalid:  true,
			exitCode: 2,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := performHealthCheck(serveHealth(t, tc.code, tc.body))

			if got.Status != tc.status {
				t.Errorf("Status = %q, want %q", got.Status, tc.status)
			}
			if got.IsHealthy != tc.healthy || got.Invalid != tc.invalid {
				t.Errorf("healthy/invalid = %v/%v, want %v/%v", got.IsHealthy, got.Invalid, tc.healthy, tc.invalid)
			}
			if got.StatusCode != tc.code {
				t.Errorf("StatusCode = %d, want %d", got.StatusCode, tc.code)
			}
			if tc.invalid && got.Error == "" {
				t.Error("expected a parse error")
			}
			if code := got.exitCode(); code != tc.exitCode {
				t.Errorf("exitCode() = %d, want %d", code, tc.exitCode)
			}
		})
	}
}

func TestPerformHealthCheckSlotFromBody(t *testing.T) {
	got := performHealthCheck(serveHealth(t, http.StatusOK, `{"status":"healthy","slot":"green"}`))
	if got.Slot != "green" {
		t.Errorf("Slot = %q, want green from the response", got.Slot)
	}
}

func TestPerformHealthCheckUnreachable(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	orig := healthcheckTimeout
	healthcheckTimeout = 1
	defer func() { healthcheckTimeout = orig }()

	got := performHealthCheck(srv.URL)
	if got.Status != "unreachable" || got.Error == "" {
		t.Errorf("expected unreachable with an error, got %+v", got)
	}
	if code := got.exitCode(); code != 1 {
		t.Errorf("exitCode() = %d, want 1", code)
	}
}

func TestHealthCheckURL(t *testing.T) {
	origURL, origSlot := healthcheckURL, healthcheckSlot
	defer func() { healthcheckURL, healthcheckSlot = origURL, origSlot }()

	cases := []struct {
		url, slot, port string
		want            string
	}{
		{url: "http://painel.internal/health", slot: "blue", want: "http://painel.internal/health"},
		{slot: "blue", want: "http://localhost:8081/health"},
		{slot: "green", port: "9000", want: "http://localhost:8082/health"},
		{slot: "purple", want: "http://localhost:8080/health"},
		{port: "9000", want: "http://localhost:9000/health"},
		{port: "eighty", want: "http://localhost:8080/health"},
		{want: "http://localhost:8080/health"},
	}
	for _, tc := range cases {
		healthcheckURL, healthcheckSlot = tc.url, tc.slot
		t.Setenv("SERVER_PORT", tc.port)
		if got := determineHealthCheckURL(); got != tc.want {
			t.Errorf("url=%q slot=%q port=%q: got %s, want %s", tc.url, tc.slot, tc.port, got, tc.want)
		}
	}
}

func TestHealthCheckRetries(t *testing.T) {
	origRetries, origDelay := healthcheckRetries, healthcheckRetryDelay
	defer func() { healthcheckRetries, healthcheckRetryDelay = origRetries, origDelay }()
	healthcheckRetryDelay = 10 * time.Millisecond

	// flaky reports unhealthy until it has been called healthyAfter times
	flaky := func(healthyAfter int32) (string, *atomic.Int32) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if calls.Add(1) < healthyAfter {
				w.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(w).Encode(HealthResponse{Status: "starting"})
				return
			}
			_ = json.NewEncoder(w).Encode(HealthResponse{Status: "healthy"})
		}))
		t.Cleanup(srv.Close)
		return srv.URL, &calls
	}

	t.Run("recovers", func(t *testing.T) {
		healthcheckRetries = 3
		url, calls := flaky(3)
		got := performHealthCheckWithRetries(url)
		if !got.IsHealthy || got.RetryCount != 2 || calls.Load() != 3 {
			t.Errorf("healthy=%v retries=%d calls=%d, want true/2/3", got.IsHealthy, got.RetryCount, calls.Load())
		}
	})

	t.Run("gives up", func(t *testing.T) {
		healthcheckRetries = 2
		url, calls := flaky(100)
		got := performHealthCheckWithRetries(url)
		if got.IsHealthy || got.RetryCount != 2 || calls.Load() != 3 {
			t.Errorf("healthy=%v retries=%d calls=%d, want false/2/3", got.IsHealthy, got.RetryCount, calls.Load())
		}
		if got.Status != "starting" {
			t.Errorf("expected last status to be reported, got %q", got.Status)
		}
	})

	t.Run("no retries", func(t *testing.T) {
		healthcheckRetries = 0
		url, calls := flaky(100)
		_ = performHealthCheckWithRetries(url)
		if calls.Load() != 1 {
			t.Errorf("calls = %d, want 1", calls.Load())
		}
	})
}

func TestWriteHealthResult(t *testing.T) {
	result := HealthCheckResult{
		URL:        "http://localhost:8082/health",
		Status:     "degraded",
		StatusCode: http.StatusOK,
		LatencyMs:  17,
		Slot:       "green",
		Response: &HealthResponse{
			Status: "degraded",
			Checks: map[string]CheckResult{
				"store":     {Status: "pass"},
				"ingestion": {Status: "warn", Message: "All ingestion slots in use"},
				"jobs":      {Status: "pass"},
			},
		},
	}

	var text bytes.Buffer
	if err := writeHealthResult(&text, result, "text"); err != nil {
		t.Fatalf("text: %v", err)
	}
	out := text.String()
	if !strings.HasPrefix(out, "✗ http://localhost:8082/health: degraded (17ms)\n") {
		t.Errorf("unexpected first line in:\n%s", out)
	}
	if !strings.Contains(out, "All ingestion slots in use") {
		t.Errorf("expected check message in:\n%s", out)
	}
	ing, jobs, store := strings.Index(out, "ingestion"), strings.Index(out, "jobs"), strings.Index(out, "store")
	if !(ing < jobs && jobs < store) {
		t.Errorf("expected checks sorted by name:\n%s", out)
	}

	var js bytes.Buffer
	if err := writeHealthResult(&js, result, "json"); err != nil {
		t.Fatalf("json: %v", err)
	}
	var decoded HealthCheckResult
	if err := json.Unmarshal(js.Bytes(), &decoded); err != nil {
		t.Fatalf("decode json output: %v", err)
	}
	if decoded.Slot != "green" || decoded.LatencyMs != 17 || decoded.Response.Checks["ingestion"].Status != "warn" {
		t.Errorf("unexpected json result %+v", decoded)
	}

	if err := writeHealthResult(io.Discard, result, "yaml"); err == nil {
		t.Error("expected error for unknown format")
	}

	var failed bytes.Buffer
	_ = writeHealthResult(&failed, HealthCheckResult{URL: "http://x/health", Status: "unreachable", Error: "connection refused"}, "")
	if !strings.Contains(failed.String(), "error: connection refused") {
		t.Errorf("expected error line, got %q", failed.String())
	}
}
