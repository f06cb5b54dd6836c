package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/spf13/cobra"
)

var (
	// healthcheckCmd represents the healthcheck command
	healthcheckCmd = &cobra.Command{
		Use:   "healthcheck",
		Short: "Check if the server is healthy",
		Long: `Performs a health check by calling the /health endpoint.

This command is used by Docker HEALTHCHECK and deploy scripts to monitor
the server. A server that is still ingesting at full capacity reports
"degraded" and is not counted as healthy.

Exit codes:
  0 - Server is healthy
  1 - Server is unhealthy, degraded or unreachable
  2 - Invalid response from server

Examples:
  server healthcheck
  server healthcheck --slot blue --retries 5
  server healthcheck --url http://painel.internal:8080/health --format json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			url := determineHealthCheckURL()
			result := performHealthCheckWithRetries(url)
			if err := writeHealthResult(cmd.OutOrStdout(), result, healthcheckFormat); err != nil {
				return err
			}
			if code := result.exitCode(); code != 0 {
				os.Exit(code)
			}
			return nil
		},
	}

	// Flags
	healthcheckTimeout    int
	healthcheckURL        string
	healthcheckSlot       string
	healthcheckRetries    int
	healthcheckRetryDelay time.Duration
	healthcheckFormat     string
)

func init() {
	rootCmd.AddCommand(healthcheckCmd)

	healthcheckCmd.Flags().IntVar(&healthcheckTimeout, "timeout", 5, "timeout in seconds per attempt")
	healthcheckCmd.Flags().StringVar(&healthcheckURL, "url", "", "health check URL (default: http://localhost:{SERVER_PORT}/health)")
	healthcheckCmd.Flags().StringVar(&healthcheckSlot, "slot", "", "check a deployment slot on its local port (blue=8081, green=8082)")
	healthcheckCmd.Flags().IntVar(&healthcheckRetries, "retries", 0, "retries after a failed attempt")
	healthcheckCmd.Flags().DurationVar(&healthcheckRetryDelay, "retry-delay", 2*time.Second, "wait between attempts")
	healthcheckCmd.Flags().StringVar(&healthcheckFormat, "format", "text", "output format (text, json)")
}

// HealthResponse matches the body served by internal/api/handlers/health.go.
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version,omitempty"`
	GitCommit string                 `json:"git_commit,omitempty"`
	Slot      string                 `json:"slot,omitempty"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
	Timestamp string                 `json:"timestamp,omitempty"`
}

// CheckResult is one named check inside HealthResponse.
type CheckResult struct {
	Status    string         `json:"status"`
	Message   string         `json:"message,omitempty"`
	LatencyMs int64          `json:"latency_ms,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// HealthCheckResult is the outcome of probing one URL.
type HealthCheckResult struct {
	URL        string          `json:"url"`
	Status     string          `json:"status"`
	StatusCode int             `json:"status_code,omitempty"`
	IsHealthy  bool            `json:"is_healthy"`
	LatencyMs  int64           `json:"latency_ms"`
	RetryCount int             `json:"retry_count,omitempty"`
	Slot       string          `json:"slot,omitempty"`
	Error      string          `json:"error,omitempty"`
	Invalid    bool            `json:"-"`
	Response   *HealthResponse `json:"response,omitempty"`
}

func (r HealthCheckResult) exitCode() int {
	switch {
	case r.IsHealthy:
		return 0
	case r.Invalid:
		return 2
	default:
		return 1
	}
}

func getSlotPort(slot string) int {
	switch slot {
	case "blue":
		return 8081
	case "green":
		return 8082
	default:
		return 8080
	}
}

func determineHealthCheckURL() string {
	if healthcheckURL != "" {
		return healthcheckURL
	}
	if healthcheckSlot != "" {
		return fmt.Sprintf("http://localhost:%d/health", getSlotPort(healthcheckSlot))
	}
	port := os.Getenv("SERVER_PORT")
	if _, err := strconv.Atoi(port); err != nil {
		port = "8080"
	}
	return fmt.Sprintf("http://localhost:%s/health", port)
}

func performHealthCheck(url string) HealthCheckResult {
	result := HealthCheckResult{URL: url, Slot: healthcheckSlot}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(healthcheckTimeout)*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		result.Error = fmt.Sprintf("create request: %v", err)
		return result
	}

	start := time.Now()
	resp, err := http.DefaultClient.Do(req)
	result.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		result.Status = "unreachable"
		result.Error = err.Error()
		return result
	}
	defer func() { _ = resp.Body.Close() }()
	result.StatusCode = resp.StatusCode

	var body HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		result.Status = "invalid"
		result.Invalid = true
		result.Error = fmt.Sprintf("parse health response: %v", err)
		return result
	}
	result.Response = &body
	result.Status = body.Status
	if result.Slot == "" {
		result.Slot = body.Slot
	}
	result.IsHealthy = resp.StatusCode == http.StatusOK && body.Status == "healthy"
	return result
}

func performHealthCheckWithRetries(url string) HealthCheckResult {
	var result HealthCheckResult
	for attempt := 0; ; attempt++ {
		result = performHealthCheck(url)
		result.RetryCount = attempt
		if result.IsHealthy || attempt >= healthcheckRetries {
			return result
		}
		time.Sleep(healthcheckRetryDelay)
	}
}

func writeHealthResult(w io.Writer, result HealthCheckResult, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	case "text", "":
	default:
		return fmt.Errorf("unknown format %q (want text or json)", format)
	}

	mark := "✓"
	if !result.IsHealthy {
		mark = "✗"
	}
	fmt.Fprintf(w, "%s %s: %s (%dms)\n", mark, result.URL, result.Status, result.LatencyMs)
	if result.Error != "" {
		fmt.Fprintf(w, "  error: %s\n", result.Error)
	}
	if result.Response == nil {
		return nil
	}
	names := make([]string, 0, len(result.Response.Checks))
	for name := range result.Response.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		check := result.Response.Checks[name]
		if check.Message != "" {
			fmt.Fprintf(w, "  %-12s %s  %s\n", name, check.Status, check.Message)
		} else {
			fmt.Fprintf(w, "  %-12s %s\n", name, check.Status)
		}
	}
	return nil
}
