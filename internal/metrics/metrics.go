// Package metrics owns the Prometheus registry and every collector the
// server exports. All series share the "painel" namespace.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "painel"

// Registry is served on /metrics. The default registerer is not used.
var Registry = prometheus.NewRegistry()

// AppInfo is constant 1; the build lives in the labels.
var AppInfo = promauto.With(Registry).NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "app_info",
		Help:      "Build information of the running binary.",
	},
	[]string{"version", "commit", "build_date", "active_slot"},
)

// Health gauges encode fail/unhealthy as 0, warn/degraded as 1 and
// pass/healthy as 2.
var (
	HealthStatus = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "status",
			Help:      "Result of the last /health evaluation.",
		},
		[]string{"slot"},
	)

	HealthCheckStatus = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "check_status",
			Help:      "Result of each probe in the last /health evaluation.",
		},
		[]string{"check", "slot"},
	)

	HealthCheckLatency = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "health",
			Name:      "check_latency_ms",
			Help:      "Duration of each probe in the last /health evaluation.",
		},
		[]string{"check", "slot"},
	)
)

var (
	RunsCleanupDeleted = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runs_cleanup",
			Name:      "deleted_total",
			Help:      "Run records removed by the retention job.",
		},
		[]string{"slot"},
	)

	RunsCleanupErrors = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runs_cleanup",
			Name:      "errors_total",
			Help:      "Retention job executions that failed.",
		},
		[]string{"slot"},
	)
)

var registerRuntime sync.Once

// Init registers the Go and process collectors on first use and replaces
// the AppInfo series. activeSlot is "true", "false" or "unknown".
func Init(version, commit, buildDate, activeSlot string) {
	registerRuntime.Do(func() {
		Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})

	AppInfo.Reset()
	AppInfo.WithLabelValues(version, commit, buildDate, activeSlot).Set(1)
}
