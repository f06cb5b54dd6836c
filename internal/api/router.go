package api

import (
	"net/http"
	"sort"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/painel-eleitoral/server/internal/api/handlers"
	"github.com/painel-eleitoral/server/internal/api/middleware"
	"github.com/painel-eleitoral/server/internal/config"
	"github.com/painel-eleitoral/server/internal/metrics"
)

// Deps is everything the HTTP surface needs. Ingest and Health are
// required; Metrics may be disabled through config.
type Deps struct {
	Config  config.Config
	Logger  zerolog.Logger
	Ingest  *handlers.IngestHandler
	Health  *handlers.HealthChecker
	Build   BuildInfo
	Metrics bool
}

// NewRouter mounts the ingestion API and the operational endpoints. Every
// request gets a request id, a span, an access log line and HTTP metrics.
func NewRouter(deps Deps) http.Handler {
	cfg := deps.Config

	rateLimit := middleware.RateLimit(cfg.RateLimit)
	uploadSize := middleware.RequestSize(cfg.Ingest.MaxUploadBytes)
	jsonSize := middleware.JSONRequestSize()

	mux := http.NewServeMux()

	mux.Handle("POST /api/v1/ingestions", rateLimit(uploadSize(http.HandlerFunc(deps.Ingest.Upload))))
	mux.Handle("GET /api/v1/ingestions", http.HandlerFunc(deps.Ingest.List))
	mux.Handle("GET /api/v1/ingestions/{id}", http.HandlerFunc(deps.Ingest.Get))
	mux.Handle("POST /api/v1/ingestions/jobs", rateLimit(jsonSize(http.HandlerFunc(deps.Ingest.Enqueue))))
	mux.Handle("/api/v1/openapi.json", OpenAPIHandler())

	mux.Handle("/health", methodMux(map[string]http.Handler{
		http.MethodGet:  deps.Health.Health(),
		http.MethodHead: deps.Health.Health(),
	}))
	mux.Handle("/healthz", handlers.Healthz())
	mux.Handle("/readyz", deps.Health.Readyz())
	mux.Handle("/version", VersionHandler(deps.Build))

	if deps.Metrics {
		mux.Handle("GET /metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{
			EnableOpenMetrics: true,
		}))
	}

	var h http.Handler = mux
	h = metrics.HTTPMiddleware(h)
	h = middleware.RequestLogging(deps.Logger)(h)
	if cfg.Tracing.Enabled {
		h = middleware.Tracing(h)
	}
	h = middleware.CorrelationID(deps.Logger)(h)
	return h
}

func methodMux(handlers map[string]http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler.ServeHTTP(w, r)
			return
		}
		w.Header().Set("Allow", allowedMethods(handlers))
		w.WriteHeader(http.StatusMethodNotAllowed)
	})
}

func allowedMethods(handlers map[string]http.Handler) string {
	methods := make([]string, 0, len(handlers))
	for method := range handlers {
		methods = append(methods, method)
	}
	sort.Strings(methods)
	return strings.Join(methods, ", ")
}
