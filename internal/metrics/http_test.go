package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "static path",
			input:    "/api/v1/ingestions",
			expected: "/api/v1/ingestions",
		},
		{
			name:     "single param",
			input:    "/api/v1/ingestions/{id}",
			expected: "/api/v1/ingestions/{param}",
		},
		{
			name:     "multiple params",
			input:    "/api/v1/ingestions/{id}/errors/{line}",
			expected: "/api/v1/ingestions/{param}/errors/{param}",
		},
		{
			name:     "exact match anchor",
			input:    "/{$}",
			expected: "/",
		},
		{
			name:     "empty path",
			input:    "",
			expected: "",
		},
		{
			name:     "non-path input",
			input:    "api/v1/events/{id}",
			expected: "api/v1/events/{id}",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := normalizePath(tt.input)
			if got != tt.expected {
				t.Fatalf("normalizePath(%q) = %q, want %q", tt.input, got, tt.expected)
			}
		})
	}
}

func TestHTTPMiddlewareLabelsByRoutePattern(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/ingestions/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	handler := HTTPMiddleware(mux)

	for _, id := range []string{"01J9ZAAAAAAAAAAAAAAAAAAAAA", "01J9ZBBBBBBBBBBBBBBBBBBBBB"} {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/ingestions/"+id, nil))
		if rec.Code != http.StatusNotFound {
			t.Fatalf("status = %d, want 404", rec.Code)
		}
	}

	got := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/api/v1/ingestions/{param}", "404"))
	if got != 2 {
		t.Fatalf("requests for pattern = %v, want 2", got)
	}

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nowhere", nil))
	if v := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues(http.MethodGet, "unmatched", "404")); v < 1 {
		t.Fatalf("unmatched requests = %v, want >= 1", v)
	}
}

func TestResponseWriterUnwrap(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec}
	if err := http.NewResponseController(rw).Flush(); err != nil {
		t.Fatalf("Flush through wrapper: %v", err)
	}
	if !rec.Flushed {
		t.Fatal("underlying recorder was not flushed")
	}
}
