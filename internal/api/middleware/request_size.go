package middleware

import (
	"fmt"
	"net/http"

	"github.com/painel-eleitoral/server/internal/api/problem"
)

const (
	// DefaultMaxBodySize is 1MB for JSON endpoints
	DefaultMaxBodySize int64 = 1 << 20

	// DefaultMaxUploadSize is 4GB, above a full state votacao_secao export
	DefaultMaxUploadSize int64 = 4 << 30
)

// RequestSize caps request bodies at maxBytes. maxBytes <= 0 disables it.
//
// A request whose Content-Length already exceeds the cap is refused with a
// 413 problem before the handler runs. Otherwise the body is wrapped with
// http.MaxBytesReader, so a chunked upload that grows past the cap fails
// its next Read with *http.MaxBytesError and the connection is closed after
// the response.
//
//	mux.Handle("POST /api/v1/ingestions", middleware.RequestSize(cfg.Ingest.MaxUploadBytes)(upload))
func RequestSize(maxBytes int64) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if maxBytes <= 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.ContentLength > maxBytes {
				w.Header().Set("Connection", "close")
				problem.Write(w, r, http.StatusRequestEntityTooLarge, problem.TypeTooLarge, "Upload too large", nil, "",
					problem.WithDetail(fmt.Sprintf("body of %d bytes exceeds the %d byte limit", r.ContentLength, maxBytes)))
				return
			}
			r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
			next.ServeHTTP(w, r)
		})
	}
}

// JSONRequestSize limits request bodies to 1MB.
func JSONRequestSize() func(http.Handler) http.Handler {
	return RequestSize(DefaultMaxBodySize)
}
