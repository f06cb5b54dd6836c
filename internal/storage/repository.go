package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/painel-eleitoral/server/internal/domain/ingest"
)

// Backend is an ingestion store with a lifecycle.
type Backend interface {
	ingest.Store
	Ping(ctx context.Context) error
	Close()
}

// Config selects and configures a backend.
type Config struct {
	Kind string
	DSN  string
	// MaxConns caps open connections. Zero keeps the backend default.
	MaxConns int
	// ParamCeiling overrides the backend's bound-parameter ceiling. Zero
	// keeps the backend default; larger values are clamped to it.
	ParamCeiling int
}

type Factory func(ctx context.Context, cfg Config) (Backend, error)

var (
	mu        sync.RWMutex
	factories = map[string]Factory{}
)

// Register makes a backend available under kind. Backend packages call it
// from init; registering a kind twice panics.
func Register(kind string, f Factory) {
	if kind == "" {
		panic("storage: Register with empty kind")
	}
	if f == nil {
		panic("storage: Register with nil factory for " + kind)
	}
	mu.Lock()
	defer mu.Unlock()
	if _, dup := factories[kind]; dup {
		panic("storage: Register called twice for " + kind)
	}
	factories[kind] = f
}

// Open connects the backend named by cfg.Kind.
func Open(ctx context.Context, cfg Config) (Backend, error) {
	mu.RLock()
	f, ok := factories[cfg.Kind]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unsupported store kind %q (registered: %v)", cfg.Kind, Kinds())
	}
	return f(ctx, cfg)
}

// Kinds lists registered backends in order.
func Kinds() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(factories))
	for k := range factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Ceiling resolves the effective parameter ceiling for a backend.
func Ceiling(configured, backendMax int) int {
	if configured <= 0 || configured > backendMax {
		return backendMax
	}
	return configured
}
