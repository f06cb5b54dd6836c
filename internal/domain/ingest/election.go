package ingest

import (
	"context"
	"time"

	"github.com/painel-eleitoral/server/internal/domain/tse"
)

// ElectionDetector resolves the election each row belongs to. Every
// distinct (year, type, round) goes to the store once per run; later
// batches resolve from the cache.
type ElectionDetector struct {
	store   Store
	cache   *DimensionCache
	timeout time.Duration
}

// NewElectionDetector bounds each store call by timeout; zero means no bound.
func NewElectionDetector(store Store, cache *DimensionCache, timeout time.Duration) *ElectionDetector {
	return &ElectionDetector{store: store, cache: cache, timeout: timeout}
}

// Resolve makes sure every election key in rows has an id in the cache.
// The first row carrying a key supplies its descriptive fields. It returns
// how many keys were sent to the store.
func (d *ElectionDetector) Resolve(ctx context.Context, rows []tse.NormalizedRow) (int, error) {
	var resolved int
	for i := range rows {
		info := rows[i].Election
		if _, ok := d.cache.Election(info.Key); ok {
			continue
		}

		var e Election
		err := withTimeout(ctx, d.timeout, func(ctx context.Context) error {
			var err error
			e, err = d.store.UpsertElection(ctx, Election{
				Key:         info.Key,
				Code:        info.Code,
				Description: info.Description,
				Date:        info.Date,
				GeneratedAt: info.GeneratedAt,
			})
			return err
		})
		if err != nil {
			return resolved, err
		}
		d.cache.PutElection(info.Key, e.ID)
		resolved++
	}
	return resolved, nil
}

// withTimeout bounds one store round trip. A zero timeout leaves ctx as is.
func withTimeout(ctx context.Context, timeout time.Duration, fn func(ctx context.Context) error) error {
	if timeout <= 0 {
		return fn(ctx)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}
