package metrics

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Store metrics, labelled by backend kind (postgres, sqlite, mssql).
var (
	storeLabels = []string{"store"}

	DBConnectionsOpen = promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_connections_open",
		Help:      "Open store connections",
	}, storeLabels)

	DBConnectionsInUse = promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_connections_in_use",
		Help:      "Store connections currently acquired",
	}, storeLabels)

	DBConnectionsIdle = promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_connections_idle",
		Help:      "Idle store connections",
	}, storeLabels)

	DBConnectionsMaxOpen = promauto.With(Registry).NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_connections_max_open",
		Help:      "Connection cap of the store pool (0 = unlimited)",
	}, storeLabels)

	// DBQueryDuration times each store round trip of the ingestion path.
	// One upsert_votes observation covers one parameter-capped statement.
	DBQueryDuration = promauto.With(Registry).NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "db_query_duration_seconds",
		Help:      "Store statement duration in seconds",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 15, 30},
	}, []string{"store", "operation"})

	DBErrors = promauto.With(Registry).NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "db_errors_total",
		Help:      "Failed store statements",
	}, []string{"store", "operation", "error_type"})
)

// poolStat is the subset of pool statistics exported as gauges.
type poolStat struct {
	open, inUse, idle, maxOpen int64
}

// DBCollector periodically collects database pool statistics
type DBCollector struct {
	store    string
	stat     func() poolStat
	stopChan chan struct{}
	stopOnce sync.Once
}

// NewDBCollector creates a collector for the Postgres pool.
func NewDBCollector(pool *pgxpool.Pool) *DBCollector {
	return newCollector("postgres", func() poolStat {
		if pool == nil {
			return poolStat{}
		}
		st := pool.Stat()
		return poolStat{
			open:    int64(st.TotalConns()),
			inUse:   int64(st.AcquiredConns()),
			idle:    int64(st.IdleConns()),
			maxOpen: int64(st.MaxConns()),
		}
	})
}

// NewSQLDBCollector creates a collector for a database/sql handle, used by
// the sqlite and SQL Server stores. store is the backend kind label.
func NewSQLDBCollector(store string, db *sql.DB) *DBCollector {
	return newCollector(store, func() poolStat {
		if db == nil {
			return poolStat{}
		}
		st := db.Stats()
		return poolStat{
			open:    int64(st.OpenConnections),
			inUse:   int64(st.InUse),
			idle:    int64(st.Idle),
			maxOpen: int64(st.MaxOpenConnections),
		}
	})
}

func newCollector(store string, stat func() poolStat) *DBCollector {
	return &DBCollector{
		store:    store,
		stat:     stat,
		stopChan: make(chan struct{}),
	}
}

// Start begins collecting database metrics at the specified interval
func (c *DBCollector) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Collect immediately on start
	c.collect()

	for {
		select {
		case <-ticker.C:
			c.collect()
		case <-c.stopChan:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop stops the metrics collector. Safe to call more than once.
func (c *DBCollector) Stop() {
	c.stopOnce.Do(func() { close(c.stopChan) })
}

func (c *DBCollector) collect() {
	st := c.stat()
	DBConnectionsOpen.WithLabelValues(c.store).Set(float64(st.open))
	DBConnectionsInUse.WithLabelValues(c.store).Set(float64(st.inUse))
	DBConnectionsIdle.WithLabelValues(c.store).Set(float64(st.idle))
	DBConnectionsMaxOpen.WithLabelValues(c.store).Set(float64(st.maxOpen))
}

// RecordQuery observes one store statement. Use it deferred with a named
// error:
//
//	start := time.Now()
//	defer func() { metrics.RecordQuery("postgres", "upsert_votes", start, err) }()
func RecordQuery(store, operation string, start time.Time, err error) {
	DBQueryDuration.WithLabelValues(store, operation).Observe(time.Since(start).Seconds())
	if err != nil {
		DBErrors.WithLabelValues(store, operation, classifyError(err)).Inc()
	}
}

func classifyError(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "query_error"
	}
}
