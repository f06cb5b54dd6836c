// Package datadog pushes ingestion run statistics to Datadog.
//
// The backend is an ingest.Observer. Batch and run statistics are buffered
// in memory under a mutex and submitted on a ticker (default once per
// minute) and one final time on Close, so a long upload shows up as a time
// series rather than a single point at the end.
//
// If the process is killed before Close runs, the last window is lost.
package datadog

import (
	"context"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"

	"github.com/painel-eleitoral/server/internal/domain/ingest"
	"github.com/painel-eleitoral/server/internal/metrics"
)

const metricPrefix = "painel.ingest"

// Options controls Datadog backend configuration.
type Options struct {
	// Service becomes tag "service:<name>" on every metric. Defaults to
	// "painel-server".
	Service string

	// Tags are extra Datadog tags, e.g. []string{"slot:blue"}.
	Tags []string

	// FlushEvery controls how often buffered metrics are submitted.
	// If <= 0, defaults to 60 seconds.
	FlushEvery time.Duration

	// Test seams, never set by production code.
	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker
	submitter metricsSubmitter
}

// metricsSubmitter is the part of *datadogV2.MetricsApi the backend uses.
type metricsSubmitter interface {
	SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

// Backend buffers ingestion statistics and submits them to Datadog.
type Backend struct {
	api metricsSubmitter
	ctx context.Context

	flushEvery time.Duration
	stopCh     chan struct{}
	doneCh     chan struct{}
	closeOnce  sync.Once

	baseTags []string

	now       func() time.Time
	newTicker func(d time.Duration) *time.Ticker

	mu sync.Mutex

	rowCounts        map[string]float64 // kind -> rows
	rejectionCounts  map[string]float64 // reason -> rows
	runCounts        map[string]float64 // status -> runs
	dimensionCounts  map[string]float64 // table -> created
	batchCount       float64
	statementCount   float64
	batchDurationSec []float64
}

var _ ingest.Observer = (*Backend)(nil)

func resolveEnvTag() string {
	if v := strings.TrimSpace(os.Getenv("ENVIRONMENT")); v != "" {
		return "env:" + v
	}
	if v := strings.TrimSpace(os.Getenv("DD_ENV")); v != "" {
		return "env:" + v
	}
	return "env:unknown"
}

// NewBackend constructs a backend using the official client and starts its
// flush loop. Credentials and site come from the client's usual
// DD_API_KEY / DD_SITE environment variables; submission errors surface
// from Flush, not here.
func NewBackend(parent context.Context, opts Options) *Backend {
	service := opts.Service
	if service == "" {
		service = "painel-server"
	}
	flushEvery := opts.FlushEvery
	if flushEvery <= 0 {
		flushEvery = 60 * time.Second
	}

	baseTags := make([]string, 0, 2+len(opts.Tags))
	baseTags = append(baseTags, resolveEnvTag(), "service:"+service)
	baseTags = append(baseTags, opts.Tags...)

	nowFn := opts.now
	if nowFn == nil {
		nowFn = time.Now
	}
	newTicker := opts.newTicker
	if newTicker == nil {
		newTicker = time.NewTicker
	}
	submitter := opts.submitter
	if submitter == nil {
		submitter = datadogV2.NewMetricsApi(dd.NewAPIClient(dd.NewConfiguration()))
	}

	b := &Backend{
		api:        submitter,
		ctx:        dd.NewDefaultContext(parent),
		flushEvery: flushEvery,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
		baseTags:   baseTags,
		now:        nowFn,
		newTicker:  newTicker,
	}
	b.reset()

	go b.loop()
	return b
}

// reset replaces every buffer. Callers hold b.mu or own b exclusively.
func (b *Backend) reset() {
	b.rowCounts = make(map[string]float64)
	b.rejectionCounts = make(map[string]float64)
	b.runCounts = make(map[string]float64)
	b.dimensionCounts = make(map[string]float64)
	b.batchCount = 0
	b.statementCount = 0
	b.batchDurationSec = nil
}

func (b *Backend) loop() {
	defer close(b.doneCh)

	t := b.newTicker(b.flushEvery)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			_ = b.Flush()
		case <-b.stopCh:
			return
		}
	}
}

// Close stops the flush loop and performs one final Flush. Later calls
// return nil.
func (b *Backend) Close() error {
	var err error
	b.closeOnce.Do(func() {
		close(b.stopCh)
		<-b.doneCh
		err = b.Flush()
	})
	return err
}

// ObserveBatch implements ingest.Observer.
func (b *Backend) ObserveBatch(stats ingest.BatchStats) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.batchCount++
	b.statementCount += float64(stats.Statements)
	if stats.Duration > 0 {
		b.batchDurationSec = append(b.batchDurationSec, stats.Duration.Seconds())
	}
	if stats.CandidatesCreated > 0 {
		b.dimensionCounts["candidates"] += float64(stats.CandidatesCreated)
	}
	if stats.MunicipalitiesCreated > 0 {
		b.dimensionCounts["municipalities"] += float64(stats.MunicipalitiesCreated)
	}
}

// ObserveRun implements ingest.Observer.
func (b *Backend) ObserveRun(summary ingest.Summary, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	addPositive(b.rowCounts, "read", summary.LinesRead)
	addPositive(b.rowCounts, "valid", summary.ValidRows)
	addPositive(b.rowCounts, "rejected", summary.RejectedRows)
	addPositive(b.rowCounts, "upserted", summary.FactsUpserted)
	addPositive(b.rowCounts, "duplicate", summary.DuplicateRows)
	for reason, n := range summary.Rejections {
		addPositive(b.rejectionCounts, reason, n)
	}
	b.runCounts[metrics.RunStatus(err)]++
}

func addPositive(m map[string]float64, key string, n int64) {
	if n > 0 {
		m[key] += float64(n)
	}
}

// snapshot is the buffered state of one flush window.
type snapshot struct {
	rowCounts        map[string]float64
	rejectionCounts  map[string]float64
	runCounts        map[string]float64
	dimensionCounts  map[string]float64
	batchCount       float64
	statementCount   float64
	batchDurationSec []float64
}

func (b *Backend) snapshotAndReset() snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := snapshot{
		rowCounts:        b.rowCounts,
		rejectionCounts:  b.rejectionCounts,
		runCounts:        b.runCounts,
		dimensionCounts:  b.dimensionCounts,
		batchCount:       b.batchCount,
		statementCount:   b.statementCount,
		batchDurationSec: b.batchDurationSec,
	}
	b.reset()
	return s
}

func (s snapshot) isEmpty() bool {
	return len(s.rowCounts) == 0 &&
		len(s.rejectionCounts) == 0 &&
		len(s.runCounts) == 0 &&
		len(s.dimensionCounts) == 0 &&
		s.batchCount == 0 &&
		s.statementCount == 0 &&
		len(s.batchDurationSec) == 0
}

// Flush submits buffered metrics and resets the buffers, even when the
// submission fails. It returns nil when there is nothing to submit.
func (b *Backend) Flush() error {
	snap := b.snapshotAndReset()
	if snap.isEmpty() {
		return nil
	}

	payload := datadogV2.MetricPayload{Series: b.buildSeries(snap, b.now().Unix())}
	_, _, err := b.api.SubmitMetrics(b.ctx, payload, *datadogV2.NewSubmitMetricsOptionalParameters())
	return err
}

// buildSeries is pure: no locks, clocks or network.
func (b *Backend) buildSeries(s snapshot, nowUnix int64) []datadogV2.MetricSeries {
	series := make([]datadogV2.MetricSeries, 0, len(s.rowCounts)+len(s.rejectionCounts)+16)

	for _, kind := range sortedKeys(s.rowCounts) {
		series = append(series, countSeries(metricPrefix+".rows.total", s.rowCounts[kind], withTags(b.baseTags, "kind:"+kind), nowUnix))
	}
	for _, reason := range sortedKeys(s.rejectionCounts) {
		series = append(series, countSeries(metricPrefix+".rejections.total", s.rejectionCounts[reason], withTags(b.baseTags, "reason:"+reason), nowUnix))
	}
	for _, status := range sortedKeys(s.runCounts) {
		series = append(series, countSeries(metricPrefix+".runs.total", s.runCounts[status], withTags(b.baseTags, "status:"+status), nowUnix))
	}
	for _, table := range sortedKeys(s.dimensionCounts) {
		series = append(series, countSeries(metricPrefix+".dimensions_created.total", s.dimensionCounts[table], withTags(b.baseTags, "table:"+table), nowUnix))
	}
	if s.batchCount != 0 {
		series = append(series, countSeries(metricPrefix+".batches.total", s.batchCount, b.baseTags, nowUnix))
	}
	if s.statementCount != 0 {
		series = append(series, countSeries(metricPrefix+".statements.total", s.statementCount, b.baseTags, nowUnix))
	}
	addPercentiles(&series, b.baseTags, metricPrefix+".batch_duration_seconds", s.batchDurationSec, nowUnix)

	return series
}

// addPercentiles appends p50/p90/p95/p99/max/samples gauges. It sorts a
// copy of samples.
func addPercentiles(series *[]datadogV2.MetricSeries, tags []string, metric string, samples []float64, nowUnix int64) {
	if len(samples) == 0 {
		return
	}
	cp := append([]float64(nil), samples...)
	sort.Float64s(cp)

	*series = append(*series,
		gaugeSeries(metric+".p50", percentileNearestRank(cp, 0.50), tags, nowUnix),
		gaugeSeries(metric+".p90", percentileNearestRank(cp, 0.90), tags, nowUnix),
		gaugeSeries(metric+".p95", percentileNearestRank(cp, 0.95), tags, nowUnix),
		gaugeSeries(metric+".p99", percentileNearestRank(cp, 0.99), tags, nowUnix),
		gaugeSeries(metric+".max", cp[len(cp)-1], tags, nowUnix),
		gaugeSeries(metric+".samples", float64(len(cp)), tags, nowUnix),
	)
}

func countSeries(metric string, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   datadogV2.METRICINTAKETYPE_COUNT.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
}

func gaugeSeries(metric string, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   datadogV2.METRICINTAKETYPE_GAUGE.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
}

func withTags(base []string, extras ...string) []string {
	out := make([]string, 0, len(base)+len(extras))
	out = append(out, base...)
	out = append(out, extras...)
	return out
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func percentileNearestRank(s []float64, p float64) float64 {
	n := len(s)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return s[0]
	}
	if p >= 1 {
		return s[n-1]
	}
	idx := int(p*float64(n-1) + 0.5)
	return s[min(max(idx, 0), n-1)]
}
