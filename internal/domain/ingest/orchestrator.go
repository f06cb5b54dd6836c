package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/painel-eleitoral/server/internal/domain/tse"
)

const tracerName = "github.com/painel-eleitoral/server/internal/domain/ingest"

// State is a step of the run state machine.
type State string

const (
	StateIdle                State = "idle"
	StateReading             State = "reading"
	StateResolvingDimensions State = "resolving_dimensions"
	StateUpsertingFacts      State = "upserting_facts"
	StateReporting           State = "reporting"
	StateCompleted           State = "completed"
	StateFailed              State = "failed"
)

var transitions = map[State][]State{
	StateIdle:                {StateReading, StateFailed},
	StateReading:             {StateResolvingDimensions, StateCompleted, StateFailed},
	StateResolvingDimensions: {StateUpsertingFacts, StateFailed},
	StateUpsertingFacts:      {StateReporting, StateFailed},
	StateReporting:           {StateReading, StateCompleted, StateFailed},
}

func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Config tunes a run.
type Config struct {
	// BatchSize is the number of valid rows resolved and upserted together.
	BatchSize int
	// StoreTimeout bounds each store round trip. Zero disables it.
	StoreTimeout time.Duration
	// MaxErrors caps the row errors kept in the summary.
	MaxErrors int
	// ProgressEvery throttles reading events, in lines.
	ProgressEvery int
	// RefreshDimensions skips seeding the cache so that every candidate and
	// municipality seen in the run is written once, refreshing names,
	// offices and codes.
	RefreshDimensions bool
}

// DefaultConfig matches the INGEST_* environment defaults.
func DefaultConfig() Config {
	return Config{
		BatchSize:     2000,
		StoreTimeout:  30 * time.Second,
		MaxErrors:     100,
		ProgressEvery: 10000,
	}
}

// RunOptions describe one source.
type RunOptions struct {
	RunID string
	// RowsTotal is the expected line count when the caller knows it.
	RowsTotal *int64
	Reader    tse.ReaderOptions
}

// BatchStats describes one processed batch.
type BatchStats struct {
	Index                 int           `json:"index"`
	Rows                  int           `json:"rows"`
	FactsUpserted         int64         `json:"facts_upserted"`
	FactsSkipped          int           `json:"facts_skipped"`
	Duplicates            int           `json:"duplicates"`
	ElectionsResolved     int           `json:"elections_resolved"`
	CandidatesCreated     int           `json:"candidates_created"`
	MunicipalitiesCreated int           `json:"municipalities_created"`
	Statements            int           `json:"statements"`
	Duration              time.Duration `json:"-"`
	ElapsedMS             int64         `json:"elapsed_ms"`
}

// Summary is the aggregate outcome of a run, complete or not.
type Summary struct {
	RunID                 string           `json:"run_id"`
	State                 State            `json:"state"`
	LinesRead             int64            `json:"lines_read"`
	ValidRows             int64            `json:"valid_rows"`
	RejectedRows          int64            `json:"rejected_rows"`
	Rejections            map[string]int64 `json:"rejections,omitempty"`
	FactsUpserted         int64            `json:"facts_upserted"`
	FactsSkipped          int64            `json:"facts_skipped"`
	DuplicateRows         int64            `json:"duplicate_rows"`
	ElectionsResolved     int              `json:"elections_resolved"`
	CandidatesCreated     int              `json:"candidates_created"`
	MunicipalitiesCreated int              `json:"municipalities_created"`
	Batches               int              `json:"batches"`
	Statements            int              `json:"statements"`
	Errors                []RowError       `json:"errors,omitempty"`
	ErrorsTruncated       bool             `json:"errors_truncated,omitempty"`
	Duration              time.Duration    `json:"-"`
	ElapsedMS             int64            `json:"elapsed_ms"`
}

// Orchestrator runs sources through normalize, resolve, upsert and report.
// One Orchestrator may serve many runs; each run gets its own cache.
type Orchestrator struct {
	store    Store
	cfg      Config
	logger   zerolog.Logger
	observer Observer
	tracer   trace.Tracer
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithObserver is notified once per finished run.
func WithObserver(o Observer) Option {
	return func(orc *Orchestrator) { orc.observer = o }
}

// WithTracer replaces the global tracer for run and batch spans.
func WithTracer(t trace.Tracer) Option {
	return func(orc *Orchestrator) { orc.tracer = t }
}

// NewOrchestrator returns an orchestrator writing to store. A non-positive
// BatchSize falls back to the default.
func NewOrchestrator(store Store, cfg Config, logger zerolog.Logger, opts ...Option) *Orchestrator {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.MaxErrors < 0 {
		cfg.MaxErrors = 0
	}
	o := &Orchestrator{
		store:    store,
		cfg:      cfg,
		logger:   logger.With().Str("component", "ingest").Logger(),
		observer: nopObserver{},
		tracer:   otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

type run struct {
	*Orchestrator
	ctx      context.Context
	state    State
	summary  Summary
	reporter *ProgressReporter
	cache    *DimensionCache
	detector *ElectionDetector
	resolver *DimensionResolver
	upserter *FactUpserter
	logger   zerolog.Logger
}

// Run ingests src and streams progress to sink. The stream always ends with
// a completed or failed event unless the sink itself failed. A sink error
// cancels the run before the next store write. The returned summary holds
// whatever was counted, also on failure.
func (o *Orchestrator) Run(ctx context.Context, src io.Reader, sink EventSink, opts RunOptions) (Summary, error) {
	started := time.Now()
	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	ctx, span := o.tracer.Start(ctx, "ingest.Run", trace.WithAttributes(attribute.String("ingest.run_id", opts.RunID)))
	defer span.End()

	r := &run{
		Orchestrator: o,
		ctx:          ctx,
		state:        StateIdle,
		summary:      Summary{RunID: opts.RunID, State: StateIdle, Rejections: map[string]int64{}},
		logger:       o.logger.With().Str("run_id", opts.RunID).Logger(),
	}
	r.reporter = NewProgressReporter(SinkFunc(func(ctx context.Context, ev Event) error {
		if err := sink.Emit(ctx, ev); err != nil {
			cancel(fmt.Errorf("%w: %w", ErrClientGone, err))
			return err
		}
		return nil
	}), opts.RunID, opts.RowsTotal, o.cfg.ProgressEvery)

	err := r.execute(src, opts)
	r.summary.Duration = time.Since(started)
	r.summary.ElapsedMS = r.summary.Duration.Milliseconds()

	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, ErrCanceled) {
			err = fmt.Errorf("%w: %w", ErrCanceled, err)
		}
		r.fail(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return r.summary, err
	}

	r.summary.State = StateCompleted
	// The terminal event goes out even if the parent context ended after the
	// last write.
	if emitErr := r.reporter.Completed(context.WithoutCancel(ctx), r.summary); emitErr != nil {
		r.logger.Warn().Err(emitErr).Msg("completion event not delivered")
	}
	o.observer.ObserveRun(r.summary, nil)
	r.logger.Info().
		Int64("lines", r.summary.LinesRead).
		Int64("facts_upserted", r.summary.FactsUpserted).
		Int64("rejected", r.summary.RejectedRows).
		Int("batches", r.summary.Batches).
		Dur("duration", r.summary.Duration).
		Msg("ingestion completed")
	return r.summary, nil
}

func (r *run) execute(src io.Reader, opts RunOptions) error {
	if err := r.reporter.Started(r.ctx); err != nil {
		return r.canceled()
	}

	reader, err := tse.NewRecordReader(src, opts.Reader)
	if err != nil {
		return &StreamError{Line: 1, Err: err}
	}

	dims := Dimensions{}
	if !r.cfg.RefreshDimensions {
		err := withTimeout(r.ctx, r.cfg.StoreTimeout, func(ctx context.Context) error {
			var err error
			dims, err = r.store.LoadDimensions(ctx)
			return err
		})
		if err != nil {
			return &DimensionError{Table: "dimensions", Err: err}
		}
		r.summary.Statements++
	}
	r.cache = NewDimensionCache(dims)
	r.detector = NewElectionDetector(r.store, r.cache, r.cfg.StoreTimeout)
	r.resolver = NewDimensionResolver(r.store, r.cache, r.cfg.StoreTimeout)
	r.upserter = NewFactUpserter(r.store, r.cache, r.cfg.StoreTimeout)
	size := r.cache.Len()
	r.logger.Debug().Int("candidates", size.Candidates).Int("municipalities", size.Municipalities).Msg("dimension cache seeded")

	if err := r.transition(StateReading); err != nil {
		return err
	}

	batch := make([]tse.NormalizedRow, 0, r.cfg.BatchSize)
	for {
		if r.ctx.Err() != nil {
			return r.canceled()
		}

		rec, err := reader.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var recErr *tse.RecordError
			if !errors.As(err, &recErr) {
				if r.ctx.Err() != nil {
					return r.canceled()
				}
				return &StreamError{Line: int(r.summary.LinesRead) + 1, Err: err}
			}
			r.summary.LinesRead++
			r.reject(recErr.Line, string(tse.ReasonMalformedRecord), recErr.Err.Error())
			continue
		}

		r.summary.LinesRead++
		row, rej := tse.Normalize(reader.Header(), rec)
		if rej != nil {
			r.reject(rej.Line, string(rej.Reason), rej.Detail)
		} else {
			r.summary.ValidRows++
			batch = append(batch, row)
		}

		if err := r.reporter.Reading(r.ctx, r.summary.LinesRead); err != nil {
			return r.canceled()
		}
		if len(batch) == r.cfg.BatchSize {
			if err := r.processBatch(batch); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}

	if len(batch) > 0 {
		if err := r.processBatch(batch); err != nil {
			return err
		}
	}
	return r.transition(StateCompleted)
}

func (r *run) processBatch(rows []tse.NormalizedRow) error {
	started := time.Now()
	index := r.summary.Batches + 1
	stats := BatchStats{Index: index, Rows: len(rows)}
	lines := r.summary.LinesRead

	ctx, span := r.tracer.Start(r.ctx, "ingest.Batch", trace.WithAttributes(
		attribute.Int("ingest.batch", index),
		attribute.Int("ingest.rows", len(rows)),
	))
	defer span.End()

	fail := func(err error) error {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if err := r.transition(StateResolvingDimensions); err != nil {
		return fail(err)
	}
	if err := r.reporter.Stage(ctx, StageResolvingDimensions, lines, index); err != nil {
		return fail(r.canceled())
	}

	elections, err := r.detector.Resolve(ctx, rows)
	r.summary.Statements += elections
	stats.Statements += elections
	if err != nil {
		return fail(&DimensionError{Batch: index, Table: "elections", Err: err})
	}
	stats.ElectionsResolved = elections
	r.summary.ElectionsResolved += elections

	resolved, err := r.resolver.Resolve(ctx, rows)
	if err != nil {
		var dimErr *DimensionError
		if errors.As(err, &dimErr) {
			dimErr.Batch = index
			return fail(dimErr)
		}
		return fail(&DimensionError{Batch: index, Table: "dimensions", Err: err})
	}
	stats.CandidatesCreated = resolved.CandidatesCreated
	stats.MunicipalitiesCreated = resolved.MunicipalitiesCreated
	stats.Statements += resolved.Statements
	r.summary.CandidatesCreated += resolved.CandidatesCreated
	r.summary.MunicipalitiesCreated += resolved.MunicipalitiesCreated
	r.summary.Statements += resolved.Statements

	if err := r.transition(StateUpsertingFacts); err != nil {
		return fail(err)
	}
	if err := r.reporter.Stage(ctx, StageUpsertingFacts, lines, index); err != nil {
		return fail(r.canceled())
	}

	upserted, err := r.upserter.Upsert(ctx, rows)
	r.summary.FactsUpserted += upserted.Upserted
	r.summary.Statements += upserted.Statements
	r.summary.DuplicateRows += int64(upserted.Duplicates)
	for _, skipped := range upserted.Skipped {
		r.summary.FactsSkipped++
		r.addError(skipped)
	}
	if err != nil {
		var factErr *FactUpsertError
		if errors.As(err, &factErr) {
			factErr.Batch = index
		}
		return fail(err)
	}
	stats.FactsUpserted = upserted.Upserted
	stats.FactsSkipped = len(upserted.Skipped)
	stats.Duplicates = upserted.Duplicates
	stats.Statements += upserted.Statements

	if err := r.transition(StateReporting); err != nil {
		return fail(err)
	}
	r.summary.Batches++
	stats.Duration = time.Since(started)
	stats.ElapsedMS = stats.Duration.Milliseconds()
	r.observer.ObserveBatch(stats)
	span.SetAttributes(attribute.Int64("ingest.facts_upserted", stats.FactsUpserted))
	r.logger.Debug().
		Int("batch", index).
		Int("rows", len(rows)).
		Int64("facts", stats.FactsUpserted).
		Int("statements", stats.Statements).
		Dur("duration", stats.Duration).
		Msg("batch processed")

	if err := r.reporter.Batch(ctx, r.summary.LinesRead, stats); err != nil {
		return fail(r.canceled())
	}
	return r.transition(StateReading)
}

func (r *run) transition(to State) error {
	if !canTransition(r.state, to) {
		return fmt.Errorf("invalid state transition %s -> %s", r.state, to)
	}
	r.state = to
	r.summary.State = to
	return nil
}

func (r *run) reject(line int, reason, detail string) {
	r.summary.RejectedRows++
	r.summary.Rejections[reason]++
	r.addError(RowError{Line: line, Reason: reason, Detail: detail})
}

// addError keeps the first MaxErrors row errors.
func (r *run) addError(e RowError) {
	if len(r.summary.Errors) >= r.cfg.MaxErrors {
		r.summary.ErrorsTruncated = true
		return
	}
	r.summary.Errors = append(r.summary.Errors, e)
}

func (r *run) canceled() error {
	cause := context.Cause(r.ctx)
	if cause == nil {
		cause = context.Canceled
	}
	return fmt.Errorf("%w: %w", ErrCanceled, cause)
}

func (r *run) fail(err error) {
	r.state = StateFailed
	r.summary.State = StateFailed
	r.observer.ObserveRun(r.summary, err)

	level := zerolog.ErrorLevel
	if errors.Is(err, ErrCanceled) {
		level = zerolog.WarnLevel
	}
	r.logger.WithLevel(level).Err(err).Int64("lines", r.summary.LinesRead).Int64("facts_upserted", r.summary.FactsUpserted).Msg("ingestion failed")

	if errors.Is(err, ErrClientGone) {
		return
	}
	if emitErr := r.reporter.Failed(context.WithoutCancel(r.ctx), r.summary, err); emitErr != nil {
		r.logger.Warn().Err(emitErr).Msg("failure event not delivered")
	}
}
