package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Stage names a progress event.
type Stage string

const (
	StageStarted             Stage = "started"
	StageReading             Stage = "reading"
	StageResolvingDimensions Stage = "resolving_dimensions"
	StageUpsertingFacts      Stage = "upserting_facts"
	StageReporting           Stage = "reporting"
	StageCompleted           Stage = "completed"
	StageFailed              Stage = "failed"
)

// Event is one progress record. It is written as one NDJSON line.
type Event struct {
	RunID         string      `json:"run_id"`
	Stage         Stage       `json:"stage"`
	RowsProcessed int64       `json:"rows_processed"`
	RowsTotal     *int64      `json:"rows_total,omitempty"`
	Message       string      `json:"message"`
	Batch         *BatchStats `json:"batch,omitempty"`
	Summary       *Summary    `json:"summary,omitempty"`
	Error         string      `json:"error,omitempty"`
	Time          time.Time   `json:"time"`
}

// Terminal reports whether no event follows this one.
func (e Event) Terminal() bool {
	return e.Stage == StageCompleted || e.Stage == StageFailed
}

// EventSink receives progress events. An error means the consumer is gone
// and the run should stop.
type EventSink interface {
	Emit(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to EventSink.
type SinkFunc func(ctx context.Context, ev Event) error

func (f SinkFunc) Emit(ctx context.Context, ev Event) error { return f(ctx, ev) }

// DiscardSink drops every event.
var DiscardSink EventSink = SinkFunc(func(context.Context, Event) error { return nil })

// NDJSONSink writes each event as a JSON line and flushes it right away.
type NDJSONSink struct {
	mu    sync.Mutex
	enc   *json.Encoder
	flush func() error
}

// NewNDJSONSink writes to w. flush may be nil.
func NewNDJSONSink(w io.Writer, flush func() error) *NDJSONSink {
	return &NDJSONSink{enc: json.NewEncoder(w), flush: flush}
}

func (s *NDJSONSink) Emit(_ context.Context, ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enc.Encode(ev); err != nil {
		return fmt.Errorf("write progress event: %w", err)
	}
	if s.flush != nil {
		if err := s.flush(); err != nil {
			return fmt.Errorf("flush progress event: %w", err)
		}
	}
	return nil
}

// LogSink writes events to a logger. It never fails.
func LogSink(logger zerolog.Logger) EventSink {
	return SinkFunc(func(_ context.Context, ev Event) error {
		e := logger.Info()
		if ev.Stage == StageFailed {
			e = logger.Error().Str("error", ev.Error)
		} else if !ev.Terminal() && ev.Stage != StageStarted {
			e = logger.Debug()
		}
		e = e.Str("run_id", ev.RunID).Str("stage", string(ev.Stage)).Int64("rows", ev.RowsProcessed)
		if ev.Summary != nil {
			e = e.Int64("facts_upserted", ev.Summary.FactsUpserted).Int64("rejected_rows", ev.Summary.RejectedRows)
		}
		e.Msg(ev.Message)
		return nil
	})
}

// MultiSink fans an event out to every sink and reports the first error.
func MultiSink(sinks ...EventSink) EventSink {
	return SinkFunc(func(ctx context.Context, ev Event) error {
		var first error
		for _, s := range sinks {
			if err := s.Emit(ctx, ev); err != nil && first == nil {
				first = err
			}
		}
		return first
	})
}

// ProgressReporter decides when to emit. Each batch produces its stage
// events; reading events are throttled to one per every lines.
type ProgressReporter struct {
	sink  EventSink
	runID string
	total *int64
	every int64
	now   func() time.Time

	lastReading int64
}

// NewProgressReporter stamps every event with runID and total. A nil sink discards.
func NewProgressReporter(sink EventSink, runID string, total *int64, every int) *ProgressReporter {
	if sink == nil {
		sink = DiscardSink
	}
	return &ProgressReporter{sink: sink, runID: runID, total: total, every: int64(every), now: time.Now}
}

func (p *ProgressReporter) emit(ctx context.Context, ev Event) error {
	ev.RunID = p.runID
	ev.RowsTotal = p.total
	ev.Time = p.now().UTC()
	return p.sink.Emit(ctx, ev)
}

func (p *ProgressReporter) Started(ctx context.Context) error {
	return p.emit(ctx, Event{Stage: StageStarted, Message: "ingestion started"})
}

// Reading emits only when at least every lines passed since the last
// reading event. A non-positive every disables reading events.
func (p *ProgressReporter) Reading(ctx context.Context, lines int64) error {
	if p.every <= 0 || lines-p.lastReading < p.every {
		return nil
	}
	p.lastReading = lines
	return p.emit(ctx, Event{Stage: StageReading, RowsProcessed: lines, Message: fmt.Sprintf("read %d lines", lines)})
}

func (p *ProgressReporter) Stage(ctx context.Context, stage Stage, lines int64, batch int) error {
	msg := fmt.Sprintf("batch %d: %s", batch, stage)
	return p.emit(ctx, Event{Stage: stage, RowsProcessed: lines, Message: msg})
}

func (p *ProgressReporter) Batch(ctx context.Context, lines int64, stats BatchStats) error {
	return p.emit(ctx, Event{
		Stage:         StageReporting,
		RowsProcessed: lines,
		Message:       fmt.Sprintf("batch %d: %d facts upserted", stats.Index, stats.FactsUpserted),
		Batch:         &stats,
	})
}

func (p *ProgressReporter) Completed(ctx context.Context, s Summary) error {
	return p.emit(ctx, Event{
		Stage:         StageCompleted,
		RowsProcessed: s.LinesRead,
		Message:       fmt.Sprintf("ingested %d facts from %d lines", s.FactsUpserted, s.LinesRead),
		Summary:       &s,
	})
}

func (p *ProgressReporter) Failed(ctx context.Context, s Summary, cause error) error {
	return p.emit(ctx, Event{
		Stage:         StageFailed,
		RowsProcessed: s.LinesRead,
		Message:       "ingestion failed",
		Summary:       &s,
		Error:         cause.Error(),
	})
}
