package ingest

import (
	"errors"
	"fmt"
)

var (
	// ErrCanceled is returned when the run context ends before the stream does.
	ErrCanceled = errors.New("ingestion canceled")

	// ErrClientGone is the cancel cause recorded when the progress sink
	// stops accepting events.
	ErrClientGone = errors.New("progress stream closed by client")
)

// StreamError means the source could not be read to the end.
type StreamError struct {
	Line int
	Err  error
}

func (e *StreamError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("read source near line %d: %v", e.Line, e.Err)
	}
	return fmt.Sprintf("read source: %v", e.Err)
}

func (e *StreamError) Unwrap() error { return e.Err }

// DimensionError is a store failure while resolving elections, candidates
// or municipalities. The batch it belongs to wrote no facts.
type DimensionError struct {
	Batch int
	Table string
	Err   error
}

func (e *DimensionError) Error() string {
	return fmt.Sprintf("batch %d: resolve %s: %v", e.Batch, e.Table, e.Err)
}

func (e *DimensionError) Unwrap() error { return e.Err }

// FactUpsertError is a failed fact statement. Sub-batches before SubBatch
// were committed; the rest of the batch was not attempted.
type FactUpsertError struct {
	Batch     int
	SubBatch  int
	Rows      int
	Committed int64
	Err       error
}

func (e *FactUpsertError) Error() string {
	return fmt.Sprintf("batch %d: upsert votes sub-batch %d (%d rows): %v", e.Batch, e.SubBatch, e.Rows, e.Err)
}

func (e *FactUpsertError) Unwrap() error { return e.Err }

// RowError is a rejected or unresolvable row kept for the run summary.
type RowError struct {
	Line   int    `json:"line"`
	Reason string `json:"reason"`
	Detail string `json:"detail,omitempty"`
}
