package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/riverqueue/river/rivertype"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/painel-eleitoral/server/internal/api/pagination"
	"github.com/painel-eleitoral/server/internal/api/problem"
	"github.com/painel-eleitoral/server/internal/domain/ingest"
	"github.com/painel-eleitoral/server/internal/domain/tse"
	"github.com/painel-eleitoral/server/internal/jobs"
	"github.com/painel-eleitoral/server/internal/metrics"
)

const (
	busyRetryAfter   = 30 * time.Second
	defaultListLimit = 50
	maxListLimit     = 200
	maxFieldBytes    = 64
	ndjsonType       = "application/x-ndjson"
)

// IngestService is the ingestion pipeline and its run records.
type IngestService interface {
	Ingest(ctx context.Context, req ingest.IngestRequest, sink ingest.EventSink) (ingest.Summary, error)
	GetRun(ctx context.Context, id string) (*ingest.Run, error)
	ListRuns(ctx context.Context, filter ingest.RunFilter) ([]ingest.Run, error)
}

// FileEnqueuer queues ingestion of a server-local file.
type FileEnqueuer interface {
	EnqueueIngestFile(ctx context.Context, args jobs.IngestFileArgs) (*rivertype.JobInsertResult, error)
}

type IngestHandlerOptions struct {
	// Reader holds the default source decoding; a request may override
	// the encoding.
	Reader tse.ReaderOptions
	// MaxConcurrent caps uploads streaming at once. Values below 1 mean 1.
	MaxConcurrent int
	Environment   string
	// Jobs and JobRoot enable POST /api/v1/ingestions/jobs. Paths outside
	// JobRoot are refused.
	Jobs    FileEnqueuer
	JobRoot string
}

type IngestHandler struct {
	service IngestService
	opts    IngestHandlerOptions
	slots   *semaphore.Weighted
	limit   int
	inUse   atomic.Int64
}

func NewIngestHandler(service IngestService, opts IngestHandlerOptions) *IngestHandler {
	limit := max(opts.MaxConcurrent, 1)
	return &IngestHandler{
		service: service,
		opts:    opts,
		slots:   semaphore.NewWeighted(int64(limit)),
		limit:   limit,
	}
}

// Capacity reports upload slots in use and the configured limit.
func (h *IngestHandler) Capacity() (inUse, limit int) {
	return int(h.inUse.Load()), h.limit
}

type upload struct {
	source    string
	body      io.Reader
	rowsTotal *int64
	encoding  string
}

// badUpload is a request rejected before any event was streamed.
type badUpload struct {
	status int
	typ    string
	title  string
	err    error
}

func (e *badUpload) Error() string { return e.err.Error() }

func (e *badUpload) Unwrap() error { return e.err }

func invalidUpload(format string, args ...any) *badUpload {
	return &badUpload{
		status: http.StatusBadRequest,
		typ:    problem.TypeInvalidUpload,
		title:  "Invalid upload",
		err:    fmt.Errorf(format, args...),
	}
}

// Upload handles POST /api/v1/ingestions. The CSV arrives either as the
// "file" part of a multipart form or as a raw text/csv body, and is never
// spooled: rows are parsed while the client is still sending. An accepted
// request is answered with an NDJSON event stream that ends with a
// completed or failed event; a bad CSV header is reported by the latter.
func (h *IngestHandler) Upload(w http.ResponseWriter, r *http.Request) {
	if !h.slots.TryAcquire(1) {
		problem.Write(w, r, http.StatusServiceUnavailable, problem.TypeBusy, "Ingestion capacity exhausted",
			problem.ErrBusy, h.opts.Environment, problem.WithRetryAfter(busyRetryAfter))
		return
	}
	h.inUse.Add(1)
	defer func() {
		h.inUse.Add(-1)
		h.slots.Release(1)
	}()

	up, err := h.openUpload(r)
	if err != nil {
		var bad *badUpload
		if !errors.As(err, &bad) {
			bad = &badUpload{status: http.StatusBadRequest, typ: problem.TypeInvalidUpload, title: "Invalid upload", err: err}
		}
		problem.Write(w, r, bad.status, bad.typ, bad.title, bad.err, h.opts.Environment,
			problem.WithDetail(bad.err.Error()))
		return
	}

	rc := http.NewResponseController(w)
	// Events are written while the body is still being read. Without full
	// duplex an HTTP/1.1 server closes a small body on the first flush.
	if err := rc.EnableFullDuplex(); err != nil && !errors.Is(err, http.ErrNotSupported) {
		problem.Write(w, r, http.StatusInternalServerError, problem.TypeServerError, "Streaming unavailable", err, h.opts.Environment)
		return
	}
	// Uploads of a whole state export outlive any server-wide deadline.
	_ = rc.SetReadDeadline(time.Time{})
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", ndjsonType)
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	flush := func() error {
		if err := rc.Flush(); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
		return nil
	}
	sink := &countingSink{next: ingest.NewNDJSONSink(w, flush)}

	reader := h.opts.Reader
	if up.encoding != "" {
		reader.Encoding = up.encoding
	}

	done := metrics.TrackRun()
	summary, err := h.service.Ingest(r.Context(), ingest.IngestRequest{
		Source:    up.source,
		Body:      up.body,
		RowsTotal: up.rowsTotal,
		Reader:    reader,
	}, sink)
	done()

	logger := zerolog.Ctx(r.Context())
	if err != nil {
		if sink.emitted.Load() == 0 {
			// The run never started, so the stream has no terminal event yet.
			_ = sink.Emit(r.Context(), ingest.Event{
				RunID:   summary.RunID,
				Stage:   ingest.StageFailed,
				Message: "ingestion failed",
				Summary: &summary,
				Error:   err.Error(),
				Time:    time.Now().UTC(),
			})
		}
		logger.Warn().Err(err).Str("run_id", summary.RunID).Str("source", up.source).Msg("upload ingestion failed")
		return
	}
	logger.Info().
		Str("run_id", summary.RunID).
		Str("source", up.source).
		Int64("facts_upserted", summary.FactsUpserted).
		Int64("rejected_rows", summary.RejectedRows).
		Msg("upload ingested")
}

// countingSink remembers whether the client has seen any event.
type countingSink struct {
	next    ingest.EventSink
	emitted atomic.Int64
}

func (s *countingSink) Emit(ctx context.Context, ev ingest.Event) error {
	s.emitted.Add(1)
	return s.next.Emit(ctx, ev)
}

func (h *IngestHandler) openUpload(r *http.Request) (upload, error) {
	up := upload{encoding: r.URL.Query().Get("encoding")}

	total := r.Header.Get("X-Total-Rows")
	if total == "" {
		total = r.URL.Query().Get("total_rows")
	}

	mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil && r.Header.Get("Content-Type") != "" {
		return upload{}, invalidUpload("malformed Content-Type: %w", err)
	}

	switch mediaType {
	case "multipart/form-data":
		if err := readMultipart(r, &up, &total); err != nil {
			return upload{}, err
		}
	case "text/csv", "text/plain", "application/octet-stream", "":
		if r.Body == nil || r.Body == http.NoBody || r.ContentLength == 0 {
			return upload{}, invalidUpload("request body is empty")
		}
		up.body = r.Body
		up.source = sourceName(r.URL.Query().Get("filename"))
	default:
		return upload{}, &badUpload{
			status: http.StatusUnsupportedMediaType,
			typ:    problem.TypeInvalidUpload,
			title:  "Unsupported media type",
			err:    fmt.Errorf("unsupported Content-Type %q, send multipart/form-data or text/csv", mediaType),
		}
	}

	if total != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(total), 10, 64)
		if err != nil || n < 0 {
			return upload{}, invalidUpload("total_rows must be a non-negative integer, got %q", total)
		}
		up.rowsTotal = &n
	}
	if up.encoding != "" && !tse.SupportedEncoding(up.encoding) {
		return upload{}, invalidUpload("unsupported encoding %q", up.encoding)
	}
	return up, nil
}

// readMultipart walks the form up to the "file" part and leaves that part
// unread for the pipeline. Fields are honoured only when they come first.
func readMultipart(r *http.Request, up *upload, total *string) error {
	mr, err := r.MultipartReader()
	if err != nil {
		return invalidUpload("read multipart form: %w", err)
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return invalidUpload(`multipart form has no "file" part`)
		}
		if err != nil {
			return tooLargeOr(err, "read multipart form")
		}

		switch part.FormName() {
		case "file":
			up.body = part
			up.source = sourceName(part.FileName())
			return nil
		case "total_rows", "encoding":
			value, err := io.ReadAll(io.LimitReader(part, maxFieldBytes))
			if err != nil {
				return tooLargeOr(err, "read form field")
			}
			if part.FormName() == "total_rows" {
				*total = string(value)
			} else {
				up.encoding = strings.TrimSpace(string(value))
			}
		}
	}
}

func tooLargeOr(err error, op string) error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return &badUpload{
			status: http.StatusRequestEntityTooLarge,
			typ:    problem.TypeTooLarge,
			title:  "Upload too large",
			err:    fmt.Errorf("upload exceeds %d bytes", maxErr.Limit),
		}
	}
	return invalidUpload("%s: %w", op, err)
}

func sourceName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "upload.csv"
	}
	return path.Base(filepath.ToSlash(name))
}

type runListResponse struct {
	Items      []ingest.Run `json:"items"`
	NextCursor string       `json:"next_cursor,omitempty"`
}

// List handles GET /api/v1/ingestions?status=&limit=&cursor=, newest first.
func (h *IngestHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ingest.RunFilter{Limit: defaultListLimit}

	if status := q.Get("status"); status != "" {
		switch ingest.RunStatus(status) {
		case ingest.RunRunning, ingest.RunCompleted, ingest.RunFailed:
			filter.Status = ingest.RunStatus(status)
		default:
			h.invalidRequest(w, r, "status", status, "status must be running, completed or failed")
			return
		}
	}
	if limit := q.Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 1 || n > maxListLimit {
			h.invalidRequest(w, r, "limit", limit, fmt.Sprintf("limit must be between 1 and %d", maxListLimit))
			return
		}
		filter.Limit = n
	}
	if cursor := q.Get("cursor"); cursor != "" {
		c, err := pagination.DecodeRunCursor(cursor)
		if err != nil {
			h.invalidRequest(w, r, "cursor", cursor, "cursor is invalid")
			return
		}
		filter.BeforeStartedAt = c.StartedAt
		filter.BeforeID = c.ULID
	}

	runs, err := h.service.ListRuns(r.Context(), filter)
	if err != nil {
		problem.Write(w, r, http.StatusInternalServerError, problem.TypeServerError, "Could not list runs", err, h.opts.Environment)
		return
	}

	resp := runListResponse{Items: runs}
	if resp.Items == nil {
		resp.Items = []ingest.Run{}
	}
	if len(runs) == filter.Limit {
		last := runs[len(runs)-1]
		resp.NextCursor = pagination.EncodeRunCursor(last.StartedAt, last.ID)
	}
	writeJSON(w, http.StatusOK, resp)
}

// Get handles GET /api/v1/ingestions/{id}.
func (h *IngestHandler) Get(w http.ResponseWriter, r *http.Request) {
	run, err := h.service.GetRun(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, ingest.ErrNotFound) {
			problem.Write(w, r, http.StatusNotFound, problem.TypeNotFound, "Run not found", err, h.opts.Environment)
			return
		}
		problem.Write(w, r, http.StatusInternalServerError, problem.TypeServerError, "Could not load run", err, h.opts.Environment)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

type enqueueRequest struct {
	Path      string `json:"path"`
	Encoding  string `json:"encoding,omitempty"`
	CountRows bool   `json:"count_rows,omitempty"`
}

type enqueueResponse struct {
	JobID     int64  `json:"job_id"`
	Kind      string `json:"kind"`
	Queue     string `json:"queue"`
	State     string `json:"state"`
	Duplicate bool   `json:"duplicate"`
}

// Enqueue handles POST /api/v1/ingestions/jobs. The path is resolved
// against JobRoot and must stay inside it.
func (h *IngestHandler) Enqueue(w http.ResponseWriter, r *http.Request) {
	if h.opts.Jobs == nil || h.opts.JobRoot == "" {
		problem.Write(w, r, http.StatusServiceUnavailable, problem.TypeUnavailable, "Job queue not configured",
			errors.New("job queue not configured"), h.opts.Environment)
		return
	}

	var req enqueueRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		problem.Write(w, r, http.StatusBadRequest, problem.TypeInvalidRequest, "Invalid request", err, h.opts.Environment,
			problem.WithDetail("body must be a JSON object with a path"))
		return
	}

	full, err := confine(h.opts.JobRoot, req.Path)
	if err != nil {
		h.invalidRequest(w, r, "path", req.Path, err.Error())
		return
	}
	if req.Encoding != "" && !tse.SupportedEncoding(req.Encoding) {
		h.invalidRequest(w, r, "encoding", req.Encoding, "unsupported encoding")
		return
	}

	res, err := h.opts.Jobs.EnqueueIngestFile(r.Context(), jobs.IngestFileArgs{
		Path:      full,
		Encoding:  req.Encoding,
		CountRows: req.CountRows,
	})
	if err != nil {
		problem.Write(w, r, http.StatusInternalServerError, problem.TypeServerError, "Could not enqueue job", err, h.opts.Environment)
		return
	}

	writeJSON(w, http.StatusAccepted, enqueueResponse{
		JobID:     res.Job.ID,
		Kind:      res.Job.Kind,
		Queue:     res.Job.Queue,
		State:     string(res.Job.State),
		Duplicate: res.UniqueSkippedAsDuplicate,
	})
}

// confine joins rel onto root and rejects results that escape root.
func confine(root, rel string) (string, error) {
	rel = strings.TrimSpace(rel)
	if rel == "" {
		return "", errors.New("path is required")
	}
	if filepath.IsAbs(rel) {
		return "", errors.New("path must be relative to the job source directory")
	}
	root = filepath.Clean(root)
	full := filepath.Join(root, rel)
	back, err := filepath.Rel(root, full)
	if err != nil || back == ".." || strings.HasPrefix(back, ".."+string(filepath.Separator)) {
		return "", errors.New("path escapes the job source directory")
	}
	return full, nil
}

func (h *IngestHandler) invalidRequest(w http.ResponseWriter, r *http.Request, field, value, detail string) {
	problem.Write(w, r, http.StatusBadRequest, problem.TypeInvalidRequest, "Invalid request", nil, h.opts.Environment,
		problem.WithDetail(detail), problem.WithErrors(map[string]any{field: value}))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
