package handlers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/riverqueue/river/rivertype"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/painel-eleitoral/server/internal/api/pagination"
	"github.com/painel-eleitoral/server/internal/domain/ingest"
	"github.com/painel-eleitoral/server/internal/jobs"
	"github.com/painel-eleitoral/server/internal/storage/sqlite"
)

const votacaoCSV = `"ANO_ELEICAO";"NM_TIPO_ELEICAO";"NR_TURNO";"SG_UF";"CD_MUNICIPIO";"NM_MUNICIPIO";"NR_ZONA";"NR_SECAO";"DS_CARGO";"NR_VOTAVEL";"NM_VOTAVEL";"QT_VOTOS"
"2022";"Eleição Ordinária";"1";"SC";"80470";"CRICIÚMA";"10";"1";"Governador";"15";"MAURO MARIANI";"44"
"2022";"Eleição Ordinária";"1";"SC";"80470";"CRICIÚMA";"10";"2";"Governador";"15";"MAURO MARIANI";"10"
"2022";"Eleição Ordinária";"1";"SC";"80470";"CRICIÚMA";"10";"3";"Governador";"15";"MAURO MARIANI";"0"
`

type fakeService struct {
	mu       sync.Mutex
	requests []ingest.IngestRequest
	bodies   []string
	err      error
	events   []ingest.Event
	runs     []ingest.Run
	run      *ingest.Run
	filter   ingest.RunFilter
	block    chan struct{}
}

func (f *fakeService) Ingest(ctx context.Context, req ingest.IngestRequest, sink ingest.EventSink) (ingest.Summary, error) {
	if f.block != nil {
		<-f.block
	}
	body, _ := io.ReadAll(req.Body)
	f.mu.Lock()
	f.requests = append(f.requests, req)
	f.bodies = append(f.bodies, string(body))
	f.mu.Unlock()
	for _, ev := range f.events {
		if err := sink.Emit(ctx, ev); err != nil {
			return ingest.Summary{}, err
		}
	}
	return ingest.Summary{RunID: "01J0000000000000000000TEST", State: ingest.StateFailed}, f.err
}

func (f *fakeService) GetRun(ctx context.Context, id string) (*ingest.Run, error) {
	if f.run == nil || f.run.ID != id {
		return nil, ingest.ErrNotFound
	}
	return f.run, nil
}

func (f *fakeService) ListRuns(ctx context.Context, filter ingest.RunFilter) ([]ingest.Run, error) {
	f.filter = filter
	return f.runs, f.err
}

func readEvents(t *testing.T, body io.Reader) []ingest.Event {
	t.Helper()
	var events []ingest.Event
	sc := bufio.NewScanner(body)
	for sc.Scan() {
		var ev ingest.Event
		require.NoError(t, json.Unmarshal(sc.Bytes(), &ev), "line %q", sc.Text())
		events = append(events, ev)
	}
	require.NoError(t, sc.Err())
	return events
}

func multipartBody(t *testing.T, fields map[string]string, filename, content string) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		_, err = io.WriteString(fw, content)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func sqliteService(t *testing.T) (*ingest.Service, *sqlite.Store) {
	t.Helper()
	store, err := sqlite.Open(context.Background(), ":memory:", 0)
	require.NoError(t, err)
	t.Cleanup(store.Close)
	orch := ingest.NewOrchestrator(store, ingest.DefaultConfig(), zerolog.Nop())
	return ingest.NewService(orch, nil, zerolog.Nop()), store
}

func TestUpload_MultipartStreamsNDJSON(t *testing.T) {
	svc, store := sqliteService(t)
	h := NewIngestHandler(svc, IngestHandlerOptions{Environment: "test"})

	body, ctype := multipartBody(t, map[string]string{"total_rows": "3"}, "votacao_secao_2022_SC.csv", votacaoCSV)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/ingestions", body)
	req.Header.Set("Content-Type", ctype)
	rec := httptest.NewRecorder()

	h.Upload(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/x-ndjson", rec.Header().Get("Content-Type"))
	assert.True(t, rec.Flushed)

	events := readEvents(t, rec.Body)
	require.NotEmpty(t, events)
	assert.Equal(t, ingest.StageStarted, events[0].Stage)
	last := events[len(events)-1]
	require.Equal(t, ingest.StageCompleted, last.Stage, "last event: %+v", last)
	require.NotNil(t, last.Summary)
	assert.Equal(t, int64(2), last.Summary.FactsUpserted)
	assert.Equal(t, int64(1), last.Summary.RejectedRows)
	require.NotNil(t, events[0].RowsTotal)
	assert.Equal(t, int64(3), *events[0].RowsTotal)
	for _, ev := range events {
		assert.Equal(t, last.RunID, ev.RunID)
	}

	var votes int
	require.NoError(t, store.DB().QueryRow(`SELECT COUNT(*) FROM votes`).Scan(&votes))
	assert.Equal(t, 2, votes)
}

func TestUpload_RawCSVBody(t *testing.T) {
	fake := &fakeService{}
	h := NewIngestHandler(fake, IngestHandlerOptions{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/ingestions?filename=../../etc/votacao.csv&encoding=latin1", strings.NewReader(votacaoCSV))
	req.Header.Set("Content-Type", "text/csv; charset=iso-8859-1")
	req.Header.Set("X-Total-Rows", "3")
	rec := httptest.NewRecorder()

	h.Upload(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, fake.requests, 1)
	got := fake.requests[0]
	assert.Equal(t, "votacao.csv", got.Source)
	assert.Equal(t, "latin1", got.Reader.Encoding)
	require.NotNil(t, got.RowsTotal)
	assert.Equal(t, int64(3), *got.RowsTotal)
	assert.Equal(t, votacaoCSV, fake.bodies[0])
}

// sectionsCSV is one candidate's votes across n sections of CRICIÚMA.
func sectionsCSV(n int) string {
	header, _, _ := strings.Cut(votacaoCSV, "\n")
	var b strings.Builder
	b.WriteString(header + "\n")
	for i := 1; i <= n; i++ {
		fmt.Fprintf(&b, `"2022";"Eleição Ordinária";"1";"SC";"80470";"CRICIÚMA";"10";"%d";"Governador";"15";"MAURO MARIANI";"%d"`+"\n", i, i)
	}
	return b.String()
}

// A real HTTP/1.1 server closes an unread body once headers are flushed
// unless the handler runs full duplex; the recorder does not show that.
func TestUpload_OverHTTPServer(t *testing.T) {
	large := sectionsCSV(1300)
	require.Greater(t, len(large), 128<<10)

	tests := []struct {
		name  string
		body  func(t *testing.T) (io.Reader, string)
		votes int
	}{
		{
			name:  "raw body",
			body:  func(*testing.T) (io.Reader, string) { return strings.NewReader(votacaoCSV), "text/csv" },
			votes: 2,
		},
		{
			name: "chunked body",
			body: func(*testing.T) (io.Reader, string) {
				// MultiReader hides the length, so the client sends chunks.
				return io.MultiReader(strings.NewReader(votacaoCSV)), "text/csv"
			},
			votes: 2,
		},
		{
			name: "multipart below the drain limit",
			body: func(t *testing.T) (io.Reader, string) {
				return multipartBody(t, nil, "votacao_secao_2022_SC.csv", large)
			},
			votes: 1300,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, store := sqliteService(t)
			h := NewIngestHandler(svc, IngestHandlerOptions{Environment: "test"})
			srv := httptest.NewServer(http.HandlerFunc(h.Upload))
			t.Cleanup(srv.Close)

			body, ctype := tt.body(t)
			req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/v1/ingestions?filename=votacao.csv", body)
			require.NoError(t, err)
			req.Header.Set("Content-Type", ctype)

			resp, err := srv.Client().Do(req)
			require.NoError(t, err)
			defer resp.Body.Close()
			require.Equal(t, http.StatusOK, resp.StatusCode)

			events := readEvents(t, resp.Body)
			require.NotEmpty(t, events)
			last := events[len(events)-1]
			require.Equal(t, ingest.StageCompleted, last.Stage, "error: %s", last.Error)

			var votes int
			require.NoError(t, store.DB().QueryRow(`SELECT COUNT(*) FROM votes`).Scan(&votes))
			assert.Equal(t, tt.votes, votes)
		})
	}
}

func TestUpload_Rejections(t *testing.T) {
	tests := []struct {
		name       string
		build      func(t *testing.T) *http.Request
		wantStatus int
		wantType   string
	}{
		{
			name: "multipart without file",
			build: func(t *testing.T) *http.Request {
				body, ctype := multipartBody(t, map[string]string{"total_rows": "1"}, "", "")
				req := httptest.NewRequest(http.MethodPost, "/api/v1/ingestions", body)
				req.Header.Set("Content-Type", ctype)
				return req
			},
			wantStatus: http.StatusBadRequest,
			wantType:   "https://painel-eleitoral.org/problems/invalid-upload",
		},
		{
			name: "empty raw body",
			build: func(t *testing.T) *http.Request {
				req := httptest.NewRequest(http.MethodPost, "/api/v1/ingestions", nil)
				req.Header.Set("Content-Type", "text/csv")
				return req
			},
			wantStatus: http.StatusBadRequest,
			wantType:   "https://painel-eleitoral.org/problems/invalid-upload",
		},
		{
			name: "unsupported media type",
			build: func(t *testing.T) *http.Request {
				req := httptest.NewRequest(http.MethodPost, "/api/v1/ingestions", strings.NewReader("{}"))
				req.Header.Set("Content-Type", "application/json")
				return req
			},
			wantStatus: http.StatusUnsupportedMediaType,
			wantType:   "https://painel-eleitoral.org/problems/invalid-upload",
		},
		{
			name: "negative total rows",
			build: func(t *testing.T) *http.Request {
				req := httptest.NewRequest(http.MethodPost, "/api/v1/ingestions", strings.NewReader(votacaoCSV))
				req.Header.Set("Content-Type", "text/csv")
				req.Header.Set("X-Total-Rows", "-4")
				return req
			},
			wantStatus: http.StatusBadRequest,
			wantType:   "https://painel-eleitoral.org/problems/invalid-upload",
		},
		{
			name: "unknown encoding field",
			build: func(t *testing.T) *http.Request {
				body, ctype := multipartBody(t, map[string]string{"encoding": "ebcdic"}, "a.csv", votacaoCSV)
				req := httptest.NewRequest(http.MethodPost, "/api/v1/ingestions", body)
				req.Header.Set("Content-Type", ctype)
				return req
			},
			wantStatus: http.StatusBadRequest,
			wantType:   "https://painel-eleitoral.org/problems/invalid-upload",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &fakeService{}
			h := NewIngestHandler(fake, IngestHandlerOptions{Environment: "test"})
			rec := httptest.NewRecorder()

			h.Upload(rec, tt.build(t))

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
			var body map[string]any
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.Equal(t, tt.wantType, body["type"])
			assert.Empty(t, fake.requests)
		})
	}
}

func TestUpload_CapacityExhausted(t *testing.T) {
	fake := &fakeService{block: make(chan struct{})}
	h := NewIngestHandler(fake, IngestHandlerOptions{MaxConcurrent: 1})

	started := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		req := httptest.NewRequest(http.MethodPost, "/api/v1/ingestions", strings.NewReader(votacaoCSV))
		req.Header.Set("Content-Type", "text/csv")
		close(started)
		h.Upload(httptest.NewRecorder(), req)
	}()
	<-started

	require.Eventually(t, func() bool {
		inUse, limit := h.Capacity()
		return inUse == 1 && limit == 1
	}, time.Second, 5*time.Millisecond)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/ingestions", strings.NewReader(votacaoCSV))
	req.Header.Set("Content-Type", "text/csv")
	rec := httptest.NewRecorder()
	h.Upload(rec, req)

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "30", rec.Header().Get("Retry-After"))

	close(fake.block)
	<-finished
	inUse, _ := h.Capacity()
	assert.Equal(t, 0, inUse)
}

func TestUpload_FailureBeforeRunEmitsFailedEvent(t *testing.T) {
	fake := &fakeService{err: errors.New("create ingestion run: relation does not exist")}
	h := NewIngestHandler(fake, IngestHandlerOptions{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/ingestions", strings.NewReader(votacaoCSV))
	req.Header.Set("Content-Type", "text/csv")
	rec := httptest.NewRecorder()
	h.Upload(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	events := readEvents(t, rec.Body)
	require.Len(t, events, 1)
	assert.Equal(t, ingest.StageFailed, events[0].Stage)
	assert.Contains(t, events[0].Error, "relation does not exist")
}

func TestUpload_FailureAfterEventsIsNotDuplicated(t *testing.T) {
	fake := &fakeService{
		err: errors.New("boom"),
		events: []ingest.Event{
			{RunID: "r", Stage: ingest.StageStarted},
			{RunID: "r", Stage: ingest.StageFailed, Error: "boom"},
		},
	}
	h := NewIngestHandler(fake, IngestHandlerOptions{})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/ingestions", strings.NewReader(votacaoCSV))
	req.Header.Set("Content-Type", "text/csv")
	rec := httptest.NewRecorder()
	h.Upload(rec, req)

	events := readEvents(t, rec.Body)
	require.Len(t, events, 2)
	assert.Equal(t, ingest.StageFailed, events[1].Stage)
}

func TestList(t *testing.T) {
	started := time.Date(2024, 10, 7, 12, 0, 0, 0, time.UTC)
	runs := []ingest.Run{
		{ID: "01J00000000000000000000002", Status: ingest.RunCompleted, StartedAt: started},
		{ID: "01J00000000000000000000001", Status: ingest.RunCompleted, StartedAt: started.Add(-time.Hour)},
	}

	t.Run("full page returns cursor", func(t *testing.T) {
		fake := &fakeService{runs: runs}
		h := NewIngestHandler(fake, IngestHandlerOptions{})
		rec := httptest.NewRecorder()

		h.List(rec, httptest.NewRequest(http.MethodGet, "/api/v1/ingestions?status=completed&limit=2", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, ingest.RunCompleted, fake.filter.Status)
		assert.Equal(t, 2, fake.filter.Limit)

		var resp runListResponse
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		require.Len(t, resp.Items, 2)
		c, err := pagination.DecodeRunCursor(resp.NextCursor)
		require.NoError(t, err)
		assert.Equal(t, runs[1].ID, c.ULID)
		assert.True(t, runs[1].StartedAt.Equal(c.StartedAt))
	})

	t.Run("cursor is passed through", func(t *testing.T) {
		fake := &fakeService{}
		h := NewIngestHandler(fake, IngestHandlerOptions{})
		cursor := pagination.EncodeRunCursor(started, runs[0].ID)
		rec := httptest.NewRecorder()

		h.List(rec, httptest.NewRequest(http.MethodGet, "/api/v1/ingestions?cursor="+cursor, nil))

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, defaultListLimit, fake.filter.Limit)
		assert.Equal(t, runs[0].ID, fake.filter.BeforeID)
		assert.True(t, started.Equal(fake.filter.BeforeStartedAt))
		assert.JSONEq(t, `{"items":[]}`, rec.Body.String())
	})

	for _, query := range []string{"status=paused", "limit=0", "limit=201", "limit=x", "cursor=%25%25"} {
		t.Run("invalid "+query, func(t *testing.T) {
			h := NewIngestHandler(&fakeService{}, IngestHandlerOptions{})
			rec := httptest.NewRecorder()
			h.List(rec, httptest.NewRequest(http.MethodGet, "/api/v1/ingestions?"+query, nil))
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestGet(t *testing.T) {
	run := &ingest.Run{ID: "01J00000000000000000000003", Source: "votacao.csv", Status: ingest.RunFailed, Error: "line 7: bad quote"}
	h := NewIngestHandler(&fakeService{run: run}, IngestHandlerOptions{})

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/ingestions/{id}", h.Get)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/ingestions/"+run.ID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var got ingest.Run
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&got))
	assert.Equal(t, run.Error, got.Error)

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/ingestions/01J00000000000000000000009", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

type fakeEnqueuer struct {
	args jobs.IngestFileArgs
}

func (f *fakeEnqueuer) EnqueueIngestFile(_ context.Context, args jobs.IngestFileArgs) (*rivertype.JobInsertResult, error) {
	f.args = args
	return &rivertype.JobInsertResult{
		Job: &rivertype.JobRow{ID: 7, Kind: jobs.JobKindIngestFile, Queue: jobs.QueueIngest, State: rivertype.JobStateAvailable},
	}, nil
}

func TestEnqueue(t *testing.T) {
	root := t.TempDir()
	enq := &fakeEnqueuer{}
	h := NewIngestHandler(&fakeService{}, IngestHandlerOptions{Jobs: enq, JobRoot: root})

	rec := httptest.NewRecorder()
	h.Enqueue(rec, httptest.NewRequest(http.MethodPost, "/api/v1/ingestions/jobs",
		strings.NewReader(`{"path":"2022/votacao_secao_2022_SC.zip","encoding":"latin1","count_rows":true}`)))

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, filepath.Join(root, "2022", "votacao_secao_2022_SC.zip"), enq.args.Path)
	assert.Equal(t, "latin1", enq.args.Encoding)
	assert.True(t, enq.args.CountRows)
	assert.JSONEq(t, `{"job_id":7,"kind":"ingest_file","queue":"ingest","state":"available","duplicate":false}`, rec.Body.String())

	for _, body := range []string{
		`{"path":"../outside.csv"}`,
		`{"path":"/etc/passwd"}`,
		`{"path":""}`,
		`{"path":"a.csv","encoding":"ebcdic"}`,
		`{"path":"a.csv","priority":1}`,
		`not json`,
	} {
		rec := httptest.NewRecorder()
		h.Enqueue(rec, httptest.NewRequest(http.MethodPost, "/api/v1/ingestions/jobs", strings.NewReader(body)))
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestEnqueue_NotConfigured(t *testing.T) {
	h := NewIngestHandler(&fakeService{}, IngestHandlerOptions{})
	rec := httptest.NewRecorder()
	h.Enqueue(rec, httptest.NewRequest(http.MethodPost, "/api/v1/ingestions/jobs", strings.NewReader(`{"path":"a.csv"}`)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestConfine(t *testing.T) {
	root := filepath.Join(string(filepath.Separator), "srv", "tse")
	tests := []struct {
		rel     string
		want    string
		wantErr bool
	}{
		{rel: "a.csv", want: filepath.Join(root, "a.csv")},
		{rel: "2022/../a.csv", want: filepath.Join(root, "a.csv")},
		{rel: "..", wantErr: true},
		{rel: "../tse2/a.csv", wantErr: true},
		{rel: "..hidden.csv", want: filepath.Join(root, "..hidden.csv")},
	}
	for _, tt := range tests {
		got, err := confine(root, tt.rel)
		if tt.wantErr {
			assert.Error(t, err, tt.rel)
			continue
		}
		require.NoError(t, err, tt.rel)
		assert.Equal(t, tt.want, got)
	}
}
