package ingest

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/painel-eleitoral/server/internal/domain/ids"
)

type memRuns struct {
	mu        sync.Mutex
	runs      map[string]Run
	createErr error
	finishCtx context.Context
}

func newMemRuns() *memRuns {
	return &memRuns{runs: map[string]Run{}}
}

func (m *memRuns) CreateRun(ctx context.Context, run Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	m.runs[run.ID] = run
	return nil
}

func (m *memRuns) FinishRun(ctx context.Context, run Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finishCtx = ctx
	m.runs[run.ID] = run
	return nil
}

func (m *memRuns) GetRun(ctx context.Context, id string) (*Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &run, nil
}

func (m *memRuns) ListRuns(ctx context.Context, filter RunFilter) ([]Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Run
	for _, r := range m.runs {
		if filter.Status == "" || r.Status == filter.Status {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memRuns) DeleteRunsBefore(ctx context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for id, r := range m.runs {
		if r.StartedAt.Before(before) {
			delete(m.runs, id)
			n++
		}
	}
	return n, nil
}

func TestServiceIngestRecordsRun(t *testing.T) {
	runs := newMemRuns()
	svc := NewService(NewOrchestrator(newMemStore(roomyLimits()), testConfig(10), zerolog.Nop()), runs, zerolog.Nop())

	summary, err := svc.Ingest(context.Background(), IngestRequest{
		Source: "votacao_secao_2022_SC.csv",
		Body:   strings.NewReader(csvOf(criciumaLines()...)),
	}, DiscardSink)
	require.NoError(t, err)
	require.NoError(t, ids.ValidateULID(summary.RunID))

	run, err := svc.GetRun(context.Background(), summary.RunID)
	require.NoError(t, err)
	assert.Equal(t, RunCompleted, run.Status)
	assert.Equal(t, "votacao_secao_2022_SC.csv", run.Source)
	assert.Equal(t, int64(2), run.FactsUpserted)
	assert.Equal(t, int64(1), run.RejectedRows)
	require.NotNil(t, run.FinishedAt)
}

func TestServiceIngestRecordsFailureAfterDisconnect(t *testing.T) {
	runs := newMemRuns()
	svc := NewService(NewOrchestrator(newMemStore(roomyLimits()), testConfig(10), zerolog.Nop()), runs, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	summary, err := svc.Ingest(ctx, IngestRequest{Source: "f.csv", Body: strings.NewReader(csvOf(criciumaLines()...))}, DiscardSink)
	require.ErrorIs(t, err, ErrCanceled)

	run, getErr := svc.GetRun(context.Background(), summary.RunID)
	require.NoError(t, getErr)
	assert.Equal(t, RunFailed, run.Status)
	assert.Contains(t, run.Error, "canceled")
	assert.NoError(t, runs.finishCtx.Err(), "outcome is recorded with a live context")
}

func TestServiceIngestCreateRunFails(t *testing.T) {
	runs := newMemRuns()
	runs.createErr = errors.New("relation does not exist")
	store := newMemStore(roomyLimits())
	svc := NewService(NewOrchestrator(store, testConfig(10), zerolog.Nop()), runs, zerolog.Nop())

	_, err := svc.Ingest(context.Background(), IngestRequest{Body: strings.NewReader(csvOf(criciumaLines()...))}, DiscardSink)
	require.Error(t, err)
	assert.Zero(t, store.loadCalls, "nothing is ingested without a run record")
}

func TestServiceWithoutRunRepository(t *testing.T) {
	svc := NewService(NewOrchestrator(newMemStore(roomyLimits()), testConfig(10), zerolog.Nop()), nil, zerolog.Nop())

	summary, err := svc.Ingest(context.Background(), IngestRequest{Body: strings.NewReader(csvOf(criciumaLines()...))}, DiscardSink)
	require.NoError(t, err)

	_, err = svc.GetRun(context.Background(), summary.RunID)
	assert.ErrorIs(t, err, ErrNotFound)
	list, err := svc.ListRuns(context.Background(), RunFilter{})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestServiceGetRunRejectsBadID(t *testing.T) {
	svc := NewService(NewOrchestrator(newMemStore(roomyLimits()), testConfig(10), zerolog.Nop()), newMemRuns(), zerolog.Nop())
	_, err := svc.GetRun(context.Background(), "../etc/passwd")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestServicePruneRuns(t *testing.T) {
	runs := newMemRuns()
	now := time.Date(2024, 10, 6, 0, 0, 0, 0, time.UTC)
	runs.runs["old"] = Run{ID: "old", StartedAt: now.Add(-60 * 24 * time.Hour)}
	runs.runs["new"] = Run{ID: "new", StartedAt: now.Add(-time.Hour)}
	svc := NewService(NewOrchestrator(newMemStore(roomyLimits()), testConfig(10), zerolog.Nop()), runs, zerolog.Nop())
	svc.now = func() time.Time { return now }

	n, err := svc.PruneRuns(context.Background(), 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Contains(t, runs.runs, "new")
}
