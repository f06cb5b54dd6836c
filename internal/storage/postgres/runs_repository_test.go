package postgres

import (
	"context"
	"testing"
	"time"

	"github.com/painel-eleitoral/server/internal/domain/ids"
	"github.com/painel-eleitoral/server/internal/domain/ingest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRun(t *testing.T, started time.Time) ingest.Run {
	t.Helper()
	id, err := ids.NewULID()
	require.NoError(t, err)
	return ingest.Run{ID: id, Source: "votacao_secao_2022_SC.csv", Status: ingest.RunRunning, StartedAt: started.UTC().Truncate(time.Microsecond)}
}

func TestRunsRepositoryLifecycle(t *testing.T) {
	pool, _ := setupPostgres(t)
	repo := NewRunsRepository(pool)
	ctx := context.Background()

	run := newRun(t, time.Now())
	require.NoError(t, repo.CreateRun(ctx, run))

	got, err := repo.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, ingest.RunRunning, got.Status)
	assert.Nil(t, got.FinishedAt)

	finished := time.Now().UTC()
	run.Status = ingest.RunFailed
	run.FinishedAt = &finished
	run.LinesRead = 10
	run.FactsUpserted = 7
	run.Error = "dimension upsert failed"
	require.NoError(t, repo.FinishRun(ctx, run))

	got, err = repo.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, ingest.RunFailed, got.Status)
	assert.Equal(t, int64(10), got.LinesRead)
	assert.Equal(t, int64(7), got.FactsUpserted)
	assert.Equal(t, "dimension upsert failed", got.Error)
	require.NotNil(t, got.FinishedAt)
}

func TestRunsRepositoryNotFound(t *testing.T) {
	pool, _ := setupPostgres(t)
	repo := NewRunsRepository(pool)

	_, err := repo.GetRun(context.Background(), "01ARZ3NDEKTSV4RRFFQ69G5FAV")
	assert.ErrorIs(t, err, ingest.ErrNotFound)

	err = repo.FinishRun(context.Background(), ingest.Run{ID: "01ARZ3NDEKTSV4RRFFQ69G5FAV", Status: ingest.RunCompleted})
	assert.ErrorIs(t, err, ingest.ErrNotFound)
}

func TestRunsRepositoryListAndPrune(t *testing.T) {
	pool, _ := setupPostgres(t)
	repo := NewRunsRepository(pool)
	ctx := context.Background()

	old := newRun(t, time.Now().Add(-48*time.Hour))
	old.Status = ingest.RunCompleted
	recent := newRun(t, time.Now())
	running := newRun(t, time.Now().Add(-72*time.Hour))
	for _, r := range []ingest.Run{old, recent, running} {
		require.NoError(t, repo.CreateRun(ctx, r))
	}
	finished := time.Now()
	old.FinishedAt = &finished
	require.NoError(t, repo.FinishRun(ctx, old))

	all, err := repo.ListRuns(ctx, ingest.RunFilter{Limit: 10})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, recent.ID, all[0].ID)

	completed, err := repo.ListRuns(ctx, ingest.RunFilter{Status: ingest.RunCompleted, Limit: 10})
	require.NoError(t, err)
	require.Len(t, completed, 1)
	assert.Equal(t, old.ID, completed[0].ID)

	page, err := repo.ListRuns(ctx, ingest.RunFilter{
		Limit:           10,
		BeforeStartedAt: all[0].StartedAt,
		BeforeID:        all[0].ID,
	})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, all[1].ID, page[0].ID)

	// Running records survive pruning regardless of age.
	deleted, err := repo.DeleteRunsBefore(ctx, time.Now().Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	left, err := repo.ListRuns(ctx, ingest.RunFilter{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, left, 2)
}
