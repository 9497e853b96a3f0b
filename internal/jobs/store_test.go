package jobs

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentconsole/agent-console/internal/common/logger"
	"github.com/agentconsole/agent-console/internal/db"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()

	writer, err := db.OpenSQLite(filepath.Join(t.TempDir(), "console.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = writer.Close() })

	log, err := logger.NewLogger(&logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	store, err := NewStore(db.NewPool(writer, writer), log)
	require.NoError(t, err)
	return store
}

func TestClaimNextHonorsPriorityAndAge(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	low, err := store.Create(ctx, "work", nil, EnqueueOptions{Priority: 1})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	high, err := store.Create(ctx, "work", nil, EnqueueOptions{Priority: 5})
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	lowLater, err := store.Create(ctx, "work", nil, EnqueueOptions{Priority: 1})
	require.NoError(t, err)

	first, err := store.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, high.ID, first.ID, "highest priority wins")
	assert.Equal(t, StatusProcessing, first.Status)

	second, err := store.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.Equal(t, low.ID, second.ID, "ties break by oldest created_at")

	third, err := store.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, third)
	assert.Equal(t, lowLater.ID, third.ID)

	none, err := store.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, none, "nothing ready once all jobs are processing")
}

func TestClaimNextSkipsFutureRetries(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	job, err := store.Create(ctx, "work", nil, EnqueueOptions{MaxAttempts: 3})
	require.NoError(t, err)

	claimed, err := store.ClaimNext(ctx)
	require.NoError(t, err)
	require.NotNil(t, claimed)

	status, err := store.MarkFailed(ctx, job.ID, "boom", time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, StatusPending, status)

	none, err := store.ClaimNext(ctx)
	require.NoError(t, err)
	assert.Nil(t, none, "job with future next_retry_at is not ready")
}

func TestMarkFailedStallsAtAttemptLimit(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	job, err := store.Create(ctx, "work", nil, EnqueueOptions{MaxAttempts: 2})
	require.NoError(t, err)

	status, err := store.MarkFailed(ctx, job.ID, "first", time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, StatusPending, status)

	status, err = store.MarkFailed(ctx, job.ID, "second", time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, StatusStalled, status)

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusStalled, got.Status)
	assert.Equal(t, 2, got.Attempts)
	require.NotNil(t, got.LastError)
	assert.Equal(t, "second", *got.LastError)
}

func TestRetryResetsStalledJob(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	job, err := store.Create(ctx, "work", nil, EnqueueOptions{MaxAttempts: 1})
	require.NoError(t, err)
	_, err = store.MarkFailed(ctx, job.ID, "boom", time.Now().UTC())
	require.NoError(t, err)

	require.NoError(t, store.Retry(ctx, job.ID))

	got, err := store.Get(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Zero(t, got.Attempts)
	assert.Nil(t, got.LastError)
	assert.Nil(t, got.NextRetryAt)
}

func TestRetryErrorSurfaces(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	assert.ErrorIs(t, store.Retry(ctx, "missing"), ErrNotFound)

	job, err := store.Create(ctx, "work", nil, EnqueueOptions{})
	require.NoError(t, err)
	assert.ErrorIs(t, store.Retry(ctx, job.ID), ErrWrongStatus, "pending jobs cannot be retried")
}

func TestCancelDeletesPendingAndStalledOnly(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	pending, err := store.Create(ctx, "work", nil, EnqueueOptions{})
	require.NoError(t, err)
	require.NoError(t, store.Cancel(ctx, pending.ID))

	got, err := store.Get(ctx, pending.ID)
	require.NoError(t, err)
	assert.Nil(t, got)

	assert.ErrorIs(t, store.Cancel(ctx, "missing"), ErrNotFound)

	processing, err := store.Create(ctx, "work", nil, EnqueueOptions{})
	require.NoError(t, err)
	claimed, err := store.ClaimNext(ctx)
	require.NoError(t, err)
	require.Equal(t, processing.ID, claimed.ID)
	assert.ErrorIs(t, store.Cancel(ctx, processing.ID), ErrWrongStatus)
}

func TestListFiltersAndValidates(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.Create(ctx, "alpha", nil, EnqueueOptions{})
	require.NoError(t, err)
	_, err = store.Create(ctx, "beta", nil, EnqueueOptions{})
	require.NoError(t, err)

	all, total, err := store.List(ctx, ListFilter{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, all, 2)

	alphas, total, err := store.List(ctx, ListFilter{Limit: 10, Type: "alpha"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, alphas, 1)
	assert.Equal(t, "alpha", alphas[0].Type)

	_, _, err = store.List(ctx, ListFilter{Limit: 0})
	assert.Error(t, err)
	_, _, err = store.List(ctx, ListFilter{Limit: 1001})
	assert.Error(t, err)
	_, _, err = store.List(ctx, ListFilter{Limit: 10, Offset: -1})
	assert.Error(t, err)
}

func TestGetStats(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	_, err := store.Create(ctx, "work", nil, EnqueueOptions{})
	require.NoError(t, err)
	_, err = store.Create(ctx, "work", nil, EnqueueOptions{})
	require.NoError(t, err)

	claimed, err := store.ClaimNext(ctx)
	require.NoError(t, err)
	require.NoError(t, store.MarkCompleted(ctx, claimed.ID))

	stats, err := store.GetStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 1, stats.Completed)
	assert.Zero(t, stats.Processing)
	assert.Zero(t, stats.Stalled)
}
