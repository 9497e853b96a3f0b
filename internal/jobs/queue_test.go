package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentconsole/agent-console/internal/common/config"
	"github.com/agentconsole/agent-console/internal/common/logger"
)

func newTestQueue(t *testing.T) *Queue {
	t.Helper()

	store := openTestStore(t)
	log, err := logger.NewLogger(&logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	cfg := config.JobsConfig{
		Concurrency:    2,
		PollIntervalMs: 10,
		BackoffBaseMs:  5,
		BackoffMaxMs:   20,
		MaxAttempts:    3,
	}
	return NewQueue(store, cfg, log)
}

func waitForStatus(t *testing.T, q *Queue, id string, want Status) *Job {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		job, err := q.Get(context.Background(), id)
		require.NoError(t, err)
		require.NotNil(t, job)
		if job.Status == want {
			return job
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s never reached %s, stuck at %s", id, want, job.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestQueueProcessesJob(t *testing.T) {
	q := newTestQueue(t)

	var calls int32
	require.NoError(t, q.RegisterHandler("ok", func(ctx context.Context, job *Job) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}))
	require.NoError(t, q.Start())
	defer q.Stop()

	id, err := q.Enqueue(context.Background(), "ok", nil, EnqueueOptions{})
	require.NoError(t, err)

	job := waitForStatus(t, q, id, StatusCompleted)
	assert.NotNil(t, job.CompletedAt)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestQueueRetriesThenStalls(t *testing.T) {
	q := newTestQueue(t)

	var calls int32
	require.NoError(t, q.RegisterHandler("fail", func(ctx context.Context, job *Job) error {
		atomic.AddInt32(&calls, 1)
		return errors.New("always fails")
	}))
	require.NoError(t, q.Start())
	defer q.Stop()

	id, err := q.Enqueue(context.Background(), "fail", nil, EnqueueOptions{MaxAttempts: 3})
	require.NoError(t, err)

	job := waitForStatus(t, q, id, StatusStalled)
	assert.Equal(t, 3, job.Attempts)
	require.NotNil(t, job.LastError)
	assert.Equal(t, "always fails", *job.LastError)
	assert.Equal(t, int32(3), atomic.LoadInt32(&calls))
}

func TestQueueRetryResetsAndCompletes(t *testing.T) {
	q := newTestQueue(t)

	// Fails until the flag flips, so the job stalls, is retried by the
	// user, and then succeeds.
	var succeed atomic.Bool
	require.NoError(t, q.RegisterHandler("flaky", func(ctx context.Context, job *Job) error {
		if succeed.Load() {
			return nil
		}
		return errors.New("not yet")
	}))
	require.NoError(t, q.Start())
	defer q.Stop()

	ctx := context.Background()
	id, err := q.Enqueue(ctx, "flaky", nil, EnqueueOptions{MaxAttempts: 2})
	require.NoError(t, err)

	waitForStatus(t, q, id, StatusStalled)

	succeed.Store(true)
	require.NoError(t, q.Retry(ctx, id))

	job := waitForStatus(t, q, id, StatusCompleted)
	assert.Equal(t, 0, job.Attempts, "retry resets the attempt counter")
}

func TestQueueUnregisteredTypeStalls(t *testing.T) {
	q := newTestQueue(t)
	require.NoError(t, q.Start())
	defer q.Stop()

	id, err := q.Enqueue(context.Background(), "nobody-handles-this", nil, EnqueueOptions{MaxAttempts: 1})
	require.NoError(t, err)

	job := waitForStatus(t, q, id, StatusStalled)
	require.NotNil(t, job.LastError)
	assert.Contains(t, *job.LastError, "no handler")
}

func TestRegisterHandlerRules(t *testing.T) {
	q := newTestQueue(t)

	require.NoError(t, q.RegisterHandler("x", func(ctx context.Context, job *Job) error { return nil }))
	assert.Error(t, q.RegisterHandler("x", func(ctx context.Context, job *Job) error { return nil }),
		"duplicate registration is rejected")

	require.NoError(t, q.Start())
	defer q.Stop()
	assert.Error(t, q.RegisterHandler("y", func(ctx context.Context, job *Job) error { return nil }),
		"registration after start is rejected")
}

func TestQueueStopDrainsInFlight(t *testing.T) {
	q := newTestQueue(t)

	started := make(chan struct{})
	var finished atomic.Bool
	require.NoError(t, q.RegisterHandler("slow", func(ctx context.Context, job *Job) error {
		close(started)
		time.Sleep(200 * time.Millisecond)
		finished.Store(true)
		return nil
	}))
	require.NoError(t, q.Start())

	id, err := q.Enqueue(context.Background(), "slow", nil, EnqueueOptions{})
	require.NoError(t, err)

	<-started
	q.Stop()

	assert.True(t, finished.Load(), "stop waits for the in-flight job")
	job, err := q.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, job.Status)
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	q := newTestQueue(t)
	q.cfg.BackoffBaseMs = 1000
	q.cfg.BackoffMaxMs = 30000

	within := func(d time.Duration, nominal time.Duration) bool {
		return d >= time.Duration(float64(nominal)*0.7) && d <= time.Duration(float64(nominal)*1.3)
	}

	assert.True(t, within(q.backoff(0), time.Second))
	assert.True(t, within(q.backoff(1), 2*time.Second))
	assert.True(t, within(q.backoff(2), 4*time.Second))
	assert.True(t, within(q.backoff(10), 30*time.Second), "delay caps at the maximum")
}
