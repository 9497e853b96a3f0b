package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentconsole/agent-console/internal/common/config"
	"github.com/agentconsole/agent-console/internal/common/logger"
)

// Handler processes one job. A returned error makes the attempt a failure
// and schedules a retry or stalls the job.
type Handler func(ctx context.Context, job *Job) error

// Queue is a fixed-concurrency worker pool pulling ready jobs from the store
// in priority order. Handlers are registered before Start; Stop lets
// in-flight jobs run to completion and pulls no new ones.
type Queue struct {
	store  *Store
	cfg    config.JobsConfig
	logger *logger.Logger

	mu       sync.Mutex
	handlers map[string]Handler
	started  bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewQueue creates a job queue over the given store.
func NewQueue(store *Store, cfg config.JobsConfig, log *logger.Logger) *Queue {
	return &Queue{
		store:    store,
		cfg:      cfg,
		logger:   log.WithFields(zap.String("component", "job-queue")),
		handlers: make(map[string]Handler),
	}
}

// RegisterHandler binds a handler to a job type. Exactly one handler per
// type, declared before Start.
func (q *Queue) RegisterHandler(jobType string, fn Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.started {
		return fmt.Errorf("cannot register handler %q after start", jobType)
	}
	if _, exists := q.handlers[jobType]; exists {
		return fmt.Errorf("handler for %q already registered", jobType)
	}
	q.handlers[jobType] = fn
	return nil
}

// Enqueue inserts a new pending job and returns its id.
func (q *Queue) Enqueue(ctx context.Context, jobType string, payload json.RawMessage, opts EnqueueOptions) (string, error) {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = q.cfg.MaxAttempts
	}
	job, err := q.store.Create(ctx, jobType, payload, opts)
	if err != nil {
		return "", err
	}
	q.logger.Debug("job enqueued",
		zap.String("job_id", job.ID),
		zap.String("type", jobType),
		zap.Int("priority", opts.Priority))
	return job.ID, nil
}

// Start launches the worker pool.
func (q *Queue) Start() error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.started {
		return fmt.Errorf("queue already started")
	}
	q.started = true

	ctx, cancel := context.WithCancel(context.Background())
	q.cancel = cancel

	concurrency := q.cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	for i := 0; i < concurrency; i++ {
		q.wg.Add(1)
		go q.worker(ctx, i)
	}

	q.logger.Info("job queue started", zap.Int("concurrency", concurrency))
	return nil
}

// Stop halts pulling and waits for in-flight jobs to finish.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.started {
		q.mu.Unlock()
		return
	}
	cancel := q.cancel
	q.mu.Unlock()

	cancel()
	q.wg.Wait()

	q.mu.Lock()
	q.started = false
	q.mu.Unlock()
	q.logger.Info("job queue stopped")
}

func (q *Queue) worker(ctx context.Context, id int) {
	defer q.wg.Done()

	interval := q.cfg.PollInterval()
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := q.store.ClaimNext(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			q.logger.Error("failed to claim job", zap.Int("worker", id), zap.Error(err))
		}
		if job == nil {
			select {
			case <-ctx.Done():
				return
			case <-time.After(interval):
			}
			continue
		}

		// Handlers run against a fresh context so Stop drains in-flight
		// work instead of aborting it.
		q.process(context.Background(), job)
	}
}

func (q *Queue) process(ctx context.Context, job *Job) {
	q.mu.Lock()
	handler, ok := q.handlers[job.Type]
	q.mu.Unlock()

	if !ok {
		q.fail(ctx, job, fmt.Errorf("no handler registered for type %q", job.Type))
		return
	}

	q.logger.Debug("processing job",
		zap.String("job_id", job.ID),
		zap.String("type", job.Type),
		zap.Int("attempt", job.Attempts+1))

	if err := handler(ctx, job); err != nil {
		q.fail(ctx, job, err)
		return
	}

	if err := q.store.MarkCompleted(ctx, job.ID); err != nil {
		q.logger.Error("failed to mark job completed",
			zap.String("job_id", job.ID),
			zap.Error(err))
		return
	}
	q.logger.Debug("job completed", zap.String("job_id", job.ID))
}

func (q *Queue) fail(ctx context.Context, job *Job, cause error) {
	retryAt := time.Now().UTC().Add(q.backoff(job.Attempts))
	status, err := q.store.MarkFailed(ctx, job.ID, cause.Error(), retryAt)
	if err != nil {
		q.logger.Error("failed to record job failure",
			zap.String("job_id", job.ID),
			zap.Error(err))
		return
	}

	if status == StatusStalled {
		q.logger.Warn("job stalled",
			zap.String("job_id", job.ID),
			zap.String("type", job.Type),
			zap.String("error", cause.Error()))
		return
	}
	q.logger.Debug("job scheduled for retry",
		zap.String("job_id", job.ID),
		zap.Time("next_retry_at", retryAt),
		zap.String("error", cause.Error()))
}

// backoff computes the retry delay for a job that has already failed
// `attempts` times: base doubling per attempt, capped, with ±30% jitter.
func (q *Queue) backoff(attempts int) time.Duration {
	base := q.cfg.BackoffBase()
	if base <= 0 {
		base = time.Second
	}
	max := q.cfg.BackoffMax()
	if max <= 0 {
		max = 30 * time.Second
	}

	delay := time.Duration(float64(base) * math.Pow(2, float64(attempts)))
	if delay > max {
		delay = max
	}
	jitter := 0.7 + rand.Float64()*0.6
	return time.Duration(float64(delay) * jitter)
}

// Get returns a job by id, or nil when absent.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	return q.store.Get(ctx, id)
}

// List returns jobs matching the filter plus the total count.
func (q *Queue) List(ctx context.Context, filter ListFilter) ([]*Job, int, error) {
	return q.store.List(ctx, filter)
}

// GetStats returns per-status job counts.
func (q *Queue) GetStats(ctx context.Context) (*Stats, error) {
	return q.store.GetStats(ctx)
}

// Retry resets a stalled job to pending.
func (q *Queue) Retry(ctx context.Context, id string) error {
	return q.store.Retry(ctx, id)
}

// Cancel removes a pending or stalled job.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	return q.store.Cancel(ctx, id)
}
