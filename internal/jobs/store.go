package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentconsole/agent-console/internal/common/logger"
	"github.com/agentconsole/agent-console/internal/db"
	"github.com/agentconsole/agent-console/internal/db/dialect"
)

// Store persists jobs. The claim operation is an atomic select-and-mark so
// concurrent pool workers never grab the same job.
type Store struct {
	pool   *db.Pool
	logger *logger.Logger
}

// NewStore creates the job store and ensures the jobs table exists.
func NewStore(pool *db.Pool, log *logger.Logger) (*Store, error) {
	s := &Store{
		pool:   pool,
		logger: log.WithFields(zap.String("component", "job-store")),
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize job schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		job_type TEXT NOT NULL,
		payload TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'pending',
		priority INTEGER NOT NULL DEFAULT 0,
		attempts INTEGER NOT NULL DEFAULT 0,
		max_attempts INTEGER NOT NULL DEFAULT 3,
		last_error TEXT,
		next_retry_at TEXT,
		created_at TEXT NOT NULL,
		started_at TEXT,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
	CREATE INDEX IF NOT EXISTS idx_jobs_type ON jobs(job_type);
	CREATE INDEX IF NOT EXISTS idx_jobs_pull ON jobs(status, priority, created_at);
	`
	_, err := s.pool.Writer().Exec(schema)
	return err
}

type jobRow struct {
	ID          string         `db:"id"`
	JobType     string         `db:"job_type"`
	Payload     string         `db:"payload"`
	Status      string         `db:"status"`
	Priority    int            `db:"priority"`
	Attempts    int            `db:"attempts"`
	MaxAttempts int            `db:"max_attempts"`
	LastError   sql.NullString `db:"last_error"`
	NextRetryAt sql.NullString `db:"next_retry_at"`
	CreatedAt   string         `db:"created_at"`
	StartedAt   sql.NullString `db:"started_at"`
	CompletedAt sql.NullString `db:"completed_at"`
}

func (r *jobRow) toDomain() (*Job, error) {
	createdAt, err := dialect.ParseTime(r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("job %s: bad created_at: %w", r.ID, err)
	}

	job := &Job{
		ID:          r.ID,
		Type:        r.JobType,
		Payload:     json.RawMessage(r.Payload),
		Status:      Status(r.Status),
		Priority:    r.Priority,
		Attempts:    r.Attempts,
		MaxAttempts: r.MaxAttempts,
		CreatedAt:   createdAt,
	}
	if r.LastError.Valid {
		v := r.LastError.String
		job.LastError = &v
	}
	parseOptional := func(v sql.NullString) (*time.Time, error) {
		if !v.Valid || v.String == "" {
			return nil, nil
		}
		t, err := dialect.ParseTime(v.String)
		if err != nil {
			return nil, err
		}
		return &t, nil
	}
	if job.NextRetryAt, err = parseOptional(r.NextRetryAt); err != nil {
		return nil, fmt.Errorf("job %s: bad next_retry_at: %w", r.ID, err)
	}
	if job.StartedAt, err = parseOptional(r.StartedAt); err != nil {
		return nil, fmt.Errorf("job %s: bad started_at: %w", r.ID, err)
	}
	if job.CompletedAt, err = parseOptional(r.CompletedAt); err != nil {
		return nil, fmt.Errorf("job %s: bad completed_at: %w", r.ID, err)
	}
	return job, nil
}

// Create inserts a new pending job.
func (s *Store) Create(ctx context.Context, jobType string, payload json.RawMessage, opts EnqueueOptions) (*Job, error) {
	if jobType == "" {
		return nil, fmt.Errorf("job type is required")
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	job := &Job{
		ID:          uuid.New().String(),
		Type:        jobType,
		Payload:     payload,
		Status:      StatusPending,
		Priority:    opts.Priority,
		MaxAttempts: maxAttempts,
		CreatedAt:   time.Now().UTC(),
	}

	writer := s.pool.Writer()
	_, err := writer.ExecContext(ctx, writer.Rebind(`
		INSERT INTO jobs (id, job_type, payload, status, priority, attempts, max_attempts, created_at)
		VALUES (?, ?, ?, ?, ?, 0, ?, ?)
	`), job.ID, job.Type, string(job.Payload), string(job.Status), job.Priority,
		job.MaxAttempts, dialect.FormatTime(job.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to insert job: %w", err)
	}
	return job, nil
}

// ClaimNext atomically selects the next ready pending job (highest priority,
// oldest first) and marks it processing. Returns nil when nothing is ready.
func (s *Store) ClaimNext(ctx context.Context) (*Job, error) {
	writer := s.pool.Writer()
	tx, err := writer.BeginTxx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	var row jobRow
	err = tx.GetContext(ctx, &row, tx.Rebind(`
		SELECT * FROM jobs
		WHERE status = 'pending' AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY priority DESC, created_at ASC
		LIMIT 1
	`), dialect.FormatTime(now))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to select next job: %w", err)
	}

	res, err := tx.ExecContext(ctx, tx.Rebind(`
		UPDATE jobs SET status = 'processing', started_at = ?
		WHERE id = ? AND status = 'pending'
	`), dialect.FormatTime(now), row.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to claim job %s: %w", row.ID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, err
	}
	if affected == 0 {
		// Lost the race to another puller.
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	row.Status = string(StatusProcessing)
	row.StartedAt = sql.NullString{String: dialect.FormatTime(now), Valid: true}
	return row.toDomain()
}

// MarkCompleted finishes a job successfully.
func (s *Store) MarkCompleted(ctx context.Context, id string) error {
	writer := s.pool.Writer()
	_, err := writer.ExecContext(ctx, writer.Rebind(`
		UPDATE jobs SET status = 'completed', completed_at = ?, last_error = NULL
		WHERE id = ?
	`), dialect.FormatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("failed to complete job %s: %w", id, err)
	}
	return nil
}

// MarkFailed records a failed attempt. Below the attempt limit the job goes
// back to pending with the given retry time; at the limit it stalls.
func (s *Store) MarkFailed(ctx context.Context, id string, errMsg string, nextRetryAt time.Time) (Status, error) {
	writer := s.pool.Writer()
	tx, err := writer.BeginTxx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var row jobRow
	if err := tx.GetContext(ctx, &row, tx.Rebind(`SELECT * FROM jobs WHERE id = ?`), id); err != nil {
		if err == sql.ErrNoRows {
			return "", ErrNotFound
		}
		return "", err
	}

	attempts := row.Attempts + 1
	status := StatusPending
	if attempts >= row.MaxAttempts {
		status = StatusStalled
	}

	var retryAt interface{}
	if status == StatusPending {
		retryAt = dialect.FormatTime(nextRetryAt)
	}
	_, err = tx.ExecContext(ctx, tx.Rebind(`
		UPDATE jobs SET status = ?, attempts = ?, last_error = ?, next_retry_at = ?
		WHERE id = ?
	`), string(status), attempts, errMsg, retryAt, id)
	if err != nil {
		return "", fmt.Errorf("failed to record job failure %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return status, nil
}

// Get returns a job by id, or nil when absent.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	var row jobRow
	reader := s.pool.Reader()
	err := reader.GetContext(ctx, &row, reader.Rebind(`SELECT * FROM jobs WHERE id = ?`), id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}
	return row.toDomain()
}

// List returns jobs matching the filter plus the total match count.
func (s *Store) List(ctx context.Context, filter ListFilter) ([]*Job, int, error) {
	if filter.Limit < 1 || filter.Limit > 1000 {
		return nil, 0, fmt.Errorf("limit must be between 1 and 1000")
	}
	if filter.Offset < 0 {
		return nil, 0, fmt.Errorf("offset must not be negative")
	}

	where := " WHERE 1=1"
	args := []interface{}{}
	if filter.Status != "" {
		where += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.Type != "" {
		where += " AND job_type = ?"
		args = append(args, filter.Type)
	}

	reader := s.pool.Reader()
	var total int
	if err := reader.GetContext(ctx, &total,
		reader.Rebind("SELECT COUNT(*) FROM jobs"+where), args...); err != nil {
		return nil, 0, fmt.Errorf("failed to count jobs: %w", err)
	}

	var rows []jobRow
	query := "SELECT * FROM jobs" + where + " ORDER BY created_at DESC LIMIT ? OFFSET ?"
	args = append(args, filter.Limit, filter.Offset)
	if err := reader.SelectContext(ctx, &rows, reader.Rebind(query), args...); err != nil {
		return nil, 0, fmt.Errorf("failed to list jobs: %w", err)
	}

	out := make([]*Job, 0, len(rows))
	for i := range rows {
		job, err := rows[i].toDomain()
		if err != nil {
			s.logger.Warn("skipping corrupted job row",
				zap.String("job_id", rows[i].ID),
				zap.Error(err))
			continue
		}
		out = append(out, job)
	}
	return out, total, nil
}

// GetStats returns the aggregate counts per status.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	rows := []struct {
		Status string `db:"status"`
		Count  int    `db:"count"`
	}{}
	if err := s.pool.Reader().SelectContext(ctx, &rows,
		`SELECT status, COUNT(*) AS count FROM jobs GROUP BY status`); err != nil {
		return nil, fmt.Errorf("failed to load job stats: %w", err)
	}

	stats := &Stats{}
	for _, r := range rows {
		switch Status(r.Status) {
		case StatusPending:
			stats.Pending = r.Count
		case StatusProcessing:
			stats.Processing = r.Count
		case StatusCompleted:
			stats.Completed = r.Count
		case StatusStalled:
			stats.Stalled = r.Count
		}
	}
	return stats, nil
}

// Retry resets a stalled job to pending with attempts zeroed and the error
// cleared. ErrNotFound when absent; ErrWrongStatus unless stalled.
func (s *Store) Retry(ctx context.Context, id string) error {
	return s.transition(ctx, id, []Status{StatusStalled}, `
		UPDATE jobs SET status = 'pending', attempts = 0, last_error = NULL, next_retry_at = NULL
		WHERE id = ?`)
}

// Cancel deletes a pending or stalled job. ErrNotFound when absent;
// ErrWrongStatus for processing or completed jobs.
func (s *Store) Cancel(ctx context.Context, id string) error {
	return s.transition(ctx, id, []Status{StatusPending, StatusStalled},
		`DELETE FROM jobs WHERE id = ?`)
}

func (s *Store) transition(ctx context.Context, id string, from []Status, stmt string) error {
	writer := s.pool.Writer()
	tx, err := writer.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	if err := tx.GetContext(ctx, &status, tx.Rebind(`SELECT status FROM jobs WHERE id = ?`), id); err != nil {
		if err == sql.ErrNoRows {
			return ErrNotFound
		}
		return err
	}

	allowed := false
	for _, st := range from {
		if Status(status) == st {
			allowed = true
			break
		}
	}
	if !allowed {
		return ErrWrongStatus
	}

	if _, err := tx.ExecContext(ctx, tx.Rebind(stmt), id); err != nil {
		return fmt.Errorf("failed to transition job %s: %w", id, err)
	}
	return tx.Commit()
}
