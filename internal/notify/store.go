package notify

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentconsole/agent-console/internal/common/logger"
	"github.com/agentconsole/agent-console/internal/db"
	"github.com/agentconsole/agent-console/internal/db/dialect"
)

// Store persists inbound-event notification records and the per-repository
// Slack integrations.
type Store struct {
	pool   *db.Pool
	driver string
	logger *logger.Logger
}

// NewStore creates the notification store and ensures its tables exist.
func NewStore(pool *db.Pool, driver string, log *logger.Logger) (*Store, error) {
	s := &Store{
		pool:   pool,
		driver: driver,
		logger: log.WithFields(zap.String("component", "notification-store")),
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize notification schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS inbound_event_notifications (
		id TEXT PRIMARY KEY,
		job_id TEXT NOT NULL,
		session_id TEXT NOT NULL,
		worker_id TEXT NOT NULL,
		handler_id TEXT NOT NULL,
		event_type TEXT NOT NULL,
		summary TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TEXT NOT NULL,
		notified_at TEXT,
		UNIQUE(job_id, session_id, worker_id, handler_id)
	);

	CREATE TABLE IF NOT EXISTS repository_slack_integrations (
		id TEXT PRIMARY KEY,
		repository_id TEXT NOT NULL UNIQUE,
		webhook_url TEXT NOT NULL,
		enabled INTEGER NOT NULL DEFAULT 1,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	_, err := s.pool.Writer().Exec(schema)
	return err
}

type notificationRow struct {
	ID         string         `db:"id"`
	JobID      string         `db:"job_id"`
	SessionID  string         `db:"session_id"`
	WorkerID   string         `db:"worker_id"`
	HandlerID  string         `db:"handler_id"`
	EventType  string         `db:"event_type"`
	Summary    string         `db:"summary"`
	Status     string         `db:"status"`
	CreatedAt  string         `db:"created_at"`
	NotifiedAt sql.NullString `db:"notified_at"`
}

func (r *notificationRow) toDomain() (*Notification, error) {
	createdAt, err := dialect.ParseTime(r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("notification %s: bad created_at: %w", r.ID, err)
	}
	n := &Notification{
		ID:        r.ID,
		JobID:     r.JobID,
		SessionID: r.SessionID,
		WorkerID:  r.WorkerID,
		HandlerID: r.HandlerID,
		EventType: EventType(r.EventType),
		Summary:   r.Summary,
		Status:    NotificationStatus(r.Status),
		CreatedAt: createdAt,
	}
	if r.NotifiedAt.Valid && r.NotifiedAt.String != "" {
		t, err := dialect.ParseTime(r.NotifiedAt.String)
		if err != nil {
			return nil, fmt.Errorf("notification %s: bad notified_at: %w", r.ID, err)
		}
		n.NotifiedAt = &t
	}
	return n, nil
}

// CreatePending inserts a pending notification for a delivery target. A
// duplicate target is an idempotent no-op returning the existing record with
// created = false.
func (s *Store) CreatePending(ctx context.Context, n *Notification) (*Notification, bool, error) {
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	n.Status = NotificationPending

	writer := s.pool.Writer()
	res, err := writer.ExecContext(ctx, writer.Rebind(`
		INSERT INTO inbound_event_notifications
			(id, job_id, session_id, worker_id, handler_id, event_type, summary, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(job_id, session_id, worker_id, handler_id) DO NOTHING
	`), n.ID, n.JobID, n.SessionID, n.WorkerID, n.HandlerID,
		string(n.EventType), n.Summary, string(n.Status), dialect.FormatTime(n.CreatedAt))
	if err != nil {
		return nil, false, fmt.Errorf("failed to insert notification: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, err
	}
	if affected > 0 {
		return n, true, nil
	}

	existing, err := s.FindByTarget(ctx, n.JobID, n.SessionID, n.WorkerID, n.HandlerID)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// MarkDelivered flips a record to delivered with the delivery timestamp.
func (s *Store) MarkDelivered(ctx context.Context, id string) error {
	writer := s.pool.Writer()
	_, err := writer.ExecContext(ctx, writer.Rebind(`
		UPDATE inbound_event_notifications SET status = 'delivered', notified_at = ?
		WHERE id = ?
	`), dialect.FormatTime(time.Now().UTC()), id)
	if err != nil {
		return fmt.Errorf("failed to mark notification %s delivered: %w", id, err)
	}
	return nil
}

// Delete removes a notification record. Used when a delivery attempt fails
// outright so a later retry can re-create the target.
func (s *Store) Delete(ctx context.Context, id string) error {
	writer := s.pool.Writer()
	_, err := writer.ExecContext(ctx,
		writer.Rebind(`DELETE FROM inbound_event_notifications WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete notification %s: %w", id, err)
	}
	return nil
}

// FindByTarget returns the record for a delivery target, or nil.
func (s *Store) FindByTarget(ctx context.Context, jobID, sessionID, workerID, handlerID string) (*Notification, error) {
	var row notificationRow
	reader := s.pool.Reader()
	err := reader.GetContext(ctx, &row, reader.Rebind(`
		SELECT * FROM inbound_event_notifications
		WHERE job_id = ? AND session_id = ? AND worker_id = ? AND handler_id = ?
	`), jobID, sessionID, workerID, handlerID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load notification: %w", err)
	}
	return row.toDomain()
}

// FindAll returns every notification record, oldest first.
func (s *Store) FindAll(ctx context.Context) ([]*Notification, error) {
	var rows []notificationRow
	if err := s.pool.Reader().SelectContext(ctx, &rows,
		`SELECT * FROM inbound_event_notifications ORDER BY created_at ASC`); err != nil {
		return nil, fmt.Errorf("failed to load notifications: %w", err)
	}

	out := make([]*Notification, 0, len(rows))
	for i := range rows {
		n, err := rows[i].toDomain()
		if err != nil {
			s.logger.Warn("skipping corrupted notification row",
				zap.String("notification_id", rows[i].ID),
				zap.Error(err))
			continue
		}
		out = append(out, n)
	}
	return out, nil
}

type slackRow struct {
	ID           string `db:"id"`
	RepositoryID string `db:"repository_id"`
	WebhookURL   string `db:"webhook_url"`
	Enabled      int    `db:"enabled"`
	CreatedAt    string `db:"created_at"`
	UpdatedAt    string `db:"updated_at"`
}

// UpsertSlackIntegration creates or replaces a repository's Slack webhook.
func (s *Store) UpsertSlackIntegration(ctx context.Context, integ *SlackIntegration) error {
	if integ.ID == "" {
		integ.ID = uuid.New().String()
	}
	now := time.Now().UTC()
	if integ.CreatedAt.IsZero() {
		integ.CreatedAt = now
	}
	integ.UpdatedAt = now

	writer := s.pool.Writer()
	_, err := writer.ExecContext(ctx, writer.Rebind(`
		INSERT INTO repository_slack_integrations
			(id, repository_id, webhook_url, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(repository_id) DO UPDATE SET
			webhook_url = excluded.webhook_url,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`), integ.ID, integ.RepositoryID, integ.WebhookURL, dialect.BoolToInt(integ.Enabled),
		dialect.FormatTime(integ.CreatedAt), dialect.FormatTime(integ.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert slack integration: %w", err)
	}
	return nil
}

// SlackIntegrationFor returns a repository's Slack integration, or nil.
func (s *Store) SlackIntegrationFor(ctx context.Context, repositoryID string) (*SlackIntegration, error) {
	var row slackRow
	reader := s.pool.Reader()
	err := reader.GetContext(ctx, &row, reader.Rebind(`
		SELECT * FROM repository_slack_integrations WHERE repository_id = ?
	`), repositoryID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load slack integration: %w", err)
	}

	createdAt, err := dialect.ParseTime(row.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("slack integration %s: bad created_at: %w", row.ID, err)
	}
	updatedAt, err := dialect.ParseTime(row.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("slack integration %s: bad updated_at: %w", row.ID, err)
	}
	return &SlackIntegration{
		ID:           row.ID,
		RepositoryID: row.RepositoryID,
		WebhookURL:   row.WebhookURL,
		Enabled:      row.Enabled != 0,
		CreatedAt:    createdAt,
		UpdatedAt:    updatedAt,
	}, nil
}
