package session

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"

	"github.com/agentconsole/agent-console/internal/common/logger"
	"github.com/agentconsole/agent-console/internal/db"
	"github.com/agentconsole/agent-console/internal/db/dialect"
)

// Store persists sessions and their workers. Writes go through the pool's
// single writer; reads may use the read pool.
type Store struct {
	pool   *db.Pool
	driver string
	logger *logger.Logger
}

// NewStore creates the session store and ensures its tables exist.
func NewStore(pool *db.Pool, driver string, log *logger.Logger) (*Store, error) {
	s := &Store{
		pool:   pool,
		driver: driver,
		logger: log.WithFields(zap.String("component", "session-store")),
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize session schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		session_type TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		initial_prompt TEXT NOT NULL DEFAULT '',
		path TEXT NOT NULL,
		repository_id TEXT,
		worktree_id TEXT,
		server_pid INTEGER,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS workers (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		worker_type TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		agent_id TEXT NOT NULL DEFAULT '',
		base_commit TEXT NOT NULL DEFAULT '',
		pid INTEGER,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		FOREIGN KEY (session_id) REFERENCES sessions(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_sessions_repository_id ON sessions(repository_id);
	CREATE INDEX IF NOT EXISTS idx_workers_session_id ON workers(session_id);
	`
	_, err := s.pool.Writer().Exec(schema)
	return err
}

type sessionRow struct {
	ID            string         `db:"id"`
	SessionType   string         `db:"session_type"`
	Title         string         `db:"title"`
	InitialPrompt string         `db:"initial_prompt"`
	Path          string         `db:"path"`
	RepositoryID  sql.NullString `db:"repository_id"`
	WorktreeID    sql.NullString `db:"worktree_id"`
	ServerPID     sql.NullInt64  `db:"server_pid"`
	CreatedAt     string         `db:"created_at"`
	UpdatedAt     string         `db:"updated_at"`
}

type workerRow struct {
	ID         string        `db:"id"`
	SessionID  string        `db:"session_id"`
	WorkerType string        `db:"worker_type"`
	Name       string        `db:"name"`
	AgentID    string        `db:"agent_id"`
	BaseCommit string        `db:"base_commit"`
	PID        sql.NullInt64 `db:"pid"`
	CreatedAt  string        `db:"created_at"`
	UpdatedAt  string        `db:"updated_at"`
}

func (r *sessionRow) toDomain() (*Session, error) {
	createdAt, err := dialect.ParseTime(r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("session %s: bad created_at: %w", r.ID, err)
	}
	updatedAt, err := dialect.ParseTime(r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("session %s: bad updated_at: %w", r.ID, err)
	}

	sess := &Session{
		ID:            r.ID,
		Type:          Type(r.SessionType),
		Title:         r.Title,
		InitialPrompt: r.InitialPrompt,
		Path:          r.Path,
		CreatedAt:     createdAt,
		UpdatedAt:     updatedAt,
	}
	if r.RepositoryID.Valid {
		v := r.RepositoryID.String
		sess.RepositoryID = &v
	}
	if r.WorktreeID.Valid {
		v := r.WorktreeID.String
		sess.WorktreeID = &v
	}
	if r.ServerPID.Valid {
		v := int(r.ServerPID.Int64)
		sess.ServerPID = &v
	}
	return sess, nil
}

func (r *workerRow) toDomain() (*Worker, error) {
	createdAt, err := dialect.ParseTime(r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("worker %s: bad created_at: %w", r.ID, err)
	}
	updatedAt, err := dialect.ParseTime(r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("worker %s: bad updated_at: %w", r.ID, err)
	}

	w := &Worker{
		ID:         r.ID,
		SessionID:  r.SessionID,
		Type:       WorkerType(r.WorkerType),
		Name:       r.Name,
		AgentID:    r.AgentID,
		BaseCommit: r.BaseCommit,
		CreatedAt:  createdAt,
		UpdatedAt:  updatedAt,
	}
	if r.PID.Valid {
		v := int(r.PID.Int64)
		w.PID = &v
	}
	return w, nil
}

func nullString(v *string) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func nullInt(v *int) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

// Save upserts a session and reconciles its worker set: workers in the
// incoming set are upserted, workers missing from it are deleted. created_at
// survives updates for both sessions and workers.
func (s *Store) Save(ctx context.Context, sess *Session) error {
	if err := sess.Validate(); err != nil {
		return err
	}

	writer := s.pool.Writer()
	tx, err := writer.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = now
	}
	sess.UpdatedAt = now

	if err := s.upsertSession(ctx, tx, sess); err != nil {
		return err
	}

	keep := make([]string, 0, len(sess.Workers))
	for _, w := range sess.Workers {
		w.SessionID = sess.ID
		if w.CreatedAt.IsZero() {
			w.CreatedAt = now
		}
		w.UpdatedAt = now
		if err := s.upsertWorker(ctx, tx, w); err != nil {
			return err
		}
		keep = append(keep, w.ID)
	}

	if err := s.deleteWorkersExcept(ctx, tx, sess.ID, keep); err != nil {
		return err
	}

	return tx.Commit()
}

func (s *Store) upsertSession(ctx context.Context, tx *sqlx.Tx, sess *Session) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO sessions (
			id, session_type, title, initial_prompt, path,
			repository_id, worktree_id, server_pid, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			session_type = excluded.session_type,
			title = excluded.title,
			initial_prompt = excluded.initial_prompt,
			path = excluded.path,
			repository_id = excluded.repository_id,
			worktree_id = excluded.worktree_id,
			server_pid = excluded.server_pid,
			updated_at = excluded.updated_at
	`), sess.ID, string(sess.Type), sess.Title, sess.InitialPrompt, sess.Path,
		nullString(sess.RepositoryID), nullString(sess.WorktreeID), nullInt(sess.ServerPID),
		dialect.FormatTime(sess.CreatedAt), dialect.FormatTime(sess.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert session %s: %w", sess.ID, err)
	}
	return nil
}

func (s *Store) upsertWorker(ctx context.Context, tx *sqlx.Tx, w *Worker) error {
	_, err := tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO workers (
			id, session_id, worker_type, name, agent_id, base_commit,
			pid, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			session_id = excluded.session_id,
			worker_type = excluded.worker_type,
			name = excluded.name,
			agent_id = excluded.agent_id,
			base_commit = excluded.base_commit,
			pid = excluded.pid,
			updated_at = excluded.updated_at
	`), w.ID, w.SessionID, string(w.Type), w.Name, w.AgentID, w.BaseCommit,
		nullInt(w.PID), dialect.FormatTime(w.CreatedAt), dialect.FormatTime(w.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert worker %s: %w", w.ID, err)
	}
	return nil
}

func (s *Store) deleteWorkersExcept(ctx context.Context, tx *sqlx.Tx, sessionID string, keep []string) error {
	if len(keep) == 0 {
		_, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM workers WHERE session_id = ?`), sessionID)
		return err
	}
	query, args, err := sqlx.In(`DELETE FROM workers WHERE session_id = ? AND id NOT IN (?)`, sessionID, keep)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, tx.Rebind(query), args...)
	return err
}

// SaveAll atomically replaces every session row with the given list. The
// cascade removes all workers, which are re-inserted from the list.
func (s *Store) SaveAll(ctx context.Context, sessions []*Session) error {
	for _, sess := range sessions {
		if err := sess.Validate(); err != nil {
			return err
		}
	}

	writer := s.pool.Writer()
	tx, err := writer.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions`); err != nil {
		return fmt.Errorf("failed to clear sessions: %w", err)
	}

	now := time.Now().UTC()
	for _, sess := range sessions {
		if sess.CreatedAt.IsZero() {
			sess.CreatedAt = now
		}
		sess.UpdatedAt = now
		if err := s.upsertSession(ctx, tx, sess); err != nil {
			return err
		}
		for _, w := range sess.Workers {
			w.SessionID = sess.ID
			if w.CreatedAt.IsZero() {
				w.CreatedAt = now
			}
			w.UpdatedAt = now
			if err := s.upsertWorker(ctx, tx, w); err != nil {
				return err
			}
		}
	}

	return tx.Commit()
}

// FindAll loads every session with its workers. Rows that fail validation
// are skipped with a warning rather than failing the load.
func (s *Store) FindAll(ctx context.Context) ([]*Session, error) {
	var rows []sessionRow
	if err := s.pool.Reader().SelectContext(ctx, &rows,
		`SELECT * FROM sessions ORDER BY created_at ASC`); err != nil {
		return nil, fmt.Errorf("failed to load sessions: %w", err)
	}

	sessions := make([]*Session, 0, len(rows))
	for i := range rows {
		sess, err := s.hydrate(ctx, &rows[i])
		if err != nil {
			s.logger.Warn("skipping corrupted session row",
				zap.String("session_id", rows[i].ID),
				zap.Error(err))
			continue
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

// FindByID loads one session with its workers. Returns nil when absent or
// when the row fails validation.
func (s *Store) FindByID(ctx context.Context, id string) (*Session, error) {
	var row sessionRow
	err := s.pool.Reader().GetContext(ctx, &row,
		s.pool.Reader().Rebind(`SELECT * FROM sessions WHERE id = ?`), id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session %s: %w", id, err)
	}

	sess, err := s.hydrate(ctx, &row)
	if err != nil {
		s.logger.Warn("skipping corrupted session row",
			zap.String("session_id", row.ID),
			zap.Error(err))
		return nil, nil
	}
	return sess, nil
}

// hydrate attaches workers and validates the full object. Corruption in a
// worker row taints the whole session.
func (s *Store) hydrate(ctx context.Context, row *sessionRow) (*Session, error) {
	sess, err := row.toDomain()
	if err != nil {
		return nil, err
	}

	var wrows []workerRow
	if err := s.pool.Reader().SelectContext(ctx, &wrows,
		s.pool.Reader().Rebind(`SELECT * FROM workers WHERE session_id = ? ORDER BY created_at ASC`),
		sess.ID); err != nil {
		return nil, fmt.Errorf("failed to load workers for session %s: %w", sess.ID, err)
	}
	for i := range wrows {
		w, err := wrows[i].toDomain()
		if err != nil {
			return nil, err
		}
		sess.Workers = append(sess.Workers, w)
	}

	if err := sess.Validate(); err != nil {
		return nil, err
	}
	return sess, nil
}

// Delete removes a session; the cascade removes its workers.
func (s *Store) Delete(ctx context.Context, id string) error {
	writer := s.pool.Writer()
	// sqlite enforces the cascade only with foreign_keys on, which the pool
	// sets at open; delete workers explicitly as well so behavior does not
	// depend on the pragma.
	tx, err := writer.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM workers WHERE session_id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete workers for session %s: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM sessions WHERE id = ?`), id); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", id, err)
	}
	return tx.Commit()
}

// CountByRepository returns how many sessions reference a repository. Used
// by the unregister guard.
func (s *Store) CountByRepository(ctx context.Context, repositoryID string) (int, error) {
	var count int
	err := s.pool.Reader().GetContext(ctx, &count,
		s.pool.Reader().Rebind(`SELECT COUNT(*) FROM sessions WHERE repository_id = ?`), repositoryID)
	if err != nil {
		return 0, fmt.Errorf("failed to count sessions for repository %s: %w", repositoryID, err)
	}
	return count, nil
}

// ClearServerPID marks a session paused by nulling its owning process pid.
func (s *Store) ClearServerPID(ctx context.Context, sessionID string) error {
	_, err := s.pool.Writer().ExecContext(ctx,
		s.pool.Writer().Rebind(`UPDATE sessions SET server_pid = NULL, updated_at = ? WHERE id = ?`),
		dialect.FormatTime(time.Now().UTC()), sessionID)
	if err != nil {
		return fmt.Errorf("failed to clear server pid for session %s: %w", sessionID, err)
	}
	return nil
}
