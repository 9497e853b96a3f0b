package worktree

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agentconsole/agent-console/internal/common/logger"
	"github.com/agentconsole/agent-console/internal/db"
	"github.com/agentconsole/agent-console/internal/db/dialect"
)

// Store persists worktree rows. Rows cascade with their repository.
type Store struct {
	pool   *db.Pool
	logger *logger.Logger
}

// NewStore creates the worktree store and ensures its table exists.
func NewStore(pool *db.Pool, log *logger.Logger) (*Store, error) {
	s := &Store{
		pool:   pool,
		logger: log.WithFields(zap.String("component", "worktree-store")),
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize worktree schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS worktrees (
		id TEXT PRIMARY KEY,
		repository_id TEXT NOT NULL,
		path TEXT NOT NULL UNIQUE,
		branch TEXT NOT NULL,
		base_branch TEXT NOT NULL DEFAULT '',
		idx INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		FOREIGN KEY (repository_id) REFERENCES repositories(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_worktrees_repository_id ON worktrees(repository_id);
	`
	_, err := s.pool.Writer().Exec(schema)
	return err
}

type worktreeRow struct {
	ID           string `db:"id"`
	RepositoryID string `db:"repository_id"`
	Path         string `db:"path"`
	Branch       string `db:"branch"`
	BaseBranch   string `db:"base_branch"`
	Index        int    `db:"idx"`
	CreatedAt    string `db:"created_at"`
}

func (r *worktreeRow) toDomain() (*Worktree, error) {
	createdAt, err := dialect.ParseTime(r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("worktree %s: bad created_at: %w", r.ID, err)
	}
	return &Worktree{
		ID:           r.ID,
		RepositoryID: r.RepositoryID,
		Path:         r.Path,
		Branch:       r.Branch,
		BaseBranch:   r.BaseBranch,
		Index:        r.Index,
		CreatedAt:    createdAt,
	}, nil
}

// Create inserts a worktree row. The path unique constraint surfaces to the
// caller on collision.
func (s *Store) Create(ctx context.Context, wt *Worktree) error {
	if wt.CreatedAt.IsZero() {
		wt.CreatedAt = time.Now().UTC()
	}

	writer := s.pool.Writer()
	_, err := writer.ExecContext(ctx, writer.Rebind(`
		INSERT INTO worktrees (id, repository_id, path, branch, base_branch, idx, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), wt.ID, wt.RepositoryID, wt.Path, wt.Branch, wt.BaseBranch, wt.Index,
		dialect.FormatTime(wt.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert worktree: %w", err)
	}
	return nil
}

// NextIndex reserves the next free per-repository index. The main worktree
// is excluded from numbering, so the first managed worktree gets 1.
func (s *Store) NextIndex(ctx context.Context, repositoryID string) (int, error) {
	var max sql.NullInt64
	reader := s.pool.Reader()
	err := reader.GetContext(ctx, &max,
		reader.Rebind(`SELECT MAX(idx) FROM worktrees WHERE repository_id = ?`), repositoryID)
	if err != nil {
		return 0, fmt.Errorf("failed to compute next worktree index: %w", err)
	}
	if !max.Valid {
		return 1, nil
	}
	return int(max.Int64) + 1, nil
}

// FindByRepository lists a repository's worktrees ordered by index.
func (s *Store) FindByRepository(ctx context.Context, repositoryID string) ([]*Worktree, error) {
	var rows []worktreeRow
	reader := s.pool.Reader()
	if err := reader.SelectContext(ctx, &rows,
		reader.Rebind(`SELECT * FROM worktrees WHERE repository_id = ? ORDER BY idx ASC`),
		repositoryID); err != nil {
		return nil, fmt.Errorf("failed to load worktrees: %w", err)
	}

	out := make([]*Worktree, 0, len(rows))
	for i := range rows {
		wt, err := rows[i].toDomain()
		if err != nil {
			s.logger.Warn("skipping corrupted worktree row",
				zap.String("worktree_id", rows[i].ID),
				zap.Error(err))
			continue
		}
		out = append(out, wt)
	}
	return out, nil
}

// FindByID returns one worktree, or nil when absent.
func (s *Store) FindByID(ctx context.Context, id string) (*Worktree, error) {
	var row worktreeRow
	reader := s.pool.Reader()
	err := reader.GetContext(ctx, &row, reader.Rebind(`SELECT * FROM worktrees WHERE id = ?`), id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load worktree %s: %w", id, err)
	}
	return row.toDomain()
}

// FindByPath returns the worktree at a path, or nil.
func (s *Store) FindByPath(ctx context.Context, path string) (*Worktree, error) {
	var row worktreeRow
	reader := s.pool.Reader()
	err := reader.GetContext(ctx, &row, reader.Rebind(`SELECT * FROM worktrees WHERE path = ?`), path)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load worktree at %s: %w", path, err)
	}
	return row.toDomain()
}

// Delete removes one worktree row.
func (s *Store) Delete(ctx context.Context, id string) error {
	writer := s.pool.Writer()
	_, err := writer.ExecContext(ctx, writer.Rebind(`DELETE FROM worktrees WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete worktree %s: %w", id, err)
	}
	return nil
}

// CountByRepository returns how many worktrees a repository has.
func (s *Store) CountByRepository(ctx context.Context, repositoryID string) (int, error) {
	var count int
	reader := s.pool.Reader()
	err := reader.GetContext(ctx, &count,
		reader.Rebind(`SELECT COUNT(*) FROM worktrees WHERE repository_id = ?`), repositoryID)
	if err != nil {
		return 0, fmt.Errorf("failed to count worktrees: %w", err)
	}
	return count, nil
}
