package repository

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

// Store persists repositories. Paths are stored byte-exact and unique.
type Store struct {
	pool   *db.Pool
	logger *logger.Logger
}

// NewStore creates the repository store and ensures its table exists.
func NewStore(pool *db.Pool, log *logger.Logger) (*Store, error) {
	s := &Store{
		pool:   pool,
		logger: log.WithFields(zap.String("component", "repository-store")),
	}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize repository schema: %w", err)
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS repositories (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		path TEXT NOT NULL UNIQUE,
		description TEXT,
		setup_command TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);
	`
	_, err := s.pool.Writer().Exec(schema)
	return err
}

type repositoryRow struct {
	ID           string         `db:"id"`
	Name         string         `db:"name"`
	Path         string         `db:"path"`
	Description  sql.NullString `db:"description"`
	SetupCommand sql.NullString `db:"setup_command"`
	CreatedAt    string         `db:"created_at"`
	UpdatedAt    string         `db:"updated_at"`
}

func (r *repositoryRow) toDomain() (*Repository, error) {
	createdAt, err := dialect.ParseTime(r.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("repository %s: bad created_at: %w", r.ID, err)
	}
	updatedAt, err := dialect.ParseTime(r.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("repository %s: bad updated_at: %w", r.ID, err)
	}

	repo := &Repository{
		ID:        r.ID,
		Name:      r.Name,
		Path:      r.Path,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}
	if r.Description.Valid {
		v := r.Description.String
		repo.Description = &v
	}
	if r.SetupCommand.Valid {
		v := r.SetupCommand.String
		repo.SetupCommand = &v
	}
	return repo, nil
}

func nullable(v *string) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

// Create inserts a repository. A duplicate path violates the unique
// constraint and surfaces to the caller.
func (s *Store) Create(ctx context.Context, repo *Repository) error {
	now := time.Now().UTC()
	if repo.CreatedAt.IsZero() {
		repo.CreatedAt = now
	}
	repo.UpdatedAt = now

	writer := s.pool.Writer()
	_, err := writer.ExecContext(ctx, writer.Rebind(`
		INSERT INTO repositories (id, name, path, description, setup_command, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`), repo.ID, repo.Name, repo.Path, nullable(repo.Description), nullable(repo.SetupCommand),
		dialect.FormatTime(repo.CreatedAt), dialect.FormatTime(repo.UpdatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert repository: %w", err)
	}
	return nil
}

// Update overwrites the mutable columns. created_at survives.
func (s *Store) Update(ctx context.Context, repo *Repository) error {
	repo.UpdatedAt = time.Now().UTC()

	writer := s.pool.Writer()
	_, err := writer.ExecContext(ctx, writer.Rebind(`
		UPDATE repositories SET name = ?, description = ?, setup_command = ?, updated_at = ?
		WHERE id = ?
	`), repo.Name, nullable(repo.Description), nullable(repo.SetupCommand),
		dialect.FormatTime(repo.UpdatedAt), repo.ID)
	if err != nil {
		return fmt.Errorf("failed to update repository %s: %w", repo.ID, err)
	}
	return nil
}

// FindAll returns all repositories, oldest first. Corrupted rows are skipped
// with a warning.
func (s *Store) FindAll(ctx context.Context) ([]*Repository, error) {
	var rows []repositoryRow
	if err := s.pool.Reader().SelectContext(ctx, &rows,
		`SELECT * FROM repositories ORDER BY created_at ASC`); err != nil {
		return nil, fmt.Errorf("failed to load repositories: %w", err)
	}

	repos := make([]*Repository, 0, len(rows))
	for i := range rows {
		repo, err := rows[i].toDomain()
		if err != nil {
			s.logger.Warn("skipping corrupted repository row",
				zap.String("repository_id", rows[i].ID),
				zap.Error(err))
			continue
		}
		repos = append(repos, repo)
	}
	return repos, nil
}

// FindByID returns one repository, or nil when absent.
func (s *Store) FindByID(ctx context.Context, id string) (*Repository, error) {
	var row repositoryRow
	reader := s.pool.Reader()
	err := reader.GetContext(ctx, &row, reader.Rebind(`SELECT * FROM repositories WHERE id = ?`), id)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load repository %s: %w", id, err)
	}
	return row.toDomain()
}

// FindByPath returns the repository registered at a path, or nil.
func (s *Store) FindByPath(ctx context.Context, path string) (*Repository, error) {
	var row repositoryRow
	reader := s.pool.Reader()
	err := reader.GetContext(ctx, &row, reader.Rebind(`SELECT * FROM repositories WHERE path = ?`), path)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load repository at %s: %w", path, err)
	}
	return row.toDomain()
}

// Delete removes a repository row. Worktree rows cascade in the worktree
// store, which shares the database.
func (s *Store) Delete(ctx context.Context, id string) error {
	writer := s.pool.Writer()
	_, err := writer.ExecContext(ctx, writer.Rebind(`DELETE FROM repositories WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("failed to delete repository %s: %w", id, err)
	}
	return nil
}
