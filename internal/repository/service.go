package repository

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentconsole/agent-console/internal/common/httperr"
	"github.com/agentconsole/agent-console/internal/common/logger"
)

// SessionCounter reports how many sessions reference a repository. The
// session store implements it; the unregister guard depends on it.
type SessionCounter interface {
	CountByRepository(ctx context.Context, repositoryID string) (int, error)
}

// RemoteURLFunc resolves a repository's origin URL from its path. Replaced
// in tests.
type RemoteURLFunc func(ctx context.Context, path string) string

// Service implements repository registration and lifecycle on top of the
// store.
type Service struct {
	store     *Store
	sessions  SessionCounter
	remoteURL RemoteURLFunc
	logger    *logger.Logger
}

// NewService creates the repository service.
func NewService(store *Store, sessions SessionCounter, log *logger.Logger) *Service {
	return &Service{
		store:     store,
		sessions:  sessions,
		remoteURL: gitRemoteURL,
		logger:    log.WithFields(zap.String("component", "repository-service")),
	}
}

// gitRemoteURL asks git for the origin URL. Repositories without a remote
// yield an empty string.
func gitRemoteURL(ctx context.Context, path string) string {
	out, err := exec.CommandContext(ctx, "git", "-C", path, "remote", "get-url", "origin").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// Register validates and registers a repository at the given path.
func (s *Service) Register(ctx context.Context, path string, description *string) (*Repository, error) {
	if strings.TrimSpace(path) == "" {
		return nil, httperr.Validation("path", "path is required")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, httperr.Validation("path", "path is not resolvable")
	}

	info, err := os.Stat(abs)
	if err != nil || !info.IsDir() {
		return nil, httperr.Validation("path", fmt.Sprintf("path %s does not exist or is not a directory", abs))
	}

	existing, err := s.store.FindByPath(ctx, abs)
	if err != nil {
		return nil, httperr.Internal("failed to check existing repositories", err)
	}
	if existing != nil {
		return nil, httperr.Conflict(fmt.Sprintf("repository already registered at %s", abs))
	}

	repo := &Repository{
		ID:          uuid.New().String(),
		Name:        filepath.Base(abs),
		Path:        abs,
		Description: description,
	}
	if err := s.store.Create(ctx, repo); err != nil {
		return nil, httperr.Internal("failed to register repository", err)
	}

	s.logger.Info("repository registered",
		zap.String("repository_id", repo.ID),
		zap.String("path", repo.Path))
	repo.RemoteURL = s.remoteURL(ctx, repo.Path)
	return repo, nil
}

// List returns all repositories with their remote URL attached.
func (s *Service) List(ctx context.Context) ([]*Repository, error) {
	repos, err := s.store.FindAll(ctx)
	if err != nil {
		return nil, httperr.Internal("failed to list repositories", err)
	}
	for _, repo := range repos {
		repo.RemoteURL = s.remoteURL(ctx, repo.Path)
	}
	return repos, nil
}

// Get returns one repository with its remote URL attached.
func (s *Service) Get(ctx context.Context, id string) (*Repository, error) {
	repo, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, httperr.Internal("failed to load repository", err)
	}
	if repo == nil {
		return nil, httperr.NotFound("repository", id)
	}
	repo.RemoteURL = s.remoteURL(ctx, repo.Path)
	return repo, nil
}

// Update applies a partial update. Nil fields are untouched; empty strings
// clear the nullable description and setup command.
func (s *Service) Update(ctx context.Context, id string, req UpdateRequest) (*Repository, error) {
	repo, err := s.store.FindByID(ctx, id)
	if err != nil {
		return nil, httperr.Internal("failed to load repository", err)
	}
	if repo == nil {
		return nil, httperr.NotFound("repository", id)
	}

	if req.Name != nil {
		if strings.TrimSpace(*req.Name) == "" {
			return nil, httperr.Validation("name", "name must not be empty")
		}
		repo.Name = *req.Name
	}
	if req.Description != nil {
		if *req.Description == "" {
			repo.Description = nil
		} else {
			repo.Description = req.Description
		}
	}
	if req.SetupCommand != nil {
		if *req.SetupCommand == "" {
			repo.SetupCommand = nil
		} else {
			repo.SetupCommand = req.SetupCommand
		}
	}

	if err := s.store.Update(ctx, repo); err != nil {
		return nil, httperr.Internal("failed to update repository", err)
	}
	repo.RemoteURL = s.remoteURL(ctx, repo.Path)
	return repo, nil
}

// Unregister removes a repository. Rejected with a conflict while any
// session, live or persisted, still references it.
func (s *Service) Unregister(ctx context.Context, id string) error {
	repo, err := s.store.FindByID(ctx, id)
	if err != nil {
		return httperr.Internal("failed to load repository", err)
	}
	if repo == nil {
		return httperr.NotFound("repository", id)
	}

	count, err := s.sessions.CountByRepository(ctx, id)
	if err != nil {
		return httperr.Internal("failed to count sessions", err)
	}
	if count > 0 {
		return httperr.Conflict(fmt.Sprintf("repository has %d session(s); delete them first", count))
	}

	if err := s.store.Delete(ctx, id); err != nil {
		return httperr.Internal("failed to delete repository", err)
	}
	s.logger.Info("repository unregistered", zap.String("repository_id", id))
	return nil
}
