package worktree

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/agentconsole/agent-console/internal/common/config"
	"github.com/agentconsole/agent-console/internal/common/logger"
	"github.com/agentconsole/agent-console/internal/repository"
)

// Manager coordinates git worktree operations against the managed root and
// keeps worktree rows in sync.
type Manager struct {
	store  *Store
	repos  *repository.Store
	cfg    config.WorktreeConfig
	root   string // managed worktree root, absolute
	run    gitRunFunc
	logger *logger.Logger

	// deletionsMu guards the set of paths with an in-flight deletion. A
	// second deletion of the same path is a conflict, not a disk touch.
	deletionsMu sync.Mutex
	deletions   map[string]struct{}

	// defaultBranchMu caches detected default branches per repository.
	defaultBranchMu sync.RWMutex
	defaultBranches map[string]string
}

// NewManager creates the worktree coordinator. root must be the managed
// worktree base directory.
func NewManager(store *Store, repos *repository.Store, cfg config.WorktreeConfig, root string, log *logger.Logger) *Manager {
	abs, err := filepath.Abs(root)
	if err != nil {
		abs = root
	}
	return &Manager{
		store:           store,
		repos:           repos,
		cfg:             cfg,
		root:            abs,
		run:             execGit,
		logger:          log.WithFields(zap.String("component", "worktree-manager")),
		deletions:       make(map[string]struct{}),
		defaultBranches: make(map[string]string),
	}
}

var branchSlugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// branchFromPrompt derives a branch name from a natural-language prompt.
func (m *Manager) branchFromPrompt(prompt string) string {
	slug := branchSlugPattern.ReplaceAllString(strings.ToLower(prompt), "-")
	slug = strings.Trim(slug, "-")
	if len(slug) > 40 {
		slug = slug[:40]
		slug = strings.Trim(slug, "-")
	}
	if slug == "" {
		slug = "work"
	}
	return m.cfg.BranchPrefix + slug
}

// SuggestBranch returns a branch name for a prompt. The local generator
// slugifies the prompt; a smarter generator can replace it later without
// changing the job contract.
func (m *Manager) SuggestBranch(prompt string) string {
	return m.branchFromPrompt(prompt)
}

// Create adds a worktree for the repository per the request mode, records
// the row and returns it. The per-repository index is monotonic and >= 1.
func (m *Manager) Create(ctx context.Context, repositoryID string, req CreateRequest) (*Worktree, error) {
	repo, err := m.repos.FindByID(ctx, repositoryID)
	if err != nil {
		return nil, err
	}
	if repo == nil {
		return nil, ErrRepositoryNotFound
	}

	if m.cfg.MaxPerRepo > 0 {
		count, err := m.store.CountByRepository(ctx, repositoryID)
		if err != nil {
			return nil, err
		}
		if count >= m.cfg.MaxPerRepo {
			return nil, ErrTooManyWorktrees
		}
	}

	branch := req.Branch
	baseBranch := req.BaseBranch

	switch req.Mode {
	case ModePrompt:
		if strings.TrimSpace(req.Prompt) == "" {
			return nil, fmt.Errorf("prompt mode requires a prompt")
		}
		branch = m.branchFromPrompt(req.Prompt)
	case ModeCustom:
		if strings.TrimSpace(branch) == "" {
			return nil, ErrBranchRequired
		}
	case ModeExisting:
		if strings.TrimSpace(branch) == "" {
			return nil, ErrBranchRequired
		}
		if !branchExists(ctx, m.run, repo.Path, branch) {
			return nil, fmt.Errorf("branch %q does not exist", branch)
		}
	default:
		return nil, fmt.Errorf("unknown worktree mode %q", req.Mode)
	}

	if baseBranch == "" && req.Mode != ModeExisting {
		baseBranch, err = m.DefaultBranch(ctx, repositoryID)
		if err != nil {
			return nil, err
		}
	}

	index, err := m.store.NextIndex(ctx, repositoryID)
	if err != nil {
		return nil, err
	}

	dirName := fmt.Sprintf("%s-%d", repo.Name, index)
	path := filepath.Join(m.root, repo.ID, dirName)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to prepare worktree root: %w", err)
	}

	switch req.Mode {
	case ModeExisting:
		_, err = m.run(ctx, repo.Path, "worktree", "add", path, branch)
	default:
		_, err = m.run(ctx, repo.Path, "worktree", "add", "-b", branch, path, baseBranch)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to add worktree: %w", err)
	}

	wt := &Worktree{
		ID:           uuid.New().String(),
		RepositoryID: repositoryID,
		Path:         path,
		Branch:       branch,
		BaseBranch:   baseBranch,
		Index:        index,
	}
	if err := m.store.Create(ctx, wt); err != nil {
		// Roll the checkout back so disk and store stay consistent.
		if _, rmErr := m.run(ctx, repo.Path, "worktree", "remove", "--force", path); rmErr != nil {
			m.logger.Warn("failed to roll back worktree checkout",
				zap.String("path", path),
				zap.Error(rmErr))
		}
		return nil, err
	}

	m.logger.Info("worktree created",
		zap.String("worktree_id", wt.ID),
		zap.String("repository_id", repositoryID),
		zap.String("branch", branch),
		zap.Int("index", index))
	return wt, nil
}

// confine canonicalises a path and verifies it lives under the managed root.
func (m *Manager) confine(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", ErrOutsideManagedRoot
	}
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		abs = resolved
	}
	root := m.root
	if resolved, err := filepath.EvalSymlinks(root); err == nil {
		root = resolved
	}

	rel, err := filepath.Rel(root, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", ErrOutsideManagedRoot
	}
	return abs, nil
}

// Remove deletes the worktree at a path. The path must canonicalise to a
// location under the managed root; a concurrent deletion of the same path
// returns ErrDeletionInProgress without touching disk.
func (m *Manager) Remove(ctx context.Context, repositoryID, path string, force bool) error {
	repo, err := m.repos.FindByID(ctx, repositoryID)
	if err != nil {
		return err
	}
	if repo == nil {
		return ErrRepositoryNotFound
	}

	canonical, err := m.confine(path)
	if err != nil {
		return err
	}

	m.deletionsMu.Lock()
	if _, inFlight := m.deletions[canonical]; inFlight {
		m.deletionsMu.Unlock()
		return ErrDeletionInProgress
	}
	m.deletions[canonical] = struct{}{}
	m.deletionsMu.Unlock()

	defer func() {
		m.deletionsMu.Lock()
		delete(m.deletions, canonical)
		m.deletionsMu.Unlock()
	}()

	args := []string{"worktree", "remove"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, canonical)
	if _, err := m.run(ctx, repo.Path, args...); err != nil {
		return fmt.Errorf("failed to remove worktree: %w", err)
	}

	wt, err := m.store.FindByPath(ctx, canonical)
	if err != nil {
		return err
	}
	if wt != nil {
		if err := m.store.Delete(ctx, wt.ID); err != nil {
			return err
		}
	}

	m.logger.Info("worktree removed",
		zap.String("repository_id", repositoryID),
		zap.String("path", canonical))
	return nil
}

// List returns a repository's worktrees.
func (m *Manager) List(ctx context.Context, repositoryID string) ([]*Worktree, error) {
	repo, err := m.repos.FindByID(ctx, repositoryID)
	if err != nil {
		return nil, err
	}
	if repo == nil {
		return nil, ErrRepositoryNotFound
	}
	return m.store.FindByRepository(ctx, repositoryID)
}

// Get returns one worktree row by id.
func (m *Manager) Get(ctx context.Context, id string) (*Worktree, error) {
	wt, err := m.store.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if wt == nil {
		return nil, ErrWorktreeNotFound
	}
	return wt, nil
}

// DefaultBranch returns the repository's default branch, cached after first
// detection.
func (m *Manager) DefaultBranch(ctx context.Context, repositoryID string) (string, error) {
	m.defaultBranchMu.RLock()
	if branch, ok := m.defaultBranches[repositoryID]; ok {
		m.defaultBranchMu.RUnlock()
		return branch, nil
	}
	m.defaultBranchMu.RUnlock()

	return m.RefreshDefaultBranch(ctx, repositoryID)
}

// RefreshDefaultBranch re-detects and caches the default branch.
func (m *Manager) RefreshDefaultBranch(ctx context.Context, repositoryID string) (string, error) {
	repo, err := m.repos.FindByID(ctx, repositoryID)
	if err != nil {
		return "", err
	}
	if repo == nil {
		return "", ErrRepositoryNotFound
	}

	branch, err := detectDefaultBranch(ctx, m.run, repo.Path)
	if err != nil {
		return "", err
	}

	m.defaultBranchMu.Lock()
	m.defaultBranches[repositoryID] = branch
	m.defaultBranchMu.Unlock()
	return branch, nil
}

// RemoteStatus reports how far a branch is behind and ahead of its remote.
func (m *Manager) RemoteStatus(ctx context.Context, repositoryID, branch string) (*RemoteStatus, error) {
	repo, err := m.repos.FindByID(ctx, repositoryID)
	if err != nil {
		return nil, err
	}
	if repo == nil {
		return nil, ErrRepositoryNotFound
	}
	return remoteStatus(ctx, m.run, repo.Path, branch)
}

// FetchRemote fetches a single branch from origin.
func (m *Manager) FetchRemote(ctx context.Context, repositoryID, branch string) error {
	repo, err := m.repos.FindByID(ctx, repositoryID)
	if err != nil {
		return err
	}
	if repo == nil {
		return ErrRepositoryNotFound
	}
	if _, err := m.run(ctx, repo.Path, "fetch", "origin", branch); err != nil {
		return fmt.Errorf("failed to fetch %s: %w", branch, err)
	}
	return nil
}

// FetchAll fetches origin for every registered repository concurrently.
// Individual failures are collected, not fatal to the others.
func (m *Manager) FetchAll(ctx context.Context) error {
	repos, err := m.repos.FindAll(ctx)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for _, repo := range repos {
		repo := repo
		g.Go(func() error {
			if _, err := m.run(gctx, repo.Path, "fetch", "origin"); err != nil {
				m.logger.Warn("fetch failed",
					zap.String("repository_id", repo.ID),
					zap.Error(err))
			}
			return nil
		})
	}
	return g.Wait()
}
