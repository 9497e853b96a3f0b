package main

import (
	"context"
	"fmt"

	"github.com/agentconsole/agent-console/internal/repository"
	"github.com/agentconsole/agent-console/internal/session"
	"github.com/agentconsole/agent-console/internal/worktree"
)

// storeResolver backs the session manager's reference checks with the
// repository and worktree stores.
type storeResolver struct {
	repos     *repository.Store
	worktrees *worktree.Store
}

func (r *storeResolver) RepositoryExists(ctx context.Context, id string) (bool, error) {
	repo, err := r.repos.FindByID(ctx, id)
	if err != nil {
		return false, err
	}
	return repo != nil, nil
}

func (r *storeResolver) WorktreePath(ctx context.Context, id string) (string, error) {
	wt, err := r.worktrees.FindByID(ctx, id)
	if err != nil {
		return "", err
	}
	if wt == nil {
		return "", fmt.Errorf("worktree %s not found", id)
	}
	return wt.Path, nil
}

// sessionRepoResolver maps sessions to their repository for the notification
// dispatcher. Quick sessions have no repository; their notifications drop.
type sessionRepoResolver struct {
	sessions *session.Store
}

func (r *sessionRepoResolver) RepositoryIDFor(ctx context.Context, sessionID string) (*string, error) {
	sess, err := r.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, nil
	}
	return sess.RepositoryID, nil
}
