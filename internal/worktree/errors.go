// Package worktree wraps git worktree operations and records worktree rows.
package worktree

import "errors"

// Sentinel errors surfaced by the coordinator. The HTTP layer maps them to
// status codes.
var (
	ErrRepositoryNotFound = errors.New("repository not found")
	ErrWorktreeNotFound   = errors.New("worktree not found")
	ErrDeletionInProgress = errors.New("worktree deletion already in progress")
	ErrOutsideManagedRoot = errors.New("path is outside the managed worktree root")
	ErrBranchRequired     = errors.New("branch name is required")
	ErrTooManyWorktrees   = errors.New("worktree limit reached for repository")
)
