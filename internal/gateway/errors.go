package gateway

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/agentconsole/agent-console/internal/common/httperr"
	"github.com/agentconsole/agent-console/internal/jobs"
	"github.com/agentconsole/agent-console/internal/worktree"
)

// writeError maps service errors to HTTP responses. AppErrors carry their own
// status; package sentinels are translated here so the services stay free of
// HTTP concerns.
func writeError(c *gin.Context, err error) {
	var appErr *httperr.AppError
	if errors.As(err, &appErr) {
		c.JSON(appErr.HTTPStatus, httperr.Payload(appErr))
		return
	}

	status, code := 500, httperr.ErrCodeInternalError
	switch {
	case errors.Is(err, worktree.ErrRepositoryNotFound),
		errors.Is(err, worktree.ErrWorktreeNotFound),
		errors.Is(err, jobs.ErrNotFound):
		status, code = 404, httperr.ErrCodeNotFound
	case errors.Is(err, worktree.ErrDeletionInProgress),
		errors.Is(err, worktree.ErrTooManyWorktrees):
		status, code = 409, httperr.ErrCodeConflict
	case errors.Is(err, worktree.ErrOutsideManagedRoot),
		errors.Is(err, worktree.ErrBranchRequired),
		errors.Is(err, jobs.ErrWrongStatus):
		status, code = 400, httperr.ErrCodeBadRequest
	}
	c.JSON(status, gin.H{"error": err.Error(), "code": code})
}
