package gateway

import (
	"encoding/json"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentconsole/agent-console/internal/common/httperr"
	"github.com/agentconsole/agent-console/internal/common/logger"
	"github.com/agentconsole/agent-console/internal/jobs"
	"github.com/agentconsole/agent-console/internal/worktree"
)

// WorktreeHandler serves worktree operations under /api/repositories/:id.
// Creation is always asynchronous; deletion is synchronous unless the client
// passes a taskId to correlate a dashboard completion event.
type WorktreeHandler struct {
	manager *worktree.Manager
	queue   *jobs.Queue
	logger  *logger.Logger
}

// NewWorktreeHandler creates the worktree HTTP handler.
func NewWorktreeHandler(manager *worktree.Manager, queue *jobs.Queue, log *logger.Logger) *WorktreeHandler {
	return &WorktreeHandler{
		manager: manager,
		queue:   queue,
		logger:  log.WithFields(zap.String("component", "worktree-handler")),
	}
}

type createWorktreeRequest struct {
	Mode             worktree.Mode `json:"mode"`
	Prompt           string        `json:"prompt"`
	Branch           string        `json:"branch"`
	BaseBranch       string        `json:"baseBranch"`
	AutoStartSession bool          `json:"autoStartSession"`
	InitialPrompt    string        `json:"initialPrompt"`
	AgentID          string        `json:"agentId"`
	TaskID           string        `json:"taskId"`
}

// List returns the worktrees of a repository.
func (h *WorktreeHandler) List(c *gin.Context) {
	worktrees, err := h.manager.List(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(200, gin.H{"worktrees": worktrees})
}

// Create enqueues a worktree.create job and returns 202 immediately. The
// outcome arrives over the dashboard channel.
func (h *WorktreeHandler) Create(c *gin.Context) {
	var req createWorktreeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, httperr.BadRequest("malformed request body"))
		return
	}

	switch req.Mode {
	case worktree.ModePrompt:
		if req.Prompt == "" {
			writeError(c, httperr.Validation("prompt", "is required for prompt mode"))
			return
		}
	case worktree.ModeCustom, worktree.ModeExisting:
		if req.Branch == "" {
			writeError(c, httperr.Validation("branch", "is required"))
			return
		}
	default:
		writeError(c, httperr.Validation("mode", "must be prompt, custom or existing"))
		return
	}

	payload, err := json.Marshal(worktree.CreateJobPayload{
		RepositoryID:     c.Param("id"),
		Mode:             req.Mode,
		Prompt:           req.Prompt,
		Branch:           req.Branch,
		BaseBranch:       req.BaseBranch,
		AutoStartSession: req.AutoStartSession,
		InitialPrompt:    req.InitialPrompt,
		AgentID:          req.AgentID,
		TaskID:           req.TaskID,
	})
	if err != nil {
		writeError(c, err)
		return
	}

	jobID, err := h.queue.Enqueue(c.Request.Context(), jobs.TypeWorktreeCreate, payload, jobs.EnqueueOptions{})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(202, gin.H{"accepted": true, "jobId": jobID})
}

// Delete removes a worktree. With ?taskId=... the removal runs as a job and
// completion is announced on the dashboard channel.
func (h *WorktreeHandler) Delete(c *gin.Context) {
	repositoryID := c.Param("id")
	path := c.Param("path")
	if path == "" || path == "/" {
		writeError(c, httperr.Validation("path", "is required"))
		return
	}
	force := c.Query("force") == "true"

	if taskID := c.Query("taskId"); taskID != "" {
		payload, err := json.Marshal(worktree.DeleteJobPayload{
			RepositoryID: repositoryID,
			Path:         path,
			Force:        force,
			TaskID:       taskID,
		})
		if err != nil {
			writeError(c, err)
			return
		}
		jobID, err := h.queue.Enqueue(c.Request.Context(), jobs.TypeWorktreeDelete, payload, jobs.EnqueueOptions{})
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(202, gin.H{"accepted": true, "jobId": jobID})
		return
	}

	if err := h.manager.Remove(c.Request.Context(), repositoryID, path, force); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(200, gin.H{"deleted": true})
}

// RemoteStatus reports how far a branch is behind and ahead of its remote.
func (h *WorktreeHandler) RemoteStatus(c *gin.Context) {
	branch := strings.TrimSpace(c.Param("branch"))
	if branch == "" {
		writeError(c, httperr.Validation("branch", "is required"))
		return
	}

	status, err := h.manager.RemoteStatus(c.Request.Context(), c.Param("id"), branch)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(200, gin.H{"behind": status.Behind, "ahead": status.Ahead})
}
