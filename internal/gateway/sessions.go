package gateway

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentconsole/agent-console/internal/common/httperr"
	"github.com/agentconsole/agent-console/internal/common/logger"
	"github.com/agentconsole/agent-console/internal/session"
)

// SessionHandler serves session lifecycle over HTTP. Terminal I/O rides the
// WebSocket channels; this surface only creates and tears down.
type SessionHandler struct {
	manager *session.Manager
	logger  *logger.Logger
}

// NewSessionHandler creates the session HTTP handler.
func NewSessionHandler(manager *session.Manager, log *logger.Logger) *SessionHandler {
	return &SessionHandler{
		manager: manager,
		logger:  log.WithFields(zap.String("component", "session-handler")),
	}
}

type createSessionRequest struct {
	Type          session.Type `json:"type"`
	Title         string       `json:"title"`
	Path          string       `json:"path"`
	RepositoryID  *string      `json:"repositoryId"`
	WorktreeID    *string      `json:"worktreeId"`
	InitialPrompt string       `json:"initialPrompt"`
	AgentID       string       `json:"agentId"`
	Resume        bool         `json:"resume"`
}

type createWorkerRequest struct {
	Type       session.WorkerType `json:"type"`
	Name       string             `json:"name"`
	AgentID    string             `json:"agentId"`
	BaseCommit string             `json:"baseCommit"`
	Resume     bool               `json:"resume"`
}

// List returns every session, live and paused, with per-worker activity.
func (h *SessionHandler) List(c *gin.Context) {
	views, err := h.manager.Snapshot(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(200, gin.H{"sessions": views})
}

// Create starts a new session and its initial worker set.
func (h *SessionHandler) Create(c *gin.Context) {
	var req createSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, httperr.BadRequest("malformed request body"))
		return
	}

	sess, err := h.manager.CreateSession(c.Request.Context(), session.CreateSessionRequest{
		Type:          req.Type,
		Title:         req.Title,
		Path:          req.Path,
		RepositoryID:  req.RepositoryID,
		WorktreeID:    req.WorktreeID,
		InitialPrompt: req.InitialPrompt,
		AgentID:       req.AgentID,
		Resume:        req.Resume,
	})
	if err != nil {
		writeError(c, httperr.BadRequest(err.Error()))
		return
	}
	c.JSON(201, gin.H{"session": sess})
}

// Delete tears a session down, killing its workers.
func (h *SessionHandler) Delete(c *gin.Context) {
	if !h.manager.DeleteSession(c.Request.Context(), c.Param("sid")) {
		writeError(c, httperr.NotFound("session", c.Param("sid")))
		return
	}
	c.Status(204)
}

// CreateWorker appends a worker to a live session.
func (h *SessionHandler) CreateWorker(c *gin.Context) {
	var req createWorkerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, httperr.BadRequest("malformed request body"))
		return
	}

	worker, err := h.manager.CreateWorker(c.Request.Context(), c.Param("sid"), session.CreateWorkerRequest{
		Type:       req.Type,
		Name:       req.Name,
		AgentID:    req.AgentID,
		BaseCommit: req.BaseCommit,
		Resume:     req.Resume,
	})
	if err != nil {
		writeError(c, httperr.BadRequest(err.Error()))
		return
	}
	if worker == nil {
		writeError(c, httperr.NotFound("session", c.Param("sid")))
		return
	}
	c.JSON(201, gin.H{"worker": worker})
}

// DeleteWorker removes a worker from a live session.
func (h *SessionHandler) DeleteWorker(c *gin.Context) {
	if !h.manager.DeleteWorker(c.Request.Context(), c.Param("sid"), c.Param("wid")) {
		writeError(c, httperr.NotFound("worker", c.Param("wid")))
		return
	}
	c.Status(204)
}
