package gateway

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentconsole/agent-console/internal/common/httperr"
	"github.com/agentconsole/agent-console/internal/common/logger"
	"github.com/agentconsole/agent-console/internal/repository"
)

// RepositoryHandler serves the /api/repositories CRUD surface.
type RepositoryHandler struct {
	service *repository.Service
	logger  *logger.Logger
}

// NewRepositoryHandler creates the repository HTTP handler.
func NewRepositoryHandler(service *repository.Service, log *logger.Logger) *RepositoryHandler {
	return &RepositoryHandler{
		service: service,
		logger:  log.WithFields(zap.String("component", "repository-handler")),
	}
}

type registerRepositoryRequest struct {
	Path        string  `json:"path"`
	Description *string `json:"description"`
}

// List returns every registered repository with its remote URL attached.
func (h *RepositoryHandler) List(c *gin.Context) {
	repos, err := h.service.List(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(200, gin.H{"repositories": repos})
}

// Register adds a local git repository by path.
func (h *RepositoryHandler) Register(c *gin.Context) {
	var req registerRepositoryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, httperr.BadRequest("malformed request body"))
		return
	}
	if req.Path == "" {
		writeError(c, httperr.Validation("path", "is required"))
		return
	}

	repo, err := h.service.Register(c.Request.Context(), req.Path, req.Description)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(201, gin.H{"repository": repo})
}

// Get returns one repository.
func (h *RepositoryHandler) Get(c *gin.Context) {
	repo, err := h.service.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(200, gin.H{"repository": repo})
}

// Update applies a partial update. Absent fields stay untouched; empty
// strings clear nullable fields.
func (h *RepositoryHandler) Update(c *gin.Context) {
	var req repository.UpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, httperr.BadRequest("malformed request body"))
		return
	}

	repo, err := h.service.Update(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(200, gin.H{"repository": repo})
}

// Unregister removes a repository unless sessions still reference it.
func (h *RepositoryHandler) Unregister(c *gin.Context) {
	if err := h.service.Unregister(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(204)
}
