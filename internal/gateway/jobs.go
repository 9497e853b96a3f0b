package gateway

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/agentconsole/agent-console/internal/common/httperr"
	"github.com/agentconsole/agent-console/internal/common/logger"
	"github.com/agentconsole/agent-console/internal/jobs"
)

// JobHandler serves the /api/jobs inspection and control surface.
type JobHandler struct {
	queue  *jobs.Queue
	logger *logger.Logger
}

// NewJobHandler creates the job HTTP handler.
func NewJobHandler(queue *jobs.Queue, log *logger.Logger) *JobHandler {
	return &JobHandler{
		queue:  queue,
		logger: log.WithFields(zap.String("component", "job-handler")),
	}
}

// List returns jobs matching the query filters plus the unpaginated total.
func (h *JobHandler) List(c *gin.Context) {
	filter := jobs.ListFilter{
		Status: jobs.Status(c.Query("status")),
		Type:   c.Query("type"),
		Limit:  50,
	}

	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > 1000 {
			writeError(c, httperr.Validation("limit", "must be an integer between 1 and 1000"))
			return
		}
		filter.Limit = n
	}
	if raw := c.Query("offset"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(c, httperr.Validation("offset", "must be a non-negative integer"))
			return
		}
		filter.Offset = n
	}

	list, total, err := h.queue.List(c.Request.Context(), filter)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(200, gin.H{"jobs": list, "total": total})
}

// Get returns one job by id.
func (h *JobHandler) Get(c *gin.Context) {
	id := c.Param("id")
	job, err := h.queue.Get(c.Request.Context(), id)
	if err != nil {
		writeError(c, err)
		return
	}
	if job == nil {
		writeError(c, httperr.NotFound("job", id))
		return
	}
	c.JSON(200, gin.H{"job": job})
}

// Stats returns per-status job counts.
func (h *JobHandler) Stats(c *gin.Context) {
	stats, err := h.queue.GetStats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(200, stats)
}

// Retry re-queues a stalled job.
func (h *JobHandler) Retry(c *gin.Context) {
	if err := h.queue.Retry(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(200, gin.H{"retried": true})
}

// Cancel removes a pending or stalled job.
func (h *JobHandler) Cancel(c *gin.Context) {
	if err := h.queue.Cancel(c.Request.Context(), c.Param("id")); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(200, gin.H{"cancelled": true})
}
