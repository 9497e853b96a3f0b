package gateway

import (
	"github.com/gin-gonic/gin"

	"github.com/agentconsole/agent-console/internal/common/logger"
	"github.com/agentconsole/agent-console/internal/jobs"
	"github.com/agentconsole/agent-console/internal/repository"
	"github.com/agentconsole/agent-console/internal/session"
	"github.com/agentconsole/agent-console/internal/worktree"
)

// Deps are the wired services the gateway exposes.
type Deps struct {
	Sessions     *session.Manager
	Repositories *repository.Service
	Worktrees    *worktree.Manager
	Queue        *jobs.Queue
	Hub          *Hub
	Logger       *logger.Logger
}

// NewRouter builds the gin engine with all HTTP and WebSocket routes.
func NewRouter(deps Deps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(RequestLogger(deps.Logger), gin.Recovery(), CORS())

	repoHandler := NewRepositoryHandler(deps.Repositories, deps.Logger)
	wtHandler := NewWorktreeHandler(deps.Worktrees, deps.Queue, deps.Logger)
	jobHandler := NewJobHandler(deps.Queue, deps.Logger)
	sessionHandler := NewSessionHandler(deps.Sessions, deps.Logger)
	workerSocket := NewWorkerSocketHandler(deps.Sessions, deps.Logger)

	api := r.Group("/api")
	{
		api.GET("/repositories", repoHandler.List)
		api.POST("/repositories", repoHandler.Register)
		api.GET("/repositories/:id", repoHandler.Get)
		api.PATCH("/repositories/:id", repoHandler.Update)
		api.DELETE("/repositories/:id", repoHandler.Unregister)

		api.GET("/repositories/:id/worktrees", wtHandler.List)
		api.POST("/repositories/:id/worktrees", wtHandler.Create)
		api.DELETE("/repositories/:id/worktrees/*path", wtHandler.Delete)
		api.GET("/repositories/:id/branches/:branch/remote-status", wtHandler.RemoteStatus)

		api.GET("/jobs", jobHandler.List)
		api.GET("/jobs/stats", jobHandler.Stats)
		api.GET("/jobs/:id", jobHandler.Get)
		api.POST("/jobs/:id/retry", jobHandler.Retry)
		api.DELETE("/jobs/:id", jobHandler.Cancel)

		api.GET("/sessions", sessionHandler.List)
		api.POST("/sessions", sessionHandler.Create)
		api.DELETE("/sessions/:sid", sessionHandler.Delete)
		api.POST("/sessions/:sid/workers", sessionHandler.CreateWorker)
		api.DELETE("/sessions/:sid/workers/:wid", sessionHandler.DeleteWorker)
	}

	r.GET("/ws/dashboard", deps.Hub.HandleDashboard)
	r.GET("/ws/session/:sid/worker/:wid", workerSocket.Handle)

	r.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	return r
}
