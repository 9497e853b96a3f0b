// Package main is the agent-console server entry point. One binary hosts the
// session manager, the job queue, the notification dispatcher and the HTTP
// plus WebSocket surface with shared infrastructure.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/agentconsole/agent-console/internal/agentdef"
	"github.com/agentconsole/agent-console/internal/common/config"
	"github.com/agentconsole/agent-console/internal/common/logger"
	"github.com/agentconsole/agent-console/internal/db"
	"github.com/agentconsole/agent-console/internal/events"
	"github.com/agentconsole/agent-console/internal/events/bus"
	"github.com/agentconsole/agent-console/internal/gateway"
	"github.com/agentconsole/agent-console/internal/jobs"
	"github.com/agentconsole/agent-console/internal/notify"
	"github.com/agentconsole/agent-console/internal/repository"
	"github.com/agentconsole/agent-console/internal/session"
	"github.com/agentconsole/agent-console/internal/worktree"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(&logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting agent-console...", zap.String("home", cfg.Home))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// 3. Open the database
	pool, err := db.Open(cfg)
	if err != nil {
		log.Fatal("Failed to open database", zap.Error(err))
	}
	defer pool.Close()

	// 4. Event bus (in-memory unless NATS is configured)
	eventBus, err := events.Provide(cfg, log)
	if err != nil {
		log.Fatal("Failed to initialize event bus", zap.Error(err))
	}
	defer eventBus.Close()

	// 5. Stores
	sessionStore, err := session.NewStore(pool, cfg.Database.Driver, log)
	if err != nil {
		log.Fatal("Failed to initialize session store", zap.Error(err))
	}
	jobStore, err := jobs.NewStore(pool, log)
	if err != nil {
		log.Fatal("Failed to initialize job store", zap.Error(err))
	}
	repoStore, err := repository.NewStore(pool, log)
	if err != nil {
		log.Fatal("Failed to initialize repository store", zap.Error(err))
	}
	worktreeStore, err := worktree.NewStore(pool, log)
	if err != nil {
		log.Fatal("Failed to initialize worktree store", zap.Error(err))
	}
	notifyStore, err := notify.NewStore(pool, cfg.Database.Driver, log)
	if err != nil {
		log.Fatal("Failed to initialize notification store", zap.Error(err))
	}

	// 6. Agent definitions
	agents, err := agentdef.Load(cfg.AgentDefinitionsPath())
	if err != nil {
		log.Fatal("Failed to load agent definitions", zap.Error(err))
	}

	// 7. Services
	repoService := repository.NewService(repoStore, sessionStore, log)
	worktreeManager := worktree.NewManager(worktreeStore, repoStore, cfg.Worktree, cfg.WorktreeBasePath(), log)

	resolver := &storeResolver{repos: repoStore, worktrees: worktreeStore}
	sessionManager := session.NewManager(sessionStore, eventBus, agents, resolver, cfg.Home, log)
	if err := sessionManager.Recover(ctx); err != nil {
		log.Fatal("Failed to recover persisted sessions", zap.Error(err))
	}

	// 8. Notification dispatcher
	slackHandler := notify.NewSlackHandler(notifyStore, cfg.Notifications.Timeout(), log)
	dispatcher := notify.NewDispatcher(
		notifyStore,
		&sessionRepoResolver{sessions: sessionStore},
		[]notify.Handler{slackHandler},
		notify.DefaultTriggers(),
		cfg.Notifications.Debounce(),
		log,
	)
	defer dispatcher.Dispose()
	sessionManager.SetGlobalActivityCallback(dispatcher.HandleActivity)

	workerExitSub, err := eventBus.Subscribe(events.WorkerExited, func(_ context.Context, e *bus.Event) error {
		sessionID, _ := e.Data["session_id"].(string)
		workerID, _ := e.Data["worker_id"].(string)
		code := 0
		switch v := e.Data["exit_code"].(type) {
		case int:
			code = v
		case float64:
			code = int(v)
		}
		dispatcher.HandleWorkerExited(sessionID, workerID, code)
		return nil
	})
	if err != nil {
		log.Fatal("Failed to subscribe to worker exits", zap.Error(err))
	}
	defer workerExitSub.Unsubscribe()

	// 9. Job queue and handlers
	queue := jobs.NewQueue(jobStore, cfg.Jobs, log)
	if err := worktree.RegisterJobHandlers(queue, worktreeManager, sessionManager, eventBus, log); err != nil {
		log.Fatal("Failed to register worktree job handlers", zap.Error(err))
	}
	if err := notify.RegisterJobHandlers(queue, dispatcher); err != nil {
		log.Fatal("Failed to register notification job handlers", zap.Error(err))
	}
	if err := queue.Start(); err != nil {
		log.Fatal("Failed to start job queue", zap.Error(err))
	}

	// 10. Gateway
	hub := gateway.NewHub(sessionManager, eventBus, log)
	if err := hub.Start(); err != nil {
		log.Fatal("Failed to start dashboard hub", zap.Error(err))
	}

	router := gateway.NewRouter(gateway.Deps{
		Sessions:     sessionManager,
		Repositories: repoService,
		Worktrees:    worktreeManager,
		Queue:        queue,
		Hub:          hub,
		Logger:       log,
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: router,
		// WebSocket connections are long-lived; only the header read is
		// bounded here.
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info("HTTP server listening", zap.String("addr", addr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("HTTP server failed", zap.Error(err))
		}
	}()

	// 11. Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("Shutting down...", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("HTTP server shutdown failed", zap.Error(err))
	}
	hub.Stop()
	queue.Stop()
	sessionManager.Shutdown(shutdownCtx)

	log.Info("Shutdown complete")
}
