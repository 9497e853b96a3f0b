package notify

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentconsole/agent-console/internal/common/config"
	"github.com/agentconsole/agent-console/internal/common/logger"
	"github.com/agentconsole/agent-console/internal/db"
	"github.com/agentconsole/agent-console/internal/jobs"
)

func TestNotificationDeliverJob(t *testing.T) {
	writer, err := db.OpenSQLite(filepath.Join(t.TempDir(), "console.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = writer.Close() })
	pool := db.NewPool(writer, writer)

	log, err := logger.NewLogger(&logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	store, err := NewStore(pool, "sqlite3", log)
	require.NoError(t, err)
	jobStore, err := jobs.NewStore(pool, log)
	require.NoError(t, err)

	handler := &mockHandler{id: "slack", canHandle: true}
	resolver := &mapResolver{repos: map[string]string{"s-1": "repo-1"}}
	dispatcher := NewDispatcher(store, resolver, []Handler{handler}, DefaultTriggers(), 0, log)
	t.Cleanup(dispatcher.Dispose)

	queue := jobs.NewQueue(jobStore, config.JobsConfig{
		Concurrency:    1,
		PollIntervalMs: 10,
		BackoffBaseMs:  5,
		BackoffMaxMs:   20,
		MaxAttempts:    3,
	}, log)
	require.NoError(t, RegisterJobHandlers(queue, dispatcher))
	require.NoError(t, queue.Start())
	t.Cleanup(queue.Stop)

	payload, err := json.Marshal(DeliverJobPayload{
		SessionID: "s-1",
		WorkerID:  "w-1",
		Event:     EventAgentWaiting,
		Summary:   "agent is asking",
	})
	require.NoError(t, err)

	jobID, err := queue.Enqueue(context.Background(), jobs.TypeNotificationDeliver, payload, jobs.EnqueueOptions{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		job, err := queue.Get(context.Background(), jobID)
		return err == nil && job.Status == jobs.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	require.Len(t, handler.sent(), 1)
	assert.Equal(t, EventAgentWaiting, handler.sent()[0].event)

	record, err := store.FindByTarget(context.Background(), jobID, "s-1", "w-1", "slack")
	require.NoError(t, err)
	require.NotNil(t, record)
	assert.Equal(t, NotificationDelivered, record.Status)
}
