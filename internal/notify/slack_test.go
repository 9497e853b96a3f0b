package notify

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentconsole/agent-console/internal/common/logger"
)

func TestSlackHandlerPostsToWebhook(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	var received map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &received)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	require.NoError(t, store.UpsertSlackIntegration(ctx, &SlackIntegration{
		RepositoryID: "repo-1",
		WebhookURL:   srv.URL,
		Enabled:      true,
	}))

	log, err := logger.NewLogger(&logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	handler := NewSlackHandler(store, time.Second, log)

	ok, err := handler.CanHandle(ctx, "repo-1")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, handler.Send(ctx, "repo-1", EventAgentWaiting, "agent w1 is asking"))
	require.NotNil(t, received)
	assert.Contains(t, received["text"], "agent:waiting")
	assert.Contains(t, received["text"], "agent w1 is asking")
}

func TestSlackHandlerDisabledIntegration(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.UpsertSlackIntegration(ctx, &SlackIntegration{
		RepositoryID: "repo-1",
		WebhookURL:   "https://hooks.slack.example/T1/B1",
		Enabled:      false,
	}))

	log, err := logger.NewLogger(&logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	handler := NewSlackHandler(store, time.Second, log)

	ok, err := handler.CanHandle(ctx, "repo-1")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.Error(t, handler.Send(ctx, "repo-1", EventAgentIdle, "x"))
}

func TestSlackHandlerNon2xxIsError(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	require.NoError(t, store.UpsertSlackIntegration(ctx, &SlackIntegration{
		RepositoryID: "repo-1",
		WebhookURL:   srv.URL,
		Enabled:      true,
	}))

	log, err := logger.NewLogger(&logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)
	handler := NewSlackHandler(store, time.Second, log)

	assert.Error(t, handler.Send(ctx, "repo-1", EventAgentIdle, "x"))
}
