package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/agentconsole/agent-console/internal/common/logger"
)

// Handler delivers notifications for a repository. Implementations are
// identified by a stable id that participates in the deduplication key.
type Handler interface {
	ID() string
	CanHandle(ctx context.Context, repositoryID string) (bool, error)
	Send(ctx context.Context, repositoryID string, event EventType, summary string) error
}

// SlackHandler posts notification summaries to a repository's configured
// Slack webhook.
type SlackHandler struct {
	store  *Store
	client *http.Client
	logger *logger.Logger
}

// NewSlackHandler creates the Slack webhook handler with the given outbound
// timeout.
func NewSlackHandler(store *Store, timeout time.Duration, log *logger.Logger) *SlackHandler {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &SlackHandler{
		store:  store,
		client: &http.Client{Timeout: timeout},
		logger: log.WithFields(zap.String("component", "slack-handler")),
	}
}

// ID returns the handler's stable identifier.
func (h *SlackHandler) ID() string { return "slack" }

// CanHandle reports whether the repository has an enabled Slack integration.
func (h *SlackHandler) CanHandle(ctx context.Context, repositoryID string) (bool, error) {
	integ, err := h.store.SlackIntegrationFor(ctx, repositoryID)
	if err != nil {
		return false, err
	}
	return integ != nil && integ.Enabled, nil
}

// Send posts the summary to the repository's webhook.
func (h *SlackHandler) Send(ctx context.Context, repositoryID string, event EventType, summary string) error {
	integ, err := h.store.SlackIntegrationFor(ctx, repositoryID)
	if err != nil {
		return err
	}
	if integ == nil || !integ.Enabled {
		return fmt.Errorf("no enabled slack integration for repository %s", repositoryID)
	}

	body, err := json.Marshal(map[string]string{
		"text": fmt.Sprintf("[%s] %s", event, summary),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, integ.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack webhook call failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("slack webhook returned status %d", resp.StatusCode)
	}
	return nil
}
