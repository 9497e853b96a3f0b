package events

import (
	"fmt"
	"strings"

	"github.com/agentconsole/agent-console/internal/common/config"
	"github.com/agentconsole/agent-console/internal/common/logger"
	"github.com/agentconsole/agent-console/internal/events/bus"
)

// Provide builds the configured event bus implementation: NATS when a URL is
// set, the in-memory bus otherwise.
func Provide(cfg *config.Config, log *logger.Logger) (bus.EventBus, error) {
	if strings.TrimSpace(cfg.NATS.URL) != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize NATS event bus: %w", err)
		}
		return natsBus, nil
	}
	return bus.NewMemoryEventBus(log), nil
}
