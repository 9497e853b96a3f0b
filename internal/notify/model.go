// Package notify implements the outbound notification dispatcher: debounced,
// state-transition-filtered deliveries to per-repository webhook sinks with
// deduplication.
package notify

import (
	"time"

	"github.com/agentconsole/agent-console/internal/session/term"
)

// EventType is an outbound notification event.
type EventType string

const (
	EventAgentWaiting EventType = "agent:waiting"
	EventAgentIdle    EventType = "agent:idle"
	EventAgentActive  EventType = "agent:active"
	EventWorkerExited EventType = "worker:exited"
	EventWorkerError  EventType = "worker:error"
)

// NotificationStatus is the delivery state of an inbound-event notification
// record.
type NotificationStatus string

const (
	NotificationPending   NotificationStatus = "pending"
	NotificationDelivered NotificationStatus = "delivered"
)

// Notification is one recorded outbound delivery target. The composite
// (JobID, SessionID, WorkerID, HandlerID) is unique and deduplicates
// deliveries.
type Notification struct {
	ID         string             `json:"id"`
	JobID      string             `json:"jobId"`
	SessionID  string             `json:"sessionId"`
	WorkerID   string             `json:"workerId"`
	HandlerID  string             `json:"handlerId"`
	EventType  EventType          `json:"eventType"`
	Summary    string             `json:"summary"`
	Status     NotificationStatus `json:"status"`
	CreatedAt  time.Time          `json:"createdAt"`
	NotifiedAt *time.Time         `json:"notifiedAt,omitempty"`
}

// SlackIntegration is a per-repository Slack webhook configuration.
type SlackIntegration struct {
	ID           string    `json:"id"`
	RepositoryID string    `json:"repositoryId"`
	WebhookURL   string    `json:"webhookUrl"`
	Enabled      bool      `json:"enabled"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// mapActivity translates an activity state into its event type. Unknown is
// suppressed.
func mapActivity(state term.ActivityState) (EventType, bool) {
	switch state {
	case term.ActivityAsking:
		return EventAgentWaiting, true
	case term.ActivityIdle:
		return EventAgentIdle, true
	case term.ActivityActive:
		return EventAgentActive, true
	default:
		return "", false
	}
}

// DefaultTriggers is the per-event enable map used when none is configured:
// activity chatter for active agents stays off.
func DefaultTriggers() map[EventType]bool {
	return map[EventType]bool{
		EventAgentWaiting: true,
		EventAgentIdle:    true,
		EventAgentActive:  false,
		EventWorkerExited: true,
		EventWorkerError:  true,
	}
}
