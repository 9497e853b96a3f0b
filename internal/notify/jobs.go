package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/agentconsole/agent-console/internal/jobs"
)

// DeliverJobPayload is the payload of a notification.deliver job. The job id
// anchors the dedup key, so a retried job cannot double-send to a target that
// already got the notification.
type DeliverJobPayload struct {
	SessionID string    `json:"sessionId"`
	WorkerID  string    `json:"workerId"`
	Event     EventType `json:"event"`
	Summary   string    `json:"summary"`
}

// RegisterJobHandlers binds the job-driven delivery path to the queue.
func RegisterJobHandlers(queue *jobs.Queue, dispatcher *Dispatcher) error {
	return queue.RegisterHandler(jobs.TypeNotificationDeliver, func(ctx context.Context, job *jobs.Job) error {
		var payload DeliverJobPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("malformed notification.deliver payload: %w", err)
		}
		return dispatcher.DeliverForJob(ctx, job.ID, payload.SessionID, payload.WorkerID, payload.Event, payload.Summary)
	})
}
