package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentconsole/agent-console/internal/common/logger"
	"github.com/agentconsole/agent-console/internal/session/term"
)

// RepositoryResolver maps a session to its repository, if any. Sessions
// without a repository produce no outbound notifications.
type RepositoryResolver interface {
	RepositoryIDFor(ctx context.Context, sessionID string) (*string, error)
}

type workerKey struct {
	sessionID string
	workerID  string
}

type pendingEvent struct {
	event   EventType
	summary string
	timer   *time.Timer
}

// Dispatcher turns raw activity and lifecycle signals into debounced,
// filtered, deduplicated webhook deliveries.
type Dispatcher struct {
	store    *Store
	resolver RepositoryResolver
	handlers []Handler
	triggers map[EventType]bool
	debounce time.Duration
	logger   *logger.Logger

	mu       sync.Mutex
	prev     map[workerKey]EventType
	pending  map[workerKey]*pendingEvent
	disposed bool
}

// NewDispatcher creates the dispatcher. A nil trigger map selects the
// defaults; the debounce window applies to agent-activity events only.
func NewDispatcher(store *Store, resolver RepositoryResolver, handlers []Handler, triggers map[EventType]bool, debounce time.Duration, log *logger.Logger) *Dispatcher {
	if triggers == nil {
		triggers = DefaultTriggers()
	}
	return &Dispatcher{
		store:    store,
		resolver: resolver,
		handlers: handlers,
		triggers: triggers,
		debounce: debounce,
		logger:   log.WithFields(zap.String("component", "notification-dispatcher")),
		prev:     make(map[workerKey]EventType),
		pending:  make(map[workerKey]*pendingEvent),
	}
}

// HandleActivity ingests an activity transition for a worker. Unknown states
// are suppressed, a waiting to idle transition is treated as the user having
// responded and suppressed, and everything surviving the filters is
// debounced per worker with rapid transitions collapsing to the last one.
func (d *Dispatcher) HandleActivity(sessionID, workerID string, state term.ActivityState) {
	event, ok := mapActivity(state)
	if !ok {
		return
	}
	key := workerKey{sessionID: sessionID, workerID: workerID}

	d.mu.Lock()
	if d.disposed {
		d.mu.Unlock()
		return
	}

	previous, hadPrev := d.prev[key]
	d.prev[key] = event

	if hadPrev && previous == EventAgentWaiting && event == EventAgentIdle {
		// The user answered the prompt; nothing to announce.
		d.cancelPendingLocked(key)
		d.mu.Unlock()
		return
	}
	if !d.triggers[event] {
		d.mu.Unlock()
		return
	}

	summary := fmt.Sprintf("agent %s is %s", workerID, state)
	if d.debounce <= 0 {
		d.mu.Unlock()
		d.deliver(key, event, summary)
		return
	}

	if p, exists := d.pending[key]; exists {
		// Collapse to the most recent state, keep the running timer.
		p.event = event
		p.summary = summary
		d.mu.Unlock()
		return
	}

	p := &pendingEvent{event: event, summary: summary}
	p.timer = time.AfterFunc(d.debounce, func() { d.flush(key) })
	d.pending[key] = p
	d.mu.Unlock()
}

// HandleWorkerExited ingests a worker exit. Lifecycle events bypass the
// debounce window.
func (d *Dispatcher) HandleWorkerExited(sessionID, workerID string, code int) {
	d.handleLifecycle(sessionID, workerID, EventWorkerExited,
		fmt.Sprintf("worker %s exited with code %d", workerID, code))
}

// HandleWorkerError ingests a worker error, bypassing the debounce window.
func (d *Dispatcher) HandleWorkerError(sessionID, workerID string, cause error) {
	d.handleLifecycle(sessionID, workerID, EventWorkerError,
		fmt.Sprintf("worker %s failed: %v", workerID, cause))
}

func (d *Dispatcher) handleLifecycle(sessionID, workerID string, event EventType, summary string) {
	d.mu.Lock()
	if d.disposed || !d.triggers[event] {
		d.mu.Unlock()
		return
	}
	key := workerKey{sessionID: sessionID, workerID: workerID}
	d.cancelPendingLocked(key)
	d.mu.Unlock()

	d.deliver(key, event, summary)
}

// flush fires when a debounce window elapses, delivering the collapsed last
// event for the key.
func (d *Dispatcher) flush(key workerKey) {
	d.mu.Lock()
	p, ok := d.pending[key]
	if !ok || d.disposed {
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	event, summary := p.event, p.summary
	d.mu.Unlock()

	d.deliver(key, event, summary)
}

func (d *Dispatcher) cancelPendingLocked(key workerKey) {
	if p, ok := d.pending[key]; ok {
		p.timer.Stop()
		delete(d.pending, key)
	}
}

// deliver routes one event to every handler able to take it. CanHandle
// failures are swallowed; Send failures are logged, delivery is best-effort.
func (d *Dispatcher) deliver(key workerKey, event EventType, summary string) {
	ctx := context.Background()

	repoID, err := d.resolver.RepositoryIDFor(ctx, key.sessionID)
	if err != nil {
		d.logger.Warn("failed to resolve session repository",
			zap.String("session_id", key.sessionID),
			zap.Error(err))
		return
	}
	if repoID == nil {
		return
	}

	for _, handler := range d.handlers {
		ok, err := handler.CanHandle(ctx, *repoID)
		if err != nil {
			d.logger.Warn("handler availability check failed",
				zap.String("handler_id", handler.ID()),
				zap.String("repository_id", *repoID),
				zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		if err := handler.Send(ctx, *repoID, event, summary); err != nil {
			d.logger.Warn("notification delivery failed",
				zap.String("handler_id", handler.ID()),
				zap.String("repository_id", *repoID),
				zap.String("event", string(event)),
				zap.Error(err))
		}
	}
}

// DeliverForJob is the job-driven delivery path. A pending record is created
// up-front; the unique delivery target makes a duplicate attempt a no-op. On
// a successful send the record flips to delivered; on failure it is removed
// so a retry can re-create it.
func (d *Dispatcher) DeliverForJob(ctx context.Context, jobID, sessionID, workerID string, event EventType, summary string) error {
	repoID, err := d.resolver.RepositoryIDFor(ctx, sessionID)
	if err != nil {
		return err
	}
	if repoID == nil {
		return nil
	}

	for _, handler := range d.handlers {
		ok, err := handler.CanHandle(ctx, *repoID)
		if err != nil {
			d.logger.Warn("handler availability check failed",
				zap.String("handler_id", handler.ID()),
				zap.Error(err))
			continue
		}
		if !ok {
			continue
		}

		record, created, err := d.store.CreatePending(ctx, &Notification{
			JobID:     jobID,
			SessionID: sessionID,
			WorkerID:  workerID,
			HandlerID: handler.ID(),
			EventType: event,
			Summary:   summary,
		})
		if err != nil {
			return err
		}
		if !created && record.Status == NotificationDelivered {
			// Already delivered to this target.
			continue
		}

		if err := handler.Send(ctx, *repoID, event, summary); err != nil {
			if delErr := d.store.Delete(ctx, record.ID); delErr != nil {
				d.logger.Warn("failed to remove notification record after send failure",
					zap.String("notification_id", record.ID),
					zap.Error(delErr))
			}
			return err
		}
		if err := d.store.MarkDelivered(ctx, record.ID); err != nil {
			return err
		}
	}
	return nil
}

// Dispose cancels every outstanding debounce timer; pending notifications
// are dropped.
func (d *Dispatcher) Dispose() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.disposed = true
	for key, p := range d.pending {
		p.timer.Stop()
		delete(d.pending, key)
	}
}
