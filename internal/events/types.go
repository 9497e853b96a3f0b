// Package events provides event types and utilities for the agent-console
// event system. The session manager publishes; the WebSocket dashboard and
// the notification dispatcher subscribe.
package events

// Event types for sessions
const (
	SessionCreated = "session.created"
	SessionUpdated = "session.updated"
	SessionDeleted = "session.deleted"
)

// Event types for workers
const (
	WorkerCreated         = "worker.created"
	WorkerDeleted         = "worker.deleted"
	WorkerActivityChanged = "worker.activity_changed"
	WorkerExited          = "worker.exited"
	WorkerErrored         = "worker.errored"
)

// Event types for repositories
const (
	RepositoryCreated = "repository.created"
	RepositoryUpdated = "repository.updated"
	RepositoryDeleted = "repository.deleted"
)

// Event types for worktree lifecycle. Creation and deletion run
// asynchronously; completion is announced on the dashboard channel.
const (
	WorktreeCreationCompleted = "worktree.creation_completed"
	WorktreeCreationFailed    = "worktree.creation_failed"
	WorktreeDeletionCompleted = "worktree.deletion_completed"
	WorktreeDeletionFailed    = "worktree.deletion_failed"
	WorktreeBranchSuggested   = "worktree.branch_suggested"
)

// AllSubject subscribes to every event on the bus. Consumers that relay
// events in publish order want a single subscription rather than one per
// family.
func AllSubject() string {
	return ">"
}

// SessionWildcardSubject subscribes to all session lifecycle events.
func SessionWildcardSubject() string {
	return "session.*"
}

// WorkerWildcardSubject subscribes to all worker events.
func WorkerWildcardSubject() string {
	return "worker.*"
}

// WorktreeWildcardSubject subscribes to all worktree lifecycle events.
func WorktreeWildcardSubject() string {
	return "worktree.*"
}
