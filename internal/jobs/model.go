// Package jobs implements the asynchronous job queue: typed, retryable,
// priority-ordered jobs with exponential backoff and stalling after attempt
// exhaustion.
package jobs

import (
	"encoding/json"
	"errors"
	"time"
)

// Status is the job lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusStalled    Status = "stalled"
)

// Well-known job types.
const (
	TypeWorktreeCreate      = "worktree.create"
	TypeWorktreeDelete      = "worktree.delete"
	TypeBranchSuggest       = "branch.suggest"
	TypeNotificationDeliver = "notification.deliver"
)

// Sentinel errors. Retry and Cancel must distinguish a missing job from one
// in a state that cannot transition.
var (
	ErrNotFound    = errors.New("job not found")
	ErrWrongStatus = errors.New("job is not in a valid status for this operation")
)

// Job is one unit of background work.
type Job struct {
	ID          string          `json:"id" db:"id"`
	Type        string          `json:"type" db:"job_type"`
	Payload     json.RawMessage `json:"payload" db:"payload"`
	Status      Status          `json:"status" db:"status"`
	Priority    int             `json:"priority" db:"priority"`
	Attempts    int             `json:"attempts" db:"attempts"`
	MaxAttempts int             `json:"maxAttempts" db:"max_attempts"`
	LastError   *string         `json:"lastError,omitempty"`
	NextRetryAt *time.Time      `json:"nextRetryAt,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
	StartedAt   *time.Time      `json:"startedAt,omitempty"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
}

// Stats is the aggregate view over job statuses.
type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Completed  int `json:"completed"`
	Stalled    int `json:"stalled"`
}

// ListFilter narrows List results. Limit must be in [1, 1000] and Offset
// non-negative.
type ListFilter struct {
	Status Status
	Type   string
	Limit  int
	Offset int
}

// EnqueueOptions tune a new job.
type EnqueueOptions struct {
	Priority    int
	MaxAttempts int
}
