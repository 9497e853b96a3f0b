package worktree

import (
	"context"
	"encoding/json"
	"fmt"

	"go.uber.org/zap"

	"github.com/agentconsole/agent-console/internal/common/logger"
	"github.com/agentconsole/agent-console/internal/events"
	"github.com/agentconsole/agent-console/internal/events/bus"
	"github.com/agentconsole/agent-console/internal/jobs"
	"github.com/agentconsole/agent-console/internal/session"
)

// CreateJobPayload is the payload of a worktree.create job. Completion and
// failure are announced on the dashboard channel, not in the HTTP response.
type CreateJobPayload struct {
	RepositoryID     string `json:"repositoryId"`
	Mode             Mode   `json:"mode"`
	Prompt           string `json:"prompt,omitempty"`
	Branch           string `json:"branch,omitempty"`
	BaseBranch       string `json:"baseBranch,omitempty"`
	AutoStartSession bool   `json:"autoStartSession,omitempty"`
	InitialPrompt    string `json:"initialPrompt,omitempty"`
	AgentID          string `json:"agentId,omitempty"`
	TaskID           string `json:"taskId,omitempty"`
}

// DeleteJobPayload is the payload of a worktree.delete job.
type DeleteJobPayload struct {
	RepositoryID string `json:"repositoryId"`
	Path         string `json:"path"`
	Force        bool   `json:"force,omitempty"`
	TaskID       string `json:"taskId,omitempty"`
}

// BranchSuggestPayload is the payload of a branch.suggest job.
type BranchSuggestPayload struct {
	RepositoryID string `json:"repositoryId"`
	Prompt       string `json:"prompt"`
	TaskID       string `json:"taskId,omitempty"`
}

// RegisterJobHandlers binds the asynchronous worktree operations to the job
// queue. Handlers publish completion events; job retries re-run the git
// operations, which are idempotent enough for at-least-once execution.
func RegisterJobHandlers(queue *jobs.Queue, mgr *Manager, sessions *session.Manager, eventBus bus.EventBus, log *logger.Logger) error {
	l := log.WithFields(zap.String("component", "worktree-jobs"))

	publish := func(eventType string, data map[string]interface{}) {
		event := bus.NewEvent(eventType, "worktree-jobs", data)
		if err := eventBus.Publish(context.Background(), eventType, event); err != nil {
			l.Warn("failed to publish worktree event", zap.String("type", eventType), zap.Error(err))
		}
	}

	err := queue.RegisterHandler(jobs.TypeWorktreeCreate, func(ctx context.Context, job *jobs.Job) error {
		var payload CreateJobPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("malformed worktree.create payload: %w", err)
		}

		wt, err := mgr.Create(ctx, payload.RepositoryID, CreateRequest{
			Mode:       payload.Mode,
			Prompt:     payload.Prompt,
			Branch:     payload.Branch,
			BaseBranch: payload.BaseBranch,
		})
		if err != nil {
			// The final attempt announces the failure to the dashboard.
			if job.Attempts+1 >= job.MaxAttempts {
				publish(events.WorktreeCreationFailed, map[string]interface{}{
					"repository_id": payload.RepositoryID,
					"task_id":       payload.TaskID,
					"error":         err.Error(),
				})
			}
			return err
		}

		data := map[string]interface{}{
			"repository_id": payload.RepositoryID,
			"task_id":       payload.TaskID,
			"worktree":      wt,
		}

		if payload.AutoStartSession {
			sess, err := sessions.CreateSession(ctx, session.CreateSessionRequest{
				Type:          session.TypeWorktree,
				RepositoryID:  &payload.RepositoryID,
				WorktreeID:    &wt.ID,
				InitialPrompt: payload.InitialPrompt,
				AgentID:       payload.AgentID,
			})
			if err != nil {
				l.Error("worktree created but session start failed",
					zap.String("worktree_id", wt.ID),
					zap.Error(err))
				data["session_error"] = err.Error()
			} else {
				data["session_id"] = sess.ID
			}
		}

		publish(events.WorktreeCreationCompleted, data)
		return nil
	})
	if err != nil {
		return err
	}

	err = queue.RegisterHandler(jobs.TypeBranchSuggest, func(ctx context.Context, job *jobs.Job) error {
		var payload BranchSuggestPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("malformed branch.suggest payload: %w", err)
		}

		publish(events.WorktreeBranchSuggested, map[string]interface{}{
			"repository_id": payload.RepositoryID,
			"task_id":       payload.TaskID,
			"branch":        mgr.SuggestBranch(payload.Prompt),
		})
		return nil
	})
	if err != nil {
		return err
	}

	return queue.RegisterHandler(jobs.TypeWorktreeDelete, func(ctx context.Context, job *jobs.Job) error {
		var payload DeleteJobPayload
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("malformed worktree.delete payload: %w", err)
		}

		if err := mgr.Remove(ctx, payload.RepositoryID, payload.Path, payload.Force); err != nil {
			if job.Attempts+1 >= job.MaxAttempts {
				publish(events.WorktreeDeletionFailed, map[string]interface{}{
					"repository_id": payload.RepositoryID,
					"task_id":       payload.TaskID,
					"path":          payload.Path,
					"error":         err.Error(),
				})
			}
			return err
		}

		publish(events.WorktreeDeletionCompleted, map[string]interface{}{
			"repository_id": payload.RepositoryID,
			"task_id":       payload.TaskID,
			"path":          payload.Path,
		})
		return nil
	})
}
