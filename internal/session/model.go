// Package session implements the session/worker manager: lifecycle of
// sessions and their workers, PTY supervision, output buffering and activity
// inference, with write-through persistence.
package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Type discriminates session variants.
type Type string

const (
	// TypeQuick is a session rooted at an arbitrary filesystem path.
	TypeQuick Type = "quick"
	// TypeWorktree is a session bound to a repository worktree.
	TypeWorktree Type = "worktree"
)

// WorkerType discriminates worker variants.
type WorkerType string

const (
	// WorkerAgent runs an interactive agent CLI under a PTY.
	WorkerAgent WorkerType = "agent"
	// WorkerTerminal runs a user shell under a PTY.
	WorkerTerminal WorkerType = "terminal"
	// WorkerGitDiff computes diff snapshots on demand; no PTY.
	WorkerGitDiff WorkerType = "git-diff"
)

// Session is a user-visible conversational context rooted at one filesystem
// location, owning a set of workers.
type Session struct {
	ID            string    `json:"id"`
	Type          Type      `json:"type"`
	Title         string    `json:"title,omitempty"`
	InitialPrompt string    `json:"initialPrompt,omitempty"`
	Path          string    `json:"path"`
	RepositoryID  *string   `json:"repositoryId,omitempty"`
	WorktreeID    *string   `json:"worktreeId,omitempty"`
	ServerPID     *int      `json:"serverPid,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
	Workers       []*Worker `json:"workers"`
}

// Worker is a long-running sub-process or component inside a session.
type Worker struct {
	ID         string     `json:"id"`
	SessionID  string     `json:"sessionId"`
	Type       WorkerType `json:"type"`
	Name       string     `json:"name"`
	AgentID    string     `json:"agentId,omitempty"`    // required for agent workers
	BaseCommit string     `json:"baseCommit,omitempty"` // required for git-diff workers
	PID        *int       `json:"pid,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

// Paused reports whether the session has no owning server process.
func (s *Session) Paused() bool {
	return s.ServerPID == nil
}

// Validate checks the tag-dependent field requirements.
func (s *Session) Validate() error {
	switch s.Type {
	case TypeQuick:
		if s.Path == "" {
			return fmt.Errorf("quick session %s: missing path", s.ID)
		}
	case TypeWorktree:
		if s.RepositoryID == nil || *s.RepositoryID == "" {
			return fmt.Errorf("worktree session %s: missing repository id", s.ID)
		}
		if s.WorktreeID == nil || *s.WorktreeID == "" {
			return fmt.Errorf("worktree session %s: missing worktree id", s.ID)
		}
	default:
		return fmt.Errorf("session %s: unknown type %q", s.ID, s.Type)
	}
	for _, w := range s.Workers {
		if err := w.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks the tag-dependent field requirements.
func (w *Worker) Validate() error {
	switch w.Type {
	case WorkerAgent:
		if w.AgentID == "" {
			return fmt.Errorf("agent worker %s: missing agent id", w.ID)
		}
	case WorkerTerminal:
	case WorkerGitDiff:
		if w.BaseCommit == "" {
			return fmt.Errorf("git-diff worker %s: missing base commit", w.ID)
		}
	default:
		return fmt.Errorf("worker %s: unknown type %q", w.ID, w.Type)
	}
	return nil
}

// WorkerByID returns the worker with the given id, or nil.
func (s *Session) WorkerByID(id string) *Worker {
	for _, w := range s.Workers {
		if w.ID == id {
			return w
		}
	}
	return nil
}

// NewID returns a fresh entity id.
func NewID() string {
	return uuid.New().String()
}
