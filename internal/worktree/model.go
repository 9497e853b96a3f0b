package worktree

import "time"

// Worktree is a parallel checkout of a repository at a distinct path.
type Worktree struct {
	ID           string    `json:"id"`
	RepositoryID string    `json:"repositoryId"`
	Path         string    `json:"path"`
	Branch       string    `json:"branch"`
	BaseBranch   string    `json:"baseBranch,omitempty"`
	Index        int       `json:"index"` // per-repository, monotonic, >= 1
	CreatedAt    time.Time `json:"createdAt"`
}

// Mode selects how the worktree's branch is produced.
type Mode string

const (
	// ModePrompt derives a branch name from a natural-language prompt.
	ModePrompt Mode = "prompt"
	// ModeCustom uses a caller-supplied branch name and base.
	ModeCustom Mode = "custom"
	// ModeExisting checks out an existing branch into a new worktree.
	ModeExisting Mode = "existing"
)

// CreateRequest is the tagged union over creation modes.
type CreateRequest struct {
	Mode       Mode   `json:"mode"`
	Prompt     string `json:"prompt,omitempty"`     // prompt mode
	Branch     string `json:"branch,omitempty"`     // custom and existing modes
	BaseBranch string `json:"baseBranch,omitempty"` // prompt and custom modes
}

// RemoteStatus reports how a branch relates to its upstream.
type RemoteStatus struct {
	Behind int `json:"behind"`
	Ahead  int `json:"ahead"`
}
