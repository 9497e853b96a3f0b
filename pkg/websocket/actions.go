package websocket

// Dashboard message types (server -> client)
const (
	TypeSessionsSync            = "sessions-sync"
	TypeSessionCreated          = "session-created"
	TypeSessionUpdated          = "session-updated"
	TypeSessionDeleted          = "session-deleted"
	TypeWorkerActivityChanged   = "worker-activity-changed"
	TypeWorkerExited            = "worker-exited"
	TypeWorktreeCreateCompleted = "worktree-creation-completed"
	TypeWorktreeCreateFailed    = "worktree-creation-failed"
	TypeWorktreeDeleteCompleted = "worktree-deletion-completed"
	TypeWorktreeDeleteFailed    = "worktree-deletion-failed"
)

// Terminal channel message types (client -> server)
const (
	TypeWrite  = "write"
	TypeResize = "resize"
)

// Terminal channel message types (server -> client)
const (
	TypeOutput = "output"
	TypeExit   = "exit"
)

// Git-diff channel message types
const (
	TypeDiffData         = "diff-data"          // server -> client
	TypeDiffError        = "diff-error"         // server -> client
	TypeRefresh          = "refresh"            // client -> server
	TypeSetBaseCommit    = "set-base-commit"    // client -> server
	TypeSetTargetCommit  = "set-target-commit"  // client -> server
	TypeRequestFileLines = "request-file-lines" // client -> server
	TypeFileLines        = "file-lines"         // server -> client
)
