package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/agentconsole/agent-console/internal/agentdef"
	"github.com/agentconsole/agent-console/internal/common/logger"
	"github.com/agentconsole/agent-console/internal/events"
	"github.com/agentconsole/agent-console/internal/events/bus"
	"github.com/agentconsole/agent-console/internal/session/pty"
	"github.com/agentconsole/agent-console/internal/session/term"
)

// Resolver validates worktree-session references against the repository and
// worktree stores.
type Resolver interface {
	RepositoryExists(ctx context.Context, id string) (bool, error)
	WorktreePath(ctx context.Context, id string) (string, error)
}

// GlobalActivityCallback fires on every non-identity activity transition.
type GlobalActivityCallback func(sessionID, workerID string, state term.ActivityState)

// WorkerCallbacks are the replaceable consumer hooks for a PTY worker. They
// are swapped atomically on attach; errors inside them are the consumer's
// problem, the manager does not wrap.
type WorkerCallbacks struct {
	OnData func(data []byte)
	OnExit func(code int)
}

// liveWorker pairs a persisted worker with its runtime state.
type liveWorker struct {
	worker   *Worker
	runner   *pty.Runner
	ring     *term.RingBuffer
	detector *term.ActivityDetector

	cbMu sync.RWMutex
	cbs  WorkerCallbacks
}

type liveSession struct {
	session *Session
	workers map[string]*liveWorker
}

// Manager owns the in-memory map of live sessions and their workers. Every
// mutation of the observable session/worker set writes through the store and
// publishes on the event bus; terminal I/O and activity transitions do not
// touch the store.
type Manager struct {
	store    *Store
	bus      bus.EventBus
	agents   *agentdef.Registry
	resolver Resolver
	logger   *logger.Logger

	homeDir string // sessions/<sid>/workers/<wid> message files live here

	mu       sync.RWMutex
	sessions map[string]*liveSession

	activityMu sync.RWMutex
	onActivity GlobalActivityCallback
}

// NewManager creates the session manager. homeDir is the configuration root
// holding per-session message directories.
func NewManager(store *Store, eventBus bus.EventBus, agents *agentdef.Registry, resolver Resolver, homeDir string, log *logger.Logger) *Manager {
	return &Manager{
		store:    store,
		bus:      eventBus,
		agents:   agents,
		resolver: resolver,
		logger:   log.WithFields(zap.String("component", "session-manager")),
		homeDir:  homeDir,
		sessions: make(map[string]*liveSession),
	}
}

// CreateSessionRequest describes a new session. Worktree sessions require
// both RepositoryID and WorktreeID; the path is resolved from the worktree.
type CreateSessionRequest struct {
	Type          Type
	Title         string
	InitialPrompt string
	Path          string
	RepositoryID  *string
	WorktreeID    *string
	AgentID       string
	Resume        bool
}

// CreateWorkerRequest describes an additional worker for a session.
type CreateWorkerRequest struct {
	Type       WorkerType
	Name       string
	AgentID    string
	BaseCommit string
	Resume     bool
}

// CreateSession validates the request, spawns the initial worker set (one
// agent worker, plus a git-diff companion for worktree sessions), persists
// the session and announces it on the bus.
func (m *Manager) CreateSession(ctx context.Context, req CreateSessionRequest) (*Session, error) {
	path := req.Path

	switch req.Type {
	case TypeQuick:
		if path == "" {
			return nil, fmt.Errorf("quick session requires a path")
		}
	case TypeWorktree:
		if req.RepositoryID == nil || *req.RepositoryID == "" {
			return nil, fmt.Errorf("worktree session requires a repository id")
		}
		if req.WorktreeID == nil || *req.WorktreeID == "" {
			return nil, fmt.Errorf("worktree session requires a worktree id")
		}
		ok, err := m.resolver.RepositoryExists(ctx, *req.RepositoryID)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("repository %s not found", *req.RepositoryID)
		}
		wtPath, err := m.resolver.WorktreePath(ctx, *req.WorktreeID)
		if err != nil {
			return nil, err
		}
		path = wtPath
	default:
		return nil, fmt.Errorf("unknown session type %q", req.Type)
	}

	pid := os.Getpid()
	sess := &Session{
		ID:            NewID(),
		Type:          req.Type,
		Title:         req.Title,
		InitialPrompt: req.InitialPrompt,
		Path:          path,
		RepositoryID:  req.RepositoryID,
		WorktreeID:    req.WorktreeID,
		ServerPID:     &pid,
	}

	agentID := req.AgentID
	if agentID == "" {
		agentID = "claude-code"
	}
	def, ok := m.agents.Get(agentID)
	if !ok {
		return nil, fmt.Errorf("unknown agent %q", agentID)
	}

	live := &liveSession{session: sess, workers: make(map[string]*liveWorker)}

	agentWorker := &Worker{
		ID:        NewID(),
		SessionID: sess.ID,
		Type:      WorkerAgent,
		Name:      def.Name,
		AgentID:   def.ID,
	}
	sess.Workers = append(sess.Workers, agentWorker)

	if req.Type == TypeWorktree {
		diffWorker := &Worker{
			ID:         NewID(),
			SessionID:  sess.ID,
			Type:       WorkerGitDiff,
			Name:       "Changes",
			BaseCommit: "HEAD",
		}
		sess.Workers = append(sess.Workers, diffWorker)
	}

	for _, w := range sess.Workers {
		lw, err := m.startWorker(sess, w, req.Resume)
		if err != nil {
			// Roll back already-spawned children before surfacing.
			for _, started := range live.workers {
				m.stopWorker(started)
			}
			return nil, err
		}
		live.workers[w.ID] = lw
	}

	m.mu.Lock()
	m.sessions[sess.ID] = live
	m.mu.Unlock()

	if err := m.store.Save(ctx, sess); err != nil {
		m.mu.Lock()
		delete(m.sessions, sess.ID)
		m.mu.Unlock()
		for _, lw := range live.workers {
			m.stopWorker(lw)
		}
		return nil, err
	}

	m.publish(events.SessionCreated, map[string]interface{}{"session": sess})
	m.logger.Info("session created",
		zap.String("session_id", sess.ID),
		zap.String("type", string(sess.Type)),
		zap.String("path", sess.Path))
	return sess, nil
}

// CreateWorker appends a worker to an existing session. Returns nil without
// error when the session does not exist.
func (m *Manager) CreateWorker(ctx context.Context, sessionID string, req CreateWorkerRequest) (*Worker, error) {
	m.mu.Lock()
	live, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		return nil, nil
	}

	w := &Worker{
		ID:         NewID(),
		SessionID:  sessionID,
		Type:       req.Type,
		Name:       req.Name,
		AgentID:    req.AgentID,
		BaseCommit: req.BaseCommit,
	}
	if w.Type == WorkerAgent && w.AgentID == "" {
		return nil, fmt.Errorf("agent worker requires an agent id")
	}
	if w.Type == WorkerGitDiff && w.BaseCommit == "" {
		w.BaseCommit = "HEAD"
	}
	if w.Name == "" {
		w.Name = string(w.Type)
	}

	lw, err := m.startWorker(live.session, w, req.Resume)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	live.session.Workers = append(live.session.Workers, w)
	live.workers[w.ID] = lw
	m.mu.Unlock()

	if err := m.store.Save(ctx, live.session); err != nil {
		return nil, err
	}
	m.publish(events.SessionUpdated, map[string]interface{}{"session": live.session})
	return w, nil
}

// startWorker spawns runtime state for a worker. git-diff workers carry no
// process; agent and terminal workers run under a PTY with the ring buffer
// and activity detector wired into the output path.
func (m *Manager) startWorker(sess *Session, w *Worker, resume bool) (*liveWorker, error) {
	lw := &liveWorker{
		worker: w,
		ring:   term.NewRingBuffer(term.DefaultRingBufferSize),
	}

	if w.Type == WorkerGitDiff {
		return lw, nil
	}

	sessionID, workerID := sess.ID, w.ID
	lw.detector = term.NewActivityDetector(func(state term.ActivityState) {
		m.handleActivity(sessionID, workerID, state)
	})

	cfg := pty.Config{Dir: sess.Path}
	switch w.Type {
	case WorkerAgent:
		def, ok := m.agents.Get(w.AgentID)
		if !ok {
			return nil, fmt.Errorf("unknown agent %q", w.AgentID)
		}
		cfg.Command = def.Command
		cfg.Args = def.LaunchArgs(resume)
		cfg.Env = def.EnvSlice()
	case WorkerTerminal:
		shell := os.Getenv("SHELL")
		if shell == "" {
			shell = "/bin/sh"
		}
		cfg.Command = shell
		cfg.Args = []string{"-l"}
	default:
		return nil, fmt.Errorf("worker %s: type %q cannot be spawned", w.ID, w.Type)
	}

	runner, err := pty.Start(cfg, m.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to start worker %s: %w", w.ID, err)
	}
	lw.runner = runner
	pid := runner.Pid()
	w.PID = &pid

	runner.SetOnData(func(data []byte) {
		// Append and dispatch under the same lock that guards attach, so a
		// chunk is either in the snapshot an attacher takes or delivered to
		// its callbacks, never both and never neither.
		lw.cbMu.RLock()
		defer lw.cbMu.RUnlock()
		lw.ring.Append(data)
		if lw.detector != nil {
			lw.detector.Feed(data)
		}
		if fn := lw.cbs.OnData; fn != nil {
			fn(data)
		}
	})
	runner.SetOnExit(func(code int) {
		m.handleExit(sessionID, workerID, code)
		lw.cbMu.RLock()
		fn := lw.cbs.OnExit
		lw.cbMu.RUnlock()
		if fn != nil {
			fn(code)
		}
	})

	if err := os.MkdirAll(m.workerDir(sessionID, workerID), 0o755); err != nil {
		m.logger.Warn("failed to create worker message directory", zap.Error(err))
	}

	return lw, nil
}

func (m *Manager) workerDir(sessionID, workerID string) string {
	return filepath.Join(m.homeDir, "sessions", sessionID, "workers", workerID)
}

func (m *Manager) stopWorker(lw *liveWorker) {
	if lw.detector != nil {
		lw.detector.Close()
	}
	if lw.runner != nil {
		if err := lw.runner.Kill(); err != nil {
			m.logger.Warn("failed to kill worker process",
				zap.String("worker_id", lw.worker.ID),
				zap.Error(err))
		}
	}
}

// DeleteWorker kills a PTY-backed worker, removes it from the session and
// persists the shrunken worker set. Returns false on unknown ids.
func (m *Manager) DeleteWorker(ctx context.Context, sessionID, workerID string) bool {
	m.mu.Lock()
	live, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	lw, ok := live.workers[workerID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	delete(live.workers, workerID)
	workers := live.session.Workers[:0]
	for _, w := range live.session.Workers {
		if w.ID != workerID {
			workers = append(workers, w)
		}
	}
	live.session.Workers = workers
	m.mu.Unlock()

	m.stopWorker(lw)

	if err := m.store.Save(ctx, live.session); err != nil {
		m.logger.Error("failed to persist worker removal",
			zap.String("session_id", sessionID),
			zap.String("worker_id", workerID),
			zap.Error(err))
	}
	m.publish(events.SessionUpdated, map[string]interface{}{"session": live.session})
	return true
}

// DeleteSession kills all children, removes the row (cascade covers worker
// rows) and broadcasts the deletion. Returns false on unknown id.
func (m *Manager) DeleteSession(ctx context.Context, sessionID string) bool {
	m.mu.Lock()
	live, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
	}
	m.mu.Unlock()

	if live != nil {
		for _, lw := range live.workers {
			m.stopWorker(lw)
		}
	}

	// Paused sessions exist only in the store; delete those too.
	if !ok {
		sess, err := m.store.FindByID(ctx, sessionID)
		if err != nil || sess == nil {
			return false
		}
	}

	if err := m.store.Delete(ctx, sessionID); err != nil {
		m.logger.Error("failed to delete session row",
			zap.String("session_id", sessionID),
			zap.Error(err))
		return false
	}

	if err := os.RemoveAll(filepath.Join(m.homeDir, "sessions", sessionID)); err != nil {
		m.logger.Warn("failed to remove session message directory", zap.Error(err))
	}

	m.publish(events.SessionDeleted, map[string]interface{}{"session_id": sessionID})
	m.logger.Info("session deleted", zap.String("session_id", sessionID))
	return true
}

// WriteWorkerInput forwards input bytes to the worker's PTY.
func (m *Manager) WriteWorkerInput(sessionID, workerID string, data []byte) bool {
	lw := m.liveWorker(sessionID, workerID)
	if lw == nil || lw.runner == nil {
		return false
	}
	if err := lw.runner.Write(data); err != nil {
		m.logger.Warn("worker write failed",
			zap.String("worker_id", workerID),
			zap.Error(err))
		return false
	}
	return true
}

// ResizeWorker forwards a terminal resize to the worker's PTY.
func (m *Manager) ResizeWorker(sessionID, workerID string, cols, rows uint16) bool {
	lw := m.liveWorker(sessionID, workerID)
	if lw == nil || lw.runner == nil {
		return false
	}
	return lw.runner.Resize(cols, rows) == nil
}

// GetWorkerOutputBuffer returns the ring-buffer snapshot for a worker, or
// nil on unknown ids.
func (m *Manager) GetWorkerOutputBuffer(sessionID, workerID string) []byte {
	lw := m.liveWorker(sessionID, workerID)
	if lw == nil {
		return nil
	}
	return lw.ring.Snapshot()
}

// GetWorkerActivityState returns the current activity state, or unknown for
// unknown ids and workers without a detector.
func (m *Manager) GetWorkerActivityState(sessionID, workerID string) term.ActivityState {
	lw := m.liveWorker(sessionID, workerID)
	if lw == nil || lw.detector == nil {
		return term.ActivityUnknown
	}
	return lw.detector.State()
}

// AttachWorkerCallbacks replaces the consumer callbacks for a worker and
// returns the ring-buffer snapshot taken in the same critical section. Bytes
// in the snapshot will not be re-delivered through OnData; bytes arriving
// after it will be. The previous callbacks are silently detached.
func (m *Manager) AttachWorkerCallbacks(sessionID, workerID string, cbs WorkerCallbacks) ([]byte, bool) {
	lw := m.liveWorker(sessionID, workerID)
	if lw == nil {
		return nil, false
	}
	lw.cbMu.Lock()
	lw.cbs = cbs
	snapshot := lw.ring.Snapshot()
	lw.cbMu.Unlock()
	return snapshot, true
}

// DetachWorkerCallbacks clears the consumer callbacks for a worker.
func (m *Manager) DetachWorkerCallbacks(sessionID, workerID string) bool {
	_, ok := m.AttachWorkerCallbacks(sessionID, workerID, WorkerCallbacks{})
	return ok
}

// SetGlobalActivityCallback installs the callback invoked on every activity
// transition. The notification dispatcher is the expected consumer.
func (m *Manager) SetGlobalActivityCallback(fn GlobalActivityCallback) {
	m.activityMu.Lock()
	m.onActivity = fn
	m.activityMu.Unlock()
}

func (m *Manager) liveWorker(sessionID, workerID string) *liveWorker {
	m.mu.RLock()
	defer m.mu.RUnlock()
	live, ok := m.sessions[sessionID]
	if !ok {
		return nil
	}
	return live.workers[workerID]
}

// GetSession returns a live session by id, or nil.
func (m *Manager) GetSession(sessionID string) *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if live, ok := m.sessions[sessionID]; ok {
		return live.session
	}
	return nil
}

// SessionView is a session with per-worker activity state, the shape the
// dashboard sync message carries.
type SessionView struct {
	*Session
	Activity map[string]term.ActivityState `json:"activity"`
}

// Snapshot returns every session: live ones with their current activity
// states, plus paused rows from the store.
func (m *Manager) Snapshot(ctx context.Context) ([]SessionView, error) {
	m.mu.RLock()
	views := make([]SessionView, 0, len(m.sessions))
	liveIDs := make(map[string]struct{}, len(m.sessions))
	for id, live := range m.sessions {
		activity := make(map[string]term.ActivityState, len(live.workers))
		for wid, lw := range live.workers {
			if lw.detector != nil {
				activity[wid] = lw.detector.State()
			} else {
				activity[wid] = term.ActivityUnknown
			}
		}
		views = append(views, SessionView{Session: live.session, Activity: activity})
		liveIDs[id] = struct{}{}
	}
	m.mu.RUnlock()

	stored, err := m.store.FindAll(ctx)
	if err != nil {
		return nil, err
	}
	for _, sess := range stored {
		if _, ok := liveIDs[sess.ID]; ok {
			continue
		}
		views = append(views, SessionView{Session: sess, Activity: map[string]term.ActivityState{}})
	}
	return views, nil
}

// Recover reconciles persisted sessions on process start. Rows claiming the
// current pid were left by an aborted lifecycle of this pid; their PTYs are
// gone, so the claim is cleared and the session becomes paused. Rows with
// any other pid stay paused as-is.
func (m *Manager) Recover(ctx context.Context) error {
	sessions, err := m.store.FindAll(ctx)
	if err != nil {
		return err
	}

	self := os.Getpid()
	for _, sess := range sessions {
		if sess.ServerPID == nil {
			continue
		}
		if *sess.ServerPID == self {
			m.logger.Warn("clearing stale session claim from a previous lifecycle",
				zap.String("session_id", sess.ID))
			if err := m.store.ClearServerPID(ctx, sess.ID); err != nil {
				return err
			}
			continue
		}
		m.logger.Info("session owned by a dead process, leaving paused",
			zap.String("session_id", sess.ID),
			zap.Int("server_pid", *sess.ServerPID))
	}
	return nil
}

// Shutdown kills every live worker without deleting rows; the sessions
// become paused and can be inspected after restart.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	lives := make([]*liveSession, 0, len(m.sessions))
	for _, live := range m.sessions {
		lives = append(lives, live)
	}
	m.sessions = make(map[string]*liveSession)
	m.mu.Unlock()

	for _, live := range lives {
		for _, lw := range live.workers {
			m.stopWorker(lw)
		}
		if err := m.store.ClearServerPID(ctx, live.session.ID); err != nil {
			m.logger.Warn("failed to clear session claim on shutdown",
				zap.String("session_id", live.session.ID),
				zap.Error(err))
		}
	}
}

func (m *Manager) handleActivity(sessionID, workerID string, state term.ActivityState) {
	m.activityMu.RLock()
	fn := m.onActivity
	m.activityMu.RUnlock()
	if fn != nil {
		fn(sessionID, workerID, state)
	}

	m.publish(events.WorkerActivityChanged, map[string]interface{}{
		"session_id": sessionID,
		"worker_id":  workerID,
		"state":      string(state),
	})
}

func (m *Manager) handleExit(sessionID, workerID string, code int) {
	m.logger.Info("worker exited",
		zap.String("session_id", sessionID),
		zap.String("worker_id", workerID),
		zap.Int("code", code))

	m.publish(events.WorkerExited, map[string]interface{}{
		"session_id": sessionID,
		"worker_id":  workerID,
		"exit_code":  code,
	})
}

func (m *Manager) publish(eventType string, data map[string]interface{}) {
	if m.bus == nil {
		return
	}
	event := bus.NewEvent(eventType, "session-manager", data)
	if err := m.bus.Publish(context.Background(), eventType, event); err != nil {
		m.logger.Warn("failed to publish event", zap.String("type", eventType), zap.Error(err))
	}
}
