package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentconsole/agent-console/internal/agentdef"
	"github.com/agentconsole/agent-console/internal/common/config"
	"github.com/agentconsole/agent-console/internal/common/logger"
	"github.com/agentconsole/agent-console/internal/db"
	"github.com/agentconsole/agent-console/internal/events"
	"github.com/agentconsole/agent-console/internal/events/bus"
	"github.com/agentconsole/agent-console/internal/jobs"
	"github.com/agentconsole/agent-console/internal/repository"
	"github.com/agentconsole/agent-console/internal/session"
	"github.com/agentconsole/agent-console/internal/worktree"
	ws "github.com/agentconsole/agent-console/pkg/websocket"
)

type fakeResolver struct {
	repos     map[string]bool
	worktrees map[string]string
}

func (r *fakeResolver) RepositoryExists(_ context.Context, id string) (bool, error) {
	return r.repos[id], nil
}

func (r *fakeResolver) WorktreePath(_ context.Context, id string) (string, error) {
	path, ok := r.worktrees[id]
	if !ok {
		return "", fmt.Errorf("worktree %s not found", id)
	}
	return path, nil
}

type testGateway struct {
	router  http.Handler
	manager *session.Manager
	bus     bus.EventBus
	hub     *Hub
	queue   *jobs.Queue
}

func newTestGateway(t *testing.T) *testGateway {
	t.Helper()

	dir := t.TempDir()
	writer, err := db.OpenSQLite(filepath.Join(dir, "console.db"))
	require.NoError(t, err)
	pool := db.NewPool(writer, writer)
	t.Cleanup(func() { pool.Close() })

	log, err := logger.NewLogger(&logger.LoggingConfig{Level: "error", Format: "console"})
	require.NoError(t, err)

	sessStore, err := session.NewStore(pool, "sqlite3", log)
	require.NoError(t, err)
	jobStore, err := jobs.NewStore(pool, log)
	require.NoError(t, err)
	repoStore, err := repository.NewStore(pool, log)
	require.NoError(t, err)
	wtStore, err := worktree.NewStore(pool, log)
	require.NoError(t, err)

	memBus := bus.NewMemoryEventBus(log)
	agents := agentdef.NewRegistry([]agentdef.Definition{
		{ID: "test-agent", Name: "Test Agent", Command: "/bin/cat"},
	})
	resolver := &fakeResolver{
		repos:     map[string]bool{"repo-1": true},
		worktrees: map[string]string{"wt-1": t.TempDir()},
	}

	manager := session.NewManager(sessStore, memBus, agents, resolver, dir, log)
	t.Cleanup(func() { manager.Shutdown(context.Background()) })

	queue := jobs.NewQueue(jobStore, config.JobsConfig{
		Concurrency:    1,
		PollIntervalMs: 20,
		BackoffBaseMs:  10,
		BackoffMaxMs:   100,
		MaxAttempts:    3,
	}, log)

	repoSvc := repository.NewService(repoStore, sessStore, log)
	wtMgr := worktree.NewManager(wtStore, repoStore, config.WorktreeConfig{
		BranchPrefix: "console/",
		MaxPerRepo:   50,
	}, filepath.Join(dir, "worktrees"), log)

	hub := NewHub(manager, memBus, log)
	require.NoError(t, hub.Start())
	t.Cleanup(hub.Stop)

	router := NewRouter(Deps{
		Sessions:     manager,
		Repositories: repoSvc,
		Worktrees:    wtMgr,
		Queue:        queue,
		Hub:          hub,
		Logger:       log,
	})

	return &testGateway{router: router, manager: manager, bus: memBus, hub: hub, queue: queue}
}

func (g *testGateway) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	g.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestRepositoryLifecycle(t *testing.T) {
	g := newTestGateway(t)
	repoDir := t.TempDir()

	rec := g.do(t, "POST", "/api/repositories", map[string]interface{}{"path": repoDir})
	require.Equal(t, 201, rec.Code, rec.Body.String())
	created := decodeBody(t, rec)["repository"].(map[string]interface{})
	id := created["id"].(string)
	assert.Equal(t, filepath.Base(repoDir), created["name"])

	// Same path again collides.
	rec = g.do(t, "POST", "/api/repositories", map[string]interface{}{"path": repoDir})
	assert.Equal(t, 409, rec.Code)

	rec = g.do(t, "GET", "/api/repositories", nil)
	require.Equal(t, 200, rec.Code)
	repos := decodeBody(t, rec)["repositories"].([]interface{})
	assert.Len(t, repos, 1)

	rec = g.do(t, "PATCH", "/api/repositories/"+id, map[string]interface{}{"description": "demo"})
	require.Equal(t, 200, rec.Code)
	updated := decodeBody(t, rec)["repository"].(map[string]interface{})
	assert.Equal(t, "demo", updated["description"])

	rec = g.do(t, "DELETE", "/api/repositories/"+id, nil)
	assert.Equal(t, 204, rec.Code)

	rec = g.do(t, "DELETE", "/api/repositories/"+id, nil)
	assert.Equal(t, 404, rec.Code)
}

func TestRepositoryRegisterValidation(t *testing.T) {
	g := newTestGateway(t)

	rec := g.do(t, "POST", "/api/repositories", map[string]interface{}{})
	assert.Equal(t, 400, rec.Code)

	rec = g.do(t, "POST", "/api/repositories", map[string]interface{}{"path": "/no/such/dir"})
	assert.Equal(t, 400, rec.Code)
}

func TestJobEndpoints(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	rec := g.do(t, "GET", "/api/jobs?limit=0", nil)
	assert.Equal(t, 400, rec.Code)
	rec = g.do(t, "GET", "/api/jobs?limit=abc", nil)
	assert.Equal(t, 400, rec.Code)
	rec = g.do(t, "GET", "/api/jobs?offset=-1", nil)
	assert.Equal(t, 400, rec.Code)

	rec = g.do(t, "GET", "/api/jobs", nil)
	require.Equal(t, 200, rec.Code)
	assert.EqualValues(t, 0, decodeBody(t, rec)["total"])

	rec = g.do(t, "GET", "/api/jobs/missing", nil)
	assert.Equal(t, 404, rec.Code)
	rec = g.do(t, "POST", "/api/jobs/missing/retry", nil)
	assert.Equal(t, 404, rec.Code)

	id, err := g.queue.Enqueue(ctx, "demo.task", json.RawMessage(`{}`), jobs.EnqueueOptions{})
	require.NoError(t, err)

	rec = g.do(t, "GET", "/api/jobs/"+id, nil)
	require.Equal(t, 200, rec.Code)

	rec = g.do(t, "GET", "/api/jobs/stats", nil)
	require.Equal(t, 200, rec.Code)
	assert.EqualValues(t, 1, decodeBody(t, rec)["pending"])

	// Retry is for stalled jobs only.
	rec = g.do(t, "POST", "/api/jobs/"+id+"/retry", nil)
	assert.Equal(t, 400, rec.Code)

	rec = g.do(t, "DELETE", "/api/jobs/"+id, nil)
	assert.Equal(t, 200, rec.Code)
	rec = g.do(t, "GET", "/api/jobs/"+id, nil)
	assert.Equal(t, 404, rec.Code)
}

func TestWorktreeCreateIsAsync(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	rec := g.do(t, "POST", "/api/repositories/repo-1/worktrees", map[string]interface{}{
		"mode":   "prompt",
		"prompt": "add oauth2 login",
	})
	require.Equal(t, 202, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["accepted"])
	jobID := body["jobId"].(string)

	job, err := g.queue.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.TypeWorktreeCreate, job.Type)
	assert.Equal(t, jobs.StatusPending, job.Status)
}

func TestWorktreeCreateValidation(t *testing.T) {
	g := newTestGateway(t)

	rec := g.do(t, "POST", "/api/repositories/repo-1/worktrees", map[string]interface{}{
		"mode": "prompt",
	})
	assert.Equal(t, 400, rec.Code)

	rec = g.do(t, "POST", "/api/repositories/repo-1/worktrees", map[string]interface{}{
		"mode": "custom",
	})
	assert.Equal(t, 400, rec.Code)

	rec = g.do(t, "POST", "/api/repositories/repo-1/worktrees", map[string]interface{}{
		"mode": "bogus",
	})
	assert.Equal(t, 400, rec.Code)
}

func TestWorktreeDeleteWithTaskIDIsAsync(t *testing.T) {
	g := newTestGateway(t)
	ctx := context.Background()

	rec := g.do(t, "DELETE", "/api/repositories/repo-1/worktrees/tmp/wt-1?taskId=task-9", nil)
	require.Equal(t, 202, rec.Code, rec.Body.String())

	jobID := decodeBody(t, rec)["jobId"].(string)
	job, err := g.queue.Get(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, jobs.TypeWorktreeDelete, job.Type)
}

func TestWorktreeListUnknownRepository(t *testing.T) {
	g := newTestGateway(t)

	rec := g.do(t, "GET", "/api/repositories/nope/worktrees", nil)
	assert.Equal(t, 404, rec.Code)
}

func TestSessionEndpoints(t *testing.T) {
	g := newTestGateway(t)

	rec := g.do(t, "POST", "/api/sessions", map[string]interface{}{
		"type":    "quick",
		"path":    t.TempDir(),
		"agentId": "test-agent",
	})
	require.Equal(t, 201, rec.Code, rec.Body.String())
	sess := decodeBody(t, rec)["session"].(map[string]interface{})
	id := sess["id"].(string)

	rec = g.do(t, "GET", "/api/sessions", nil)
	require.Equal(t, 200, rec.Code)
	assert.Len(t, decodeBody(t, rec)["sessions"].([]interface{}), 1)

	rec = g.do(t, "DELETE", "/api/sessions/"+id, nil)
	assert.Equal(t, 204, rec.Code)

	rec = g.do(t, "DELETE", "/api/sessions/"+id, nil)
	assert.Equal(t, 404, rec.Code)
}

func readMessage(t *testing.T, conn *gorillaws.Conn) *ws.Message {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var msg ws.Message
	require.NoError(t, msg.Decode(data))
	return &msg
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func TestDashboardSyncAndBroadcast(t *testing.T) {
	g := newTestGateway(t)
	srv := httptest.NewServer(g.router)
	defer srv.Close()

	conn, _, err := gorillaws.DefaultDialer.Dial(wsURL(srv, "/ws/dashboard"), nil)
	require.NoError(t, err)
	defer conn.Close()

	msg := readMessage(t, conn)
	assert.Equal(t, ws.TypeSessionsSync, msg.Type)

	var sync struct {
		Sessions []json.RawMessage `json:"sessions"`
	}
	require.NoError(t, msg.ParsePayload(&sync))
	assert.Empty(t, sync.Sessions)

	event := bus.NewEvent(events.SessionCreated, "test", map[string]interface{}{"session_id": "s-1"})
	require.NoError(t, g.bus.Publish(context.Background(), events.SessionCreated, event))

	msg = readMessage(t, conn)
	assert.Equal(t, ws.TypeSessionCreated, msg.Type)
}

func TestDashboardBroadcastsArriveInPublishOrder(t *testing.T) {
	g := newTestGateway(t)
	srv := httptest.NewServer(g.router)
	defer srv.Close()

	conn, _, err := gorillaws.DefaultDialer.Dial(wsURL(srv, "/ws/dashboard"), nil)
	require.NoError(t, err)
	defer conn.Close()

	readMessage(t, conn) // sessions-sync

	// Alternate event families so ordering is checked across subjects, not
	// just within one.
	types := []string{events.SessionUpdated, events.WorkerExited}
	ctx := context.Background()
	const n = 40
	for i := 0; i < n; i++ {
		eventType := types[i%len(types)]
		event := bus.NewEvent(eventType, "test", map[string]interface{}{"seq": i})
		require.NoError(t, g.bus.Publish(ctx, eventType, event))
	}

	for i := 0; i < n; i++ {
		msg := readMessage(t, conn)
		var payload struct {
			Seq int `json:"seq"`
		}
		require.NoError(t, msg.ParsePayload(&payload))
		require.Equal(t, i, payload.Seq)
	}
}

func TestDashboardUnmappedEventNotBroadcast(t *testing.T) {
	g := newTestGateway(t)
	srv := httptest.NewServer(g.router)
	defer srv.Close()

	conn, _, err := gorillaws.DefaultDialer.Dial(wsURL(srv, "/ws/dashboard"), nil)
	require.NoError(t, err)
	defer conn.Close()

	readMessage(t, conn) // sessions-sync

	event := bus.NewEvent(events.WorkerCreated, "test", nil)
	require.NoError(t, g.bus.Publish(context.Background(), events.WorkerCreated, event))

	event = bus.NewEvent(events.WorkerExited, "test", map[string]interface{}{"worker_id": "w-1"})
	require.NoError(t, g.bus.Publish(context.Background(), events.WorkerExited, event))

	// The mapped event arrives; the unmapped one was skipped.
	msg := readMessage(t, conn)
	assert.Equal(t, ws.TypeWorkerExited, msg.Type)
}

func TestWorkerTerminalChannel(t *testing.T) {
	g := newTestGateway(t)
	srv := httptest.NewServer(g.router)
	defer srv.Close()

	sess, err := g.manager.CreateSession(context.Background(), session.CreateSessionRequest{
		Type:    session.TypeQuick,
		Path:    t.TempDir(),
		AgentID: "test-agent",
	})
	require.NoError(t, err)
	workerID := sess.Workers[0].ID

	conn, _, err := gorillaws.DefaultDialer.Dial(
		wsURL(srv, "/ws/session/"+sess.ID+"/worker/"+workerID), nil)
	require.NoError(t, err)
	defer conn.Close()

	// The test agent is cat, so written bytes come back as output.
	frame := ws.MustMessage(ws.TypeWrite, writePayload{Data: []byte("hello\n")})
	data, err := frame.Encode()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(gorillaws.TextMessage, data))

	deadline := time.Now().Add(5 * time.Second)
	var got []byte
	for time.Now().Before(deadline) {
		msg := readMessage(t, conn)
		require.Equal(t, ws.TypeOutput, msg.Type)
		var p outputPayload
		require.NoError(t, msg.ParsePayload(&p))
		got = append(got, p.Data...)
		if strings.Contains(string(got), "hello") {
			break
		}
	}
	assert.Contains(t, string(got), "hello")
}

func TestWorkerTerminalReplaysScrollbackBeforeLiveOutput(t *testing.T) {
	g := newTestGateway(t)
	srv := httptest.NewServer(g.router)
	defer srv.Close()

	sess, err := g.manager.CreateSession(context.Background(), session.CreateSessionRequest{
		Type:    session.TypeQuick,
		Path:    t.TempDir(),
		AgentID: "test-agent",
	})
	require.NoError(t, err)
	workerID := sess.Workers[0].ID

	// Produce output before any client is connected.
	require.True(t, g.manager.WriteWorkerInput(sess.ID, workerID, []byte("early\n")))
	require.Eventually(t, func() bool {
		return strings.Contains(string(g.manager.GetWorkerOutputBuffer(sess.ID, workerID)), "early")
	}, 5*time.Second, 20*time.Millisecond)

	conn, _, err := gorillaws.DefaultDialer.Dial(
		wsURL(srv, "/ws/session/"+sess.ID+"/worker/"+workerID), nil)
	require.NoError(t, err)
	defer conn.Close()

	frame := ws.MustMessage(ws.TypeWrite, writePayload{Data: []byte("late\n")})
	data, err := frame.Encode()
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(gorillaws.TextMessage, data))

	deadline := time.Now().Add(5 * time.Second)
	var got []byte
	for time.Now().Before(deadline) {
		msg := readMessage(t, conn)
		require.Equal(t, ws.TypeOutput, msg.Type)
		var p outputPayload
		require.NoError(t, msg.ParsePayload(&p))
		got = append(got, p.Data...)
		if strings.Contains(string(got), "late") {
			break
		}
	}

	stream := string(got)
	early := strings.Index(stream, "early")
	late := strings.Index(stream, "late")
	require.GreaterOrEqual(t, early, 0, "scrollback was not replayed")
	require.GreaterOrEqual(t, late, 0, "live output never arrived")
	assert.Less(t, early, late, "scrollback must precede live output")
}

func TestWorkerChannelUnknownIDs(t *testing.T) {
	g := newTestGateway(t)
	srv := httptest.NewServer(g.router)
	defer srv.Close()

	_, resp, err := gorillaws.DefaultDialer.Dial(wsURL(srv, "/ws/session/nope/worker/nope"), nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 404, resp.StatusCode)
}

func TestHubDropsSlowClients(t *testing.T) {
	g := newTestGateway(t)
	srv := httptest.NewServer(g.router)
	defer srv.Close()

	conn, _, err := gorillaws.DefaultDialer.Dial(wsURL(srv, "/ws/dashboard"), nil)
	require.NoError(t, err)
	defer conn.Close()

	readMessage(t, conn)
	require.Equal(t, 1, g.hub.ClientCount())

	// Flood without reading; the hub must shed the client, not stall. The
	// payload is large enough to fill the socket buffers too.
	filler := strings.Repeat("x", 32*1024)
	for i := 0; i < clientSendBuffer*4; i++ {
		g.hub.Broadcast(ws.MustMessage(ws.TypeSessionUpdated, map[string]string{"filler": filler}))
	}

	require.Eventually(t, func() bool {
		return g.hub.ClientCount() == 0
	}, 5*time.Second, 10*time.Millisecond)
}
