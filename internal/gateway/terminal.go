package gateway

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentconsole/agent-console/internal/common/logger"
	"github.com/agentconsole/agent-console/internal/gitdiff"
	"github.com/agentconsole/agent-console/internal/session"
	ws "github.com/agentconsole/agent-console/pkg/websocket"
)

// outputPayload carries raw terminal bytes, base64 inside the JSON frame.
type outputPayload struct {
	Data []byte `json:"data"`
}

type exitPayload struct {
	Code int `json:"code"`
}

type writePayload struct {
	Data []byte `json:"data"`
}

type resizePayload struct {
	Cols uint16 `json:"cols"`
	Rows uint16 `json:"rows"`
}

type refPayload struct {
	Ref string `json:"ref"`
}

type fileLinesRequest struct {
	Path  string `json:"path"`
	Start int    `json:"start"`
	End   int    `json:"end"`
	Ref   string `json:"ref,omitempty"`
}

// WorkerSocketHandler serves the per-worker WebSocket channels. Terminal and
// agent workers speak the terminal protocol; git-diff workers speak the diff
// protocol.
type WorkerSocketHandler struct {
	manager *session.Manager
	logger  *logger.Logger
}

// NewWorkerSocketHandler creates the per-worker channel handler.
func NewWorkerSocketHandler(manager *session.Manager, log *logger.Logger) *WorkerSocketHandler {
	return &WorkerSocketHandler{
		manager: manager,
		logger:  log.WithFields(zap.String("component", "worker-socket")),
	}
}

// Handle routes /ws/session/:sid/worker/:wid to the protocol matching the
// worker type.
func (h *WorkerSocketHandler) Handle(c *gin.Context) {
	sessionID := c.Param("sid")
	workerID := c.Param("wid")

	sess := h.manager.GetSession(sessionID)
	if sess == nil {
		c.JSON(404, gin.H{"error": gin.H{"message": "session not found"}})
		return
	}
	worker := sess.WorkerByID(workerID)
	if worker == nil {
		c.JSON(404, gin.H{"error": gin.H{"message": "worker not found"}})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("worker channel upgrade failed", zap.Error(err))
		return
	}

	if worker.Type == session.WorkerGitDiff {
		h.serveDiff(conn, sess, worker)
		return
	}
	h.serveTerminal(conn, sessionID, workerID)
}

// serveTerminal streams PTY output to the client and forwards write/resize
// frames back. Disconnect detaches the callbacks; the worker keeps running.
func (h *WorkerSocketHandler) serveTerminal(conn *gorillaws.Conn, sessionID, workerID string) {
	send := make(chan []byte, clientSendBuffer)
	done := make(chan struct{})

	enqueue := func(msg *ws.Message) {
		data, err := msg.Encode()
		if err != nil {
			h.logger.Error("failed to encode terminal frame", zap.Error(err))
			return
		}
		select {
		case send <- data:
		case <-done:
		default:
			// A reader this far behind on its own terminal is gone.
			h.logger.Warn("terminal client not keeping up, closing",
				zap.String("worker_id", workerID))
			conn.Close()
		}
	}

	// Live callbacks hold until the scrollback snapshot is queued, so the
	// client always sees buffered output first, then live bytes, with no
	// chunk duplicated between the two.
	replayed := make(chan struct{})
	snapshot, attached := h.manager.AttachWorkerCallbacks(sessionID, workerID, session.WorkerCallbacks{
		OnData: func(data []byte) {
			<-replayed
			buf := make([]byte, len(data))
			copy(buf, data)
			enqueue(ws.MustMessage(ws.TypeOutput, outputPayload{Data: buf}))
		},
		OnExit: func(code int) {
			<-replayed
			enqueue(ws.MustMessage(ws.TypeExit, exitPayload{Code: code}))
		},
	})
	if !attached {
		conn.Close()
		return
	}
	defer h.manager.DetachWorkerCallbacks(sessionID, workerID)

	if len(snapshot) > 0 {
		enqueue(ws.MustMessage(ws.TypeOutput, outputPayload{Data: snapshot}))
	}
	close(replayed)

	go func() {
		defer conn.Close()
		for {
			select {
			case data, ok := <-send:
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				if !ok {
					return
				}
				if err := conn.WriteMessage(gorillaws.TextMessage, data); err != nil {
					return
				}
			case <-done:
				return
			}
		}
	}()
	defer close(done)

	dispatcher := ws.NewDispatcher()
	dispatcher.RegisterFunc(ws.TypeWrite, func(_ context.Context, msg *ws.Message) error {
		var p writePayload
		if err := msg.ParsePayload(&p); err != nil {
			return err
		}
		h.manager.WriteWorkerInput(sessionID, workerID, p.Data)
		return nil
	})
	dispatcher.RegisterFunc(ws.TypeResize, func(_ context.Context, msg *ws.Message) error {
		var p resizePayload
		if err := msg.ParsePayload(&p); err != nil {
			return err
		}
		h.manager.ResizeWorker(sessionID, workerID, p.Cols, p.Rows)
		return nil
	})

	h.readLoop(conn, dispatcher, workerID)
}

// serveDiff speaks the git-diff protocol over the worker channel. An initial
// snapshot goes out on connect; after that the client drives.
func (h *WorkerSocketHandler) serveDiff(conn *gorillaws.Conn, sess *session.Session, worker *session.Worker) {
	defer conn.Close()

	computer := gitdiff.NewComputer(sess.Path, worker.BaseCommit)

	// All writes happen from the read loop, so no writer goroutine.
	write := func(msg *ws.Message) error {
		data, err := msg.Encode()
		if err != nil {
			return err
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		return conn.WriteMessage(gorillaws.TextMessage, data)
	}

	sendSnapshot := func(ctx context.Context) error {
		snap, err := computer.Compute(ctx)
		if err != nil {
			return write(ws.MustMessage(ws.TypeDiffError, gin.H{"error": err.Error()}))
		}
		return write(ws.MustMessage(ws.TypeDiffData, gin.H{"data": snap}))
	}

	if err := sendSnapshot(context.Background()); err != nil {
		return
	}

	dispatcher := ws.NewDispatcher()
	dispatcher.RegisterFunc(ws.TypeRefresh, func(ctx context.Context, _ *ws.Message) error {
		return sendSnapshot(ctx)
	})
	dispatcher.RegisterFunc(ws.TypeSetBaseCommit, func(ctx context.Context, msg *ws.Message) error {
		var p refPayload
		if err := msg.ParsePayload(&p); err != nil {
			return err
		}
		computer.SetBaseCommit(p.Ref)
		return sendSnapshot(ctx)
	})
	dispatcher.RegisterFunc(ws.TypeSetTargetCommit, func(ctx context.Context, msg *ws.Message) error {
		var p refPayload
		if err := msg.ParsePayload(&p); err != nil {
			return err
		}
		computer.SetTargetCommit(p.Ref)
		return sendSnapshot(ctx)
	})
	dispatcher.RegisterFunc(ws.TypeRequestFileLines, func(ctx context.Context, msg *ws.Message) error {
		var p fileLinesRequest
		if err := msg.ParsePayload(&p); err != nil {
			return err
		}
		lines, err := computer.Lines(ctx, p.Path, p.Start, p.End, p.Ref)
		if err != nil {
			return write(ws.MustMessage(ws.TypeDiffError, gin.H{"error": err.Error()}))
		}
		return write(ws.MustMessage(ws.TypeFileLines, lines))
	})

	h.readLoop(conn, dispatcher, worker.ID)
}

// readLoop parses inbound frames and dispatches them. Unknown types are
// logged, not fatal; malformed frames likewise.
func (h *WorkerSocketHandler) readLoop(conn *gorillaws.Conn, dispatcher *ws.Dispatcher, workerID string) {
	conn.SetReadLimit(1024 * 1024)
	ctx := context.Background()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg ws.Message
		if err := msg.Decode(data); err != nil {
			h.logger.Debug("malformed worker frame",
				zap.String("worker_id", workerID),
				zap.Error(err))
			continue
		}
		if err := dispatcher.Dispatch(ctx, &msg); err != nil {
			h.logger.Debug("worker frame not handled",
				zap.String("worker_id", workerID),
				zap.String("type", msg.Type),
				zap.Error(err))
		}
	}
}
