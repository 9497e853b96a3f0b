package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	gorillaws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/agentconsole/agent-console/internal/common/logger"
	"github.com/agentconsole/agent-console/internal/events"
	"github.com/agentconsole/agent-console/internal/events/bus"
	"github.com/agentconsole/agent-console/internal/session"
	ws "github.com/agentconsole/agent-console/pkg/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second

	// Slow consumers get this much buffered broadcast before being dropped.
	clientSendBuffer = 256
)

var upgrader = gorillaws.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The server binds locally and carries no auth; browser origins vary
	// with the dev port.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// eventToMessageType maps bus event types to dashboard wire types.
var eventToMessageType = map[string]string{
	events.SessionCreated:            ws.TypeSessionCreated,
	events.SessionUpdated:            ws.TypeSessionUpdated,
	events.SessionDeleted:            ws.TypeSessionDeleted,
	events.WorkerActivityChanged:     ws.TypeWorkerActivityChanged,
	events.WorkerExited:              ws.TypeWorkerExited,
	events.WorktreeCreationCompleted: ws.TypeWorktreeCreateCompleted,
	events.WorktreeCreationFailed:    ws.TypeWorktreeCreateFailed,
	events.WorktreeDeletionCompleted: ws.TypeWorktreeDeleteCompleted,
	events.WorktreeDeletionFailed:    ws.TypeWorktreeDeleteFailed,
}

type dashClient struct {
	conn *gorillaws.Conn
	send chan []byte
}

// Hub fans bus events out to dashboard WebSocket clients. Every client gets a
// full sessions-sync on connect, then typed notifications as they occur. A
// client whose send buffer fills is dropped; the client reconnects and
// resyncs.
type Hub struct {
	manager *session.Manager
	bus     bus.EventBus
	logger  *logger.Logger

	mu      sync.Mutex
	clients map[*dashClient]struct{}
	subs    []bus.Subscription
	closed  bool
}

// NewHub creates the dashboard hub.
func NewHub(manager *session.Manager, eventBus bus.EventBus, log *logger.Logger) *Hub {
	return &Hub{
		manager: manager,
		bus:     eventBus,
		logger:  log.WithFields(zap.String("component", "dashboard-hub")),
		clients: make(map[*dashClient]struct{}),
	}
}

// Start subscribes the hub to the event stream. A single subscription keeps
// dashboard broadcasts in publish order; per-family subscriptions would let
// unrelated families interleave.
func (h *Hub) Start() error {
	sub, err := h.bus.Subscribe(events.AllSubject(), h.handleEvent)
	if err != nil {
		return err
	}
	h.mu.Lock()
	h.subs = append(h.subs, sub)
	h.mu.Unlock()
	return nil
}

// Stop unsubscribes from the bus and disconnects every client.
func (h *Hub) Stop() {
	h.mu.Lock()
	h.closed = true
	subs := h.subs
	h.subs = nil
	clients := make([]*dashClient, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clients = make(map[*dashClient]struct{})
	h.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			h.logger.Warn("failed to unsubscribe", zap.Error(err))
		}
	}
	for _, c := range clients {
		close(c.send)
	}
}

func (h *Hub) handleEvent(_ context.Context, event *bus.Event) error {
	msgType, ok := eventToMessageType[event.Type]
	if !ok {
		h.logger.Debug("unmapped event type", zap.String("type", event.Type))
		return nil
	}
	h.Broadcast(ws.MustMessage(msgType, event.Data))
	return nil
}

// Broadcast sends a message to every connected dashboard client.
func (h *Hub) Broadcast(msg *ws.Message) {
	data, err := msg.Encode()
	if err != nil {
		h.logger.Error("failed to encode broadcast", zap.Error(err))
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			// Backpressure means the client is not reading. Cut it off
			// rather than stalling the hub.
			h.logger.Warn("dropping slow dashboard client")
			delete(h.clients, c)
			close(c.send)
		}
	}
}

// ClientCount returns the number of connected dashboard clients.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// HandleDashboard upgrades the connection and serves the dashboard channel.
func (h *Hub) HandleDashboard(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("dashboard upgrade failed", zap.Error(err))
		return
	}

	client := &dashClient{conn: conn, send: make(chan []byte, clientSendBuffer)}

	views, err := h.manager.Snapshot(c.Request.Context())
	if err != nil {
		h.logger.Error("failed to snapshot sessions", zap.Error(err))
		conn.Close()
		return
	}
	syncMsg, err := ws.NewMessage(ws.TypeSessionsSync, map[string]interface{}{"sessions": views})
	if err != nil {
		h.logger.Error("failed to encode sessions-sync", zap.Error(err))
		conn.Close()
		return
	}
	data, _ := syncMsg.Encode()

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[client] = struct{}{}
	h.mu.Unlock()

	// The sync frame rides the send channel so ordering against broadcasts
	// published between snapshot and register is preserved per connection.
	client.send <- data

	go h.writePump(client)
	h.readPump(client)
}

func (h *Hub) writePump(c *dashClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(gorillaws.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(gorillaws.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(gorillaws.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes inbound frames. The dashboard channel is server to
// client; anything the client sends is logged and ignored.
func (h *Hub) readPump(c *dashClient) {
	defer h.remove(c)

	c.conn.SetReadLimit(64 * 1024)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		var msg ws.Message
		if err := msg.Decode(data); err != nil {
			h.logger.Debug("malformed dashboard frame", zap.Error(err))
			continue
		}
		h.logger.Debug("ignoring inbound dashboard message", zap.String("type", msg.Type))
	}
}

func (h *Hub) remove(c *dashClient) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
	c.conn.Close()
}
