// Package ws implements the WebSocket adapter that streams task transitions
// and agent health changes to observers.
package ws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/Strob0t/switchboard/internal/domain/event"
	"github.com/Strob0t/switchboard/internal/port/broadcast"
)

// writeTimeout bounds a single write so a stalled client cannot hold up a
// broadcast.
const writeTimeout = 5 * time.Second

// Message is the envelope for all WebSocket messages.
type Message struct {
	Type    event.Type      `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// filter narrows the task transitions a connection receives. Agent and
// circuit events are sent to every connection.
type filter struct {
	taskID    string
	sessionID string
}

func (f filter) match(taskID, sessionID string) bool {
	if f.taskID != "" && f.taskID != taskID {
		return false
	}
	if f.sessionID != "" && f.sessionID != sessionID {
		return false
	}
	return true
}

// conn wraps a single WebSocket connection.
type conn struct {
	ws     *websocket.Conn
	filter filter
	cancel context.CancelFunc
	mu     sync.Mutex // serializes writes
}

// Hub manages all active WebSocket connections and broadcasts messages.
type Hub struct {
	mu    sync.RWMutex
	conns map[*conn]struct{}
	log   *slog.Logger
}

var _ broadcast.Broadcaster = (*Hub)(nil)

// NewHub creates a new WebSocket hub.
func NewHub(log *slog.Logger) *Hub {
	return &Hub{
		conns: make(map[*conn]struct{}),
		log:   log,
	}
}

// HandleWS upgrades the request to a WebSocket and blocks until the client
// goes away. The optional task_id and session_id query parameters restrict
// which task transitions the client receives.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // CORS handled by middleware
	})
	if err != nil {
		h.log.Error("websocket accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	c := &conn{
		ws:     ws,
		cancel: cancel,
		filter: filter{
			taskID:    r.URL.Query().Get("task_id"),
			sessionID: r.URL.Query().Get("session_id"),
		},
	}

	h.mu.Lock()
	h.conns[c] = struct{}{}
	h.mu.Unlock()

	h.log.Info("websocket connected", "remote", r.RemoteAddr, "task_id", c.filter.taskID, "session_id", c.filter.sessionID)

	// Read loop (to detect disconnects and consume pings)
	defer func() {
		h.remove(c)
		_ = ws.Close(websocket.StatusNormalClosure, "")
	}()
	for {
		if _, _, err := ws.Read(ctx); err != nil {
			return
		}
	}
}

// Broadcast sends a message to every connection whose filter matches the
// given task and session. Empty ids match every connection.
func (h *Hub) Broadcast(ctx context.Context, msg Message, taskID, sessionID string) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.log.Error("websocket marshal failed", "error", err)
		return
	}

	h.mu.RLock()
	targets := make([]*conn, 0, len(h.conns))
	for c := range h.conns {
		if taskID == "" && sessionID == "" || c.filter.match(taskID, sessionID) {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if err := c.write(ctx, data); err != nil {
			h.log.Debug("websocket write failed", "error", err)
			h.remove(c)
		}
	}
}

func (c *conn) write(ctx context.Context, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), writeTimeout)
	defer cancel()
	return c.ws.Write(ctx, websocket.MessageText, data)
}

// ConnectionCount returns the number of active connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

func (h *Hub) remove(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.conns[c]; ok {
		c.cancel()
		delete(h.conns, c)
		h.log.Info("websocket disconnected")
	}
}
