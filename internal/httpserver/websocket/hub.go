// Package websocket streams approval gate events to connected API clients.
package websocket

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relicta-tech/promoter/internal/domain/promotion/domain"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	// Clients only send control frames.
	maxMessageSize = 4 * 1024
	sendBuffer     = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Origin is enforced by the CORS middleware.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Message is one event frame.
type Message struct {
	Type    string `json:"type"`
	RunID   string `json:"run_id"`
	Payload any    `json:"payload"`
}

// event is a gate transition queued for the hub loop.
type event struct {
	frame    []byte
	runID    string
	pending  *domain.PendingApproval
	resolved bool
}

// client is one subscriber. An empty runID receives every run.
type client struct {
	hub   *Hub
	conn  *websocket.Conn
	runID string
	send  chan []byte
}

func (c *client) wants(runID string) bool {
	return c.runID == "" || c.runID == runID
}

// Hub fans gate events out to subscribers. It keeps the set of suspended
// runs so a client that connects while a run waits at the gate receives a
// gate.pending frame for it before any live event.
type Hub struct {
	clients    map[*client]struct{}
	suspended  map[string]replay
	events     chan event
	register   chan *client
	unregister chan *client
	done       chan struct{}
	closeOnce  sync.Once
	count      sync.Mutex
	n          int
	logger     *slog.Logger
}

type replay struct {
	since time.Time
	frame []byte
}

// NewHub creates a hub. Run must be started before clients connect.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*client]struct{}),
		suspended:  make(map[string]replay),
		events:     make(chan event, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		logger:     slog.Default().With("component", "event_hub"),
	}
}

// Run owns the client set and the suspended-run table until ctx is done or
// Close is called.
func (h *Hub) Run(ctx context.Context) {
	defer h.shutdown()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case c := <-h.register:
			h.drain()
			h.attach(c)
		case c := <-h.unregister:
			h.detach(c)
		case ev := <-h.events:
			h.apply(ev)
		}
	}
}

func (h *Hub) attach(c *client) {
	for _, r := range h.replayFor(c) {
		c.send <- r
	}
	h.clients[c] = struct{}{}
	h.setCount(len(h.clients))
	h.logger.Debug("event client connected", "clients", len(h.clients), "run_id", c.runID)
}

// replayFor returns the pending frames a new client should see, oldest first.
// The send buffer is sized so a replay never blocks the loop.
func (h *Hub) replayFor(c *client) [][]byte {
	var rs []replay
	for runID, r := range h.suspended {
		if c.wants(runID) {
			rs = append(rs, r)
		}
	}
	sort.Slice(rs, func(i, j int) bool { return rs[i].since.Before(rs[j].since) })
	if len(rs) > sendBuffer {
		rs = rs[len(rs)-sendBuffer:]
	}
	frames := make([][]byte, len(rs))
	for i, r := range rs {
		frames[i] = r.frame
	}
	return frames
}

// drain applies queued events so a new client's replay reflects every
// transition published before it connected.
func (h *Hub) drain() {
	for {
		select {
		case ev := <-h.events:
			h.apply(ev)
		default:
			return
		}
	}
}

func (h *Hub) detach(c *client) {
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.setCount(len(h.clients))
	h.logger.Debug("event client disconnected", "clients", len(h.clients))
}

func (h *Hub) apply(ev event) {
	switch {
	case ev.pending != nil:
		h.suspended[ev.runID] = replay{since: ev.pending.Since, frame: ev.frame}
	case ev.resolved:
		delete(h.suspended, ev.runID)
	}
	for c := range h.clients {
		if !c.wants(ev.runID) {
			continue
		}
		select {
		case c.send <- ev.frame:
		default:
			h.logger.Warn("dropping slow event client", "run_id", c.runID)
			delete(h.clients, c)
			close(c.send)
		}
	}
	h.setCount(len(h.clients))
}

func (h *Hub) shutdown() {
	h.Close()
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
	h.setCount(0)
}

// Close stops the hub; connected clients receive a close frame.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

// publish queues a gate transition. Events published after Close are dropped.
func (h *Hub) publish(msg Message, pending *domain.PendingApproval, resolved bool) {
	frame, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to encode event", "type", msg.Type, "error", err)
		return
	}
	select {
	case <-h.done:
		return
	default:
	}
	select {
	case h.events <- event{frame: frame, runID: msg.RunID, pending: pending, resolved: resolved}:
	case <-h.done:
	default:
		h.logger.Warn("event queue full, dropping event", "type", msg.Type, "run_id", msg.RunID)
	}
}

func (h *Hub) setCount(n int) {
	h.count.Lock()
	h.n = n
	h.count.Unlock()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.count.Lock()
	defer h.count.Unlock()
	return h.n
}

// HandleConnection upgrades the request and subscribes it. The optional
// run_id query parameter restricts the stream to one run.
func (h *Hub) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := &client{
		hub:   h,
		conn:  conn,
		runID: r.URL.Query().Get("run_id"),
		send:  make(chan []byte, sendBuffer),
	}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

// readPump discards client frames and detects disconnects.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug("websocket read error", "error", err)
			}
			return
		}
	}
}

// writePump sends one event per text frame and keeps the connection alive.
func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
