package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"

	"teleop-console/internal/live"
	"teleop-console/internal/statusbus"
)

// WSHub manages WebSocket connections and broadcasts events.
type WSHub struct {
	clients map[*wsClient]struct{}
	mu      sync.RWMutex
	logger  *slog.Logger

	register   chan *wsClient
	unregister chan *wsClient
	broadcast  chan any

	done     chan struct{}
	stopOnce sync.Once
}

// wsClient is one connection. send is closed by the hub; session pushes go
// through trySend so they never race with that close.
type wsClient struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.Mutex
	closed bool
}

func newWSClient(conn *websocket.Conn, buf int) *wsClient {
	return &wsClient{conn: conn, send: make(chan []byte, buf)}
}

// trySend queues msg without blocking. It reports false when the buffer is
// full or the client is closed.
func (c *wsClient) trySend(msg []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

func (c *wsClient) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub(logger *slog.Logger) *WSHub {
	return &WSHub{
		clients:    make(map[*wsClient]struct{}),
		logger:     logger,
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		broadcast:  make(chan any, 256),
		done:       make(chan struct{}),
	}
}

// Run starts the hub event loop.
func (h *WSHub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for client := range h.clients {
				client.close()
				delete(h.clients, client)
			}
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = struct{}{}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client connected", "total", total)

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.close()
			}
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Debug("ws client disconnected", "total", total)

		case msg := <-h.broadcast:
			data, err := json.Marshal(msg)
			if err != nil {
				h.logger.Error("ws marshal", "err", err)
				continue
			}
			h.mu.Lock()
			var slow []*wsClient
			for client := range h.clients {
				if !client.trySend(data) {
					slow = append(slow, client)
				}
			}
			for _, client := range slow {
				delete(h.clients, client)
				client.close()
				h.logger.Warn("ws client evicted (too slow)")
			}
			h.mu.Unlock()
		}
	}
}

// Stop signals the hub to shut down. Safe to call multiple times.
func (h *WSHub) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
	})
}

// Broadcast sends a message to all connected clients.
func (h *WSHub) Broadcast(msg any) {
	select {
	case h.broadcast <- msg:
	default:
		h.logger.Warn("ws broadcast channel full, dropping message")
	}
}

// wsRequest is a browser message. Fetched is the status from the page's
// last list call; it is reported until the bus delivers a live value.
type wsRequest struct {
	Op      string `json:"op"`
	Kind    string `json:"kind"`
	NodeID  int64  `json:"node_id"`
	ID      int64  `json:"id"`
	Fetched int    `json:"fetched"`
}

// statusMessage is pushed for every watched entity on mount and on change.
type statusMessage struct {
	Type   string `json:"type"`
	Kind   string `json:"kind"`
	NodeID int64  `json:"node_id"`
	ID     int64  `json:"id"`
	Status int    `json:"status"`
	Label  string `json:"label"`
	Live   bool   `json:"live"`
}

type errorMessage struct {
	Type  string `json:"type"`
	Error string `json:"error"`
}

// wsSession holds the watchers mounted by one browser connection.
type wsSession struct {
	client *wsClient
	bus    live.Subscriber
	set    *live.Set
	logger *slog.Logger
}

func (ss *wsSession) push(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		ss.logger.Error("ws marshal", "err", err)
		return
	}
	if !ss.client.trySend(data) {
		ss.logger.Warn("ws session push dropped")
	}
}

func (ss *wsSession) pushStatus(k statusbus.Key, fetched int, w *live.Watcher) {
	v := live.Merge(fetched, w)
	ss.push(statusMessage{
		Type:   "status",
		Kind:   k.Kind,
		NodeID: k.NodeID,
		ID:     k.ID,
		Status: v,
		Label:  statusLabel(k.Kind, v),
		Live:   w.Received(),
	})
}

// handle applies one browser message.
func (ss *wsSession) handle(req wsRequest) {
	k := statusbus.Key{Kind: req.Kind, NodeID: req.NodeID, ID: req.ID}
	if k.Kind == statusbus.KindNode {
		k.ID = 0
	}
	switch req.Op {
	case "watch":
		if ss.set.Has(k) {
			return
		}
		w, err := live.WatchKey(ss.bus, k)
		if err != nil {
			ss.push(errorMessage{Type: "error", Error: err.Error()})
			return
		}
		if !ss.set.Add(k, w) {
			return
		}
		fetched := req.Fetched
		w.OnChange(func(int) { ss.pushStatus(k, fetched, w) })
		ss.pushStatus(k, fetched, w)
	case "unwatch":
		ss.set.Remove(k)
	default:
		ss.push(errorMessage{Type: "error", Error: "unknown op " + req.Op})
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	opts := &websocket.AcceptOptions{}
	if len(s.allowedOrigins) > 0 {
		opts.OriginPatterns = s.allowedOrigins
	}
	// If no allowedOrigins configured, nhooyr defaults to same-origin check.

	conn, err := websocket.Accept(w, r, opts)
	if err != nil {
		s.logger.Error("ws accept", "err", err)
		return
	}

	conn.SetReadLimit(4096)

	client := newWSClient(conn, 64)

	select {
	case s.wsHub.register <- client:
	case <-s.wsHub.done:
		conn.Close(websocket.StatusGoingAway, "server shutdown")
		return
	}

	sess := &wsSession{client: client, bus: s.bus, set: live.NewSet(), logger: s.logger}
	s.metrics.AddSessions(1)
	defer s.metrics.AddSessions(-1)
	defer sess.set.Close()

	go s.wsWritePump(client)
	s.wsReadPump(sess)
}

func (s *Server) wsWritePump(client *wsClient) {
	for msg := range client.send {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		err := client.conn.Write(ctx, websocket.MessageText, msg)
		cancel()
		if err != nil {
			return
		}
	}
	// Channel closed by hub; close connection.
	client.conn.Close(websocket.StatusNormalClosure, "")
}

func (s *Server) wsReadPump(sess *wsSession) {
	client := sess.client
	defer func() {
		select {
		case s.wsHub.unregister <- client:
		case <-s.wsHub.done:
			// Hub already shut down; close connection directly.
			client.conn.Close(websocket.StatusGoingAway, "server shutdown")
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Cancel read context when hub shuts down.
	go func() {
		select {
		case <-s.wsHub.done:
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		_, data, err := client.conn.Read(ctx)
		if err != nil {
			return
		}
		if sess.bus == nil {
			continue
		}
		var req wsRequest
		if err := json.Unmarshal(data, &req); err != nil {
			sess.push(errorMessage{Type: "error", Error: "invalid message"})
			continue
		}
		sess.handle(req)
	}
}
