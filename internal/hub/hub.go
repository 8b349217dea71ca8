// Package hub broadcasts dashboard payloads to WebSocket subscribers.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/rewired-gh/linewatch/internal/dashboard"
	"github.com/rewired-gh/linewatch/internal/logger"
)

// MessageTypeDashboard tags dashboard payloads.
const MessageTypeDashboard = "dashboard"

// Message is the envelope sent to subscribers.
type Message struct {
	Type      string               `json:"type"`
	Payload   *dashboard.Dashboard `json:"payload"`
	Timestamp time.Time            `json:"timestamp"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub maintains the set of active clients and broadcasts messages to them
type Hub struct {
	clients   map[*Client]bool
	clientsMu sync.RWMutex

	broadcast  chan []byte
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	// last payload, replayed to new subscribers
	last   []byte
	lastMu sync.RWMutex
}

// New creates a hub. Run must be started before clients connect.
func New() *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		broadcast:  make(chan []byte, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main loop
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	logger.Info("WebSocket hub started")

	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return
		case c := <-h.register:
			h.registerClient(c)
		case c := <-h.unregister:
			h.unregisterClient(c)
		case msg := <-h.broadcast:
			h.broadcastMessage(msg)
		}
	}
}

// Register adds a client to the hub
func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		close(c.send)
	}
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// OnDashboardChanged queues a dashboard for every subscriber.
func (h *Hub) OnDashboardChanged(ctx context.Context, d *dashboard.Dashboard) error {
	msg, err := json.Marshal(Message{Type: MessageTypeDashboard, Payload: d, Timestamp: time.Now().UTC()})
	if err != nil {
		return fmt.Errorf("marshaling dashboard message: %w", err)
	}

	h.lastMu.Lock()
	h.last = msg
	h.lastMu.Unlock()

	select {
	case h.broadcast <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-h.done:
		return fmt.Errorf("hub stopped")
	}
}

// ServeHTTP upgrades the request to a WebSocket subscription.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warn("WebSocket upgrade error: %v", err)
		return
	}

	c := newClient(uuid.New().String(), conn, h)
	h.Register(c)

	go c.writePump()
	go c.readPump()
}

// ClientCount returns the number of active clients
func (h *Hub) ClientCount() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

func (h *Hub) registerClient(c *Client) {
	h.clientsMu.Lock()
	h.clients[c] = true
	n := len(h.clients)
	h.clientsMu.Unlock()

	h.lastMu.RLock()
	last := h.last
	h.lastMu.RUnlock()
	if last != nil {
		c.trySend(last)
	}
	logger.Debug("client %s connected (total: %d)", c.ID, n)
}

func (h *Hub) unregisterClient(c *Client) {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()

	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		logger.Debug("client %s disconnected after %s (total: %d)", c.ID, time.Since(c.connectedAt).Round(time.Second), len(h.clients))
	}
}

// broadcastMessage sends to every client; slow clients are disconnected.
func (h *Hub) broadcastMessage(msg []byte) {
	h.clientsMu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.clientsMu.RUnlock()

	dropped := 0
	for _, c := range clients {
		if !c.trySend(msg) {
			dropped++
			go h.Unregister(c)
		}
	}
	if dropped > 0 {
		logger.Warn("Disconnecting %d slow WebSocket client(s)", dropped)
	}
}

func (h *Hub) shutdown() {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()

	logger.Info("Shutting down WebSocket hub (%d active clients)", len(h.clients))
	for c := range h.clients {
		close(c.send)
		delete(h.clients, c)
	}
}
