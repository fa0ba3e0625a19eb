package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"go.uber.org/zap"

	"linkup/internal/models"
	"linkup/internal/observability"
)

var ErrHubClosed = errors.New("websocket hub is closed")

type registration struct {
	client *Client
	done   chan struct{}
}

// Hub owns the set of live clients keyed by session id. Registration and
// removal go through the run loop; Deliver only reads the set.
type Hub struct {
	clients    map[string]*Client
	register   chan registration
	unregister chan *Client
	mu         sync.RWMutex
	logger     *zap.Logger
	metrics    *observability.Collector
	closed     chan struct{}
}

func NewHub(logger *zap.Logger, metrics *observability.Collector) *Hub {
	return &Hub{
		clients:    make(map[string]*Client),
		register:   make(chan registration),
		unregister: make(chan *Client),
		logger:     logger.Named("websocket"),
		metrics:    metrics,
		closed:     make(chan struct{}),
	}
}

// Run processes registrations until ctx is cancelled, then closes every
// client's send channel.
func (h *Hub) Run(ctx context.Context) error {
	h.logger.Info("WebSocket hub started")
	defer close(h.closed)

	for {
		select {
		case reg := <-h.register:
			client := reg.client
			h.mu.Lock()
			h.clients[client.session.ID] = client
			total := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("Client connected",
				zap.String("session_id", client.session.ID),
				zap.String("username", client.session.Username),
				zap.Int("total_clients", total))

			welcome := models.WebSocketMessage{
				Type: models.EventSystem,
				Payload: map[string]interface{}{
					"message":    "Connected to chat server",
					"session_id": client.session.ID,
				},
			}
			if data, err := json.Marshal(welcome); err == nil {
				client.send <- data
			}
			close(reg.done)

		case client := <-h.unregister:
			h.mu.Lock()
			if existing, ok := h.clients[client.session.ID]; ok && existing == client {
				delete(h.clients, client.session.ID)
				close(client.send)
				h.logger.Info("Client disconnected",
					zap.String("session_id", client.session.ID),
					zap.String("username", client.session.Username),
					zap.Int("remaining_clients", len(h.clients)))
			}
			h.mu.Unlock()

		case <-ctx.Done():
			h.mu.Lock()
			for id, client := range h.clients {
				close(client.send)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			h.logger.Info("WebSocket hub stopped")
			return nil
		}
	}
}

// Register adds a client and returns once the run loop has taken it, so
// events delivered afterwards reach it.
func (h *Hub) Register(c *Client) error {
	reg := registration{client: c, done: make(chan struct{})}
	select {
	case h.register <- reg:
	case <-h.closed:
		return ErrHubClosed
	}
	<-reg.done
	return nil
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.closed:
	}
}

// Deliver enqueues payload on each listed session without blocking. A client
// whose buffer is full is dropped.
func (h *Hub) Deliver(sessionIDs []string, payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, id := range sessionIDs {
		client, ok := h.clients[id]
		if !ok {
			continue
		}
		select {
		case client.send <- payload:
		default:
			h.logger.Warn("Send buffer full, dropping client",
				zap.String("session_id", id),
				zap.String("username", client.session.Username))
			h.metrics.RecordDroppedEvent()
			go h.Unregister(client)
		}
	}
}

// ClientCount returns the number of registered clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
