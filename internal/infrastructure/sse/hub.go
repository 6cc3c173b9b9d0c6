// Package sse fans state machine events out to server-sent-event clients.
package sse

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/dataspace-hub/connector/internal/application/statemachine"
)

const clientBuffer = 100

// Message is one event written to a client.
type Message struct {
	ID        string          `json:"id"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`
}

// Client is an open event stream. An empty Processes set receives everything.
type Client struct {
	ID          string
	Processes   map[string]bool
	EntityID    string
	ConnectedAt time.Time
	Messages    chan *Message
}

// NewClient creates a client subscribed to the named processes.
func NewClient(id string, processes []string, entityID string) *Client {
	c := &Client{
		ID:          id,
		Processes:   make(map[string]bool, len(processes)),
		EntityID:    entityID,
		ConnectedAt: time.Now().UTC(),
		Messages:    make(chan *Message, clientBuffer),
	}
	for _, p := range processes {
		c.Processes[p] = true
	}
	return c
}

func (c *Client) wants(ev statemachine.Event) bool {
	if len(c.Processes) > 0 && !c.Processes[ev.Process] {
		return false
	}
	return c.EntityID == "" || c.EntityID == ev.EntityID
}

// Hub manages SSE clients.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	logger  zerolog.Logger
}

func NewHub(logger zerolog.Logger) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		logger:  logger.With().Str("service", "sse").Logger(),
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if old, ok := h.clients[client.ID]; ok {
		close(old.Messages)
	}
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[client.ID]; ok && c == client {
		close(c.Messages)
		delete(h.clients, client.ID)
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Notify implements statemachine.Listener. Slow clients miss events rather
// than blocking the manager.
func (h *Hub) Notify(ev statemachine.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Warn().Err(err).Msg("failed to encode event")
		return
	}
	msg := &Message{ID: uuid.New().String(), Event: string(ev.Kind), Data: data, Timestamp: ev.At}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		if c.wants(ev) && !trySend(c, msg) {
			h.logger.Debug().Str("client_id", c.ID).Str("entity_id", ev.EntityID).Msg("client buffer full, event dropped")
		}
	}
}

func (h *Hub) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		close(c.Messages)
		delete(h.clients, id)
	}
}

func trySend(c *Client, msg *Message) bool {
	select {
	case c.Messages <- msg:
		return true
	default:
		return false
	}
}
