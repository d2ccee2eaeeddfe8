// Package websocket provides the socket notification channel. Clients connect,
// receive a socket id, and bind subscriptions to that socket; the dispatcher
// then pushes messages to the bound socket by id.
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrSocketNotFound is returned when pushing to a socket id that is not
	// connected to this hub.
	ErrSocketNotFound = errors.New("websocket: socket not connected")
	// ErrSocketBusy is returned when the socket's send buffer is full.
	ErrSocketBusy = errors.New("websocket: socket send buffer full")
)

// Message types sent by the server.
const (
	TypeWelcome = "welcome"
	TypeBound   = "bound"
	TypeError   = "error"
)

// ServerMessage is a control frame sent from the server to a client.
type ServerMessage struct {
	Type           string `json:"type"`
	SocketID       string `json:"socketId,omitempty"`
	SubscriptionID string `json:"subscriptionId,omitempty"`
	Error          string `json:"error,omitempty"`
}

// ClientMessage represents an inbound message from a WebSocket client.
type ClientMessage struct {
	Action         string `json:"action"`
	SubscriptionID string `json:"subscriptionId"`
}

// Client represents a single WebSocket connection.
type Client struct {
	ID   string
	Send chan []byte

	mu            sync.Mutex
	subscriptions []string
}

// NewClient creates a client with a buffered send channel.
func NewClient(id string) *Client {
	return &Client{ID: id, Send: make(chan []byte, 64)}
}

func (c *Client) addSubscription(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subscriptions = append(c.subscriptions, id)
}

// Subscriptions returns the subscription ids bound through this client.
func (c *Client) Subscriptions() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.subscriptions))
	copy(out, c.subscriptions)
	return out
}

// Hub tracks connected clients by socket id. All operations are thread-safe
// via sync.RWMutex.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

// NewHub creates a new Hub ready to manage WebSocket clients.
func NewHub() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

// Unregister removes a client and closes its Send channel. Unregistering an
// unknown client is a no-op.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if cur, ok := h.clients[client.ID]; !ok || cur != client {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
}

// PushToSocket queues a text message for the socket. It never blocks: a full
// buffer is reported as ErrSocketBusy.
func (h *Hub) PushToSocket(_ context.Context, socketID, message string) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	client, ok := h.clients[socketID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSocketNotFound, socketID)
	}
	select {
	case client.Send <- []byte(message):
		return nil
	default:
		return fmt.Errorf("%w: %s", ErrSocketBusy, socketID)
	}
}

// sendControl queues a JSON control frame, dropping it if the buffer is full.
func (h *Hub) sendControl(client *Client, msg ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	select {
	case client.Send <- data:
	default:
	}
}

// Connected reports whether socketID is registered.
func (h *Hub) Connected(socketID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[socketID]
	return ok
}

// ClientCount returns the total number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
