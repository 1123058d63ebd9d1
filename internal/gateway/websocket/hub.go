// Package websocket is the push side of the bridge: clients subscribe
// to workspace chat streams and workspace metadata over one socket.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/cmux/cmux/internal/common/logger"
	"github.com/cmux/cmux/internal/session"
	"github.com/cmux/cmux/pkg/ipc"
	"go.uber.org/zap"
)

// Hub tracks connected WebSocket clients and fans metadata events out
// to the ones subscribed to them. Chat events do not pass through the
// hub; each client attaches to its session subscription directly so
// the per-connection replay contract holds.
type Hub struct {
	sessions *session.Manager

	register   chan *Client
	unregister chan *Client

	mu      sync.RWMutex
	clients map[*Client]bool

	logger *logger.Logger
}

// NewHub creates a hub. Run must be started for registration to work.
func NewHub(sessions *session.Manager, log *logger.Logger) *Hub {
	return &Hub{
		sessions:   sessions,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		clients:    make(map[*Client]bool),
		logger:     log.WithComponent("ws.hub"),
	}
}

// Run processes client registration until the context ends, then
// closes every connection.
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("websocket hub started")
	defer h.logger.Info("websocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)
		}
	}
}

// Register adds a client to the hub.
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub.
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// BroadcastMetadata pushes a workspace metadata event to every client
// subscribed to the metadata channel for that workspace.
func (h *Hub) BroadcastMetadata(workspaceID string, payload any) {
	frame, err := ipc.NewEventFrame(ipc.StreamChannelMetadata, workspaceID, payload)
	if err != nil {
		h.logger.WithError(err).Warn("metadata frame marshal failed")
		return
	}
	data, err := json.Marshal(frame)
	if err != nil {
		h.logger.WithError(err).Warn("metadata frame marshal failed")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		if client.wantsMetadata(workspaceID) {
			client.enqueue(data)
		}
	}
}

// ClientCount reports connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	_, ok := h.clients[client]
	if ok {
		delete(h.clients, client)
	}
	h.mu.Unlock()
	if ok {
		client.teardown()
		h.logger.Debug("client unregistered", zap.String("client_id", client.ID))
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.clients = make(map[*Client]bool)
	h.mu.Unlock()

	for _, client := range clients {
		client.teardown()
	}
}
