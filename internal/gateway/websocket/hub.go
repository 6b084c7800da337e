// Package websocket provides the WebSocket gateway of the swarm daemon:
// request/response actions over a dispatcher plus server-push
// notifications fed from the event bus.
package websocket

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/swarmdev/swarmd/internal/common/logger"
	"github.com/swarmdev/swarmd/pkg/ws"
)

// HistoryProvider retrieves the transcript replayed to a client when it
// subscribes to an agent.
type HistoryProvider func(ctx context.Context, agentID string) (*ws.Message, error)

// Hub manages all WebSocket client connections
type Hub struct {
	// All registered clients
	clients map[*Client]bool

	// Clients subscribed to specific agents (for conversation streams)
	agentSubscribers map[string]map[*Client]bool

	// Channels for client management
	register   chan *Client
	unregister chan *Client

	// Channel for broadcasting notifications
	broadcast chan *ws.Message

	// Message dispatcher
	dispatcher *ws.Dispatcher

	// Optional provider for transcript hydration on subscribe
	historyProvider HistoryProvider

	mu     sync.RWMutex
	logger *logger.Logger
}

// NewHub creates a new WebSocket hub
func NewHub(dispatcher *ws.Dispatcher, log *logger.Logger) *Hub {
	return &Hub{
		clients:          make(map[*Client]bool),
		agentSubscribers: make(map[string]map[*Client]bool),
		register:         make(chan *Client),
		unregister:       make(chan *Client),
		broadcast:        make(chan *ws.Message, 256),
		dispatcher:       dispatcher,
		logger:           log.WithFields(zap.String("component", "ws_hub")),
	}
}

// Run starts the hub's main processing loop
func (h *Hub) Run(ctx context.Context) {
	h.logger.Info("WebSocket hub started")
	defer h.logger.Info("WebSocket hub stopped")

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client] = true
			h.mu.Unlock()
			h.logger.Debug("Client registered", zap.String("client_id", client.ID))

		case client := <-h.unregister:
			h.removeClient(client)

		case msg := <-h.broadcast:
			h.broadcastMessage(msg)
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.clients {
		close(client.send)
		delete(h.clients, client)
	}
	h.agentSubscribers = make(map[string]map[*Client]bool)
}

func (h *Hub) removeClient(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)

		for agentID := range client.subscriptions {
			if clients, ok := h.agentSubscribers[agentID]; ok {
				delete(clients, client)
				if len(clients) == 0 {
					delete(h.agentSubscribers, agentID)
				}
			}
		}
	}
	h.logger.Debug("Client unregistered", zap.String("client_id", client.ID))
}

func (h *Hub) broadcastMessage(msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal broadcast message", zap.Error(err))
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for client := range h.clients {
		select {
		case client.send <- data:
		default:
			// Client buffer full, will be cleaned up by write pump
		}
	}
}

// Register adds a client to the hub
func (h *Hub) Register(client *Client) {
	h.register <- client
}

// Unregister removes a client from the hub
func (h *Hub) Unregister(client *Client) {
	h.unregister <- client
}

// Broadcast sends a notification to all connected clients
func (h *Hub) Broadcast(msg *ws.Message) {
	h.broadcast <- msg
}

// BroadcastToAgent sends a notification to clients subscribed to an agent
func (h *Hub) BroadcastToAgent(agentID string, msg *ws.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("Failed to marshal message", zap.Error(err))
		return
	}

	h.mu.RLock()
	clients := h.agentSubscribers[agentID]
	h.mu.RUnlock()

	for client := range clients {
		select {
		case client.send <- data:
		default:
			// Buffer full
		}
	}
}

// SubscribeToAgent subscribes a client to an agent's conversation stream
func (h *Hub) SubscribeToAgent(client *Client, agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.agentSubscribers[agentID]; !ok {
		h.agentSubscribers[agentID] = make(map[*Client]bool)
	}
	h.agentSubscribers[agentID][client] = true
	client.subscriptions[agentID] = true

	h.logger.Debug("Client subscribed to agent",
		zap.String("client_id", client.ID),
		zap.String("agent_id", agentID))
}

// UnsubscribeFromAgent unsubscribes a client from an agent's stream
func (h *Hub) UnsubscribeFromAgent(client *Client, agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(client.subscriptions, agentID)
	if clients, ok := h.agentSubscribers[agentID]; ok {
		delete(clients, client)
		if len(clients) == 0 {
			delete(h.agentSubscribers, agentID)
		}
	}
}

// GetClientCount returns the number of connected clients
func (h *Hub) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// GetDispatcher returns the message dispatcher
func (h *Hub) GetDispatcher() *ws.Dispatcher {
	return h.dispatcher
}

// SetHistoryProvider sets the provider used to hydrate transcripts on
// subscription.
func (h *Hub) SetHistoryProvider(provider HistoryProvider) {
	h.historyProvider = provider
}

// GetHistory retrieves the hydration message for an agent if a provider
// is set.
func (h *Hub) GetHistory(ctx context.Context, agentID string) (*ws.Message, error) {
	if h.historyProvider == nil {
		return nil, nil
	}
	return h.historyProvider(ctx, agentID)
}
