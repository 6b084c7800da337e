package websocket

import (
	"context"

	"github.com/gin-gonic/gin"

	"github.com/swarmdev/swarmd/internal/common/logger"
	"github.com/swarmdev/swarmd/internal/events/bus"
	"github.com/swarmdev/swarmd/internal/swarm"
	"github.com/swarmdev/swarmd/pkg/ws"
)

// Gateway is the unified WebSocket surface of the daemon.
type Gateway struct {
	Hub        *Hub
	Dispatcher *ws.Dispatcher
	Handler    *Handler

	broadcaster *SwarmEventBroadcaster
	logger      *logger.Logger
}

// NewGateway wires the dispatcher, hub, handlers and the event bridge.
// scheduler and searcher may be nil when those subsystems are disabled.
func NewGateway(ctx context.Context, manager *swarm.Manager, scheduler swarm.Scheduler, searcher ArchiveSearcher, eventBus bus.EventBus, log *logger.Logger) *Gateway {
	dispatcher := ws.NewDispatcher()
	hub := NewHub(dispatcher, log)
	handler := NewHandler(hub, log)

	RegisterHealthHandler(dispatcher)
	NewSwarmHandlers(manager, scheduler, searcher, log).Register(dispatcher)

	// Subscribing clients get the stored transcript replayed first.
	hub.SetHistoryProvider(func(ctx context.Context, agentID string) (*ws.Message, error) {
		entries, err := manager.GetConversationHistory(agentID)
		if err != nil {
			return nil, err
		}
		return ws.NewNotification(ws.ActionConversationHistory, map[string]interface{}{
			"agent_id": agentID,
			"entries":  toAPIEntries(entries),
		})
	})

	broadcaster := RegisterSwarmNotifications(ctx, eventBus, hub, log)

	return &Gateway{
		Hub:         hub,
		Dispatcher:  dispatcher,
		Handler:     handler,
		broadcaster: broadcaster,
		logger:      log,
	}
}

// SetupRoutes adds the WebSocket routes to the Gin engine
func (g *Gateway) SetupRoutes(router *gin.Engine) {
	router.GET("/ws", g.Handler.HandleConnection)
}

// Close tears down the event bridge.
func (g *Gateway) Close() {
	if g.broadcaster != nil {
		g.broadcaster.Close()
	}
}
