package websocket

import (
	"context"

	"go.uber.org/zap"

	"github.com/swarmdev/swarmd/internal/common/logger"
	"github.com/swarmdev/swarmd/internal/events"
	"github.com/swarmdev/swarmd/internal/events/bus"
	"github.com/swarmdev/swarmd/pkg/ws"
)

// SwarmEventBroadcaster bridges swarm events from the bus into WebSocket
// notifications. Conversation traffic goes only to clients subscribed to
// the agent; roster and speech events go to everyone.
type SwarmEventBroadcaster struct {
	hub           *Hub
	subscriptions []bus.Subscription
	logger        *logger.Logger
}

// RegisterSwarmNotifications subscribes the hub to every swarm subject.
func RegisterSwarmNotifications(ctx context.Context, eventBus bus.EventBus, hub *Hub, log *logger.Logger) *SwarmEventBroadcaster {
	b := &SwarmEventBroadcaster{
		hub:    hub,
		logger: log.WithFields(zap.String("component", "ws-swarm-broadcaster")),
	}
	if eventBus == nil {
		return b
	}

	b.subscribeBroadcast(eventBus, events.BuildAgentStatusWildcardSubject(), ws.ActionAgentStatusChanged)
	b.subscribeBroadcast(eventBus, events.AgentsSnapshot, ws.ActionAgentsSnapshot)
	b.subscribeBroadcast(eventBus, events.BuildConversationResetWildcardSubject(), ws.ActionConversationReset)
	b.subscribeBroadcast(eventBus, events.BuildScheduleFiredWildcardSubject(), ws.ActionScheduleFired)
	b.subscribeBroadcast(eventBus, events.BuildContextWindowWildcardSubject(), ws.ActionContextWindowUpdated)
	b.subscribeBroadcast(eventBus, events.UserSpeech, ws.ActionUserSpeech)

	b.subscribeToAgent(eventBus, events.BuildConversationMessageWildcardSubject(), ws.ActionConversationMessage)
	b.subscribeToAgent(eventBus, events.BuildConversationLogWildcardSubject(), ws.ActionConversationLog)

	go func() {
		<-ctx.Done()
		b.Close()
	}()

	return b
}

// Close unsubscribes everything.
func (b *SwarmEventBroadcaster) Close() {
	for _, sub := range b.subscriptions {
		if sub != nil && sub.IsValid() {
			_ = sub.Unsubscribe()
		}
	}
	b.subscriptions = nil
}

func (b *SwarmEventBroadcaster) subscribeBroadcast(eventBus bus.EventBus, subject, action string) {
	sub, err := eventBus.Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
		msg, err := ws.NewNotification(action, event.Data)
		if err != nil {
			b.logger.Error("failed to build websocket notification",
				zap.String("action", action), zap.Error(err))
			return nil
		}
		b.hub.Broadcast(msg)
		return nil
	})
	if err != nil {
		b.logger.Error("failed to subscribe",
			zap.String("subject", subject), zap.Error(err))
		return
	}
	b.subscriptions = append(b.subscriptions, sub)
}

func (b *SwarmEventBroadcaster) subscribeToAgent(eventBus bus.EventBus, subject, action string) {
	sub, err := eventBus.Subscribe(subject, func(ctx context.Context, event *bus.Event) error {
		msg, err := ws.NewNotification(action, event.Data)
		if err != nil {
			b.logger.Error("failed to build websocket notification",
				zap.String("action", action), zap.Error(err))
			return nil
		}
		agentID, _ := event.Data["agentId"].(string)
		if agentID == "" {
			b.hub.Broadcast(msg)
			return nil
		}
		b.hub.BroadcastToAgent(agentID, msg)
		return nil
	})
	if err != nil {
		b.logger.Error("failed to subscribe",
			zap.String("subject", subject), zap.Error(err))
		return
	}
	b.subscriptions = append(b.subscriptions, sub)
}
