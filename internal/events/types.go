// Package events provides event types and utilities for the swarmd event system.
package events

// Event types for agent lifecycle
const (
	AgentSpawned    = "agent.spawned"
	AgentStatus     = "agent.status"     // Per-agent status transition
	AgentTerminated = "agent.terminated" // Agent process exited or was killed
	AgentsSnapshot  = "agents.snapshot"  // Full roster snapshot
)

// Event types for conversation streaming
const (
	ConversationMessage = "conversation.message" // New or updated conversation entry
	ConversationLog     = "conversation.log"     // Internal log line attached to an agent
	ConversationReset   = "conversation.reset"   // Session history was cleared
)

// Event types for scheduled tasks
const (
	ScheduleFired   = "schedule.fired"
	ScheduleUpdated = "schedule.updated"
)

// Event types for context window usage
const (
	ContextWindowUpdated = "context_window.updated"
)

// Event types for manager speech directed at the user
const (
	UserSpeech = "user.speech"
)

// BuildAgentStatusSubject creates an agent status subject for a specific agent
func BuildAgentStatusSubject(agentID string) string {
	return AgentStatus + "." + agentID
}

// BuildAgentStatusWildcardSubject creates a wildcard subscription for all agent status events
func BuildAgentStatusWildcardSubject() string {
	return AgentStatus + ".*"
}

// BuildConversationMessageSubject creates a conversation message subject for a specific agent
func BuildConversationMessageSubject(agentID string) string {
	return ConversationMessage + "." + agentID
}

// BuildConversationMessageWildcardSubject creates a wildcard subscription for all conversation messages
func BuildConversationMessageWildcardSubject() string {
	return ConversationMessage + ".*"
}

// BuildConversationLogSubject creates a conversation log subject for a specific agent
func BuildConversationLogSubject(agentID string) string {
	return ConversationLog + "." + agentID
}

// BuildConversationLogWildcardSubject creates a wildcard subscription for all conversation logs
func BuildConversationLogWildcardSubject() string {
	return ConversationLog + ".*"
}

// BuildConversationResetSubject creates a conversation reset subject for a specific agent
func BuildConversationResetSubject(agentID string) string {
	return ConversationReset + "." + agentID
}

// BuildConversationResetWildcardSubject creates a wildcard subscription for all conversation resets
func BuildConversationResetWildcardSubject() string {
	return ConversationReset + ".*"
}

// BuildScheduleFiredSubject creates a schedule fired subject for a specific manager
func BuildScheduleFiredSubject(managerID string) string {
	return ScheduleFired + "." + managerID
}

// BuildScheduleFiredWildcardSubject creates a wildcard subscription for all schedule fired events
func BuildScheduleFiredWildcardSubject() string {
	return ScheduleFired + ".*"
}

// BuildContextWindowSubject creates a context window subject for a specific agent
func BuildContextWindowSubject(agentID string) string {
	return ContextWindowUpdated + "." + agentID
}

// BuildContextWindowWildcardSubject creates a wildcard subscription for all context window events
func BuildContextWindowWildcardSubject() string {
	return ContextWindowUpdated + ".*"
}
