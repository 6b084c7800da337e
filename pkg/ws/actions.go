package ws

// Action constants for WebSocket messages
const (
	// Health
	ActionHealthCheck = "health.check"

	// Messaging actions
	ActionMessageSend = "message.send"

	// Agent actions
	ActionAgentsList = "agents.list"
	ActionAgentSpawn = "agent.spawn"
	ActionAgentKill  = "agent.kill"
	ActionAgentStop  = "agent.stop"

	// Manager actions
	ActionManagerCreate = "manager.create"
	ActionManagerDelete = "manager.delete"

	// Session actions
	ActionSessionReset   = "session.reset"
	ActionContextCompact = "context.compact"

	// Schedule actions
	ActionScheduleAdd    = "schedule.add"
	ActionScheduleRemove = "schedule.remove"
	ActionScheduleList   = "schedule.list"

	// History actions
	ActionConversationHistory = "conversation.history"
	ActionArchiveSearch       = "archive.search"

	// Subscription actions
	ActionAgentSubscribe   = "agent.subscribe"
	ActionAgentUnsubscribe = "agent.unsubscribe"

	// Notification actions (server -> client)
	ActionAgentStatusChanged    = "agent.status_changed"
	ActionAgentsSnapshot        = "agents.snapshot"
	ActionConversationMessage   = "conversation.message"
	ActionConversationLog       = "conversation.log"
	ActionConversationReset     = "conversation.reset"
	ActionScheduleFired         = "schedule.fired"
	ActionContextWindowUpdated  = "context_window.updated"
	ActionUserSpeech            = "user.speech"
)

// Error codes
const (
	ErrorCodeBadRequest    = "BAD_REQUEST"
	ErrorCodeNotFound      = "NOT_FOUND"
	ErrorCodeInternalError = "INTERNAL_ERROR"
	ErrorCodeUnauthorized  = "UNAUTHORIZED"
	ErrorCodeForbidden     = "FORBIDDEN"
	ErrorCodeValidation    = "VALIDATION_ERROR"
	ErrorCodeUnknownAction = "UNKNOWN_ACTION"
)
