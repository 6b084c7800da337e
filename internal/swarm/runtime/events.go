package runtime

import "time"

// EventKind enumerates the normalized session events a runtime emits.
type EventKind string

const (
	EventAgentStart          EventKind = "agent_start"
	EventAgentEnd            EventKind = "agent_end"
	EventTurnStart           EventKind = "turn_start"
	EventTurnEnd             EventKind = "turn_end"
	EventMessageStart        EventKind = "message_start"
	EventMessageUpdate       EventKind = "message_update"
	EventMessageEnd          EventKind = "message_end"
	EventToolExecutionStart  EventKind = "tool_execution_start"
	EventToolExecutionUpdate EventKind = "tool_execution_update"
	EventToolExecutionEnd    EventKind = "tool_execution_end"
	EventAutoCompactionStart EventKind = "auto_compaction_start"
	EventAutoCompactionEnd   EventKind = "auto_compaction_end"
	EventAutoRetryStart      EventKind = "auto_retry_start"
	EventAutoRetryEnd        EventKind = "auto_retry_end"
)

// SessionEvent is one normalized event in an agent's session stream. Only
// the fields relevant to the kind are set.
type SessionEvent struct {
	Kind      EventKind `json:"kind"`
	AgentID   string    `json:"agentId"`
	Timestamp time.Time `json:"timestamp"`

	TurnID string `json:"turnId,omitempty"`
	ItemID string `json:"itemId,omitempty"`

	// For message events
	Role string `json:"role,omitempty"`
	Text string `json:"text,omitempty"`

	// For tool execution events
	ToolName string `json:"toolName,omitempty"`

	IsError      bool   `json:"isError,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
}

// IsToolEvent reports whether the event belongs to a tool execution.
func (e SessionEvent) IsToolEvent() bool {
	switch e.Kind {
	case EventToolExecutionStart, EventToolExecutionUpdate, EventToolExecutionEnd:
		return true
	}
	return false
}

// IsMessageEvent reports whether the event belongs to a chat message.
func (e SessionEvent) IsMessageEvent() bool {
	switch e.Kind {
	case EventMessageStart, EventMessageUpdate, EventMessageEnd:
		return true
	}
	return false
}
