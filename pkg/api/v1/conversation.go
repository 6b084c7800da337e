package v1

import "time"

// EntryType distinguishes transcript messages from runtime log entries
type EntryType string

const (
	EntryTypeMessage EntryType = "conversation_message"
	EntryTypeLog     EntryType = "conversation_log"
)

// SourceContext identifies where a user message originated
type SourceContext struct {
	Channel   string `json:"channel"`
	ChannelID string `json:"channel_id,omitempty"`
	UserID    string `json:"user_id,omitempty"`
	MessageID string `json:"message_id,omitempty"`
	ThreadID  string `json:"thread_id,omitempty"`
}

// ConversationEntry is one row of an agent's user-visible transcript
type ConversationEntry struct {
	Type          EntryType      `json:"type"`
	ID            string         `json:"id"`
	AgentID       string         `json:"agent_id"`
	Timestamp     time.Time      `json:"timestamp"`
	Role          string         `json:"role,omitempty"`
	Text          string         `json:"text,omitempty"`
	Source        string         `json:"source,omitempty"`
	SourceContext *SourceContext `json:"source_context,omitempty"`
	Kind          string         `json:"kind,omitempty"`
	ToolName      string         `json:"tool_name,omitempty"`
	IsError       bool           `json:"is_error,omitempty"`
}

// SendMessageRequest is the payload for message.send
type SendMessageRequest struct {
	AgentID     string         `json:"agent_id"`
	Text        string         `json:"text"`
	Attachments []Attachment   `json:"attachments,omitempty"`
	Source      *SourceContext `json:"source,omitempty"`
}

// Attachment is one file accompanying a user message. Text attachments
// carry Text; binary attachments carry base64 Data.
type Attachment struct {
	FileName string `json:"file_name"`
	MimeType string `json:"mime_type,omitempty"`
	Text     string `json:"text,omitempty"`
	Data     string `json:"data,omitempty"`
}

// ConversationHistoryRequest is the payload for conversation.history
type ConversationHistoryRequest struct {
	AgentID string `json:"agent_id"`
	Limit   int    `json:"limit,omitempty"`
}

// ArchiveSearchRequest is the payload for archive.search
type ArchiveSearchRequest struct {
	Query   string `json:"query"`
	AgentID string `json:"agent_id,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}
