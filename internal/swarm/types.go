// Package swarm owns the agent tree of the daemon: manager and worker
// descriptors, their runtimes, message routing between users and agents,
// and the persisted swarm state under the data directory.
package swarm

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// Agent roles.
const (
	RoleManager = "manager"
	RoleWorker  = "worker"
)

// Agent statuses.
const (
	StatusIdle             = "idle"
	StatusStreaming        = "streaming"
	StatusTerminated       = "terminated"
	StatusStoppedOnRestart = "stopped_on_restart"
)

// Built-in archetype ids. Both must exist in the archetype registry.
const (
	ArchetypeManager = "manager"
	ArchetypeWorker  = "worker"
)

// Message origins for SendMessage.
const (
	OriginUser     = "user"
	OriginInternal = "internal"
)

// ContextUsageInfo mirrors the runtime's live token telemetry into the
// descriptor and status events.
type ContextUsageInfo struct {
	Tokens        int64 `json:"tokens"`
	ContextWindow int64 `json:"contextWindow"`
}

// AgentDescriptor is the persisted identity and state of one agent.
type AgentDescriptor struct {
	AgentID     string `json:"agentId"`
	DisplayName string `json:"displayName"`
	Role        string `json:"role"`

	// ManagerID is the owning manager for workers; managers own themselves.
	ManagerID   string `json:"managerId"`
	ArchetypeID string `json:"archetypeId,omitempty"`

	Status    string    `json:"status"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	Cwd         string `json:"cwd"`
	Model       string `json:"model,omitempty"`
	SessionFile string `json:"sessionFile"`

	// SystemPrompt is the explicit prompt override given at spawn time.
	// Empty means the archetype prompt applies.
	SystemPrompt string `json:"systemPrompt,omitempty"`

	ContextUsage *ContextUsageInfo `json:"contextUsage,omitempty"`
}

// IsManager reports whether the descriptor is a manager.
func (d *AgentDescriptor) IsManager() bool {
	return d.Role == RoleManager
}

// Running reports whether the agent is expected to have a live runtime.
func (d *AgentDescriptor) Running() bool {
	return d.Status == StatusIdle || d.Status == StatusStreaming
}

// Clone returns a deep copy so callers can hand descriptors out without
// exposing the manager's internal state to mutation.
func (d *AgentDescriptor) Clone() *AgentDescriptor {
	c := *d
	if d.ContextUsage != nil {
		usage := *d.ContextUsage
		c.ContextUsage = &usage
	}
	return &c
}

var agentIDPattern = regexp.MustCompile(`^[a-z0-9-]{1,48}$`)

// NormalizeAgentID lowers, hyphenates and trims a requested agent id into
// the canonical [a-z0-9-]{1,48} form.
func NormalizeAgentID(raw string) (string, error) {
	id := strings.ToLower(strings.TrimSpace(raw))
	id = strings.ReplaceAll(id, " ", "-")
	id = strings.ReplaceAll(id, "_", "-")

	var b strings.Builder
	for _, r := range id {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		}
	}
	id = strings.Trim(b.String(), "-")
	if len(id) > 48 {
		id = strings.Trim(id[:48], "-")
	}
	if !agentIDPattern.MatchString(id) {
		return "", fmt.Errorf("invalid agent id %q: must normalize to [a-z0-9-]{1,48}", raw)
	}
	return id, nil
}

// Conversation entry types.
const (
	EntryTypeMessage = "conversation_message"
	EntryTypeLog     = "conversation_log"
)

// Conversation entry sources.
const (
	SourceUserInput   = "user_input"
	SourceSpeakToUser = "speak_to_user"
	SourceSystem      = "system"
	SourceRuntimeLog  = "runtime_log"
)

// Channels a user message can arrive from.
const (
	ChannelWeb      = "web"
	ChannelSlack    = "slack"
	ChannelTelegram = "telegram"
)

// SourceContext identifies where a user message originated.
type SourceContext struct {
	Channel   string `json:"channel"`
	ChannelID string `json:"channelId,omitempty"`
	UserID    string `json:"userId,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	ThreadID  string `json:"threadId,omitempty"`
}

// ConversationEntry is one row of an agent's user-visible transcript. It
// is a sum over conversation_message and conversation_log; log entries
// carry Kind and ToolName, message entries carry Role and Source.
type ConversationEntry struct {
	Type      string    `json:"type"`
	ID        string    `json:"id"`
	AgentID   string    `json:"agentId"`
	Timestamp time.Time `json:"timestamp"`

	Role          string         `json:"role,omitempty"`
	Text          string         `json:"text,omitempty"`
	Source        string         `json:"source,omitempty"`
	SourceContext *SourceContext `json:"sourceContext,omitempty"`

	Kind     string `json:"kind,omitempty"`
	ToolName string `json:"toolName,omitempty"`
	IsError  bool   `json:"isError,omitempty"`
}

// preserved reports whether trimming must keep this entry: the web
// transcript (user input and manager speech) survives ring pressure.
func (e ConversationEntry) preserved() bool {
	if e.Type != EntryTypeMessage {
		return false
	}
	if e.Source == SourceSpeakToUser {
		return true
	}
	if e.Source != SourceUserInput {
		return false
	}
	return e.SourceContext == nil || e.SourceContext.Channel == ChannelWeb
}

// sortDescriptors orders agents for persistence and listing: the primary
// manager first, then other managers, then workers, each group by
// createdAt then agentId.
func sortDescriptors(primaryID string, agents []*AgentDescriptor) {
	rank := func(d *AgentDescriptor) int {
		switch {
		case d.AgentID == primaryID:
			return 0
		case d.IsManager():
			return 1
		default:
			return 2
		}
	}
	sort.SliceStable(agents, func(i, j int) bool {
		ri, rj := rank(agents[i]), rank(agents[j])
		if ri != rj {
			return ri < rj
		}
		if !agents[i].CreatedAt.Equal(agents[j].CreatedAt) {
			return agents[i].CreatedAt.Before(agents[j].CreatedAt)
		}
		return agents[i].AgentID < agents[j].AgentID
	})
}
