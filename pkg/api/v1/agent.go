// Package v1 defines the wire-level DTOs shared by the WebSocket gateway,
// the HTTP API and the MCP server.
package v1

import "time"

// AgentRole represents the role of a swarm agent
type AgentRole string

const (
	AgentRoleManager AgentRole = "manager"
	AgentRoleWorker  AgentRole = "worker"
)

// AgentStatus represents the lifecycle status of a swarm agent
type AgentStatus string

const (
	AgentStatusIdle             AgentStatus = "idle"
	AgentStatusStreaming        AgentStatus = "streaming"
	AgentStatusTerminated       AgentStatus = "terminated"
	AgentStatusStoppedOnRestart AgentStatus = "stopped_on_restart"
)

// ContextUsage carries the live token telemetry of an agent's thread
type ContextUsage struct {
	Tokens        int64 `json:"tokens"`
	ContextWindow int64 `json:"context_window"`
}

// Agent is the external view of one swarm agent
type Agent struct {
	AgentID      string        `json:"agent_id"`
	DisplayName  string        `json:"display_name"`
	Role         AgentRole     `json:"role"`
	ManagerID    string        `json:"manager_id"`
	ArchetypeID  string        `json:"archetype_id,omitempty"`
	Status       AgentStatus   `json:"status"`
	Cwd          string        `json:"cwd"`
	Model        string        `json:"model,omitempty"`
	ContextUsage *ContextUsage `json:"context_usage,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// SpawnAgentRequest is the payload for agent.spawn
type SpawnAgentRequest struct {
	ManagerID     string `json:"manager_id"`
	AgentID       string `json:"agent_id"`
	DisplayName   string `json:"display_name,omitempty"`
	ArchetypeID   string `json:"archetype_id,omitempty"`
	SystemPrompt  string `json:"system_prompt,omitempty"`
	Cwd           string `json:"cwd,omitempty"`
	Model         string `json:"model,omitempty"`
	InitialPrompt string `json:"initial_prompt,omitempty"`
}

// KillAgentRequest is the payload for agent.kill
type KillAgentRequest struct {
	ManagerID string `json:"manager_id"`
	AgentID   string `json:"agent_id"`
}

// StopAgentRequest is the payload for agent.stop
type StopAgentRequest struct {
	AgentID string `json:"agent_id"`
}

// CreateManagerRequest is the payload for manager.create
type CreateManagerRequest struct {
	ManagerID   string `json:"manager_id"`
	DisplayName string `json:"display_name,omitempty"`
	Cwd         string `json:"cwd,omitempty"`
	Model       string `json:"model,omitempty"`
}

// DeleteManagerRequest is the payload for manager.delete
type DeleteManagerRequest struct {
	ManagerID string `json:"manager_id"`
}

// ResetSessionRequest is the payload for session.reset
type ResetSessionRequest struct {
	ManagerID string `json:"manager_id"`
}

// CompactContextRequest is the payload for context.compact
type CompactContextRequest struct {
	AgentID string `json:"agent_id"`
}
