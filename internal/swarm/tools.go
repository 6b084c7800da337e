package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/swarmdev/swarmd/internal/cron"
	"github.com/swarmdev/swarmd/internal/swarm/runtime"
	"github.com/swarmdev/swarmd/pkg/codex"
)

// Dynamic tool names exposed to manager threads.
const (
	ToolSpawnAgent   = "spawn_agent"
	ToolSendMessage  = "send_message"
	ToolKillAgent    = "kill_agent"
	ToolListAgents   = "list_agents"
	ToolSpeakToUser  = "speak_to_user"
	ToolScheduleTask = "schedule_task"
)

// managerTools describes the swarm operations a manager's thread may call
// back into. Workers get none of these.
func managerTools() []codex.DynamicTool {
	return []codex.DynamicTool{
		{
			Name:        ToolSpawnAgent,
			Description: "Spawn a worker agent under your management. Returns the assigned agent id.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"agentId": {"type": "string", "description": "Requested id; normalized and uniqueified"},
					"displayName": {"type": "string"},
					"cwd": {"type": "string", "description": "Absolute working directory; defaults to yours"},
					"model": {"type": "string", "description": "provider/modelId/thinkingLevel preset"},
					"archetypeId": {"type": "string", "description": "Prompt archetype; defaults to worker"},
					"systemPrompt": {"type": "string", "description": "Explicit prompt override"},
					"initialMessage": {"type": "string", "description": "Delivered to the worker immediately"}
				},
				"required": ["agentId"]
			}`),
		},
		{
			Name:        ToolSendMessage,
			Description: "Send a message to one of your workers. Delivery 'auto' prompts an idle worker and steers a busy one.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"agentId": {"type": "string"},
					"message": {"type": "string"},
					"delivery": {"type": "string", "enum": ["prompt", "steer", "followUp", "auto"]}
				},
				"required": ["agentId", "message"]
			}`),
		},
		{
			Name:        ToolKillAgent,
			Description: "Terminate one of your workers.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"agentId": {"type": "string"}
				},
				"required": ["agentId"]
			}`),
		},
		{
			Name:        ToolListAgents,
			Description: "List every agent in the swarm with role, owner, and status.",
			InputSchema: json.RawMessage(`{"type": "object", "properties": {}}`),
		},
		{
			Name:        ToolSpeakToUser,
			Description: "Say something to the human user. This is the only way your text reaches them.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"message": {"type": "string"}
				},
				"required": ["message"]
			}`),
		},
		{
			Name:        ToolScheduleTask,
			Description: "Schedule a recurring or one-shot prompt to yourself using a standard cron expression.",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"name": {"type": "string"},
					"cron": {"type": "string", "description": "Standard 5-field cron expression"},
					"message": {"type": "string", "description": "The prompt delivered when the schedule fires"},
					"oneShot": {"type": "boolean"},
					"timezone": {"type": "string", "description": "IANA timezone; defaults to UTC"}
				},
				"required": ["name", "cron", "message"]
			}`),
		},
	}
}

// CallTool dispatches a dynamic tool invocation from a manager's child
// process into the corresponding swarm operation. It implements
// runtime.ToolBridge; agentID is the calling manager.
func (m *Manager) CallTool(ctx context.Context, agentID, tool string, arguments json.RawMessage) (string, error) {
	switch tool {
	case ToolSpawnAgent:
		return m.toolSpawnAgent(ctx, agentID, arguments)
	case ToolSendMessage:
		return m.toolSendMessage(ctx, agentID, arguments)
	case ToolKillAgent:
		return m.toolKillAgent(ctx, agentID, arguments)
	case ToolListAgents:
		return m.toolListAgents()
	case ToolSpeakToUser:
		return m.toolSpeakToUser(agentID, arguments)
	case ToolScheduleTask:
		return m.toolScheduleTask(agentID, arguments)
	default:
		return "", fmt.Errorf("unknown tool %q", tool)
	}
}

func (m *Manager) toolSpawnAgent(ctx context.Context, callerID string, arguments json.RawMessage) (string, error) {
	var args struct {
		AgentID        string `json:"agentId"`
		DisplayName    string `json:"displayName"`
		Cwd            string `json:"cwd"`
		Model          string `json:"model"`
		ArchetypeID    string `json:"archetypeId"`
		SystemPrompt   string `json:"systemPrompt"`
		InitialMessage string `json:"initialMessage"`
	}
	if err := json.Unmarshal(arguments, &args); err != nil {
		return "", fmt.Errorf("invalid spawn_agent arguments: %w", err)
	}
	desc, err := m.SpawnAgent(ctx, callerID, SpawnInput{
		AgentID:        args.AgentID,
		DisplayName:    args.DisplayName,
		Cwd:            args.Cwd,
		Model:          args.Model,
		ArchetypeID:    args.ArchetypeID,
		SystemPrompt:   args.SystemPrompt,
		InitialMessage: args.InitialMessage,
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Spawned worker %q in %s.", desc.AgentID, desc.Cwd), nil
}

func (m *Manager) toolSendMessage(ctx context.Context, callerID string, arguments json.RawMessage) (string, error) {
	var args struct {
		AgentID  string `json:"agentId"`
		Message  string `json:"message"`
		Delivery string `json:"delivery"`
	}
	if err := json.Unmarshal(arguments, &args); err != nil {
		return "", fmt.Errorf("invalid send_message arguments: %w", err)
	}
	mode := runtime.Mode(args.Delivery)
	if mode == "" {
		mode = runtime.ModeAuto
	}
	receipt, err := m.SendMessage(ctx, callerID, args.AgentID, args.Message, mode, SendOptions{
		Origin: OriginInternal,
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Delivered to %s as %s.", args.AgentID, receipt.AcceptedMode), nil
}

func (m *Manager) toolKillAgent(ctx context.Context, callerID string, arguments json.RawMessage) (string, error) {
	var args struct {
		AgentID string `json:"agentId"`
	}
	if err := json.Unmarshal(arguments, &args); err != nil {
		return "", fmt.Errorf("invalid kill_agent arguments: %w", err)
	}
	if err := m.KillAgent(ctx, callerID, args.AgentID); err != nil {
		return "", err
	}
	return fmt.Sprintf("Terminated worker %s.", args.AgentID), nil
}

func (m *Manager) toolListAgents() (string, error) {
	type row struct {
		AgentID     string `json:"agentId"`
		DisplayName string `json:"displayName"`
		Role        string `json:"role"`
		ManagerID   string `json:"managerId"`
		Status      string `json:"status"`
		Cwd         string `json:"cwd"`
	}
	var rows []row
	for _, d := range m.ListAgents() {
		rows = append(rows, row{
			AgentID:     d.AgentID,
			DisplayName: d.DisplayName,
			Role:        d.Role,
			ManagerID:   d.ManagerID,
			Status:      d.Status,
			Cwd:         d.Cwd,
		})
	}
	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (m *Manager) toolSpeakToUser(callerID string, arguments json.RawMessage) (string, error) {
	var args struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(arguments, &args); err != nil {
		return "", fmt.Errorf("invalid speak_to_user arguments: %w", err)
	}
	text := strings.TrimSpace(args.Message)
	if text == "" {
		return "", fmt.Errorf("speak_to_user requires a non-empty message")
	}
	m.appendEntry(ConversationEntry{
		Type:    EntryTypeMessage,
		AgentID: callerID,
		Role:    "assistant",
		Source:  SourceSpeakToUser,
		Text:    text,
	})
	return "Message delivered to the user.", nil
}

func (m *Manager) toolScheduleTask(callerID string, arguments json.RawMessage) (string, error) {
	if m.scheduler == nil {
		return "", fmt.Errorf("scheduling is not enabled")
	}
	var args struct {
		Name     string `json:"name"`
		Cron     string `json:"cron"`
		Message  string `json:"message"`
		OneShot  bool   `json:"oneShot"`
		Timezone string `json:"timezone"`
	}
	if err := json.Unmarshal(arguments, &args); err != nil {
		return "", fmt.Errorf("invalid schedule_task arguments: %w", err)
	}
	sched, err := m.scheduler.Add(callerID, cron.Spec{
		Name:     args.Name,
		Cron:     args.Cron,
		Message:  args.Message,
		OneShot:  args.OneShot,
		Timezone: args.Timezone,
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Scheduled %q (%s); next fire at %s.",
		sched.Name, sched.ID, sched.NextFireAt.Format("2006-01-02 15:04:05 MST")), nil
}
