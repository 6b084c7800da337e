package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	v1 "github.com/swarmdev/swarmd/pkg/api/v1"

	"github.com/swarmdev/swarmd/internal/common/logger"
	"github.com/swarmdev/swarmd/internal/cron"
	"github.com/swarmdev/swarmd/internal/swarm"
	"github.com/swarmdev/swarmd/internal/swarm/archive"
)

// ArchiveSearcher is the slice of the conversation archive exposed over
// MCP. Nil when the archive is disabled.
type ArchiveSearcher interface {
	Search(ctx context.Context, query, agentID string, limit int) ([]archive.Entry, error)
}

// Deps are the swarm subsystems the MCP tools drive. Scheduler and
// Archive may be nil.
type Deps struct {
	Manager   *swarm.Manager
	Scheduler swarm.Scheduler
	Archive   ArchiveSearcher
}

func registerTools(s *server.MCPServer, deps Deps, log *logger.Logger) {
	s.AddTool(
		mcp.NewTool("swarm_list_agents",
			mcp.WithDescription("List every agent in the swarm with role, owning manager, status and working directory."),
		),
		listAgentsHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("swarm_send_message",
			mcp.WithDescription("Send a message into the swarm. Messages to a manager are steered into its conversation; messages to a worker are relayed through its manager."),
			mcp.WithString("agent_id",
				mcp.Description("Target agent. Defaults to the primary manager."),
			),
			mcp.WithString("text",
				mcp.Required(),
				mcp.Description("The message text"),
			),
		),
		sendMessageHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("swarm_spawn_agent",
			mcp.WithDescription("Spawn a worker agent under a manager."),
			mcp.WithString("manager_id",
				mcp.Description("Owning manager. Defaults to the primary manager."),
			),
			mcp.WithString("agent_id",
				mcp.Required(),
				mcp.Description("Requested agent id; it is normalized and uniqueified"),
			),
			mcp.WithString("archetype_id",
				mcp.Description("Archetype for the system prompt (default: worker)"),
			),
			mcp.WithString("cwd",
				mcp.Description("Working directory for the agent"),
			),
			mcp.WithString("initial_prompt",
				mcp.Description("Optional kickoff message dispatched right after spawn"),
			),
		),
		spawnAgentHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("swarm_kill_agent",
			mcp.WithDescription("Terminate an agent and remove it from the swarm."),
			mcp.WithString("manager_id",
				mcp.Description("Acting manager. Defaults to the primary manager."),
			),
			mcp.WithString("agent_id",
				mcp.Required(),
				mcp.Description("The agent to kill"),
			),
		),
		killAgentHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("swarm_conversation_history",
			mcp.WithDescription("Read an agent's conversation transcript."),
			mcp.WithString("agent_id",
				mcp.Required(),
				mcp.Description("The agent whose transcript to read"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum entries to return, newest kept (optional)"),
			),
		),
		conversationHistoryHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("swarm_add_schedule",
			mcp.WithDescription("Add a cron schedule that delivers a message to a manager when it fires."),
			mcp.WithString("manager_id",
				mcp.Description("Receiving manager. Defaults to the primary manager."),
			),
			mcp.WithString("name",
				mcp.Required(),
				mcp.Description("Human-readable schedule name"),
			),
			mcp.WithString("cron",
				mcp.Required(),
				mcp.Description("Standard 5-field cron expression"),
			),
			mcp.WithString("message",
				mcp.Required(),
				mcp.Description("The message delivered on fire"),
			),
			mcp.WithBoolean("one_shot",
				mcp.Description("Remove the schedule after its first fire"),
			),
			mcp.WithString("timezone",
				mcp.Description("IANA timezone name (optional)"),
			),
		),
		addScheduleHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("swarm_list_schedules",
			mcp.WithDescription("List the cron schedules of a manager."),
			mcp.WithString("manager_id",
				mcp.Description("The manager to list. Defaults to the primary manager."),
			),
		),
		listSchedulesHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("swarm_remove_schedule",
			mcp.WithDescription("Remove a cron schedule."),
			mcp.WithString("manager_id",
				mcp.Description("Owning manager. Defaults to the primary manager."),
			),
			mcp.WithString("schedule_id",
				mcp.Required(),
				mcp.Description("The schedule to remove"),
			),
		),
		removeScheduleHandler(deps, log),
	)

	s.AddTool(
		mcp.NewTool("swarm_archive_search",
			mcp.WithDescription("Search the archived conversation history across agents."),
			mcp.WithString("query",
				mcp.Required(),
				mcp.Description("Text to search for"),
			),
			mcp.WithString("agent_id",
				mcp.Description("Restrict the search to one agent (optional)"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Maximum results (default 50)"),
			),
		),
		archiveSearchHandler(deps, log),
	)

	log.Info("registered MCP tools", zap.Int("count", 9))
}

func jsonResult(v interface{}) (*mcp.CallToolResult, error) {
	formatted, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(formatted)), nil
}

func listAgentsHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		descriptors := deps.Manager.ListAgents()
		out := make([]v1.Agent, 0, len(descriptors))
		for _, d := range descriptors {
			agent := v1.Agent{
				AgentID:     d.AgentID,
				DisplayName: d.DisplayName,
				Role:        v1.AgentRole(d.Role),
				ManagerID:   d.ManagerID,
				ArchetypeID: d.ArchetypeID,
				Status:      v1.AgentStatus(d.Status),
				Cwd:         d.Cwd,
				Model:       d.Model,
				CreatedAt:   d.CreatedAt,
				UpdatedAt:   d.UpdatedAt,
			}
			if d.ContextUsage != nil {
				agent.ContextUsage = &v1.ContextUsage{
					Tokens:        d.ContextUsage.Tokens,
					ContextWindow: d.ContextUsage.ContextWindow,
				}
			}
			out = append(out, agent)
		}
		return jsonResult(out)
	}
}

func sendMessageHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		text, err := req.RequireString("text")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		agentID := req.GetString("agent_id", "")

		receipt, err := deps.Manager.HandleUserMessage(ctx, text, swarm.HandleOptions{
			TargetAgentID: agentID,
		})
		if err != nil {
			log.Error("mcp send_message failed", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to send message: %v", err)), nil
		}
		return jsonResult(map[string]string{
			"delivery_id":   receipt.DeliveryID,
			"accepted_mode": string(receipt.AcceptedMode),
		})
	}
}

func spawnAgentHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		managerID := req.GetString("manager_id", deps.Manager.PrimaryManagerID())

		desc, err := deps.Manager.SpawnAgent(ctx, managerID, swarm.SpawnInput{
			AgentID:        agentID,
			ArchetypeID:    req.GetString("archetype_id", ""),
			Cwd:            req.GetString("cwd", ""),
			InitialMessage: req.GetString("initial_prompt", ""),
		})
		if err != nil {
			log.Error("mcp spawn_agent failed", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to spawn agent: %v", err)), nil
		}
		return jsonResult(map[string]string{
			"agent_id":   desc.AgentID,
			"manager_id": desc.ManagerID,
			"status":     desc.Status,
		})
	}
}

func killAgentHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		managerID := req.GetString("manager_id", deps.Manager.PrimaryManagerID())

		if err := deps.Manager.KillAgent(ctx, managerID, agentID); err != nil {
			log.Error("mcp kill_agent failed", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to kill agent: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Agent %s terminated", agentID)), nil
	}
}

func conversationHistoryHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		agentID, err := req.RequireString("agent_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		entries, err := deps.Manager.GetConversationHistory(agentID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to read history: %v", err)), nil
		}
		limit := req.GetInt("limit", 0)
		if limit > 0 && len(entries) > limit {
			entries = entries[len(entries)-limit:]
		}
		return jsonResult(entries)
	}
}

func addScheduleHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Scheduler == nil {
			return mcp.NewToolResultError("scheduler is disabled"), nil
		}
		name, err := req.RequireString("name")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		cronExpr, err := req.RequireString("cron")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		message, err := req.RequireString("message")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		managerID := req.GetString("manager_id", deps.Manager.PrimaryManagerID())

		schedule, err := deps.Scheduler.Add(managerID, cron.Spec{
			Name:     name,
			Cron:     cronExpr,
			Message:  message,
			OneShot:  req.GetBool("one_shot", false),
			Timezone: req.GetString("timezone", ""),
		})
		if err != nil {
			log.Error("mcp add_schedule failed", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Failed to add schedule: %v", err)), nil
		}
		return jsonResult(schedule)
	}
}

func listSchedulesHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Scheduler == nil {
			return mcp.NewToolResultError("scheduler is disabled"), nil
		}
		managerID := req.GetString("manager_id", deps.Manager.PrimaryManagerID())

		schedules, err := deps.Scheduler.List(managerID)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to list schedules: %v", err)), nil
		}
		return jsonResult(schedules)
	}
}

func removeScheduleHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Scheduler == nil {
			return mcp.NewToolResultError("scheduler is disabled"), nil
		}
		scheduleID, err := req.RequireString("schedule_id")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		managerID := req.GetString("manager_id", deps.Manager.PrimaryManagerID())

		if err := deps.Scheduler.Remove(managerID, scheduleID); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to remove schedule: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Schedule %s removed", scheduleID)), nil
	}
}

func archiveSearchHandler(deps Deps, log *logger.Logger) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if deps.Archive == nil {
			return mcp.NewToolResultError("archive is disabled"), nil
		}
		query, err := req.RequireString("query")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		results, err := deps.Archive.Search(ctx, query,
			req.GetString("agent_id", ""), req.GetInt("limit", 0))
		if err != nil {
			log.Error("mcp archive_search failed", zap.Error(err))
			return mcp.NewToolResultError(fmt.Sprintf("Search failed: %v", err)), nil
		}
		return jsonResult(results)
	}
}
