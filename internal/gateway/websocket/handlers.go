package websocket

import (
	"context"
	"errors"

	"go.uber.org/zap"

	v1 "github.com/swarmdev/swarmd/pkg/api/v1"

	"github.com/swarmdev/swarmd/internal/common/logger"
	"github.com/swarmdev/swarmd/internal/cron"
	"github.com/swarmdev/swarmd/internal/swarm"
	"github.com/swarmdev/swarmd/internal/swarm/archive"
	"github.com/swarmdev/swarmd/pkg/ws"
)

// ArchiveSearcher is the slice of the conversation archive the gateway
// exposes. Nil when the archive is disabled.
type ArchiveSearcher interface {
	Search(ctx context.Context, query, agentID string, limit int) ([]archive.Entry, error)
}

// SwarmHandlers registers the swarm actions on a dispatcher.
type SwarmHandlers struct {
	manager   *swarm.Manager
	scheduler swarm.Scheduler
	archive   ArchiveSearcher
	logger    *logger.Logger
}

// NewSwarmHandlers creates the action handlers. scheduler and archive
// may be nil when those subsystems are disabled.
func NewSwarmHandlers(manager *swarm.Manager, scheduler swarm.Scheduler, searcher ArchiveSearcher, log *logger.Logger) *SwarmHandlers {
	return &SwarmHandlers{
		manager:   manager,
		scheduler: scheduler,
		archive:   searcher,
		logger:    log.WithFields(zap.String("component", "ws_swarm_handlers")),
	}
}

// Register wires every swarm action into the dispatcher.
func (h *SwarmHandlers) Register(d *ws.Dispatcher) {
	d.RegisterFunc(ws.ActionMessageSend, h.handleMessageSend)
	d.RegisterFunc(ws.ActionAgentsList, h.handleAgentsList)
	d.RegisterFunc(ws.ActionAgentSpawn, h.handleAgentSpawn)
	d.RegisterFunc(ws.ActionAgentKill, h.handleAgentKill)
	d.RegisterFunc(ws.ActionAgentStop, h.handleAgentStop)
	d.RegisterFunc(ws.ActionManagerCreate, h.handleManagerCreate)
	d.RegisterFunc(ws.ActionManagerDelete, h.handleManagerDelete)
	d.RegisterFunc(ws.ActionSessionReset, h.handleSessionReset)
	d.RegisterFunc(ws.ActionContextCompact, h.handleContextCompact)
	d.RegisterFunc(ws.ActionScheduleAdd, h.handleScheduleAdd)
	d.RegisterFunc(ws.ActionScheduleRemove, h.handleScheduleRemove)
	d.RegisterFunc(ws.ActionScheduleList, h.handleScheduleList)
	d.RegisterFunc(ws.ActionConversationHistory, h.handleConversationHistory)
	d.RegisterFunc(ws.ActionArchiveSearch, h.handleArchiveSearch)
}

// errorCode maps swarm errors onto wire error codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, swarm.ErrAgentNotFound):
		return ws.ErrorCodeNotFound
	case errors.Is(err, swarm.ErrNotManager), errors.Is(err, swarm.ErrNotOwned):
		return ws.ErrorCodeForbidden
	case errors.Is(err, swarm.ErrAgentNotRunning), errors.Is(err, swarm.ErrAgentTerminated):
		return ws.ErrorCodeValidation
	default:
		return ws.ErrorCodeInternalError
	}
}

func (h *SwarmHandlers) fail(msg *ws.Message, err error) (*ws.Message, error) {
	return ws.NewError(msg.ID, msg.Action, errorCode(err), err.Error(), nil)
}

func (h *SwarmHandlers) badRequest(msg *ws.Message, detail string) (*ws.Message, error) {
	return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeBadRequest, detail, nil)
}

func (h *SwarmHandlers) handleMessageSend(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req v1.SendMessageRequest
	if err := msg.ParsePayload(&req); err != nil {
		return h.badRequest(msg, "Invalid payload: "+err.Error())
	}
	if req.Text == "" && len(req.Attachments) == 0 {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "text is required", nil)
	}

	attachments, err := toSwarmAttachments(req.Attachments)
	if err != nil {
		return h.badRequest(msg, err.Error())
	}

	receipt, err := h.manager.HandleUserMessage(ctx, req.Text, swarm.HandleOptions{
		TargetAgentID: req.AgentID,
		SourceContext: toSwarmSourceContext(req.Source),
		Attachments:   attachments,
	})
	if err != nil {
		return h.fail(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"delivery_id":   receipt.DeliveryID,
		"accepted_mode": string(receipt.AcceptedMode),
	})
}

func (h *SwarmHandlers) handleAgentsList(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"agents": toAPIAgents(h.manager.ListAgents()),
	})
}

func (h *SwarmHandlers) handleAgentSpawn(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req v1.SpawnAgentRequest
	if err := msg.ParsePayload(&req); err != nil {
		return h.badRequest(msg, "Invalid payload: "+err.Error())
	}
	callerID := req.ManagerID
	if callerID == "" {
		callerID = h.manager.PrimaryManagerID()
	}

	desc, err := h.manager.SpawnAgent(ctx, callerID, swarm.SpawnInput{
		AgentID:        req.AgentID,
		DisplayName:    req.DisplayName,
		Cwd:            req.Cwd,
		Model:          req.Model,
		ArchetypeID:    req.ArchetypeID,
		SystemPrompt:   req.SystemPrompt,
		InitialMessage: req.InitialPrompt,
	})
	if err != nil {
		return h.fail(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"agent": toAPIAgent(desc),
	})
}

func (h *SwarmHandlers) handleAgentKill(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req v1.KillAgentRequest
	if err := msg.ParsePayload(&req); err != nil {
		return h.badRequest(msg, "Invalid payload: "+err.Error())
	}
	if req.AgentID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "agent_id is required", nil)
	}
	callerID := req.ManagerID
	if callerID == "" {
		callerID = h.manager.PrimaryManagerID()
	}

	if err := h.manager.KillAgent(ctx, callerID, req.AgentID); err != nil {
		return h.fail(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"success":  true,
		"agent_id": req.AgentID,
	})
}

func (h *SwarmHandlers) handleAgentStop(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req v1.StopAgentRequest
	if err := msg.ParsePayload(&req); err != nil {
		return h.badRequest(msg, "Invalid payload: "+err.Error())
	}
	if req.AgentID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "agent_id is required", nil)
	}

	if err := h.manager.StopAgentInFlight(req.AgentID, true); err != nil {
		return h.fail(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"success":  true,
		"agent_id": req.AgentID,
	})
}

func (h *SwarmHandlers) handleManagerCreate(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req v1.CreateManagerRequest
	if err := msg.ParsePayload(&req); err != nil {
		return h.badRequest(msg, "Invalid payload: "+err.Error())
	}
	if req.ManagerID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "manager_id is required", nil)
	}

	desc, err := h.manager.CreateManager(ctx, h.manager.PrimaryManagerID(), swarm.CreateManagerInput{
		Name:  req.ManagerID,
		Cwd:   req.Cwd,
		Model: req.Model,
	})
	if err != nil {
		return h.fail(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"agent": toAPIAgent(desc),
	})
}

func (h *SwarmHandlers) handleManagerDelete(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req v1.DeleteManagerRequest
	if err := msg.ParsePayload(&req); err != nil {
		return h.badRequest(msg, "Invalid payload: "+err.Error())
	}
	if req.ManagerID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "manager_id is required", nil)
	}

	if err := h.manager.DeleteManager(ctx, h.manager.PrimaryManagerID(), req.ManagerID); err != nil {
		return h.fail(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"success":    true,
		"manager_id": req.ManagerID,
	})
}

func (h *SwarmHandlers) handleSessionReset(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req v1.ResetSessionRequest
	if err := msg.ParsePayload(&req); err != nil {
		return h.badRequest(msg, "Invalid payload: "+err.Error())
	}
	if req.ManagerID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "manager_id is required", nil)
	}

	if err := h.manager.ResetManagerSession(ctx, req.ManagerID, "user requested reset"); err != nil {
		return h.fail(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"success":    true,
		"manager_id": req.ManagerID,
	})
}

func (h *SwarmHandlers) handleContextCompact(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req v1.CompactContextRequest
	if err := msg.ParsePayload(&req); err != nil {
		return h.badRequest(msg, "Invalid payload: "+err.Error())
	}
	if req.AgentID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "agent_id is required", nil)
	}

	if err := h.manager.CompactAgentContext(ctx, req.AgentID, ""); err != nil {
		return h.fail(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"success":  true,
		"agent_id": req.AgentID,
	})
}

func (h *SwarmHandlers) handleScheduleAdd(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	if h.scheduler == nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, "scheduler is disabled", nil)
	}
	var req v1.AddScheduleRequest
	if err := msg.ParsePayload(&req); err != nil {
		return h.badRequest(msg, "Invalid payload: "+err.Error())
	}
	managerID := req.ManagerID
	if managerID == "" {
		managerID = h.manager.PrimaryManagerID()
	}

	schedule, err := h.scheduler.Add(managerID, cron.Spec{
		Name:     req.Name,
		Cron:     req.Cron,
		Message:  req.Message,
		OneShot:  req.OneShot,
		Timezone: req.Timezone,
	})
	if err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, err.Error(), nil)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"schedule": toAPISchedule(managerID, *schedule),
	})
}

func (h *SwarmHandlers) handleScheduleRemove(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	if h.scheduler == nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, "scheduler is disabled", nil)
	}
	var req v1.RemoveScheduleRequest
	if err := msg.ParsePayload(&req); err != nil {
		return h.badRequest(msg, "Invalid payload: "+err.Error())
	}
	managerID := req.ManagerID
	if managerID == "" {
		managerID = h.manager.PrimaryManagerID()
	}
	if req.ScheduleID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "schedule_id is required", nil)
	}

	if err := h.scheduler.Remove(managerID, req.ScheduleID); err != nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeNotFound, err.Error(), nil)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"success":     true,
		"schedule_id": req.ScheduleID,
	})
}

func (h *SwarmHandlers) handleScheduleList(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	if h.scheduler == nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, "scheduler is disabled", nil)
	}
	var req v1.ListSchedulesRequest
	if err := msg.ParsePayload(&req); err != nil {
		return h.badRequest(msg, "Invalid payload: "+err.Error())
	}
	managerID := req.ManagerID
	if managerID == "" {
		managerID = h.manager.PrimaryManagerID()
	}

	schedules, err := h.scheduler.List(managerID)
	if err != nil {
		return h.fail(msg, err)
	}
	out := make([]v1.Schedule, 0, len(schedules))
	for _, s := range schedules {
		out = append(out, toAPISchedule(managerID, s))
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"schedules": out,
	})
}

func (h *SwarmHandlers) handleConversationHistory(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	var req v1.ConversationHistoryRequest
	if err := msg.ParsePayload(&req); err != nil {
		return h.badRequest(msg, "Invalid payload: "+err.Error())
	}
	if req.AgentID == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "agent_id is required", nil)
	}

	entries, err := h.manager.GetConversationHistory(req.AgentID)
	if err != nil {
		return h.fail(msg, err)
	}
	if req.Limit > 0 && len(entries) > req.Limit {
		entries = entries[len(entries)-req.Limit:]
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"agent_id": req.AgentID,
		"entries":  toAPIEntries(entries),
	})
}

func (h *SwarmHandlers) handleArchiveSearch(ctx context.Context, msg *ws.Message) (*ws.Message, error) {
	if h.archive == nil {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeInternalError, "archive is disabled", nil)
	}
	var req v1.ArchiveSearchRequest
	if err := msg.ParsePayload(&req); err != nil {
		return h.badRequest(msg, "Invalid payload: "+err.Error())
	}
	if req.Query == "" {
		return ws.NewError(msg.ID, msg.Action, ws.ErrorCodeValidation, "query is required", nil)
	}

	results, err := h.archive.Search(ctx, req.Query, req.AgentID, req.Limit)
	if err != nil {
		return h.fail(msg, err)
	}
	return ws.NewResponse(msg.ID, msg.Action, map[string]interface{}{
		"results": results,
	})
}
