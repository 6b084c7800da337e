package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/swarmdev/swarmd/internal/swarm/session"
	"github.com/swarmdev/swarmd/pkg/codex"
)

// toolCallTimeout bounds a single dynamic tool invocation. Spawning an
// agent is the slowest tool and includes a full child boot sequence.
const toolCallTimeout = 5 * time.Minute

type jobKind int

const (
	jobNotification jobKind = iota
	jobRequest
	jobExit
)

type requestReply struct {
	result interface{}
	err    error
}

type dispatchJob struct {
	kind   jobKind
	method string
	params json.RawMessage
	reply  chan requestReply
	exit   codex.ExitStatus
}

// enqueueNotification runs on the client's read goroutine. Jobs are handed
// to the dispatch goroutine so handlers may call back into the client.
func (rt *Runtime) enqueueNotification(method string, params json.RawMessage) {
	rt.jobs <- dispatchJob{kind: jobNotification, method: method, params: params}
}

// enqueueRequest blocks the read goroutine until the dispatch goroutine
// produced a response. The wire protocol is an ordered stream, so this is
// the serialization point for server-initiated work.
func (rt *Runtime) enqueueRequest(method string, params json.RawMessage) (interface{}, error) {
	reply := make(chan requestReply, 1)
	rt.jobs <- dispatchJob{kind: jobRequest, method: method, params: params, reply: reply}
	r := <-reply
	return r.result, r.err
}

// enqueueExit runs after the client's read loops have finished, so the
// exit job is always the last job the dispatcher sees.
func (rt *Runtime) enqueueExit(status codex.ExitStatus) {
	rt.jobs <- dispatchJob{kind: jobExit, exit: status}
}

// dispatchLoop serializes notification handling, server-request handling
// and exit handling for one runtime. It exits after the exit job.
func (rt *Runtime) dispatchLoop() {
	for job := range rt.jobs {
		switch job.kind {
		case jobNotification:
			rt.translateNotification(job.method, job.params)
		case jobRequest:
			result, err := rt.processServerRequest(job.method, job.params)
			job.reply <- requestReply{result: result, err: err}
		case jobExit:
			rt.handleExitJob(job.exit)
			return
		}
	}
}

// translateNotification maps child notifications onto normalized session
// events and state transitions. Notifications arriving after termination
// are dropped.
func (rt *Runtime) translateNotification(method string, params json.RawMessage) {
	rt.mu.Lock()
	terminated := rt.state == StateTerminated
	if !terminated {
		rt.lastRawMethod, rt.lastRawParams = method, params
	}
	rt.mu.Unlock()
	if terminated {
		return
	}

	switch method {
	case codex.NotifyTurnStarted:
		rt.onTurnStarted(params)
	case codex.NotifyTurnCompleted:
		rt.onTurnCompleted(params)
	case codex.NotifyItemStarted:
		rt.onItemStarted(params)
	case codex.NotifyItemCompleted:
		rt.onItemCompleted(params)
	case codex.NotifyItemAgentMessageDelta:
		rt.onAgentMessageDelta(params)
	case codex.NotifyError:
		rt.onErrorNotification(params)
	case codex.NotifyThreadTokenUsageUpdated:
		rt.onTokenUsage(params)
	case codex.NotifyContextCompactionStarted:
		rt.emit(SessionEvent{Kind: EventAutoCompactionStart})
	case codex.NotifyContextCompacted:
		rt.emit(SessionEvent{Kind: EventAutoCompactionEnd})
	case codex.NotifyTurnRetryStarted:
		rt.onTurnRetry(params, EventAutoRetryStart)
	case codex.NotifyTurnRetryCompleted:
		rt.onTurnRetry(params, EventAutoRetryEnd)
	case codex.NotifyThreadStarted, codex.NotifyTurnDiffUpdated, codex.NotifyTurnPlanUpdated,
		codex.NotifyItemReasoningSummaryDelta, codex.NotifyItemReasoningTextDelta,
		codex.NotifyAccountUpdated, codex.NotifyAccountLoginCompleted, codex.NotifyTokenCount:
		// Informational; nothing to project.
	default:
		if strings.HasSuffix(method, codex.OutputDeltaSuffix) {
			rt.onOutputDelta(params)
			return
		}
		rt.logger.Debug("unhandled codex notification", zap.String("method", method))
	}
}

func (rt *Runtime) onTurnStarted(params json.RawMessage) {
	var p codex.TurnStartedParams
	if err := json.Unmarshal(params, &p); err != nil || p.Turn == nil || p.Turn.ID == "" {
		rt.logger.Warn("malformed turn/started notification", zap.Error(err))
		return
	}

	rt.mu.Lock()
	rt.activeTurnID = p.Turn.ID
	rt.startPending = false
	rt.state = StateStreaming
	rt.mu.Unlock()

	rt.emit(SessionEvent{Kind: EventAgentStart, TurnID: p.Turn.ID})
	rt.emit(SessionEvent{Kind: EventTurnStart, TurnID: p.Turn.ID})
	rt.emitStatus()
	go rt.flushSteers()
}

func (rt *Runtime) onTurnCompleted(params json.RawMessage) {
	var p codex.TurnCompletedParams
	if err := json.Unmarshal(params, &p); err != nil {
		rt.logger.Warn("malformed turn/completed notification", zap.Error(err))
		return
	}

	rt.mu.Lock()
	turnID := rt.activeTurnID
	if turnID == "" {
		turnID = p.TurnID
	}
	rt.activeTurnID = ""
	rt.startPending = false
	// Steers that never flushed are stale now; their expected turn is gone.
	dropped := len(rt.queuedSteers)
	rt.queuedSteers = nil
	rt.state = StateIdle
	waiter := rt.compactWaiter
	rt.compactWaiter = nil
	rt.mu.Unlock()

	if dropped > 0 {
		rt.logger.Debug("dropped queued steers at turn boundary", zap.Int("count", dropped))
	}
	if waiter != nil {
		if p.Success {
			waiter <- nil
		} else {
			waiter <- errors.New(compactionFailureMessage(p.Error))
		}
	}

	ev := SessionEvent{Kind: EventTurnEnd, TurnID: turnID}
	if !p.Success {
		ev.IsError = true
		ev.ErrorMessage = p.Error
	}
	rt.emit(ev)
	ev.Kind = EventAgentEnd
	rt.emit(ev)
	rt.emitStatus()

	if rt.cb.OnAgentEnd != nil {
		rt.cb.OnAgentEnd()
	}
}

func compactionFailureMessage(detail string) string {
	if detail == "" {
		return "compaction turn failed"
	}
	return "compaction turn failed: " + detail
}

func (rt *Runtime) onItemStarted(params json.RawMessage) {
	var p codex.ItemStartedParams
	if err := json.Unmarshal(params, &p); err != nil || p.Item == nil {
		rt.logger.Warn("malformed item/started notification", zap.Error(err))
		return
	}
	item := p.Item

	switch item.Type {
	case "userMessage":
		rt.ackPendingDelivery(item.Text)
		rt.emit(SessionEvent{
			Kind:   EventMessageStart,
			TurnID: p.TurnID,
			ItemID: item.ID,
			Role:   "user",
			Text:   item.Text,
		})
	case "agentMessage":
		rt.emit(SessionEvent{
			Kind:   EventMessageStart,
			TurnID: p.TurnID,
			ItemID: item.ID,
			Role:   "assistant",
			Text:   item.Text,
		})
	case "reasoning":
		// Reasoning streams are not projected into the session.
	default:
		name := normalizeToolName(item)
		rt.mu.Lock()
		rt.toolNameByItem[item.ID] = name
		rt.mu.Unlock()
		rt.emit(SessionEvent{
			Kind:     EventToolExecutionStart,
			TurnID:   p.TurnID,
			ItemID:   item.ID,
			ToolName: name,
			Text:     toolDetail(item),
		})
	}
}

func (rt *Runtime) onItemCompleted(params json.RawMessage) {
	var p codex.ItemCompletedParams
	if err := json.Unmarshal(params, &p); err != nil || p.Item == nil {
		rt.logger.Warn("malformed item/completed notification", zap.Error(err))
		return
	}
	item := p.Item

	switch item.Type {
	case "userMessage", "agentMessage":
		role := "assistant"
		if item.Type == "userMessage" {
			role = "user"
		}
		rt.emit(SessionEvent{
			Kind:   EventMessageEnd,
			TurnID: p.TurnID,
			ItemID: item.ID,
			Role:   role,
			Text:   item.Text,
		})
	case "reasoning":
		// Skipped, as at item/started.
	default:
		rt.mu.Lock()
		name, ok := rt.toolNameByItem[item.ID]
		delete(rt.toolNameByItem, item.ID)
		rt.mu.Unlock()
		if !ok {
			name = normalizeToolName(item)
		}

		failed := item.Status == "failed" || item.Status == "declined"
		ev := SessionEvent{
			Kind:     EventToolExecutionEnd,
			TurnID:   p.TurnID,
			ItemID:   item.ID,
			ToolName: name,
			Text:     toolOutput(item),
		}
		if failed {
			ev.IsError = true
			ev.ErrorMessage = item.ToolError
			if ev.ErrorMessage == "" {
				ev.ErrorMessage = fmt.Sprintf("%s %s", name, item.Status)
			}
		}
		rt.emit(ev)
	}
}

func (rt *Runtime) onAgentMessageDelta(params json.RawMessage) {
	var p codex.AgentMessageDeltaParams
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	rt.emit(SessionEvent{
		Kind:   EventMessageUpdate,
		TurnID: p.TurnID,
		ItemID: p.ItemID,
		Role:   "assistant",
		Text:   p.Delta,
	})
}

func (rt *Runtime) onOutputDelta(params json.RawMessage) {
	var p codex.OutputDeltaParams
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	rt.mu.Lock()
	name := rt.toolNameByItem[p.ItemID]
	rt.mu.Unlock()
	if name == "" {
		return
	}
	rt.emit(SessionEvent{
		Kind:     EventToolExecutionUpdate,
		TurnID:   p.TurnID,
		ItemID:   p.ItemID,
		ToolName: name,
		Text:     p.Delta,
	})
}

func (rt *Runtime) onErrorNotification(params json.RawMessage) {
	var p codex.ErrorParams
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	rt.logger.Warn("codex reported an error",
		zap.Int("code", p.Code),
		zap.String("message", p.Message))
	if rt.cb.OnRuntimeError != nil {
		rt.cb.OnRuntimeError(PhaseChild, errors.New(p.Message))
	}
}

func (rt *Runtime) onTokenUsage(params json.RawMessage) {
	var p codex.ThreadTokenUsageUpdatedParams
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	if p.TokenUsage == nil || p.TokenUsage.ModelContextWindow <= 0 {
		return
	}
	var used int64
	if p.TokenUsage.Last != nil {
		used = int64(p.TokenUsage.Last.TotalTokens)
	}
	usage := ContextUsage{Tokens: used, ContextWindow: p.TokenUsage.ModelContextWindow}

	rt.mu.Lock()
	rt.usage = &usage
	rt.mu.Unlock()

	err := rt.cfg.Store.AppendCustom(rt.cfg.SessionFile, session.CustomContextWindow,
		session.ContextWindow{Tokens: usage.Tokens, ContextWindow: usage.ContextWindow})
	if err != nil {
		rt.logger.Warn("failed to persist context window usage", zap.Error(err))
	}
	if rt.cb.OnContextUsage != nil {
		rt.cb.OnContextUsage(usage)
	}
}

func (rt *Runtime) onTurnRetry(params json.RawMessage, kind EventKind) {
	var p codex.TurnRetryParams
	_ = json.Unmarshal(params, &p)
	rt.emit(SessionEvent{Kind: kind, TurnID: p.TurnID, Text: p.Message})
}

// ackPendingDelivery removes the oldest pending delivery whose fingerprint
// matches the child's userMessage echo. The echo carries only text, so a
// text-only fingerprint also matches deliveries that included images.
func (rt *Runtime) ackPendingDelivery(text string) {
	k := messageKey(text, nil)
	rt.mu.Lock()
	defer rt.mu.Unlock()
	for i, d := range rt.pendingDeliveries {
		if d.key == k || d.textKey == k {
			rt.pendingDeliveries = append(rt.pendingDeliveries[:i], rt.pendingDeliveries[i+1:]...)
			return
		}
	}
}

// processServerRequest answers server-initiated requests. The swarm runs
// headless, so approvals are accepted and interactive questions get empty
// answers rather than stalling the turn.
func (rt *Runtime) processServerRequest(method string, params json.RawMessage) (interface{}, error) {
	switch method {
	case codex.MethodCmdExecApproval, codex.MethodFileChangeApproval:
		return codex.ApprovalResponse{Decision: codex.DecisionAccept}, nil

	case codex.MethodToolRequestUserInput:
		var p codex.RequestUserInputParams
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, &codex.Error{Code: codex.InvalidParams, Message: err.Error()}
		}
		answers := make(map[string]string, len(p.Questions))
		for _, q := range p.Questions {
			answers[q.ID] = ""
		}
		return codex.RequestUserInputResult{Answers: answers}, nil

	case codex.MethodToolCall:
		return rt.processToolCall(params)

	default:
		return nil, &codex.Error{Code: codex.MethodNotFound, Message: "unsupported request: " + method}
	}
}

func (rt *Runtime) processToolCall(params json.RawMessage) (interface{}, error) {
	var p codex.ToolCallParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, &codex.Error{Code: codex.InvalidParams, Message: err.Error()}
	}
	if rt.cfg.ToolBridge == nil {
		return nil, &codex.Error{Code: codex.MethodNotFound, Message: "no tools available"}
	}

	rt.logger.Info("dynamic tool call", zap.String("tool", p.Tool))
	ctx, cancel := context.WithTimeout(context.Background(), toolCallTimeout)
	defer cancel()

	output, err := rt.cfg.ToolBridge.CallTool(ctx, rt.cfg.AgentID, p.Tool, p.Arguments)
	if err != nil {
		// Tool failures are results the model should see, not RPC errors.
		return codex.ToolCallResult{Output: err.Error(), IsError: true}, nil
	}
	return codex.ToolCallResult{Output: output}, nil
}

// handleExitJob finalizes the runtime after the child process exited. An
// exit that was not initiated by Terminate is surfaced as a synthetic tool
// failure so session consumers see why the agent stopped.
func (rt *Runtime) handleExitJob(status codex.ExitStatus) {
	rt.mu.Lock()
	wasTerminated := rt.state == StateTerminated
	rt.state = StateTerminated
	rt.activeTurnID = ""
	rt.startPending = false
	rt.queuedSteers = nil
	rt.pendingDeliveries = nil
	waiter := rt.compactWaiter
	rt.compactWaiter = nil
	rt.mu.Unlock()

	exitErr := fmt.Errorf("codex process exited unexpectedly (%s)", status.String())
	if waiter != nil {
		waiter <- exitErr
	}
	if wasTerminated {
		return
	}

	rt.logger.Warn("codex process exited", zap.String("status", status.String()))
	if rt.cb.OnRuntimeError != nil {
		rt.cb.OnRuntimeError(PhaseRuntimeExit, exitErr)
	}
	rt.emit(SessionEvent{
		Kind:         EventToolExecutionEnd,
		ToolName:     "runtime",
		IsError:      true,
		ErrorMessage: exitErr.Error(),
	})
	rt.emitStatus()
}

// normalizeToolName maps item types onto the flat tool naming scheme used
// in session events.
func normalizeToolName(item *codex.Item) string {
	switch item.Type {
	case "commandExecution":
		return "command_execution"
	case "fileChange":
		return "file_change"
	case "mcpToolCall":
		return "mcp:" + item.Server + "/" + item.Tool
	case "collabAgentToolCall":
		return "collab:" + item.Tool
	case "webSearch":
		return "web_search"
	case "imageView":
		return "image_view"
	default:
		return item.Type
	}
}

func toolDetail(item *codex.Item) string {
	switch item.Type {
	case "commandExecution":
		return item.Command
	case "fileChange":
		paths := make([]string, 0, len(item.Changes))
		for _, ch := range item.Changes {
			paths = append(paths, ch.Path)
		}
		return strings.Join(paths, ", ")
	case "mcpToolCall", "collabAgentToolCall":
		return string(item.Arguments)
	case "webSearch":
		return item.Query
	case "imageView":
		return item.Path
	default:
		return ""
	}
}

func toolOutput(item *codex.Item) string {
	switch item.Type {
	case "commandExecution":
		return item.AggregatedOutput
	case "mcpToolCall", "collabAgentToolCall":
		return string(item.Result)
	default:
		return ""
	}
}
