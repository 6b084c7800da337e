// Package runtime drives one Codex child process as a swarm agent: it owns
// the turn/steer state machine, translates child notifications into
// normalized session events, and persists thread state so agents survive
// daemon restarts.
package runtime

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/swarmdev/swarmd/internal/common/logger"
	"github.com/swarmdev/swarmd/internal/swarm/session"
	"github.com/swarmdev/swarmd/internal/tracing"
	"github.com/swarmdev/swarmd/pkg/codex"
)

const (
	clientName    = "swarmd"
	clientVersion = "1.0.0"

	// interruptTimeout bounds the best-effort turn/interrupt on terminate.
	interruptTimeout = 5 * time.Second
	// compactTimeout caps how long Compact waits for the child to finish.
	compactTimeout = 5 * time.Minute
)

// State is the runtime's internal lifecycle state.
type State string

const (
	StateIdle       State = "idle"
	StateStarting   State = "starting"
	StateStreaming  State = "streaming"
	StateTerminated State = "terminated"
)

// PublicStatus maps internal states onto the descriptor status vocabulary.
// Starting is externally indistinguishable from streaming.
func (s State) PublicStatus() string {
	switch s {
	case StateStarting, StateStreaming:
		return "streaming"
	case StateTerminated:
		return "terminated"
	default:
		return "idle"
	}
}

// Mode selects how a message is delivered into the child.
type Mode string

const (
	// ModePrompt starts a new turn and requires an idle runtime.
	ModePrompt Mode = "prompt"
	// ModeSteer injects into the current turn, or starts one when idle.
	ModeSteer Mode = "steer"
	// ModeAuto picks prompt when idle, steer otherwise.
	ModeAuto Mode = "auto"
	// ModeFollowUp behaves like auto here; callers with their own
	// concurrency policy collapse it to steer when the runtime is busy.
	ModeFollowUp Mode = "followUp"
)

// Image is an inline image attachment.
type Image struct {
	MimeType string
	Base64   string
}

// Input is one message handed to SendMessage.
type Input struct {
	Text   string
	Images []Image
	Mode   Mode
}

// Receipt reports how a message was accepted.
type Receipt struct {
	DeliveryID   string
	AcceptedMode Mode
}

// ContextUsage is the latest token usage snapshot for the agent's thread.
type ContextUsage struct {
	Tokens        int64
	ContextWindow int64
}

// Callbacks connect a runtime to its owner. All callbacks are invoked from
// the runtime's dispatch goroutine or the calling goroutine of an
// operation; implementations must not call back into the same runtime's
// blocking operations.
type Callbacks struct {
	OnSessionEvent func(SessionEvent)
	OnAgentEnd     func()
	OnRuntimeError func(phase string, err error)
	OnStatus       func(status string)
	OnContextUsage func(ContextUsage)
}

// ToolBridge dispatches dynamic tool invocations from the child back into
// swarm operations. Only manager runtimes carry one.
type ToolBridge interface {
	CallTool(ctx context.Context, agentID, tool string, arguments json.RawMessage) (string, error)
}

// Config describes one agent runtime.
type Config struct {
	AgentID string
	Cwd     string
	// Model is a "provider/modelId/thinkingLevel" preset; empty uses the
	// child's default.
	Model                 string
	SandboxMode           string
	DeveloperInstructions string
	DynamicTools          []codex.DynamicTool

	SessionFile string
	Store       *session.Store

	CodexBin string
	Env      []string

	ToolBridge ToolBridge
	Logger     *logger.Logger
}

// RPCClient is the slice of *codex.Client the runtime drives.
type RPCClient interface {
	Spawn() error
	Call(ctx context.Context, method string, params, result interface{}) error
	CallWithTimeout(ctx context.Context, method string, params, result interface{}, timeout time.Duration) error
	Notify(method string, params interface{}) error
	Dispose()
	Running() bool
	RecentStderr() []string
	SetNotificationHandler(codex.NotificationHandler)
	SetRequestHandler(codex.RequestHandler)
	SetExitHandler(codex.ExitHandler)
	SetStderrHandler(codex.StderrHandler)
}

type delivery struct {
	deliveryID string
	key        string
	textKey    string
}

type steerEntry struct {
	deliveryID string
	input      []codex.UserInput
}

// Runtime is the per-agent turn/steer state machine.
type Runtime struct {
	cfg    Config
	cb     Callbacks
	client RPCClient
	logger *logger.Logger

	mu                sync.Mutex
	state             State
	lastStatus        string
	threadID          string
	activeTurnID      string
	startPending      bool
	flushing          bool
	queuedSteers      []steerEntry
	pendingDeliveries []delivery
	toolNameByItem    map[string]string
	usage             *ContextUsage
	compactWaiter     chan error
	lastRawMethod     string
	lastRawParams     json.RawMessage

	jobs chan dispatchJob
}

// New spawns a Codex child process and runs the initialization sequence.
// On any failure the child is disposed and the runtime is never usable.
func New(ctx context.Context, cfg Config, cb Callbacks) (*Runtime, error) {
	bin := cfg.CodexBin
	if bin == "" {
		bin = os.Getenv("CODEX_BIN")
	}
	if bin == "" {
		bin = "codex"
	}
	client := codex.New(codex.ProcessConfig{
		Command: bin,
		Args:    []string{"app-server"},
		Dir:     cfg.Cwd,
		Env:     cfg.Env,
	}, cfg.Logger)
	return newWithClient(ctx, cfg, cb, client)
}

func newWithClient(ctx context.Context, cfg Config, cb Callbacks, client RPCClient) (*Runtime, error) {
	if cfg.AgentID == "" {
		return nil, &StartupError{Phase: PhaseSpawn, Err: errors.New("agent id is required")}
	}
	if cfg.Store == nil || cfg.SessionFile == "" {
		return nil, &StartupError{Phase: PhaseSpawn, Err: errors.New("session store and file are required")}
	}

	rt := &Runtime{
		cfg:    cfg,
		cb:     cb,
		client: client,
		logger: cfg.Logger.WithAgentID(cfg.AgentID).WithFields(
			zap.String("component", "agent-runtime")),
		state:          StateIdle,
		lastStatus:     StateIdle.PublicStatus(),
		toolNameByItem: make(map[string]string),
		jobs:           make(chan dispatchJob, 1024),
	}

	client.SetNotificationHandler(rt.enqueueNotification)
	client.SetRequestHandler(rt.enqueueRequest)
	client.SetExitHandler(rt.enqueueExit)
	client.SetStderrHandler(rt.handleStderr)

	if err := client.Spawn(); err != nil {
		return nil, &StartupError{Phase: PhaseSpawn, Err: err}
	}
	go rt.dispatchLoop()

	if err := rt.initialize(ctx); err != nil {
		// The runtime was never handed to a caller; the disposal-driven
		// child exit must not be reported as a crash.
		rt.mu.Lock()
		rt.state = StateTerminated
		rt.mu.Unlock()
		client.Dispose()
		return nil, err
	}
	return rt, nil
}

// initialize runs the deterministic boot sequence: initialize handshake,
// authentication, then thread resume-or-start.
func (rt *Runtime) initialize(ctx context.Context) error {
	params := codex.InitializeParams{
		ClientInfo: &codex.ClientInfo{
			Name:    clientName,
			Title:   "Swarm Daemon",
			Version: clientVersion,
		},
	}
	if err := rt.call(ctx, codex.MethodInitialize, params, nil); err != nil {
		return &StartupError{Phase: PhaseInitialize, Err: err}
	}
	if err := rt.client.Notify(codex.MethodInitialized, nil); err != nil {
		return &StartupError{Phase: PhaseInitialize, Err: err}
	}
	if err := rt.ensureAuth(ctx); err != nil {
		return err
	}
	return rt.bootstrapThread(ctx)
}

// ensureAuth verifies the child is authenticated, attempting an API key
// login from the environment when it is not.
func (rt *Runtime) ensureAuth(ctx context.Context) error {
	var acct codex.AccountReadResult
	if err := rt.call(ctx, codex.MethodAccountRead, codex.AccountReadParams{RefreshToken: true}, &acct); err != nil {
		return &StartupError{Phase: PhaseAuth, Err: err}
	}
	if !acct.RequiresOpenaiAuth {
		return nil
	}

	apiKey := os.Getenv("CODEX_API_KEY")
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return &StartupError{Phase: PhaseAuth, Err: errors.New(
			"Codex authentication required: set CODEX_API_KEY or OPENAI_API_KEY, or log in with the Codex CLI")}
	}

	login := codex.AccountLoginStartParams{Type: codex.LoginTypeAPIKey, ApiKey: apiKey}
	if err := rt.call(ctx, codex.MethodAccountLoginStart, login, nil); err != nil {
		return &StartupError{Phase: PhaseAuth, Err: err}
	}
	if err := rt.call(ctx, codex.MethodAccountRead, codex.AccountReadParams{RefreshToken: true}, &acct); err != nil {
		return &StartupError{Phase: PhaseAuth, Err: err}
	}
	if acct.RequiresOpenaiAuth {
		return &StartupError{Phase: PhaseAuth, Err: errors.New(
			"Codex authentication failed: the provided API key was not accepted")}
	}
	return nil
}

// bootstrapThread resumes the persisted thread when one exists, falling
// back to starting a fresh one. The resulting id is always persisted.
func (rt *Runtime) bootstrapThread(ctx context.Context) error {
	if persisted := rt.persistedThreadID(); persisted != "" {
		var res codex.ThreadResumeResult
		err := rt.call(ctx, codex.MethodThreadResume, rt.threadResumeParams(persisted), &res)
		if err == nil && res.Thread != nil && res.Thread.ID != "" {
			rt.setThreadID(res.Thread.ID)
			rt.logger.Info("resumed thread", zap.String("thread_id", res.Thread.ID))
			return nil
		}
		rt.logger.Warn("thread resume failed, starting a new thread",
			zap.String("thread_id", persisted),
			zap.Error(err))
	}

	var res codex.ThreadStartResult
	if err := rt.call(ctx, codex.MethodThreadStart, rt.threadStartParams(), &res); err != nil {
		return &StartupError{Phase: PhaseThread, Err: err}
	}
	if res.Thread == nil || res.Thread.ID == "" {
		return &StartupError{Phase: PhaseThread, Err: errors.New("thread/start returned no thread id")}
	}
	rt.setThreadID(res.Thread.ID)
	rt.logger.Info("started thread", zap.String("thread_id", res.Thread.ID))
	return nil
}

// persistedThreadID reads the last persisted thread id from the session log.
func (rt *Runtime) persistedThreadID() string {
	records, err := rt.cfg.Store.ReadAll(rt.cfg.SessionFile)
	if err != nil {
		rt.logger.Warn("failed to read session log for thread id", zap.Error(err))
		return ""
	}
	data, ok := session.LastCustom(records, session.CustomRuntimeState)
	if !ok {
		return ""
	}
	var state session.RuntimeState
	if err := json.Unmarshal(data, &state); err != nil {
		rt.logger.Warn("unparseable runtime state record", zap.Error(err))
		return ""
	}
	return state.ThreadID
}

// setThreadID records and persists the child-managed thread id.
func (rt *Runtime) setThreadID(id string) {
	rt.mu.Lock()
	rt.threadID = id
	rt.mu.Unlock()

	err := rt.cfg.Store.AppendCustom(rt.cfg.SessionFile, session.CustomRuntimeState, session.RuntimeState{ThreadID: id})
	if err != nil {
		rt.logger.Warn("failed to persist thread id", zap.Error(err))
	}
}

func (rt *Runtime) threadStartParams() codex.ThreadStartParams {
	provider, model, thinking := parseModelPreset(rt.cfg.Model)
	return codex.ThreadStartParams{
		Model:                 model,
		Cwd:                   rt.cfg.Cwd,
		ApprovalPolicy:        "on-request",
		SandboxPolicy:         rt.sandboxPolicy(),
		Config:                modelConfig(provider, thinking),
		DeveloperInstructions: rt.cfg.DeveloperInstructions,
		DynamicTools:          rt.cfg.DynamicTools,
	}
}

func (rt *Runtime) threadResumeParams(threadID string) codex.ThreadResumeParams {
	provider, model, thinking := parseModelPreset(rt.cfg.Model)
	return codex.ThreadResumeParams{
		ThreadID:              threadID,
		Model:                 model,
		Cwd:                   rt.cfg.Cwd,
		ApprovalPolicy:        "on-request",
		SandboxPolicy:         rt.sandboxPolicy(),
		Config:                modelConfig(provider, thinking),
		DeveloperInstructions: rt.cfg.DeveloperInstructions,
		DynamicTools:          rt.cfg.DynamicTools,
	}
}

func (rt *Runtime) sandboxPolicy() *codex.SandboxPolicy {
	if rt.cfg.SandboxMode == "" {
		return nil
	}
	return &codex.SandboxPolicy{Type: rt.cfg.SandboxMode}
}

// parseModelPreset splits "provider/modelId/thinkingLevel"; trailing
// segments may be omitted, and a bare id is treated as the model.
func parseModelPreset(preset string) (provider, model, thinking string) {
	parts := strings.Split(strings.TrimSpace(preset), "/")
	switch len(parts) {
	case 0:
		return "", "", ""
	case 1:
		return "", parts[0], ""
	case 2:
		return parts[0], parts[1], ""
	default:
		return parts[0], parts[1], parts[2]
	}
}

func modelConfig(provider, thinking string) map[string]any {
	if provider == "" && thinking == "" {
		return nil
	}
	cfg := make(map[string]any)
	if provider != "" {
		cfg["modelProvider"] = provider
	}
	if thinking != "" {
		cfg["modelReasoningEffort"] = thinking
	}
	return cfg
}

// SendMessage delivers one message: a new turn when the runtime is idle,
// a queued steer into the active turn otherwise. The receipt reports the
// mode actually accepted.
func (rt *Runtime) SendMessage(ctx context.Context, input Input) (*Receipt, error) {
	if strings.TrimSpace(input.Text) == "" && len(input.Images) == 0 {
		return nil, errors.New("message is empty")
	}
	mode := input.Mode
	if mode == "" || mode == ModeFollowUp {
		mode = ModeAuto
	}

	rt.mu.Lock()
	if rt.state == StateTerminated {
		rt.mu.Unlock()
		return nil, ErrTerminated
	}

	busy := rt.state == StateStarting || rt.state == StateStreaming
	if mode == ModePrompt && busy {
		rt.mu.Unlock()
		return nil, errors.New("agent is busy; a prompt requires an idle agent")
	}

	deliveryID := uuid.NewString()
	rt.pendingDeliveries = append(rt.pendingDeliveries, delivery{
		deliveryID: deliveryID,
		key:        messageKey(input.Text, input.Images),
		textKey:    messageKey(input.Text, nil),
	})

	if busy {
		// Steer path: enqueue and flush opportunistically. The flush is a
		// no-op until the child reports the turn id.
		rt.queuedSteers = append(rt.queuedSteers, steerEntry{
			deliveryID: deliveryID,
			input:      buildUserInput(input),
		})
		rt.mu.Unlock()
		go rt.flushSteers()
		return &Receipt{DeliveryID: deliveryID, AcceptedMode: ModeSteer}, nil
	}

	rt.state = StateStarting
	rt.startPending = true
	threadID := rt.threadID
	rt.mu.Unlock()
	rt.emitStatus()

	var res codex.TurnStartResult
	params := codex.TurnStartParams{ThreadID: threadID, Input: buildUserInput(input)}
	if err := rt.call(ctx, codex.MethodTurnStart, params, &res); err != nil {
		rt.recoverFromTurnFailure(PhasePromptStart, err)
		return nil, err
	}

	moved := false
	rt.mu.Lock()
	if rt.state == StateStarting {
		rt.startPending = false
		if res.Turn != nil && res.Turn.ID != "" {
			rt.activeTurnID = res.Turn.ID
			rt.state = StateStreaming
			moved = true
		}
	}
	rt.mu.Unlock()
	if moved {
		rt.emitStatus()
		go rt.flushSteers()
	}
	return &Receipt{DeliveryID: deliveryID, AcceptedMode: ModePrompt}, nil
}

// flushSteers drains queued steers into the active turn, one at a time and
// in order. The expected turn id is captured at flush time; on failure the
// runtime recovers and the remaining queue is dropped.
func (rt *Runtime) flushSteers() {
	rt.mu.Lock()
	if rt.flushing {
		rt.mu.Unlock()
		return
	}
	rt.flushing = true
	rt.mu.Unlock()
	defer func() {
		rt.mu.Lock()
		rt.flushing = false
		rt.mu.Unlock()
	}()

	for {
		rt.mu.Lock()
		if rt.state == StateTerminated || rt.activeTurnID == "" || len(rt.queuedSteers) == 0 {
			rt.mu.Unlock()
			return
		}
		head := rt.queuedSteers[0]
		params := codex.TurnSteerParams{
			ThreadID:       rt.threadID,
			ExpectedTurnID: rt.activeTurnID,
			Input:          head.input,
		}
		rt.mu.Unlock()

		if err := rt.call(context.Background(), codex.MethodTurnSteer, params, nil); err != nil {
			rt.mu.Lock()
			rolled := rt.activeTurnID != params.ExpectedTurnID
			rt.mu.Unlock()
			if rolled {
				// The turn ended while the steer was in flight. The steer
				// is dropped; its delivery stays pending for a later echo.
				rt.logger.Debug("dropping steer after turn rollover",
					zap.String("expected_turn_id", params.ExpectedTurnID))
				return
			}
			rt.logger.Debug("steer failed",
				zap.String("expected_turn_id", params.ExpectedTurnID),
				zap.Error(err))
			rt.recoverFromTurnFailure(PhaseSteer, err)
			return
		}

		rt.mu.Lock()
		if len(rt.queuedSteers) > 0 && rt.queuedSteers[0].deliveryID == head.deliveryID {
			rt.queuedSteers = rt.queuedSteers[1:]
		}
		rt.mu.Unlock()
	}
}

// recoverFromTurnFailure resets the state machine after a failed turn
// operation: synthetic turn_end/agent_end, queue cleared, back to Idle.
// Pending deliveries are kept; they are acknowledged by a later userMessage
// echo or cleared on stop.
func (rt *Runtime) recoverFromTurnFailure(phase string, cause error) {
	rt.mu.Lock()
	if rt.state == StateTerminated {
		rt.mu.Unlock()
		return
	}
	turnID := rt.activeTurnID
	rt.activeTurnID = ""
	rt.startPending = false
	rt.queuedSteers = nil
	rt.state = StateIdle
	waiter := rt.compactWaiter
	rt.compactWaiter = nil
	rt.mu.Unlock()

	if waiter != nil {
		waiter <- cause
	}

	rt.logger.Debug("recovering from turn failure",
		zap.String("phase", phase),
		zap.Error(cause))

	rt.emit(SessionEvent{Kind: EventTurnEnd, TurnID: turnID, IsError: true, ErrorMessage: cause.Error()})
	rt.emit(SessionEvent{Kind: EventAgentEnd, TurnID: turnID, IsError: true, ErrorMessage: cause.Error()})
	rt.emitStatus()

	if rt.cb.OnRuntimeError != nil {
		rt.cb.OnRuntimeError(phase, cause)
	}
}

// Terminate shuts the runtime down for good. With abort set, an active
// turn is interrupted best-effort first. Idempotent.
func (rt *Runtime) Terminate(abort bool) {
	rt.mu.Lock()
	if rt.state == StateTerminated {
		rt.mu.Unlock()
		return
	}
	threadID, turnID := rt.threadID, rt.activeTurnID
	rt.state = StateTerminated
	rt.activeTurnID = ""
	rt.startPending = false
	rt.queuedSteers = nil
	rt.pendingDeliveries = nil
	waiter := rt.compactWaiter
	rt.compactWaiter = nil
	rt.mu.Unlock()

	if waiter != nil {
		waiter <- ErrTerminated
	}
	if abort && turnID != "" {
		params := codex.TurnInterruptParams{ThreadID: threadID, TurnID: turnID}
		_ = rt.callWithTimeout(context.Background(), codex.MethodTurnInterrupt, params, nil, interruptTimeout)
	}
	rt.client.Dispose()
	rt.emitStatus()
	rt.logger.Info("runtime terminated", zap.Bool("abort", abort))
}

// StopInFlight aborts the active turn without disposing the child; queued
// steers and pending deliveries are cleared and the runtime returns to
// Idle.
func (rt *Runtime) StopInFlight(abort bool) error {
	rt.mu.Lock()
	if rt.state == StateTerminated {
		rt.mu.Unlock()
		return ErrTerminated
	}
	threadID, turnID := rt.threadID, rt.activeTurnID
	rt.activeTurnID = ""
	rt.startPending = false
	rt.queuedSteers = nil
	rt.pendingDeliveries = nil
	rt.state = StateIdle
	rt.mu.Unlock()

	if abort && turnID != "" {
		params := codex.TurnInterruptParams{ThreadID: threadID, TurnID: turnID}
		_ = rt.callWithTimeout(context.Background(), codex.MethodTurnInterrupt, params, nil, interruptTimeout)
	}
	rt.emitStatus()
	return nil
}

// Compact asks the child to compact its context and waits for the
// compaction turn to finish. Requires an idle runtime.
func (rt *Runtime) Compact(ctx context.Context, instructions string) error {
	rt.mu.Lock()
	switch {
	case rt.state == StateTerminated:
		rt.mu.Unlock()
		return ErrTerminated
	case rt.state != StateIdle:
		rt.mu.Unlock()
		return errors.New("compaction requires an idle agent")
	case rt.compactWaiter != nil:
		rt.mu.Unlock()
		return errors.New("compaction already in progress")
	}
	waiter := make(chan error, 1)
	rt.compactWaiter = waiter
	rt.state = StateStarting
	rt.startPending = true
	threadID := rt.threadID
	rt.mu.Unlock()
	rt.emitStatus()

	text := "/compact"
	if s := strings.TrimSpace(instructions); s != "" {
		text += " " + s
	}
	var res codex.TurnStartResult
	params := codex.TurnStartParams{ThreadID: threadID, Input: []codex.UserInput{codex.TextInput(text)}}
	if err := rt.call(ctx, codex.MethodTurnStart, params, &res); err != nil {
		rt.mu.Lock()
		rt.compactWaiter = nil
		rt.mu.Unlock()
		rt.recoverFromTurnFailure(PhaseCompact, err)
		return err
	}

	moved := false
	rt.mu.Lock()
	if rt.state == StateStarting {
		rt.startPending = false
		if res.Turn != nil && res.Turn.ID != "" {
			rt.activeTurnID = res.Turn.ID
			rt.state = StateStreaming
			moved = true
		}
	}
	rt.mu.Unlock()
	if moved {
		rt.emitStatus()
	}

	select {
	case err := <-waiter:
		return err
	case <-ctx.Done():
		rt.clearCompactWaiter()
		return ctx.Err()
	case <-time.After(compactTimeout):
		rt.clearCompactWaiter()
		return errors.New("compaction timed out")
	}
}

func (rt *Runtime) clearCompactWaiter() {
	rt.mu.Lock()
	rt.compactWaiter = nil
	rt.mu.Unlock()
}

// Status returns the public status string.
func (rt *Runtime) Status() string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state.PublicStatus()
}

// State returns the internal state.
func (rt *Runtime) State() State {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.state
}

// ThreadID returns the child-managed thread id.
func (rt *Runtime) ThreadID() string {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return rt.threadID
}

// PendingCount returns the number of unacknowledged deliveries.
func (rt *Runtime) PendingCount() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.pendingDeliveries)
}

// ContextUsage returns the latest token usage snapshot, or nil before the
// first update.
func (rt *Runtime) ContextUsage() *ContextUsage {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if rt.usage == nil {
		return nil
	}
	u := *rt.usage
	return &u
}

// RecentStderr exposes the child's recent stderr for error reporting.
func (rt *Runtime) RecentStderr() []string {
	return rt.client.RecentStderr()
}

func (rt *Runtime) emit(ev SessionEvent) {
	ev.AgentID = rt.cfg.AgentID
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	rt.mu.Lock()
	rawMethod, rawParams := rt.lastRawMethod, rt.lastRawParams
	rt.mu.Unlock()
	if rawMethod != "" {
		tracing.TraceProtocolEvent(context.Background(), rt.cfg.AgentID, rawMethod, rawParams, &ev)
	}
	if rt.cb.OnSessionEvent != nil {
		rt.cb.OnSessionEvent(ev)
	}
}

// emitStatus publishes the public status when it changed since the last
// emission.
func (rt *Runtime) emitStatus() {
	rt.mu.Lock()
	status := rt.state.PublicStatus()
	if status == rt.lastStatus {
		rt.mu.Unlock()
		return
	}
	rt.lastStatus = status
	rt.mu.Unlock()
	if rt.cb.OnStatus != nil {
		rt.cb.OnStatus(status)
	}
}

// call wraps an outgoing JSON-RPC request in a client span so slow or
// failing Codex calls show up per agent in traces.
func (rt *Runtime) call(ctx context.Context, method string, params, result interface{}) error {
	ctx, span := tracing.TraceRPCRequest(ctx, rt.cfg.AgentID, method)
	defer span.End()
	err := rt.client.Call(ctx, method, params, result)
	tracing.TraceRPCResponse(span, err)
	return err
}

func (rt *Runtime) callWithTimeout(ctx context.Context, method string, params, result interface{}, timeout time.Duration) error {
	ctx, span := tracing.TraceRPCRequest(ctx, rt.cfg.AgentID, method)
	defer span.End()
	err := rt.client.CallWithTimeout(ctx, method, params, result, timeout)
	tracing.TraceRPCResponse(span, err)
	return err
}

func (rt *Runtime) handleStderr(line string) {
	rt.logger.Debug("codex stderr", zap.String("line", line))
}

// buildUserInput converts an Input into the wire input parts.
func buildUserInput(in Input) []codex.UserInput {
	var parts []codex.UserInput
	if text := strings.TrimSpace(in.Text); text != "" {
		parts = append(parts, codex.TextInput(text))
	}
	for _, img := range in.Images {
		parts = append(parts, codex.ImageInput("data:"+img.MimeType+";base64,"+img.Base64))
	}
	return parts
}

// messageKey fingerprints a message so the child's userMessage echo can be
// matched back to its pending delivery: normalized text plus, per image,
// mime type, payload length and the first 24 base64 characters.
func messageKey(text string, images []Image) string {
	h := sha256.New()
	_, _ = io.WriteString(h, normalizeText(text))
	for _, img := range images {
		prefix := img.Base64
		if len(prefix) > 24 {
			prefix = prefix[:24]
		}
		fmt.Fprintf(h, "|%s:%d:%s", img.MimeType, len(img.Base64), prefix)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func normalizeText(text string) string {
	return strings.TrimSpace(strings.ReplaceAll(text, "\r\n", "\n"))
}
