package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/swarmdev/swarmd/internal/common/logger"
	"github.com/swarmdev/swarmd/internal/swarm/session"
	"github.com/swarmdev/swarmd/pkg/codex"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	if err != nil {
		t.Fatalf("failed to create logger: %v", err)
	}
	return log
}

type fakeCall struct {
	method string
	params interface{}
}

// fakeClient is a scripted RPCClient. The respond function supplies the
// result for each outbound call; handlers registered by the runtime are
// invoked directly by tests to simulate child traffic.
type fakeClient struct {
	mu       sync.Mutex
	calls    []fakeCall
	notifies []fakeCall
	respond  func(method string, params interface{}) (interface{}, error)
	spawnErr error
	disposed bool

	onNotify  codex.NotificationHandler
	onRequest codex.RequestHandler
	onExit    codex.ExitHandler
	onStderr  codex.StderrHandler
}

func (f *fakeClient) Spawn() error { return f.spawnErr }

func (f *fakeClient) Call(ctx context.Context, method string, params, result interface{}) error {
	f.mu.Lock()
	f.calls = append(f.calls, fakeCall{method: method, params: params})
	fn := f.respond
	f.mu.Unlock()
	if fn == nil {
		return nil
	}
	res, err := fn(method, params)
	if err != nil {
		return err
	}
	if result != nil && res != nil {
		b, err := json.Marshal(res)
		if err != nil {
			return err
		}
		return json.Unmarshal(b, result)
	}
	return nil
}

func (f *fakeClient) CallWithTimeout(ctx context.Context, method string, params, result interface{}, timeout time.Duration) error {
	return f.Call(ctx, method, params, result)
}

func (f *fakeClient) Notify(method string, params interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notifies = append(f.notifies, fakeCall{method: method, params: params})
	return nil
}

func (f *fakeClient) Dispose() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.disposed = true
}

func (f *fakeClient) Running() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.disposed
}

func (f *fakeClient) RecentStderr() []string { return nil }

func (f *fakeClient) SetNotificationHandler(h codex.NotificationHandler) { f.onNotify = h }
func (f *fakeClient) SetRequestHandler(h codex.RequestHandler)           { f.onRequest = h }
func (f *fakeClient) SetExitHandler(h codex.ExitHandler)                 { f.onExit = h }
func (f *fakeClient) SetStderrHandler(h codex.StderrHandler)             { f.onStderr = h }

func (f *fakeClient) methods() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.method
	}
	return out
}

func (f *fakeClient) callsFor(method string) []fakeCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []fakeCall
	for _, c := range f.calls {
		if c.method == method {
			out = append(out, c)
		}
	}
	return out
}

func (f *fakeClient) isDisposed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.disposed
}

// defaultScript answers the boot sequence plus turn/start; thread/resume
// always fails so fresh harnesses start a new thread.
func defaultScript(threadID, turnID string) func(string, interface{}) (interface{}, error) {
	return func(method string, params interface{}) (interface{}, error) {
		switch method {
		case codex.MethodInitialize:
			return codex.InitializeResult{UserAgent: "codex-test"}, nil
		case codex.MethodAccountRead:
			return codex.AccountReadResult{}, nil
		case codex.MethodThreadStart:
			return codex.ThreadStartResult{Thread: &codex.Thread{ID: threadID}}, nil
		case codex.MethodThreadResume:
			return nil, errors.New("unknown thread")
		case codex.MethodTurnStart:
			return codex.TurnStartResult{Turn: &codex.Turn{ID: turnID}}, nil
		default:
			return nil, nil
		}
	}
}

type harnessConfig struct {
	script func(method string, params interface{}) (interface{}, error)
	mutate func(*Config)
	seed   func(t *testing.T, store *session.Store, file string)
	bridge ToolBridge
}

type harness struct {
	t      *testing.T
	rt     *Runtime
	client *fakeClient
	store  *session.Store
	file   string

	mu        sync.Mutex
	events    []SessionEvent
	statuses  []string
	errPhases []string
	usages    []ContextUsage
	agentEnds int
}

func newHarness(t *testing.T, hc harnessConfig) *harness {
	t.Helper()
	log := newTestLogger(t)
	store, err := session.NewStore(t.TempDir(), log)
	if err != nil {
		t.Fatalf("failed to create session store: %v", err)
	}
	file := store.FilePath("agent-1")
	if hc.seed != nil {
		hc.seed(t, store, file)
	}

	script := hc.script
	if script == nil {
		script = defaultScript("th-1", "turn-1")
	}

	h := &harness{t: t, store: store, file: file}
	h.client = &fakeClient{respond: script}

	cfg := Config{
		AgentID:     "agent-1",
		Cwd:         t.TempDir(),
		SessionFile: file,
		Store:       store,
		Logger:      log,
		ToolBridge:  hc.bridge,
	}
	if hc.mutate != nil {
		hc.mutate(&cfg)
	}

	cb := Callbacks{
		OnSessionEvent: func(ev SessionEvent) {
			h.mu.Lock()
			h.events = append(h.events, ev)
			h.mu.Unlock()
		},
		OnAgentEnd: func() {
			h.mu.Lock()
			h.agentEnds++
			h.mu.Unlock()
		},
		OnRuntimeError: func(phase string, err error) {
			h.mu.Lock()
			h.errPhases = append(h.errPhases, phase)
			h.mu.Unlock()
		},
		OnStatus: func(status string) {
			h.mu.Lock()
			h.statuses = append(h.statuses, status)
			h.mu.Unlock()
		},
		OnContextUsage: func(u ContextUsage) {
			h.mu.Lock()
			h.usages = append(h.usages, u)
			h.mu.Unlock()
		},
	}

	rt, err := newWithClient(context.Background(), cfg, cb, h.client)
	if err != nil {
		t.Fatalf("failed to build runtime: %v", err)
	}
	h.rt = rt
	return h
}

func (h *harness) notify(method string, params interface{}) {
	h.t.Helper()
	b, err := json.Marshal(params)
	if err != nil {
		h.t.Fatalf("failed to marshal notification params: %v", err)
	}
	h.client.onNotify(method, b)
}

// sync pushes a no-op request through the dispatcher, guaranteeing every
// previously enqueued notification has been processed when it returns.
func (h *harness) sync() {
	h.t.Helper()
	_, _ = h.client.onRequest("test/sync", nil)
}

func (h *harness) request(method string, params interface{}) (interface{}, error) {
	h.t.Helper()
	b, err := json.Marshal(params)
	if err != nil {
		h.t.Fatalf("failed to marshal request params: %v", err)
	}
	return h.client.onRequest(method, b)
}

func (h *harness) eventKinds() []EventKind {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]EventKind, len(h.events))
	for i, ev := range h.events {
		out[i] = ev.Kind
	}
	return out
}

func (h *harness) eventsOf(kind EventKind) []SessionEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []SessionEvent
	for _, ev := range h.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (h *harness) phases() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.errPhases...)
}

func (h *harness) statusList() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.statuses...)
}

func (h *harness) agentEndCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.agentEnds
}

func (h *harness) prompt(text string) *Receipt {
	h.t.Helper()
	rec, err := h.rt.SendMessage(context.Background(), Input{Text: text})
	if err != nil {
		h.t.Fatalf("prompt failed: %v", err)
	}
	return rec
}

func waitUntil(t *testing.T, cond func() bool, what string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestInitializeSequence(t *testing.T) {
	h := newHarness(t, harnessConfig{})

	want := []string{codex.MethodInitialize, codex.MethodAccountRead, codex.MethodThreadStart}
	got := h.client.methods()
	if len(got) != len(want) {
		t.Fatalf("expected calls %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("call %d: expected %s, got %s", i, want[i], got[i])
		}
	}
	if len(h.client.notifies) != 1 || h.client.notifies[0].method != codex.MethodInitialized {
		t.Fatalf("expected a single initialized notification, got %v", h.client.notifies)
	}

	if h.rt.ThreadID() != "th-1" {
		t.Fatalf("expected thread id th-1, got %q", h.rt.ThreadID())
	}
	if h.rt.State() != StateIdle {
		t.Fatalf("expected idle state, got %s", h.rt.State())
	}

	records, err := h.store.ReadAll(h.file)
	if err != nil {
		t.Fatalf("failed to read session log: %v", err)
	}
	data, ok := session.LastCustom(records, session.CustomRuntimeState)
	if !ok {
		t.Fatal("expected a persisted runtime state record")
	}
	var state session.RuntimeState
	if err := json.Unmarshal(data, &state); err != nil {
		t.Fatalf("failed to decode runtime state: %v", err)
	}
	if state.ThreadID != "th-1" {
		t.Fatalf("expected persisted thread id th-1, got %q", state.ThreadID)
	}
}

func TestInitializeLoginWithAPIKey(t *testing.T) {
	t.Setenv("CODEX_API_KEY", "sk-test-123")

	loggedIn := false
	script := func(method string, params interface{}) (interface{}, error) {
		switch method {
		case codex.MethodInitialize:
			return codex.InitializeResult{}, nil
		case codex.MethodAccountRead:
			return codex.AccountReadResult{RequiresOpenaiAuth: !loggedIn}, nil
		case codex.MethodAccountLoginStart:
			p := params.(codex.AccountLoginStartParams)
			if p.Type != codex.LoginTypeAPIKey || p.ApiKey != "sk-test-123" {
				return nil, errors.New("unexpected login params")
			}
			loggedIn = true
			return nil, nil
		case codex.MethodThreadStart:
			return codex.ThreadStartResult{Thread: &codex.Thread{ID: "th-1"}}, nil
		case codex.MethodThreadResume:
			return nil, errors.New("unknown thread")
		default:
			return nil, nil
		}
	}

	h := newHarness(t, harnessConfig{script: script})

	want := []string{
		codex.MethodInitialize,
		codex.MethodAccountRead,
		codex.MethodAccountLoginStart,
		codex.MethodAccountRead,
		codex.MethodThreadStart,
	}
	got := h.client.methods()
	if len(got) != len(want) {
		t.Fatalf("expected calls %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("call %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestInitializeAuthMissingKey(t *testing.T) {
	t.Setenv("CODEX_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")

	log := newTestLogger(t)
	store, err := session.NewStore(t.TempDir(), log)
	if err != nil {
		t.Fatalf("failed to create session store: %v", err)
	}
	fc := &fakeClient{respond: func(method string, params interface{}) (interface{}, error) {
		if method == codex.MethodAccountRead {
			return codex.AccountReadResult{RequiresOpenaiAuth: true}, nil
		}
		return nil, nil
	}}

	cfg := Config{
		AgentID:     "agent-1",
		Cwd:         t.TempDir(),
		SessionFile: store.FilePath("agent-1"),
		Store:       store,
		Logger:      log,
	}
	_, err = newWithClient(context.Background(), cfg, Callbacks{}, fc)
	if err == nil {
		t.Fatal("expected startup to fail without credentials")
	}
	var se *StartupError
	if !errors.As(err, &se) || se.Phase != PhaseAuth {
		t.Fatalf("expected auth startup error, got %v", err)
	}
	if !strings.Contains(err.Error(), "CODEX_API_KEY or OPENAI_API_KEY") {
		t.Fatalf("expected actionable auth message, got %q", err.Error())
	}
	if !fc.isDisposed() {
		t.Fatal("expected the child to be disposed after startup failure")
	}
}

func TestInitializeAuthKeyRejected(t *testing.T) {
	t.Setenv("CODEX_API_KEY", "sk-bad")

	log := newTestLogger(t)
	store, err := session.NewStore(t.TempDir(), log)
	if err != nil {
		t.Fatalf("failed to create session store: %v", err)
	}
	fc := &fakeClient{respond: func(method string, params interface{}) (interface{}, error) {
		if method == codex.MethodAccountRead {
			return codex.AccountReadResult{RequiresOpenaiAuth: true}, nil
		}
		return nil, nil
	}}

	cfg := Config{
		AgentID:     "agent-1",
		Cwd:         t.TempDir(),
		SessionFile: store.FilePath("agent-1"),
		Store:       store,
		Logger:      log,
	}
	_, err = newWithClient(context.Background(), cfg, Callbacks{}, fc)
	if err == nil || !strings.Contains(err.Error(), "was not accepted") {
		t.Fatalf("expected rejected-key error, got %v", err)
	}
}

func TestThreadResumeWithPersistedID(t *testing.T) {
	script := func(method string, params interface{}) (interface{}, error) {
		switch method {
		case codex.MethodInitialize:
			return codex.InitializeResult{}, nil
		case codex.MethodAccountRead:
			return codex.AccountReadResult{}, nil
		case codex.MethodThreadResume:
			p := params.(codex.ThreadResumeParams)
			if p.ThreadID != "th-old" {
				return nil, errors.New("wrong thread id")
			}
			return codex.ThreadResumeResult{Thread: &codex.Thread{ID: "th-old"}}, nil
		default:
			return nil, nil
		}
	}

	h := newHarness(t, harnessConfig{
		script: script,
		seed: func(t *testing.T, store *session.Store, file string) {
			err := store.AppendCustom(file, session.CustomRuntimeState, session.RuntimeState{ThreadID: "th-old"})
			if err != nil {
				t.Fatalf("failed to seed thread id: %v", err)
			}
		},
		mutate: func(cfg *Config) {
			cfg.Model = "openai/gpt-5-codex/high"
			cfg.SandboxMode = "workspace-write"
			cfg.DeveloperInstructions = "stay focused"
		},
	})

	if calls := h.client.callsFor(codex.MethodThreadStart); len(calls) != 0 {
		t.Fatalf("expected no thread/start call, got %d", len(calls))
	}
	resumes := h.client.callsFor(codex.MethodThreadResume)
	if len(resumes) != 1 {
		t.Fatalf("expected one thread/resume call, got %d", len(resumes))
	}

	// Thread configuration must be re-sent on resume.
	p := resumes[0].params.(codex.ThreadResumeParams)
	if p.Model != "gpt-5-codex" {
		t.Fatalf("expected model gpt-5-codex, got %q", p.Model)
	}
	if p.Config["modelProvider"] != "openai" || p.Config["modelReasoningEffort"] != "high" {
		t.Fatalf("unexpected model config: %v", p.Config)
	}
	if p.SandboxPolicy == nil || p.SandboxPolicy.Type != "workspace-write" {
		t.Fatalf("expected workspace-write sandbox, got %+v", p.SandboxPolicy)
	}
	if p.DeveloperInstructions != "stay focused" {
		t.Fatalf("expected developer instructions, got %q", p.DeveloperInstructions)
	}
	if p.Cwd == "" {
		t.Fatal("expected cwd to be re-sent on resume")
	}
	if h.rt.ThreadID() != "th-old" {
		t.Fatalf("expected resumed thread id, got %q", h.rt.ThreadID())
	}
}

func TestThreadResumeFallsBackToStart(t *testing.T) {
	h := newHarness(t, harnessConfig{
		seed: func(t *testing.T, store *session.Store, file string) {
			err := store.AppendCustom(file, session.CustomRuntimeState, session.RuntimeState{ThreadID: "th-gone"})
			if err != nil {
				t.Fatalf("failed to seed thread id: %v", err)
			}
		},
	})

	if len(h.client.callsFor(codex.MethodThreadResume)) != 1 {
		t.Fatal("expected a resume attempt")
	}
	if len(h.client.callsFor(codex.MethodThreadStart)) != 1 {
		t.Fatal("expected fallback to thread/start")
	}
	if h.rt.ThreadID() != "th-1" {
		t.Fatalf("expected fresh thread id th-1, got %q", h.rt.ThreadID())
	}

	// The replacement id must be persisted for the next restart.
	records, err := h.store.ReadAll(h.file)
	if err != nil {
		t.Fatalf("failed to read session log: %v", err)
	}
	data, ok := session.LastCustom(records, session.CustomRuntimeState)
	if !ok {
		t.Fatal("expected a runtime state record")
	}
	var state session.RuntimeState
	if err := json.Unmarshal(data, &state); err != nil {
		t.Fatalf("failed to decode runtime state: %v", err)
	}
	if state.ThreadID != "th-1" {
		t.Fatalf("expected persisted thread id th-1, got %q", state.ThreadID)
	}
}

func TestSendMessagePrompt(t *testing.T) {
	h := newHarness(t, harnessConfig{})

	rec := h.prompt("hello there")
	if rec.AcceptedMode != ModePrompt {
		t.Fatalf("expected prompt acceptance, got %s", rec.AcceptedMode)
	}
	if rec.DeliveryID == "" {
		t.Fatal("expected a delivery id")
	}

	starts := h.client.callsFor(codex.MethodTurnStart)
	if len(starts) != 1 {
		t.Fatalf("expected one turn/start, got %d", len(starts))
	}
	p := starts[0].params.(codex.TurnStartParams)
	if p.ThreadID != "th-1" {
		t.Fatalf("expected thread th-1, got %q", p.ThreadID)
	}
	if len(p.Input) != 1 || p.Input[0].Type != "text" || p.Input[0].Text != "hello there" {
		t.Fatalf("unexpected turn input: %+v", p.Input)
	}

	if h.rt.State() != StateStreaming {
		t.Fatalf("expected streaming state, got %s", h.rt.State())
	}
	if h.rt.PendingCount() != 1 {
		t.Fatalf("expected one pending delivery, got %d", h.rt.PendingCount())
	}
	statuses := h.statusList()
	if len(statuses) == 0 || statuses[0] != "streaming" {
		t.Fatalf("expected streaming status emission, got %v", statuses)
	}
}

func TestSendMessageEmpty(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	if _, err := h.rt.SendMessage(context.Background(), Input{Text: "   "}); err == nil {
		t.Fatal("expected empty message to be rejected")
	}
}

func TestPromptRejectedWhenBusy(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.prompt("first")

	_, err := h.rt.SendMessage(context.Background(), Input{Text: "second", Mode: ModePrompt})
	if err == nil || !strings.Contains(err.Error(), "busy") {
		t.Fatalf("expected busy rejection, got %v", err)
	}
	if h.rt.PendingCount() != 1 {
		t.Fatalf("rejected prompt must not leave a pending delivery, got %d", h.rt.PendingCount())
	}
}

func TestSteerQueuedWhileBusy(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.prompt("kick off")

	rec1, err := h.rt.SendMessage(context.Background(), Input{Text: "first steer", Mode: ModeAuto})
	if err != nil {
		t.Fatalf("steer failed: %v", err)
	}
	if rec1.AcceptedMode != ModeSteer {
		t.Fatalf("expected steer acceptance, got %s", rec1.AcceptedMode)
	}
	rec2, err := h.rt.SendMessage(context.Background(), Input{Text: "second steer", Mode: ModeSteer})
	if err != nil {
		t.Fatalf("steer failed: %v", err)
	}
	if rec2.AcceptedMode != ModeSteer {
		t.Fatalf("expected steer acceptance, got %s", rec2.AcceptedMode)
	}

	waitUntil(t, func() bool {
		return len(h.client.callsFor(codex.MethodTurnSteer)) == 2
	}, "both steers to flush")

	steers := h.client.callsFor(codex.MethodTurnSteer)
	first := steers[0].params.(codex.TurnSteerParams)
	second := steers[1].params.(codex.TurnSteerParams)
	if first.Input[0].Text != "first steer" || second.Input[0].Text != "second steer" {
		t.Fatalf("steers flushed out of order: %q then %q", first.Input[0].Text, second.Input[0].Text)
	}
	if first.ExpectedTurnID != "turn-1" || second.ExpectedTurnID != "turn-1" {
		t.Fatalf("expected turn guard turn-1, got %q and %q", first.ExpectedTurnID, second.ExpectedTurnID)
	}

	if h.rt.PendingCount() != 3 {
		t.Fatalf("expected 3 pending deliveries, got %d", h.rt.PendingCount())
	}

	// The child echoing the message acknowledges its delivery.
	h.notify(codex.NotifyItemStarted, codex.ItemStartedParams{
		TurnID: "turn-1",
		Item:   &codex.Item{ID: "item-u1", Type: "userMessage", Text: "first steer"},
	})
	h.sync()
	if h.rt.PendingCount() != 2 {
		t.Fatalf("expected ack to clear one delivery, got %d pending", h.rt.PendingCount())
	}

	msgs := h.eventsOf(EventMessageStart)
	if len(msgs) != 1 || msgs[0].Role != "user" || msgs[0].Text != "first steer" {
		t.Fatalf("expected a user message_start for the echo, got %+v", msgs)
	}
}

func TestSteersQueuedDuringTurnStart(t *testing.T) {
	startEntered := make(chan struct{})
	startRelease := make(chan struct{})
	base := defaultScript("th-1", "turn-1")
	script := func(method string, params interface{}) (interface{}, error) {
		if method == codex.MethodTurnStart {
			close(startEntered)
			<-startRelease
		}
		return base(method, params)
	}

	h := newHarness(t, harnessConfig{script: script})

	promptDone := make(chan *Receipt, 1)
	go func() {
		rec, err := h.rt.SendMessage(context.Background(), Input{Text: "first"})
		if err != nil {
			t.Errorf("prompt failed: %v", err)
		}
		promptDone <- rec
	}()
	<-startEntered

	// Both arrive while turn/start is still in flight.
	rec1, err := h.rt.SendMessage(context.Background(), Input{Text: "queued 1"})
	if err != nil {
		t.Fatalf("steer failed: %v", err)
	}
	rec2, err := h.rt.SendMessage(context.Background(), Input{Text: "queued 2"})
	if err != nil {
		t.Fatalf("steer failed: %v", err)
	}
	if rec1.AcceptedMode != ModeSteer || rec2.AcceptedMode != ModeSteer {
		t.Fatalf("expected steer acceptance while starting, got %s and %s", rec1.AcceptedMode, rec2.AcceptedMode)
	}
	close(startRelease)

	rec := <-promptDone
	if rec.AcceptedMode != ModePrompt {
		t.Fatalf("expected prompt acceptance, got %s", rec.AcceptedMode)
	}

	waitUntil(t, func() bool {
		return len(h.client.callsFor(codex.MethodTurnSteer)) == 2
	}, "queued steers to flush after the start resolved")

	steers := h.client.callsFor(codex.MethodTurnSteer)
	first := steers[0].params.(codex.TurnSteerParams)
	second := steers[1].params.(codex.TurnSteerParams)
	if first.Input[0].Text != "queued 1" || second.Input[0].Text != "queued 2" {
		t.Fatalf("steers out of order: %q then %q", first.Input[0].Text, second.Input[0].Text)
	}
	if first.ExpectedTurnID != "turn-1" || second.ExpectedTurnID != "turn-1" {
		t.Fatalf("expected turn-1 guard on both steers, got %q and %q", first.ExpectedTurnID, second.ExpectedTurnID)
	}
}

func TestSteerOnIdleStartsTurn(t *testing.T) {
	h := newHarness(t, harnessConfig{})

	rec, err := h.rt.SendMessage(context.Background(), Input{Text: "go", Mode: ModeSteer})
	if err != nil {
		t.Fatalf("send failed: %v", err)
	}
	if rec.AcceptedMode != ModePrompt {
		t.Fatalf("steer on idle should start a turn, got %s", rec.AcceptedMode)
	}
	if len(h.client.callsFor(codex.MethodTurnSteer)) != 0 {
		t.Fatal("expected no turn/steer call")
	}
	if len(h.client.callsFor(codex.MethodTurnStart)) != 1 {
		t.Fatal("expected a turn/start call")
	}
}

func TestSteerDroppedOnTurnRollover(t *testing.T) {
	steerEntered := make(chan struct{}, 1)
	steerRelease := make(chan struct{})
	base := defaultScript("th-1", "turn-1")
	script := func(method string, params interface{}) (interface{}, error) {
		if method == codex.MethodTurnSteer {
			steerEntered <- struct{}{}
			<-steerRelease
			return nil, errors.New("expected turn mismatch")
		}
		return base(method, params)
	}

	h := newHarness(t, harnessConfig{script: script})
	h.prompt("kick off")

	if _, err := h.rt.SendMessage(context.Background(), Input{Text: "late note", Mode: ModeSteer}); err != nil {
		t.Fatalf("steer failed: %v", err)
	}
	select {
	case <-steerEntered:
	case <-time.After(2 * time.Second):
		t.Fatal("steer was never attempted")
	}

	// The turn completes while the steer is still in flight.
	h.notify(codex.NotifyTurnCompleted, codex.TurnCompletedParams{ThreadID: "th-1", TurnID: "turn-1", Success: true})
	h.sync()
	close(steerRelease)

	waitUntil(t, func() bool { return h.rt.State() == StateIdle }, "runtime to settle")
	time.Sleep(20 * time.Millisecond)

	// The steer is dropped without a recovery; its delivery stays pending.
	if phases := h.phases(); len(phases) != 0 {
		t.Fatalf("rollover must not report a runtime error, got %v", phases)
	}
	if h.rt.PendingCount() != 2 {
		t.Fatalf("expected both deliveries still pending, got %d", h.rt.PendingCount())
	}
	ends := h.eventsOf(EventTurnEnd)
	if len(ends) != 1 || ends[0].IsError {
		t.Fatalf("expected one clean turn_end, got %+v", ends)
	}
	if h.agentEndCount() != 1 {
		t.Fatalf("expected one agent end, got %d", h.agentEndCount())
	}
}

func TestSteerFailureRecovers(t *testing.T) {
	base := defaultScript("th-1", "turn-1")
	script := func(method string, params interface{}) (interface{}, error) {
		if method == codex.MethodTurnSteer {
			return nil, errors.New("steer rejected")
		}
		return base(method, params)
	}

	h := newHarness(t, harnessConfig{script: script})
	h.prompt("kick off")

	if _, err := h.rt.SendMessage(context.Background(), Input{Text: "nudge", Mode: ModeSteer}); err != nil {
		t.Fatalf("steer enqueue must not fail, got %v", err)
	}

	waitUntil(t, func() bool {
		for _, p := range h.phases() {
			if p == PhaseSteer {
				return true
			}
		}
		return false
	}, "steer failure recovery")

	if h.rt.State() != StateIdle {
		t.Fatalf("expected idle after recovery, got %s", h.rt.State())
	}
	ends := h.eventsOf(EventTurnEnd)
	if len(ends) != 1 || !ends[0].IsError || !strings.Contains(ends[0].ErrorMessage, "steer rejected") {
		t.Fatalf("expected synthetic failed turn_end, got %+v", ends)
	}
	if h.agentEndCount() != 0 {
		t.Fatal("recovery must not report a clean agent end")
	}
	if h.rt.PendingCount() != 2 {
		t.Fatalf("pending deliveries must survive recovery, got %d", h.rt.PendingCount())
	}
}

func TestPromptStartFailureRecovers(t *testing.T) {
	base := defaultScript("th-1", "turn-1")
	script := func(method string, params interface{}) (interface{}, error) {
		if method == codex.MethodTurnStart {
			return nil, errors.New("model unavailable")
		}
		return base(method, params)
	}

	h := newHarness(t, harnessConfig{script: script})

	_, err := h.rt.SendMessage(context.Background(), Input{Text: "go"})
	if err == nil || !strings.Contains(err.Error(), "model unavailable") {
		t.Fatalf("expected propagated start failure, got %v", err)
	}

	if h.rt.State() != StateIdle {
		t.Fatalf("expected idle after recovery, got %s", h.rt.State())
	}
	phases := h.phases()
	if len(phases) != 1 || phases[0] != PhasePromptStart {
		t.Fatalf("expected prompt_start runtime error, got %v", phases)
	}
	kinds := h.eventKinds()
	if len(kinds) != 2 || kinds[0] != EventTurnEnd || kinds[1] != EventAgentEnd {
		t.Fatalf("expected synthetic turn_end then agent_end, got %v", kinds)
	}
	statuses := h.statusList()
	if len(statuses) != 2 || statuses[0] != "streaming" || statuses[1] != "idle" {
		t.Fatalf("expected streaming then idle, got %v", statuses)
	}
	if h.agentEndCount() != 0 {
		t.Fatal("recovery must not report a clean agent end")
	}
}

func TestTurnLifecycleTranslation(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.prompt("run the tests")

	h.notify(codex.NotifyTurnStarted, codex.TurnStartedParams{
		ThreadID: "th-1",
		Turn:     &codex.Turn{ID: "turn-1", Status: "inProgress"},
	})
	h.notify(codex.NotifyItemStarted, codex.ItemStartedParams{
		TurnID: "turn-1",
		Item:   &codex.Item{ID: "u1", Type: "userMessage", Text: "run the tests"},
	})
	h.notify(codex.NotifyItemStarted, codex.ItemStartedParams{
		TurnID: "turn-1",
		Item:   &codex.Item{ID: "m1", Type: "agentMessage"},
	})
	h.notify(codex.NotifyItemAgentMessageDelta, codex.AgentMessageDeltaParams{
		TurnID: "turn-1", ItemID: "m1", Delta: "Sure, ",
	})
	h.notify(codex.NotifyItemCompleted, codex.ItemCompletedParams{
		TurnID: "turn-1",
		Item:   &codex.Item{ID: "m1", Type: "agentMessage", Status: "completed", Text: "Sure, running."},
	})
	h.notify(codex.NotifyItemStarted, codex.ItemStartedParams{
		TurnID: "turn-1",
		Item:   &codex.Item{ID: "c1", Type: "commandExecution", Command: "go test ./..."},
	})
	h.notify(codex.NotifyItemCmdExecOutputDelta, codex.OutputDeltaParams{
		TurnID: "turn-1", ItemID: "c1", Delta: "ok\n",
	})
	h.notify(codex.NotifyItemCompleted, codex.ItemCompletedParams{
		TurnID: "turn-1",
		Item:   &codex.Item{ID: "c1", Type: "commandExecution", Status: "failed", AggregatedOutput: "FAIL"},
	})
	h.notify(codex.NotifyTurnCompleted, codex.TurnCompletedParams{
		ThreadID: "th-1", TurnID: "turn-1", Success: true,
	})
	h.sync()

	want := []EventKind{
		EventAgentStart,
		EventTurnStart,
		EventMessageStart, // user echo
		EventMessageStart, // assistant
		EventMessageUpdate,
		EventMessageEnd,
		EventToolExecutionStart,
		EventToolExecutionUpdate,
		EventToolExecutionEnd,
		EventTurnEnd,
		EventAgentEnd,
	}
	got := h.eventKinds()
	if len(got) != len(want) {
		t.Fatalf("expected %d events, got %d: %v", len(want), len(got), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}

	toolStart := h.eventsOf(EventToolExecutionStart)[0]
	if toolStart.ToolName != "command_execution" || toolStart.Text != "go test ./..." {
		t.Fatalf("unexpected tool start: %+v", toolStart)
	}
	toolUpdate := h.eventsOf(EventToolExecutionUpdate)[0]
	if toolUpdate.ToolName != "command_execution" || toolUpdate.Text != "ok\n" {
		t.Fatalf("unexpected tool update: %+v", toolUpdate)
	}
	toolEnd := h.eventsOf(EventToolExecutionEnd)[0]
	if !toolEnd.IsError || toolEnd.ErrorMessage == "" {
		t.Fatalf("failed command must surface an error, got %+v", toolEnd)
	}

	if h.rt.State() != StateIdle {
		t.Fatalf("expected idle after completion, got %s", h.rt.State())
	}
	if h.rt.PendingCount() != 0 {
		t.Fatalf("expected the echo to ack the delivery, got %d pending", h.rt.PendingCount())
	}
	if h.agentEndCount() != 1 {
		t.Fatalf("expected one agent end, got %d", h.agentEndCount())
	}
	statuses := h.statusList()
	if len(statuses) != 2 || statuses[0] != "streaming" || statuses[1] != "idle" {
		t.Fatalf("expected streaming then idle, got %v", statuses)
	}
}

func TestToolNameNormalization(t *testing.T) {
	h := newHarness(t, harnessConfig{})

	items := []*codex.Item{
		{ID: "i1", Type: "mcpToolCall", Server: "files", Tool: "read_file", Arguments: json.RawMessage(`{"path":"a.txt"}`)},
		{ID: "i2", Type: "collabAgentToolCall", Tool: "plan"},
		{ID: "i3", Type: "webSearch", Query: "golang news"},
		{ID: "i4", Type: "imageView", Path: "/tmp/shot.png"},
		{ID: "i5", Type: "fileChange", Changes: []codex.FileChange{{Path: "a.go"}, {Path: "b.go"}}},
		{ID: "i6", Type: "somethingNew"},
	}
	for _, item := range items {
		h.notify(codex.NotifyItemStarted, codex.ItemStartedParams{TurnID: "turn-1", Item: item})
	}
	h.sync()

	starts := h.eventsOf(EventToolExecutionStart)
	if len(starts) != len(items) {
		t.Fatalf("expected %d tool starts, got %d", len(items), len(starts))
	}
	wantNames := []string{
		"mcp:files/read_file",
		"collab:plan",
		"web_search",
		"image_view",
		"file_change",
		"somethingNew",
	}
	for i, want := range wantNames {
		if starts[i].ToolName != want {
			t.Fatalf("tool %d: expected %q, got %q", i, want, starts[i].ToolName)
		}
	}
	if starts[2].Text != "golang news" {
		t.Fatalf("expected search query detail, got %q", starts[2].Text)
	}
	if starts[4].Text != "a.go, b.go" {
		t.Fatalf("expected joined paths, got %q", starts[4].Text)
	}
}

func TestServerRequestsAutoAnswered(t *testing.T) {
	h := newHarness(t, harnessConfig{})

	res, err := h.request(codex.MethodCmdExecApproval, codex.CommandApprovalParams{
		ThreadID: "th-1", TurnID: "turn-1", ItemID: "c1", Command: "rm -rf build",
	})
	if err != nil {
		t.Fatalf("approval request failed: %v", err)
	}
	if res.(codex.ApprovalResponse).Decision != codex.DecisionAccept {
		t.Fatalf("expected auto-accept, got %+v", res)
	}

	res, err = h.request(codex.MethodToolRequestUserInput, codex.RequestUserInputParams{
		Questions: []codex.UserInputQuestion{{ID: "q1", Prompt: "continue?"}, {ID: "q2"}},
	})
	if err != nil {
		t.Fatalf("user input request failed: %v", err)
	}
	answers := res.(codex.RequestUserInputResult).Answers
	if len(answers) != 2 || answers["q1"] != "" || answers["q2"] != "" {
		t.Fatalf("expected empty answers for both questions, got %v", answers)
	}

	_, err = h.request("some/unknown", struct{}{})
	var rpcErr *codex.Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != codex.MethodNotFound {
		t.Fatalf("expected method-not-found, got %v", err)
	}
}

type fakeBridge struct {
	mu      sync.Mutex
	agentID string
	tool    string
	args    string
	out     string
	err     error
}

func (b *fakeBridge) CallTool(ctx context.Context, agentID, tool string, arguments json.RawMessage) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.agentID, b.tool, b.args = agentID, tool, string(arguments)
	return b.out, b.err
}

func TestToolCallBridged(t *testing.T) {
	bridge := &fakeBridge{out: "spawned agent worker-1"}
	h := newHarness(t, harnessConfig{bridge: bridge})

	res, err := h.request(codex.MethodToolCall, codex.ToolCallParams{
		Tool: "spawn_agent", CallID: "call-1", Arguments: json.RawMessage(`{"role":"worker"}`),
	})
	if err != nil {
		t.Fatalf("tool call failed: %v", err)
	}
	out := res.(codex.ToolCallResult)
	if out.IsError || out.Output != "spawned agent worker-1" {
		t.Fatalf("unexpected tool result: %+v", out)
	}
	if bridge.agentID != "agent-1" || bridge.tool != "spawn_agent" {
		t.Fatalf("bridge saw wrong call: agent=%q tool=%q", bridge.agentID, bridge.tool)
	}

	bridge.err = errors.New("no such agent")
	res, err = h.request(codex.MethodToolCall, codex.ToolCallParams{Tool: "kill_agent", CallID: "call-2"})
	if err != nil {
		t.Fatalf("bridge failures must be results, got rpc error %v", err)
	}
	out = res.(codex.ToolCallResult)
	if !out.IsError || out.Output != "no such agent" {
		t.Fatalf("expected error result, got %+v", out)
	}
}

func TestToolCallWithoutBridge(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	_, err := h.request(codex.MethodToolCall, codex.ToolCallParams{Tool: "spawn_agent", CallID: "c1"})
	var rpcErr *codex.Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != codex.MethodNotFound {
		t.Fatalf("expected method-not-found without a bridge, got %v", err)
	}
}

func TestTerminateClearsEverything(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.prompt("kick off")
	if _, err := h.rt.SendMessage(context.Background(), Input{Text: "nudge", Mode: ModeSteer}); err != nil {
		t.Fatalf("steer failed: %v", err)
	}

	h.rt.Terminate(true)

	interrupts := h.client.callsFor(codex.MethodTurnInterrupt)
	if len(interrupts) != 1 {
		t.Fatalf("expected one turn/interrupt, got %d", len(interrupts))
	}
	p := interrupts[0].params.(codex.TurnInterruptParams)
	if p.TurnID != "turn-1" {
		t.Fatalf("expected interrupt of turn-1, got %q", p.TurnID)
	}
	if !h.client.isDisposed() {
		t.Fatal("expected the child to be disposed")
	}
	if h.rt.State() != StateTerminated || h.rt.Status() != "terminated" {
		t.Fatalf("expected terminated, got %s", h.rt.State())
	}
	if h.rt.PendingCount() != 0 {
		t.Fatalf("expected no pending deliveries after terminate, got %d", h.rt.PendingCount())
	}

	if _, err := h.rt.SendMessage(context.Background(), Input{Text: "more"}); !errors.Is(err, ErrTerminated) {
		t.Fatalf("expected ErrTerminated, got %v", err)
	}
	if err := h.rt.StopInFlight(true); !errors.Is(err, ErrTerminated) {
		t.Fatalf("expected ErrTerminated, got %v", err)
	}
	if err := h.rt.Compact(context.Background(), ""); !errors.Is(err, ErrTerminated) {
		t.Fatalf("expected ErrTerminated, got %v", err)
	}

	// Idempotent: a second terminate must not interrupt again.
	h.rt.Terminate(true)
	if len(h.client.callsFor(codex.MethodTurnInterrupt)) != 1 {
		t.Fatal("terminate must be idempotent")
	}
}

func TestTerminateIdleSkipsInterrupt(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.rt.Terminate(true)
	if len(h.client.callsFor(codex.MethodTurnInterrupt)) != 0 {
		t.Fatal("expected no interrupt without an active turn")
	}
	if !h.client.isDisposed() {
		t.Fatal("expected the child to be disposed")
	}
}

func TestStopInFlight(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.prompt("kick off")

	if err := h.rt.StopInFlight(true); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if len(h.client.callsFor(codex.MethodTurnInterrupt)) != 1 {
		t.Fatal("expected an interrupt")
	}
	if h.client.isDisposed() {
		t.Fatal("stop must not dispose the child")
	}
	if h.rt.State() != StateIdle {
		t.Fatalf("expected idle, got %s", h.rt.State())
	}
	if h.rt.PendingCount() != 0 {
		t.Fatalf("expected cleared deliveries, got %d", h.rt.PendingCount())
	}

	// The runtime is reusable afterwards.
	rec := h.prompt("again")
	if rec.AcceptedMode != ModePrompt {
		t.Fatalf("expected prompt acceptance after stop, got %s", rec.AcceptedMode)
	}
}

func TestChildExitTerminatesRuntime(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.prompt("kick off")

	h.client.onExit(codex.ExitStatus{Code: 1})
	waitUntil(t, func() bool { return h.rt.State() == StateTerminated }, "exit handling")

	ends := h.eventsOf(EventToolExecutionEnd)
	if len(ends) != 1 {
		t.Fatalf("expected one synthetic tool event, got %d", len(ends))
	}
	if ends[0].ToolName != "runtime" || !ends[0].IsError {
		t.Fatalf("unexpected synthetic event: %+v", ends[0])
	}
	if !strings.Contains(ends[0].ErrorMessage, "exited unexpectedly (exit code 1)") {
		t.Fatalf("unexpected exit message: %q", ends[0].ErrorMessage)
	}

	phases := h.phases()
	if len(phases) != 1 || phases[0] != PhaseRuntimeExit {
		t.Fatalf("expected runtime_exit error, got %v", phases)
	}
	if _, err := h.rt.SendMessage(context.Background(), Input{Text: "hello"}); !errors.Is(err, ErrTerminated) {
		t.Fatalf("expected ErrTerminated after exit, got %v", err)
	}
}

func TestChildExitAfterTerminateIsSilent(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.rt.Terminate(false)
	h.client.onExit(codex.ExitStatus{Code: 0})
	time.Sleep(50 * time.Millisecond)

	if events := h.eventsOf(EventToolExecutionEnd); len(events) != 0 {
		t.Fatalf("expected no synthetic events after terminate, got %v", events)
	}
	if phases := h.phases(); len(phases) != 0 {
		t.Fatalf("expected no runtime errors, got %v", phases)
	}
}

func TestChildExitAfterStartupFailureIsSilent(t *testing.T) {
	t.Setenv("CODEX_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "")

	log := newTestLogger(t)
	store, err := session.NewStore(t.TempDir(), log)
	if err != nil {
		t.Fatalf("failed to create session store: %v", err)
	}
	fc := &fakeClient{respond: func(method string, params interface{}) (interface{}, error) {
		if method == codex.MethodAccountRead {
			return nil, errors.New("account backend unavailable")
		}
		return nil, nil
	}}

	var mu sync.Mutex
	var events []SessionEvent
	var phases []string
	cb := Callbacks{
		OnSessionEvent: func(ev SessionEvent) {
			mu.Lock()
			events = append(events, ev)
			mu.Unlock()
		},
		OnRuntimeError: func(phase string, err error) {
			mu.Lock()
			phases = append(phases, phase)
			mu.Unlock()
		},
	}

	cfg := Config{
		AgentID:     "agent-1",
		Cwd:         t.TempDir(),
		SessionFile: store.FilePath("agent-1"),
		Store:       store,
		Logger:      log,
	}
	if _, err := newWithClient(context.Background(), cfg, cb, fc); err == nil {
		t.Fatal("expected startup to fail")
	}
	if !fc.isDisposed() {
		t.Fatal("expected the child to be disposed after startup failure")
	}

	// The disposal tears the child down; its exit must not be narrated
	// as a crash of a runtime that was never registered.
	fc.onExit(codex.ExitStatus{Code: 0})
	time.Sleep(50 * time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 0 {
		t.Fatalf("expected no session events after failed startup, got %v", events)
	}
	if len(phases) != 0 {
		t.Fatalf("expected no runtime errors after failed startup, got %v", phases)
	}
}

func TestChildExitErrorPrecedesSyntheticEvent(t *testing.T) {
	var mu sync.Mutex
	var order []string

	log := newTestLogger(t)
	store, err := session.NewStore(t.TempDir(), log)
	if err != nil {
		t.Fatalf("failed to create session store: %v", err)
	}
	fc := &fakeClient{respond: defaultScript("th-1", "turn-1")}
	cb := Callbacks{
		OnSessionEvent: func(ev SessionEvent) {
			if ev.Kind != EventToolExecutionEnd {
				return
			}
			mu.Lock()
			order = append(order, "synthetic_tool_event")
			mu.Unlock()
		},
		OnRuntimeError: func(phase string, err error) {
			mu.Lock()
			order = append(order, phase)
			mu.Unlock()
		},
	}

	cfg := Config{
		AgentID:     "agent-1",
		Cwd:         t.TempDir(),
		SessionFile: store.FilePath("agent-1"),
		Store:       store,
		Logger:      log,
	}
	if _, err := newWithClient(context.Background(), cfg, cb, fc); err != nil {
		t.Fatalf("failed to build runtime: %v", err)
	}

	fc.onExit(codex.ExitStatus{Code: 1})
	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, "exit surfacing")

	mu.Lock()
	defer mu.Unlock()
	if order[0] != PhaseRuntimeExit || order[1] != "synthetic_tool_event" {
		t.Fatalf("expected the runtime error before the synthetic tool event, got %v", order)
	}
}

func TestTokenUsageUpdates(t *testing.T) {
	h := newHarness(t, harnessConfig{})

	h.notify(codex.NotifyThreadTokenUsageUpdated, codex.ThreadTokenUsageUpdatedParams{
		ThreadID: "th-1",
		TurnID:   "turn-1",
		TokenUsage: &codex.ThreadTokenUsage{
			Last:               &codex.TokenUsage{TotalTokens: 1200},
			ModelContextWindow: 128000,
		},
	})
	h.sync()

	u := h.rt.ContextUsage()
	if u == nil || u.Tokens != 1200 || u.ContextWindow != 128000 {
		t.Fatalf("unexpected usage: %+v", u)
	}

	records, err := h.store.ReadAll(h.file)
	if err != nil {
		t.Fatalf("failed to read session log: %v", err)
	}
	data, ok := session.LastCustom(records, session.CustomContextWindow)
	if !ok {
		t.Fatal("expected a persisted context window record")
	}
	var cw session.ContextWindow
	if err := json.Unmarshal(data, &cw); err != nil {
		t.Fatalf("failed to decode context window: %v", err)
	}
	if cw.Tokens != 1200 || cw.ContextWindow != 128000 {
		t.Fatalf("unexpected persisted usage: %+v", cw)
	}

	// Updates without a window size are ignored.
	h.notify(codex.NotifyThreadTokenUsageUpdated, codex.ThreadTokenUsageUpdatedParams{
		ThreadID:   "th-1",
		TokenUsage: &codex.ThreadTokenUsage{Last: &codex.TokenUsage{TotalTokens: 9999}},
	})
	h.sync()
	if u := h.rt.ContextUsage(); u.Tokens != 1200 {
		t.Fatalf("zero-window update must be ignored, got %+v", u)
	}
}

func TestCompactionAndRetryEvents(t *testing.T) {
	h := newHarness(t, harnessConfig{})

	h.notify(codex.NotifyContextCompactionStarted, codex.ContextCompactedParams{ThreadID: "th-1"})
	h.notify(codex.NotifyContextCompacted, codex.ContextCompactedParams{ThreadID: "th-1"})
	h.notify(codex.NotifyTurnRetryStarted, codex.TurnRetryParams{TurnID: "turn-1", Attempt: 1, Message: "rate limited"})
	h.notify(codex.NotifyTurnRetryCompleted, codex.TurnRetryParams{TurnID: "turn-1", Attempt: 1})
	h.sync()

	want := []EventKind{EventAutoCompactionStart, EventAutoCompactionEnd, EventAutoRetryStart, EventAutoRetryEnd}
	got := h.eventKinds()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
	if retry := h.eventsOf(EventAutoRetryStart)[0]; retry.Text != "rate limited" {
		t.Fatalf("expected retry message, got %q", retry.Text)
	}
}

func TestCompact(t *testing.T) {
	h := newHarness(t, harnessConfig{})

	done := make(chan error, 1)
	go func() { done <- h.rt.Compact(context.Background(), "keep decisions") }()

	waitUntil(t, func() bool {
		return len(h.client.callsFor(codex.MethodTurnStart)) == 1
	}, "compaction turn to start")

	p := h.client.callsFor(codex.MethodTurnStart)[0].params.(codex.TurnStartParams)
	if len(p.Input) != 1 || p.Input[0].Text != "/compact keep decisions" {
		t.Fatalf("unexpected compaction input: %+v", p.Input)
	}

	h.notify(codex.NotifyTurnCompleted, codex.TurnCompletedParams{ThreadID: "th-1", TurnID: "turn-1", Success: true})
	h.sync()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("compaction failed: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("compaction never finished")
	}
	if h.rt.State() != StateIdle {
		t.Fatalf("expected idle after compaction, got %s", h.rt.State())
	}
}

func TestCompactFailure(t *testing.T) {
	h := newHarness(t, harnessConfig{})

	done := make(chan error, 1)
	go func() { done <- h.rt.Compact(context.Background(), "") }()

	waitUntil(t, func() bool {
		return len(h.client.callsFor(codex.MethodTurnStart)) == 1
	}, "compaction turn to start")

	h.notify(codex.NotifyTurnCompleted, codex.TurnCompletedParams{
		ThreadID: "th-1", TurnID: "turn-1", Success: false, Error: "context too large",
	})
	h.sync()

	select {
	case err := <-done:
		if err == nil || !strings.Contains(err.Error(), "context too large") {
			t.Fatalf("expected compaction failure, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("compaction never finished")
	}
}

func TestCompactRequiresIdle(t *testing.T) {
	h := newHarness(t, harnessConfig{})
	h.prompt("busy now")

	err := h.rt.Compact(context.Background(), "")
	if err == nil || !strings.Contains(err.Error(), "idle") {
		t.Fatalf("expected idle requirement, got %v", err)
	}
}

func TestParseModelPreset(t *testing.T) {
	cases := []struct {
		preset   string
		provider string
		model    string
		thinking string
	}{
		{"", "", "", ""},
		{"gpt-5-codex", "", "gpt-5-codex", ""},
		{"openai/gpt-5-codex", "openai", "gpt-5-codex", ""},
		{"openai/gpt-5-codex/high", "openai", "gpt-5-codex", "high"},
	}
	for _, tc := range cases {
		provider, model, thinking := parseModelPreset(tc.preset)
		if provider != tc.provider || model != tc.model || thinking != tc.thinking {
			t.Errorf("preset %q: got (%q, %q, %q)", tc.preset, provider, model, thinking)
		}
	}
}

func TestMessageKey(t *testing.T) {
	if messageKey("hello\r\nworld", nil) != messageKey("hello\nworld", nil) {
		t.Error("line ending normalization must not change the key")
	}
	if messageKey("  hi  ", nil) != messageKey("hi", nil) {
		t.Error("surrounding whitespace must not change the key")
	}
	if messageKey("hi", nil) == messageKey("bye", nil) {
		t.Error("different texts must produce different keys")
	}
	img := Image{MimeType: "image/png", Base64: strings.Repeat("A", 100)}
	if messageKey("hi", []Image{img}) == messageKey("hi", nil) {
		t.Error("attachments must change the key")
	}
}

func TestPublicStatus(t *testing.T) {
	cases := map[State]string{
		StateIdle:       "idle",
		StateStarting:   "streaming",
		StateStreaming:  "streaming",
		StateTerminated: "terminated",
	}
	for state, want := range cases {
		if got := state.PublicStatus(); got != want {
			t.Errorf("%s: expected %q, got %q", state, want, got)
		}
	}
}

func TestLooksLikeContextOverflow(t *testing.T) {
	if !LooksLikeContextOverflow("Context window exceeded for this model") {
		t.Error("expected context window message to match")
	}
	if !LooksLikeContextOverflow("error: context_length_exceeded") {
		t.Error("expected context length code to match")
	}
	if LooksLikeContextOverflow("rate limit reached") {
		t.Error("rate limit must not match")
	}
}
