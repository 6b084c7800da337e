package swarm

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/swarmdev/swarmd/internal/common/logger"
	"github.com/swarmdev/swarmd/internal/cron"
	"github.com/swarmdev/swarmd/internal/events/bus"
	"github.com/swarmdev/swarmd/internal/swarm/archetype"
	"github.com/swarmdev/swarmd/internal/swarm/runtime"
	"github.com/swarmdev/swarmd/internal/swarm/session"
	"github.com/swarmdev/swarmd/internal/swarm/workdir"
)

// Scheduler is the slice of the cron scheduler the manager's dynamic
// tools use.
type Scheduler interface {
	Add(managerID string, spec cron.Spec) (*cron.Schedule, error)
	Remove(managerID, scheduleID string) error
	List(managerID string) ([]cron.Schedule, error)
}

// Archiver mirrors conversation entries into a secondary index.
type Archiver interface {
	Index(entry ConversationEntry) error
}

// AgentRuntime is the slice of *runtime.Runtime the manager drives. Tests
// substitute fakes.
type AgentRuntime interface {
	SendMessage(ctx context.Context, input runtime.Input) (*runtime.Receipt, error)
	Terminate(abort bool)
	StopInFlight(abort bool) error
	Compact(ctx context.Context, instructions string) error
	Status() string
	ContextUsage() *runtime.ContextUsage
}

type runtimeFactory func(ctx context.Context, cfg runtime.Config, cb runtime.Callbacks) (AgentRuntime, error)

// Options configures the swarm manager.
type Options struct {
	DataDir          string
	PrimaryManagerID string
	CodexBin         string
	// Model is the default model preset for agents created without one.
	Model       string
	SandboxMode string
	MemoryFile  string
	// HistoryLimit caps the in-memory conversation ring per agent.
	HistoryLimit int
}

// Manager is the single source of truth for the agent tree. It owns the
// descriptor map, the runtimes, the on-disk agents.json store and the
// conversation projection.
type Manager struct {
	opts       Options
	eventBus   bus.EventBus
	sessions   *session.Store
	store      *Store
	archetypes *archetype.Registry
	workdir    *workdir.Policy
	logger     *logger.Logger

	scheduler Scheduler
	archiver  Archiver

	newRuntime runtimeFactory

	mu          sync.RWMutex
	descriptors map[string]*AgentDescriptor
	runtimes    map[string]AgentRuntime
	history     map[string][]ConversationEntry
}

// NewManager wires a swarm manager. Boot must be called before use.
func NewManager(
	opts Options,
	eventBus bus.EventBus,
	sessions *session.Store,
	archetypes *archetype.Registry,
	policy *workdir.Policy,
	log *logger.Logger,
) *Manager {
	if opts.HistoryLimit <= 0 {
		opts.HistoryLimit = 2000
	}
	m := &Manager{
		opts:        opts,
		eventBus:    eventBus,
		sessions:    sessions,
		store:       NewStore(opts.DataDir, log),
		archetypes:  archetypes,
		workdir:     policy,
		logger:      log.WithFields(zap.String("component", "swarm-manager")),
		descriptors: make(map[string]*AgentDescriptor),
		runtimes:    make(map[string]AgentRuntime),
		history:     make(map[string][]ConversationEntry),
	}
	m.newRuntime = func(ctx context.Context, cfg runtime.Config, cb runtime.Callbacks) (AgentRuntime, error) {
		return runtime.New(ctx, cfg, cb)
	}
	return m
}

// SetScheduler attaches the cron scheduler backing the schedule_task tool.
func (m *Manager) SetScheduler(s Scheduler) {
	m.scheduler = s
}

// SetArchiver attaches a conversation archive.
func (m *Manager) SetArchiver(a Archiver) {
	m.archiver = a
}

// PrimaryManagerID returns the configured primary manager id.
func (m *Manager) PrimaryManagerID() string {
	return m.opts.PrimaryManagerID
}

// ListAgents returns descriptor copies in the persisted order: primary
// manager first, then managers, then workers.
func (m *Manager) ListAgents() []*AgentDescriptor {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agents := make([]*AgentDescriptor, 0, len(m.descriptors))
	for _, d := range m.descriptors {
		agents = append(agents, d.Clone())
	}
	sortDescriptors(m.opts.PrimaryManagerID, agents)
	return agents
}

// GetAgent returns a descriptor copy.
func (m *Manager) GetAgent(agentID string) (*AgentDescriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.descriptors[agentID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return d.Clone(), nil
}

// GetConversationHistory returns the in-memory conversation ring for an
// agent, oldest first.
func (m *Manager) GetConversationHistory(agentID string) ([]ConversationEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if _, ok := m.descriptors[agentID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	entries := m.history[agentID]
	out := make([]ConversationEntry, len(entries))
	copy(out, entries)
	return out, nil
}

// SpawnInput describes a worker to create.
type SpawnInput struct {
	AgentID        string
	DisplayName    string
	Cwd            string
	Model          string
	ArchetypeID    string
	SystemPrompt   string
	InitialMessage string
}

// SpawnAgent creates a worker owned by the calling manager. The requested
// id is normalized and uniqueified; the cwd is validated against the
// workspace allowlist. With an initial message set, it is dispatched
// immediately with internal origin.
func (m *Manager) SpawnAgent(ctx context.Context, callerID string, in SpawnInput) (*AgentDescriptor, error) {
	caller, err := m.requireRunningManager(callerID)
	if err != nil {
		return nil, err
	}

	base, err := NormalizeAgentID(in.AgentID)
	if err != nil {
		return nil, err
	}

	archetypeID := in.ArchetypeID
	if archetypeID == "" {
		archetypeID = ArchetypeWorker
	}
	prompt := in.SystemPrompt
	if prompt == "" {
		prompt, err = m.archetypes.Prompt(archetypeID)
		if err != nil {
			return nil, fmt.Errorf("unknown archetype %q", archetypeID)
		}
	} else if !m.archetypes.Exists(archetypeID) {
		return nil, fmt.Errorf("unknown archetype %q", archetypeID)
	}

	cwd := in.Cwd
	if cwd == "" {
		cwd = caller.Cwd
	}
	cwd, err = m.workdir.Validate(cwd)
	if err != nil {
		return nil, err
	}

	model := in.Model
	if model == "" {
		model = caller.Model
	}
	if model == "" {
		model = m.opts.Model
	}

	displayName := strings.TrimSpace(in.DisplayName)
	if displayName == "" {
		displayName = base
	}

	m.mu.Lock()
	agentID := m.uniqueIDLocked(base)
	now := time.Now().UTC()
	desc := &AgentDescriptor{
		AgentID:      agentID,
		DisplayName:  displayName,
		Role:         RoleWorker,
		ManagerID:    callerID,
		ArchetypeID:  archetypeID,
		Status:       StatusIdle,
		CreatedAt:    now,
		UpdatedAt:    now,
		Cwd:          cwd,
		Model:        model,
		SessionFile:  m.sessions.FilePath(agentID),
		SystemPrompt: in.SystemPrompt,
	}
	m.descriptors[agentID] = desc
	m.mu.Unlock()

	rt, err := m.createRuntime(ctx, desc, prompt)
	if err != nil {
		m.mu.Lock()
		delete(m.descriptors, agentID)
		m.mu.Unlock()
		return nil, err
	}

	m.mu.Lock()
	m.runtimes[agentID] = rt
	persistErr := m.persistLocked()
	m.mu.Unlock()
	if persistErr != nil {
		m.logger.Error("failed to persist agent store after spawn", zap.Error(persistErr))
	}

	m.logger.Info("spawned worker",
		zap.String("agent_id", agentID),
		zap.String("manager_id", callerID),
		zap.String("cwd", cwd))
	m.publishAgentStatus(desc.Clone())
	m.publishSnapshot()

	if msg := strings.TrimSpace(in.InitialMessage); msg != "" {
		if _, err := m.SendMessage(ctx, callerID, agentID, msg, runtime.ModeAuto, SendOptions{Origin: OriginInternal}); err != nil {
			m.logger.Warn("failed to deliver initial message",
				zap.String("agent_id", agentID),
				zap.Error(err))
		}
	}
	return desc.Clone(), nil
}

// uniqueIDLocked appends -2, -3, ... until the id is free. The reserved
// primary manager id is never handed to a worker.
func (m *Manager) uniqueIDLocked(base string) string {
	candidate := base
	for i := 2; ; i++ {
		_, taken := m.descriptors[candidate]
		if !taken && candidate != m.opts.PrimaryManagerID {
			return candidate
		}
		candidate = fmt.Sprintf("%s-%d", base, i)
	}
}

// KillAgent terminates a worker owned by the calling manager. Managers
// cannot be killed through this operation.
func (m *Manager) KillAgent(ctx context.Context, callerID, targetID string) error {
	if _, err := m.requireRunningManager(callerID); err != nil {
		return err
	}

	m.mu.Lock()
	target, ok := m.descriptors[targetID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotFound, targetID)
	}
	if target.IsManager() {
		m.mu.Unlock()
		return fmt.Errorf("cannot kill manager %s: managers are deleted, not killed", targetID)
	}
	if target.ManagerID != callerID {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s belongs to %s", ErrNotOwned, targetID, target.ManagerID)
	}
	rt := m.runtimes[targetID]
	delete(m.runtimes, targetID)
	target.Status = StatusTerminated
	target.UpdatedAt = time.Now().UTC()
	persistErr := m.persistLocked()
	snapshot := target.Clone()
	m.mu.Unlock()

	if rt != nil {
		rt.Terminate(true)
	}
	if persistErr != nil {
		m.logger.Error("failed to persist agent store after kill", zap.Error(persistErr))
	}

	m.logger.Info("killed worker",
		zap.String("agent_id", targetID),
		zap.String("manager_id", callerID))
	m.publishAgentStatus(snapshot)
	m.publishSnapshot()
	return nil
}

// CreateManagerInput describes a manager to create.
type CreateManagerInput struct {
	Name  string
	Cwd   string
	Model string
}

// CreateManager creates a manager agent. The caller must be a running
// manager, except for the bootstrap case: the configured primary id may
// create a manager while no manager runtime is alive.
func (m *Manager) CreateManager(ctx context.Context, callerID string, in CreateManagerInput) (*AgentDescriptor, error) {
	if _, err := m.requireRunningManager(callerID); err != nil {
		bootstrap := callerID == m.opts.PrimaryManagerID && !m.anyRunningManager()
		if !bootstrap {
			return nil, err
		}
	}

	base, err := NormalizeAgentID(in.Name)
	if err != nil {
		return nil, err
	}

	cwd := in.Cwd
	if cwd == "" {
		cwd = m.workdir.DefaultRoot()
	}
	cwd, err = m.workdir.Validate(cwd)
	if err != nil {
		return nil, err
	}

	model := in.Model
	if model == "" {
		model = m.opts.Model
	}
	prompt, err := m.archetypes.Prompt(ArchetypeManager)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	agentID := base
	if _, taken := m.descriptors[agentID]; taken {
		agentID = m.uniqueIDLocked(base)
	}
	now := time.Now().UTC()
	desc := &AgentDescriptor{
		AgentID:     agentID,
		DisplayName: strings.TrimSpace(in.Name),
		Role:        RoleManager,
		ManagerID:   agentID,
		ArchetypeID: ArchetypeManager,
		Status:      StatusIdle,
		CreatedAt:   now,
		UpdatedAt:   now,
		Cwd:         cwd,
		Model:       model,
		SessionFile: m.sessions.FilePath(agentID),
	}
	m.descriptors[agentID] = desc
	m.mu.Unlock()

	rt, err := m.createRuntime(ctx, desc, prompt)
	if err != nil {
		m.mu.Lock()
		delete(m.descriptors, agentID)
		m.mu.Unlock()
		return nil, err
	}

	m.mu.Lock()
	m.runtimes[agentID] = rt
	persistErr := m.persistLocked()
	m.mu.Unlock()
	if persistErr != nil {
		m.logger.Error("failed to persist agent store after manager create", zap.Error(persistErr))
	}

	m.logger.Info("created manager", zap.String("agent_id", agentID))
	m.publishAgentStatus(desc.Clone())
	m.publishSnapshot()
	return desc.Clone(), nil
}

// DeleteManager removes a manager and every worker it owns. The primary
// manager is deletable only while another manager exists.
func (m *Manager) DeleteManager(ctx context.Context, callerID, targetID string) error {
	if _, err := m.requireManager(callerID); err != nil {
		return err
	}

	m.mu.Lock()
	target, ok := m.descriptors[targetID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotFound, targetID)
	}
	if !target.IsManager() {
		m.mu.Unlock()
		return fmt.Errorf("%s is not a manager", targetID)
	}
	if targetID == m.opts.PrimaryManagerID {
		others := 0
		for id, d := range m.descriptors {
			if d.IsManager() && id != targetID && d.Status != StatusTerminated {
				others++
			}
		}
		if others == 0 {
			m.mu.Unlock()
			return fmt.Errorf("cannot delete the primary manager %s: no other manager exists", targetID)
		}
	}

	var doomed []string
	for id, d := range m.descriptors {
		if !d.IsManager() && d.ManagerID == targetID {
			doomed = append(doomed, id)
		}
	}
	doomed = append(doomed, targetID)

	victims := make(map[string]AgentRuntime, len(doomed))
	for _, id := range doomed {
		if rt := m.runtimes[id]; rt != nil {
			victims[id] = rt
		}
		delete(m.runtimes, id)
		delete(m.descriptors, id)
		delete(m.history, id)
	}
	persistErr := m.persistLocked()
	m.mu.Unlock()

	for id, rt := range victims {
		rt.Terminate(true)
		m.logger.Debug("terminated runtime during manager delete", zap.String("agent_id", id))
	}
	if persistErr != nil {
		m.logger.Error("failed to persist agent store after manager delete", zap.Error(persistErr))
	}

	m.logger.Info("deleted manager",
		zap.String("agent_id", targetID),
		zap.Int("workers_removed", len(doomed)-1))
	m.publishSnapshot()
	return nil
}

// Shutdown terminates every runtime without mutating persisted statuses,
// so the next boot can compute the wake-up set from them.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	runtimes := make(map[string]AgentRuntime, len(m.runtimes))
	for id, rt := range m.runtimes {
		runtimes[id] = rt
	}
	m.runtimes = make(map[string]AgentRuntime)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for id, rt := range runtimes {
		wg.Add(1)
		go func(id string, rt AgentRuntime) {
			defer wg.Done()
			rt.Terminate(false)
			m.logger.Debug("terminated runtime on shutdown", zap.String("agent_id", id))
		}(id, rt)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-ctx.Done():
		m.logger.Warn("shutdown timed out waiting for runtimes")
	}
	m.logger.Info("swarm manager shut down", zap.Int("runtimes", len(runtimes)))
}

// requireManager validates that the caller exists and is a non-terminated
// manager.
func (m *Manager) requireManager(callerID string) (*AgentDescriptor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.descriptors[callerID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, callerID)
	}
	if !d.IsManager() {
		return nil, fmt.Errorf("%w: %s is a worker", ErrNotManager, callerID)
	}
	if d.Status == StatusTerminated {
		return nil, fmt.Errorf("%w: %s", ErrAgentTerminated, callerID)
	}
	return d.Clone(), nil
}

// requireRunningManager additionally demands a live runtime.
func (m *Manager) requireRunningManager(callerID string) (*AgentDescriptor, error) {
	d, err := m.requireManager(callerID)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	_, running := m.runtimes[callerID]
	m.mu.RUnlock()
	if !running {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotRunning, callerID)
	}
	return d, nil
}

func (m *Manager) anyRunningManager() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for id := range m.runtimes {
		if d, ok := m.descriptors[id]; ok && d.IsManager() {
			return true
		}
	}
	return false
}

// createRuntime builds the runtime config for a descriptor and spawns its
// child process. Managers get the swarm tool surface; workers run bare.
func (m *Manager) createRuntime(ctx context.Context, desc *AgentDescriptor, prompt string) (AgentRuntime, error) {
	cfg := runtime.Config{
		AgentID:               desc.AgentID,
		Cwd:                   desc.Cwd,
		Model:                 desc.Model,
		SandboxMode:           m.opts.SandboxMode,
		DeveloperInstructions: prompt,
		SessionFile:           desc.SessionFile,
		Store:                 m.sessions,
		CodexBin:              m.opts.CodexBin,
		Env:                   m.childEnv(),
		Logger:                m.logger,
	}
	if desc.IsManager() {
		cfg.DynamicTools = managerTools()
		cfg.ToolBridge = m
	}
	return m.newRuntime(ctx, cfg, m.runtimeCallbacks(desc.AgentID))
}

// childEnv is the environment handed to agent processes: the daemon's own
// environment (secrets are hydrated into it at boot) plus the swarm
// coordinates.
func (m *Manager) childEnv() []string {
	env := os.Environ()
	env = append(env, "SWARM_DATA_DIR="+m.opts.DataDir)
	if m.opts.MemoryFile != "" {
		env = append(env, "SWARM_MEMORY_FILE="+m.opts.MemoryFile)
	}
	return env
}

// persistLocked writes agents.json in canonical order. Callers hold mu.
func (m *Manager) persistLocked() error {
	agents := make([]*AgentDescriptor, 0, len(m.descriptors))
	for _, d := range m.descriptors {
		agents = append(agents, d.Clone())
	}
	sortDescriptors(m.opts.PrimaryManagerID, agents)
	return m.store.Save(agents)
}
