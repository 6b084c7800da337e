package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/swarmdev/swarmd/internal/swarm/runtime"
	"github.com/swarmdev/swarmd/internal/swarm/session"
)

// Boot restores the swarm from disk: descriptors are loaded and
// normalized, conversation histories are replayed from session logs,
// runtimes are recreated primary-manager first, and managers that had
// live workers before the last shutdown are told about the reboot.
//
// A restore failure of the primary manager is fatal; any other agent
// failing to restore is marked stopped_on_restart and boot continues.
func (m *Manager) Boot(ctx context.Context) error {
	if err := os.MkdirAll(m.opts.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	persisted, err := m.store.Load()
	if err != nil {
		return err
	}

	wakeUp := computeWakeUpSet(m.opts.PrimaryManagerID, persisted)
	descriptors := m.normalizeDescriptors(persisted)

	m.mu.Lock()
	m.descriptors = descriptors
	m.mu.Unlock()

	if err := m.loadHistories(ctx); err != nil {
		return err
	}

	ordered := make([]*AgentDescriptor, 0, len(descriptors))
	for _, d := range descriptors {
		ordered = append(ordered, d)
	}
	sortDescriptors(m.opts.PrimaryManagerID, ordered)

	for _, desc := range ordered {
		if desc.Status != StatusIdle {
			continue
		}
		if err := m.restoreRuntime(ctx, desc); err != nil {
			if desc.AgentID == m.opts.PrimaryManagerID {
				return fmt.Errorf("failed to restore primary manager %s: %w", desc.AgentID, err)
			}
			m.logger.Warn("agent did not survive restart",
				zap.String("agent_id", desc.AgentID),
				zap.Error(err))
			m.mu.Lock()
			desc.Status = StatusStoppedOnRestart
			desc.UpdatedAt = time.Now().UTC()
			m.mu.Unlock()
		}
	}

	m.mu.Lock()
	persistErr := m.persistLocked()
	m.mu.Unlock()
	if persistErr != nil {
		return persistErr
	}

	m.notifyRebootedManagers(ctx, wakeUp)
	m.publishSnapshot()
	m.logger.Info("swarm booted",
		zap.Int("agents", len(descriptors)),
		zap.Int("wake_up_managers", len(wakeUp)))
	return nil
}

// computeWakeUpSet returns the managers that owned at least one
// non-terminated worker in the persisted state, evaluated before status
// normalization.
func computeWakeUpSet(primaryID string, persisted []*AgentDescriptor) map[string]bool {
	managers := make(map[string]bool)
	for _, d := range persisted {
		if d.IsManager() && d.Status != StatusTerminated {
			managers[d.AgentID] = false
		}
	}
	for _, d := range persisted {
		if d.IsManager() || d.Status == StatusTerminated {
			continue
		}
		owner := d.ManagerID
		if _, ok := managers[owner]; !ok {
			owner = primaryID
		}
		if _, ok := managers[owner]; ok {
			managers[owner] = true
		}
	}
	set := make(map[string]bool)
	for id, hadWorkers := range managers {
		if hadWorkers {
			set[id] = true
		}
	}
	return set
}

// normalizeDescriptors repairs persisted state into the invariants the
// manager maintains at runtime: the primary manager exists and owns
// itself, every worker references a live manager, session file paths are
// canonical, and anything that was running is reset to idle for restore.
func (m *Manager) normalizeDescriptors(persisted []*AgentDescriptor) map[string]*AgentDescriptor {
	now := time.Now().UTC()
	descriptors := make(map[string]*AgentDescriptor, len(persisted)+1)
	for _, d := range persisted {
		if d == nil || d.AgentID == "" {
			continue
		}
		c := d.Clone()
		if c.Status != StatusTerminated {
			c.Status = StatusIdle
		}
		c.SessionFile = m.sessions.FilePath(c.AgentID)
		if c.Cwd == "" {
			c.Cwd = m.workdir.DefaultRoot()
		}
		descriptors[c.AgentID] = c
	}

	primary, ok := descriptors[m.opts.PrimaryManagerID]
	if !ok {
		primary = &AgentDescriptor{
			AgentID:     m.opts.PrimaryManagerID,
			DisplayName: m.opts.PrimaryManagerID,
			Status:      StatusIdle,
			CreatedAt:   now,
			UpdatedAt:   now,
			Cwd:         m.workdir.DefaultRoot(),
			Model:       m.opts.Model,
			SessionFile: m.sessions.FilePath(m.opts.PrimaryManagerID),
		}
		descriptors[m.opts.PrimaryManagerID] = primary
		m.logger.Info("created primary manager descriptor",
			zap.String("agent_id", m.opts.PrimaryManagerID))
	}
	primary.Role = RoleManager
	primary.ManagerID = primary.AgentID
	primary.ArchetypeID = ArchetypeManager
	if primary.Status == StatusTerminated {
		primary.Status = StatusIdle
	}

	for _, d := range descriptors {
		if d.IsManager() {
			d.ManagerID = d.AgentID
			continue
		}
		owner, ok := descriptors[d.ManagerID]
		if !ok || !owner.IsManager() || owner.Status == StatusTerminated {
			m.logger.Warn("reparenting orphaned worker to primary manager",
				zap.String("agent_id", d.AgentID),
				zap.String("previous_manager", d.ManagerID))
			d.ManagerID = m.opts.PrimaryManagerID
		}
	}
	return descriptors
}

// loadHistories replays persisted conversation entries into the in-memory
// rings for every agent expected to run.
func (m *Manager) loadHistories(ctx context.Context) error {
	m.mu.RLock()
	var targets []*AgentDescriptor
	for _, d := range m.descriptors {
		if d.Running() {
			targets = append(targets, d.Clone())
		}
	}
	m.mu.RUnlock()

	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, desc := range targets {
		desc := desc
		g.Go(func() error {
			entries, err := m.readHistory(desc.SessionFile)
			if err != nil {
				m.logger.Warn("failed to load conversation history",
					zap.String("agent_id", desc.AgentID),
					zap.Error(err))
				return nil
			}
			if len(entries) == 0 {
				return nil
			}
			m.mu.Lock()
			m.history[desc.AgentID] = entries
			m.mu.Unlock()
			return nil
		})
	}
	return g.Wait()
}

// readHistory reads the projected conversation entries from a session
// file, capped to the history limit from the tail.
func (m *Manager) readHistory(sessionFile string) ([]ConversationEntry, error) {
	records, err := m.sessions.ReadAll(sessionFile)
	if err != nil {
		return nil, err
	}
	var entries []ConversationEntry
	for _, raw := range session.CustomsOf(records, session.CustomConversationEntry) {
		var entry ConversationEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.Before(entries[j].Timestamp)
	})
	if len(entries) > m.opts.HistoryLimit {
		entries = entries[len(entries)-m.opts.HistoryLimit:]
	}
	return entries, nil
}

// restoreRuntime recreates the runtime for one descriptor.
func (m *Manager) restoreRuntime(ctx context.Context, desc *AgentDescriptor) error {
	prompt := desc.SystemPrompt
	if prompt == "" {
		archetypeID := desc.ArchetypeID
		if archetypeID == "" {
			if desc.IsManager() {
				archetypeID = ArchetypeManager
			} else {
				archetypeID = ArchetypeWorker
			}
		}
		var err error
		prompt, err = m.archetypes.Prompt(archetypeID)
		if err != nil {
			return err
		}
	}

	rt, err := m.createRuntime(ctx, desc, prompt)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.runtimes[desc.AgentID] = rt
	m.mu.Unlock()
	m.logger.Info("restored agent runtime",
		zap.String("agent_id", desc.AgentID),
		zap.String("role", desc.Role))
	return nil
}

// notifyRebootedManagers sends the single synthetic reboot notice to each
// wake-up-set manager that came back up.
func (m *Manager) notifyRebootedManagers(ctx context.Context, wakeUp map[string]bool) {
	for managerID := range wakeUp {
		m.mu.RLock()
		rt := m.runtimes[managerID]
		var workers []string
		for _, d := range m.descriptors {
			if !d.IsManager() && d.ManagerID == managerID && d.Status != StatusTerminated {
				workers = append(workers, fmt.Sprintf("%s (%s)", d.AgentID, d.Status))
			}
		}
		m.mu.RUnlock()
		if rt == nil {
			continue
		}
		sort.Strings(workers)

		text := prefixSystem(fmt.Sprintf(
			"The swarm daemon rebooted. Your workers before the shutdown: %s. "+
				"Check on their progress and re-dispatch anything that was cut off.",
			strings.Join(workers, ", ")))
		if _, err := rt.SendMessage(ctx, runtime.Input{Text: text, Mode: runtime.ModeAuto}); err != nil {
			m.logger.Warn("failed to deliver reboot notice",
				zap.String("agent_id", managerID),
				zap.Error(err))
		}
	}
}
