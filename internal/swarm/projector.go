package swarm

import (
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/swarmdev/swarmd/internal/events"
	"github.com/swarmdev/swarmd/internal/swarm/runtime"
	"github.com/swarmdev/swarmd/internal/swarm/session"
)

// runtimeCallbacks wires one runtime into the manager: session events feed
// the conversation projector, status transitions update the descriptor,
// and token usage is mirrored into the descriptor and the session log.
func (m *Manager) runtimeCallbacks(agentID string) runtime.Callbacks {
	return runtime.Callbacks{
		OnSessionEvent: func(ev runtime.SessionEvent) {
			m.projectEvent(agentID, ev)
		},
		OnStatus: func(status string) {
			m.setStatus(agentID, status)
		},
		OnRuntimeError: func(phase string, err error) {
			m.handleRuntimeError(agentID, phase, err)
		},
		OnContextUsage: func(usage runtime.ContextUsage) {
			m.updateContextUsage(agentID, usage)
		},
	}
}

// projectEvent translates one runtime session event into conversation
// entries. Diagnostic lifecycle events become conversation_log lines;
// finished assistant messages from workers surface as system-sourced
// conversation messages so their manager's transcript shows them. Manager
// assistant output is not projected here: managers address the user
// through the speak_to_user tool only.
func (m *Manager) projectEvent(agentID string, ev runtime.SessionEvent) {
	m.mu.RLock()
	desc, ok := m.descriptors[agentID]
	isManager := ok && desc.IsManager()
	m.mu.RUnlock()
	if !ok {
		return
	}

	switch ev.Kind {
	case runtime.EventMessageStart, runtime.EventMessageEnd,
		runtime.EventToolExecutionStart, runtime.EventToolExecutionUpdate,
		runtime.EventToolExecutionEnd:
		m.appendEntry(ConversationEntry{
			Type:      EntryTypeLog,
			AgentID:   agentID,
			Timestamp: ev.Timestamp,
			Kind:      string(ev.Kind),
			Text:      ev.Text,
			ToolName:  ev.ToolName,
			IsError:   ev.IsError,
			Source:    SourceRuntimeLog,
		})

	case runtime.EventTurnEnd:
		if ev.IsError {
			m.appendEntry(ConversationEntry{
				Type:      EntryTypeMessage,
				AgentID:   agentID,
				Timestamp: ev.Timestamp,
				Role:      "system",
				Source:    SourceSystem,
				Text:      diagnoseTurnFailure(ev.ErrorMessage),
				IsError:   true,
			})
		}

	case runtime.EventAutoCompactionStart:
		m.appendSystemMessage(agentID, "Automatic context compaction started.")
	case runtime.EventAutoCompactionEnd:
		m.appendSystemMessage(agentID, "Automatic context compaction finished.")
	}

	// Completed worker output becomes part of the visible transcript.
	if ev.Kind == runtime.EventMessageEnd && !ev.IsError && ev.Text != "" && !isManager {
		m.appendEntry(ConversationEntry{
			Type:      EntryTypeMessage,
			AgentID:   agentID,
			Timestamp: ev.Timestamp,
			Role:      "assistant",
			Source:    SourceSystem,
			Text:      ev.Text,
		})
	}
}

// diagnoseTurnFailure renders a turn failure for the user, with a
// compaction hint when the child's error looks like context overflow.
func diagnoseTurnFailure(msg string) string {
	if msg == "" {
		return "The agent's turn failed."
	}
	if runtime.LooksLikeContextOverflow(msg) {
		return "The agent's turn failed because the model context is full: " + msg +
			"\nSend /compact to shrink the conversation context."
	}
	return "The agent's turn failed: " + msg
}

// handleRuntimeError surfaces runtime failures. A child exit terminates
// the descriptor; other phases are diagnostics already narrated through
// the session event path.
func (m *Manager) handleRuntimeError(agentID, phase string, err error) {
	m.logger.Debug("runtime error",
		zap.String("agent_id", agentID),
		zap.String("phase", phase),
		zap.Error(err))

	if phase != runtime.PhaseRuntimeExit {
		return
	}

	m.mu.Lock()
	delete(m.runtimes, agentID)
	m.mu.Unlock()
	m.appendSystemMessage(agentID, "The agent's process exited unexpectedly: "+err.Error())
}

// setStatus records a runtime-reported status transition on the
// descriptor, persists the store and publishes the change.
func (m *Manager) setStatus(agentID, status string) {
	m.mu.Lock()
	desc, ok := m.descriptors[agentID]
	if !ok || desc.Status == status {
		m.mu.Unlock()
		return
	}
	desc.Status = status
	desc.UpdatedAt = time.Now().UTC()
	snapshot := desc.Clone()
	persistErr := m.persistLocked()
	m.mu.Unlock()

	if persistErr != nil {
		m.logger.Error("failed to persist agent store after status change",
			zap.String("agent_id", agentID),
			zap.Error(persistErr))
	}
	m.publishAgentStatus(snapshot)
}

// updateContextUsage mirrors token telemetry into the descriptor, the
// session log and the event bus.
func (m *Manager) updateContextUsage(agentID string, usage runtime.ContextUsage) {
	m.mu.Lock()
	desc, ok := m.descriptors[agentID]
	if !ok {
		m.mu.Unlock()
		return
	}
	desc.ContextUsage = &ContextUsageInfo{
		Tokens:        usage.Tokens,
		ContextWindow: usage.ContextWindow,
	}
	sessionFile := desc.SessionFile
	m.mu.Unlock()

	if err := m.sessions.AppendCustom(sessionFile, session.CustomContextWindow, session.ContextWindow{
		Tokens:        usage.Tokens,
		ContextWindow: usage.ContextWindow,
	}); err != nil {
		m.logger.Debug("failed to persist context window", zap.Error(err))
	}
	m.publishEvent(events.BuildContextWindowSubject(agentID), events.ContextWindowUpdated,
		map[string]interface{}{
			"agentId":       agentID,
			"tokens":        usage.Tokens,
			"contextWindow": usage.ContextWindow,
		})
}

// appendSystemMessage adds a system-sourced message to an agent's
// transcript.
func (m *Manager) appendSystemMessage(agentID, text string) {
	m.appendEntry(ConversationEntry{
		Type:    EntryTypeMessage,
		AgentID: agentID,
		Role:    "system",
		Source:  SourceSystem,
		Text:    text,
	})
}

// appendEntry records one conversation entry: into the in-memory ring,
// the agent's session file, the archive and the event bus. The ring is
// capped at the history limit; trimming discards the oldest non-preserved
// entry first so the user-visible web transcript survives pressure.
func (m *Manager) appendEntry(entry ConversationEntry) {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	m.mu.Lock()
	desc, ok := m.descriptors[entry.AgentID]
	if !ok {
		m.mu.Unlock()
		return
	}
	sessionFile := desc.SessionFile
	ring := append(m.history[entry.AgentID], entry)
	if len(ring) > m.opts.HistoryLimit {
		ring = trimOldest(ring)
	}
	m.history[entry.AgentID] = ring
	m.mu.Unlock()

	if err := m.sessions.AppendCustom(sessionFile, session.CustomConversationEntry, entry); err != nil {
		m.logger.Warn("failed to persist conversation entry",
			zap.String("agent_id", entry.AgentID),
			zap.Error(err))
	}
	if m.archiver != nil {
		if err := m.archiver.Index(entry); err != nil {
			m.logger.Debug("failed to archive conversation entry", zap.Error(err))
		}
	}

	subject := events.BuildConversationMessageSubject(entry.AgentID)
	eventType := events.ConversationMessage
	if entry.Type == EntryTypeLog {
		subject = events.BuildConversationLogSubject(entry.AgentID)
		eventType = events.ConversationLog
	}
	m.publishEvent(subject, eventType, map[string]interface{}{
		"agentId": entry.AgentID,
		"entry":   entry,
	})

	if entry.Source == SourceSpeakToUser {
		m.publishEvent(events.UserSpeech, events.UserSpeech, map[string]interface{}{
			"agentId": entry.AgentID,
			"text":    entry.Text,
		})
	}
}

// trimOldest removes the oldest non-preserved entry, or the oldest entry
// outright when everything is preserved.
func trimOldest(ring []ConversationEntry) []ConversationEntry {
	for i, e := range ring {
		if !e.preserved() {
			return append(ring[:i], ring[i+1:]...)
		}
	}
	return ring[1:]
}

// publishAgentStatus emits a per-agent status event.
func (m *Manager) publishAgentStatus(desc *AgentDescriptor) {
	data := map[string]interface{}{
		"agentId":   desc.AgentID,
		"status":    desc.Status,
		"role":      desc.Role,
		"managerId": desc.ManagerID,
	}
	if desc.ContextUsage != nil {
		data["contextUsage"] = desc.ContextUsage
	}
	m.publishEvent(events.BuildAgentStatusSubject(desc.AgentID), events.AgentStatus, data)
}

// publishSnapshot emits the full roster.
func (m *Manager) publishSnapshot() {
	m.publishEvent(events.AgentsSnapshot, events.AgentsSnapshot, map[string]interface{}{
		"agents": m.ListAgents(),
	})
}
