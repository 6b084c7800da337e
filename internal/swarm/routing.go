package swarm

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/swarmdev/swarmd/internal/events"
	"github.com/swarmdev/swarmd/internal/events/bus"
	"github.com/swarmdev/swarmd/internal/swarm/runtime"
)

// systemPrefix marks internally originated messages so agents can tell
// daemon traffic from user traffic.
const systemPrefix = "SYSTEM: "

// Session reset reasons.
const (
	ResetReasonUserNewCommand = "user_new_command"
	ResetReasonAPIReset       = "api_reset"
)

// SendOptions qualifies a SendMessage call.
type SendOptions struct {
	// Origin is OriginUser or OriginInternal; empty means internal.
	Origin      string
	Attachments []Attachment
}

// HandleOptions qualifies a HandleUserMessage call.
type HandleOptions struct {
	// TargetAgentID defaults to the primary manager.
	TargetAgentID string
	SourceContext *SourceContext
	Attachments   []Attachment
}

// SendMessage routes a message from a manager to one of its own workers.
// Internal-origin text is prefixed with "SYSTEM: " unless it already
// carries the marker; user-origin text passes through verbatim.
func (m *Manager) SendMessage(ctx context.Context, fromID, targetID, text string, delivery runtime.Mode, opts SendOptions) (*runtime.Receipt, error) {
	m.mu.RLock()
	from, ok := m.descriptors[fromID]
	if !ok {
		m.mu.RUnlock()
		return nil, fmt.Errorf("%w: sender %s", ErrAgentNotFound, fromID)
	}
	if from.Status == StatusTerminated {
		m.mu.RUnlock()
		return nil, fmt.Errorf("%w: sender %s", ErrAgentTerminated, fromID)
	}
	if !from.IsManager() {
		m.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s cannot send messages", ErrNotManager, fromID)
	}
	target, ok := m.descriptors[targetID]
	if !ok {
		m.mu.RUnlock()
		return nil, fmt.Errorf("%w: target %s", ErrAgentNotFound, targetID)
	}
	if target.IsManager() || target.ManagerID != fromID {
		m.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s may only address its own workers", ErrNotOwned, fromID)
	}
	rt := m.runtimes[targetID]
	m.mu.RUnlock()
	if rt == nil {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotRunning, targetID)
	}

	body := text
	if opts.Origin != OriginUser {
		body = prefixSystem(body)
	}

	sections, images, err := m.stageAttachments(targetID, opts.Attachments)
	if err != nil {
		return nil, err
	}
	if len(sections) > 0 {
		body = strings.TrimSpace(body + "\n\n" + strings.Join(sections, "\n\n"))
	}

	mode := delivery
	if mode == runtime.ModeFollowUp {
		// The runtime treats followUp as auto; the swarm's own policy is
		// to never preempt a busy worker with it.
		if rt.Status() == StatusStreaming {
			mode = runtime.ModeSteer
		} else {
			mode = runtime.ModeAuto
		}
	}

	receipt, err := rt.SendMessage(ctx, runtime.Input{Text: body, Images: images, Mode: mode})
	if err != nil {
		return nil, err
	}
	m.logger.Debug("routed message",
		zap.String("from", fromID),
		zap.String("target", targetID),
		zap.String("accepted_mode", string(receipt.AcceptedMode)))
	return receipt, nil
}

// prefixSystem prepends the SYSTEM: marker unless the text already starts
// with it (case-insensitive) or is empty.
func prefixSystem(text string) string {
	if text == "" {
		return text
	}
	if strings.HasPrefix(strings.ToLower(text), "system:") {
		return text
	}
	return systemPrefix + text
}

// HandleUserMessage is the entry point for messages from external
// channels. Worker targets are routed through their owning manager with
// user origin; manager targets get a metadata-prefixed body and are
// always steered so the user can preempt a busy manager.
func (m *Manager) HandleUserMessage(ctx context.Context, text string, opts HandleOptions) (*runtime.Receipt, error) {
	targetID := opts.TargetAgentID
	if targetID == "" {
		targetID = m.opts.PrimaryManagerID
	}

	m.mu.RLock()
	target, ok := m.descriptors[targetID]
	if !ok {
		m.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, targetID)
	}
	if target.Status == StatusTerminated {
		m.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrAgentTerminated, targetID)
	}
	isManager := target.IsManager()
	managerID := target.ManagerID
	rt := m.runtimes[targetID]
	m.mu.RUnlock()

	trimmed := strings.TrimSpace(text)
	if isManager && len(opts.Attachments) == 0 {
		if instructions, ok := parseCompactCommand(trimmed); ok {
			return nil, m.CompactAgentContext(ctx, targetID, instructions)
		}
	}

	// The user turn is projected before dispatch so subscribers see it
	// ahead of the agent's response.
	m.appendEntry(ConversationEntry{
		Type:          EntryTypeMessage,
		AgentID:       targetID,
		Role:          "user",
		Text:          text,
		Source:        SourceUserInput,
		SourceContext: opts.SourceContext,
	})

	if !isManager {
		return m.SendMessage(ctx, managerID, targetID, text, runtime.ModeAuto, SendOptions{
			Origin:      OriginUser,
			Attachments: opts.Attachments,
		})
	}

	if rt == nil {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotRunning, targetID)
	}

	body := userMessageBody(trimmed, opts.SourceContext)
	sections, images, err := m.stageAttachments(targetID, opts.Attachments)
	if err != nil {
		return nil, err
	}
	if len(sections) > 0 {
		body = strings.TrimSpace(body + "\n\n" + strings.Join(sections, "\n\n"))
	}

	receipt, err := rt.SendMessage(ctx, runtime.Input{Text: body, Images: images, Mode: runtime.ModeSteer})
	if err != nil {
		return nil, err
	}
	return receipt, nil
}

// parseCompactCommand recognizes the "/compact [instructions]" slash
// command.
func parseCompactCommand(trimmed string) (string, bool) {
	if trimmed == "/compact" {
		return "", true
	}
	if strings.HasPrefix(trimmed, "/compact ") {
		return strings.TrimSpace(strings.TrimPrefix(trimmed, "/compact ")), true
	}
	return "", false
}

// userMessageBody renders the message the manager's model sees: one
// metadata line identifying the channel, then the trimmed user text.
func userMessageBody(trimmed string, sc *SourceContext) string {
	channel := ChannelWeb
	detail := ""
	if sc != nil {
		if sc.Channel != "" {
			channel = sc.Channel
		}
		if sc.UserID != "" {
			detail += " | user: " + sc.UserID
		}
		if sc.ThreadID != "" {
			detail += " | thread: " + sc.ThreadID
		}
	}
	meta := fmt.Sprintf("[User message via %s%s | %s]", channel, detail,
		time.Now().UTC().Format(time.RFC3339))
	return meta + "\n" + trimmed
}

// DispatchScheduled lets the cron scheduler deliver a fired schedule as a
// user message to its manager.
func (m *Manager) DispatchScheduled(ctx context.Context, managerID, message string) error {
	m.mu.RLock()
	d, ok := m.descriptors[managerID]
	isManager := ok && d.IsManager()
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, managerID)
	}
	if !isManager {
		return fmt.Errorf("%w: schedules target managers", ErrNotManager)
	}
	_, err := m.HandleUserMessage(ctx, message, HandleOptions{
		TargetAgentID: managerID,
		SourceContext: &SourceContext{Channel: ChannelWeb},
	})
	return err
}

// StopAgentInFlight interrupts an agent's active turn without terminating
// it.
func (m *Manager) StopAgentInFlight(agentID string, abort bool) error {
	m.mu.RLock()
	rt := m.runtimes[agentID]
	m.mu.RUnlock()
	if rt == nil {
		return fmt.Errorf("%w: %s", ErrAgentNotRunning, agentID)
	}
	return rt.StopInFlight(abort)
}

// CompactAgentContext asks a manager's child to compact its context. The
// progress is narrated into the conversation as system messages.
func (m *Manager) CompactAgentContext(ctx context.Context, agentID, instructions string) error {
	m.mu.RLock()
	d, ok := m.descriptors[agentID]
	isManager := ok && d.IsManager()
	rt := m.runtimes[agentID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	if !isManager {
		return fmt.Errorf("%w: compaction is a manager operation", ErrNotManager)
	}
	if rt == nil {
		return fmt.Errorf("%w: %s", ErrAgentNotRunning, agentID)
	}

	m.appendSystemMessage(agentID, "Compacting conversation context…")
	if err := rt.Compact(ctx, instructions); err != nil {
		m.appendSystemMessage(agentID, "Context compaction failed: "+err.Error())
		return err
	}
	m.appendSystemMessage(agentID, "Context compaction complete.")
	return nil
}

// ResetManagerSession discards a manager's session: the runtime is
// aborted, history and the session file are cleared, and a fresh runtime
// is created.
func (m *Manager) ResetManagerSession(ctx context.Context, managerID, reason string) error {
	if reason != ResetReasonUserNewCommand && reason != ResetReasonAPIReset {
		return fmt.Errorf("invalid reset reason %q", reason)
	}

	m.mu.Lock()
	desc, ok := m.descriptors[managerID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotFound, managerID)
	}
	if !desc.IsManager() {
		m.mu.Unlock()
		return fmt.Errorf("%w: only manager sessions can be reset", ErrNotManager)
	}
	rt := m.runtimes[managerID]
	delete(m.runtimes, managerID)
	delete(m.history, managerID)
	sessionFile := desc.SessionFile
	m.mu.Unlock()

	if rt != nil {
		rt.Terminate(true)
	}
	if err := m.sessions.Delete(sessionFile); err != nil {
		m.logger.Warn("failed to delete session file on reset",
			zap.String("agent_id", managerID),
			zap.Error(err))
	}

	prompt, err := m.archetypes.Prompt(ArchetypeManager)
	if err != nil {
		return err
	}
	fresh, err := m.createRuntime(ctx, desc, prompt)
	if err != nil {
		m.setStatus(managerID, StatusStoppedOnRestart)
		return fmt.Errorf("failed to recreate manager runtime: %w", err)
	}

	m.mu.Lock()
	m.runtimes[managerID] = fresh
	desc.Status = StatusIdle
	desc.UpdatedAt = time.Now().UTC()
	persistErr := m.persistLocked()
	m.mu.Unlock()
	if persistErr != nil {
		m.logger.Error("failed to persist agent store after reset", zap.Error(persistErr))
	}

	m.logger.Info("reset manager session",
		zap.String("agent_id", managerID),
		zap.String("reason", reason))
	m.publishEvent(events.BuildConversationResetSubject(managerID), events.ConversationReset,
		map[string]interface{}{
			"agentId": managerID,
			"reason":  reason,
		})
	m.publishSnapshot()
	return nil
}

func (m *Manager) publishEvent(subject, eventType string, data map[string]interface{}) {
	if m.eventBus == nil {
		return
	}
	event := bus.NewEvent(eventType, "swarm-manager", data)
	if err := m.eventBus.Publish(context.Background(), subject, event); err != nil {
		m.logger.Warn("failed to publish event",
			zap.String("subject", subject),
			zap.Error(err))
	}
}
