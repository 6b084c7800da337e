package websocket

import (
	"encoding/base64"
	"fmt"

	v1 "github.com/swarmdev/swarmd/pkg/api/v1"

	"github.com/swarmdev/swarmd/internal/cron"
	"github.com/swarmdev/swarmd/internal/swarm"
)

func toAPIAgent(d *swarm.AgentDescriptor) v1.Agent {
	a := v1.Agent{
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
		a.ContextUsage = &v1.ContextUsage{
			Tokens:        d.ContextUsage.Tokens,
			ContextWindow: d.ContextUsage.ContextWindow,
		}
	}
	return a
}

func toAPIAgents(descriptors []*swarm.AgentDescriptor) []v1.Agent {
	out := make([]v1.Agent, 0, len(descriptors))
	for _, d := range descriptors {
		out = append(out, toAPIAgent(d))
	}
	return out
}

func toAPIEntry(e swarm.ConversationEntry) v1.ConversationEntry {
	entry := v1.ConversationEntry{
		Type:      v1.EntryType(e.Type),
		ID:        e.ID,
		AgentID:   e.AgentID,
		Timestamp: e.Timestamp,
		Role:      e.Role,
		Text:      e.Text,
		Source:    e.Source,
		Kind:      e.Kind,
		ToolName:  e.ToolName,
		IsError:   e.IsError,
	}
	if e.SourceContext != nil {
		entry.SourceContext = &v1.SourceContext{
			Channel:   e.SourceContext.Channel,
			ChannelID: e.SourceContext.ChannelID,
			UserID:    e.SourceContext.UserID,
			MessageID: e.SourceContext.MessageID,
			ThreadID:  e.SourceContext.ThreadID,
		}
	}
	return entry
}

func toAPIEntries(entries []swarm.ConversationEntry) []v1.ConversationEntry {
	out := make([]v1.ConversationEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, toAPIEntry(e))
	}
	return out
}

func toSwarmAttachments(attachments []v1.Attachment) ([]swarm.Attachment, error) {
	if len(attachments) == 0 {
		return nil, nil
	}
	out := make([]swarm.Attachment, 0, len(attachments))
	for _, a := range attachments {
		att := swarm.Attachment{
			FileName: a.FileName,
			MimeType: a.MimeType,
			Text:     a.Text,
		}
		if a.Data != "" {
			data, err := base64.StdEncoding.DecodeString(a.Data)
			if err != nil {
				return nil, fmt.Errorf("attachment %q: invalid base64 data: %w", a.FileName, err)
			}
			att.Data = data
		}
		out = append(out, att)
	}
	return out, nil
}

func toSwarmSourceContext(sc *v1.SourceContext) *swarm.SourceContext {
	if sc == nil {
		return nil
	}
	return &swarm.SourceContext{
		Channel:   sc.Channel,
		ChannelID: sc.ChannelID,
		UserID:    sc.UserID,
		MessageID: sc.MessageID,
		ThreadID:  sc.ThreadID,
	}
}

func toAPISchedule(managerID string, s cron.Schedule) v1.Schedule {
	return v1.Schedule{
		ID:          s.ID,
		ManagerID:   managerID,
		Name:        s.Name,
		Cron:        s.Cron,
		Message:     s.Message,
		OneShot:     s.OneShot,
		Timezone:    s.Timezone,
		CreatedAt:   s.CreatedAt,
		NextFireAt:  s.NextFireAt,
		LastFiredAt: s.LastFiredAt,
	}
}
