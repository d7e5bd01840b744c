package postgres

import (
	"encoding/json"
	"time"

	"github.com/yencolon/human-in-the-loop-chat/internal/approval"
	"github.com/yencolon/human-in-the-loop-chat/internal/runlog"
)

func toHookModel(rec *approval.HookRecord) HookModel {
	return HookModel{
		HookKey:    rec.Key,
		RunID:      rec.RunID,
		Prompt:     rec.Prompt,
		Status:     int16(rec.Status),
		Approved:   rec.Approved,
		Comment:    rec.Comment,
		Channel:    rec.Channel,
		MessageTS:  rec.MessageTS,
		CreatedAt:  rec.CreatedAt,
		ExpiresAt:  timePtr(rec.ExpiresAt),
		ResolvedAt: timePtr(rec.ResolvedAt),
	}
}

func toHookRecord(m *HookModel) *approval.HookRecord {
	return &approval.HookRecord{
		Key:        m.HookKey,
		RunID:      m.RunID,
		Prompt:     m.Prompt,
		Status:     approval.Status(m.Status),
		Approved:   m.Approved,
		Comment:    m.Comment,
		Channel:    m.Channel,
		MessageTS:  m.MessageTS,
		CreatedAt:  m.CreatedAt,
		ExpiresAt:  timeVal(m.ExpiresAt),
		ResolvedAt: timeVal(m.ResolvedAt),
	}
}

func toRunEvent(m *RunEventModel) runlog.Event {
	ev := runlog.Event{
		RunID:     m.RunID,
		Index:     m.Seq,
		Type:      runlog.EventType(m.Type),
		CreatedAt: m.CreatedAt,
	}
	if m.Data != "" {
		ev.Data = json.RawMessage(m.Data)
	}
	return ev
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func timeVal(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
