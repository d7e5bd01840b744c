package postgres

import (
	"time"
)

// HookModel maps to the "approval_hooks" table.
type HookModel struct {
	HookKey    string `gorm:"column:hook_key;primaryKey"`
	RunID      string `gorm:"not null;index"`
	Prompt     string `gorm:"type:text"`
	Status     int16  `gorm:"not null;default:0;index"`
	Approved   bool   `gorm:"not null;default:false"`
	Comment    string
	Channel    string
	MessageTS  string `gorm:"column:message_ts"`
	CreatedAt  time.Time
	ExpiresAt  *time.Time `gorm:"index"`
	ResolvedAt *time.Time `gorm:"index"`
}

func (HookModel) TableName() string { return "approval_hooks" }

// RunEventModel maps to the "run_events" table.
// Append-only; (run_id, seq) is unique so concurrent appends cannot share an index.
type RunEventModel struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	RunID     string `gorm:"not null;uniqueIndex:idx_run_events_run_seq"`
	Seq       int    `gorm:"not null;uniqueIndex:idx_run_events_run_seq"`
	Type      string `gorm:"not null"`
	Data      string `gorm:"type:text"`
	CreatedAt time.Time
}

func (RunEventModel) TableName() string { return "run_events" }
