package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/yencolon/human-in-the-loop-chat/internal/approval"
)

var errOverdue = errors.New("hook overdue")

// HookRepository implements approval.HookStore with GORM.
type HookRepository struct {
	db *gorm.DB
}

// NewHookRepository creates a HookRepository.
func NewHookRepository(db *gorm.DB) *HookRepository {
	return &HookRepository{db: db}
}

// Create persists a new pending hook.
func (r *HookRepository) Create(ctx context.Context, rec *approval.HookRecord) error {
	model := toHookModel(rec)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		if isDuplicateKey(err) {
			return approval.ErrHookExists
		}
		return fmt.Errorf("creating hook: %w", err)
	}
	return nil
}

// Get retrieves a hook by key.
func (r *HookRepository) Get(ctx context.Context, key string) (*approval.HookRecord, error) {
	var model HookModel
	if err := r.db.WithContext(ctx).First(&model, "hook_key = ?", key).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, approval.ErrNotFound
		}
		return nil, fmt.Errorf("getting hook: %w", err)
	}
	return toHookRecord(&model), nil
}

// GetByRun retrieves the most recent hook of a run.
func (r *HookRepository) GetByRun(ctx context.Context, runID string) (*approval.HookRecord, error) {
	var model HookModel
	err := r.db.WithContext(ctx).
		Where("run_id = ?", runID).
		Order("created_at DESC").
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, approval.ErrNotFound
		}
		return nil, fmt.Errorf("getting hook by run: %w", err)
	}
	return toHookRecord(&model), nil
}

// Resolve transitions a pending hook to the status matching value.
// The conditional update makes the first writer win across processes.
func (r *HookRepository) Resolve(ctx context.Context, key string, value approval.ActionValue) (*approval.HookRecord, error) {
	var resolved HookModel
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var model HookModel
		if err := tx.First(&model, "hook_key = ?", key).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return approval.ErrNotFound
			}
			return err
		}

		switch approval.Status(model.Status) {
		case approval.StatusPending:
		case approval.StatusExpired:
			return approval.ErrExpired
		default:
			return approval.ErrAlreadyResolved
		}
		if model.ExpiresAt != nil && time.Now().UTC().After(*model.ExpiresAt) {
			return errOverdue
		}

		now := time.Now().UTC()
		status := approval.StatusOf(value.Approved)
		res := tx.Model(&HookModel{}).
			Where("hook_key = ? AND status = ?", key, int16(approval.StatusPending)).
			Updates(map[string]any{
				"status":      int16(status),
				"approved":    value.Approved,
				"comment":     value.Comment,
				"resolved_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected != 1 {
			return approval.ErrAlreadyResolved
		}

		model.Status = int16(status)
		model.Approved = value.Approved
		model.Comment = value.Comment
		model.ResolvedAt = &now
		resolved = model
		return nil
	})

	switch {
	case errors.Is(err, errOverdue):
		// Expire outside the transaction so the transition is committed.
		if expErr := r.Expire(ctx, key); expErr != nil && !errors.Is(expErr, approval.ErrAlreadyResolved) {
			return nil, expErr
		}
		return nil, approval.ErrExpired
	case err != nil:
		if isSentinel(err) {
			return nil, err
		}
		return nil, fmt.Errorf("resolving hook: %w", err)
	}
	return toHookRecord(&resolved), nil
}

// Expire transitions a pending hook to StatusExpired.
func (r *HookRepository) Expire(ctx context.Context, key string) error {
	res := r.db.WithContext(ctx).Model(&HookModel{}).
		Where("hook_key = ? AND status = ?", key, int16(approval.StatusPending)).
		Updates(map[string]any{
			"status":      int16(approval.StatusExpired),
			"resolved_at": time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("expiring hook: %w", res.Error)
	}
	if res.RowsAffected == 1 {
		return nil
	}

	// Nothing updated: tell a missing hook apart from a finished one.
	var count int64
	if err := r.db.WithContext(ctx).Model(&HookModel{}).Where("hook_key = ?", key).Count(&count).Error; err != nil {
		return fmt.Errorf("expiring hook: %w", err)
	}
	if count == 0 {
		return approval.ErrNotFound
	}
	return approval.ErrAlreadyResolved
}

// SetMessage records the Slack channel and message timestamp of a hook.
func (r *HookRepository) SetMessage(ctx context.Context, key, channel, ts string) error {
	res := r.db.WithContext(ctx).Model(&HookModel{}).
		Where("hook_key = ?", key).
		Updates(map[string]any{"channel": channel, "message_ts": ts})
	if res.Error != nil {
		return fmt.Errorf("binding message: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return approval.ErrNotFound
	}
	return nil
}

// ExpireOverdue expires all pending hooks past expires_at and returns them.
func (r *HookRepository) ExpireOverdue(ctx context.Context) ([]approval.HookRecord, error) {
	now := time.Now().UTC()
	var overdue []HookModel
	err := r.db.WithContext(ctx).
		Where("status = ? AND expires_at IS NOT NULL AND expires_at < ?", int16(approval.StatusPending), now).
		Find(&overdue).Error
	if err != nil {
		return nil, fmt.Errorf("listing overdue hooks: %w", err)
	}

	var expired []approval.HookRecord
	for i := range overdue {
		m := &overdue[i]
		err := r.Expire(ctx, m.HookKey)
		if errors.Is(err, approval.ErrAlreadyResolved) || errors.Is(err, approval.ErrNotFound) {
			// Resolved or purged since the listing.
			continue
		}
		if err != nil {
			return expired, err
		}
		m.Status = int16(approval.StatusExpired)
		m.ResolvedAt = &now
		expired = append(expired, *toHookRecord(m))
	}
	return expired, nil
}

// DeleteResolved removes terminal hooks resolved more than olderThan ago.
func (r *HookRepository) DeleteResolved(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	res := r.db.WithContext(ctx).
		Where("status != ? AND resolved_at < ?", int16(approval.StatusPending), cutoff).
		Delete(&HookModel{})
	if res.Error != nil {
		return 0, fmt.Errorf("deleting resolved hooks: %w", res.Error)
	}
	return res.RowsAffected, nil
}

func isSentinel(err error) bool {
	return errors.Is(err, approval.ErrNotFound) ||
		errors.Is(err, approval.ErrExpired) ||
		errors.Is(err, approval.ErrAlreadyResolved)
}

// isDuplicateKey matches unique violations from both PostgreSQL and SQLite.
func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "unique constraint")
}

var _ approval.HookStore = (*HookRepository)(nil)
