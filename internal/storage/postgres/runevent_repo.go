package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"gorm.io/gorm"

	"github.com/yencolon/human-in-the-loop-chat/internal/runlog"
)

const appendAttempts = 5

// RunEventRepository implements runlog.Store with GORM.
type RunEventRepository struct {
	db *gorm.DB
}

// NewRunEventRepository creates a RunEventRepository.
func NewRunEventRepository(db *gorm.DB) *RunEventRepository {
	return &RunEventRepository{db: db}
}

// Append stores ev at the next sequence number of its run. A concurrent
// append that takes the same number fails the unique index and is retried.
func (r *RunEventRepository) Append(ctx context.Context, ev *runlog.Event) error {
	var lastErr error
	for attempt := 0; attempt < appendAttempts; attempt++ {
		err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var last sql.NullInt64
			row := tx.Model(&RunEventModel{}).
				Where("run_id = ?", ev.RunID).
				Select("MAX(seq)").
				Row()
			if err := row.Scan(&last); err != nil {
				return err
			}
			seq := 0
			if last.Valid {
				seq = int(last.Int64) + 1
			}

			model := RunEventModel{
				RunID:     ev.RunID,
				Seq:       seq,
				Type:      string(ev.Type),
				Data:      string(ev.Data),
				CreatedAt: ev.CreatedAt,
			}
			if err := tx.Create(&model).Error; err != nil {
				return err
			}
			ev.Index = seq
			return nil
		})
		if err == nil {
			return nil
		}
		if !isDuplicateKey(err) {
			return fmt.Errorf("appending run event: %w", err)
		}
		lastErr = err
	}
	return fmt.Errorf("appending run event: %w", lastErr)
}

// List returns the events of runID with seq >= from.
func (r *RunEventRepository) List(ctx context.Context, runID string, from int) ([]runlog.Event, error) {
	var models []RunEventModel
	err := r.db.WithContext(ctx).
		Where("run_id = ? AND seq >= ?", runID, from).
		Order("seq ASC").
		Find(&models).Error
	if err != nil {
		return nil, fmt.Errorf("listing run events: %w", err)
	}

	if len(models) == 0 {
		var count int64
		if err := r.db.WithContext(ctx).Model(&RunEventModel{}).Where("run_id = ?", runID).Count(&count).Error; err != nil {
			return nil, fmt.Errorf("counting run events: %w", err)
		}
		if count == 0 {
			return nil, runlog.ErrRunNotFound
		}
		return nil, nil
	}

	events := make([]runlog.Event, len(models))
	for i := range models {
		events[i] = toRunEvent(&models[i])
	}
	return events, nil
}

var _ runlog.Store = (*RunEventRepository)(nil)
