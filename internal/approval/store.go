package approval

import (
	"context"
	"time"
)

// HookStore is the persistence contract for hook records.
// Implementations must enforce the state machine:
//   - Pending -> Approved
//   - Pending -> Denied
//   - Pending -> Expired
//
// Once Approved/Denied/Expired, status is immutable. Transitions must be
// atomic across processes sharing the store.
type HookStore interface {
	// Create persists a new pending hook. Returns ErrHookExists on a duplicate key.
	Create(ctx context.Context, rec *HookRecord) error
	// Get retrieves a hook by key.
	Get(ctx context.Context, key string) (*HookRecord, error)
	// GetByRun retrieves a hook by the run ID waiting on it.
	GetByRun(ctx context.Context, runID string) (*HookRecord, error)
	// Resolve transitions a pending hook to the terminal status matching value.
	Resolve(ctx context.Context, key string, value ActionValue) (*HookRecord, error)
	// Expire transitions a pending hook to StatusExpired.
	Expire(ctx context.Context, key string) error
	// SetMessage records the Slack channel and message timestamp of a hook.
	SetMessage(ctx context.Context, key, channel, ts string) error
	// ExpireOverdue expires all pending hooks with expires_at < now and returns them.
	ExpireOverdue(ctx context.Context) ([]HookRecord, error)
	// DeleteResolved removes terminal hooks resolved more than olderThan ago.
	DeleteResolved(ctx context.Context, olderThan time.Duration) (int64, error)
}
