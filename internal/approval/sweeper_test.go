package approval

import (
	"context"
	"sync"
	"testing"
	"time"
)

type recordingNotifier struct {
	mu   sync.Mutex
	recs []HookRecord
}

func (n *recordingNotifier) NotifyExpired(_ context.Context, rec HookRecord) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.recs = append(n.recs, rec)
	return nil
}

func TestSweeper_ExpiresOverdueAndNotifies(t *testing.T) {
	reg := NewMemoryRegistry(testLogger())
	ctx := context.Background()

	past := time.Now().Add(-time.Minute)
	fut, _ := reg.CreateHook(ctx, HookSpec{Token: "old", RunID: "run-old", ExpiresAt: past})
	_ = reg.BindMessage(ctx, "old", "D1", "1.1")
	_, _ = reg.CreateHook(ctx, HookSpec{Token: "silent", RunID: "run-silent", ExpiresAt: past})
	_, _ = reg.CreateHook(ctx, HookSpec{Token: "fresh", RunID: "run-fresh", ExpiresAt: time.Now().Add(time.Hour)})

	notifier := &recordingNotifier{}
	NewSweeper(reg, notifier, SweeperConfig{}, testLogger()).Sweep(ctx)

	if _, err := fut.Await(ctx); err != ErrExpired {
		t.Fatalf("Await err = %v, want ErrExpired", err)
	}
	if rec, _ := reg.Get(ctx, "fresh"); rec.Status != StatusPending {
		t.Errorf("fresh hook status = %s, want pending", rec.Status)
	}
	// Only hooks with a posted message are rewritten.
	if len(notifier.recs) != 1 || notifier.recs[0].RunID != "run-old" {
		t.Fatalf("notified = %+v", notifier.recs)
	}
}

func TestSweeper_PurgesOldTerminalHooks(t *testing.T) {
	reg := NewMemoryRegistry(testLogger())
	ctx := context.Background()
	_, _ = reg.CreateHook(ctx, HookSpec{Token: "done", RunID: "run"})
	_, _ = reg.ResolveHook(ctx, "done", ActionValue{Token: "done", Approved: true})

	// Move the clock forward past retention.
	reg.now = func() time.Time { return time.Now().UTC().Add(48 * time.Hour) }

	NewSweeper(reg, nil, SweeperConfig{Retention: 24 * time.Hour}, testLogger()).Sweep(ctx)

	if _, err := reg.Get(ctx, "done"); err != ErrNotFound {
		t.Fatalf("Get err = %v, want ErrNotFound", err)
	}
}

func TestSweeper_StartRejectsBadSchedule(t *testing.T) {
	s := NewSweeper(NewMemoryRegistry(testLogger()), nil, SweeperConfig{Schedule: "not a schedule"}, testLogger())
	if _, err := s.Start(context.Background()); err == nil {
		t.Fatal("expected error for invalid schedule")
	}
}

func TestValidSchedule(t *testing.T) {
	if err := ValidSchedule("*/5 * * * *"); err != nil {
		t.Errorf("ValidSchedule: %v", err)
	}
	if err := ValidSchedule("@every 30s"); err != nil {
		t.Errorf("ValidSchedule descriptor: %v", err)
	}
	if err := ValidSchedule("bogus"); err == nil {
		t.Error("expected error for bogus schedule")
	}
}
