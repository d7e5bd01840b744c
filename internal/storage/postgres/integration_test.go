//go:build integration

package postgres

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/yencolon/human-in-the-loop-chat/internal/approval"
	"github.com/yencolon/human-in-the-loop-chat/internal/runlog"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set, skipping integration test")
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	db, err := Open(Config{DSN: dsn}, logger)
	if err != nil {
		t.Fatalf("opening postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newHook(t *testing.T, repo *HookRepository, expiresAt time.Time) string {
	t.Helper()
	key := approval.HookKey(uuid.NewString())
	err := repo.Create(context.Background(), &approval.HookRecord{
		Key:       key,
		RunID:     "run-" + uuid.NewString(),
		Prompt:    "refund?",
		Status:    approval.StatusPending,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: expiresAt,
	})
	if err != nil {
		t.Fatalf("creating hook: %v", err)
	}
	return key
}

// --- Hook state machine ---

func TestHookResolve_ConcurrentFirstWriterWins(t *testing.T) {
	db := testDB(t)
	repo := NewHookRepository(db.GormDB())
	key := newHook(t, repo, time.Now().Add(time.Hour))

	const numWorkers = 20
	var wins, rejected atomic.Int32
	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for i := 0; i < numWorkers; i++ {
		go func(approved bool) {
			defer wg.Done()
			_, err := repo.Resolve(context.Background(), key, approval.ActionValue{Approved: approved})
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, approval.ErrAlreadyResolved):
				rejected.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i%2 == 0)
	}
	wg.Wait()

	if wins.Load() != 1 {
		t.Errorf("winners = %d, want 1", wins.Load())
	}
	if rejected.Load() != numWorkers-1 {
		t.Errorf("rejected = %d, want %d", rejected.Load(), numWorkers-1)
	}
}

func TestHookResolve_OverdueExpires(t *testing.T) {
	db := testDB(t)
	repo := NewHookRepository(db.GormDB())
	ctx := context.Background()
	key := newHook(t, repo, time.Now().Add(-time.Minute))

	if _, err := repo.Resolve(ctx, key, approval.ActionValue{Approved: true}); !errors.Is(err, approval.ErrExpired) {
		t.Fatalf("err = %v, want ErrExpired", err)
	}
	rec, err := repo.Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec.Status != approval.StatusExpired {
		t.Errorf("status = %s, want expired", rec.Status)
	}
}

func TestHookExpireOverdue(t *testing.T) {
	db := testDB(t)
	repo := NewHookRepository(db.GormDB())
	ctx := context.Background()
	overdue := newHook(t, repo, time.Now().Add(-time.Minute))
	fresh := newHook(t, repo, time.Now().Add(time.Hour))

	expired, err := repo.ExpireOverdue(ctx)
	if err != nil {
		t.Fatalf("ExpireOverdue: %v", err)
	}
	found := false
	for _, rec := range expired {
		if rec.Key == fresh {
			t.Error("fresh hook was expired")
		}
		if rec.Key == overdue {
			found = true
		}
	}
	if !found {
		t.Error("overdue hook not expired")
	}
}

// --- Run events ---

func TestRunEvents_ConcurrentAppendDenseIndexes(t *testing.T) {
	db := testDB(t)
	repo := NewRunEventRepository(db.GormDB())
	ctx := context.Background()
	runID := "run-" + uuid.NewString()

	const n = 8
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			ev := &runlog.Event{RunID: runID, Type: runlog.EventNotified, CreatedAt: time.Now().UTC()}
			if err := repo.Append(ctx, ev); err != nil {
				t.Errorf("Append: %v", err)
			}
		}()
	}
	wg.Wait()

	events, err := repo.List(ctx, runID, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(events) != n {
		t.Fatalf("events = %d, want %d", len(events), n)
	}
	for i, ev := range events {
		if ev.Index != i {
			t.Errorf("events[%d].Index = %d", i, ev.Index)
		}
	}
}

// --- Connection Health ---

func TestConnectionHealth(t *testing.T) {
	db := testDB(t)
	if err := db.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}
}
