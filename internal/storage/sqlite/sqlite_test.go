package sqlite

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/yencolon/human-in-the-loop-chat/internal/approval"
	"github.com/yencolon/human-in-the-loop-chat/internal/runlog"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "hitl.db")}, logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func createHook(t *testing.T, s *Store, token, runID string, expiresAt time.Time) {
	t.Helper()
	err := s.Hooks().Create(context.Background(), &approval.HookRecord{
		Key:       approval.HookKey(token),
		RunID:     runID,
		Prompt:    "approve?",
		Status:    approval.StatusPending,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: expiresAt,
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
}

func TestStore_Driver(t *testing.T) {
	s := testStore(t)
	if s.Driver() != "sqlite" {
		t.Errorf("Driver = %q", s.Driver())
	}
	if err := s.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}

func TestHooks_CreateDuplicate(t *testing.T) {
	s := testStore(t)
	createHook(t, s, "tok", "run-1", time.Now().Add(time.Hour))

	err := s.Hooks().Create(context.Background(), &approval.HookRecord{
		Key:    approval.HookKey("tok"),
		RunID:  "run-2",
		Status: approval.StatusPending,
	})
	if !errors.Is(err, approval.ErrHookExists) {
		t.Fatalf("err = %v, want ErrHookExists", err)
	}
}

func TestHooks_ResolveOnce(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	createHook(t, s, "tok", "run-1", time.Now().Add(time.Hour))
	key := approval.HookKey("tok")

	rec, err := s.Hooks().Resolve(ctx, key, approval.ActionValue{Approved: true, Comment: "fine"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if rec.Status != approval.StatusApproved || rec.RunID != "run-1" || rec.ResolvedAt.IsZero() {
		t.Errorf("record = %+v", rec)
	}

	if _, err := s.Hooks().Resolve(ctx, key, approval.ActionValue{Approved: false}); !errors.Is(err, approval.ErrAlreadyResolved) {
		t.Fatalf("second Resolve err = %v, want ErrAlreadyResolved", err)
	}
	got, err := s.Hooks().Get(ctx, key)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.Status != approval.StatusApproved || got.Comment != "fine" {
		t.Errorf("stored record changed: %+v", got)
	}
}

func TestHooks_ConcurrentResolveOneWinner(t *testing.T) {
	s := testStore(t)
	createHook(t, s, "tok", "run-1", time.Now().Add(time.Hour))
	key := approval.HookKey("tok")

	const n = 10
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(approved bool) {
			defer wg.Done()
			_, err := s.Hooks().Resolve(context.Background(), key, approval.ActionValue{Approved: approved})
			if err != nil && !errors.Is(err, approval.ErrAlreadyResolved) {
				t.Errorf("unexpected error: %v", err)
				return
			}
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i%2 == 0)
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("wins = %d, want 1", wins)
	}
}

func TestHooks_ResolveUnknownAndOverdue(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	if _, err := s.Hooks().Resolve(ctx, approval.HookKey("nope"), approval.ActionValue{}); !errors.Is(err, approval.ErrNotFound) {
		t.Errorf("unknown err = %v, want ErrNotFound", err)
	}

	createHook(t, s, "late", "run-late", time.Now().Add(-time.Minute))
	if _, err := s.Hooks().Resolve(ctx, approval.HookKey("late"), approval.ActionValue{Approved: true}); !errors.Is(err, approval.ErrExpired) {
		t.Fatalf("overdue err = %v, want ErrExpired", err)
	}
	rec, _ := s.Hooks().Get(ctx, approval.HookKey("late"))
	if rec.Status != approval.StatusExpired {
		t.Errorf("status = %s, want expired", rec.Status)
	}
}

func TestHooks_ExpireAndPurge(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	createHook(t, s, "old", "run-old", time.Now().Add(-time.Minute))
	createHook(t, s, "new", "run-new", time.Now().Add(time.Hour))
	if err := s.Hooks().SetMessage(ctx, approval.HookKey("old"), "D1", "1.2"); err != nil {
		t.Fatalf("SetMessage: %v", err)
	}

	expired, err := s.Hooks().ExpireOverdue(ctx)
	if err != nil {
		t.Fatalf("ExpireOverdue: %v", err)
	}
	if len(expired) != 1 || expired[0].RunID != "run-old" || expired[0].Channel != "D1" {
		t.Fatalf("expired = %+v", expired)
	}
	if err := s.Hooks().Expire(ctx, approval.HookKey("old")); !errors.Is(err, approval.ErrAlreadyResolved) {
		t.Errorf("Expire on expired err = %v, want ErrAlreadyResolved", err)
	}
	if err := s.Hooks().Expire(ctx, approval.HookKey("missing")); !errors.Is(err, approval.ErrNotFound) {
		t.Errorf("Expire on missing err = %v, want ErrNotFound", err)
	}

	// Nothing is older than an hour yet.
	if n, err := s.Hooks().DeleteResolved(ctx, time.Hour); err != nil || n != 0 {
		t.Fatalf("DeleteResolved(1h) = %d, %v", n, err)
	}
	if n, err := s.Hooks().DeleteResolved(ctx, -time.Minute); err != nil || n != 1 {
		t.Fatalf("DeleteResolved(-1m) = %d, %v", n, err)
	}
	if _, err := s.Hooks().Get(ctx, approval.HookKey("new")); err != nil {
		t.Errorf("pending hook was purged: %v", err)
	}
}

func TestHooks_GetByRun(t *testing.T) {
	s := testStore(t)
	createHook(t, s, "tok", "run-7", time.Now().Add(time.Hour))

	rec, err := s.Hooks().GetByRun(context.Background(), "run-7")
	if err != nil {
		t.Fatalf("GetByRun: %v", err)
	}
	if approval.TokenFromKey(rec.Key) != "tok" || rec.Prompt != "approve?" {
		t.Errorf("record = %+v", rec)
	}
	if _, err := s.Hooks().GetByRun(context.Background(), "other"); !errors.Is(err, approval.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestRunEvents_DenseIndexes(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	for i, typ := range []runlog.EventType{runlog.EventRequested, runlog.EventNotified, runlog.EventDecided} {
		ev := &runlog.Event{RunID: "run-1", Type: typ, Data: []byte(`{"n":1}`), CreatedAt: time.Now().UTC()}
		if err := s.RunEvents().Append(ctx, ev); err != nil {
			t.Fatalf("Append: %v", err)
		}
		if ev.Index != i {
			t.Errorf("Index = %d, want %d", ev.Index, i)
		}
	}

	events, err := s.RunEvents().List(ctx, "run-1", 1)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(events) != 2 || events[0].Type != runlog.EventNotified || events[1].Index != 2 {
		t.Fatalf("events = %+v", events)
	}
	if string(events[0].Data) != `{"n":1}` {
		t.Errorf("data = %s", events[0].Data)
	}

	if evs, err := s.RunEvents().List(ctx, "run-1", 10); err != nil || len(evs) != 0 {
		t.Errorf("List past end = %v, %v", evs, err)
	}
	if _, err := s.RunEvents().List(ctx, "missing", 0); !errors.Is(err, runlog.ErrRunNotFound) {
		t.Errorf("err = %v, want ErrRunNotFound", err)
	}
}

func TestStoreRegistry_OverSQLite(t *testing.T) {
	s := testStore(t)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ctx := context.Background()

	creator := approval.NewStoreRegistry(s.Hooks(), 10*time.Millisecond, logger)
	if _, err := creator.CreateHook(ctx, approval.HookSpec{Token: "tok", RunID: "run-1", ExpiresAt: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("CreateHook: %v", err)
	}

	// A second registry stands in for a restarted process.
	restarted := approval.NewStoreRegistry(s.Hooks(), 10*time.Millisecond, logger)
	fut, err := restarted.Attach(ctx, "run-1")
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if _, err := creator.ResolveHook(ctx, "tok", approval.ActionValue{Token: "tok", Approved: true}); err != nil {
		t.Fatalf("ResolveHook: %v", err)
	}

	awaitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	v, err := fut.Await(awaitCtx)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if !v.Approved || v.Token != "tok" {
		t.Errorf("value = %+v", v)
	}
}
