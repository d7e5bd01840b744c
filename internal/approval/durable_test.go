package approval

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

// fakeStore is a HookStore kept in a map, enough to exercise StoreRegistry.
type fakeStore struct {
	mu   sync.Mutex
	recs map[string]HookRecord
}

func newFakeStore() *fakeStore {
	return &fakeStore{recs: make(map[string]HookRecord)}
}

func (s *fakeStore) Create(_ context.Context, rec *HookRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.recs[rec.Key]; ok {
		return ErrHookExists
	}
	s.recs[rec.Key] = *rec
	return nil
}

func (s *fakeStore) Get(_ context.Context, key string) (*HookRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &rec, nil
}

func (s *fakeStore) GetByRun(_ context.Context, runID string) (*HookRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.recs {
		if rec.RunID == runID {
			return &rec, nil
		}
	}
	return nil, ErrNotFound
}

func (s *fakeStore) Resolve(_ context.Context, key string, value ActionValue) (*HookRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[key]
	if !ok {
		return nil, ErrNotFound
	}
	switch rec.Status {
	case StatusPending:
	case StatusExpired:
		return nil, ErrExpired
	default:
		return nil, ErrAlreadyResolved
	}
	rec.Status = StatusOf(value.Approved)
	rec.Approved = value.Approved
	rec.Comment = value.Comment
	rec.ResolvedAt = time.Now().UTC()
	s.recs[key] = rec
	return &rec, nil
}

func (s *fakeStore) Expire(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[key]
	if !ok {
		return ErrNotFound
	}
	if rec.Status != StatusPending {
		return ErrAlreadyResolved
	}
	rec.Status = StatusExpired
	rec.ResolvedAt = time.Now().UTC()
	s.recs[key] = rec
	return nil
}

func (s *fakeStore) SetMessage(_ context.Context, key, channel, ts string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[key]
	if !ok {
		return ErrNotFound
	}
	rec.Channel, rec.MessageTS = channel, ts
	s.recs[key] = rec
	return nil
}

func (s *fakeStore) ExpireOverdue(_ context.Context) ([]HookRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	var out []HookRecord
	for key, rec := range s.recs {
		if rec.Status == StatusPending && !rec.ExpiresAt.IsZero() && now.After(rec.ExpiresAt) {
			rec.Status = StatusExpired
			rec.ResolvedAt = now
			s.recs[key] = rec
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *fakeStore) DeleteResolved(_ context.Context, olderThan time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().UTC().Add(-olderThan)
	var n int64
	for key, rec := range s.recs {
		if rec.Status.Terminal() && rec.ResolvedAt.Before(cutoff) {
			delete(s.recs, key)
			n++
		}
	}
	return n, nil
}

func TestStoreRegistry_ResolveWakesAwait(t *testing.T) {
	// Long poll interval: the result must arrive through the local wakeup.
	reg := NewStoreRegistry(newFakeStore(), time.Hour, testLogger())
	ctx := context.Background()

	fut, err := reg.CreateHook(ctx, HookSpec{Token: "tok", RunID: "run-1"})
	if err != nil {
		t.Fatalf("CreateHook: %v", err)
	}

	got := make(chan ActionValue, 1)
	go func() {
		v, err := fut.Await(ctx)
		if err != nil {
			t.Errorf("Await: %v", err)
		}
		got <- v
	}()

	time.Sleep(20 * time.Millisecond)
	runID, err := reg.ResolveHook(ctx, "tok", ActionValue{Token: "tok", Approved: false, Comment: "no"})
	if err != nil {
		t.Fatalf("ResolveHook: %v", err)
	}
	if runID != "run-1" {
		t.Errorf("runID = %q", runID)
	}

	select {
	case v := <-got:
		if v.Approved || v.Comment != "no" {
			t.Errorf("value = %+v", v)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Await did not return after resolution")
	}
}

func TestStoreRegistry_ResolvedElsewhereSeenByPolling(t *testing.T) {
	store := newFakeStore()
	waiter := NewStoreRegistry(store, 10*time.Millisecond, testLogger())
	other := NewStoreRegistry(store, 10*time.Millisecond, testLogger())
	ctx := context.Background()

	fut, _ := waiter.CreateHook(ctx, HookSpec{Token: "tok", RunID: "run"})
	if _, err := other.ResolveHook(ctx, "tok", ActionValue{Token: "tok", Approved: true}); err != nil {
		t.Fatalf("ResolveHook: %v", err)
	}

	awaitCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	v, err := fut.Await(awaitCtx)
	if err != nil || !v.Approved {
		t.Fatalf("Await = %+v, %v", v, err)
	}
}

func TestStoreRegistry_ExpiredAwait(t *testing.T) {
	reg := NewStoreRegistry(newFakeStore(), 10*time.Millisecond, testLogger())
	ctx := context.Background()
	fut, _ := reg.CreateHook(ctx, HookSpec{Token: "tok", RunID: "run"})

	if err := reg.Expire(ctx, "tok"); err != nil {
		t.Fatalf("Expire: %v", err)
	}
	if _, err := fut.Await(ctx); !errors.Is(err, ErrExpired) {
		t.Fatalf("err = %v, want ErrExpired", err)
	}
	if _, err := reg.ResolveHook(ctx, "tok", ActionValue{Token: "tok", Approved: true}); !errors.Is(err, ErrExpired) {
		t.Fatalf("late resolve err = %v, want ErrExpired", err)
	}
}

func TestStoreRegistry_AttachAfterRestart(t *testing.T) {
	store := newFakeStore()
	ctx := context.Background()

	first := NewStoreRegistry(store, 10*time.Millisecond, testLogger())
	if _, err := first.CreateHook(ctx, HookSpec{Token: "tok", RunID: "run-2"}); err != nil {
		t.Fatal(err)
	}

	restarted := NewStoreRegistry(store, 10*time.Millisecond, testLogger())
	fut, err := restarted.Attach(ctx, "run-2")
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	if fut.Token() != "tok" {
		t.Errorf("Token = %q", fut.Token())
	}
	_, _ = restarted.ResolveHook(ctx, "tok", ActionValue{Token: "tok", Approved: true})

	awaitCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if v, err := fut.Await(awaitCtx); err != nil || !v.Approved {
		t.Fatalf("Await = %+v, %v", v, err)
	}
}

func TestStoreRegistry_MissingToken(t *testing.T) {
	reg := NewStoreRegistry(newFakeStore(), 0, testLogger())
	if _, err := reg.CreateHook(context.Background(), HookSpec{RunID: "run"}); !errors.Is(err, ErrMissingToken) {
		t.Fatalf("err = %v, want ErrMissingToken", err)
	}
}
