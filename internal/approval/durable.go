package approval

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

const defaultPollInterval = time.Second

// StoreRegistry is a Registry backed by a HookStore. State lives in the
// database, so a hook created by one process can be resolved by another and
// awaited by a third after a restart.
type StoreRegistry struct {
	store        HookStore
	pollInterval time.Duration
	logger       *slog.Logger

	// Local wakeups for futures awaiting in this process.
	mu      sync.Mutex
	waiters map[string]map[chan struct{}]struct{}
}

// NewStoreRegistry creates a registry over store. Futures poll the store every
// pollInterval (default 1s) and are woken immediately by resolutions made
// through this registry.
func NewStoreRegistry(store HookStore, pollInterval time.Duration, logger *slog.Logger) *StoreRegistry {
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	return &StoreRegistry{
		store:        store,
		pollInterval: pollInterval,
		logger:       logger,
		waiters:      make(map[string]map[chan struct{}]struct{}),
	}
}

// CreateHook persists a pending hook and returns its Future.
func (r *StoreRegistry) CreateHook(ctx context.Context, spec HookSpec) (Future, error) {
	if spec.Token == "" {
		return nil, ErrMissingToken
	}
	rec := &HookRecord{
		Key:       HookKey(spec.Token),
		RunID:     spec.RunID,
		Prompt:    spec.Prompt,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
		ExpiresAt: spec.ExpiresAt,
	}
	if err := r.store.Create(ctx, rec); err != nil {
		return nil, err
	}

	r.logger.InfoContext(ctx, "hook created (db)",
		slog.String("run_id", spec.RunID),
		slog.String("token", Redact(spec.Token)),
	)
	return &storeFuture{reg: r, key: rec.Key, token: spec.Token, runID: spec.RunID}, nil
}

// ResolveHook records the first decision for token.
func (r *StoreRegistry) ResolveHook(ctx context.Context, token string, value ActionValue) (string, error) {
	key := HookKey(token)
	rec, err := r.store.Resolve(ctx, key, value)
	if err != nil {
		return "", err
	}
	r.wake(key)

	r.logger.InfoContext(ctx, "hook resolved (db)",
		slog.String("run_id", rec.RunID),
		slog.String("status", rec.Status.String()),
	)
	return rec.RunID, nil
}

// Expire moves a pending hook to StatusExpired.
func (r *StoreRegistry) Expire(ctx context.Context, token string) error {
	key := HookKey(token)
	if err := r.store.Expire(ctx, key); err != nil {
		return err
	}
	r.wake(key)
	return nil
}

// BindMessage records the Slack message posted for token.
func (r *StoreRegistry) BindMessage(ctx context.Context, token, channel, ts string) error {
	return r.store.SetMessage(ctx, HookKey(token), channel, ts)
}

// Attach returns a Future for the hook owned by runID.
func (r *StoreRegistry) Attach(ctx context.Context, runID string) (Future, error) {
	rec, err := r.store.GetByRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return &storeFuture{reg: r, key: rec.Key, token: TokenFromKey(rec.Key), runID: rec.RunID}, nil
}

// Get returns the current record of the hook keyed by token.
func (r *StoreRegistry) Get(ctx context.Context, token string) (HookRecord, error) {
	rec, err := r.store.Get(ctx, HookKey(token))
	if err != nil {
		return HookRecord{}, err
	}
	return *rec, nil
}

// ExpireOverdue expires pending hooks past their deadline and returns them.
func (r *StoreRegistry) ExpireOverdue(ctx context.Context) ([]HookRecord, error) {
	expired, err := r.store.ExpireOverdue(ctx)
	if err != nil {
		return nil, err
	}
	for _, rec := range expired {
		r.wake(rec.Key)
	}
	return expired, nil
}

// Purge deletes terminal hooks resolved more than olderThan ago.
func (r *StoreRegistry) Purge(ctx context.Context, olderThan time.Duration) (int, error) {
	n, err := r.store.DeleteResolved(ctx, olderThan)
	return int(n), err
}

func (r *StoreRegistry) subscribe(key string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	r.mu.Lock()
	if r.waiters[key] == nil {
		r.waiters[key] = make(map[chan struct{}]struct{})
	}
	r.waiters[key][ch] = struct{}{}
	r.mu.Unlock()

	return ch, func() {
		r.mu.Lock()
		delete(r.waiters[key], ch)
		if len(r.waiters[key]) == 0 {
			delete(r.waiters, key)
		}
		r.mu.Unlock()
	}
}

func (r *StoreRegistry) wake(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for ch := range r.waiters[key] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

type storeFuture struct {
	reg   *StoreRegistry
	key   string
	token string
	runID string
}

func (f *storeFuture) Token() string { return f.token }
func (f *storeFuture) RunID() string { return f.runID }

func (f *storeFuture) Await(ctx context.Context) (ActionValue, error) {
	wake, cancel := f.reg.subscribe(f.key)
	defer cancel()

	ticker := time.NewTicker(f.reg.pollInterval)
	defer ticker.Stop()

	for {
		rec, err := f.reg.store.Get(ctx, f.key)
		switch {
		case errors.Is(err, ErrNotFound):
			return ActionValue{}, err
		case err != nil:
			if ctx.Err() != nil {
				return ActionValue{}, ctx.Err()
			}
			f.reg.logger.WarnContext(ctx, "polling hook failed",
				slog.String("run_id", f.runID),
				slog.String("error", err.Error()),
			)
		case rec.Status == StatusExpired:
			return ActionValue{}, ErrExpired
		case rec.Status.Terminal():
			return rec.Value(f.token), nil
		}

		select {
		case <-ctx.Done():
			return ActionValue{}, ctx.Err()
		case <-wake:
		case <-ticker.C:
		}
	}
}
