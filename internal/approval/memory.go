package approval

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrHookExists is returned when a token is registered twice.
var ErrHookExists = errors.New("hook already exists")

// MemoryRegistry keeps hooks in process memory. Thread-safe.
// Suitable for single-process deployments and tests; hooks do not survive
// a restart.
type MemoryRegistry struct {
	mu     sync.Mutex
	hooks  map[string]*memHook // hook key → hook
	byRun  map[string]string   // run ID → hook key
	now    func() time.Time
	logger *slog.Logger
}

type memHook struct {
	rec  HookRecord
	done chan struct{} // closed on the first terminal transition
}

// NewMemoryRegistry creates an empty in-memory registry.
func NewMemoryRegistry(logger *slog.Logger) *MemoryRegistry {
	return &MemoryRegistry{
		hooks:  make(map[string]*memHook),
		byRun:  make(map[string]string),
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger,
	}
}

// CreateHook registers a pending hook for spec.Token.
func (m *MemoryRegistry) CreateHook(_ context.Context, spec HookSpec) (Future, error) {
	if spec.Token == "" {
		return nil, ErrMissingToken
	}
	key := HookKey(spec.Token)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.hooks[key]; ok {
		return nil, ErrHookExists
	}
	h := &memHook{
		rec: HookRecord{
			Key:       key,
			RunID:     spec.RunID,
			Prompt:    spec.Prompt,
			Status:    StatusPending,
			CreatedAt: m.now(),
			ExpiresAt: spec.ExpiresAt,
		},
		done: make(chan struct{}),
	}
	m.hooks[key] = h
	m.byRun[spec.RunID] = key

	m.logger.Info("hook created",
		slog.String("run_id", spec.RunID),
		slog.String("token", Redact(spec.Token)),
	)
	return &memFuture{reg: m, token: spec.Token, runID: spec.RunID, done: h.done}, nil
}

// ResolveHook records the first decision for token.
func (m *MemoryRegistry) ResolveHook(_ context.Context, token string, value ActionValue) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.hooks[HookKey(token)]
	if !ok {
		return "", ErrNotFound
	}

	if h.rec.Status == StatusPending && m.overdue(&h.rec) {
		m.finish(h, StatusExpired)
		return "", ErrExpired
	}
	switch h.rec.Status {
	case StatusPending:
	case StatusExpired:
		return "", ErrExpired
	default:
		return "", ErrAlreadyResolved
	}

	h.rec.Approved = value.Approved
	h.rec.Comment = value.Comment
	m.finish(h, StatusOf(value.Approved))

	m.logger.Info("hook resolved",
		slog.String("run_id", h.rec.RunID),
		slog.String("status", h.rec.Status.String()),
	)
	return h.rec.RunID, nil
}

// Expire moves a pending hook to StatusExpired.
func (m *MemoryRegistry) Expire(_ context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.hooks[HookKey(token)]
	if !ok {
		return ErrNotFound
	}
	if h.rec.Status != StatusPending {
		return ErrAlreadyResolved
	}
	m.finish(h, StatusExpired)
	return nil
}

// BindMessage records the Slack message posted for token.
func (m *MemoryRegistry) BindMessage(_ context.Context, token, channel, ts string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.hooks[HookKey(token)]
	if !ok {
		return ErrNotFound
	}
	h.rec.Channel = channel
	h.rec.MessageTS = ts
	return nil
}

// Attach returns a Future for the hook owned by runID.
func (m *MemoryRegistry) Attach(_ context.Context, runID string) (Future, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key, ok := m.byRun[runID]
	if !ok {
		return nil, ErrNotFound
	}
	h := m.hooks[key]
	return &memFuture{reg: m, token: TokenFromKey(key), runID: runID, done: h.done}, nil
}

// Get returns a copy of the hook record for token.
func (m *MemoryRegistry) Get(_ context.Context, token string) (HookRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h, ok := m.hooks[HookKey(token)]
	if !ok {
		return HookRecord{}, ErrNotFound
	}
	return h.rec, nil
}

// ExpireOverdue expires pending hooks past their deadline and returns them.
func (m *MemoryRegistry) ExpireOverdue(_ context.Context) ([]HookRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []HookRecord
	for _, h := range m.hooks {
		if h.rec.Status == StatusPending && m.overdue(&h.rec) {
			m.finish(h, StatusExpired)
			expired = append(expired, h.rec)
		}
	}
	return expired, nil
}

// Purge deletes terminal hooks resolved more than olderThan ago.
func (m *MemoryRegistry) Purge(_ context.Context, olderThan time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-olderThan)
	n := 0
	for key, h := range m.hooks {
		if h.rec.Status.Terminal() && h.rec.ResolvedAt.Before(cutoff) {
			delete(m.hooks, key)
			delete(m.byRun, h.rec.RunID)
			n++
		}
	}
	return n, nil
}

// finish applies a terminal status. Caller holds m.mu.
func (m *MemoryRegistry) finish(h *memHook, status Status) {
	h.rec.Status = status
	h.rec.ResolvedAt = m.now()
	close(h.done)
}

func (m *MemoryRegistry) overdue(rec *HookRecord) bool {
	return !rec.ExpiresAt.IsZero() && m.now().After(rec.ExpiresAt)
}

type memFuture struct {
	reg   *MemoryRegistry
	token string
	runID string
	done  chan struct{}
}

func (f *memFuture) Token() string { return f.token }
func (f *memFuture) RunID() string { return f.runID }

func (f *memFuture) Await(ctx context.Context) (ActionValue, error) {
	select {
	case <-ctx.Done():
		return ActionValue{}, ctx.Err()
	case <-f.done:
	}

	rec, err := f.reg.Get(ctx, f.token)
	if err != nil {
		return ActionValue{}, err
	}
	if rec.Status == StatusExpired {
		return ActionValue{}, ErrExpired
	}
	return rec.Value(f.token), nil
}
