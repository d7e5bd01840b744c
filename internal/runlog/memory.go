package runlog

import (
	"context"
	"sync"
)

// MemoryStore keeps run events in process memory. Thread-safe.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string][]Event
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string][]Event)}
}

func (s *MemoryStore) Append(_ context.Context, ev *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev.Index = len(s.runs[ev.RunID])
	s.runs[ev.RunID] = append(s.runs[ev.RunID], *ev)
	return nil
}

func (s *MemoryStore) List(_ context.Context, runID string, from int) ([]Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events, ok := s.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	if from >= len(events) {
		return nil, nil
	}
	out := make([]Event, len(events)-from)
	copy(out, events[from:])
	return out, nil
}
