// Package runlog records the ordered events of an escalation run so a client
// that disconnects can resume reading from the index it last saw.
package runlog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var ErrRunNotFound = errors.New("run not found")

// EventType names a run transition.
type EventType string

const (
	EventRequested EventType = "requested"
	EventNotified  EventType = "notified"
	EventDecided   EventType = "decided"
	EventFailed    EventType = "failed"
)

// Terminal reports whether no events follow this one.
func (t EventType) Terminal() bool {
	return t == EventDecided || t == EventFailed
}

// Event is one entry of a run's log. Index is dense and zero-based within
// the run.
type Event struct {
	RunID     string          `json:"runId"`
	Index     int             `json:"index"`
	Type      EventType       `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Store persists run events.
type Store interface {
	// Append assigns the next index of ev.RunID to ev and stores it.
	Append(ctx context.Context, ev *Event) error
	// List returns the events of runID with Index >= from, in order.
	// Returns ErrRunNotFound when the run has no events at all.
	List(ctx context.Context, runID string, from int) ([]Event, error)
}

// Log appends events and fans them out to followers.
type Log struct {
	store        Store
	pollInterval time.Duration
	logger       *slog.Logger

	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

// NewLog creates a log over store. Followers re-read the store every
// pollInterval (default 1s) to pick up events appended by other processes.
func NewLog(store Store, pollInterval time.Duration, logger *slog.Logger) *Log {
	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	return &Log{
		store:        store,
		pollInterval: pollInterval,
		logger:       logger,
		subs:         make(map[string]map[chan struct{}]struct{}),
	}
}

// Append records an event with the JSON encoding of data.
func (l *Log) Append(ctx context.Context, runID string, typ EventType, data any) (Event, error) {
	ev := Event{RunID: runID, Type: typ, CreatedAt: time.Now().UTC()}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Event{}, fmt.Errorf("encoding %s event: %w", typ, err)
		}
		ev.Data = raw
	}
	if err := l.store.Append(ctx, &ev); err != nil {
		return Event{}, fmt.Errorf("appending %s event: %w", typ, err)
	}
	l.notify(runID)
	return ev, nil
}

// Replay returns the stored events of runID from index from.
func (l *Log) Replay(ctx context.Context, runID string, from int) ([]Event, error) {
	if from < 0 {
		from = 0
	}
	return l.store.List(ctx, runID, from)
}

// Follow streams the events of runID from index from. The channel closes
// after a terminal event, when ctx is done, or on a store error.
func (l *Log) Follow(ctx context.Context, runID string, from int) (<-chan Event, error) {
	if from < 0 {
		from = 0
	}
	wake, unsubscribe := l.subscribe(runID)

	// The first read reports unknown runs synchronously.
	initial, err := l.store.List(ctx, runID, from)
	if err != nil {
		unsubscribe()
		return nil, err
	}

	out := make(chan Event)
	if len(initial) == 0 {
		done, err := l.Finished(ctx, runID, from)
		if err != nil {
			unsubscribe()
			return nil, err
		}
		if done {
			unsubscribe()
			close(out)
			return out, nil
		}
	}

	go func() {
		defer close(out)
		defer unsubscribe()

		ticker := time.NewTicker(l.pollInterval)
		defer ticker.Stop()

		next := from
		batch := initial
		for {
			for _, ev := range batch {
				if ev.Index < next {
					continue
				}
				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
				next = ev.Index + 1
				if ev.Type.Terminal() {
					return
				}
			}

			select {
			case <-ctx.Done():
				return
			case <-wake:
			case <-ticker.C:
			}

			batch, err = l.store.List(ctx, runID, next)
			if err != nil {
				if ctx.Err() == nil {
					l.logger.WarnContext(ctx, "reading run events",
						slog.String("run_id", runID),
						slog.String("error", err.Error()),
					)
				}
				return
			}
		}
	}()
	return out, nil
}

// Finished reports whether the terminal event of runID lies before index
// from, so a reader resuming at from has nothing left to receive.
func (l *Log) Finished(ctx context.Context, runID string, from int) (bool, error) {
	if from <= 0 {
		return false, nil
	}
	events, err := l.store.List(ctx, runID, from-1)
	if err != nil {
		return false, err
	}
	if len(events) == 0 {
		// from is past the end; look at the whole run.
		if events, err = l.store.List(ctx, runID, 0); err != nil {
			return false, err
		}
	}
	for _, ev := range events {
		if ev.Index < from && ev.Type.Terminal() {
			return true, nil
		}
	}
	return false, nil
}

func (l *Log) subscribe(runID string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	l.mu.Lock()
	if l.subs[runID] == nil {
		l.subs[runID] = make(map[chan struct{}]struct{})
	}
	l.subs[runID][ch] = struct{}{}
	l.mu.Unlock()

	return ch, func() {
		l.mu.Lock()
		delete(l.subs[runID], ch)
		if len(l.subs[runID]) == 0 {
			delete(l.subs, runID)
		}
		l.mu.Unlock()
	}
}

func (l *Log) notify(runID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for ch := range l.subs[runID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
