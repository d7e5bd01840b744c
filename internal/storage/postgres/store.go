package postgres

import (
	"context"
	"sync"

	"github.com/yencolon/human-in-the-loop-chat/internal/approval"
	"github.com/yencolon/human-in-the-loop-chat/internal/runlog"
	"github.com/yencolon/human-in-the-loop-chat/internal/storage"
)

// Store implements storage.Store backed by PostgreSQL.
// It wraps the existing DB and lazily creates sub-store repositories.
type Store struct {
	pgDB *DB

	mu        sync.Mutex
	hooks     approval.HookStore
	runEvents runlog.Store
}

// NewStore wraps an existing DB as a unified Store.
func NewStore(pgDB *DB) *Store {
	return &Store{pgDB: pgDB}
}

func (s *Store) Migrate(_ context.Context) error {
	// PostgreSQL migration is done in Open() via AutoMigrate.
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pgDB.Ping(ctx)
}

func (s *Store) Close() error {
	return s.pgDB.Close()
}

func (s *Store) Driver() string {
	return storage.DriverPostgres
}

// --- Sub-store accessors ---

func (s *Store) Hooks() approval.HookStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hooks == nil {
		s.hooks = NewHookRepository(s.pgDB.GormDB())
	}
	return s.hooks
}

func (s *Store) RunEvents() runlog.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runEvents == nil {
		s.runEvents = NewRunEventRepository(s.pgDB.GormDB())
	}
	return s.runEvents
}

// compile-time interface check
var _ storage.Store = (*Store)(nil)
