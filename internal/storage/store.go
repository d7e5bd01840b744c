// Package storage defines the Store interface that abstracts persistence of
// approval hooks and run events.
// Two backends are provided: SQLite (default, zero-config) and PostgreSQL
// (shared by several hitl processes).
package storage

import (
	"context"

	"github.com/yencolon/human-in-the-loop-chat/internal/approval"
	"github.com/yencolon/human-in-the-loop-chat/internal/runlog"
)

// Store is the persistence interface for hitl.
// Both SQLite and PostgreSQL backends implement it.
type Store interface {
	// Sub-store accessors. The returned stores share the same connection pool.
	Hooks() approval.HookStore
	RunEvents() runlog.Store

	// Lifecycle.
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error

	// Driver returns the storage driver name ("sqlite" or "postgres").
	Driver() string
}

// DefaultDriver is the default storage driver.
const DefaultDriver = "sqlite"

// DriverSQLite is the SQLite driver name.
const DriverSQLite = "sqlite"

// DriverPostgres is the PostgreSQL driver name.
const DriverPostgres = "postgres"
