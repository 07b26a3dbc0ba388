// Package store bundles the persistence backends behind the domain
// repository interfaces. Concrete backends live in subpackages:
// store/pg (Postgres, managed mode), store/lite (embedded SQLite,
// standalone mode), store/memory (ephemeral, tests and dry runs).
package store

import (
	"context"
	"database/sql"

	"github.com/legionworks/legion/internal/channels"
	"github.com/legionworks/legion/internal/minion"
	"github.com/legionworks/legion/internal/tasks"
)

// Modes select a backend at startup.
const (
	ModeStandalone = "standalone" // embedded SQLite
	ModeManaged    = "managed"    // Postgres, DSN from environment
	ModeMemory     = "memory"     // nothing persisted
)

// Stores is the container handed to the service layer. All four
// repositories are non-nil regardless of backend.
type Stores struct {
	Channels channels.ChannelRepository
	Messages channels.MessageRepository
	Minions  minion.Repository
	Tasks    tasks.Repository

	db *sql.DB // nil for the in-memory backend
}

// WithDB attaches the backing database handle so Ping and Close reach it.
func (s *Stores) WithDB(db *sql.DB) *Stores {
	s.db = db
	return s
}

// Ping verifies the backing database is reachable. The in-memory
// backend has nothing to check and always reports healthy.
func (s *Stores) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.PingContext(ctx)
}

// Close releases the backing database handle.
func (s *Stores) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
