// Package pg implements the repositories on Postgres through the pgx
// stdlib driver. The schema lives in migrations/; Open does not create
// or alter it.
package pg

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/legionworks/legion/internal/store"
)

// Open connects to Postgres and returns stores backed by it.
func Open(dsn string) (*store.Stores, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	s := &store.Stores{
		Channels: NewChannelStore(db),
		Messages: NewMessageStore(db),
		Minions:  NewMinionStore(db),
		Tasks:    NewTaskStore(db),
	}
	return s.WithDB(db), nil
}

// rowScanner lets scan helpers accept both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func marshalMeta(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

func unmarshalMeta(raw []byte) (map[string]any, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return m, nil
}
