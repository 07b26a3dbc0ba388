// Package lite implements the repositories on embedded SQLite for
// standalone mode. The schema is ensured at open, so a fresh workspace
// needs no migration step.
package lite

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/legionworks/legion/internal/store"
)

// DefaultPath is where standalone mode keeps its database.
const DefaultPath = "~/.legion/legion.db"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS channels (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		type TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		message_count INTEGER NOT NULL DEFAULT 0,
		last_activity DATETIME NOT NULL,
		metadata TEXT,
		deleted INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE TABLE IF NOT EXISTS channel_members (
		channel_id TEXT NOT NULL,
		member_id TEXT NOT NULL,
		role TEXT NOT NULL,
		joined_at DATETIME NOT NULL,
		added_by TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (channel_id, member_id)
	)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		channel_id TEXT NOT NULL,
		sender_id TEXT NOT NULL,
		content TEXT NOT NULL,
		type TEXT NOT NULL,
		timestamp DATETIME NOT NULL,
		metadata TEXT,
		parent_message_id TEXT NOT NULL DEFAULT '',
		reactions TEXT,
		edited INTEGER NOT NULL DEFAULT 0,
		edited_at DATETIME
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_channel_time
		ON messages (channel_id, timestamp DESC)`,
	`CREATE TABLE IF NOT EXISTS minions (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		base_personality TEXT NOT NULL DEFAULT '',
		quirks TEXT,
		catchphrases TEXT,
		expertise_areas TEXT,
		allowed_tools TEXT,
		model_name TEXT NOT NULL DEFAULT '',
		temperature REAL NOT NULL DEFAULT 0,
		max_tokens INTEGER NOT NULL DEFAULT 0,
		channels TEXT,
		emotional TEXT,
		status TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		assigned_to TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL DEFAULT '',
		progress REAL NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		metadata TEXT
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks (status)`,
}

// Open opens (creating if needed) the database at path and returns
// stores backed by it. A leading ~ expands to the home directory.
func Open(path string) (*store.Stores, error) {
	if path == "" {
		path = DefaultPath
	}
	path, err := expandHome(path)
	if err != nil {
		return nil, err
	}
	if dir := filepath.Dir(path); dir != "." && dir != "/" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite",
		"file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}

	s := &store.Stores{
		Channels: NewChannelStore(db),
		Messages: NewMessageStore(db),
		Minions:  NewMinionStore(db),
		Tasks:    NewTaskStore(db),
	}
	return s.WithDB(db), nil
}

func ensureSchema(db *sql.DB) error {
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
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

// SQLite has no array columns; string slices ride as JSON text.
func marshalStrings(ss []string) (any, error) {
	if len(ss) == 0 {
		return nil, nil
	}
	return json.Marshal(ss)
}

func unmarshalStrings(raw []byte) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var ss []string
	if err := json.Unmarshal(raw, &ss); err != nil {
		return nil, err
	}
	return ss, nil
}
