// Package eventlog records fleet lifecycle events in SQLite and reads them
// back for the CLI.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite" // SQLite driver
)

// SchemaDDL creates the events table.
const SchemaDDL = `
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY,
    type TEXT NOT NULL,
    source TEXT NOT NULL,
    bot_id TEXT,
    pid INTEGER,
    payload TEXT,
    created_at TEXT NOT NULL DEFAULT (datetime('now'))
);
CREATE INDEX IF NOT EXISTS idx_events_bot ON events(bot_id, id);
`

// Event types written by the supervisor.
const (
	TypeAdded       = "added"
	TypeRemoved     = "removed"
	TypeStart       = "start"
	TypeStop        = "stop"
	TypeStatus      = "status"
	TypeExit        = "exit"
	TypeCrash       = "crash"
	TypeRestart     = "restart_scheduled"
	TypeForcedKill  = "forced_kill"
	TypeWorkerError = "worker_error"
	TypeLaunchError = "launch_error"
)

// Record is one event to write.
type Record struct {
	Type    string
	Source  string
	BotID   string
	PID     int
	Payload any // marshalled to JSON when non-nil
}

// Writer appends events to the database.
type Writer struct {
	db *sql.DB
}

// Open opens (creating if needed) the event database at path with WAL
// journaling and a 5 second busy timeout, and applies the schema.
func Open(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	db, err := openDB(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(context.Background(), SchemaDDL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Writer{db: db}, nil
}

func openDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// A single connection serialises writers inside this process.
	db.SetMaxOpenConns(1)

	ctx := context.Background()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set WAL mode on %s: %w", path, err)
	}

	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy_timeout on %s: %w", path, err)
	}

	return db, nil
}

// Record inserts one event.
func (w *Writer) Record(ctx context.Context, r Record) error {
	var payload sql.NullString
	if r.Payload != nil {
		data, err := json.Marshal(r.Payload)
		if err != nil {
			return fmt.Errorf("marshal %s payload: %w", r.Type, err)
		}
		payload = sql.NullString{String: string(data), Valid: true}
	}
	source := r.Source
	if source == "" {
		source = "supervisor"
	}
	_, err := w.db.ExecContext(ctx,
		`INSERT INTO events (type, source, bot_id, pid, payload) VALUES (?, ?, ?, ?, ?)`,
		r.Type, source, nullIfEmpty(r.BotID), nullIfZero(r.PID), payload,
	)
	if err != nil {
		return fmt.Errorf("insert %s event: %w", r.Type, err)
	}
	return nil
}

// Close releases the database.
func (w *Writer) Close() error {
	if w.db != nil {
		return w.db.Close()
	}
	return nil
}

func nullIfEmpty(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullIfZero(n int) sql.NullInt64 {
	return sql.NullInt64{Int64: int64(n), Valid: n != 0}
}
