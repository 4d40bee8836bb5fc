package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"
)

// Event represents a single event from the log.
type Event struct {
	ID        int64     `json:"id" yaml:"id"`
	Type      string    `json:"type" yaml:"type"`
	Source    string    `json:"source" yaml:"source"`
	BotID     string    `json:"botId,omitempty" yaml:"bot_id,omitempty"`
	PID       int       `json:"pid,omitempty" yaml:"pid,omitempty"`
	Payload   string    `json:"payload,omitempty" yaml:"payload,omitempty"`
	CreatedAt time.Time `json:"createdAt" yaml:"created_at"`
}

// QueryOpts specifies filter criteria for querying events.
type QueryOpts struct {
	// BotID filters events to a specific bot.
	BotID string

	// EventType filters to a specific event type (e.g., "start", "crash").
	EventType string

	// After filters events created after this time (inclusive).
	After *time.Time

	// Before filters events created before this time (inclusive).
	Before *time.Time

	// Limit restricts the number of results (0 = no limit).
	Limit int
}

// Reader provides read-only access to the event log.
type Reader struct {
	db *sql.DB
}

// NewReader opens the event database in read-only mode.
// Returns an error if the database doesn't exist or cannot be opened.
func NewReader(dbPath string) (*Reader, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("database not found: %w", err)
	}

	// Read-only so the CLI never blocks the running supervisor.
	dsn := fmt.Sprintf("file:%s?mode=ro", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Reader{db: db}, nil
}

// Close releases the database connection.
// Safe to call multiple times.
func (r *Reader) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Query retrieves events matching opts, newest first.
// Returns an empty slice if no events match.
func (r *Reader) Query(ctx context.Context, opts QueryOpts) ([]Event, error) {
	query, args := buildQuery(opts)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			e            Event
			botID        sql.NullString
			pid          sql.NullInt64
			payload      sql.NullString
			createdAtStr string
		)
		if err := rows.Scan(&e.ID, &e.Type, &e.Source, &botID, &pid, &payload, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.BotID = botID.String
		e.PID = int(pid.Int64)
		e.Payload = payload.String

		if createdAtStr != "" {
			parsed, err := time.Parse("2006-01-02 15:04:05", createdAtStr)
			if err != nil {
				parsed, err = time.Parse(time.RFC3339, createdAtStr)
				if err != nil {
					return nil, fmt.Errorf("parse created_at: %w", err)
				}
			}
			e.CreatedAt = parsed
		}

		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	return events, nil
}

// buildQuery constructs the SQL query and arguments from QueryOpts.
func buildQuery(opts QueryOpts) (string, []any) {
	var conditions []string
	var args []any

	query := "SELECT id, type, source, bot_id, pid, payload, created_at FROM events WHERE 1=1"

	if opts.BotID != "" {
		conditions = append(conditions, "bot_id = ?")
		args = append(args, opts.BotID)
	}

	if opts.EventType != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, opts.EventType)
	}

	if opts.After != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, opts.After.UTC().Format("2006-01-02 15:04:05"))
	}

	if opts.Before != nil {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, opts.Before.UTC().Format("2006-01-02 15:04:05"))
	}

	if len(conditions) > 0 {
		query += " AND " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY id DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}

	return query, args
}
