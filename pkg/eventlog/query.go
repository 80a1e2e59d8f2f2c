// Package eventlog provides read-only access to the session event log.
// It enables querying session events for display in foreman-dash and
// `foreman logs` without contending with the running server.
package eventlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"foreman/pkg/protocol"

	_ "modernc.org/sqlite" // SQLite driver
)

// QueryOpts specifies filter criteria for querying events.
type QueryOpts struct {
	// SessionID filters events to a single session ("" = all sessions)
	SessionID string

	// Types filters to a set of event types (e.g., "worker-log", "approval-created")
	Types []protocol.EventType

	// AfterID returns only events with an id greater than this (follow mode)
	AfterID int64

	// Limit restricts the number of results (0 = no limit)
	Limit int
}

// Reader provides read-only access to the event log.
type Reader struct {
	db *sql.DB
}

// NewReader opens the state database in read-only mode with WAL.
// Returns an error if the database doesn't exist or cannot be opened.
func NewReader(dbPath string) (*Reader, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("database not found: %w", err)
	}

	// Read-only so a viewer never blocks the server's writes
	dsn := fmt.Sprintf("file:%s?mode=ro&_journal_mode=WAL", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Reader{db: db}, nil
}

// Close releases the database connection.
// Safe to call multiple times.
func (r *Reader) Close() error {
	if r.db != nil {
		err := r.db.Close()
		r.db = nil
		return err
	}
	return nil
}

// Query retrieves events matching opts in chronological order. Without
// AfterID the newest Limit events are returned; with it, the oldest Limit
// events after that id. Returns an empty slice if no events match.
func (r *Reader) Query(ctx context.Context, opts QueryOpts) ([]protocol.Event, error) {
	query, args := buildQuery(opts)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []protocol.Event{}
	for rows.Next() {
		var (
			e         protocol.Event
			typ       string
			payload   sql.NullString
			createdAt string
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &typ, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Type = protocol.EventType(typ)
		if payload.Valid && payload.String != "" {
			e.Payload = json.RawMessage(payload.String)
		}
		at, err := parseTime(createdAt)
		if err != nil {
			return nil, err
		}
		e.At = at
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	if opts.AfterID == 0 {
		for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
			events[i], events[j] = events[j], events[i]
		}
	}
	return events, nil
}

// LatestID returns the highest event id, or 0 for an empty log.
func (r *Reader) LatestID(ctx context.Context) (int64, error) {
	var id sql.NullInt64
	if err := r.db.QueryRowContext(ctx, "SELECT MAX(id) FROM events").Scan(&id); err != nil {
		return 0, fmt.Errorf("latest event id: %w", err)
	}
	return id.Int64, nil
}

// Sessions returns summaries of every stored session, most recently
// updated first.
func (r *Reader) Sessions(ctx context.Context) ([]protocol.Summary, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT record FROM sessions ORDER BY updated_at DESC, id")
	if err != nil {
		return nil, fmt.Errorf("query sessions: %w", err)
	}
	defer rows.Close()

	var out []protocol.Summary
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		var s protocol.Session
		if err := json.Unmarshal([]byte(record), &s); err != nil {
			return nil, fmt.Errorf("decode session: %w", err)
		}
		out = append(out, s.Summarize())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// parseTime accepts the store's RFC3339Nano timestamps and SQLite's
// default datetime format.
func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err == nil {
		return t, nil
	}
	t, err = time.Parse("2006-01-02 15:04:05", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse created_at: %w", err)
	}
	return t, nil
}

// buildQuery constructs the SQL query and arguments from QueryOpts.
func buildQuery(opts QueryOpts) (string, []any) {
	var conditions []string
	var args []any

	query := "SELECT id, session_id, type, payload, created_at FROM events WHERE 1=1"

	if opts.SessionID != "" {
		conditions = append(conditions, "session_id = ?")
		args = append(args, opts.SessionID)
	}

	if len(opts.Types) > 0 {
		marks := make([]string, len(opts.Types))
		for i, t := range opts.Types {
			marks[i] = "?"
			args = append(args, string(t))
		}
		conditions = append(conditions, "type IN ("+strings.Join(marks, ", ")+")")
	}

	if opts.AfterID > 0 {
		conditions = append(conditions, "id > ?")
		args = append(args, opts.AfterID)
	}

	if len(conditions) > 0 {
		query += " AND " + strings.Join(conditions, " AND ")
	}

	// Follow mode reads forward; tail mode reads the newest rows and the
	// caller reverses them.
	if opts.AfterID > 0 {
		query += " ORDER BY id ASC"
	} else {
		query += " ORDER BY id DESC"
	}

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}

	return query, args
}
