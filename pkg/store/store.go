// Package store persists sessions and their event log in SQLite.
//
// Sessions are stored as whole JSON documents: every write replaces the full
// record. Events are append-only rows keyed by session.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"foreman/pkg/protocol"

	_ "modernc.org/sqlite" // SQLite driver
)

// timeLayout is used for every timestamp column.
const timeLayout = time.RFC3339Nano

// Store is the SQLite-backed session store. It is safe for concurrent use;
// read-modify-write updates are serialized.
type Store struct {
	db *sql.DB
	mu sync.Mutex

	// nowFunc allows tests to control time.
	nowFunc func() time.Time
}

// OpenDB opens a SQLite database at path and enforces production-safe
// defaults: WAL journal mode and a 5-second busy timeout. It also calls
// db.PingContext to verify the connection is usable before returning.
func OpenDB(ctx context.Context, path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}

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

// Open creates the parent directory of path if needed, opens the database
// and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}
	db, err := OpenDB(ctx, path)
	if err != nil {
		return nil, err
	}
	s, err := New(ctx, db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an open database and applies the schema.
func New(ctx context.Context, db *sql.DB) (*Store, error) {
	if _, err := db.ExecContext(ctx, protocol.SchemaDDL); err != nil {
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Store{db: db, nowFunc: time.Now}, nil
}

// Close releases the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for read-only helpers.
func (s *Store) DB() *sql.DB { return s.db }

// CreateSession inserts a new session record.
func (s *Store) CreateSession(ctx context.Context, sess *protocol.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = s.nowFunc()
	}
	sess.UpdatedAt = sess.CreatedAt
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sess.ID, err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, objective, status, record, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.Objective, string(sess.Status), string(data),
		sess.CreatedAt.UTC().Format(timeLayout), sess.UpdatedAt.UTC().Format(timeLayout))
	if err != nil {
		return fmt.Errorf("create session %s: %w", sess.ID, err)
	}
	return nil
}

// GetSession loads a session. It returns *protocol.SessionNotFoundError when
// no record exists.
func (s *Store) GetSession(ctx context.Context, id string) (*protocol.Session, error) {
	return s.get(ctx, s.db, id)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) get(ctx context.Context, q queryer, id string) (*protocol.Session, error) {
	var record string
	err := q.QueryRowContext(ctx, `SELECT record FROM sessions WHERE id = ?`, id).Scan(&record)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &protocol.SessionNotFoundError{SessionID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	var sess protocol.Session
	if err := json.Unmarshal([]byte(record), &sess); err != nil {
		return nil, fmt.Errorf("decode session %s: %w", id, err)
	}
	return &sess, nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) put(ctx context.Context, e execer, sess *protocol.Session) error {
	sess.UpdatedAt = s.nowFunc()
	data, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session %s: %w", sess.ID, err)
	}
	res, err := e.ExecContext(ctx,
		`UPDATE sessions SET objective = ?, status = ?, record = ?, updated_at = ? WHERE id = ?`,
		sess.Objective, string(sess.Status), string(data), sess.UpdatedAt.UTC().Format(timeLayout), sess.ID)
	if err != nil {
		return fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &protocol.SessionNotFoundError{SessionID: sess.ID}
	}
	return nil
}

// SaveSession replaces a session record and bumps its modification time.
func (s *Store) SaveSession(ctx context.Context, sess *protocol.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(ctx, s.db, sess)
}

// UpdateSession reads a session, applies fn and writes the result back in a
// single transaction. When fn returns an error nothing is written and the
// error is returned unchanged.
func (s *Store) UpdateSession(ctx context.Context, id string, fn func(*protocol.Session) error) (*protocol.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin update %s: %w", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	sess, err := s.get(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := fn(sess); err != nil {
		return nil, err
	}
	if err := s.put(ctx, tx, sess); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit update %s: %w", id, err)
	}
	return sess, nil
}

// ListSessionIDs returns every session id, oldest first.
func (s *Store) ListSessionIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM sessions ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list session ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session ids: %w", err)
	}
	return ids, nil
}

// ListSessions returns summaries of every session, newest first.
func (s *Store) ListSessions(ctx context.Context) ([]protocol.Summary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT record FROM sessions ORDER BY updated_at DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []protocol.Summary
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		var sess protocol.Session
		if err := json.Unmarshal([]byte(record), &sess); err != nil {
			return nil, fmt.Errorf("decode session: %w", err)
		}
		out = append(out, sess.Summarize())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}

// AppendEvent adds a timestamped entry to a session's event log.
func (s *Store) AppendEvent(ctx context.Context, sessionID string, typ protocol.EventType, payload any) (protocol.Event, error) {
	ev := protocol.Event{Type: typ, SessionID: sessionID, Payload: payload, At: s.nowFunc()}
	var raw sql.NullString
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return ev, fmt.Errorf("encode %s payload: %w", typ, err)
		}
		raw = sql.NullString{String: string(data), Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO events (session_id, type, payload, created_at) VALUES (?, ?, ?, ?)`,
		sessionID, string(typ), raw, ev.At.UTC().Format(timeLayout))
	if err != nil {
		return ev, fmt.Errorf("append event %s: %w", typ, err)
	}
	ev.ID, _ = res.LastInsertId()
	return ev, nil
}

// ReadLogTail returns the newest limit events of a session, oldest first.
// Payloads are returned as json.RawMessage.
func (s *Store) ReadLogTail(ctx context.Context, sessionID string, limit int) ([]protocol.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, type, payload, created_at FROM events WHERE session_id = ? ORDER BY id DESC LIMIT ?`,
		sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("read log tail %s: %w", sessionID, err)
	}
	defer rows.Close()

	events, err := scanEvents(rows, sessionID)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events, nil
}

func scanEvents(rows *sql.Rows, sessionID string) ([]protocol.Event, error) {
	var out []protocol.Event
	for rows.Next() {
		var (
			ev      protocol.Event
			typ     string
			payload sql.NullString
			at      string
		)
		if err := rows.Scan(&ev.ID, &typ, &payload, &at); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.Type = protocol.EventType(typ)
		ev.SessionID = sessionID
		if payload.Valid {
			ev.Payload = json.RawMessage(payload.String)
		}
		if t, err := time.Parse(timeLayout, at); err == nil {
			ev.At = t
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return out, nil
}
