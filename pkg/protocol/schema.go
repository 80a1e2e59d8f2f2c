package protocol

// SchemaDDL defines the SQLite schema for the foreman state database.
// Tables: sessions (full JSON record per session), events (append-only log).
// Execute against a SQLite database with: db.Exec(SchemaDDL)
const SchemaDDL = `
-- One row per coordinated session; record holds the full JSON document
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    objective TEXT NOT NULL,
    status TEXT NOT NULL,
    record TEXT NOT NULL,
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

-- Append-only session event log
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY,
    session_id TEXT NOT NULL,
    type TEXT NOT NULL,
    payload TEXT,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_session ON events(session_id, id);
`
