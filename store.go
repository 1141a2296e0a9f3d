// Durable session records. This tier is optional: with no --db path the
// bridge runs volatile-only and stays fully correct, it just forgets
// sessions across restarts. Writes are best-effort and eventually
// consistent with the in-memory store.

package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sessionSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	session_id TEXT PRIMARY KEY,
	fid INTEGER NOT NULL,
	payload TEXT NOT NULL DEFAULT '{}',
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS sessions_fid ON sessions (fid);
`

// SessionDB persists session-to-identity bindings in SQLite.
type SessionDB struct {
	sqlDB *sql.DB
}

// openSessionDB opens the durability tier, applying the schema on first use.
func openSessionDB(path string) (*SessionDB, error) {
	dsn := filepath.Clean(path) + "?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL"

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := sqlDB.Exec(sessionSchema); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &SessionDB{sqlDB: sqlDB}, nil
}

func (db *SessionDB) Close() error {
	if db == nil || db.sqlDB == nil {
		return nil
	}
	return db.sqlDB.Close()
}

// upsert records the latest payload snapshot for a session.
func (db *SessionDB) upsert(ctx context.Context, sessionID string, fid uint64, payload map[string]any) error {
	if db == nil || db.sqlDB == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return &persistenceError{op: "upsert", err: err}
	}

	now := time.Now().UTC().UnixMilli()

	_, err = db.sqlDB.ExecContext(
		ctx,
		`INSERT INTO sessions (session_id, fid, payload, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (session_id) DO UPDATE SET
		   fid = excluded.fid,
		   payload = excluded.payload,
		   updated_at = excluded.updated_at`,
		sessionID,
		fid,
		string(raw),
		now,
		now,
	)
	if err != nil {
		return &persistenceError{op: "upsert", err: err}
	}

	return nil
}

// lookup recovers the fid and payload for a session ID written by a
// previous process. errSessionNotFound when no row exists.
func (db *SessionDB) lookup(ctx context.Context, sessionID string) (uint64, map[string]any, error) {
	if db == nil || db.sqlDB == nil {
		return 0, nil, errSessionNotFound
	}

	var (
		fid uint64
		raw string
	)

	err := db.sqlDB.QueryRowContext(
		ctx,
		`SELECT fid, payload FROM sessions WHERE session_id = ?`,
		sessionID,
	).Scan(&fid, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil, errSessionNotFound
	}
	if err != nil {
		return 0, nil, &persistenceError{op: "lookup", err: err}
	}

	payload := make(map[string]any)
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return 0, nil, &persistenceError{op: "lookup", err: err}
	}

	return fid, payload, nil
}
