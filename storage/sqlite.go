// Package storage opens the SQLite database shared by the task queue and
// the settings store.
package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS audio_tasks (
	task_id TEXT PRIMARY KEY,
	submitter_id INTEGER NOT NULL,
	source_path TEXT NOT NULL,
	display_name TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending' CHECK (status IN ('pending','processing','completed','failed')),
	transcript_path TEXT,
	enhanced_audio_path TEXT,
	error_message TEXT,
	worker_id TEXT,
	attempts INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audio_tasks_status_created ON audio_tasks(status, created_at);
CREATE INDEX IF NOT EXISTS idx_audio_tasks_submitter ON audio_tasks(submitter_id, created_at);
CREATE TABLE IF NOT EXISTS system_settings (
	setting_key TEXT PRIMARY KEY,
	setting_value TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// Open opens (creating if needed) the database at path and applies the schema.
// The pool is limited to one connection, which serializes transactions.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	if _, err := db.ExecContext(context.Background(), schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return db, nil
}
