package storage

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite"
)

// DB wraps the local SQLite database holding the paired session, the
// per-identity privacy cache and the persisted dedup window.
type DB struct {
	db   *sql.DB
	path string
	mu   sync.RWMutex
}

// Open opens or creates the SQLite database at dbPath.
func Open(dbPath string) (*DB, error) {
	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable foreign keys and WAL mode for better concurrency
	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	// Session singleton. last_paired_user_id survives an unpair so a re-pair
	// with the same identity can trust the local cache.
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _session (
			id                  INTEGER PRIMARY KEY CHECK (id = 1),
			user_id             TEXT NOT NULL DEFAULT '',
			device_id           TEXT NOT NULL DEFAULT '',
			paired_at           INTEGER NOT NULL DEFAULT 0,
			last_paired_user_id TEXT NOT NULL DEFAULT '',
			auth_token          TEXT NOT NULL DEFAULT '',
			key_material        BLOB
		);
		INSERT OR IGNORE INTO _session (id) VALUES (1);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create session table: %w", err)
	}

	// Privacy cache. user_id is part of the primary key: entries can never be
	// read across an identity boundary by construction.
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _cache (
			user_id    TEXT NOT NULL,
			feature    TEXT NOT NULL,
			key        TEXT NOT NULL,
			value      BLOB NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (user_id, feature, key)
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create cache table: %w", err)
	}

	// Recently applied event ids, persisted so a restart inside the
	// reconnect-overlap window still suppresses redeliveries.
	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS _seen_events (
			event_id TEXT PRIMARY KEY,
			seen_at  INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create seen_events table: %w", err)
	}

	return &DB{db: db, path: dbPath}, nil
}

// Path returns the filesystem path of the database.
func (d *DB) Path() string { return d.path }

// Close closes the database.
func (d *DB) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.db.Close()
}
