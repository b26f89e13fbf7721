package database

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	sqlite3 "github.com/mattn/go-sqlite3"
)

// ErrUniqueViolation is returned when an insert loses a uniqueness race
// (duplicate request_id, duplicate entity version). Callers decide whether
// it means "re-read and retry" or "return the existing row".
var ErrUniqueViolation = errors.New("unique constraint violation")

type DB struct {
	db *sql.DB
}

func NewDB(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	if err := createTables(db); err != nil {
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	return &DB{db: db}, nil
}

func createTables(db *sql.DB) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS queue_items (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            user_id TEXT NOT NULL,
            request_id TEXT UNIQUE NOT NULL,
            method TEXT NOT NULL,
            target TEXT NOT NULL,
            payload TEXT,
            headers TEXT,
            priority INTEGER NOT NULL DEFAULT 50,
            retry_count INTEGER NOT NULL DEFAULT 0,
            max_retries INTEGER NOT NULL DEFAULT 3,
            status TEXT NOT NULL DEFAULT 'pending',
            scheduled_at DATETIME NOT NULL,
            dependencies TEXT,
            tags TEXT,
            last_error TEXT,
            created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
            updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
        )`,
		`CREATE TABLE IF NOT EXISTS entity_versions (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            entity_type TEXT NOT NULL,
            entity_id TEXT NOT NULL,
            version INTEGER NOT NULL,
            data TEXT,
            checksum TEXT NOT NULL,
            operation TEXT NOT NULL,
            author_user_id TEXT NOT NULL,
            metadata TEXT,
            created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
            UNIQUE(entity_type, entity_id, version)
        )`,
		`CREATE TABLE IF NOT EXISTS sync_conflicts (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            user_id TEXT NOT NULL,
            entity_type TEXT NOT NULL,
            entity_id TEXT NOT NULL,
            local_version INTEGER NOT NULL,
            server_version INTEGER NOT NULL,
            local_data TEXT,
            server_data TEXT,
            conflict_type TEXT NOT NULL,
            resolution_strategy TEXT NOT NULL DEFAULT 'manual',
            resolved BOOLEAN NOT NULL DEFAULT 0,
            resolved_at DATETIME,
            resolved_by TEXT,
            created_at DATETIME DEFAULT CURRENT_TIMESTAMP
        )`,
		`CREATE TABLE IF NOT EXISTS device_status (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            user_id TEXT NOT NULL,
            device_id TEXT NOT NULL,
            is_online BOOLEAN NOT NULL DEFAULT 0,
            last_seen DATETIME NOT NULL,
            connection_type TEXT,
            network_quality TEXT,
            app_version TEXT,
            platform TEXT,
            sync_enabled BOOLEAN NOT NULL DEFAULT 1,
            last_sync_attempt DATETIME,
            last_successful_sync DATETIME,
            pending_sync_items INTEGER NOT NULL DEFAULT 0,
            created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
            updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
            UNIQUE(user_id, device_id)
        )`,

		`CREATE INDEX IF NOT EXISTS idx_queue_items_user_status ON queue_items(user_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_items_status_updated ON queue_items(status, updated_at)`,
		`CREATE INDEX IF NOT EXISTS idx_entity_versions_entity ON entity_versions(entity_type, entity_id)`,
		`CREATE INDEX IF NOT EXISTS idx_sync_conflicts_user_resolved ON sync_conflicts(user_id, resolved)`,
		`CREATE INDEX IF NOT EXISTS idx_device_status_online ON device_status(is_online, pending_sync_items)`,
	}

	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

// isUniqueViolation recognizes SQLite unique-constraint errors.
func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}

func (db *DB) Close() error {
	return db.db.Close()
}
