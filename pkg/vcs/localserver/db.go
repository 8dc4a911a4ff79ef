package localserver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const driverName = "sqlite3"

const pragmas = `
PRAGMA busy_timeout=5000;
PRAGMA foreign_keys=ON;
PRAGMA temp_store=MEMORY;
`

const schema = `
CREATE TABLE IF NOT EXISTS changesets (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    comment TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL -- RFC3339
);

CREATE TABLE IF NOT EXISTS items (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    kind TEXT NOT NULL
);

-- one row per changeset that touched the item
CREATE TABLE IF NOT EXISTS item_versions (
    item_id INTEGER NOT NULL REFERENCES items(id) ON DELETE CASCADE,
    version INTEGER NOT NULL,
    server_path TEXT NOT NULL,
    content TEXT NOT NULL DEFAULT '',
    deleted INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (item_id, version)
);

CREATE INDEX IF NOT EXISTS idx_item_versions_path ON item_versions(server_path COLLATE NOCASE);

-- what the workspace holds; an empty server_path means the item is absent locally
CREATE TABLE IF NOT EXISTS workspace_items (
    item_id INTEGER PRIMARY KEY REFERENCES items(id) ON DELETE CASCADE,
    server_path TEXT NOT NULL DEFAULT '',
    local_version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS pending_changes (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    item_id INTEGER NOT NULL UNIQUE REFERENCES items(id) ON DELETE CASCADE,
    change_mask INTEGER NOT NULL,
    server_path TEXT NOT NULL,
    source_server_path TEXT NOT NULL,
    base_version INTEGER NOT NULL,
    created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS conflicts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    item_id INTEGER NOT NULL UNIQUE REFERENCES items(id) ON DELETE CASCADE,
    kind TEXT NOT NULL,
    their_server_path TEXT NOT NULL,
    your_server_path TEXT NOT NULL,
    old_server_path TEXT NOT NULL,
    your_changes INTEGER NOT NULL,
    base_changes INTEGER NOT NULL,
    their_version INTEGER NOT NULL,
    base_version INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS local_conflicts (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    item_id INTEGER NOT NULL,
    server_version INTEGER NOT NULL,
    pending_change_id INTEGER NOT NULL,
    source_local_path TEXT NOT NULL,
    target_local_path TEXT NOT NULL,
    reason TEXT NOT NULL,
    reported_at TEXT NOT NULL
);
`

// openDB opens (or creates) the database at path; ":memory:" gives a private in-memory store
func openDB(path string) (*sqlx.DB, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("ensure parent directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_txlock=immediate&mode=rwc", path)
	}

	db, err := sqlx.Connect(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	// a single connection keeps ":memory:" databases alive and serializes writers
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(pragmas); err != nil {
		db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return db, nil
}

// withTx runs fn inside a transaction, rolling back when it fails
func withTx(ctx context.Context, db *sqlx.DB, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}
