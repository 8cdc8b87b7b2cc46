// ABOUTME: SQLite store for the audit log and per-service migration state using modernc.org/sqlite
// ABOUTME: Creates the schema on open and enables WAL so the tool and approval processes can share it

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore persists audit entries and migration state.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (creating if needed) the database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL lets the approval server read while the tool process writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Debug("SQLite store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS audit_log (
			audit_id TEXT PRIMARY KEY,
			actor TEXT NOT NULL,
			action TEXT NOT NULL,
			target_type TEXT NOT NULL,
			target_id TEXT NOT NULL,
			ts TEXT NOT NULL,
			detail_json TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_audit_log_ts ON audit_log(ts);
		CREATE INDEX IF NOT EXISTS idx_audit_log_target ON audit_log(target_type, target_id);

		CREATE TABLE IF NOT EXISTS migration_state (
			service TEXT PRIMARY KEY,
			scanned_at TEXT,
			scanned_files_json TEXT,
			secrets_detected INTEGER NOT NULL DEFAULT 0,
			migrated_at TEXT,
			migrated_keys_json TEXT,
			vault_version INTEGER NOT NULL DEFAULT 0
		);
	`
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
