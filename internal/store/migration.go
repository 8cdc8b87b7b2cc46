// ABOUTME: Per-service migration state tracking which env files were scanned and which keys reached the vault
// ABOUTME: Upserts scan and migration facts so status and listing tools can report progress

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// MigrationState is what is known about moving one service's secrets into the vault.
type MigrationState struct {
	Service         string     `json:"service"`
	ScannedAt       *time.Time `json:"scanned_at,omitempty"`
	ScannedFiles    []string   `json:"scanned_files,omitempty"`
	SecretsDetected int        `json:"secrets_detected"`
	MigratedAt      *time.Time `json:"migrated_at,omitempty"`
	MigratedKeys    []string   `json:"migrated_keys,omitempty"`
	VaultVersion    int        `json:"vault_version,omitempty"`
}

// Migrated reports whether any key has been written to the vault.
func (m *MigrationState) Migrated() bool {
	return m.MigratedAt != nil
}

// MarkScanned records that files were scanned for service and how many
// secrets were found. Previously scanned files are kept.
func (s *SQLiteStore) MarkScanned(ctx context.Context, service string, files []string, secretsDetected int) error {
	current, err := s.GetMigrationState(ctx, service)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	merged := mergeUnique(nil, files)
	if current != nil {
		merged = mergeUnique(current.ScannedFiles, files)
	}
	filesJSON, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("marshaling scanned files: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO migration_state (service, scanned_at, scanned_files_json, secrets_detected)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(service) DO UPDATE SET
			scanned_at = excluded.scanned_at,
			scanned_files_json = excluded.scanned_files_json,
			secrets_detected = excluded.secrets_detected
	`, service, time.Now().UTC().Format(timestampLayout), string(filesJSON), secretsDetected)
	if err != nil {
		return fmt.Errorf("marking service scanned: %w", err)
	}
	return nil
}

// MarkMigrated records that keys were written to the vault at version.
func (s *SQLiteStore) MarkMigrated(ctx context.Context, service string, keys []string, version int) error {
	current, err := s.GetMigrationState(ctx, service)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	merged := mergeUnique(nil, keys)
	if current != nil {
		merged = mergeUnique(current.MigratedKeys, keys)
	}
	keysJSON, err := json.Marshal(merged)
	if err != nil {
		return fmt.Errorf("marshaling migrated keys: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO migration_state (service, migrated_at, migrated_keys_json, vault_version)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(service) DO UPDATE SET
			migrated_at = excluded.migrated_at,
			migrated_keys_json = excluded.migrated_keys_json,
			vault_version = excluded.vault_version
	`, service, time.Now().UTC().Format(timestampLayout), string(keysJSON), version)
	if err != nil {
		return fmt.Errorf("marking service migrated: %w", err)
	}
	return nil
}

// GetMigrationState returns the state for service or ErrNotFound.
func (s *SQLiteStore) GetMigrationState(ctx context.Context, service string) (*MigrationState, error) {
	row := s.db.QueryRowContext(ctx, migrationSelect+` WHERE service = ?`, service)
	m, err := scanMigrationState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return m, nil
}

// ListMigrationStates returns every tracked service, ordered by name.
func (s *SQLiteStore) ListMigrationStates(ctx context.Context) ([]*MigrationState, error) {
	rows, err := s.db.QueryContext(ctx, migrationSelect+` ORDER BY service`)
	if err != nil {
		return nil, fmt.Errorf("querying migration state: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*MigrationState
	for rows.Next() {
		m, err := scanMigrationState(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating migration state: %w", err)
	}
	return out, nil
}

const migrationSelect = `
	SELECT service, scanned_at, scanned_files_json, secrets_detected, migrated_at, migrated_keys_json, vault_version
	FROM migration_state`

func scanMigrationState(scanner interface{ Scan(dest ...any) error }) (*MigrationState, error) {
	var m MigrationState
	var scannedAt, filesJSON, migratedAt, keysJSON sql.NullString

	if err := scanner.Scan(&m.Service, &scannedAt, &filesJSON, &m.SecretsDetected, &migratedAt, &keysJSON, &m.VaultVersion); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scanning migration state: %w", err)
	}

	var err error
	if m.ScannedAt, err = parseNullTime(scannedAt); err != nil {
		return nil, err
	}
	if m.MigratedAt, err = parseNullTime(migratedAt); err != nil {
		return nil, err
	}
	if filesJSON.Valid {
		if err := json.Unmarshal([]byte(filesJSON.String), &m.ScannedFiles); err != nil {
			return nil, fmt.Errorf("unmarshaling scanned files: %w", err)
		}
	}
	if keysJSON.Valid {
		if err := json.Unmarshal([]byte(keysJSON.String), &m.MigratedKeys); err != nil {
			return nil, fmt.Errorf("unmarshaling migrated keys: %w", err)
		}
	}
	return &m, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := time.Parse(timestampLayout, ns.String)
	if err != nil {
		return nil, fmt.Errorf("parsing timestamp: %w", err)
	}
	return &t, nil
}

func mergeUnique(existing, add []string) []string {
	seen := make(map[string]bool, len(existing)+len(add))
	out := make([]string, 0, len(existing)+len(add))
	for _, list := range [][]string{existing, add} {
		for _, v := range list {
			if !seen[v] {
				seen[v] = true
				out = append(out, v)
			}
		}
	}
	return out
}
