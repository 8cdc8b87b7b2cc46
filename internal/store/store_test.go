// ABOUTME: Tests for the SQLite audit log and migration state store
// ABOUTME: Covers append/list filtering, ordering, scan and migration upserts

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)

	t.Cleanup(func() {
		store.Close()
	})

	return store
}

func TestAuditStore_Append(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	entry := &AuditEntry{
		Actor:      "operator",
		Action:     AuditApproveOperation,
		TargetType: "operation",
		TargetID:   "op-123",
		Detail:     map[string]any{"service": "jellyfin"},
	}
	require.NoError(t, store.AppendAuditLog(ctx, entry))

	assert.NotEmpty(t, entry.ID)
	assert.False(t, entry.Timestamp.IsZero())
}

func TestAuditStore_ListNewestFirst(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	actions := []AuditAction{AuditRegisterCredential, AuditApproveOperation, AuditWriteSecrets}
	for i, action := range actions {
		require.NoError(t, store.AppendAuditLog(ctx, &AuditEntry{
			Actor:      "operator",
			Action:     action,
			TargetType: "operation",
			TargetID:   "op",
			// Sub-second offsets check the fixed-width timestamp ordering.
			Timestamp: base.Add(time.Duration(i) * 500 * time.Millisecond),
		}))
	}

	entries, err := store.ListAuditLog(ctx, AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, AuditWriteSecrets, entries[0].Action)
	assert.Equal(t, AuditRegisterCredential, entries[2].Action)
	assert.True(t, entries[2].Timestamp.Equal(base))
}

func TestAuditStore_ListFilters(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)

	require.NoError(t, store.AppendAuditLog(ctx, &AuditEntry{
		Actor: "cli", Action: AuditResetCredentials, TargetType: "credential", TargetID: "*", Timestamp: base,
	}))
	require.NoError(t, store.AppendAuditLog(ctx, &AuditEntry{
		Actor: "agent", Action: AuditWriteSecrets, TargetType: "service", TargetID: "billing", Timestamp: base.Add(time.Hour),
	}))
	require.NoError(t, store.AppendAuditLog(ctx, &AuditEntry{
		Actor: "agent", Action: AuditWriteSecrets, TargetType: "service", TargetID: "media", Timestamp: base.Add(2 * time.Hour),
	}))

	action := AuditWriteSecrets
	entries, err := store.ListAuditLog(ctx, AuditFilter{Action: &action})
	require.NoError(t, err)
	assert.Len(t, entries, 2)

	target := "billing"
	entries, err = store.ListAuditLog(ctx, AuditFilter{TargetID: &target})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "agent", entries[0].Actor)

	since := base.Add(90 * time.Minute)
	entries, err = store.ListAuditLog(ctx, AuditFilter{Since: &since})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "media", entries[0].TargetID)

	entries, err = store.ListAuditLog(ctx, AuditFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestAuditStore_DetailRoundTrip(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.AppendAuditLog(ctx, &AuditEntry{
		Actor: "operator", Action: AuditDiscloseScan, TargetType: "file", TargetID: ".env",
		Detail: map[string]any{"secret_count": 3, "keys": []string{"A", "B"}},
	}))

	entries, err := store.ListAuditLog(ctx, AuditFilter{})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, float64(3), entries[0].Detail["secret_count"])
	assert.Equal(t, []any{"A", "B"}, entries[0].Detail["keys"])
}

func TestMigrationState_ScanThenMigrate(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	_, err := store.GetMigrationState(ctx, "media")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.MarkScanned(ctx, "media", []string{"/srv/media/.env"}, 2))
	require.NoError(t, store.MarkScanned(ctx, "media", []string{"/srv/media/compose.yml", "/srv/media/.env"}, 3))

	m, err := store.GetMigrationState(ctx, "media")
	require.NoError(t, err)
	assert.Equal(t, []string{"/srv/media/.env", "/srv/media/compose.yml"}, m.ScannedFiles)
	assert.Equal(t, 3, m.SecretsDetected)
	assert.NotNil(t, m.ScannedAt)
	assert.False(t, m.Migrated())

	require.NoError(t, store.MarkMigrated(ctx, "media", []string{"API_KEY"}, 1))
	require.NoError(t, store.MarkMigrated(ctx, "media", []string{"DB_PASSWORD", "API_KEY"}, 2))

	m, err = store.GetMigrationState(ctx, "media")
	require.NoError(t, err)
	assert.True(t, m.Migrated())
	assert.Equal(t, []string{"API_KEY", "DB_PASSWORD"}, m.MigratedKeys)
	assert.Equal(t, 2, m.VaultVersion)
	assert.Equal(t, 3, m.SecretsDetected, "migration keeps scan facts")
}

func TestMigrationState_List(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.MarkMigrated(ctx, "zeta", []string{"K"}, 1))
	require.NoError(t, store.MarkScanned(ctx, "alpha", []string{".env"}, 1))

	states, err := store.ListMigrationStates(ctx)
	require.NoError(t, err)
	require.Len(t, states, 2)
	assert.Equal(t, "alpha", states[0].Service)
	assert.Equal(t, "zeta", states[1].Service)
}
