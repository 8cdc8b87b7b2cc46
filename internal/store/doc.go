// Package store persists the audit log and per-service migration state in SQLite.
//
// # Tables
//
//   - audit_log: one row per security-relevant event (secret writes, scan
//     disclosures, injected files, credential registrations and resets,
//     rejected ceremonies). Detail is JSON and never carries secret values.
//   - migration_state: per service, which files were scanned and how many
//     secrets they held, and which keys have been written to the vault.
//
// # Usage
//
//	s, err := store.NewSQLiteStore(filepath.Join(dataDir, "audit.db"))
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//
//	err = s.AppendAuditLog(ctx, &store.AuditEntry{
//	    Actor:      "agent",
//	    Action:     store.AuditWriteSecrets,
//	    TargetType: "service",
//	    TargetID:   "jellyfin",
//	})
//
// The database runs in WAL mode with a busy timeout so the MCP process and a
// separate approval server can share it.
package store
