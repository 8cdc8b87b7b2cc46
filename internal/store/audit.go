// ABOUTME: Audit log entity and store methods for security-relevant vault actions
// ABOUTME: Records registrations, resets, approvals, writes and disclosures without secret values

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AuditAction represents an auditable action.
type AuditAction string

const (
	AuditRegisterCredential AuditAction = "register_credential"
	AuditResetCredentials   AuditAction = "reset_credentials"
	AuditApproveOperation   AuditAction = "approve_operation"
	AuditCeremonyRejected   AuditAction = "ceremony_rejected"
	AuditWriteSecrets       AuditAction = "write_secrets"
	AuditDiscloseScan       AuditAction = "disclose_scan"
	AuditInjectFile         AuditAction = "inject_file"
)

// ValidAuditActions lists all valid audit actions.
var ValidAuditActions = []AuditAction{
	AuditRegisterCredential,
	AuditResetCredentials,
	AuditApproveOperation,
	AuditCeremonyRejected,
	AuditWriteSecrets,
	AuditDiscloseScan,
	AuditInjectFile,
}

// AuditEntry represents a single audit log entry. Detail must never hold
// secret values.
type AuditEntry struct {
	ID         string         // UUID v4
	Actor      string         // "operator", "agent", "cli", or a credential id
	Action     AuditAction    // what happened
	TargetType string         // "operation", "credential", "service", "file"
	TargetID   string         // ID of the affected resource
	Timestamp  time.Time      // when it happened
	Detail     map[string]any // additional context
}

// AuditFilter specifies filtering options for listing audit entries.
type AuditFilter struct {
	Since      *time.Time
	Action     *AuditAction
	TargetType *string
	TargetID   *string
	Limit      int // default 100, max 1000
}

// AppendAuditLog appends a new entry, generating ID and Timestamp if unset.
func (s *SQLiteStore) AppendAuditLog(ctx context.Context, e *AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}

	var detailJSON *string
	if e.Detail != nil {
		data, err := json.Marshal(e.Detail)
		if err != nil {
			return fmt.Errorf("marshaling audit detail: %w", err)
		}
		str := string(data)
		detailJSON = &str
	}

	query := `
		INSERT INTO audit_log (audit_id, actor, action, target_type, target_id, ts, detail_json)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.Actor,
		string(e.Action),
		e.TargetType,
		e.TargetID,
		e.Timestamp.UTC().Format(timestampLayout),
		detailJSON,
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

// timestampLayout is fixed-width so stored timestamps sort lexically.
const timestampLayout = "2006-01-02T15:04:05.000000000Z"

func normalizeAuditLimit(limit int) int {
	switch {
	case limit <= 0:
		return 100
	case limit > 1000:
		return 1000
	default:
		return limit
	}
}

const auditLogQuery = `
	SELECT audit_id, actor, action, target_type, target_id, ts, detail_json
	FROM audit_log
	WHERE (? IS NULL OR ts >= ?)
	  AND (? IS NULL OR action = ?)
	  AND (? IS NULL OR target_type = ?)
	  AND (? IS NULL OR target_id = ?)
	ORDER BY ts DESC
	LIMIT ?
`

// ListAuditLog returns matching entries, newest first.
func (s *SQLiteStore) ListAuditLog(ctx context.Context, f AuditFilter) ([]AuditEntry, error) {
	var since, action *string
	if f.Since != nil {
		v := f.Since.UTC().Format(timestampLayout)
		since = &v
	}
	if f.Action != nil {
		v := string(*f.Action)
		action = &v
	}

	rows, err := s.db.QueryContext(ctx, auditLogQuery,
		since, since,
		action, action,
		f.TargetType, f.TargetType,
		f.TargetID, f.TargetID,
		normalizeAuditLimit(f.Limit),
	)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := []AuditEntry{}
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating audit entries: %w", err)
	}
	return entries, nil
}

func scanAuditEntry(scanner interface{ Scan(dest ...any) error }) (AuditEntry, error) {
	var e AuditEntry
	var actionStr, tsStr string
	var detailJSON *string

	if err := scanner.Scan(&e.ID, &e.Actor, &actionStr, &e.TargetType, &e.TargetID, &tsStr, &detailJSON); err != nil {
		return e, fmt.Errorf("scanning audit entry: %w", err)
	}

	e.Action = AuditAction(actionStr)
	var err error
	e.Timestamp, err = time.Parse(timestampLayout, tsStr)
	if err != nil {
		return e, fmt.Errorf("parsing timestamp: %w", err)
	}
	if detailJSON != nil {
		if err := json.Unmarshal([]byte(*detailJSON), &e.Detail); err != nil {
			return e, fmt.Errorf("unmarshaling detail: %w", err)
		}
	}
	return e, nil
}
