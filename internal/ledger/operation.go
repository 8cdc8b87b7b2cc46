// ABOUTME: Operation record and the closed set of approvable action kinds
// ABOUTME: Actions marshal as stable strings and reject unknown kinds on decode

package ledger

import (
	"fmt"
	"maps"
	"slices"
	"time"
)

// Action is the kind of change an operation will perform once approved.
type Action int

const (
	ActionCreate Action = iota + 1
	ActionUpdate
	ActionScanEnv
	ActionScanCompose
)

// AllActions lists every valid action.
var AllActions = []Action{ActionCreate, ActionUpdate, ActionScanEnv, ActionScanCompose}

func (a Action) String() string {
	switch a {
	case ActionCreate:
		return "CREATE"
	case ActionUpdate:
		return "UPDATE"
	case ActionScanEnv:
		return "SCAN_ENV"
	case ActionScanCompose:
		return "SCAN_COMPOSE"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// ParseAction converts the wire name back into an Action.
func ParseAction(s string) (Action, error) {
	for _, a := range AllActions {
		if a.String() == s {
			return a, nil
		}
	}
	return 0, fmt.Errorf("unknown operation action %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (a Action) MarshalText() ([]byte, error) {
	if !a.Valid() {
		return nil, fmt.Errorf("invalid operation action %d", int(a))
	}
	return []byte(a.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (a *Action) UnmarshalText(b []byte) error {
	parsed, err := ParseAction(string(b))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

// Valid reports whether a is one of AllActions.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionScanEnv, ActionScanCompose:
		return true
	default:
		return false
	}
}

// IsScan reports whether the action discloses a local file to the agent.
func (a Action) IsScan() bool {
	switch a {
	case ActionScanEnv, ActionScanCompose:
		return true
	case ActionCreate, ActionUpdate:
		return false
	default:
		return false
	}
}

// Title is the heading shown on the approval page.
func (a Action) Title() string {
	switch a {
	case ActionCreate:
		return "Store new secrets"
	case ActionUpdate:
		return "Update existing secrets"
	case ActionScanEnv:
		return "Scan .env file"
	case ActionScanCompose:
		return "Scan docker-compose file"
	default:
		return "Unknown operation"
	}
}

// Operation is a single request awaiting, or having received, approval.
//
// Secrets holds plaintext values for display to the human approver only; it
// is never returned to the agent and is dropped when the operation is retired.
type Operation struct {
	ID           string            `json:"op_id"`
	Service      string            `json:"service"`
	Action       Action            `json:"action"`
	Keys         []string          `json:"keys,omitempty"`
	Secrets      map[string]string `json:"secrets,omitempty"`
	Warnings     []string          `json:"warnings,omitempty"`
	ScanFilePath string            `json:"scan_file_path,omitempty"`
	Metadata     map[string]any    `json:"metadata,omitempty"`
	TokensMap    map[string]string `json:"tokens_map,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`

	Approved             bool       `json:"approved"`
	ApprovedAt           *time.Time `json:"approved_at,omitempty"`
	ApprovedByCredential string     `json:"approved_by_credential,omitempty"`
	ApprovedByDevice     string     `json:"approved_by_device,omitempty"`

	// ClaimedAt is set while one caller executes the approved operation.
	ClaimedAt   *time.Time `json:"claimed_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ExpiresAt is when the operation stops being approvable or executable.
func (o *Operation) ExpiresAt(ttl time.Duration) time.Time {
	return o.CreatedAt.Add(ttl)
}

// Expired reports whether the operation is older than ttl at now.
func (o *Operation) Expired(now time.Time, ttl time.Duration) bool {
	return now.Sub(o.CreatedAt) > ttl
}

// Clone returns a deep copy safe to hand to callers.
func (o *Operation) Clone() *Operation {
	if o == nil {
		return nil
	}
	c := *o
	c.Keys = slices.Clone(o.Keys)
	c.Secrets = maps.Clone(o.Secrets)
	c.Warnings = slices.Clone(o.Warnings)
	c.Metadata = maps.Clone(o.Metadata)
	c.TokensMap = maps.Clone(o.TokensMap)
	if o.ApprovedAt != nil {
		t := *o.ApprovedAt
		c.ApprovedAt = &t
	}
	if o.ClaimedAt != nil {
		t := *o.ClaimedAt
		c.ClaimedAt = &t
	}
	if o.CompletedAt != nil {
		t := *o.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// archived returns the history form of o with secret material removed.
func (o *Operation) archived(at time.Time) *Operation {
	c := o.Clone()
	c.Secrets = nil
	c.TokensMap = nil
	c.CompletedAt = &at
	return c
}
