// ABOUTME: Broker wiring and the read-only tools: status, list, get and token statistics
// ABOUTME: Shapes values returned to the agent according to the configured security mode

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/coven-vault/internal/classify"
	"github.com/2389/coven-vault/internal/dedupe"
	"github.com/2389/coven-vault/internal/detect"
	"github.com/2389/coven-vault/internal/ledger"
	"github.com/2389/coven-vault/internal/store"
	"github.com/2389/coven-vault/internal/tokenvault"
	"github.com/2389/coven-vault/internal/vault"
)

// Mode controls how stored values are returned to the agent.
type Mode string

const (
	ModeTokenized Mode = "tokenized"
	ModeRedacted  Mode = "redacted"
	ModePlaintext Mode = "plaintext"
)

const redacted = "<REDACTED>"

// Result statuses.
const (
	StatusPending   = "pending_approval"
	StatusDryRun    = "dry_run"
	StatusWritten   = "written"
	StatusDisclosed = "disclosed"
)

// actorAgent is the audit actor for tool-initiated actions.
const actorAgent = "agent"

// SecretStore is the secret store the broker reads and writes.
type SecretStore interface {
	Addr() string
	Read(ctx context.Context, service string) (*vault.Bundle, error)
	Write(ctx context.Context, service string, values map[string]string) (int, error)
	List(ctx context.Context) ([]string, error)
	LookupSelf(ctx context.Context) (*vault.TokenInfo, error)
}

// AuditStore records audit entries and per-service migration progress.
type AuditStore interface {
	AppendAuditLog(ctx context.Context, e *store.AuditEntry) error
	MarkScanned(ctx context.Context, service string, files []string, secretsDetected int) error
	MarkMigrated(ctx context.Context, service string, keys []string, version int) error
	ListMigrationStates(ctx context.Context) ([]*store.MigrationState, error)
}

// Recorder receives token counts, typically for metrics.
type Recorder interface {
	TokensMinted(n int)
}

type nopRecorder struct{}

func (nopRecorder) TokensMinted(int) {}

// Config holds the Broker's collaborators and policy.
type Config struct {
	Vault          SecretStore
	Ledger         *ledger.Ledger
	Tokens         *tokenvault.Vault
	Audit          AuditStore
	Detector       *detect.Detector // nil disables content scanning
	Recorder       Recorder
	ApprovalOrigin string
	Mode           Mode
	ServicesRoot   string
	AllowedRoots   []string
	Logger         *slog.Logger
	Now            func() time.Time
}

// Broker executes tool calls. It is safe for concurrent use.
type Broker struct {
	vault    SecretStore
	ledger   *ledger.Ledger
	tokens   *tokenvault.Vault
	audit    AuditStore
	detector *detect.Detector
	recorder Recorder
	origin   string
	mode     Mode
	root     string
	paths    *pathGuard
	guard    *dedupe.Guard
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Broker. Close releases its background goroutine.
func New(cfg Config) (*Broker, error) {
	if cfg.Vault == nil {
		return nil, errors.New("broker: vault is required")
	}
	if cfg.Ledger == nil {
		return nil, errors.New("broker: ledger is required")
	}
	if cfg.Tokens == nil {
		return nil, errors.New("broker: token vault is required")
	}
	if cfg.Audit == nil {
		return nil, errors.New("broker: audit store is required")
	}
	switch cfg.Mode {
	case "":
		cfg.Mode = ModeTokenized
	case ModeTokenized, ModeRedacted, ModePlaintext:
	default:
		return nil, fmt.Errorf("broker: unknown security mode %q", cfg.Mode)
	}
	if cfg.Recorder == nil {
		cfg.Recorder = nopRecorder{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Broker{
		vault:    cfg.Vault,
		ledger:   cfg.Ledger,
		tokens:   cfg.Tokens,
		audit:    cfg.Audit,
		detector: cfg.Detector,
		recorder: cfg.Recorder,
		origin:   strings.TrimRight(cfg.ApprovalOrigin, "/"),
		mode:     cfg.Mode,
		root:     cfg.ServicesRoot,
		paths:    newPathGuard(cfg.AllowedRoots),
		// Outlive the operation TTL so a used handle stays refused until the
		// ledger has forgotten it too.
		guard:  dedupe.New(2*cfg.Ledger.TTL(), 4096),
		logger: cfg.Logger.With("component", "broker"),
		now:    cfg.Now,
	}, nil
}

// Close stops background work.
func (b *Broker) Close() {
	b.guard.Close()
}

// Mode returns the configured security mode.
func (b *Broker) Mode() Mode {
	return b.mode
}

func (b *Broker) approvalURL(opID string) string {
	return b.origin + "/approve/" + opID
}

// TokenStatsResult describes the current token session.
type TokenStatsResult struct {
	SessionID        string `json:"session_id"`
	TokensCreated    int    `json:"tokens_created"`
	UniqueValues     int    `json:"unique_values"`
	AgeSeconds       int    `json:"session_age_seconds"`
	RemainingSeconds int    `json:"session_remaining_seconds"`
	Expired          bool   `json:"is_expired"`
}

// TokenStats reports the token session counters.
func (b *Broker) TokenStats() *TokenStatsResult {
	s := b.tokens.Stats()
	return &TokenStatsResult{
		SessionID:        s.SessionID,
		TokensCreated:    s.TokensCreated,
		UniqueValues:     s.UniqueValues,
		AgeSeconds:       int(s.Age.Seconds()),
		RemainingSeconds: int(s.Remaining.Seconds()),
		Expired:          s.Expired,
	}
}

// VaultStatus reports connectivity and token details.
type VaultStatus struct {
	Addr          string     `json:"addr"`
	Reachable     bool       `json:"reachable"`
	Error         string     `json:"error,omitempty"`
	TokenName     string     `json:"token_display_name,omitempty"`
	Policies      []string   `json:"token_policies,omitempty"`
	TokenTTL      int        `json:"token_ttl_seconds,omitempty"`
	TokenExpires  *time.Time `json:"token_expires_at,omitempty"`
	Renewable     bool       `json:"token_renewable,omitempty"`
	ServicesCount int        `json:"services_count"`
}

// StatusResult is the vault_status response.
type StatusResult struct {
	Mode       Mode                    `json:"security_mode"`
	Vault      VaultStatus             `json:"vault"`
	Tokens     *TokenStatsResult       `json:"token_session"`
	Operations ledger.Stats            `json:"operations"`
	Migrations []*store.MigrationState `json:"migrations,omitempty"`
}

// Status reports the health of every dependency. Failures are reported in
// the result rather than returned, so the agent can see what is wrong.
func (b *Broker) Status(ctx context.Context) *StatusResult {
	res := &StatusResult{
		Mode:   b.mode,
		Vault:  VaultStatus{Addr: b.vault.Addr()},
		Tokens: b.TokenStats(),
	}

	info, err := b.vault.LookupSelf(ctx)
	if err != nil {
		res.Vault.Error = Explain(err)
	} else {
		res.Vault.Reachable = true
		res.Vault.TokenName = info.DisplayName
		res.Vault.Policies = info.Policies
		res.Vault.TokenTTL = int(info.TTL.Seconds())
		res.Vault.TokenExpires = info.ExpireTime
		res.Vault.Renewable = info.Renewable
		if services, err := b.vault.List(ctx); err == nil {
			res.Vault.ServicesCount = len(services)
		}
	}

	if stats, err := b.ledger.Stats(ctx); err == nil {
		res.Operations = stats
	} else {
		b.logger.Warn("failed to read ledger stats", "error", err)
	}
	if states, err := b.audit.ListMigrationStates(ctx); err == nil {
		res.Migrations = states
	} else {
		b.logger.Warn("failed to read migration state", "error", err)
	}
	return res
}

// ListResult is the vault_list response: services, or the keys of one service.
type ListResult struct {
	Services []string `json:"services,omitempty"`
	Service  string   `json:"service,omitempty"`
	Keys     []string `json:"keys,omitempty"`
	Version  int      `json:"version,omitempty"`
}

// List returns every service, or the key names of service when it is set.
// Values are never included.
func (b *Broker) List(ctx context.Context, service string) (*ListResult, error) {
	if service == "" {
		services, err := b.vault.List(ctx)
		if err != nil {
			return nil, err
		}
		return &ListResult{Services: services}, nil
	}
	if err := ValidateServiceName(service); err != nil {
		return nil, err
	}
	bundle, err := b.vault.Read(ctx, service)
	if err != nil {
		return nil, err
	}
	return &ListResult{Service: service, Keys: bundle.Keys(), Version: bundle.Version}, nil
}

// GetResult is the vault_get response.
type GetResult struct {
	Service          string            `json:"service"`
	Mode             Mode              `json:"security_mode"`
	Version          int               `json:"version"`
	Secrets          map[string]string `json:"secrets"`
	Tokenized        int               `json:"tokenized,omitempty"`
	Plaintext        int               `json:"plaintext,omitempty"`
	SessionID        string            `json:"token_session,omitempty"`
	RemainingSeconds int               `json:"token_session_remaining_seconds,omitempty"`
	Note             string            `json:"note,omitempty"`
}

// Get reads service, or a single key of it, and shapes the values by mode.
// In tokenized mode sensitive values become tokens and everything else is
// returned as is.
func (b *Broker) Get(ctx context.Context, service, key string) (*GetResult, error) {
	if err := ValidateServiceName(service); err != nil {
		return nil, err
	}
	if key != "" {
		if err := ValidateKeyName(key); err != nil {
			return nil, err
		}
	}

	bundle, err := b.vault.Read(ctx, service)
	if err != nil {
		return nil, err
	}

	values := bundle.Data
	if key != "" {
		v, ok := bundle.Data[key]
		if !ok {
			return nil, &KeyNotFoundError{Service: service, Key: key, Available: bundle.Keys()}
		}
		values = map[string]string{key: v}
	}

	res := &GetResult{
		Service: service,
		Mode:    b.mode,
		Version: bundle.Version,
		Secrets: make(map[string]string, len(values)),
	}

	switch b.mode {
	case ModeRedacted:
		for k := range values {
			res.Secrets[k] = redacted
		}
		res.Note = "Values are hidden. Use vault_inject to write them to a local file."

	case ModePlaintext:
		for k, v := range values {
			res.Secrets[k] = v
		}
		res.Note = "Plaintext mode: these values have left the machine."

	default:
		before := b.tokens.Stats().TokensCreated
		for k, v := range values {
			if !classify.IsSensitive(k, v) {
				res.Secrets[k] = v
				res.Plaintext++
				continue
			}
			tok, err := b.tokens.Tokenize(v, tokenvault.Metadata{Key: k, Service: service, Source: "vault"})
			if err != nil {
				return nil, err
			}
			res.Secrets[k] = tok
			res.Tokenized++
		}
		stats := b.tokens.Stats()
		b.recorder.TokensMinted(stats.TokensCreated - before)
		res.SessionID = stats.SessionID
		res.RemainingSeconds = int(stats.Remaining.Seconds())
		res.Note = "Tokens resolve only inside this server. Use them with vault_set or vault_inject."
	}

	b.logger.Info("secrets read", "service", service, "keys", len(res.Secrets), "mode", string(b.mode))
	return res, nil
}

// appendAudit records e, logging rather than failing when the store is unavailable.
func (b *Broker) appendAudit(ctx context.Context, e *store.AuditEntry) {
	if err := b.audit.AppendAuditLog(ctx, e); err != nil {
		b.logger.Warn("failed to append audit entry", "action", string(e.Action), "error", err)
	}
}

// execute runs fn at most once for the approval handle id. The in-process
// guard turns away concurrent calls cheaply; the ledger claim holds across
// processes sharing the data directory. fn must not fail after its side
// effect has happened, since a failure makes the handle executable again.
func (b *Broker) execute(ctx context.Context, id string, fn func(op *ledger.Operation) error) error {
	if err := b.guard.Claim(id); err != nil {
		return err
	}
	op, err := b.ledger.Claim(ctx, id)
	if err != nil {
		b.guard.Release(id)
		return err
	}
	if err := fn(op); err != nil {
		if rerr := b.ledger.Release(context.WithoutCancel(ctx), id); rerr != nil {
			b.logger.Warn("failed to release operation claim", "op_id", id, "error", rerr)
		}
		b.guard.Release(id)
		return err
	}
	b.guard.Complete(id)
	return nil
}

// Pending is the part of a phase one response that tells the agent where
// the operator approves and how to continue.
type Pending struct {
	OperationID      string `json:"approval_token"`
	ApprovalURL      string `json:"approval_url"`
	ExpiresInSeconds int    `json:"expires_in_seconds"`
	Next             string `json:"next"`
}

func (b *Broker) pending(op *ledger.Operation, next string) *Pending {
	return &Pending{
		OperationID:      op.ID,
		ApprovalURL:      b.approvalURL(op.ID),
		ExpiresInSeconds: int(op.ExpiresAt(b.ledger.TTL()).Sub(b.now()).Seconds()),
		Next:             next,
	}
}
