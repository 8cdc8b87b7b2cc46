// ABOUTME: Approval authority running registration, approval and reset ceremonies
// ABOUTME: Enforces single-use challenges, strictly increasing counters and ledger freshness

package authority

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/coven-vault/internal/ledger"
	"github.com/2389/coven-vault/internal/store"
)

var (
	// ErrRegistrationClosed is returned when registering while a credential exists.
	ErrRegistrationClosed = errors.New("an authenticator is already registered; add devices from an existing one or reset credentials first")

	// ErrVerificationFailed wraps signature verification failures.
	ErrVerificationFailed = errors.New("authenticator response failed verification")
)

// AuditLog receives audit entries. *store.SQLiteStore satisfies it.
type AuditLog interface {
	AppendAuditLog(ctx context.Context, e *store.AuditEntry) error
}

// CeremonyObserver is told the outcome of each ceremony, typically for metrics.
type CeremonyObserver interface {
	Ceremony(purpose string, result string)
}

type nopCeremonyObserver struct{}

func (nopCeremonyObserver) Ceremony(string, string) {}

// Challenge is what the browser needs to run a ceremony step.
type Challenge struct {
	SessionID string `json:"sessionId"`
	Options   any    `json:"options"`
}

// Config holds the Authority's collaborators.
type Config struct {
	DataDir  string
	Origin   string // approval URL base, e.g. https://vault.localhost:8091
	Ceremony Ceremony
	Ledger   *ledger.Ledger
	Audit    AuditLog
	Observer CeremonyObserver
	Logger   *slog.Logger
	Now      func() time.Time
}

// Authority is the approval authority for one data directory.
type Authority struct {
	origin     string
	ceremony   Ceremony
	ledger     *ledger.Ledger
	creds      *CredentialStore
	challenges *challengeStore
	audit      AuditLog
	observer   CeremonyObserver
	logger     *slog.Logger
	now        func() time.Time
}

// New creates an Authority. Close releases its background goroutine.
func New(cfg Config) (*Authority, error) {
	if cfg.Ceremony == nil {
		return nil, errors.New("authority: ceremony is required")
	}
	if cfg.Ledger == nil {
		return nil, errors.New("authority: ledger is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Observer == nil {
		cfg.Observer = nopCeremonyObserver{}
	}
	logger := cfg.Logger.With("component", "authority")
	creds := NewCredentialStore(cfg.DataDir, logger)
	creds.now = cfg.Now

	return &Authority{
		origin:     strings.TrimRight(cfg.Origin, "/"),
		ceremony:   cfg.Ceremony,
		ledger:     cfg.Ledger,
		creds:      creds,
		challenges: newChallengeStore(cfg.Now),
		audit:      cfg.Audit,
		observer:   cfg.Observer,
		logger:     logger,
		now:        cfg.Now,
	}, nil
}

// Close stops background work.
func (a *Authority) Close() {
	a.challenges.Close()
}

// ApprovalURL is the page where the operator approves opID.
func (a *Authority) ApprovalURL(opID string) string {
	return a.origin + "/approve/" + opID
}

// Origin returns the configured approval origin.
func (a *Authority) Origin() string {
	return a.origin
}

// Credentials lists registered authenticators.
func (a *Authority) Credentials() ([]*Credential, error) {
	return a.creds.List()
}

// BeginRegistration starts registering the first authenticator.
func (a *Authority) BeginRegistration(ctx context.Context) (*Challenge, error) {
	creds, err := a.creds.List()
	if err != nil {
		return nil, err
	}
	if len(creds) > 0 {
		return nil, ErrRegistrationClosed
	}
	return a.beginRegistration(PurposeRegister)
}

// BeginEnrollment starts the assertion that authorizes adding another
// authenticator.
func (a *Authority) BeginEnrollment(ctx context.Context) (*Challenge, error) {
	return a.beginAssertion(PurposeEnroll, "")
}

// AuthorizeEnrollment verifies the enrollment assertion and, on success,
// returns a registration challenge for the new authenticator.
func (a *Authority) AuthorizeEnrollment(ctx context.Context, sessionID string, body []byte) (*Challenge, error) {
	cred, err := a.finishAssertion(ctx, PurposeEnroll, sessionID, "", body)
	if err != nil {
		return nil, err
	}
	a.logger.Info("enrollment authorized", "credential", cred.ShortID())
	return a.beginRegistration(PurposeAddDevice)
}

// beginRegistration issues a registration challenge. PurposeRegister
// challenges only succeed while no authenticator is registered;
// PurposeAddDevice challenges come from a verified enrollment assertion.
func (a *Authority) beginRegistration(purpose Purpose) (*Challenge, error) {
	user, err := a.creds.ensureOperator()
	if err != nil {
		return nil, err
	}
	options, session, err := a.ceremony.BeginRegistration(user)
	if err != nil {
		return nil, fmt.Errorf("starting registration: %w", err)
	}
	id, err := a.challenges.Put(session, purpose, "")
	if err != nil {
		return nil, err
	}
	return &Challenge{SessionID: id, Options: options}, nil
}

// FinishRegistration verifies the attestation and stores the credential.
func (a *Authority) FinishRegistration(ctx context.Context, sessionID, deviceName string, body []byte) (*Credential, error) {
	session, purpose, err := a.challenges.TakeAny(sessionID, "", PurposeRegister, PurposeAddDevice)
	if err != nil {
		a.observer.Ceremony(PurposeRegister.String(), "invalid_challenge")
		return nil, err
	}
	user, err := a.creds.operator()
	if err != nil {
		return nil, err
	}
	wc, err := a.ceremony.FinishRegistration(user, *session, body)
	if err != nil {
		a.observer.Ceremony(PurposeRegister.String(), "rejected")
		a.recordRejection(ctx, PurposeRegister, "", err)
		return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}

	deviceName = strings.TrimSpace(deviceName)
	if deviceName == "" {
		deviceName = "Security key"
	}
	cred := credentialFromWebAuthn(wc, deviceName, a.now().UTC())
	if purpose == PurposeRegister {
		err = a.creds.AddFirst(cred)
	} else {
		err = a.creds.Add(cred)
	}
	if errors.Is(err, ErrRegistrationClosed) {
		a.observer.Ceremony(PurposeRegister.String(), "closed")
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("saving credential: %w", err)
	}

	a.observer.Ceremony(PurposeRegister.String(), "ok")
	a.record(ctx, &store.AuditEntry{
		Actor:      "operator",
		Action:     store.AuditRegisterCredential,
		TargetType: "credential",
		TargetID:   cred.ID,
		Detail:     map[string]any{"device_name": cred.DeviceName},
	})
	a.logger.Info("authenticator registered", "credential", cred.ShortID(), "device", cred.DeviceName)
	return cred, nil
}

// BeginApproval issues an authentication challenge for opID, restricted to
// registered credentials.
func (a *Authority) BeginApproval(ctx context.Context, opID string) (*Challenge, error) {
	if _, err := a.ledger.Get(ctx, opID); err != nil {
		return nil, err
	}
	return a.beginAssertion(PurposeApprove, opID)
}

// FinishApproval verifies the assertion for opID and approves it. Approving
// an operation that is already approved succeeds without changing it.
func (a *Authority) FinishApproval(ctx context.Context, sessionID, opID string, body []byte) (*ledger.Operation, error) {
	cred, err := a.finishAssertion(ctx, PurposeApprove, sessionID, opID, body)
	if err != nil {
		return nil, err
	}

	op, err := a.ledger.Approve(ctx, opID, cred.ID, cred.DeviceName)
	if errors.Is(err, ledger.ErrAlreadyApproved) {
		return a.ledger.Get(ctx, opID)
	}
	if err != nil {
		return nil, err
	}

	a.record(ctx, &store.AuditEntry{
		Actor:      cred.ID,
		Action:     store.AuditApproveOperation,
		TargetType: "operation",
		TargetID:   opID,
		Detail: map[string]any{
			"service": op.Service,
			"action":  op.Action.String(),
			"keys":    op.Keys,
			"device":  cred.DeviceName,
		},
	})
	return op, nil
}

// BeginReset issues the challenge that authorizes wiping all credentials.
func (a *Authority) BeginReset(ctx context.Context) (*Challenge, error) {
	return a.beginAssertion(PurposeReset, "")
}

// FinishReset verifies the reset assertion and wipes every credential.
func (a *Authority) FinishReset(ctx context.Context, sessionID string, body []byte) (int, error) {
	cred, err := a.finishAssertion(ctx, PurposeReset, sessionID, "", body)
	if err != nil {
		return 0, err
	}
	return a.reset(ctx, cred.ID)
}

// ResetCredentials wipes every credential without a ceremony. It exists for
// local lost-device recovery and is audited with actor.
func (a *Authority) ResetCredentials(ctx context.Context, actor string) (int, error) {
	return a.reset(ctx, actor)
}

func (a *Authority) reset(ctx context.Context, actor string) (int, error) {
	removed, err := a.creds.Reset()
	if err != nil {
		return 0, fmt.Errorf("resetting credentials: %w", err)
	}
	a.record(ctx, &store.AuditEntry{
		Actor:      actor,
		Action:     store.AuditResetCredentials,
		TargetType: "credential",
		TargetID:   "*",
		Detail:     map[string]any{"removed": removed},
	})
	a.logger.Warn("all credentials reset", "actor", actor, "removed", removed)
	return removed, nil
}

func (a *Authority) beginAssertion(purpose Purpose, opID string) (*Challenge, error) {
	user, err := a.creds.operator()
	if err != nil {
		return nil, err
	}
	if len(user.creds) == 0 {
		return nil, ErrNoRegisteredCredential
	}
	options, session, err := a.ceremony.BeginLogin(user)
	if err != nil {
		return nil, fmt.Errorf("starting authentication: %w", err)
	}
	id, err := a.challenges.Put(session, purpose, opID)
	if err != nil {
		return nil, err
	}
	return &Challenge{SessionID: id, Options: options}, nil
}

// finishAssertion consumes the challenge, verifies the response against the
// registered credentials and advances the signature counter.
func (a *Authority) finishAssertion(ctx context.Context, purpose Purpose, sessionID, opID string, body []byte) (*Credential, error) {
	session, err := a.challenges.Take(sessionID, purpose, opID)
	if err != nil {
		a.observer.Ceremony(purpose.String(), "invalid_challenge")
		return nil, err
	}

	if purpose == PurposeApprove {
		// The operation may have expired while the operator was touching the key.
		if _, err := a.ledger.Get(ctx, opID); err != nil {
			a.observer.Ceremony(purpose.String(), "operation_unavailable")
			return nil, err
		}
	}

	user, err := a.creds.operator()
	if err != nil {
		return nil, err
	}
	if len(user.creds) == 0 {
		return nil, ErrNoRegisteredCredential
	}

	assertion, err := a.ceremony.FinishLogin(user, *session, body)
	if err != nil {
		a.observer.Ceremony(purpose.String(), "rejected")
		a.recordRejection(ctx, purpose, opID, err)
		return nil, fmt.Errorf("%w: %v", ErrVerificationFailed, err)
	}
	stored, ok := user.lookup(assertion.CredentialID)
	if !ok {
		a.observer.Ceremony(purpose.String(), "rejected")
		a.recordRejection(ctx, purpose, opID, ErrUnknownCredential)
		return nil, ErrUnknownCredential
	}

	updated, err := a.creds.AdvanceCounter(stored.ID, assertion.SignCount, assertion.Flags)
	if err != nil {
		if errors.Is(err, ErrCloneDetected) {
			a.observer.Ceremony(purpose.String(), "clone_detected")
			a.recordRejection(ctx, purpose, opID, err)
			a.logger.Error("signature counter did not advance",
				"credential", stored.ShortID(), "stored", stored.SignCount, "presented", assertion.SignCount)
		}
		return nil, err
	}

	a.observer.Ceremony(purpose.String(), "ok")
	return updated, nil
}

func (a *Authority) recordRejection(ctx context.Context, purpose Purpose, opID string, cause error) {
	target, targetType := opID, "operation"
	if opID == "" {
		target, targetType = purpose.String(), "ceremony"
	}
	a.record(ctx, &store.AuditEntry{
		Actor:      "unknown",
		Action:     store.AuditCeremonyRejected,
		TargetType: targetType,
		TargetID:   target,
		Detail:     map[string]any{"purpose": purpose.String(), "reason": cause.Error()},
	})
}

func (a *Authority) record(ctx context.Context, e *store.AuditEntry) {
	if a.audit == nil {
		return
	}
	if err := a.audit.AppendAuditLog(ctx, e); err != nil {
		a.logger.Warn("failed to append audit entry", "action", e.Action, "error", err)
	}
}

// CredentialIDHex formats a raw credential id as stored.
func CredentialIDHex(raw []byte) string {
	return hex.EncodeToString(raw)
}
