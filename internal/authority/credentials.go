// ABOUTME: File-backed store of the operator's registered WebAuthn authenticators
// ABOUTME: Adds credentials, advances signature counters atomically and resets the whole store

package authority

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"slices"
	"time"

	"github.com/go-webauthn/webauthn/protocol"
	"github.com/go-webauthn/webauthn/webauthn"

	"github.com/2389/coven-vault/internal/docstore"
)

// CredentialsFile is the credential document's name inside the data directory.
const CredentialsFile = "webauthn-credentials.json"

var (
	ErrNoRegisteredCredential = errors.New("no registered credential")
	ErrUnknownCredential      = errors.New("credential is not registered")
	ErrCloneDetected          = errors.New("signature counter did not advance; possible cloned authenticator or replayed response")
)

// Credential is a registered authenticator. Binary fields are hex encoded.
type Credential struct {
	ID              string     `json:"credential_id"`
	PublicKey       string     `json:"public_key"`
	SignCount       uint32     `json:"sign_count"`
	DeviceName      string     `json:"device_name"`
	RegisteredAt    time.Time  `json:"registered_at"`
	LastUsedAt      *time.Time `json:"last_used_at,omitempty"`
	AttestationType string     `json:"attestation_type,omitempty"`
	Transports      []string   `json:"transports,omitempty"`
	AAGUID          string     `json:"aaguid,omitempty"`
	UserPresent     bool       `json:"user_present"`
	UserVerified    bool       `json:"user_verified"`
	BackupEligible  bool       `json:"backup_eligible"`
	BackupState     bool       `json:"backup_state"`
}

// ShortID is a display form of the credential id.
func (c *Credential) ShortID() string {
	if len(c.ID) <= 16 {
		return c.ID
	}
	return c.ID[:16] + "…"
}

func (c *Credential) webauthn() (webauthn.Credential, error) {
	id, err := hex.DecodeString(c.ID)
	if err != nil {
		return webauthn.Credential{}, fmt.Errorf("decoding credential id: %w", err)
	}
	pub, err := hex.DecodeString(c.PublicKey)
	if err != nil {
		return webauthn.Credential{}, fmt.Errorf("decoding public key: %w", err)
	}
	aaguid, _ := hex.DecodeString(c.AAGUID)

	transports := make([]protocol.AuthenticatorTransport, len(c.Transports))
	for i, t := range c.Transports {
		transports[i] = protocol.AuthenticatorTransport(t)
	}
	return webauthn.Credential{
		ID:              id,
		PublicKey:       pub,
		AttestationType: c.AttestationType,
		Transport:       transports,
		Flags: webauthn.CredentialFlags{
			UserPresent:    c.UserPresent,
			UserVerified:   c.UserVerified,
			BackupEligible: c.BackupEligible,
			BackupState:    c.BackupState,
		},
		Authenticator: webauthn.Authenticator{
			AAGUID:    aaguid,
			SignCount: c.SignCount,
		},
	}, nil
}

func credentialFromWebAuthn(wc *webauthn.Credential, device string, at time.Time) *Credential {
	transports := make([]string, len(wc.Transport))
	for i, t := range wc.Transport {
		transports[i] = string(t)
	}
	return &Credential{
		ID:              hex.EncodeToString(wc.ID),
		PublicKey:       hex.EncodeToString(wc.PublicKey),
		SignCount:       wc.Authenticator.SignCount,
		DeviceName:      device,
		RegisteredAt:    at,
		AttestationType: wc.AttestationType,
		Transports:      transports,
		AAGUID:          hex.EncodeToString(wc.Authenticator.AAGUID),
		UserPresent:     wc.Flags.UserPresent,
		UserVerified:    wc.Flags.UserVerified,
		BackupEligible:  wc.Flags.BackupEligible,
		BackupState:     wc.Flags.BackupState,
	}
}

type credentialDoc struct {
	OperatorID  string        `json:"operator_id,omitempty"`
	Credentials []*Credential `json:"credentials"`
}

// CredentialStore persists the operator identity and its authenticators.
type CredentialStore struct {
	file *docstore.File[credentialDoc]
	now  func() time.Time
}

// NewCredentialStore opens the credential document in dir.
func NewCredentialStore(dir string, logger *slog.Logger) *CredentialStore {
	return &CredentialStore{
		file: docstore.New[credentialDoc](filepath.Join(dir, CredentialsFile), logger),
		now:  time.Now,
	}
}

// List returns every registered credential.
func (s *CredentialStore) List() ([]*Credential, error) {
	doc, _, err := s.file.View()
	if err != nil {
		return nil, err
	}
	return doc.Credentials, nil
}

// operator returns the WebAuthn user for the current credentials.
func (s *CredentialStore) operator() (*operator, error) {
	doc, _, err := s.file.View()
	if err != nil {
		return nil, err
	}
	return newOperator(doc.OperatorID, doc.Credentials)
}

// ensureOperator returns the operator, creating its user handle on first use.
func (s *CredentialStore) ensureOperator() (*operator, error) {
	var doc credentialDoc
	_, err := s.file.Update(func(d *credentialDoc) error {
		if d.OperatorID == "" {
			b := make([]byte, 16)
			if _, err := rand.Read(b); err != nil {
				return fmt.Errorf("generating operator id: %w", err)
			}
			d.OperatorID = hex.EncodeToString(b)
		}
		doc = *d
		return nil
	})
	if err != nil {
		return nil, err
	}
	return newOperator(doc.OperatorID, doc.Credentials)
}

// Add stores c, replacing any credential with the same id.
func (s *CredentialStore) Add(c *Credential) error {
	_, err := s.file.Update(func(d *credentialDoc) error {
		d.Credentials = slices.DeleteFunc(d.Credentials, func(existing *Credential) bool {
			return existing.ID == c.ID
		})
		d.Credentials = append(d.Credentials, c)
		return nil
	})
	return err
}

// AddFirst stores c only if no credential is registered yet, checking and
// writing under one exclusive lock.
func (s *CredentialStore) AddFirst(c *Credential) error {
	_, err := s.file.Update(func(d *credentialDoc) error {
		if len(d.Credentials) > 0 {
			return ErrRegistrationClosed
		}
		d.Credentials = append(d.Credentials, c)
		return nil
	})
	return err
}

// AdvanceCounter records a successful assertion. The new counter must be
// strictly greater than the stored one; the comparison and the write happen
// under one exclusive lock.
func (s *CredentialStore) AdvanceCounter(id string, count uint32, flags webauthn.CredentialFlags) (*Credential, error) {
	var updated Credential
	_, err := s.file.Update(func(d *credentialDoc) error {
		i := slices.IndexFunc(d.Credentials, func(c *Credential) bool { return c.ID == id })
		if i < 0 {
			return ErrUnknownCredential
		}
		c := d.Credentials[i]
		if count <= c.SignCount {
			return fmt.Errorf("%w (stored %d, presented %d)", ErrCloneDetected, c.SignCount, count)
		}
		at := s.now().UTC()
		c.SignCount = count
		c.LastUsedAt = &at
		c.BackupState = flags.BackupState
		updated = *c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &updated, nil
}

// Reset removes every credential and the operator handle, returning how many
// credentials were removed.
func (s *CredentialStore) Reset() (int, error) {
	var removed int
	_, err := s.file.Update(func(d *credentialDoc) error {
		removed = len(d.Credentials)
		*d = credentialDoc{}
		return nil
	})
	return removed, err
}

// operator is the single human identity, as go-webauthn sees it.
type operator struct {
	id    []byte
	creds []webauthn.Credential
	byID  map[string]*Credential
}

func newOperator(handle string, creds []*Credential) (*operator, error) {
	op := &operator{id: []byte(handle), byID: make(map[string]*Credential, len(creds))}
	for _, c := range creds {
		wc, err := c.webauthn()
		if err != nil {
			return nil, fmt.Errorf("credential %s: %w", c.ShortID(), err)
		}
		op.creds = append(op.creds, wc)
		op.byID[c.ID] = c
	}
	return op, nil
}

func (o *operator) WebAuthnID() []byte                         { return o.id }
func (o *operator) WebAuthnName() string                       { return "operator" }
func (o *operator) WebAuthnDisplayName() string                { return "coven-vault operator" }
func (o *operator) WebAuthnCredentials() []webauthn.Credential { return o.creds }

// lookup returns the stored record for a raw credential id.
func (o *operator) lookup(rawID []byte) (*Credential, bool) {
	c, ok := o.byID[hex.EncodeToString(rawID)]
	return c, ok
}
