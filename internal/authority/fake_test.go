// ABOUTME: Test doubles for the authority package: a scripted ceremony and a shared clock
// ABOUTME: The fake ceremony trusts a JSON body naming the credential and its counter

package authority

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-webauthn/webauthn/webauthn"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-vault/internal/ledger"
	"github.com/2389/coven-vault/internal/store"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// fakeResponse is what tests send as the "credential" of a ceremony.
type fakeResponse struct {
	CredentialID string `json:"credentialId"`
	SignCount    uint32 `json:"signCount"`
	Invalid      bool   `json:"invalid,omitempty"`
}

func fakeBody(t *testing.T, credID string, count uint32) []byte {
	t.Helper()
	b, err := json.Marshal(fakeResponse{CredentialID: credID, SignCount: count})
	require.NoError(t, err)
	return b
}

type fakeCeremony struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeCeremony) session(user webauthn.User) *webauthn.SessionData {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return &webauthn.SessionData{Challenge: hex.EncodeToString([]byte{byte(f.calls)}), UserID: user.WebAuthnID()}
}

func (f *fakeCeremony) BeginRegistration(user webauthn.User) (any, *webauthn.SessionData, error) {
	s := f.session(user)
	return map[string]any{"publicKey": map[string]any{"challenge": s.Challenge}}, s, nil
}

func (f *fakeCeremony) FinishRegistration(_ webauthn.User, _ webauthn.SessionData, body []byte) (*webauthn.Credential, error) {
	var r fakeResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, err
	}
	if r.Invalid {
		return nil, errors.New("attestation signature mismatch")
	}
	id, err := hex.DecodeString(r.CredentialID)
	if err != nil {
		return nil, err
	}
	return &webauthn.Credential{
		ID:            id,
		PublicKey:     []byte{0xa5, 0x01},
		Authenticator: webauthn.Authenticator{SignCount: r.SignCount},
		Flags:         webauthn.CredentialFlags{UserPresent: true},
	}, nil
}

func (f *fakeCeremony) BeginLogin(user webauthn.User) (any, *webauthn.SessionData, error) {
	s := f.session(user)
	return map[string]any{"publicKey": map[string]any{"challenge": s.Challenge}}, s, nil
}

func (f *fakeCeremony) FinishLogin(user webauthn.User, _ webauthn.SessionData, body []byte) (*Assertion, error) {
	var r fakeResponse
	if err := json.Unmarshal(body, &r); err != nil {
		return nil, err
	}
	if r.Invalid {
		return nil, errors.New("assertion signature mismatch")
	}
	id, err := hex.DecodeString(r.CredentialID)
	if err != nil {
		return nil, err
	}
	return &Assertion{CredentialID: id, SignCount: r.SignCount, Flags: webauthn.CredentialFlags{UserPresent: true}}, nil
}

type recordingObserver struct {
	mu      sync.Mutex
	results []string
}

func (o *recordingObserver) Ceremony(purpose, result string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.results = append(o.results, purpose+":"+result)
}

func (o *recordingObserver) last() string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.results) == 0 {
		return ""
	}
	return o.results[len(o.results)-1]
}

type testEnv struct {
	authority *Authority
	ledger    *ledger.Ledger
	store     *store.SQLiteStore
	clock     *testClock
	observer  *recordingObserver
	dir       string
}

func setupTestAuthority(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	clock := &testClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}

	s, err := store.NewSQLiteStore(filepath.Join(dir, "vault.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	l := ledger.New(dir, ledger.WithClock(clock.Now))
	obs := &recordingObserver{}
	a, err := New(Config{
		DataDir:  dir,
		Origin:   "https://vault.localhost:8091/",
		Ceremony: &fakeCeremony{},
		Ledger:   l,
		Audit:    s,
		Observer: obs,
		Now:      clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(a.Close)

	return &testEnv{authority: a, ledger: l, store: s, clock: clock, observer: obs, dir: dir}
}

// register runs a first-device registration for credID at count.
func (e *testEnv) register(t *testing.T, credID string, count uint32) *Credential {
	t.Helper()
	ctx := context.Background()
	ch, err := e.authority.BeginRegistration(ctx)
	require.NoError(t, err)
	cred, err := e.authority.FinishRegistration(ctx, ch.SessionID, "YubiKey", fakeBody(t, credID, count))
	require.NoError(t, err)
	return cred
}

func (e *testEnv) createOp(t *testing.T, service string, action ledger.Action) *ledger.Operation {
	t.Helper()
	op, err := e.ledger.Create(context.Background(), ledger.CreateRequest{
		Service: service,
		Action:  action,
		Secrets: map[string]string{"API_KEY": "k-7f3a9c2e1b8d4f6a"},
	})
	require.NoError(t, err)
	return op
}

// approve runs a full approval ceremony for opID presenting count.
func (e *testEnv) approve(t *testing.T, opID, credID string, count uint32) (*ledger.Operation, error) {
	t.Helper()
	ctx := context.Background()
	ch, err := e.authority.BeginApproval(ctx, opID)
	require.NoError(t, err)
	return e.authority.FinishApproval(ctx, ch.SessionID, opID, fakeBody(t, credID, count))
}

func (e *testEnv) auditEntries(t *testing.T, action store.AuditAction) []store.AuditEntry {
	t.Helper()
	entries, err := e.store.ListAuditLog(context.Background(), store.AuditFilter{Action: &action})
	require.NoError(t, err)
	return entries
}
