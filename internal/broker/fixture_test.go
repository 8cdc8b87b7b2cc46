// ABOUTME: Shared fixture for broker tests: fake vault, real ledger, token vault and audit store
// ABOUTME: Provides helpers to approve operations and read back audit entries

package broker

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/2389/coven-vault/internal/ledger"
	"github.com/2389/coven-vault/internal/store"
	"github.com/2389/coven-vault/internal/tokenvault"
	"github.com/2389/coven-vault/internal/vault/vaulttest"
)

const testOrigin = "http://localhost:8091"

type countingRecorder struct {
	mu     sync.Mutex
	minted int
}

func (r *countingRecorder) TokensMinted(n int) {
	r.mu.Lock()
	r.minted += n
	r.mu.Unlock()
}

func (r *countingRecorder) total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.minted
}

type testEnv struct {
	broker   *Broker
	vault    *vaulttest.Server
	ledger   *ledger.Ledger
	tokens   *tokenvault.Vault
	store    *store.SQLiteStore
	recorder *countingRecorder
	root     string
	dataDir  string
	cfg      Config
}

func setupBroker(t *testing.T, mutate ...func(*Config)) *testEnv {
	t.Helper()

	dataDir := t.TempDir()
	root := t.TempDir()

	st, err := store.NewSQLiteStore(filepath.Join(dataDir, "audit.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	env := &testEnv{
		vault:    vaulttest.New(t),
		ledger:   ledger.New(dataDir),
		tokens:   tokenvault.New(time.Hour),
		store:    st,
		recorder: &countingRecorder{},
		root:     root,
		dataDir:  dataDir,
	}

	cfg := Config{
		Vault:          env.vault.Client(t),
		Ledger:         env.ledger,
		Tokens:         env.tokens,
		Audit:          st,
		Recorder:       env.recorder,
		ApprovalOrigin: testOrigin,
		Mode:           ModeTokenized,
		ServicesRoot:   root,
		AllowedRoots:   []string{root},
	}
	for _, m := range mutate {
		m(&cfg)
	}

	b, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(b.Close)
	env.broker = b
	env.cfg = cfg
	return env
}

// peer returns a broker with its own ledger handle on the same data
// directory, as a second coven-vault process would have.
func (e *testEnv) peer(t *testing.T) *Broker {
	t.Helper()
	cfg := e.cfg
	cfg.Ledger = ledger.New(e.dataDir)
	cfg.Tokens = tokenvault.New(time.Hour)
	b, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(b.Close)
	return b
}

func (e *testEnv) approve(t *testing.T, opID string) {
	t.Helper()
	_, err := e.ledger.Approve(context.Background(), opID, "cred-a1b2", "YubiKey 5C")
	require.NoError(t, err)
}

// writeServiceFile writes content to <root>/<service>/<name>.
func (e *testEnv) writeServiceFile(t *testing.T, service, name, content string) string {
	t.Helper()
	dir := filepath.Join(e.root, service)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func (e *testEnv) auditEntries(t *testing.T, action store.AuditAction) []store.AuditEntry {
	t.Helper()
	entries, err := e.store.ListAuditLog(context.Background(), store.AuditFilter{Action: &action})
	require.NoError(t, err)
	return entries
}
