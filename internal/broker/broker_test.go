// ABOUTME: Tests for the read-only broker tools
// ABOUTME: Covers security modes for vault_get, listing, status reporting and token statistics

package broker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-vault/internal/tokenvault"
	"github.com/2389/coven-vault/internal/vault"
)

var jellyfin = map[string]string{
	"API_KEY":     "k-7f3a9c2e1b8d4f6a",
	"DB_PASSWORD": "Tr0ub4dor&3-horse",
	"PORT":        "8096",
	"PUBLIC_URL":  "https://media.lab.example",
}

func TestNewRequiresCollaborators(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)

	env := setupBroker(t)
	_, err = New(Config{
		Vault:  env.vault.Client(t),
		Ledger: env.ledger,
		Tokens: env.tokens,
		Audit:  env.store,
		Mode:   "open",
	})
	assert.ErrorContains(t, err, "unknown security mode")
}

func TestGet_TokenizedMode(t *testing.T) {
	env := setupBroker(t)
	env.vault.Put("jellyfin", jellyfin)

	res, err := env.broker.Get(context.Background(), "jellyfin", "")
	require.NoError(t, err)

	assert.Equal(t, ModeTokenized, res.Mode)
	assert.Equal(t, 1, res.Version)
	assert.True(t, tokenvault.IsToken(res.Secrets["API_KEY"]))
	assert.True(t, tokenvault.IsToken(res.Secrets["DB_PASSWORD"]))
	assert.Equal(t, "8096", res.Secrets["PORT"])
	assert.Equal(t, "https://media.lab.example", res.Secrets["PUBLIC_URL"])
	assert.Equal(t, 2, res.Tokenized)
	assert.Equal(t, 2, res.Plaintext)
	assert.NotEmpty(t, res.SessionID)
	assert.Equal(t, 2, env.recorder.total())

	out, err := json.Marshal(res)
	require.NoError(t, err)
	assert.NotContains(t, string(out), jellyfin["API_KEY"])
	assert.NotContains(t, string(out), "Tr0ub4dor")

	value, err := env.tokens.Detokenize(res.Secrets["API_KEY"])
	require.NoError(t, err)
	assert.Equal(t, jellyfin["API_KEY"], value)
}

func TestGet_SameValueSameToken(t *testing.T) {
	env := setupBroker(t)
	env.vault.Put("jellyfin", jellyfin)

	first, err := env.broker.Get(context.Background(), "jellyfin", "API_KEY")
	require.NoError(t, err)
	second, err := env.broker.Get(context.Background(), "jellyfin", "")
	require.NoError(t, err)

	assert.Equal(t, first.Secrets["API_KEY"], second.Secrets["API_KEY"])
	assert.Len(t, first.Secrets, 1)
	assert.Equal(t, 2, env.recorder.total(), "re-reading a known value mints nothing")
}

func TestGet_RedactedMode(t *testing.T) {
	env := setupBroker(t, func(c *Config) { c.Mode = ModeRedacted })
	env.vault.Put("jellyfin", jellyfin)

	res, err := env.broker.Get(context.Background(), "jellyfin", "")
	require.NoError(t, err)
	for k, v := range res.Secrets {
		assert.Equal(t, "<REDACTED>", v, k)
	}
	assert.Len(t, res.Secrets, 4)
	assert.Zero(t, env.tokens.Stats().TokensCreated)
}

func TestGet_PlaintextMode(t *testing.T) {
	env := setupBroker(t, func(c *Config) { c.Mode = ModePlaintext })
	env.vault.Put("jellyfin", jellyfin)

	res, err := env.broker.Get(context.Background(), "jellyfin", "DB_PASSWORD")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"DB_PASSWORD": "Tr0ub4dor&3-horse"}, res.Secrets)
	assert.Contains(t, res.Note, "Plaintext")
}

func TestGet_Errors(t *testing.T) {
	env := setupBroker(t)
	env.vault.Put("jellyfin", jellyfin)
	ctx := context.Background()

	_, err := env.broker.Get(ctx, "jelly fin", "")
	var verr *ValidationError
	assert.True(t, errors.As(err, &verr))

	_, err = env.broker.Get(ctx, "sonarr", "")
	assert.ErrorIs(t, err, vault.ErrNotFound)

	_, err = env.broker.Get(ctx, "jellyfin", "MISSING")
	var missing *KeyNotFoundError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, []string{"API_KEY", "DB_PASSWORD", "PORT", "PUBLIC_URL"}, missing.Available)
}

func TestList(t *testing.T) {
	env := setupBroker(t)
	ctx := context.Background()

	res, err := env.broker.List(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, res.Services)

	env.vault.Put("jellyfin", jellyfin)
	env.vault.Put("sonarr", map[string]string{"API_KEY": "abc"})

	res, err = env.broker.List(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"jellyfin", "sonarr"}, res.Services)

	res, err = env.broker.List(ctx, "jellyfin")
	require.NoError(t, err)
	assert.Equal(t, []string{"API_KEY", "DB_PASSWORD", "PORT", "PUBLIC_URL"}, res.Keys)

	out, err := json.Marshal(res)
	require.NoError(t, err)
	assert.NotContains(t, string(out), "k-7f3a9c2e1b8d4f6a")
}

func TestStatus(t *testing.T) {
	env := setupBroker(t)
	env.vault.Put("jellyfin", jellyfin)
	ctx := context.Background()

	res := env.broker.Status(ctx)
	assert.True(t, res.Vault.Reachable)
	assert.Equal(t, "token-coven", res.Vault.TokenName)
	assert.Equal(t, 3600, res.Vault.TokenTTL)
	assert.Equal(t, 1, res.Vault.ServicesCount)
	assert.Equal(t, ModeTokenized, res.Mode)
	assert.Zero(t, res.Operations.Pending)

	_, err := env.broker.Set(ctx, SetRequest{Service: "sonarr", Secrets: map[string]string{"API_KEY": "0123456789abcdef"}})
	require.NoError(t, err)

	res = env.broker.Status(ctx)
	assert.Equal(t, 1, res.Operations.Pending)
}

func TestStatus_VaultDown(t *testing.T) {
	env := setupBroker(t)
	env.vault.SetDown(true)

	res := env.broker.Status(context.Background())
	assert.False(t, res.Vault.Reachable)
	assert.NotEmpty(t, res.Vault.Error)
	assert.NotNil(t, res.Tokens)
}

func TestTokenStats(t *testing.T) {
	env := setupBroker(t)
	env.vault.Put("jellyfin", jellyfin)

	_, err := env.broker.Get(context.Background(), "jellyfin", "")
	require.NoError(t, err)

	stats := env.broker.TokenStats()
	assert.Equal(t, 2, stats.TokensCreated)
	assert.Equal(t, 2, stats.UniqueValues)
	assert.False(t, stats.Expired)
	assert.Greater(t, stats.RemainingSeconds, 0)
}
