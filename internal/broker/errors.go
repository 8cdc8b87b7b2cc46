// ABOUTME: Broker error values and the mapping of every failure to an actionable message for the agent
// ABOUTME: Messages say which link to open or which call to repeat and never include secret values

package broker

import (
	"errors"
	"fmt"
	"strings"

	"github.com/2389/coven-vault/internal/dedupe"
	"github.com/2389/coven-vault/internal/ledger"
	"github.com/2389/coven-vault/internal/tokenvault"
	"github.com/2389/coven-vault/internal/vault"
)

var (
	ErrNoSecrets         = errors.New("no secrets given")
	ErrOperationMismatch = errors.New("approval token belongs to a different request")
	ErrPayloadMismatch   = errors.New("secrets differ from the approved payload")
	ErrNoSecretsFound    = errors.New("no environment variables found")
)

// KeyNotFoundError reports a key missing from a service bundle.
type KeyNotFoundError struct {
	Service   string
	Key       string
	Available []string
}

func (e *KeyNotFoundError) Error() string {
	return fmt.Sprintf("key %q not found in service %q", e.Key, e.Service)
}

// Explain renders err as guidance for the agent. It is the only text an MCP
// client sees for a failed call.
func Explain(err error) string {
	if err == nil {
		return ""
	}

	var (
		validation *ValidationError
		keyMissing *KeyNotFoundError
		unknownTok *tokenvault.UnknownTokenError
		httpErr    *vault.HTTPError
	)

	switch {
	case errors.As(err, &validation):
		return "Validation error: " + validation.Error() + "."

	case errors.As(err, &keyMissing):
		return fmt.Sprintf("Key %q not found in service %q.\n\nAvailable keys: %s",
			keyMissing.Key, keyMissing.Service, strings.Join(keyMissing.Available, ", "))

	case errors.Is(err, ledger.ErrNotApproved):
		return "Operation not approved yet. Open the approval link, approve with your security key, " +
			"then repeat this call with the same approval_token."

	case errors.Is(err, ledger.ErrOperationExpired):
		return "The approval window for this operation has closed. " +
			"Repeat the call without approval_token to request a new approval."

	case errors.Is(err, ledger.ErrOperationNotFound):
		return "No pending operation matches this approval_token. It may already have been used or have expired. " +
			"Repeat the call without approval_token to request a new approval."

	case errors.Is(err, dedupe.ErrInFlight), errors.Is(err, ledger.ErrAlreadyClaimed):
		return "This approval is being executed by another call right now. Wait for that call to finish."

	case errors.Is(err, dedupe.ErrDone):
		return "This approval has already been used. Repeat the call without approval_token to request a new one."

	case errors.Is(err, ErrOperationMismatch):
		return "The approval_token was issued for a different service, action or file. " +
			"Repeat the exact call that produced it, or start over without approval_token."

	case errors.Is(err, ErrPayloadMismatch):
		return "The secrets in this call differ from the ones that were approved, or the stored secrets changed since. " +
			"Repeat the call without approval_token to request approval for the new values."

	case errors.Is(err, ErrNoSecrets):
		return "No secrets given. Pass a non-empty secrets object."

	case errors.Is(err, ErrNoSecretsFound):
		return "The file contains no environment variables to migrate."

	case errors.Is(err, tokenvault.ErrSessionExpired):
		return "The token session has expired and all earlier @token- values are void. " +
			"Call vault_get or a scan tool again to obtain fresh tokens."

	case errors.As(err, &unknownTok):
		return fmt.Sprintf("Token %s was not issued in this session. "+
			"Use only tokens returned by vault_get or the scan tools since the server started.", unknownTok.Token)

	case errors.Is(err, vault.ErrNotFound):
		return "Service not found in the vault. Use vault_list to see the services that exist."

	case errors.Is(err, vault.ErrPermissionDenied):
		return "The vault token lacks permission for this path. Check the policies attached to VAULT_TOKEN."

	case errors.Is(err, vault.ErrTimeout), errors.Is(err, vault.ErrUnreachable):
		return "Cannot reach the vault: " + err.Error() + ". Check VAULT_ADDR and that the vault is unsealed."

	case errors.As(err, &httpErr):
		return fmt.Sprintf("The vault rejected the request with HTTP %d.", httpErr.Status)

	case errors.Is(err, ErrPathNotAllowed):
		return "File access denied: " + err.Error() + ". Only files under the configured allowed roots may be used."

	case errors.Is(err, ErrSymlink):
		return "File access denied: " + err.Error() + ". Pass the real path instead of a symlink."

	case errors.Is(err, ErrFileTooLarge):
		return "File rejected: " + err.Error() + "."

	case errors.Is(err, ErrFileNotFound):
		return "File not found: " + strings.TrimPrefix(err.Error(), ErrFileNotFound.Error()+": ") +
			". Pass file_path explicitly if the file lives elsewhere."
	}

	return "Error: " + err.Error()
}
