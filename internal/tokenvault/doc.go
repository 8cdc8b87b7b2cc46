// Package tokenvault maps secret values to opaque, session-scoped reference
// tokens so an agent can carry and echo secrets without ever seeing them.
//
// A token has the fixed form "@token-" followed by sixteen lowercase hex
// characters drawn from crypto/rand; it carries no information about the
// value. Equal values tokenized in one session share one token. Every
// operation fails with ErrSessionExpired once the session's hard deadline has
// passed; the deadline is never extended.
//
// Vault is safe for concurrent use and performs no I/O.
package tokenvault
