// Package gateway wires the coven-vault components together.
//
// # Overview
//
// The Gateway owns every long-lived component of one process:
//
//	type Gateway struct {
//	    config    *config.Config
//	    store     *store.SQLiteStore    // audit log and migration state
//	    ledger    *ledger.Ledger        // pending operations, shared across processes
//	    tokens    *tokenvault.Vault     // per-process token session
//	    metrics   *metrics.Metrics
//	    authority *authority.Authority  // WebAuthn approvals
//	    broker    *broker.Broker        // tool orchestration, built on demand
//	}
//
// # Processes
//
// RunApproval serves the approval pages only. RunMCP speaks MCP on stdio and,
// unless approval.embedded is false, serves the approval pages alongside it.
// When the approval port is already taken, typically by a separate serve
// process on the same data directory, the MCP process logs a warning and
// relies on that process: both see the same ledger.
//
// The broker needs a reachable vault and a token, so it is only built by
// RunMCP and Broker. Commands that manage credentials or read history work
// without vault access.
package gateway
