// Package broker implements the agent-facing secret operations.
//
// # Overview
//
// Every tool call enters through a Broker method. Reads and local writes run
// directly; anything that would move plaintext between the agent and the
// secret store goes through the three-phase approval protocol:
//
//  1. The agent calls without an approval token. The broker validates the
//     request, records a pending operation in the ledger and returns an
//     approval URL. The agent sees key names and tokens only.
//  2. The operator opens the URL and approves with a WebAuthn ceremony.
//  3. The agent repeats the call with approval_token set to the operation
//     id. The broker checks the approval, executes the approved payload,
//     retires the operation and records audit and migration state.
//
// # Security Modes
//
// Values read back from the store are shaped by the configured mode:
//
//   - tokenized: sensitive values are replaced with session tokens
//   - redacted: only key names are returned
//   - plaintext: values are returned as they are
//
// # Errors
//
// Methods return sentinel or typed errors. Explain turns any of them into a
// message telling the agent which link to open or which call to repeat.
package broker
