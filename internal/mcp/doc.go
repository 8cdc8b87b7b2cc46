// Package mcp exposes the secrets broker to agents as Model Context Protocol tools.
//
// # Transport
//
// The server speaks MCP over stdio using github.com/mark3labs/mcp-go. Stdout
// carries the protocol, so everything else the process writes goes to stderr.
//
// # Tools
//
//   - vault_status: vault reachability, token session and pending approvals
//   - vault_list: service names, or the key names of one service
//   - vault_get: a service bundle in the configured security mode
//   - vault_set: create or update secrets behind a security-key approval
//   - vault_scan_env, vault_scan_compose: migrate secrets out of local files
//   - vault_inject: write a local secrets file with tokens resolved
//   - vault_token_stats: the token session counters
//
// Results are JSON text. Failures are returned as tool errors whose text is
// produced by broker.Explain, so the agent always learns the next step.
//
// # Approval flow
//
// vault_set and the scan tools are called twice. The first call returns an
// approval_token and an approval_url for the human; the second call repeats
// the arguments with approval_token set once the human has approved.
package mcp
