// Package config handles configuration loading for coven-vault.
//
// # Overview
//
// Configuration comes from an optional YAML file, then VAULT_* environment
// variables, then built-in defaults. A missing file is not an error: every
// setting has a default suitable for a single operator on one machine.
//
// # Configuration File
//
// Default location:
//
//  1. Path from COVEN_VAULT_CONFIG environment variable
//  2. ~/.config/coven/vault.yaml
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	vault:
//	  token: "${VAULT_TOKEN}"
//
// Syntax: ${VAR_NAME}
//
// # Environment Overrides
//
// These take precedence over the file:
//
//	VAULT_APPROVE_PORT       approval.port
//	VAULT_APPROVE_DOMAIN     approval.domain
//	VAULT_APPROVE_ORIGIN     approval.origin
//	VAULT_TOKEN_SESSION_TTL  tokens.session_ttl, in seconds
//	VAULT_SECURITY_MODE      security.mode
//	VAULT_ADDR               vault.addr
//	VAULT_TOKEN              vault.token
//	VAULT_NAMESPACE          vault.namespace
//	COVEN_VAULT_DIR          data_dir
//
// # Configuration Sections
//
//	data_dir: "~/.coven-vault"   # ledger, credentials, audit.db
//
//	approval:
//	  listen: "127.0.0.1"        # must be loopback
//	  port: 8091
//	  domain: "localhost"
//	  origin: "http://localhost:8091"
//	  embedded: true             # serve approvals from the mcp process
//
//	vault:
//	  addr: "https://vault.internal:8200"
//	  token: "${VAULT_TOKEN}"
//	  mount: "secret"
//	  prefix: "proxmox-services"
//	  timeout: "10s"
//
//	tokens:
//	  session_ttl: "2h"
//
//	security:
//	  mode: "tokenized"          # tokenized, redacted, plaintext
//	  services_root: "/opt/services"
//	  allowed_roots: ["/opt/services"]
//	  allowlist: "~/.coven-vault/allowlist.toml"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
//	metrics:
//	  enabled: false
//	  path: "/metrics"
//
// # Validation
//
// Load() rejects non-loopback listen addresses, origins that are not http or
// https URLs, unknown security modes and malformed durations.
package config
