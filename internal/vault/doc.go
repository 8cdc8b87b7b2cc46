// ABOUTME: Package vault is a small client for a HashiCorp Vault KV v2 secrets engine
// ABOUTME: Reads, writes and lists per-service secret bundles under a configured path prefix

// Package vault talks to the secret store that coven-vault brokers access to.
// Every service's secrets live in one KV v2 entry at
// <mount>/data/<prefix>/<service>; listing goes through the metadata API.
package vault
