// ABOUTME: Package metrics exposes Prometheus counters for operations, ceremonies and tool calls
// ABOUTME: Uses a private registry served on the approval server

// Package metrics implements the ledger and authority observer interfaces
// on top of a private Prometheus registry.
package metrics
