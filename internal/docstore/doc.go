// Package docstore persists small JSON documents that several processes share.
//
// Each document lives in one file wrapped in a {"version", "data"} envelope.
// Readers take a shared flock on a sidecar ".lock" file; writers take an
// exclusive one and perform read-modify-write inside that single critical
// section, writing to a temp file and renaming it into place. The version
// increments on every write.
//
// A document that fails to parse is moved aside to "<name>.corrupt-<unix>"
// and treated as empty rather than blocking every later write.
package docstore
