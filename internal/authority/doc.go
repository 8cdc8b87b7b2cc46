// Package authority is the only component allowed to approve a pending
// operation. It does so after the human operator completes a WebAuthn
// ceremony with a registered authenticator.
//
// # Ceremonies
//
// Every ceremony has two steps. Begin* issues a challenge bound to a fresh
// session id, a purpose, and (for approvals) an operation id. Finish* takes
// that challenge out of the store before verifying anything, so a captured
// response cannot be replayed, even after a failed verification.
//
//   - Registration: allowed only while no credential exists. Adding a
//     further authenticator is authorized by an assertion from an existing
//     one (enrollment).
//   - Approval: the assertion must come from a registered credential, and
//     the credential's signature counter must strictly increase. The counter
//     is persisted before the ledger records the approval.
//   - Reset: wipes every credential. Over HTTP it needs an assertion from a
//     registered credential. The CLI offers it locally for lost-device
//     recovery. Both paths are audited.
//
// # Persistence
//
// Credentials live in webauthn-credentials.json in the data directory,
// written through docstore. Unlike the ledger, a credential write failure
// fails the ceremony: an unpersisted counter would reopen the replay window.
//
// # HTTP surface
//
// Server exposes the ceremony steps, the operator pages, a status poll and
// health/metrics endpoints. It binds to loopback and refuses requests from
// non-loopback peers.
package authority
