// Package ledger records operations awaiting human approval and shares them
// between the tool process that creates them and the approval server that
// approves them.
//
// An Operation is identified by an unguessable handle, expires five minutes
// after creation, may be approved exactly once, and is retired into an
// append-only history after it executes. The pending set and the history are
// each a docstore document, so every mutation is a single load-merge-write
// under an exclusive file lock and concurrent writers never lose each
// other's updates.
//
// Disk failures never fail a call. They are logged as persistence warnings
// and the affected operations are held in memory and merged into every later
// read and write made by this process.
package ledger
