// Package dedupe provides a time-bounded guard that lets each approval
// handle execute at most once within a process.
package dedupe
