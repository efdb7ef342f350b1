// Package jobs holds the translation job model, its SQLite persistence, and
// the state machine that owns every status transition.
//
// The state machine is the single mutation entry point for both update
// channels (polling and webhook push). The one-active-job-per-source
// invariant is enforced at the storage layer by a partial unique index, so
// concurrent job creation cannot race past it.
package jobs
