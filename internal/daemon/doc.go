// Package daemon ties the long-running components together: single-instance
// locking, the HTTP API, the webhook ingest route, and retention sweeps.
package daemon
