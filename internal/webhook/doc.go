// Package webhook ingests push notifications from the remote translation
// service: HMAC signature verification, content-derived event identifiers,
// a receipt ledger for exactly-once application, and a fixed retry schedule
// for transient processing failures.
package webhook
