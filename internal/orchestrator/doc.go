// Package orchestrator drives translation jobs end to end: submission to the
// remote service, per-job polling monitors with jitter and wall clock
// timeouts, automatic capped-backoff retries, result capture on success, and
// operator retry/cancel.
package orchestrator
