// Package derivative is the HTTP gateway to the remote model derivative
// service: job submission with per-format configuration, status polling,
// manifest retrieval, and best-effort cancellation.
package derivative
