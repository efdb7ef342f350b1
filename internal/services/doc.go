// Package services holds the shared error taxonomy used by components that
// talk to external collaborators. Sentinel errors classify failures for the
// orchestrator's retry policy and for the API layer's status codes.
package services
