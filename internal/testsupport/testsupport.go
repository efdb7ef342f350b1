// Package testsupport provides shared constructors for package tests.
package testsupport

import (
	"path/filepath"
	"testing"

	"tessera/internal/config"
	"tessera/internal/jobs"
)

// NewConfig returns a validated config rooted in a per-test temp directory.
func NewConfig(t *testing.T) *config.Config {
	t.Helper()

	cfg := config.Default()
	base := t.TempDir()
	cfg.Paths.DataDir = filepath.Join(base, "data")
	cfg.Paths.LogDir = filepath.Join(base, "logs")
	cfg.Identifier.Secret = "test-identifier-secret"
	cfg.Webhook.SigningSecret = "test-webhook-secret"
	cfg.Derivative.AuthToken = "test-token"
	cfg.Workflow.PollInterval = 1
	cfg.Workflow.StrictInvariants = true

	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("ensure directories: %v", err)
	}
	return &cfg
}

// MustOpenStore opens a job store in the config's data directory and closes
// it when the test finishes.
func MustOpenStore(t *testing.T, cfg *config.Config) *jobs.Store {
	t.Helper()

	store, err := jobs.Open(cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close store: %v", err)
		}
	})
	return store
}
