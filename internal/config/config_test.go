package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoadAppliesDefaults(t *testing.T) {
	// A minimal config carrying only the required secret leaves everything
	// else at the built-in defaults.
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[identifier]\nsecret = \"s\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, _, existed, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !existed {
		t.Fatal("file should exist")
	}
	if cfg.Paths.APIBind != "127.0.0.1:7823" {
		t.Errorf("default api_bind = %q", cfg.Paths.APIBind)
	}
	if cfg.Workflow.PollInterval != 10 || cfg.Workflow.DefaultTimeout != 1800 {
		t.Errorf("workflow defaults = %d/%d", cfg.Workflow.PollInterval, cfg.Workflow.DefaultTimeout)
	}
	if cfg.Workflow.MaxRetries != 3 {
		t.Errorf("default max_retries = %d", cfg.Workflow.MaxRetries)
	}
}

func TestLoadRequiresIdentifierSecret(t *testing.T) {
	_, _, existed, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	if existed {
		t.Fatal("file should not exist")
	}
	if err == nil || !strings.Contains(err.Error(), "identifier.secret") {
		t.Fatalf("missing secret must fail validation, got %v", err)
	}
}

func TestLoadParsesAndNormalizes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[paths]
data_dir = "` + t.TempDir() + `"
log_dir = "` + t.TempDir() + `"
api_token = "  secret-token  "

[identifier]
secret = "unit-test-secret"

[derivative]
base_url = "https://example.test/api/"
region = "emea"

[workflow]
poll_interval = 5

[workflow.format_timeouts]
" STL " = 7200
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, resolved, existed, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !existed || resolved != path {
		t.Fatalf("resolved = %q existed = %v", resolved, existed)
	}
	if cfg.Paths.APIToken != "secret-token" {
		t.Errorf("api_token not trimmed: %q", cfg.Paths.APIToken)
	}
	if cfg.Derivative.BaseURL != "https://example.test/api" {
		t.Errorf("base_url not trimmed of trailing slash: %q", cfg.Derivative.BaseURL)
	}
	if cfg.Derivative.Region != "EMEA" {
		t.Errorf("region not uppercased: %q", cfg.Derivative.Region)
	}
	if cfg.Workflow.PollInterval != 5 {
		t.Errorf("poll_interval = %d", cfg.Workflow.PollInterval)
	}
	if cfg.Workflow.FormatTimeouts["stl"] != 7200 {
		t.Errorf("format timeout key not normalized: %v", cfg.Workflow.FormatTimeouts)
	}
}

func TestLoadRejectsInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	content := `
[workflow]
poll_interval = -1

[logging]
format = "xml"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	_, _, _, err := Load(path)
	if err == nil {
		t.Fatal("expected validation error")
	}
	if !strings.Contains(err.Error(), "poll_interval") || !strings.Contains(err.Error(), "logging.format") {
		t.Errorf("aggregated error missing problems: %v", err)
	}
}

func TestTimeoutForFormats(t *testing.T) {
	cfg := Default()

	tests := []struct {
		name    string
		formats []string
		want    int
	}{
		{"default only", []string{"svf2"}, 1800},
		{"single override", []string{"stl"}, 3600},
		{"max of overrides", []string{"svf2", "stl", "thumbnail"}, 3600},
		{"override below default ignored", []string{"thumbnail"}, 1800},
		{"case insensitive", []string{" STL "}, 3600},
		{"empty set", nil, 1800},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := cfg.TimeoutForFormats(tt.formats); got != tt.want {
				t.Errorf("TimeoutForFormats(%v) = %d, want %d", tt.formats, got, tt.want)
			}
		})
	}
}

func TestCreateSampleRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sub", "config.toml")
	if err := CreateSample(path); err != nil {
		t.Fatalf("CreateSample: %v", err)
	}

	// The pristine sample ships with an empty secret and must say so.
	_, _, _, err := Load(path)
	if err == nil || !strings.Contains(err.Error(), "identifier.secret") {
		t.Fatalf("pristine sample should fail on the empty secret, got %v", err)
	}

	// Filling in the secret is the only edit needed for a clean load.
	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	filled := strings.Replace(string(raw), `secret = ""`, `secret = "sample-secret"`, 1)
	if filled == string(raw) {
		t.Fatal("sample config is missing the secret placeholder")
	}
	if err := os.WriteFile(path, []byte(filled), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, _, existed, err := Load(path); err != nil || !existed {
		t.Fatalf("filled-in sample should load cleanly: existed=%v err=%v", existed, err)
	}
}
