package config

import (
	"errors"
	"fmt"
	"strings"
)

// Validate reports configuration problems that would prevent the daemon from
// operating correctly. All problems are aggregated into a single error.
func (c *Config) Validate() error {
	var problems []string

	if strings.TrimSpace(c.Paths.DataDir) == "" {
		problems = append(problems, "paths.data_dir must not be empty")
	}
	if strings.TrimSpace(c.Paths.LogDir) == "" {
		problems = append(problems, "paths.log_dir must not be empty")
	}
	if c.Derivative.BaseURL == "" {
		problems = append(problems, "derivative.base_url must not be empty")
	}
	if c.Derivative.RequestTimeout <= 0 {
		problems = append(problems, "derivative.request_timeout must be positive")
	}
	if c.Identifier.Secret == "" {
		problems = append(problems, "identifier.secret must not be empty")
	}
	if c.Workflow.PollInterval <= 0 {
		problems = append(problems, "workflow.poll_interval must be positive")
	}
	if c.Workflow.DefaultTimeout <= 0 {
		problems = append(problems, "workflow.default_timeout must be positive")
	}
	if c.Workflow.MaxRetries < 0 {
		problems = append(problems, "workflow.max_retries must not be negative")
	}
	if c.Workflow.RetentionDays < 0 {
		problems = append(problems, "workflow.retention_days must not be negative")
	}
	for format, timeout := range c.Workflow.FormatTimeouts {
		if timeout <= 0 {
			problems = append(problems, fmt.Sprintf("workflow.format_timeouts.%s must be positive", format))
		}
	}
	if c.Webhook.MaxRetries < 0 {
		problems = append(problems, "webhook.max_retries must not be negative")
	}
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		problems = append(problems, fmt.Sprintf("logging.format %q is not supported (console, json)", c.Logging.Format))
	}

	if len(problems) > 0 {
		return errors.New("invalid configuration: " + strings.Join(problems, "; "))
	}
	return nil
}
