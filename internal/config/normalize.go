package config

import "strings"

func (c *Config) normalize() error {
	var err error
	if c.Paths.DataDir, err = expandPath(strings.TrimSpace(c.Paths.DataDir)); err != nil {
		return err
	}
	if c.Paths.LogDir, err = expandPath(strings.TrimSpace(c.Paths.LogDir)); err != nil {
		return err
	}

	c.Paths.APIBind = strings.TrimSpace(c.Paths.APIBind)
	c.Paths.APIToken = strings.TrimSpace(c.Paths.APIToken)

	c.Derivative.BaseURL = strings.TrimRight(strings.TrimSpace(c.Derivative.BaseURL), "/")
	c.Derivative.AuthToken = strings.TrimSpace(c.Derivative.AuthToken)
	c.Derivative.Region = strings.ToUpper(strings.TrimSpace(c.Derivative.Region))

	c.Identifier.Secret = strings.TrimSpace(c.Identifier.Secret)
	c.Webhook.SigningSecret = strings.TrimSpace(c.Webhook.SigningSecret)

	normalized := make(map[string]int, len(c.Workflow.FormatTimeouts))
	for format, timeout := range c.Workflow.FormatTimeouts {
		key := strings.ToLower(strings.TrimSpace(format))
		if key == "" {
			continue
		}
		normalized[key] = timeout
	}
	c.Workflow.FormatTimeouts = normalized

	c.Notifications.NtfyTopic = strings.TrimSpace(c.Notifications.NtfyTopic)
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	return nil
}
