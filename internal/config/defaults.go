package config

const (
	defaultDataDir               = "~/.local/share/tessera"
	defaultLogDir                = "~/.local/share/tessera/logs"
	defaultAPIBind               = "127.0.0.1:7823"
	defaultDerivativeBaseURL     = "https://developer.api.autodesk.com/modelderivative/v2"
	defaultDerivativeTimeout     = 30
	defaultDerivativeRegion      = "US"
	defaultWebhookMaxRetries     = 3
	defaultWorkflowPollInterval  = 10
	defaultWorkflowTimeout       = 1800
	defaultWorkflowMaxRetries    = 3
	defaultWorkflowRetentionDays = 30
	defaultNotifyRequestTimeout  = 10
	defaultLogFormat             = "console"
	defaultLogLevel              = "info"
	defaultThumbnailTimeout      = 600
	defaultMeshExportTimeout     = 3600
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir: defaultDataDir,
			LogDir:  defaultLogDir,
			APIBind: defaultAPIBind,
		},
		Derivative: Derivative{
			BaseURL:        defaultDerivativeBaseURL,
			RequestTimeout: defaultDerivativeTimeout,
			Region:         defaultDerivativeRegion,
		},
		Webhook: Webhook{
			MaxRetries: defaultWebhookMaxRetries,
		},
		Workflow: Workflow{
			PollInterval:   defaultWorkflowPollInterval,
			DefaultTimeout: defaultWorkflowTimeout,
			FormatTimeouts: map[string]int{
				"thumbnail": defaultThumbnailTimeout,
				"stl":       defaultMeshExportTimeout,
				"obj":       defaultMeshExportTimeout,
			},
			MaxRetries:    defaultWorkflowMaxRetries,
			RetentionDays: defaultWorkflowRetentionDays,
		},
		Notifications: Notifications{
			RequestTimeout: defaultNotifyRequestTimeout,
			Completion:     true,
			Errors:         true,
		},
		Logging: Logging{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
	}
}
