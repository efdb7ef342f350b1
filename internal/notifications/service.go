package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"tessera/internal/config"
	"tessera/internal/jobs"
	"tessera/internal/logging"
	"tessera/internal/services"
)

// Notifier publishes operator-facing notifications for job outcomes.
type Notifier interface {
	JobCompleted(ctx context.Context, job *jobs.Job) error
	JobFailed(ctx context.Context, job *jobs.Job) error
}

// Service sends notifications to an ntfy topic.
type Service struct {
	topicURL   string
	completion bool
	errors     bool
	httpClient *http.Client
	logger     *slog.Logger
}

// NewService builds the ntfy notifier. An empty topic yields a disabled
// service that drops everything.
func NewService(cfg *config.Config, logger *slog.Logger) *Service {
	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Service{
		topicURL:   strings.TrimSpace(cfg.Notifications.NtfyTopic),
		completion: cfg.Notifications.Completion,
		errors:     cfg.Notifications.Errors,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logging.WithComponent(logger, "notifications"),
	}
}

// JobCompleted announces a successful translation.
func (s *Service) JobCompleted(ctx context.Context, job *jobs.Job) error {
	if !s.completion {
		return nil
	}
	formats := strings.Join(job.OutputFormats, ", ")
	message := fmt.Sprintf("Translation finished: %s (%s)", job.SourceFileID, formats)
	return s.publish(ctx, "Translation complete", message, "white_check_mark", "3")
}

// JobFailed announces a permanently failed or timed out translation.
func (s *Service) JobFailed(ctx context.Context, job *jobs.Job) error {
	if !s.errors {
		return nil
	}
	message := fmt.Sprintf("Translation %s: %s", job.Status, job.SourceFileID)
	if job.ErrorMessage != "" {
		message += " - " + job.ErrorMessage
	}
	return s.publish(ctx, "Translation failed", message, "rotating_light", "4")
}

func (s *Service) publish(ctx context.Context, title, message, tags, priority string) error {
	if s.topicURL == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.topicURL, strings.NewReader(message))
	if err != nil {
		return services.Wrap(services.ErrTransient, "notifications", "publish", "build request", err)
	}
	req.Header.Set("Title", title)
	req.Header.Set("Tags", tags)
	req.Header.Set("Priority", priority)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return services.Wrap(services.ErrTransient, "notifications", "publish", "send notification", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return services.Wrap(services.ErrTransient, "notifications", "publish",
			fmt.Sprintf("ntfy returned HTTP %d", resp.StatusCode), nil)
	}
	s.logger.Debug("notification sent", logging.String("title", title))
	return nil
}

// Nop is a Notifier that drops everything. Used when notifications are not
// configured and in tests.
type Nop struct{}

func (Nop) JobCompleted(context.Context, *jobs.Job) error { return nil }
func (Nop) JobFailed(context.Context, *jobs.Job) error    { return nil }
