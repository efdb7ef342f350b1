package derivative

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"tessera/internal/config"
	"tessera/internal/identifier"
	"tessera/internal/jobs"
	"tessera/internal/logging"
	"tessera/internal/services"
)

const maxResponseBody = 4 << 20

// Client talks to the remote model derivative service. It is the only
// component that knows the remote wire format; callers deal in jobs types.
type Client struct {
	baseURL    string
	authToken  string
	region     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient builds a gateway client from the derivative section of the
// configuration. The auth token may name a file via the file: prefix.
func NewClient(cfg *config.Config, logger *slog.Logger) (*Client, error) {
	token, err := resolveToken(cfg.Derivative.AuthToken)
	if err != nil {
		return nil, services.Wrap(services.ErrValidation, "derivative", "configure", "resolve auth token", err)
	}
	timeout := time.Duration(cfg.Derivative.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.Derivative.BaseURL, "/"),
		authToken:  token,
		region:     cfg.Derivative.Region,
		httpClient: &http.Client{Timeout: timeout},
		logger:     logging.WithComponent(logger, "derivative"),
	}, nil
}

// WithHTTPClient swaps the underlying HTTP client. Used by tests to point the
// gateway at an httptest server with its own transport.
func (c *Client) WithHTTPClient(httpClient *http.Client) *Client {
	c.httpClient = httpClient
	return c
}

func resolveToken(raw string) (string, error) {
	if path, ok := strings.CutPrefix(raw, "file:"); ok {
		data, err := os.ReadFile(path)
		if err != nil {
			return "", err
		}
		return strings.TrimSpace(string(data)), nil
	}
	return strings.TrimSpace(raw), nil
}

// SubmitRequest describes one translation submission. Overrides are keyed by
// output format name and deep-merged over that format's defaults.
type SubmitRequest struct {
	SourceURN string
	Formats   []string
	Quality   string
	Overrides map[string]map[string]any
}

// SubmitResult carries the remote service's handle for a submitted job.
type SubmitResult struct {
	RemoteJobID string
	EncodedURN  string
	Accepted    []string
}

// Submit registers a translation job with the remote service. The source URN
// is validated and base64-encoded here, and each requested format gets its
// resolved configuration from the format table.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*SubmitResult, error) {
	if err := identifier.Validate(req.SourceURN); err != nil {
		return nil, err
	}
	if len(req.Formats) == 0 {
		return nil, services.Wrap(services.ErrValidation, "derivative", "submit", "no output formats requested", nil)
	}

	sourceExt, err := identifier.ObjectExtension(req.SourceURN)
	if err != nil {
		// Derivative-shaped sources have no object key extension; submit
		// without per-extension tuning.
		sourceExt = ""
	}
	formatConfigs := make([]map[string]any, 0, len(req.Formats))
	for _, format := range req.Formats {
		cfg, err := buildFormatConfig(format, req.Quality, sourceExt, req.Overrides[strings.ToLower(format)])
		if err != nil {
			return nil, err
		}
		formatConfigs = append(formatConfigs, cfg)
	}

	encoded := identifier.Encode(req.SourceURN)
	payload := map[string]any{
		"input": map[string]any{
			"urn": encoded,
		},
		"output": map[string]any{
			"formats": formatConfigs,
			"destination": map[string]any{
				"region": c.region,
			},
		},
	}

	var response struct {
		Result       string   `json:"result"`
		JobID        string   `json:"jobId"`
		URN          string   `json:"urn"`
		AcceptedJobs []string `json:"acceptedJobs"`
	}
	status, err := c.doJSON(ctx, http.MethodPost, "/designdata/job", payload, &response)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return nil, c.statusError("submit", status)
	}

	remoteID := response.JobID
	if remoteID == "" {
		// Older API revisions key the job by the encoded URN instead of a
		// dedicated identifier.
		remoteID = response.URN
	}
	if remoteID == "" {
		remoteID = encoded
	}

	c.logger.Info("translation submitted",
		logging.String(logging.FieldRemoteJob, remoteID),
		logging.String("formats", strings.Join(req.Formats, ",")),
	)
	return &SubmitResult{
		RemoteJobID: remoteID,
		EncodedURN:  encoded,
		Accepted:    response.AcceptedJobs,
	}, nil
}

// Status polls the remote service for one job. An HTTP 202 with an empty body
// means the job is queued with no detail yet; it is reported as in-progress at
// 50 percent, a deliberate midpoint approximation.
func (c *Client) Status(ctx context.Context, remoteJobID string) (jobs.StatusUpdate, error) {
	var response struct {
		Status   string          `json:"status"`
		Progress string          `json:"progress"`
		Region   string          `json:"region"`
		Messages []remoteMessage `json:"messages"`
	}
	status, err := c.doJSONBody(ctx, http.MethodGet, "/designdata/"+url.PathEscape(remoteJobID)+"/status", nil, func(body []byte) error {
		if len(bytes.TrimSpace(body)) == 0 {
			return nil
		}
		return json.Unmarshal(body, &response)
	})
	if err != nil {
		return jobs.StatusUpdate{}, err
	}

	if status == http.StatusAccepted && response.Status == "" {
		return jobs.StatusUpdate{
			Status:   jobs.StatusInProgress,
			Progress: 50,
			Message:  "Translation accepted, awaiting progress detail",
		}, nil
	}
	if status != http.StatusOK && status != http.StatusAccepted {
		return jobs.StatusUpdate{}, c.statusError("status", status)
	}

	upd, err := MapRemoteStatus(response.Status)
	if err != nil {
		return jobs.StatusUpdate{}, err
	}
	upd.Progress = parseProgress(response.Progress, upd.Status)
	upd.Message = strings.TrimSpace(response.Progress)
	for _, msg := range response.Messages {
		switch strings.ToLower(msg.Type) {
		case "warning":
			upd.Warnings = append(upd.Warnings, msg.Text())
		case "error":
			if msg.Code != "" {
				upd.ErrorCode = msg.Code
			}
			if upd.Status == jobs.StatusFailed || upd.Status == jobs.StatusTimeout {
				upd.Message = msg.Text()
			}
		}
	}
	return upd, nil
}

type remoteMessage struct {
	Type    string          `json:"type"`
	Code    string          `json:"code"`
	Message json.RawMessage `json:"message"`
}

// Text flattens the message field, which the remote service sends either as a
// string or as an array of strings.
func (m remoteMessage) Text() string {
	var single string
	if err := json.Unmarshal(m.Message, &single); err == nil {
		return single
	}
	var many []string
	if err := json.Unmarshal(m.Message, &many); err == nil {
		return strings.Join(many, "; ")
	}
	return string(m.Message)
}

// MapRemoteStatus translates the remote service's status vocabulary into the
// local job status enum. Both the polling path and the webhook ingestor use
// it, so the two channels can never disagree on a mapping.
func MapRemoteStatus(remote string) (jobs.StatusUpdate, error) {
	switch strings.ToLower(strings.TrimSpace(remote)) {
	case "success", "complete":
		return jobs.StatusUpdate{Status: jobs.StatusSuccess}, nil
	case "inprogress", "pending":
		return jobs.StatusUpdate{Status: jobs.StatusInProgress}, nil
	case "failed":
		return jobs.StatusUpdate{Status: jobs.StatusFailed, ErrorCode: "translation_failed"}, nil
	case "timeout":
		return jobs.StatusUpdate{Status: jobs.StatusTimeout, ErrorCode: "translation_timeout"}, nil
	default:
		return jobs.StatusUpdate{}, services.Wrap(services.ErrRemote, "derivative", "status",
			fmt.Sprintf("unrecognized remote status %q", remote), nil)
	}
}

// parseProgress handles the remote's "NN% complete" progress strings.
func parseProgress(raw string, status jobs.Status) float64 {
	if status == jobs.StatusSuccess {
		return 100
	}
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.EqualFold(raw, "complete") {
		return 0
	}
	var pct float64
	if _, err := fmt.Sscanf(raw, "%f%%", &pct); err == nil {
		return pct
	}
	if _, err := fmt.Sscanf(raw, "%f", &pct); err == nil {
		return pct
	}
	return 0
}

// Manifest fetches the full derivative manifest for a job. Results are never
// cached here; the orchestrator persists them once on terminal success.
func (c *Client) Manifest(ctx context.Context, remoteJobID string) (*Manifest, error) {
	var raw json.RawMessage
	status, err := c.doJSONBody(ctx, http.MethodGet, "/designdata/"+url.PathEscape(remoteJobID)+"/manifest", nil, func(body []byte) error {
		raw = append(raw[:0], body...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, c.statusError("manifest", status)
	}
	return ParseManifest(raw)
}

// Cancel asks the remote service to stop a job. Best effort: a job the remote
// no longer knows about is not an error.
func (c *Client) Cancel(ctx context.Context, remoteJobID string) error {
	status, err := c.doJSONBody(ctx, http.MethodDelete, "/designdata/"+url.PathEscape(remoteJobID), nil, func([]byte) error { return nil })
	if err != nil {
		return err
	}
	switch status {
	case http.StatusOK, http.StatusNoContent, http.StatusNotFound:
		return nil
	default:
		return c.statusError("cancel", status)
	}
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload any, out any) (int, error) {
	return c.doJSONBody(ctx, method, path, payload, func(body []byte) error {
		if out == nil || len(bytes.TrimSpace(body)) == 0 {
			return nil
		}
		return json.Unmarshal(body, out)
	})
}

func (c *Client) doJSONBody(ctx context.Context, method, path string, payload any, decode func([]byte) error) (int, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return 0, services.Wrap(services.ErrRemote, "derivative", "encode request", method+" "+path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return 0, services.Wrap(services.ErrRemote, "derivative", "build request", method+" "+path, err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		marker := services.ErrTransient
		if errors.Is(err, context.DeadlineExceeded) {
			marker = services.ErrTimeout
		}
		return 0, services.Wrap(marker, "derivative", "request", method+" "+path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return resp.StatusCode, services.Wrap(services.ErrTransient, "derivative", "read response", method+" "+path, err)
	}
	if resp.StatusCode < http.StatusBadRequest {
		if err := decode(data); err != nil {
			return resp.StatusCode, services.Wrap(services.ErrRemote, "derivative", "decode response", method+" "+path, err)
		}
	}
	return resp.StatusCode, nil
}

// statusError maps remote HTTP failures onto the service error markers so
// Retryable sorts permanent rejections from transient ones.
func (c *Client) statusError(operation string, status int) error {
	msg := fmt.Sprintf("remote returned HTTP %d", status)
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return services.Wrap(services.ErrAuth, "derivative", operation, msg, nil)
	case status == http.StatusNotFound:
		return services.Wrap(services.ErrNotFound, "derivative", operation, msg, nil)
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return services.Wrap(services.ErrTimeout, "derivative", operation, msg, nil)
	case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
		return services.Wrap(services.ErrTransient, "derivative", operation, msg, nil)
	case status >= http.StatusBadRequest:
		return services.Wrap(services.ErrValidation, "derivative", operation, msg, nil)
	default:
		return services.Wrap(services.ErrRemote, "derivative", operation, msg, nil)
	}
}
