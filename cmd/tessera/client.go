package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"tessera/internal/config"
)

// apiClient is a thin HTTP client for the daemon API.
type apiClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

func newAPIClient(cfg *config.Config) *apiClient {
	return &apiClient{
		baseURL:    "http://" + cfg.Paths.APIBind,
		token:      cfg.Paths.APIToken,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// jobView mirrors the daemon's job payload.
type jobView struct {
	ID              int64               `json:"id"`
	InternalID      string              `json:"internalId"`
	RemoteJobID     string              `json:"remoteJobId"`
	SourceFileID    string              `json:"sourceFileId"`
	OwnerID         string              `json:"ownerId"`
	SourceURN       string              `json:"sourceUrn"`
	OutputFormats   []string            `json:"outputFormats"`
	Priority        string              `json:"priority"`
	QualityLevel    string              `json:"qualityLevel"`
	Status          string              `json:"status"`
	Progress        float64             `json:"progress"`
	ProgressMessage string              `json:"progressMessage"`
	Warnings        []string            `json:"warnings"`
	RetryCount      int                 `json:"retryCount"`
	MaxRetries      int                 `json:"maxRetries"`
	ErrorMessage    string              `json:"errorMessage"`
	ErrorCode       string              `json:"errorCode"`
	CreatedAt       time.Time           `json:"createdAt"`
	UpdatedAt       time.Time           `json:"updatedAt"`
	StartedAt       *time.Time          `json:"startedAt"`
	CompletedAt     *time.Time          `json:"completedAt"`
	OutputURNs      map[string][]string `json:"outputUrns"`
	SignedSourceURN string              `json:"signedSourceUrn"`
}

type healthView struct {
	Status        string `json:"status"`
	PID           int    `json:"pid"`
	UptimeSeconds int    `json:"uptimeSeconds"`
	Jobs          struct {
		Total     int `json:"total"`
		Active    int `json:"active"`
		Succeeded int `json:"succeeded"`
		Failed    int `json:"failed"`
		Timeout   int `json:"timeout"`
		Cancelled int `json:"cancelled"`
	} `json:"jobs"`
}

func (c *apiClient) health() (*healthView, error) {
	var out healthView
	if err := c.do(http.MethodGet, "/api/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) listJobs(statusFilter string) ([]jobView, error) {
	path := "/api/translations"
	if statusFilter != "" {
		path += "?status=" + statusFilter
	}
	var out struct {
		Jobs []jobView `json:"jobs"`
	}
	if err := c.do(http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Jobs, nil
}

func (c *apiClient) getJob(id string) (*jobView, error) {
	var out jobView
	if err := c.do(http.MethodGet, "/api/translations/"+id, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) startJob(payload map[string]any) (*jobView, bool, error) {
	var out struct {
		Job     jobView `json:"job"`
		Created bool    `json:"created"`
	}
	if err := c.do(http.MethodPost, "/api/translations", payload, &out); err != nil {
		return nil, false, err
	}
	return &out.Job, out.Created, nil
}

func (c *apiClient) retryJob(id string) (*jobView, error) {
	var out jobView
	if err := c.do(http.MethodPost, "/api/translations/"+id+"/retry", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) cancelJob(id string) (*jobView, error) {
	var out jobView
	if err := c.do(http.MethodPost, "/api/translations/"+id+"/cancel", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) deleteJob(id string) error {
	return c.do(http.MethodDelete, "/api/translations/"+id, nil, nil)
}

func (c *apiClient) do(method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("is tesserad running? %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s", apiErr.Error)
		}
		return fmt.Errorf("daemon returned HTTP %d", resp.StatusCode)
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}
