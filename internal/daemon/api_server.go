package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"tessera/internal/config"
	"tessera/internal/jobs"
	"tessera/internal/logging"
	"tessera/internal/orchestrator"
	"tessera/internal/services"
)

const (
	// SignatureHeader carries the webhook HMAC over the raw body.
	SignatureHeader = "X-Tessera-Signature"

	maxWebhookBody = 1 << 20
	maxRequestBody = 256 << 10
)

// APIServer exposes the daemon's HTTP surface: job management under bearer
// auth and the webhook ingest route authenticated by signature instead.
type APIServer struct {
	cfg    *config.Config
	daemon *Daemon
	logger *slog.Logger
	server *http.Server
}

// NewAPIServer builds the API server without binding the listener.
func NewAPIServer(cfg *config.Config, d *Daemon, logger *slog.Logger) *APIServer {
	s := &APIServer{
		cfg:    cfg,
		daemon: d,
		logger: logging.WithComponent(logger, "api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/translations", s.requireAuth(s.handleStart))
	mux.HandleFunc("GET /api/translations", s.requireAuth(s.handleList))
	mux.HandleFunc("GET /api/translations/{id}", s.requireAuth(s.handleGet))
	mux.HandleFunc("GET /api/translations/{id}/status", s.requireAuth(s.handleStatus))
	mux.HandleFunc("POST /api/translations/{id}/retry", s.requireAuth(s.handleRetry))
	mux.HandleFunc("POST /api/translations/{id}/cancel", s.requireAuth(s.handleCancel))
	mux.HandleFunc("DELETE /api/translations/{id}", s.requireAuth(s.handleDelete))
	mux.HandleFunc("POST /api/webhooks/translation", s.handleWebhook)
	mux.HandleFunc("GET /api/status", s.requireAuth(s.handleHealth))

	s.server = &http.Server{
		Addr:         cfg.Paths.APIBind,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
	return s
}

// Handler exposes the routed handler for tests.
func (s *APIServer) Handler() http.Handler {
	return s.server.Handler
}

// Start binds and serves in the background.
func (s *APIServer) Start() error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
			s.logger.Error("api server failed", logging.Error(err))
		}
	}()
	// Give an immediate bind failure a moment to surface.
	select {
	case err := <-errCh:
		return fmt.Errorf("api listen on %s: %w", s.cfg.Paths.APIBind, err)
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop drains in-flight requests.
func (s *APIServer) Stop(ctx context.Context) {
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Warn("api shutdown incomplete", logging.Error(err))
	}
}

type startRequestPayload struct {
	SourceURN  string                    `json:"sourceUrn"`
	OwnerID    string                    `json:"ownerId"`
	Formats    []string                  `json:"formats"`
	Quality    string                    `json:"quality"`
	Priority   string                    `json:"priority"`
	Options    map[string]map[string]any `json:"options"`
	MaxRetries int                       `json:"maxRetries"`
}

func (s *APIServer) handleStart(w http.ResponseWriter, r *http.Request) {
	var payload startRequestPayload
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&payload); err != nil {
		s.respondError(w, services.Wrap(services.ErrValidation, "api", "start", "malformed request body", err))
		return
	}
	priority, _ := jobs.ParsePriority(payload.Priority)

	job, created, err := s.daemon.orch.Start(r.Context(), orchestrator.StartRequest{
		SourceURN:     payload.SourceURN,
		OwnerID:       payload.OwnerID,
		Formats:       payload.Formats,
		Quality:       payload.Quality,
		Priority:      priority,
		CustomOptions: payload.Options,
		MaxRetries:    payload.MaxRetries,
	})
	if err != nil {
		s.respondError(w, err)
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	s.respondJSON(w, status, map[string]any{
		"job":     s.jobResponse(job),
		"created": created,
	})
}

func (s *APIServer) handleList(w http.ResponseWriter, r *http.Request) {
	var statuses []jobs.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			status, ok := jobs.ParseStatus(part)
			if !ok {
				s.respondError(w, services.Wrap(services.ErrValidation, "api", "list",
					fmt.Sprintf("unknown status %q", part), nil))
				return
			}
			statuses = append(statuses, status)
		}
	}

	items, err := s.daemon.orch.ListJobs(r.Context(), statuses...)
	if err != nil {
		s.respondError(w, err)
		return
	}
	payloads := make([]jobPayload, 0, len(items))
	for _, job := range items {
		payloads = append(payloads, jobPayloadFrom(job))
	}
	s.respondJSON(w, http.StatusOK, map[string]any{"jobs": payloads})
}

func (s *APIServer) handleGet(w http.ResponseWriter, r *http.Request) {
	job, err := s.lookupJob(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, s.jobResponse(job))
}

func (s *APIServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.lookupJob(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, job.Info())
}

func (s *APIServer) handleRetry(w http.ResponseWriter, r *http.Request) {
	job, err := s.lookupJob(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	retried, err := s.daemon.orch.Retry(r.Context(), job.ID)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, s.jobResponse(retried))
}

func (s *APIServer) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, err := s.lookupJob(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if err := s.daemon.orch.Cancel(r.Context(), job.ID, "Cancelled via API"); err != nil {
		s.respondError(w, err)
		return
	}
	updated, err := s.daemon.orch.GetJob(r.Context(), job.ID)
	if err != nil || updated == nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, s.jobResponse(updated))
}

func (s *APIServer) handleDelete(w http.ResponseWriter, r *http.Request) {
	job, err := s.lookupJob(r)
	if err != nil {
		s.respondError(w, err)
		return
	}
	if !job.Status.IsTerminal() {
		s.respondError(w, services.Wrap(services.ErrConflict, "api", "delete",
			fmt.Sprintf("job %d is still %s", job.ID, job.Status), nil))
		return
	}
	if _, err := s.daemon.store.Delete(r.Context(), job.ID); err != nil {
		s.respondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *APIServer) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		s.respondError(w, services.Wrap(services.ErrValidation, "api", "webhook", "read body", err))
		return
	}
	result, err := s.daemon.ingestor.Handle(r.Context(), body, r.Header.Get(SignatureHeader))
	if err != nil {
		s.respondError(w, err)
		return
	}
	// Exhausted processing still answers 200: the sender must not retry a
	// delivery that is already on the receipt ledger.
	s.respondJSON(w, http.StatusOK, map[string]any{
		"eventId": result.EventID,
		"outcome": result.Outcome,
	})
}

func (s *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.daemon.orch.Stats(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"pid":           os.Getpid(),
		"uptimeSeconds": int(time.Since(s.daemon.startedAt).Seconds()),
		"jobs": map[string]any{
			"total":     stats.Total,
			"active":    stats.Active,
			"succeeded": stats.Succeeded,
			"failed":    stats.Failed,
			"timeout":   stats.Timeout,
			"cancelled": stats.Cancelled,
		},
	})
}

// lookupJob resolves the {id} path segment, accepting either the numeric
// local identifier or the stable internal UUID.
func (s *APIServer) lookupJob(r *http.Request) (*jobs.Job, error) {
	raw := r.PathValue("id")
	var (
		job *jobs.Job
		err error
	)
	if id, parseErr := strconv.ParseInt(raw, 10, 64); parseErr == nil {
		job, err = s.daemon.store.GetByID(r.Context(), id)
	} else {
		job, err = s.daemon.store.GetByInternalID(r.Context(), raw)
	}
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, services.Wrap(services.ErrNotFound, "api", "lookup", fmt.Sprintf("job %s", raw), nil)
	}
	return job, nil
}

type jobPayload struct {
	ID              int64               `json:"id"`
	InternalID      string              `json:"internalId"`
	RemoteJobID     string              `json:"remoteJobId,omitempty"`
	SourceFileID    string              `json:"sourceFileId"`
	OwnerID         string              `json:"ownerId,omitempty"`
	SourceURN       string              `json:"sourceUrn"`
	OutputFormats   []string            `json:"outputFormats"`
	Priority        jobs.Priority       `json:"priority"`
	QualityLevel    string              `json:"qualityLevel,omitempty"`
	Status          jobs.Status         `json:"status"`
	Progress        float64             `json:"progress"`
	ProgressMessage string              `json:"progressMessage,omitempty"`
	Warnings        []string            `json:"warnings,omitempty"`
	RetryCount      int                 `json:"retryCount"`
	MaxRetries      int                 `json:"maxRetries"`
	ErrorMessage    string              `json:"errorMessage,omitempty"`
	ErrorCode       string              `json:"errorCode,omitempty"`
	CreatedAt       time.Time           `json:"createdAt"`
	UpdatedAt       time.Time           `json:"updatedAt"`
	StartedAt       *time.Time          `json:"startedAt,omitempty"`
	CompletedAt     *time.Time          `json:"completedAt,omitempty"`
	OutputURNs      map[string][]string `json:"outputUrns,omitempty"`

	// SignedSourceURN is a time-limited reference to the source, usable by
	// collaborators without granting them the raw identifier namespace.
	SignedSourceURN string `json:"signedSourceUrn,omitempty"`
}

// signedReferenceTTL bounds how long a shared source reference stays valid.
const signedReferenceTTL = time.Hour

func jobPayloadFrom(job *jobs.Job) jobPayload {
	payload := jobPayload{
		ID:              job.ID,
		InternalID:      job.InternalID,
		RemoteJobID:     job.RemoteJobID,
		SourceFileID:    job.SourceFileID,
		OwnerID:         job.OwnerID,
		SourceURN:       job.SourceURN,
		OutputFormats:   job.OutputFormats,
		Priority:        job.Priority,
		QualityLevel:    job.QualityLevel,
		Status:          job.Status,
		Progress:        job.Progress,
		ProgressMessage: job.ProgressMessage,
		Warnings:        job.Warnings,
		RetryCount:      job.RetryCount,
		MaxRetries:      job.MaxRetries,
		ErrorMessage:    job.ErrorMessage,
		ErrorCode:       job.ErrorCode,
		CreatedAt:       job.CreatedAt,
		UpdatedAt:       job.UpdatedAt,
		StartedAt:       job.StartedAt,
		CompletedAt:     job.CompletedAt,
	}
	if outputs := job.OutputURNs(); len(outputs) > 0 {
		payload.OutputURNs = outputs
	}
	return payload
}

func (s *APIServer) jobResponse(job *jobs.Job) jobPayload {
	payload := jobPayloadFrom(job)
	if s.daemon.codec != nil {
		if signed, err := s.daemon.codec.Sign(job.SourceURN, signedReferenceTTL); err == nil {
			payload.SignedSourceURN = signed
		}
	}
	return payload
}

func (s *APIServer) respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("response encoding failed", logging.Error(err))
	}
}

func (s *APIServer) respondError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, services.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, services.ErrAuth):
		status = http.StatusUnauthorized
	case errors.Is(err, services.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, services.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, services.ErrTimeout):
		status = http.StatusGatewayTimeout
	case errors.Is(err, services.ErrRemote), errors.Is(err, services.ErrTransient):
		status = http.StatusBadGateway
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", logging.Error(err))
	}
	s.respondJSON(w, status, map[string]string{"error": err.Error()})
}
