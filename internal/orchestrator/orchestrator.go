package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tessera/internal/config"
	"tessera/internal/identifier"
	"tessera/internal/jobs"
	"tessera/internal/logging"
	"tessera/internal/notifications"
	"tessera/internal/services"
	"tessera/internal/services/derivative"
)

// Gateway is the remote translation service surface the orchestrator needs.
// Satisfied by *derivative.Client; tests substitute fakes.
type Gateway interface {
	Submit(ctx context.Context, req derivative.SubmitRequest) (*derivative.SubmitResult, error)
	Status(ctx context.Context, remoteJobID string) (jobs.StatusUpdate, error)
	Manifest(ctx context.Context, remoteJobID string) (*derivative.Manifest, error)
	Cancel(ctx context.Context, remoteJobID string) error
}

// PostProcessor runs after a job reaches SUCCESS with its manifest in hand.
// Metadata extraction and thumbnail capture hang off this hook.
type PostProcessor interface {
	Name() string
	ProcessResults(ctx context.Context, job *jobs.Job, manifest *derivative.Manifest) error
}

// Orchestrator drives translation jobs from submission to a terminal state.
// Each active job owns one monitor goroutine; the state machine arbitrates
// between the monitor's polling and the webhook channel.
type Orchestrator struct {
	store    *jobs.Store
	machine  *jobs.StateMachine
	gateway  Gateway
	notifier notifications.Notifier
	cfg      *config.Config
	logger   *slog.Logger

	processors []PostProcessor

	rootCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	monitors map[int64]context.CancelFunc
	wg       sync.WaitGroup
	closed   bool
}

// New constructs the orchestrator. Close must be called to join monitors.
func New(cfg *config.Config, store *jobs.Store, machine *jobs.StateMachine, gateway Gateway, notifier notifications.Notifier, logger *slog.Logger) *Orchestrator {
	if notifier == nil {
		notifier = notifications.Nop{}
	}
	rootCtx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:    store,
		machine:  machine,
		gateway:  gateway,
		notifier: notifier,
		cfg:      cfg,
		logger:   logging.WithComponent(logger, "orchestrator"),
		rootCtx:  rootCtx,
		cancel:   cancel,
		monitors: make(map[int64]context.CancelFunc),
	}
}

// AddPostProcessor registers a success hook. Not safe to call after monitors
// have started.
func (o *Orchestrator) AddPostProcessor(p PostProcessor) {
	o.processors = append(o.processors, p)
}

// StartRequest describes one translation submission from the API surface.
type StartRequest struct {
	SourceURN     string
	OwnerID       string
	Formats       []string
	Quality       string
	Priority      jobs.Priority
	CustomOptions map[string]map[string]any
	MaxRetries    int
}

// Start submits a translation job. When the source file already has an active
// job the existing one is returned and created is false; repeated submissions
// are idempotent, not an error.
func (o *Orchestrator) Start(ctx context.Context, req StartRequest) (job *jobs.Job, created bool, err error) {
	if err := identifier.Validate(req.SourceURN); err != nil {
		return nil, false, err
	}
	bucket, object, err := identifier.Split(req.SourceURN)
	if err != nil {
		return nil, false, err
	}
	sourceFileID := bucket + "/" + object

	if existing, err := o.store.ActiveBySource(ctx, sourceFileID); err != nil {
		return nil, false, err
	} else if existing != nil {
		o.logger.Info("submission joined existing active job",
			logging.Int64(logging.FieldJobID, existing.ID),
			logging.String(logging.FieldSourceID, sourceFileID),
		)
		return existing, false, nil
	}

	submitted, err := o.gateway.Submit(ctx, derivative.SubmitRequest{
		SourceURN: req.SourceURN,
		Formats:   req.Formats,
		Quality:   req.Quality,
		Overrides: req.CustomOptions,
	})
	if err != nil {
		return nil, false, err
	}

	maxRetries := req.MaxRetries
	if maxRetries <= 0 {
		maxRetries = o.cfg.Workflow.MaxRetries
	}
	job, err = o.store.Create(ctx, jobs.NewJobParams{
		SourceFileID:  sourceFileID,
		OwnerID:       req.OwnerID,
		SourceURN:     req.SourceURN,
		RemoteJobID:   submitted.RemoteJobID,
		OutputFormats: req.Formats,
		Priority:      req.Priority,
		QualityLevel:  req.Quality,
		CustomOptions: flattenOverrides(req.CustomOptions),
		MaxRetries:    maxRetries,
	})
	if err == jobs.ErrActiveJobExists {
		// Lost a creation race. The duplicate remote submission is cancelled
		// best effort and the winner's job is returned.
		if cancelErr := o.gateway.Cancel(ctx, submitted.RemoteJobID); cancelErr != nil {
			o.logger.Warn("could not cancel duplicate remote submission",
				logging.String(logging.FieldRemoteJob, submitted.RemoteJobID),
				logging.Error(cancelErr),
			)
		}
		existing, getErr := o.store.ActiveBySource(ctx, sourceFileID)
		if getErr != nil {
			return nil, false, getErr
		}
		if existing == nil {
			return nil, false, services.Wrap(services.ErrConflict, "orchestrator", "start",
				fmt.Sprintf("active job for %s vanished during creation race", sourceFileID), nil)
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	o.logger.Info("translation job created",
		logging.Int64(logging.FieldJobID, job.ID),
		logging.String(logging.FieldSourceID, sourceFileID),
		logging.String(logging.FieldRemoteJob, submitted.RemoteJobID),
	)
	o.startMonitor(job.ID)
	return job, true, nil
}

// ResumeActive re-attaches monitors to jobs that were active when the daemon
// last stopped.
func (o *Orchestrator) ResumeActive(ctx context.Context) error {
	active, err := o.store.List(ctx, jobs.ActiveStatuses...)
	if err != nil {
		return err
	}
	for _, job := range active {
		o.logger.Info("resuming monitor for active job", logging.Int64(logging.FieldJobID, job.ID))
		o.startMonitor(job.ID)
	}
	return nil
}

// Retry re-arms a FAILED or TIMEOUT job on operator request. Unlike the
// automatic path it runs immediately, without backoff.
func (o *Orchestrator) Retry(ctx context.Context, jobID int64) (*jobs.Job, error) {
	job, err := o.machine.Retry(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if err := o.resubmit(ctx, job); err != nil {
		// A re-armed job with no remote counterpart and no monitor would
		// block its source forever; fail it so the record stays retryable.
		if _, applyErr := o.machine.Apply(ctx, jobID, jobs.StatusUpdate{
			Status:    jobs.StatusFailed,
			Message:   err.Error(),
			ErrorCode: "resubmit_failed",
		}); applyErr != nil {
			o.logger.Error("could not record re-submission failure",
				logging.Int64(logging.FieldJobID, jobID),
				logging.Error(applyErr),
			)
		}
		return nil, err
	}
	o.startMonitor(job.ID)
	return o.store.GetByID(ctx, jobID)
}

// Cancel stops a job's monitor, asks the remote service to abandon it, and
// forces the CANCELLED terminal state.
func (o *Orchestrator) Cancel(ctx context.Context, jobID int64, reason string) error {
	job, err := o.store.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return services.Wrap(services.ErrNotFound, "orchestrator", "cancel", fmt.Sprintf("job %d", jobID), nil)
	}
	if job.Status.IsTerminal() {
		return services.Wrap(services.ErrConflict, "orchestrator", "cancel",
			fmt.Sprintf("job %d already %s", jobID, job.Status), nil)
	}

	o.stopMonitor(jobID)
	if job.RemoteJobID != "" {
		if err := o.gateway.Cancel(ctx, job.RemoteJobID); err != nil {
			o.logger.Warn("remote cancel failed",
				logging.Int64(logging.FieldJobID, jobID),
				logging.Error(err),
			)
		}
	}
	if reason == "" {
		reason = "Cancelled by operator"
	}
	applied, err := o.machine.Cancel(ctx, jobID, reason)
	if err != nil {
		return err
	}
	if applied {
		o.logger.Info("job cancelled", logging.Int64(logging.FieldJobID, jobID))
	}
	return nil
}

// GetJob returns a job by local identifier.
func (o *Orchestrator) GetJob(ctx context.Context, jobID int64) (*jobs.Job, error) {
	return o.store.GetByID(ctx, jobID)
}

// GetStatus returns the read-side status projection for a job.
func (o *Orchestrator) GetStatus(ctx context.Context, jobID int64) (*jobs.StatusInfo, error) {
	job, err := o.store.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, services.Wrap(services.ErrNotFound, "orchestrator", "status", fmt.Sprintf("job %d", jobID), nil)
	}
	info := job.Info()
	return &info, nil
}

// ListJobs returns jobs filtered by the given statuses.
func (o *Orchestrator) ListJobs(ctx context.Context, statuses ...jobs.Status) ([]*jobs.Job, error) {
	return o.store.List(ctx, statuses...)
}

// Stats reports job counts per status.
func (o *Orchestrator) Stats(ctx context.Context) (jobs.Stats, error) {
	return o.store.CountStats(ctx)
}

// Close stops every monitor and waits for them to exit.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	o.cancel()
	o.wg.Wait()
}

func (o *Orchestrator) startMonitor(jobID int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	if _, running := o.monitors[jobID]; running {
		return
	}
	ctx, cancel := context.WithCancel(o.rootCtx)
	o.monitors[jobID] = cancel
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.finishMonitor(jobID)
		o.monitor(ctx, jobID)
	}()
}

func (o *Orchestrator) stopMonitor(jobID int64) {
	o.mu.Lock()
	cancel, ok := o.monitors[jobID]
	if ok {
		delete(o.monitors, jobID)
	}
	o.mu.Unlock()
	if ok {
		cancel()
	}
}

func (o *Orchestrator) finishMonitor(jobID int64) {
	o.mu.Lock()
	if cancel, ok := o.monitors[jobID]; ok {
		delete(o.monitors, jobID)
		cancel()
	}
	o.mu.Unlock()
	o.machine.ReleaseJob(jobID)
}

// resubmit pushes a re-armed job back to the remote service and records the
// fresh remote identifier.
func (o *Orchestrator) resubmit(ctx context.Context, job *jobs.Job) error {
	submitted, err := o.gateway.Submit(ctx, derivative.SubmitRequest{
		SourceURN: job.SourceURN,
		Formats:   job.OutputFormats,
		Quality:   job.QualityLevel,
		Overrides: parseOverrides(job.CustomOptionsJSON),
	})
	if err != nil {
		return err
	}
	return o.machine.AssignRemoteJob(ctx, job.ID, submitted.RemoteJobID)
}

// retryDelay is the capped exponential backoff before automatic
// re-submission.
func retryDelay(retryCount int) time.Duration {
	seconds := 60 * (1 << retryCount)
	if seconds > 300 {
		seconds = 300
	}
	return time.Duration(seconds) * time.Second
}
