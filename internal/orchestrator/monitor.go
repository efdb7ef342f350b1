package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"math/rand/v2"
	"time"

	"tessera/internal/jobs"
	"tessera/internal/logging"
	"tessera/internal/services"
)

// monitor polls one job until it settles in a terminal state. Webhook
// deliveries may advance or finish the job between polls; the state machine
// resolves whichever channel reports first.
func (o *Orchestrator) monitor(ctx context.Context, jobID int64) {
	log := o.logger.With(logging.Int64(logging.FieldJobID, jobID))

	for {
		job, err := o.store.GetByID(ctx, jobID)
		if err != nil {
			log.Error("monitor cannot load job", logging.Error(err))
			return
		}
		if job == nil {
			log.Warn("monitored job disappeared")
			return
		}
		if job.Status.IsTerminal() {
			if o.handleTerminal(ctx, log, job) {
				continue
			}
			return
		}

		deadline := o.jobDeadline(job)
		if time.Now().After(deadline) {
			// Wall clock deadline, deliberately independent of poll timing:
			// a stalled remote job times out even if every poll succeeds.
			if _, err := o.machine.Apply(ctx, jobID, jobs.StatusUpdate{
				Status:    jobs.StatusTimeout,
				Message:   "Translation exceeded the configured timeout",
				ErrorCode: "monitor_timeout",
			}); err != nil {
				log.Error("could not apply timeout", logging.Error(err))
				return
			}
			continue
		}

		if err := o.sleep(ctx, o.pollWait()); err != nil {
			return
		}

		upd, err := o.gateway.Status(ctx, job.RemoteJobID)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if services.Retryable(err) {
				// Transient poll failures never fail the job; the next tick
				// or a webhook will catch up.
				log.Warn("status poll failed", logging.Error(err))
				continue
			}
			if _, applyErr := o.machine.Apply(ctx, jobID, jobs.StatusUpdate{
				Status:    jobs.StatusFailed,
				Message:   err.Error(),
				ErrorCode: "remote_rejected",
			}); applyErr != nil {
				log.Error("could not record poll rejection", logging.Error(applyErr))
				return
			}
			continue
		}

		if _, err := o.machine.Apply(ctx, jobID, upd); err != nil {
			log.Error("could not apply polled status", logging.Error(err))
		}
	}
}

// handleTerminal finalizes a settled job. It returns true when the job was
// re-armed and monitoring should continue.
func (o *Orchestrator) handleTerminal(ctx context.Context, log *slog.Logger, job *jobs.Job) bool {
	switch job.Status {
	case jobs.StatusSuccess:
		o.captureResults(ctx, log, job)
		if err := o.notifier.JobCompleted(ctx, job); err != nil {
			log.Warn("completion notification failed", logging.Error(err))
		}
		log.Info("job completed", logging.Float64("progress", job.Progress))
		return false

	case jobs.StatusFailed, jobs.StatusTimeout:
		if job.RetryCount < job.MaxRetries {
			return o.autoRetry(ctx, log, job)
		}
		if err := o.notifier.JobFailed(ctx, job); err != nil {
			log.Warn("failure notification failed", logging.Error(err))
		}
		log.Error("job failed permanently",
			logging.String("status", string(job.Status)),
			logging.Int("retry_count", job.RetryCount),
			logging.String(logging.FieldErrorHint, job.ErrorMessage),
		)
		return false

	default: // cancelled
		return false
	}
}

// autoRetry waits out the capped exponential backoff and re-submits. Returns
// true when the job is pending again.
func (o *Orchestrator) autoRetry(ctx context.Context, log *slog.Logger, job *jobs.Job) bool {
	delay := retryDelay(job.RetryCount)
	log.Info("scheduling automatic retry",
		logging.Int("retry_count", job.RetryCount),
		logging.Duration("delay", delay),
	)
	if err := o.sleep(ctx, delay); err != nil {
		return false
	}

	rearmed, err := o.machine.Retry(ctx, job.ID)
	if err != nil {
		// An operator retry or cancel may have won the race; not fatal.
		log.Warn("automatic retry skipped", logging.Error(err))
		return false
	}
	if err := o.resubmit(ctx, rearmed); err != nil {
		log.Error("retry re-submission failed", logging.Error(err))
		if _, applyErr := o.machine.Apply(ctx, job.ID, jobs.StatusUpdate{
			Status:    jobs.StatusFailed,
			Message:   err.Error(),
			ErrorCode: "resubmit_failed",
		}); applyErr != nil {
			log.Error("could not record re-submission failure", logging.Error(applyErr))
			return false
		}
		return true
	}
	return true
}

// captureResults fetches the manifest once and persists the derived outputs.
// Failures here degrade the record, not the job outcome.
func (o *Orchestrator) captureResults(ctx context.Context, log *slog.Logger, job *jobs.Job) {
	if job.RemoteJobID == "" {
		return
	}
	manifest, err := o.gateway.Manifest(ctx, job.RemoteJobID)
	if err != nil {
		log.Warn("manifest fetch failed", logging.Error(err))
		return
	}

	outputs, err := json.Marshal(manifest.OutputURNs())
	if err != nil {
		log.Warn("could not encode output urns", logging.Error(err))
		return
	}
	metrics, err := json.Marshal(manifest.Metrics())
	if err != nil {
		log.Warn("could not encode quality metrics", logging.Error(err))
		return
	}
	if err := o.machine.RecordResults(ctx, job.ID, string(manifest.Raw), string(outputs), string(metrics)); err != nil {
		log.Warn("could not persist results", logging.Error(err))
		return
	}

	for _, processor := range o.processors {
		if err := processor.ProcessResults(ctx, job, manifest); err != nil {
			log.Warn("post-processor failed",
				logging.String("processor", processor.Name()),
				logging.Error(err),
			)
		}
	}
}

// jobDeadline computes the wall clock timeout from the job's start and the
// configured per-format budgets. A re-armed job measures from its retry, not
// from the original creation.
func (o *Orchestrator) jobDeadline(job *jobs.Job) time.Time {
	base := job.CreatedAt
	if job.RetryCount > 0 {
		base = job.UpdatedAt
	}
	if job.StartedAt != nil {
		base = *job.StartedAt
	}
	return base.Add(time.Duration(o.cfg.TimeoutForFormats(job.OutputFormats)) * time.Second)
}

// pollWait jitters the poll interval by +/-20 percent so a fleet of monitors
// does not align its requests.
func (o *Orchestrator) pollWait() time.Duration {
	interval := time.Duration(o.cfg.Workflow.PollInterval) * time.Second
	if interval <= 0 {
		interval = 10 * time.Second
	}
	factor := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(interval) * factor)
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func flattenOverrides(overrides map[string]map[string]any) map[string]any {
	if len(overrides) == 0 {
		return nil
	}
	out := make(map[string]any, len(overrides))
	for format, cfg := range overrides {
		out[format] = cfg
	}
	return out
}

func parseOverrides(optionsJSON string) map[string]map[string]any {
	if optionsJSON == "" {
		return nil
	}
	var decoded map[string]map[string]any
	if err := json.Unmarshal([]byte(optionsJSON), &decoded); err != nil {
		return nil
	}
	return decoded
}
