package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"tessera/internal/logging"
	"tessera/internal/services"
)

// StateMachine owns every status mutation for translation jobs. Both the
// orchestrator's polling path and the webhook ingestor call Apply, so both
// writers obey the same ordering and idempotency rules. Serialization is
// per-job: concurrent callers on different jobs never contend.
type StateMachine struct {
	store  *Store
	logger *slog.Logger

	// Strict makes impossible transitions panic instead of logging. Meant
	// for development and tests.
	strict bool

	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

// NewStateMachine constructs the state machine over the given store.
func NewStateMachine(store *Store, logger *slog.Logger, strict bool) *StateMachine {
	return &StateMachine{
		store:  store,
		logger: logging.WithComponent(logger, "state-machine"),
		strict: strict,
		locks:  make(map[int64]*sync.Mutex),
	}
}

func (m *StateMachine) jobLock(jobID int64) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[jobID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[jobID] = lock
	}
	return lock
}

// ReleaseJob drops the per-job lock entry once a job is terminal and its
// monitor has exited. Late webhook deliveries recreate it on demand.
func (m *StateMachine) ReleaseJob(jobID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.locks, jobID)
}

// Apply updates a job's status from either update channel. It returns
// applied=false (with a nil error) for duplicate terminal applications and
// for stale updates rejected by the partial order.
func (m *StateMachine) Apply(ctx context.Context, jobID int64, upd StatusUpdate) (bool, error) {
	if _, known := ParseStatus(string(upd.Status)); !known {
		m.violation("apply called with unknown status",
			logging.Int64(logging.FieldJobID, jobID),
			logging.String("status", string(upd.Status)),
		)
		return false, services.Wrap(services.ErrValidation, "state-machine", "apply", fmt.Sprintf("unknown status %q", upd.Status), nil)
	}

	lock := m.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	job, err := m.store.GetByID(ctx, jobID)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, services.Wrap(services.ErrNotFound, "state-machine", "apply", fmt.Sprintf("job %d", jobID), nil)
	}

	now := time.Now().UTC()
	job.LastCheckedAt = &now

	switch {
	case job.Status.IsTerminal() && upd.Status == job.Status:
		// Duplicate terminal application is a no-op, not an error.
		if err := m.store.Update(ctx, job); err != nil {
			return false, err
		}
		return false, nil

	case job.Status.IsTerminal():
		// Any other update against a terminal job is stale. CANCELLED and
		// the success/failure verdicts cannot be overridden.
		m.logger.Debug("rejected stale update for terminal job",
			logging.Int64(logging.FieldJobID, jobID),
			logging.String("current", string(job.Status)),
			logging.String("incoming", string(upd.Status)),
		)
		if err := m.store.Update(ctx, job); err != nil {
			return false, err
		}
		return false, nil

	case upd.Status.Rank() < job.Status.Rank():
		// Out-of-order delivery, e.g. a stale poll after a webhook already
		// advanced the job.
		m.logger.Debug("rejected out-of-order update",
			logging.Int64(logging.FieldJobID, jobID),
			logging.String("current", string(job.Status)),
			logging.String("incoming", string(upd.Status)),
		)
		if err := m.store.Update(ctx, job); err != nil {
			return false, err
		}
		return false, nil
	}

	if job.Status == StatusPending && upd.Status == StatusInProgress && job.StartedAt == nil {
		job.StartedAt = &now
	}

	if upd.Status.IsTerminal() {
		if job.CompletedAt == nil {
			job.CompletedAt = &now
		}
		switch upd.Status {
		case StatusSuccess:
			job.Progress = 100
		case StatusFailed, StatusTimeout:
			job.ErrorMessage = upd.Message
			job.ErrorCode = upd.ErrorCode
		}
	} else if upd.Progress > job.Progress {
		// Progress is monotone while the job is active; smaller estimates
		// from a lagging channel never move it backwards.
		job.Progress = clampProgress(upd.Progress)
	}

	job.Status = upd.Status
	if upd.Message != "" {
		job.ProgressMessage = upd.Message
	}
	job.Warnings = appendWarnings(job.Warnings, upd.Warnings)

	if err := m.store.Update(ctx, job); err != nil {
		return false, err
	}
	return true, nil
}

// Retry re-arms a FAILED/TIMEOUT job back to PENDING. It is the only
// terminal-to-non-terminal edge and is gated by the retry budget.
func (m *StateMachine) Retry(ctx context.Context, jobID int64) (*Job, error) {
	lock := m.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	job, err := m.store.GetByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, services.Wrap(services.ErrNotFound, "state-machine", "retry", fmt.Sprintf("job %d", jobID), nil)
	}

	switch job.Status {
	case StatusFailed, StatusTimeout:
	case StatusCancelled, StatusSuccess:
		return nil, services.Wrap(services.ErrConflict, "state-machine", "retry",
			fmt.Sprintf("job %d is %s and cannot be retried", jobID, job.Status), nil)
	default:
		return nil, services.Wrap(services.ErrConflict, "state-machine", "retry",
			fmt.Sprintf("job %d is still %s", jobID, job.Status), nil)
	}

	if job.RetryCount >= job.MaxRetries {
		return nil, services.Wrap(services.ErrConflict, "state-machine", "retry",
			fmt.Sprintf("job %d exhausted %d retries", jobID, job.MaxRetries), nil)
	}

	job.RetryCount++
	job.Status = StatusPending
	job.Progress = 0
	job.ProgressMessage = "Retry requested"
	job.ErrorMessage = ""
	job.ErrorCode = ""
	job.StartedAt = nil
	job.CompletedAt = nil
	job.RemoteJobID = ""
	job.ManifestJSON = ""
	job.OutputURNsJSON = ""
	job.QualityMetricsJSON = ""

	if err := m.store.Update(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Cancel terminates a job immediately from any non-terminal state.
func (m *StateMachine) Cancel(ctx context.Context, jobID int64, reason string) (bool, error) {
	return m.Apply(ctx, jobID, StatusUpdate{Status: StatusCancelled, Message: reason})
}

// AssignRemoteJob records the remote service's job identifier after a submit
// or a retry re-submission.
func (m *StateMachine) AssignRemoteJob(ctx context.Context, jobID int64, remoteJobID string) error {
	lock := m.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	job, err := m.store.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return services.Wrap(services.ErrNotFound, "state-machine", "assign remote job", fmt.Sprintf("job %d", jobID), nil)
	}
	job.RemoteJobID = remoteJobID
	return m.store.Update(ctx, job)
}

// RecordResults stores the manifest, output URNs, and quality metrics
// captured after a job reached SUCCESS.
func (m *StateMachine) RecordResults(ctx context.Context, jobID int64, manifestJSON, outputURNsJSON, metricsJSON string) error {
	lock := m.jobLock(jobID)
	lock.Lock()
	defer lock.Unlock()

	job, err := m.store.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job == nil {
		return services.Wrap(services.ErrNotFound, "state-machine", "record results", fmt.Sprintf("job %d", jobID), nil)
	}
	if job.Status != StatusSuccess {
		m.violation("results recorded for a job that is not successful",
			logging.Int64(logging.FieldJobID, jobID),
			logging.String("status", string(job.Status)),
		)
		return nil
	}
	job.ManifestJSON = manifestJSON
	job.OutputURNsJSON = outputURNsJSON
	job.QualityMetricsJSON = metricsJSON
	return m.store.Update(ctx, job)
}

// violation handles local invariant breaches: panic in strict mode, loud
// alert log otherwise.
func (m *StateMachine) violation(msg string, attrs ...logging.Attr) {
	if m.strict {
		panic("state machine invariant violated: " + msg)
	}
	attrs = append(attrs, logging.Alert("invariant_violation"))
	m.logger.Error(msg, logging.Args(attrs...)...)
}

func clampProgress(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 100 {
		return 100
	}
	return value
}

func appendWarnings(existing, incoming []string) []string {
	if len(incoming) == 0 {
		return existing
	}
	seen := make(map[string]struct{}, len(existing))
	for _, w := range existing {
		seen[w] = struct{}{}
	}
	for _, w := range incoming {
		if _, ok := seen[w]; ok {
			continue
		}
		existing = append(existing, w)
		seen[w] = struct{}{}
	}
	return existing
}
