package jobs_test

import (
	"context"
	"errors"
	"testing"

	"tessera/internal/jobs"
	"tessera/internal/logging"
	"tessera/internal/services"
)

func newMachine(t *testing.T) (*jobs.StateMachine, *jobs.Store) {
	t.Helper()
	store := newTestStore(t)
	return jobs.NewStateMachine(store, logging.NewNop(), false), store
}

func mustCreate(t *testing.T, store *jobs.Store, source string) *jobs.Job {
	t.Helper()
	job, err := store.Create(context.Background(), newJobParams(source))
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	return job
}

func TestApplyLifecycle(t *testing.T) {
	machine, store := newMachine(t)
	ctx := context.Background()
	job := mustCreate(t, store, "models/tower.rvt")

	applied, err := machine.Apply(ctx, job.ID, jobs.StatusUpdate{
		Status:   jobs.StatusInProgress,
		Progress: 25,
		Message:  "Translating geometry",
	})
	if err != nil || !applied {
		t.Fatalf("apply inprogress = %v, %v", applied, err)
	}

	job, _ = store.GetByID(ctx, job.ID)
	if job.Status != jobs.StatusInProgress || job.Progress != 25 {
		t.Fatalf("job = %s %.0f", job.Status, job.Progress)
	}
	if job.StartedAt == nil {
		t.Fatal("StartedAt should be set on first progress")
	}
	if job.LastCheckedAt == nil {
		t.Fatal("LastCheckedAt should be stamped")
	}
	startedAt := *job.StartedAt

	applied, err = machine.Apply(ctx, job.ID, jobs.StatusUpdate{Status: jobs.StatusSuccess, Progress: 90})
	if err != nil || !applied {
		t.Fatalf("apply success = %v, %v", applied, err)
	}
	job, _ = store.GetByID(ctx, job.ID)
	if job.Status != jobs.StatusSuccess {
		t.Fatalf("status = %s", job.Status)
	}
	if job.Progress != 100 {
		t.Errorf("success must freeze progress at 100, got %.0f", job.Progress)
	}
	if job.CompletedAt == nil {
		t.Error("CompletedAt should be set")
	}
	if !job.StartedAt.Equal(startedAt) {
		t.Error("StartedAt must be set only once")
	}
}

func TestApplyIdempotentTerminal(t *testing.T) {
	machine, store := newMachine(t)
	ctx := context.Background()
	job := mustCreate(t, store, "models/tower.rvt")

	if _, err := machine.Apply(ctx, job.ID, jobs.StatusUpdate{Status: jobs.StatusSuccess}); err != nil {
		t.Fatalf("first terminal apply: %v", err)
	}
	job, _ = store.GetByID(ctx, job.ID)
	completedAt := *job.CompletedAt

	applied, err := machine.Apply(ctx, job.ID, jobs.StatusUpdate{Status: jobs.StatusSuccess})
	if err != nil {
		t.Fatalf("duplicate terminal apply: %v", err)
	}
	if applied {
		t.Error("duplicate terminal must report applied=false")
	}
	job, _ = store.GetByID(ctx, job.ID)
	if !job.CompletedAt.Equal(completedAt) {
		t.Error("CompletedAt must not move on duplicate terminal")
	}
}

func TestApplyRejectsStaleAfterTerminal(t *testing.T) {
	machine, store := newMachine(t)
	ctx := context.Background()
	job := mustCreate(t, store, "models/tower.rvt")

	if _, err := machine.Apply(ctx, job.ID, jobs.StatusUpdate{Status: jobs.StatusCancelled, Message: "operator"}); err != nil {
		t.Fatalf("cancel: %v", err)
	}

	// A lagging poll result arrives after cancellation.
	applied, err := machine.Apply(ctx, job.ID, jobs.StatusUpdate{Status: jobs.StatusInProgress, Progress: 80})
	if err != nil {
		t.Fatalf("stale apply: %v", err)
	}
	if applied {
		t.Error("update against a terminal job must be rejected")
	}
	job, _ = store.GetByID(ctx, job.ID)
	if job.Status != jobs.StatusCancelled {
		t.Errorf("cancelled verdict overridden: %s", job.Status)
	}

	// Even a different terminal verdict cannot override the first one.
	applied, err = machine.Apply(ctx, job.ID, jobs.StatusUpdate{Status: jobs.StatusSuccess})
	if err != nil || applied {
		t.Errorf("conflicting terminal = %v, %v", applied, err)
	}
}

func TestApplyRejectsOrderRegression(t *testing.T) {
	machine, store := newMachine(t)
	ctx := context.Background()
	job := mustCreate(t, store, "models/tower.rvt")

	if _, err := machine.Apply(ctx, job.ID, jobs.StatusUpdate{Status: jobs.StatusInProgress, Progress: 40}); err != nil {
		t.Fatalf("inprogress: %v", err)
	}
	applied, err := machine.Apply(ctx, job.ID, jobs.StatusUpdate{Status: jobs.StatusPending})
	if err != nil {
		t.Fatalf("regression apply: %v", err)
	}
	if applied {
		t.Error("pending after inprogress must be rejected")
	}
}

func TestProgressNeverDecreasesWhileActive(t *testing.T) {
	machine, store := newMachine(t)
	ctx := context.Background()
	job := mustCreate(t, store, "models/tower.rvt")

	machine.Apply(ctx, job.ID, jobs.StatusUpdate{Status: jobs.StatusInProgress, Progress: 60})
	machine.Apply(ctx, job.ID, jobs.StatusUpdate{Status: jobs.StatusInProgress, Progress: 40})

	job, _ = store.GetByID(ctx, job.ID)
	if job.Progress != 60 {
		t.Errorf("progress regressed to %.0f", job.Progress)
	}
}

func TestApplyAppendsWarningsWithoutDuplicates(t *testing.T) {
	machine, store := newMachine(t)
	ctx := context.Background()
	job := mustCreate(t, store, "models/tower.rvt")

	machine.Apply(ctx, job.ID, jobs.StatusUpdate{
		Status:   jobs.StatusInProgress,
		Warnings: []string{"missing linked model"},
	})
	machine.Apply(ctx, job.ID, jobs.StatusUpdate{
		Status:   jobs.StatusInProgress,
		Warnings: []string{"missing linked model", "unsupported view"},
	})

	job, _ = store.GetByID(ctx, job.ID)
	if len(job.Warnings) != 2 {
		t.Errorf("warnings = %v", job.Warnings)
	}
}

func TestApplyUnknownStatus(t *testing.T) {
	machine, store := newMachine(t)
	ctx := context.Background()
	job := mustCreate(t, store, "models/tower.rvt")

	_, err := machine.Apply(ctx, job.ID, jobs.StatusUpdate{Status: "exploded"})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("unknown status error = %v, want ErrValidation", err)
	}
}

func TestApplyUnknownStatusStrictPanics(t *testing.T) {
	store := newTestStore(t)
	machine := jobs.NewStateMachine(store, logging.NewNop(), true)
	job := mustCreate(t, store, "models/tower.rvt")

	defer func() {
		if recover() == nil {
			t.Error("strict mode should panic on invariant violation")
		}
	}()
	machine.Apply(context.Background(), job.ID, jobs.StatusUpdate{Status: "exploded"})
}

func TestRetryResetsJob(t *testing.T) {
	machine, store := newMachine(t)
	ctx := context.Background()
	job := mustCreate(t, store, "models/tower.rvt")

	machine.Apply(ctx, job.ID, jobs.StatusUpdate{Status: jobs.StatusInProgress, Progress: 70})
	machine.Apply(ctx, job.ID, jobs.StatusUpdate{
		Status:    jobs.StatusFailed,
		Message:   "translation engine crashed",
		ErrorCode: "translation_failed",
	})

	rearmed, err := machine.Retry(ctx, job.ID)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if rearmed.Status != jobs.StatusPending {
		t.Errorf("status = %s", rearmed.Status)
	}
	if rearmed.RetryCount != 1 {
		t.Errorf("RetryCount = %d", rearmed.RetryCount)
	}
	if rearmed.Progress != 0 || rearmed.StartedAt != nil || rearmed.CompletedAt != nil {
		t.Errorf("cycle fields not reset: %+v", rearmed)
	}
	if rearmed.ErrorMessage != "" || rearmed.ErrorCode != "" || rearmed.RemoteJobID != "" {
		t.Errorf("error/remote fields not cleared: %+v", rearmed)
	}
	if rearmed.InternalID != job.InternalID {
		t.Error("InternalID must be stable across retries")
	}
}

func TestRetryBounds(t *testing.T) {
	machine, store := newMachine(t)
	ctx := context.Background()
	job := mustCreate(t, store, "models/tower.rvt")

	for i := 0; i < job.MaxRetries; i++ {
		machine.Apply(ctx, job.ID, jobs.StatusUpdate{Status: jobs.StatusFailed})
		if _, err := machine.Retry(ctx, job.ID); err != nil {
			t.Fatalf("retry %d: %v", i+1, err)
		}
	}

	machine.Apply(ctx, job.ID, jobs.StatusUpdate{Status: jobs.StatusFailed})
	_, err := machine.Retry(ctx, job.ID)
	if !errors.Is(err, services.ErrConflict) {
		t.Fatalf("exhausted retry error = %v, want ErrConflict", err)
	}

	job, _ = store.GetByID(ctx, job.ID)
	if job.RetryCount != job.MaxRetries {
		t.Errorf("RetryCount %d exceeded MaxRetries %d", job.RetryCount, job.MaxRetries)
	}
}

func TestRetryRejectedForWrongStates(t *testing.T) {
	machine, store := newMachine(t)
	ctx := context.Background()

	active := mustCreate(t, store, "models/a.rvt")
	if _, err := machine.Retry(ctx, active.ID); !errors.Is(err, services.ErrConflict) {
		t.Errorf("retry of active job = %v", err)
	}

	done := mustCreate(t, store, "models/b.rvt")
	machine.Apply(ctx, done.ID, jobs.StatusUpdate{Status: jobs.StatusSuccess})
	if _, err := machine.Retry(ctx, done.ID); !errors.Is(err, services.ErrConflict) {
		t.Errorf("retry of successful job = %v", err)
	}

	cancelled := mustCreate(t, store, "models/c.rvt")
	machine.Cancel(ctx, cancelled.ID, "operator")
	if _, err := machine.Retry(ctx, cancelled.ID); !errors.Is(err, services.ErrConflict) {
		t.Errorf("retry of cancelled job = %v", err)
	}
}

func TestRecordResultsOnlyOnSuccess(t *testing.T) {
	machine, store := newMachine(t)
	ctx := context.Background()
	job := mustCreate(t, store, "models/tower.rvt")

	// Not successful yet: results are refused without error (non-strict).
	if err := machine.RecordResults(ctx, job.ID, "{}", "{}", "{}"); err != nil {
		t.Fatalf("RecordResults: %v", err)
	}
	job, _ = store.GetByID(ctx, job.ID)
	if job.ManifestJSON != "" {
		t.Error("results must not be stored for a non-successful job")
	}

	machine.Apply(ctx, job.ID, jobs.StatusUpdate{Status: jobs.StatusSuccess})
	if err := machine.RecordResults(ctx, job.ID, `{"status":"success"}`, `{"svf2":["urn"]}`, `{}`); err != nil {
		t.Fatalf("RecordResults: %v", err)
	}
	job, _ = store.GetByID(ctx, job.ID)
	if job.ManifestJSON == "" || job.OutputURNsJSON == "" {
		t.Errorf("results not stored: %+v", job)
	}
	if got := job.OutputURNs(); len(got["svf2"]) != 1 {
		t.Errorf("OutputURNs = %v", got)
	}
}
