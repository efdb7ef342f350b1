package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"tessera/internal/jobs"
	"tessera/internal/logging"
	"tessera/internal/services"
	"tessera/internal/services/derivative"
	"tessera/internal/testsupport"
)

const testSourceURN = "urn:adsk.objects:os.object:models/tower.rvt"

type fakeGateway struct {
	mu        sync.Mutex
	submits   int
	submitErr error
	cancelled []string
	statusFn  func(remoteJobID string) (jobs.StatusUpdate, error)
	manifest  *derivative.Manifest
}

func (f *fakeGateway) Submit(ctx context.Context, req derivative.SubmitRequest) (*derivative.SubmitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	if f.submitErr != nil {
		return nil, f.submitErr
	}
	return &derivative.SubmitResult{RemoteJobID: fmt.Sprintf("remote-%d", f.submits)}, nil
}

func (f *fakeGateway) setSubmitErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitErr = err
}

func (f *fakeGateway) Status(ctx context.Context, remoteJobID string) (jobs.StatusUpdate, error) {
	f.mu.Lock()
	statusFn := f.statusFn
	f.mu.Unlock()
	if statusFn == nil {
		return jobs.StatusUpdate{Status: jobs.StatusInProgress, Progress: 10}, nil
	}
	return statusFn(remoteJobID)
}

func (f *fakeGateway) Manifest(ctx context.Context, remoteJobID string) (*derivative.Manifest, error) {
	if f.manifest == nil {
		return nil, services.Wrap(services.ErrNotFound, "derivative", "manifest", "no manifest", nil)
	}
	return f.manifest, nil
}

func (f *fakeGateway) Cancel(ctx context.Context, remoteJobID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, remoteJobID)
	return nil
}

func (f *fakeGateway) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.submits
}

type fakeNotifier struct {
	mu        sync.Mutex
	completed int
	failed    int
}

func (f *fakeNotifier) JobCompleted(context.Context, *jobs.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed++
	return nil
}

func (f *fakeNotifier) JobFailed(context.Context, *jobs.Job) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed++
	return nil
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *fakeGateway, *fakeNotifier, *jobs.Store) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	machine := jobs.NewStateMachine(store, logging.NewNop(), false)
	gateway := &fakeGateway{}
	notifier := &fakeNotifier{}
	orch := New(cfg, store, machine, gateway, notifier, logging.NewNop())
	t.Cleanup(orch.Close)
	return orch, gateway, notifier, store
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestStartValidatesURN(t *testing.T) {
	orch, gateway, _, _ := newTestOrchestrator(t)

	_, _, err := orch.Start(context.Background(), StartRequest{
		SourceURN: "not-a-urn",
		Formats:   []string{"svf2"},
	})
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("error = %v, want ErrValidation", err)
	}
	if gateway.submitCount() != 0 {
		t.Error("invalid request must not reach the gateway")
	}
}

func TestStartIsIdempotentPerSource(t *testing.T) {
	orch, gateway, _, _ := newTestOrchestrator(t)
	ctx := context.Background()

	job, created, err := orch.Start(ctx, StartRequest{
		SourceURN: testSourceURN,
		Formats:   []string{"svf2"},
	})
	if err != nil || !created {
		t.Fatalf("first start = %v, created %v", err, created)
	}
	if job.RemoteJobID != "remote-1" {
		t.Errorf("remote job id = %q", job.RemoteJobID)
	}

	again, created, err := orch.Start(ctx, StartRequest{
		SourceURN: testSourceURN,
		Formats:   []string{"svf2"},
	})
	if err != nil {
		t.Fatalf("second start: %v", err)
	}
	if created {
		t.Error("second start must join the existing job")
	}
	if again.ID != job.ID {
		t.Errorf("joined job %d, want %d", again.ID, job.ID)
	}
	if gateway.submitCount() != 1 {
		t.Errorf("submits = %d, want 1", gateway.submitCount())
	}
}

func TestMonitorDrivesJobToSuccess(t *testing.T) {
	orch, gateway, notifier, store := newTestOrchestrator(t)
	ctx := context.Background()

	manifest, err := derivative.ParseManifest([]byte(`{
		"status": "success",
		"derivatives": [
			{"outputType": "svf2", "status": "success",
			 "children": [{"urn": "urn:adsk.viewing:fs.file:abc/output/svf2/geom", "size": 10}]},
			{"outputType": "thumbnail", "status": "success",
			 "children": [{"urn": "urn:adsk.viewing:fs.file:abc/output/thumbnail/t1", "size": 1}]}
		]
	}`))
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	gateway.manifest = manifest
	gateway.statusFn = func(string) (jobs.StatusUpdate, error) {
		return jobs.StatusUpdate{Status: jobs.StatusSuccess, Progress: 100}, nil
	}

	job, _, err := orch.Start(ctx, StartRequest{
		SourceURN: testSourceURN,
		Formats:   []string{"svf2", "thumbnail"},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, 10*time.Second, func() bool {
		current, err := store.GetByID(ctx, job.ID)
		return err == nil && current != nil && current.Status == jobs.StatusSuccess && current.ManifestJSON != ""
	})

	final, _ := store.GetByID(ctx, job.ID)
	if final.Progress != 100 {
		t.Errorf("progress = %.0f", final.Progress)
	}
	outputs := final.OutputURNs()
	if len(outputs["svf2"]) != 1 || len(outputs["thumbnail"]) != 1 {
		t.Errorf("outputs = %v", outputs)
	}
	var metrics derivative.QualityMetrics
	if err := json.Unmarshal([]byte(final.QualityMetricsJSON), &metrics); err != nil {
		t.Fatalf("metrics json: %v", err)
	}
	if metrics.DerivativeCount != 2 {
		t.Errorf("metrics = %+v", metrics)
	}

	waitFor(t, 2*time.Second, func() bool {
		notifier.mu.Lock()
		defer notifier.mu.Unlock()
		return notifier.completed == 1
	})
}

func TestCancelStopsMonitorAndJob(t *testing.T) {
	orch, gateway, _, store := newTestOrchestrator(t)
	ctx := context.Background()

	job, _, err := orch.Start(ctx, StartRequest{
		SourceURN: testSourceURN,
		Formats:   []string{"svf2"},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := orch.Cancel(ctx, job.ID, "operator request"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	current, _ := store.GetByID(ctx, job.ID)
	if current.Status != jobs.StatusCancelled {
		t.Errorf("status = %s", current.Status)
	}
	gateway.mu.Lock()
	cancelled := len(gateway.cancelled)
	gateway.mu.Unlock()
	if cancelled != 1 {
		t.Errorf("remote cancels = %d", cancelled)
	}

	// Cancelling a terminal job is a conflict.
	if err := orch.Cancel(ctx, job.ID, ""); !errors.Is(err, services.ErrConflict) {
		t.Errorf("second cancel = %v, want ErrConflict", err)
	}
}

func TestOperatorRetryResubmits(t *testing.T) {
	orch, gateway, _, store := newTestOrchestrator(t)
	ctx := context.Background()

	job, _, err := orch.Start(ctx, StartRequest{
		SourceURN: testSourceURN,
		Formats:   []string{"svf2"},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	orch.stopMonitor(job.ID)

	if _, err := orch.machine.Apply(ctx, job.ID, jobs.StatusUpdate{
		Status:    jobs.StatusFailed,
		Message:   "engine crash",
		ErrorCode: "translation_failed",
	}); err != nil {
		t.Fatalf("fail job: %v", err)
	}

	retried, err := orch.Retry(ctx, job.ID)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if retried.Status != jobs.StatusPending || retried.RetryCount != 1 {
		t.Errorf("retried = %s retry %d", retried.Status, retried.RetryCount)
	}
	if retried.RemoteJobID != "remote-2" {
		t.Errorf("remote job id = %q, want a fresh submission", retried.RemoteJobID)
	}
	if gateway.submitCount() != 2 {
		t.Errorf("submits = %d, want 2", gateway.submitCount())
	}

	current, _ := store.GetByID(ctx, job.ID)
	if current.InternalID != job.InternalID {
		t.Error("InternalID must survive retry")
	}
}

func TestRetryResubmitFailureReleasesJob(t *testing.T) {
	orch, gateway, _, store := newTestOrchestrator(t)
	ctx := context.Background()

	job, _, err := orch.Start(ctx, StartRequest{
		SourceURN: testSourceURN,
		Formats:   []string{"svf2"},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	orch.stopMonitor(job.ID)

	if _, err := orch.machine.Apply(ctx, job.ID, jobs.StatusUpdate{
		Status:    jobs.StatusFailed,
		Message:   "engine crash",
		ErrorCode: "translation_failed",
	}); err != nil {
		t.Fatalf("fail job: %v", err)
	}

	gateway.setSubmitErr(services.Wrap(services.ErrTransient, "derivative", "submit", "service unavailable", nil))
	if _, err := orch.Retry(ctx, job.ID); err == nil {
		t.Fatal("Retry must surface the re-submission failure")
	}

	// The job must not be left pending without a remote counterpart: that
	// would hold the per-source slot with nothing driving it.
	current, _ := store.GetByID(ctx, job.ID)
	if current.Status != jobs.StatusFailed {
		t.Fatalf("status after failed resubmit = %s, want failed", current.Status)
	}
	if current.ErrorCode != "resubmit_failed" {
		t.Errorf("error code = %q", current.ErrorCode)
	}

	// Once the remote service recovers, another retry succeeds.
	gateway.setSubmitErr(nil)
	retried, err := orch.Retry(ctx, job.ID)
	if err != nil {
		t.Fatalf("second Retry: %v", err)
	}
	if retried.Status != jobs.StatusPending || retried.RemoteJobID == "" {
		t.Errorf("retried = %s remote %q", retried.Status, retried.RemoteJobID)
	}
}

func TestRetryOfActiveJobRejected(t *testing.T) {
	orch, _, _, _ := newTestOrchestrator(t)
	ctx := context.Background()

	job, _, err := orch.Start(ctx, StartRequest{
		SourceURN: testSourceURN,
		Formats:   []string{"svf2"},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if _, err := orch.Retry(ctx, job.ID); !errors.Is(err, services.ErrConflict) {
		t.Fatalf("retry of active job = %v, want ErrConflict", err)
	}
}

func TestRetryDelaySchedule(t *testing.T) {
	tests := []struct {
		retryCount int
		want       time.Duration
	}{
		{0, 60 * time.Second},
		{1, 120 * time.Second},
		{2, 240 * time.Second},
		{3, 300 * time.Second},
		{10, 300 * time.Second},
	}
	for _, tt := range tests {
		if got := retryDelay(tt.retryCount); got != tt.want {
			t.Errorf("retryDelay(%d) = %s, want %s", tt.retryCount, got, tt.want)
		}
	}
}

func TestJobDeadlineBases(t *testing.T) {
	orch, _, _, _ := newTestOrchestrator(t)
	timeout := time.Duration(orch.cfg.TimeoutForFormats([]string{"svf2"})) * time.Second

	created := time.Now().Add(-time.Hour)
	started := time.Now().Add(-time.Minute)
	updated := time.Now().Add(-30 * time.Second)

	fresh := &jobs.Job{CreatedAt: created, OutputFormats: []string{"svf2"}}
	if got := orch.jobDeadline(fresh); !got.Equal(created.Add(timeout)) {
		t.Errorf("fresh deadline = %s", got)
	}

	running := &jobs.Job{CreatedAt: created, StartedAt: &started, OutputFormats: []string{"svf2"}}
	if got := orch.jobDeadline(running); !got.Equal(started.Add(timeout)) {
		t.Errorf("running deadline = %s", got)
	}

	rearmed := &jobs.Job{CreatedAt: created, UpdatedAt: updated, RetryCount: 1, OutputFormats: []string{"svf2"}}
	if got := orch.jobDeadline(rearmed); !got.Equal(updated.Add(timeout)) {
		t.Errorf("rearmed deadline = %s", got)
	}
}

func TestResumeActiveAttachesMonitors(t *testing.T) {
	orch, gateway, _, store := newTestOrchestrator(t)
	ctx := context.Background()

	// Simulate a job left active by a previous process.
	job, err := store.Create(ctx, jobs.NewJobParams{
		SourceFileID:  "models/tower.rvt",
		SourceURN:     testSourceURN,
		RemoteJobID:   "remote-old",
		OutputFormats: []string{"svf2"},
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	gateway.statusFn = func(string) (jobs.StatusUpdate, error) {
		return jobs.StatusUpdate{Status: jobs.StatusSuccess, Progress: 100}, nil
	}

	if err := orch.ResumeActive(ctx); err != nil {
		t.Fatalf("ResumeActive: %v", err)
	}
	waitFor(t, 10*time.Second, func() bool {
		current, err := store.GetByID(ctx, job.ID)
		return err == nil && current != nil && current.Status == jobs.StatusSuccess
	})
}

type countingProcessor struct {
	mu    sync.Mutex
	calls int
}

func (c *countingProcessor) Name() string { return "counting" }

func (c *countingProcessor) ProcessResults(context.Context, *jobs.Job, *derivative.Manifest) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	return nil
}

func TestPostProcessorsRunOnSuccess(t *testing.T) {
	orch, gateway, _, store := newTestOrchestrator(t)
	ctx := context.Background()

	processor := &countingProcessor{}
	orch.AddPostProcessor(processor)

	manifest, err := derivative.ParseManifest([]byte(`{"status":"success","derivatives":[]}`))
	if err != nil {
		t.Fatalf("ParseManifest: %v", err)
	}
	gateway.manifest = manifest
	gateway.statusFn = func(string) (jobs.StatusUpdate, error) {
		return jobs.StatusUpdate{Status: jobs.StatusSuccess, Progress: 100}, nil
	}

	job, _, err := orch.Start(ctx, StartRequest{
		SourceURN: testSourceURN,
		Formats:   []string{"svf2"},
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitFor(t, 10*time.Second, func() bool {
		current, err := store.GetByID(ctx, job.ID)
		if err != nil || current == nil || current.Status != jobs.StatusSuccess {
			return false
		}
		processor.mu.Lock()
		defer processor.mu.Unlock()
		return processor.calls == 1
	})
}
