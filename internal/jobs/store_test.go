package jobs_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"tessera/internal/jobs"
	"tessera/internal/testsupport"
)

func newTestStore(t *testing.T) *jobs.Store {
	t.Helper()
	return testsupport.MustOpenStore(t, testsupport.NewConfig(t))
}

func newJobParams(source string) jobs.NewJobParams {
	return jobs.NewJobParams{
		SourceFileID:  source,
		SourceURN:     "urn:adsk.objects:os.object:" + source,
		RemoteJobID:   "remote-" + source,
		OutputFormats: []string{"svf2", "thumbnail"},
		QualityLevel:  "medium",
	}
}

func TestCreateAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job, err := store.Create(ctx, newJobParams("models/tower.rvt"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if job.ID == 0 || job.InternalID == "" {
		t.Fatalf("identifiers not assigned: %+v", job)
	}
	if job.Status != jobs.StatusPending || job.Progress != 0 {
		t.Errorf("new job should be pending at 0%%: %s %.0f", job.Status, job.Progress)
	}
	if job.MaxRetries != jobs.DefaultMaxRetries {
		t.Errorf("MaxRetries = %d, want default %d", job.MaxRetries, jobs.DefaultMaxRetries)
	}
	if len(job.OutputFormats) != 2 {
		t.Errorf("OutputFormats = %v", job.OutputFormats)
	}

	byInternal, err := store.GetByInternalID(ctx, job.InternalID)
	if err != nil {
		t.Fatalf("GetByInternalID: %v", err)
	}
	if byInternal == nil || byInternal.ID != job.ID {
		t.Errorf("internal id lookup mismatch: %+v", byInternal)
	}

	missing, err := store.GetByID(ctx, 99999)
	if err != nil {
		t.Fatalf("GetByID missing: %v", err)
	}
	if missing != nil {
		t.Error("missing job should be nil, not an error")
	}
}

func TestSecondActiveJobRejected(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if _, err := store.Create(ctx, newJobParams("models/tower.rvt")); err != nil {
		t.Fatalf("first create: %v", err)
	}
	_, err := store.Create(ctx, newJobParams("models/tower.rvt"))
	if !errors.Is(err, jobs.ErrActiveJobExists) {
		t.Fatalf("second create error = %v, want ErrActiveJobExists", err)
	}

	// A different source is unaffected.
	if _, err := store.Create(ctx, newJobParams("models/bridge.rvt")); err != nil {
		t.Fatalf("unrelated create: %v", err)
	}
}

func TestConcurrentCreateSingleWinner(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	const racers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		created   int
		conflicts int
	)
	for range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Create(ctx, newJobParams("models/contested.rvt"))
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case errors.Is(err, jobs.ErrActiveJobExists):
				conflicts++
			default:
				t.Errorf("unexpected create error: %v", err)
			}
		}()
	}
	wg.Wait()

	if created != 1 || conflicts != racers-1 {
		t.Fatalf("created = %d, conflicts = %d; want 1 and %d", created, conflicts, racers-1)
	}
}

func TestCreateAllowedAfterTerminal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job, err := store.Create(ctx, newJobParams("models/tower.rvt"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	job.Status = jobs.StatusSuccess
	now := time.Now().UTC()
	job.CompletedAt = &now
	if err := store.Update(ctx, job); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if _, err := store.Create(ctx, newJobParams("models/tower.rvt")); err != nil {
		t.Fatalf("create after terminal should succeed: %v", err)
	}
}

func TestFindBySourceURNPrefersActive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	old, err := store.Create(ctx, newJobParams("models/tower.rvt"))
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	old.Status = jobs.StatusFailed
	if err := store.Update(ctx, old); err != nil {
		t.Fatalf("Update: %v", err)
	}
	active, err := store.Create(ctx, newJobParams("models/tower.rvt"))
	if err != nil {
		t.Fatalf("second create: %v", err)
	}

	found, err := store.FindBySourceURN(ctx, active.SourceURN)
	if err != nil {
		t.Fatalf("FindBySourceURN: %v", err)
	}
	if found == nil || found.ID != active.ID {
		t.Errorf("expected the active job %d, got %+v", active.ID, found)
	}
}

func TestListFilterDeleteAndStats(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	first, _ := store.Create(ctx, newJobParams("models/a.rvt"))
	second, _ := store.Create(ctx, newJobParams("models/b.rvt"))
	second.Status = jobs.StatusSuccess
	if err := store.Update(ctx, second); err != nil {
		t.Fatalf("Update: %v", err)
	}

	active, err := store.List(ctx, jobs.ActiveStatuses...)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(active) != 1 || active[0].ID != first.ID {
		t.Errorf("active list = %v", active)
	}

	all, err := store.List(ctx)
	if err != nil {
		t.Fatalf("List all: %v", err)
	}
	if len(all) != 2 {
		t.Errorf("want 2 jobs, got %d", len(all))
	}

	stats, err := store.CountStats(ctx)
	if err != nil {
		t.Fatalf("CountStats: %v", err)
	}
	if stats.Total != 2 || stats.Active != 1 || stats.Succeeded != 1 {
		t.Errorf("stats = %+v", stats)
	}

	deleted, err := store.Delete(ctx, second.ID)
	if err != nil || !deleted {
		t.Fatalf("Delete = %v, %v", deleted, err)
	}
	deleted, err = store.Delete(ctx, second.ID)
	if err != nil || deleted {
		t.Fatalf("second delete should be a no-op: %v, %v", deleted, err)
	}
}

func TestPruneTerminal(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	job, _ := store.Create(ctx, newJobParams("models/a.rvt"))
	job.Status = jobs.StatusFailed
	completed := time.Now().UTC().Add(-48 * time.Hour)
	job.CompletedAt = &completed
	if err := store.Update(ctx, job); err != nil {
		t.Fatalf("Update: %v", err)
	}
	keep, _ := store.Create(ctx, newJobParams("models/b.rvt"))

	pruned, err := store.PruneTerminal(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("PruneTerminal: %v", err)
	}
	if pruned != 1 {
		t.Errorf("pruned = %d, want 1", pruned)
	}
	if got, _ := store.GetByID(ctx, keep.ID); got == nil {
		t.Error("active job must survive pruning")
	}
}

func TestReceipts(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	receipt, err := store.GetReceipt(ctx, "unseen")
	if err != nil {
		t.Fatalf("GetReceipt: %v", err)
	}
	if receipt != nil {
		t.Fatal("unseen event should return nil")
	}

	now := time.Now().UTC()
	if err := store.RecordReceipt(ctx, jobs.Receipt{
		EventID:     "evt-1",
		EventType:   "translation.finished",
		ResourceURN: "urn:adsk.objects:os.object:models/a.rvt",
		Status:      jobs.ReceiptFailed,
		Attempts:    2,
		LastError:   "boom",
		ProcessedAt: &now,
	}); err != nil {
		t.Fatalf("RecordReceipt: %v", err)
	}

	// Re-recording upserts the outcome.
	if err := store.RecordReceipt(ctx, jobs.Receipt{
		EventID:     "evt-1",
		EventType:   "translation.finished",
		ResourceURN: "urn:adsk.objects:os.object:models/a.rvt",
		Status:      jobs.ReceiptProcessed,
		Attempts:    3,
		ProcessedAt: &now,
	}); err != nil {
		t.Fatalf("RecordReceipt upsert: %v", err)
	}

	receipt, err = store.GetReceipt(ctx, "evt-1")
	if err != nil {
		t.Fatalf("GetReceipt: %v", err)
	}
	if receipt.Status != jobs.ReceiptProcessed || receipt.Attempts != 3 {
		t.Errorf("receipt = %+v", receipt)
	}
	if receipt.LastError != "" {
		t.Errorf("last error should be cleared on upsert, got %q", receipt.LastError)
	}
}
