package store_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"fetcharr/internal/store"
	"fetcharr/internal/testsupport"
)

func TestOpenAppliesSchema(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	job, err := st.InsertJob(ctx, store.JobSpec{Type: "download", PayloadJSON: `{"url":"magnet:x"}`})
	if err != nil {
		t.Fatalf("InsertJob failed: %v", err)
	}
	if job.ID == "" {
		t.Fatal("expected job ID to be assigned")
	}

	fetched, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if fetched == nil || fetched.Type != "download" || fetched.Status != store.JobPending {
		t.Fatalf("unexpected fetched job: %#v", fetched)
	}
}

func TestInsertJobIfAbsentSuppressesActiveDuplicates(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	spec := store.JobSpec{Type: "download", DedupeKey: "download:request-1"}

	first, inserted, err := st.InsertJobIfAbsent(ctx, spec)
	if err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	if !inserted {
		t.Fatal("expected first insert to create a job")
	}

	second, inserted, err := st.InsertJobIfAbsent(ctx, spec)
	if err != nil {
		t.Fatalf("second insert failed: %v", err)
	}
	if inserted {
		t.Fatal("expected duplicate insert to be suppressed")
	}
	if second.ID != first.ID {
		t.Fatalf("expected existing job %s, got %s", first.ID, second.ID)
	}

	// A terminal job with the same key no longer blocks a new insert.
	first.Status = store.JobCompleted
	if err := st.UpdateJob(ctx, first); err != nil {
		t.Fatalf("UpdateJob failed: %v", err)
	}
	third, inserted, err := st.InsertJobIfAbsent(ctx, spec)
	if err != nil {
		t.Fatalf("third insert failed: %v", err)
	}
	if !inserted {
		t.Fatal("expected insert after completion to create a job")
	}
	if third.ID == first.ID {
		t.Fatal("expected a fresh job after the earlier one completed")
	}
}

func TestInsertJobIfAbsentConcurrent(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	spec := store.JobSpec{Type: "encode", DedupeKey: "encode:title-9"}

	const callers = 8
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		inserted int
		ids      = make(map[string]struct{})
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			job, created, err := st.InsertJobIfAbsent(ctx, spec)
			if err != nil {
				t.Errorf("InsertJobIfAbsent failed: %v", err)
				return
			}
			mu.Lock()
			defer mu.Unlock()
			if created {
				inserted++
			}
			ids[job.ID] = struct{}{}
		}()
	}
	wg.Wait()

	if inserted != 1 {
		t.Fatalf("expected exactly one insert, got %d", inserted)
	}
	if len(ids) != 1 {
		t.Fatalf("expected all callers to observe the same job, got %d distinct ids", len(ids))
	}
}

func TestConcurrentWritersShareBusyTimeout(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()

	// Writers land on different pooled connections. All of them must wait
	// out lock contention rather than surface SQLITE_BUSY.
	const writers = 8
	const writesPerWriter = 10
	var wg sync.WaitGroup
	for w := 0; w < writers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < writesPerWriter; i++ {
				job, err := st.InsertJob(ctx, store.JobSpec{
					Type:      "download",
					DedupeKey: fmt.Sprintf("busy-%d-%d", w, i),
				})
				if err != nil {
					t.Errorf("InsertJob failed: %v", err)
					return
				}
				job.Status = store.JobRunning
				job.Progress = 50
				if err := st.UpdateJob(ctx, job); err != nil {
					t.Errorf("UpdateJob failed: %v", err)
					return
				}
			}
		}(w)
	}
	wg.Wait()

	jobs, err := st.JobsByStatus(ctx, store.JobRunning)
	if err != nil {
		t.Fatalf("JobsByStatus failed: %v", err)
	}
	if len(jobs) != writers*writesPerWriter {
		t.Fatalf("expected %d running jobs, got %d", writers*writesPerWriter, len(jobs))
	}
}

func TestClaimNextJobHonorsPriority(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	for i, priority := range []int{1, 5, 3} {
		if _, err := st.InsertJob(ctx, store.JobSpec{
			Type:      "download",
			DedupeKey: fmt.Sprintf("claim-%d", i),
			Priority:  priority,
		}); err != nil {
			t.Fatalf("InsertJob failed: %v", err)
		}
	}

	claimed, err := st.ClaimNextJob(ctx)
	if err != nil {
		t.Fatalf("ClaimNextJob failed: %v", err)
	}
	if claimed == nil {
		t.Fatal("expected a claimed job")
	}
	if claimed.Priority != 5 {
		t.Fatalf("expected highest priority job, got priority %d", claimed.Priority)
	}
	if claimed.Status != store.JobRunning {
		t.Fatalf("expected claimed job to be running, got %s", claimed.Status)
	}
	if claimed.StartedAt == nil {
		t.Fatal("expected started_at to be recorded")
	}
}

func TestClaimNextJobEmptyQueue(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	claimed, err := st.ClaimNextJob(context.Background())
	if err != nil {
		t.Fatalf("ClaimNextJob failed: %v", err)
	}
	if claimed != nil {
		t.Fatalf("expected no job, got %#v", claimed)
	}
}

func TestRequestJobCancellation(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()

	pending, err := st.InsertJob(ctx, store.JobSpec{Type: "download"})
	if err != nil {
		t.Fatalf("InsertJob failed: %v", err)
	}
	cancelled, err := st.RequestJobCancellation(ctx, pending.ID)
	if err != nil {
		t.Fatalf("RequestJobCancellation failed: %v", err)
	}
	if cancelled.Status != store.JobCancelled {
		t.Fatalf("expected pending job to cancel immediately, got %s", cancelled.Status)
	}

	running, err := st.InsertJob(ctx, store.JobSpec{Type: "encode"})
	if err != nil {
		t.Fatalf("InsertJob failed: %v", err)
	}
	running.Status = store.JobRunning
	if err := st.UpdateJob(ctx, running); err != nil {
		t.Fatalf("UpdateJob failed: %v", err)
	}
	flagged, err := st.RequestJobCancellation(ctx, running.ID)
	if err != nil {
		t.Fatalf("RequestJobCancellation failed: %v", err)
	}
	if flagged.Status != store.JobRunning {
		t.Fatalf("expected running job to stay running, got %s", flagged.Status)
	}
	if !flagged.CancellationRequested {
		t.Fatal("expected cancellation flag on running job")
	}
}

func TestReturnJobToPendingClearsDelegation(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	job, err := st.InsertJob(ctx, store.JobSpec{Type: "encode"})
	if err != nil {
		t.Fatalf("InsertJob failed: %v", err)
	}
	job.Status = store.JobRunning
	job.Delegated = true
	if err := st.UpdateJob(ctx, job); err != nil {
		t.Fatalf("UpdateJob failed: %v", err)
	}

	if err := st.ReturnJobToPending(ctx, job.ID); err != nil {
		t.Fatalf("ReturnJobToPending failed: %v", err)
	}
	reloaded, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if reloaded.Status != store.JobPending {
		t.Fatalf("expected pending status, got %s", reloaded.Status)
	}
	if reloaded.Delegated {
		t.Fatal("expected delegation flag to be cleared")
	}
}

func TestJobsAwaitingAssignment(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()

	waiting, err := st.InsertJob(ctx, store.JobSpec{Type: "encode", Priority: 2})
	if err != nil {
		t.Fatalf("InsertJob failed: %v", err)
	}
	waiting.Status = store.JobRunning
	waiting.Delegated = true
	if err := st.UpdateJob(ctx, waiting); err != nil {
		t.Fatalf("UpdateJob failed: %v", err)
	}

	assigned, err := st.InsertJob(ctx, store.JobSpec{Type: "encode"})
	if err != nil {
		t.Fatalf("InsertJob failed: %v", err)
	}
	assigned.Status = store.JobRunning
	assigned.Delegated = true
	if err := st.UpdateJob(ctx, assigned); err != nil {
		t.Fatalf("UpdateJob failed: %v", err)
	}
	if _, err := st.NewAssignment(ctx, store.AssignmentSpec{
		JobID:     assigned.ID,
		EncoderID: "encoder-a",
		InputPath: "/staging/in.mkv",
	}); err != nil {
		t.Fatalf("NewAssignment failed: %v", err)
	}

	jobs, err := st.JobsAwaitingAssignment(ctx, "encode")
	if err != nil {
		t.Fatalf("JobsAwaitingAssignment failed: %v", err)
	}
	if len(jobs) != 1 || jobs[0].ID != waiting.ID {
		t.Fatalf("expected only the unassigned job, got %#v", jobs)
	}
}

func TestCleanupJobsRemovesOldTerminalRows(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	old, err := st.InsertJob(ctx, store.JobSpec{Type: "download"})
	if err != nil {
		t.Fatalf("InsertJob failed: %v", err)
	}
	old.Status = store.JobCompleted
	if err := st.UpdateJob(ctx, old); err != nil {
		t.Fatalf("UpdateJob failed: %v", err)
	}
	active, err := st.InsertJob(ctx, store.JobSpec{Type: "download"})
	if err != nil {
		t.Fatalf("InsertJob failed: %v", err)
	}

	removed, err := st.CleanupJobs(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("CleanupJobs failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected one removed job, got %d", removed)
	}
	remaining, err := st.GetJob(ctx, active.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if remaining == nil {
		t.Fatal("expected pending job to survive cleanup")
	}
}

func TestRetryJobResetsFailedJob(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	job, err := st.InsertJob(ctx, store.JobSpec{Type: "encode"})
	if err != nil {
		t.Fatalf("InsertJob failed: %v", err)
	}
	job.Status = store.JobFailed
	job.Delegated = true
	job.Progress = 0.5
	job.ErrorMessage = "encoder exploded"
	if err := st.UpdateJob(ctx, job); err != nil {
		t.Fatalf("UpdateJob failed: %v", err)
	}

	retried, err := st.RetryJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("RetryJob failed: %v", err)
	}
	if retried.Status != store.JobPending || retried.Delegated || retried.Progress != 0 || retried.ErrorMessage != "" {
		t.Fatalf("expected a clean pending job, got %#v", retried)
	}

	running, err := st.InsertJob(ctx, store.JobSpec{Type: "encode"})
	if err != nil {
		t.Fatalf("InsertJob failed: %v", err)
	}
	running.Status = store.JobRunning
	if err := st.UpdateJob(ctx, running); err != nil {
		t.Fatalf("UpdateJob failed: %v", err)
	}
	if _, err := st.RetryJob(ctx, running.ID); err == nil {
		t.Fatal("expected RetryJob to reject a running job")
	}
}

func TestClearJobsRemovesTerminalStatuses(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	statuses := []store.JobStatus{store.JobPending, store.JobCompleted, store.JobFailed, store.JobCancelled}
	for _, status := range statuses {
		job, err := st.InsertJob(ctx, store.JobSpec{Type: "download"})
		if err != nil {
			t.Fatalf("InsertJob failed: %v", err)
		}
		if status != store.JobPending {
			job.Status = status
			if err := st.UpdateJob(ctx, job); err != nil {
				t.Fatalf("UpdateJob failed: %v", err)
			}
		}
	}

	removed, err := st.ClearJobs(ctx, store.JobFailed)
	if err != nil {
		t.Fatalf("ClearJobs failed: %v", err)
	}
	if removed != 1 {
		t.Fatalf("expected one failed job cleared, got %d", removed)
	}

	removed, err = st.ClearJobs(ctx)
	if err != nil {
		t.Fatalf("ClearJobs failed: %v", err)
	}
	if removed != 2 {
		t.Fatalf("expected completed and cancelled jobs cleared, got %d", removed)
	}

	if _, err := st.ClearJobs(ctx, store.JobRunning); err == nil {
		t.Fatal("expected ClearJobs to reject a non-terminal status")
	}

	stats, err := st.JobStats(ctx)
	if err != nil {
		t.Fatalf("JobStats failed: %v", err)
	}
	if stats[store.JobPending] != 1 {
		t.Fatalf("expected the pending job to survive, got %#v", stats)
	}
}
