package jobqueue_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"fetcharr/internal/jobqueue"
	"fetcharr/internal/logging"
	"fetcharr/internal/store"
	"fetcharr/internal/testsupport"
)

func waitForJobStatus(t *testing.T, st *store.Store, jobID string, want store.JobStatus) *store.Job {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for {
		job, err := st.GetJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("GetJob failed: %v", err)
		}
		if job != nil && job.Status == want {
			return job
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s never reached %s, currently %#v", jobID, want, job)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestQueueExecutesHandlers(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithQueueConcurrency(2))
	st := testsupport.MustOpenStore(t, cfg)
	queue := jobqueue.New(cfg, st, logging.NewNop())

	var executed atomic.Int32
	if err := queue.RegisterHandler("download", jobqueue.HandlerFunc(
		func(ctx context.Context, job *store.Job) error {
			executed.Add(1)
			return nil
		})); err != nil {
		t.Fatalf("RegisterHandler failed: %v", err)
	}

	ctx := context.Background()
	job, err := queue.Enqueue(ctx, store.JobSpec{Type: "download", PayloadJSON: `{"url":"x"}`})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if err := queue.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer queue.Stop()

	done := waitForJobStatus(t, st, job.ID, store.JobCompleted)
	if done.Progress != 100 {
		t.Fatalf("expected progress 100, got %f", done.Progress)
	}
	if executed.Load() != 1 {
		t.Fatalf("expected one execution, got %d", executed.Load())
	}
}

func TestQueueFailsJobsWithoutHandler(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	queue := jobqueue.New(cfg, st, logging.NewNop())

	if err := queue.RegisterHandler("known", jobqueue.HandlerFunc(
		func(ctx context.Context, job *store.Job) error { return nil })); err != nil {
		t.Fatalf("RegisterHandler failed: %v", err)
	}

	ctx := context.Background()
	job, err := queue.Enqueue(ctx, store.JobSpec{Type: "mystery"})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if err := queue.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer queue.Stop()

	failed := waitForJobStatus(t, st, job.ID, store.JobFailed)
	if failed.ErrorMessage == "" {
		t.Fatal("expected failure reason")
	}
}

func TestDelegatedJobFreesConsumerSlot(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithQueueConcurrency(1))
	st := testsupport.MustOpenStore(t, cfg)
	queue := jobqueue.New(cfg, st, logging.NewNop())

	var downloads atomic.Int32
	if err := queue.RegisterHandler("encode", jobqueue.HandlerFunc(
		func(ctx context.Context, job *store.Job) error {
			return jobqueue.ErrDelegated
		})); err != nil {
		t.Fatalf("RegisterHandler failed: %v", err)
	}
	if err := queue.RegisterHandler("download", jobqueue.HandlerFunc(
		func(ctx context.Context, job *store.Job) error {
			downloads.Add(1)
			return nil
		})); err != nil {
		t.Fatalf("RegisterHandler failed: %v", err)
	}

	ctx := context.Background()
	encodeJob, err := queue.Enqueue(ctx, store.JobSpec{Type: "encode", Priority: 10})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	downloadJob, err := queue.Enqueue(ctx, store.JobSpec{Type: "download"})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	if err := queue.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer queue.Stop()

	// With one consumer slot, the delegated encode must not block the
	// download from being processed.
	waitForJobStatus(t, st, downloadJob.ID, store.JobCompleted)

	delegated, err := st.GetJob(ctx, encodeJob.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if delegated.Status != store.JobRunning || !delegated.Delegated {
		t.Fatalf("expected running delegated job, got %#v", delegated)
	}
}

func TestQueueHonorsPreClaimCancellation(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	queue := jobqueue.New(cfg, st, logging.NewNop())

	if err := queue.RegisterHandler("download", jobqueue.HandlerFunc(
		func(ctx context.Context, job *store.Job) error {
			t.Error("cancelled job must not execute")
			return nil
		})); err != nil {
		t.Fatalf("RegisterHandler failed: %v", err)
	}

	ctx := context.Background()
	job, err := queue.Enqueue(ctx, store.JobSpec{Type: "download"})
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := queue.RequestCancellation(ctx, job.ID); err != nil {
		t.Fatalf("RequestCancellation failed: %v", err)
	}

	if err := queue.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer queue.Stop()

	waitForJobStatus(t, st, job.ID, store.JobCancelled)
}

func TestRegisterHandlerRejectsDuplicates(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	queue := jobqueue.New(cfg, st, logging.NewNop())

	handler := jobqueue.HandlerFunc(func(ctx context.Context, job *store.Job) error { return nil })
	if err := queue.RegisterHandler("download", handler); err != nil {
		t.Fatalf("RegisterHandler failed: %v", err)
	}
	if err := queue.RegisterHandler("download", handler); err == nil {
		t.Fatal("expected duplicate registration to fail")
	}
	if err := queue.Start(context.Background()); err != nil {
		t.Fatalf("Start failed with registered handler: %v", err)
	}
	queue.Stop()
}
