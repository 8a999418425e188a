// Package jobqueue dispatches durable jobs to registered handlers with a
// bounded consumer pool. Jobs live in the shared store; the queue only ever
// caches what it can rebuild from there.
package jobqueue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"fetcharr/internal/config"
	"fetcharr/internal/logging"
	"fetcharr/internal/services"
	"fetcharr/internal/store"
)

// ErrDelegated signals that a handler handed its job to another component
// (the encoder coordinator) and the consumer slot should be released while
// the job stays running.
var ErrDelegated = errors.New("job delegated")

// Handler executes one job type. Long-running handlers must observe the
// job's cancellation flag at safe checkpoints.
type Handler interface {
	Execute(ctx context.Context, job *store.Job) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, job *store.Job) (err error)

// Execute implements Handler.
func (f HandlerFunc) Execute(ctx context.Context, job *store.Job) error {
	return f(ctx, job)
}

// Queue owns the consumer pool over the durable job table.
type Queue struct {
	cfg    *config.Config
	store  *store.Store
	logger *slog.Logger

	pollInterval time.Duration
	concurrency  int

	mu       sync.Mutex
	handlers map[string]Handler
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// New constructs a queue over the shared store.
func New(cfg *config.Config, st *store.Store, logger *slog.Logger) *Queue {
	if logger == nil {
		logger = logging.NewNop()
	}
	concurrency := cfg.Queue.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	poll := time.Duration(cfg.Queue.PollInterval) * time.Second
	if poll <= 0 {
		poll = time.Second
	}
	return &Queue{
		cfg:          cfg,
		store:        st,
		logger:       logging.NewComponentLogger(logger, "jobqueue"),
		pollInterval: poll,
		concurrency:  concurrency,
		handlers:     make(map[string]Handler),
	}
}

// RegisterHandler binds a handler to a job type. Registration happens once
// at startup, before Start.
func (q *Queue) RegisterHandler(jobType string, handler Handler) error {
	if jobType == "" || handler == nil {
		return services.Wrap(services.ErrConfiguration, "jobqueue", "register handler", "job type and handler are required", nil)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return services.Wrap(services.ErrConfiguration, "jobqueue", "register handler", "queue already started", nil)
	}
	if _, exists := q.handlers[jobType]; exists {
		return services.Wrap(services.ErrConfiguration, "jobqueue", "register handler",
			fmt.Sprintf("job type %q already registered", jobType), nil)
	}
	q.handlers[jobType] = handler
	return nil
}

// Enqueue always creates a new pending job.
func (q *Queue) Enqueue(ctx context.Context, spec store.JobSpec) (*store.Job, error) {
	return q.store.InsertJob(ctx, spec)
}

// EnqueueIfAbsent collapses overlapping requests: an active job with the same
// dedupe key is returned instead of creating a duplicate.
func (q *Queue) EnqueueIfAbsent(ctx context.Context, spec store.JobSpec) (*store.Job, bool, error) {
	return q.store.InsertJobIfAbsent(ctx, spec)
}

// RequestCancellation sets the cooperative cancellation flag on a job.
func (q *Queue) RequestCancellation(ctx context.Context, jobID string) (*store.Job, error) {
	return q.store.RequestJobCancellation(ctx, jobID)
}

// Stats returns job counts by status.
func (q *Queue) Stats(ctx context.Context) (map[store.JobStatus]int, error) {
	return q.store.JobStats(ctx)
}

// Cleanup purges terminal jobs older than the retention window and returns
// the number removed.
func (q *Queue) Cleanup(ctx context.Context) (int64, error) {
	retention := q.cfg.Queue.RetentionDays
	if retention <= 0 {
		return 0, nil
	}
	cutoff := time.Now().AddDate(0, 0, -retention)
	return q.store.CleanupJobs(ctx, cutoff)
}

// Start launches the consumer pool.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return errors.New("job queue already running")
	}
	if len(q.handlers) == 0 {
		return errors.New("job queue has no handlers")
	}

	runCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.running = true
	q.wg.Add(q.concurrency)
	for i := 0; i < q.concurrency; i++ {
		go q.runConsumer(runCtx)
	}
	return nil
}

// Stop terminates the pool and waits for in-flight handlers to return.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	cancel := q.cancel
	q.running = false
	q.cancel = nil
	q.mu.Unlock()

	cancel()
	q.wg.Wait()
}

func (q *Queue) runConsumer(ctx context.Context) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, err := q.store.ClaimNextJob(ctx)
		if err != nil {
			q.logger.Error("claim next job",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check database access"))
			q.sleep(ctx)
			continue
		}
		if job == nil {
			q.sleep(ctx)
			continue
		}
		q.process(ctx, job)
	}
}

func (q *Queue) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(q.pollInterval):
	}
}

func (q *Queue) process(ctx context.Context, job *store.Job) {
	logger := q.logger.With(
		logging.String(logging.FieldJobID, job.ID),
		logging.String("job_type", job.Type))

	if job.CancellationRequested {
		job.Status = store.JobCancelled
		if err := q.store.UpdateJob(ctx, job); err != nil {
			logger.Error("persist cancelled job", logging.Error(err))
		}
		return
	}

	q.mu.Lock()
	handler := q.handlers[job.Type]
	q.mu.Unlock()
	if handler == nil {
		q.failJob(ctx, logger, job, fmt.Sprintf("no handler for job type %q", job.Type))
		return
	}

	err := handler.Execute(ctx, job)
	switch {
	case err == nil:
		job.Status = store.JobCompleted
		job.Progress = 100
		if updateErr := q.store.UpdateJob(ctx, job); updateErr != nil {
			logger.Error("persist completed job", logging.Error(updateErr))
			return
		}
		logger.Info("job completed")
	case errors.Is(err, ErrDelegated):
		// The job stays running under another component's control; the
		// delegated marker keeps it out of the claim query.
		job.Delegated = true
		if updateErr := q.store.UpdateJob(ctx, job); updateErr != nil {
			logger.Error("persist delegated job", logging.Error(updateErr))
			return
		}
		logger.Info("job delegated")
	case errors.Is(err, context.Canceled):
		job.Status = store.JobCancelled
		if updateErr := q.store.UpdateJob(ctx, job); updateErr != nil {
			logger.Error("persist cancelled job", logging.Error(updateErr))
		}
		logger.Info("job cancelled")
	default:
		q.failJob(ctx, logger, job, err.Error())
	}
}

func (q *Queue) failJob(ctx context.Context, logger *slog.Logger, job *store.Job, reason string) {
	job.Status = store.JobFailed
	job.ErrorMessage = reason
	if err := q.store.UpdateJob(ctx, job); err != nil {
		logger.Error("persist failed job", logging.Error(err))
		return
	}
	logger.Warn("job failed", logging.String("reason", reason))
}
