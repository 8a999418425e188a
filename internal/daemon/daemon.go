package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"fetcharr/internal/config"
	"fetcharr/internal/coordinator"
	"fetcharr/internal/jobqueue"
	"fetcharr/internal/logging"
	"fetcharr/internal/notifications"
	"fetcharr/internal/pipeline"
	"fetcharr/internal/providers"
	"fetcharr/internal/reconciler"
	"fetcharr/internal/scheduler"
	"fetcharr/internal/services"
	"fetcharr/internal/steps"
	"fetcharr/internal/store"
)

// Daemon wires every fetcharr component together and enforces
// single-instance execution through a file lock.
type Daemon struct {
	cfg    *config.Config
	store  *store.Store
	logger *slog.Logger

	library     *pipeline.Library
	executor    *pipeline.Executor
	queue       *jobqueue.Queue
	coordinator *coordinator.Coordinator
	reconciler  *reconciler.Reconciler
	scheduler   *scheduler.Scheduler
	notifier    notifications.Service

	api *apiServer

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	runCtx  context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Status represents daemon runtime information.
type Status struct {
	Running        bool                    `json:"running"`
	DBPath         string                  `json:"dbPath"`
	LockFilePath   string                  `json:"lockFilePath"`
	Templates      []string                `json:"templates"`
	Jobs           map[store.JobStatus]int `json:"jobs"`
	Approvals      int                     `json:"pendingApprovals"`
	EncodersOnline int                     `json:"encodersOnline"`
	EncodersTotal  int                     `json:"encodersTotal"`
	Executions     int                     `json:"executions"`
}

// New constructs a daemon with all components wired but not started.
func New(cfg *config.Config, st *store.Store, logger *slog.Logger) (*Daemon, error) {
	if cfg == nil || st == nil {
		return nil, errors.New("daemon requires config and store")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	queue := jobqueue.New(cfg, st, logger)
	coord := coordinator.New(cfg, st, logger)
	notifier := notifications.NewService(cfg)

	registry := pipeline.NewRegistry()
	deps := steps.Deps{
		Config:     cfg,
		Store:      st,
		Queue:      queue,
		Searcher:   providers.NewIndexerClient(cfg),
		Downloader: providers.NewDownloadClient(cfg),
		Extractor:  providers.NewFileExtractor(cfg),
		Deliverer:  providers.NewLibraryDeliverer(cfg),
		Notifier:   notifications.NewStepNotifier(notifier),
		Logger:     logger,
	}
	if err := steps.RegisterAll(registry, deps); err != nil {
		return nil, fmt.Errorf("register step handlers: %w", err)
	}
	if err := queue.RegisterHandler(coordinator.EncodeJobType, steps.DelegateEncode()); err != nil {
		return nil, fmt.Errorf("register encode job handler: %w", err)
	}

	library := pipeline.NewLibrary(registry)
	if cfg.Workflow.TemplateDir != "" {
		if err := library.LoadDir(cfg.Workflow.TemplateDir); err != nil {
			return nil, fmt.Errorf("load templates: %w", err)
		}
	}

	executor := pipeline.NewExecutor(cfg, st, library, registry, logger)
	recon := reconciler.New(cfg, st, executor, logger)

	d := &Daemon{
		cfg:         cfg,
		store:       st,
		logger:      logging.NewComponentLogger(logger, "daemon"),
		library:     library,
		executor:    executor,
		queue:       queue,
		coordinator: coord,
		reconciler:  recon,
		scheduler:   scheduler.New(time.Duration(cfg.Queue.SchedulerTick)*time.Second, logger),
		notifier:    notifier,
		lockPath:    filepath.Join(cfg.Paths.LogDir, "fetcharrd.lock"),
	}
	d.lock = flock.New(d.lockPath)
	d.runCtx = context.Background()
	d.api = newAPIServer(d, logger)

	if err := d.registerTasks(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Daemon) registerTasks() error {
	heartbeat := time.Duration(d.cfg.Coordinator.HeartbeatInterval) * time.Second
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	tasks := []scheduler.Task{
		{
			Name:     "encoder-liveness",
			Interval: heartbeat,
			Run: func(ctx context.Context) error {
				if err := d.coordinator.SweepLiveness(ctx); err != nil {
					return err
				}
				return d.coordinator.Dispatch(ctx)
			},
		},
		{
			Name:     "reconcile",
			Interval: time.Duration(d.cfg.Queue.ReconcileMinutes) * time.Minute,
			Run:      d.reconciler.Sweep,
		},
		{
			Name:     "queue-cleanup",
			Interval: time.Duration(d.cfg.Queue.CleanupInterval) * time.Minute,
			Run: func(ctx context.Context) error {
				_, err := d.queue.Cleanup(ctx)
				return err
			},
		},
		{
			Name:     "log-cleanup",
			Interval: 24 * time.Hour,
			Run:      d.cleanupLogs,
		},
	}
	for _, task := range tasks {
		if err := d.scheduler.Register(task); err != nil {
			return fmt.Errorf("register task %s: %w", task.Name, err)
		}
	}
	return nil
}

// Start acquires the instance lock and brings every component online.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	locked, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire daemon lock: %w", err)
	}
	if !locked {
		return errors.New("another fetcharr daemon instance is already running")
	}

	d.runCtx, d.cancel = context.WithCancel(ctx)

	if err := d.coordinator.Startup(d.runCtx); err != nil {
		d.releaseLock()
		return fmt.Errorf("coordinator startup: %w", err)
	}
	if err := d.reconciler.Startup(d.runCtx); err != nil {
		d.releaseLock()
		return fmt.Errorf("reconciler startup: %w", err)
	}
	if err := d.queue.Start(d.runCtx); err != nil {
		d.releaseLock()
		return fmt.Errorf("start job queue: %w", err)
	}
	if err := d.scheduler.Start(d.runCtx); err != nil {
		d.releaseLock()
		return fmt.Errorf("start scheduler: %w", err)
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.api.listen(d.cfg.Paths.APIBind); err != nil {
			d.logger.Error("api server stopped", logging.Error(err))
		}
	}()

	d.running.Store(true)
	d.logger.Info("daemon started",
		logging.String("bind", d.cfg.Paths.APIBind),
		logging.String("lock", d.lockPath))
	return nil
}

// Stop shuts components down in reverse dependency order and releases the lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	d.running.Store(false)

	if d.cancel != nil {
		d.cancel()
	}

	d.api.shutdown(5 * time.Second)
	d.scheduler.Stop()
	d.queue.Stop()
	d.coordinator.Shutdown(d.cfg.Encoder.ReconnectMinSeconds)
	d.executor.Wait()
	d.wg.Wait()
	d.releaseLock()

	d.logger.Info("daemon stopped")
}

// Running reports whether Start has completed and Stop has not.
func (d *Daemon) Running() bool {
	return d.running.Load()
}

func (d *Daemon) releaseLock() {
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("failed to release daemon lock",
			logging.String("path", d.lockPath), logging.Error(err))
	}
}

// StartRequest launches a new pipeline execution for a media request and
// watches it in the background so terminal states produce notifications.
func (d *Daemon) StartRequest(ctx context.Context, requestID, templateID string) (*store.Execution, error) {
	if requestID == "" {
		return nil, services.Wrap(services.ErrValidation, "daemon", "start request", "request id is required", nil)
	}
	if _, err := d.library.Get(templateID); err != nil {
		return nil, err
	}
	exec, err := d.executor.StartExecution(ctx, requestID, templateID)
	if err != nil {
		return nil, err
	}
	d.wg.Add(1)
	go d.watchExecution(exec.ID, requestID)
	return exec, nil
}

// Resume re-enters a paused or recovered execution, typically after an
// approval decision.
func (d *Daemon) Resume(ctx context.Context, executionID string) error {
	return d.executor.ResumeExecution(ctx, executionID)
}

// watchExecution polls one execution until it reaches a terminal status,
// publishing approval and completion notifications along the way.
func (d *Daemon) watchExecution(executionID, requestID string) {
	defer d.wg.Done()

	interval := time.Duration(d.cfg.Workflow.StepPollInterval) * time.Second
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	approvalNotified := false
	for {
		exec, err := d.store.GetExecution(d.runCtx, executionID)
		if err != nil {
			if d.runCtx.Err() != nil {
				return
			}
			d.logger.Warn("execution watch lookup failed",
				logging.String(logging.FieldExecutionID, executionID), logging.Error(err))
		} else if exec == nil {
			return
		} else if exec.Status.Terminal() {
			d.notifyTerminal(exec, requestID)
			return
		} else if !approvalNotified {
			waiting, err := d.store.WaitingApprovalSteps(d.runCtx, executionID)
			if err == nil && len(waiting) > 0 {
				approvalNotified = true
				d.publish(notifications.EventApprovalPending, notifications.Payload{
					"requestId":   requestID,
					"executionId": executionID,
					"step":        waiting[0].Name,
					"title":       d.executionTitle(exec, requestID),
				})
			}
		}

		select {
		case <-d.runCtx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (d *Daemon) notifyTerminal(exec *store.Execution, requestID string) {
	title := d.executionTitle(exec, requestID)
	switch exec.Status {
	case store.ExecutionCompleted:
		d.publish(notifications.EventRequestCompleted, notifications.Payload{
			"requestId":   requestID,
			"executionId": exec.ID,
			"title":       title,
		})
	case store.ExecutionFailed:
		d.publish(notifications.EventRequestFailed, notifications.Payload{
			"requestId":   requestID,
			"executionId": exec.ID,
			"title":       title,
			"error":       exec.ErrorMessage,
		})
	}
}

// executionTitle digs a human readable title out of the execution context,
// falling back to the request identifier.
func (d *Daemon) executionTitle(exec *store.Execution, requestID string) string {
	execCtx, err := pipeline.LoadExecContext(exec.ContextJSON)
	if err != nil {
		return requestID
	}
	for _, namespace := range execCtx.Namespaces() {
		if value, ok := execCtx.Value(namespace, "title"); ok {
			if title, ok := value.(string); ok && title != "" {
				return title
			}
		}
	}
	return requestID
}

func (d *Daemon) publish(event notifications.Event, payload notifications.Payload) {
	if d.notifier == nil || !d.notifier.Enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := d.notifier.Publish(ctx, event, payload); err != nil {
		d.logger.Warn("notification publish failed",
			logging.String(logging.FieldEventType, string(event)), logging.Error(err))
	}
}

// StatusSnapshot aggregates component state for the status endpoint and CLI.
func (d *Daemon) StatusSnapshot(ctx context.Context) (Status, error) {
	status := Status{
		Running:      d.running.Load(),
		DBPath:       d.store.Path(),
		LockFilePath: d.lockPath,
		Templates:    d.library.IDs(),
	}

	stats, err := d.queue.Stats(ctx)
	if err != nil {
		return status, err
	}
	status.Jobs = stats

	approvals, err := d.store.PendingApprovals(ctx)
	if err != nil {
		return status, err
	}
	status.Approvals = len(approvals)

	encoders, err := d.store.ListEncoders(ctx)
	if err != nil {
		return status, err
	}
	status.EncodersTotal = len(encoders)
	for _, enc := range encoders {
		if enc.Status != store.EncoderOffline {
			status.EncodersOnline++
		}
	}

	health, err := d.store.Health(ctx)
	if err != nil {
		return status, err
	}
	status.Executions = health.Executions
	return status, nil
}
