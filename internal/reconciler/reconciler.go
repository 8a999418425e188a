// Package reconciler repairs persisted state after crashes, lost encoder
// connections, and missed wire events. It runs once at daemon startup and
// then on a schedule.
//
// The sweep never touches work it can confirm is still active: an execution
// with a recently updated job, or a delegated job with a live assignment, is
// left alone. Repairs are logged as recoveries, not failures.
package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"fetcharr/internal/config"
	"fetcharr/internal/logging"
	"fetcharr/internal/pipeline"
	"fetcharr/internal/store"
)

// ExecutionResumer re-enters a persisted execution. Satisfied by the pipeline
// executor.
type ExecutionResumer interface {
	ResumeExecution(ctx context.Context, executionID string) error
}

// Reconciler drives the recovery sweeps.
type Reconciler struct {
	cfg            *config.Config
	store          *store.Store
	resumer        ExecutionResumer
	logger         *slog.Logger
	stallThreshold time.Duration
	maxAttempts    int
}

// New constructs a reconciler using the workflow stall threshold and the
// coordinator's assignment attempt budget from cfg.
func New(cfg *config.Config, st *store.Store, resumer ExecutionResumer, logger *slog.Logger) *Reconciler {
	threshold := time.Duration(cfg.Workflow.StallThresholdMinutes) * time.Minute
	if threshold <= 0 {
		threshold = 30 * time.Minute
	}
	maxAttempts := cfg.Coordinator.AssignMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Reconciler{
		cfg:            cfg,
		store:          st,
		resumer:        resumer,
		logger:         logging.NewComponentLogger(logger, "reconciler"),
		stallThreshold: threshold,
		maxAttempts:    maxAttempts,
	}
}

// Startup recovers state left behind by an unclean daemon stop: running jobs
// that no consumer holds return to the queue, and every non-terminal
// execution is re-entered so its walk resumes.
func (r *Reconciler) Startup(ctx context.Context) error {
	running, err := r.store.JobsByStatus(ctx, store.JobRunning)
	if err != nil {
		return fmt.Errorf("list running jobs: %w", err)
	}
	for _, job := range running {
		if job.Delegated {
			// A remote encoder may still hold this; the liveness sweep and
			// assignment replay own its fate.
			continue
		}
		if err := r.store.ReturnJobToPending(ctx, job.ID); err != nil {
			return fmt.Errorf("return job %s to pending: %w", job.ID, err)
		}
		r.logger.Info("recovered orphaned job back to queue",
			logging.String(logging.FieldJobID, job.ID),
			logging.String("job_type", job.Type))
	}

	executions, err := r.store.ExecutionsByStatus(ctx, store.ExecutionRunning)
	if err != nil {
		return fmt.Errorf("list running executions: %w", err)
	}
	for _, exec := range executions {
		if err := r.resumer.ResumeExecution(ctx, exec.ID); err != nil {
			r.logger.Warn("resume after restart failed",
				logging.String(logging.FieldExecutionID, exec.ID),
				logging.Error(err))
		}
	}
	if len(executions) > 0 {
		r.logger.Info("resumed persisted executions", logging.Int("count", len(executions)))
	}
	return nil
}

// Sweep runs one reconciliation pass: approval timeouts, encode jobs whose
// assignment finished without the job record catching up, stranded walks,
// and stalled executions.
func (r *Reconciler) Sweep(ctx context.Context) error {
	if err := r.sweepApprovals(ctx); err != nil {
		return err
	}
	if err := r.replayAssignmentOutcomes(ctx); err != nil {
		return err
	}
	if err := r.resumeStranded(ctx); err != nil {
		return err
	}
	return r.sweepStalledExecutions(ctx)
}

// resumeStranded re-enters every running execution whose walk may have been
// abandoned, for example by a transient database error mid-walk. The executor
// deduplicates in-flight walks, so re-entering an execution that is already
// being driven is a no-op. Executions halted at an approval gate are left to
// the approval sweep.
func (r *Reconciler) resumeStranded(ctx context.Context) error {
	running, err := r.store.ExecutionsByStatus(ctx, store.ExecutionRunning)
	if err != nil {
		return fmt.Errorf("list running executions: %w", err)
	}
	for _, exec := range running {
		waiting, err := r.store.WaitingApprovalSteps(ctx, exec.ID)
		if err != nil {
			return err
		}
		if len(waiting) > 0 {
			continue
		}
		if err := r.resumer.ResumeExecution(ctx, exec.ID); err != nil {
			r.logger.Warn("resume stranded execution failed",
				logging.String(logging.FieldExecutionID, exec.ID),
				logging.Error(err))
		}
	}
	return nil
}

func (r *Reconciler) sweepApprovals(ctx context.Context) error {
	expired, err := r.store.ExpiredApprovals(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("list expired approvals: %w", err)
	}
	for _, approval := range expired {
		decided, err := r.store.DecideApproval(ctx, approval.ID, store.ApprovalTimeout, "reconciler")
		if err != nil {
			return fmt.Errorf("time out approval %d: %w", approval.ID, err)
		}
		if !decided {
			continue
		}
		r.logger.Info("approval timed out",
			logging.String(logging.FieldExecutionID, approval.ExecutionID),
			logging.String(logging.FieldStep, approval.StepPath),
			logging.String("auto_action", string(approval.AutoAction)))
		if err := r.resumer.ResumeExecution(ctx, approval.ExecutionID); err != nil {
			r.logger.Warn("resume after approval timeout failed",
				logging.String(logging.FieldExecutionID, approval.ExecutionID),
				logging.Error(err))
		}
	}
	return nil
}

// replayAssignmentOutcomes advances delegated jobs whose latest assignment
// reached a terminal state the wire event for which never landed.
func (r *Reconciler) replayAssignmentOutcomes(ctx context.Context) error {
	running, err := r.store.JobsByStatus(ctx, store.JobRunning)
	if err != nil {
		return fmt.Errorf("list running jobs: %w", err)
	}
	for _, job := range running {
		if !job.Delegated {
			continue
		}
		latest, err := r.store.LatestAssignmentForJob(ctx, job.ID)
		if err != nil {
			return fmt.Errorf("latest assignment for job %s: %w", job.ID, err)
		}
		if latest == nil || !latest.Status.Terminal() {
			continue
		}
		switch latest.Status {
		case store.AssignmentCompleted:
			job.Status = store.JobCompleted
			job.Progress = 100
			job.PayloadJSON = mergeOutputPath(job.PayloadJSON, latest.OutputPath)
			if err := r.store.UpdateJob(ctx, job); err != nil {
				return fmt.Errorf("replay completion for job %s: %w", job.ID, err)
			}
			r.logger.Info("recovered encode completion",
				logging.String(logging.FieldJobID, job.ID),
				logging.String(logging.FieldAssignmentID, latest.ID))
		case store.AssignmentFailed, store.AssignmentCancelled:
			attempts, err := r.store.AssignmentAttempts(ctx, job.ID)
			if err != nil {
				return fmt.Errorf("assignment attempts for job %s: %w", job.ID, err)
			}
			if attempts < r.maxAttempts {
				// Still has attempts; the coordinator's dispatch will pick
				// it up as awaiting assignment.
				continue
			}
			job.Status = store.JobFailed
			job.ErrorMessage = latest.ErrorMessage
			if job.ErrorMessage == "" {
				job.ErrorMessage = fmt.Sprintf("encode abandoned after %d assignment attempts", attempts)
			}
			if err := r.store.UpdateJob(ctx, job); err != nil {
				return fmt.Errorf("replay failure for job %s: %w", job.ID, err)
			}
			r.logger.Info("recovered encode failure",
				logging.String(logging.FieldJobID, job.ID),
				logging.String(logging.FieldAssignmentID, latest.ID),
				logging.Int("attempts", attempts))
		}
	}
	return nil
}

func (r *Reconciler) sweepStalledExecutions(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-r.stallThreshold)
	stale, err := r.store.StaleRunningExecutions(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("list stale executions: %w", err)
	}
	for _, exec := range stale {
		if err := r.reconcileExecution(ctx, exec, cutoff); err != nil {
			r.logger.Warn("reconcile execution failed",
				logging.String(logging.FieldExecutionID, exec.ID),
				logging.Error(err))
		}
	}
	return nil
}

func (r *Reconciler) reconcileExecution(ctx context.Context, exec *store.Execution, cutoff time.Time) error {
	waiting, err := r.store.WaitingApprovalSteps(ctx, exec.ID)
	if err != nil {
		return err
	}
	if len(waiting) > 0 {
		// Halted at a gate; the approval sweep owns its timeout.
		return nil
	}

	active, err := r.store.ActiveJobsForExecution(ctx, exec.ID)
	if err != nil {
		return err
	}
	for _, job := range active {
		if job.UpdatedAt.After(cutoff) {
			// Observed non-stale progress; yield.
			return nil
		}
		if job.Delegated {
			assignment, err := r.store.ActiveAssignmentForJob(ctx, job.ID)
			if err != nil {
				return err
			}
			if assignment != nil && assignment.UpdatedAt.After(cutoff) {
				return nil
			}
		}
	}

	steps, err := r.store.StepStates(ctx, exec.ID)
	if err != nil {
		return err
	}
	for _, step := range steps {
		if step.Status != store.StepRunning {
			continue
		}
		if output, ok := r.verifyDelivered(exec, step); ok {
			return r.synthesizeStepCompletion(ctx, exec, step, output)
		}
	}

	return r.failStalled(ctx, exec, steps)
}

// verifyDelivered checks whether a stalled deliver step's file is already
// present in the library, which means the work finished but the completion
// was lost.
func (r *Reconciler) verifyDelivered(exec *store.Execution, step *store.StepState) (map[string]any, bool) {
	if step.Type != pipeline.StepDeliver {
		return nil, false
	}
	execCtx, err := pipeline.LoadExecContext(exec.ContextJSON)
	if err != nil {
		return nil, false
	}
	for _, namespace := range execCtx.Namespaces() {
		ns, _ := execCtx.Namespace(namespace)
		for _, key := range []string{"outputPath", "filePath"} {
			raw, ok := ns[key]
			if !ok {
				continue
			}
			source, ok := raw.(string)
			if !ok || source == "" {
				continue
			}
			base := filepath.Base(source)
			candidates := []string{
				filepath.Join(r.cfg.Paths.LibraryDir, base),
				filepath.Join(r.cfg.Paths.LibraryDir, r.cfg.Library.MoviesDir, base),
				filepath.Join(r.cfg.Paths.LibraryDir, r.cfg.Library.TVDir, base),
			}
			for _, candidate := range candidates {
				if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
					return map[string]any{"destination": candidate, "verified": true}, true
				}
			}
		}
	}
	return nil, false
}

func (r *Reconciler) synthesizeStepCompletion(ctx context.Context, exec *store.Execution, step *store.StepState, output map[string]any) error {
	execCtx, err := pipeline.LoadExecContext(exec.ContextJSON)
	if err != nil {
		return err
	}
	if err := execCtx.SetNamespace(step.Name, output); err != nil {
		return err
	}
	raw, err := execCtx.Marshal()
	if err != nil {
		return err
	}
	exec.ContextJSON = raw
	if err := r.store.UpdateExecution(ctx, exec); err != nil {
		return err
	}

	step.Status = store.StepCompleted
	step.ErrorMessage = ""
	if err := r.store.UpsertStepState(ctx, step); err != nil {
		return err
	}
	r.logger.Info("recovered step from verified output",
		logging.String(logging.FieldExecutionID, exec.ID),
		logging.String(logging.FieldStep, step.Path),
		logging.Any("output", output))

	if err := r.resumer.ResumeExecution(ctx, exec.ID); err != nil {
		return fmt.Errorf("resume recovered execution: %w", err)
	}
	return nil
}

func (r *Reconciler) failStalled(ctx context.Context, exec *store.Execution, steps []*store.StepState) error {
	reason := fmt.Sprintf("stalled: no progress since %s", exec.UpdatedAt.Format(time.RFC3339))
	for _, step := range steps {
		if step.Status != store.StepRunning {
			continue
		}
		step.Status = store.StepFailed
		step.ErrorMessage = reason
		if err := r.store.UpsertStepState(ctx, step); err != nil {
			return err
		}
	}
	exec.Status = store.ExecutionFailed
	exec.ErrorMessage = reason
	if err := r.store.UpdateExecution(ctx, exec); err != nil {
		return err
	}
	r.logger.Warn("failed stalled execution",
		logging.String(logging.FieldExecutionID, exec.ID),
		logging.String("reason", reason))
	return nil
}

func mergeOutputPath(payload, outputPath string) string {
	if outputPath == "" {
		return payload
	}
	merged := map[string]any{}
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &merged); err != nil {
			return payload
		}
	}
	merged["outputPath"] = outputPath
	data, err := json.Marshal(merged)
	if err != nil {
		return payload
	}
	return string(data)
}
