package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"fetcharr/internal/config"
	"fetcharr/internal/logging"
	"fetcharr/internal/services"
	"fetcharr/internal/store"
)

type nodeOutcome int

const (
	nodeCompleted nodeOutcome = iota
	nodeFailed
	nodeWaiting
	nodeCancelled
)

// Executor walks step trees for pipeline executions. One goroutine walks one
// execution; every state change is persisted before traversal advances, so a
// crashed walk can be resumed from the store alone.
type Executor struct {
	cfg      *config.Config
	store    *store.Store
	library  *Library
	registry *Registry
	logger   *slog.Logger

	backoff            time.Duration
	pollInterval       time.Duration
	branchBudget       time.Duration
	defaultMaxAttempts int

	mu      sync.Mutex
	walking map[string]struct{}
	wg      sync.WaitGroup
}

// NewExecutor constructs an executor over the shared store.
func NewExecutor(cfg *config.Config, st *store.Store, library *Library, registry *Registry, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = logging.NewNop()
	}
	defaultAttempts := cfg.Workflow.DefaultMaxAttempts
	if defaultAttempts <= 0 {
		defaultAttempts = 1
	}
	return &Executor{
		cfg:                cfg,
		store:              st,
		library:            library,
		registry:           registry,
		logger:             logging.NewComponentLogger(logger, "pipeline"),
		backoff:            time.Duration(cfg.Workflow.RetryBackoffSeconds) * time.Second,
		pollInterval:       time.Duration(cfg.Workflow.StepPollInterval) * time.Second,
		branchBudget:       time.Duration(cfg.Workflow.BranchBudgetSeconds) * time.Second,
		defaultMaxAttempts: defaultAttempts,
	}
}

// StartExecution creates a new execution at the template's root and begins
// traversal in the background. Template resolution fails fast.
func (e *Executor) StartExecution(ctx context.Context, requestID, templateID string) (*store.Execution, error) {
	if _, err := e.library.Get(templateID); err != nil {
		return nil, err
	}
	exec, err := e.store.NewExecution(ctx, requestID, templateID, "", "")
	if err != nil {
		return nil, err
	}
	e.launch(exec.ID)
	return exec, nil
}

// ResumeExecution re-enters a persisted, non-terminal execution. Step output
// presence in the persisted context decides whether each node re-runs or is
// skipped, so nothing is assumed about a crashed step's side effects.
func (e *Executor) ResumeExecution(ctx context.Context, executionID string) error {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	if exec == nil {
		return services.Wrap(services.ErrNotFound, "pipeline", "resume",
			fmt.Sprintf("execution %s", executionID), nil)
	}
	if exec.Status.Terminal() {
		return nil
	}
	e.launch(exec.ID)
	return nil
}

// Wait blocks until all in-flight walks finish. Used during shutdown and in
// tests.
func (e *Executor) Wait() {
	e.wg.Wait()
}

// launch starts a walk goroutine unless one is already active for the id.
func (e *Executor) launch(executionID string) {
	e.mu.Lock()
	if e.walking == nil {
		e.walking = make(map[string]struct{})
	}
	if _, active := e.walking[executionID]; active {
		e.mu.Unlock()
		return
	}
	e.walking[executionID] = struct{}{}
	e.wg.Add(1)
	e.mu.Unlock()

	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.walking, executionID)
			e.mu.Unlock()
		}()
		e.run(context.Background(), executionID)
	}()
}

type walkState struct {
	exec           *store.Execution
	execCtx        *ExecContext
	requiredFailed bool
	failureReason  string
}

func (e *Executor) run(ctx context.Context, executionID string) {
	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil || exec == nil {
		e.logger.Error("load execution for walk",
			logging.String(logging.FieldExecutionID, executionID),
			logging.Error(err))
		return
	}
	if exec.Status.Terminal() {
		return
	}

	tpl, err := e.library.Get(exec.TemplateID)
	if err != nil {
		e.failExecution(ctx, exec, err.Error())
		return
	}
	execCtx, err := LoadExecContext(exec.ContextJSON)
	if err != nil {
		e.failExecution(ctx, exec, err.Error())
		return
	}

	state := &walkState{exec: exec, execCtx: execCtx}
	outcome, err := e.runNode(ctx, state, &tpl.Root, "0")
	if err != nil {
		// Only unrecoverable executor errors (store unavailable) arrive
		// here; the execution stays running for a later resume.
		e.logger.Error("execution walk aborted",
			logging.String(logging.FieldExecutionID, exec.ID),
			logging.Error(err))
		return
	}

	switch outcome {
	case nodeWaiting:
		// Paused behind an approval gate; a decision or the timeout sweep
		// resumes it.
	case nodeCancelled:
		e.finishExecution(ctx, state, store.ExecutionCancelled, "cancelled")
	case nodeFailed:
		reason := state.failureReason
		if reason == "" {
			reason = "pipeline step failed"
		}
		e.finishExecution(ctx, state, store.ExecutionFailed, reason)
	case nodeCompleted:
		if state.requiredFailed {
			e.finishExecution(ctx, state, store.ExecutionFailed, state.failureReason)
			break
		}
		e.completeOrAwaitBranches(ctx, state)
	}

	if exec.ParentID != "" {
		e.maybeFinalizeParent(ctx, exec.ParentID)
	}
}

// runNode executes one template node and its children. Returned errors are
// store-level only; step failures surface through the outcome.
func (e *Executor) runNode(ctx context.Context, state *walkState, spec *StepSpec, path string) (nodeOutcome, error) {
	current, err := e.store.GetExecution(ctx, state.exec.ID)
	if err != nil {
		return nodeFailed, err
	}
	if current == nil || current.Status == store.ExecutionCancelled {
		return nodeCancelled, nil
	}

	stepState, err := e.store.GetStepState(ctx, state.exec.ID, path)
	if err != nil {
		return nodeFailed, err
	}

	switch {
	case stepState != nil && stepState.Status == store.StepCompleted:
		// Already done in a previous walk; only the children remain.
		return e.runChildren(ctx, state, spec, path)
	case stepState != nil && stepState.Status == store.StepWaitingApproval:
		return e.resumeApproval(ctx, state, spec, path)
	case stepState != nil && stepState.Status == store.StepRunning:
		// Crashed mid-step. Output presence decides between skip and re-run.
		if _, done := state.execCtx.Namespace(spec.Name); done {
			if err := e.markStep(ctx, state, spec, path, store.StepCompleted, stepState.Attempt, ""); err != nil {
				return nodeFailed, err
			}
			return e.runChildren(ctx, state, spec, path)
		}
	}

	outcome, execErr, err := e.executeWithRetry(ctx, state, spec, path)
	if err != nil {
		return nodeFailed, err
	}
	switch outcome {
	case nodeWaiting, nodeCancelled:
		return outcome, nil
	case nodeFailed:
		return e.handleStepFailure(ctx, state, spec, path, execErr)
	}
	return e.runChildren(ctx, state, spec, path)
}

// executeWithRetry drives the per-node attempt loop. The returned error is
// the handler's final failure, distinct from store errors.
func (e *Executor) executeWithRetry(ctx context.Context, state *walkState, spec *StepSpec, path string) (nodeOutcome, error, error) {
	maxAttempts := 1
	if spec.Retryable {
		maxAttempts = spec.MaxAttempts
		if maxAttempts <= 0 {
			maxAttempts = e.defaultMaxAttempts
		}
	}

	handler, err := e.registry.Handler(spec.Type)
	if err != nil {
		return nodeFailed, err, nil
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := e.markStep(ctx, state, spec, path, store.StepRunning, attempt, ""); err != nil {
			return nodeFailed, nil, err
		}
		_ = e.store.TouchExecution(ctx, state.exec.ID)

		result, execErr := handler.Execute(ctx, Request{
			ExecutionID: state.exec.ID,
			RequestID:   state.exec.RequestID,
			Step:        *spec,
			Attempt:     attempt,
			Context:     state.execCtx,
		})
		if execErr == nil {
			outcome, storeErr := e.commitStepResult(ctx, state, spec, path, attempt, result)
			return outcome, nil, storeErr
		}
		if errors.Is(execErr, context.Canceled) {
			return nodeCancelled, nil, nil
		}

		lastErr = execErr
		e.logger.Warn("step attempt failed",
			logging.String(logging.FieldExecutionID, state.exec.ID),
			logging.String(logging.FieldStep, spec.Name),
			logging.Int("attempt", attempt),
			logging.Error(execErr))

		if attempt < maxAttempts && services.Retryable(execErr) {
			if e.backoff > 0 {
				select {
				case <-ctx.Done():
					return nodeCancelled, nil, nil
				case <-time.After(e.backoff):
				}
			}
			continue
		}
		break
	}
	return nodeFailed, lastErr, nil
}

// commitStepResult persists a successful step before any child may start.
func (e *Executor) commitStepResult(ctx context.Context, state *walkState, spec *StepSpec, path string, attempt int, result *Result) (nodeOutcome, error) {
	if result == nil {
		result = &Result{}
	}

	if result.Await != nil {
		approval := &store.Approval{
			RequestID:    state.exec.RequestID,
			ExecutionID:  state.exec.ID,
			StepPath:     path,
			RequiredRole: result.Await.RequiredRole,
			TimeoutHours: result.Await.TimeoutHours,
			AutoAction:   store.ApprovalAction(result.Await.AutoAction),
		}
		if approval.AutoAction == "" {
			approval.AutoAction = store.AutoNone
		}
		if err := e.store.InsertApproval(ctx, approval); err != nil {
			return nodeFailed, err
		}
		if err := e.markStep(ctx, state, spec, path, store.StepWaitingApproval, attempt, ""); err != nil {
			return nodeFailed, err
		}
		e.logger.Info("step awaiting approval",
			logging.String(logging.FieldExecutionID, state.exec.ID),
			logging.String(logging.FieldStep, spec.Name))
		return nodeWaiting, nil
	}

	// Branch targets resolve before the step is marked complete, so a
	// misconfigured fan-out fails the step instead of abandoning the walk.
	for _, branch := range result.Branches {
		if branch.TemplateID == "" {
			return e.handleStepFailure(ctx, state, spec, path,
				services.Wrap(services.ErrConfiguration, "pipeline", "spawn branches",
					fmt.Sprintf("branch %q names no template", branch.Key), nil))
		}
		if _, err := e.library.Get(branch.TemplateID); err != nil {
			return e.handleStepFailure(ctx, state, spec, path, err)
		}
	}

	if len(result.Output) > 0 {
		if err := state.execCtx.SetNamespace(spec.Name, result.Output); err != nil {
			return nodeFailed, services.Wrap(services.ErrConfiguration, "pipeline", "persist step output", spec.Name, err)
		}
	}
	if err := e.persistContext(ctx, state); err != nil {
		return nodeFailed, err
	}
	if err := e.markStep(ctx, state, spec, path, store.StepCompleted, attempt, ""); err != nil {
		return nodeFailed, err
	}

	if len(result.Branches) > 0 {
		if err := e.spawnBranches(ctx, state, spec, result.Branches); err != nil {
			return nodeFailed, err
		}
		e.waitForBranches(ctx, state, spec)
	}
	return nodeCompleted, nil
}

// handleStepFailure applies the retry-exhausted failure policy for one node.
func (e *Executor) handleStepFailure(ctx context.Context, state *walkState, spec *StepSpec, path string, execErr error) (nodeOutcome, error) {
	reason := "step failed"
	if execErr != nil {
		reason = execErr.Error()
	}
	if err := e.markStep(ctx, state, spec, path, store.StepFailed, 0, reason); err != nil {
		return nodeFailed, err
	}

	// The annotation lets downstream steps observe the failure.
	annotation := map[string]any{"failed": true, "error": reason}
	if err := state.execCtx.SetNamespace(spec.Name, annotation); err == nil {
		if err := e.persistContext(ctx, state); err != nil {
			return nodeFailed, err
		}
	}

	if spec.Required {
		state.requiredFailed = true
		if state.failureReason == "" {
			state.failureReason = fmt.Sprintf("required step %q failed: %s", spec.Name, reason)
		}
	}

	if spec.ContinueOnError {
		return e.runChildren(ctx, state, spec, path)
	}
	if state.failureReason == "" {
		state.failureReason = fmt.Sprintf("step %q failed: %s", spec.Name, reason)
	}
	return nodeFailed, nil
}

// runChildren walks a node's children in order. A failed child bubbles up
// unless this node absorbs it.
func (e *Executor) runChildren(ctx context.Context, state *walkState, spec *StepSpec, path string) (nodeOutcome, error) {
	for i := range spec.Children {
		child := &spec.Children[i]
		childPath := path + "." + strconv.Itoa(i)
		outcome, err := e.runNode(ctx, state, child, childPath)
		if err != nil {
			return nodeFailed, err
		}
		switch outcome {
		case nodeWaiting, nodeCancelled:
			return outcome, nil
		case nodeFailed:
			if child.Required {
				state.requiredFailed = true
			}
			if spec.ContinueOnError {
				continue
			}
			return nodeFailed, nil
		}
	}
	return nodeCompleted, nil
}

// resumeApproval re-enters a node paused behind a gate.
func (e *Executor) resumeApproval(ctx context.Context, state *walkState, spec *StepSpec, path string) (nodeOutcome, error) {
	pending, err := e.store.PendingApprovalForStep(ctx, state.exec.ID, path)
	if err != nil {
		return nodeFailed, err
	}
	if pending != nil {
		return nodeWaiting, nil
	}

	decided, err := e.store.LatestApprovalForStep(ctx, state.exec.ID, path)
	if err != nil {
		return nodeFailed, err
	}
	if decided == nil {
		// Gate row lost; treat as rejection rather than silently passing.
		return e.handleStepFailure(ctx, state, spec, path, errors.New("approval record missing"))
	}

	switch decided.Status {
	case store.ApprovalApproved:
		if err := state.execCtx.SetNamespace(spec.Name, map[string]any{"approved": true}); err != nil {
			return nodeFailed, err
		}
		if err := e.persistContext(ctx, state); err != nil {
			return nodeFailed, err
		}
		if err := e.markStep(ctx, state, spec, path, store.StepCompleted, 0, ""); err != nil {
			return nodeFailed, err
		}
		return e.runChildren(ctx, state, spec, path)
	case store.ApprovalTimeout:
		if decided.AutoAction == store.AutoApprove {
			if err := e.markStep(ctx, state, spec, path, store.StepCompleted, 0, ""); err != nil {
				return nodeFailed, err
			}
			return e.runChildren(ctx, state, spec, path)
		}
		if decided.AutoAction == store.AutoCancel {
			return nodeCancelled, nil
		}
		return e.handleStepFailure(ctx, state, spec, path, services.Wrap(services.ErrTimeout, "pipeline", "approval", "gate timed out", nil))
	default:
		return e.handleStepFailure(ctx, state, spec, path, fmt.Errorf("approval rejected by %s", decided.DecidedBy))
	}
}

func (e *Executor) spawnBranches(ctx context.Context, state *walkState, spec *StepSpec, branches []Branch) error {
	for _, branch := range branches {
		child, err := e.store.NewExecution(ctx, state.exec.RequestID, branch.TemplateID, state.exec.ID, branch.Key)
		if err != nil {
			return err
		}
		if len(branch.Seed) > 0 {
			childCtx := NewExecContext()
			if err := childCtx.SetNamespace(spec.Name, branch.Seed); err != nil {
				return err
			}
			if child.ContextJSON, err = childCtx.Marshal(); err != nil {
				return err
			}
			if err := e.store.UpdateExecution(ctx, child); err != nil {
				return err
			}
		}
		e.launch(child.ID)
	}
	return nil
}

// waitForBranches blocks until spawned branches reach terminal states or the
// branch budget elapses. Slow branches are left to finish on their own.
func (e *Executor) waitForBranches(ctx context.Context, state *walkState, spec *StepSpec) {
	if e.branchBudget <= 0 {
		return
	}
	deadline := time.Now().Add(e.branchBudget)
	poll := e.pollInterval
	if poll <= 0 {
		poll = 200 * time.Millisecond
	}
	for time.Now().Before(deadline) {
		branches, err := e.store.Branches(ctx, state.exec.ID)
		if err != nil {
			return
		}
		allDone := true
		for _, branch := range branches {
			if !branch.Status.Terminal() {
				allDone = false
				break
			}
		}
		if allDone {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(poll):
		}
	}
	e.logger.Warn("branch budget exhausted; continuing without slow branches",
		logging.String(logging.FieldExecutionID, state.exec.ID),
		logging.String(logging.FieldStep, spec.Name))
}

// completeOrAwaitBranches finishes an execution whose own tree is done. With
// live branches remaining, the execution stays running; the last branch to
// finish finalizes it.
func (e *Executor) completeOrAwaitBranches(ctx context.Context, state *walkState) {
	branches, err := e.store.Branches(ctx, state.exec.ID)
	if err != nil {
		e.logger.Error("list branches", logging.Error(err))
		return
	}
	for _, branch := range branches {
		if !branch.Status.Terminal() {
			return
		}
	}
	e.finishExecution(ctx, state, store.ExecutionCompleted, "")
}

// maybeFinalizeParent completes a parent whose own steps are all terminal
// once its last branch finishes. Branch failures do not fail the parent.
func (e *Executor) maybeFinalizeParent(ctx context.Context, parentID string) {
	parent, err := e.store.GetExecution(ctx, parentID)
	if err != nil || parent == nil || parent.Status.Terminal() {
		return
	}
	steps, err := e.store.StepStates(ctx, parentID)
	if err != nil || len(steps) == 0 {
		return
	}
	for _, step := range steps {
		if !step.Status.Terminal() {
			return
		}
	}
	branches, err := e.store.Branches(ctx, parentID)
	if err != nil {
		return
	}
	for _, branch := range branches {
		if !branch.Status.Terminal() {
			return
		}
	}
	parent.Status = store.ExecutionCompleted
	if err := e.store.UpdateExecution(ctx, parent); err != nil {
		e.logger.Error("finalize parent execution",
			logging.String(logging.FieldExecutionID, parentID),
			logging.Error(err))
	}
}

func (e *Executor) markStep(ctx context.Context, state *walkState, spec *StepSpec, path string, status store.StepStatus, attempt int, errMsg string) error {
	stepState := &store.StepState{
		ExecutionID:  state.exec.ID,
		Path:         path,
		Name:         spec.Name,
		Type:         spec.Type,
		Status:       status,
		Attempt:      attempt,
		ErrorMessage: errMsg,
	}
	if attempt == 0 {
		if prev, err := e.store.GetStepState(ctx, state.exec.ID, path); err == nil && prev != nil {
			stepState.Attempt = prev.Attempt
		}
	}
	return e.store.UpsertStepState(ctx, stepState)
}

func (e *Executor) persistContext(ctx context.Context, state *walkState) error {
	raw, err := state.execCtx.Marshal()
	if err != nil {
		return err
	}
	state.exec.ContextJSON = raw
	return e.store.UpdateExecution(ctx, state.exec)
}

func (e *Executor) finishExecution(ctx context.Context, state *walkState, status store.ExecutionStatus, reason string) {
	state.exec.Status = status
	state.exec.ErrorMessage = reason
	if err := e.store.UpdateExecution(ctx, state.exec); err != nil {
		e.logger.Error("persist terminal execution state",
			logging.String(logging.FieldExecutionID, state.exec.ID),
			logging.Error(err))
		return
	}
	e.logger.Info("execution finished",
		logging.String(logging.FieldExecutionID, state.exec.ID),
		logging.String("status", string(status)))
}

func (e *Executor) failExecution(ctx context.Context, exec *store.Execution, reason string) {
	exec.Status = store.ExecutionFailed
	exec.ErrorMessage = reason
	if err := e.store.UpdateExecution(ctx, exec); err != nil {
		e.logger.Error("persist failed execution",
			logging.String(logging.FieldExecutionID, exec.ID),
			logging.Error(err))
	}
}
