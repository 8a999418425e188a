package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const executionColumns = "id, request_id, template_id, status, context_json, parent_id, branch_key, error_message, started_at, updated_at, completed_at"

// NewExecution inserts a running execution for a request. parentID and
// branchKey are empty for root executions.
func (s *Store) NewExecution(ctx context.Context, requestID, templateID, parentID, branchKey string) (*Execution, error) {
	now := time.Now().UTC()
	exec := &Execution{
		ID:         uuid.NewString(),
		RequestID:  requestID,
		TemplateID: templateID,
		Status:     ExecutionRunning,
		ParentID:   parentID,
		BranchKey:  branchKey,
		StartedAt:  now,
		UpdatedAt:  now,
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO pipeline_executions (
            id, request_id, template_id, status, context_json, parent_id,
            branch_key, error_message, started_at, updated_at
        ) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID,
		requestID,
		templateID,
		exec.Status,
		nil,
		nullableString(parentID),
		nullableString(branchKey),
		nil,
		timestamp(now),
		timestamp(now),
	)
	if err != nil {
		return nil, fmt.Errorf("insert execution: %w", err)
	}
	return exec, nil
}

// GetExecution fetches an execution by identifier. Returns nil when absent.
func (s *Store) GetExecution(ctx context.Context, id string) (*Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM pipeline_executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get execution: %w", err)
	}
	return exec, nil
}

// UpdateExecution persists changes to an existing execution.
func (s *Store) UpdateExecution(ctx context.Context, exec *Execution) error {
	if exec == nil {
		return errors.New("execution is nil")
	}
	exec.UpdatedAt = time.Now().UTC()
	if exec.Status.Terminal() && exec.CompletedAt == nil {
		completed := exec.UpdatedAt
		exec.CompletedAt = &completed
	}
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE pipeline_executions
         SET status = ?, context_json = ?, error_message = ?, updated_at = ?, completed_at = ?
         WHERE id = ?`,
		exec.Status,
		nullableString(exec.ContextJSON),
		nullableString(exec.ErrorMessage),
		timestamp(exec.UpdatedAt),
		nullableTime(exec.CompletedAt),
		exec.ID,
	)
	if err != nil {
		return fmt.Errorf("update execution: %w", err)
	}
	return nil
}

// TouchExecution bumps updated_at so stall detection sees live progress.
func (s *Store) TouchExecution(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE pipeline_executions SET updated_at = ? WHERE id = ?`,
		timestamp(time.Now().UTC()),
		id,
	)
	if err != nil {
		return fmt.Errorf("touch execution: %w", err)
	}
	return nil
}

// ExecutionsByStatus lists executions matching any of the provided statuses,
// oldest first.
func (s *Store) ExecutionsByStatus(ctx context.Context, statuses ...ExecutionStatus) ([]*Execution, error) {
	baseQuery := `SELECT ` + executionColumns + ` FROM pipeline_executions`
	orderClause := ` ORDER BY started_at`

	var (
		rows *sql.Rows
		err  error
	)
	if len(statuses) == 0 {
		rows, err = s.db.QueryContext(ctx, baseQuery+orderClause)
	} else {
		placeholders := makePlaceholders(len(statuses))
		args := make([]any, len(statuses))
		for i, status := range statuses {
			args[i] = status
		}
		rows, err = s.db.QueryContext(ctx, baseQuery+` WHERE status IN (`+placeholders+`)`+orderClause, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("list executions: %w", err)
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

// Branches lists child executions spawned from a parent execution.
func (s *Store) Branches(ctx context.Context, parentID string) ([]*Execution, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+executionColumns+` FROM pipeline_executions WHERE parent_id = ? ORDER BY branch_key`,
		parentID,
	)
	if err != nil {
		return nil, fmt.Errorf("list branches: %w", err)
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

// StaleRunningExecutions returns running executions with no update since the
// cutoff. Used by the reconciler's stall sweep.
func (s *Store) StaleRunningExecutions(ctx context.Context, cutoff time.Time) ([]*Execution, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+executionColumns+` FROM pipeline_executions
         WHERE status = ? AND updated_at < ? ORDER BY updated_at`,
		ExecutionRunning,
		timestamp(cutoff),
	)
	if err != nil {
		return nil, fmt.Errorf("list stale executions: %w", err)
	}
	defer rows.Close()

	var execs []*Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	return execs, rows.Err()
}

// UpsertStepState persists the runtime state of one step node.
func (s *Store) UpsertStepState(ctx context.Context, state *StepState) error {
	if state == nil {
		return errors.New("step state is nil")
	}
	state.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO pipeline_steps (execution_id, path, name, type, status, attempt, error_message, last_progress_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(execution_id, path) DO UPDATE SET
            name = excluded.name, type = excluded.type, status = excluded.status,
            attempt = excluded.attempt, error_message = excluded.error_message,
            last_progress_at = excluded.last_progress_at, updated_at = excluded.updated_at`,
		state.ExecutionID,
		state.Path,
		state.Name,
		state.Type,
		state.Status,
		state.Attempt,
		nullableString(state.ErrorMessage),
		nullableTime(state.LastProgressAt),
		timestamp(state.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert step state: %w", err)
	}
	return nil
}

// GetStepState fetches one step node's runtime state. Returns nil when absent.
func (s *Store) GetStepState(ctx context.Context, executionID, path string) (*StepState, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT execution_id, path, name, type, status, attempt, error_message, last_progress_at, updated_at
         FROM pipeline_steps WHERE execution_id = ? AND path = ?`,
		executionID, path,
	)
	state, err := scanStepState(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get step state: %w", err)
	}
	return state, nil
}

// StepStates lists all persisted step nodes for an execution ordered by path.
func (s *Store) StepStates(ctx context.Context, executionID string) ([]*StepState, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT execution_id, path, name, type, status, attempt, error_message, last_progress_at, updated_at
         FROM pipeline_steps WHERE execution_id = ? ORDER BY path`,
		executionID,
	)
	if err != nil {
		return nil, fmt.Errorf("list step states: %w", err)
	}
	defer rows.Close()

	var states []*StepState
	for rows.Next() {
		state, err := scanStepState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, rows.Err()
}

// WaitingApprovalSteps lists steps halted at an approval gate for an execution.
func (s *Store) WaitingApprovalSteps(ctx context.Context, executionID string) ([]*StepState, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT execution_id, path, name, type, status, attempt, error_message, last_progress_at, updated_at
         FROM pipeline_steps WHERE execution_id = ? AND status = ? ORDER BY path`,
		executionID,
		StepWaitingApproval,
	)
	if err != nil {
		return nil, fmt.Errorf("list waiting steps: %w", err)
	}
	defer rows.Close()

	var states []*StepState
	for rows.Next() {
		state, err := scanStepState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, rows.Err()
}

func scanExecution(scanner rowScanner) (*Execution, error) {
	var (
		id           string
		requestID    string
		templateID   string
		statusStr    string
		contextJSON  sql.NullString
		parentID     sql.NullString
		branchKey    sql.NullString
		errorMessage sql.NullString
		startedRaw   sql.NullString
		updatedRaw   sql.NullString
		completedRaw sql.NullString
	)
	if err := scanner.Scan(
		&id, &requestID, &templateID, &statusStr, &contextJSON, &parentID,
		&branchKey, &errorMessage, &startedRaw, &updatedRaw, &completedRaw,
	); err != nil {
		return nil, err
	}

	exec := &Execution{
		ID:           id,
		RequestID:    requestID,
		TemplateID:   templateID,
		Status:       ExecutionStatus(statusStr),
		ContextJSON:  contextJSON.String,
		ParentID:     parentID.String,
		BranchKey:    branchKey.String,
		ErrorMessage: errorMessage.String,
	}
	if started, err := parseTimeString(startedRaw.String); err == nil {
		exec.StartedAt = started
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		exec.UpdatedAt = updated
	}
	exec.CompletedAt = parseNullableTime(completedRaw)
	return exec, nil
}

func scanStepState(scanner rowScanner) (*StepState, error) {
	var (
		executionID  string
		path         string
		name         string
		typeStr      string
		statusStr    string
		attempt      int
		errorMessage sql.NullString
		progressRaw  sql.NullString
		updatedRaw   sql.NullString
	)
	if err := scanner.Scan(
		&executionID, &path, &name, &typeStr, &statusStr, &attempt,
		&errorMessage, &progressRaw, &updatedRaw,
	); err != nil {
		return nil, err
	}

	state := &StepState{
		ExecutionID:  executionID,
		Path:         path,
		Name:         name,
		Type:         typeStr,
		Status:       StepStatus(statusStr),
		Attempt:      attempt,
		ErrorMessage: errorMessage.String,
	}
	state.LastProgressAt = parseNullableTime(progressRaw)
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		state.UpdatedAt = updated
	}
	return state, nil
}
