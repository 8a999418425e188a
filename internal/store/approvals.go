package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const approvalColumns = "id, request_id, execution_id, step_path, status, required_role, timeout_hours, auto_action, decided_by, decided_at, created_at"

// InsertApproval records a pending approval gate for a paused step.
func (s *Store) InsertApproval(ctx context.Context, approval *Approval) error {
	if approval == nil {
		return errors.New("approval is required")
	}
	if approval.Status == "" {
		approval.Status = ApprovalPending
	}
	approval.CreatedAt = time.Now().UTC()
	result, err := s.db.ExecContext(
		ctx,
		`INSERT INTO approvals (request_id, execution_id, step_path, status, required_role, timeout_hours, auto_action, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		approval.RequestID,
		approval.ExecutionID,
		approval.StepPath,
		approval.Status,
		nullableString(approval.RequiredRole),
		approval.TimeoutHours,
		approval.AutoAction,
		timestamp(approval.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert approval: %w", err)
	}
	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert approval id: %w", err)
	}
	approval.ID = id
	return nil
}

// GetApproval fetches an approval by id. Returns nil when absent.
func (s *Store) GetApproval(ctx context.Context, id int64) (*Approval, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+approvalColumns+` FROM approvals WHERE id = ?`, id)
	approval, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get approval: %w", err)
	}
	return approval, nil
}

// PendingApprovalForStep looks up the open gate for a specific step, if any.
func (s *Store) PendingApprovalForStep(ctx context.Context, executionID, stepPath string) (*Approval, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE execution_id = ? AND step_path = ? AND status = ? ORDER BY id DESC LIMIT 1`,
		executionID, stepPath, ApprovalPending,
	)
	approval, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("pending approval for step: %w", err)
	}
	return approval, nil
}

// LatestApprovalForStep returns the most recent gate for a step regardless of
// outcome, or nil when none exists.
func (s *Store) LatestApprovalForStep(ctx context.Context, executionID, stepPath string) (*Approval, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE execution_id = ? AND step_path = ? ORDER BY id DESC LIMIT 1`,
		executionID, stepPath,
	)
	approval, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest approval for step: %w", err)
	}
	return approval, nil
}

// PendingApprovals lists open gates oldest first.
func (s *Store) PendingApprovals(ctx context.Context) ([]*Approval, error) {
	return s.queryApprovals(
		ctx,
		`SELECT `+approvalColumns+` FROM approvals WHERE status = ? ORDER BY created_at ASC`,
		ApprovalPending,
	)
}

// ExpiredApprovals lists pending gates whose timeout window has elapsed.
func (s *Store) ExpiredApprovals(ctx context.Context, now time.Time) ([]*Approval, error) {
	approvals, err := s.PendingApprovals(ctx)
	if err != nil {
		return nil, err
	}
	var expired []*Approval
	for _, approval := range approvals {
		if approval.TimeoutHours <= 0 {
			continue
		}
		deadline := approval.CreatedAt.Add(time.Duration(approval.TimeoutHours) * time.Hour)
		if !now.Before(deadline) {
			expired = append(expired, approval)
		}
	}
	return expired, nil
}

// DecideApproval resolves a pending gate. The guard makes a second decision a
// no-op so concurrent operators and the timeout sweep cannot both win.
func (s *Store) DecideApproval(ctx context.Context, id int64, status ApprovalStatus, decidedBy string) (bool, error) {
	switch status {
	case ApprovalApproved, ApprovalRejected, ApprovalTimeout:
	default:
		return false, fmt.Errorf("decide approval: invalid terminal status %q", status)
	}
	result, err := s.db.ExecContext(
		ctx,
		`UPDATE approvals SET status = ?, decided_by = ?, decided_at = ? WHERE id = ? AND status = ?`,
		status,
		nullableString(decidedBy),
		timestamp(time.Now().UTC()),
		id,
		ApprovalPending,
	)
	if err != nil {
		return false, fmt.Errorf("decide approval: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("decide approval rows: %w", err)
	}
	return affected > 0, nil
}

func (s *Store) queryApprovals(ctx context.Context, query string, args ...any) ([]*Approval, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query approvals: %w", err)
	}
	defer rows.Close()

	var approvals []*Approval
	for rows.Next() {
		approval, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		approvals = append(approvals, approval)
	}
	return approvals, rows.Err()
}

func scanApproval(scanner rowScanner) (*Approval, error) {
	var (
		id           int64
		requestID    string
		executionID  string
		stepPath     string
		statusStr    string
		requiredRole sql.NullString
		timeoutHours int
		autoAction   string
		decidedBy    sql.NullString
		decidedRaw   sql.NullString
		createdRaw   sql.NullString
	)
	if err := scanner.Scan(
		&id, &requestID, &executionID, &stepPath, &statusStr, &requiredRole,
		&timeoutHours, &autoAction, &decidedBy, &decidedRaw, &createdRaw,
	); err != nil {
		return nil, err
	}

	approval := &Approval{
		ID:           id,
		RequestID:    requestID,
		ExecutionID:  executionID,
		StepPath:     stepPath,
		Status:       ApprovalStatus(statusStr),
		RequiredRole: requiredRole.String,
		TimeoutHours: timeoutHours,
		AutoAction:   ApprovalAction(autoAction),
		DecidedBy:    decidedBy.String,
	}
	approval.DecidedAt = parseNullableTime(decidedRaw)
	if created, err := parseTimeString(createdRaw.String); err == nil {
		approval.CreatedAt = created
	}
	return approval, nil
}
