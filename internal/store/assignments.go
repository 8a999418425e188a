package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const assignmentColumns = "id, job_id, encoder_id, input_path, output_path, profile_id, status, attempt, max_attempts, progress, fps, speed, eta_seconds, error_message, created_at, updated_at, completed_at"

// AssignmentSpec describes a new encode attempt binding.
type AssignmentSpec struct {
	JobID       string
	EncoderID   string
	InputPath   string
	OutputPath  string
	ProfileID   string
	Attempt     int
	MaxAttempts int
}

// NewAssignment inserts a pending assignment. The partial unique index on
// active assignments guarantees at most one in-flight attempt per job.
func (s *Store) NewAssignment(ctx context.Context, spec AssignmentSpec) (*Assignment, error) {
	if spec.JobID == "" || spec.EncoderID == "" {
		return nil, errors.New("assignment requires job and encoder identifiers")
	}
	if spec.Attempt <= 0 {
		spec.Attempt = 1
	}
	now := time.Now().UTC()
	assignment := &Assignment{
		ID:          uuid.NewString(),
		JobID:       spec.JobID,
		EncoderID:   spec.EncoderID,
		InputPath:   spec.InputPath,
		OutputPath:  spec.OutputPath,
		ProfileID:   spec.ProfileID,
		Status:      AssignmentPending,
		Attempt:     spec.Attempt,
		MaxAttempts: spec.MaxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO encoder_assignments (id, job_id, encoder_id, input_path, output_path, profile_id, status, attempt, max_attempts, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		assignment.ID,
		assignment.JobID,
		assignment.EncoderID,
		assignment.InputPath,
		assignment.OutputPath,
		nullableString(assignment.ProfileID),
		assignment.Status,
		assignment.Attempt,
		assignment.MaxAttempts,
		timestamp(now),
		timestamp(now),
	)
	if err != nil {
		return nil, fmt.Errorf("insert assignment: %w", err)
	}
	return assignment, nil
}

// GetAssignment fetches an assignment by identifier. Returns nil when absent.
func (s *Store) GetAssignment(ctx context.Context, id string) (*Assignment, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+assignmentColumns+` FROM encoder_assignments WHERE id = ?`, id)
	assignment, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get assignment: %w", err)
	}
	return assignment, nil
}

// ActiveAssignmentForJob returns the pending or encoding assignment for a
// job, or nil when none is in flight.
func (s *Store) ActiveAssignmentForJob(ctx context.Context, jobID string) (*Assignment, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+assignmentColumns+` FROM encoder_assignments
         WHERE job_id = ? AND status IN (?, ?) LIMIT 1`,
		jobID, AssignmentPending, AssignmentEncoding,
	)
	assignment, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active assignment: %w", err)
	}
	return assignment, nil
}

// LatestAssignmentForJob returns the most recent assignment regardless of
// status, or nil when the job has never been assigned.
func (s *Store) LatestAssignmentForJob(ctx context.Context, jobID string) (*Assignment, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+assignmentColumns+` FROM encoder_assignments
         WHERE job_id = ? ORDER BY attempt DESC LIMIT 1`,
		jobID,
	)
	assignment, err := scanAssignment(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest assignment: %w", err)
	}
	return assignment, nil
}

// AssignmentAttempts counts attempts recorded for a job.
func (s *Store) AssignmentAttempts(ctx context.Context, jobID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM encoder_assignments WHERE job_id = ?`, jobID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count assignment attempts: %w", err)
	}
	return count, nil
}

// UpdateAssignment persists changes to an existing assignment.
func (s *Store) UpdateAssignment(ctx context.Context, assignment *Assignment) error {
	if assignment == nil {
		return errors.New("assignment is nil")
	}
	assignment.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE encoder_assignments
         SET status = ?, progress = ?, fps = ?, speed = ?, eta_seconds = ?,
             error_message = ?, updated_at = ?, completed_at = ?
         WHERE id = ?`,
		assignment.Status,
		assignment.Progress,
		assignment.FPS,
		assignment.Speed,
		assignment.ETASeconds,
		nullableString(assignment.ErrorMessage),
		timestamp(assignment.UpdatedAt),
		nullableTime(assignment.CompletedAt),
		assignment.ID,
	)
	if err != nil {
		return fmt.Errorf("update assignment: %w", err)
	}
	return nil
}

// ActiveAssignmentsForEncoder lists the pending/encoding assignments held by
// one encoder.
func (s *Store) ActiveAssignmentsForEncoder(ctx context.Context, encoderID string) ([]*Assignment, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+assignmentColumns+` FROM encoder_assignments
         WHERE encoder_id = ? AND status IN (?, ?) ORDER BY created_at`,
		encoderID, AssignmentPending, AssignmentEncoding,
	)
	if err != nil {
		return nil, fmt.Errorf("list encoder assignments: %w", err)
	}
	defer rows.Close()

	var assignments []*Assignment
	for rows.Next() {
		assignment, err := scanAssignment(rows)
		if err != nil {
			return nil, err
		}
		assignments = append(assignments, assignment)
	}
	return assignments, rows.Err()
}

func scanAssignment(scanner rowScanner) (*Assignment, error) {
	var (
		id           string
		jobID        string
		encoderID    string
		inputPath    string
		outputPath   string
		profileID    sql.NullString
		statusStr    string
		attempt      int
		maxAttempts  int
		progress     float64
		fps          float64
		speed        float64
		etaSeconds   int64
		errorMessage sql.NullString
		createdRaw   sql.NullString
		updatedRaw   sql.NullString
		completedRaw sql.NullString
	)
	if err := scanner.Scan(
		&id, &jobID, &encoderID, &inputPath, &outputPath, &profileID, &statusStr,
		&attempt, &maxAttempts, &progress, &fps, &speed, &etaSeconds,
		&errorMessage, &createdRaw, &updatedRaw, &completedRaw,
	); err != nil {
		return nil, err
	}

	assignment := &Assignment{
		ID:           id,
		JobID:        jobID,
		EncoderID:    encoderID,
		InputPath:    inputPath,
		OutputPath:   outputPath,
		ProfileID:    profileID.String,
		Status:       AssignmentStatus(statusStr),
		Attempt:      attempt,
		MaxAttempts:  maxAttempts,
		Progress:     progress,
		FPS:          fps,
		Speed:        speed,
		ETASeconds:   etaSeconds,
		ErrorMessage: errorMessage.String,
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		assignment.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		assignment.UpdatedAt = updated
	}
	assignment.CompletedAt = parseNullableTime(completedRaw)
	return assignment, nil
}
