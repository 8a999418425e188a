package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const jobColumns = "id, type, payload_json, dedupe_key, priority, status, progress, current, total, request_id, parent_job_id, execution_id, delegated, cancellation_requested, error_message, created_at, updated_at, started_at, completed_at"

// JobSpec describes a job to insert.
type JobSpec struct {
	Type        string
	PayloadJSON string
	DedupeKey   string
	Priority    int
	RequestID   string
	ParentJobID string
	ExecutionID string
}

// InsertJob always creates a new pending job.
func (s *Store) InsertJob(ctx context.Context, spec JobSpec) (*Job, error) {
	if strings.TrimSpace(spec.Type) == "" {
		return nil, errors.New("job type is required")
	}
	now := time.Now().UTC()
	job := &Job{
		ID:          uuid.NewString(),
		Type:        spec.Type,
		PayloadJSON: spec.PayloadJSON,
		DedupeKey:   spec.DedupeKey,
		Priority:    spec.Priority,
		Status:      JobPending,
		RequestID:   spec.RequestID,
		ParentJobID: spec.ParentJobID,
		ExecutionID: spec.ExecutionID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO jobs (id, type, payload_json, dedupe_key, priority, status, request_id, parent_job_id, execution_id, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID,
		job.Type,
		nullableString(job.PayloadJSON),
		nullableString(job.DedupeKey),
		job.Priority,
		job.Status,
		nullableString(job.RequestID),
		nullableString(job.ParentJobID),
		nullableString(job.ExecutionID),
		timestamp(now),
		timestamp(now),
	)
	if err != nil {
		return nil, fmt.Errorf("insert job: %w", err)
	}
	return job, nil
}

// InsertJobIfAbsent returns the existing non-terminal job carrying the dedupe
// key, or inserts a new one. The partial unique index on active dedupe keys
// makes the insert atomic; a constraint failure means a concurrent caller won
// the race, so the winner's job is re-read and returned.
func (s *Store) InsertJobIfAbsent(ctx context.Context, spec JobSpec) (*Job, bool, error) {
	if strings.TrimSpace(spec.DedupeKey) == "" {
		return nil, false, errors.New("dedupe key is required")
	}

	existing, err := s.activeJobByDedupeKey(ctx, spec.DedupeKey)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}

	job, err := s.InsertJob(ctx, spec)
	if err == nil {
		return job, true, nil
	}
	// Lost the race: the unique index rejected the insert, so the winner's
	// row must exist now.
	existing, lookupErr := s.activeJobByDedupeKey(ctx, spec.DedupeKey)
	if lookupErr != nil {
		return nil, false, errors.Join(err, lookupErr)
	}
	if existing != nil {
		return existing, false, nil
	}
	return nil, false, err
}

func (s *Store) activeJobByDedupeKey(ctx context.Context, key string) (*Job, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+jobColumns+` FROM jobs
         WHERE dedupe_key = ? AND status IN (?, ?) LIMIT 1`,
		key, JobPending, JobRunning,
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup active job by dedupe key: %w", err)
	}
	return job, nil
}

// GetJob fetches a job by identifier. Returns nil when absent.
func (s *Store) GetJob(ctx context.Context, id string) (*Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// UpdateJob persists changes to an existing job.
func (s *Store) UpdateJob(ctx context.Context, job *Job) error {
	if job == nil {
		return errors.New("job is nil")
	}
	job.UpdatedAt = time.Now().UTC()
	if job.Status.Terminal() && job.CompletedAt == nil {
		completed := job.UpdatedAt
		job.CompletedAt = &completed
	}
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs
         SET status = ?, progress = ?, current = ?, total = ?, delegated = ?,
             cancellation_requested = ?, error_message = ?, updated_at = ?,
             started_at = ?, completed_at = ?
         WHERE id = ?`,
		job.Status,
		job.Progress,
		job.Current,
		job.Total,
		boolToInt(job.Delegated),
		boolToInt(job.CancellationRequested),
		nullableString(job.ErrorMessage),
		timestamp(job.UpdatedAt),
		nullableTime(job.StartedAt),
		nullableTime(job.CompletedAt),
		job.ID,
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	return nil
}

// ClaimNextJob atomically transitions the highest-priority pending job to
// running and returns it. Priority descends; creation order breaks ties.
// Returns nil when no pending work exists.
func (s *Store) ClaimNextJob(ctx context.Context) (*Job, error) {
	var claimed *Job
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(
			ctx,
			`SELECT `+jobColumns+` FROM jobs WHERE status = ?
             ORDER BY priority DESC, created_at LIMIT 1`,
			JobPending,
		)
		job, err := scanJob(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select next job: %w", err)
		}

		now := time.Now().UTC()
		res, err := tx.ExecContext(
			ctx,
			`UPDATE jobs SET status = ?, started_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
			JobRunning, timestamp(now), timestamp(now), job.ID, JobPending,
		)
		if err != nil {
			return fmt.Errorf("claim job: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("rows affected: %w", err)
		}
		if affected == 0 {
			return nil
		}
		job.Status = JobRunning
		job.StartedAt = &now
		job.UpdatedAt = now
		claimed = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// RequestJobCancellation sets the cooperative cancellation flag. Handlers
// observe it at their next checkpoint; pending jobs cancel immediately.
func (s *Store) RequestJobCancellation(ctx context.Context, id string) (*Job, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("job %s: %w", id, sql.ErrNoRows)
	}
	if job.Status.Terminal() {
		return job, nil
	}
	now := time.Now().UTC()
	job.CancellationRequested = true
	if job.Status == JobPending {
		job.Status = JobCancelled
		job.CompletedAt = &now
	}
	if err := s.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// RetryJob returns a failed or cancelled job to pending for another attempt.
func (s *Store) RetryJob(ctx context.Context, id string) (*Job, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("job %s: %w", id, sql.ErrNoRows)
	}
	switch job.Status {
	case JobFailed, JobCancelled:
	default:
		return nil, fmt.Errorf("job %s is %s, only failed or cancelled jobs can be retried", id, job.Status)
	}
	job.Status = JobPending
	job.Delegated = false
	job.CancellationRequested = false
	job.ErrorMessage = ""
	job.Progress = 0
	job.StartedAt = nil
	job.CompletedAt = nil
	if err := s.UpdateJob(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// ReturnJobToPending places a delegated job back in the queue, clearing the
// delegated marker so a consumer re-dispatches it.
func (s *Store) ReturnJobToPending(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE jobs SET status = ?, delegated = 0, started_at = NULL, updated_at = ? WHERE id = ? AND status = ?`,
		JobPending, timestamp(now), id, JobRunning,
	)
	if err != nil {
		return fmt.Errorf("return job to pending: %w", err)
	}
	return nil
}

// JobsByStatus lists jobs matching a status ordered by creation time.
func (s *Store) JobsByStatus(ctx context.Context, statuses ...JobStatus) ([]*Job, error) {
	baseQuery := `SELECT ` + jobColumns + ` FROM jobs`
	orderClause := ` ORDER BY priority DESC, created_at`

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
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// JobsAwaitingAssignment lists delegated encode jobs with no active
// assignment. These are the coordinator's dispatch source.
func (s *Store) JobsAwaitingAssignment(ctx context.Context, jobType string) ([]*Job, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+jobColumns+` FROM jobs j
         WHERE j.type = ? AND j.status = ? AND j.delegated = 1
           AND NOT EXISTS (
               SELECT 1 FROM encoder_assignments a
               WHERE a.job_id = j.id AND a.status IN (?, ?)
           )
         ORDER BY j.priority DESC, j.created_at`,
		jobType, JobRunning, AssignmentPending, AssignmentEncoding,
	)
	if err != nil {
		return nil, fmt.Errorf("list jobs awaiting assignment: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// ActiveJobsForExecution lists non-terminal jobs belonging to an execution.
func (s *Store) ActiveJobsForExecution(ctx context.Context, executionID string) ([]*Job, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE execution_id = ? AND status IN (?, ?) ORDER BY created_at`,
		executionID, JobPending, JobRunning,
	)
	if err != nil {
		return nil, fmt.Errorf("list execution jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// CleanupJobs removes terminal jobs whose completion predates the cutoff.
func (s *Store) CleanupJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(
		ctx,
		`DELETE FROM jobs WHERE status IN (?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?`,
		JobCompleted, JobFailed, JobCancelled,
		timestamp(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("cleanup jobs: %w", err)
	}
	return res.RowsAffected()
}

// ClearJobs deletes all jobs in the given terminal statuses and reports how
// many rows were removed. Non-terminal statuses are rejected so active work
// cannot be dropped.
func (s *Store) ClearJobs(ctx context.Context, statuses ...JobStatus) (int64, error) {
	if len(statuses) == 0 {
		statuses = []JobStatus{JobCompleted, JobFailed, JobCancelled}
	}
	placeholders := make([]string, 0, len(statuses))
	args := make([]any, 0, len(statuses))
	for _, status := range statuses {
		if !status.Terminal() {
			return 0, fmt.Errorf("clear jobs: status %q is not terminal", status)
		}
		placeholders = append(placeholders, "?")
		args = append(args, status)
	}
	query := fmt.Sprintf(`DELETE FROM jobs WHERE status IN (%s)`, strings.Join(placeholders, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("clear jobs: %w", err)
	}
	return res.RowsAffected()
}

// JobStats returns a count of jobs grouped by status.
func (s *Store) JobStats(ctx context.Context) (map[JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("job stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[JobStatus]int)
	for rows.Next() {
		var status JobStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

func scanJob(scanner rowScanner) (*Job, error) {
	var (
		id            string
		typeStr       string
		payload       sql.NullString
		dedupeKey     sql.NullString
		priority      int
		statusStr     string
		progress      float64
		current       int64
		total         int64
		requestID     sql.NullString
		parentJobID   sql.NullString
		executionID   sql.NullString
		delegated     int
		cancRequested int
		errorMessage  sql.NullString
		createdRaw    sql.NullString
		updatedRaw    sql.NullString
		startedRaw    sql.NullString
		completedRaw  sql.NullString
	)
	if err := scanner.Scan(
		&id, &typeStr, &payload, &dedupeKey, &priority, &statusStr, &progress,
		&current, &total, &requestID, &parentJobID, &executionID, &delegated,
		&cancRequested, &errorMessage, &createdRaw, &updatedRaw, &startedRaw, &completedRaw,
	); err != nil {
		return nil, err
	}

	job := &Job{
		ID:                    id,
		Type:                  typeStr,
		PayloadJSON:           payload.String,
		DedupeKey:             dedupeKey.String,
		Priority:              priority,
		Status:                JobStatus(statusStr),
		Progress:              progress,
		Current:               current,
		Total:                 total,
		RequestID:             requestID.String,
		ParentJobID:           parentJobID.String,
		ExecutionID:           executionID.String,
		Delegated:             delegated != 0,
		CancellationRequested: cancRequested != 0,
		ErrorMessage:          errorMessage.String,
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		job.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		job.UpdatedAt = updated
	}
	job.StartedAt = parseNullableTime(startedRaw)
	job.CompletedAt = parseNullableTime(completedRaw)
	return job, nil
}
