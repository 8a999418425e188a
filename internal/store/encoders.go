package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

const encoderColumns = "encoder_id, hostname, version, gpu_device, max_concurrent, current_jobs, status, last_heartbeat, completed_jobs, failed_jobs, updated_at"

// UpsertEncoder records a registration, preserving cumulative counters across
// reconnects.
func (s *Store) UpsertEncoder(ctx context.Context, enc *Encoder) error {
	if enc == nil || enc.EncoderID == "" {
		return errors.New("encoder id is required")
	}
	enc.UpdatedAt = time.Now().UTC()
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO encoders (encoder_id, hostname, version, gpu_device, max_concurrent, current_jobs, status, last_heartbeat, updated_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
         ON CONFLICT(encoder_id) DO UPDATE SET
            hostname = excluded.hostname, version = excluded.version,
            gpu_device = excluded.gpu_device, max_concurrent = excluded.max_concurrent,
            current_jobs = excluded.current_jobs, status = excluded.status,
            last_heartbeat = excluded.last_heartbeat, updated_at = excluded.updated_at`,
		enc.EncoderID,
		nullableString(enc.Hostname),
		nullableString(enc.Version),
		nullableString(enc.GPUDevice),
		enc.MaxConcurrent,
		enc.CurrentJobs,
		enc.Status,
		nullableTime(enc.LastHeartbeat),
		timestamp(enc.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("upsert encoder: %w", err)
	}
	return nil
}

// GetEncoder fetches an encoder record. Returns nil when absent.
func (s *Store) GetEncoder(ctx context.Context, encoderID string) (*Encoder, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+encoderColumns+` FROM encoders WHERE encoder_id = ?`, encoderID)
	enc, err := scanEncoder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get encoder: %w", err)
	}
	return enc, nil
}

// ListEncoders returns all known encoders ordered by identifier.
func (s *Store) ListEncoders(ctx context.Context) ([]*Encoder, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+encoderColumns+` FROM encoders ORDER BY encoder_id`)
	if err != nil {
		return nil, fmt.Errorf("list encoders: %w", err)
	}
	defer rows.Close()

	var encoders []*Encoder
	for rows.Next() {
		enc, err := scanEncoder(rows)
		if err != nil {
			return nil, err
		}
		encoders = append(encoders, enc)
	}
	return encoders, rows.Err()
}

// TouchEncoderHeartbeat records a heartbeat arrival with the reported load.
func (s *Store) TouchEncoderHeartbeat(ctx context.Context, encoderID string, currentJobs int, status EncoderStatus) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE encoders SET last_heartbeat = ?, current_jobs = ?, status = ?, updated_at = ? WHERE encoder_id = ?`,
		timestamp(now), currentJobs, status, timestamp(now), encoderID,
	)
	if err != nil {
		return fmt.Errorf("touch encoder heartbeat: %w", err)
	}
	return nil
}

// SetEncoderStatus transitions an encoder's availability state.
func (s *Store) SetEncoderStatus(ctx context.Context, encoderID string, status EncoderStatus) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE encoders SET status = ?, updated_at = ? WHERE encoder_id = ?`,
		status, timestamp(time.Now().UTC()), encoderID,
	)
	if err != nil {
		return fmt.Errorf("set encoder status: %w", err)
	}
	return nil
}

// AdjustEncoderLoad applies a delta to current_jobs, clamped at zero, and
// recomputes the idle/encoding status.
func (s *Store) AdjustEncoderLoad(ctx context.Context, encoderID string, delta int) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE encoders
         SET current_jobs = MAX(0, current_jobs + ?),
             status = CASE WHEN MAX(0, current_jobs + ?) > 0 THEN ? ELSE ? END,
             updated_at = ?
         WHERE encoder_id = ? AND status NOT IN (?, ?)`,
		delta, delta, EncoderEncoding, EncoderIdle,
		timestamp(time.Now().UTC()),
		encoderID, EncoderOffline, EncoderError,
	)
	if err != nil {
		return fmt.Errorf("adjust encoder load: %w", err)
	}
	return nil
}

// IncrementEncoderCounters bumps the cumulative completed/failed totals.
func (s *Store) IncrementEncoderCounters(ctx context.Context, encoderID string, completed, failed int64) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE encoders SET completed_jobs = completed_jobs + ?, failed_jobs = failed_jobs + ?, updated_at = ? WHERE encoder_id = ?`,
		completed, failed, timestamp(time.Now().UTC()), encoderID,
	)
	if err != nil {
		return fmt.Errorf("increment encoder counters: %w", err)
	}
	return nil
}

// StaleEncoders lists non-offline encoders with no heartbeat since the cutoff.
func (s *Store) StaleEncoders(ctx context.Context, cutoff time.Time) ([]*Encoder, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+encoderColumns+` FROM encoders
         WHERE status != ? AND (last_heartbeat IS NULL OR last_heartbeat < ?)
         ORDER BY encoder_id`,
		EncoderOffline,
		timestamp(cutoff),
	)
	if err != nil {
		return nil, fmt.Errorf("list stale encoders: %w", err)
	}
	defer rows.Close()

	var encoders []*Encoder
	for rows.Next() {
		enc, err := scanEncoder(rows)
		if err != nil {
			return nil, err
		}
		encoders = append(encoders, enc)
	}
	return encoders, rows.Err()
}

func scanEncoder(scanner rowScanner) (*Encoder, error) {
	var (
		encoderID     string
		hostname      sql.NullString
		version       sql.NullString
		gpuDevice     sql.NullString
		maxConcurrent int
		currentJobs   int
		statusStr     string
		heartbeatRaw  sql.NullString
		completedJobs int64
		failedJobs    int64
		updatedRaw    sql.NullString
	)
	if err := scanner.Scan(
		&encoderID, &hostname, &version, &gpuDevice, &maxConcurrent, &currentJobs,
		&statusStr, &heartbeatRaw, &completedJobs, &failedJobs, &updatedRaw,
	); err != nil {
		return nil, err
	}

	enc := &Encoder{
		EncoderID:     encoderID,
		Hostname:      hostname.String,
		Version:       version.String,
		GPUDevice:     gpuDevice.String,
		MaxConcurrent: maxConcurrent,
		CurrentJobs:   currentJobs,
		Status:        EncoderStatus(statusStr),
		CompletedJobs: completedJobs,
		FailedJobs:    failedJobs,
	}
	enc.LastHeartbeat = parseNullableTime(heartbeatRaw)
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		enc.UpdatedAt = updated
	}
	return enc, nil
}
