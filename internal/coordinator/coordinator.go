// Package coordinator tracks remote encoder agents over long-lived WebSocket
// connections and matches delegated encode jobs to their capacity. The store
// owns all persisted state; the in-memory session table only maps encoder
// ids to live connections and is rebuilt as agents reconnect.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"fetcharr/internal/config"
	"fetcharr/internal/logging"
	"fetcharr/internal/services"
	"fetcharr/internal/store"
)

// EncodeJobType is the queue job type the coordinator dispatches.
const EncodeJobType = "encode"

// EncodePayload is the payload schema of an encode job.
type EncodePayload struct {
	InputPath  string          `json:"inputPath"`
	OutputPath string          `json:"outputPath"`
	ProfileID  string          `json:"profileId,omitempty"`
	Profile    json.RawMessage `json:"profile,omitempty"`
}

// Coordinator owns encoder sessions and assignment matching.
type Coordinator struct {
	cfg    *config.Config
	store  *store.Store
	logger *slog.Logger

	heartbeatInterval time.Duration
	livenessTimeout   time.Duration
	maxAttempts       int

	mu       sync.RWMutex
	sessions map[string]*session
	draining bool
}

// New constructs a coordinator over the shared store.
func New(cfg *config.Config, st *store.Store, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = logging.NewNop()
	}
	heartbeat := time.Duration(cfg.Coordinator.HeartbeatInterval) * time.Second
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	multiplier := cfg.Coordinator.LivenessMultiplier
	if multiplier < 2 {
		multiplier = 3
	}
	maxAttempts := cfg.Coordinator.AssignMaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &Coordinator{
		cfg:               cfg,
		store:             st,
		logger:            logging.NewComponentLogger(logger, "coordinator"),
		heartbeatInterval: heartbeat,
		livenessTimeout:   heartbeat * time.Duration(multiplier),
		maxAttempts:       maxAttempts,
		sessions:          make(map[string]*session),
	}
}

// Startup resets persisted encoder rows to offline; nothing is connected yet
// after a restart, and agents re-register on reconnect.
func (c *Coordinator) Startup(ctx context.Context) error {
	encoders, err := c.store.ListEncoders(ctx)
	if err != nil {
		return fmt.Errorf("reset encoder registry: %w", err)
	}
	for _, enc := range encoders {
		if enc.Status == store.EncoderOffline {
			continue
		}
		if err := c.store.SetEncoderStatus(ctx, enc.EncoderID, store.EncoderOffline); err != nil {
			return err
		}
	}
	return nil
}

// ConnectedEncoders lists encoder ids with live sessions.
func (c *Coordinator) ConnectedEncoders() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ids := make([]string, 0, len(c.sessions))
	for id := range c.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Dispatch matches delegated encode jobs with no active assignment to
// connected encoders with spare capacity. Called by the scheduler and after
// completion events free capacity.
func (c *Coordinator) Dispatch(ctx context.Context) error {
	c.mu.RLock()
	draining := c.draining
	c.mu.RUnlock()
	if draining {
		return nil
	}

	jobs, err := c.store.JobsAwaitingAssignment(ctx, EncodeJobType)
	if err != nil {
		return fmt.Errorf("list jobs awaiting assignment: %w", err)
	}
	for _, job := range jobs {
		if job.CancellationRequested {
			job.Status = store.JobCancelled
			if err := c.store.UpdateJob(ctx, job); err != nil {
				return err
			}
			continue
		}
		if err := c.assignJob(ctx, job); err != nil {
			c.logger.Warn("assignment attempt failed",
				logging.String(logging.FieldJobID, job.ID),
				logging.Error(err))
		}
	}
	return nil
}

// assignJob binds one job to the first connected encoder with capacity.
func (c *Coordinator) assignJob(ctx context.Context, job *store.Job) error {
	attempts, err := c.store.AssignmentAttempts(ctx, job.ID)
	if err != nil {
		return err
	}
	if attempts >= c.maxAttempts {
		job.Status = store.JobFailed
		job.ErrorMessage = fmt.Sprintf("encode abandoned after %d assignment attempts", attempts)
		return c.store.UpdateJob(ctx, job)
	}

	var payload EncodePayload
	if job.PayloadJSON != "" {
		if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
			job.Status = store.JobFailed
			job.ErrorMessage = "encode payload is not valid JSON"
			return c.store.UpdateJob(ctx, job)
		}
	}

	sess, encoder, err := c.pickEncoder(ctx)
	if err != nil {
		return err
	}
	if sess == nil {
		// No capacity right now; the next dispatch retries.
		return nil
	}

	assignment, err := c.store.NewAssignment(ctx, store.AssignmentSpec{
		JobID:       job.ID,
		EncoderID:   encoder.EncoderID,
		InputPath:   payload.InputPath,
		OutputPath:  payload.OutputPath,
		ProfileID:   payload.ProfileID,
		Attempt:     attempts + 1,
		MaxAttempts: c.maxAttempts,
	})
	if err != nil {
		return err
	}
	if err := c.store.AdjustEncoderLoad(ctx, encoder.EncoderID, 1); err != nil {
		return err
	}

	if err := sess.sendAssign(job.ID, payload); err != nil {
		// The send failed before the agent saw anything; roll the
		// assignment back so the job is immediately eligible again.
		assignment.Status = store.AssignmentFailed
		assignment.ErrorMessage = "assign message delivery failed"
		if updateErr := c.store.UpdateAssignment(ctx, assignment); updateErr != nil {
			return updateErr
		}
		if loadErr := c.store.AdjustEncoderLoad(ctx, encoder.EncoderID, -1); loadErr != nil {
			return loadErr
		}
		return services.Wrap(services.ErrTransient, "coordinator", "assign",
			fmt.Sprintf("send to encoder %s", encoder.EncoderID), err)
	}

	c.logger.Info("job assigned",
		logging.String(logging.FieldJobID, job.ID),
		logging.String(logging.FieldEncoderID, encoder.EncoderID),
		logging.String(logging.FieldAssignmentID, assignment.ID),
		logging.Int("attempt", assignment.Attempt))
	return nil
}

// pickEncoder returns a connected encoder with spare capacity, or nil when
// none is available.
func (c *Coordinator) pickEncoder(ctx context.Context) (*session, *store.Encoder, error) {
	c.mu.RLock()
	sessions := make([]*session, 0, len(c.sessions))
	for _, sess := range c.sessions {
		sessions = append(sessions, sess)
	}
	c.mu.RUnlock()

	for _, sess := range sessions {
		encoder, err := c.store.GetEncoder(ctx, sess.encoderID)
		if err != nil {
			return nil, nil, err
		}
		if encoder == nil {
			continue
		}
		switch encoder.Status {
		case store.EncoderOffline, store.EncoderError:
			continue
		}
		if encoder.CurrentJobs >= encoder.MaxConcurrent {
			continue
		}
		return sess, encoder, nil
	}
	return nil, nil, nil
}

// SweepLiveness transitions encoders with no recent heartbeat to offline and
// frees their in-flight assignments for reassignment.
func (c *Coordinator) SweepLiveness(ctx context.Context) error {
	cutoff := time.Now().Add(-c.livenessTimeout)
	stale, err := c.store.StaleEncoders(ctx, cutoff)
	if err != nil {
		return err
	}
	for _, encoder := range stale {
		c.logger.Warn("encoder missed liveness window",
			logging.String(logging.FieldEncoderID, encoder.EncoderID),
			logging.Duration("timeout", c.livenessTimeout))
		if err := c.markEncoderOffline(ctx, encoder.EncoderID, "liveness timeout"); err != nil {
			return err
		}
	}
	return nil
}

// markEncoderOffline releases one encoder's sessions and assignments.
func (c *Coordinator) markEncoderOffline(ctx context.Context, encoderID, reason string) error {
	c.mu.Lock()
	if sess, ok := c.sessions[encoderID]; ok {
		delete(c.sessions, encoderID)
		sess.close()
	}
	c.mu.Unlock()

	if err := c.store.SetEncoderStatus(ctx, encoderID, store.EncoderOffline); err != nil {
		return err
	}

	assignments, err := c.store.ActiveAssignmentsForEncoder(ctx, encoderID)
	if err != nil {
		return err
	}
	for _, assignment := range assignments {
		assignment.Status = store.AssignmentFailed
		assignment.ErrorMessage = fmt.Sprintf("encoder %s: %s", encoderID, reason)
		if err := c.store.UpdateAssignment(ctx, assignment); err != nil {
			return err
		}
		if err := c.releaseJobForRetry(ctx, assignment); err != nil {
			return err
		}
	}
	return nil
}

// reconcileAssignments compares the store's active assignments for an encoder
// against the job ids the agent reported at registration. An assignment the
// agent no longer holds reached its end while disconnected: a verified output
// file synthesizes the completion, anything else fails the assignment and
// releases the job for retry. The registration upsert already reset the
// encoder's load counter to the agent's own count, so no load adjustment
// happens here.
func (c *Coordinator) reconcileAssignments(ctx context.Context, encoderID string, activeJobs []string) error {
	assignments, err := c.store.ActiveAssignmentsForEncoder(ctx, encoderID)
	if err != nil {
		return err
	}
	if len(assignments) == 0 {
		return nil
	}
	held := make(map[string]struct{}, len(activeJobs))
	for _, jobID := range activeJobs {
		held[jobID] = struct{}{}
	}

	for _, assignment := range assignments {
		if _, ok := held[assignment.JobID]; ok {
			continue
		}
		if info, statErr := os.Stat(assignment.OutputPath); statErr == nil && !info.IsDir() && info.Size() > 0 {
			assignment.Status = store.AssignmentCompleted
			assignment.Progress = 100
			if err := c.store.UpdateAssignment(ctx, assignment); err != nil {
				return err
			}
			job, err := c.store.GetJob(ctx, assignment.JobID)
			if err != nil {
				return err
			}
			if job != nil && !job.Status.Terminal() {
				job.Status = store.JobCompleted
				job.Progress = 100
				job.PayloadJSON = mergeOutputPath(job.PayloadJSON, assignment.OutputPath)
				if err := c.store.UpdateJob(ctx, job); err != nil {
					return err
				}
			}
			if err := c.store.IncrementEncoderCounters(ctx, encoderID, 1, 0); err != nil {
				return err
			}
			c.logger.Info("recovered encode completion from verified output",
				logging.String(logging.FieldJobID, assignment.JobID),
				logging.String(logging.FieldEncoderID, encoderID))
			continue
		}

		assignment.Status = store.AssignmentFailed
		assignment.ErrorMessage = "lost during encoder reconnect"
		if err := c.store.UpdateAssignment(ctx, assignment); err != nil {
			return err
		}
		if err := c.releaseJobForRetry(ctx, assignment); err != nil {
			return err
		}
		c.logger.Warn("assignment lost during reconnect",
			logging.String(logging.FieldJobID, assignment.JobID),
			logging.String(logging.FieldEncoderID, encoderID))
	}
	return nil
}

// releaseJobForRetry makes a job eligible for a fresh assignment, or fails it
// when the attempt budget is spent.
func (c *Coordinator) releaseJobForRetry(ctx context.Context, assignment *store.Assignment) error {
	job, err := c.store.GetJob(ctx, assignment.JobID)
	if err != nil {
		return err
	}
	if job == nil || job.Status.Terminal() {
		return nil
	}
	if assignment.Attempt >= c.maxAttempts {
		job.Status = store.JobFailed
		job.ErrorMessage = fmt.Sprintf("encode failed after %d attempts: %s", assignment.Attempt, assignment.ErrorMessage)
		return c.store.UpdateJob(ctx, job)
	}
	// The job stays running and delegated with no active assignment, which
	// puts it back in the dispatch query.
	c.logger.Info("job released for reassignment",
		logging.String(logging.FieldJobID, job.ID),
		logging.Int("attempt", assignment.Attempt))
	return nil
}

// CancelJob forwards a cancellation to the encoder holding the job, if any.
func (c *Coordinator) CancelJob(ctx context.Context, jobID, reason string) error {
	assignment, err := c.store.ActiveAssignmentForJob(ctx, jobID)
	if err != nil {
		return err
	}
	if assignment == nil {
		return nil
	}
	c.mu.RLock()
	sess := c.sessions[assignment.EncoderID]
	c.mu.RUnlock()
	if sess == nil {
		return nil
	}
	return sess.sendCancel(jobID, reason)
}

// Shutdown broadcasts a reconnect hint and closes every session.
func (c *Coordinator) Shutdown(reconnectDelaySeconds int) {
	c.mu.Lock()
	c.draining = true
	sessions := make([]*session, 0, len(c.sessions))
	for id, sess := range c.sessions {
		sessions = append(sessions, sess)
		delete(c.sessions, id)
	}
	c.mu.Unlock()

	for _, sess := range sessions {
		sess.sendShutdown(reconnectDelaySeconds)
		sess.close()
	}
}
