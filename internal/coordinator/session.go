package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"fetcharr/internal/logging"
	"fetcharr/internal/protocol"
	"fetcharr/internal/store"
)

// Conn is the subset of a WebSocket connection the coordinator needs.
// gofiber/contrib/websocket connections satisfy it directly.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// textMessage mirrors websocket.TextMessage without importing the package
// here, keeping session logic testable with fake connections.
const textMessage = 1

type session struct {
	encoderID string
	conn      Conn

	writeMu sync.Mutex
	once    sync.Once
}

func (s *session) send(msgType string, payload any) error {
	frame, err := protocol.Encode(msgType, payload)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(textMessage, frame)
}

func (s *session) sendAssign(jobID string, payload EncodePayload) error {
	return s.send(protocol.TypeJobAssign, protocol.JobAssign{
		JobID:      jobID,
		InputPath:  payload.InputPath,
		OutputPath: payload.OutputPath,
		ProfileID:  payload.ProfileID,
		Profile:    payload.Profile,
	})
}

func (s *session) sendCancel(jobID, reason string) error {
	return s.send(protocol.TypeJobCancel, protocol.JobCancel{JobID: jobID, Reason: reason})
}

func (s *session) sendShutdown(reconnectDelaySeconds int) {
	_ = s.send(protocol.TypeServerShutdown, protocol.ServerShutdown{ReconnectDelay: reconnectDelaySeconds})
}

func (s *session) close() {
	s.once.Do(func() {
		_ = s.conn.Close()
	})
}

// HandleConnection owns one encoder connection from registration to
// disconnect. It blocks until the connection drops, so callers run it on the
// connection's goroutine (fiber's websocket handler does this naturally).
func (c *Coordinator) HandleConnection(ctx context.Context, conn Conn) {
	sess, err := c.awaitRegistration(ctx, conn)
	if err != nil {
		c.logger.Warn("encoder registration failed", logging.Error(err))
		_ = conn.Close()
		return
	}
	logger := c.logger.With(logging.String(logging.FieldEncoderID, sess.encoderID))
	logger.Info("encoder connected")

	// A fresh connection may carry capacity for queued work.
	if err := c.Dispatch(ctx); err != nil {
		logger.Warn("dispatch after connect failed", logging.Error(err))
	}

	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			break
		}
		env, err := protocol.Decode(frame)
		if err != nil {
			logger.Warn("undecodable frame from encoder", logging.Error(err))
			continue
		}
		if err := c.handleMessage(ctx, sess, env); err != nil {
			logger.Warn("encoder message rejected",
				logging.String(logging.FieldEventType, env.Type),
				logging.Error(err))
		}
	}

	c.mu.Lock()
	if current, ok := c.sessions[sess.encoderID]; ok && current == sess {
		delete(c.sessions, sess.encoderID)
	}
	c.mu.Unlock()
	sess.close()
	logger.Info("encoder disconnected")
}

// awaitRegistration requires the first frame to be a register message.
func (c *Coordinator) awaitRegistration(ctx context.Context, conn Conn) (*session, error) {
	_, frame, err := conn.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("read registration: %w", err)
	}
	env, err := protocol.Decode(frame)
	if err != nil {
		return nil, err
	}
	if env.Type != protocol.TypeRegister {
		return nil, fmt.Errorf("expected register, got %q", env.Type)
	}
	var reg protocol.Register
	if err := protocol.DecodePayload(env, &reg); err != nil {
		return nil, err
	}
	if reg.EncoderID == "" {
		return nil, fmt.Errorf("register without encoder id")
	}
	if reg.MaxConcurrent <= 0 {
		reg.MaxConcurrent = 1
	}

	status := store.EncoderIdle
	if reg.CurrentJobs > 0 {
		status = store.EncoderEncoding
	}
	now := time.Now().UTC()
	if err := c.store.UpsertEncoder(ctx, &store.Encoder{
		EncoderID:     reg.EncoderID,
		Hostname:      reg.Hostname,
		Version:       reg.Version,
		GPUDevice:     reg.GPUDevice,
		MaxConcurrent: reg.MaxConcurrent,
		CurrentJobs:   reg.CurrentJobs,
		Status:        status,
		LastHeartbeat: &now,
	}); err != nil {
		return nil, err
	}

	sess := &session{encoderID: reg.EncoderID, conn: conn}
	c.mu.Lock()
	if previous, ok := c.sessions[reg.EncoderID]; ok {
		previous.close()
	}
	c.sessions[reg.EncoderID] = sess
	c.mu.Unlock()

	if err := sess.send(protocol.TypeRegistered, protocol.Registered{
		EncoderID:         reg.EncoderID,
		HeartbeatInterval: int(c.heartbeatInterval / time.Second),
	}); err != nil {
		// The session never became usable; leaving it in the table would
		// shadow the encoder's next connection attempt.
		c.mu.Lock()
		if current, ok := c.sessions[reg.EncoderID]; ok && current == sess {
			delete(c.sessions, reg.EncoderID)
		}
		c.mu.Unlock()
		return nil, fmt.Errorf("acknowledge registration: %w", err)
	}

	if err := c.reconcileAssignments(ctx, reg.EncoderID, reg.ActiveJobs); err != nil {
		c.logger.Warn("assignment reconcile after registration failed",
			logging.String(logging.FieldEncoderID, reg.EncoderID),
			logging.Error(err))
	}
	return sess, nil
}

func (c *Coordinator) handleMessage(ctx context.Context, sess *session, env protocol.Envelope) error {
	switch env.Type {
	case protocol.TypeHeartbeat:
		var hb protocol.Heartbeat
		if err := protocol.DecodePayload(env, &hb); err != nil {
			return err
		}
		return c.handleHeartbeat(ctx, sess, hb)
	case protocol.TypeJobAccepted:
		var accepted protocol.JobAccepted
		if err := protocol.DecodePayload(env, &accepted); err != nil {
			return err
		}
		return c.handleAccepted(ctx, sess, accepted)
	case protocol.TypeJobProgress:
		var progress protocol.JobProgress
		if err := protocol.DecodePayload(env, &progress); err != nil {
			return err
		}
		return c.handleProgress(ctx, progress)
	case protocol.TypeJobComplete:
		var complete protocol.JobComplete
		if err := protocol.DecodePayload(env, &complete); err != nil {
			return err
		}
		return c.handleComplete(ctx, sess, complete)
	case protocol.TypeJobFailed:
		var failed protocol.JobFailed
		if err := protocol.DecodePayload(env, &failed); err != nil {
			return err
		}
		return c.handleFailed(ctx, sess, failed)
	default:
		return fmt.Errorf("unexpected message type %q", env.Type)
	}
}

func (c *Coordinator) handleHeartbeat(ctx context.Context, sess *session, hb protocol.Heartbeat) error {
	// A heartbeat racing a just-sent assignment carries a count sampled
	// before the accept; the store's active assignments are the floor.
	assignments, err := c.store.ActiveAssignmentsForEncoder(ctx, sess.encoderID)
	if err != nil {
		return err
	}
	jobs := hb.CurrentJobs
	if len(assignments) > jobs {
		jobs = len(assignments)
	}
	status := store.EncoderIdle
	if jobs > 0 {
		status = store.EncoderEncoding
	}
	if hb.State == "error" {
		status = store.EncoderError
	}
	if err := c.store.TouchEncoderHeartbeat(ctx, sess.encoderID, jobs, status); err != nil {
		return err
	}
	return sess.send(protocol.TypePong, protocol.Pong{Timestamp: time.Now().UTC()})
}

func (c *Coordinator) handleAccepted(ctx context.Context, sess *session, accepted protocol.JobAccepted) error {
	assignment, err := c.store.ActiveAssignmentForJob(ctx, accepted.JobID)
	if err != nil {
		return err
	}
	if assignment == nil || assignment.EncoderID != sess.encoderID {
		return fmt.Errorf("no active assignment for job %s on this encoder", accepted.JobID)
	}
	if assignment.Status != store.AssignmentPending {
		// Duplicate accept after a blip; nothing to do.
		return nil
	}
	assignment.Status = store.AssignmentEncoding
	return c.store.UpdateAssignment(ctx, assignment)
}

func (c *Coordinator) handleProgress(ctx context.Context, progress protocol.JobProgress) error {
	assignment, err := c.store.ActiveAssignmentForJob(ctx, progress.JobID)
	if err != nil {
		return err
	}
	if assignment == nil {
		// Late telemetry after a terminal event; discard.
		return nil
	}
	assignment.Progress = progress.Progress
	assignment.FPS = progress.FPS
	assignment.Speed = progress.Speed
	assignment.ETASeconds = progress.ETA
	if err := c.store.UpdateAssignment(ctx, assignment); err != nil {
		return err
	}

	job, err := c.store.GetJob(ctx, progress.JobID)
	if err != nil || job == nil || job.Status.Terminal() {
		return err
	}
	job.Progress = progress.Progress
	return c.store.UpdateJob(ctx, job)
}

// handleComplete finalizes one encode. Duplicate deliveries are acknowledged
// and discarded so counters never double-increment.
func (c *Coordinator) handleComplete(ctx context.Context, sess *session, complete protocol.JobComplete) error {
	assignment, err := c.store.LatestAssignmentForJob(ctx, complete.JobID)
	if err != nil {
		return err
	}
	if assignment == nil {
		return fmt.Errorf("completion for unknown job %s", complete.JobID)
	}
	if assignment.Status.Terminal() {
		return nil
	}

	assignment.Status = store.AssignmentCompleted
	assignment.Progress = 100
	if err := c.store.UpdateAssignment(ctx, assignment); err != nil {
		return err
	}

	job, err := c.store.GetJob(ctx, complete.JobID)
	if err != nil {
		return err
	}
	if job != nil && !job.Status.Terminal() {
		job.Status = store.JobCompleted
		job.Progress = 100
		if complete.OutputPath != "" {
			job.PayloadJSON = mergeOutputPath(job.PayloadJSON, complete.OutputPath)
		}
		if err := c.store.UpdateJob(ctx, job); err != nil {
			return err
		}
	}

	if err := c.store.AdjustEncoderLoad(ctx, assignment.EncoderID, -1); err != nil {
		return err
	}
	if err := c.store.IncrementEncoderCounters(ctx, assignment.EncoderID, 1, 0); err != nil {
		return err
	}
	c.logger.Info("encode completed",
		logging.String(logging.FieldJobID, complete.JobID),
		logging.String(logging.FieldEncoderID, assignment.EncoderID))

	// Freed capacity may unblock a queued job.
	return c.Dispatch(ctx)
}

func (c *Coordinator) handleFailed(ctx context.Context, sess *session, failed protocol.JobFailed) error {
	assignment, err := c.store.LatestAssignmentForJob(ctx, failed.JobID)
	if err != nil {
		return err
	}
	if assignment == nil {
		return fmt.Errorf("failure for unknown job %s", failed.JobID)
	}
	if assignment.Status.Terminal() {
		return nil
	}

	assignment.Status = store.AssignmentFailed
	assignment.ErrorMessage = failed.Error
	if err := c.store.UpdateAssignment(ctx, assignment); err != nil {
		return err
	}
	if err := c.store.AdjustEncoderLoad(ctx, assignment.EncoderID, -1); err != nil {
		return err
	}
	if err := c.store.IncrementEncoderCounters(ctx, assignment.EncoderID, 0, 1); err != nil {
		return err
	}

	job, err := c.store.GetJob(ctx, failed.JobID)
	if err != nil {
		return err
	}
	if job == nil || job.Status.Terminal() {
		return nil
	}
	if !failed.Retriable || assignment.Attempt >= c.maxAttempts {
		job.Status = store.JobFailed
		job.ErrorMessage = failed.Error
		return c.store.UpdateJob(ctx, job)
	}
	// Retriable with budget left: the job stays delegated and the next
	// dispatch creates attempt n+1.
	return c.Dispatch(ctx)
}

func mergeOutputPath(payloadJSON, outputPath string) string {
	var payload map[string]any
	if payloadJSON != "" {
		if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
			return payloadJSON
		}
	}
	if payload == nil {
		payload = make(map[string]any)
	}
	payload["outputPath"] = outputPath
	merged, err := json.Marshal(payload)
	if err != nil {
		return payloadJSON
	}
	return string(merged)
}
