// Package encoderagent implements the remote encoder worker that connects to
// the coordinator over a WebSocket, accepts encode assignments, and streams
// progress while ffmpeg runs.
//
// The agent reconnects with exponential backoff and re-registers with its
// live in-flight count, so an encode started before a network blip keeps
// running and reports its terminal state on the next connection.
package encoderagent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/fasthttp/websocket"

	"fetcharr/internal/config"
	"fetcharr/internal/logging"
	"fetcharr/internal/protocol"
)

const textMessage = 1

// Conn is the subset of the websocket connection the agent uses.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// DialFunc opens one connection to the coordinator.
type DialFunc func(ctx context.Context) (Conn, error)

// Agent is the encoder-side runtime. One Agent holds at most one live
// connection and up to maxConcurrent running encodes.
type Agent struct {
	cfg    *config.Config
	runner EncodeRunner
	logger *slog.Logger
	dial   DialFunc

	heartbeatInterval time.Duration
	reconnectMin      time.Duration
	reconnectMax      time.Duration
	maxConcurrent     int
	hostname          string

	mu      sync.Mutex
	conn    Conn
	jobs    map[string]*runningJob
	backlog []queuedOutcome
	writeMu sync.Mutex
}

type runningJob struct {
	cancel context.CancelFunc
}

// queuedOutcome is a terminal job frame that could not be delivered and waits
// for the next session.
type queuedOutcome struct {
	msgType string
	payload any
}

// New constructs an agent from configuration. When dial is nil, a
// fasthttp/websocket dialer against cfg.Encoder.ServerURL is used.
func New(cfg *config.Config, runner EncodeRunner, logger *slog.Logger, dial DialFunc) *Agent {
	agent := &Agent{
		cfg:               cfg,
		runner:            runner,
		logger:            logging.NewComponentLogger(logger, "encoderagent"),
		dial:              dial,
		heartbeatInterval: secondsOrDefault(cfg.Encoder.HeartbeatSeconds, 15*time.Second),
		reconnectMin:      secondsOrDefault(cfg.Encoder.ReconnectMinSeconds, time.Second),
		reconnectMax:      secondsOrDefault(cfg.Encoder.ReconnectMaxSeconds, time.Minute),
		maxConcurrent:     cfg.Encoder.MaxConcurrent,
		jobs:              make(map[string]*runningJob),
	}
	if agent.maxConcurrent < 1 {
		agent.maxConcurrent = 1
	}
	if agent.reconnectMax < agent.reconnectMin {
		agent.reconnectMax = agent.reconnectMin
	}
	if host, err := os.Hostname(); err == nil {
		agent.hostname = host
	}
	if agent.dial == nil {
		agent.dial = agent.dialServer
	}
	return agent
}

func secondsOrDefault(seconds int, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

func (a *Agent) dialServer(ctx context.Context) (Conn, error) {
	url := strings.TrimSpace(a.cfg.Encoder.ServerURL)
	if url == "" {
		return nil, errors.New("encoder server_url not configured")
	}
	header := http.Header{}
	if token := strings.TrimSpace(a.cfg.Paths.APIToken); token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, url, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return conn, nil
}

// Run connects, serves, and reconnects until ctx is cancelled. A successful
// session resets the backoff; a server:shutdown hint overrides it.
func (a *Agent) Run(ctx context.Context) error {
	backoff := a.reconnectMin
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		conn, err := a.dial(ctx)
		if err != nil {
			a.logger.Warn("connect failed",
				logging.Error(err),
				logging.Duration("retry_in", backoff))
			if !sleepCtx(ctx, backoff) {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff, a.reconnectMax)
			continue
		}

		reconnectDelay, err := a.serve(ctx, conn)
		a.detach(conn)
		conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}

		switch {
		case reconnectDelay > 0:
			// Graceful shutdown hint from the coordinator.
			a.logger.Info("server shutdown, reconnecting after hint",
				logging.Duration("delay", reconnectDelay))
			if !sleepCtx(ctx, reconnectDelay) {
				return ctx.Err()
			}
			backoff = a.reconnectMin
		case err != nil:
			a.logger.Warn("connection lost",
				logging.Error(err),
				logging.Duration("retry_in", backoff))
			if !sleepCtx(ctx, backoff) {
				return ctx.Err()
			}
			backoff = nextBackoff(backoff, a.reconnectMax)
		default:
			backoff = a.reconnectMin
		}
	}
}

func nextBackoff(current, limit time.Duration) time.Duration {
	doubled := current * 2
	if doubled > limit {
		return limit
	}
	return doubled
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// serve registers on conn and pumps messages until the connection drops, the
// server announces shutdown, or ctx is cancelled. The returned duration is
// the server's reconnect hint, zero when none was given.
func (a *Agent) serve(ctx context.Context, conn Conn) (time.Duration, error) {
	a.attach(conn)

	if err := a.register(conn); err != nil {
		return 0, err
	}

	interval, err := a.awaitRegistered(conn)
	if err != nil {
		return 0, err
	}
	a.logger.Info("registered with coordinator",
		logging.String(logging.FieldEncoderID, a.cfg.Encoder.EncoderID),
		logging.Duration("heartbeat_interval", interval),
		logging.Int("in_flight", a.inFlight()))

	if err := a.flushOutcomes(conn); err != nil {
		return 0, fmt.Errorf("flush queued outcomes: %w", err)
	}

	heartbeatCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go a.heartbeatLoop(heartbeatCtx, conn, interval)

	for {
		if err := ctx.Err(); err != nil {
			return 0, err
		}
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return 0, fmt.Errorf("read frame: %w", err)
		}
		env, err := protocol.Decode(frame)
		if err != nil {
			a.logger.Warn("dropping malformed frame", logging.Error(err))
			continue
		}
		switch env.Type {
		case protocol.TypePong:
			// Liveness acknowledged.
		case protocol.TypeJobAssign:
			a.handleAssign(ctx, env)
		case protocol.TypeJobCancel:
			a.handleCancel(env)
		case protocol.TypeServerShutdown:
			var shutdown protocol.ServerShutdown
			if err := protocol.DecodePayload(env, &shutdown); err != nil {
				a.logger.Warn("malformed shutdown frame", logging.Error(err))
			}
			delay := time.Duration(shutdown.ReconnectDelay) * time.Second
			if delay <= 0 {
				delay = a.reconnectMin
			}
			return delay, nil
		default:
			a.logger.Warn("unexpected message type", logging.String("type", env.Type))
		}
	}
}

func (a *Agent) register(conn Conn) error {
	active := a.activeJobIDs()
	return a.write(conn, protocol.TypeRegister, protocol.Register{
		EncoderID:     a.cfg.Encoder.EncoderID,
		Hostname:      a.hostname,
		GPUDevice:     a.cfg.Encoder.GPUDevice,
		MaxConcurrent: a.maxConcurrent,
		CurrentJobs:   len(active),
		ActiveJobs:    active,
	})
}

func (a *Agent) awaitRegistered(conn Conn) (time.Duration, error) {
	_, frame, err := conn.ReadMessage()
	if err != nil {
		return 0, fmt.Errorf("read registration reply: %w", err)
	}
	env, err := protocol.Decode(frame)
	if err != nil {
		return 0, err
	}
	if env.Type != protocol.TypeRegistered {
		return 0, fmt.Errorf("expected %s, got %s", protocol.TypeRegistered, env.Type)
	}
	var registered protocol.Registered
	if err := protocol.DecodePayload(env, &registered); err != nil {
		return 0, err
	}
	if registered.HeartbeatInterval > 0 {
		return time.Duration(registered.HeartbeatInterval) * time.Second, nil
	}
	return a.heartbeatInterval, nil
}

func (a *Agent) heartbeatLoop(ctx context.Context, conn Conn, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			inFlight := a.inFlight()
			state := "idle"
			if inFlight > 0 {
				state = "encoding"
			}
			err := a.write(conn, protocol.TypeHeartbeat, protocol.Heartbeat{
				EncoderID:   a.cfg.Encoder.EncoderID,
				CurrentJobs: inFlight,
				State:       state,
			})
			if err != nil {
				return
			}
		}
	}
}

func (a *Agent) handleAssign(ctx context.Context, env protocol.Envelope) {
	var assign protocol.JobAssign
	if err := protocol.DecodePayload(env, &assign); err != nil {
		a.logger.Warn("malformed assignment", logging.Error(err))
		return
	}
	jobLogger := a.logger.With(logging.String(logging.FieldJobID, assign.JobID))

	a.mu.Lock()
	if _, running := a.jobs[assign.JobID]; running {
		a.mu.Unlock()
		// Re-delivered assignment after a reconnect; the encode is still
		// going, so just re-confirm it.
		a.send(protocol.TypeJobAccepted, protocol.JobAccepted{
			JobID:     assign.JobID,
			EncoderID: a.cfg.Encoder.EncoderID,
		})
		return
	}
	if len(a.jobs) >= a.maxConcurrent {
		a.mu.Unlock()
		jobLogger.Warn("rejecting assignment over capacity",
			logging.Int("max_concurrent", a.maxConcurrent))
		a.send(protocol.TypeJobFailed, protocol.JobFailed{
			JobID:     assign.JobID,
			Error:     "encoder at capacity",
			Retriable: true,
		})
		return
	}
	jobCtx, cancel := context.WithCancel(ctx)
	a.jobs[assign.JobID] = &runningJob{cancel: cancel}
	a.mu.Unlock()

	a.send(protocol.TypeJobAccepted, protocol.JobAccepted{
		JobID:     assign.JobID,
		EncoderID: a.cfg.Encoder.EncoderID,
	})
	jobLogger.Info("assignment accepted",
		logging.String("input", assign.InputPath),
		logging.String("output", assign.OutputPath))

	go a.runJob(jobCtx, assign, jobLogger)
}

func (a *Agent) handleCancel(env protocol.Envelope) {
	var cancelMsg protocol.JobCancel
	if err := protocol.DecodePayload(env, &cancelMsg); err != nil {
		a.logger.Warn("malformed cancel", logging.Error(err))
		return
	}
	a.mu.Lock()
	job := a.jobs[cancelMsg.JobID]
	a.mu.Unlock()
	if job == nil {
		// Already complete; drop silently per protocol.
		return
	}
	a.logger.Info("cancelling encode",
		logging.String(logging.FieldJobID, cancelMsg.JobID),
		logging.String("reason", cancelMsg.Reason))
	job.cancel()
}

func (a *Agent) runJob(ctx context.Context, assign protocol.JobAssign, jobLogger *slog.Logger) {
	defer func() {
		a.mu.Lock()
		delete(a.jobs, assign.JobID)
		a.mu.Unlock()
	}()

	const progressInterval = time.Second
	var lastSent time.Time
	result, err := a.runner.Encode(ctx, EncodeRequest{
		JobID:      assign.JobID,
		InputPath:  assign.InputPath,
		OutputPath: assign.OutputPath,
		ProfileID:  assign.ProfileID,
		Profile:    assign.Profile,
	}, func(sample Progress) {
		now := time.Now()
		if !lastSent.IsZero() && now.Sub(lastSent) < progressInterval {
			return
		}
		lastSent = now
		percent := sample.Percent
		if percent < 0 {
			percent = 0
		}
		a.send(protocol.TypeJobProgress, protocol.JobProgress{
			JobID:       assign.JobID,
			Progress:    percent,
			Frame:       sample.Frame,
			FPS:         sample.FPS,
			Bitrate:     sample.Bitrate,
			TotalSize:   sample.TotalSize,
			ElapsedTime: sample.Elapsed,
			Speed:       sample.Speed,
		})
	})

	switch {
	case err == nil:
		jobLogger.Info("encode complete",
			logging.String("output", result.OutputPath),
			logging.Int64("output_size", result.OutputSize))
		a.sendOutcome(protocol.TypeJobComplete, protocol.JobComplete{
			JobID:      assign.JobID,
			OutputPath: result.OutputPath,
			OutputSize: result.OutputSize,
			Duration:   result.Duration,
		})
	case errors.Is(err, context.Canceled):
		jobLogger.Info("encode cancelled")
		a.sendOutcome(protocol.TypeJobFailed, protocol.JobFailed{
			JobID:     assign.JobID,
			Error:     "cancelled by coordinator",
			Retriable: false,
		})
	default:
		jobLogger.Error("encode failed", logging.Error(err))
		a.sendOutcome(protocol.TypeJobFailed, protocol.JobFailed{
			JobID:     assign.JobID,
			Error:     err.Error(),
			Retriable: true,
		})
	}
}

func (a *Agent) inFlight() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.jobs)
}

func (a *Agent) activeJobIDs() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.jobs))
	for id := range a.jobs {
		ids = append(ids, id)
	}
	return ids
}

func (a *Agent) attach(conn Conn) {
	a.mu.Lock()
	a.conn = conn
	a.mu.Unlock()
}

func (a *Agent) detach(conn Conn) {
	a.mu.Lock()
	if a.conn == conn {
		a.conn = nil
	}
	a.mu.Unlock()
}

// send writes on the current connection when one is attached. Progress and
// acceptance frames emitted while disconnected are dropped; the coordinator
// re-derives them from the store on reconnect.
func (a *Agent) send(msgType string, payload any) {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		a.logger.Warn("dropping frame while disconnected", logging.String("type", msgType))
		return
	}
	if err := a.write(conn, msgType, payload); err != nil {
		a.logger.Warn("write failed", logging.String("type", msgType), logging.Error(err))
	}
}

// sendOutcome delivers a terminal job frame, queueing it for the next session
// when no connection is up or the write fails. A lost terminal frame would
// strand the coordinator's assignment record.
func (a *Agent) sendOutcome(msgType string, payload any) {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn != nil {
		err := a.write(conn, msgType, payload)
		if err == nil {
			return
		}
		a.logger.Warn("outcome write failed", logging.String("type", msgType), logging.Error(err))
	}
	a.mu.Lock()
	a.backlog = append(a.backlog, queuedOutcome{msgType: msgType, payload: payload})
	a.mu.Unlock()
	a.logger.Info("queued job outcome for next session", logging.String("type", msgType))
}

// flushOutcomes replays queued terminal frames after a successful
// registration. An undeliverable frame goes back to the front of the queue.
func (a *Agent) flushOutcomes(conn Conn) error {
	a.mu.Lock()
	pending := a.backlog
	a.backlog = nil
	a.mu.Unlock()
	for i, outcome := range pending {
		if err := a.write(conn, outcome.msgType, outcome.payload); err != nil {
			a.mu.Lock()
			a.backlog = append(pending[i:], a.backlog...)
			a.mu.Unlock()
			return err
		}
	}
	if len(pending) > 0 {
		a.logger.Info("replayed queued job outcomes", logging.Int("count", len(pending)))
	}
	return nil
}

func (a *Agent) write(conn Conn, msgType string, payload any) error {
	frame, err := protocol.Encode(msgType, payload)
	if err != nil {
		return err
	}
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	return conn.WriteMessage(textMessage, frame)
}
