package encoderagent

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fetcharr/internal/config"
	"fetcharr/internal/logging"
	"fetcharr/internal/protocol"
	"fetcharr/internal/testsupport"
)

type fakeConn struct {
	in        chan []byte
	out       chan []byte
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 16),
		out:    make(chan []byte, 16),
		closed: make(chan struct{}),
	}
}

func (f *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case frame := <-f.in:
		return textMessage, frame, nil
	case <-f.closed:
		return 0, nil, errors.New("connection closed")
	}
}

func (f *fakeConn) WriteMessage(messageType int, data []byte) error {
	select {
	case f.out <- data:
		return nil
	case <-f.closed:
		return errors.New("connection closed")
	}
}

func (f *fakeConn) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeConn) push(t *testing.T, msgType string, payload any) {
	t.Helper()
	frame, err := protocol.Encode(msgType, payload)
	if err != nil {
		t.Fatalf("encode %s: %v", msgType, err)
	}
	select {
	case f.in <- frame:
	case <-time.After(time.Second):
		t.Fatalf("push %s timed out", msgType)
	}
}

func (f *fakeConn) expect(t *testing.T, msgType string) protocol.Envelope {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case frame := <-f.out:
			env, err := protocol.Decode(frame)
			if err != nil {
				t.Fatalf("decode frame: %v", err)
			}
			if env.Type == msgType {
				return env
			}
			// Heartbeats interleave with job frames; skip them.
		case <-deadline:
			t.Fatalf("never received %s", msgType)
		}
	}
}

type fakeRunner struct {
	mu       sync.Mutex
	started  chan EncodeRequest
	finish   chan struct{}
	result   EncodeResult
	err      error
	progress []Progress
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{
		started: make(chan EncodeRequest, 4),
		finish:  make(chan struct{}),
	}
}

func (f *fakeRunner) Encode(ctx context.Context, req EncodeRequest, progress func(Progress)) (EncodeResult, error) {
	f.started <- req
	f.mu.Lock()
	samples := f.progress
	f.mu.Unlock()
	for _, sample := range samples {
		if progress != nil {
			progress(sample)
		}
	}
	select {
	case <-ctx.Done():
		return EncodeResult{}, ctx.Err()
	case <-f.finish:
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.result, f.err
}

func startAgent(t *testing.T, cfg *config.Config, runner EncodeRunner, conns chan Conn) (context.CancelFunc, chan error) {
	t.Helper()
	dial := func(ctx context.Context) (Conn, error) {
		select {
		case conn := <-conns:
			return conn, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	agent := New(cfg, runner, logging.NewNop(), dial)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- agent.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Error("agent did not stop")
		}
	})
	return cancel, done
}

func register(t *testing.T, conn *fakeConn, heartbeatSeconds int) protocol.Register {
	t.Helper()
	env := conn.expect(t, protocol.TypeRegister)
	var reg protocol.Register
	if err := protocol.DecodePayload(env, &reg); err != nil {
		t.Fatalf("decode register: %v", err)
	}
	conn.push(t, protocol.TypeRegistered, protocol.Registered{
		EncoderID:         reg.EncoderID,
		HeartbeatInterval: heartbeatSeconds,
	})
	return reg
}

func TestAgentRegistersAndRunsAssignment(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithEncoderSettings("ws://127.0.0.1:0/ws/encoders", "encoder-a"))
	runner := newFakeRunner()
	runner.result = EncodeResult{OutputPath: "/staging/out.mkv", OutputSize: 4096}
	runner.progress = []Progress{{Percent: 42, FPS: 60}}

	conns := make(chan Conn, 2)
	conn := newFakeConn()
	conns <- conn
	startAgent(t, cfg, runner, conns)

	reg := register(t, conn, 1)
	if reg.EncoderID != "encoder-a" || reg.CurrentJobs != 0 {
		t.Fatalf("unexpected register payload: %#v", reg)
	}

	conn.push(t, protocol.TypeJobAssign, protocol.JobAssign{
		JobID:      "job-1",
		InputPath:  "/staging/in.mkv",
		OutputPath: "/staging/out.mkv",
	})

	acceptedEnv := conn.expect(t, protocol.TypeJobAccepted)
	var accepted protocol.JobAccepted
	if err := protocol.DecodePayload(acceptedEnv, &accepted); err != nil {
		t.Fatalf("decode accepted: %v", err)
	}
	if accepted.JobID != "job-1" || accepted.EncoderID != "encoder-a" {
		t.Fatalf("unexpected accepted payload: %#v", accepted)
	}

	select {
	case req := <-runner.started:
		if req.InputPath != "/staging/in.mkv" {
			t.Fatalf("unexpected encode request: %#v", req)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("runner never started")
	}

	progressEnv := conn.expect(t, protocol.TypeJobProgress)
	var sample protocol.JobProgress
	if err := protocol.DecodePayload(progressEnv, &sample); err != nil {
		t.Fatalf("decode progress: %v", err)
	}
	if sample.Progress != 42 || sample.FPS != 60 {
		t.Fatalf("unexpected progress payload: %#v", sample)
	}

	close(runner.finish)
	completeEnv := conn.expect(t, protocol.TypeJobComplete)
	var complete protocol.JobComplete
	if err := protocol.DecodePayload(completeEnv, &complete); err != nil {
		t.Fatalf("decode complete: %v", err)
	}
	if complete.OutputPath != "/staging/out.mkv" || complete.OutputSize != 4096 {
		t.Fatalf("unexpected complete payload: %#v", complete)
	}
}

func TestAgentCancelStopsEncode(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithEncoderSettings("ws://127.0.0.1:0/ws/encoders", "encoder-a"))
	runner := newFakeRunner()

	conns := make(chan Conn, 2)
	conn := newFakeConn()
	conns <- conn
	startAgent(t, cfg, runner, conns)
	register(t, conn, 1)

	conn.push(t, protocol.TypeJobAssign, protocol.JobAssign{JobID: "job-1", InputPath: "/staging/in.mkv"})
	conn.expect(t, protocol.TypeJobAccepted)
	<-runner.started

	conn.push(t, protocol.TypeJobCancel, protocol.JobCancel{JobID: "job-1", Reason: "superseded"})

	failedEnv := conn.expect(t, protocol.TypeJobFailed)
	var failed protocol.JobFailed
	if err := protocol.DecodePayload(failedEnv, &failed); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if failed.Retriable {
		t.Fatalf("cancellation must not be retriable: %#v", failed)
	}
}

func TestAgentRejectsAssignmentOverCapacity(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithEncoderSettings("ws://127.0.0.1:0/ws/encoders", "encoder-a"))
	cfg.Encoder.MaxConcurrent = 1
	runner := newFakeRunner()

	conns := make(chan Conn, 2)
	conn := newFakeConn()
	conns <- conn
	startAgent(t, cfg, runner, conns)
	register(t, conn, 1)

	conn.push(t, protocol.TypeJobAssign, protocol.JobAssign{JobID: "job-1", InputPath: "/staging/a.mkv"})
	conn.expect(t, protocol.TypeJobAccepted)
	<-runner.started

	conn.push(t, protocol.TypeJobAssign, protocol.JobAssign{JobID: "job-2", InputPath: "/staging/b.mkv"})
	failedEnv := conn.expect(t, protocol.TypeJobFailed)
	var failed protocol.JobFailed
	if err := protocol.DecodePayload(failedEnv, &failed); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if failed.JobID != "job-2" || !failed.Retriable {
		t.Fatalf("expected retriable capacity rejection for job-2, got %#v", failed)
	}

	close(runner.finish)
}

func TestAgentReportsActiveJobsOnReregister(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithEncoderSettings("ws://127.0.0.1:0/ws/encoders", "encoder-a"))
	cfg.Encoder.ReconnectMinSeconds = 1
	runner := newFakeRunner()

	conns := make(chan Conn, 2)
	first := newFakeConn()
	second := newFakeConn()
	conns <- first
	conns <- second
	startAgent(t, cfg, runner, conns)

	register(t, first, 1)
	first.push(t, protocol.TypeJobAssign, protocol.JobAssign{JobID: "job-1", InputPath: "/staging/in.mkv"})
	first.expect(t, protocol.TypeJobAccepted)
	<-runner.started

	first.push(t, protocol.TypeServerShutdown, protocol.ServerShutdown{ReconnectDelay: 1})

	reg := register(t, second, 1)
	if reg.CurrentJobs != 1 {
		t.Fatalf("expected one in-flight job in register, got %d", reg.CurrentJobs)
	}
	if len(reg.ActiveJobs) != 1 || reg.ActiveJobs[0] != "job-1" {
		t.Fatalf("expected active job ids in register, got %v", reg.ActiveJobs)
	}

	close(runner.finish)
	second.expect(t, protocol.TypeJobComplete)
}

func TestAgentReplaysOutcomeAfterReconnect(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithEncoderSettings("ws://127.0.0.1:0/ws/encoders", "encoder-a"))
	cfg.Encoder.ReconnectMinSeconds = 1
	runner := newFakeRunner()
	runner.result = EncodeResult{OutputPath: "/staging/out.mkv", OutputSize: 2048}

	conns := make(chan Conn, 2)
	first := newFakeConn()
	second := newFakeConn()
	conns <- first
	conns <- second
	startAgent(t, cfg, runner, conns)

	register(t, first, 1)
	first.push(t, protocol.TypeJobAssign, protocol.JobAssign{
		JobID:      "job-1",
		InputPath:  "/staging/in.mkv",
		OutputPath: "/staging/out.mkv",
	})
	first.expect(t, protocol.TypeJobAccepted)
	<-runner.started

	// The connection drops, then the encode finishes. The completion frame
	// must survive until the next session instead of being dropped.
	first.Close()
	time.Sleep(50 * time.Millisecond)
	close(runner.finish)

	reg := register(t, second, 1)
	if reg.CurrentJobs != 0 || len(reg.ActiveJobs) != 0 {
		t.Fatalf("finished job must not register as active: %#v", reg)
	}

	completeEnv := second.expect(t, protocol.TypeJobComplete)
	var complete protocol.JobComplete
	if err := protocol.DecodePayload(completeEnv, &complete); err != nil {
		t.Fatalf("decode complete: %v", err)
	}
	if complete.JobID != "job-1" || complete.OutputPath != "/staging/out.mkv" {
		t.Fatalf("unexpected replayed completion: %#v", complete)
	}
}

func TestAgentReconnectsAfterShutdownHint(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithEncoderSettings("ws://127.0.0.1:0/ws/encoders", "encoder-a"))
	cfg.Encoder.ReconnectMinSeconds = 1
	runner := newFakeRunner()

	conns := make(chan Conn, 2)
	first := newFakeConn()
	second := newFakeConn()
	conns <- first
	conns <- second
	startAgent(t, cfg, runner, conns)

	register(t, first, 1)
	first.push(t, protocol.TypeServerShutdown, protocol.ServerShutdown{ReconnectDelay: 1})

	// The agent reconnects after the hinted delay and registers again.
	register(t, second, 1)
}
