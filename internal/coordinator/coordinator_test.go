package coordinator_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"fetcharr/internal/coordinator"
	"fetcharr/internal/logging"
	"fetcharr/internal/protocol"
	"fetcharr/internal/store"
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
		return 1, frame, nil
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
			// Skip interleaved pongs and telemetry acks.
		case <-deadline:
			t.Fatalf("never received %s", msgType)
		}
	}
}

func connectEncoder(t *testing.T, coord *coordinator.Coordinator, encoderID string, maxConcurrent, currentJobs int) *fakeConn {
	t.Helper()
	conn := newFakeConn()
	go coord.HandleConnection(context.Background(), conn)
	conn.push(t, protocol.TypeRegister, protocol.Register{
		EncoderID:     encoderID,
		Hostname:      "host-" + encoderID,
		MaxConcurrent: maxConcurrent,
		CurrentJobs:   currentJobs,
	})
	conn.expect(t, protocol.TypeRegistered)
	return conn
}

func newDelegatedEncodeJob(t *testing.T, st *store.Store, payload string) *store.Job {
	t.Helper()
	job, err := st.InsertJob(context.Background(), store.JobSpec{
		Type:        coordinator.EncodeJobType,
		PayloadJSON: payload,
	})
	if err != nil {
		t.Fatalf("InsertJob failed: %v", err)
	}
	job.Status = store.JobRunning
	job.Delegated = true
	if err := st.UpdateJob(context.Background(), job); err != nil {
		t.Fatalf("UpdateJob failed: %v", err)
	}
	return job
}

func TestRegisterAndHeartbeat(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	coord := coordinator.New(cfg, st, logging.NewNop())

	conn := connectEncoder(t, coord, "encoder-a", 2, 1)
	defer conn.Close()

	ctx := context.Background()
	enc, err := st.GetEncoder(ctx, "encoder-a")
	if err != nil {
		t.Fatalf("GetEncoder failed: %v", err)
	}
	if enc == nil || enc.Status != store.EncoderEncoding {
		t.Fatalf("expected encoding status from in-flight register, got %#v", enc)
	}

	conn.push(t, protocol.TypeHeartbeat, protocol.Heartbeat{
		EncoderID:   "encoder-a",
		CurrentJobs: 0,
		State:       "idle",
	})
	conn.expect(t, protocol.TypePong)

	deadline := time.Now().Add(2 * time.Second)
	for {
		enc, err = st.GetEncoder(ctx, "encoder-a")
		if err != nil {
			t.Fatalf("GetEncoder failed: %v", err)
		}
		if enc.Status == store.EncoderIdle && enc.CurrentJobs == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("heartbeat never applied, got %#v", enc)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestAssignmentLifecycleWithDuplicateCompletion(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	coord := coordinator.New(cfg, st, logging.NewNop())

	ctx := context.Background()
	job := newDelegatedEncodeJob(t, st, `{"inputPath":"/staging/in.mkv","outputPath":"/staging/out.mkv"}`)

	conn := connectEncoder(t, coord, "encoder-a", 1, 0)
	defer conn.Close()

	assignEnv := conn.expect(t, protocol.TypeJobAssign)
	var assign protocol.JobAssign
	if err := protocol.DecodePayload(assignEnv, &assign); err != nil {
		t.Fatalf("decode assign: %v", err)
	}
	if assign.JobID != job.ID || assign.InputPath != "/staging/in.mkv" {
		t.Fatalf("unexpected assign payload: %#v", assign)
	}

	conn.push(t, protocol.TypeJobAccepted, protocol.JobAccepted{JobID: job.ID, EncoderID: "encoder-a"})
	waitForAssignmentStatus(t, st, job.ID, store.AssignmentEncoding)

	conn.push(t, protocol.TypeJobProgress, protocol.JobProgress{JobID: job.ID, Progress: 55, FPS: 120})
	conn.push(t, protocol.TypeJobComplete, protocol.JobComplete{JobID: job.ID, OutputPath: "/staging/out.mkv"})
	waitForAssignmentStatus(t, st, job.ID, store.AssignmentCompleted)

	done, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if done.Status != store.JobCompleted {
		t.Fatalf("expected completed job, got %s", done.Status)
	}

	// A duplicate completion after a reconnect blip must be discarded.
	conn.push(t, protocol.TypeJobComplete, protocol.JobComplete{JobID: job.ID, OutputPath: "/staging/out.mkv"})
	conn.push(t, protocol.TypeHeartbeat, protocol.Heartbeat{EncoderID: "encoder-a"})
	conn.expect(t, protocol.TypePong)

	enc, err := st.GetEncoder(ctx, "encoder-a")
	if err != nil {
		t.Fatalf("GetEncoder failed: %v", err)
	}
	if enc.CompletedJobs != 1 {
		t.Fatalf("expected exactly one completion counted, got %d", enc.CompletedJobs)
	}
}

func TestOfflineEncoderTriggersReassignment(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	coord := coordinator.New(cfg, st, logging.NewNop())

	ctx := context.Background()
	job := newDelegatedEncodeJob(t, st, `{"inputPath":"/staging/in.mkv","outputPath":"/staging/out.mkv"}`)

	connA := connectEncoder(t, coord, "encoder-a", 1, 0)
	connA.expect(t, protocol.TypeJobAssign)
	connA.push(t, protocol.TypeJobAccepted, protocol.JobAccepted{JobID: job.ID, EncoderID: "encoder-a"})
	waitForAssignmentStatus(t, st, job.ID, store.AssignmentEncoding)
	connA.Close()

	// Age encoder-a's heartbeat past the liveness window.
	stale := time.Now().Add(-time.Hour).UTC()
	if err := st.UpsertEncoder(ctx, &store.Encoder{
		EncoderID:     "encoder-a",
		MaxConcurrent: 1,
		CurrentJobs:   1,
		Status:        store.EncoderEncoding,
		LastHeartbeat: &stale,
	}); err != nil {
		t.Fatalf("UpsertEncoder failed: %v", err)
	}

	if err := coord.SweepLiveness(ctx); err != nil {
		t.Fatalf("SweepLiveness failed: %v", err)
	}

	enc, err := st.GetEncoder(ctx, "encoder-a")
	if err != nil {
		t.Fatalf("GetEncoder failed: %v", err)
	}
	if enc.Status != store.EncoderOffline {
		t.Fatalf("expected offline encoder, got %s", enc.Status)
	}

	// The job is running and delegated with no active assignment, so a new
	// encoder picks it up as attempt 2.
	connB := connectEncoder(t, coord, "encoder-b", 1, 0)
	defer connB.Close()
	connB.expect(t, protocol.TypeJobAssign)

	assignment, err := st.ActiveAssignmentForJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("ActiveAssignmentForJob failed: %v", err)
	}
	if assignment == nil || assignment.EncoderID != "encoder-b" || assignment.Attempt != 2 {
		t.Fatalf("expected attempt 2 on encoder-b, got %#v", assignment)
	}
}

func TestNonRetriableFailureFailsJob(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	coord := coordinator.New(cfg, st, logging.NewNop())

	ctx := context.Background()
	job := newDelegatedEncodeJob(t, st, `{"inputPath":"/staging/in.mkv"}`)

	conn := connectEncoder(t, coord, "encoder-a", 1, 0)
	defer conn.Close()
	conn.expect(t, protocol.TypeJobAssign)

	conn.push(t, protocol.TypeJobFailed, protocol.JobFailed{
		JobID:     job.ID,
		Error:     "input is corrupt",
		Retriable: false,
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		failed, err := st.GetJob(ctx, job.ID)
		if err != nil {
			t.Fatalf("GetJob failed: %v", err)
		}
		if failed.Status == store.JobFailed {
			if failed.ErrorMessage != "input is corrupt" {
				t.Fatalf("expected failure reason, got %q", failed.ErrorMessage)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job never failed, got %#v", failed)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestHeartbeatKeepsAssignmentLoadFloor(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	coord := coordinator.New(cfg, st, logging.NewNop())

	ctx := context.Background()
	job := newDelegatedEncodeJob(t, st, `{"inputPath":"/staging/in.mkv","outputPath":"/staging/out.mkv"}`)

	conn := connectEncoder(t, coord, "encoder-a", 2, 0)
	defer conn.Close()
	conn.expect(t, protocol.TypeJobAssign)
	waitForAssignmentStatus(t, st, job.ID, store.AssignmentPending)

	// The agent sampled its count before accepting the assignment; the stale
	// zero must not erase the coordinator's increment.
	conn.push(t, protocol.TypeHeartbeat, protocol.Heartbeat{
		EncoderID:   "encoder-a",
		CurrentJobs: 0,
		State:       "idle",
	})
	conn.expect(t, protocol.TypePong)

	enc, err := st.GetEncoder(ctx, "encoder-a")
	if err != nil {
		t.Fatalf("GetEncoder failed: %v", err)
	}
	if enc.CurrentJobs != 1 {
		t.Fatalf("expected assignment to floor current_jobs at 1, got %d", enc.CurrentJobs)
	}
	if enc.Status != store.EncoderEncoding {
		t.Fatalf("expected encoding status, got %s", enc.Status)
	}
}

func TestReconnectRecoversCompletionFromOutput(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	coord := coordinator.New(cfg, st, logging.NewNop())

	ctx := context.Background()
	outputPath := filepath.Join(cfg.Paths.StagingDir, "out.mkv")
	job := newDelegatedEncodeJob(t, st,
		`{"inputPath":"/staging/in.mkv","outputPath":"`+outputPath+`"}`)

	connA := connectEncoder(t, coord, "encoder-a", 1, 0)
	connA.expect(t, protocol.TypeJobAssign)
	connA.push(t, protocol.TypeJobAccepted, protocol.JobAccepted{JobID: job.ID, EncoderID: "encoder-a"})
	waitForAssignmentStatus(t, st, job.ID, store.AssignmentEncoding)
	connA.Close()

	// The encode finished while disconnected and the completion frame was
	// lost. The re-register carries no active jobs; the output file is the
	// evidence the work succeeded.
	testsupport.WriteFile(t, outputPath, 4096)

	connB := newFakeConn()
	defer connB.Close()
	go coord.HandleConnection(context.Background(), connB)
	connB.push(t, protocol.TypeRegister, protocol.Register{
		EncoderID:     "encoder-a",
		MaxConcurrent: 1,
		CurrentJobs:   0,
	})
	connB.expect(t, protocol.TypeRegistered)

	waitForAssignmentStatus(t, st, job.ID, store.AssignmentCompleted)
	done, err := st.GetJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetJob failed: %v", err)
	}
	if done.Status != store.JobCompleted {
		t.Fatalf("expected completed job, got %s", done.Status)
	}
	if !strings.Contains(done.PayloadJSON, outputPath) {
		t.Fatalf("expected output path merged into payload, got %s", done.PayloadJSON)
	}
	enc, err := st.GetEncoder(ctx, "encoder-a")
	if err != nil {
		t.Fatalf("GetEncoder failed: %v", err)
	}
	if enc.CompletedJobs != 1 {
		t.Fatalf("expected one completion counted, got %d", enc.CompletedJobs)
	}
}

func TestReconnectReleasesLostAssignment(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	coord := coordinator.New(cfg, st, logging.NewNop())

	ctx := context.Background()
	job := newDelegatedEncodeJob(t, st, `{"inputPath":"/staging/in.mkv","outputPath":"/staging/out.mkv"}`)

	connA := connectEncoder(t, coord, "encoder-a", 1, 0)
	connA.expect(t, protocol.TypeJobAssign)
	connA.push(t, protocol.TypeJobAccepted, protocol.JobAccepted{JobID: job.ID, EncoderID: "encoder-a"})
	waitForAssignmentStatus(t, st, job.ID, store.AssignmentEncoding)
	connA.Close()

	// The agent restarted and lost the encode; no output exists. The
	// assignment fails and the dispatch after registration retries it.
	connB := newFakeConn()
	defer connB.Close()
	go coord.HandleConnection(context.Background(), connB)
	connB.push(t, protocol.TypeRegister, protocol.Register{
		EncoderID:     "encoder-a",
		MaxConcurrent: 1,
		CurrentJobs:   0,
	})
	connB.expect(t, protocol.TypeRegistered)
	connB.expect(t, protocol.TypeJobAssign)

	assignment, err := st.ActiveAssignmentForJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("ActiveAssignmentForJob failed: %v", err)
	}
	if assignment == nil || assignment.Attempt != 2 {
		t.Fatalf("expected attempt 2 after reconnect, got %#v", assignment)
	}
}

func TestReconnectKeepsHeldAssignment(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	coord := coordinator.New(cfg, st, logging.NewNop())

	ctx := context.Background()
	job := newDelegatedEncodeJob(t, st, `{"inputPath":"/staging/in.mkv","outputPath":"/staging/out.mkv"}`)

	connA := connectEncoder(t, coord, "encoder-a", 1, 0)
	connA.expect(t, protocol.TypeJobAssign)
	connA.push(t, protocol.TypeJobAccepted, protocol.JobAccepted{JobID: job.ID, EncoderID: "encoder-a"})
	waitForAssignmentStatus(t, st, job.ID, store.AssignmentEncoding)
	connA.Close()

	connB := newFakeConn()
	defer connB.Close()
	go coord.HandleConnection(context.Background(), connB)
	connB.push(t, protocol.TypeRegister, protocol.Register{
		EncoderID:     "encoder-a",
		MaxConcurrent: 1,
		CurrentJobs:   1,
		ActiveJobs:    []string{job.ID},
	})
	connB.expect(t, protocol.TypeRegistered)

	assignment, err := st.ActiveAssignmentForJob(ctx, job.ID)
	if err != nil {
		t.Fatalf("ActiveAssignmentForJob failed: %v", err)
	}
	if assignment == nil || assignment.Status != store.AssignmentEncoding || assignment.Attempt != 1 {
		t.Fatalf("expected held assignment untouched, got %#v", assignment)
	}
}

type ackRejectConn struct {
	*fakeConn
}

func (c *ackRejectConn) WriteMessage(messageType int, data []byte) error {
	return errors.New("write rejected")
}

func TestFailedRegistrationAckFreesSessionSlot(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	coord := coordinator.New(cfg, st, logging.NewNop())

	broken := &ackRejectConn{fakeConn: newFakeConn()}
	go coord.HandleConnection(context.Background(), broken)
	broken.push(t, protocol.TypeRegister, protocol.Register{
		EncoderID:     "encoder-a",
		MaxConcurrent: 1,
	})

	// HandleConnection closes the connection once the ack write fails.
	select {
	case <-broken.closed:
	case <-time.After(5 * time.Second):
		t.Fatal("broken connection never closed")
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(coord.ConnectedEncoders()) != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("dead session still registered: %v", coord.ConnectedEncoders())
		}
		time.Sleep(10 * time.Millisecond)
	}

	// The encoder's next attempt must not be shadowed by the dead session.
	conn := connectEncoder(t, coord, "encoder-a", 1, 0)
	defer conn.Close()
	if got := coord.ConnectedEncoders(); len(got) != 1 || got[0] != "encoder-a" {
		t.Fatalf("expected fresh session, got %v", got)
	}
}

func waitForAssignmentStatus(t *testing.T, st *store.Store, jobID string, want store.AssignmentStatus) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		assignment, err := st.LatestAssignmentForJob(context.Background(), jobID)
		if err != nil {
			t.Fatalf("LatestAssignmentForJob failed: %v", err)
		}
		if assignment != nil && assignment.Status == want {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("assignment never reached %s, got %#v", want, assignment)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
