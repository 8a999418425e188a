package store_test

import (
	"context"
	"testing"
	"time"

	"fetcharr/internal/store"
	"fetcharr/internal/testsupport"
)

func newApproval(t *testing.T, st *store.Store, timeoutHours int) *store.Approval {
	t.Helper()

	exec := testsupport.NewExecution(t, st, "request-appr", "movie-default")
	approval := &store.Approval{
		RequestID:    exec.RequestID,
		ExecutionID:  exec.ID,
		StepPath:     "0.2",
		TimeoutHours: timeoutHours,
		AutoAction:   store.AutoReject,
	}
	if err := st.InsertApproval(context.Background(), approval); err != nil {
		t.Fatalf("InsertApproval failed: %v", err)
	}
	return approval
}

func TestApprovalDecisionGuard(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	approval := newApproval(t, st, 24)
	if approval.ID == 0 {
		t.Fatal("expected approval id to be assigned")
	}

	decided, err := st.DecideApproval(ctx, approval.ID, store.ApprovalApproved, "operator")
	if err != nil {
		t.Fatalf("DecideApproval failed: %v", err)
	}
	if !decided {
		t.Fatal("expected first decision to win")
	}

	// A second decision, including the timeout sweep, must be a no-op.
	decided, err = st.DecideApproval(ctx, approval.ID, store.ApprovalTimeout, "reconciler")
	if err != nil {
		t.Fatalf("second DecideApproval failed: %v", err)
	}
	if decided {
		t.Fatal("expected second decision to be rejected")
	}

	reloaded, err := st.GetApproval(ctx, approval.ID)
	if err != nil {
		t.Fatalf("GetApproval failed: %v", err)
	}
	if reloaded.Status != store.ApprovalApproved || reloaded.DecidedBy != "operator" {
		t.Fatalf("unexpected final approval state: %#v", reloaded)
	}
	if reloaded.DecidedAt == nil {
		t.Fatal("expected decided_at to be recorded")
	}
}

func TestDecideApprovalRejectsNonTerminalStatus(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	approval := newApproval(t, st, 24)
	if _, err := st.DecideApproval(context.Background(), approval.ID, store.ApprovalPending, "x"); err == nil {
		t.Fatal("expected error for non-terminal status")
	}
}

func TestExpiredApprovals(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	expired := newApproval(t, st, 1)
	newApproval(t, st, 48)
	newApproval(t, st, 0)

	found, err := st.ExpiredApprovals(ctx, time.Now().Add(2*time.Hour))
	if err != nil {
		t.Fatalf("ExpiredApprovals failed: %v", err)
	}
	if len(found) != 1 || found[0].ID != expired.ID {
		t.Fatalf("expected only the short-timeout approval, got %#v", found)
	}
}

func TestPendingApprovalForStep(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	approval := newApproval(t, st, 24)

	found, err := st.PendingApprovalForStep(ctx, approval.ExecutionID, approval.StepPath)
	if err != nil {
		t.Fatalf("PendingApprovalForStep failed: %v", err)
	}
	if found == nil || found.ID != approval.ID {
		t.Fatalf("expected pending approval, got %#v", found)
	}

	missing, err := st.PendingApprovalForStep(ctx, approval.ExecutionID, "9.9")
	if err != nil {
		t.Fatalf("PendingApprovalForStep failed: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for unknown step, got %#v", missing)
	}
}
