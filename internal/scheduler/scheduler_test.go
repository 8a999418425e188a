package scheduler_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"fetcharr/internal/logging"
	"fetcharr/internal/scheduler"
)

func TestSchedulerRunsTasksAtInterval(t *testing.T) {
	sched := scheduler.New(5*time.Millisecond, logging.NewNop())
	var runs atomic.Int64
	err := sched.Register(scheduler.Task{
		Name:     "counter",
		Interval: 10 * time.Millisecond,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer sched.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("expected at least 3 runs, got %d", runs.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSchedulerSkipsOverlappingRuns(t *testing.T) {
	sched := scheduler.New(5*time.Millisecond, logging.NewNop())
	var concurrent atomic.Int64
	var peak atomic.Int64
	var runs atomic.Int64
	err := sched.Register(scheduler.Task{
		Name:     "slow",
		Interval: 10 * time.Millisecond,
		Run: func(ctx context.Context) error {
			runs.Add(1)
			now := concurrent.Add(1)
			if now > peak.Load() {
				peak.Store(now)
			}
			time.Sleep(60 * time.Millisecond)
			concurrent.Add(-1)
			return nil
		},
	})
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	sched.Stop()

	if peak.Load() != 1 {
		t.Fatalf("task runs must never overlap, saw %d concurrent", peak.Load())
	}
	if runs.Load() < 2 {
		t.Fatalf("expected the task to fire again after finishing, got %d runs", runs.Load())
	}
}

func TestSchedulerRejectsDuplicateAndLateRegistration(t *testing.T) {
	sched := scheduler.New(time.Second, logging.NewNop())
	task := scheduler.Task{
		Name:     "sweep",
		Interval: time.Second,
		Run:      func(ctx context.Context) error { return nil },
	}
	if err := sched.Register(task); err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if err := sched.Register(task); err == nil {
		t.Fatal("expected duplicate registration error")
	}
	if err := sched.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer sched.Stop()
	task.Name = "other"
	if err := sched.Register(task); err == nil {
		t.Fatal("expected registration after start to fail")
	}
}

func TestSchedulerStartRequiresTasks(t *testing.T) {
	sched := scheduler.New(time.Second, logging.NewNop())
	if err := sched.Start(context.Background()); err == nil {
		t.Fatal("expected error starting empty scheduler")
	}
}
