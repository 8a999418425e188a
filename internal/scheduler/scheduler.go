// Package scheduler runs named maintenance tasks on a fixed tick. A task
// whose previous run is still in flight is skipped, never overlapped.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"fetcharr/internal/logging"
)

// Task is one periodic maintenance job.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

type scheduledTask struct {
	Task
	lastStarted time.Time
	inFlight    atomic.Bool
}

// Scheduler drives registered tasks from a single ticker goroutine.
type Scheduler struct {
	logger *slog.Logger
	tick   time.Duration

	mu      sync.Mutex
	tasks   []*scheduledTask
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates a scheduler with the given tick resolution.
func New(tick time.Duration, logger *slog.Logger) *Scheduler {
	if tick <= 0 {
		tick = 10 * time.Second
	}
	return &Scheduler{
		logger: logging.NewComponentLogger(logger, "scheduler"),
		tick:   tick,
	}
}

// Register adds a task. Tasks cannot be added once the scheduler is running.
func (s *Scheduler) Register(task Task) error {
	if task.Name == "" {
		return errors.New("task name is required")
	}
	if task.Run == nil {
		return fmt.Errorf("task %s has no run function", task.Name)
	}
	if task.Interval <= 0 {
		return fmt.Errorf("task %s has no interval", task.Name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("scheduler already started")
	}
	for _, existing := range s.tasks {
		if existing.Name == task.Name {
			return fmt.Errorf("task %s already registered", task.Name)
		}
	}
	s.tasks = append(s.tasks, &scheduledTask{Task: task})
	return nil
}

// Start launches the tick loop. Each task first fires one interval after
// Start, then every interval while its previous run has finished.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("scheduler already started")
	}
	if len(s.tasks) == 0 {
		return errors.New("no tasks registered")
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.running = true
	now := time.Now()
	for _, task := range s.tasks {
		task.lastStarted = now
	}
	s.wg.Add(1)
	go s.loop(runCtx)
	s.logger.Info("scheduler started",
		logging.Int("tasks", len(s.tasks)),
		logging.Duration("tick", s.tick))
	return nil
}

// Stop halts the tick loop and waits for in-flight task runs to return.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.fireDue(ctx, now)
		}
	}
}

func (s *Scheduler) fireDue(ctx context.Context, now time.Time) {
	s.mu.Lock()
	due := make([]*scheduledTask, 0, len(s.tasks))
	for _, task := range s.tasks {
		if now.Sub(task.lastStarted) < task.Interval {
			continue
		}
		if !task.inFlight.CompareAndSwap(false, true) {
			// Previous run still going; try again next tick.
			continue
		}
		task.lastStarted = now
		due = append(due, task)
	}
	s.mu.Unlock()

	for _, task := range due {
		s.wg.Add(1)
		go func(task *scheduledTask) {
			defer s.wg.Done()
			defer task.inFlight.Store(false)
			started := time.Now()
			if err := task.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Warn("task failed",
					logging.String("task", task.Name),
					logging.Duration("elapsed", time.Since(started)),
					logging.Error(err))
				return
			}
			s.logger.Debug("task finished",
				logging.String("task", task.Name),
				logging.Duration("elapsed", time.Since(started)))
		}(task)
	}
}
