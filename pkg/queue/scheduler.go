package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Scheduler enqueues periodic tasks. Each periodic task is keyed by its name, so a
// run that is still queued or in progress suppresses the next one.
type Scheduler struct {
	storage  Storage
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu    sync.Mutex
	tasks map[string]*periodicTask
}

type periodicTask struct {
	name       string
	schedule   Schedule
	queue      string
	maxRetries int
	next       time.Time
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithCheckInterval sets how often schedules are evaluated.
func WithCheckInterval(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithSchedulerLogger sets the logger.
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithSchedulerClock overrides the time source.
func WithSchedulerClock(now func() time.Time) SchedulerOption {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// NewScheduler returns ErrStorageNil for a nil storage.
func NewScheduler(storage Storage, opts ...SchedulerOption) (*Scheduler, error) {
	if storage == nil {
		return nil, ErrStorageNil
	}
	s := &Scheduler{
		storage:  storage,
		interval: 30 * time.Second,
		logger:   slog.Default(),
		now:      time.Now,
		tasks:    make(map[string]*periodicTask),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// AddTask registers a periodic task. The first run is due at schedule.Next(now).
func (s *Scheduler) AddTask(name string, schedule Schedule, opts ...EnqueueOption) error {
	probe := &Task{Queue: DefaultQueue, MaxRetries: 0}
	for _, opt := range opts {
		opt(probe)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[name]; ok {
		return fmt.Errorf("%w: %s", ErrTaskAlreadyRegistered, name)
	}
	s.tasks[name] = &periodicTask{
		name:       name,
		schedule:   schedule,
		queue:      probe.Queue,
		maxRetries: probe.MaxRetries,
		next:       schedule.Next(s.now()),
	}
	s.logger.Info("registered periodic task",
		slog.String("task_name", name),
		slog.String("schedule", schedule.String()))
	return nil
}

// Tick enqueues every task that is due and returns how many were created.
func (s *Scheduler) Tick(ctx context.Context) int {
	now := s.now()

	s.mu.Lock()
	var due []*periodicTask
	for _, t := range s.tasks {
		if !t.next.After(now) {
			due = append(due, t)
		}
	}
	s.mu.Unlock()

	created := 0
	for _, t := range due {
		err := s.storage.CreateTask(ctx, &Task{
			ID:         uuid.New(),
			Queue:      t.queue,
			Name:       t.name,
			Key:        "periodic:" + t.name,
			Status:     TaskPending,
			MaxRetries: t.maxRetries,
			RunAt:      now,
			CreatedAt:  now,
		})
		switch {
		case err == nil:
			created++
		case errors.Is(err, ErrDuplicateTask):
			s.logger.Debug("periodic task still queued", slog.String("task_name", t.name))
		default:
			s.logger.Error("failed to enqueue periodic task",
				slog.String("task_name", t.name),
				slog.String("error", err.Error()))
			continue
		}

		s.mu.Lock()
		t.next = t.schedule.Next(now)
		s.mu.Unlock()
	}
	return created
}

// Run evaluates schedules until ctx is done. It is suitable for errgroup.
func (s *Scheduler) Run(ctx context.Context) func() error {
	return func() error {
		s.mu.Lock()
		empty := len(s.tasks) == 0
		s.mu.Unlock()
		if empty {
			return ErrSchedulerEmpty
		}

		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			s.Tick(ctx)
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
			}
		}
	}
}
