package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dmitrymomot/billingsync/pkg/backoff"
)

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithQueues sets the queues a worker pulls from.
func WithQueues(queues ...string) WorkerOption {
	return func(w *Worker) {
		if len(queues) > 0 {
			w.queues = queues
		}
	}
}

// WithPollInterval sets how often an idle worker looks for due tasks.
func WithPollInterval(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.pollInterval = d
		}
	}
}

// WithLockTimeout bounds a single handler run. A task whose lock expires can be
// claimed again.
func WithLockTimeout(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.lockTimeout = d
		}
	}
}

// WithMaxConcurrentTasks bounds parallel handler runs.
func WithMaxConcurrentTasks(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithRetryBackoff sets the delay before a failed task is retried.
func WithRetryBackoff(s backoff.Strategy) WorkerOption {
	return func(w *Worker) {
		if s != nil {
			w.retry = s
		}
	}
}

// WithWorkerLogger sets the logger.
func WithWorkerLogger(l *slog.Logger) WorkerOption {
	return func(w *Worker) {
		if l != nil {
			w.logger = l
		}
	}
}

// WithWorkerConfig applies a Config loaded from the environment.
func WithWorkerConfig(cfg Config) WorkerOption {
	return func(w *Worker) {
		WithPollInterval(cfg.PollInterval)(w)
		WithLockTimeout(cfg.LockTimeout)(w)
		WithMaxConcurrentTasks(cfg.MaxConcurrentTasks)(w)
		if cfg.RetryDelay > 0 {
			w.retry = backoff.Exponential{Initial: cfg.RetryDelay, Max: 32 * cfg.RetryDelay, Multiplier: 2, Jitter: 0.1}
		}
	}
}

// Worker claims due tasks and runs their handlers.
type Worker struct {
	storage      Storage
	queues       []string
	pollInterval time.Duration
	lockTimeout  time.Duration
	concurrency  int
	retry        backoff.Strategy
	logger       *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	cancel   context.CancelFunc
	done     chan struct{}
}

// NewWorker returns ErrStorageNil for a nil storage.
func NewWorker(storage Storage, opts ...WorkerOption) (*Worker, error) {
	if storage == nil {
		return nil, ErrStorageNil
	}
	w := &Worker{
		storage:      storage,
		queues:       []string{DefaultQueue},
		pollInterval: time.Second,
		lockTimeout:  5 * time.Minute,
		concurrency:  1,
		retry:        backoff.Exponential{Initial: 30 * time.Second, Max: 15 * time.Minute, Multiplier: 2, Jitter: 0.1},
		logger:       slog.Default(),
		handlers:     make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// RegisterHandlers adds handlers. A later handler replaces an earlier one with the same name.
func (w *Worker) RegisterHandlers(handlers ...Handler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, h := range handlers {
		if h != nil {
			w.handlers[h.Name()] = h
		}
	}
}

// Start launches the processing loop.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.cancel != nil {
		return ErrWorkerStarted
	}
	if len(w.handlers) == 0 {
		return ErrNoHandlers
	}

	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})
	go w.loop(ctx, w.done)

	w.logger.Info("queue worker started",
		slog.Any("queues", w.queues),
		slog.Int("max_concurrent", w.concurrency))
	return nil
}

// Stop cancels the loop and waits for running handlers. Handlers run on a context
// detached from the worker, bounded by the lock timeout.
func (w *Worker) Stop() error {
	w.mu.Lock()
	cancel, done := w.cancel, w.done
	w.cancel, w.done = nil, nil
	w.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	w.logger.Info("queue worker stopped")
	return nil
}

// Run starts the worker and returns a function suitable for errgroup.
func (w *Worker) Run(ctx context.Context) func() error {
	return func() error {
		if err := w.Start(ctx); err != nil {
			return err
		}
		<-ctx.Done()
		return w.Stop()
	}
}

func (w *Worker) loop(ctx context.Context, done chan struct{}) {
	var wg sync.WaitGroup
	sem := make(chan struct{}, w.concurrency)
	ticker := time.NewTicker(w.pollInterval)
	defer func() {
		ticker.Stop()
		wg.Wait()
		close(done)
	}()

	for {
		// Drain due tasks until a claim comes back empty or every slot is busy.
		for {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				return
			}
			task, err := w.storage.ClaimTask(ctx, w.queues, w.lockTimeout)
			if err != nil {
				<-sem
				if !errors.Is(err, ErrNoTaskToClaim) && ctx.Err() == nil {
					w.logger.Error("failed to claim task", slog.String("error", err.Error()))
				}
				break
			}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				w.process(task)
			}()
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (w *Worker) process(task *Task) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), w.lockTimeout)
	defer cancel()

	w.mu.RLock()
	h, ok := w.handlers[task.Name]
	w.mu.RUnlock()

	var err error
	if !ok {
		err = fmt.Errorf("%w: %s", ErrHandlerNotFound, task.Name)
	} else {
		err = w.handle(ctx, h, task)
	}

	log := w.logger.With(
		slog.String("task_id", task.ID.String()),
		slog.String("task_name", task.Name),
		slog.Int("attempt", task.Attempts),
		slog.Duration("duration", time.Since(start)))

	if err == nil {
		if err := w.storage.CompleteTask(ctx, task.ID); err != nil {
			log.Error("failed to mark task completed", slog.String("error", err.Error()))
			return
		}
		log.Debug("task completed")
		return
	}

	retryAt := time.Now().Add(w.retry.Next(task.Attempts))
	status, ferr := w.storage.FailTask(ctx, task.ID, err.Error(), retryAt)
	if ferr != nil {
		log.Error("failed to record task failure", slog.String("error", ferr.Error()))
		return
	}
	if status == TaskDead {
		log.Error("task failed permanently", slog.String("error", err.Error()))
		return
	}
	log.Warn("task failed, will retry", slog.String("error", err.Error()), slog.Time("retry_at", retryAt))
}

func (w *Worker) handle(ctx context.Context, h Handler, task *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in handler: %v", r)
		}
	}()
	return h.Handle(ctx, task.Payload)
}
