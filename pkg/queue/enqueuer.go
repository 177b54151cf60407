package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Storage persists tasks for the enqueuer, worker and scheduler.
type Storage interface {
	// CreateTask returns ErrDuplicateTask when an unfinished task has the same Key.
	CreateTask(ctx context.Context, task *Task) error
	// ClaimTask locks the next due task from queues, or returns ErrNoTaskToClaim.
	ClaimTask(ctx context.Context, queues []string, lock time.Duration) (*Task, error)
	CompleteTask(ctx context.Context, id uuid.UUID) error
	// FailTask records the error and either reschedules the task at retryAt or,
	// when retries are exhausted, marks it dead.
	FailTask(ctx context.Context, id uuid.UUID, errMsg string, retryAt time.Time) (TaskStatus, error)
	// PendingByKey returns the unfinished task with key, or ErrTaskNotFound.
	PendingByKey(ctx context.Context, key string) (*Task, error)
}

// EnqueueOption configures a single Enqueue call.
type EnqueueOption func(*Task)

// WithQueue routes the task to a named queue.
func WithQueue(q string) EnqueueOption {
	return func(t *Task) {
		if q != "" {
			t.Queue = q
		}
	}
}

// WithDelay postpones the first run.
func WithDelay(d time.Duration) EnqueueOption {
	return func(t *Task) {
		if d > 0 {
			t.RunAt = t.RunAt.Add(d)
		}
	}
}

// WithMaxRetries bounds retries after the first attempt (0-10).
func WithMaxRetries(n int) EnqueueOption {
	return func(t *Task) {
		if n >= 0 && n <= 10 {
			t.MaxRetries = n
		}
	}
}

// WithKey deduplicates unfinished tasks sharing the key.
func WithKey(key string) EnqueueOption {
	return func(t *Task) { t.Key = key }
}

// Enqueuer turns payloads into tasks.
type Enqueuer struct {
	storage Storage
	now     func() time.Time
}

// NewEnqueuer returns ErrStorageNil for a nil storage.
func NewEnqueuer(storage Storage) (*Enqueuer, error) {
	if storage == nil {
		return nil, ErrStorageNil
	}
	return &Enqueuer{storage: storage, now: time.Now}, nil
}

// Enqueue stores payload as a task named after its type.
func (e *Enqueuer) Enqueue(ctx context.Context, payload any, opts ...EnqueueOption) error {
	if payload == nil {
		return ErrPayloadNil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %T payload: %w", payload, err)
	}

	now := e.now()
	task := &Task{
		ID:         uuid.New(),
		Queue:      DefaultQueue,
		Name:       TaskName(payload),
		Payload:    data,
		Status:     TaskPending,
		MaxRetries: 3,
		RunAt:      now,
		CreatedAt:  now,
	}
	for _, opt := range opts {
		opt(task)
	}

	if err := e.storage.CreateTask(ctx, task); err != nil {
		return fmt.Errorf("enqueue %q: %w", task.Name, err)
	}
	return nil
}
