// Package queue runs background tasks in-process: one-off tasks with an optional delay,
// periodic tasks driven by a Scheduler, and a Worker that executes them with bounded
// concurrency and retries. Storage is pluggable; MemoryStorage is the default.
package queue

import (
	"time"

	"github.com/google/uuid"
)

// DefaultQueue is used when no queue is specified.
const DefaultQueue = "default"

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskProcessing TaskStatus = "processing"
	TaskCompleted  TaskStatus = "completed"
	TaskDead       TaskStatus = "dead"
)

// Task is a unit of work. Name selects the handler; Key, when set, prevents a second
// unfinished task with the same key from being enqueued.
type Task struct {
	ID          uuid.UUID  `json:"id"`
	Queue       string     `json:"queue"`
	Name        string     `json:"name"`
	Key         string     `json:"key,omitempty"`
	Payload     []byte     `json:"payload,omitempty"`
	Status      TaskStatus `json:"status"`
	Attempts    int        `json:"attempts"`
	MaxRetries  int        `json:"max_retries"`
	RunAt       time.Time  `json:"run_at"`
	LockedUntil *time.Time `json:"locked_until,omitempty"`
	LastError   string     `json:"last_error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// Config holds worker and scheduler settings.
type Config struct {
	PollInterval       time.Duration `env:"QUEUE_POLL_INTERVAL" envDefault:"1s"`
	LockTimeout        time.Duration `env:"QUEUE_LOCK_TIMEOUT" envDefault:"5m"`
	MaxConcurrentTasks int           `env:"QUEUE_MAX_CONCURRENT_TASKS" envDefault:"4"`
	RetryDelay         time.Duration `env:"QUEUE_RETRY_DELAY" envDefault:"30s"`
}
