package queue

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStorage keeps tasks in process memory. Tasks whose lock expired are
// claimable again, which recovers work from a handler that never returned.
type MemoryStorage struct {
	mu    sync.Mutex
	tasks map[uuid.UUID]*Task
	now   func() time.Time
}

var _ Storage = (*MemoryStorage)(nil)

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{tasks: make(map[uuid.UUID]*Task), now: time.Now}
}

func (ms *MemoryStorage) CreateTask(_ context.Context, task *Task) error {
	if task == nil {
		return ErrPayloadNil
	}
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if task.Key != "" && ms.pendingByKey(task.Key) != nil {
		return ErrDuplicateTask
	}
	cp := *task
	ms.tasks[task.ID] = &cp
	return nil
}

func (ms *MemoryStorage) ClaimTask(_ context.Context, queues []string, lock time.Duration) (*Task, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()

	now := ms.now()
	var best *Task
	for _, t := range ms.tasks {
		if !slices.Contains(queues, t.Queue) || t.RunAt.After(now) {
			continue
		}
		switch t.Status {
		case TaskPending:
		case TaskProcessing:
			if t.LockedUntil == nil || t.LockedUntil.After(now) {
				continue
			}
		default:
			continue
		}
		if best == nil || t.RunAt.Before(best.RunAt) {
			best = t
		}
	}
	if best == nil {
		return nil, ErrNoTaskToClaim
	}

	until := now.Add(lock)
	best.Status = TaskProcessing
	best.LockedUntil = &until
	best.Attempts++
	cp := *best
	return &cp, nil
}

func (ms *MemoryStorage) CompleteTask(_ context.Context, id uuid.UUID) error {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	t, ok := ms.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	now := ms.now()
	t.Status = TaskCompleted
	t.LockedUntil = nil
	t.FinishedAt = &now
	return nil
}

func (ms *MemoryStorage) FailTask(_ context.Context, id uuid.UUID, errMsg string, retryAt time.Time) (TaskStatus, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	t, ok := ms.tasks[id]
	if !ok {
		return "", ErrTaskNotFound
	}
	t.LastError = errMsg
	t.LockedUntil = nil
	if t.Attempts > t.MaxRetries {
		now := ms.now()
		t.Status = TaskDead
		t.FinishedAt = &now
	} else {
		t.Status = TaskPending
		t.RunAt = retryAt
	}
	return t.Status, nil
}

func (ms *MemoryStorage) PendingByKey(_ context.Context, key string) (*Task, error) {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	if t := ms.pendingByKey(key); t != nil {
		cp := *t
		return &cp, nil
	}
	return nil, ErrTaskNotFound
}

// Tasks returns a copy of every task with the given status.
func (ms *MemoryStorage) Tasks(status TaskStatus) []Task {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	var out []Task
	for _, t := range ms.tasks {
		if t.Status == status {
			out = append(out, *t)
		}
	}
	slices.SortFunc(out, func(a, b Task) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

// Prune drops finished tasks older than age and returns how many were removed.
func (ms *MemoryStorage) Prune(age time.Duration) int {
	ms.mu.Lock()
	defer ms.mu.Unlock()
	cutoff := ms.now().Add(-age)
	n := 0
	for id, t := range ms.tasks {
		if t.FinishedAt != nil && t.FinishedAt.Before(cutoff) {
			delete(ms.tasks, id)
			n++
		}
	}
	return n
}

func (ms *MemoryStorage) pendingByKey(key string) *Task {
	for _, t := range ms.tasks {
		if t.Key == key && (t.Status == TaskPending || t.Status == TaskProcessing) {
			return t
		}
	}
	return nil
}
