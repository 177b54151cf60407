package queue

import "errors"

var (
	ErrStorageNil            = errors.New("queue: storage cannot be nil")
	ErrPayloadNil            = errors.New("queue: payload cannot be nil")
	ErrNoTaskToClaim         = errors.New("queue: no task to claim")
	ErrTaskNotFound          = errors.New("queue: task not found")
	ErrDuplicateTask         = errors.New("queue: task with the same key is already queued")
	ErrHandlerNotFound       = errors.New("queue: no handler registered for task")
	ErrNoHandlers            = errors.New("queue: no task handlers registered")
	ErrWorkerStarted         = errors.New("queue: worker already started")
	ErrTaskAlreadyRegistered = errors.New("queue: periodic task already registered")
	ErrSchedulerEmpty        = errors.New("queue: scheduler has no registered tasks")
)
