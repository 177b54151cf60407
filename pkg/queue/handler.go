package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// Handler executes tasks with a matching Name.
type Handler interface {
	Name() string
	Handle(ctx context.Context, payload json.RawMessage) error
}

type (
	TaskHandlerFunc[T any]  func(ctx context.Context, payload T) error
	PeriodicTaskHandlerFunc func(ctx context.Context) error
)

// NewTaskHandler handles tasks enqueued with a payload of type T.
// The task name is the payload's qualified type name.
func NewTaskHandler[T any](fn TaskHandlerFunc[T]) Handler {
	var payload T
	return &typedHandler[T]{name: TaskName(payload), fn: fn}
}

// NewPeriodicTaskHandler handles tasks created by a Scheduler under name.
func NewPeriodicTaskHandler(name string, fn PeriodicTaskHandlerFunc) Handler {
	return &periodicHandler{name: name, fn: fn}
}

// TaskName returns the name a payload is enqueued under.
func TaskName(payload any) string {
	return strings.TrimLeft(fmt.Sprintf("%T", payload), "*")
}

type typedHandler[T any] struct {
	name string
	fn   TaskHandlerFunc[T]
}

func (h *typedHandler[T]) Name() string { return h.name }

func (h *typedHandler[T]) Handle(ctx context.Context, payload json.RawMessage) error {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return fmt.Errorf("decode %s payload: %w", h.name, err)
	}
	return h.fn(ctx, v)
}

type periodicHandler struct {
	name string
	fn   PeriodicTaskHandlerFunc
}

func (h *periodicHandler) Name() string { return h.name }

func (h *periodicHandler) Handle(ctx context.Context, _ json.RawMessage) error {
	return h.fn(ctx)
}
