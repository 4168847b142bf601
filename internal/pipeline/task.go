// Package pipeline holds the building blocks an item downloader is assembled
// from: named sequential tasks and HTTP transfers with URL failover.
package pipeline

import (
	"context"
	"sync/atomic"
)

// Task is one named step of a pipeline.
type Task struct {
	name     string
	run      func(ctx context.Context) error
	finished atomic.Bool
}

// NewTask wraps a closure. Whatever the closure captured is bound now.
func NewTask(name string, fn func(ctx context.Context) error) *Task {
	if name == "" {
		name = "task"
	}
	return &Task{name: name, run: fn}
}

// BindArgs binds args at construction time.
func BindArgs[A any](name string, fn func(context.Context, A) error, args A) *Task {
	return NewTask(name, func(ctx context.Context) error {
		return fn(ctx, args)
	})
}

// BindLate evaluates provide when the task starts, so an earlier task in the
// same pipeline can change what this one receives.
func BindLate[A any](name string, fn func(context.Context, A) error, provide func() A) *Task {
	return NewTask(name, func(ctx context.Context) error {
		return fn(ctx, provide())
	})
}

func (t *Task) Name() string { return t.name }

// Finished is false until Start has returned at least once.
func (t *Task) Finished() bool { return t.finished.Load() }

// Start runs the task. The task is marked finished even when fn fails or
// panics; the caller owns error handling.
func (t *Task) Start(ctx context.Context) error {
	defer t.finished.Store(true)
	return t.run(ctx)
}

func (t *Task) String() string { return t.name }
