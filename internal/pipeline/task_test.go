package pipeline

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBindArgsPassesConstructionValues(t *testing.T) {
	var got []int
	task := BindArgs("sum", func(_ context.Context, args []int) error {
		got = args
		return nil
	}, []int{1, 2, 3})

	require.NoError(t, task.Start(context.Background()))
	assert.Equal(t, []int{1, 2, 3}, got)
	assert.Equal(t, "sum", task.Name())
}

func TestBindLateReadsStateAtStart(t *testing.T) {
	state := struct{ value int }{value: 1}

	var early, late int
	mutate := NewTask("mutate", func(context.Context) error {
		state.value = 2
		return nil
	})
	bound := BindArgs("bound", func(_ context.Context, v int) error {
		early = v
		return nil
	}, state.value)
	delayed := BindLate("delayed", func(_ context.Context, v int) error {
		late = v
		return nil
	}, func() int { return state.value })

	for _, task := range []*Task{mutate, bound, delayed} {
		require.NoError(t, task.Start(context.Background()))
	}

	assert.Equal(t, 1, early)
	assert.Equal(t, 2, late)
}

func TestTaskFinishedEvenOnError(t *testing.T) {
	boom := errors.New("boom")
	task := NewTask("fails", func(context.Context) error { return boom })

	assert.False(t, task.Finished())
	err := task.Start(context.Background())
	assert.ErrorIs(t, err, boom)
	assert.True(t, task.Finished())
}

func TestTaskFinishedEvenOnPanic(t *testing.T) {
	task := NewTask("panics", func(context.Context) error { panic("nope") })

	assert.Panics(t, func() { _ = task.Start(context.Background()) })
	assert.True(t, task.Finished())
}

func TestTaskStartTwiceRunsAgain(t *testing.T) {
	calls := 0
	task := NewTask("", func(context.Context) error {
		calls++
		return nil
	})

	require.NoError(t, task.Start(context.Background()))
	require.NoError(t, task.Start(context.Background()))
	assert.Equal(t, 2, calls)
	assert.Equal(t, "task", task.Name())
}
