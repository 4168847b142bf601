package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateTransitions(t *testing.T) {
	tests := []struct {
		from, to State
		allowed  bool
	}{
		{StateNotStarted, StateStarted, true},
		{StateNotStarted, StateFinished, false},
		{StateStarted, StateFinished, true},
		{StateStarted, StateFailed, true},
		{StateStarted, StateCancelled, true},
		{StateStarted, StatePaused, false},
		{StateFinished, StateStarted, false},
		{StateFailed, StateFinished, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.allowed, tt.from.CanTransition(tt.to))
		})
	}
}

func TestStateIsTerminal(t *testing.T) {
	assert.True(t, StateFinished.IsTerminal())
	assert.True(t, StateFailed.IsTerminal())
	assert.True(t, StateCancelled.IsTerminal())
	assert.False(t, StateStarted.IsTerminal())
	assert.False(t, StatePaused.IsTerminal())
}
