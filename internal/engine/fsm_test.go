package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/stepflow/pkg/schema"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from schema.RunStatus
		to   schema.RunStatus
		want bool
	}{
		{schema.RunStatusQueued, schema.RunStatusRunning, true},
		{schema.RunStatusQueued, schema.RunStatusCanceled, false},
		{schema.RunStatusQueued, schema.RunStatusWaiting, false},
		{schema.RunStatusRunning, schema.RunStatusWaiting, true},
		{schema.RunStatusRunning, schema.RunStatusCompleted, true},
		{schema.RunStatusRunning, schema.RunStatusFailed, true},
		{schema.RunStatusRunning, schema.RunStatusCanceled, true},
		{schema.RunStatusRunning, schema.RunStatusQueued, false},
		{schema.RunStatusWaiting, schema.RunStatusRunning, true},
		{schema.RunStatusWaiting, schema.RunStatusCanceled, true},
		{schema.RunStatusWaiting, schema.RunStatusCompleted, false},
		{schema.RunStatusCompleted, schema.RunStatusRunning, false},
		{schema.RunStatusFailed, schema.RunStatusCanceled, false},
		{schema.RunStatusCanceled, schema.RunStatusRunning, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, CanTransition(tt.from, tt.to),
			"%s -> %s", tt.from, tt.to)
	}
}

func TestGuardTransition(t *testing.T) {
	t.Run("legal transition", func(t *testing.T) {
		assert.NoError(t, guardTransition("r1", schema.RunStatusWaiting, schema.RunStatusCanceled))
	})

	t.Run("terminal state reports RUN_TERMINATED", func(t *testing.T) {
		err := guardTransition("r1", schema.RunStatusCompleted, schema.RunStatusCanceled)
		require.Error(t, err)
		assert.Equal(t, schema.ErrCodeRunTerminated, schema.CodeOf(err))
	})

	t.Run("illegal non-terminal transition", func(t *testing.T) {
		err := guardTransition("r1", schema.RunStatusQueued, schema.RunStatusWaiting)
		require.Error(t, err)
		assert.Equal(t, schema.ErrCodeInvalidTransition, schema.CodeOf(err))
	})

	t.Run("queued runs cannot be canceled", func(t *testing.T) {
		err := guardTransition("r1", schema.RunStatusQueued, schema.RunStatusCanceled)
		require.Error(t, err)
		assert.Equal(t, schema.ErrCodeInvalidTransition, schema.CodeOf(err))
	})
}
