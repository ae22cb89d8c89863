package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeRunStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		input    string
		expected RunStatus
	}{
		{name: "queued", input: "queued", expected: RunStatusQueued},
		{name: "uppercase", input: "RUNNING", expected: RunStatusRunning},
		{name: "padded", input: "  review ", expected: RunStatusReview},
		{name: "cancelled", input: "cancelled", expected: RunStatusCancelled},
		{name: "unknown", input: "bogus", expected: RunStatusNotStarted},
		{name: "empty", input: "", expected: RunStatusNotStarted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.expected, NormalizeRunStatus(tt.input))
		})
	}
}

func TestRunStatusPredicates(t *testing.T) {
	t.Parallel()

	assert.True(t, RunStatusApproved.IsTerminal())
	assert.True(t, RunStatusFailed.IsTerminal())
	assert.False(t, RunStatusReview.IsTerminal())
	assert.False(t, RunStatusQueued.IsTerminal())

	assert.True(t, RunStatusQueued.InFlight())
	assert.True(t, RunStatusRunning.InFlight())
	assert.False(t, RunStatusReview.InFlight())

	assert.True(t, RunStatusNotStarted.CanStart())
	assert.True(t, RunStatusRejected.CanStart())
	assert.False(t, RunStatusQueued.CanStart())
	assert.False(t, RunStatusRunning.CanStart())
	assert.False(t, RunStatusReview.CanStart())
}
