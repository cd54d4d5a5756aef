package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvidal/stepwise/pkg/schema"
)

func TestTransitionTable(t *testing.T) {
	tests := []struct {
		from    schema.ExecutionStatus
		to      schema.ExecutionStatus
		allowed bool
	}{
		{schema.StatusIdle, schema.StatusRunning, true},
		{schema.StatusIdle, schema.StatusFailed, true},
		{schema.StatusIdle, schema.StatusPaused, false},
		{schema.StatusIdle, schema.StatusCompleted, false},
		{schema.StatusRunning, schema.StatusPaused, true},
		{schema.StatusRunning, schema.StatusCompleted, true},
		{schema.StatusRunning, schema.StatusFailed, true},
		{schema.StatusRunning, schema.StatusIdle, false},
		{schema.StatusPaused, schema.StatusRunning, true},
		{schema.StatusPaused, schema.StatusFailed, true},
		{schema.StatusPaused, schema.StatusCompleted, false},
		{schema.StatusCompleted, schema.StatusRunning, false},
		{schema.StatusFailed, schema.StatusRunning, false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.allowed, transitionAllowed(tt.from, tt.to),
			"%s -> %s", tt.from, tt.to)
	}
}

func TestRunStateRejectsInvalidTransition(t *testing.T) {
	s := newRunState("wf", newRunID(), schema.DebugNone)
	require.NoError(t, s.transition(schema.StatusRunning))
	require.NoError(t, s.transition(schema.StatusCompleted))

	err := s.transition(schema.StatusRunning)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeInternal, schema.CodeOf(err))
	assert.Equal(t, schema.StatusCompleted, s.status())
}

func TestRunStateTerminalSetsFinishedAt(t *testing.T) {
	s := newRunState("wf", newRunID(), schema.DebugNone)
	require.NoError(t, s.transition(schema.StatusRunning))
	assert.Nil(t, s.snapshot().FinishedAt)

	require.NoError(t, s.transition(schema.StatusFailed))
	snap := s.snapshot()
	require.NotNil(t, snap.FinishedAt)
	assert.False(t, snap.FinishedAt.Before(snap.StartedAt))
}

func TestRunStateIgnoresCurrentNodeAfterTerminal(t *testing.T) {
	s := newRunState("wf", newRunID(), schema.DebugNone)
	require.NoError(t, s.transition(schema.StatusRunning))
	s.setCurrentNode("a")
	require.NoError(t, s.transition(schema.StatusCompleted))

	s.setCurrentNode("b")
	s.setPausedAt("c")
	snap := s.snapshot()
	assert.Equal(t, "a", snap.CurrentNodeID)
	assert.Equal(t, 1, snap.NodesRun)
}

func TestRunStateSnapshotIsDeepCopy(t *testing.T) {
	s := newRunState("wf", newRunID(), schema.DebugStep)
	s.appendLog(schema.LogInfo, "a", "one")

	snap := s.snapshot()
	require.Len(t, snap.Logs, 1)
	assert.NotEmpty(t, snap.Logs[0].ID)
	assert.Equal(t, schema.DebugStep, snap.DebugMode)

	s.appendLog(schema.LogWarn, "b", "two")
	assert.Len(t, snap.Logs, 1, "snapshot must not observe later writes")

	snap.Logs[0].Message = "mutated"
	assert.Equal(t, "one", s.snapshot().Logs[0].Message)
}
