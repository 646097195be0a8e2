package deployment

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTerminalStatesHaveNoExits(t *testing.T) {
	all := []State{
		StatePending, StateValidating, StateBackingUp, StateApplying,
		StateVerifying, StateRollingBack, StateCompleted, StateFailed, StateCancelled,
	}
	for _, terminal := range []State{StateCompleted, StateFailed, StateCancelled} {
		for _, to := range all {
			assert.False(t, CanTransition(terminal, to),
				"terminal state %s must not transition to %s", terminal, to)
		}
	}
}

func TestForwardPath(t *testing.T) {
	path := []State{StatePending, StateValidating, StateBackingUp, StateApplying, StateVerifying, StateCompleted}
	for i := 0; i < len(path)-1; i++ {
		assert.True(t, CanTransition(path[i], path[i+1]), "%s -> %s", path[i], path[i+1])
	}
}

func TestFailureEdges(t *testing.T) {
	for _, from := range []State{StateValidating, StateBackingUp, StateApplying, StateVerifying} {
		assert.True(t, CanTransition(from, StateFailed), "%s -> failed", from)
	}
	assert.True(t, CanTransition(StateVerifying, StateRollingBack))
	assert.True(t, CanTransition(StatePending, StateRollingBack),
		"rollback deployments skip the forward stages")
	assert.True(t, CanTransition(StateRollingBack, StateCompleted))
	assert.True(t, CanTransition(StateRollingBack, StateFailed))
	assert.False(t, CanTransition(StateApplying, StateRollingBack),
		"a forward deployment only enters rollback from verifying")
}

func TestCancelEdges(t *testing.T) {
	assert.True(t, CanTransition(StatePending, StateCancelled))
	assert.True(t, CanTransition(StateVerifying, StateCancelled))
	assert.False(t, CanTransition(StateApplying, StateCancelled))
	assert.False(t, CanTransition(StateRollingBack, StateCancelled))
}

func TestIsActive(t *testing.T) {
	assert.False(t, IsActive(StatePending))
	assert.True(t, IsActive(StateValidating))
	assert.True(t, IsActive(StateRollingBack))
	assert.False(t, IsActive(StateCompleted))
}

func TestStageLogRing(t *testing.T) {
	var r StageResult
	for i := 0; i < MaxStageLogLines+25; i++ {
		r.AppendLog(fmt.Sprintf("line %d", i))
	}
	assert.Len(t, r.Logs, MaxStageLogLines)
	assert.Equal(t, "line 25", r.Logs[0])
}

func TestStateForStage(t *testing.T) {
	assert.Equal(t, StateValidating, StateForStage(StageValidate))
	assert.Equal(t, StateBackingUp, StateForStage(StageBackup))
	assert.Equal(t, StateApplying, StateForStage(StageApply))
	assert.Equal(t, StateVerifying, StateForStage(StageVerify))
	assert.Equal(t, StateRollingBack, StateForStage(StageRollback))
}
