package execution

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockflow/internal/models"
)

func debugWorkflow() *models.Workflow {
	return buildWorkflow("debug",
		[]models.Block{
			blk("start", models.KindStarter, nil),
			blk("a", models.KindAgent, nil),
			blk("b", models.KindFunction, map[string]any{"prev": "{{a.content}}"}),
			blk("c", models.KindFunction, nil),
		},
		[]models.Connection{conn("start", "a"), conn("start", "c"), conn("a", "b")})
}

func TestDebug_StepThroughWaves(t *testing.T) {
	agent := newMock(models.KindAgent)
	agent.output = map[string]any{"content": "draft"}
	fn := newMock(models.KindFunction)

	ex, err := New(debugWorkflow(), newTestRegistry(agent, fn), WithDebug(true))
	require.NoError(t, err)
	ctx := context.Background()

	step, err := ex.Execute(ctx, "run-debug")
	require.NoError(t, err)
	require.NotNil(t, step.Paused)
	assert.Equal(t, []string{"a", "c"}, step.Paused.PendingBlocks)
	assert.True(t, step.Paused.ExecutedBlocks["start"])

	// the paused context survives a trip through JSON, as it would between API calls
	data, err := json.Marshal(step.Paused)
	require.NoError(t, err)
	var restored ExecutionContext
	require.NoError(t, json.Unmarshal(data, &restored))

	step, err = ex.ContinueExecution(ctx, []string{"a"}, &restored)
	require.NoError(t, err)
	require.NotNil(t, step.Paused)
	assert.Equal(t, []string{"b", "c"}, step.Paused.PendingBlocks)
	assert.Equal(t, int32(1), agent.callCount.Load())
	assert.Empty(t, fn.calledFor())

	_, err = ex.ContinueExecution(ctx, []string{"ghost"}, step.Paused)
	assert.ErrorContains(t, err, "unknown block ghost")
	_, err = ex.ContinueExecution(ctx, []string{"start"}, step.Paused)
	assert.ErrorContains(t, err, "not ready")

	step, err = ex.ContinueExecution(ctx, nil, step.Paused)
	require.NoError(t, err)
	require.NotNil(t, step.Result)
	assert.True(t, step.Result.Success, step.Result.Error)
	assert.Len(t, step.Result.Logs, 4)
	assert.ElementsMatch(t, []string{"b", "c"}, fn.calledFor())

	for _, call := range fn.calls {
		if call.Block.ID == "b" {
			assert.Equal(t, "draft", call.Config["prev"])
		}
	}
}

func TestDebug_ContinueDoesNotMutateInput(t *testing.T) {
	ex, err := New(debugWorkflow(), newTestRegistry(newMock(models.KindAgent), newMock(models.KindFunction)), WithDebug(true))
	require.NoError(t, err)

	step, err := ex.Execute(context.Background(), "run-debug")
	require.NoError(t, err)
	paused := step.Paused
	require.NotNil(t, paused)

	_, err = ex.ContinueExecution(context.Background(), nil, paused)
	require.NoError(t, err)
	assert.False(t, paused.ExecutedBlocks["a"], "the caller's snapshot is left untouched")
	assert.Equal(t, []string{"a", "c"}, paused.PendingBlocks)
}

func TestDebug_ContinueNilContext(t *testing.T) {
	ex, err := New(debugWorkflow(), newTestRegistry(newMock(models.KindAgent), newMock(models.KindFunction)))
	require.NoError(t, err)

	_, err = ex.ContinueExecution(context.Background(), nil, nil)
	assert.Error(t, err)
}

func TestExecutionContext_Clone(t *testing.T) {
	ec := NewExecutionContext("wf", "run")
	ec.BlockStates["a"] = BlockState{Output: map[string]any{"response": map[string]any{"n": 1}}, Executed: true, Status: BlockStatusCompleted}
	ec.ExecutedBlocks["a"] = true
	ec.Decisions.Router["r"] = "a"

	clone, err := ec.Clone()
	require.NoError(t, err)
	clone.ExecutedBlocks["b"] = true
	clone.Decisions.Router["r"] = "b"

	assert.False(t, ec.ExecutedBlocks["b"])
	assert.Equal(t, "a", ec.Decisions.Router["r"])
	assert.Equal(t, BlockStatusCompleted, clone.BlockStates["a"].Status)
	assert.NotNil(t, clone.ParallelExecutions)
}

func TestTransitionBlockStatus(t *testing.T) {
	tests := []struct {
		from, to, want BlockStatus
	}{
		{"", BlockStatusRunning, BlockStatusRunning},
		{BlockStatusPending, BlockStatusSkipped, BlockStatusSkipped},
		{BlockStatusRunning, BlockStatusCompleted, BlockStatusCompleted},
		{BlockStatusRunning, BlockStatusFailed, BlockStatusFailed},
		{BlockStatusCompleted, BlockStatusPending, BlockStatusPending},
		{BlockStatusCompleted, BlockStatusRunning, BlockStatusCompleted},
		{BlockStatusPending, BlockStatusCompleted, BlockStatusPending},
		{BlockStatusSkipped, BlockStatusSkipped, BlockStatusSkipped},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, TransitionBlockStatus(tt.from, tt.to), "%s -> %s", tt.from, tt.to)
	}
	assert.True(t, IsTerminal(BlockStatusSkipped))
	assert.False(t, IsTerminal(BlockStatusRunning))
}
