package execution

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"blockflow/internal/models"
)

// randomDAG draws a connected DAG: every block gets at least one edge from an earlier block.
func randomDAG(rt *rapid.T) *models.Workflow {
	n := rapid.IntRange(1, 12).Draw(rt, "blocks")
	blocks := []models.Block{blk("start", models.KindStarter, nil)}
	var conns []models.Connection
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("b%d", i)
		blocks = append(blocks, blk(id, models.KindFunction, nil))

		parent := rapid.IntRange(0, i).Draw(rt, fmt.Sprintf("parent_%d", i))
		conns = append(conns, conn(blocks[parent].ID, id))
		if i > 0 && rapid.Bool().Draw(rt, fmt.Sprintf("extra_%d", i)) {
			extra := rapid.IntRange(0, i).Draw(rt, fmt.Sprintf("extraParent_%d", i))
			if extra != parent {
				conns = append(conns, conn(blocks[extra].ID, id))
			}
		}
	}
	return buildWorkflow("random", blocks, conns)
}

func logOrder(result *ExecutionResult) []string {
	ids := make([]string, len(result.Logs))
	for i, l := range result.Logs {
		ids[i] = l.BlockID
	}
	return ids
}

func TestProperty_EveryReachableBlockRunsOnceAfterItsSources(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		wf := randomDAG(rt)
		fn := newMock(models.KindFunction)
		ex, err := New(wf, newTestRegistry(fn))
		require.NoError(rt, err)

		result, err := ex.Run(context.Background(), "run-prop")
		require.NoError(rt, err)
		require.True(rt, result.Success, result.Error)

		position := make(map[string]int)
		for i, id := range logOrder(result) {
			_, dup := position[id]
			require.False(rt, dup, "block %s ran twice", id)
			position[id] = i
		}
		require.Len(rt, position, len(wf.Blocks))

		for _, c := range wf.Connections {
			assert.Less(rt, position[c.Source], position[c.Target], "%s must finish before %s", c.Source, c.Target)
		}
	})
}

func TestProperty_RunsAreDeterministic(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		wf := randomDAG(rt)
		ex, err := New(wf, newTestRegistry(newMock(models.KindFunction)))
		require.NoError(rt, err)

		first, err := ex.Run(context.Background(), "run-a")
		require.NoError(rt, err)
		second, err := ex.Run(context.Background(), "run-b")
		require.NoError(rt, err)

		assert.Equal(rt, logOrder(first), logOrder(second))
		assert.Equal(rt, first.Output, second.Output)
	})
}

func TestProperty_LoopRunsExactlyPlannedIterations(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		n := rapid.IntRange(0, 25).Draw(rt, "iterations")
		fn := newMock(models.KindFunction)
		wf := loopWorkflow(
			&models.Loop{Nodes: []string{"body"}, LoopType: models.LoopTypeFor, Iterations: n},
			[]models.Block{blk("body", models.KindFunction, nil)},
			nil)

		ex, err := New(wf, newTestRegistry(fn))
		require.NoError(rt, err)
		result, err := ex.Run(context.Background(), "run-loop")
		require.NoError(rt, err)
		require.True(rt, result.Success, result.Error)

		calls := fn.calledFor()
		require.Len(rt, calls, n+1)
		assert.Equal(rt, "after", calls[n], "the end path fires only after the last iteration")

		out, ok := result.Context.output("loop")
		require.True(rt, ok)
		assert.Len(rt, responseOf(out)["results"], n)
	})
}
