package execution

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"blockflow/internal/models"
)

// runParallel executes the members once per branch, all branches concurrently. Results
// are ordered by branch index regardless of completion order.
func (r *run) runParallel(ctx context.Context, sc *scope, block *models.Block, planned map[string]any) map[string]any {
	plan := responseOf(planned)
	items, _ := plan["items"].([]any)
	count := getInt(plan, "count", len(items))
	members := r.ex.membersOf[block.ID]

	r.log.Infof("🔀 [PARALLEL] Parallel '%s': %d branch(es) over %d member block(s)", block.Name, count, len(members))

	state := &ParallelState{Count: count, Items: items}
	r.mu.Lock()
	r.ec.ParallelExecutions[block.ID] = state
	r.mu.Unlock()

	results := make([]any, count)
	branches := make([]*scope, count)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelDispatch)
	for i := 0; i < count; i++ {
		var item any
		if i < len(items) {
			item = items[i]
		}
		branches[i] = newIterationScope(sc, models.KindParallel, block.ID, members, i, item, plan["items"])

		g.Go(func() error {
			bsc := branches[i]
			r.mu.Lock()
			r.enterIteration(bsc, models.HandleParallelStart)
			r.mu.Unlock()

			if err := r.runGraph(gctx, bsc); err != nil {
				return err
			}

			r.mu.Lock()
			results[i] = r.iterationResult(bsc)
			r.mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return failureOutput(err)
	}

	r.mu.Lock()
	if count > 0 {
		r.mirror(branches[count-1])
	}
	state.Completed = true
	state.Results = results
	r.mu.Unlock()

	response := copyMap(plan)
	response["completed"] = true
	response["results"] = results
	response["message"] = fmt.Sprintf("Completed all %d parallel branches", count)
	return map[string]any{"response": response}
}
