package execution

import (
	"context"
	"fmt"

	"blockflow/internal/models"
)

// runLoop executes the loop's members once per iteration, sequentially. The loop block's
// handler has already computed the plan (maxIterations and, for forEach, items).
func (r *run) runLoop(ctx context.Context, sc *scope, block *models.Block, planned map[string]any) map[string]any {
	plan := responseOf(planned)
	items, _ := plan["items"].([]any)
	count := getInt(plan, "maxIterations", len(items))
	members := r.ex.membersOf[block.ID]

	r.log.Infof("🔁 [LOOP] Loop '%s': %d iteration(s) over %d member block(s)", block.Name, count, len(members))

	results := make([]any, 0, count)
	for i := 0; i < count; i++ {
		if err := ctx.Err(); err != nil {
			return failureOutput(err)
		}

		var item any
		if i < len(items) {
			item = items[i]
		}
		isc := newIterationScope(sc, models.KindLoop, block.ID, members, i, item, plan["items"])

		r.mu.Lock()
		r.ec.LoopIterations[block.ID] = i
		r.ec.LoopItems[block.ID] = item
		r.enterIteration(isc, models.HandleLoopStart)
		r.mu.Unlock()

		if err := r.runGraph(ctx, isc); err != nil {
			return failureOutput(err)
		}

		r.mu.Lock()
		results = append(results, r.iterationResult(isc))
		r.mirror(isc)
		r.mu.Unlock()
	}

	r.mu.Lock()
	r.ec.CompletedLoops[block.ID] = true
	r.mu.Unlock()

	response := copyMap(plan)
	response["completed"] = true
	response["results"] = results
	response["message"] = fmt.Sprintf("Completed all %d iterations", count)
	return map[string]any{"response": response}
}

// enterIteration resets the members' state for a fresh iteration and activates its entry
// blocks: the targets of the construct's start handle, or members with no incoming
// edge from another member. Caller holds r.mu.
func (r *run) enterIteration(sc *scope, startHandle string) {
	for _, id := range sc.members {
		r.ec.reset(sc.keyFor(id))
	}

	entries := 0
	for _, c := range r.ex.outgoing[sc.constructID] {
		if c.SourceHandle == startHandle && sc.memberSet[c.Target] {
			r.ec.ActivePath[sc.keyFor(c.Target)] = true
			entries++
		}
	}
	if entries > 0 {
		return
	}
	for _, id := range sc.members {
		internal := false
		for _, c := range r.ex.incoming[id] {
			if sc.memberSet[c.Source] {
				internal = true
				break
			}
		}
		if !internal {
			r.ec.ActivePath[sc.keyFor(id)] = true
		}
	}
}

// iterationResult collects the outputs of the members that end the iteration: those
// with no outgoing edge to another member. Caller holds r.mu.
func (r *run) iterationResult(sc *scope) any {
	outputs := make(map[string]any)
	var last map[string]any
	for _, id := range sc.members {
		sink := true
		for _, c := range r.ex.outgoing[id] {
			if sc.memberSet[c.Target] {
				sink = false
				break
			}
		}
		if !sink {
			continue
		}
		if out, ok := r.ec.output(sc.keyFor(id)); ok {
			outputs[id] = out
			last = out
		}
	}
	switch len(outputs) {
	case 0:
		return nil
	case 1:
		return last
	default:
		return outputs
	}
}

// mirror copies the iteration's member states to their plain block ids so blocks after
// the construct can reference the latest values. Caller holds r.mu.
func (r *run) mirror(sc *scope) {
	for _, id := range sc.members {
		key := sc.keyFor(id)
		if key == id {
			continue
		}
		if st, ok := r.ec.BlockStates[key]; ok && st.Executed {
			r.ec.BlockStates[id] = st
			r.ec.ExecutedBlocks[id] = true
		}
	}
}
