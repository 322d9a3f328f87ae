package execution

import (
	"fmt"
	"strings"

	"blockflow/internal/models"
)

// scope is the set of blocks scheduled together: the top level of the graph, or the
// members of one loop iteration or parallel branch.
type scope struct {
	parent      *scope
	kind        models.BlockKind // "" for the top level
	constructID string
	index       int
	item        any
	items       any
	members     []string
	memberSet   map[string]bool
}

func newTopScope(members []string) *scope {
	return &scope{members: members, memberSet: toSet(members)}
}

func newIterationScope(parent *scope, kind models.BlockKind, constructID string, members []string, index int, item, items any) *scope {
	return &scope{
		parent:      parent,
		kind:        kind,
		constructID: constructID,
		index:       index,
		item:        item,
		items:       items,
		members:     members,
		memberSet:   toSet(members),
	}
}

// keyFor maps a block id to its state key as seen from this scope. Members of an
// iteration scope get a virtual key such as "b_parallel_p1_iteration_2".
func (s *scope) keyFor(id string) string {
	for sc := s; sc != nil; sc = sc.parent {
		if sc.memberSet[id] {
			return id + sc.suffix()
		}
	}
	return id
}

func (s *scope) suffix() string {
	var b strings.Builder
	for sc := s; sc != nil && sc.kind != ""; sc = sc.parent {
		fmt.Fprintf(&b, "_%s_%s_iteration_%d", sc.kind, sc.constructID, sc.index)
	}
	return b.String()
}

// enclosedBy reports whether blockID is a construct currently iterating around this scope.
func (s *scope) enclosedBy(blockID string) bool {
	for sc := s; sc != nil; sc = sc.parent {
		if sc.kind != "" && sc.constructID == blockID {
			return true
		}
	}
	return false
}

func (s *scope) iteration() *IterationInfo {
	if s == nil || s.kind == "" {
		return nil
	}
	return &IterationInfo{ConstructID: s.constructID, Kind: s.kind, Index: s.index, Item: s.item, Items: s.items}
}

func (s *scope) iterationIndex() *int {
	if s == nil || s.kind == "" {
		return nil
	}
	i := s.index
	return &i
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

// depsTerminal reports whether every incoming source of block is executed or skipped.
// Edges from an enclosing construct are satisfied while it iterates. Caller holds r.mu.
func (r *run) depsTerminal(sc *scope, block *models.Block) bool {
	for _, c := range r.ex.incoming[block.ID] {
		if sc.enclosedBy(c.Source) {
			continue
		}
		src := r.ex.blocks[c.Source]
		if src == nil || !src.IsEnabled() {
			continue
		}
		if !r.ec.isTerminal(sc.keyFor(c.Source)) {
			return false
		}
	}
	return true
}

// settle marks blocks that can no longer become active as skipped, repeating until
// nothing changes. Caller holds r.mu.
func (r *run) settle(sc *scope) {
	for changed := true; changed; {
		changed = false
		for _, id := range sc.members {
			key := sc.keyFor(id)
			if r.ec.isTerminal(key) {
				continue
			}
			block := r.ex.blocks[id]
			if block.IsEnabled() && (r.ec.ActivePath[key] || !r.depsTerminal(sc, block)) {
				continue
			}
			r.ec.markSkipped(key)
			changed = true
		}
	}
}

// ready returns the enabled, active, unexecuted blocks whose dependencies are all
// terminal, in declaration order. Caller holds r.mu.
func (r *run) ready(sc *scope) []*models.Block {
	var out []*models.Block
	for _, id := range sc.members {
		key := sc.keyFor(id)
		block := r.ex.blocks[id]
		if !block.IsEnabled() || r.ec.isTerminal(key) || !r.ec.ActivePath[key] {
			continue
		}
		if r.ec.BlockStates[key].Status == BlockStatusRunning {
			continue
		}
		if r.depsTerminal(sc, block) {
			out = append(out, block)
		}
	}
	return out
}

// activateSuccessors moves the active path forward after block succeeded. Caller holds r.mu.
func (r *run) activateSuccessors(sc *scope, block *models.Block, output map[string]any) {
	key := sc.keyFor(block.ID)
	for _, c := range r.ex.outgoing[block.ID] {
		switch {
		case c.SourceHandle == models.HandleError,
			c.SourceHandle == models.HandleLoopStart,
			c.SourceHandle == models.HandleParallelStart:
			continue
		case strings.HasPrefix(c.SourceHandle, models.HandleConditionPrefix):
			chosen, ok := r.ec.Decisions.Condition[key]
			if !ok || c.SourceHandle != models.HandleConditionPrefix+chosen {
				continue
			}
		case block.Kind == models.KindRouter:
			if r.ec.Decisions.Router[key] != c.Target {
				continue
			}
		}
		r.ec.ActivePath[sc.keyFor(c.Target)] = true
	}
}

// recordDecision stores the branch chosen by a condition or router block. Caller holds r.mu.
func (r *run) recordDecision(sc *scope, block *models.Block, output map[string]any) {
	resp := responseOf(output)
	key := sc.keyFor(block.ID)
	switch block.Kind {
	case models.KindCondition:
		if id, ok := resp["selectedConditionId"].(string); ok && id != "" {
			r.ec.Decisions.Condition[key] = id
		}
	case models.KindRouter:
		if target := selectedTarget(resp["selectedPath"]); target != "" {
			r.ec.Decisions.Router[key] = target
		}
	}
}

func selectedTarget(v any) string {
	switch p := v.(type) {
	case string:
		return p
	case map[string]any:
		if id, ok := p["blockId"].(string); ok {
			return id
		}
	}
	return ""
}

// ActivateErrorPath activates the targets of blockID's outgoing error connections.
// It returns false when there are none, and always for starter and condition blocks.
func (ex *Executor) ActivateErrorPath(blockID string, ec *ExecutionContext) bool {
	block, ok := ex.blocks[blockID]
	if !ok || ec == nil {
		return false
	}
	ec.ensureMaps()
	return ex.activateErrorPath(ec, block, func(id string) string { return id })
}

func (ex *Executor) activateErrorPath(ec *ExecutionContext, block *models.Block, keyFor func(string) string) bool {
	if !ex.routesErrors(block) {
		return false
	}
	activated := false
	for _, c := range ex.outgoing[block.ID] {
		if c.SourceHandle == models.HandleError {
			ec.ActivePath[keyFor(c.Target)] = true
			activated = true
		}
	}
	return activated
}

// hasErrorRoute reports whether a failure of blockID is routed to an error path.
func (ex *Executor) hasErrorRoute(blockID string) bool {
	block, ok := ex.blocks[blockID]
	if !ok || !ex.routesErrors(block) {
		return false
	}
	for _, c := range ex.outgoing[blockID] {
		if c.SourceHandle == models.HandleError {
			return true
		}
	}
	return false
}

func (ex *Executor) routesErrors(block *models.Block) bool {
	return block.Kind != models.KindStarter && block.Kind != models.KindCondition
}

// resolveRef resolves one template reference as seen from sc. Caller holds r.mu.
func (r *run) resolveRef(sc *scope, ref string) (any, bool) {
	head, rest, _ := strings.Cut(strings.TrimSpace(ref), ".")

	switch head {
	case "loop", "parallel":
		kind := models.BlockKind(head)
		for s := sc; s != nil; s = s.parent {
			if s.kind == kind {
				return ResolvePath(map[string]any{
					"index":       s.index,
					"currentItem": s.item,
					"items":       s.items,
				}, rest)
			}
		}
	case "variable", "variables":
		return ResolvePath(r.ec.WorkflowVariables, rest)
	case "env":
		v, ok := r.ec.EnvironmentVariables[rest]
		return v, ok
	case "input":
		return ResolvePath(r.ec.WorkflowInput, rest)
	case "start", "starter":
		if out, ok := r.ec.output(r.ex.starter.ID); ok {
			return pathInOutput(out, rest)
		}
		return nil, false
	}

	id, ok := r.ex.blockForRef(head)
	if !ok {
		return nil, false
	}
	out, ok := r.ec.output(sc.keyFor(id))
	if !ok {
		if out, ok = r.ec.output(id); !ok {
			return nil, false
		}
	}
	return pathInOutput(out, rest)
}

// blockForRef finds a block by id or normalized name.
func (ex *Executor) blockForRef(name string) (string, bool) {
	if _, ok := ex.blocks[name]; ok {
		return name, true
	}
	id, ok := ex.byName[models.NormalizeName(name)]
	return id, ok
}

// pathInOutput resolves a path in a block output; "agent1.content" is accepted as
// shorthand for "agent1.response.content".
func pathInOutput(out map[string]any, path string) (any, bool) {
	if path == "" {
		return out, true
	}
	if v, ok := ResolvePath(out, path); ok {
		return v, true
	}
	return ResolvePath(responseOf(out), path)
}
