package execution

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"blockflow/internal/models"
)

// MaxLoopIterations caps every loop and parallel construct.
const MaxLoopIterations = 1000

// LoopHandler plans a loop. The executor merges the loop definition into the config
// and, after this handler succeeds, runs the members once per planned iteration.
//
// Config (filled from the workflow's loop definition):
//   - loopType: "for" or "forEach"
//   - iterations: iteration count for "for"
//   - forEachItems: slice, map, JSON string or resolved {{reference}} for "forEach"
type LoopHandler struct {
	KindHandler
}

func NewLoopHandler() *LoopHandler {
	return &LoopHandler{KindHandler: KindHandler(models.KindLoop)}
}

func (h *LoopHandler) Execute(ctx context.Context, req *BlockRequest) (map[string]any, error) {
	block := req.Block
	loopType := models.LoopType(getString(req.Config, "loopType", ""))

	switch loopType {
	case models.LoopTypeFor:
		n := getInt(req.Config, "iterations", 0)
		if n < 0 {
			return map[string]any{"error": fmt.Sprintf("loop: negative iteration count %d", n)}, nil
		}
		n = capIterations(block, n)
		return map[string]any{"response": map[string]any{
			"loopId":        block.ID,
			"loopType":      string(loopType),
			"maxIterations": n,
		}}, nil

	case models.LoopTypeForEach:
		items, err := collectionItems(req.Config["forEachItems"])
		if err != nil {
			return map[string]any{"error": fmt.Sprintf("loop: %v", err)}, nil
		}
		items = items[:capIterations(block, len(items))]
		return map[string]any{"response": map[string]any{
			"loopId":        block.ID,
			"loopType":      string(loopType),
			"maxIterations": len(items),
			"items":         items,
		}}, nil

	default:
		return map[string]any{"error": fmt.Sprintf("loop: block '%s' has no loop definition (type %q)", block.Name, loopType)}, nil
	}
}

// ParallelHandler plans a parallel construct: one branch per distribution item, or
// count branches when no distribution is set.
type ParallelHandler struct {
	KindHandler
}

func NewParallelHandler() *ParallelHandler {
	return &ParallelHandler{KindHandler: KindHandler(models.KindParallel)}
}

func (h *ParallelHandler) Execute(ctx context.Context, req *BlockRequest) (map[string]any, error) {
	block := req.Block
	response := map[string]any{"parallelId": block.ID}

	if dist, ok := req.Config["distribution"]; ok && dist != nil {
		items, err := collectionItems(dist)
		if err != nil {
			return map[string]any{"error": fmt.Sprintf("parallel: %v", err)}, nil
		}
		items = items[:capIterations(block, len(items))]
		response["items"] = items
		response["count"] = len(items)
		return map[string]any{"response": response}, nil
	}

	n := getInt(req.Config, "count", 0)
	if n <= 0 {
		return map[string]any{"error": fmt.Sprintf("parallel: block '%s' has no distribution and no branch count", block.Name)}, nil
	}
	response["count"] = capIterations(block, n)
	return map[string]any{"response": response}, nil
}

func capIterations(block *models.Block, n int) int {
	if n > MaxLoopIterations {
		logrus.Warnf("⚠️ [LOOP] Block '%s': %d iterations requested, capping at %d", block.Name, n, MaxLoopIterations)
		return MaxLoopIterations
	}
	return n
}

// collectionItems turns a loop or parallel collection into a slice. Maps become
// {key, value} entries sorted by key; JSON strings are decoded first.
func collectionItems(raw any) ([]any, error) {
	switch v := raw.(type) {
	case nil:
		return []any{}, nil
	case []any:
		return v, nil
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out, nil
	case []map[string]any:
		out := make([]any, len(v))
		for i, m := range v {
			out[i] = m
		}
		return out, nil
	case map[string]any:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]any, len(keys))
		for i, k := range keys {
			out[i] = map[string]any{"key": k, "value": v[k]}
		}
		return out, nil
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return []any{}, nil
		}
		if strings.Contains(s, "{{") {
			return nil, fmt.Errorf("collection reference %s could not be resolved", s)
		}
		var decoded any
		if err := json.Unmarshal([]byte(s), &decoded); err != nil {
			return nil, fmt.Errorf("collection is not a list, map or JSON document: %w", err)
		}
		if _, isString := decoded.(string); isString {
			return nil, fmt.Errorf("collection must be a list or map")
		}
		return collectionItems(decoded)
	default:
		return nil, fmt.Errorf("unsupported collection type %T", raw)
	}
}
