package execution

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/sirupsen/logrus"

	"blockflow/internal/models"
)

// MaxSubWorkflowDepth is the deepest allowed sub-workflow nesting.
const MaxSubWorkflowDepth = 10

// ErrWorkflowNotFound is returned by loaders for unknown workflow ids.
var ErrWorkflowNotFound = models.ErrWorkflowNotFound

// WorkflowLoader loads a workflow graph by id.
type WorkflowLoader interface {
	LoadWorkflow(ctx context.Context, id string) (*models.Workflow, error)
}

// WorkflowHandler runs another workflow as a block. Each invocation is registered in an
// in-flight set under "<parentRunID>_sub_<childWorkflowID>" for its whole duration;
// that identifier is also the child's run id, so nesting depth is the number of
// "_sub_" segments in the run id.
//
// Config:
//   - workflowId: the child workflow
//   - input: the child's run input (also accepted as an input binding)
type WorkflowHandler struct {
	KindHandler
	loader   WorkflowLoader
	registry *Registry
	inflight InFlightSet
}

// NewWorkflowHandler creates the handler. Child executors resolve their handlers from
// registry, which normally contains this handler too. inflight is used when the run
// does not carry its own set.
func NewWorkflowHandler(loader WorkflowLoader, registry *Registry, inflight InFlightSet) *WorkflowHandler {
	if inflight == nil {
		inflight = NewMemoryInFlightSet()
	}
	return &WorkflowHandler{
		KindHandler: KindHandler(models.KindWorkflow),
		loader:      loader,
		registry:    registry,
		inflight:    inflight,
	}
}

func (h *WorkflowHandler) Execute(ctx context.Context, req *BlockRequest) (map[string]any, error) {
	block := req.Block
	childID := getString(req.Config, "workflowId", "")
	if childID == "" {
		return subWorkflowFailure("", "sub-workflow: no workflowId configured"), nil
	}

	depth := strings.Count(req.RunID, "_sub_")
	if depth >= MaxSubWorkflowDepth {
		err := &SubWorkflowDepthError{Depth: depth + 1, Limit: MaxSubWorkflowDepth}
		logrus.Warnf("⛔ [SUB_WORKFLOW] Block '%s': %v", block.Name, err)
		return subWorkflowFailure("", err.Error()), nil
	}

	identifier := req.RunID + "_sub_" + childID
	if slices.Contains(workflowChain(ctx), childID) {
		err := &SubWorkflowCyclicError{Identifier: identifier}
		logrus.Warnf("⛔ [SUB_WORKFLOW] Block '%s': workflow %s is already running in this chain", block.Name, childID)
		return subWorkflowFailure("", err.Error()), nil
	}

	set := h.inflight
	if req.InFlight != nil {
		set = req.InFlight
	}
	added, err := set.TryAdd(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if !added {
		err := &SubWorkflowCyclicError{Identifier: identifier}
		logrus.Warnf("⛔ [SUB_WORKFLOW] Block '%s': %v", block.Name, err)
		return subWorkflowFailure("", err.Error()), nil
	}
	defer func() {
		if err := set.Remove(context.WithoutCancel(ctx), identifier); err != nil {
			logrus.Errorf("❌ [SUB_WORKFLOW] Failed to release %s: %v", identifier, err)
		}
	}()

	child, err := h.loader.LoadWorkflow(ctx, childID)
	if err != nil || child == nil {
		msg := fmt.Sprintf("sub-workflow: child workflow %s not found", childID)
		if err != nil && !errors.Is(err, ErrWorkflowNotFound) {
			msg = fmt.Sprintf("sub-workflow: failed to load child workflow %s: %v", childID, err)
		}
		return subWorkflowFailure("", msg), nil
	}

	opts := []Option{
		WithWorkflowInput(childInput(req)),
		WithEnvironment(req.Environment),
		WithInFlightSet(set),
	}
	executor, err := New(child, h.registry, opts...)
	if err != nil {
		return subWorkflowFailure(child.Name, fmt.Sprintf("sub-workflow: child workflow %s is malformed: %v", childID, err)), nil
	}

	logrus.Infof("🔗 [SUB_WORKFLOW] Block '%s': running child workflow '%s' as %s (depth %d)",
		block.Name, child.Name, identifier, depth+1)

	result, err := executor.Run(ctx, identifier)
	if err != nil {
		return nil, err
	}
	if !result.Success {
		msg := result.Error
		if msg == "" {
			msg = "child workflow failed"
		}
		return subWorkflowFailure(child.Name, fmt.Sprintf("sub-workflow %s: %s", childID, msg)), nil
	}

	return map[string]any{
		"response": map[string]any{
			"success":           true,
			"childWorkflowName": child.Name,
			"result":            unwrapResponse(result.Output),
		},
	}, nil
}

func subWorkflowFailure(childName, msg string) map[string]any {
	return map[string]any{
		"response": map[string]any{
			"success":           false,
			"childWorkflowName": childName,
			"error":             msg,
		},
		"error": msg,
	}
}

func childInput(req *BlockRequest) map[string]any {
	raw, ok := req.Inputs["input"]
	if !ok {
		raw, ok = req.Config["input"]
	}
	if !ok || raw == nil {
		return map[string]any{}
	}
	if m, isMap := raw.(map[string]any); isMap {
		return m
	}
	return map[string]any{"input": raw}
}

// unwrapResponse strips up to two levels of "response" wrapping.
func unwrapResponse(v any) any {
	for i := 0; i < 2; i++ {
		m, ok := v.(map[string]any)
		if !ok {
			break
		}
		inner, ok := m["response"]
		if !ok {
			break
		}
		v = inner
	}
	return v
}

type workflowChainKey struct{}

// withWorkflowChain records that workflowID is executing in this call chain.
func withWorkflowChain(ctx context.Context, workflowID string) context.Context {
	chain := workflowChain(ctx)
	if len(chain) > 0 && chain[len(chain)-1] == workflowID {
		return ctx
	}
	next := append(slices.Clone(chain), workflowID)
	return context.WithValue(ctx, workflowChainKey{}, next)
}

func workflowChain(ctx context.Context) []string {
	chain, _ := ctx.Value(workflowChainKey{}).([]string)
	return chain
}
