package execution

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"blockflow/internal/models"
)

// BlockHandler executes one kind of block. Recoverable problems (bad config, upstream API
// errors) should come back as failure-shaped outputs ({"error": "..."}); a returned error
// is treated the same way after retries are exhausted.
type BlockHandler interface {
	CanHandle(block *models.Block) bool
	Execute(ctx context.Context, req *BlockRequest) (map[string]any, error)
}

// IterationInfo describes the loop or parallel iteration a member block runs in.
type IterationInfo struct {
	ConstructID string
	Kind        models.BlockKind // loop or parallel
	Index       int
	Item        any
	Items       any
}

// SourceOutput is the recorded output of an executed upstream block.
type SourceOutput struct {
	BlockID string
	Handle  string
	Output  map[string]any
}

// BlockRequest is everything a handler sees for one dispatch.
type BlockRequest struct {
	Block  *models.Block
	Config map[string]any // block config with templates resolved
	Inputs map[string]any // resolved input bindings

	RunID         string
	WorkflowID    string
	Environment   map[string]string
	Variables     map[string]any
	WorkflowInput map[string]any

	Sources   []SourceOutput
	Iteration *IterationInfo

	// Set only for blocks selected for streaming.
	Emit func(chunk string)

	// Resolves a template reference such as "agent1.response.content".
	Lookup Lookup

	// Shared in-flight set for sub-workflow invocations, when the run was given one.
	InFlight InFlightSet
}

// KindHandler is embedded by handlers that serve a fixed block kind.
type KindHandler models.BlockKind

// CanHandle matches blocks of the embedded kind.
func (k KindHandler) CanHandle(block *models.Block) bool {
	return block != nil && block.Kind == models.BlockKind(k)
}

// Registry holds the registered handlers. The executor turns it into a closed
// kind -> handler table when it is constructed.
type Registry struct {
	handlers []BlockHandler
}

// NewRegistry creates a registry from handlers
func NewRegistry(handlers ...BlockHandler) *Registry {
	return &Registry{handlers: handlers}
}

// Register adds a handler
func (r *Registry) Register(h BlockHandler) {
	r.handlers = append(r.handlers, h)
}

// Resolve builds the kind -> handler table for a workflow. Every kind used by an enabled
// block must be matched by exactly one handler.
func (r *Registry) Resolve(wf *models.Workflow) (map[models.BlockKind]BlockHandler, error) {
	table := make(map[models.BlockKind]BlockHandler)
	for i := range wf.Blocks {
		block := &wf.Blocks[i]
		if !block.IsEnabled() {
			continue
		}
		if _, done := table[block.Kind]; done {
			continue
		}

		var matches []BlockHandler
		for _, h := range r.handlers {
			if h.CanHandle(block) {
				matches = append(matches, h)
			}
		}

		switch len(matches) {
		case 0:
			return nil, structuralError(ReasonNoHandler, block.ID,
				"no handler registered for block '%s' of kind %q", block.Name, block.Kind)
		case 1:
			table[block.Kind] = matches[0]
		default:
			names := make([]string, len(matches))
			for j, h := range matches {
				names[j] = fmt.Sprintf("%T", h)
			}
			return nil, structuralError(ReasonAmbiguousHandler, block.ID,
				"block '%s' of kind %q is claimed by %d handlers: %s",
				block.Name, block.Kind, len(matches), strings.Join(names, ", "))
		}
	}
	return table, nil
}

// HandlerDeps are the collaborators of the built-in handlers.
type HandlerDeps struct {
	Agent           AgentProvider
	Code            CodeRunner
	Workflows       WorkflowLoader
	InFlight        InFlightSet
	HTTPClient      *http.Client
	APIRateLimitRPS float64
}

// NewDefaultRegistry registers one handler for every built-in block kind.
func NewDefaultRegistry(deps HandlerDeps) *Registry {
	r := NewRegistry(
		NewStarterHandler(),
		NewAgentHandler(deps.Agent),
		NewFunctionHandler(deps.Code),
		NewConditionHandler(),
		NewRouterHandler(),
		NewLoopHandler(),
		NewParallelHandler(),
		NewErrorHandlerBlock(),
		NewAPIHandler(deps.HTTPClient, deps.APIRateLimitRPS),
		NewResponseHandler(),
	)
	if deps.Workflows != nil {
		r.Register(NewWorkflowHandler(deps.Workflows, r, deps.InFlight))
	}
	return r
}
