package execution

import (
	"context"

	"blockflow/internal/models"
)

// StarterHandler exposes the run input. Its output is {"response": {"input": ..., <input fields>}},
// so both {{start.input.x}} and {{start.x}} resolve.
//
// Config:
//   - defaults: values used for input fields the caller did not provide
type StarterHandler struct {
	KindHandler
}

func NewStarterHandler() *StarterHandler {
	return &StarterHandler{KindHandler: KindHandler(models.KindStarter)}
}

func (h *StarterHandler) Execute(ctx context.Context, req *BlockRequest) (map[string]any, error) {
	input := make(map[string]any, len(req.WorkflowInput))
	for k, v := range getMap(req.Config, "defaults") {
		input[k] = v
	}
	for k, v := range req.WorkflowInput {
		input[k] = v
	}

	response := make(map[string]any, len(input)+1)
	for k, v := range input {
		response[k] = v
	}
	response["input"] = input
	return map[string]any{"response": response}, nil
}
