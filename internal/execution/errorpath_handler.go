package execution

import (
	"context"

	"github.com/sirupsen/logrus"

	"blockflow/internal/models"
)

// ErrorHandlerBlock runs on an error path and surfaces the failure it was routed from.
// Its output is a success, so the run can still finish cleanly.
//
// Config:
//   - message: optional text reported alongside the upstream error
type ErrorHandlerBlock struct {
	KindHandler
}

func NewErrorHandlerBlock() *ErrorHandlerBlock {
	return &ErrorHandlerBlock{KindHandler: KindHandler(models.KindErrorHandler)}
}

func (h *ErrorHandlerBlock) Execute(ctx context.Context, req *BlockRequest) (map[string]any, error) {
	response := map[string]any{
		"handled": true,
		"message": getString(req.Config, "message", ""),
	}
	for _, src := range req.Sources {
		if msg := outputError(src.Output); msg != "" {
			response["sourceBlockId"] = src.BlockID
			response["failure"] = msg
			logrus.Infof("🩹 [ERROR_HANDLER] Block '%s' handled failure of %s: %s", req.Block.Name, src.BlockID, msg)
			break
		}
	}
	return map[string]any{"response": response}, nil
}
