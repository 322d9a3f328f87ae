package execution

import (
	"context"
	"net/http"

	"blockflow/internal/models"
)

// ResponseHandler shapes the final output of a workflow.
//
// Config:
//   - data: the response body, usually built from {{references}}; defaults to the
//     response of the first upstream block
//   - status: HTTP status reported to API callers (default 200)
//   - headers: extra response headers
type ResponseHandler struct {
	KindHandler
}

func NewResponseHandler() *ResponseHandler {
	return &ResponseHandler{KindHandler: KindHandler(models.KindResponse)}
}

func (h *ResponseHandler) Execute(ctx context.Context, req *BlockRequest) (map[string]any, error) {
	data, ok := req.Config["data"]
	if !ok && len(req.Sources) > 0 {
		data = responseOf(req.Sources[0].Output)
	}

	headers := map[string]any{}
	for k, v := range getMap(req.Config, "headers") {
		headers[k] = stringify(v)
	}

	return map[string]any{
		"response": map[string]any{
			"data":    data,
			"status":  getInt(req.Config, "status", http.StatusOK),
			"headers": headers,
		},
	}, nil
}
