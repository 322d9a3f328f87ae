package execution

import (
	"context"
	"errors"

	"blockflow/internal/models"
)

// NormalizeOutput converts a handler's raw output into the canonical
// {"response": {...}, "error"?: string} shape.
func NormalizeOutput(kind models.BlockKind, raw map[string]any) map[string]any {
	if raw == nil {
		return map[string]any{"response": map[string]any{}}
	}

	errMsg := outputError(raw)
	var response map[string]any

	if existing, ok := raw["response"].(map[string]any); ok {
		response = copyMap(existing)
	} else {
		switch kind {
		case models.KindAgent:
			response = pick(raw, "content", "model", "tokens", "toolCalls")
		case models.KindRouter:
			response = pick(raw, "selectedPath", "reasoning")
		case models.KindFunction:
			response = pick(raw, "result", "stdout")
		default:
			rest := copyMap(raw)
			delete(rest, "error")
			response = map[string]any{}
			if len(rest) > 0 {
				response["result"] = rest
			}
		}
	}
	delete(response, "error")

	out := map[string]any{"response": response}
	if errMsg != "" {
		out["error"] = errMsg
	}
	return out
}

// failureOutput is the canonical output of a block that returned an error.
func failureOutput(err error) map[string]any {
	return map[string]any{"response": map[string]any{}, "error": errorMessage(err)}
}

// errorMessage renders a handler error for the block output.
func errorMessage(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return err.Error()
}

// outputError returns the error surfaced by an output: top-level "error" first,
// then "response.error".
func outputError(output map[string]any) string {
	if output == nil {
		return ""
	}
	if msg := errorString(output["error"]); msg != "" {
		return msg
	}
	if resp, ok := output["response"].(map[string]any); ok {
		return errorString(resp["error"])
	}
	return ""
}

func errorString(v any) string {
	switch e := v.(type) {
	case nil:
		return ""
	case string:
		return e
	case error:
		return e.Error()
	case map[string]any:
		if msg, ok := e["message"].(string); ok {
			return msg
		}
	}
	return stringify(v)
}

// responseOf returns the "response" map of a canonical output.
func responseOf(output map[string]any) map[string]any {
	if resp, ok := output["response"].(map[string]any); ok {
		return resp
	}
	return map[string]any{}
}

func pick(src map[string]any, keys ...string) map[string]any {
	out := make(map[string]any, len(keys))
	for _, k := range keys {
		if v, ok := src[k]; ok {
			out[k] = v
		}
	}
	return out
}

func copyMap(src map[string]any) map[string]any {
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
