package execution

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"blockflow/internal/models"
)

// AgentHandler runs an LLM call. Blocks selected for streaming forward every content
// delta through the request's Emit callback.
//
// Config:
//   - model: model name (provider default when empty)
//   - systemPrompt: system message
//   - userPrompt (or prompt): user message; {{references}} are already resolved
//   - temperature, maxTokens: sampling controls
//   - apiKey: per-block key, typically {{env.OPENAI_API_KEY}}
type AgentHandler struct {
	KindHandler
	provider AgentProvider
}

func NewAgentHandler(provider AgentProvider) *AgentHandler {
	return &AgentHandler{KindHandler: KindHandler(models.KindAgent), provider: provider}
}

func (h *AgentHandler) Execute(ctx context.Context, req *BlockRequest) (map[string]any, error) {
	block := req.Block
	config := req.Config

	if h.provider == nil {
		return map[string]any{"error": "agent: no model provider configured"}, nil
	}

	prompt := getString(config, "userPrompt", getString(config, "prompt", ""))
	if prompt == "" {
		if input, ok := req.Inputs["input"]; ok {
			prompt = stringify(input)
		}
	}
	if prompt == "" {
		return map[string]any{"error": fmt.Sprintf("agent: block '%s' has no prompt", block.Name)}, nil
	}

	agentReq := &AgentRequest{
		Model:        getString(config, "model", ""),
		SystemPrompt: getString(config, "systemPrompt", ""),
		UserPrompt:   prompt,
		MaxTokens:    getInt(config, "maxTokens", 0),
		APIKey:       getString(config, "apiKey", ""),
	}
	if t, ok := getFloat(config, "temperature"); ok {
		agentReq.Temperature = &t
	}

	logrus.Debugf("🤖 [AGENT] Block '%s': calling model %q (streaming=%v)", block.Name, agentReq.Model, req.Emit != nil)

	resp, err := h.provider.Complete(ctx, agentReq, req.Emit)
	if err != nil {
		return nil, err
	}

	return map[string]any{
		"content": resp.Content,
		"model":   resp.Model,
		"tokens": map[string]any{
			"prompt":     resp.PromptTokens,
			"completion": resp.CompletionTokens,
			"total":      resp.TotalTokens,
		},
	}, nil
}
