package execution

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	openaiopt "github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
)

// AgentRequest is one model call made by an agent block.
type AgentRequest struct {
	Model        string
	SystemPrompt string
	UserPrompt   string
	Temperature  *float64
	MaxTokens    int
	APIKey       string // overrides the provider key when set
}

// AgentResponse is the completed model answer.
type AgentResponse struct {
	Content          string
	Model            string
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// AgentProvider performs model calls. When onChunk is non-nil the call streams and
// onChunk receives every content delta.
type AgentProvider interface {
	Complete(ctx context.Context, req *AgentRequest, onChunk func(string)) (*AgentResponse, error)
}

// OpenAIProvider talks to any OpenAI-compatible chat completions endpoint.
type OpenAIProvider struct {
	client       openai.Client
	defaultModel string
}

// NewOpenAIProvider creates a provider. An empty baseURL uses the OpenAI API.
func NewOpenAIProvider(apiKey, baseURL, defaultModel string) *OpenAIProvider {
	var opts []openaiopt.RequestOption
	if apiKey != "" {
		opts = append(opts, openaiopt.WithAPIKey(apiKey))
	}
	if baseURL != "" {
		opts = append(opts, openaiopt.WithBaseURL(baseURL))
	}
	if defaultModel == "" {
		defaultModel = "gpt-4o-mini"
	}
	return &OpenAIProvider{client: openai.NewClient(opts...), defaultModel: defaultModel}
}

func (p *OpenAIProvider) Complete(ctx context.Context, req *AgentRequest, onChunk func(string)) (*AgentResponse, error) {
	modelName := req.Model
	if modelName == "" {
		modelName = p.defaultModel
	}

	var messages []openai.ChatCompletionMessageParamUnion
	if req.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(req.SystemPrompt))
	}
	messages = append(messages, openai.UserMessage(req.UserPrompt))

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(modelName),
		Messages: messages,
	}
	if req.Temperature != nil {
		params.Temperature = openai.Float(*req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}

	var reqOpts []openaiopt.RequestOption
	if req.APIKey != "" {
		reqOpts = append(reqOpts, openaiopt.WithAPIKey(req.APIKey))
	}

	if onChunk == nil {
		completion, err := p.client.Chat.Completions.New(ctx, params, reqOpts...)
		if err != nil {
			return nil, fmt.Errorf("chat completion failed: %w", err)
		}
		if len(completion.Choices) == 0 {
			return nil, fmt.Errorf("chat completion returned no choices")
		}
		return &AgentResponse{
			Content:          completion.Choices[0].Message.Content,
			Model:            completion.Model,
			PromptTokens:     int(completion.Usage.PromptTokens),
			CompletionTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:      int(completion.Usage.TotalTokens),
		}, nil
	}

	params.StreamOptions = openai.ChatCompletionStreamOptionsParam{IncludeUsage: openai.Bool(true)}
	stream := p.client.Chat.Completions.NewStreaming(ctx, params, reqOpts...)
	defer stream.Close()

	acc := openai.ChatCompletionAccumulator{}
	var content strings.Builder
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if len(chunk.Choices) > 0 && chunk.Choices[0].Delta.Content != "" {
			delta := chunk.Choices[0].Delta.Content
			content.WriteString(delta)
			onChunk(delta)
		}
	}
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("chat completion stream failed: %w", err)
	}

	return &AgentResponse{
		Content:          content.String(),
		Model:            acc.Model,
		PromptTokens:     int(acc.Usage.PromptTokens),
		CompletionTokens: int(acc.Usage.CompletionTokens),
		TotalTokens:      int(acc.Usage.TotalTokens),
	}, nil
}
