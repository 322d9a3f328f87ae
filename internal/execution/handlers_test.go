package execution

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"blockflow/internal/models"
)

func request(kind models.BlockKind, config map[string]any) *BlockRequest {
	b := blk("b1", kind, config)
	return &BlockRequest{Block: &b, Config: config, Inputs: map[string]any{}}
}

func TestEvaluateCondition(t *testing.T) {
	tests := []struct {
		field    any
		operator string
		value    any
		want     bool
	}{
		{"abc", "eq", "abc", true},
		{3.0, "eq", 3, true},
		{"abc", "neq", "abd", true},
		{"Hello World", "contains", "world", true},
		{"Hello", "not_contains", "xyz", true},
		{"Hello", "starts_with", "he", true},
		{"Hello", "ends_with", "LO", true},
		{10, "gt", 5, true},
		{"10", "lt", 5, false},
		{5, "gte", 5.0, true},
		{5, "lte", 4, false},
		{"abc", "gt", 1, false},
		{"", "is_empty", nil, true},
		{[]any{}, "is_empty", nil, true},
		{map[string]any{"a": 1}, "not_empty", nil, true},
		{"false", "is_true", nil, false},
		{"0", "is_false", nil, true},
		{true, "is_true", nil, true},
		{1, "is_true", nil, true},
		{"yes", "whatever", nil, true},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, evaluateCondition(tt.field, tt.operator, tt.value),
			"%v %s %v", tt.field, tt.operator, tt.value)
	}
}

func TestConditionHandler(t *testing.T) {
	h := NewConditionHandler()

	out, err := h.Execute(context.Background(), request(models.KindCondition, map[string]any{
		"conditions": []any{
			map[string]any{"id": "big", "field": 2, "operator": "gt", "value": 10},
			map[string]any{"id": "small", "field": 2, "operator": "lte", "value": 10},
		},
	}))
	require.NoError(t, err)
	assert.Equal(t, "small", response(t, out)["selectedConditionId"])
	assert.Equal(t, true, response(t, out)["conditionResult"])

	req := request(models.KindCondition, map[string]any{
		"conditions": []any{map[string]any{"id": "p", "path": "{{agent.flag}}", "operator": "is_true"}},
	})
	req.Lookup = staticLookup(map[string]any{"agent": map[string]any{"flag": true}})
	out, err = h.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "p", response(t, out)["selectedConditionId"])

	out, err = h.Execute(context.Background(), request(models.KindCondition, map[string]any{}))
	require.NoError(t, err)
	assert.Equal(t, "condition: no conditions configured", out["error"])

	out, err = h.Execute(context.Background(), request(models.KindCondition, map[string]any{
		"conditions": []any{"not an object"},
	}))
	require.NoError(t, err)
	assert.Contains(t, out["error"], "entry 0")
}

func TestRouterHandler(t *testing.T) {
	h := NewRouterHandler()

	out, err := h.Execute(context.Background(), request(models.KindRouter, map[string]any{"target": "x"}))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"blockId": "x"}, out["selectedPath"])

	out, err = h.Execute(context.Background(), request(models.KindRouter, map[string]any{
		"field":         "other",
		"routes":        []any{map[string]any{"target": "a", "value": "match"}},
		"defaultTarget": "fallback",
	}))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"blockId": "fallback"}, out["selectedPath"])

	out, err = h.Execute(context.Background(), request(models.KindRouter, map[string]any{"field": "z"}))
	require.NoError(t, err)
	assert.Contains(t, out["error"], "no route matched")

	out, err = h.Execute(context.Background(), request(models.KindRouter, map[string]any{
		"routes": []any{map[string]any{"value": "x"}},
	}))
	require.NoError(t, err)
	assert.Contains(t, out["error"], "has no target")
}

func TestLoopHandler(t *testing.T) {
	h := NewLoopHandler()

	out, err := h.Execute(context.Background(), request(models.KindLoop, map[string]any{"loopType": "for", "iterations": 4}))
	require.NoError(t, err)
	assert.Equal(t, 4, response(t, out)["maxIterations"])

	out, err = h.Execute(context.Background(), request(models.KindLoop, map[string]any{"loopType": "for", "iterations": 5000}))
	require.NoError(t, err)
	assert.Equal(t, MaxLoopIterations, response(t, out)["maxIterations"])

	out, err = h.Execute(context.Background(), request(models.KindLoop, map[string]any{"loopType": "for", "iterations": -1}))
	require.NoError(t, err)
	assert.Contains(t, out["error"], "negative")

	out, err = h.Execute(context.Background(), request(models.KindLoop, map[string]any{
		"loopType":     "forEach",
		"forEachItems": `["a", "b"]`,
	}))
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, response(t, out)["items"])
	assert.Equal(t, 2, response(t, out)["maxIterations"])

	out, err = h.Execute(context.Background(), request(models.KindLoop, map[string]any{}))
	require.NoError(t, err)
	assert.Contains(t, out["error"], "no loop definition")
}

func TestParallelHandler(t *testing.T) {
	h := NewParallelHandler()

	out, err := h.Execute(context.Background(), request(models.KindParallel, map[string]any{
		"distribution": map[string]any{"b": 2, "a": 1},
	}))
	require.NoError(t, err)
	resp := response(t, out)
	assert.Equal(t, 2, resp["count"])
	assert.Equal(t, []any{
		map[string]any{"key": "a", "value": 1},
		map[string]any{"key": "b", "value": 2},
	}, resp["items"])

	out, err = h.Execute(context.Background(), request(models.KindParallel, map[string]any{"count": 3.0}))
	require.NoError(t, err)
	assert.Equal(t, 3, response(t, out)["count"])
}

func TestCollectionItems(t *testing.T) {
	items, err := collectionItems([]string{"x", "y"})
	require.NoError(t, err)
	assert.Equal(t, []any{"x", "y"}, items)

	items, err = collectionItems(`{"k": 1}`)
	require.NoError(t, err)
	assert.Equal(t, []any{map[string]any{"key": "k", "value": 1.0}}, items)

	items, err = collectionItems(nil)
	require.NoError(t, err)
	assert.Empty(t, items)

	_, err = collectionItems("{{unresolved.ref}}")
	assert.ErrorContains(t, err, "could not be resolved")
	_, err = collectionItems(`"just a string"`)
	assert.Error(t, err)
	_, err = collectionItems(42)
	assert.ErrorContains(t, err, "unsupported")
}

func TestStarterHandler(t *testing.T) {
	req := request(models.KindStarter, map[string]any{"defaults": map[string]any{"lang": "en", "tone": "formal"}})
	req.WorkflowInput = map[string]any{"tone": "casual"}

	out, err := NewStarterHandler().Execute(context.Background(), req)
	require.NoError(t, err)
	resp := response(t, out)
	assert.Equal(t, "casual", resp["tone"])
	assert.Equal(t, "en", resp["lang"])
	assert.Equal(t, map[string]any{"lang": "en", "tone": "casual"}, resp["input"])
}

func TestResponseHandler(t *testing.T) {
	req := request(models.KindResponse, map[string]any{"headers": map[string]any{"X-Count": 2}})
	req.Sources = []SourceOutput{{BlockID: "up", Output: map[string]any{"response": map[string]any{"v": 1}}}}

	out, err := NewResponseHandler().Execute(context.Background(), req)
	require.NoError(t, err)
	resp := response(t, out)
	assert.Equal(t, map[string]any{"v": 1}, resp["data"])
	assert.Equal(t, http.StatusOK, resp["status"])
	assert.Equal(t, map[string]any{"X-Count": "2"}, resp["headers"])
}

type fakeRunner struct {
	result *CodeResult
	err    error
	got    map[string]any
}

func (f *fakeRunner) Run(_ context.Context, _, _ string, params map[string]any) (*CodeResult, error) {
	f.got = params
	return f.result, f.err
}

func TestFunctionHandler(t *testing.T) {
	runner := &fakeRunner{result: &CodeResult{Result: map[string]any{"sum": 3.0}, Stdout: "ok\n"}}
	h := NewFunctionHandler(runner)

	req := request(models.KindFunction, map[string]any{"code": "output = inputs.a + inputs.b"})
	req.Inputs = map[string]any{"a": 1, "b": 2}
	out, err := h.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"sum": 3.0}, out["result"])
	assert.Equal(t, map[string]any{"a": 1, "b": 2}, runner.got)

	out, err = h.Execute(context.Background(), request(models.KindFunction, map[string]any{}))
	require.NoError(t, err)
	assert.Equal(t, "function: no code provided", out["error"])

	runner.err = errors.New("ReferenceError: x is not defined")
	out, err = h.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "ReferenceError: x is not defined", out["error"])
}

func TestSubprocessRunner_UnsupportedLanguage(t *testing.T) {
	_, err := SubprocessRunner{}.Run(context.Background(), "cobol", "", nil)
	assert.ErrorContains(t, err, "unsupported language")
}

func TestAPIHandler(t *testing.T) {
	var gotAuth, gotQuery, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.Query().Get("q")
		body, _ := io.ReadAll(r.Body)
		gotBody = string(body)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	h := NewAPIHandler(srv.Client(), 0)
	out, err := h.Execute(context.Background(), request(models.KindAPI, map[string]any{
		"method":      "post",
		"url":         srv.URL + "/search",
		"queryParams": map[string]any{"q": "go"},
		"body":        map[string]any{"n": 1},
		"authType":    "bearer",
		"authConfig":  map[string]any{"token": "secret"},
	}))
	require.NoError(t, err)

	resp := response(t, out)
	assert.Equal(t, http.StatusOK, resp["status"])
	assert.Equal(t, map[string]any{"ok": true}, resp["data"])
	assert.Equal(t, "Bearer secret", gotAuth)
	assert.Equal(t, "go", gotQuery)
	assert.JSONEq(t, `{"n": 1}`, gotBody)
}

func TestAPIHandler_ErrorClassification(t *testing.T) {
	var status atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(status.Load()))
		_, _ = w.Write([]byte("nope"))
	}))
	defer srv.Close()

	h := NewAPIHandler(srv.Client(), 100)
	req := request(models.KindAPI, map[string]any{"url": srv.URL})

	status.Store(http.StatusNotFound)
	out, err := h.Execute(context.Background(), req)
	require.NoError(t, err, "permanent failures come back as failure outputs")
	assert.Equal(t, "[404] HTTP 404: nope", out["error"])

	status.Store(http.StatusServiceUnavailable)
	_, err = h.Execute(context.Background(), req)
	require.Error(t, err, "transient failures are returned for retry")
	assert.True(t, ClassifyError(err).Retryable)

	out, err = h.Execute(context.Background(), request(models.KindAPI, map[string]any{}))
	require.NoError(t, err)
	assert.Equal(t, "api: url is required", out["error"])
}

func TestAPIHandler_FailOnErrorDisabled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"missing": "user"}`))
	}))
	defer srv.Close()

	h := NewAPIHandler(srv.Client(), 0)
	out, err := h.Execute(context.Background(), request(models.KindAPI, map[string]any{
		"url":         srv.URL,
		"failOnError": false,
	}))
	require.NoError(t, err)
	assert.NotContains(t, out, "error")
	resp := response(t, out)
	assert.Equal(t, http.StatusNotFound, resp["status"])
	assert.Equal(t, map[string]any{"missing": "user"}, resp["data"])
}

type fakeProvider struct {
	got    *AgentRequest
	chunks []string
	err    error
}

func (f *fakeProvider) Complete(_ context.Context, req *AgentRequest, onChunk func(string)) (*AgentResponse, error) {
	f.got = req
	if f.err != nil {
		return nil, f.err
	}
	if onChunk != nil {
		for _, c := range f.chunks {
			onChunk(c)
		}
	}
	return &AgentResponse{Content: "answer", Model: "fake-model", PromptTokens: 3, CompletionTokens: 2, TotalTokens: 5}, nil
}

func TestAgentHandler(t *testing.T) {
	provider := &fakeProvider{chunks: []string{"ans", "wer"}}
	h := NewAgentHandler(provider)

	var streamed []string
	req := request(models.KindAgent, map[string]any{
		"model":        "m",
		"systemPrompt": "be brief",
		"userPrompt":   "question",
		"temperature":  0.2,
		"maxTokens":    100.0,
	})
	req.Emit = func(c string) { streamed = append(streamed, c) }

	out, err := h.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "answer", out["content"])
	assert.Equal(t, "fake-model", out["model"])
	assert.Equal(t, []string{"ans", "wer"}, streamed)

	require.NotNil(t, provider.got.Temperature)
	assert.InDelta(t, 0.2, *provider.got.Temperature, 1e-9)
	assert.Equal(t, 100, provider.got.MaxTokens)
	assert.Equal(t, "be brief", provider.got.SystemPrompt)

	out, err = h.Execute(context.Background(), request(models.KindAgent, map[string]any{}))
	require.NoError(t, err)
	assert.Contains(t, out["error"], "has no prompt")

	out, err = NewAgentHandler(nil).Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, "agent: no model provider configured", out["error"])

	provider.err = errors.New("rate limited")
	_, err = h.Execute(context.Background(), req)
	assert.EqualError(t, err, "rate limited")
}

func TestErrorHandlerBlock(t *testing.T) {
	req := request(models.KindErrorHandler, map[string]any{"message": "fallback"})
	req.Sources = []SourceOutput{
		{BlockID: "ok", Output: map[string]any{"response": map[string]any{}}},
		{BlockID: "bad", Handle: models.HandleError, Output: map[string]any{"response": map[string]any{}, "error": "exploded"}},
	}
	out, err := NewErrorHandlerBlock().Execute(context.Background(), req)
	require.NoError(t, err)
	resp := response(t, out)
	assert.Equal(t, "bad", resp["sourceBlockId"])
	assert.Equal(t, "exploded", resp["failure"])
	assert.Equal(t, "fallback", resp["message"])
}

func TestNewDefaultRegistry(t *testing.T) {
	wf := buildWorkflow("all",
		[]models.Block{
			blk("start", models.KindStarter, nil),
			blk("agent", models.KindAgent, nil),
			blk("fn", models.KindFunction, nil),
			blk("cond", models.KindCondition, nil),
			blk("router", models.KindRouter, nil),
			blk("loop", models.KindLoop, nil),
			blk("par", models.KindParallel, nil),
			blk("err", models.KindErrorHandler, nil),
			blk("api", models.KindAPI, nil),
			blk("resp", models.KindResponse, nil),
			blk("sub", models.KindWorkflow, nil),
		},
		[]models.Connection{conn("start", "agent")})

	_, err := NewDefaultRegistry(HandlerDeps{}).Resolve(wf)
	assert.True(t, IsStructural(err, ReasonNoHandler), "workflow blocks need a loader")

	table, err := NewDefaultRegistry(HandlerDeps{Workflows: mapLoader{}}).Resolve(wf)
	require.NoError(t, err)
	assert.Len(t, table, 11)
}
