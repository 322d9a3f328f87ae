package handlers

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"blockflow/internal/execution"
	"blockflow/internal/logging"
	"blockflow/internal/middleware"
	"blockflow/internal/models"
)

// ExecutionRecorder persists finished runs
type ExecutionRecorder interface {
	Record(ctx context.Context, rec *models.ExecutionRecord) error
}

// WorkflowStore is the writable side of workflow storage
type WorkflowStore interface {
	SaveWorkflow(ctx context.Context, wf *models.Workflow) error
	DeleteWorkflow(ctx context.Context, id string) error
}

// WorkflowDeps are the collaborators of WorkflowHandler. Store, Executions, Tracker
// and Limiter are optional.
type WorkflowDeps struct {
	Workflows  execution.WorkflowLoader
	Store      WorkflowStore
	Registry   *execution.Registry
	InFlight   execution.InFlightSet
	Executions ExecutionRecorder
	Tracker    *execution.ExecutionTracker
	Limiter    *middleware.ExecutionLimiter
}

// WorkflowHandler runs workflows over HTTP: synchronously, as a server-sent event
// stream, or step by step in debug mode
type WorkflowHandler struct {
	deps WorkflowDeps
}

// NewWorkflowHandler creates a new workflow handler
func NewWorkflowHandler(deps WorkflowDeps) *WorkflowHandler {
	if deps.InFlight == nil {
		deps.InFlight = execution.NewMemoryInFlightSet()
	}
	return &WorkflowHandler{deps: deps}
}

// ExecuteRequest is the body of execute and debug requests
type ExecuteRequest struct {
	Input           map[string]any    `json:"input,omitempty"`
	Environment     map[string]string `json:"environment,omitempty"`
	Variables       map[string]any    `json:"variables,omitempty"`
	SelectedOutputs []string          `json:"selectedOutputs,omitempty"`
	Stream          bool              `json:"stream,omitempty"`
}

// ExecuteResponse wraps a finished run
type ExecuteResponse struct {
	RunID string `json:"runId"`
	*execution.ExecutionResult
}

// DebugResponse is returned by debug and continue requests. While paused,
// Context must be sent back unchanged to continue.
type DebugResponse struct {
	RunID   string                      `json:"runId"`
	Status  string                      `json:"status"` // paused, completed
	Pending []string                    `json:"pendingBlocks,omitempty"`
	Context *execution.ExecutionContext `json:"context,omitempty"`
	Result  *execution.ExecutionResult  `json:"result,omitempty"`
}

// ContinueRequest resumes a paused debug run
type ContinueRequest struct {
	WorkflowID string                      `json:"workflowId"`
	BlockIDs   []string                    `json:"blockIds,omitempty"`
	Context    *execution.ExecutionContext `json:"context"`
}

func jsonError(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(fiber.Map{"error": message})
}

func (h *WorkflowHandler) loadWorkflow(c *fiber.Ctx, id string) (*models.Workflow, error) {
	wf, err := h.deps.Workflows.LoadWorkflow(c.UserContext(), id)
	if errors.Is(err, models.ErrWorkflowNotFound) {
		return nil, jsonError(c, fiber.StatusNotFound, "Workflow not found")
	}
	if err != nil {
		logrus.Errorf("❌ [WORKFLOW] Failed to load workflow %s: %v", id, err)
		return nil, jsonError(c, fiber.StatusInternalServerError, "Failed to load workflow")
	}
	return wf, nil
}

func parseExecuteRequest(c *fiber.Ctx) (*ExecuteRequest, error) {
	var req ExecuteRequest
	if len(c.Body()) == 0 {
		return &req, nil
	}
	if err := c.BodyParser(&req); err != nil {
		return nil, err
	}
	return &req, nil
}

// build validates the graph; structural problems answer 400
func (h *WorkflowHandler) build(c *fiber.Ctx, wf *models.Workflow, runID string, opts ...execution.Option) (*execution.Executor, error) {
	opts = append(opts,
		execution.WithInFlightSet(h.deps.InFlight),
		execution.WithLogger(logging.WithExecution(runID, wf.ID).WithField("user_id", middleware.UserID(c))),
	)
	ex, err := execution.New(wf, h.deps.Registry, opts...)
	if err != nil {
		var structural *execution.StructuralError
		if errors.As(err, &structural) {
			return nil, jsonError(c, fiber.StatusBadRequest, err.Error())
		}
		logrus.Errorf("❌ [WORKFLOW] Failed to build executor for %s: %v", wf.ID, err)
		return nil, jsonError(c, fiber.StatusInternalServerError, "Failed to prepare workflow")
	}
	return ex, nil
}

func (h *WorkflowHandler) runOptions(req *ExecuteRequest, userID string) []execution.Option {
	input := make(map[string]any, len(req.Input)+1)
	for k, v := range req.Input {
		input[k] = v
	}
	input["__user_id__"] = userID

	opts := []execution.Option{
		execution.WithWorkflowInput(input),
		execution.WithEnvironment(req.Environment),
	}
	if len(req.Variables) > 0 {
		opts = append(opts, execution.WithWorkflowVariables(req.Variables))
	}
	if len(req.SelectedOutputs) > 0 {
		opts = append(opts, execution.WithSelectedOutputs(req.SelectedOutputs...))
	}
	return opts
}

// admit takes a drain-tracker slot and a per-user concurrency slot. The returned
// release must be called exactly once when admit succeeds.
func (h *WorkflowHandler) admit(c *fiber.Ctx, runID string) (func(), error) {
	userID := middleware.UserID(c)
	if t := h.deps.Tracker; t != nil && !t.Acquire(runID) {
		return nil, jsonError(c, fiber.StatusServiceUnavailable, "Server is shutting down")
	}
	if l := h.deps.Limiter; l != nil && !l.AcquireExecution(userID) {
		if t := h.deps.Tracker; t != nil {
			t.Release(runID)
		}
		return nil, c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"error": "Too many concurrent executions",
		})
	}
	return func() {
		if l := h.deps.Limiter; l != nil {
			l.ReleaseExecution(userID)
		}
		if t := h.deps.Tracker; t != nil {
			t.Release(runID)
		}
	}, nil
}

func (h *WorkflowHandler) record(ctx context.Context, runID, workflowID, trigger, userID string, input map[string]any, result *execution.ExecutionResult) {
	if l := h.deps.Limiter; l != nil {
		l.Track(ctx, userID)
	}
	if h.deps.Executions == nil || result == nil {
		return
	}
	rec := execution.NewExecutionRecord(runID, workflowID, trigger, input, result)
	rec.UserID = userID
	if err := h.deps.Executions.Record(context.WithoutCancel(ctx), rec); err != nil {
		logrus.Warnf("⚠️ [WORKFLOW] Failed to persist execution record %s: %v", runID, err)
	}
}

// Execute runs a workflow
// POST /api/workflows/:id/execute[?stream=true]
func (h *WorkflowHandler) Execute(c *fiber.Ctx) error {
	wf, err := h.loadWorkflow(c, c.Params("id"))
	if wf == nil {
		return err
	}

	req, err := parseExecuteRequest(c)
	if err != nil {
		return jsonError(c, fiber.StatusBadRequest, "Invalid request body")
	}
	stream := req.Stream || c.QueryBool("stream")
	userID := middleware.UserID(c)
	runID := uuid.New().String()

	opts := h.runOptions(req, userID)
	if stream {
		opts = append(opts, execution.WithStream(true))
	}
	ex, err := h.build(c, wf, runID, opts...)
	if ex == nil {
		return err
	}

	release, err := h.admit(c, runID)
	if release == nil {
		return err
	}

	logrus.Infof("▶️ [WORKFLOW] Executing %s (run: %s, user: %s, stream: %v)", wf.ID, runID, userID, stream)

	if stream {
		return h.stream(c, ex, wf.ID, runID, userID, req.Input, release)
	}
	defer release()

	run, err := ex.Execute(c.UserContext(), runID)
	if err != nil {
		return jsonError(c, fiber.StatusRequestTimeout, fmt.Sprintf("Execution cancelled: %v", err))
	}
	h.record(c.UserContext(), runID, wf.ID, execution.TriggerAPI, userID, req.Input, run.Result)
	return c.JSON(ExecuteResponse{RunID: runID, ExecutionResult: run.Result})
}

// StreamEvent is one server-sent event of a streaming run
type StreamEvent struct {
	Type    string                     `json:"type"` // started, chunk, result, error
	RunID   string                     `json:"runId"`
	BlockID string                     `json:"blockId,omitempty"`
	Content string                     `json:"content,omitempty"`
	Result  *execution.ExecutionResult `json:"result,omitempty"`
	Error   string                     `json:"error,omitempty"`
}

func writeEvent(w *bufio.Writer, ev StreamEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return err
	}
	return w.Flush()
}

// stream answers with text/event-stream. The run is detached from the request so
// it outlives the handler; a disconnected client cancels it.
func (h *WorkflowHandler) stream(c *fiber.Ctx, ex *execution.Executor, workflowID, runID, userID string, input map[string]any, release func()) error {
	run, err := ex.Execute(context.WithoutCancel(c.UserContext()), runID)
	if err != nil {
		release()
		return jsonError(c, fiber.StatusInternalServerError, err.Error())
	}
	s := run.Streaming

	c.Set(fiber.HeaderContentType, "text/event-stream")
	c.Set(fiber.HeaderCacheControl, "no-cache")
	c.Set(fiber.HeaderConnection, "keep-alive")
	c.Set("X-Accel-Buffering", "no")

	c.Context().SetBodyStreamWriter(func(w *bufio.Writer) {
		defer release()

		connected := writeEvent(w, StreamEvent{Type: "started", RunID: runID}) == nil
		for chunk := range s.Chunks {
			if !connected {
				continue
			}
			if err := writeEvent(w, StreamEvent{Type: "chunk", RunID: runID, BlockID: chunk.BlockID, Content: chunk.Content}); err != nil {
				logrus.Warnf("🔌 [WORKFLOW] Stream client for %s went away, cancelling run", runID)
				connected = false
				s.Cancel()
			}
		}

		result, err := s.Wait(context.Background())
		if err != nil {
			if connected {
				_ = writeEvent(w, StreamEvent{Type: "error", RunID: runID, Error: err.Error()})
			}
			return
		}
		h.record(context.Background(), runID, workflowID, execution.TriggerAPI, userID, input, result)
		if connected {
			_ = writeEvent(w, StreamEvent{Type: "result", RunID: runID, Result: result})
		}
	})
	return nil
}

func debugResponse(runID string, run *execution.Execution) DebugResponse {
	if run.Paused != nil {
		return DebugResponse{RunID: runID, Status: "paused", Pending: run.Paused.PendingBlocks, Context: run.Paused}
	}
	return DebugResponse{RunID: runID, Status: "completed", Result: run.Result}
}

// Debug starts a step-by-step run: the first wave executes and the run pauses
// POST /api/workflows/:id/debug
func (h *WorkflowHandler) Debug(c *fiber.Ctx) error {
	wf, err := h.loadWorkflow(c, c.Params("id"))
	if wf == nil {
		return err
	}
	req, err := parseExecuteRequest(c)
	if err != nil {
		return jsonError(c, fiber.StatusBadRequest, "Invalid request body")
	}

	userID := middleware.UserID(c)
	runID := uuid.New().String()
	ex, err := h.build(c, wf, runID, append(h.runOptions(req, userID), execution.WithDebug(true))...)
	if ex == nil {
		return err
	}

	run, err := ex.Execute(c.UserContext(), runID)
	if err != nil {
		return jsonError(c, fiber.StatusRequestTimeout, fmt.Sprintf("Execution cancelled: %v", err))
	}
	logrus.Infof("🐞 [WORKFLOW] Debug run %s of %s started", runID, wf.ID)
	if run.Result != nil {
		h.record(c.UserContext(), runID, wf.ID, execution.TriggerDebug, userID, req.Input, run.Result)
	}
	return c.JSON(debugResponse(runID, run))
}

// Continue executes the next step of a paused debug run
// POST /api/executions/continue
func (h *WorkflowHandler) Continue(c *fiber.Ctx) error {
	var req ContinueRequest
	if err := c.BodyParser(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "Invalid request body")
	}
	if req.Context == nil {
		return jsonError(c, fiber.StatusBadRequest, "context is required")
	}
	workflowID := req.WorkflowID
	if workflowID == "" {
		workflowID = req.Context.WorkflowID
	}

	wf, err := h.loadWorkflow(c, workflowID)
	if wf == nil {
		return err
	}
	runID := req.Context.RunID
	ex, err := h.build(c, wf, runID, execution.WithDebug(true))
	if ex == nil {
		return err
	}

	run, err := ex.ContinueExecution(c.UserContext(), req.BlockIDs, req.Context)
	if err != nil {
		if c.UserContext().Err() != nil {
			return jsonError(c, fiber.StatusRequestTimeout, fmt.Sprintf("Execution cancelled: %v", err))
		}
		return jsonError(c, fiber.StatusBadRequest, err.Error())
	}
	if run.Result != nil {
		h.record(c.UserContext(), runID, wf.ID, execution.TriggerDebug, middleware.UserID(c), req.Context.WorkflowInput, run.Result)
	}
	return c.JSON(debugResponse(runID, run))
}

// Save stores a workflow definition under the id in the path
// PUT /api/workflows/:id
func (h *WorkflowHandler) Save(c *fiber.Ctx) error {
	if h.deps.Store == nil {
		return jsonError(c, fiber.StatusNotImplemented, "Workflow storage is read-only")
	}
	wf, err := models.ParseWorkflow("body.json", c.Body())
	if err != nil {
		return jsonError(c, fiber.StatusBadRequest, err.Error())
	}
	wf.ID = c.Params("id")

	// reject graphs the engine could never run
	if _, err := execution.New(wf, h.deps.Registry); err != nil {
		return jsonError(c, fiber.StatusBadRequest, err.Error())
	}
	if err := h.deps.Store.SaveWorkflow(c.UserContext(), wf); err != nil {
		logrus.Errorf("❌ [WORKFLOW] Failed to save workflow %s: %v", wf.ID, err)
		return jsonError(c, fiber.StatusInternalServerError, "Failed to save workflow")
	}
	return c.JSON(wf)
}

// Get returns a workflow definition
// GET /api/workflows/:id
func (h *WorkflowHandler) Get(c *fiber.Ctx) error {
	wf, err := h.loadWorkflow(c, c.Params("id"))
	if wf == nil {
		return err
	}
	return c.JSON(wf)
}

// Delete removes a workflow definition
// DELETE /api/workflows/:id
func (h *WorkflowHandler) Delete(c *fiber.Ctx) error {
	if h.deps.Store == nil {
		return jsonError(c, fiber.StatusNotImplemented, "Workflow storage is read-only")
	}
	err := h.deps.Store.DeleteWorkflow(c.UserContext(), c.Params("id"))
	if errors.Is(err, models.ErrWorkflowNotFound) {
		return jsonError(c, fiber.StatusNotFound, "Workflow not found")
	}
	if err != nil {
		logrus.Errorf("❌ [WORKFLOW] Failed to delete workflow: %v", err)
		return jsonError(c, fiber.StatusInternalServerError, "Failed to delete workflow")
	}
	return c.SendStatus(fiber.StatusNoContent)
}
