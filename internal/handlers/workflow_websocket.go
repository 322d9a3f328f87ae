package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"blockflow/internal/execution"
	"blockflow/internal/logging"
	"blockflow/internal/middleware"
	"blockflow/internal/models"
	"blockflow/internal/services"
)

// WorkflowWebSocketHandler handles WebSocket connections for workflow execution
type WorkflowWebSocketHandler struct {
	deps    WorkflowDeps
	metrics *services.Metrics
}

// NewWorkflowWebSocketHandler creates a new workflow WebSocket handler
func NewWorkflowWebSocketHandler(deps WorkflowDeps) *WorkflowWebSocketHandler {
	if deps.InFlight == nil {
		deps.InFlight = execution.NewMemoryInFlightSet()
	}
	return &WorkflowWebSocketHandler{deps: deps, metrics: services.GetMetrics()}
}

// WorkflowClientMessage represents a message from the client
type WorkflowClientMessage struct {
	Type            string            `json:"type"` // execute_workflow, cancel_execution
	WorkflowID      string            `json:"workflow_id,omitempty"`
	Input           map[string]any    `json:"input,omitempty"`
	Environment     map[string]string `json:"environment,omitempty"`
	Variables       map[string]any    `json:"variables,omitempty"`
	SelectedOutputs []string          `json:"selected_outputs,omitempty"`
}

// WorkflowServerMessage represents a message to send to the client
type WorkflowServerMessage struct {
	Type        string            `json:"type"` // connected, execution_started, stream_chunk, block_complete, execution_complete, error
	ExecutionID string            `json:"execution_id,omitempty"`
	BlockID     string            `json:"block_id,omitempty"`
	Content     string            `json:"content,omitempty"`
	Status      string            `json:"status,omitempty"`
	Output      map[string]any    `json:"output,omitempty"`
	Logs        []models.BlockLog `json:"logs,omitempty"`
	Duration    int64             `json:"duration_ms,omitempty"`
	Error       string            `json:"error,omitempty"`
}

// safeConn wraps a websocket.Conn with a mutex for thread-safe writes.
// fasthttp/websocket does not support concurrent writers.
type safeConn struct {
	conn    *websocket.Conn
	mu      sync.Mutex
	metrics *services.Metrics
}

func (sc *safeConn) writeJSON(msg WorkflowServerMessage) error {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	if sc.metrics != nil {
		sc.metrics.RecordWebSocketMessage(msg.Type, "out")
	}
	return sc.conn.WriteJSON(msg)
}

const (
	wsReadTimeout  = 360 * time.Second
	wsPingInterval = 20 * time.Second
)

// Handle handles a new WebSocket connection for workflow execution
func (h *WorkflowWebSocketHandler) Handle(c *websocket.Conn) {
	userID, _ := c.Locals("user_id").(string)
	if userID == "" {
		userID = middleware.AnonymousUser
	}
	connID := uuid.New().String()
	sc := &safeConn{conn: c, metrics: h.metrics}

	h.metrics.RecordWebSocketConnect()
	defer h.metrics.RecordWebSocketDisconnect()

	logrus.Infof("🔌 [WORKFLOW-WS] New connection: connID=%s, userID=%s", connID, userID)

	// keepalive through proxies with idle timeouts
	c.SetReadDeadline(time.Now().Add(wsReadTimeout))
	c.SetPongHandler(func(string) error {
		c.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	if err := sc.writeJSON(WorkflowServerMessage{Type: "connected"}); err != nil {
		logrus.Errorf("❌ [WORKFLOW-WS] Failed to send connected message: %v", err)
		return
	}

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				sc.mu.Lock()
				err := c.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second))
				sc.mu.Unlock()
				if err != nil {
					logrus.Debugf("🏓 [WORKFLOW-WS] Ping failed for %s: %v", connID, err)
					return
				}
			}
		}
	}()

	// The run is not tied to the connection: a dropped socket lets it finish and
	// be recorded. Only cancel_execution or a new execute_workflow stops it.
	var (
		execMu     sync.Mutex
		execCancel context.CancelFunc
	)
	cancelCurrent := func() {
		execMu.Lock()
		defer execMu.Unlock()
		if execCancel != nil {
			execCancel()
			execCancel = nil
		}
	}

	for {
		_, raw, err := c.ReadMessage()
		if err != nil {
			logrus.Infof("🔌 [WORKFLOW-WS] Connection closed for %s: %v", connID, err)
			return
		}
		c.SetReadDeadline(time.Now().Add(wsReadTimeout))

		var msg WorkflowClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			logrus.Warnf("⚠️ [WORKFLOW-WS] Invalid message format from %s: %v", connID, err)
			_ = sc.writeJSON(WorkflowServerMessage{Type: "error", Error: "Invalid message format"})
			continue
		}
		h.metrics.RecordWebSocketMessage(msg.Type, "in")

		switch msg.Type {
		case "execute_workflow":
			cancelCurrent()
			execMu.Lock()
			ctx, cancel := context.WithCancel(context.Background())
			execCancel = cancel
			execMu.Unlock()
			go func() {
				defer cancel()
				h.handleExecuteWorkflow(ctx, sc, userID, msg)
			}()

		case "cancel_execution":
			logrus.Infof("🛑 [WORKFLOW-WS] Cancel requested by %s", connID)
			cancelCurrent()

		default:
			logrus.Warnf("⚠️ [WORKFLOW-WS] Unknown message type: %s", msg.Type)
			_ = sc.writeJSON(WorkflowServerMessage{Type: "error", Error: "Unknown message type: " + msg.Type})
		}
	}
}

func (h *WorkflowWebSocketHandler) fail(sc *safeConn, execID, message string) {
	_ = sc.writeJSON(WorkflowServerMessage{Type: "error", ExecutionID: execID, Error: message})
}

// handleExecuteWorkflow runs one workflow in its own goroutine, streaming chunks
// and per-block results back over the socket
func (h *WorkflowWebSocketHandler) handleExecuteWorkflow(ctx context.Context, sc *safeConn, userID string, msg WorkflowClientMessage) {
	execID := uuid.New().String()

	if t := h.deps.Tracker; t != nil {
		if !t.Acquire(execID) {
			h.fail(sc, "", "Server is shutting down. Please retry in a moment.")
			return
		}
		defer t.Release(execID)
	}

	if l := h.deps.Limiter; l != nil {
		if !l.AcquireExecution(userID) {
			logrus.Warnf("⚠️ [WORKFLOW-WS] User %s rejected: too many concurrent executions", userID)
			h.fail(sc, "", "Too many concurrent executions. Please wait for a running workflow to finish.")
			return
		}
		defer l.ReleaseExecution(userID)
	}

	wf, err := h.deps.Workflows.LoadWorkflow(ctx, msg.WorkflowID)
	if err != nil {
		if errors.Is(err, models.ErrWorkflowNotFound) {
			h.fail(sc, "", "Workflow not found: "+msg.WorkflowID)
		} else {
			logrus.Errorf("❌ [WORKFLOW-WS] Failed to load workflow %s: %v", msg.WorkflowID, err)
			h.fail(sc, "", "Failed to load workflow")
		}
		return
	}

	input := make(map[string]any, len(msg.Input)+1)
	for k, v := range msg.Input {
		input[k] = v
	}
	input["__user_id__"] = userID

	opts := []execution.Option{
		execution.WithWorkflowInput(input),
		execution.WithEnvironment(msg.Environment),
		execution.WithInFlightSet(h.deps.InFlight),
		execution.WithLogger(logging.WithExecution(execID, wf.ID).WithField("user_id", userID)),
		execution.WithOnStreamChunk(func(chunk execution.StreamChunk) {
			_ = sc.writeJSON(WorkflowServerMessage{
				Type:        "stream_chunk",
				ExecutionID: execID,
				BlockID:     chunk.BlockID,
				Content:     chunk.Content,
			})
		}),
	}
	if len(msg.Variables) > 0 {
		opts = append(opts, execution.WithWorkflowVariables(msg.Variables))
	}
	if len(msg.SelectedOutputs) > 0 {
		opts = append(opts, execution.WithSelectedOutputs(msg.SelectedOutputs...))
	}

	ex, err := execution.New(wf, h.deps.Registry, opts...)
	if err != nil {
		h.fail(sc, "", err.Error())
		return
	}

	logrus.Infof("🚀 [WORKFLOW-WS] Starting execution %s for workflow %s", execID, wf.ID)
	_ = sc.writeJSON(WorkflowServerMessage{Type: "execution_started", ExecutionID: execID})

	result, err := ex.Run(ctx, execID)
	if err != nil {
		logrus.Infof("🛑 [WORKFLOW-WS] Execution %s cancelled: %v", execID, err)
		_ = sc.writeJSON(WorkflowServerMessage{
			Type:        "execution_complete",
			ExecutionID: execID,
			Status:      "cancelled",
			Error:       err.Error(),
		})
		return
	}

	if l := h.deps.Limiter; l != nil {
		l.Track(ctx, userID)
	}
	if h.deps.Executions != nil {
		rec := execution.NewExecutionRecord(execID, wf.ID, execution.TriggerWebSocket, msg.Input, result)
		rec.UserID = userID
		if err := h.deps.Executions.Record(context.Background(), rec); err != nil {
			logrus.Warnf("⚠️ [WORKFLOW-WS] Failed to persist execution %s: %v", execID, err)
		}
	}

	for _, l := range result.Logs {
		status := "completed"
		if !l.Success {
			status = "failed"
		}
		_ = sc.writeJSON(WorkflowServerMessage{
			Type:        "block_complete",
			ExecutionID: execID,
			BlockID:     l.BlockID,
			Status:      status,
			Output:      l.Output,
			Duration:    l.DurationMs,
			Error:       l.Error,
		})
	}

	status := "completed"
	if !result.Success {
		status = "failed"
	}
	logrus.Infof("✅ [WORKFLOW-WS] Execution %s finished: status=%s, duration=%dms", execID, status, result.Metadata.DurationMs)
	_ = sc.writeJSON(WorkflowServerMessage{
		Type:        "execution_complete",
		ExecutionID: execID,
		Status:      status,
		Output:      result.Output,
		Logs:        result.Logs,
		Duration:    result.Metadata.DurationMs,
		Error:       result.Error,
	})
}
