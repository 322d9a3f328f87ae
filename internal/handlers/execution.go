package handlers

import (
	"context"
	"errors"
	"strconv"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"blockflow/internal/models"
	"blockflow/internal/services"
)

// ExecutionHistory reads persisted runs
type ExecutionHistory interface {
	Get(ctx context.Context, id string) (*models.ExecutionRecord, error)
	ListByWorkflow(ctx context.Context, workflowID string, opts *services.ListExecutionsOptions) (*services.PaginatedExecutions, error)
}

// ExecutionHandler handles execution-history HTTP requests
type ExecutionHandler struct {
	history ExecutionHistory
}

// NewExecutionHandler creates a new execution handler
func NewExecutionHandler(history ExecutionHistory) *ExecutionHandler {
	return &ExecutionHandler{history: history}
}

// ListByWorkflow returns paginated runs of a workflow
// GET /api/workflows/:id/executions
func (h *ExecutionHandler) ListByWorkflow(c *fiber.Ctx) error {
	result, err := h.history.ListByWorkflow(c.UserContext(), c.Params("id"), parseListOptions(c))
	if err != nil {
		logrus.Errorf("❌ [EXECUTION] Failed to list workflow executions: %v", err)
		return jsonError(c, fiber.StatusInternalServerError, "Failed to list executions")
	}
	return c.JSON(result)
}

// GetByID returns a specific run
// GET /api/executions/:id
func (h *ExecutionHandler) GetByID(c *fiber.Ctx) error {
	rec, err := h.history.Get(c.UserContext(), c.Params("id"))
	if errors.Is(err, services.ErrExecutionNotFound) {
		return jsonError(c, fiber.StatusNotFound, "Execution not found")
	}
	if err != nil {
		logrus.Errorf("❌ [EXECUTION] Failed to get execution: %v", err)
		return jsonError(c, fiber.StatusInternalServerError, "Failed to get execution")
	}
	return c.JSON(rec)
}

// parseListOptions extracts pagination and filter options from query params
func parseListOptions(c *fiber.Ctx) *services.ListExecutionsOptions {
	opts := &services.ListExecutionsOptions{
		Page:        1,
		Limit:       20,
		Status:      c.Query("status"),
		TriggerType: c.Query("trigger_type"),
	}
	if page, err := strconv.Atoi(c.Query("page")); err == nil && page > 0 {
		opts.Page = page
	}
	if limit, err := strconv.Atoi(c.Query("limit")); err == nil && limit > 0 && limit <= 100 {
		opts.Limit = limit
	}
	return opts
}
