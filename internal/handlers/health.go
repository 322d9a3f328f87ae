package handlers

import (
	"time"

	"github.com/gofiber/fiber/v2"

	"blockflow/internal/execution"
	"blockflow/internal/health"
)

// RunningLister reports the workflows the scheduler is running
type RunningLister interface {
	Running() []string
}

// HealthHandler handles health check requests
type HealthHandler struct {
	health    *health.Service
	tracker   *execution.ExecutionTracker
	scheduler RunningLister
}

// NewHealthHandler creates a new health handler; tracker and scheduler may be nil
func NewHealthHandler(h *health.Service, tracker *execution.ExecutionTracker, scheduler RunningLister) *HealthHandler {
	return &HealthHandler{health: h, tracker: tracker, scheduler: scheduler}
}

// Handle responds with server health status. Only critical dependencies and
// draining turn the answer into 503.
// GET /health
func (h *HealthHandler) Handle(c *fiber.Ctx) error {
	status := "healthy"
	code := fiber.StatusOK

	var deps []health.DependencyHealth
	if h.health != nil {
		deps = h.health.Snapshot()
		if !h.health.Healthy() {
			status, code = "unhealthy", fiber.StatusServiceUnavailable
		}
	}

	body := fiber.Map{
		"dependencies": deps,
		"timestamp":    time.Now().Format(time.RFC3339),
	}
	if h.tracker != nil {
		body["activeExecutions"] = len(h.tracker.Active())
		if h.tracker.IsDraining() {
			status, code = "draining", fiber.StatusServiceUnavailable
		}
	}
	if h.scheduler != nil {
		body["scheduledRunning"] = h.scheduler.Running()
	}
	body["status"] = status
	return c.Status(code).JSON(body)
}
