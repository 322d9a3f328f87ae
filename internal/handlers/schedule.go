package handlers

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"blockflow/internal/execution"
	"blockflow/internal/middleware"
	"blockflow/internal/models"
	"blockflow/internal/scheduler"
	"blockflow/internal/services"
)

// ScheduleRepository is the schedule storage used by the API
type ScheduleRepository interface {
	CreateSchedule(ctx context.Context, s *models.Schedule) error
	GetSchedule(ctx context.Context, id string) (*models.Schedule, error)
	ListByWorkflow(ctx context.Context, workflowID string) ([]*models.Schedule, error)
	UpdateSchedule(ctx context.Context, s *models.Schedule) error
	DeleteSchedule(ctx context.Context, id string) error
}

// Poller runs one scheduler cycle on demand
type Poller interface {
	Poll(ctx context.Context) (scheduler.PollReport, error)
}

// ScheduleHandler handles schedule-related HTTP requests
type ScheduleHandler struct {
	schedules ScheduleRepository
	workflows execution.WorkflowLoader
	poller    Poller
	now       func() time.Time
}

// NewScheduleHandler creates a new schedule handler; poller may be nil
func NewScheduleHandler(schedules ScheduleRepository, workflows execution.WorkflowLoader, poller Poller) *ScheduleHandler {
	return &ScheduleHandler{schedules: schedules, workflows: workflows, poller: poller, now: time.Now}
}

// ScheduleRequest creates or updates a schedule. Either CronExpression or
// Interval must be set; the cron expression wins when both are.
type ScheduleRequest struct {
	CronExpression string                  `json:"cronExpression,omitempty"`
	Timezone       string                  `json:"timezone,omitempty"`
	Interval       models.ScheduleInterval `json:"interval,omitempty"`
	EveryMinutes   int                     `json:"everyMinutes,omitempty"`
	InputTemplate  map[string]any          `json:"inputTemplate,omitempty"`
	Enabled        *bool                   `json:"enabled,omitempty"`
}

func (r *ScheduleRequest) apply(s *models.Schedule) {
	s.CronExpression = r.CronExpression
	s.Timezone = r.Timezone
	s.Interval = r.Interval
	s.EveryMinutes = r.EveryMinutes
	s.InputTemplate = r.InputTemplate
}

// validateRule checks the recurrence rule and returns the first run time
func validateRule(s *models.Schedule, now time.Time) (time.Time, error) {
	if s.CronExpression != "" {
		if err := scheduler.ValidateCron(s.CronExpression, s.Timezone); err != nil {
			return time.Time{}, err
		}
	}
	return scheduler.NextRun(s, now)
}

// loadOwned returns the schedule when it belongs to the caller
func (h *ScheduleHandler) loadOwned(c *fiber.Ctx) (*models.Schedule, error) {
	sch, err := h.schedules.GetSchedule(c.UserContext(), c.Params("id"))
	if errors.Is(err, services.ErrScheduleNotFound) || (err == nil && sch.UserID != middleware.UserID(c)) {
		return nil, jsonError(c, fiber.StatusNotFound, "Schedule not found")
	}
	if err != nil {
		logrus.Errorf("❌ [SCHEDULE] Failed to get schedule: %v", err)
		return nil, jsonError(c, fiber.StatusInternalServerError, "Failed to get schedule")
	}
	return sch, nil
}

// Create creates a schedule for a workflow
// POST /api/workflows/:id/schedules
func (h *ScheduleHandler) Create(c *fiber.Ctx) error {
	workflowID := c.Params("id")
	if _, err := h.workflows.LoadWorkflow(c.UserContext(), workflowID); err != nil {
		if errors.Is(err, models.ErrWorkflowNotFound) {
			return jsonError(c, fiber.StatusNotFound, "Workflow not found")
		}
		logrus.Errorf("❌ [SCHEDULE] Failed to load workflow %s: %v", workflowID, err)
		return jsonError(c, fiber.StatusInternalServerError, "Failed to load workflow")
	}

	var req ScheduleRequest
	if err := c.BodyParser(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "Invalid request body")
	}

	sch := &models.Schedule{
		WorkflowID: workflowID,
		UserID:     middleware.UserID(c),
		Status:     models.ScheduleStatusActive,
	}
	req.apply(sch)
	if req.Enabled != nil && !*req.Enabled {
		sch.Status = models.ScheduleStatusDisabled
	}

	next, err := validateRule(sch, h.now())
	if err != nil {
		return jsonError(c, fiber.StatusBadRequest, err.Error())
	}
	sch.NextRunAt = next

	if err := h.schedules.CreateSchedule(c.UserContext(), sch); err != nil {
		logrus.Errorf("❌ [SCHEDULE] Failed to create schedule: %v", err)
		return jsonError(c, fiber.StatusInternalServerError, "Failed to create schedule")
	}

	logrus.Infof("✅ [SCHEDULE] Created schedule %s for workflow %s (next run: %s)",
		sch.ID, workflowID, next.Format(time.RFC3339))
	return c.Status(fiber.StatusCreated).JSON(sch)
}

// ListByWorkflow lists the caller's schedules of a workflow
// GET /api/workflows/:id/schedules
func (h *ScheduleHandler) ListByWorkflow(c *fiber.Ctx) error {
	all, err := h.schedules.ListByWorkflow(c.UserContext(), c.Params("id"))
	if err != nil {
		logrus.Errorf("❌ [SCHEDULE] Failed to list schedules: %v", err)
		return jsonError(c, fiber.StatusInternalServerError, "Failed to list schedules")
	}
	userID := middleware.UserID(c)
	owned := make([]*models.Schedule, 0, len(all))
	for _, s := range all {
		if s.UserID == userID {
			owned = append(owned, s)
		}
	}
	return c.JSON(fiber.Map{"schedules": owned})
}

// Get returns one schedule
// GET /api/schedules/:id
func (h *ScheduleHandler) Get(c *fiber.Ctx) error {
	sch, err := h.loadOwned(c)
	if sch == nil {
		return err
	}
	return c.JSON(sch)
}

// Update replaces the rule and input template of a schedule. Enabling a schedule
// clears its failure count.
// PUT /api/schedules/:id
func (h *ScheduleHandler) Update(c *fiber.Ctx) error {
	sch, err := h.loadOwned(c)
	if sch == nil {
		return err
	}

	var req ScheduleRequest
	if err := c.BodyParser(&req); err != nil {
		return jsonError(c, fiber.StatusBadRequest, "Invalid request body")
	}
	req.apply(sch)
	if req.Enabled != nil {
		if *req.Enabled {
			sch.Status = models.ScheduleStatusActive
			sch.FailedCount = 0
			sch.LastError = ""
		} else {
			sch.Status = models.ScheduleStatusDisabled
		}
	}

	now := h.now()
	next, err := validateRule(sch, now)
	if err != nil {
		return jsonError(c, fiber.StatusBadRequest, err.Error())
	}
	sch.NextRunAt = next
	sch.UpdatedAt = now.UTC()

	if err := h.schedules.UpdateSchedule(c.UserContext(), sch); err != nil {
		logrus.Errorf("❌ [SCHEDULE] Failed to update schedule: %v", err)
		return jsonError(c, fiber.StatusInternalServerError, "Failed to update schedule")
	}
	logrus.Infof("📝 [SCHEDULE] Updated schedule %s", sch.ID)
	return c.JSON(sch)
}

// Delete deletes a schedule
// DELETE /api/schedules/:id
func (h *ScheduleHandler) Delete(c *fiber.Ctx) error {
	sch, err := h.loadOwned(c)
	if sch == nil {
		return err
	}
	if err := h.schedules.DeleteSchedule(c.UserContext(), sch.ID); err != nil {
		logrus.Errorf("❌ [SCHEDULE] Failed to delete schedule: %v", err)
		return jsonError(c, fiber.StatusInternalServerError, "Failed to delete schedule")
	}
	logrus.Infof("🗑️ [SCHEDULE] Deleted schedule %s", sch.ID)
	return c.SendStatus(fiber.StatusNoContent)
}

// Poll runs one scheduler cycle now
// POST /api/schedules/poll
func (h *ScheduleHandler) Poll(c *fiber.Ctx) error {
	if h.poller == nil {
		return jsonError(c, fiber.StatusServiceUnavailable, "Scheduler is disabled")
	}
	report, err := h.poller.Poll(c.UserContext())
	if err != nil {
		logrus.Errorf("❌ [SCHEDULE] Manual poll failed: %v", err)
		return jsonError(c, fiber.StatusInternalServerError, err.Error())
	}
	return c.JSON(report)
}
