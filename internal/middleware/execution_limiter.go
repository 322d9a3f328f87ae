package middleware

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"blockflow/internal/models"
)

// DefaultMaxConcurrentExecutions is the default cap on simultaneous workflow
// executions per user.
const DefaultMaxConcurrentExecutions = 3

// UsageCounter answers and records the daily run quota of a user
type UsageCounter interface {
	Check(ctx context.Context, userID string) (*models.UsageStatus, error)
	Track(ctx context.Context, userID string) error
}

// executionSlot tracks the concurrent runs of one user with the last acquire time.
type executionSlot struct {
	count       atomic.Int32
	lastAcquire atomic.Int64 // unix seconds
}

// ExecutionLimiter enforces the daily run quota and a per-user concurrency cap
// on API-triggered runs. The quota is the one the scheduler checks.
type ExecutionLimiter struct {
	usage                UsageCounter
	concurrentExecutions sync.Map // userID -> *executionSlot
	maxConcurrentPerUser int
	maxSlotAge           time.Duration // auto-release slots older than this
}

// NewExecutionLimiter creates an execution limiter; usage may be nil (no quota)
func NewExecutionLimiter(usage UsageCounter, maxConcurrentPerUser int) *ExecutionLimiter {
	if maxConcurrentPerUser <= 0 {
		maxConcurrentPerUser = DefaultMaxConcurrentExecutions
	}
	return &ExecutionLimiter{
		usage:                usage,
		maxConcurrentPerUser: maxConcurrentPerUser,
		maxSlotAge:           15 * time.Minute,
	}
}

// CheckLimit rejects the request when the user has used up today's runs.
// A failing usage backend lets the request through.
func (el *ExecutionLimiter) CheckLimit(c *fiber.Ctx) error {
	if el.usage == nil {
		return c.Next()
	}
	userID := UserID(c)
	if userID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "Unauthorized"})
	}

	status, err := el.usage.Check(c.UserContext(), userID)
	if err != nil {
		logrus.Warnf("⚠️  [LIMITER] Usage check failed for %s, allowing run: %v", userID, err)
		return c.Next()
	}
	if status.Exceeded {
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"error":    "Daily execution limit exceeded",
			"limit":    status.Limit,
			"used":     status.Used,
			"reset_at": getNextMidnightUTC(),
		})
	}
	return c.Next()
}

// Track counts one started run against the user's quota
func (el *ExecutionLimiter) Track(ctx context.Context, userID string) {
	if el.usage == nil {
		return
	}
	if err := el.usage.Track(ctx, userID); err != nil {
		logrus.Warnf("⚠️  [LIMITER] Failed to track run for %s: %v", userID, err)
	}
}

// AcquireExecution takes a concurrency slot for a user.
// Returns false if the limit is reached (caller should not proceed).
func (el *ExecutionLimiter) AcquireExecution(userID string) bool {
	slot := el.getOrCreateSlot(userID)
	el.autoReleaseIfStale(userID, slot)
	current := slot.count.Add(1)
	if int(current) > el.maxConcurrentPerUser {
		slot.count.Add(-1)
		logrus.Warnf("⚠️ [LIMITER] User %s rejected: %d/%d concurrent executions",
			userID, int(current)-1, el.maxConcurrentPerUser)
		return false
	}
	slot.lastAcquire.Store(time.Now().Unix())
	return true
}

// ReleaseExecution gives back a slot taken by AcquireExecution
func (el *ExecutionLimiter) ReleaseExecution(userID string) {
	slot := el.getOrCreateSlot(userID)
	if slot.count.Add(-1) < 0 {
		slot.count.Store(0)
	}
}

// Active returns how many runs a user currently holds
func (el *ExecutionLimiter) Active(userID string) int {
	if v, ok := el.concurrentExecutions.Load(userID); ok {
		return int(v.(*executionSlot).count.Load())
	}
	return 0
}

// autoReleaseIfStale resets the counter if the slot has been held longer than
// maxSlotAge, so a leaked slot cannot lock a user out forever.
func (el *ExecutionLimiter) autoReleaseIfStale(userID string, slot *executionSlot) {
	current := slot.count.Load()
	if current <= 0 {
		return
	}
	acquired := slot.lastAcquire.Load()
	if acquired == 0 {
		return
	}
	age := time.Since(time.Unix(acquired, 0))
	if age > el.maxSlotAge {
		slot.count.Store(0)
		logrus.Infof("🔓 [LIMITER] Auto-released stale slots for user %s (held for %s, count was %d)",
			userID, age.Round(time.Second), current)
	}
}

func (el *ExecutionLimiter) getOrCreateSlot(userID string) *executionSlot {
	if v, ok := el.concurrentExecutions.Load(userID); ok {
		return v.(*executionSlot)
	}
	actual, _ := el.concurrentExecutions.LoadOrStore(userID, &executionSlot{})
	return actual.(*executionSlot)
}

func getNextMidnightUTC() time.Time {
	now := time.Now().UTC()
	return time.Date(now.Year(), now.Month(), now.Day()+1, 0, 0, 0, 0, time.UTC)
}
