package services

import (
	"context"
	"fmt"
	"time"

	"blockflow/internal/models"
)

// UsageService enforces a per-user daily run limit with Redis counters.
// A negative limit means unlimited.
type UsageService struct {
	redis      *RedisService
	dailyLimit int64
	now        func() time.Time
}

// NewUsageService creates a usage service
func NewUsageService(redis *RedisService, dailyLimit int64) *UsageService {
	return &UsageService{redis: redis, dailyLimit: dailyLimit, now: time.Now}
}

func (s *UsageService) key(userID string) string {
	return fmt.Sprintf("blockflow:usage:%s:%s", userID, s.now().UTC().Format("2006-01-02"))
}

// Check reports today's usage of userID
func (s *UsageService) Check(ctx context.Context, userID string) (*models.UsageStatus, error) {
	if s.dailyLimit < 0 {
		return &models.UsageStatus{Limit: -1}, nil
	}

	used, err := s.redis.GetInt64(ctx, s.key(userID))
	if err != nil {
		return nil, fmt.Errorf("failed to read usage for %s: %w", userID, err)
	}

	status := &models.UsageStatus{Used: used, Limit: s.dailyLimit}
	if used >= s.dailyLimit {
		status.Exceeded = true
		status.Message = fmt.Sprintf("Daily run limit reached (%d/%d). Resets at midnight UTC.", used, s.dailyLimit)
	}
	return status, nil
}

// Track counts one run for userID. Counters expire two days after creation.
func (s *UsageService) Track(ctx context.Context, userID string) error {
	if _, err := s.redis.IncrWithExpiry(ctx, s.key(userID), 48*time.Hour); err != nil {
		return fmt.Errorf("failed to track usage for %s: %w", userID, err)
	}
	return nil
}
