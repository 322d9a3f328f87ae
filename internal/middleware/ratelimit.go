package middleware

import (
	"os"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/sirupsen/logrus"
)

// RateLimitConfig holds rate limiting settings
type RateLimitConfig struct {
	// Global limits (per IP)
	GlobalAPIMax        int
	GlobalAPIExpiration time.Duration

	// Workflow execution limits (per user)
	ExecuteMax        int
	ExecuteExpiration time.Duration

	// WebSocket connection attempts (per IP)
	WebSocketMax        int
	WebSocketExpiration time.Duration
}

// DefaultRateLimitConfig returns production-safe defaults
func DefaultRateLimitConfig() *RateLimitConfig {
	return &RateLimitConfig{
		GlobalAPIMax:        200,
		GlobalAPIExpiration: 1 * time.Minute,

		ExecuteMax:        60,
		ExecuteExpiration: 1 * time.Minute,

		WebSocketMax:        20,
		WebSocketExpiration: 1 * time.Minute,
	}
}

// LoadRateLimitConfig loads config from environment variables with defaults
func LoadRateLimitConfig(environment string) *RateLimitConfig {
	config := DefaultRateLimitConfig()

	overrides := map[string]*int{
		"RATE_LIMIT_GLOBAL_API": &config.GlobalAPIMax,
		"RATE_LIMIT_EXECUTE":    &config.ExecuteMax,
		"RATE_LIMIT_WEBSOCKET":  &config.WebSocketMax,
	}
	for key, target := range overrides {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*target = n
			}
		}
	}

	if environment == "development" {
		config.GlobalAPIMax = 1000
		config.ExecuteMax = 500
		config.WebSocketMax = 100
		logrus.Warn("⚠️  [RATE-LIMIT] Development mode: using relaxed rate limits")
	}

	return config
}

func tooManyRequests(message string, window time.Duration) fiber.Handler {
	return func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
			"error":       message,
			"retry_after": int(window.Seconds()),
		})
	}
}

// GlobalAPIRateLimiter limits all API requests per IP
func GlobalAPIRateLimiter(config *RateLimitConfig) fiber.Handler {
	reached := tooManyRequests("Too many requests. Please slow down.", config.GlobalAPIExpiration)
	return limiter.New(limiter.Config{
		Max:        config.GlobalAPIMax,
		Expiration: config.GlobalAPIExpiration,
		KeyGenerator: func(c *fiber.Ctx) string {
			return "global:" + c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			logrus.Warnf("🚫 [RATE-LIMIT] Global limit reached for IP: %s", c.IP())
			return reached(c)
		},
	})
}

// ExecuteRateLimiter limits workflow runs per user, falling back to the IP
func ExecuteRateLimiter(config *RateLimitConfig) fiber.Handler {
	reached := tooManyRequests("Too many workflow runs. Please wait before trying again.", config.ExecuteExpiration)
	return limiter.New(limiter.Config{
		Max:        config.ExecuteMax,
		Expiration: config.ExecuteExpiration,
		KeyGenerator: func(c *fiber.Ctx) string {
			if userID := UserID(c); userID != "" && userID != AnonymousUser {
				return "execute:" + userID
			}
			return "execute-ip:" + c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			logrus.Warnf("⚠️  [RATE-LIMIT] Execute limit reached for user: %s on %s", UserID(c), c.Path())
			return reached(c)
		},
	})
}

// WebSocketRateLimiter limits WebSocket connection attempts per IP
func WebSocketRateLimiter(config *RateLimitConfig) fiber.Handler {
	reached := tooManyRequests("Too many connection attempts. Please wait before reconnecting.", config.WebSocketExpiration)
	return limiter.New(limiter.Config{
		Max:        config.WebSocketMax,
		Expiration: config.WebSocketExpiration,
		KeyGenerator: func(c *fiber.Ctx) string {
			return "ws:" + c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			logrus.Warnf("🚫 [RATE-LIMIT] WebSocket connection limit reached for IP: %s", c.IP())
			return reached(c)
		},
	})
}
