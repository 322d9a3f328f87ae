package middleware

import (
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
)

// AnonymousUser owns requests that carry no identity outside production
const AnonymousUser = "anonymous"

// UserHeader carries the caller's user id. Authentication happens upstream
// (gateway or proxy); this service only trusts and forwards the id.
const UserHeader = "X-User-ID"

// UserIdentity stores the caller's user id in c.Locals("user_id"). The id comes from
// the X-User-ID header or, for WebSocket upgrades, the user_id query parameter.
// In production a request without an id is rejected.
func UserIdentity(production bool) fiber.Handler {
	return func(c *fiber.Ctx) error {
		userID := c.Get(UserHeader)
		if userID == "" {
			userID = c.Query("user_id")
		}

		if userID == "" {
			if production {
				return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
					"error": "Missing " + UserHeader + " header",
				})
			}
			logrus.Debug("⚠️  [AUTH] No user id on request, using anonymous (development mode)")
			userID = AnonymousUser
		}

		c.Locals("user_id", userID)
		return c.Next()
	}
}

// UserID returns the id stored by UserIdentity, or "" when absent
func UserID(c *fiber.Ctx) string {
	userID, _ := c.Locals("user_id").(string)
	return userID
}
