package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/noah-isme/gema-grader/internal/utils"
)

// RequireActor rejects requests whose token did not resolve to a user id and role.
// It runs after JWTProtected, which accepts tokens without those claims.
func RequireActor() fiber.Handler {
	return func(c *fiber.Ctx) error {
		switch id := c.Locals("user_id").(type) {
		case uint:
			if id == 0 {
				return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
			}
		default:
			return utils.SendError(c, fiber.StatusUnauthorized, "authentication required")
		}

		if normalizeRoleValue(c.Locals("user_role")) == "" {
			return utils.SendError(c, fiber.StatusForbidden, "role claim required")
		}

		return c.Next()
	}
}
