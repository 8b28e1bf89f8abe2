package middleware

import (
	"github.com/gofiber/fiber/v2"

	"github.com/rhysllwydlewis/eventflow-messaging/internal/httpx"
)

// OriginAllowed rejects browser requests from origins outside allowed. An
// empty list allows every origin.
func OriginAllowed(allowed []string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		origin := c.Get("Origin")
		if origin == "" || len(allowed) == 0 {
			return c.Next()
		}
		if !originAllowed(origin, allowed) {
			return httpx.Forbidden(c, "forbidden_origin", "Origin not allowed")
		}
		return c.Next()
	}
}

func originAllowed(origin string, allowed []string) bool {
	for _, a := range allowed {
		if a == origin {
			return true
		}
	}
	return false
}
