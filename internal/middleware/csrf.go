package middleware

import (
	"crypto/subtle"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/rhysllwydlewis/eventflow-messaging/internal/httpx"
)

const (
	CSRFCookie = "ef_csrf"
	CSRFHeader = "X-EF-CSRF"
)

// CSRFRequired protects cookie-authenticated browser requests.
// Modes:
// - token: require the CSRF header to match the CSRF cookie (default)
// - origin: only enforce the Origin allow-list
// - off: disable checks
// Requests authenticated with a bearer token are not checked.
func CSRFRequired(mode string, allowedOrigins []string) fiber.Handler {
	mode = strings.ToLower(strings.TrimSpace(mode))
	if mode == "" {
		mode = "token"
	}

	return func(c *fiber.Ctx) error {
		if mode == "off" {
			return c.Next()
		}

		switch c.Method() {
		case fiber.MethodGet, fiber.MethodHead, fiber.MethodOptions:
			return c.Next()
		}

		if strings.HasPrefix(c.Get("Authorization"), "Bearer ") {
			return c.Next()
		}

		origin := strings.TrimSpace(c.Get("Origin"))
		if origin == "" {
			// Non-browser clients typically have no Origin; allow.
			return c.Next()
		}

		if len(allowedOrigins) > 0 && !originAllowed(origin, allowedOrigins) {
			return httpx.Forbidden(c, "forbidden_origin", "Origin not allowed")
		}

		if mode == "origin" {
			return c.Next()
		}

		csrfCookie := c.Cookies(CSRFCookie)
		csrfHeader := c.Get(CSRFHeader)
		if csrfCookie == "" || csrfHeader == "" {
			return httpx.Forbidden(c, "csrf_required", "Missing CSRF token")
		}

		if subtle.ConstantTimeCompare([]byte(csrfCookie), []byte(csrfHeader)) != 1 {
			return httpx.Forbidden(c, "csrf_invalid", "Invalid CSRF token")
		}

		return c.Next()
	}
}
