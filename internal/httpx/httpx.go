package httpx

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/rhysllwydlewis/eventflow-messaging/internal/apperr"
)

type ErrorResponse struct {
	Error      string  `json:"error"`
	Code       string  `json:"code,omitempty"`
	RequestID  string  `json:"request_id,omitempty"`
	RetryAfter float64 `json:"retry_after_seconds,omitempty"`
	ResetAt    string  `json:"reset_at,omitempty"`
}

func requestID(c *fiber.Ctx) string {
	if v := c.Locals("requestid"); v != nil {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func Error(c *fiber.Ctx, status int, code string, message string) error {
	if message == "" {
		message = "Request failed"
	}
	return c.Status(status).JSON(ErrorResponse{
		Error:     message,
		Code:      code,
		RequestID: requestID(c),
	})
}

func Unauthorized(c *fiber.Ctx, code string, message string) error {
	return Error(c, fiber.StatusUnauthorized, code, message)
}

func Forbidden(c *fiber.Ctx, code string, message string) error {
	return Error(c, fiber.StatusForbidden, code, message)
}

func Internal(c *fiber.Ctx, code string) error {
	return Error(c, fiber.StatusInternalServerError, code, "Internal server error")
}

func LocalUint(c *fiber.Ctx, key string) (uint, error) {
	v := c.Locals(key)
	if v == nil {
		return 0, fmt.Errorf("missing local %s", key)
	}
	u, ok := v.(uint)
	if !ok {
		return 0, fmt.Errorf("invalid local %s", key)
	}
	return u, nil
}

// StatusOf maps an error kind to its HTTP status.
func StatusOf(kind apperr.Kind) int {
	switch kind {
	case apperr.KindValidation:
		return fiber.StatusBadRequest
	case apperr.KindPermission:
		return fiber.StatusForbidden
	case apperr.KindNotFound:
		return fiber.StatusNotFound
	case apperr.KindRateLimited, apperr.KindLimitExceeded:
		return fiber.StatusTooManyRequests
	case apperr.KindConflict:
		return fiber.StatusConflict
	case apperr.KindEditWindowExpired:
		return fiber.StatusUnprocessableEntity
	case apperr.KindTransport:
		return fiber.StatusBadGateway
	}
	return fiber.StatusInternalServerError
}

// FromError writes err using its apperr kind. Rate and quota errors carry
// a Retry-After header.
func FromError(c *fiber.Ctx, err error) error {
	e, ok := apperr.As(err)
	if !ok || e.Kind == apperr.KindInternal {
		code := "internal_error"
		if ok && e.Code != "" {
			code = e.Code
		}
		return Internal(c, code)
	}

	resp := ErrorResponse{
		Error:     e.Message,
		Code:      e.Code,
		RequestID: requestID(c),
	}
	if resp.Code == "" {
		resp.Code = string(e.Kind)
	}
	if resp.Error == "" {
		resp.Error = string(e.Kind)
	}
	if e.RetryAfter > 0 {
		resp.RetryAfter = e.RetryAfter.Seconds()
		c.Set(fiber.HeaderRetryAfter, strconv.Itoa(int(math.Ceil(e.RetryAfter.Seconds()))))
	}
	if !e.ResetAt.IsZero() {
		resp.ResetAt = e.ResetAt.UTC().Format(time.RFC3339)
	}
	return c.Status(StatusOf(e.Kind)).JSON(resp)
}
