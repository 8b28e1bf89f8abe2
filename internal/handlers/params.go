package handlers

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/rhysllwydlewis/eventflow-messaging/internal/apperr"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/validation"
)

func paramID(c *fiber.Ctx, name string) (uint, error) {
	id, err := strconv.ParseUint(c.Params(name), 10, 32)
	if err != nil || id == 0 {
		return 0, apperr.Validation("invalid_"+name, "invalid %s", name)
	}
	return uint(id), nil
}

func queryUint(c *fiber.Ctx, name string) (uint64, error) {
	v := c.Query(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return 0, apperr.Validation("invalid_"+name, "invalid %s", name)
	}
	return n, nil
}

func queryTime(c *fiber.Ctx, name string) (time.Time, error) {
	v := c.Query(name)
	if v == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, v)
	if err != nil {
		return time.Time{}, apperr.Validation("invalid_"+name, "%s must be RFC 3339", name)
	}
	return t, nil
}

// parseBody decodes and validates a JSON body.
func parseBody(c *fiber.Ctx, out any) error {
	if err := c.BodyParser(out); err != nil {
		return apperr.Validation("invalid_request_body", "invalid request body")
	}
	return validation.Struct(out)
}
