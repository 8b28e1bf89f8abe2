package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/rhysllwydlewis/eventflow-messaging/internal/handlers/ws"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/httpx"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/service"
)

type ThreadHandler struct {
	threads  *service.ThreadService
	delivery *service.DeliveryService
}

func NewThreadHandler(threads *service.ThreadService, delivery *service.DeliveryService) *ThreadHandler {
	return &ThreadHandler{threads: threads, delivery: delivery}
}

type createThreadRequest struct {
	ParticipantIDs []uint `json:"participant_ids" validate:"required,min=1,dive,gt=0"`
}

func (h *ThreadHandler) CreateThread(c *fiber.Ctx) error {
	userID, err := httpx.LocalUint(c, "userID")
	if err != nil {
		return httpx.Unauthorized(c, "unauthorized", "Unauthorized")
	}

	var req createThreadRequest
	if err := parseBody(c, &req); err != nil {
		return httpx.FromError(c, err)
	}

	thread, err := h.threads.CreateThread(c.UserContext(), userID, req.ParticipantIDs)
	if err != nil {
		return httpx.FromError(c, err)
	}
	return c.Status(fiber.StatusCreated).JSON(thread)
}

func (h *ThreadHandler) ListThreads(c *fiber.Ctx) error {
	userID, err := httpx.LocalUint(c, "userID")
	if err != nil {
		return httpx.Unauthorized(c, "unauthorized", "Unauthorized")
	}

	order, err := service.ParseSortOrder(c.Query("sort"))
	if err != nil {
		return httpx.FromError(c, err)
	}
	threads, err := h.threads.ListThreads(c.UserContext(), userID, order)
	if err != nil {
		return httpx.FromError(c, err)
	}
	return c.JSON(fiber.Map{
		"threads": threads,
		"count":   len(threads),
	})
}

func (h *ThreadHandler) Pin(c *fiber.Ctx) error {
	return h.threadAction(c, func(userID, threadID uint) error {
		return h.threads.Pin(c.UserContext(), userID, threadID)
	})
}

func (h *ThreadHandler) Unpin(c *fiber.Ctx) error {
	return h.threadAction(c, func(userID, threadID uint) error {
		return h.threads.Unpin(c.UserContext(), userID, threadID)
	})
}

func (h *ThreadHandler) Unmute(c *fiber.Ctx) error {
	return h.threadAction(c, func(userID, threadID uint) error {
		return h.threads.Unmute(c.UserContext(), userID, threadID)
	})
}

func (h *ThreadHandler) threadAction(c *fiber.Ctx, do func(userID, threadID uint) error) error {
	userID, err := httpx.LocalUint(c, "userID")
	if err != nil {
		return httpx.Unauthorized(c, "unauthorized", "Unauthorized")
	}
	threadID, err := paramID(c, "id")
	if err != nil {
		return httpx.FromError(c, err)
	}
	if err := do(userID, threadID); err != nil {
		return httpx.FromError(c, err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

type muteRequest struct {
	// Duration like "8h"; empty mutes until unmuted.
	Duration string `json:"duration"`
}

func (h *ThreadHandler) Mute(c *fiber.Ctx) error {
	userID, err := httpx.LocalUint(c, "userID")
	if err != nil {
		return httpx.Unauthorized(c, "unauthorized", "Unauthorized")
	}
	threadID, err := paramID(c, "id")
	if err != nil {
		return httpx.FromError(c, err)
	}

	var req muteRequest
	if len(c.Body()) > 0 {
		if err := parseBody(c, &req); err != nil {
			return httpx.FromError(c, err)
		}
	}
	d, err := ws.ParseMuteDuration(req.Duration)
	if err != nil {
		return httpx.FromError(c, err)
	}

	state, err := h.threads.Mute(c.UserContext(), userID, threadID, d)
	if err != nil {
		return httpx.FromError(c, err)
	}
	return c.JSON(state)
}

func (h *ThreadHandler) GetMute(c *fiber.Ctx) error {
	userID, err := httpx.LocalUint(c, "userID")
	if err != nil {
		return httpx.Unauthorized(c, "unauthorized", "Unauthorized")
	}
	threadID, err := paramID(c, "id")
	if err != nil {
		return httpx.FromError(c, err)
	}
	state, err := h.threads.MuteState(c.UserContext(), userID, threadID)
	if err != nil {
		return httpx.FromError(c, err)
	}
	return c.JSON(state)
}

type markThreadReadRequest struct {
	UptoSeq uint64 `json:"upto_seq"`
}

// MarkThreadRead marks every message up to upto_seq read; zero means all.
func (h *ThreadHandler) MarkThreadRead(c *fiber.Ctx) error {
	userID, err := httpx.LocalUint(c, "userID")
	if err != nil {
		return httpx.Unauthorized(c, "unauthorized", "Unauthorized")
	}
	threadID, err := paramID(c, "id")
	if err != nil {
		return httpx.FromError(c, err)
	}

	var req markThreadReadRequest
	if len(c.Body()) > 0 {
		if err := parseBody(c, &req); err != nil {
			return httpx.FromError(c, err)
		}
	}
	n, err := h.delivery.MarkThreadRead(c.UserContext(), threadID, userID, req.UptoSeq)
	if err != nil {
		return httpx.FromError(c, err)
	}
	return c.JSON(fiber.Map{"marked": n})
}
