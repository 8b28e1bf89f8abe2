package handlers

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/rhysllwydlewis/eventflow-messaging/internal/httpx"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/service"
)

// IdempotencyHeader may carry the client token instead of the body.
const IdempotencyHeader = "Idempotency-Key"

type MessageHandler struct {
	delivery *service.DeliveryService
}

func NewMessageHandler(delivery *service.DeliveryService) *MessageHandler {
	return &MessageHandler{delivery: delivery}
}

type sendMessageRequest struct {
	Content string `json:"content"`
	Token   string `json:"token"`
}

func (h *MessageHandler) SendMessage(c *fiber.Ctx) error {
	userID, err := httpx.LocalUint(c, "userID")
	if err != nil {
		return httpx.Unauthorized(c, "unauthorized", "Unauthorized")
	}
	threadID, err := paramID(c, "id")
	if err != nil {
		return httpx.FromError(c, err)
	}

	var req sendMessageRequest
	if err := parseBody(c, &req); err != nil {
		return httpx.FromError(c, err)
	}
	if req.Token == "" {
		req.Token = strings.TrimSpace(c.Get(IdempotencyHeader))
	}

	res, err := h.delivery.Send(c.UserContext(), service.SendInput{
		ThreadID: threadID,
		SenderID: userID,
		Content:  req.Content,
		Token:    req.Token,
	})
	if err != nil {
		return httpx.FromError(c, err)
	}

	status := fiber.StatusCreated
	if res.Replayed {
		status = fiber.StatusOK
	}
	return c.Status(status).JSON(res)
}

func (h *MessageHandler) GetMessages(c *fiber.Ctx) error {
	userID, err := httpx.LocalUint(c, "userID")
	if err != nil {
		return httpx.Unauthorized(c, "unauthorized", "Unauthorized")
	}
	threadID, err := paramID(c, "id")
	if err != nil {
		return httpx.FromError(c, err)
	}
	before, err := queryUint(c, "before")
	if err != nil {
		return httpx.FromError(c, err)
	}
	limit := c.QueryInt("limit", 0)

	messages, err := h.delivery.History(c.UserContext(), threadID, userID, before, limit)
	if err != nil {
		return httpx.FromError(c, err)
	}

	result := fiber.Map{
		"messages": messages,
		"count":    len(messages),
	}
	if len(messages) > 0 {
		// Messages are returned newest-first.
		oldest := messages[len(messages)-1].Seq
		if oldest > 1 {
			result["next_before"] = oldest
		}
	}
	return c.JSON(result)
}

type editMessageRequest struct {
	Content string `json:"content"`
}

func (h *MessageHandler) EditMessage(c *fiber.Ctx) error {
	userID, err := httpx.LocalUint(c, "userID")
	if err != nil {
		return httpx.Unauthorized(c, "unauthorized", "Unauthorized")
	}
	messageID, err := paramID(c, "id")
	if err != nil {
		return httpx.FromError(c, err)
	}

	var req editMessageRequest
	if err := parseBody(c, &req); err != nil {
		return httpx.FromError(c, err)
	}
	msg, err := h.delivery.Edit(c.UserContext(), messageID, userID, req.Content)
	if err != nil {
		return httpx.FromError(c, err)
	}
	return c.JSON(msg.ToResponse())
}

func (h *MessageHandler) DeleteMessage(c *fiber.Ctx) error {
	userID, err := httpx.LocalUint(c, "userID")
	if err != nil {
		return httpx.Unauthorized(c, "unauthorized", "Unauthorized")
	}
	messageID, err := paramID(c, "id")
	if err != nil {
		return httpx.FromError(c, err)
	}
	msg, err := h.delivery.Delete(c.UserContext(), messageID, userID)
	if err != nil {
		return httpx.FromError(c, err)
	}
	return c.JSON(msg.ToResponse())
}

func (h *MessageHandler) MarkRead(c *fiber.Ctx) error {
	userID, err := httpx.LocalUint(c, "userID")
	if err != nil {
		return httpx.Unauthorized(c, "unauthorized", "Unauthorized")
	}
	messageID, err := paramID(c, "id")
	if err != nil {
		return httpx.FromError(c, err)
	}
	msg, err := h.delivery.MarkRead(c.UserContext(), messageID, userID)
	if err != nil {
		return httpx.FromError(c, err)
	}
	return c.JSON(msg.ToResponse())
}
