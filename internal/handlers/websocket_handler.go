package handlers

import (
	"context"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"

	"github.com/rhysllwydlewis/eventflow-messaging/internal/apperr"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/handlers/ws"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/logger"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/service"
)

type WebSocketHandler struct {
	hub          *ws.Hub
	delivery     *service.DeliveryService
	threads      *service.ThreadService
	maxFrameSize int64
	log          *logrus.Entry
}

func NewWebSocketHandler(hub *ws.Hub, delivery *service.DeliveryService, threads *service.ThreadService, maxFrameSize int64) *WebSocketHandler {
	return &WebSocketHandler{
		hub:          hub,
		delivery:     delivery,
		threads:      threads,
		maxFrameSize: maxFrameSize,
		log:          logger.Component("ws"),
	}
}

// GetHub returns the hub instance (useful for sending messages from other handlers)
func (h *WebSocketHandler) GetHub() *ws.Hub {
	return h.hub
}

func (h *WebSocketHandler) HandleWebSocket(c *websocket.Conn) {
	userID, ok := c.Locals("userID").(uint)
	if !ok {
		_ = c.Close()
		return
	}

	// Check if client supports gzip compression (via query param or header)
	supportsGzip := c.Query("gzip") == "1" || c.Headers("X-Supports-Gzip") == "1"

	if h.maxFrameSize > 0 {
		c.SetReadLimit(h.maxFrameSize)
	}

	client := h.hub.Register(userID, c, supportsGzip)
	defer h.hub.Unregister(client)

	c.SetPongHandler(func(string) error {
		client.Touch(time.Now())
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	log := h.log.WithFields(logrus.Fields{"user_id": userID, "client": client.ID})

	// Handle incoming messages
	for {
		messageType, messageBytes, err := c.ReadMessage()
		if err != nil {
			log.WithError(err).Debug("read failed")
			break
		}
		log.WithFields(logrus.Fields{"frame_type": messageType, "size": len(messageBytes)}).Trace("ws_recv")

		if !client.AllowInbound() {
			h.hub.SendError(client, "", apperr.RateLimited(time.Second, time.Now().Add(time.Second)))
			continue
		}

		// Decompress if binary message (gzip compressed)
		if messageType == websocket.BinaryMessage {
			decompressed, err := ws.DecompressMessage(messageBytes)
			if err != nil {
				h.hub.SendError(client, "", apperr.Validation("decompression_failed", "failed to decompress message"))
				continue
			}
			messageBytes = decompressed
		}

		wrapper, err := ws.Decode(messageBytes)
		if err != nil {
			h.hub.SendError(client, "", apperr.Validation("invalid_message", "invalid message format"))
			continue
		}
		msg, err := ws.DeserializeSerializedMessage(wrapper)
		if err != nil {
			h.hub.SendError(client, wrapper.RequestID, apperr.Validation("invalid_message", "%s", err.Error()))
			continue
		}

		h.dispatch(ctx, client, wrapper.RequestID, msg)
	}
}

// dispatch processes one frame and answers it with an ack or an error.
func (h *WebSocketHandler) dispatch(ctx context.Context, client *ws.Client, requestID string, msg ws.Message) {
	mctx := &ws.MessageContext{
		Ctx:       ctx,
		Client:    client,
		Hub:       h.hub,
		Delivery:  h.delivery,
		Threads:   h.threads,
		RequestID: requestID,
	}
	result, err := msg.Process(mctx)
	if err != nil {
		entry := h.log.WithError(err).WithFields(logrus.Fields{"user_id": client.UserID, "type": msg.GetType()})
		if apperr.KindOf(err) == apperr.KindInternal {
			entry.Error("failed to process message")
		} else {
			entry.Debug("message rejected")
		}
		h.hub.SendError(client, requestID, err)
		return
	}
	if requestID != "" {
		h.hub.Ack(client, requestID, result)
	}
}
