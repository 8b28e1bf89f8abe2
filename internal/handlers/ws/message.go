package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/rhysllwydlewis/eventflow-messaging/internal/apperr"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/models"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/service"
)

// MessageContext provides all dependencies needed for message processing
type MessageContext struct {
	Ctx       context.Context
	Client    *Client
	Hub       *Hub
	Delivery  *service.DeliveryService
	Threads   *service.ThreadService
	RequestID string
}

// UserID is the authenticated user behind the connection.
func (c *MessageContext) UserID() uint {
	return c.Client.UserID
}

// Message is an inbound client frame. Process returns the ack result, or
// nil when the frame is not acknowledged.
type Message interface {
	GetType() string
	Process(ctx *MessageContext) (any, error)
}

// SerializedMessage is the wire format wrapper
type SerializedMessage struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

func ToJson(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

func FromJson(jsonBytes []byte, msg Message) error {
	if len(jsonBytes) == 0 || string(jsonBytes) == "null" {
		return nil
	}
	return json.Unmarshal(jsonBytes, msg)
}

func CreateMessage(msgType string, typeRegistry map[string]reflect.Type) (Message, error) {
	msgTypeReflect, ok := typeRegistry[msgType]
	if !ok {
		return nil, fmt.Errorf("unknown message type: %s", msgType)
	}

	instance := reflect.New(msgTypeReflect).Interface()
	return instance.(Message), nil
}

// Ack queues an acknowledgement for requestID on c.
func (h *Hub) Ack(c *Client, requestID string, result any) {
	h.Reply(c, models.Event{
		Type:    models.EventAck,
		Payload: models.AckPayload{RequestID: requestID, Result: result},
	})
}

// SendError queues an error frame on c. apperr errors keep their code and
// retry hint.
func (h *Hub) SendError(c *Client, requestID string, err error) {
	h.Reply(c, models.Event{Type: models.EventError, Payload: ErrorPayload(requestID, err)})
}

// ErrorPayload renders err as the body of an error frame.
func ErrorPayload(requestID string, err error) models.ErrorPayload {
	p := models.ErrorPayload{RequestID: requestID, Code: "processing_failed", Error: err.Error()}
	if e, ok := apperr.As(err); ok {
		if e.Code != "" {
			p.Code = e.Code
		} else {
			p.Code = string(e.Kind)
		}
		if e.Kind == apperr.KindInternal {
			p.Error = "internal error"
		}
		p.RetryAfter = e.RetryAfter.Seconds()
	}
	return p
}
