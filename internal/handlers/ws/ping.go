package ws

import "github.com/rhysllwydlewis/eventflow-messaging/internal/models"

// MessagePing is a keepalive ping from client
type MessagePing struct{}

func (msg *MessagePing) GetType() string {
	return "ping"
}

func (msg *MessagePing) Process(ctx *MessageContext) (any, error) {
	ctx.Client.Touch(ctx.Hub.clock.Now())
	ctx.Hub.Reply(ctx.Client, models.Event{Type: models.EventPong})
	return nil, nil
}

// MessagePong answers a server ping sent as a data frame.
type MessagePong struct{}

func (msg *MessagePong) GetType() string {
	return "pong"
}

func (msg *MessagePong) Process(ctx *MessageContext) (any, error) {
	ctx.Client.Touch(ctx.Hub.clock.Now())
	return nil, nil
}
