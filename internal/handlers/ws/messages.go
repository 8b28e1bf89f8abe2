package ws

import (
	"time"

	"github.com/rhysllwydlewis/eventflow-messaging/internal/apperr"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/models"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/service"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/validation"
)

const (
	MsgSend              = "send"
	MsgEdit              = "edit"
	MsgDelete            = "delete"
	MsgRead              = "read"
	MsgTyping            = "typing"
	MsgPresenceSubscribe = "presence.subscribe"
	MsgPin               = "pin"
	MsgUnpin             = "unpin"
	MsgMute              = "mute"
	MsgUnmute            = "unmute"
)

// MessageSend posts a new message. Token makes retries idempotent.
type MessageSend struct {
	ThreadID uint   `json:"thread_id" validate:"required"`
	Content  string `json:"content"`
	Token    string `json:"token"`
}

func (msg *MessageSend) GetType() string {
	return MsgSend
}

func (msg *MessageSend) Process(ctx *MessageContext) (any, error) {
	if err := validation.Struct(msg); err != nil {
		return nil, err
	}
	return ctx.Delivery.Send(ctx.Ctx, service.SendInput{
		ThreadID: msg.ThreadID,
		SenderID: ctx.UserID(),
		Content:  msg.Content,
		Token:    msg.Token,
	})
}

type MessageEdit struct {
	MessageID uint   `json:"message_id" validate:"required"`
	Content   string `json:"content"`
}

func (msg *MessageEdit) GetType() string {
	return MsgEdit
}

func (msg *MessageEdit) Process(ctx *MessageContext) (any, error) {
	if err := validation.Struct(msg); err != nil {
		return nil, err
	}
	m, err := ctx.Delivery.Edit(ctx.Ctx, msg.MessageID, ctx.UserID(), msg.Content)
	if err != nil {
		return nil, err
	}
	return m.ToResponse(), nil
}

// MessageDelete retracts one of the sender's own messages.
type MessageDelete struct {
	MessageID uint `json:"message_id" validate:"required"`
}

func (msg *MessageDelete) GetType() string {
	return MsgDelete
}

func (msg *MessageDelete) Process(ctx *MessageContext) (any, error) {
	if err := validation.Struct(msg); err != nil {
		return nil, err
	}
	m, err := ctx.Delivery.Delete(ctx.Ctx, msg.MessageID, ctx.UserID())
	if err != nil {
		return nil, err
	}
	return m.ToResponse(), nil
}

// MessageRead marks one message read, or with ThreadID every message up to
// UptoSeq.
type MessageRead struct {
	MessageID uint   `json:"message_id"`
	ThreadID  uint   `json:"thread_id"`
	UptoSeq   uint64 `json:"upto_seq"`
}

func (msg *MessageRead) GetType() string {
	return MsgRead
}

func (msg *MessageRead) Process(ctx *MessageContext) (any, error) {
	switch {
	case msg.MessageID != 0:
		m, err := ctx.Delivery.MarkRead(ctx.Ctx, msg.MessageID, ctx.UserID())
		if err != nil {
			return nil, err
		}
		return m.ToResponse(), nil
	case msg.ThreadID != 0:
		n, err := ctx.Delivery.MarkThreadRead(ctx.Ctx, msg.ThreadID, ctx.UserID(), msg.UptoSeq)
		if err != nil {
			return nil, err
		}
		return map[string]int{"marked": n}, nil
	}
	return nil, apperr.Validation("invalid_message_id", "message_id or thread_id is required")
}

type MessageTyping struct {
	ThreadID uint `json:"thread_id" validate:"required"`
	IsTyping bool `json:"is_typing"`
}

func (msg *MessageTyping) GetType() string {
	return MsgTyping
}

func (msg *MessageTyping) Process(ctx *MessageContext) (any, error) {
	if err := validation.Struct(msg); err != nil {
		return nil, err
	}
	return nil, ctx.Hub.SetTyping(ctx.Ctx, msg.ThreadID, ctx.UserID(), msg.IsTyping)
}

// MessagePresenceSubscribe asks for the current presence of UserIDs, or of
// every contact when UserIDs is empty. Users outside the caller's threads
// are left out.
type MessagePresenceSubscribe struct {
	UserIDs []uint `json:"user_ids"`
}

func (msg *MessagePresenceSubscribe) GetType() string {
	return MsgPresenceSubscribe
}

func (msg *MessagePresenceSubscribe) Process(ctx *MessageContext) (any, error) {
	contacts, err := ctx.Threads.Contacts(ctx.Ctx, ctx.UserID())
	if err != nil {
		return nil, err
	}
	ids := contacts
	if len(msg.UserIDs) > 0 {
		known := make(map[uint]struct{}, len(contacts))
		for _, id := range contacts {
			known[id] = struct{}{}
		}
		ids = ids[:0:0]
		for _, id := range msg.UserIDs {
			if _, ok := known[id]; ok {
				ids = append(ids, id)
			}
		}
	}
	ctx.Hub.Reply(ctx.Client, models.Event{
		Type:    models.EventPresenceSnapshot,
		Payload: ctx.Hub.Snapshot(ids),
	})
	return nil, nil
}

type MessagePin struct {
	ThreadID uint `json:"thread_id" validate:"required"`
}

func (msg *MessagePin) GetType() string {
	return MsgPin
}

func (msg *MessagePin) Process(ctx *MessageContext) (any, error) {
	if err := validation.Struct(msg); err != nil {
		return nil, err
	}
	return nil, ctx.Threads.Pin(ctx.Ctx, ctx.UserID(), msg.ThreadID)
}

type MessageUnpin struct {
	ThreadID uint `json:"thread_id" validate:"required"`
}

func (msg *MessageUnpin) GetType() string {
	return MsgUnpin
}

func (msg *MessageUnpin) Process(ctx *MessageContext) (any, error) {
	if err := validation.Struct(msg); err != nil {
		return nil, err
	}
	return nil, ctx.Threads.Unpin(ctx.Ctx, ctx.UserID(), msg.ThreadID)
}

// MessageMute mutes a thread for Duration ("8h", "30m"); empty mutes until
// unmuted.
type MessageMute struct {
	ThreadID uint   `json:"thread_id" validate:"required"`
	Duration string `json:"duration"`
}

func (msg *MessageMute) GetType() string {
	return MsgMute
}

func (msg *MessageMute) Process(ctx *MessageContext) (any, error) {
	if err := validation.Struct(msg); err != nil {
		return nil, err
	}
	d, err := ParseMuteDuration(msg.Duration)
	if err != nil {
		return nil, err
	}
	return ctx.Threads.Mute(ctx.Ctx, ctx.UserID(), msg.ThreadID, d)
}

type MessageUnmute struct {
	ThreadID uint `json:"thread_id" validate:"required"`
}

func (msg *MessageUnmute) GetType() string {
	return MsgUnmute
}

func (msg *MessageUnmute) Process(ctx *MessageContext) (any, error) {
	if err := validation.Struct(msg); err != nil {
		return nil, err
	}
	return nil, ctx.Threads.Unmute(ctx.Ctx, ctx.UserID(), msg.ThreadID)
}

// ParseMuteDuration parses a mute length. Empty means indefinite.
func ParseMuteDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil || d < 0 {
		return 0, apperr.Validation("invalid_duration", "duration must look like 8h or 30m")
	}
	return d, nil
}
