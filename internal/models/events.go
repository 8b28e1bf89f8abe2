package models

import "time"

// Outbound event types pushed to clients.
const (
	EventMessageCreated   = "message.created"
	EventMessageEdited    = "message.edited"
	EventMessageRead      = "message.read"
	EventMessageRetracted = "message.retracted"
	EventPresenceChanged  = "presence.changed"
	EventPresenceSnapshot = "presence.snapshot"
	EventTypingChanged    = "typing.changed"
	EventRateNotice       = "rate.notice"
	EventAck              = "ack"
	EventError            = "error"
	EventPong             = "pong"
)

// Event is the envelope of every frame the server pushes.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type PresencePayload struct {
	UserID   uint      `json:"user_id"`
	Online   bool      `json:"online"`
	LastSeen time.Time `json:"last_seen"`
}

type TypingPayload struct {
	ThreadID uint `json:"thread_id"`
	UserID   uint `json:"user_id"`
	IsTyping bool `json:"is_typing"`
}

type ReadPayload struct {
	ThreadID  uint      `json:"thread_id"`
	MessageID uint      `json:"message_id"`
	Seq       uint64    `json:"seq"`
	ReaderID  uint      `json:"reader_id"`
	ReadAt    time.Time `json:"read_at"`
}

type RateNoticePayload struct {
	Reason     string    `json:"reason"`
	RetryAfter float64   `json:"retry_after_seconds,omitempty"`
	ResetAt    time.Time `json:"reset_at,omitempty"`
	ThreadID   uint      `json:"thread_id,omitempty"`
}

type RetractedPayload struct {
	ThreadID  uint   `json:"thread_id"`
	MessageID uint   `json:"message_id"`
	Seq       uint64 `json:"seq"`
}

// AckPayload answers a client frame that carried a request id.
type AckPayload struct {
	RequestID string `json:"request_id,omitempty"`
	Result    any    `json:"result,omitempty"`
}

type ErrorPayload struct {
	RequestID  string  `json:"request_id,omitempty"`
	Code       string  `json:"code"`
	Error      string  `json:"error"`
	RetryAfter float64 `json:"retry_after_seconds,omitempty"`
}
