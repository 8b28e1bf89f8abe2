// Package collab holds the contracts of systems the messaging core consumes
// from or produces for, with small default implementations.
package collab

import (
	"context"
	"time"

	"github.com/rhysllwydlewis/eventflow-messaging/internal/models"
)

// TierProvider resolves a user's subscription tier.
type TierProvider interface {
	TierOf(ctx context.Context, userID uint) (models.Tier, error)
}

// ParticipantValidator decides whether a user may take part in a
// conversation with the given participants (booking and enquiry rules).
type ParticipantValidator interface {
	CanParticipate(ctx context.Context, userID uint, participantIDs []uint) (bool, error)
}

// BlockList reports whether blocker has blocked blocked.
type BlockList interface {
	IsBlocked(ctx context.Context, blockerID, blockedID uint) (bool, error)
}

type NewMessageEvent struct {
	MessageID   uint      `json:"message_id"`
	ThreadID    uint      `json:"thread_id"`
	SenderID    uint      `json:"sender_id"`
	RecipientID uint      `json:"recipient_id"`
	Preview     string    `json:"preview"`
	CreatedAt   time.Time `json:"created_at"`
}

type ReportEvent struct {
	SenderID  uint      `json:"sender_id"`
	ThreadID  uint      `json:"thread_id"`
	MessageID uint      `json:"message_id,omitempty"`
	Reason    string    `json:"reason"`
	At        time.Time `json:"at"`
}

type AuditEvent struct {
	ActorID   uint      `json:"actor_id"`
	Action    string    `json:"action"`
	ThreadID  uint      `json:"thread_id,omitempty"`
	MessageID uint      `json:"message_id,omitempty"`
	At        time.Time `json:"at"`
}

// Report reasons.
const (
	ReasonDuplicateContent = "duplicate_content"
	ReasonRateLimited      = "rate_limited"
)

// Audit actions.
const (
	ActionThreadCreated    = "thread.created"
	ActionMessageSent      = "message.sent"
	ActionMessageEdited    = "message.edited"
	ActionMessageRetracted = "message.retracted"
)

// EventSink receives events for offline notification dispatch,
// moderation review and admin activity logs. Calls must not block.
type EventSink interface {
	NewMessage(ctx context.Context, ev NewMessageEvent)
	Report(ctx context.Context, ev ReportEvent)
	Audit(ctx context.Context, ev AuditEvent)
}
