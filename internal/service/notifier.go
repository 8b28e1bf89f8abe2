package service

import (
	"context"

	"github.com/rhysllwydlewis/eventflow-messaging/internal/clock"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/collab"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/models"
)

const previewRunes = 120

// Notifier produces new-message events for notification dispatch. Mute is
// evaluated here, at send time, so an expired mute stops suppressing without
// anyone clearing it.
type Notifier struct {
	events collab.EventSink
	clock  clock.Clock
}

func NewNotifier(events collab.EventSink, clk clock.Clock) *Notifier {
	return &Notifier{events: events, clock: clock.Or(clk)}
}

// Notify emits one event per recipient that has not muted the thread and
// returns how many were emitted.
func (n *Notifier) Notify(ctx context.Context, thread *models.Thread, msg *models.Message) int {
	now := n.clock.Now()
	emitted := 0
	for i := range thread.Participants {
		p := &thread.Participants[i]
		if p.UserID == msg.SenderID || p.MuteActive(now) {
			continue
		}
		n.events.NewMessage(ctx, collab.NewMessageEvent{
			MessageID:   msg.ID,
			ThreadID:    msg.ThreadID,
			SenderID:    msg.SenderID,
			RecipientID: p.UserID,
			Preview:     preview(msg.Content),
			CreatedAt:   msg.CreatedAt,
		})
		emitted++
	}
	return emitted
}

func preview(content string) string {
	r := []rune(content)
	if len(r) <= previewRunes {
		return content
	}
	return string(r[:previewRunes]) + "…"
}
