// Package testutil builds fixtures shared by repository and service tests.
package testutil

import (
	"time"

	"github.com/rhysllwydlewis/eventflow-messaging/internal/models"
)

// Epoch is a fixed instant fixtures default to.
var Epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// NewThread returns an unsaved thread created by creatorID with the given
// participants following the creator, in order.
func NewThread(at time.Time, creatorID uint, others ...uint) *models.Thread {
	if at.IsZero() {
		at = Epoch
	}
	th := &models.Thread{
		CreatedAt:      at,
		UpdatedAt:      at,
		LastActivityAt: at,
		CreatedBy:      creatorID,
	}
	for i, uid := range append([]uint{creatorID}, others...) {
		th.Participants = append(th.Participants, models.Participant{UserID: uid, Position: i})
	}
	return th
}

// NewMessage returns an unsaved persisted message with a 15 minute edit window.
func NewMessage(at time.Time, threadID, senderID uint, content string) *models.Message {
	if at.IsZero() {
		at = Epoch
	}
	if content == "" {
		content = "Test message"
	}
	return &models.Message{
		CreatedAt:    at,
		UpdatedAt:    at,
		ThreadID:     threadID,
		SenderID:     senderID,
		Content:      content,
		ClientToken:  "tok-" + content,
		State:        models.StatePersisted,
		EditDeadline: at.Add(15 * time.Minute),
	}
}

// NewIdempotency returns a record for senderID and token that expires ttl after at.
func NewIdempotency(at time.Time, senderID, threadID uint, token string, ttl time.Duration) *models.IdempotencyRecord {
	if at.IsZero() {
		at = Epoch
	}
	return &models.IdempotencyRecord{
		SenderID:  senderID,
		Token:     token,
		ThreadID:  threadID,
		CreatedAt: at,
		ExpiresAt: at.Add(ttl),
	}
}
