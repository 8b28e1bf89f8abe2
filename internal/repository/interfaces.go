package repository

import (
	"context"
	"errors"
	"time"

	"github.com/rhysllwydlewis/eventflow-messaging/internal/models"
)

// ErrNotFound is returned when a thread, message or idempotency record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrTokenInUse is returned by Append when a live idempotency record already
// holds the sender's token. Nothing is written.
var ErrTokenInUse = errors.New("idempotency token in use")

// ThreadRepositoryInterface defines the contract for thread and participant storage.
type ThreadRepositoryInterface interface {
	Create(ctx context.Context, thread *models.Thread) error
	FindByID(ctx context.Context, id uint) (*models.Thread, error)
	ListForUser(ctx context.Context, userID uint) ([]models.Thread, error)
	// ContactsOf returns every other user sharing at least one thread with userID.
	ContactsOf(ctx context.Context, userID uint) ([]uint, error)
	CountCreatedSince(ctx context.Context, creatorID uint, since time.Time) (int, error)
	CountPinned(ctx context.Context, userID uint) (int, error)
	SetPinned(ctx context.Context, threadID, userID uint, pinned bool, at *time.Time) error
	SetMute(ctx context.Context, threadID, userID uint, muted bool, until *time.Time) error
	// AdvanceRead moves the participant's read marker forward; it reports
	// false when seq is not past the current marker.
	AdvanceRead(ctx context.Context, threadID, userID uint, seq uint64) (bool, error)
}

// MessageRepositoryInterface defines the contract for message storage.
type MessageRepositoryInterface interface {
	// Append assigns the next per-thread sequence number to msg and persists
	// it together with rec and the thread's new activity time, atomically.
	// A live record already holding rec.Token yields ErrTokenInUse.
	Append(ctx context.Context, msg *models.Message, rec *models.IdempotencyRecord) error
	FindByID(ctx context.Context, id uint) (*models.Message, error)
	FindIdempotency(ctx context.Context, senderID uint, token string) (*models.IdempotencyRecord, error)
	// Update persists state, content and timestamp fields of msg.
	Update(ctx context.Context, msg *models.Message) error
	// ReplaceContent appends edit to the history and sets the new content in one step.
	ReplaceContent(ctx context.Context, msg *models.Message, edit models.MessageEdit) error
	// ListByThread returns up to limit messages with seq < beforeSeq (0 = newest), newest first.
	ListByThread(ctx context.Context, threadID uint, beforeSeq uint64, limit int) ([]models.Message, error)
	// ListUnreadUpTo returns messages in (afterSeq, uptoSeq] not sent by readerID.
	ListUnreadUpTo(ctx context.Context, threadID, readerID uint, afterSeq, uptoSeq uint64) ([]models.Message, error)
	CountUnread(ctx context.Context, threadID, userID uint, afterSeq uint64) (uint64, error)
	CountBySenderSince(ctx context.Context, senderID uint, since time.Time) (int, error)
	DeleteExpiredIdempotency(ctx context.Context, now time.Time) (int64, error)
}
