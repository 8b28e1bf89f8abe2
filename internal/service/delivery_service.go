package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rhysllwydlewis/eventflow-messaging/internal/apperr"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/clock"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/collab"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/logger"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/metrics"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/models"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/ratelimit"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/repository"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/search"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/validation"
)

const (
	DefaultEditWindow     = 15 * time.Minute
	DefaultIdempotencyTTL = 24 * time.Hour
	DefaultHistoryLimit   = 50
	MaxHistoryLimit       = 100
)

// Broadcaster pushes events to every live session of the given users.
type Broadcaster interface {
	Broadcast(userIDs []uint, ev models.Event)
	IsOnline(userID uint) bool
}

// Indexer keeps a search index in step with visible message content.
type Indexer interface {
	Add(doc search.Document)
	Update(messageID uint, content string)
	Remove(messageID uint)
}

// HistoryCache caches backfill pages per thread.
type HistoryCache interface {
	Get(ctx context.Context, threadID uint, beforeSeq uint64, limit int) ([]models.Message, bool)
	Set(ctx context.Context, threadID uint, beforeSeq uint64, limit int, msgs []models.Message)
	Invalidate(ctx context.Context, threadID uint)
}

type DeliveryConfig struct {
	EditWindow     time.Duration
	IdempotencyTTL time.Duration
	HistoryLimit   int
}

// DeliveryDeps wires the pipeline. Index and History may be nil.
type DeliveryDeps struct {
	Threads   repository.ThreadRepositoryInterface
	Messages  repository.MessageRepositoryInterface
	Quotas    *QuotaTracker
	Guard     *ratelimit.Guard
	Validator collab.ParticipantValidator
	Blocks    collab.BlockList
	Events    collab.EventSink
	Notifier  *Notifier
	Hub       Broadcaster
	Index     Indexer
	History   HistoryCache
	Clock     clock.Clock
}

// DeliveryService validates, sequences, persists and fans out messages.
type DeliveryService struct {
	cfg         DeliveryConfig
	threads     repository.ThreadRepositoryInterface
	messages    repository.MessageRepositoryInterface
	quotas      *QuotaTracker
	guard       *ratelimit.Guard
	validator   collab.ParticipantValidator
	blocks      collab.BlockList
	events      collab.EventSink
	notifier    *Notifier
	hub         Broadcaster
	index       Indexer
	history     HistoryCache
	clock       clock.Clock
	locks       *keyedLocks // per thread
	senderLocks *keyedLocks // per sender
	log         *logrus.Entry
}

func NewDeliveryService(cfg DeliveryConfig, deps DeliveryDeps) *DeliveryService {
	if cfg.EditWindow <= 0 {
		cfg.EditWindow = DefaultEditWindow
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = DefaultIdempotencyTTL
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = DefaultHistoryLimit
	}
	return &DeliveryService{
		cfg:         cfg,
		threads:     deps.Threads,
		messages:    deps.Messages,
		quotas:      deps.Quotas,
		guard:       deps.Guard,
		validator:   deps.Validator,
		blocks:      deps.Blocks,
		events:      deps.Events,
		notifier:    deps.Notifier,
		hub:         deps.Hub,
		index:       deps.Index,
		history:     deps.History,
		clock:       clock.Or(deps.Clock),
		locks:       newKeyedLocks(),
		senderLocks: newKeyedLocks(),
		log:         logger.Component("delivery"),
	}
}

type SendInput struct {
	ThreadID uint
	SenderID uint
	Content  string
	Token    string
}

type SendResult struct {
	MessageID uint                `json:"message_id"`
	ThreadID  uint                `json:"thread_id"`
	Seq       uint64              `json:"seq"`
	State     models.MessageState `json:"state"`
	CreatedAt time.Time           `json:"created_at"`
	Token     string              `json:"token"`
	// Replayed is set when the token matched an earlier send.
	Replayed bool `json:"replayed"`
	// DuplicateContent flags content the sender sent very recently.
	DuplicateContent bool `json:"duplicate_content,omitempty"`
}

// Send runs the full pipeline for one message. A retried token returns the
// original result without persisting or broadcasting again.
func (s *DeliveryService) Send(ctx context.Context, in SendInput) (*SendResult, error) {
	start := time.Now()
	if err := validation.ValidateToken(in.Token); err != nil {
		return nil, s.reject(err)
	}
	token := strings.TrimSpace(in.Token)

	// The sender lock covers the token lookup, the daily quota count and the
	// append across all of the sender's threads; the thread lock orders seq.
	// Always sender first, then thread.
	defer s.senderLocks.lock(in.SenderID)()
	defer s.locks.lock(in.ThreadID)()

	now := s.clock.Now()
	if res, err := s.replay(ctx, in.SenderID, in.ThreadID, token, now); res != nil || err != nil {
		if err != nil {
			return nil, s.reject(err)
		}
		return res, nil
	}

	thread, err := s.threads.FindByID(ctx, in.ThreadID)
	if err != nil {
		return nil, s.reject(notFoundOr(err, "thread_not_found", "thread %d not found", in.ThreadID))
	}
	if err := s.authorizeSender(ctx, thread, in.SenderID); err != nil {
		return nil, s.reject(err)
	}

	limits, err := s.quotas.Limits(ctx, in.SenderID)
	if err != nil {
		return nil, s.reject(err)
	}
	content, err := validation.PrepareContent(in.Content, limits.MaxMessageLength)
	if err != nil {
		return nil, s.reject(err)
	}
	if err := s.quotas.CheckMessage(ctx, in.SenderID, limits); err != nil {
		return nil, s.reject(err)
	}

	verdict, err := s.guard.Check(ctx, in.SenderID, content)
	if err != nil {
		return nil, s.reject(apperr.Internal("rate_guard", err))
	}
	if !verdict.Allowed {
		s.events.Report(ctx, collab.ReportEvent{
			SenderID: in.SenderID, ThreadID: in.ThreadID, Reason: collab.ReasonRateLimited, At: now,
		})
		s.hub.Broadcast([]uint{in.SenderID}, models.Event{
			Type:    models.EventRateNotice,
			Payload: models.RateNoticePayload{Reason: collab.ReasonRateLimited, ThreadID: in.ThreadID},
		})
		return nil, s.reject(apperr.RateLimited(verdict.RetryAfter, verdict.ResetAt))
	}

	msg := &models.Message{
		ThreadID:     in.ThreadID,
		SenderID:     in.SenderID,
		Content:      content,
		ClientToken:  token,
		State:        models.StatePersisted,
		CreatedAt:    now,
		UpdatedAt:    now,
		EditDeadline: now.Add(s.cfg.EditWindow),
	}
	rec := &models.IdempotencyRecord{
		SenderID:  in.SenderID,
		Token:     token,
		ThreadID:  in.ThreadID,
		CreatedAt: now,
		ExpiresAt: now.Add(s.cfg.IdempotencyTTL),
	}
	if err := s.messages.Append(ctx, msg, rec); err != nil {
		if errors.Is(err, repository.ErrTokenInUse) {
			return nil, s.reject(apperr.Conflict("token_reused", "token %q is already in use", token))
		}
		return nil, s.reject(notFoundOr(err, "thread_not_found", "thread %d not found", in.ThreadID))
	}
	metrics.MessagesSent.Inc()
	metrics.SendDuration.Observe(time.Since(start).Seconds())

	s.afterPersist(ctx, thread, msg)

	if verdict.Duplicate {
		metrics.DuplicateContent.Inc()
		s.events.Report(ctx, collab.ReportEvent{
			SenderID: in.SenderID, ThreadID: in.ThreadID, MessageID: msg.ID,
			Reason: collab.ReasonDuplicateContent, At: now,
		})
		s.hub.Broadcast([]uint{in.SenderID}, models.Event{
			Type:    models.EventRateNotice,
			Payload: models.RateNoticePayload{Reason: collab.ReasonDuplicateContent, ThreadID: in.ThreadID},
		})
	}

	s.log.WithFields(logrus.Fields{
		"thread_id":  msg.ThreadID,
		"message_id": msg.ID,
		"seq":        msg.Seq,
		"sender_id":  msg.SenderID,
	}).Debug("message persisted")

	return &SendResult{
		MessageID:        msg.ID,
		ThreadID:         msg.ThreadID,
		Seq:              msg.Seq,
		State:            msg.State,
		CreatedAt:        msg.CreatedAt,
		Token:            token,
		DuplicateContent: verdict.Duplicate,
	}, nil
}

// replay returns the stored result for a token that is still live.
func (s *DeliveryService) replay(ctx context.Context, senderID, threadID uint, token string, now time.Time) (*SendResult, error) {
	rec, err := s.messages.FindIdempotency(ctx, senderID, token)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Internal("idempotency_lookup", err)
	}
	if !now.Before(rec.ExpiresAt) {
		return nil, nil
	}
	if rec.ThreadID != threadID {
		return nil, apperr.Conflict("token_reused", "token was already used in thread %d", rec.ThreadID)
	}
	res := &SendResult{
		MessageID: rec.MessageID,
		ThreadID:  rec.ThreadID,
		Seq:       rec.Seq,
		State:     models.StatePersisted,
		CreatedAt: rec.CreatedAt,
		Token:     token,
		Replayed:  true,
	}
	if msg, err := s.messages.FindByID(ctx, rec.MessageID); err == nil {
		res.State = msg.State
		res.CreatedAt = msg.CreatedAt
	}
	metrics.IdempotentReplays.Inc()
	return res, nil
}

func (s *DeliveryService) authorizeSender(ctx context.Context, thread *models.Thread, senderID uint) error {
	if !thread.HasParticipant(senderID) {
		return apperr.Permission("not_participant", "user %d is not a participant of thread %d", senderID, thread.ID)
	}
	ok, err := s.validator.CanParticipate(ctx, senderID, thread.ParticipantIDs())
	if err != nil {
		return apperr.Internal("participant_check", err)
	}
	if !ok {
		return apperr.Permission("participation_denied", "user %d may not message this thread", senderID)
	}
	for _, uid := range thread.ParticipantIDs() {
		if uid == senderID {
			continue
		}
		blocked, err := s.blocks.IsBlocked(ctx, uid, senderID)
		if err != nil {
			return apperr.Internal("block_check", err)
		}
		if blocked {
			return apperr.Permission("blocked", "sender is blocked by a participant")
		}
	}
	return nil
}

// afterPersist runs fan-out, delivery marking, indexing and notification.
// Called with the thread lock held so events leave in seq order.
func (s *DeliveryService) afterPersist(ctx context.Context, thread *models.Thread, msg *models.Message) {
	if s.history != nil {
		s.history.Invalidate(ctx, msg.ThreadID)
	}
	if s.index != nil {
		s.index.Add(search.DocumentFrom(msg, thread))
	}

	recipients := thread.ParticipantIDs()
	online := false
	for _, uid := range recipients {
		if uid != msg.SenderID && s.hub.IsOnline(uid) {
			online = true
			break
		}
	}
	if online && models.CanTransition(msg.State, models.StateDelivered) {
		at := msg.CreatedAt
		msg.State = models.StateDelivered
		msg.DeliveredAt = &at
		if err := s.messages.Update(ctx, msg); err != nil {
			s.log.WithError(err).WithField("message_id", msg.ID).Warn("failed to mark delivered")
			msg.State = models.StatePersisted
			msg.DeliveredAt = nil
		}
	}

	s.hub.Broadcast(recipients, models.Event{Type: models.EventMessageCreated, Payload: msg.ToResponse()})
	if s.notifier != nil {
		s.notifier.Notify(ctx, thread, msg)
	}
	s.events.Audit(ctx, collab.AuditEvent{
		ActorID: msg.SenderID, Action: collab.ActionMessageSent,
		ThreadID: msg.ThreadID, MessageID: msg.ID, At: msg.CreatedAt,
	})
}

// Edit replaces a message's content inside its edit window.
func (s *DeliveryService) Edit(ctx context.Context, messageID, editorID uint, content string) (*models.Message, error) {
	msg, unlock, err := s.lockMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if msg.SenderID != editorID {
		return nil, apperr.Permission("not_sender", "only the sender can edit a message")
	}
	if msg.State == models.StateRetracted {
		return nil, apperr.Conflict("message_retracted", "message %d was retracted", messageID)
	}
	now := s.clock.Now()
	if !msg.Editable(now) {
		return nil, apperr.EditWindowExpired(msg.EditDeadline)
	}

	limits, err := s.quotas.Limits(ctx, editorID)
	if err != nil {
		return nil, err
	}
	content, err = validation.PrepareContent(content, limits.MaxMessageLength)
	if err != nil {
		return nil, err
	}
	if content == msg.Content {
		return msg, nil
	}

	edit := models.MessageEdit{MessageID: msg.ID, PreviousContent: msg.Content, EditedAt: now}
	msg.Content = content
	msg.EditedAt = &now
	msg.UpdatedAt = now
	if err := s.messages.ReplaceContent(ctx, msg, edit); err != nil {
		return nil, notFoundOr(err, "message_not_found", "message %d not found", messageID)
	}
	msg.Edits = append(msg.Edits, edit)

	if s.history != nil {
		s.history.Invalidate(ctx, msg.ThreadID)
	}
	if s.index != nil {
		s.index.Update(msg.ID, msg.Content)
	}
	if thread, err := s.threads.FindByID(ctx, msg.ThreadID); err == nil {
		s.hub.Broadcast(thread.ParticipantIDs(), models.Event{Type: models.EventMessageEdited, Payload: msg.ToResponse()})
	}
	s.events.Audit(ctx, collab.AuditEvent{
		ActorID: editorID, Action: collab.ActionMessageEdited,
		ThreadID: msg.ThreadID, MessageID: msg.ID, At: now,
	})
	return msg, nil
}

// Delete retracts a message. Its edit history is kept; its content is not.
func (s *DeliveryService) Delete(ctx context.Context, messageID, requesterID uint) (*models.Message, error) {
	msg, unlock, err := s.lockMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	if msg.SenderID != requesterID {
		return nil, apperr.Permission("not_sender", "only the sender can delete a message")
	}
	if msg.State == models.StateRetracted {
		return msg, nil
	}
	if !models.CanTransition(msg.State, models.StateRetracted) {
		return nil, apperr.Conflict("invalid_state", "message in state %s cannot be retracted", msg.State)
	}

	now := s.clock.Now()
	msg.State = models.StateRetracted
	msg.Content = ""
	msg.RetractedAt = &now
	msg.UpdatedAt = now
	if err := s.messages.Update(ctx, msg); err != nil {
		return nil, notFoundOr(err, "message_not_found", "message %d not found", messageID)
	}

	if s.history != nil {
		s.history.Invalidate(ctx, msg.ThreadID)
	}
	if s.index != nil {
		s.index.Remove(msg.ID)
	}
	if thread, err := s.threads.FindByID(ctx, msg.ThreadID); err == nil {
		s.hub.Broadcast(thread.ParticipantIDs(), models.Event{
			Type:    models.EventMessageRetracted,
			Payload: models.RetractedPayload{ThreadID: msg.ThreadID, MessageID: msg.ID, Seq: msg.Seq},
		})
	}
	s.events.Audit(ctx, collab.AuditEvent{
		ActorID: requesterID, Action: collab.ActionMessageRetracted,
		ThreadID: msg.ThreadID, MessageID: msg.ID, At: now,
	})
	return msg, nil
}

// MarkRead records that readerID has read one message. Repeated calls and a
// sender reading their own message change nothing.
func (s *DeliveryService) MarkRead(ctx context.Context, messageID, readerID uint) (*models.Message, error) {
	msg, unlock, err := s.lockMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	thread, err := s.threads.FindByID(ctx, msg.ThreadID)
	if err != nil {
		return nil, notFoundOr(err, "thread_not_found", "thread %d not found", msg.ThreadID)
	}
	if !thread.HasParticipant(readerID) {
		return nil, apperr.Permission("not_participant", "user %d is not a participant of thread %d", readerID, thread.ID)
	}
	if msg.SenderID == readerID || !models.CanTransition(msg.State, models.StateRead) {
		return msg, nil
	}

	now := s.clock.Now()
	msg.State = models.StateRead
	msg.ReadAt = &now
	msg.UpdatedAt = now
	if err := s.messages.Update(ctx, msg); err != nil {
		return nil, apperr.Internal("mark_read", err)
	}
	if _, err := s.threads.AdvanceRead(ctx, thread.ID, readerID, msg.Seq); err != nil {
		return nil, apperr.Internal("advance_read", err)
	}
	if s.history != nil {
		s.history.Invalidate(ctx, msg.ThreadID)
	}
	s.hub.Broadcast(thread.ParticipantIDs(), models.Event{
		Type: models.EventMessageRead,
		Payload: models.ReadPayload{
			ThreadID: thread.ID, MessageID: msg.ID, Seq: msg.Seq, ReaderID: readerID, ReadAt: now,
		},
	})
	return msg, nil
}

// MarkThreadRead marks every message up to uptoSeq read for readerID.
// uptoSeq 0 means the newest message. It returns how many messages changed.
func (s *DeliveryService) MarkThreadRead(ctx context.Context, threadID, readerID uint, uptoSeq uint64) (int, error) {
	defer s.locks.lock(threadID)()

	thread, err := s.threads.FindByID(ctx, threadID)
	if err != nil {
		return 0, notFoundOr(err, "thread_not_found", "thread %d not found", threadID)
	}
	p := thread.Participant(readerID)
	if p == nil {
		return 0, apperr.Permission("not_participant", "user %d is not a participant of thread %d", readerID, threadID)
	}
	if uptoSeq == 0 || uptoSeq > thread.LastSeq {
		uptoSeq = thread.LastSeq
	}
	if uptoSeq <= p.LastReadSeq {
		return 0, nil
	}

	unread, err := s.messages.ListUnreadUpTo(ctx, threadID, readerID, p.LastReadSeq, uptoSeq)
	if err != nil {
		return 0, apperr.Internal("list_unread", err)
	}
	now := s.clock.Now()
	for i := range unread {
		m := &unread[i]
		m.State = models.StateRead
		m.ReadAt = &now
		m.UpdatedAt = now
		if err := s.messages.Update(ctx, m); err != nil {
			return 0, apperr.Internal("mark_read", err)
		}
	}
	if _, err := s.threads.AdvanceRead(ctx, threadID, readerID, uptoSeq); err != nil {
		return 0, apperr.Internal("advance_read", err)
	}
	if s.history != nil && len(unread) > 0 {
		s.history.Invalidate(ctx, threadID)
	}
	s.hub.Broadcast(thread.ParticipantIDs(), models.Event{
		Type:    models.EventMessageRead,
		Payload: models.ReadPayload{ThreadID: threadID, Seq: uptoSeq, ReaderID: readerID, ReadAt: now},
	})
	return len(unread), nil
}

// History returns up to limit messages older than beforeSeq, newest first.
// beforeSeq 0 starts from the newest message.
func (s *DeliveryService) History(ctx context.Context, threadID, userID uint, beforeSeq uint64, limit int) ([]models.MessageResponse, error) {
	thread, err := s.threads.FindByID(ctx, threadID)
	if err != nil {
		return nil, notFoundOr(err, "thread_not_found", "thread %d not found", threadID)
	}
	if !thread.HasParticipant(userID) {
		return nil, apperr.Permission("not_participant", "user %d is not a participant of thread %d", userID, threadID)
	}
	if limit <= 0 {
		limit = s.cfg.HistoryLimit
	}
	if limit > MaxHistoryLimit {
		limit = MaxHistoryLimit
	}

	var msgs []models.Message
	cached := false
	if s.history != nil {
		msgs, cached = s.history.Get(ctx, threadID, beforeSeq, limit)
	}
	if !cached {
		msgs, err = s.messages.ListByThread(ctx, threadID, beforeSeq, limit)
		if err != nil {
			return nil, apperr.Internal("history", err)
		}
		if s.history != nil {
			s.history.Set(ctx, threadID, beforeSeq, limit, msgs)
		}
	}

	out := make([]models.MessageResponse, 0, len(msgs))
	for i := range msgs {
		out = append(out, msgs[i].ToResponse())
	}
	return out, nil
}

// lockMessage loads a message under its thread's lock. The caller must
// call unlock.
func (s *DeliveryService) lockMessage(ctx context.Context, messageID uint) (*models.Message, func(), error) {
	msg, err := s.messages.FindByID(ctx, messageID)
	if err != nil {
		return nil, nil, notFoundOr(err, "message_not_found", "message %d not found", messageID)
	}
	unlock := s.locks.lock(msg.ThreadID)
	msg, err = s.messages.FindByID(ctx, messageID)
	if err != nil {
		unlock()
		return nil, nil, notFoundOr(err, "message_not_found", "message %d not found", messageID)
	}
	return msg, unlock, nil
}

func (s *DeliveryService) reject(err error) error {
	metrics.SendRejections.WithLabelValues(string(apperr.KindOf(err))).Inc()
	return err
}

func notFoundOr(err error, code, format string, args ...any) error {
	if errors.Is(err, repository.ErrNotFound) {
		return apperr.NotFound(code, format, args...)
	}
	if _, ok := apperr.As(err); ok {
		return err
	}
	return apperr.Internal(code, err)
}
