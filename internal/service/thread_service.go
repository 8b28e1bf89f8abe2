package service

import (
	"context"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/rhysllwydlewis/eventflow-messaging/internal/apperr"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/clock"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/collab"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/logger"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/models"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/repository"
)

// DefaultPinCap is the most threads one user may pin.
const DefaultPinCap = 10

type SortOrder string

const (
	SortRecent SortOrder = "recent"
	SortOldest SortOrder = "oldest"
)

// ParseSortOrder maps a query value to a SortOrder, defaulting to recent.
func ParseSortOrder(s string) (SortOrder, error) {
	switch SortOrder(s) {
	case "", SortRecent:
		return SortRecent, nil
	case SortOldest:
		return SortOldest, nil
	}
	return "", apperr.Validation("invalid_sort", "sort must be recent or oldest")
}

// ThreadService owns thread membership and each participant's pin and mute state.
type ThreadService struct {
	threads   repository.ThreadRepositoryInterface
	messages  repository.MessageRepositoryInterface
	quotas    *QuotaTracker
	validator collab.ParticipantValidator
	events    collab.EventSink
	pinCap    int
	userLocks *keyedLocks
	clock     clock.Clock
	log       *logrus.Entry
}

func NewThreadService(
	threads repository.ThreadRepositoryInterface,
	messages repository.MessageRepositoryInterface,
	quotas *QuotaTracker,
	validator collab.ParticipantValidator,
	events collab.EventSink,
	pinCap int,
	clk clock.Clock,
) *ThreadService {
	if pinCap <= 0 {
		pinCap = DefaultPinCap
	}
	return &ThreadService{
		threads:   threads,
		messages:  messages,
		quotas:    quotas,
		validator: validator,
		events:    events,
		pinCap:    pinCap,
		userLocks: newKeyedLocks(),
		clock:     clock.Or(clk),
		log:       logger.Component("threads"),
	}
}

// CreateThread opens a thread between creatorID and participantIDs. The
// creator always comes first; repeated ids are dropped.
func (s *ThreadService) CreateThread(ctx context.Context, creatorID uint, participantIDs []uint) (*models.Thread, error) {
	if creatorID == 0 {
		return nil, apperr.Validation("invalid_creator", "creator is required")
	}
	ids := []uint{creatorID}
	seen := map[uint]bool{creatorID: true}
	for _, id := range participantIDs {
		if id == 0 {
			return nil, apperr.Validation("invalid_participant", "participant ids must be positive")
		}
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	if len(ids) < models.MinParticipants {
		return nil, apperr.Validation("too_few_participants", "a thread needs at least %d participants", models.MinParticipants)
	}

	ok, err := s.validator.CanParticipate(ctx, creatorID, ids)
	if err != nil {
		return nil, apperr.Internal("participant_check", err)
	}
	if !ok {
		return nil, apperr.Permission("participation_denied", "these users cannot share a thread")
	}
	// The quota count and the insert must not interleave with another
	// create by the same user.
	defer s.userLocks.lock(creatorID)()
	if err := s.quotas.CheckThread(ctx, creatorID); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	thread := &models.Thread{
		CreatedAt:      now,
		UpdatedAt:      now,
		LastActivityAt: now,
		CreatedBy:      creatorID,
	}
	for i, id := range ids {
		thread.Participants = append(thread.Participants, models.Participant{UserID: id, Position: i})
	}
	if err := s.threads.Create(ctx, thread); err != nil {
		return nil, apperr.Internal("create_thread", err)
	}

	s.events.Audit(ctx, collab.AuditEvent{ActorID: creatorID, Action: collab.ActionThreadCreated, ThreadID: thread.ID, At: now})
	s.log.WithFields(logrus.Fields{"thread_id": thread.ID, "participants": len(ids)}).Info("thread created")
	return thread, nil
}

func (s *ThreadService) participant(ctx context.Context, userID, threadID uint) (*models.Thread, *models.Participant, error) {
	thread, err := s.threads.FindByID(ctx, threadID)
	if err != nil {
		return nil, nil, notFoundOr(err, "thread_not_found", "thread %d not found", threadID)
	}
	p := thread.Participant(userID)
	if p == nil {
		return nil, nil, apperr.Permission("not_participant", "user %d is not a participant of thread %d", userID, threadID)
	}
	return thread, p, nil
}

// Pin pins a thread for userID. Pinning an already pinned thread is a no-op;
// a user at the cap gets LimitExceeded and nothing changes.
func (s *ThreadService) Pin(ctx context.Context, userID, threadID uint) error {
	defer s.userLocks.lock(userID)()

	_, p, err := s.participant(ctx, userID, threadID)
	if err != nil {
		return err
	}
	if p.Pinned {
		return nil
	}
	count, err := s.threads.CountPinned(ctx, userID)
	if err != nil {
		return apperr.Internal("count_pinned", err)
	}
	if count >= s.pinCap {
		return apperr.LimitExceeded("pin_limit", "at most %d threads can be pinned", s.pinCap)
	}
	now := s.clock.Now()
	if err := s.threads.SetPinned(ctx, threadID, userID, true, &now); err != nil {
		return notFoundOr(err, "thread_not_found", "thread %d not found", threadID)
	}
	return nil
}

func (s *ThreadService) Unpin(ctx context.Context, userID, threadID uint) error {
	defer s.userLocks.lock(userID)()

	_, p, err := s.participant(ctx, userID, threadID)
	if err != nil {
		return err
	}
	if !p.Pinned {
		return nil
	}
	if err := s.threads.SetPinned(ctx, threadID, userID, false, nil); err != nil {
		return notFoundOr(err, "thread_not_found", "thread %d not found", threadID)
	}
	return nil
}

// Mute silences notifications for userID on threadID. A duration <= 0 mutes
// until Unmute is called.
func (s *ThreadService) Mute(ctx context.Context, userID, threadID uint, d time.Duration) (models.MuteState, error) {
	if _, _, err := s.participant(ctx, userID, threadID); err != nil {
		return models.MuteState{}, err
	}
	var until *time.Time
	if d > 0 {
		u := s.clock.Now().Add(d)
		until = &u
	}
	if err := s.threads.SetMute(ctx, threadID, userID, true, until); err != nil {
		return models.MuteState{}, notFoundOr(err, "thread_not_found", "thread %d not found", threadID)
	}
	return models.MuteState{Muted: true, Until: until}, nil
}

func (s *ThreadService) Unmute(ctx context.Context, userID, threadID uint) error {
	if _, _, err := s.participant(ctx, userID, threadID); err != nil {
		return err
	}
	if err := s.threads.SetMute(ctx, threadID, userID, false, nil); err != nil {
		return notFoundOr(err, "thread_not_found", "thread %d not found", threadID)
	}
	return nil
}

// MuteState reads userID's mute on threadID, clearing it if it has expired.
func (s *ThreadService) MuteState(ctx context.Context, userID, threadID uint) (models.MuteState, error) {
	_, p, err := s.participant(ctx, userID, threadID)
	if err != nil {
		return models.MuteState{}, err
	}
	return s.muteState(ctx, threadID, p), nil
}

func (s *ThreadService) muteState(ctx context.Context, threadID uint, p *models.Participant) models.MuteState {
	if !p.Muted {
		return models.MuteState{}
	}
	if p.MuteActive(s.clock.Now()) {
		return models.MuteState{Muted: true, Until: p.MutedUntil}
	}
	if err := s.threads.SetMute(ctx, threadID, p.UserID, false, nil); err != nil {
		s.log.WithError(err).WithField("thread_id", threadID).Warn("failed to clear expired mute")
	}
	return models.MuteState{}
}

// IsMuted reports whether notifications for userID on threadID are suppressed now.
func (s *ThreadService) IsMuted(ctx context.Context, userID, threadID uint) (bool, error) {
	_, p, err := s.participant(ctx, userID, threadID)
	if err != nil {
		return false, err
	}
	return p.MuteActive(s.clock.Now()), nil
}

// ListThreads returns userID's threads, pinned first, then by last activity
// in the requested order.
func (s *ThreadService) ListThreads(ctx context.Context, userID uint, order SortOrder) ([]models.ThreadSummary, error) {
	threads, err := s.threads.ListForUser(ctx, userID)
	if err != nil {
		return nil, apperr.Internal("list_threads", err)
	}

	out := make([]models.ThreadSummary, 0, len(threads))
	for i := range threads {
		t := &threads[i]
		p := t.Participant(userID)
		if p == nil {
			continue
		}
		unread, err := s.messages.CountUnread(ctx, t.ID, userID, p.LastReadSeq)
		if err != nil {
			return nil, apperr.Internal("count_unread", err)
		}
		out = append(out, models.ThreadSummary{
			ThreadID:       t.ID,
			Participants:   t.ParticipantIDs(),
			LastActivityAt: t.LastActivityAt,
			LastSeq:        t.LastSeq,
			Pinned:         p.Pinned,
			Mute:           s.muteState(ctx, t.ID, p),
			Unread:         unread,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Pinned != b.Pinned {
			return a.Pinned
		}
		if !a.LastActivityAt.Equal(b.LastActivityAt) {
			if order == SortOldest {
				return a.LastActivityAt.Before(b.LastActivityAt)
			}
			return a.LastActivityAt.After(b.LastActivityAt)
		}
		if order == SortOldest {
			return a.ThreadID < b.ThreadID
		}
		return a.ThreadID > b.ThreadID
	})
	return out, nil
}

// Contacts returns every user sharing a thread with userID.
func (s *ThreadService) Contacts(ctx context.Context, userID uint) ([]uint, error) {
	return s.threads.ContactsOf(ctx, userID)
}

// Participants returns the user ids of threadID when userID belongs to it.
func (s *ThreadService) Participants(ctx context.Context, userID, threadID uint) ([]uint, error) {
	thread, _, err := s.participant(ctx, userID, threadID)
	if err != nil {
		return nil, err
	}
	return thread.ParticipantIDs(), nil
}
