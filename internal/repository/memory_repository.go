package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rhysllwydlewis/eventflow-messaging/internal/models"
)

// MemoryStore implements both repository interfaces in process memory. It is
// used by the "memory" storage driver and by tests.
type MemoryStore struct {
	mu            sync.RWMutex
	threads       map[uint]*models.Thread
	messages      map[uint]*models.Message
	byThread      map[uint][]uint // message ids in seq order
	idempotency   map[idemKey]*models.IdempotencyRecord
	nextThreadID  uint
	nextMessageID uint
	nextEditID    uint
}

type idemKey struct {
	senderID uint
	token    string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		threads:       make(map[uint]*models.Thread),
		messages:      make(map[uint]*models.Message),
		byThread:      make(map[uint][]uint),
		idempotency:   make(map[idemKey]*models.IdempotencyRecord),
		nextThreadID:  1,
		nextMessageID: 1,
		nextEditID:    1,
	}
}

// Threads returns the store as a ThreadRepositoryInterface.
func (s *MemoryStore) Threads() ThreadRepositoryInterface { return memoryThreads{s} }

// Messages returns the store as a MessageRepositoryInterface.
func (s *MemoryStore) Messages() MessageRepositoryInterface { return memoryMessages{s} }

type memoryThreads struct{ s *MemoryStore }

func (r memoryThreads) Create(_ context.Context, thread *models.Thread) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	thread.ID = s.nextThreadID
	s.nextThreadID++
	for i := range thread.Participants {
		thread.Participants[i].ThreadID = thread.ID
	}
	s.threads[thread.ID] = thread.Clone()
	return nil
}

func (r memoryThreads) FindByID(_ context.Context, id uint) (*models.Thread, error) {
	s := r.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.threads[id]
	if !ok {
		return nil, ErrNotFound
	}
	return t.Clone(), nil
}

func (r memoryThreads) ListForUser(_ context.Context, userID uint) ([]models.Thread, error) {
	s := r.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Thread
	for _, t := range s.threads {
		if t.HasParticipant(userID) {
			out = append(out, *t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r memoryThreads) ContactsOf(_ context.Context, userID uint) ([]uint, error) {
	s := r.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[uint]struct{})
	var out []uint
	for _, t := range s.threads {
		if !t.HasParticipant(userID) {
			continue
		}
		for _, p := range t.Participants {
			if p.UserID == userID {
				continue
			}
			if _, dup := seen[p.UserID]; !dup {
				seen[p.UserID] = struct{}{}
				out = append(out, p.UserID)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (r memoryThreads) CountCreatedSince(_ context.Context, creatorID uint, since time.Time) (int, error) {
	s := r.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, t := range s.threads {
		if t.CreatedBy == creatorID && t.CreatedAt.After(since) {
			n++
		}
	}
	return n, nil
}

func (r memoryThreads) CountPinned(_ context.Context, userID uint) (int, error) {
	s := r.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, t := range s.threads {
		if p := t.Participant(userID); p != nil && p.Pinned {
			n++
		}
	}
	return n, nil
}

func (r memoryThreads) SetPinned(_ context.Context, threadID, userID uint, pinned bool, at *time.Time) error {
	return r.s.withParticipant(threadID, userID, func(p *models.Participant) {
		p.Pinned = pinned
		p.PinnedAt = at
	})
}

func (r memoryThreads) SetMute(_ context.Context, threadID, userID uint, muted bool, until *time.Time) error {
	return r.s.withParticipant(threadID, userID, func(p *models.Participant) {
		p.Muted = muted
		p.MutedUntil = until
	})
}

func (r memoryThreads) AdvanceRead(_ context.Context, threadID, userID uint, seq uint64) (bool, error) {
	advanced := false
	err := r.s.withParticipant(threadID, userID, func(p *models.Participant) {
		if seq > p.LastReadSeq {
			p.LastReadSeq = seq
			advanced = true
		}
	})
	return advanced, err
}

func (s *MemoryStore) withParticipant(threadID, userID uint, fn func(p *models.Participant)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[threadID]
	if !ok {
		return ErrNotFound
	}
	p := t.Participant(userID)
	if p == nil {
		return ErrNotFound
	}
	fn(p)
	return nil
}

type memoryMessages struct{ s *MemoryStore }

func (r memoryMessages) Append(_ context.Context, msg *models.Message, rec *models.IdempotencyRecord) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[msg.ThreadID]
	if !ok {
		return ErrNotFound
	}
	if rec != nil {
		if prev, ok := s.idempotency[idemKey{rec.SenderID, rec.Token}]; ok && rec.CreatedAt.Before(prev.ExpiresAt) {
			return ErrTokenInUse
		}
	}
	t.LastSeq++
	t.LastActivityAt = msg.CreatedAt
	t.UpdatedAt = msg.CreatedAt

	msg.ID = s.nextMessageID
	s.nextMessageID++
	msg.Seq = t.LastSeq
	s.messages[msg.ID] = msg.Clone()
	s.byThread[msg.ThreadID] = append(s.byThread[msg.ThreadID], msg.ID)

	if rec != nil {
		rec.MessageID = msg.ID
		rec.Seq = msg.Seq
		cp := *rec
		s.idempotency[idemKey{rec.SenderID, rec.Token}] = &cp
	}
	return nil
}

func (r memoryMessages) FindByID(_ context.Context, id uint) (*models.Message, error) {
	s := r.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.messages[id]
	if !ok {
		return nil, ErrNotFound
	}
	return m.Clone(), nil
}

func (r memoryMessages) FindIdempotency(_ context.Context, senderID uint, token string) (*models.IdempotencyRecord, error) {
	s := r.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.idempotency[idemKey{senderID, token}]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (r memoryMessages) Update(_ context.Context, msg *models.Message) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.messages[msg.ID]
	if !ok {
		return ErrNotFound
	}
	stored.Content = msg.Content
	stored.State = msg.State
	stored.EditedAt = msg.EditedAt
	stored.DeliveredAt = msg.DeliveredAt
	stored.ReadAt = msg.ReadAt
	stored.RetractedAt = msg.RetractedAt
	stored.UpdatedAt = msg.UpdatedAt
	return nil
}

func (r memoryMessages) ReplaceContent(_ context.Context, msg *models.Message, edit models.MessageEdit) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.messages[msg.ID]
	if !ok {
		return ErrNotFound
	}
	edit.ID = s.nextEditID
	s.nextEditID++
	edit.MessageID = msg.ID
	stored.Edits = append(stored.Edits, edit)
	stored.Content = msg.Content
	stored.EditedAt = msg.EditedAt
	stored.UpdatedAt = msg.UpdatedAt
	return nil
}

func (r memoryMessages) ListByThread(_ context.Context, threadID uint, beforeSeq uint64, limit int) ([]models.Message, error) {
	s := r.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.byThread[threadID]
	out := make([]models.Message, 0, limit)
	for i := len(ids) - 1; i >= 0 && len(out) < limit; i-- {
		m := s.messages[ids[i]]
		if beforeSeq > 0 && m.Seq >= beforeSeq {
			continue
		}
		out = append(out, *m.Clone())
	}
	return out, nil
}

func (r memoryMessages) ListUnreadUpTo(_ context.Context, threadID, readerID uint, afterSeq, uptoSeq uint64) ([]models.Message, error) {
	s := r.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Message
	for _, id := range s.byThread[threadID] {
		m := s.messages[id]
		if m.SenderID == readerID || m.Seq <= afterSeq || m.Seq > uptoSeq {
			continue
		}
		if m.State == models.StatePersisted || m.State == models.StateDelivered {
			out = append(out, *m.Clone())
		}
	}
	return out, nil
}

func (r memoryMessages) CountUnread(_ context.Context, threadID, userID uint, afterSeq uint64) (uint64, error) {
	s := r.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n uint64
	for _, id := range s.byThread[threadID] {
		m := s.messages[id]
		if m.SenderID != userID && m.Seq > afterSeq && m.State != models.StateRetracted {
			n++
		}
	}
	return n, nil
}

func (r memoryMessages) CountBySenderSince(_ context.Context, senderID uint, since time.Time) (int, error) {
	s := r.s
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, m := range s.messages {
		if m.SenderID == senderID && m.CreatedAt.After(since) {
			n++
		}
	}
	return n, nil
}

func (r memoryMessages) DeleteExpiredIdempotency(_ context.Context, now time.Time) (int64, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, rec := range s.idempotency {
		if rec.ExpiresAt.Before(now) {
			delete(s.idempotency, k)
			n++
		}
	}
	return n, nil
}

// MessageCount returns the number of stored messages.
func (s *MemoryStore) MessageCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}
