package collab

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/rhysllwydlewis/eventflow-messaging/internal/logger"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/models"
)

// StaticTiers serves tiers from an in-memory map.
type StaticTiers struct {
	mu       sync.RWMutex
	tiers    map[uint]models.Tier
	fallback models.Tier
}

func NewStaticTiers(fallback models.Tier) *StaticTiers {
	if fallback == "" {
		fallback = models.TierFree
	}
	return &StaticTiers{tiers: make(map[uint]models.Tier), fallback: fallback}
}

func (s *StaticTiers) Set(userID uint, tier models.Tier) {
	s.mu.Lock()
	s.tiers[userID] = tier
	s.mu.Unlock()
}

func (s *StaticTiers) TierOf(_ context.Context, userID uint) (models.Tier, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.tiers[userID]; ok {
		return t, nil
	}
	return s.fallback, nil
}

// AllowAll accepts every participant.
type AllowAll struct{}

func (AllowAll) CanParticipate(context.Context, uint, []uint) (bool, error) { return true, nil }

// MemoryBlockList keeps blocks in memory.
type MemoryBlockList struct {
	mu     sync.RWMutex
	blocks map[[2]uint]struct{}
}

func NewMemoryBlockList() *MemoryBlockList {
	return &MemoryBlockList{blocks: make(map[[2]uint]struct{})}
}

func (b *MemoryBlockList) Block(blockerID, blockedID uint) {
	b.mu.Lock()
	b.blocks[[2]uint{blockerID, blockedID}] = struct{}{}
	b.mu.Unlock()
}

func (b *MemoryBlockList) Unblock(blockerID, blockedID uint) {
	b.mu.Lock()
	delete(b.blocks, [2]uint{blockerID, blockedID})
	b.mu.Unlock()
}

func (b *MemoryBlockList) IsBlocked(_ context.Context, blockerID, blockedID uint) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.blocks[[2]uint{blockerID, blockedID}]
	return ok, nil
}

// LogSink writes every event as a structured log record.
type LogSink struct {
	log *logrus.Entry
}

func NewLogSink() *LogSink {
	return &LogSink{log: logger.Component("events")}
}

func (s *LogSink) NewMessage(_ context.Context, ev NewMessageEvent) {
	s.log.WithFields(logrus.Fields{
		"event":        "new_message",
		"message_id":   ev.MessageID,
		"thread_id":    ev.ThreadID,
		"sender_id":    ev.SenderID,
		"recipient_id": ev.RecipientID,
	}).Info("notification queued")
}

func (s *LogSink) Report(_ context.Context, ev ReportEvent) {
	s.log.WithFields(logrus.Fields{
		"event":      "report",
		"sender_id":  ev.SenderID,
		"thread_id":  ev.ThreadID,
		"message_id": ev.MessageID,
		"reason":     ev.Reason,
	}).Warn("message reported")
}

func (s *LogSink) Audit(_ context.Context, ev AuditEvent) {
	s.log.WithFields(logrus.Fields{
		"event":      "audit",
		"actor_id":   ev.ActorID,
		"action":     ev.Action,
		"thread_id":  ev.ThreadID,
		"message_id": ev.MessageID,
	}).Info("audit")
}

// Recorder keeps every event in memory. It is safe for concurrent use.
type Recorder struct {
	mu          sync.Mutex
	newMessages []NewMessageEvent
	reports     []ReportEvent
	audits      []AuditEvent
}

func (r *Recorder) NewMessage(_ context.Context, ev NewMessageEvent) {
	r.mu.Lock()
	r.newMessages = append(r.newMessages, ev)
	r.mu.Unlock()
}

func (r *Recorder) Report(_ context.Context, ev ReportEvent) {
	r.mu.Lock()
	r.reports = append(r.reports, ev)
	r.mu.Unlock()
}

func (r *Recorder) Audit(_ context.Context, ev AuditEvent) {
	r.mu.Lock()
	r.audits = append(r.audits, ev)
	r.mu.Unlock()
}

func (r *Recorder) NewMessages() []NewMessageEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]NewMessageEvent(nil), r.newMessages...)
}

func (r *Recorder) Reports() []ReportEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]ReportEvent(nil), r.reports...)
}

func (r *Recorder) Audits() []AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]AuditEvent(nil), r.audits...)
}

// Multi fans every event out to several sinks.
type Multi []EventSink

func (m Multi) NewMessage(ctx context.Context, ev NewMessageEvent) {
	for _, s := range m {
		s.NewMessage(ctx, ev)
	}
}

func (m Multi) Report(ctx context.Context, ev ReportEvent) {
	for _, s := range m {
		s.Report(ctx, ev)
	}
}

func (m Multi) Audit(ctx context.Context, ev AuditEvent) {
	for _, s := range m {
		s.Audit(ctx, ev)
	}
}
