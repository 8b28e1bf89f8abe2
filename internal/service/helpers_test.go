package service

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rhysllwydlewis/eventflow-messaging/internal/clock"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/collab"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/models"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/ratelimit"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/repository"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/search"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

type sentEvent struct {
	users []uint
	ev    models.Event
}

// fakeHub records broadcasts instead of writing to sockets.
type fakeHub struct {
	mu     sync.Mutex
	online map[uint]bool
	sent   []sentEvent
}

func newFakeHub() *fakeHub {
	return &fakeHub{online: make(map[uint]bool)}
}

func (h *fakeHub) Broadcast(userIDs []uint, ev models.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sent = append(h.sent, sentEvent{users: append([]uint(nil), userIDs...), ev: ev})
}

func (h *fakeHub) IsOnline(userID uint) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.online[userID]
}

func (h *fakeHub) setOnline(userID uint, online bool) {
	h.mu.Lock()
	h.online[userID] = online
	h.mu.Unlock()
}

func (h *fakeHub) ofType(typ string) []sentEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []sentEvent
	for _, s := range h.sent {
		if s.ev.Type == typ {
			out = append(out, s)
		}
	}
	return out
}

type fixture struct {
	store    *repository.MemoryStore
	clk      *clock.Mock
	tiers    *collab.StaticTiers
	blocks   *collab.MemoryBlockList
	events   *collab.Recorder
	hub      *fakeHub
	index    *search.Index
	rates    *ratelimit.MemoryStore
	delivery *DeliveryService
	threads  *ThreadService
}

// newFixture wires the services over the memory store. Users default to the
// enterprise tier so daily quotas stay out of the way unless a test sets one.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  repository.NewMemoryStore(),
		clk:    clock.NewMock(t0),
		tiers:  collab.NewStaticTiers(models.TierEnterprise),
		blocks: collab.NewMemoryBlockList(),
		events: &collab.Recorder{},
		hub:    newFakeHub(),
		index:  search.NewIndex(),
		rates:  ratelimit.NewMemoryStore(),
	}
	threads, messages := f.store.Threads(), f.store.Messages()
	quotas := NewQuotaTracker(f.tiers, threads, messages, f.clk)

	f.delivery = NewDeliveryService(DeliveryConfig{}, DeliveryDeps{
		Threads:   threads,
		Messages:  messages,
		Quotas:    quotas,
		Guard:     ratelimit.NewGuard(ratelimit.Config{}, f.rates, f.clk),
		Validator: collab.AllowAll{},
		Blocks:    f.blocks,
		Events:    f.events,
		Notifier:  NewNotifier(f.events, f.clk),
		Hub:       f.hub,
		Index:     f.index,
		Clock:     f.clk,
	})
	f.threads = NewThreadService(threads, messages, quotas, collab.AllowAll{}, f.events, DefaultPinCap, f.clk)
	return f
}

// newThread stores a thread directly, bypassing creation quotas.
func (f *fixture) newThread(t *testing.T, users ...uint) *models.Thread {
	t.Helper()
	th := &models.Thread{CreatedAt: f.clk.Now(), LastActivityAt: f.clk.Now(), CreatedBy: users[0]}
	for i, u := range users {
		th.Participants = append(th.Participants, models.Participant{UserID: u, Position: i})
	}
	require.NoError(t, f.store.Threads().Create(context.Background(), th))
	return th
}

var tokenSeq struct {
	sync.Mutex
	n int
}

func nextToken() string {
	tokenSeq.Lock()
	defer tokenSeq.Unlock()
	tokenSeq.n++
	return fmt.Sprintf("tok-%d", tokenSeq.n)
}

func (f *fixture) send(t *testing.T, threadID, senderID uint, content string) *SendResult {
	t.Helper()
	res, err := f.delivery.Send(context.Background(), SendInput{
		ThreadID: threadID, SenderID: senderID, Content: content, Token: nextToken(),
	})
	require.NoError(t, err)
	return res
}
