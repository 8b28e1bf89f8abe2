package ws

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rhysllwydlewis/eventflow-messaging/internal/clock"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/models"
)

type fakeConn struct {
	mu        sync.Mutex
	frames    []frame
	gate      chan struct{}
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{closed: make(chan struct{})}
}

func (c *fakeConn) WriteMessage(kind int, data []byte) error {
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-c.closed:
			return errors.New("closed")
		}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, frame{kind: kind, data: data})
	return nil
}

func (c *fakeConn) WriteControl(int, []byte, time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

type wireEvent struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func (c *fakeConn) events(t *testing.T, typ string) []wireEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []wireEvent
	for _, f := range c.frames {
		data := f.data
		if f.kind == websocket.BinaryMessage {
			var err error
			data, err = DecompressMessage(data)
			require.NoError(t, err)
		}
		var ev wireEvent
		require.NoError(t, json.Unmarshal(data, &ev))
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// fakeDirectory treats every user in a thread as a contact of the others.
type fakeDirectory struct {
	threads map[uint][]uint
}

func (d *fakeDirectory) Contacts(_ context.Context, userID uint) ([]uint, error) {
	seen := map[uint]bool{}
	var out []uint
	for _, members := range d.threads {
		in := false
		for _, id := range members {
			in = in || id == userID
		}
		if !in {
			continue
		}
		for _, id := range members {
			if id != userID && !seen[id] {
				seen[id] = true
				out = append(out, id)
			}
		}
	}
	return out, nil
}

func (d *fakeDirectory) Participants(_ context.Context, _ uint, threadID uint) ([]uint, error) {
	return d.threads[threadID], nil
}

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

func newTestHub(t *testing.T, cfg Config) (*Hub, *clock.Mock) {
	t.Helper()
	clk := clock.NewMock(t0)
	dir := &fakeDirectory{threads: map[uint][]uint{7: {1, 2}}}
	h := NewHub(cfg, dir, nil, clk)
	t.Cleanup(func() { _ = h.Shutdown(context.Background()) })
	return h, clk
}

func presenceOf(t *testing.T, ev wireEvent) models.PresencePayload {
	var p models.PresencePayload
	require.NoError(t, json.Unmarshal(ev.Payload, &p))
	return p
}

func TestRegisterAnnouncesOnlineOnce(t *testing.T) {
	h, _ := newTestHub(t, Config{})
	alice := newFakeConn()
	h.Register(1, alice, false)

	h.Register(2, newFakeConn(), false)
	h.Register(2, newFakeConn(), false)

	assert.True(t, h.IsOnline(2))
	assert.Equal(t, 3, h.ConnectionCount())
	assert.ElementsMatch(t, []uint{1, 2}, h.OnlineUsers())

	require.Eventually(t, func() bool { return len(alice.events(t, models.EventPresenceChanged)) == 1 }, time.Second, 5*time.Millisecond)
	p := presenceOf(t, alice.events(t, models.EventPresenceChanged)[0])
	assert.Equal(t, uint(2), p.UserID)
	assert.True(t, p.Online)
}

func TestOfflineAfterGrace(t *testing.T) {
	h, clk := newTestHub(t, Config{PresenceGrace: 30 * time.Second})
	alice := newFakeConn()
	h.Register(1, alice, false)
	bob := h.Register(2, newFakeConn(), false)

	clk.Advance(time.Minute)
	h.Unregister(bob)
	h.Unregister(bob)

	assert.False(t, h.IsOnline(2))
	assert.True(t, h.Presence(2).Online, "still shown online during the grace window")
	clk.Advance(29 * time.Second)
	assert.True(t, h.Presence(2).Online)

	clk.Advance(time.Second)
	assert.False(t, h.Presence(2).Online)
	require.Eventually(t, func() bool { return len(alice.events(t, models.EventPresenceChanged)) == 2 }, time.Second, 5*time.Millisecond)
	p := presenceOf(t, alice.events(t, models.EventPresenceChanged)[1])
	assert.False(t, p.Online)
	assert.True(t, p.LastSeen.Equal(t0.Add(time.Minute)))
	select {
	case <-bob.Done():
	default:
		t.Fatal("client not closed")
	}
}

// flush waits until everything broadcast to userID so far has reached c.
func flush(t *testing.T, h *Hub, userID uint, c *fakeConn) {
	t.Helper()
	n := len(c.events(t, models.EventPong))
	h.Broadcast([]uint{userID}, models.Event{Type: models.EventPong})
	require.Eventually(t, func() bool { return len(c.events(t, models.EventPong)) == n+1 }, time.Second, 5*time.Millisecond)
}

func TestReconnectInsideGraceCancelsOffline(t *testing.T) {
	h, clk := newTestHub(t, Config{PresenceGrace: 40 * time.Second})
	alice := newFakeConn()
	h.Register(1, alice, false)
	bob := h.Register(2, newFakeConn(), false)

	h.Unregister(bob)
	clk.Advance(10 * time.Second)
	h.Register(2, newFakeConn(), false)
	clk.Advance(time.Minute)

	flush(t, h, 1, alice)
	events := alice.events(t, models.EventPresenceChanged)
	require.Len(t, events, 1)
	assert.True(t, presenceOf(t, events[0]).Online)
	assert.True(t, h.Presence(2).Online)
}

func TestBroadcastReachesEverySession(t *testing.T) {
	h, _ := newTestHub(t, Config{})
	a, b, other := newFakeConn(), newFakeConn(), newFakeConn()
	h.Register(2, a, false)
	h.Register(2, b, false)
	h.Register(3, other, false)

	h.Broadcast([]uint{2, 99}, models.Event{Type: models.EventMessageCreated, Payload: map[string]int{"seq": 1}})

	for _, c := range []*fakeConn{a, b} {
		c := c
		require.Eventually(t, func() bool { return len(c.events(t, models.EventMessageCreated)) == 1 }, time.Second, 5*time.Millisecond)
	}
	assert.Empty(t, other.events(t, models.EventMessageCreated))
}

func TestSlowConsumerIsDropped(t *testing.T) {
	h, _ := newTestHub(t, Config{SendQueueSize: 1})
	slow := newFakeConn()
	slow.gate = make(chan struct{})
	c := h.Register(5, slow, false)

	ev := models.Event{Type: models.EventMessageCreated}
	for i := 0; i < 3; i++ {
		h.Broadcast([]uint{5}, ev)
	}

	require.Eventually(t, func() bool { return h.ConnectionCount() == 0 }, time.Second, 5*time.Millisecond)
	select {
	case <-c.Done():
	case <-time.After(time.Second):
		t.Fatal("slow client still open")
	}
}

func TestTypingExpires(t *testing.T) {
	h, clk := newTestHub(t, Config{TypingTTL: 5 * time.Second})
	bob := newFakeConn()
	h.Register(2, bob, false)
	h.Register(1, newFakeConn(), false)
	ctx := context.Background()

	require.NoError(t, h.SetTyping(ctx, 7, 1, true))
	clk.Advance(3 * time.Second)
	require.NoError(t, h.SetTyping(ctx, 7, 1, true))
	assert.Equal(t, 1, clk.Pending(), "refreshing replaces the expiry timer")

	clk.Advance(3 * time.Second)
	flush(t, h, 2, bob)
	require.Len(t, bob.events(t, models.EventTypingChanged), 1, "the refresh pushed expiry out")

	clk.Advance(2 * time.Second)
	require.Eventually(t, func() bool { return len(bob.events(t, models.EventTypingChanged)) == 2 }, time.Second, 5*time.Millisecond)
	events := bob.events(t, models.EventTypingChanged)
	var first, second models.TypingPayload
	require.NoError(t, json.Unmarshal(events[0].Payload, &first))
	require.NoError(t, json.Unmarshal(events[1].Payload, &second))
	assert.True(t, first.IsTyping)
	assert.Equal(t, uint(1), first.UserID)
	assert.False(t, second.IsTyping)
	assert.Zero(t, clk.Pending())
}

func TestTypingStopIsBroadcastOnce(t *testing.T) {
	h, clk := newTestHub(t, Config{TypingTTL: time.Minute})
	bob := newFakeConn()
	h.Register(2, bob, false)
	ctx := context.Background()

	require.NoError(t, h.SetTyping(ctx, 7, 1, true))
	require.NoError(t, h.SetTyping(ctx, 7, 1, false))
	require.NoError(t, h.SetTyping(ctx, 7, 1, false))
	clk.Advance(2 * time.Minute)

	flush(t, h, 2, bob)
	assert.Len(t, bob.events(t, models.EventTypingChanged), 2)
}

func TestLargeFramesAreCompressedForGzipClients(t *testing.T) {
	h, _ := newTestHub(t, Config{GzipThreshold: 64})
	gz, plain := newFakeConn(), newFakeConn()
	h.Register(2, gz, true)
	h.Register(2, plain, false)

	body := make([]string, 50)
	for i := range body {
		body[i] = "the same words again and again"
	}
	h.Broadcast([]uint{2}, models.Event{Type: models.EventMessageCreated, Payload: body})

	require.Eventually(t, func() bool {
		return len(gz.events(t, models.EventMessageCreated)) == 1 && len(plain.events(t, models.EventMessageCreated)) == 1
	}, time.Second, 5*time.Millisecond)
	gz.mu.Lock()
	assert.Equal(t, websocket.BinaryMessage, gz.frames[0].kind)
	gz.mu.Unlock()
	plain.mu.Lock()
	assert.Equal(t, websocket.TextMessage, plain.frames[0].kind)
	plain.mu.Unlock()
}

func TestSweepDropsSilentConnections(t *testing.T) {
	h, clk := newTestHub(t, Config{PongTimeout: time.Minute})
	stale := h.Register(1, newFakeConn(), false)
	fresh := h.Register(2, newFakeConn(), false)

	clk.Advance(2 * time.Minute)
	fresh.Touch(clk.Now())
	h.sweep()

	assert.False(t, h.IsOnline(1))
	assert.True(t, h.IsOnline(2))
	select {
	case <-stale.Done():
	default:
		t.Fatal("stale client still open")
	}
}

func TestShutdownClosesClients(t *testing.T) {
	h, _ := newTestHub(t, Config{})
	h.Start()
	c := h.Register(1, newFakeConn(), false)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, h.Shutdown(ctx))
	assert.Equal(t, 0, h.ConnectionCount())
	<-c.Done()
}
