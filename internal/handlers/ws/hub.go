package ws

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/rhysllwydlewis/eventflow-messaging/internal/clock"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/logger"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/metrics"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/models"
)

const writeWait = 10 * time.Second

// Conn is the part of a WebSocket connection the hub writes through.
// *websocket.Conn satisfies it.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// Directory answers who should see a user's presence and typing state.
type Directory interface {
	Contacts(ctx context.Context, userID uint) ([]uint, error)
	Participants(ctx context.Context, userID, threadID uint) ([]uint, error)
}

// PresenceMirror publishes presence outside this process. Optional.
type PresenceMirror interface {
	SetOnline(ctx context.Context, userID uint) error
	SetOffline(ctx context.Context, userID uint) error
	Refresh(ctx context.Context, userID uint) error
}

type Config struct {
	PresenceGrace time.Duration
	TypingTTL     time.Duration
	SendQueueSize int
	PingInterval  time.Duration
	PongTimeout   time.Duration
	InboundRate   float64
	InboundBurst  int
	GzipThreshold int
}

func (c Config) withDefaults() Config {
	if c.PresenceGrace < 0 {
		c.PresenceGrace = 0
	}
	if c.TypingTTL <= 0 {
		c.TypingTTL = 6 * time.Second
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = 256
	}
	if c.PingInterval <= 0 {
		c.PingInterval = 30 * time.Second
	}
	if c.PongTimeout <= 0 {
		c.PongTimeout = 90 * time.Second
	}
	if c.InboundRate <= 0 {
		c.InboundRate = 20
	}
	if c.InboundBurst <= 0 {
		c.InboundBurst = 40
	}
	if c.GzipThreshold <= 0 {
		c.GzipThreshold = 512
	}
	return c
}

type frame struct {
	kind int
	data []byte
}

// Client is one live connection, the session handle returned by Register.
type Client struct {
	ID           string
	UserID       uint
	SupportsGzip bool

	conn      Conn
	send      chan frame
	done      chan struct{}
	closeOnce sync.Once
	lastPong  atomic.Int64
	limiter   *rate.Limiter
}

// Touch records liveness, called on every pong.
func (c *Client) Touch(now time.Time) {
	c.lastPong.Store(now.UnixNano())
}

// AllowInbound reports whether another client frame fits the connection's rate.
func (c *Client) AllowInbound() bool {
	return c.limiter.Allow()
}

// Done is closed once the hub has dropped the connection.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

type presence struct {
	clients map[string]*Client
	// offlinePending is set between the last disconnect and the offline flip.
	offlinePending bool
	gen            uint64
}

type typingKey struct {
	threadID uint
	userID   uint
}

type typingEntry struct {
	gen    uint64
	timer  clock.Timer
	others []uint
}

// Hub owns every live connection and the presence and typing state derived
// from them. Only the hub writes to clients.
type Hub struct {
	cfg    Config
	dir    Directory
	mirror PresenceMirror
	clock  clock.Clock
	log    *logrus.Entry

	mu       sync.RWMutex
	users    map[uint]*presence
	lastSeen map[uint]time.Time
	typing   map[typingKey]*typingEntry
	typingN  uint64
	conns    int

	stop    chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewHub creates a hub. mirror may be nil.
func NewHub(cfg Config, dir Directory, mirror PresenceMirror, clk clock.Clock) *Hub {
	return &Hub{
		cfg:      cfg.withDefaults(),
		dir:      dir,
		mirror:   mirror,
		clock:    clock.Or(clk),
		log:      logger.Component("hub"),
		users:    make(map[uint]*presence),
		lastSeen: make(map[uint]time.Time),
		typing:   make(map[typingKey]*typingEntry),
		stop:     make(chan struct{}),
	}
}

// Start launches the dead-connection sweeper.
func (h *Hub) Start() {
	h.wg.Add(1)
	go h.connectionHealthChecker()
}

// Shutdown closes every connection and stops background work.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.stopped.Do(func() { close(h.stop) })

	h.mu.Lock()
	var clients []*Client
	for _, p := range h.users {
		for _, c := range p.clients {
			clients = append(clients, c)
		}
		p.gen++
	}
	for k, e := range h.typing {
		e.timer.Stop()
		delete(h.typing, k)
	}
	h.users = make(map[uint]*presence)
	h.conns = 0
	h.mu.Unlock()

	for _, c := range clients {
		c.close()
	}
	metrics.ActiveConnections.Set(0)
	metrics.OnlineUsers.Set(0)

	done := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		h.log.WithField("closed", len(clients)).Info("hub stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Register adds a connection for userID and returns its session handle. The
// first connection of a user flips them online unless an offline flip is
// still pending, in which case the flip is cancelled.
func (h *Hub) Register(userID uint, conn Conn, supportsGzip bool) *Client {
	c := &Client{
		ID:           uuid.NewString(),
		UserID:       userID,
		SupportsGzip: supportsGzip,
		conn:         conn,
		send:         make(chan frame, h.cfg.SendQueueSize),
		done:         make(chan struct{}),
		limiter:      rate.NewLimiter(rate.Limit(h.cfg.InboundRate), h.cfg.InboundBurst),
	}
	c.Touch(h.clock.Now())

	h.mu.Lock()
	p := h.users[userID]
	if p == nil {
		p = &presence{clients: make(map[string]*Client)}
		h.users[userID] = p
	}
	cameOnline := len(p.clients) == 0 && !p.offlinePending
	if p.offlinePending {
		p.offlinePending = false
		p.gen++
	}
	p.clients[c.ID] = c
	h.conns++
	conns, online := h.conns, len(h.users)
	h.mu.Unlock()

	metrics.ActiveConnections.Set(float64(conns))
	metrics.OnlineUsers.Set(float64(online))

	h.wg.Add(1)
	go h.writePump(c)

	if cameOnline {
		h.announce(userID, true, time.Time{})
		if h.mirror != nil {
			if err := h.mirror.SetOnline(context.Background(), userID); err != nil {
				h.log.WithError(err).WithField("user_id", userID).Warn("failed to mirror presence")
			}
		}
	}

	h.log.WithFields(logrus.Fields{
		"user_id": userID,
		"client":  c.ID,
		"gzip":    supportsGzip,
		"total":   conns,
	}).Info("client connected")
	return c
}

// Unregister drops a connection. When it was the user's last one, the user
// goes offline after the presence grace unless they reconnect first.
// Unregistering twice is harmless.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	p := h.users[c.UserID]
	if p == nil || p.clients[c.ID] == nil {
		h.mu.Unlock()
		c.close()
		return
	}
	delete(p.clients, c.ID)
	h.conns--
	conns := h.conns
	if len(p.clients) == 0 {
		now := h.clock.Now()
		h.lastSeen[c.UserID] = now
		p.offlinePending = true
		p.gen++
		gen := p.gen
		userID := c.UserID
		h.clock.AfterFunc(h.cfg.PresenceGrace, func() { h.flipOffline(userID, gen) })
	}
	h.mu.Unlock()

	c.close()
	metrics.ActiveConnections.Set(float64(conns))
	h.log.WithFields(logrus.Fields{"user_id": c.UserID, "client": c.ID, "total": conns}).Info("client disconnected")
}

func (h *Hub) flipOffline(userID uint, gen uint64) {
	h.mu.Lock()
	p := h.users[userID]
	if p == nil || !p.offlinePending || p.gen != gen || len(p.clients) > 0 {
		h.mu.Unlock()
		return
	}
	delete(h.users, userID)
	lastSeen := h.lastSeen[userID]
	online := len(h.users)
	h.mu.Unlock()

	metrics.OnlineUsers.Set(float64(online))
	h.announce(userID, false, lastSeen)
	if h.mirror != nil {
		if err := h.mirror.SetOffline(context.Background(), userID); err != nil {
			h.log.WithError(err).WithField("user_id", userID).Warn("failed to mirror presence")
		}
	}
}

func (h *Hub) announce(userID uint, online bool, lastSeen time.Time) {
	contacts, err := h.dir.Contacts(context.Background(), userID)
	if err != nil {
		h.log.WithError(err).WithField("user_id", userID).Warn("presence contacts lookup failed")
		return
	}
	if len(contacts) == 0 {
		return
	}
	h.Broadcast(contacts, models.Event{
		Type:    models.EventPresenceChanged,
		Payload: models.PresencePayload{UserID: userID, Online: online, LastSeen: lastSeen},
	})
}

// IsOnline reports whether userID has at least one live connection.
func (h *Hub) IsOnline(userID uint) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	p := h.users[userID]
	return p != nil && len(p.clients) > 0
}

// Presence reports userID as clients see it: online through the grace window.
func (h *Hub) Presence(userID uint) models.PresencePayload {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, online := h.users[userID]
	return models.PresencePayload{UserID: userID, Online: online, LastSeen: h.lastSeen[userID]}
}

// Snapshot returns the presence of each user in userIDs.
func (h *Hub) Snapshot(userIDs []uint) []models.PresencePayload {
	out := make([]models.PresencePayload, 0, len(userIDs))
	for _, id := range userIDs {
		out = append(out, h.Presence(id))
	}
	return out
}

// OnlineUsers returns users with at least one live connection.
func (h *Hub) OnlineUsers() []uint {
	h.mu.RLock()
	defer h.mu.RUnlock()
	users := make([]uint, 0, len(h.users))
	for id, p := range h.users {
		if len(p.clients) > 0 {
			users = append(users, id)
		}
	}
	return users
}

// ConnectionCount returns the number of live connections.
func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.conns
}

// Broadcast queues ev on every live connection of every user in userIDs.
// It never blocks: a connection whose queue is full is dropped.
func (h *Hub) Broadcast(userIDs []uint, ev models.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.WithError(err).WithField("type", ev.Type).Error("failed to encode event")
		return
	}

	h.mu.RLock()
	var targets []*Client
	for _, id := range userIDs {
		if p := h.users[id]; p != nil {
			for _, c := range p.clients {
				targets = append(targets, c)
			}
		}
	}
	h.mu.RUnlock()

	var compressed []byte
	for _, c := range targets {
		f := frame{kind: websocket.TextMessage, data: data}
		if c.SupportsGzip && len(data) > h.cfg.GzipThreshold {
			if compressed == nil {
				if compressed, err = compressData(data); err != nil || len(compressed) >= len(data) {
					compressed = []byte{}
				}
			}
			if len(compressed) > 0 {
				f = frame{kind: websocket.BinaryMessage, data: compressed}
			}
		}
		h.enqueue(c, f)
	}
}

// Reply queues ev on one connection.
func (h *Hub) Reply(c *Client, ev models.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.log.WithError(err).WithField("type", ev.Type).Error("failed to encode reply")
		return
	}
	h.enqueue(c, frame{kind: websocket.TextMessage, data: data})
}

func (h *Hub) enqueue(c *Client, f frame) {
	select {
	case <-c.done:
		return
	default:
	}
	select {
	case c.send <- f:
	default:
		metrics.FanoutDrops.Inc()
		h.log.WithFields(logrus.Fields{"user_id": c.UserID, "client": c.ID}).Warn("send queue full, dropping connection")
		h.Unregister(c)
	}
}

// SetTyping records that userID started or stopped typing in threadID and
// tells the thread's other participants. A start that is not refreshed
// within the typing TTL is reported as a stop.
func (h *Hub) SetTyping(ctx context.Context, threadID, userID uint, isTyping bool) error {
	participants, err := h.dir.Participants(ctx, userID, threadID)
	if err != nil {
		return err
	}
	others := make([]uint, 0, len(participants))
	for _, id := range participants {
		if id != userID {
			others = append(others, id)
		}
	}
	key := typingKey{threadID: threadID, userID: userID}

	h.mu.Lock()
	entry, existed := h.typing[key]
	if existed {
		entry.timer.Stop()
		delete(h.typing, key)
	}
	if isTyping {
		h.typingN++
		gen := h.typingN
		h.typing[key] = &typingEntry{
			gen:    gen,
			others: others,
			timer:  h.clock.AfterFunc(h.cfg.TypingTTL, func() { h.expireTyping(key, gen) }),
		}
	}
	h.mu.Unlock()

	if isTyping != existed {
		h.Broadcast(others, typingEvent(threadID, userID, isTyping))
	}
	return nil
}

func (h *Hub) expireTyping(key typingKey, gen uint64) {
	h.mu.Lock()
	entry, ok := h.typing[key]
	if !ok || entry.gen != gen {
		h.mu.Unlock()
		return
	}
	delete(h.typing, key)
	h.mu.Unlock()

	h.Broadcast(entry.others, typingEvent(key.threadID, key.userID, false))
}

func typingEvent(threadID, userID uint, isTyping bool) models.Event {
	return models.Event{
		Type:    models.EventTypingChanged,
		Payload: models.TypingPayload{ThreadID: threadID, UserID: userID, IsTyping: isTyping},
	}
}

// writePump is the only goroutine writing data frames to c.
func (h *Hub) writePump(c *Client) {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case f := <-c.send:
			if err := c.conn.WriteMessage(f.kind, f.data); err != nil {
				h.log.WithError(err).WithField("user_id", c.UserID).Debug("write failed")
				h.Unregister(c)
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				h.log.WithError(err).WithField("user_id", c.UserID).Debug("ping failed")
				h.Unregister(c)
				return
			}
		}
	}
}

// connectionHealthChecker drops connections that stopped answering pings and
// refreshes mirrored presence for the rest.
func (h *Hub) connectionHealthChecker() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.sweep()
		}
	}
}

func (h *Hub) sweep() {
	now := h.clock.Now()
	h.mu.RLock()
	var dead []*Client
	var live []uint
	for id, p := range h.users {
		for _, c := range p.clients {
			if now.Sub(time.Unix(0, c.lastPong.Load())) > h.cfg.PongTimeout {
				dead = append(dead, c)
			}
		}
		if len(p.clients) > 0 {
			live = append(live, id)
		}
	}
	h.mu.RUnlock()

	for _, c := range dead {
		h.log.WithField("user_id", c.UserID).Info("removing dead connection (no pong received)")
		h.Unregister(c)
	}
	if h.mirror != nil {
		for _, id := range live {
			_ = h.mirror.Refresh(context.Background(), id)
		}
	}
}
