// Package outbox is the client-side retry queue: a message is stored locally
// before any network attempt and removed only once the server acknowledges
// its idempotency token.
package outbox

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/rhysllwydlewis/eventflow-messaging/internal/apperr"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/clock"
	"github.com/rhysllwydlewis/eventflow-messaging/internal/logger"
)

const (
	DefaultMaxAttempts    = 8
	DefaultAttemptTimeout = 10 * time.Second
)

// Request is one send attempt.
type Request struct {
	Token    string
	ThreadID uint
	Content  string
}

// Ack is the server's confirmation for a token.
type Ack struct {
	Token     string
	MessageID uint
	ThreadID  uint
	Seq       uint64
}

// Transport delivers a request to the server.
type Transport interface {
	Send(ctx context.Context, req Request) (Ack, error)
}

type Config struct {
	Backoff        Backoff
	MaxAttempts    int
	AttemptTimeout time.Duration
	// OnSettled is called once an entry is acknowledged, before it is removed.
	OnSettled func(Entry)
	// OnFailed is called when an entry gives up.
	OnFailed func(Entry)
}

func (c Config) withDefaults() Config {
	if c.Backoff.Base <= 0 {
		c.Backoff = DefaultBackoff
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = DefaultAttemptTimeout
	}
	return c
}

type Outbox struct {
	cfg       Config
	store     Store
	transport Transport
	clock     clock.Clock
	log       *logrus.Entry

	// mu serialises store read-modify-write cycles.
	mu       sync.Mutex
	inflight map[string]bool
	wake     chan struct{}

	randMu sync.Mutex
	rand   *rand.Rand
}

// Open creates an outbox over store. Entries left in sending by a crashed
// process are treated as pending again.
func Open(cfg Config, store Store, transport Transport, clk clock.Clock) (*Outbox, error) {
	o := &Outbox{
		cfg:       cfg.withDefaults(),
		store:     store,
		transport: transport,
		clock:     clock.Or(clk),
		log:       logger.Component("outbox"),
		inflight:  make(map[string]bool),
		wake:      make(chan struct{}, 1),
		rand:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	entries, err := store.List()
	if err != nil {
		return nil, err
	}
	for i := range entries {
		e := &entries[i]
		if e.Status != StatusSending {
			continue
		}
		e.Status = StatusPending
		if err := store.Put(e); err != nil {
			return nil, err
		}
	}
	return o, nil
}

// Enqueue stores a new pending entry under a fresh token and wakes the
// scheduler. Content that can never be sent is stored as failed and the
// validation error is returned alongside the entry.
func (o *Outbox) Enqueue(threadID uint, content string) (*Entry, error) {
	now := o.clock.Now()
	e := &Entry{
		Token:     uuid.NewString(),
		ThreadID:  threadID,
		Content:   content,
		Status:    StatusPending,
		NextRetry: now,
		CreatedAt: now,
	}

	var invalid error
	switch {
	case threadID == 0:
		invalid = apperr.Validation("invalid_thread_id", "thread id is required")
	case strings.TrimSpace(content) == "":
		invalid = apperr.Validation("empty_content", "message content is empty")
	}
	if invalid != nil {
		e.Status = StatusFailed
		e.LastError = invalid.Error()
	}

	o.mu.Lock()
	err := o.store.Put(e)
	o.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if invalid != nil {
		return e, invalid
	}
	o.notify()
	return e, nil
}

// Entries returns every stored entry, oldest first.
func (o *Outbox) Entries() ([]Entry, error) {
	return o.store.List()
}

// Retry puts a failed entry back in the queue with a fresh attempt budget.
func (o *Outbox) Retry(token string) error {
	o.mu.Lock()
	e, err := o.store.Get(token)
	if err != nil {
		o.mu.Unlock()
		return err
	}
	if e.Status != StatusFailed {
		o.mu.Unlock()
		return apperr.Conflict("not_failed", "entry %s is %s", token, e.Status)
	}
	e.Status = StatusPending
	e.Attempts = 0
	e.LastError = ""
	e.NextRetry = o.clock.Now()
	err = o.store.Put(e)
	o.mu.Unlock()
	if err != nil {
		return err
	}
	o.notify()
	return nil
}

// Discard drops an entry that is not currently being sent.
func (o *Outbox) Discard(token string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.inflight[token] {
		return apperr.Conflict("in_flight", "entry %s is being sent", token)
	}
	if _, err := o.store.Get(token); err != nil {
		return err
	}
	return o.store.Delete(token)
}

// Reconnected makes every queued entry due now. Call it after the
// connection to the server comes back.
func (o *Outbox) Reconnected() error {
	o.mu.Lock()
	entries, err := o.store.List()
	if err != nil {
		o.mu.Unlock()
		return err
	}
	now := o.clock.Now()
	for i := range entries {
		e := &entries[i]
		if e.Status != StatusPending || o.inflight[e.Token] {
			continue
		}
		e.NextRetry = now
		if err := o.store.Put(e); err != nil {
			o.mu.Unlock()
			return err
		}
	}
	o.mu.Unlock()
	o.notify()
	return nil
}

// Flush attempts every due entry once and reports how many were
// acknowledged.
func (o *Outbox) Flush(ctx context.Context) (int, error) {
	entries, err := o.store.List()
	if err != nil {
		return 0, err
	}
	now := o.clock.Now()
	sent := 0
	for _, e := range entries {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		if e.Status != StatusPending || e.NextRetry.After(now) {
			continue
		}
		ok, err := o.attempt(ctx, e.Token)
		if err != nil {
			return sent, err
		}
		if ok {
			sent++
		}
	}
	return sent, nil
}

// Run flushes due entries until ctx is cancelled, sleeping until the next
// retry is due or Enqueue/Retry/Reconnected wakes it.
func (o *Outbox) Run(ctx context.Context) error {
	for {
		if _, err := o.Flush(ctx); err != nil && ctx.Err() == nil {
			o.log.WithError(err).Warn("flush failed")
		}

		wait := time.Minute
		if next, ok := o.nextDue(); ok {
			wait = next.Sub(o.clock.Now())
			if wait < 0 {
				wait = 0
			}
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-o.wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

func (o *Outbox) nextDue() (time.Time, bool) {
	entries, err := o.store.List()
	if err != nil {
		return time.Time{}, false
	}
	var next time.Time
	found := false
	for _, e := range entries {
		if e.Status != StatusPending {
			continue
		}
		if !found || e.NextRetry.Before(next) {
			next, found = e.NextRetry, true
		}
	}
	return next, found
}

func (o *Outbox) notify() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// attempt sends one entry. It returns false without error when the entry is
// already in flight, no longer pending, or failed this time.
func (o *Outbox) attempt(ctx context.Context, token string) (bool, error) {
	o.mu.Lock()
	if o.inflight[token] {
		o.mu.Unlock()
		return false, nil
	}
	e, err := o.store.Get(token)
	if errors.Is(err, ErrNotFound) {
		o.mu.Unlock()
		return false, nil
	}
	if err != nil {
		o.mu.Unlock()
		return false, err
	}
	if e.Status != StatusPending {
		o.mu.Unlock()
		return false, nil
	}
	e.Status = StatusSending
	e.Attempts++
	if err := o.store.Put(e); err != nil {
		o.mu.Unlock()
		return false, err
	}
	o.inflight[token] = true
	o.mu.Unlock()

	actx, cancel := context.WithTimeout(ctx, o.cfg.AttemptTimeout)
	ack, sendErr := o.transport.Send(actx, Request{Token: e.Token, ThreadID: e.ThreadID, Content: e.Content})
	cancel()
	if sendErr == nil && ack.Token != e.Token {
		sendErr = apperr.Transport(errors.New("acknowledgement for a different token"))
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.inflight, token)

	log := o.log.WithFields(logrus.Fields{"token": e.Token, "thread_id": e.ThreadID, "attempt": e.Attempts})
	if sendErr == nil {
		e.Status = StatusSent
		e.ServerID = ack.MessageID
		e.ServerSeq = ack.Seq
		e.LastError = ""
		if o.cfg.OnSettled != nil {
			o.cfg.OnSettled(*e)
		}
		log.WithField("seq", ack.Seq).Debug("entry acknowledged")
		return true, o.store.Delete(e.Token)
	}

	e.LastError = sendErr.Error()
	now := o.clock.Now()
	switch {
	case !apperr.Retryable(sendErr):
		e.Status = StatusFailed
		log.WithError(sendErr).Warn("entry rejected")
	case e.Attempts >= o.cfg.MaxAttempts:
		e.Status = StatusFailed
		log.WithError(sendErr).Warn("entry gave up")
	default:
		e.Status = StatusPending
		delay := o.cfg.Backoff.Delay(e.Attempts, o.sample())
		if ae, ok := apperr.As(sendErr); ok && ae.Kind == apperr.KindRateLimited && ae.RetryAfter > delay {
			delay = ae.RetryAfter
		}
		e.NextRetry = now.Add(delay)
		log.WithError(sendErr).WithField("retry_in", delay).Debug("attempt failed")
	}
	if err := o.store.Put(e); err != nil {
		return false, err
	}
	if e.Status == StatusFailed && o.cfg.OnFailed != nil {
		o.cfg.OnFailed(*e)
	}
	return false, nil
}

func (o *Outbox) sample() float64 {
	o.randMu.Lock()
	defer o.randMu.Unlock()
	return o.rand.Float64()
}
