// Package ratelimit implements the spam and rate guard consulted by the
// delivery pipeline before a message is persisted.
package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/rhysllwydlewis/eventflow-messaging/internal/clock"
)

const (
	DefaultWindow          = time.Minute
	DefaultThreshold       = 30
	DefaultDuplicateWindow = 5 * time.Minute
)

type Config struct {
	Window          time.Duration
	Threshold       int
	DuplicateWindow time.Duration
}

func (c Config) withDefaults() Config {
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.Threshold <= 0 {
		c.Threshold = DefaultThreshold
	}
	if c.DuplicateWindow <= 0 {
		c.DuplicateWindow = DefaultDuplicateWindow
	}
	return c
}

// Store keeps the per-sender windows. Admit and MarkContent must be atomic per key.
type Store interface {
	// Admit records a hit at now unless limit hits already fall inside
	// (now-window, now]. When rejected it returns the oldest hit in the window.
	Admit(ctx context.Context, key string, now time.Time, window time.Duration, limit int) (allowed bool, oldest time.Time, err error)
	// MarkContent remembers hash for ttl and reports whether it was already remembered.
	MarkContent(ctx context.Context, key, hash string, now time.Time, ttl time.Duration) (duplicate bool, err error)
}

// Verdict is the guard's answer for one send attempt.
type Verdict struct {
	Allowed    bool
	RetryAfter time.Duration
	ResetAt    time.Time
	// Duplicate is advisory: the content matches a recent send by the same sender.
	Duplicate bool
}

type Guard struct {
	cfg   Config
	store Store
	clock clock.Clock
}

func NewGuard(cfg Config, store Store, clk clock.Clock) *Guard {
	return &Guard{cfg: cfg.withDefaults(), store: store, clock: clock.Or(clk)}
}

func (g *Guard) Config() Config { return g.cfg }

// Check runs the rate window and the duplicate detector for one send.
// A rejected send is not counted against the window.
func (g *Guard) Check(ctx context.Context, senderID uint, content string) (Verdict, error) {
	now := g.clock.Now()
	key := strconv.FormatUint(uint64(senderID), 10)

	allowed, oldest, err := g.store.Admit(ctx, key, now, g.cfg.Window, g.cfg.Threshold)
	if err != nil {
		return Verdict{}, err
	}
	if !allowed {
		reset := oldest.Add(g.cfg.Window)
		retry := reset.Sub(now)
		if retry < 0 {
			retry = 0
		}
		return Verdict{Allowed: false, RetryAfter: retry, ResetAt: reset}, nil
	}

	dup, err := g.store.MarkContent(ctx, key, ContentHash(content), now, g.cfg.DuplicateWindow)
	if err != nil {
		return Verdict{}, err
	}
	return Verdict{Allowed: true, Duplicate: dup}, nil
}

// Normalize lowercases content and collapses whitespace so trivially
// different resends hash the same.
func Normalize(content string) string {
	return strings.Join(strings.Fields(strings.ToLower(content)), " ")
}

func ContentHash(content string) string {
	sum := sha256.Sum256([]byte(Normalize(content)))
	return hex.EncodeToString(sum[:])
}
