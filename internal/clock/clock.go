// Package clock provides the time source used by services that enforce
// time windows (edit deadline, mute expiry, rate windows, retry backoff).
package clock

import (
	"sync"
	"time"
)

// Clock returns the current time and schedules delayed calls against it.
type Clock interface {
	Now() time.Time
	// AfterFunc calls f once d has elapsed on this clock.
	AfterFunc(d time.Duration, f func()) Timer
}

// Timer is a pending AfterFunc call. Stop reports whether it prevented the call.
type Timer interface {
	Stop() bool
}

// Real is the wall clock.
type Real struct{}

// Now returns time.Now().
func (Real) Now() time.Time { return time.Now() }

func (Real) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// Or returns c, or the wall clock when c is nil.
func Or(c Clock) Clock {
	if c == nil {
		return Real{}
	}
	return c
}

// Mock is a manually driven clock for tests. Callbacks registered with
// AfterFunc run synchronously from Advance or Set once their deadline is
// reached, earliest first.
type Mock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*mockTimer
}

type mockTimer struct {
	m    *Mock
	at   time.Time
	f    func()
	done bool
}

// NewMock returns a Mock frozen at t.
func NewMock(t time.Time) *Mock {
	return &Mock{now: t}
}

func (m *Mock) Now() time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.now
}

// Advance moves the clock forward by d and runs the timers now due.
func (m *Mock) Advance(d time.Duration) {
	m.mu.Lock()
	m.now = m.now.Add(d)
	m.mu.Unlock()
	m.fire()
}

// Set moves the clock to t and runs the timers now due.
func (m *Mock) Set(t time.Time) {
	m.mu.Lock()
	m.now = t
	m.mu.Unlock()
	m.fire()
}

// AfterFunc schedules f for d from the current mock time. It never runs f
// before the next Advance or Set, even when d <= 0.
func (m *Mock) AfterFunc(d time.Duration, f func()) Timer {
	m.mu.Lock()
	defer m.mu.Unlock()
	t := &mockTimer{m: m, at: m.now.Add(d), f: f}
	m.timers = append(m.timers, t)
	return t
}

// Pending reports how many timers have neither fired nor been stopped.
func (m *Mock) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.timers {
		if !t.done {
			n++
		}
	}
	return n
}

func (m *Mock) fire() {
	for {
		m.mu.Lock()
		var next *mockTimer
		live := m.timers[:0]
		for _, t := range m.timers {
			if t.done {
				continue
			}
			live = append(live, t)
			if !t.at.After(m.now) && (next == nil || t.at.Before(next.at)) {
				next = t
			}
		}
		for i := len(live); i < len(m.timers); i++ {
			m.timers[i] = nil
		}
		m.timers = live
		if next == nil {
			m.mu.Unlock()
			return
		}
		next.done = true
		m.mu.Unlock()
		next.f()
	}
}

func (t *mockTimer) Stop() bool {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	if t.done {
		return false
	}
	t.done = true
	return true
}
