package outbox

import (
	"math"
	"time"
)

// Backoff computes retry delays: Base·Factor^(attempt-1), capped at Cap,
// then spread by ±Jitter (a fraction of the delay).
type Backoff struct {
	Base   time.Duration
	Factor float64
	Cap    time.Duration
	Jitter float64
}

var DefaultBackoff = Backoff{
	Base:   time.Second,
	Factor: 2,
	Cap:    time.Minute,
	Jitter: 0.2,
}

// Delay returns the wait before retrying after the given failed attempt.
// r is a uniform sample in [0, 1).
func (b Backoff) Delay(attempt int, r float64) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Base) * math.Pow(b.Factor, float64(attempt-1))
	if limit := float64(b.Cap); b.Cap > 0 && d > limit {
		d = limit
	}
	if b.Jitter > 0 {
		d += d * b.Jitter * (2*r - 1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}
