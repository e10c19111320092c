// Package ratelimit implements the per-account sliding-window request budget.
package ratelimit

import "time"

// Limiter tracks recent request timestamps in a ring buffer sized to the
// ceiling. Expired entries are evicted from the head, so each timestamp is
// pushed and popped at most once.
//
// Limiter is not safe for concurrent use; the account manager serializes
// access under its own lock.
type Limiter struct {
	ceiling  int
	window   time.Duration
	cooldown time.Duration
	now      func() time.Time

	ring  []time.Time
	head  int
	count int

	limitedUntil time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New creates a limiter allowing ceiling requests per window. Once the
// ceiling is hit the limiter refuses for cooldown, measured from the refusal.
// A ceiling <= 0 disables limiting.
func New(ceiling int, window, cooldown time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		ceiling:  ceiling,
		window:   window,
		cooldown: cooldown,
		now:      time.Now,
	}
	for _, o := range opts {
		o(l)
	}
	if ceiling > 0 {
		l.ring = make([]time.Time, ceiling)
	}
	return l
}

// Allow reports whether a request may be issued now. It never blocks.
func (l *Limiter) Allow() bool {
	if l.ceiling <= 0 {
		return true
	}

	now := l.now()
	if now.Before(l.limitedUntil) {
		return false
	}

	l.evict(now)
	if l.count < l.ceiling {
		return true
	}

	if l.cooldown > 0 {
		l.limitedUntil = now.Add(l.cooldown)
	}
	return false
}

// Record marks a request as issued now. When the ring is full the oldest
// timestamp is overwritten.
func (l *Limiter) Record() {
	if l.ceiling <= 0 {
		return
	}

	now := l.now()
	l.evict(now)

	tail := (l.head + l.count) % l.ceiling
	l.ring[tail] = now
	if l.count < l.ceiling {
		l.count++
	} else {
		l.head = (l.head + 1) % l.ceiling
	}
}

// Penalize puts the limiter into cooldown regardless of the local count,
// used when the upstream reports rate limiting.
func (l *Limiter) Penalize() {
	if l.cooldown <= 0 {
		return
	}
	until := l.now().Add(l.cooldown)
	if until.After(l.limitedUntil) {
		l.limitedUntil = until
	}
}

// LimitedUntil returns the end of the current cooldown, zero if none.
func (l *Limiter) LimitedUntil() time.Time {
	return l.limitedUntil
}

// InWindow returns the number of requests recorded in the trailing window.
func (l *Limiter) InWindow() int {
	if l.ceiling <= 0 {
		return 0
	}
	l.evict(l.now())
	return l.count
}

func (l *Limiter) evict(now time.Time) {
	for l.count > 0 && now.Sub(l.ring[l.head]) >= l.window {
		l.ring[l.head] = time.Time{}
		l.head = (l.head + 1) % l.ceiling
		l.count--
	}
}
