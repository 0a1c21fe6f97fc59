// Package ratelimit bounds how many operations a principal may issue per
// rolling time window. It is abuse damping, not quota accounting: state is
// in-memory only and resets on restart.
package ratelimit

import (
	"sync"
	"time"
)

const (
	DefaultLimit  = 20
	DefaultWindow = 60 * time.Second
)

// Limiter keeps a per-principal sliding list of operation timestamps.
//
// A token-bucket limiter (golang.org/x/time/rate) deliberately isn't used
// here: the contract is an exact trailing window (the Nth call is admitted
// again once the first call ages out), which a refilling bucket does not
// express.
type Limiter struct {
	now func() time.Time

	mu      sync.Mutex
	limit   int
	window  time.Duration
	windows map[int64][]time.Time
}

type Option func(*Limiter)

// WithClock injects a time source (tests).
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

func New(limit int, window time.Duration, opts ...Option) *Limiter {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	l := &Limiter{
		limit:   limit,
		window:  window,
		now:     time.Now,
		windows: map[int64][]time.Time{},
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Configure updates the limit and window. Recorded timestamps are kept;
// they get re-evaluated against the new window on the next Admit.
// Safe for config hot-reload.
func (l *Limiter) Configure(limit int, window time.Duration) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	l.mu.Lock()
	l.limit = limit
	l.window = window
	l.mu.Unlock()
}

// Admit prunes entries older than the window, then accepts and records the
// call unless the pruned count has already reached the limit. A rejected
// call is not recorded, so hammering a full window does not extend it.
func (l *Limiter) Admit(principal int64) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := now.Add(-l.window)

	w := l.windows[principal]
	keep := w[:0]
	for _, ts := range w {
		// An entry exactly window-old still counts; it ages out only once
		// the clock moves past it.
		if !ts.Before(cutoff) {
			keep = append(keep, ts)
		}
	}
	if len(keep) >= l.limit {
		l.windows[principal] = keep
		return false
	}
	l.windows[principal] = append(keep, now)
	return true
}

// Sweep drops principals whose whole window has expired.
// Called periodically by the maintenance job.
func (l *Limiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.window)

	removed := 0
	for id, w := range l.windows {
		if len(w) == 0 || w[len(w)-1].Before(cutoff) {
			delete(l.windows, id)
			removed++
		}
	}
	return removed
}
