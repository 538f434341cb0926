package handlers

import (
	"strings"
	"sync"
	"time"
)

// checkoutLimiter caps order submissions per shopper in fixed windows.
type checkoutLimiter struct {
	limit     int
	window    time.Duration
	clock     func() time.Time
	mu        sync.Mutex
	windows   map[string]checkoutWindow
	lastSweep time.Time
}

type checkoutWindow struct {
	used    int
	resetAt time.Time
}

// newCheckoutLimiter returns nil when limit or window is not positive, which disables limiting.
func newCheckoutLimiter(limit int, window time.Duration, clock func() time.Time) *checkoutLimiter {
	if limit <= 0 || window <= 0 {
		return nil
	}
	if clock == nil {
		clock = time.Now
	}
	return &checkoutLimiter{
		limit:   limit,
		window:  window,
		clock:   clock,
		windows: make(map[string]checkoutWindow),
	}
}

// Allow records one checkout attempt for uid. A rejected attempt reports how long until the
// shopper's window resets.
func (l *checkoutLimiter) Allow(uid string) (bool, time.Duration) {
	if l == nil {
		return true, 0
	}
	uid = strings.TrimSpace(uid)
	if uid == "" {
		uid = "anonymous"
	}
	now := l.clock()

	l.mu.Lock()
	defer l.mu.Unlock()
	l.sweepLocked(now)

	current, ok := l.windows[uid]
	if !ok || !now.Before(current.resetAt) {
		l.windows[uid] = checkoutWindow{used: 1, resetAt: now.Add(l.window)}
		return true, 0
	}
	if current.used >= l.limit {
		return false, current.resetAt.Sub(now)
	}
	current.used++
	l.windows[uid] = current
	return true, 0
}

// sweepLocked drops finished windows at most once per window length.
func (l *checkoutLimiter) sweepLocked(now time.Time) {
	if now.Sub(l.lastSweep) < l.window {
		return
	}
	l.lastSweep = now
	for uid, w := range l.windows {
		if !now.Before(w.resetAt) {
			delete(l.windows, uid)
		}
	}
}
