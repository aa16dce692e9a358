package cache

import (
	"sync"
	"time"
)

// DefaultRefreshInterval is the minimum gap between persisted refreshes of one token.
const DefaultRefreshInterval = 30 * time.Minute

// SessionThrottle remembers when each token was last refreshed.
// Entries older than the window are dropped lazily.
type SessionThrottle struct {
	window time.Duration

	mu        sync.Mutex
	last      map[string]time.Time
	lastSweep time.Time
}

// NewSessionThrottle creates a throttle; window <= 0 uses DefaultRefreshInterval.
func NewSessionThrottle(window time.Duration) *SessionThrottle {
	if window <= 0 {
		window = DefaultRefreshInterval
	}
	return &SessionThrottle{window: window, last: make(map[string]time.Time)}
}

// Due reports whether token should be refreshed at now and, if so, marks it refreshed.
func (t *SessionThrottle) Due(token string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.sweep(now)
	if prev, ok := t.last[token]; ok && now.Sub(prev) < t.window {
		return false
	}
	t.last[token] = now
	return true
}

// Forget drops the token, e.g. on logout or a failed refresh.
func (t *SessionThrottle) Forget(token string) {
	t.mu.Lock()
	delete(t.last, token)
	t.mu.Unlock()
}

// Len returns the number of tracked tokens.
func (t *SessionThrottle) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.last)
}

func (t *SessionThrottle) sweep(now time.Time) {
	if now.Sub(t.lastSweep) < t.window {
		return
	}
	for tok, at := range t.last {
		if now.Sub(at) >= t.window {
			delete(t.last, tok)
		}
	}
	t.lastSweep = now
}
