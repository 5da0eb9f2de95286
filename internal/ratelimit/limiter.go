// Package ratelimit implements per-client, per-route admission control using
// fixed window counting.
//
// Fixed windows are intentionally simple and bursty at window boundaries: a
// client can spend one window's quota just before the boundary and another
// just after it. That is an accepted tradeoff against the bookkeeping cost of
// a sliding log; callers that need smoother admission should shorten the
// window rather than expect sliding behavior here.
package ratelimit

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/crudgate/crudgate/internal/routing"
)

// Decision is the outcome of an admission check.
type Decision struct {
	Allowed    bool
	Remaining  int
	RetryAfter time.Duration
}

// window is the counter state for one (clientKey, route) pair. Each window
// carries its own mutex so contention on one client never blocks another.
type window struct {
	mu    sync.Mutex
	start time.Time
	count int
}

// Limiter tracks fixed-window counters keyed by (clientKey, route). State is
// created lazily on first use and pruned by the backing expirable LRU after
// idle TTL; every access re-inserts the state so only truly idle counters
// age out. The idle TTL must still exceed the longest configured window so a
// counter whose client goes quiet mid-window is not recreated fresh on return.
type Limiter struct {
	mu     sync.Mutex // guards state creation only
	states *expirable.LRU[string, *window]
	exempt map[string]struct{}
	now    func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock overrides the time source. For tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithExempt sets the static allow-list of client keys that bypass admission
// entirely without consuming any counter.
func WithExempt(clients []string) Option {
	return func(l *Limiter) {
		for _, c := range clients {
			l.exempt[c] = struct{}{}
		}
	}
}

// New creates a limiter holding at most maxEntries counter states, pruning
// states idle for longer than idleTTL.
func New(maxEntries int, idleTTL time.Duration, opts ...Option) *Limiter {
	l := &Limiter{
		states: expirable.NewLRU[string, *window](maxEntries, nil, idleTTL),
		exempt: make(map[string]struct{}),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Admit runs the fixed-window check for clientKey against the route's policy.
// The counter resets exactly once when the current time crosses into a new
// window; increments are serialized per key by the window's own mutex.
func (l *Limiter) Admit(clientKey, routeID string, policy routing.RateLimitPolicy) Decision {
	if _, ok := l.exempt[clientKey]; ok {
		return Decision{Allowed: true, Remaining: policy.Limit}
	}
	for _, c := range policy.Exempt {
		if c == clientKey {
			return Decision{Allowed: true, Remaining: policy.Limit}
		}
	}

	w := l.state(routeID + "|" + clientKey)
	now := l.now()

	w.mu.Lock()
	defer w.mu.Unlock()

	if now.Sub(w.start) >= policy.Window {
		w.start = now
		w.count = 0
	}
	w.count++

	if w.count > policy.Limit {
		retry := w.start.Add(policy.Window).Sub(now)
		if retry < 0 {
			retry = 0
		}
		return Decision{Allowed: false, RetryAfter: retry}
	}
	return Decision{Allowed: true, Remaining: policy.Limit - w.count}
}

// state returns the window for key, creating it if absent. Creation is
// double-checked under the limiter mutex; increments never hold it.
func (l *Limiter) state(key string) *window {
	if w, ok := l.states.Get(key); ok {
		// The backing LRU expires entries by insertion age, not idleness;
		// re-add on every access so an active counter is never evicted
		// mid-window and silently reset.
		l.states.Add(key, w)
		return w
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok := l.states.Get(key); ok {
		return w
	}
	w := &window{}
	l.states.Add(key, w)
	return w
}

// Len reports how many counter states are currently tracked.
func (l *Limiter) Len() int {
	return l.states.Len()
}
