// Package ratelimit implements the sliding-window limiter that gates every
// mutating call on the gateway.
package ratelimit

import (
	"context"
	"math"
	"strconv"
	"sync"
	"time"
)

// sweepInterval is how often Run garbage-collects idle windows.
const sweepInterval = time.Minute

// Result is the outcome of one Check. Every field is populated whether or
// not the call was allowed so callers can always emit the metadata headers.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	ResetAt    time.Time
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds. It is zero for
// allowed results and at least one otherwise.
func (r Result) RetryAfterSeconds() int {
	if r.Allowed {
		return 0
	}
	secs := int(math.Ceil(r.RetryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

type window struct {
	attempts []time.Time
	span     time.Duration
}

// Limiter tracks attempt timestamps per identity. The zero value is not
// usable; construct with New.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*window
	now     func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) {
		l.now = now
	}
}

// New creates a Limiter.
func New(opts ...Option) *Limiter {
	l := &Limiter{
		windows: make(map[string]*window),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Check records an attempt for identity under policy p if the window still
// has room. A rejected attempt is not recorded. The prune, compare and append
// happen under one lock so concurrent checks for the same identity cannot
// both take the last slot.
func (l *Limiter) Check(identity string, p Policy) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	w, ok := l.windows[identity]
	if !ok {
		w = &window{}
		l.windows[identity] = w
	}
	w.span = p.Window
	w.attempts = trimWindow(w.attempts, now.Add(-p.Window))

	res := Result{
		Limit:   p.MaxAttempts,
		ResetAt: now.Add(p.Window),
	}
	if len(w.attempts) >= p.MaxAttempts {
		retry := w.attempts[0].Add(p.Window).Sub(now)
		if retry < time.Second {
			retry = time.Second
		}
		res.RetryAfter = retry
		return res
	}

	w.attempts = append(w.attempts, now)
	res.Allowed = true
	res.Remaining = max(0, p.MaxAttempts-len(w.attempts))
	return res
}

// Run sweeps idle windows until ctx is done.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweep()
		}
	}
}

// sweep removes windows whose newest attempt has left the window.
func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for id, w := range l.windows {
		if len(w.attempts) == 0 || !w.attempts[len(w.attempts)-1].After(now.Add(-w.span)) {
			delete(l.windows, id)
		}
	}
}

// trimWindow drops timestamps at or before cutoff. Timestamps are appended in
// order, so the kept ones are a suffix.
func trimWindow(ts []time.Time, cutoff time.Time) []time.Time {
	start := 0
	for start < len(ts) && !ts[start].After(cutoff) {
		start++
	}
	return ts[start:]
}

// Identity builds the limiter key for an endpoint: the authenticated user
// when there is one, otherwise the client address.
func Identity(endpoint string, userID int64, clientIP string) string {
	if userID > 0 {
		return endpoint + "_user_" + strconv.FormatInt(userID, 10)
	}
	return endpoint + "_ip_" + clientIP
}
