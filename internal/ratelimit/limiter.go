// Package ratelimit caps how many documents may be regenerated per time window
// across the whole site. It is coarse load shedding, not per-client limiting.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

const (
	DefaultLimit  = 20
	DefaultWindow = 60 * time.Second
)

// Limiter admits or refuses one regeneration.
type Limiter interface {
	Allow(ctx context.Context) bool
	RetryAfter() time.Duration
}

// Window is an in-process fixed-window counter.
type Window struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	count   int
	expires time.Time
	now     func() time.Time
}

var _ Limiter = (*Window)(nil)

// Option configures a Window.
type Option func(*Window)

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(w *Window) { w.now = now }
}

// NewWindow returns a limiter admitting limit regenerations per window.
// Non-positive values fall back to the defaults.
func NewWindow(limit int, window time.Duration, opts ...Option) *Window {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	w := &Window{limit: limit, window: window, now: time.Now}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Allow reports whether another regeneration fits in the current window.
// A refused call does not count against the window.
func (w *Window) Allow(_ context.Context) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	if !now.Before(w.expires) {
		w.count = 0
	}
	if w.count >= w.limit {
		return false
	}
	if w.count == 0 {
		w.expires = now.Add(w.window)
	}
	w.count++
	return true
}

// RetryAfter is the hint sent to throttled clients.
func (w *Window) RetryAfter() time.Duration {
	return w.window
}
