// Package ratelimit admits requests per identity using a fixed-window
// counter. A burst straddling a window boundary can briefly reach twice
// the configured rate.
package ratelimit

import (
	"fmt"
	"sync"
	"time"
)

// DefaultPruneThreshold is the identity count above which expired windows
// are dropped inline.
const DefaultPruneThreshold = 1000

// Config configures a Limiter.
type Config struct {
	// Name labels the limiter in metrics and logs.
	Name string

	// MaxRequests is the number of requests admitted per window. Must be positive.
	MaxRequests int

	// Window is the counter reset period. Must be positive.
	Window time.Duration

	// PruneThreshold triggers opportunistic cleanup (default DefaultPruneThreshold).
	PruneThreshold int

	// Now supplies the clock (default time.Now).
	Now func() time.Time
}

type window struct {
	count int
	start time.Time
}

// Limiter is a per-identity fixed-window counter. One mutex covers the
// whole table.
type Limiter struct {
	name      string
	max       int
	window    time.Duration
	threshold int
	now       func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

// New validates cfg and returns a Limiter.
func New(cfg Config) (*Limiter, error) {
	if cfg.MaxRequests <= 0 {
		return nil, fmt.Errorf("ratelimit: max requests must be positive, got %d", cfg.MaxRequests)
	}
	if cfg.Window <= 0 {
		return nil, fmt.Errorf("ratelimit: window must be positive, got %s", cfg.Window)
	}
	if cfg.PruneThreshold <= 0 {
		cfg.PruneThreshold = DefaultPruneThreshold
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Limiter{
		name:      cfg.Name,
		max:       cfg.MaxRequests,
		window:    cfg.Window,
		threshold: cfg.PruneThreshold,
		now:       cfg.Now,
		windows:   make(map[string]*window),
	}, nil
}

// Name returns the limiter label.
func (l *Limiter) Name() string {
	return l.name
}

// Check records a request for identity and reports whether it is admitted.
// A denied request does not count against the window.
func (l *Limiter) Check(identity string) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.windows) > l.threshold {
		l.pruneLocked(now)
	}

	w, ok := l.windows[identity]
	if !ok {
		l.windows[identity] = &window{count: 1, start: now}
		return true
	}
	if now.Sub(w.start) > l.window {
		w.count = 1
		w.start = now
		return true
	}
	if w.count >= l.max {
		return false
	}
	w.count++
	return true
}

// Len returns the number of tracked identities.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

func (l *Limiter) pruneLocked(now time.Time) {
	for id, w := range l.windows {
		if now.Sub(w.start) > l.window {
			delete(l.windows, id)
		}
	}
}
