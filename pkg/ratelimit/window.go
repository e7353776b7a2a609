// Package ratelimit provides the short per-identity window applied to
// cheap, abusable storefront operations.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/fitrun/fitrun/pkg/config"
)

// Limiter admits at most one action per key within a window. Allow records
// the action when it returns true.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// Compile-time interface check.
var _ Limiter = (*WindowLimiter)(nil)

// WindowLimiter is an in-memory Limiter. Stale entries are evicted lazily
// when the map exceeds its capacity or the cleanup interval has elapsed, so
// no background goroutine is needed.
type WindowLimiter struct {
	mu              sync.Mutex
	entries         map[string]time.Time
	window          time.Duration
	capacity        int
	cleanupInterval time.Duration
	lastCleanup     time.Time
	now             func() time.Time
}

// Option configures a WindowLimiter.
type Option func(*WindowLimiter)

// WithClock overrides the limiter's time source.
func WithClock(now func() time.Time) Option {
	return func(l *WindowLimiter) {
		l.now = now
	}
}

// NewWindowLimiter creates an in-memory limiter from cfg.
func NewWindowLimiter(cfg *config.UploadLimitConfig, opts ...Option) *WindowLimiter {
	l := &WindowLimiter{
		entries:         make(map[string]time.Time, 64),
		window:          cfg.Window,
		capacity:        cfg.Capacity,
		cleanupInterval: cfg.CleanupInterval,
		now:             time.Now,
	}

	for _, opt := range opts {
		opt(l)
	}

	l.lastCleanup = l.now()

	return l
}

// Allow reports whether key may act now and records the action if so.
func (l *WindowLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	if len(l.entries) >= l.capacity ||
		(l.cleanupInterval > 0 && now.Sub(l.lastCleanup) >= l.cleanupInterval) {
		l.evict(now)
	}

	if last, ok := l.entries[key]; ok && now.Sub(last) < l.window {
		return false, nil
	}

	l.entries[key] = now

	return true, nil
}

// Len returns the number of tracked keys.
func (l *WindowLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	return len(l.entries)
}

// evict removes entries older than the window. If the map is still full,
// the oldest entry is dropped to keep memory bounded. Callers hold l.mu.
func (l *WindowLimiter) evict(now time.Time) {
	l.lastCleanup = now

	for key, last := range l.entries {
		if now.Sub(last) >= l.window {
			delete(l.entries, key)
		}
	}

	if len(l.entries) < l.capacity {
		return
	}

	var (
		oldestKey string
		oldest    time.Time
	)

	for key, last := range l.entries {
		if oldestKey == "" || last.Before(oldest) {
			oldestKey, oldest = key, last
		}
	}

	delete(l.entries, oldestKey)
}
