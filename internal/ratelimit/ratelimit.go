// Package ratelimit caps outbound calls per named resource to a per-minute
// quota. It is a blocking gate: a caller above the quota is suspended until
// the window resets, callers of one key pass through one at a time.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"lovecal/internal/apperr"
	"lovecal/internal/clock"
	appLog "lovecal/internal/log"
)

// Window is the length of one quota window.
const Window = 60 * time.Second

// State is a snapshot of one key's limiter state.
type State struct {
	Key         string
	Limit       int
	Count       int
	WindowStart time.Time
}

type bucket struct {
	limit       int
	count       int
	windowStart time.Time
	// gate serializes acquire calls for this key.
	gate chan struct{}
}

// Limiter holds the state of every configured key.
type Limiter struct {
	mu      sync.Mutex
	clock   clock.Clock
	buckets map[string]*bucket
}

// New returns a Limiter with no keys configured.
func New(clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Limiter{
		clock:   clk,
		buckets: make(map[string]*bucket),
	}
}

// Configure (re)installs key with a fresh window. Calling it again resets
// the count. A limit of zero or less leaves key unlimited, like Clear.
func (l *Limiter) Configure(key string, limit int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 {
		delete(l.buckets, key)
		appLog.Debug("rate limit disabled", "key", key, "limit", limit)
		return
	}
	l.buckets[key] = &bucket{
		limit:       limit,
		windowStart: l.clock.Now(),
		gate:        make(chan struct{}, 1),
	}
	appLog.Debug("rate limit configured", "key", key, "limit", limit)
}

// Clear removes key. Later Acquire calls for it return immediately until
// it is configured again.
func (l *Limiter) Clear(key string) {
	l.mu.Lock()
	delete(l.buckets, key)
	l.mu.Unlock()
}

// State returns a snapshot of key's state.
func (l *Limiter) State(key string) (State, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		return State{}, false
	}
	return State{Key: key, Limit: b.limit, Count: b.count, WindowStart: b.windowStart}, true
}

// Acquire records one call against key, suspending the caller until the
// window resets when the quota is used up. Cancelling ctx while waiting
// returns a RateLimitError wrapping ctx.Err().
func (l *Limiter) Acquire(ctx context.Context, key string) error {
	l.mu.Lock()
	b, ok := l.buckets[key]
	l.mu.Unlock()
	if !ok {
		return nil
	}

	select {
	case b.gate <- struct{}{}:
	case <-ctx.Done():
		return apperr.RateLimited("acquire "+key, ctx.Err())
	}
	defer func() { <-b.gate }()

	l.mu.Lock()
	now := l.clock.Now()
	if now.Sub(b.windowStart) >= Window {
		b.count = 0
		b.windowStart = now
	}
	if b.count < b.limit {
		b.count++
		l.mu.Unlock()
		return nil
	}
	remaining := Window - now.Sub(b.windowStart)
	l.mu.Unlock()

	appLog.Info("rate limit reached, waiting for window reset", "key", key, "limit", b.limit, "wait", remaining)

	if err := l.clock.Sleep(ctx, remaining); err != nil {
		return apperr.RateLimited("acquire "+key, err)
	}

	l.mu.Lock()
	b.windowStart = l.clock.Now()
	b.count = 1
	l.mu.Unlock()
	return nil
}
