// Package ttlcache is a small read-through-friendly cache for single cached
// entities (budget figures, couple records, calendar ids). An entry is valid
// while now - lastUpdated < window; after that it reads as absent.
package ttlcache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"lovecal/internal/clock"
	appLog "lovecal/internal/log"
	"lovecal/internal/store"
)

// Entry is the stored form of a cached value.
type Entry struct {
	Value       json.RawMessage `json:"value"`
	LastUpdated time.Time       `json:"last_updated"`
}

// Backend persists entries. Implementations must be safe for concurrent use.
type Backend interface {
	Load(ctx context.Context, key string) (Entry, bool, error)
	Store(ctx context.Context, key string, e Entry) error
	Delete(ctx context.Context, key string) error
	DeleteAll(ctx context.Context) error
}

// Cache is a typed TTL cache over a Backend.
type Cache[T any] struct {
	backend Backend
	window  time.Duration
	clock   clock.Clock
	name    string
}

// New builds a cache named name (used in logs) with the given validity window.
func New[T any](name string, backend Backend, window time.Duration, clk clock.Clock) *Cache[T] {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Cache[T]{
		backend: backend,
		window:  window,
		clock:   clk,
		name:    name,
	}
}

// Window returns the validity window.
func (c *Cache[T]) Window() time.Duration { return c.window }

// Get returns the cached value only while it is valid. Reading an expired
// entry removes it so a later read never sees stale data.
func (c *Cache[T]) Get(ctx context.Context, key string) (T, bool) {
	var zero T

	e, ok := c.load(ctx, key)
	if !ok {
		return zero, false
	}
	if !c.fresh(e) {
		if err := c.backend.Delete(ctx, key); err != nil {
			appLog.Error("ttlcache: delete expired entry failed", err, "cache", c.name, "key", key)
		}
		appLog.Debug("ttlcache: entry expired", "cache", c.name, "key", key, "age", c.clock.Now().Sub(e.LastUpdated))
		return zero, false
	}

	var v T
	if err := json.Unmarshal(e.Value, &v); err != nil {
		appLog.Error("ttlcache: decode failed", err, "cache", c.name, "key", key)
		return zero, false
	}
	return v, true
}

// Put stores v and stamps the current time.
func (c *Cache[T]) Put(ctx context.Context, key string, v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("ttlcache %s: encode %q: %w", c.name, key, err)
	}
	return c.backend.Store(ctx, key, Entry{Value: data, LastUpdated: c.clock.Now()})
}

// IsValid reports whether key holds an entry younger than the window.
func (c *Cache[T]) IsValid(ctx context.Context, key string) bool {
	e, ok := c.load(ctx, key)
	return ok && c.fresh(e)
}

// LastUpdated returns when key was last written, if present (valid or not).
func (c *Cache[T]) LastUpdated(ctx context.Context, key string) (time.Time, bool) {
	e, ok := c.load(ctx, key)
	if !ok {
		return time.Time{}, false
	}
	return e.LastUpdated, true
}

func (c *Cache[T]) Invalidate(ctx context.Context, key string) error {
	return c.backend.Delete(ctx, key)
}

func (c *Cache[T]) InvalidateAll(ctx context.Context) error {
	return c.backend.DeleteAll(ctx)
}

func (c *Cache[T]) load(ctx context.Context, key string) (Entry, bool) {
	e, ok, err := c.backend.Load(ctx, key)
	if err != nil {
		// Backend trouble reads as a miss; callers fall through to the source.
		appLog.Error("ttlcache: load failed", err, "cache", c.name, "key", key)
		return Entry{}, false
	}
	return e, ok
}

func (c *Cache[T]) fresh(e Entry) bool {
	return c.clock.Now().Sub(e.LastUpdated) < c.window
}

// MemoryBackend keeps entries in process memory.
type MemoryBackend struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: make(map[string]Entry)}
}

func (m *MemoryBackend) Load(_ context.Context, key string) (Entry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	return e, ok, nil
}

func (m *MemoryBackend) Store(_ context.Context, key string, e Entry) error {
	m.mu.Lock()
	m.entries[key] = e
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) DeleteAll(_ context.Context) error {
	m.mu.Lock()
	m.entries = make(map[string]Entry)
	m.mu.Unlock()
	return nil
}

// SettingsBackend persists entries as JSON in a store.Settings under
// "{namespace}:{key}", so they survive process restarts.
type SettingsBackend struct {
	settings  store.Settings
	namespace string
}

func NewSettingsBackend(s store.Settings, namespace string) *SettingsBackend {
	return &SettingsBackend{settings: s, namespace: namespace}
}

func (b *SettingsBackend) key(k string) string {
	return "cache:" + b.namespace + ":" + k
}

func (b *SettingsBackend) Load(ctx context.Context, key string) (Entry, bool, error) {
	data, ok, err := b.settings.Get(ctx, b.key(key))
	if err != nil || !ok {
		return Entry{}, false, err
	}
	var e Entry
	if err := json.Unmarshal(data, &e); err != nil {
		return Entry{}, false, fmt.Errorf("decode cache entry %q: %w", key, err)
	}
	return e, true, nil
}

func (b *SettingsBackend) Store(ctx context.Context, key string, e Entry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return b.settings.Set(ctx, b.key(key), data)
}

func (b *SettingsBackend) Delete(ctx context.Context, key string) error {
	return b.settings.Delete(ctx, b.key(key))
}

func (b *SettingsBackend) DeleteAll(ctx context.Context) error {
	keys, err := b.settings.Keys(ctx, "cache:"+b.namespace+":")
	if err != nil {
		return err
	}
	return b.settings.Delete(ctx, keys...)
}
