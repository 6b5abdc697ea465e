// Package store holds the durable local tiers: a key-value settings store
// (cache timestamps and small JSON blobs) and the local mirror of synced
// entities. Both come in an in-memory and a Redis flavour.
package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"lovecal/internal/model"
)

// Settings is simple key-value persistence for cache entries and sync
// timestamps.
type Settings interface {
	// Get returns the stored value and whether it exists.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte) error
	// Delete removes keys. Missing keys are ignored.
	Delete(ctx context.Context, keys ...string) error
	// Keys lists keys starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Mirror is the local copy of remote entities, grouped by entity type and
// scope (couple id). Records are upserted by id.
type Mirror interface {
	Upsert(ctx context.Context, entityType, scopeID string, recs []model.Record) error
	List(ctx context.Context, entityType, scopeID string) ([]model.Record, error)
	// Clear drops every scope of the given entity type.
	Clear(ctx context.Context, entityType string) error
}

// MemorySettings implements Settings in process memory.
type MemorySettings struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewMemorySettings creates an empty in-memory settings store.
func NewMemorySettings() *MemorySettings {
	return &MemorySettings{data: make(map[string][]byte)}
}

func (m *MemorySettings) Get(_ context.Context, key string) ([]byte, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *MemorySettings) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	m.data[key] = append([]byte(nil), value...)
	m.mu.Unlock()
	return nil
}

func (m *MemorySettings) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	for _, k := range keys {
		delete(m.data, k)
	}
	m.mu.Unlock()
	return nil
}

func (m *MemorySettings) Keys(_ context.Context, prefix string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0)
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out, nil
}

// MemoryMirror implements Mirror in process memory.
type MemoryMirror struct {
	mu sync.RWMutex
	// entityType -> scopeID -> id -> record
	data map[string]map[string]map[string]model.Record
}

// NewMemoryMirror creates an empty in-memory mirror.
func NewMemoryMirror() *MemoryMirror {
	return &MemoryMirror{data: make(map[string]map[string]map[string]model.Record)}
}

func (m *MemoryMirror) Upsert(_ context.Context, entityType, scopeID string, recs []model.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	scopes, ok := m.data[entityType]
	if !ok {
		scopes = make(map[string]map[string]model.Record)
		m.data[entityType] = scopes
	}
	byID, ok := scopes[scopeID]
	if !ok {
		byID = make(map[string]model.Record)
		scopes[scopeID] = byID
	}
	for _, r := range recs {
		byID[r.ID] = r
	}
	return nil
}

func (m *MemoryMirror) List(_ context.Context, entityType, scopeID string) ([]model.Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	byID := m.data[entityType][scopeID]
	out := make([]model.Record, 0, len(byID))
	for _, r := range byID {
		out = append(out, r)
	}
	sortRecords(out)
	return out, nil
}

func (m *MemoryMirror) Clear(_ context.Context, entityType string) error {
	m.mu.Lock()
	delete(m.data, entityType)
	m.mu.Unlock()
	return nil
}

// sortRecords orders records by id so mirror reads are deterministic.
func sortRecords(recs []model.Record) {
	sort.Slice(recs, func(i, j int) bool { return recs[i].ID < recs[j].ID })
}
