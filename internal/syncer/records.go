package syncer

import (
	"context"
	"time"

	"lovecal/internal/store"
)

// SyncRecord is the last successful remote fetch of one entity type for
// one scope.
type SyncRecord struct {
	EntityKey    string
	LastSyncTime time.Time
}

// RecordStore persists SyncRecords in the settings store under
// "sync:last:{type}:{scope}".
type RecordStore struct {
	settings store.Settings
}

func NewRecordStore(s store.Settings) *RecordStore {
	return &RecordStore{settings: s}
}

const recordPrefix = "sync:last:"

// EntityKey names the record of one entity type within one scope.
func EntityKey(t EntityType, scopeID string) string {
	return string(t) + ":" + scopeID
}

func recordKey(entityKey string) string {
	return recordPrefix + entityKey
}

// Get returns the record for entityKey, if any. Unreadable timestamps are
// treated as never synced.
func (r *RecordStore) Get(ctx context.Context, entityKey string) (SyncRecord, bool, error) {
	data, ok, err := r.settings.Get(ctx, recordKey(entityKey))
	if err != nil || !ok {
		return SyncRecord{}, false, err
	}
	t, err := time.Parse(time.RFC3339Nano, string(data))
	if err != nil {
		return SyncRecord{}, false, nil
	}
	return SyncRecord{EntityKey: entityKey, LastSyncTime: t}, true, nil
}

// Stamp records a successful sync at t.
func (r *RecordStore) Stamp(ctx context.Context, entityKey string, t time.Time) error {
	return r.settings.Set(ctx, recordKey(entityKey), []byte(t.UTC().Format(time.RFC3339Nano)))
}

// RemoveAll deletes every record of every scope.
func (r *RecordStore) RemoveAll(ctx context.Context) error {
	keys, err := r.settings.Keys(ctx, recordPrefix)
	if err != nil {
		return err
	}
	return r.settings.Delete(ctx, keys...)
}
