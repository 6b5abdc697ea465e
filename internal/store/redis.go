package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"lovecal/internal/apperr"
	"lovecal/internal/config"
	appLog "lovecal/internal/log"
	"lovecal/internal/model"
)

// NewRedisClient connects to Redis using cfg and verifies the connection.
func NewRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, apperr.Network("redis ping", fmt.Errorf("failed to connect to Redis: %w", err))
	}

	appLog.Info("connected to redis", "addr", cfg.Addr, "db", cfg.DB)
	return client, nil
}

// RedisSettings implements Settings on plain Redis string keys.
type RedisSettings struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisSettings wraps client. prefix namespaces every key.
func NewRedisSettings(client redis.UniversalClient, prefix string) *RedisSettings {
	return &RedisSettings{client: client, prefix: prefix}
}

func (s *RedisSettings) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, apperr.Database("settings get", err)
	}
	return data, true, nil
}

func (s *RedisSettings) Set(ctx context.Context, key string, value []byte) error {
	if err := s.client.Set(ctx, s.prefix+key, value, 0).Err(); err != nil {
		return apperr.Database("settings set", err)
	}
	return nil
}

func (s *RedisSettings) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = s.prefix + k
	}
	if err := s.client.Del(ctx, full...).Err(); err != nil {
		return apperr.Database("settings delete", err)
	}
	return nil
}

func (s *RedisSettings) Keys(ctx context.Context, prefix string) ([]string, error) {
	out := make([]string, 0)
	iter := s.client.Scan(ctx, 0, s.prefix+prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		out = append(out, iter.Val()[len(s.prefix):])
	}
	if err := iter.Err(); err != nil {
		return nil, apperr.Database("settings keys", err)
	}
	return out, nil
}

// RedisMirror keeps one hash per entity type and scope:
// {prefix}mirror:{type}:{scope} with field = record id, value = JSON record.
type RedisMirror struct {
	client redis.UniversalClient
	prefix string
}

// NewRedisMirror wraps client. prefix namespaces every key.
func NewRedisMirror(client redis.UniversalClient, prefix string) *RedisMirror {
	return &RedisMirror{client: client, prefix: prefix}
}

func (m *RedisMirror) key(entityType, scopeID string) string {
	return m.prefix + "mirror:" + entityType + ":" + scopeID
}

func (m *RedisMirror) Upsert(ctx context.Context, entityType, scopeID string, recs []model.Record) error {
	if len(recs) == 0 {
		return nil
	}
	values := make([]any, 0, len(recs)*2)
	for _, r := range recs {
		data, err := json.Marshal(r)
		if err != nil {
			return apperr.Database("mirror upsert", fmt.Errorf("marshal record %s: %w", r.ID, err))
		}
		values = append(values, r.ID, data)
	}
	if err := m.client.HSet(ctx, m.key(entityType, scopeID), values...).Err(); err != nil {
		return apperr.Database("mirror upsert", err)
	}
	return nil
}

func (m *RedisMirror) List(ctx context.Context, entityType, scopeID string) ([]model.Record, error) {
	raw, err := m.client.HGetAll(ctx, m.key(entityType, scopeID)).Result()
	if err != nil {
		return nil, apperr.Database("mirror list", err)
	}
	out := make([]model.Record, 0, len(raw))
	for id, v := range raw {
		var r model.Record
		if err := json.Unmarshal([]byte(v), &r); err != nil {
			// Corrupt entries are skipped, not fatal for the read.
			appLog.Error("mirror record decode failed", err, "type", entityType, "scope", scopeID, "id", id)
			continue
		}
		out = append(out, r)
	}
	sortRecords(out)
	return out, nil
}

func (m *RedisMirror) Clear(ctx context.Context, entityType string) error {
	iter := m.client.Scan(ctx, 0, m.prefix+"mirror:"+entityType+":*", 100).Iterator()
	keys := make([]string, 0)
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return apperr.Database("mirror clear", err)
	}
	if len(keys) == 0 {
		return nil
	}
	if err := m.client.Del(ctx, keys...).Err(); err != nil {
		return apperr.Database("mirror clear", err)
	}
	return nil
}
