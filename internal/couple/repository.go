package couple

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/redis/go-redis/v9"

	"lovecal/internal/apperr"
	"lovecal/internal/model"
	"lovecal/internal/remote"
)

// Collection is the document collection couples live in.
const Collection = "couples"

// ErrNotFound is returned when no couple matches an id or invite code.
var ErrNotFound = errors.New("couple not found")

// Repository is the write path to the document store.
type Repository interface {
	Create(ctx context.Context, c model.Couple) error
	Get(ctx context.Context, id string) (model.Couple, error)
	FindByInvite(ctx context.Context, code string) (model.Couple, error)
	Update(ctx context.Context, c model.Couple) error
}

// MemoryRepository keeps couples in process memory.
type MemoryRepository struct {
	mu      sync.RWMutex
	byID    map[string]model.Couple
	invites map[string]string
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		byID:    make(map[string]model.Couple),
		invites: make(map[string]string),
	}
}

func (m *MemoryRepository) Create(_ context.Context, c model.Couple) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[c.ID]; ok {
		return apperr.Database("create couple", errors.New("duplicate id"))
	}
	if _, ok := m.invites[c.InviteCode]; ok {
		return apperr.Database("create couple", errors.New("duplicate invite code"))
	}
	m.byID[c.ID] = c
	m.invites[c.InviteCode] = c.ID
	return nil
}

func (m *MemoryRepository) Get(_ context.Context, id string) (model.Couple, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.byID[id]
	if !ok {
		return model.Couple{}, ErrNotFound
	}
	return c, nil
}

func (m *MemoryRepository) FindByInvite(ctx context.Context, code string) (model.Couple, error) {
	m.mu.RLock()
	id, ok := m.invites[code]
	m.mu.RUnlock()
	if !ok {
		return model.Couple{}, ErrNotFound
	}
	return m.Get(ctx, id)
}

func (m *MemoryRepository) Update(_ context.Context, c model.Couple) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[c.ID]; !ok {
		return ErrNotFound
	}
	m.byID[c.ID] = c
	return nil
}

// RedisRepository stores each couple as a JSON string under
// "{prefix}couple:{id}" with an invite index at "{prefix}invite:{code}".
// Every write is published so watchers see it.
type RedisRepository struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisRepository(client redis.UniversalClient, prefix string) *RedisRepository {
	return &RedisRepository{client: client, prefix: prefix}
}

func (r *RedisRepository) coupleKey(id string) string   { return r.prefix + "couple:" + id }
func (r *RedisRepository) inviteKey(code string) string { return r.prefix + "invite:" + code }

func (r *RedisRepository) Create(ctx context.Context, c model.Couple) error {
	data, err := json.Marshal(c)
	if err != nil {
		return apperr.Unknown("create couple", err)
	}
	ok, err := r.client.SetNX(ctx, r.inviteKey(c.InviteCode), c.ID, 0).Result()
	if err != nil {
		return apperr.Database("create couple", err)
	}
	if !ok {
		return apperr.Database("create couple", errors.New("duplicate invite code"))
	}
	ok, err = r.client.SetNX(ctx, r.coupleKey(c.ID), data, 0).Result()
	if err != nil || !ok {
		r.client.Del(ctx, r.inviteKey(c.InviteCode))
		if err == nil {
			err = errors.New("duplicate id")
		}
		return apperr.Database("create couple", err)
	}
	return r.publish(ctx, c.ID, data)
}

func (r *RedisRepository) Get(ctx context.Context, id string) (model.Couple, error) {
	data, err := r.client.Get(ctx, r.coupleKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return model.Couple{}, ErrNotFound
	}
	if err != nil {
		return model.Couple{}, apperr.Database("get couple", err)
	}
	var c model.Couple
	if err := json.Unmarshal(data, &c); err != nil {
		return model.Couple{}, apperr.Database("decode couple "+id, err)
	}
	return c, nil
}

func (r *RedisRepository) FindByInvite(ctx context.Context, code string) (model.Couple, error) {
	id, err := r.client.Get(ctx, r.inviteKey(code)).Result()
	if errors.Is(err, redis.Nil) {
		return model.Couple{}, ErrNotFound
	}
	if err != nil {
		return model.Couple{}, apperr.Database("find invite", err)
	}
	return r.Get(ctx, id)
}

func (r *RedisRepository) Update(ctx context.Context, c model.Couple) error {
	data, err := json.Marshal(c)
	if err != nil {
		return apperr.Unknown("update couple", err)
	}
	ok, err := r.client.SetXX(ctx, r.coupleKey(c.ID), data, 0).Result()
	if err != nil {
		return apperr.Database("update couple", err)
	}
	if !ok {
		return ErrNotFound
	}
	return r.publish(ctx, c.ID, data)
}

func (r *RedisRepository) publish(ctx context.Context, id string, data []byte) error {
	return remote.Publish(ctx, r.client, remote.Snapshot{Collection: Collection, ID: id, Data: data})
}
