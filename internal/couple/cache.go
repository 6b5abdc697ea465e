package couple

import (
	"context"
	"time"

	"lovecal/internal/clock"
	appLog "lovecal/internal/log"
	"lovecal/internal/model"
	"lovecal/internal/store"
	"lovecal/internal/ttlcache"
)

const (
	DefaultBudgetTTL     = 5 * time.Minute
	DefaultCoupleTTL     = 5 * time.Minute
	DefaultCalendarIDTTL = 24 * time.Hour
)

// CalendarIDCache remembers which shared calendar belongs to a couple. It is
// durable so the lookup survives restarts.
type CalendarIDCache struct {
	cache *ttlcache.Cache[string]
}

func NewCalendarIDCache(s store.Settings, ttl time.Duration, clk clock.Clock) *CalendarIDCache {
	if ttl <= 0 {
		ttl = DefaultCalendarIDTTL
	}
	return &CalendarIDCache{
		cache: ttlcache.New[string]("calendar_id", ttlcache.NewSettingsBackend(s, "calendar_id"), ttl, clk),
	}
}

func (c *CalendarIDCache) Cache(ctx context.Context, coupleID, calendarID string) error {
	return c.cache.Put(ctx, coupleID, calendarID)
}

// Get returns the cached calendar id. An expired entry is removed and
// reported as absent.
func (c *CalendarIDCache) Get(ctx context.Context, coupleID string) (string, bool) {
	return c.cache.Get(ctx, coupleID)
}

// BudgetCache holds each couple's monthly budget and the amount spent so
// far. It lives in memory only; the couple record is the durable copy.
type BudgetCache struct {
	cache *ttlcache.Cache[float64]
}

func NewBudgetCache(ttl time.Duration, clk clock.Clock) *BudgetCache {
	if ttl <= 0 {
		ttl = DefaultBudgetTTL
	}
	return &BudgetCache{
		cache: ttlcache.New[float64]("budget", ttlcache.NewMemoryBackend(), ttl, clk),
	}
}

func monthlyKey(coupleID string) string { return coupleID + ":monthly" }
func spentKey(coupleID string) string   { return coupleID + ":spent" }

func (b *BudgetCache) put(key string, v float64) {
	if err := b.cache.Put(context.Background(), key, v); err != nil {
		appLog.Error("budget cache write failed", err, "key", key)
	}
}

func (b *BudgetCache) SaveMonthlyBudget(coupleID string, v float64) {
	b.put(monthlyKey(coupleID), v)
}

func (b *BudgetCache) MonthlyBudget(coupleID string) (float64, bool) {
	return b.cache.Get(context.Background(), monthlyKey(coupleID))
}

func (b *BudgetCache) SaveSpent(coupleID string, v float64) {
	b.put(spentKey(coupleID), v)
}

func (b *BudgetCache) Spent(coupleID string) (float64, bool) {
	return b.cache.Get(context.Background(), spentKey(coupleID))
}

// IsCacheValid reports whether the couple's monthly budget is still fresh.
func (b *BudgetCache) IsCacheValid(coupleID string) bool {
	return b.cache.IsValid(context.Background(), monthlyKey(coupleID))
}

// Invalidate drops both values of one couple.
func (b *BudgetCache) Invalidate(coupleID string) {
	for _, key := range []string{monthlyKey(coupleID), spentKey(coupleID)} {
		if err := b.cache.Invalidate(context.Background(), key); err != nil {
			appLog.Error("budget cache invalidate failed", err, "key", key)
		}
	}
}

// Cache is the durable short-lived cache of couple records.
type Cache struct {
	cache *ttlcache.Cache[model.Couple]
}

func NewCache(s store.Settings, ttl time.Duration, clk clock.Clock) *Cache {
	if ttl <= 0 {
		ttl = DefaultCoupleTTL
	}
	return &Cache{
		cache: ttlcache.New[model.Couple]("couple", ttlcache.NewSettingsBackend(s, "couple"), ttl, clk),
	}
}

func (c *Cache) Get(ctx context.Context, id string) (model.Couple, bool) {
	return c.cache.Get(ctx, id)
}

func (c *Cache) Put(ctx context.Context, cp model.Couple) {
	if err := c.cache.Put(ctx, cp.ID, cp); err != nil {
		appLog.Error("couple cache write failed", err, "couple", cp.ID)
	}
}

func (c *Cache) Invalidate(ctx context.Context, id string) {
	if err := c.cache.Invalidate(ctx, id); err != nil {
		appLog.Error("couple cache invalidate failed", err, "couple", id)
	}
}
