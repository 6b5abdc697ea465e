package ttlcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lovecal/internal/clock"
	"lovecal/internal/store"
)

var epoch = time.Date(2025, 2, 14, 12, 0, 0, 0, time.UTC)

func backends() map[string]func() Backend {
	return map[string]func() Backend{
		"memory":   func() Backend { return NewMemoryBackend() },
		"settings": func() Backend { return NewSettingsBackend(store.NewMemorySettings(), "test") },
	}
}

func TestCache_ExpiresAfterWindow(t *testing.T) {
	ctx := context.Background()
	for name, mk := range backends() {
		t.Run(name, func(t *testing.T) {
			clk := clock.NewFake(epoch)
			c := New[float64]("budget", mk(), 5*time.Minute, clk)

			require.NoError(t, c.Put(ctx, "monthly", 500.0))

			v, ok := c.Get(ctx, "monthly")
			require.True(t, ok)
			assert.Equal(t, 500.0, v)
			assert.True(t, c.IsValid(ctx, "monthly"))

			clk.Advance(5*time.Minute - time.Second)
			assert.True(t, c.IsValid(ctx, "monthly"))

			// At exactly the window the entry is no longer valid.
			clk.Advance(time.Second)
			assert.False(t, c.IsValid(ctx, "monthly"))
			_, ok = c.Get(ctx, "monthly")
			assert.False(t, ok)

			// The expired read removed the entry.
			_, present := c.LastUpdated(ctx, "monthly")
			assert.False(t, present)
		})
	}
}

func TestCache_PutRefreshesTimestamp(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewFake(epoch)
	c := New[string]("ids", NewMemoryBackend(), time.Minute, clk)

	require.NoError(t, c.Put(ctx, "k", "a"))
	clk.Advance(50 * time.Second)
	require.NoError(t, c.Put(ctx, "k", "b"))
	clk.Advance(50 * time.Second)

	v, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "b", v)
}

func TestCache_Invalidate(t *testing.T) {
	ctx := context.Background()
	for name, mk := range backends() {
		t.Run(name, func(t *testing.T) {
			c := New[string]("ids", mk(), time.Hour, clock.NewFake(epoch))
			require.NoError(t, c.Put(ctx, "a", "1"))
			require.NoError(t, c.Put(ctx, "b", "2"))

			require.NoError(t, c.Invalidate(ctx, "a"))
			_, ok := c.Get(ctx, "a")
			assert.False(t, ok)
			_, ok = c.Get(ctx, "b")
			assert.True(t, ok)

			require.NoError(t, c.InvalidateAll(ctx))
			_, ok = c.Get(ctx, "b")
			assert.False(t, ok)
		})
	}
}

func TestSettingsBackend_SurvivesNewCache(t *testing.T) {
	ctx := context.Background()
	settings := store.NewMemorySettings()
	clk := clock.NewFake(epoch)

	first := New[string]("calendar", NewSettingsBackend(settings, "calendar"), 24*time.Hour, clk)
	require.NoError(t, first.Put(ctx, "couple1", "cal-abc"))

	// A new cache over the same durable store sees the entry.
	second := New[string]("calendar", NewSettingsBackend(settings, "calendar"), 24*time.Hour, clk)
	v, ok := second.Get(ctx, "couple1")
	require.True(t, ok)
	assert.Equal(t, "cal-abc", v)
}
