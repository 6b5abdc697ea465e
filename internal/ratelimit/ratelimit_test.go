package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lovecal/internal/apperr"
	"lovecal/internal/clock"
)

var epoch = time.Date(2025, 2, 14, 12, 0, 0, 0, time.UTC)

func TestAcquire_UnconfiguredKeyIsNoop(t *testing.T) {
	l := New(clock.NewFake(epoch))
	for i := 0; i < 1000; i++ {
		require.NoError(t, l.Acquire(context.Background(), "calendar_api"))
	}
	_, ok := l.State("calendar_api")
	assert.False(t, ok)
}

func TestAcquire_WithinLimitNeverSuspends(t *testing.T) {
	clk := clock.NewFake(epoch)
	l := New(clk)
	l.Configure("calendar_api", 100)

	for i := 0; i < 100; i++ {
		require.NoError(t, l.Acquire(context.Background(), "calendar_api"))
	}
	st, ok := l.State("calendar_api")
	require.True(t, ok)
	assert.Equal(t, 100, st.Count)
	assert.Equal(t, 0, clk.Sleepers())
}

func TestAcquire_ThirdCallWaitsForWindowReset(t *testing.T) {
	clk := clock.NewFake(epoch)
	l := New(clk)
	l.Configure("calendar_api", 2)

	ctx := context.Background()
	require.NoError(t, l.Acquire(ctx, "calendar_api"))
	clk.Advance(10 * time.Second)
	require.NoError(t, l.Acquire(ctx, "calendar_api"))

	done := make(chan error, 1)
	go func() { done <- l.Acquire(ctx, "calendar_api") }()

	require.Eventually(t, func() bool { return clk.Sleepers() == 1 }, time.Second, time.Millisecond)
	select {
	case <-done:
		t.Fatal("third acquire returned before the window reset")
	default:
	}

	// 10s of the window are gone; 50s remain.
	clk.Advance(49 * time.Second)
	assert.Equal(t, 1, clk.Sleepers())
	clk.Advance(time.Second)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("third acquire did not resume after the window reset")
	}

	st, _ := l.State("calendar_api")
	assert.Equal(t, 1, st.Count)
	assert.Equal(t, epoch.Add(60*time.Second), st.WindowStart)
}

func TestAcquire_WindowElapsedResetsCount(t *testing.T) {
	clk := clock.NewFake(epoch)
	l := New(clk)
	l.Configure("k", 1)

	require.NoError(t, l.Acquire(context.Background(), "k"))
	clk.Advance(Window)
	require.NoError(t, l.Acquire(context.Background(), "k"))
	assert.Equal(t, 0, clk.Sleepers())
}

func TestAcquire_CancelWhileWaiting(t *testing.T) {
	clk := clock.NewFake(epoch)
	l := New(clk)
	l.Configure("k", 1)
	require.NoError(t, l.Acquire(context.Background(), "k"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- l.Acquire(ctx, "k") }()

	require.Eventually(t, func() bool { return clk.Sleepers() == 1 }, time.Second, time.Millisecond)
	cancel()

	err := <-done
	require.Error(t, err)
	assert.True(t, apperr.IsKind(err, apperr.KindRateLimit))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestClear_MakesAcquireNoop(t *testing.T) {
	clk := clock.NewFake(epoch)
	l := New(clk)
	l.Configure("k", 1)
	require.NoError(t, l.Acquire(context.Background(), "k"))

	l.Clear("k")
	require.NoError(t, l.Acquire(context.Background(), "k"))
	assert.Equal(t, 0, clk.Sleepers())
}

func TestConfigure_ResetsWindow(t *testing.T) {
	clk := clock.NewFake(epoch)
	l := New(clk)
	l.Configure("k", 1)
	require.NoError(t, l.Acquire(context.Background(), "k"))

	l.Configure("k", 1)
	require.NoError(t, l.Acquire(context.Background(), "k"))
	assert.Equal(t, 0, clk.Sleepers())
}

func TestConfigure_NonPositiveLimitIsUnlimited(t *testing.T) {
	for _, limit := range []int{0, -5} {
		clk := clock.NewFake(epoch)
		l := New(clk)
		l.Configure("k", 3)
		l.Configure("k", limit)

		for i := 0; i < 10; i++ {
			require.NoError(t, l.Acquire(context.Background(), "k"))
		}
		_, ok := l.State("k")
		assert.False(t, ok)
		assert.Equal(t, 0, clk.Sleepers())
	}
}
