package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/orderbridge/internal/domain"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := New(context.Background(), ClientConfig{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestLockManager(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestClient(t)
	lm := NewLockManager(c)

	unlock, err := lm.Acquire(ctx, "broker:5001", time.Minute)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, "broker:5001", time.Minute)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	unlock()
	unlock()
	unlock2, err := lm.Acquire(ctx, "broker:5001", time.Minute)
	require.NoError(t, err)
	defer unlock2()

	// an expired holder must not release the current holder's lock
	mr.FastForward(2 * time.Minute)
	unlock3, err := lm.Acquire(ctx, "broker:5001", time.Minute)
	require.NoError(t, err)
	unlock2()
	assert.True(t, mr.Exists(lockKey("broker:5001")))
	unlock3()
	assert.False(t, mr.Exists(lockKey("broker:5001")))
}

func TestRateLimiterSlidingWindow(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestClient(t)
	rl := NewRateLimiter(c)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "10.0.0.1", 3, time.Second)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}
	ok, err := rl.Allow(ctx, "10.0.0.1", 3, time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = rl.Allow(ctx, "10.0.0.2", 3, time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "keys are independent")

	now = now.Add(1500 * time.Millisecond)
	ok, err = rl.Allow(ctx, "10.0.0.1", 3, time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "window slid past earlier requests")

	ok, err = rl.Allow(ctx, "10.0.0.1", 0, time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestConstraintCache(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestClient(t)
	cc := NewConstraintCache(c, time.Minute)

	_, err := cc.Get(ctx, "USDJPY")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	want := domain.SymbolConstraints{
		Symbol:                "USDJPY",
		PointSize:             decimal.RequireFromString("0.001"),
		MinStopDistancePoints: 10,
		Digits:                3,
	}
	require.NoError(t, cc.Set(ctx, want))

	got, err := cc.Get(ctx, "USDJPY")
	require.NoError(t, err)
	assert.Equal(t, want.Symbol, got.Symbol)
	assert.True(t, want.PointSize.Equal(got.PointSize))
	assert.Equal(t, int64(10), got.MinStopDistancePoints)
	assert.Equal(t, time.Minute, mr.TTL(constraintKey("USDJPY")))

	mr.FastForward(2 * time.Minute)
	_, err = cc.Get(ctx, "USDJPY")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestEventBusPublishSubscribe(t *testing.T) {
	c, _ := newTestClient(t)
	bus := NewEventBus(c)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := bus.Subscribe(ctx, "events")
	require.NoError(t, err)

	require.NoError(t, bus.Publish(ctx, "events", []byte(`{"type":"order_executed"}`)))

	select {
	case msg := <-ch:
		assert.JSONEq(t, `{"type":"order_executed"}`, string(msg))
	case <-time.After(2 * time.Second):
		t.Fatal("no message delivered")
	}

	cancel()
	select {
	case _, open := <-ch:
		assert.False(t, open, "channel closes after cancel")
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestHasPattern(t *testing.T) {
	assert.True(t, hasPattern("events.*"))
	assert.False(t, hasPattern("events"))
}
