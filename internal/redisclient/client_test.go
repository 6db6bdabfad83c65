package redisclient

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := NewClient(mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, mr
}

func TestSlidingWindowAllow(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	for i := 0; i < 3; i++ {
		res, err := c.SlidingWindowAllow(ctx, "checkout", "10.0.0.1", 3, time.Minute, now.Add(time.Duration(i)*time.Second), memberFor(i))
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, 2-i, res.Remaining)
	}

	res, err := c.SlidingWindowAllow(ctx, "checkout", "10.0.0.1", 3, time.Minute, now.Add(10*time.Second), "m-denied")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 50*time.Second, res.RetryAfter)

	count, err := c.WindowCount(ctx, "checkout", "10.0.0.1", time.Minute, now.Add(10*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 3, count, "denied request must not be recorded")

	res, err = c.SlidingWindowAllow(ctx, "checkout", "10.0.0.1", 3, time.Minute, now.Add(61*time.Second), "m-later")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestSlidingWindowKeysAreIsolated(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0)

	res, err := c.SlidingWindowAllow(ctx, "checkout", "a", 1, time.Minute, now, "1")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = c.SlidingWindowAllow(ctx, "cart_add", "a", 1, time.Minute, now, "2")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = c.SlidingWindowAllow(ctx, "checkout", "b", 1, time.Minute, now, "3")
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	require.NoError(t, c.WindowReset(ctx, "checkout", "a"))
	res, err = c.SlidingWindowAllow(ctx, "checkout", "a", 1, time.Minute, now, "4")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestPurgeWindowsBefore(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	old := time.Unix(1_700_000_000, 0)
	recent := old.Add(48 * time.Hour)

	_, err := c.SlidingWindowAllow(ctx, "checkout", "old", 5, 72*time.Hour, old, "1")
	require.NoError(t, err)
	_, err = c.SlidingWindowAllow(ctx, "checkout", "new", 5, 72*time.Hour, recent, "2")
	require.NoError(t, err)

	purged, err := c.PurgeWindowsBefore(ctx, recent.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, purged)

	count, err := c.WindowCount(ctx, "checkout", "new", 72*time.Hour, recent)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestCart(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.CartAdd(ctx, "s1", 1, 2))
	require.NoError(t, c.CartAdd(ctx, "s1", 1, 1))
	require.NoError(t, c.CartAdd(ctx, "s1", 2, 1))

	items, err := c.CartItems(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, map[int64]int{1: 3, 2: 1}, items)

	require.NoError(t, c.CartRemove(ctx, "s1", 2))
	items, err = c.CartItems(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, map[int64]int{1: 3}, items)

	require.NoError(t, c.CartClear(ctx, "s1"))
	items, err = c.CartItems(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestSessionTokenAndLock(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	token, err := c.SessionToken(ctx, "sid")
	require.NoError(t, err)
	assert.Empty(t, token)

	require.NoError(t, c.SetSessionToken(ctx, "sid", "tok", time.Hour))
	token, err = c.SessionToken(ctx, "sid")
	require.NoError(t, err)
	assert.Equal(t, "tok", token)

	ok, err := c.AcquireLock(ctx, "checkout:sid", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.AcquireLock(ctx, "checkout:sid", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.ReleaseLock(ctx, "checkout:sid"))
	ok, err = c.AcquireLock(ctx, "checkout:sid", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSessionRegistry(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	ok, err := c.SessionRegistered(ctx, "sid")
	require.NoError(t, err)
	assert.False(t, ok, "unknown IDs are not sessions")

	created, err := c.RegisterSession(ctx, "sid", time.Hour)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = c.RegisterSession(ctx, "sid", time.Hour)
	require.NoError(t, err)
	assert.False(t, created)

	ok, err = c.SessionRegistered(ctx, "sid")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, c.SetSessionToken(ctx, "sid", "tok", time.Hour))
	require.NoError(t, c.EndSession(ctx, "sid"))
	ok, err = c.SessionRegistered(ctx, "sid")
	require.NoError(t, err)
	assert.False(t, ok)
	token, err := c.SessionToken(ctx, "sid")
	require.NoError(t, err)
	assert.Empty(t, token)

	_, err = c.RegisterSession(ctx, "short", time.Minute)
	require.NoError(t, err)
	mr.FastForward(2 * time.Minute)
	ok, err = c.SessionRegistered(ctx, "short")
	require.NoError(t, err)
	assert.False(t, ok)
}

func memberFor(i int) string {
	return "m-" + string(rune('a'+i))
}
