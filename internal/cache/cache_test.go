package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*RedisCache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisCacheFromClient(client, WithNamespace("test")), mr
}

func TestWriteReadExpire(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t)

	_, ok, err := c.Read(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Write(ctx, "k", "v", time.Minute))
	val, ok, err := c.Read(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", val)
	assert.True(t, mr.Exists("test:k"))

	mr.FastForward(2 * time.Minute)
	_, ok, err = c.Read(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "value outlives its ttl")

	require.NoError(t, c.Write(ctx, "k", "v", time.Minute))
	require.NoError(t, c.Expire(ctx, "k"))
	_, ok, err = c.Read(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHashWriteRead(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t)

	require.NoError(t, c.HashWrite(ctx, "users", map[string]string{"alice": "alice_new", "bob": "bob2"}, time.Hour))
	got, err := c.HashRead(ctx, "users")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"alice": "alice_new", "bob": "bob2"}, got)
	assert.Equal(t, time.Hour, mr.TTL("test:users"))

	empty, err := c.HashRead(ctx, "nothing")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestIncrementDecrement(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t)

	n, err := c.Increment(ctx, "countdown", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	n, err = c.Increment(ctx, "countdown", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	assert.Equal(t, time.Hour, mr.TTL("test:countdown"))

	n, err = c.Decrement(ctx, "countdown")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestLeaseIsExclusiveUntilReleased(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(t)

	lease, err := c.ObtainLease(ctx, TrackerLockKey(7), time.Minute)
	require.NoError(t, err)

	_, err = c.ObtainLease(ctx, TrackerLockKey(7), time.Minute)
	assert.ErrorIs(t, err, ErrLeaseTaken)

	require.NoError(t, lease.Release(ctx))
	again, err := c.ObtainLease(ctx, TrackerLockKey(7), time.Minute)
	require.NoError(t, err)
	require.NoError(t, again.Release(ctx))
}

func TestLeaseExpiresOnItsOwn(t *testing.T) {
	ctx := context.Background()
	c, mr := newTestCache(t)

	stale, err := c.ObtainLease(ctx, "lock", time.Minute)
	require.NoError(t, err)

	mr.FastForward(2 * time.Minute)
	fresh, err := c.ObtainLease(ctx, "lock", time.Minute)
	require.NoError(t, err)

	// The expired holder must not drop the new holder's lease.
	require.NoError(t, stale.Release(ctx))
	_, err = c.ObtainLease(ctx, "lock", time.Minute)
	assert.ErrorIs(t, err, ErrLeaseTaken)
	require.NoError(t, fresh.Release(ctx))
}
