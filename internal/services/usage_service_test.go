package services

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *RedisService) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, NewRedisServiceWithClient(client)
}

func TestUsageService_LimitReached(t *testing.T) {
	mr, rs := newTestRedis(t)
	svc := NewUsageService(rs, 2)
	svc.now = func() time.Time { return time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC) }
	ctx := context.Background()

	status, err := svc.Check(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, status.Exceeded)
	assert.Zero(t, status.Used)

	require.NoError(t, svc.Track(ctx, "user-1"))
	require.NoError(t, svc.Track(ctx, "user-1"))

	status, err = svc.Check(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, status.Exceeded)
	assert.Equal(t, int64(2), status.Used)
	assert.Contains(t, status.Message, "2/2")

	key := "blockflow:usage:user-1:2026-03-10"
	assert.True(t, mr.Exists(key))
	assert.Equal(t, 48*time.Hour, mr.TTL(key))

	other, err := svc.Check(ctx, "user-2")
	require.NoError(t, err)
	assert.False(t, other.Exceeded, "counters are per user")
}

func TestUsageService_ResetsNextDay(t *testing.T) {
	_, rs := newTestRedis(t)
	svc := NewUsageService(rs, 1)
	day := time.Date(2026, 3, 10, 23, 59, 0, 0, time.UTC)
	svc.now = func() time.Time { return day }
	ctx := context.Background()

	require.NoError(t, svc.Track(ctx, "user-1"))
	status, err := svc.Check(ctx, "user-1")
	require.NoError(t, err)
	assert.True(t, status.Exceeded)

	day = day.Add(2 * time.Minute)
	status, err = svc.Check(ctx, "user-1")
	require.NoError(t, err)
	assert.False(t, status.Exceeded)
}

func TestUsageService_Unlimited(t *testing.T) {
	_, rs := newTestRedis(t)
	svc := NewUsageService(rs, -1)
	for i := 0; i < 5; i++ {
		require.NoError(t, svc.Track(context.Background(), "user-1"))
	}
	status, err := svc.Check(context.Background(), "user-1")
	require.NoError(t, err)
	assert.False(t, status.Exceeded)
	assert.Equal(t, int64(-1), status.Limit)
}

func TestUsageService_RedisDown(t *testing.T) {
	mr, rs := newTestRedis(t)
	svc := NewUsageService(rs, 5)
	mr.Close()

	_, err := svc.Check(context.Background(), "user-1")
	assert.Error(t, err)
}

func TestRedisService_Locks(t *testing.T) {
	_, rs := newTestRedis(t)
	ctx := context.Background()

	ok, err := rs.AcquireLock(ctx, "lock", "me", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = rs.AcquireLock(ctx, "lock", "you", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	released, err := rs.ReleaseLock(ctx, "lock", "you")
	require.NoError(t, err)
	assert.False(t, released, "only the holder releases")

	released, err = rs.ReleaseLock(ctx, "lock", "me")
	require.NoError(t, err)
	assert.True(t, released)

	require.NoError(t, rs.Ping(ctx))
}
