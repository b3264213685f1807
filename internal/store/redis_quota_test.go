package store

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisQuota(t *testing.T) (*RedisQuotaStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisQuotaStore(client, "test"), mr
}

func TestRedisQuota_Limit(t *testing.T) {
	q, mr := newRedisQuota(t)
	ctx := context.Background()

	for i := 1; i <= 2; i++ {
		ok, used, err := q.CheckAndIncrement(ctx, "user-1", "2026-01-05", 2)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, i, used)
	}
	ok, used, err := q.CheckAndIncrement(ctx, "user-1", "2026-01-05", 2)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 2, used)

	assert.True(t, mr.TTL("test:user-1:2026-01-05") > 0)

	n, err := q.QuotaUsage(ctx, "user-1", "2026-01-05")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = q.QuotaUsage(ctx, "user-2", "2026-01-05")
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRedisQuota_Concurrent(t *testing.T) {
	q, _ := newRedisQuota(t)
	ctx := context.Background()

	var allowed int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < 80; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, _, err := q.CheckAndIncrement(ctx, "user-1", "2026-01-05", 50)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, allowed)
}

func TestRedisQuota_Unlimited(t *testing.T) {
	q, _ := newRedisQuota(t)
	for i := 0; i < 5; i++ {
		ok, _, err := q.CheckAndIncrement(context.Background(), "user-1", "2026-01-05", 0)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}

func TestRedisQuota_CounterLivesUntilDayEndsEverywhere(t *testing.T) {
	q, mr := newRedisQuota(t)
	q.now = func() time.Time { return time.Date(2026, 1, 5, 10, 0, 0, 0, time.UTC) }

	_, _, err := q.CheckAndIncrement(context.Background(), "user-1", "2026-01-05", 10)
	require.NoError(t, err)
	assert.Equal(t, 26*time.Hour, mr.TTL("test:user-1:2026-01-05"))

	assert.Equal(t, time.Hour, quotaTTL("2026-01-01", q.now()))
	assert.Equal(t, 48*time.Hour, quotaTTL("not-a-day", q.now()))
}
