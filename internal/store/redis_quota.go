package store

import (
	"context"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// quotaScript increments the counter only while it is below ARGV[1].
// A non-positive limit never blocks. The first increment sets the TTL.
var quotaScript = redis.NewScript(`
local used = tonumber(redis.call('GET', KEYS[1]) or '0')
local limit = tonumber(ARGV[1])
if limit > 0 and used >= limit then
  return {0, used}
end
used = redis.call('INCR', KEYS[1])
if used == 1 then
  redis.call('EXPIRE', KEYS[1], ARGV[2])
end
return {1, used}
`)

// RedisQuotaStore is a QuotaStore shared by every engine instance pointed at
// the same Redis.
type RedisQuotaStore struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
}

// NewRedisQuotaStore wraps a client. A day's counter expires once that day has
// ended in every timezone.
func NewRedisQuotaStore(client redis.UniversalClient, prefix string) *RedisQuotaStore {
	if prefix == "" {
		prefix = "outreach:quota"
	}
	return &RedisQuotaStore{client: client, prefix: prefix, now: time.Now}
}

// quotaTTL runs to the end of day in UTC-12, the last zone to finish it. Days
// that are already over keep their counter for an hour.
func quotaTTL(day string, now time.Time) time.Duration {
	start, err := time.Parse(time.DateOnly, day)
	if err != nil {
		return 48 * time.Hour
	}
	ttl := start.Add(36 * time.Hour).Sub(now)
	if ttl < time.Hour {
		ttl = time.Hour
	}
	return ttl
}

// OpenRedis connects and pings.
func OpenRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

func (r *RedisQuotaStore) key(userID, day string) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, userID, day)
}

func (r *RedisQuotaStore) CheckAndIncrement(ctx context.Context, userID, day string, limit int) (bool, int, error) {
	vals, err := quotaScript.Run(ctx, r.client,
		[]string{r.key(userID, day)}, limit, int(quotaTTL(day, r.now()).Seconds())).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("quota script: %w", err)
	}
	if len(vals) != 2 {
		return false, 0, fmt.Errorf("quota script: unexpected reply %v", vals)
	}
	return vals[0] == 1, int(vals[1]), nil
}

func (r *RedisQuotaStore) QuotaUsage(ctx context.Context, userID, day string) (int, error) {
	n, err := r.client.Get(ctx, r.key(userID, day)).Int()
	if err == redis.Nil {
		return 0, nil
	}
	return n, err
}
