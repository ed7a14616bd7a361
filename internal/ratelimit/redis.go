package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fsl-continuum/fcuid/internal/types"
)

const (
	redisKeyPrefix     = "fcuid:"
	suspiciousIndexKey = redisKeyPrefix + "suspicious"
)

// incrScript increments the window key and sets its expiry on first use, so
// the counter and its TTL are created atomically.
var incrScript = redis.NewScript(`
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[1])
end
return n
`)

// suspiciousScript upserts the entry hash keeping the highest failure count
// and the first-flagged time, and refreshes the index score.
var suspiciousScript = redis.NewScript(`
local cur = tonumber(redis.call('HGET', KEYS[1], 'failed') or '0')
if tonumber(ARGV[1]) > cur then
  redis.call('HSET', KEYS[1], 'failed', ARGV[1])
end
redis.call('HSETNX', KEYS[1], 'first', ARGV[2])
redis.call('HSET', KEYS[1], 'last', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
return 1
`)

// RedisCounter implements Counter and SuspicionLog on Redis so several API
// instances share one set of windows.
type RedisCounter struct {
	rdb redis.UniversalClient
}

// NewRedisCounter wraps an existing client.
func NewRedisCounter(rdb redis.UniversalClient) *RedisCounter {
	return &RedisCounter{rdb: rdb}
}

var (
	_ Counter      = (*RedisCounter)(nil)
	_ SuspicionLog = (*RedisCounter)(nil)
)

// IncrWindow increments key for the window containing now.
func (c *RedisCounter) IncrWindow(ctx context.Context, key string, window time.Duration, now time.Time) (int64, time.Time, error) {
	start := now.Truncate(window)
	reset := start.Add(window)
	k := fmt.Sprintf("%s%s:%d", redisKeyPrefix, key, start.Unix())
	// keep the key a little past the window end to tolerate clock skew
	ttl := window + 5*time.Second
	n, err := incrScript.Run(ctx, c.rdb, []string{k}, ttl.Milliseconds()).Int64()
	if err != nil {
		return 0, time.Time{}, fmt.Errorf("redis incr %s: %w", key, err)
	}
	return n, reset, nil
}

func suspiciousKey(requesterID string) string {
	return redisKeyPrefix + "suspicious:" + requesterID
}

// RecordSuspicious upserts the requester's entry.
func (c *RedisCounter) RecordSuspicious(ctx context.Context, requesterID string, failed int64, at time.Time) error {
	ts := at.UTC().UnixNano()
	err := suspiciousScript.Run(ctx, c.rdb,
		[]string{suspiciousKey(requesterID), suspiciousIndexKey},
		failed, ts, requesterID).Err()
	if err != nil {
		return fmt.Errorf("redis record suspicious %s: %w", requesterID, err)
	}
	return nil
}

// ListSuspicious returns all entries, most recently seen first.
func (c *RedisCounter) ListSuspicious(ctx context.Context) ([]types.SuspiciousEntry, error) {
	ids, err := c.rdb.ZRevRange(ctx, suspiciousIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list suspicious: %w", err)
	}
	if len(ids) == 0 {
		return []types.SuspiciousEntry{}, nil
	}

	pipe := c.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, suspiciousKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redis read suspicious entries: %w", err)
	}

	out := make([]types.SuspiciousEntry, 0, len(ids))
	for i, id := range ids {
		fields := cmds[i].Val()
		if len(fields) == 0 {
			continue
		}
		failed, _ := strconv.ParseInt(fields["failed"], 10, 64)
		first, _ := strconv.ParseInt(fields["first"], 10, 64)
		last, _ := strconv.ParseInt(fields["last"], 10, 64)
		out = append(out, types.SuspiciousEntry{
			RequesterID:   id,
			FailedLookups: failed,
			FirstFlagged:  time.Unix(0, first).UTC(),
			LastSeen:      time.Unix(0, last).UTC(),
		})
	}
	return out, nil
}
