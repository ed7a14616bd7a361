//go:build integration

package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	ctx := context.Background()
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForListeningPort("6379/tcp"),
		},
		Started: true,
	})
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: endpoint})
	t.Cleanup(func() { _ = rdb.Close() })
	require.NoError(t, rdb.Ping(ctx).Err())
	return rdb
}

func TestRedisCounter(t *testing.T) {
	ctx := context.Background()
	c := NewRedisCounter(startRedis(t))
	base := time.Date(2026, 4, 1, 9, 0, 5, 0, time.UTC)

	for i := int64(1); i <= 3; i++ {
		n, reset, err := c.IncrWindow(ctx, "rl:req:alice", time.Minute, base)
		require.NoError(t, err)
		assert.Equal(t, i, n)
		assert.Equal(t, base.Truncate(time.Minute).Add(time.Minute), reset)
	}
	n, _, err := c.IncrWindow(ctx, "rl:req:alice", time.Minute, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, c.RecordSuspicious(ctx, "bot", 12, base))
	require.NoError(t, c.RecordSuspicious(ctx, "bot", 11, base.Add(time.Second)))
	entries, err := c.ListSuspicious(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(12), entries[0].FailedLookups)
	assert.Equal(t, base, entries[0].FirstFlagged)
	assert.Equal(t, base.Add(time.Second), entries[0].LastSeen)
}

func TestLimiterOverRedis(t *testing.T) {
	ctx := context.Background()
	c := NewRedisCounter(startRedis(t))
	l := New(c, c, Config{Window: time.Minute, RequesterLimit: 2, IPLimit: 10})

	for i := 0; i < 2; i++ {
		_, err := l.Check(ctx, "alice", "10.1.1.1")
		require.NoError(t, err)
	}
	d, err := l.Check(ctx, "alice", "10.1.1.1")
	require.ErrorIs(t, err, ErrRateLimited)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
}
