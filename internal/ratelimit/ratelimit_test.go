package ratelimit

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fsl-continuum/fcuid/internal/storage/memory"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func newTestLimiter(cfg Config) (*Limiter, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 4, 1, 9, 0, 5, 0, time.UTC)}
	store := memory.New()
	return New(store, store, cfg, WithClock(clock.Now), WithLogger(quietLogger())), clock
}

func TestRequesterLimitAndRecovery(t *testing.T) {
	ctx := context.Background()
	l, clock := newTestLimiter(Config{Window: time.Minute, RequesterLimit: 5, IPLimit: 100})

	for i := 1; i <= 5; i++ {
		d, err := l.Check(ctx, "alice", "10.0.0.1")
		require.NoError(t, err, "call %d", i)
		assert.True(t, d.Allowed)
		assert.Equal(t, int64(5-i), d.Remaining)
	}

	d, err := l.Check(ctx, "alice", "10.0.0.1")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRateLimited))
	var le *LimitError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "requester", le.Scope)
	assert.False(t, d.Allowed)
	assert.Equal(t, int64(0), d.Remaining)
	assert.Greater(t, d.RetryAfter, time.Duration(0))
	assert.Equal(t, 55*time.Second, d.RetryAfter)

	// another requester is unaffected
	_, err = l.Check(ctx, "bob", "10.0.0.2")
	require.NoError(t, err)

	clock.Advance(d.RetryAfter)
	d, err = l.Check(ctx, "alice", "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestIPLimitAppliesAcrossRequesters(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLimiter(Config{Window: time.Minute, RequesterLimit: 100, IPLimit: 3})

	for _, who := range []string{"a", "b", "c"} {
		_, err := l.Check(ctx, who, "192.0.2.7")
		require.NoError(t, err)
	}
	_, err := l.Check(ctx, "d", "192.0.2.7")
	var le *LimitError
	require.ErrorAs(t, err, &le)
	assert.Equal(t, "ip", le.Scope)
	assert.Equal(t, "192.0.2.7", le.Key)

	_, err = l.Check(ctx, "d", "192.0.2.8")
	require.NoError(t, err)
}

func TestRetryAfterIsAlwaysPositive(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 59, 999_000_000, time.UTC)
	assert.Equal(t, time.Second, retryAfter(now.Truncate(time.Minute).Add(time.Minute), now))
	assert.Equal(t, 30*time.Second, retryAfter(now.Add(30*time.Second), now))
}

func TestSuspiciousPattern(t *testing.T) {
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
	store := memory.New()
	logger, hook := test.NewNullLogger()
	l := New(store, store, Config{SuspiciousThreshold: 3, SuspiciousWindow: 10 * time.Minute},
		WithClock(clock.Now), WithLogger(logger))

	for i := 0; i < 2; i++ {
		require.NoError(t, l.RecordFailedLookup(ctx, "scanner"))
	}
	report, err := l.SuspiciousReport(ctx)
	require.NoError(t, err)
	assert.Empty(t, report)

	for i := 0; i < 3; i++ {
		clock.Advance(time.Second)
		require.NoError(t, l.RecordFailedLookup(ctx, "scanner"))
	}
	report, err = l.SuspiciousReport(ctx)
	require.NoError(t, err)
	require.Len(t, report, 1)
	assert.Equal(t, "scanner", report[0].RequesterID)
	assert.Equal(t, int64(5), report[0].FailedLookups)

	warnings := 0
	for _, e := range hook.AllEntries() {
		if e.Level == logrus.WarnLevel {
			warnings++
			assert.Equal(t, "scanner", e.Data["requester"])
		}
	}
	assert.Equal(t, 1, warnings, "warn once when the threshold is crossed")

	// failed lookups never block
	d, err := l.Check(ctx, "scanner", "")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestDefaultsFillZeroConfig(t *testing.T) {
	l := New(memory.New(), nil, Config{})
	assert.Equal(t, DefaultConfig(), l.Config())

	report, err := l.SuspiciousReport(context.Background())
	require.NoError(t, err)
	assert.Empty(t, report)
}

type failingCounter struct{}

func (failingCounter) IncrWindow(context.Context, string, time.Duration, time.Time) (int64, time.Time, error) {
	return 0, time.Time{}, errors.New("counter offline")
}

func TestCounterErrorIsNotRateLimited(t *testing.T) {
	l := New(failingCounter{}, nil, Config{}, WithLogger(quietLogger()))
	_, err := l.Check(context.Background(), "alice", "")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrRateLimited))
}
