package verify

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/fsl-continuum/fcuid/internal/types"
)

// ErrLockHeld means another instance is already sweeping.
var ErrLockHeld = errors.New("sweep lock held by another instance")

// sweepLockKey is the distributed lock name shared by all instances.
const sweepLockKey = "fcuid:verify:sweep"

// Locker hands out a named lock. release must be called once the work is done.
type Locker interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, err error)
}

// RedisLocker implements Locker with redislock.
type RedisLocker struct {
	client *redislock.Client
}

// NewRedisLocker returns a Locker backed by rdb.
func NewRedisLocker(rdb redis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: redislock.New(rdb)}
}

// Acquire obtains key or returns ErrLockHeld without waiting.
func (l *RedisLocker) Acquire(ctx context.Context, key string, ttl time.Duration) (func(context.Context) error, error) {
	lock, err := l.client.Obtain(ctx, key, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrLockHeld
	}
	if err != nil {
		return nil, fmt.Errorf("obtain %s: %w", key, err)
	}
	return func(ctx context.Context) error {
		if err := lock.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			return err
		}
		return nil
	}, nil
}

// SweepOptions selects which records a sweep visits.
type SweepOptions struct {
	// StaleAfter re-verifies records last verified longer ago than this.
	// Zero visits every record with both ledger refs.
	StaleAfter time.Duration
	// Limit caps the records visited per sweep; zero means no cap.
	Limit int
	// LockTTL bounds how long a crashed sweeper holds the lock.
	LockTTL time.Duration
}

// SweepReport summarizes one sweep.
type SweepReport struct {
	Checked    int      `json:"checked"`
	Consistent int      `json:"consistent"`
	Mismatched []string `json:"mismatched,omitempty"`
	Skipped    int      `json:"skipped"`
	Failed     int      `json:"failed"`
}

// Sweep verifies every stale record with both ledger refs. Flagged records are
// counted as skipped. Per-record failures are logged and counted; the sweep
// stops early only when ctx ends.
func (v *Verifier) Sweep(ctx context.Context, opts SweepOptions) (SweepReport, error) {
	var report SweepReport
	if v.locker != nil {
		ttl := opts.LockTTL
		if ttl <= 0 {
			ttl = 5 * time.Minute
		}
		release, err := v.locker.Acquire(ctx, sweepLockKey, ttl)
		if err != nil {
			return report, err
		}
		defer func() {
			if err := release(context.WithoutCancel(ctx)); err != nil {
				v.log.WithError(err).Warn("release sweep lock")
			}
		}()
	}

	// Flagged records stay frozen until resolved, so they never take a slot
	// under Limit.
	flagged := types.StatusFlagged
	filter := types.RecordFilter{LedgerComplete: true, ExcludeStatus: &flagged, Limit: opts.Limit}
	if opts.StaleAfter > 0 {
		before := v.now().Add(-opts.StaleAfter)
		filter.VerifiedBefore = &before
	}
	records, err := v.store.ListRecords(ctx, filter)
	if err != nil {
		return report, fmt.Errorf("list records to verify: %w", err)
	}

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if rec.Status == types.StatusFlagged {
			report.Skipped++
			continue
		}
		res, err := v.Verify(ctx, rec.ID)
		if err != nil {
			report.Failed++
			v.log.WithError(err).WithField("fcuid", rec.ID).Error("verify during sweep")
			continue
		}
		report.Checked++
		switch {
		case res.Skipped:
			report.Skipped++
		case res.Consistent:
			report.Consistent++
		default:
			report.Mismatched = append(report.Mismatched, rec.ID)
		}
	}
	v.log.WithFields(logrus.Fields{
		"checked":    report.Checked,
		"consistent": report.Consistent,
		"mismatched": len(report.Mismatched),
		"skipped":    report.Skipped,
		"failed":     report.Failed,
	}).Info("verification sweep finished")
	return report, nil
}

// Run sweeps immediately and then every interval until ctx ends. A sweep
// skipped because another instance holds the lock is not an error.
func (v *Verifier) Run(ctx context.Context, interval time.Duration, opts SweepOptions) error {
	if interval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", interval)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		if _, err := v.Sweep(ctx, opts); err != nil {
			switch {
			case errors.Is(err, ErrLockHeld):
				v.log.Debug("sweep skipped: lock held elsewhere")
			case ctx.Err() != nil:
				return ctx.Err()
			default:
				v.log.WithError(err).Error("verification sweep")
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
