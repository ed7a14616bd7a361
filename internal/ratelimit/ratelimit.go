// Package ratelimit enforces per-requester and per-IP request limits and keeps
// the suspicion log of requesters with repeated failed lookups.
//
// Counters are fixed windows held in a shared Counter (the registry database
// or Redis) so every instance sees the same view.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fsl-continuum/fcuid/internal/types"
)

// ErrRateLimited is matched by every *LimitError.
var ErrRateLimited = errors.New("rate limited")

// LimitError reports a rejected request and when to try again.
type LimitError struct {
	Scope      string // "requester" or "ip"
	Key        string
	RetryAfter time.Duration
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("rate limited (%s %s): retry after %s", e.Scope, e.Key, e.RetryAfter)
}

// Is makes errors.Is(err, ErrRateLimited) match.
func (e *LimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// Counter increments a fixed-window counter atomically and returns the count
// after the increment and the time the window ends.
type Counter interface {
	IncrWindow(ctx context.Context, key string, window time.Duration, now time.Time) (int64, time.Time, error)
}

// SuspicionLog persists requesters that crossed the failed-lookup threshold.
type SuspicionLog interface {
	RecordSuspicious(ctx context.Context, requesterID string, failed int64, at time.Time) error
	ListSuspicious(ctx context.Context) ([]types.SuspiciousEntry, error)
}

// Config holds the limiter thresholds.
type Config struct {
	Window              time.Duration
	RequesterLimit      int64
	IPLimit             int64
	SuspiciousThreshold int64
	SuspiciousWindow    time.Duration
}

// DefaultConfig mirrors the configuration defaults.
func DefaultConfig() Config {
	return Config{
		Window:              time.Minute,
		RequesterLimit:      60,
		IPLimit:             120,
		SuspiciousThreshold: 10,
		SuspiciousWindow:    10 * time.Minute,
	}
}

// Decision is the outcome of Check.
type Decision struct {
	Allowed    bool          `json:"allowed"`
	Remaining  int64         `json:"remaining"`
	RetryAfter time.Duration `json:"retry_after,omitempty"`
}

// Limiter checks requests against the shared counters.
type Limiter struct {
	counter   Counter
	suspicion SuspicionLog
	cfg       Config
	log       logrus.FieldLogger
	now       func() time.Time
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// WithLogger sets the logger used for suspicious-pattern warnings.
func WithLogger(log logrus.FieldLogger) Option {
	return func(l *Limiter) { l.log = log }
}

// New creates a Limiter. Zero config values fall back to DefaultConfig.
func New(counter Counter, suspicion SuspicionLog, cfg Config, opts ...Option) *Limiter {
	def := DefaultConfig()
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.RequesterLimit <= 0 {
		cfg.RequesterLimit = def.RequesterLimit
	}
	if cfg.IPLimit <= 0 {
		cfg.IPLimit = def.IPLimit
	}
	if cfg.SuspiciousThreshold <= 0 {
		cfg.SuspiciousThreshold = def.SuspiciousThreshold
	}
	if cfg.SuspiciousWindow <= 0 {
		cfg.SuspiciousWindow = def.SuspiciousWindow
	}
	l := &Limiter{
		counter:   counter,
		suspicion: suspicion,
		cfg:       cfg,
		log:       logrus.StandardLogger(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Config returns the effective configuration.
func (l *Limiter) Config() Config {
	return l.cfg
}

// Check counts one request from requesterID at ip. Both the requester and the
// IP window must have room. A rejected request returns the Decision together
// with a *LimitError. An empty ip skips the IP window.
func (l *Limiter) Check(ctx context.Context, requesterID, ip string) (Decision, error) {
	now := l.now()
	if requesterID == "" {
		requesterID = "anonymous"
	}

	reqCount, reqReset, err := l.counter.IncrWindow(ctx, "rl:req:"+requesterID, l.cfg.Window, now)
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit counter: %w", err)
	}
	d := Decision{Allowed: true, Remaining: l.cfg.RequesterLimit - reqCount}
	var limitErr *LimitError
	if reqCount > l.cfg.RequesterLimit {
		limitErr = &LimitError{Scope: "requester", Key: requesterID, RetryAfter: retryAfter(reqReset, now)}
	}

	if ip != "" {
		ipCount, ipReset, err := l.counter.IncrWindow(ctx, "rl:ip:"+ip, l.cfg.Window, now)
		if err != nil {
			return Decision{}, fmt.Errorf("rate limit counter: %w", err)
		}
		if rem := l.cfg.IPLimit - ipCount; rem < d.Remaining {
			d.Remaining = rem
		}
		if ipCount > l.cfg.IPLimit {
			ra := retryAfter(ipReset, now)
			if limitErr == nil || ra > limitErr.RetryAfter {
				limitErr = &LimitError{Scope: "ip", Key: ip, RetryAfter: ra}
			}
		}
	}

	if d.Remaining < 0 {
		d.Remaining = 0
	}
	if limitErr != nil {
		d.Allowed = false
		d.RetryAfter = limitErr.RetryAfter
		l.log.WithFields(logrus.Fields{
			"requester":   requesterID,
			"ip":          ip,
			"scope":       limitErr.Scope,
			"retry_after": limitErr.RetryAfter.String(),
		}).Info("request rate limited")
		return d, limitErr
	}
	return d, nil
}

// retryAfter is the time until reset, never below one second so clients
// always receive a positive hint.
func retryAfter(reset, now time.Time) time.Duration {
	d := reset.Sub(now)
	if d < time.Second {
		return time.Second
	}
	return d
}

// RecordFailedLookup counts a lookup that found nothing. When the count inside
// the suspicion window reaches the threshold the requester is logged as a
// suspicious pattern. It never blocks the requester.
func (l *Limiter) RecordFailedLookup(ctx context.Context, requesterID string) error {
	if requesterID == "" {
		requesterID = "anonymous"
	}
	now := l.now()
	n, _, err := l.counter.IncrWindow(ctx, "fail:"+requesterID, l.cfg.SuspiciousWindow, now)
	if err != nil {
		return fmt.Errorf("failed-lookup counter: %w", err)
	}
	if n < l.cfg.SuspiciousThreshold {
		return nil
	}
	if l.suspicion != nil {
		if err := l.suspicion.RecordSuspicious(ctx, requesterID, n, now); err != nil {
			return fmt.Errorf("record suspicious requester: %w", err)
		}
	}
	if n == l.cfg.SuspiciousThreshold {
		l.log.WithFields(logrus.Fields{
			"requester":      requesterID,
			"failed_lookups": n,
			"window":         l.cfg.SuspiciousWindow.String(),
		}).Warn("suspicious pattern: repeated failed lookups")
	}
	return nil
}

// SuspiciousReport lists requesters in the suspicion log, most recent first.
func (l *Limiter) SuspiciousReport(ctx context.Context) ([]types.SuspiciousEntry, error) {
	if l.suspicion == nil {
		return []types.SuspiciousEntry{}, nil
	}
	entries, err := l.suspicion.ListSuspicious(ctx)
	if err != nil {
		return nil, fmt.Errorf("suspicious report: %w", err)
	}
	return entries, nil
}
