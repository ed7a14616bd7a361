package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/fsl-continuum/fcuid/internal/alert"
	"github.com/fsl-continuum/fcuid/internal/config"
	"github.com/fsl-continuum/fcuid/internal/ledger"
	"github.com/fsl-continuum/fcuid/internal/ledger/merklelog"
	"github.com/fsl-continuum/fcuid/internal/ledger/rpc"
	"github.com/fsl-continuum/fcuid/internal/ratelimit"
	"github.com/fsl-continuum/fcuid/internal/service"
	"github.com/fsl-continuum/fcuid/internal/storage"
	"github.com/fsl-continuum/fcuid/internal/storage/memory"
	"github.com/fsl-continuum/fcuid/internal/storage/sqlstore"
	"github.com/fsl-continuum/fcuid/internal/telemetry"
	"github.com/fsl-continuum/fcuid/internal/types"
	"github.com/fsl-continuum/fcuid/internal/verify"
)

// app holds everything a command needs, built from configuration.
type app struct {
	svc     *service.Service
	redis   redis.UniversalClient
	closers []io.Closer
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i].Close())
	}
	return errors.Join(errs...)
}

// openApp wires the registry, ledgers, limiter, verifier and alerting.
func openApp(ctx context.Context, log *logrus.Logger) (*app, error) {
	a := &app{}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	store, err := openStore(ctx, log)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, store)
	raw := store
	store = telemetry.WrapStorage(store)

	ledgers := make(map[types.LedgerName]ledger.Ledger, 2)
	for _, slot := range []struct {
		key  string
		name types.LedgerName
	}{{"a", types.LedgerA}, {"b", types.LedgerB}} {
		l, err := openLedger(slot.key)
		if err != nil {
			return nil, err
		}
		if c, isCloser := l.(io.Closer); isCloser {
			a.closers = append(a.closers, c)
		}
		ledgers[slot.name] = l
	}

	rl, err := config.RateLimitSettings()
	if err != nil {
		return nil, err
	}
	var (
		counter   ratelimit.Counter
		suspicion ratelimit.SuspicionLog
	)
	switch rl.Backend {
	case "redis":
		rs := config.RedisSettings()
		a.redis = redis.NewClient(&redis.Options{Addr: rs.Address, Password: rs.Password, DB: rs.DB})
		a.closers = append(a.closers, a.redis)
		rc := ratelimit.NewRedisCounter(a.redis)
		counter, suspicion = rc, rc
	default:
		shared, isShared := raw.(interface {
			ratelimit.Counter
			ratelimit.SuspicionLog
		})
		if !isShared {
			return nil, fmt.Errorf("store %T cannot hold rate limit counters; use ratelimit.backend=redis", raw)
		}
		counter, suspicion = shared, shared
	}
	limiter := ratelimit.New(counter, suspicion, ratelimit.Config{
		Window:              rl.Window,
		RequesterLimit:      rl.RequesterLimit,
		IPLimit:             rl.IPLimit,
		SuspiciousThreshold: rl.SuspiciousThreshold,
		SuspiciousWindow:    rl.SuspiciousWindow,
	}, ratelimit.WithLogger(log))

	alerter, err := buildAlerter(log)
	if err != nil {
		return nil, err
	}

	retry := config.RetrySettings()
	writer := ledger.NewWriter(store, ledgers[types.LedgerA], ledgers[types.LedgerB],
		ledger.WithRetry(ledger.RetryConfig{
			MaxAttempts:     retry.MaxAttempts,
			InitialInterval: retry.InitialInterval,
			MaxInterval:     retry.MaxInterval,
			AttemptTimeout:  retry.AttemptTimeout,
		}),
		ledger.WithLogger(log))

	vopts := []verify.Option{
		verify.WithReader(types.LedgerA, verify.ReaderFor(ledgers[types.LedgerA])),
		verify.WithReader(types.LedgerB, verify.ReaderFor(ledgers[types.LedgerB])),
		verify.WithAlerter(alerter),
		verify.WithLogger(log),
	}
	if a.redis != nil {
		vopts = append(vopts, verify.WithLocker(verify.NewRedisLocker(a.redis)))
	}
	verifier := verify.New(store, vopts...)

	a.svc = service.New(store, writer, verifier,
		service.WithLimiter(limiter),
		service.WithAlerter(alerter),
		service.WithLogger(log),
		service.WithVerifyOnCommit(config.VerifySettings().OnCommit))
	ok = true
	return a, nil
}

func openStore(ctx context.Context, log *logrus.Logger) (storage.Storage, error) {
	sc, err := config.StoreSettings()
	if err != nil {
		return nil, err
	}
	if sc.Driver == "memory" {
		log.Warn("using the in-memory registry; records are lost on exit")
		return memory.New(), nil
	}
	return sqlstore.Open(ctx, sqlstore.Config{Driver: sc.Driver, Path: sc.Path, DSN: sc.DSN, Logger: log})
}

func openLedger(slot string) (ledger.Ledger, error) {
	lc, err := config.LedgerSettings(slot)
	if err != nil {
		return nil, err
	}
	if lc.Kind == "rpc" {
		return rpc.New(rpc.Config{
			Name:         lc.Name,
			Endpoint:     lc.Endpoint,
			SubmitMethod: lc.Method,
			ReadMethod:   lc.ReadMethod,
			Token:        lc.Token,
			RPS:          lc.RPS,
		})
	}
	return merklelog.Open(lc.Name, lc.Path)
}

func buildAlerter(log logrus.FieldLogger) (alert.Alerter, error) {
	ac := config.AlertSettings()
	alerters := alert.Multi{alert.LogAlerter{Logger: log}}
	if ac.SlackEnabled() {
		s, err := alert.NewSlack(alert.SlackConfig{
			WebhookURL: ac.SlackWebhookURL,
			BotToken:   ac.SlackToken,
			Channel:    ac.SlackChannel,
		})
		if err != nil {
			return nil, err
		}
		alerters = append(alerters, s)
	}
	return alerters, nil
}
