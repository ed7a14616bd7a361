package ledger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/fsl-continuum/fcuid/internal/idgen"
	"github.com/fsl-continuum/fcuid/internal/storage"
	"github.com/fsl-continuum/fcuid/internal/types"
)

// RetryConfig bounds the attempts made against each ledger.
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	AttemptTimeout  time.Duration
}

// DefaultRetryConfig mirrors the configuration defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:     3,
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     5 * time.Second,
		AttemptTimeout:  10 * time.Second,
	}
}

func (c RetryConfig) backOff(ctx context.Context) backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.InitialInterval
	bo.MaxInterval = c.MaxInterval
	bo.MaxElapsedTime = 0 // bounded by attempts, not time
	retries := c.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(bo, uint64(retries)), ctx)
}

// CommitResult reports what a Commit did for each slot.
type CommitResult struct {
	FCUID    string                      `json:"fcuid"`
	Refs     map[types.LedgerName]string `json:"refs"`
	Skipped  []types.LedgerName          `json:"skipped,omitempty"` // already populated before this commit
	Failures map[types.LedgerName]error  `json:"-"`
	Errors   map[types.LedgerName]string `json:"errors,omitempty"`
	Degraded bool                        `json:"degraded"`
}

// Err joins the per-ledger failures, each wrapping ErrLedgerWriteFailed.
func (r CommitResult) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	names := make([]string, 0, len(r.Failures))
	for name := range r.Failures {
		names = append(names, string(name))
	}
	sort.Strings(names)
	errs := make([]error, 0, len(names))
	for _, name := range names {
		errs = append(errs, fmt.Errorf("%s: %w", name, r.Failures[types.LedgerName(name)]))
	}
	return errors.Join(errs...)
}

// Writer commits records to ledger A and ledger B.
type Writer struct {
	store   storage.Storage
	ledgers map[types.LedgerName]Ledger
	retry   RetryConfig
	log     logrus.FieldLogger
}

// WriterOption configures a Writer.
type WriterOption func(*Writer)

// WithRetry overrides the retry policy.
func WithRetry(cfg RetryConfig) WriterOption {
	return func(w *Writer) { w.retry = cfg }
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) WriterOption {
	return func(w *Writer) { w.log = log }
}

// NewWriter creates a Writer over two ledgers.
func NewWriter(store storage.Storage, a, b Ledger, opts ...WriterOption) *Writer {
	w := &Writer{
		store:   store,
		ledgers: map[types.LedgerName]Ledger{types.LedgerA: a, types.LedgerB: b},
		retry:   DefaultRetryConfig(),
		log:     logrus.StandardLogger(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Ledger returns the ledger bound to a slot.
func (w *Writer) Ledger(name types.LedgerName) Ledger {
	return w.ledgers[name]
}

// Commit writes the record's fragment to every ledger whose slot is still
// empty, concurrently. A ledger that keeps failing does not fail the call: the
// record is marked degraded, a ledger_write_failed event is stored and the
// failure is reported in the result. Calling Commit again resumes a partial
// commit. Only registry errors are returned as errors.
func (w *Writer) Commit(ctx context.Context, id string, payload map[string]any) (CommitResult, error) {
	rec, err := w.store.GetRecord(ctx, id)
	if err != nil {
		return CommitResult{}, err
	}
	if rec.Status == types.StatusFlagged {
		return CommitResult{}, fmt.Errorf("commit %s: %w", id, storage.ErrFrozen)
	}

	result := CommitResult{
		FCUID:    id,
		Refs:     make(map[types.LedgerName]string),
		Failures: make(map[types.LedgerName]error),
	}
	entry := Entry{FCUID: id, Fragment: idgen.Fragment(id), Payload: payload}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, name := range types.Ledgers {
		if ref := rec.LedgerRefs.Get(name); ref != nil {
			result.Refs[name] = *ref
			result.Skipped = append(result.Skipped, name)
			continue
		}
		l := w.ledgers[name]
		g.Go(func() error {
			ref, writeErr := w.writeSlot(ctx, name, l, entry)
			mu.Lock()
			defer mu.Unlock()
			if writeErr != nil {
				var regErr *registryError
				if errors.As(writeErr, &regErr) {
					return regErr.err
				}
				result.Failures[name] = writeErr
				return nil
			}
			result.Refs[name] = ref
			return nil
		})
	}
	regErr := g.Wait()
	if len(result.Failures) == 0 {
		return result, regErr
	}
	// A registry error on one slot does not hide the other slot's ledger failure.
	if err := w.recordFailures(ctx, &result); err != nil {
		return result, errors.Join(regErr, err)
	}
	return result, regErr
}

// recordFailures stores a ledger_write_failed event per failed slot and marks
// the record degraded.
func (w *Writer) recordFailures(ctx context.Context, result *CommitResult) error {
	id := result.FCUID
	result.Degraded = true
	result.Errors = make(map[types.LedgerName]string, len(result.Failures))
	for _, name := range types.Ledgers {
		failure, ok := result.Failures[name]
		if !ok {
			continue
		}
		result.Errors[name] = failure.Error()
		if err := w.store.AddEvent(ctx, &types.Event{
			FCUID:     id,
			EventType: types.EventLedgerWriteFailed,
			Detail:    fmt.Sprintf("%s: %v", name, failure),
		}); err != nil {
			return fmt.Errorf("record ledger failure for %s: %w", id, err)
		}
	}
	if err := w.store.MarkDegraded(ctx, id, true); err != nil {
		return fmt.Errorf("mark %s degraded: %w", id, err)
	}
	w.log.WithFields(logrus.Fields{
		"fcuid":  id,
		"failed": strings.Join(keys(result.Failures), ","),
	}).Warn("ledger commit incomplete; record marked degraded")
	return nil
}

// registryError carries a storage failure out of a slot goroutine so it is
// returned to the caller instead of being reported as a ledger failure.
type registryError struct{ err error }

func (e *registryError) Error() string { return e.err.Error() }
func (e *registryError) Unwrap() error { return e.err }

// writeSlot writes entry with retries and stores the resulting reference.
func (w *Writer) writeSlot(ctx context.Context, name types.LedgerName, l Ledger, entry Entry) (string, error) {
	if l == nil {
		return "", fmt.Errorf("no ledger configured for %s: %w", name, ErrLedgerWriteFailed)
	}
	log := w.log.WithFields(logrus.Fields{"fcuid": entry.FCUID, "ledger": l.Name(), "slot": string(name)})

	var (
		receipt Receipt
		attempt int
	)
	err := backoff.Retry(func() error {
		attempt++
		attemptCtx := ctx
		if w.retry.AttemptTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, w.retry.AttemptTimeout)
			defer cancel()
		}
		r, err := l.Write(attemptCtx, entry)
		if err != nil {
			log.WithFields(logrus.Fields{"attempt": attempt, "error": err.Error()}).Warn("ledger write attempt failed")
			return err
		}
		if r.TxRef == "" {
			return backoff.Permanent(fmt.Errorf("%s returned an empty transaction reference", l.Name()))
		}
		receipt = r
		return nil
	}, w.retry.backOff(ctx))
	if err != nil {
		return "", fmt.Errorf("%s after %d attempt(s): %v: %w", l.Name(), attempt, err, ErrLedgerWriteFailed)
	}

	ref := types.ComposeLedgerRef(receipt.TxRef, receipt.Fragment)
	if err := w.store.AttachLedgerRef(ctx, entry.FCUID, name, ref); err != nil {
		if errors.Is(err, storage.ErrAlreadySet) {
			// a concurrent commit filled the slot first; keep its reference
			rec, getErr := w.store.GetRecord(ctx, entry.FCUID)
			if getErr == nil && rec.LedgerRefs.Get(name) != nil {
				return *rec.LedgerRefs.Get(name), nil
			}
		}
		return "", &registryError{err: fmt.Errorf("attach %s ref to %s: %w", name, entry.FCUID, err)}
	}
	log.WithField("tx", receipt.TxRef).Debug("ledger reference attached")
	return ref, nil
}

func keys(m map[types.LedgerName]error) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, string(k))
	}
	sort.Strings(out)
	return out
}
