// Package verify cross-checks that both ledger references of a record still
// carry the record's fragment, and flags records where they do not.
package verify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fsl-continuum/fcuid/internal/alert"
	"github.com/fsl-continuum/fcuid/internal/idgen"
	"github.com/fsl-continuum/fcuid/internal/ledger"
	"github.com/fsl-continuum/fcuid/internal/storage"
	"github.com/fsl-continuum/fcuid/internal/types"
)

// ErrVerificationMismatch is returned by Result.Err when a record failed
// cross-ledger verification.
var ErrVerificationMismatch = errors.New("verification mismatch")

// Result is the outcome of verifying one record.
type Result struct {
	FCUID      string `json:"fcuid"`
	Consistent bool   `json:"consistent"`
	Skipped    bool   `json:"skipped,omitempty"` // ledger refs incomplete
	// AlreadyFlagged means the record was flagged before this call and was
	// left untouched.
	AlreadyFlagged bool         `json:"already_flagged,omitempty"`
	Reason         string       `json:"reason,omitempty"`
	Status         types.Status `json:"status"`
	VerifiedAt     *time.Time   `json:"verified_at,omitempty"`
}

// Err reports a mismatch as an error wrapping ErrVerificationMismatch.
func (r Result) Err() error {
	if r.Consistent || r.Skipped {
		return nil
	}
	return fmt.Errorf("%s: %s: %w", r.FCUID, r.Reason, ErrVerificationMismatch)
}

// Verifier checks records against both ledgers.
type Verifier struct {
	store   storage.Storage
	readers map[types.LedgerName]ledger.Reader
	alerter alert.Alerter
	locker  Locker
	log     logrus.FieldLogger
	now     func() time.Time
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithReader enables on-ledger memo read-back for a slot.
func WithReader(name types.LedgerName, r ledger.Reader) Option {
	return func(v *Verifier) {
		if r != nil {
			v.readers[name] = r
		}
	}
}

// WithAlerter sets where mismatch alerts go.
func WithAlerter(a alert.Alerter) Option {
	return func(v *Verifier) { v.alerter = a }
}

// WithLocker guards Sweep with a distributed lock.
func WithLocker(l Locker) Option {
	return func(v *Verifier) { v.locker = l }
}

// WithLogger sets the logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(v *Verifier) { v.log = log }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// New creates a Verifier.
func New(store storage.Storage, opts ...Option) *Verifier {
	v := &Verifier{
		store:   store,
		readers: make(map[types.LedgerName]ledger.Reader),
		alerter: alert.Nop{},
		log:     logrus.StandardLogger(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// ReaderFor returns l as a Reader when it supports memo read-back.
func ReaderFor(l ledger.Ledger) ledger.Reader {
	r, _ := l.(ledger.Reader)
	return r
}

// Verify checks one record. Records without both ledger refs are skipped.
// A flagged record is left untouched so re-verification never clears a flag.
// Errors are returned only when the check itself could not run; a mismatch is
// a Result with Consistent=false.
func (v *Verifier) Verify(ctx context.Context, id string) (Result, error) {
	rec, err := v.store.GetRecord(ctx, id)
	if err != nil {
		return Result{}, err
	}
	res := Result{FCUID: id, Status: rec.Status, VerifiedAt: rec.LastVerifiedAt}
	if rec.Status == types.StatusFlagged {
		res.AlreadyFlagged = true
		res.Reason = "record is flagged pending investigation"
		return res, nil
	}
	if !rec.LedgerRefs.Complete() {
		res.Skipped = true
		res.Reason = "ledger references incomplete"
		return res, nil
	}

	reasons, err := v.check(ctx, rec)
	if err != nil {
		return Result{}, err
	}

	at := v.now()
	firstCheck := rec.LastVerifiedAt == nil
	updated, err := v.store.MarkVerified(ctx, id, at, len(reasons) == 0)
	if err != nil {
		return Result{}, fmt.Errorf("record verification of %s: %w", id, err)
	}
	res.Status = updated.Status
	res.VerifiedAt = updated.LastVerifiedAt

	if len(reasons) == 0 {
		res.Consistent = true
		if firstCheck {
			if err := v.store.AddEvent(ctx, &types.Event{
				FCUID:     id,
				EventType: types.EventVerified,
				Actor:     "verifier",
				Detail:    "both ledger references carry the fragment",
			}); err != nil {
				return res, fmt.Errorf("record verified event for %s: %w", id, err)
			}
		}
		return res, nil
	}

	res.Reason = strings.Join(reasons, "; ")
	if err := v.store.AddEvent(ctx, &types.Event{
		FCUID:     id,
		EventType: types.EventVerificationMismatch,
		Actor:     "verifier",
		Detail:    res.Reason,
	}); err != nil {
		return res, fmt.Errorf("record mismatch event for %s: %w", id, err)
	}
	v.log.WithFields(logrus.Fields{"fcuid": id, "status": res.Status}).Warn("verification mismatch: " + res.Reason)
	if err := v.alerter.Alert(ctx, alert.Alert{
		Kind:    alert.KindVerificationMismatch,
		FCUID:   id,
		Summary: "cross-ledger verification failed",
		Fields:  map[string]string{"reason": res.Reason, "status": string(res.Status)},
		At:      at,
	}); err != nil {
		// The mismatch event is already stored; a lost alert is logged, not retried.
		v.log.WithError(err).WithField("fcuid", id).Error("deliver mismatch alert")
	}
	return res, nil
}

// check returns one reason per inconsistent slot.
func (v *Verifier) check(ctx context.Context, rec *types.Record) ([]string, error) {
	fragment := idgen.Fragment(rec.ID)
	var reasons []string
	for _, name := range types.Ledgers {
		ref := *rec.LedgerRefs.Get(name)
		tx, embedded := types.SplitLedgerRef(ref)
		if embedded == "" {
			// Legacy references carry the fragment somewhere in the string.
			if !strings.Contains(ref, fragment) {
				reasons = append(reasons, fmt.Sprintf("%s: reference %q does not contain fragment", name, ref))
			}
		} else if embedded != fragment {
			reasons = append(reasons, fmt.Sprintf("%s: embedded fragment %q, expected %q", name, embedded, fragment))
			continue
		}

		reader, ok := v.readers[name]
		if !ok {
			continue
		}
		memo, err := reader.ReadMemo(ctx, tx)
		switch {
		case errors.Is(err, ledger.ErrTxNotFound), errors.Is(err, ledger.ErrTampered):
			reasons = append(reasons, fmt.Sprintf("%s: %v", name, err))
		case err != nil:
			return nil, fmt.Errorf("read %s memo for %s: %w", name, rec.ID, err)
		case memo != fragment:
			reasons = append(reasons, fmt.Sprintf("%s: on-ledger memo %q, expected %q", name, memo, fragment))
		}
	}
	return reasons, nil
}
