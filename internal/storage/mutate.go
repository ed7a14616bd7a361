package storage

import (
	"fmt"
	"time"

	"github.com/fsl-continuum/fcuid/internal/types"
)

// The Apply* helpers hold the record-level rules shared by every backend.
// They mutate rec in place; the caller persists it with a compare-and-set.

// ApplyExternalRef attaches systemKey -> externalID. It reports false when the
// identical mapping is already present.
func ApplyExternalRef(rec *types.Record, systemKey, externalID string) (bool, error) {
	if rec.Status == types.StatusFlagged {
		return false, fmt.Errorf("attach %s to %s: %w", systemKey, rec.ID, ErrFrozen)
	}
	if existing, ok := rec.ExternalRefs[systemKey]; ok {
		if existing == externalID {
			return false, nil
		}
		return false, fmt.Errorf("%s already has %s reference %q: %w", rec.ID, systemKey, existing, ErrConflictingReference)
	}
	if rec.ExternalRefs == nil {
		rec.ExternalRefs = make(map[string]string)
	}
	rec.ExternalRefs[systemKey] = externalID
	return true, nil
}

// ApplyLedgerRef fills a write-once ledger slot.
func ApplyLedgerRef(rec *types.Record, ledger types.LedgerName, ref string) error {
	if !ledger.IsValid() {
		return fmt.Errorf("unknown ledger slot %q", ledger)
	}
	if rec.Status == types.StatusFlagged {
		return fmt.Errorf("attach %s to %s: %w", ledger, rec.ID, ErrFrozen)
	}
	if existing := rec.LedgerRefs.Get(ledger); existing != nil {
		return fmt.Errorf("%s %s is %q: %w", rec.ID, ledger, *existing, ErrAlreadySet)
	}
	rec.LedgerRefs.Set(ledger, ref)
	if rec.LedgerRefs.Complete() {
		rec.Degraded = false
	}
	return nil
}

// ApplyStatus performs an automated forward transition.
func ApplyStatus(rec *types.Record, next types.Status) error {
	if !next.IsValid() {
		return fmt.Errorf("unknown status %q: %w", next, ErrInvalidTransition)
	}
	if rec.Status == types.StatusFlagged {
		return fmt.Errorf("%s -> %s for %s: %w", rec.Status, next, rec.ID, ErrFrozen)
	}
	if !rec.Status.CanTransition(next) {
		return fmt.Errorf("%s -> %s for %s: %w", rec.Status, next, rec.ID, ErrInvalidTransition)
	}
	rec.Status = next
	return nil
}

// ApplyVerification records a verification outcome. A mismatch flags the
// record; a consistent result never clears an existing flag. It reports whether
// the status changed.
func ApplyVerification(rec *types.Record, at time.Time, consistent bool) bool {
	at = at.UTC()
	rec.LastVerifiedAt = &at
	if consistent || rec.Status == types.StatusFlagged {
		return false
	}
	if rec.Status == types.StatusArchived {
		// Archived records keep their terminal status; the mismatch is still
		// recorded as an event by the verifier.
		return false
	}
	rec.Status = types.StatusFlagged
	return true
}

// ApplyResolve closes a flagged record after manual investigation.
func ApplyResolve(rec *types.Record) error {
	if rec.Status != types.StatusFlagged {
		return fmt.Errorf("%s is %s, only flagged records can be resolved: %w", rec.ID, rec.Status, ErrInvalidTransition)
	}
	rec.Status = types.StatusArchived
	return nil
}

// ExternalKey is the reverse-index key for an external reference.
func ExternalKey(systemKey, externalID string) string {
	return systemKey + "\x00" + externalID
}

// LedgerTxKey is the reverse-index key for a stored or bare ledger reference.
func LedgerTxKey(ref string) string {
	tx, _ := types.SplitLedgerRef(ref)
	return tx
}
