package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-sql-driver/mysql"
	"github.com/sirupsen/logrus"

	"github.com/fsl-continuum/fcuid/internal/storage"
)

const (
	// txRetryInitial is the first delay after a lost compare-and-set race or
	// serialization conflict.
	txRetryInitial = 10 * time.Millisecond
	txRetryMax     = 500 * time.Millisecond
	// txRetryElapsed bounds the total time spent retrying one logical write.
	txRetryElapsed = 10 * time.Second
)

// errKeyTaken is returned from inside a transaction when a reverse-index
// insert hit a unique key owned by another record.
var errKeyTaken = errors.New("index key taken")

func newTxBackoff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = txRetryInitial
	bo.MaxInterval = txRetryMax
	bo.MaxElapsedTime = txRetryElapsed
	return bo
}

// runTx executes fn in a transaction, retrying version conflicts, serialization
// failures and transient connection errors. Every other error is permanent.
func (s *Store) runTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := s.runTxOnce(ctx, fn)
		if err == nil {
			return nil
		}
		if isRetryableError(err) {
			s.log.WithFields(logrus.Fields{"attempt": attempt, "error": err.Error()}).Debug("retrying registry transaction")
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(newTxBackoff(), ctx))
}

func (s *Store) runTxOnce(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// isRetryableError reports whether err is worth another attempt.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, storage.ErrVersionConflict) {
		return true
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1213, // deadlock
			1205: // lock wait timeout
			return true
		case 1105:
			// Dolt reports optimistic merge conflicts as a generic error.
			return strings.Contains(strings.ToLower(myErr.Message), "serialization")
		}
	}
	errStr := strings.ToLower(err.Error())
	for _, transient := range []string{
		"driver: bad connection",
		"invalid connection",
		"broken pipe",
		"connection reset",
		"connection refused",
		"lost connection",
		"gone away",
		"i/o timeout",
		"database is locked",
		"sqlite_busy",
	} {
		if strings.Contains(errStr, transient) {
			return true
		}
	}
	return false
}

// isDuplicateKeyError reports whether err is a unique/primary key violation.
func isDuplicateKeyError(err error) bool {
	if err == nil {
		return false
	}
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1062
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "PRIMARY KEY constraint failed") ||
		strings.Contains(strings.ToLower(errStr), "duplicate entry") ||
		strings.Contains(strings.ToLower(errStr), "duplicate primary key")
}
