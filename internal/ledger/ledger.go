// Package ledger commits FCUID fragments to two independent append-only
// ledgers and records the resulting references in the registry.
package ledger

import (
	"context"
	"errors"
)

// ErrLedgerWriteFailed is returned (inside CommitResult) when a ledger write
// exhausted its retries.
var ErrLedgerWriteFailed = errors.New("ledger write failed")

// ErrTxNotFound is returned by Reader.ReadMemo for an unknown transaction.
var ErrTxNotFound = errors.New("ledger transaction not found")

// ErrTampered is returned by Reader.ReadMemo when the stored transaction no
// longer matches what the ledger committed to.
var ErrTampered = errors.New("ledger entry does not match its commitment")

// Entry is what gets written to a ledger.
type Entry struct {
	FCUID    string         `json:"fcuid"`
	Fragment string         `json:"fragment"`
	Payload  map[string]any `json:"payload,omitempty"`
}

// Receipt identifies a committed entry. Fragment is the value the ledger
// reports as embedded in the transaction, not the value that was sent.
type Receipt struct {
	TxRef    string `json:"tx_ref"`
	Fragment string `json:"fragment"`
}

// Ledger is a write target.
type Ledger interface {
	Name() string
	Write(ctx context.Context, entry Entry) (Receipt, error)
}

// Reader is implemented by ledgers that can read an embedded memo back.
type Reader interface {
	ReadMemo(ctx context.Context, txRef string) (string, error)
}
