// Package lockfile wraps advisory file locks so that several fcuid processes
// can append to the same local ledger log without interleaving writes.
package lockfile

import "errors"

// ErrLockBusy is returned by the non-blocking variants when another process
// already holds a conflicting lock.
var ErrLockBusy = errors.New("lock already held by another process")
