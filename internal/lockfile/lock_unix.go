//go:build unix

package lockfile

import (
	"os"

	"golang.org/x/sys/unix"
)

// FlockExclusiveNonBlocking attempts to acquire an exclusive lock without waiting.
// Returns ErrLockBusy if any other lock is held.
func FlockExclusiveNonBlocking(f *os.File) error {
	err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err == unix.EWOULDBLOCK {
		return ErrLockBusy
	}
	return err
}

// FlockExclusiveBlocking acquires an exclusive lock, waiting until it is available.
func FlockExclusiveBlocking(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_EX)
}

// FlockSharedBlocking acquires a shared lock. Readers take it so they never
// observe a half-written line.
func FlockSharedBlocking(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_SH)
}

// FlockUnlock releases a lock on the file.
func FlockUnlock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
