//go:build !unix && !windows

package lockfile

import "os"

// Platforms without advisory locks (js/wasm, plan9) run a single process per
// data directory, so every lock is a no-op.

func FlockExclusiveNonBlocking(f *os.File) error { return nil }

func FlockExclusiveBlocking(f *os.File) error { return nil }

func FlockSharedBlocking(f *os.File) error { return nil }

func FlockUnlock(f *os.File) error { return nil }
