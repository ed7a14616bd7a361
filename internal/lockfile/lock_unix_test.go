//go:build unix

package lockfile

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func openLockTarget(t *testing.T, path string) *os.File {
	t.Helper()
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		t.Fatalf("open %s: %v", path, err)
	}
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestExclusiveLockExcludesSecondHandle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	first := openLockTarget(t, path)
	second := openLockTarget(t, path)

	if err := FlockExclusiveBlocking(first); err != nil {
		t.Fatalf("FlockExclusiveBlocking: %v", err)
	}
	if err := FlockExclusiveNonBlocking(second); !errors.Is(err, ErrLockBusy) {
		t.Fatalf("second handle err = %v, want ErrLockBusy", err)
	}

	if err := FlockUnlock(first); err != nil {
		t.Fatalf("FlockUnlock: %v", err)
	}
	if err := FlockExclusiveNonBlocking(second); err != nil {
		t.Fatalf("lock after release: %v", err)
	}
	if err := FlockUnlock(second); err != nil {
		t.Fatalf("FlockUnlock second: %v", err)
	}
}

func TestSharedLocksCoexist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.jsonl")
	a := openLockTarget(t, path)
	b := openLockTarget(t, path)
	w := openLockTarget(t, path)

	if err := FlockSharedBlocking(a); err != nil {
		t.Fatalf("shared a: %v", err)
	}
	if err := FlockSharedBlocking(b); err != nil {
		t.Fatalf("shared b: %v", err)
	}
	if err := FlockExclusiveNonBlocking(w); !errors.Is(err, ErrLockBusy) {
		t.Errorf("writer err = %v while readers hold shared locks", err)
	}
	_ = FlockUnlock(a)
	_ = FlockUnlock(b)
}
