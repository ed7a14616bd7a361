package ui

import (
	"os"
	"testing"
)

// unsetenv removes key for the rest of the test; t.Setenv beforehand makes
// the testing package restore it afterwards.
func unsetenv(t *testing.T, key string) {
	t.Helper()
	if err := os.Unsetenv(key); err != nil {
		t.Fatalf("unsetenv %s: %v", key, err)
	}
}
