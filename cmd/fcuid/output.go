package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/fsl-continuum/fcuid/internal/ratelimit"
	"github.com/fsl-continuum/fcuid/internal/service"
	"github.com/fsl-continuum/fcuid/internal/storage"
	"github.com/fsl-continuum/fcuid/internal/validation"
	"github.com/fsl-continuum/fcuid/internal/verify"
)

// stdout is swapped by tests.
var stdout io.Writer = os.Stdout

// outputJSON outputs data as pretty-printed JSON to stdout.
func outputJSON(v interface{}) {
	encoder := json.NewEncoder(stdout)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(v); err != nil {
		fmt.Fprintf(os.Stderr, "Error encoding JSON: %v\n", err)
		os.Exit(1)
	}
}

// outputYAML renders v through its JSON form so field names match --json.
func outputYAML(v interface{}) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return err
	}
	enc := yaml.NewEncoder(stdout)
	enc.SetIndent(2)
	if err := enc.Encode(generic); err != nil {
		return err
	}
	return enc.Close()
}

// outputJSONError outputs an error as JSON to stderr and exits with code 1.
func outputJSONError(err error, code string) {
	errObj := map[string]string{"error": err.Error()}
	if code != "" {
		errObj["code"] = code
	}
	encoder := json.NewEncoder(os.Stderr)
	encoder.SetIndent("", "  ")
	_ = encoder.Encode(errObj) // Best effort: if JSON encoding fails, error is already printed to stderr
	os.Exit(1)
}

// errorCode maps an error to a stable machine-readable code.
func errorCode(err error) string {
	var limited *ratelimit.LimitError
	switch {
	case errors.As(err, &limited):
		return "rate_limited"
	case errors.Is(err, validation.ErrInvalidFormat):
		return "invalid_format"
	case errors.Is(err, service.ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, storage.ErrNotFound):
		return "not_found"
	case errors.Is(err, storage.ErrConflictingReference), errors.Is(err, storage.ErrAlreadySet):
		return "conflict"
	case errors.Is(err, storage.ErrDuplicateID):
		return "duplicate_id"
	case errors.Is(err, storage.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, storage.ErrFrozen):
		return "frozen"
	case errors.Is(err, verify.ErrVerificationMismatch):
		return "verification_mismatch"
	}
	return ""
}

// FatalError writes an error message to stderr and exits with code 1.
func FatalError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Error: "+format+"\n", args...)
	os.Exit(1)
}

// WarnError writes a warning message to stderr and returns.
func WarnError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "Warning: "+format+"\n", args...)
}

func printf(format string, args ...interface{}) {
	fmt.Fprintf(stdout, format, args...)
}
