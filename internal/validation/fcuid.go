package validation

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/fsl-continuum/fcuid/internal/idgen"
)

// ErrInvalidFormat is returned when a candidate FCUID fails the syntactic check.
// It is always a caller error and never retried.
var ErrInvalidFormat = errors.New("invalid FCUID format")

var fcuidPattern = regexp.MustCompile(`^fc-(?:[0-9a-f]{8}-)?[0-9a-f]{12}-[0-9a-f]{12}-[0-9a-f]{8}$`)

// Result is the outcome of ValidateFCUID.
type Result struct {
	Valid  bool   `json:"valid"`
	Reason string `json:"reason,omitempty"`
}

// ValidateFCUID checks candidate against the fixed FCUID format, including the
// checksum group. It does no network or storage access.
func ValidateFCUID(candidate string) Result {
	if candidate == "" {
		return Result{Reason: "empty identifier"}
	}
	if !strings.HasPrefix(candidate, idgen.Prefix+"-") {
		return Result{Reason: fmt.Sprintf("missing %q prefix", idgen.Prefix+"-")}
	}
	if !fcuidPattern.MatchString(candidate) {
		return Result{Reason: "expected fc-[tttttttt-]<12 hex>-<12 hex>-<8 hex> in lowercase"}
	}
	i := strings.LastIndexByte(candidate, '-')
	if idgen.Checksum(candidate[:i]) != candidate[i+1:] {
		return Result{Reason: "checksum mismatch"}
	}
	return Result{Valid: true}
}

// ParseFCUID trims candidate and returns it if valid, or an error wrapping
// ErrInvalidFormat with the reason.
func ParseFCUID(candidate string) (string, error) {
	candidate = strings.TrimSpace(candidate)
	if res := ValidateFCUID(candidate); !res.Valid {
		return "", fmt.Errorf("%w: %s: %q", ErrInvalidFormat, res.Reason, candidate)
	}
	return candidate, nil
}

// ValidateSystemKey checks an external-system key such as "issue_tracker".
func ValidateSystemKey(key string) error {
	if key == "" {
		return fmt.Errorf("system key is required")
	}
	if len(key) > 64 {
		return fmt.Errorf("system key %q is longer than 64 characters", key)
	}
	for _, r := range key {
		if !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9' || r == '_' || r == '-' || r == '.') {
			return fmt.Errorf("invalid system key %q (allowed: a-z, 0-9, '_', '-', '.')", key)
		}
	}
	return nil
}

// ValidateExternalID checks an opaque external identifier.
func ValidateExternalID(id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("external id is required")
	}
	if len(id) > 255 {
		return fmt.Errorf("external id is longer than 255 characters")
	}
	return nil
}
