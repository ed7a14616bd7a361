// Package fcuid provides a minimal public API for programs that mint or check
// FCUIDs without running the registry service.
//
// Everything else (the mapping registry, ledger writer and verifier) lives
// under internal/ and is reached through the fcuid command or its HTTP API.
package fcuid

import (
	"time"

	"github.com/fsl-continuum/fcuid/internal/idgen"
	"github.com/fsl-continuum/fcuid/internal/types"
	"github.com/fsl-continuum/fcuid/internal/validation"
)

// Core types for working with mapping records
type (
	Record     = types.Record
	Status     = types.Status
	EntityType = types.EntityType
	Generator  = idgen.Generator
	Result     = validation.Result
)

// Status constants
const (
	StatusActive    = types.StatusActive
	StatusCompleted = types.StatusCompleted
	StatusFlagged   = types.StatusFlagged
	StatusArchived  = types.StatusArchived
)

// EntityType constants
const (
	EntityEpic       = types.EntityEpic
	EntityDeployment = types.EntityDeployment
	EntityIssue      = types.EntityIssue
	EntityGeneric    = types.EntityGeneric
)

// ErrInvalidFormat is wrapped by Parse for malformed identifiers.
var ErrInvalidFormat = validation.ErrInvalidFormat

// NewGenerator returns a generator backed by crypto/rand.
func NewGenerator() *Generator {
	return idgen.New()
}

// Validate checks candidate against the FCUID format and checksum.
func Validate(candidate string) Result {
	return validation.ValidateFCUID(candidate)
}

// Parse trims candidate and returns it if it is a valid FCUID.
func Parse(candidate string) (string, error) {
	return validation.ParseFCUID(candidate)
}

// Fragment returns the value embedded in ledger transactions for id.
func Fragment(id string) string {
	return idgen.Fragment(id)
}

// Timestamp returns the advisory mint time of a time-sortable FCUID.
func Timestamp(id string) (time.Time, bool) {
	return idgen.Timestamp(id)
}
