// Package storage provides the Mapping Registry interface and shared errors.
//
// Concrete implementations live in the sqlstore (MySQL / Dolt sql-server /
// SQLite) and memory sub-packages. Consumers depend on Storage so decorators
// such as telemetry.WrapStorage can be substituted.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/fsl-continuum/fcuid/internal/types"
)

// ErrNotFound is returned when a requested FCUID or reference does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateID is returned when creating a record whose FCUID already exists.
// The generator guarantees make this unreachable; seeing it is an integrity defect.
var ErrDuplicateID = errors.New("duplicate FCUID")

// ErrConflictingReference is returned when an external reference already maps to
// a different FCUID, or a record already holds a different id for that system.
var ErrConflictingReference = errors.New("conflicting external reference")

// ErrAlreadySet is returned when writing a ledger slot that is already populated.
var ErrAlreadySet = errors.New("ledger reference already set")

// ErrInvalidTransition is returned for status changes that are not forward moves.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrFrozen is returned when mutating a flagged record. Flagged records only
// change through ResolveFlag.
var ErrFrozen = errors.New("record is flagged; automated mutation is frozen")

// ErrVersionConflict is returned internally when a compare-and-set update lost
// a race. Callers of Storage never see it; implementations retry.
var ErrVersionConflict = errors.New("record version conflict")

// Storage is the Mapping Registry.
type Storage interface {
	// Records
	CreateRecord(ctx context.Context, id string, entityType types.EntityType) (*types.Record, error)
	GetRecord(ctx context.Context, id string) (*types.Record, error)
	ListRecords(ctx context.Context, filter types.RecordFilter) ([]*types.Record, error)

	// References
	AttachExternalRef(ctx context.Context, id, systemKey, externalID string) error
	AttachLedgerRef(ctx context.Context, id string, ledger types.LedgerName, txRef string) error
	ReverseLookup(ctx context.Context, systemKey, externalID string) (string, error)
	LookupByLedgerTx(ctx context.Context, txRef string) (string, error)

	// Lifecycle
	AdvanceStatus(ctx context.Context, id string, next types.Status) error
	MarkDegraded(ctx context.Context, id string, degraded bool) error
	MarkVerified(ctx context.Context, id string, at time.Time, consistent bool) (*types.Record, error)
	ResolveFlag(ctx context.Context, id, actor, note string) error

	// Audit trail
	AddEvent(ctx context.Context, event *types.Event) error
	GetEvents(ctx context.Context, id string, limit int) ([]*types.Event, error)

	// Maintenance
	RebuildIndices(ctx context.Context) (*RebuildReport, error)

	// Lifecycle
	Close() error
}

// RebuildReport summarizes a RebuildIndices run.
type RebuildReport struct {
	Records      int             `json:"records"`
	ExternalRefs int             `json:"external_refs"`
	LedgerRefs   int             `json:"ledger_refs"`
	Conflicts    []IndexConflict `json:"conflicts,omitempty"`
}

// IndexConflict is a reverse-index key claimed by more than one record.
// RebuildIndices keeps the earliest-created claimant and reports the rest.
type IndexConflict struct {
	Key      string   `json:"key"`
	Kept     string   `json:"kept"`
	Rejected []string `json:"rejected"`
}
