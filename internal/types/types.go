// Package types defines core data structures for the FCUID registry.
package types

import (
	"fmt"
	"sort"
	"time"
)

// Record is the mapping record kept for every minted FCUID.
type Record struct {
	ID             string            `json:"id"`
	EntityType     EntityType        `json:"entity_type"`
	Status         Status            `json:"status"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	ExternalRefs   map[string]string `json:"external_refs,omitempty"` // system key -> external id
	LedgerRefs     LedgerRefs        `json:"ledger_refs"`
	LastVerifiedAt *time.Time        `json:"last_verified_at,omitempty"`

	// Degraded is set when a ledger commit exhausted its retries and one or both
	// ledger slots are still empty. It is an annotation, not a status.
	Degraded bool `json:"degraded,omitempty"`

	// Version is bumped on every write and used for compare-and-set updates.
	Version int64 `json:"version"`
}

// LedgerRefs holds the two write-once ledger slots.
type LedgerRefs struct {
	LedgerA *string `json:"ledger_a,omitempty" yaml:"ledger_a,omitempty"`
	LedgerB *string `json:"ledger_b,omitempty" yaml:"ledger_b,omitempty"`
}

// Get returns the reference stored in the given slot, or nil.
func (l LedgerRefs) Get(name LedgerName) *string {
	switch name {
	case LedgerA:
		return l.LedgerA
	case LedgerB:
		return l.LedgerB
	}
	return nil
}

// Set stores ref in the named slot.
func (l *LedgerRefs) Set(name LedgerName, ref string) {
	switch name {
	case LedgerA:
		l.LedgerA = &ref
	case LedgerB:
		l.LedgerB = &ref
	}
}

// Complete reports whether both slots are populated.
func (l LedgerRefs) Complete() bool {
	return l.LedgerA != nil && l.LedgerB != nil
}

// Clone returns a deep copy of the record so callers can't mutate stored state.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.ExternalRefs != nil {
		c.ExternalRefs = make(map[string]string, len(r.ExternalRefs))
		for k, v := range r.ExternalRefs {
			c.ExternalRefs[k] = v
		}
	}
	if r.LedgerRefs.LedgerA != nil {
		a := *r.LedgerRefs.LedgerA
		c.LedgerRefs.LedgerA = &a
	}
	if r.LedgerRefs.LedgerB != nil {
		b := *r.LedgerRefs.LedgerB
		c.LedgerRefs.LedgerB = &b
	}
	if r.LastVerifiedAt != nil {
		t := *r.LastVerifiedAt
		c.LastVerifiedAt = &t
	}
	return &c
}

// SystemKeys returns the external system keys in sorted order.
func (r *Record) SystemKeys() []string {
	keys := make([]string, 0, len(r.ExternalRefs))
	for k := range r.ExternalRefs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// EntityType tags what kind of entity an FCUID tracks.
type EntityType string

// Entity types
const (
	EntityEpic       EntityType = "epic"
	EntityDeployment EntityType = "deployment"
	EntityIssue      EntityType = "issue"
	EntityGeneric    EntityType = "generic"
)

// IsValid checks if the entity type is known.
func (e EntityType) IsValid() bool {
	switch e {
	case EntityEpic, EntityDeployment, EntityIssue, EntityGeneric:
		return true
	}
	return false
}

// ParseEntityType converts user input to an EntityType. Empty input means generic.
func ParseEntityType(s string) (EntityType, error) {
	if s == "" {
		return EntityGeneric, nil
	}
	e := EntityType(s)
	if !e.IsValid() {
		return "", fmt.Errorf("invalid entity type %q (expected epic, deployment, issue or generic)", s)
	}
	return e, nil
}

// Status represents the lifecycle state of a record.
type Status string

// Record statuses
const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusFlagged   Status = "flagged"
	StatusArchived  Status = "archived"
)

// IsValid checks if the status value is valid.
func (s Status) IsValid() bool {
	switch s {
	case StatusActive, StatusCompleted, StatusFlagged, StatusArchived:
		return true
	}
	return false
}

// forward lists the automated transitions allowed out of each status.
// flagged has no automated exits; archived is terminal.
var forward = map[Status][]Status{
	StatusActive:    {StatusCompleted, StatusFlagged},
	StatusCompleted: {StatusArchived, StatusFlagged},
}

// CanTransition reports whether an automated transition from s to next is allowed.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range forward[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// LedgerName identifies one of the two ledger slots.
type LedgerName string

// Ledger slots
const (
	LedgerA LedgerName = "ledger_a"
	LedgerB LedgerName = "ledger_b"
)

// Ledgers lists both slots in a stable order.
var Ledgers = []LedgerName{LedgerA, LedgerB}

// IsValid checks if the ledger name is one of the two slots.
func (l LedgerName) IsValid() bool {
	return l == LedgerA || l == LedgerB
}

// Event is an entry in a record's audit trail.
type Event struct {
	ID        string    `json:"id"`
	FCUID     string    `json:"fcuid"`
	EventType EventType `json:"event_type"`
	Actor     string    `json:"actor,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// EventType categorizes audit trail events
type EventType string

// Audit trail event types
const (
	EventCreated              EventType = "created"
	EventExternalRefAttached  EventType = "external_ref_attached"
	EventLedgerRefAttached    EventType = "ledger_ref_attached"
	EventLedgerWriteFailed    EventType = "ledger_write_failed"
	EventStatusChanged        EventType = "status_changed"
	EventVerified             EventType = "verified"
	EventVerificationMismatch EventType = "verification_mismatch"
	EventDuplicateID          EventType = "duplicate_id"
	EventResolved             EventType = "resolved"
)

// RecordFilter narrows ListRecords.
type RecordFilter struct {
	Status         *Status
	ExcludeStatus  *Status // drop records in this status before Limit applies
	EntityType     *EntityType
	LedgerComplete bool       // only records with both ledger slots populated
	VerifiedBefore *time.Time // last_verified_at is nil or older than this
	Degraded       bool       // only degraded records
	Limit          int
}

// Matches reports whether r passes the filter (Limit is ignored).
func (f RecordFilter) Matches(r *Record) bool {
	if f.Status != nil && r.Status != *f.Status {
		return false
	}
	if f.ExcludeStatus != nil && r.Status == *f.ExcludeStatus {
		return false
	}
	if f.EntityType != nil && r.EntityType != *f.EntityType {
		return false
	}
	if f.LedgerComplete && !r.LedgerRefs.Complete() {
		return false
	}
	if f.Degraded && !r.Degraded {
		return false
	}
	if f.VerifiedBefore != nil && r.LastVerifiedAt != nil && !r.LastVerifiedAt.Before(*f.VerifiedBefore) {
		return false
	}
	return true
}

// SuspiciousEntry is one requester that crossed the failed-lookup threshold.
type SuspiciousEntry struct {
	RequesterID   string    `json:"requester_id"`
	FailedLookups int64     `json:"failed_lookups"`
	FirstFlagged  time.Time `json:"first_flagged"`
	LastSeen      time.Time `json:"last_seen"`
}

// LedgerRefSeparator joins a ledger transaction reference and the fragment the
// ledger reports as embedded in that transaction.
const LedgerRefSeparator = "#"

// ComposeLedgerRef builds the stored form of a ledger reference.
func ComposeLedgerRef(tx, fragment string) string {
	return tx + LedgerRefSeparator + fragment
}

// SplitLedgerRef splits a stored ledger reference into its transaction part and
// embedded fragment. A bare transaction reference returns an empty fragment.
func SplitLedgerRef(ref string) (tx, fragment string) {
	for i := len(ref) - 1; i >= 0; i-- {
		if ref[i] == LedgerRefSeparator[0] {
			return ref[:i], ref[i+1:]
		}
	}
	return ref, ""
}
