// Package memory provides an in-process implementation of storage.Storage for
// tests and single-process development. Multi-instance deployments must use
// sqlstore: the locks here are not shared between processes.
package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fsl-continuum/fcuid/internal/storage"
	"github.com/fsl-continuum/fcuid/internal/types"
)

var _ storage.Storage = (*Store)(nil)

// Store keeps records, reverse indices, events and rate-limit counters in maps.
type Store struct {
	mu sync.RWMutex

	records  map[string]*types.Record
	external map[string]string // storage.ExternalKey -> fcuid
	ledgerTx map[string]string // storage.LedgerTxKey -> fcuid
	events   map[string][]*types.Event

	counters   map[string]counter
	suspicious map[string]*types.SuspiciousEntry

	now    func() time.Time
	closed bool
}

type counter struct {
	windowStart time.Time
	count       int64
}

// Option configures a Store.
type Option func(*Store)

// WithClock replaces time.Now, used by rate-limit tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		records:    make(map[string]*types.Record),
		external:   make(map[string]string),
		ledgerTx:   make(map[string]string),
		events:     make(map[string][]*types.Event),
		counters:   make(map[string]counter),
		suspicious: make(map[string]*types.SuspiciousEntry),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) checkOpen() error {
	if s.closed {
		return fmt.Errorf("memory store is closed")
	}
	return nil
}

// CreateRecord inserts a new active record.
func (s *Store) CreateRecord(ctx context.Context, id string, entityType types.EntityType) (*types.Record, error) {
	if !entityType.IsValid() {
		return nil, fmt.Errorf("invalid entity type %q", entityType)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if _, exists := s.records[id]; exists {
		return nil, fmt.Errorf("create %s: %w", id, storage.ErrDuplicateID)
	}
	now := s.now().UTC()
	rec := &types.Record{
		ID:         id,
		EntityType: entityType,
		Status:     types.StatusActive,
		CreatedAt:  now,
		UpdatedAt:  now,
		Version:    1,
	}
	s.records[id] = rec
	s.appendEvent(id, types.EventCreated, "", string(entityType))
	return rec.Clone(), nil
}

// GetRecord returns a copy of the record, or storage.ErrNotFound.
func (s *Store) GetRecord(ctx context.Context, id string) (*types.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, fmt.Errorf("record %s: %w", id, storage.ErrNotFound)
	}
	return rec.Clone(), nil
}

// ListRecords returns matching records ordered by creation time.
func (s *Store) ListRecords(ctx context.Context, filter types.RecordFilter) ([]*types.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Record
	for _, rec := range s.records {
		if filter.Matches(rec) {
			out = append(out, rec.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// update runs fn against the stored record under the write lock and bumps the
// version when fn reports a change.
func (s *Store) update(id string, fn func(rec *types.Record) (bool, error)) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("record %s: %w", id, storage.ErrNotFound)
	}
	work := rec.Clone()
	changed, err := fn(work)
	if err != nil || !changed {
		return err
	}
	work.Version = rec.Version + 1
	work.UpdatedAt = s.now().UTC()
	s.records[id] = work
	return nil
}

// AttachExternalRef maps (systemKey, externalID) to id.
func (s *Store) AttachExternalRef(ctx context.Context, id, systemKey, externalID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := storage.ExternalKey(systemKey, externalID)
	if owner, ok := s.external[key]; ok && owner != id {
		return fmt.Errorf("%s %q is mapped to %s: %w", systemKey, externalID, owner, storage.ErrConflictingReference)
	}
	var attached bool
	err := s.update(id, func(rec *types.Record) (bool, error) {
		changed, err := storage.ApplyExternalRef(rec, systemKey, externalID)
		attached = changed
		return changed, err
	})
	if err != nil {
		return err
	}
	if attached {
		s.external[key] = id
		s.appendEvent(id, types.EventExternalRefAttached, "", systemKey+"="+externalID)
	}
	return nil
}

// AttachLedgerRef fills a write-once ledger slot and indexes its transaction.
func (s *Store) AttachLedgerRef(ctx context.Context, id string, ledger types.LedgerName, txRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := storage.LedgerTxKey(txRef)
	if owner, ok := s.ledgerTx[key]; ok && owner != id {
		return fmt.Errorf("ledger tx %s is mapped to %s: %w", key, owner, storage.ErrConflictingReference)
	}
	err := s.update(id, func(rec *types.Record) (bool, error) {
		return true, storage.ApplyLedgerRef(rec, ledger, txRef)
	})
	if err != nil {
		return err
	}
	s.ledgerTx[key] = id
	s.appendEvent(id, types.EventLedgerRefAttached, "", string(ledger)+"="+txRef)
	return nil
}

// ReverseLookup resolves an external reference to its FCUID.
func (s *Store) ReverseLookup(ctx context.Context, systemKey, externalID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.external[storage.ExternalKey(systemKey, externalID)]
	if !ok {
		return "", fmt.Errorf("%s %q: %w", systemKey, externalID, storage.ErrNotFound)
	}
	return id, nil
}

// LookupByLedgerTx resolves a ledger transaction (bare or stored form) to its FCUID.
func (s *Store) LookupByLedgerTx(ctx context.Context, txRef string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.ledgerTx[storage.LedgerTxKey(txRef)]
	if !ok {
		return "", fmt.Errorf("ledger tx %s: %w", txRef, storage.ErrNotFound)
	}
	return id, nil
}

// AdvanceStatus performs a forward status transition.
func (s *Store) AdvanceStatus(ctx context.Context, id string, next types.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var from types.Status
	err := s.update(id, func(rec *types.Record) (bool, error) {
		from = rec.Status
		return true, storage.ApplyStatus(rec, next)
	})
	if err != nil {
		return err
	}
	s.appendEvent(id, types.EventStatusChanged, "", string(from)+"->"+string(next))
	return nil
}

// MarkDegraded sets or clears the degraded annotation.
func (s *Store) MarkDegraded(ctx context.Context, id string, degraded bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.update(id, func(rec *types.Record) (bool, error) {
		if rec.Degraded == degraded {
			return false, nil
		}
		rec.Degraded = degraded
		return true, nil
	})
}

// MarkVerified stores a verification outcome and returns the updated record.
func (s *Store) MarkVerified(ctx context.Context, id string, at time.Time, consistent bool) (*types.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.update(id, func(rec *types.Record) (bool, error) {
		storage.ApplyVerification(rec, at, consistent)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return s.records[id].Clone(), nil
}

// ResolveFlag archives a flagged record after manual investigation.
func (s *Store) ResolveFlag(ctx context.Context, id, actor, note string) error {
	if strings.TrimSpace(note) == "" {
		return fmt.Errorf("resolution note is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.update(id, func(rec *types.Record) (bool, error) {
		return true, storage.ApplyResolve(rec)
	})
	if err != nil {
		return err
	}
	s.appendEvent(id, types.EventResolved, actor, note)
	return nil
}

// AddEvent appends an event to a record's audit trail.
func (s *Store) AddEvent(ctx context.Context, event *types.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen(); err != nil {
		return err
	}
	e := *event
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now().UTC()
	}
	s.events[e.FCUID] = append(s.events[e.FCUID], &e)
	return nil
}

func (s *Store) appendEvent(id string, et types.EventType, actor, detail string) {
	s.events[id] = append(s.events[id], &types.Event{
		ID:        uuid.NewString(),
		FCUID:     id,
		EventType: et,
		Actor:     actor,
		Detail:    detail,
		CreatedAt: s.now().UTC(),
	})
}

// GetEvents returns the newest events first, up to limit (0 = all).
func (s *Store) GetEvents(ctx context.Context, id string, limit int) ([]*types.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.events[id]
	out := make([]*types.Event, 0, len(src))
	for i := len(src) - 1; i >= 0; i-- {
		e := *src[i]
		out = append(out, &e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// RebuildIndices recreates both reverse indices from the records.
func (s *Store) RebuildIndices(ctx context.Context) (*storage.RebuildReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recs := make([]*types.Record, 0, len(s.records))
	for _, rec := range s.records {
		recs = append(recs, rec)
	}
	external, ledgerTx, report := storage.BuildIndices(recs)
	s.external = external
	s.ledgerTx = ledgerTx
	return report, nil
}

// Close marks the store closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// IncrWindow increments the fixed-window counter for key and returns the new
// count and when the window resets.
func (s *Store) IncrWindow(ctx context.Context, key string, window time.Duration, now time.Time) (int64, time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	start := now.Truncate(window)
	c := s.counters[key]
	if !c.windowStart.Equal(start) {
		c = counter{windowStart: start}
	}
	c.count++
	s.counters[key] = c
	return c.count, start.Add(window), nil
}

// RecordSuspicious upserts a suspicion log entry.
func (s *Store) RecordSuspicious(ctx context.Context, requesterID string, failed int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.suspicious[requesterID]
	if !ok {
		e = &types.SuspiciousEntry{RequesterID: requesterID, FirstFlagged: at.UTC()}
		s.suspicious[requesterID] = e
	}
	if failed > e.FailedLookups {
		e.FailedLookups = failed
	}
	e.LastSeen = at.UTC()
	return nil
}

// ListSuspicious returns the suspicion log, most recent first.
func (s *Store) ListSuspicious(ctx context.Context) ([]types.SuspiciousEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]types.SuspiciousEntry, 0, len(s.suspicious))
	for _, e := range s.suspicious {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastSeen.After(out[j].LastSeen) })
	return out, nil
}
