package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fsl-continuum/fcuid/internal/storage"
	"github.com/fsl-continuum/fcuid/internal/types"
)

// CreateRecord inserts a new active record.
func (s *Store) CreateRecord(ctx context.Context, id string, entityType types.EntityType) (*types.Record, error) {
	if !entityType.IsValid() {
		return nil, fmt.Errorf("invalid entity type %q", entityType)
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
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO records (id, entity_type, status, created_at, updated_at, external_refs, degraded, version)
			VALUES (?, ?, ?, ?, ?, '{}', ?, 1)`,
			id, string(entityType), string(types.StatusActive), now.UnixNano(), now.UnixNano(), false)
		if isDuplicateKeyError(err) {
			return fmt.Errorf("create %s: %w", id, storage.ErrDuplicateID)
		}
		if err != nil {
			return fmt.Errorf("create %s: %w", id, err)
		}
		return s.insertEvent(ctx, tx, &types.Event{FCUID: id, EventType: types.EventCreated, Detail: string(entityType), CreatedAt: now})
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// GetRecord returns the record, or storage.ErrNotFound.
func (s *Store) GetRecord(ctx context.Context, id string) (*types.Record, error) {
	return loadRecord(ctx, s.db, id)
}

// ListRecords returns matching records ordered by creation time.
func (s *Store) ListRecords(ctx context.Context, filter types.RecordFilter) ([]*types.Record, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.ExcludeStatus != nil {
		where = append(where, "status <> ?")
		args = append(args, string(*filter.ExcludeStatus))
	}
	if filter.EntityType != nil {
		where = append(where, "entity_type = ?")
		args = append(args, string(*filter.EntityType))
	}
	if filter.LedgerComplete {
		where = append(where, "ledger_a IS NOT NULL AND ledger_b IS NOT NULL")
	}
	if filter.Degraded {
		where = append(where, "degraded = 1")
	}
	if filter.VerifiedBefore != nil {
		where = append(where, "(last_verified_at IS NULL OR last_verified_at < ?)")
		args = append(args, filter.VerifiedBefore.UnixNano())
	}

	query := `SELECT ` + recordColumns + ` FROM records`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, id"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	var out []*types.Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// claimIndexKey inserts an index row owned by id. It reports false when the
// key is already owned by id, and errKeyTaken when another record owns it.
func claimIndexKey(ctx context.Context, tx *sql.Tx, selectQ, insertQ string, id string, key ...any) (bool, error) {
	var owner string
	err := tx.QueryRowContext(ctx, selectQ, key...).Scan(&owner)
	switch {
	case err == nil && owner == id:
		return false, nil
	case err == nil:
		return false, fmt.Errorf("owned by %s: %w", owner, errKeyTaken)
	case !errors.Is(err, sql.ErrNoRows):
		return false, err
	}
	if _, err := tx.ExecContext(ctx, insertQ, append(key, id)...); err != nil {
		if isDuplicateKeyError(err) {
			return false, errKeyTaken
		}
		return false, err
	}
	return true, nil
}

// AttachExternalRef maps (systemKey, externalID) to id.
func (s *Store) AttachExternalRef(ctx context.Context, id, systemKey, externalID string) error {
	_, err := s.mutate(ctx, id,
		func(rec *types.Record) (bool, error) {
			return storage.ApplyExternalRef(rec, systemKey, externalID)
		},
		func(tx *sql.Tx, rec *types.Record) error {
			if _, err := claimIndexKey(ctx, tx,
				`SELECT fcuid FROM external_refs WHERE system_key = ? AND external_id = ?`,
				`INSERT INTO external_refs (system_key, external_id, fcuid) VALUES (?, ?, ?)`,
				id, systemKey, externalID); err != nil {
				return err
			}
			return s.insertEvent(ctx, tx, &types.Event{FCUID: id, EventType: types.EventExternalRefAttached, Detail: systemKey + "=" + externalID})
		})
	if errors.Is(err, errKeyTaken) {
		owner, lookupErr := s.ReverseLookup(ctx, systemKey, externalID)
		if lookupErr != nil {
			owner = "another record"
		}
		return fmt.Errorf("%s %q is mapped to %s: %w", systemKey, externalID, owner, storage.ErrConflictingReference)
	}
	return err
}

// AttachLedgerRef fills a write-once ledger slot and indexes its transaction.
func (s *Store) AttachLedgerRef(ctx context.Context, id string, ledger types.LedgerName, txRef string) error {
	key := storage.LedgerTxKey(txRef)
	_, err := s.mutate(ctx, id,
		func(rec *types.Record) (bool, error) {
			return true, storage.ApplyLedgerRef(rec, ledger, txRef)
		},
		func(tx *sql.Tx, rec *types.Record) error {
			if _, err := claimIndexKey(ctx, tx,
				`SELECT fcuid FROM ledger_txs WHERE tx = ?`,
				`INSERT INTO ledger_txs (tx, fcuid) VALUES (?, ?)`,
				id, key); err != nil {
				return err
			}
			return s.insertEvent(ctx, tx, &types.Event{FCUID: id, EventType: types.EventLedgerRefAttached, Detail: string(ledger) + "=" + txRef})
		})
	if errors.Is(err, errKeyTaken) {
		return fmt.Errorf("ledger tx %s is mapped to another record: %w", key, storage.ErrConflictingReference)
	}
	return err
}

// ReverseLookup resolves an external reference to its FCUID.
func (s *Store) ReverseLookup(ctx context.Context, systemKey, externalID string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT fcuid FROM external_refs WHERE system_key = ? AND external_id = ?`,
		systemKey, externalID).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%s %q: %w", systemKey, externalID, storage.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("reverse lookup %s: %w", systemKey, err)
	}
	return id, nil
}

// LookupByLedgerTx resolves a ledger transaction (bare or stored form) to its FCUID.
func (s *Store) LookupByLedgerTx(ctx context.Context, txRef string) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT fcuid FROM ledger_txs WHERE tx = ?`, storage.LedgerTxKey(txRef)).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("ledger tx %s: %w", txRef, storage.ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("ledger lookup: %w", err)
	}
	return id, nil
}

// AdvanceStatus performs a forward status transition.
func (s *Store) AdvanceStatus(ctx context.Context, id string, next types.Status) error {
	var from types.Status
	_, err := s.mutate(ctx, id,
		func(rec *types.Record) (bool, error) {
			from = rec.Status
			return true, storage.ApplyStatus(rec, next)
		},
		func(tx *sql.Tx, rec *types.Record) error {
			return s.insertEvent(ctx, tx, &types.Event{FCUID: id, EventType: types.EventStatusChanged, Detail: string(from) + "->" + string(next)})
		})
	return err
}

// MarkDegraded sets or clears the degraded annotation.
func (s *Store) MarkDegraded(ctx context.Context, id string, degraded bool) error {
	_, err := s.mutate(ctx, id, func(rec *types.Record) (bool, error) {
		if rec.Degraded == degraded {
			return false, nil
		}
		rec.Degraded = degraded
		return true, nil
	}, nil)
	return err
}

// MarkVerified stores a verification outcome and returns the updated record.
func (s *Store) MarkVerified(ctx context.Context, id string, at time.Time, consistent bool) (*types.Record, error) {
	return s.mutate(ctx, id, func(rec *types.Record) (bool, error) {
		storage.ApplyVerification(rec, at, consistent)
		return true, nil
	}, nil)
}

// ResolveFlag archives a flagged record after manual investigation.
func (s *Store) ResolveFlag(ctx context.Context, id, actor, note string) error {
	if strings.TrimSpace(note) == "" {
		return fmt.Errorf("resolution note is required")
	}
	_, err := s.mutate(ctx, id,
		func(rec *types.Record) (bool, error) {
			return true, storage.ApplyResolve(rec)
		},
		func(tx *sql.Tx, rec *types.Record) error {
			return s.insertEvent(ctx, tx, &types.Event{FCUID: id, EventType: types.EventResolved, Actor: actor, Detail: note})
		})
	return err
}

// AddEvent appends an event to a record's audit trail.
func (s *Store) AddEvent(ctx context.Context, event *types.Event) error {
	e := *event
	return s.runTx(ctx, func(tx *sql.Tx) error {
		return s.insertEvent(ctx, tx, &e)
	})
}

// GetEvents returns the newest events first, up to limit (0 = all).
func (s *Store) GetEvents(ctx context.Context, id string, limit int) ([]*types.Event, error) {
	query := `SELECT id, fcuid, event_type, actor, detail, created_at FROM events WHERE fcuid = ? ORDER BY seq DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := s.db.QueryContext(ctx, query, id)
	if err != nil {
		return nil, fmt.Errorf("get events: %w", err)
	}
	defer rows.Close()

	var out []*types.Event
	for rows.Next() {
		var (
			e         types.Event
			eventType string
			created   int64
		)
		if err := rows.Scan(&e.ID, &e.FCUID, &eventType, &e.Actor, &e.Detail, &created); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.EventType = types.EventType(eventType)
		e.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, &e)
	}
	return out, rows.Err()
}

// RebuildIndices recreates both reverse-index tables from the records table.
func (s *Store) RebuildIndices(ctx context.Context) (*storage.RebuildReport, error) {
	var report *storage.RebuildReport
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT `+recordColumns+` FROM records`)
		if err != nil {
			return fmt.Errorf("scan records: %w", err)
		}
		var recs []*types.Record
		for rows.Next() {
			rec, err := scanRecord(rows)
			if err != nil {
				_ = rows.Close()
				return fmt.Errorf("scan record: %w", err)
			}
			recs = append(recs, rec)
		}
		if err := rows.Close(); err != nil {
			return err
		}

		external, ledgerTx, r := storage.BuildIndices(recs)
		if _, err := tx.ExecContext(ctx, `DELETE FROM external_refs`); err != nil {
			return fmt.Errorf("clear external index: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM ledger_txs`); err != nil {
			return fmt.Errorf("clear ledger index: %w", err)
		}
		for _, rec := range recs {
			for _, sys := range rec.SystemKeys() {
				ext := rec.ExternalRefs[sys]
				if external[storage.ExternalKey(sys, ext)] != rec.ID {
					continue
				}
				if _, err := tx.ExecContext(ctx,
					`INSERT INTO external_refs (system_key, external_id, fcuid) VALUES (?, ?, ?)`,
					sys, ext, rec.ID); err != nil {
					return fmt.Errorf("index %s:%s: %w", sys, ext, err)
				}
			}
			for _, l := range types.Ledgers {
				ref := rec.LedgerRefs.Get(l)
				if ref == nil {
					continue
				}
				key := storage.LedgerTxKey(*ref)
				if ledgerTx[key] != rec.ID {
					continue
				}
				if _, err := tx.ExecContext(ctx, `INSERT INTO ledger_txs (tx, fcuid) VALUES (?, ?)`, key, rec.ID); err != nil {
					return fmt.Errorf("index ledger tx %s: %w", key, err)
				}
				// both slots of one record may share a transaction reference
				delete(ledgerTx, key)
			}
		}
		report = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.log.WithFields(logrus.Fields{
		"records":       report.Records,
		"external_refs": report.ExternalRefs,
		"ledger_refs":   report.LedgerRefs,
		"conflicts":     len(report.Conflicts),
	}).Info("rebuilt registry indices")
	return report, nil
}
