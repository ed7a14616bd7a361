// Package sqlstore implements storage.Storage on database/sql.
//
// Two dialects are supported: MySQL (including a Dolt sql-server) through
// go-sql-driver/mysql, and an embedded SQLite file through ncruces/go-sqlite3
// for single-host deployments. Record updates are optimistic: every write is an
// UPDATE guarded by the record version, retried with backoff when it loses.
// The reverse indices are separate tables whose primary keys make concurrent
// claims on the same external reference or ledger transaction resolve to
// exactly one winner.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
	"github.com/sirupsen/logrus"

	"github.com/fsl-continuum/fcuid/internal/storage"
	"github.com/fsl-continuum/fcuid/internal/types"
)

// Dialect names accepted by Config.Driver.
const (
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
)

// Config selects and locates the database.
type Config struct {
	Driver string // sqlite or mysql
	Path   string // SQLite file path
	DSN    string // MySQL / Dolt sql-server DSN

	Logger *logrus.Logger
	Now    func() time.Time
}

// Store is a database/sql backed registry.
type Store struct {
	db      *sql.DB
	dialect string
	log     *logrus.Logger
	now     func() time.Time
}

var _ storage.Storage = (*Store)(nil)

// Open connects to the configured database and creates the schema if needed.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	s := &Store{dialect: cfg.Driver, log: cfg.Logger, now: cfg.Now}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	if s.now == nil {
		s.now = time.Now
	}

	var err error
	switch cfg.Driver {
	case DriverSQLite, "":
		s.dialect = DriverSQLite
		s.db, err = openSQLite(cfg.Path)
	case DriverMySQL:
		s.db, err = openMySQL(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown store driver %q (expected sqlite or mysql)", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if err := s.db.PingContext(ctx); err != nil {
		_ = s.db.Close()
		return nil, fmt.Errorf("ping %s registry: %w", s.dialect, err)
	}
	if err := s.initSchema(ctx); err != nil {
		_ = s.db.Close()
		return nil, fmt.Errorf("init %s schema: %w", s.dialect, err)
	}
	return s, nil
}

func openSQLite(path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite store requires a path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_journal=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite registry: %w", err)
	}
	// One writer at a time; transactions queue on the pool.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, nil
}

func openMySQL(dsn string) (*sql.DB, error) {
	if dsn == "" {
		return nil, fmt.Errorf("mysql store requires a dsn")
	}
	mcfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	if mcfg.Timeout == 0 {
		mcfg.Timeout = 5 * time.Second
	}
	connector, err := mysql.NewConnector(mcfg)
	if err != nil {
		return nil, fmt.Errorf("mysql connector: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)
	return db, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	schema := sqliteSchema
	if s.dialect == DriverMySQL {
		schema = mysqlSchema
	}
	for _, stmt := range strings.Split(schema, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%s: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// Close closes the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the handle for maintenance tooling.
func (s *Store) DB() *sql.DB {
	return s.db
}

const recordColumns = `id, entity_type, status, created_at, updated_at, external_refs,
	ledger_a, ledger_b, last_verified_at, degraded, version`

type rowScanner interface {
	Scan(dest ...any) error
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanRecord(row rowScanner) (*types.Record, error) {
	var (
		rec                types.Record
		created, updated   int64
		refs               string
		ledgerA, ledgerB   sql.NullString
		verified           sql.NullInt64
		degraded           bool
		entityType, status string
	)
	if err := row.Scan(&rec.ID, &entityType, &status, &created, &updated, &refs,
		&ledgerA, &ledgerB, &verified, &degraded, &rec.Version); err != nil {
		return nil, err
	}
	rec.EntityType = types.EntityType(entityType)
	rec.Status = types.Status(status)
	rec.CreatedAt = time.Unix(0, created).UTC()
	rec.UpdatedAt = time.Unix(0, updated).UTC()
	rec.Degraded = degraded
	if refs != "" && refs != "{}" {
		if err := json.Unmarshal([]byte(refs), &rec.ExternalRefs); err != nil {
			return nil, fmt.Errorf("decode external refs for %s: %w", rec.ID, err)
		}
	}
	if ledgerA.Valid {
		rec.LedgerRefs.Set(types.LedgerA, ledgerA.String)
	}
	if ledgerB.Valid {
		rec.LedgerRefs.Set(types.LedgerB, ledgerB.String)
	}
	if verified.Valid {
		t := time.Unix(0, verified.Int64).UTC()
		rec.LastVerifiedAt = &t
	}
	return &rec, nil
}

func loadRecord(ctx context.Context, q querier, id string) (*types.Record, error) {
	rec, err := scanRecord(q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM records WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("record %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load record %s: %w", id, err)
	}
	return rec, nil
}

func nullableString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

// saveRecord writes rec if the stored version still equals rec.Version, and
// bumps the version.
func (s *Store) saveRecord(ctx context.Context, tx *sql.Tx, rec *types.Record) error {
	refs := "{}"
	if len(rec.ExternalRefs) > 0 {
		b, err := json.Marshal(rec.ExternalRefs)
		if err != nil {
			return fmt.Errorf("encode external refs: %w", err)
		}
		refs = string(b)
	}
	var verified sql.NullInt64
	if rec.LastVerifiedAt != nil {
		verified = sql.NullInt64{Int64: rec.LastVerifiedAt.UnixNano(), Valid: true}
	}
	now := s.now().UTC()
	res, err := tx.ExecContext(ctx, `
		UPDATE records SET status = ?, external_refs = ?, ledger_a = ?, ledger_b = ?,
			last_verified_at = ?, degraded = ?, version = ?, updated_at = ?
		WHERE id = ? AND version = ?`,
		string(rec.Status), refs, nullableString(rec.LedgerRefs.LedgerA), nullableString(rec.LedgerRefs.LedgerB),
		verified, rec.Degraded, rec.Version+1, now.UnixNano(),
		rec.ID, rec.Version)
	if err != nil {
		return fmt.Errorf("update record %s: %w", rec.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update record %s: %w", rec.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("update record %s at version %d: %w", rec.ID, rec.Version, storage.ErrVersionConflict)
	}
	rec.Version++
	rec.UpdatedAt = now
	return nil
}

func (s *Store) insertEvent(ctx context.Context, tx *sql.Tx, e *types.Event) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.now().UTC()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO events (id, fcuid, event_type, actor, detail, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.FCUID, string(e.EventType), e.Actor, e.Detail, e.CreatedAt.UnixNano())
	if err != nil {
		return fmt.Errorf("record %s event: %w", e.EventType, err)
	}
	return nil
}

// mutate loads the record inside a transaction, applies fn and saves it with a
// compare-and-set. fn reports whether anything changed; after is called in the
// same transaction once the record has been saved.
func (s *Store) mutate(ctx context.Context, id string, fn func(rec *types.Record) (bool, error), after func(tx *sql.Tx, rec *types.Record) error) (*types.Record, error) {
	var out *types.Record
	err := s.runTx(ctx, func(tx *sql.Tx) error {
		rec, err := loadRecord(ctx, tx, id)
		if err != nil {
			return err
		}
		changed, err := fn(rec)
		if err != nil {
			return err
		}
		if !changed {
			out = rec
			return nil
		}
		if err := s.saveRecord(ctx, tx, rec); err != nil {
			return err
		}
		if after != nil {
			if err := after(tx, rec); err != nil {
				return err
			}
		}
		out = rec
		return nil
	})
	return out, err
}
