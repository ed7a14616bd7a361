package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fsl-continuum/fcuid/internal/storage"
	"github.com/fsl-continuum/fcuid/internal/storage/storagetest"
	"github.com/fsl-continuum/fcuid/internal/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{
		Driver: DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "registry.db"),
	})
	require.NoError(t, err)
	return s
}

func TestSQLiteConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Storage { return openTestStore(t) })
}

func TestReopenKeepsState(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "registry.db")
	id := "fc-0123456789ab-0123456789ab-00000000"

	s, err := Open(ctx, Config{Driver: DriverSQLite, Path: path})
	require.NoError(t, err)
	_, err = s.CreateRecord(ctx, id, types.EntityDeployment)
	require.NoError(t, err)
	require.NoError(t, s.AttachExternalRef(ctx, id, "kanban", "card-9"))
	require.NoError(t, s.AttachLedgerRef(ctx, id, types.LedgerB, "mmr-3#0123456789ab"))
	require.NoError(t, s.Close())

	s, err = Open(ctx, Config{Driver: DriverSQLite, Path: path})
	require.NoError(t, err)
	defer s.Close()

	rec, err := s.GetRecord(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.EntityDeployment, rec.EntityType)
	assert.Equal(t, "card-9", rec.ExternalRefs["kanban"])
	require.NotNil(t, rec.LedgerRefs.LedgerB)
	assert.Equal(t, "mmr-3#0123456789ab", *rec.LedgerRefs.LedgerB)
	assert.Nil(t, rec.LedgerRefs.LedgerA)
	assert.Equal(t, int64(3), rec.Version)

	owner, err := s.LookupByLedgerTx(ctx, "mmr-3")
	require.NoError(t, err)
	assert.Equal(t, id, owner)
}

func TestConcurrentWritersOnOneRecord(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	defer s.Close()
	id := "fc-0123456789ab-0123456789ab-00000000"
	_, err := s.CreateRecord(ctx, id, types.EntityGeneric)
	require.NoError(t, err)

	const writers = 8
	var wg sync.WaitGroup
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, s.AttachExternalRef(ctx, id, fmt.Sprintf("system_%d", i), "ext"))
		}(i)
	}
	wg.Wait()

	rec, err := s.GetRecord(ctx, id)
	require.NoError(t, err)
	assert.Len(t, rec.ExternalRefs, writers, "no update may be lost")
	assert.Equal(t, int64(1+writers), rec.Version)
}

func TestRebuildIndicesRepairsDrift(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	defer s.Close()
	id := "fc-0123456789ab-0123456789ab-00000000"
	_, err := s.CreateRecord(ctx, id, types.EntityGeneric)
	require.NoError(t, err)
	require.NoError(t, s.AttachExternalRef(ctx, id, "issue_tracker", "LIN-3"))

	_, err = s.DB().ExecContext(ctx, `DELETE FROM external_refs`)
	require.NoError(t, err)
	_, err = s.ReverseLookup(ctx, "issue_tracker", "LIN-3")
	require.ErrorIs(t, err, storage.ErrNotFound)

	report, err := s.RebuildIndices(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ExternalRefs)

	owner, err := s.ReverseLookup(ctx, "issue_tracker", "LIN-3")
	require.NoError(t, err)
	assert.Equal(t, id, owner)
}

func TestCounters(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	defer s.Close()
	base := time.Date(2026, 3, 1, 12, 0, 30, 0, time.UTC)

	for i := int64(1); i <= 3; i++ {
		n, reset, err := s.IncrWindow(ctx, "ip:10.0.0.1", time.Minute, base)
		require.NoError(t, err)
		assert.Equal(t, i, n)
		assert.Equal(t, base.Truncate(time.Minute).Add(time.Minute), reset)
	}
	n, _, err := s.IncrWindow(ctx, "ip:10.0.0.1", time.Minute, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, s.RecordSuspicious(ctx, "bot", 10, base))
	require.NoError(t, s.RecordSuspicious(ctx, "bot", 4, base.Add(time.Second)))
	entries, err := s.ListSuspicious(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(10), entries[0].FailedLookups, "count never decreases")
	assert.Equal(t, base, entries[0].FirstFlagged)
	assert.Equal(t, base.Add(time.Second), entries[0].LastSeen)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), Config{Driver: "postgres"})
	require.Error(t, err)
	_, err = Open(context.Background(), Config{Driver: DriverMySQL})
	require.Error(t, err)
}

func TestErrorClassification(t *testing.T) {
	assert.True(t, isDuplicateKeyError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}))
	assert.True(t, isDuplicateKeyError(errors.New("sqlite3: constraint failed: UNIQUE constraint failed: records.id")))
	assert.False(t, isDuplicateKeyError(errors.New("no such table")))

	assert.True(t, isRetryableError(fmt.Errorf("wrap: %w", storage.ErrVersionConflict)))
	assert.True(t, isRetryableError(&mysql.MySQLError{Number: 1213}))
	assert.True(t, isRetryableError(errors.New("sqlite3: database is locked")))
	assert.False(t, isRetryableError(storage.ErrConflictingReference))
	assert.False(t, isRetryableError(errKeyTaken))
}
