package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fsl-continuum/fcuid/internal/storage"
	"github.com/fsl-continuum/fcuid/internal/storage/storagetest"
)

func TestConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Storage { return New() })
}

func TestIncrWindow(t *testing.T) {
	ctx := context.Background()
	s := New()
	base := time.Date(2026, 3, 1, 12, 0, 10, 0, time.UTC)

	for i := int64(1); i <= 3; i++ {
		n, reset, err := s.IncrWindow(ctx, "req:alice", time.Minute, base)
		require.NoError(t, err)
		assert.Equal(t, i, n)
		assert.Equal(t, time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC), reset)
	}

	n, _, err := s.IncrWindow(ctx, "req:bob", time.Minute, base)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "keys count independently")

	n, _, err = s.IncrWindow(ctx, "req:alice", time.Minute, base.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n, "new window starts from zero")
}

func TestSuspicionLog(t *testing.T) {
	ctx := context.Background()
	s := New()
	t0 := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, s.RecordSuspicious(ctx, "scraper", 11, t0))
	require.NoError(t, s.RecordSuspicious(ctx, "scraper", 15, t0.Add(time.Minute)))
	require.NoError(t, s.RecordSuspicious(ctx, "other", 12, t0.Add(2*time.Minute)))

	entries, err := s.ListSuspicious(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, "other", entries[0].RequesterID)
	assert.Equal(t, "scraper", entries[1].RequesterID)
	assert.Equal(t, int64(15), entries[1].FailedLookups)
	assert.Equal(t, t0, entries[1].FirstFlagged)
	assert.Equal(t, t0.Add(time.Minute), entries[1].LastSeen)
}

func TestGetRecordReturnsCopy(t *testing.T) {
	ctx := context.Background()
	s := New()
	id := "fc-0123456789ab-0123456789ab-00000000"
	_, err := s.CreateRecord(ctx, id, "generic")
	require.NoError(t, err)
	require.NoError(t, s.AttachExternalRef(ctx, id, "issue_tracker", "LIN-1"))

	rec, err := s.GetRecord(ctx, id)
	require.NoError(t, err)
	rec.ExternalRefs["issue_tracker"] = "tampered"
	rec.Status = "archived"

	again, err := s.GetRecord(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "LIN-1", again.ExternalRefs["issue_tracker"])
	assert.Equal(t, "active", string(again.Status))
	assert.Equal(t, int64(2), again.Version)
}

func TestClosedStoreRejectsWrites(t *testing.T) {
	s := New()
	require.NoError(t, s.Close())
	_, err := s.CreateRecord(context.Background(), "fc-0123456789ab-0123456789ab-00000000", "generic")
	require.Error(t, err)
}
