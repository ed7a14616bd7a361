// Package storagetest holds a conformance suite that every storage.Storage
// implementation runs from its own tests.
package storagetest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fsl-continuum/fcuid/internal/idgen"
	"github.com/fsl-continuum/fcuid/internal/storage"
	"github.com/fsl-continuum/fcuid/internal/types"
)

// Factory returns a fresh, empty store. The suite closes it.
type Factory func(t *testing.T) storage.Storage

// Run executes the full suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Storage)
	}{
		{"CreateAndGet", testCreateAndGet},
		{"DuplicateID", testDuplicateID},
		{"ExternalRefs", testExternalRefs},
		{"ExternalRefConflict", testExternalRefConflict},
		{"ConcurrentAttachRace", testConcurrentAttachRace},
		{"LedgerSlotsWriteOnce", testLedgerSlotsWriteOnce},
		{"StatusMachine", testStatusMachine},
		{"FlaggedIsFrozen", testFlaggedIsFrozen},
		{"Events", testEvents},
		{"ListRecords", testListRecords},
		{"RebuildIndices", testRebuildIndices},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			defer func() { _ = s.Close() }()
			tt.fn(t, s)
		})
	}
}

func mint(t *testing.T) string {
	t.Helper()
	id, err := idgen.New().Mint(types.EntityGeneric, false)
	require.NoError(t, err)
	return id
}

func create(t *testing.T, s storage.Storage) string {
	t.Helper()
	id := mint(t)
	_, err := s.CreateRecord(context.Background(), id, types.EntityIssue)
	require.NoError(t, err)
	return id
}

func testCreateAndGet(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	id := mint(t)

	rec, err := s.CreateRecord(ctx, id, types.EntityEpic)
	require.NoError(t, err)
	assert.Equal(t, id, rec.ID)
	assert.Equal(t, types.StatusActive, rec.Status)
	assert.False(t, rec.CreatedAt.IsZero())
	assert.Nil(t, rec.LedgerRefs.LedgerA)
	assert.Nil(t, rec.LastVerifiedAt)

	got, err := s.GetRecord(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.EntityEpic, got.EntityType)
	assert.Equal(t, rec.CreatedAt.Unix(), got.CreatedAt.Unix())

	_, err = s.GetRecord(ctx, mint(t))
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func testDuplicateID(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	id := create(t, s)
	_, err := s.CreateRecord(ctx, id, types.EntityGeneric)
	require.ErrorIs(t, err, storage.ErrDuplicateID)
}

func testExternalRefs(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	id := create(t, s)

	require.NoError(t, s.AttachExternalRef(ctx, id, "issue_tracker", "LIN-42"))
	require.NoError(t, s.AttachExternalRef(ctx, id, "chat_board", "C123/1700000000.000100"))
	// identical re-attach is a no-op
	require.NoError(t, s.AttachExternalRef(ctx, id, "issue_tracker", "LIN-42"))

	rec, err := s.GetRecord(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"issue_tracker": "LIN-42",
		"chat_board":    "C123/1700000000.000100",
	}, rec.ExternalRefs)

	got, err := s.ReverseLookup(ctx, "issue_tracker", "LIN-42")
	require.NoError(t, err)
	assert.Equal(t, id, got)

	_, err = s.ReverseLookup(ctx, "issue_tracker", "LIN-43")
	require.ErrorIs(t, err, storage.ErrNotFound)

	// a second id for the same system on one record conflicts
	err = s.AttachExternalRef(ctx, id, "issue_tracker", "LIN-99")
	require.ErrorIs(t, err, storage.ErrConflictingReference)

	err = s.AttachExternalRef(ctx, mint(t), "issue_tracker", "LIN-100")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func testExternalRefConflict(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	first := create(t, s)
	second := create(t, s)

	require.NoError(t, s.AttachExternalRef(ctx, first, "issue_tracker", "LIN-7"))
	err := s.AttachExternalRef(ctx, second, "issue_tracker", "LIN-7")
	require.ErrorIs(t, err, storage.ErrConflictingReference)

	owner, err := s.ReverseLookup(ctx, "issue_tracker", "LIN-7")
	require.NoError(t, err)
	assert.Equal(t, first, owner)

	rec, err := s.GetRecord(ctx, second)
	require.NoError(t, err)
	assert.Empty(t, rec.ExternalRefs)
}

func testConcurrentAttachRace(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	for round := 0; round < 10; round++ {
		a := create(t, s)
		b := create(t, s)
		extID := "race-" + a[3:15]

		var wg sync.WaitGroup
		errs := make([]error, 2)
		start := make(chan struct{})
		for i, id := range []string{a, b} {
			wg.Add(1)
			go func(i int, id string) {
				defer wg.Done()
				<-start
				errs[i] = s.AttachExternalRef(ctx, id, "kanban", extID)
			}(i, id)
		}
		close(start)
		wg.Wait()

		failures := 0
		for _, err := range errs {
			if err != nil {
				require.ErrorIs(t, err, storage.ErrConflictingReference)
				failures++
			}
		}
		require.Equal(t, 1, failures, "round %d: exactly one attach must fail", round)

		owner, err := s.ReverseLookup(ctx, "kanban", extID)
		require.NoError(t, err)
		winner := a
		if errs[0] != nil {
			winner = b
		}
		assert.Equal(t, winner, owner)
	}
}

func testLedgerSlotsWriteOnce(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	id := create(t, s)
	frag := idgen.Fragment(id)
	refA := types.ComposeLedgerRef("0xaaa111", frag)
	refB := types.ComposeLedgerRef("mmr-7-bbb222", frag)

	require.NoError(t, s.AttachLedgerRef(ctx, id, types.LedgerA, refA))
	err := s.AttachLedgerRef(ctx, id, types.LedgerA, types.ComposeLedgerRef("0xother", frag))
	require.ErrorIs(t, err, storage.ErrAlreadySet)

	rec, err := s.GetRecord(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, rec.LedgerRefs.LedgerA)
	assert.Equal(t, refA, *rec.LedgerRefs.LedgerA)
	assert.Nil(t, rec.LedgerRefs.LedgerB)

	require.NoError(t, s.AttachLedgerRef(ctx, id, types.LedgerB, refB))
	rec, err = s.GetRecord(ctx, id)
	require.NoError(t, err)
	assert.True(t, rec.LedgerRefs.Complete())
	assert.Equal(t, refA, *rec.LedgerRefs.LedgerA, "second slot must not reset the first")

	for _, q := range []string{refA, "0xaaa111", refB, "mmr-7-bbb222"} {
		got, err := s.LookupByLedgerTx(ctx, q)
		require.NoError(t, err, q)
		assert.Equal(t, id, got)
	}
	_, err = s.LookupByLedgerTx(ctx, "0xmissing")
	require.ErrorIs(t, err, storage.ErrNotFound)

	err = s.AttachLedgerRef(ctx, mint(t), types.LedgerA, "0xnope#abc")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func testStatusMachine(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	id := create(t, s)

	require.ErrorIs(t, s.AdvanceStatus(ctx, id, types.StatusArchived), storage.ErrInvalidTransition, "active -> archived skips completed")
	require.ErrorIs(t, s.AdvanceStatus(ctx, id, types.StatusActive), storage.ErrInvalidTransition)

	require.NoError(t, s.AdvanceStatus(ctx, id, types.StatusCompleted))
	require.ErrorIs(t, s.AdvanceStatus(ctx, id, types.StatusActive), storage.ErrInvalidTransition)
	require.NoError(t, s.AdvanceStatus(ctx, id, types.StatusArchived))

	for _, next := range []types.Status{types.StatusActive, types.StatusCompleted, types.StatusFlagged, types.StatusArchived} {
		require.ErrorIs(t, s.AdvanceStatus(ctx, id, next), storage.ErrInvalidTransition, "archived -> %s", next)
	}

	rec, err := s.GetRecord(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusArchived, rec.Status)

	require.ErrorIs(t, s.AdvanceStatus(ctx, mint(t), types.StatusCompleted), storage.ErrNotFound)
}

func testFlaggedIsFrozen(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	id := create(t, s)
	at := time.Now().UTC().Truncate(time.Second)

	rec, err := s.MarkVerified(ctx, id, at, false)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFlagged, rec.Status)
	require.NotNil(t, rec.LastVerifiedAt)
	assert.Equal(t, at.Unix(), rec.LastVerifiedAt.Unix())

	require.ErrorIs(t, s.AttachExternalRef(ctx, id, "issue_tracker", "LIN-1"), storage.ErrFrozen)
	require.ErrorIs(t, s.AttachLedgerRef(ctx, id, types.LedgerA, "0x1#abc"), storage.ErrFrozen)
	require.ErrorIs(t, s.AdvanceStatus(ctx, id, types.StatusCompleted), storage.ErrFrozen)

	// a later consistent verification never clears the flag
	rec, err = s.MarkVerified(ctx, id, at.Add(time.Minute), true)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFlagged, rec.Status)

	require.Error(t, s.ResolveFlag(ctx, id, "oncall", ""))
	require.NoError(t, s.ResolveFlag(ctx, id, "oncall", "ledger B reorg, confirmed benign"))
	rec, err = s.GetRecord(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.StatusArchived, rec.Status)

	other := create(t, s)
	require.ErrorIs(t, s.ResolveFlag(ctx, other, "oncall", "nothing to resolve"), storage.ErrInvalidTransition)
}

func testEvents(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	id := create(t, s)
	require.NoError(t, s.AttachExternalRef(ctx, id, "issue_tracker", "LIN-5"))
	require.NoError(t, s.AddEvent(ctx, &types.Event{
		FCUID:     id,
		EventType: types.EventLedgerWriteFailed,
		Detail:    "ledger_b: connection refused",
	}))

	events, err := s.GetEvents(ctx, id, 0)
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, types.EventLedgerWriteFailed, events[0].EventType, "newest first")
	assert.Equal(t, types.EventCreated, events[2].EventType)
	for _, e := range events {
		assert.NotEmpty(t, e.ID)
		assert.Equal(t, id, e.FCUID)
	}

	limited, err := s.GetEvents(ctx, id, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func testListRecords(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	complete := create(t, s)
	partial := create(t, s)
	frag := idgen.Fragment(complete)
	require.NoError(t, s.AttachLedgerRef(ctx, complete, types.LedgerA, types.ComposeLedgerRef("0xa1", frag)))
	require.NoError(t, s.AttachLedgerRef(ctx, complete, types.LedgerB, types.ComposeLedgerRef("0xb1", frag)))
	require.NoError(t, s.AttachLedgerRef(ctx, partial, types.LedgerA, types.ComposeLedgerRef("0xa2", idgen.Fragment(partial))))
	require.NoError(t, s.MarkDegraded(ctx, partial, true))

	all, err := s.ListRecords(ctx, types.RecordFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	done, err := s.ListRecords(ctx, types.RecordFilter{LedgerComplete: true})
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, complete, done[0].ID)

	degraded, err := s.ListRecords(ctx, types.RecordFilter{Degraded: true})
	require.NoError(t, err)
	require.Len(t, degraded, 1)
	assert.Equal(t, partial, degraded[0].ID)

	cutoff := time.Now().Add(time.Hour)
	_, err = s.MarkVerified(ctx, complete, time.Now(), true)
	require.NoError(t, err)
	stale, err := s.ListRecords(ctx, types.RecordFilter{LedgerComplete: true, VerifiedBefore: &cutoff})
	require.NoError(t, err)
	assert.Len(t, stale, 1)
	past := time.Now().Add(-time.Hour)
	stale, err = s.ListRecords(ctx, types.RecordFilter{LedgerComplete: true, VerifiedBefore: &past})
	require.NoError(t, err)
	assert.Empty(t, stale)

	flagged := types.StatusFlagged
	none, err := s.ListRecords(ctx, types.RecordFilter{Status: &flagged})
	require.NoError(t, err)
	assert.Empty(t, none)

	active := types.StatusActive
	excluded, err := s.ListRecords(ctx, types.RecordFilter{ExcludeStatus: &active})
	require.NoError(t, err)
	assert.Empty(t, excluded)
	kept, err := s.ListRecords(ctx, types.RecordFilter{ExcludeStatus: &flagged})
	require.NoError(t, err)
	assert.Len(t, kept, 2)

	one, err := s.ListRecords(ctx, types.RecordFilter{Limit: 1})
	require.NoError(t, err)
	assert.Len(t, one, 1)
}

func testRebuildIndices(t *testing.T, s storage.Storage) {
	ctx := context.Background()
	id := create(t, s)
	require.NoError(t, s.AttachExternalRef(ctx, id, "issue_tracker", "LIN-77"))
	require.NoError(t, s.AttachLedgerRef(ctx, id, types.LedgerA, types.ComposeLedgerRef("0xfeed", idgen.Fragment(id))))

	report, err := s.RebuildIndices(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Records)
	assert.Equal(t, 1, report.ExternalRefs)
	assert.Equal(t, 1, report.LedgerRefs)
	assert.Empty(t, report.Conflicts)

	got, err := s.ReverseLookup(ctx, "issue_tracker", "LIN-77")
	require.NoError(t, err)
	assert.Equal(t, id, got)
	got, err = s.LookupByLedgerTx(ctx, "0xfeed")
	require.NoError(t, err)
	assert.Equal(t, id, got)
}
