package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fsl-continuum/fcuid/internal/types"
)

func newRecord(status types.Status) *types.Record {
	return &types.Record{ID: "fc-aaaaaaaaaaaa-bbbbbbbbbbbb-cccccccc", EntityType: types.EntityGeneric, Status: status}
}

func TestApplyStatusTable(t *testing.T) {
	all := []types.Status{types.StatusActive, types.StatusCompleted, types.StatusFlagged, types.StatusArchived}
	allowed := map[[2]types.Status]bool{
		{types.StatusActive, types.StatusCompleted}:   true,
		{types.StatusActive, types.StatusFlagged}:     true,
		{types.StatusCompleted, types.StatusArchived}: true,
		{types.StatusCompleted, types.StatusFlagged}:  true,
	}
	for _, from := range all {
		for _, to := range all {
			rec := newRecord(from)
			err := ApplyStatus(rec, to)
			switch {
			case allowed[[2]types.Status{from, to}]:
				require.NoError(t, err, "%s -> %s", from, to)
				assert.Equal(t, to, rec.Status)
			case from == types.StatusFlagged:
				require.ErrorIs(t, err, ErrFrozen, "%s -> %s", from, to)
				assert.Equal(t, from, rec.Status)
			default:
				require.ErrorIs(t, err, ErrInvalidTransition, "%s -> %s", from, to)
				assert.Equal(t, from, rec.Status)
			}
		}
	}

	require.ErrorIs(t, ApplyStatus(newRecord(types.StatusActive), "paused"), ErrInvalidTransition)
}

func TestApplyVerification(t *testing.T) {
	at := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name       string
		from       types.Status
		consistent bool
		want       types.Status
		changed    bool
	}{
		{"consistent active", types.StatusActive, true, types.StatusActive, false},
		{"mismatch active", types.StatusActive, false, types.StatusFlagged, true},
		{"mismatch completed", types.StatusCompleted, false, types.StatusFlagged, true},
		{"mismatch archived keeps status", types.StatusArchived, false, types.StatusArchived, false},
		{"consistent flagged stays flagged", types.StatusFlagged, true, types.StatusFlagged, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := newRecord(tt.from)
			changed := ApplyVerification(rec, at, tt.consistent)
			assert.Equal(t, tt.changed, changed)
			assert.Equal(t, tt.want, rec.Status)
			require.NotNil(t, rec.LastVerifiedAt)
			assert.Equal(t, at, *rec.LastVerifiedAt)
		})
	}
}

func TestApplyLedgerRefClearsDegraded(t *testing.T) {
	rec := newRecord(types.StatusActive)
	rec.Degraded = true

	require.NoError(t, ApplyLedgerRef(rec, types.LedgerA, "0x1#cccccccc"))
	assert.True(t, rec.Degraded, "one slot is not enough")
	require.NoError(t, ApplyLedgerRef(rec, types.LedgerB, "0x2#cccccccc"))
	assert.False(t, rec.Degraded)

	require.ErrorIs(t, ApplyLedgerRef(rec, types.LedgerB, "0x3#cccccccc"), ErrAlreadySet)
	require.Error(t, ApplyLedgerRef(rec, "ledger_c", "0x4"))
}

func TestApplyExternalRef(t *testing.T) {
	rec := newRecord(types.StatusActive)

	changed, err := ApplyExternalRef(rec, "issue_tracker", "LIN-1")
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = ApplyExternalRef(rec, "issue_tracker", "LIN-1")
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = ApplyExternalRef(rec, "issue_tracker", "LIN-2")
	require.ErrorIs(t, err, ErrConflictingReference)

	rec.Status = types.StatusFlagged
	_, err = ApplyExternalRef(rec, "chat_board", "C1")
	require.ErrorIs(t, err, ErrFrozen)
}

func TestApplyResolve(t *testing.T) {
	rec := newRecord(types.StatusFlagged)
	require.NoError(t, ApplyResolve(rec))
	assert.Equal(t, types.StatusArchived, rec.Status)
	require.ErrorIs(t, ApplyResolve(rec), ErrInvalidTransition)
}

func TestLedgerTxKey(t *testing.T) {
	assert.Equal(t, "0xabc", LedgerTxKey("0xabc#0123456789ab"))
	assert.Equal(t, "0xabc", LedgerTxKey("0xabc"))
	assert.Equal(t, "a#b", LedgerTxKey("a#b#0123456789ab"))
}
