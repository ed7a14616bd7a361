package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fsl-continuum/fcuid/internal/types"
)

func TestBuildIndicesKeepsEarliestClaimant(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ref := func(s string) *string { return &s }

	older := &types.Record{
		ID:           "fc-000000000001-000000000001-00000000",
		CreatedAt:    t0,
		ExternalRefs: map[string]string{"issue_tracker": "LIN-1"},
		LedgerRefs:   types.LedgerRefs{LedgerA: ref("0xaa#000000000001")},
	}
	newer := &types.Record{
		ID:           "fc-000000000002-000000000002-00000000",
		CreatedAt:    t0.Add(time.Second),
		ExternalRefs: map[string]string{"issue_tracker": "LIN-1", "chat_board": "C9"},
		LedgerRefs:   types.LedgerRefs{LedgerB: ref("0xaa#000000000002")},
	}

	external, ledgerTx, report := BuildIndices([]*types.Record{newer, older})

	assert.Equal(t, older.ID, external[ExternalKey("issue_tracker", "LIN-1")])
	assert.Equal(t, newer.ID, external[ExternalKey("chat_board", "C9")])
	assert.Equal(t, older.ID, ledgerTx["0xaa"])

	assert.Equal(t, 2, report.Records)
	assert.Equal(t, 2, report.ExternalRefs)
	assert.Equal(t, 1, report.LedgerRefs)
	require.Len(t, report.Conflicts, 2)
	assert.Equal(t, IndexConflict{Key: "issue_tracker:LIN-1", Kept: older.ID, Rejected: []string{newer.ID}}, report.Conflicts[0])
	assert.Equal(t, "ledger:0xaa", report.Conflicts[1].Key)
}

func TestBuildIndicesEmpty(t *testing.T) {
	external, ledgerTx, report := BuildIndices(nil)
	assert.Empty(t, external)
	assert.Empty(t, ledgerTx)
	assert.Equal(t, 0, report.Records)
	assert.Empty(t, report.Conflicts)
}
