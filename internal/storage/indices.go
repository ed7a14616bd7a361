package storage

import (
	"sort"

	"github.com/fsl-continuum/fcuid/internal/types"
)

// BuildIndices derives both reverse indices from records alone. When two
// records claim the same key the earliest-created one keeps it and the
// conflict is reported.
func BuildIndices(records []*types.Record) (external, ledgerTx map[string]string, report *RebuildReport) {
	sorted := make([]*types.Record, len(records))
	copy(sorted, records)
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].ID < sorted[j].ID
		}
		return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
	})

	external = make(map[string]string)
	ledgerTx = make(map[string]string)
	report = &RebuildReport{Records: len(sorted)}
	conflicts := make(map[string]*IndexConflict)

	claim := func(index map[string]string, key, label, id string) bool {
		owner, taken := index[key]
		if !taken {
			index[key] = id
			return true
		}
		if owner == id {
			return false
		}
		c, ok := conflicts[label]
		if !ok {
			c = &IndexConflict{Key: label, Kept: owner}
			conflicts[label] = c
		}
		c.Rejected = append(c.Rejected, id)
		return false
	}

	for _, rec := range sorted {
		for _, sys := range rec.SystemKeys() {
			ext := rec.ExternalRefs[sys]
			if claim(external, ExternalKey(sys, ext), sys+":"+ext, rec.ID) {
				report.ExternalRefs++
			}
		}
		for _, l := range types.Ledgers {
			ref := rec.LedgerRefs.Get(l)
			if ref == nil {
				continue
			}
			tx := LedgerTxKey(*ref)
			if claim(ledgerTx, tx, "ledger:"+tx, rec.ID) {
				report.LedgerRefs++
			}
		}
	}

	keys := make([]string, 0, len(conflicts))
	for k := range conflicts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		report.Conflicts = append(report.Conflicts, *conflicts[k])
	}
	return external, ledgerTx, report
}
