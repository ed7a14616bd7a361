//go:build integration

package sqlstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/dolt"

	"github.com/fsl-continuum/fcuid/internal/storage"
	"github.com/fsl-continuum/fcuid/internal/storage/storagetest"
)

// TestDoltConformance runs the registry suite against a Dolt sql-server, which
// speaks the MySQL protocol.
func TestDoltConformance(t *testing.T) {
	ctx := context.Background()
	container, err := dolt.Run(ctx, "dolthub/dolt-sql-server:1.43.0",
		dolt.WithDatabase("fcuid"),
		dolt.WithUsername("fcuid"),
		dolt.WithPassword("fcuid-test"),
	)
	testcontainers.CleanupContainer(t, container)
	require.NoError(t, err)

	dsn, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	storagetest.Run(t, func(t *testing.T) storage.Storage {
		s, err := Open(ctx, Config{Driver: DriverMySQL, DSN: dsn})
		require.NoError(t, err)
		for _, table := range []string{"records", "external_refs", "ledger_txs", "events", "rate_counters", "suspicious"} {
			_, err := s.DB().ExecContext(ctx, "DELETE FROM "+table)
			require.NoError(t, err)
		}
		return s
	})
}
