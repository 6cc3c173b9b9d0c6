//go:build integration
// +build integration

package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/dataspace-hub/connector/internal/domain/entity"
	"github.com/dataspace-hub/connector/internal/domain/entity/storetest"
	"github.com/dataspace-hub/connector/internal/domain/negotiation"
)

func TestStoreContract(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set")
	}
	ctx := context.Background()
	pool, err := NewPool(ctx, dsn, PoolConfig{MaxConns: 8})
	require.NoError(t, err)
	defer pool.Close()
	require.NoError(t, RunMigrations(ctx, pool, Migrations()))

	storetest.Run(t, func(t *testing.T, clock entity.Clock) negotiation.Store {
		_, err := pool.Exec(ctx, "TRUNCATE "+NegotiationTable)
		require.NoError(t, err)
		store, err := NewStore[*negotiation.ContractNegotiation](pool, NegotiationTable, clock)
		require.NoError(t, err)
		return store
	}, storetest.Options{})
}
