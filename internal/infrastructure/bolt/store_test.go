package bolt

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dataspace-hub/connector/internal/domain/entity"
	"github.com/dataspace-hub/connector/internal/domain/entity/storetest"
	"github.com/dataspace-hub/connector/internal/domain/negotiation"
)

func TestStoreContract(t *testing.T) {
	storetest.Run(t, func(t *testing.T, clock entity.Clock) negotiation.Store {
		db, err := Open(filepath.Join(t.TempDir(), "connector.bolt"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })

		store, err := NewStore[*negotiation.ContractNegotiation](db, "negotiations", clock)
		require.NoError(t, err)
		return store
	}, storetest.Options{})
}

func TestStore_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "connector.bolt")

	db, err := Open(path)
	require.NoError(t, err)
	store, err := NewStore[*negotiation.ContractNegotiation](db, "negotiations", nil)
	require.NoError(t, err)
	require.NoError(t, store.Create(ctx, storetest.Sample("n1", negotiation.StateAgreed, time.Now())))
	require.NoError(t, store.AcquireLease(ctx, "n1", "owner-a", time.Hour))
	require.NoError(t, db.Close())

	db, err = Open(path)
	require.NoError(t, err)
	defer db.Close()
	store, err = NewStore[*negotiation.ContractNegotiation](db, "negotiations", nil)
	require.NoError(t, err)

	got, err := store.Find(ctx, "n1")
	require.NoError(t, err)
	assert.Equal(t, negotiation.StateAgreed, got.Current())

	leased, err := store.IsLeasedBy(ctx, "n1", "owner-a")
	require.NoError(t, err)
	assert.True(t, leased)
}
