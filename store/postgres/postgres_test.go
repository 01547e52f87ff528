package postgres_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/szer/settlement/settlement"
	"github.com/szer/settlement/settlement/storetest"
	"github.com/szer/settlement/store/postgres"
)

// Set SETTLEMENT_TEST_POSTGRES_DSN to a disposable database to run these.
// Every test truncates all tables.
func newTestStore(t *testing.T) *postgres.Store {
	dsn := os.Getenv("SETTLEMENT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SETTLEMENT_TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	store, err := postgres.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.Truncate(ctx))
	return store
}

func TestPostgres_Conformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) settlement.TxStore {
		return newTestStore(t)
	})
}

func TestPostgres_Ping(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Ping(context.Background()))
}
