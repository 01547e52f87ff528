package settlement_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/szer/settlement/settlement"
	"github.com/szer/settlement/settlement/store"
)

func newTestLedger() (*settlement.Ledger, *store.Memory) {
	s := store.NewMemory()
	return settlement.NewLedger(s, settlement.DefaultTopupPlan()), s
}

func TestLedger_TopupDirect_ReplayedKeyCreditsOnce(t *testing.T) {
	// GIVEN: A direct top-up with key "k1"
	// WHEN: The client retries with the same key
	// THEN: The retry is reported as replayed and credits nothing
	l, _ := newTestLedger()
	ctx := context.Background()

	res, err := l.TopupDirect(ctx, "u1", 500, "k1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), res.Balance)
	assert.False(t, res.Replayed)

	res, err = l.TopupDirect(ctx, "u1", 500, "k1")
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, int64(500), res.Balance)

	res, err = l.TopupDirect(ctx, "u1", 100, "k2")
	require.NoError(t, err)
	assert.Equal(t, int64(600), res.Balance)

	history, err := l.History(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "u1:k1", history[0].ReferenceID)
}

func TestLedger_TopupDirect_KeysAreScopedPerUser(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	_, err := l.TopupDirect(ctx, "u1", 100, "same")
	require.NoError(t, err)
	res, err := l.TopupDirect(ctx, "u2", 100, "same")
	require.NoError(t, err)
	assert.False(t, res.Replayed)
}

func TestLedger_TopupDirect_Validation(t *testing.T) {
	l, _ := newTestLedger()
	ctx := context.Background()

	_, err := l.TopupDirect(ctx, "u1", 300, "k")
	assert.ErrorIs(t, err, settlement.ErrInvalidAmount)

	_, err = l.TopupDirect(ctx, "u1", 500, "  ")
	assert.ErrorIs(t, err, settlement.ErrInvalidMovement)
}

// skewedStore reports a stored balance that disagrees with the movements.
type skewedStore struct {
	settlement.LedgerStore
	user settlement.UserID
	skew int64
}

func (s skewedStore) Balance(ctx context.Context, userID settlement.UserID) (int64, error) {
	b, err := s.LedgerStore.Balance(ctx, userID)
	if userID == s.user {
		b += s.skew
	}
	return b, err
}

func TestLedger_Verify(t *testing.T) {
	ctx := context.Background()
	l, s := newTestLedger()
	_, err := l.TopupDirect(ctx, "u1", 500, "k1")
	require.NoError(t, err)
	_, err = l.TopupDirect(ctx, "u2", 100, "k1")
	require.NoError(t, err)

	assert.NoError(t, l.Verify(ctx, "u1"))
	drifts, err := l.VerifyAll(ctx)
	require.NoError(t, err)
	assert.Empty(t, drifts)

	skewed := settlement.NewLedger(skewedStore{LedgerStore: s, user: "u2", skew: 50}, settlement.DefaultTopupPlan())
	drifts, err = skewed.VerifyAll(ctx)
	require.NoError(t, err)
	require.Len(t, drifts, 1)
	assert.Equal(t, settlement.UserID("u2"), drifts[0].UserID)
	assert.Equal(t, int64(150), drifts[0].Stored)
	assert.Equal(t, int64(100), drifts[0].Computed)
	assert.ErrorIs(t, drifts[0], settlement.ErrLedgerDrift)
}
