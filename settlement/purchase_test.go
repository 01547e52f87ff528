package settlement_test

import (
	"context"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/szer/settlement/settlement"
	"github.com/szer/settlement/settlement/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestPurchase(t *testing.T, balance int64) (*settlement.PurchaseEngine, *store.Memory) {
	t.Helper()
	ctx := context.Background()
	s := store.NewMemory()

	require.NoError(t, s.SaveProgram(ctx, settlement.Program{ID: 42, Title: "Live 2025", Price: 300, LimitedRelease: true}))
	require.NoError(t, s.SaveProgram(ctx, settlement.Program{ID: 7, Title: "Free episode", Price: 0, LimitedRelease: true}))
	require.NoError(t, s.SaveProgram(ctx, settlement.Program{ID: 8, Title: "Regular", Price: 300}))

	if balance > 0 {
		_, err := s.ApplyMovement(ctx, settlement.PointMovement{
			UserID: "u1", Delta: balance, Reason: settlement.ReasonTopupDirect, ReferenceID: "seed",
		})
		require.NoError(t, err)
	}
	return settlement.NewPurchaseEngine(s, zerolog.Nop()), s
}

// =============================================================================
// PURCHASE WITH POINTS
// =============================================================================

func TestPurchase_ExactBalance(t *testing.T) {
	// GIVEN: Balance 300, program 42 costs 300
	// WHEN: Purchasing with points
	// THEN: Balance 0, one debit with the deterministic reference, grant from points
	p, s := newTestPurchase(t, 300)
	ctx := context.Background()

	res, err := p.PurchaseWithPoints(ctx, "u1", 42)
	require.NoError(t, err)
	assert.Equal(t, int64(0), res.Balance)
	assert.False(t, res.AlreadyOwned)

	movements, err := s.Movements(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, movements, 2)
	assert.Equal(t, int64(-300), movements[1].Delta)
	assert.Equal(t, settlement.ReasonPurchaseSpend, movements[1].Reason)
	assert.Equal(t, "purchase:u1:42", movements[1].ReferenceID)

	grants, err := p.Purchases(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, settlement.GrantSourcePointsSpend, grants[0].Source)

	owned, err := p.HasAccess(ctx, "u1", 42)
	require.NoError(t, err)
	assert.True(t, owned)
}

func TestPurchase_SecondCallIsNoop(t *testing.T) {
	p, s := newTestPurchase(t, 1000)
	ctx := context.Background()

	_, err := p.PurchaseWithPoints(ctx, "u1", 42)
	require.NoError(t, err)

	res, err := p.PurchaseWithPoints(ctx, "u1", 42)
	require.NoError(t, err)
	assert.True(t, res.AlreadyOwned)
	assert.Equal(t, int64(700), res.Balance)

	movements, err := s.Movements(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, movements, 2, "seed + one debit")
}

func TestPurchase_InsufficientBalance_WritesNothing(t *testing.T) {
	// GIVEN: Balance 100, price 300
	// THEN: InsufficientBalance, balance unchanged, no grant, no debit
	p, s := newTestPurchase(t, 100)
	ctx := context.Background()

	_, err := p.PurchaseWithPoints(ctx, "u1", 42)
	var insufficient *settlement.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(100), insufficient.Available)
	assert.Equal(t, int64(300), insufficient.Requested)

	balance, err := s.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(100), balance)

	owned, err := p.HasAccess(ctx, "u1", 42)
	require.NoError(t, err)
	assert.False(t, owned)

	movements, err := s.Movements(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, movements, 1)
}

func TestPurchase_ConcurrentDoubleClick_DebitsOnce(t *testing.T) {
	// GIVEN: Balance 1000
	// WHEN: Five concurrent purchases of program 42 (price 300)
	// THEN: Balance 700, one grant, exactly one call reports a fresh purchase
	p, s := newTestPurchase(t, 1000)
	ctx := context.Background()

	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		fresh int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := p.PurchaseWithPoints(ctx, "u1", 42)
			if err != nil {
				t.Errorf("purchase: %v", err)
				return
			}
			if !res.AlreadyOwned {
				mu.Lock()
				fresh++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, fresh)
	balance, err := s.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(700), balance)

	grants, err := s.Grants(ctx, "u1")
	require.NoError(t, err)
	assert.Len(t, grants, 1)
}

func TestPurchase_AfterWalletGrant_NoDebit(t *testing.T) {
	p, s := newTestPurchase(t, 1000)
	ctx := context.Background()
	_, err := s.Grant(ctx, settlement.PurchaseGrant{UserID: "u1", ProgramID: 42, Source: settlement.GrantSourcePayPay})
	require.NoError(t, err)

	res, err := p.PurchaseWithPoints(ctx, "u1", 42)
	require.NoError(t, err)
	assert.True(t, res.AlreadyOwned)
	assert.Equal(t, int64(1000), res.Balance)
}

func TestPurchase_NotPurchasable(t *testing.T) {
	p, _ := newTestPurchase(t, 1000)
	ctx := context.Background()

	_, err := p.PurchaseWithPoints(ctx, "u1", 7)
	assert.ErrorIs(t, err, settlement.ErrNotPurchasable, "free program")

	_, err = p.PurchaseWithPoints(ctx, "u1", 8)
	assert.ErrorIs(t, err, settlement.ErrNotPurchasable, "not limited release")

	_, err = p.PurchaseWithPoints(ctx, "u1", 999)
	assert.ErrorIs(t, err, settlement.ErrProgramNotFound)
}
