/*
Package storetest is the conformance suite every settlement.TxStore must pass.

PURPOSE:
  The engines rely on a handful of store guarantees: conditional status updates,
  unique movement references, non-negative balances and all-or-nothing WithTx.
  Run checks them against a fresh store, including under concurrency.

USAGE:
  func TestConformance(t *testing.T) {
      storetest.Run(t, func(t *testing.T) settlement.TxStore {
          s, err := sqlite.New(":memory:")
          require.NoError(t, err)
          t.Cleanup(func() { s.Close() })
          return s
      })
  }
*/
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/szer/settlement/settlement"
)

// Factory returns an empty store. It registers its own cleanup.
type Factory func(t *testing.T) settlement.TxStore

// Run executes the whole suite.
func Run(t *testing.T, newStore Factory) {
	t.Run("Ledger", func(t *testing.T) { runLedger(t, newStore) })
	t.Run("Grants", func(t *testing.T) { runGrants(t, newStore) })
	t.Run("Intents", func(t *testing.T) { runIntents(t, newStore) })
	t.Run("Catalog", func(t *testing.T) { runCatalog(t, newStore) })
	t.Run("Tx", func(t *testing.T) { runTx(t, newStore) })
}

// =============================================================================
// FIXTURES
// =============================================================================

func credit(user string, delta int64, ref string) settlement.PointMovement {
	return settlement.PointMovement{
		UserID:      settlement.UserID(user),
		Delta:       delta,
		Reason:      settlement.ReasonTopupDirect,
		ReferenceID: ref,
	}
}

func debit(user string, amount int64, ref string) settlement.PointMovement {
	return settlement.PointMovement{
		UserID:      settlement.UserID(user),
		Delta:       -amount,
		Reason:      settlement.ReasonPurchaseSpend,
		ReferenceID: ref,
	}
}

func topupIntent(id, user string, at time.Time) settlement.PaymentIntent {
	return settlement.PaymentIntent{
		MerchantPaymentID: settlement.MerchantPaymentID(id),
		UserID:            settlement.UserID(user),
		Purpose:           settlement.PurposePointsTopup,
		Amount:            500,
		Points:            500,
		Status:            settlement.StatusCreated,
		CreatedAt:         at,
		UpdatedAt:         at,
	}
}

// =============================================================================
// LEDGER
// =============================================================================

func runLedger(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("UnknownUserHasZeroBalance", func(t *testing.T) {
		s := newStore(t)
		balance, err := s.Balance(ctx, "nobody")
		require.NoError(t, err)
		assert.Equal(t, int64(0), balance)
	})

	t.Run("CreditThenDebit", func(t *testing.T) {
		// GIVEN: An empty ledger
		// WHEN: Crediting 500 then debiting 300
		// THEN: Balance is 200 and both movements carry their running balance
		s := newStore(t)

		balance, err := s.ApplyMovement(ctx, credit("u1", 500, "c1"))
		require.NoError(t, err)
		assert.Equal(t, int64(500), balance)

		balance, err = s.ApplyMovement(ctx, debit("u1", 300, "d1"))
		require.NoError(t, err)
		assert.Equal(t, int64(200), balance)

		movements, err := s.Movements(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, movements, 2)
		assert.Equal(t, int64(500), movements[0].Delta)
		assert.Equal(t, int64(500), movements[0].BalanceAfter)
		assert.Equal(t, int64(-300), movements[1].Delta)
		assert.Equal(t, int64(200), movements[1].BalanceAfter)
		assert.NotEmpty(t, movements[0].ID)
		assert.False(t, movements[0].CreatedAt.IsZero())
	})

	t.Run("InsufficientBalanceWritesNothing", func(t *testing.T) {
		s := newStore(t)
		_, err := s.ApplyMovement(ctx, credit("u1", 100, "c1"))
		require.NoError(t, err)

		_, err = s.ApplyMovement(ctx, debit("u1", 300, "d1"))
		var insufficient *settlement.InsufficientBalanceError
		require.ErrorAs(t, err, &insufficient)
		assert.Equal(t, int64(100), insufficient.Available)
		assert.Equal(t, int64(300), insufficient.Requested)
		assert.ErrorIs(t, err, settlement.ErrInsufficientBalance)

		balance, err := s.Balance(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, int64(100), balance)

		movements, err := s.Movements(ctx, "u1")
		require.NoError(t, err)
		assert.Len(t, movements, 1)
	})

	t.Run("DuplicateReferenceRejected", func(t *testing.T) {
		// GIVEN: A credit with reference "ref-1"
		// WHEN: The same (reason, reference) is applied again
		// THEN: DuplicateReferenceError carrying the current balance, no new movement
		s := newStore(t)
		_, err := s.ApplyMovement(ctx, credit("u1", 500, "ref-1"))
		require.NoError(t, err)

		balance, err := s.ApplyMovement(ctx, credit("u1", 500, "ref-1"))
		var dup *settlement.DuplicateReferenceError
		require.ErrorAs(t, err, &dup)
		assert.Equal(t, int64(500), dup.Balance)
		assert.Equal(t, int64(500), balance)

		movements, err := s.Movements(ctx, "u1")
		require.NoError(t, err)
		assert.Len(t, movements, 1)
	})

	t.Run("SameReferenceDifferentReasonAllowed", func(t *testing.T) {
		s := newStore(t)
		_, err := s.ApplyMovement(ctx, credit("u1", 500, "shared"))
		require.NoError(t, err)

		_, err = s.ApplyMovement(ctx, debit("u1", 100, "shared"))
		require.NoError(t, err)
	})

	t.Run("InvalidMovementRejected", func(t *testing.T) {
		s := newStore(t)
		_, err := s.ApplyMovement(ctx, settlement.PointMovement{UserID: "u1", Delta: 0, Reason: settlement.ReasonTopupDirect, ReferenceID: "r"})
		assert.ErrorIs(t, err, settlement.ErrInvalidMovement)

		_, err = s.ApplyMovement(ctx, settlement.PointMovement{UserID: "u1", Delta: 10, Reason: "gift", ReferenceID: "r"})
		assert.ErrorIs(t, err, settlement.ErrInvalidMovement)
	})

	t.Run("ConcurrentSameReferenceAppliesOnce", func(t *testing.T) {
		// GIVEN: Ten goroutines applying the same credit
		// THEN: Exactly one succeeds, the rest see DuplicateReference
		s := newStore(t)

		const n = 10
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			applied int
			dups    int
		)
		for i := 0; i < n; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.ApplyMovement(ctx, credit("u1", 500, "same"))
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					applied++
				case errors.Is(err, settlement.ErrDuplicateReference):
					dups++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, 1, applied)
		assert.Equal(t, n-1, dups)
		balance, err := s.Balance(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, int64(500), balance)
	})

	t.Run("ConcurrentDebitsNeverOverdraw", func(t *testing.T) {
		// GIVEN: Balance 500
		// WHEN: Ten concurrent debits of 100 with distinct references
		// THEN: Exactly five succeed and the balance ends at 0
		s := newStore(t)
		_, err := s.ApplyMovement(ctx, credit("u1", 500, "seed"))
		require.NoError(t, err)

		var (
			wg   sync.WaitGroup
			mu   sync.Mutex
			ok   int
			fail int
		)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := s.ApplyMovement(ctx, debit("u1", 100, fmt.Sprintf("d%d", i)))
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					ok++
				case errors.Is(err, settlement.ErrInsufficientBalance):
					fail++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, 5, ok)
		assert.Equal(t, 5, fail)
		balance, err := s.Balance(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, int64(0), balance)
	})

	t.Run("UsersListsEveryLedgerOwner", func(t *testing.T) {
		s := newStore(t)
		_, err := s.ApplyMovement(ctx, credit("bob", 100, "b"))
		require.NoError(t, err)
		_, err = s.ApplyMovement(ctx, credit("alice", 100, "a"))
		require.NoError(t, err)

		users, err := s.Users(ctx)
		require.NoError(t, err)
		assert.ElementsMatch(t, []settlement.UserID{"alice", "bob"}, users)
	})
}

// =============================================================================
// GRANTS
// =============================================================================

func runGrants(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("GrantIsIdempotent", func(t *testing.T) {
		s := newStore(t)
		g := settlement.PurchaseGrant{UserID: "u1", ProgramID: 42, Source: settlement.GrantSourcePointsSpend}

		owned, err := s.HasGrant(ctx, "u1", 42)
		require.NoError(t, err)
		assert.False(t, owned)

		created, err := s.Grant(ctx, g)
		require.NoError(t, err)
		assert.True(t, created)

		g.Source = settlement.GrantSourcePayPay
		created, err = s.Grant(ctx, g)
		require.NoError(t, err)
		assert.False(t, created, "second grant must be a no-op")

		grants, err := s.Grants(ctx, "u1")
		require.NoError(t, err)
		require.Len(t, grants, 1)
		assert.Equal(t, settlement.GrantSourcePointsSpend, grants[0].Source, "first grant wins")

		owned, err = s.HasGrant(ctx, "u1", 42)
		require.NoError(t, err)
		assert.True(t, owned)
	})

	t.Run("GrantsAreScopedToUser", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Grant(ctx, settlement.PurchaseGrant{UserID: "u1", ProgramID: 1, Source: settlement.GrantSourcePayPay})
		require.NoError(t, err)

		owned, err := s.HasGrant(ctx, "u2", 1)
		require.NoError(t, err)
		assert.False(t, owned)

		grants, err := s.Grants(ctx, "u2")
		require.NoError(t, err)
		assert.Empty(t, grants)
	})

	t.Run("ConcurrentGrantCreatesOnce", func(t *testing.T) {
		s := newStore(t)

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			created int
		)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				ok, err := s.Grant(ctx, settlement.PurchaseGrant{UserID: "u1", ProgramID: 7, Source: settlement.GrantSourcePayPay})
				if err != nil {
					t.Errorf("grant: %v", err)
					return
				}
				if ok {
					mu.Lock()
					created++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, created)
	})
}

// =============================================================================
// INTENTS
// =============================================================================

func runIntents(t *testing.T, newStore Factory) {
	ctx := context.Background()
	base := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

	t.Run("CreateAndGet", func(t *testing.T) {
		s := newStore(t)
		pi := topupIntent("mp-1", "u1", base)
		require.NoError(t, s.CreateIntent(ctx, pi))

		got, err := s.GetIntent(ctx, "mp-1")
		require.NoError(t, err)
		assert.Equal(t, pi.UserID, got.UserID)
		assert.Equal(t, settlement.PurposePointsTopup, got.Purpose)
		assert.Equal(t, int64(500), got.Amount)
		assert.Equal(t, int64(500), got.Points)
		assert.Equal(t, settlement.StatusCreated, got.Status)
		assert.True(t, base.Equal(got.CreatedAt), "created_at round-trips")
	})

	t.Run("PurchaseIntentKeepsProgram", func(t *testing.T) {
		s := newStore(t)
		pi := settlement.PaymentIntent{
			MerchantPaymentID: "mp-p",
			UserID:            "u1",
			Purpose:           settlement.PurposeProgramPurchase,
			Amount:            300,
			ProgramID:         42,
			Status:            settlement.StatusCreated,
		}
		require.NoError(t, s.CreateIntent(ctx, pi))

		got, err := s.GetIntent(ctx, "mp-p")
		require.NoError(t, err)
		assert.Equal(t, settlement.ProgramID(42), got.ProgramID)
		assert.Equal(t, int64(0), got.Points)
	})

	t.Run("DuplicateIDRejected", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateIntent(ctx, topupIntent("mp-1", "u1", base)))
		assert.Error(t, s.CreateIntent(ctx, topupIntent("mp-1", "u2", base)))
	})

	t.Run("UnknownIntentNotFound", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetIntent(ctx, "missing")
		assert.ErrorIs(t, err, settlement.ErrNotFound)

		_, err = s.TransitionIntent(ctx, "missing", settlement.StatusCreated, settlement.StatusPending, "")
		assert.ErrorIs(t, err, settlement.ErrNotFound)
	})

	t.Run("TransitionFollowsEdges", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateIntent(ctx, topupIntent("mp-1", "u1", base)))

		pi, err := s.TransitionIntent(ctx, "mp-1", settlement.StatusCreated, settlement.StatusPending, "")
		require.NoError(t, err)
		assert.Equal(t, settlement.StatusPending, pi.Status)

		pi, err = s.TransitionIntent(ctx, "mp-1", settlement.StatusPending, settlement.StatusCompleted, "pp-123")
		require.NoError(t, err)
		assert.Equal(t, settlement.StatusCompleted, pi.Status)
		assert.Equal(t, "pp-123", pi.ProviderPaymentID)
		assert.True(t, pi.UpdatedAt.After(base), "updated_at advances")

		got, err := s.GetIntent(ctx, "mp-1")
		require.NoError(t, err)
		assert.Equal(t, settlement.StatusCompleted, got.Status)
		assert.Equal(t, "pp-123", got.ProviderPaymentID)
	})

	t.Run("StaleTransitionReportsActual", func(t *testing.T) {
		// GIVEN: An intent already PENDING
		// WHEN: A caller still expects CREATED
		// THEN: StaleTransitionError with the actual status, nothing changes
		s := newStore(t)
		require.NoError(t, s.CreateIntent(ctx, topupIntent("mp-1", "u1", base)))
		_, err := s.TransitionIntent(ctx, "mp-1", settlement.StatusCreated, settlement.StatusPending, "")
		require.NoError(t, err)

		_, err = s.TransitionIntent(ctx, "mp-1", settlement.StatusCreated, settlement.StatusFailed, "")
		var stale *settlement.StaleTransitionError
		require.ErrorAs(t, err, &stale)
		assert.Equal(t, settlement.StatusPending, stale.Actual)
		assert.Equal(t, settlement.StatusCreated, stale.Expected)

		got, err := s.GetIntent(ctx, "mp-1")
		require.NoError(t, err)
		assert.Equal(t, settlement.StatusPending, got.Status)
	})

	t.Run("IllegalEdgesRejected", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateIntent(ctx, topupIntent("mp-1", "u1", base)))

		_, err := s.TransitionIntent(ctx, "mp-1", settlement.StatusCreated, settlement.StatusCompleted, "")
		assert.ErrorIs(t, err, settlement.ErrIllegalTransition)

		_, err = s.TransitionIntent(ctx, "mp-1", settlement.StatusCreated, settlement.StatusExpired, "")
		require.NoError(t, err)

		for _, next := range []settlement.Status{settlement.StatusCreated, settlement.StatusPending, settlement.StatusCompleted, settlement.StatusFailed} {
			_, err = s.TransitionIntent(ctx, "mp-1", settlement.StatusExpired, next, "")
			assert.ErrorIs(t, err, settlement.ErrIllegalTransition, "EXPIRED -> %s", next)
		}
	})

	t.Run("ConcurrentCompletionHasOneWinner", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateIntent(ctx, topupIntent("mp-1", "u1", base)))
		_, err := s.TransitionIntent(ctx, "mp-1", settlement.StatusCreated, settlement.StatusPending, "")
		require.NoError(t, err)

		var (
			wg    sync.WaitGroup
			mu    sync.Mutex
			wins  int
			stale int
		)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.TransitionIntent(ctx, "mp-1", settlement.StatusPending, settlement.StatusCompleted, "")
				mu.Lock()
				defer mu.Unlock()
				switch {
				case err == nil:
					wins++
				case errors.Is(err, settlement.ErrStaleTransition):
					stale++
				default:
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, 1, wins)
		assert.Equal(t, 9, stale)
	})

	t.Run("ListIntentsFilters", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateIntent(ctx, topupIntent("old-created", "u1", base.Add(-2*time.Hour))))
		require.NoError(t, s.CreateIntent(ctx, topupIntent("old-pending", "u1", base.Add(-3*time.Hour))))
		require.NoError(t, s.CreateIntent(ctx, topupIntent("fresh", "u1", base)))
		require.NoError(t, s.CreateIntent(ctx, topupIntent("done", "u1", base.Add(-5*time.Hour))))

		_, err := s.TransitionIntent(ctx, "old-pending", settlement.StatusCreated, settlement.StatusPending, "")
		require.NoError(t, err)
		_, err = s.TransitionIntent(ctx, "done", settlement.StatusCreated, settlement.StatusFailed, "")
		require.NoError(t, err)

		all, err := s.ListIntents(ctx, settlement.IntentFilter{})
		require.NoError(t, err)
		assert.Len(t, all, 4)

		open, err := s.ListIntents(ctx, settlement.IntentFilter{
			Statuses:      []settlement.Status{settlement.StatusCreated},
			UpdatedBefore: base.Add(-time.Hour),
		})
		require.NoError(t, err)
		require.Len(t, open, 1)
		assert.Equal(t, settlement.MerchantPaymentID("old-created"), open[0].MerchantPaymentID)

		created, err := s.ListIntents(ctx, settlement.IntentFilter{Statuses: []settlement.Status{settlement.StatusCreated}})
		require.NoError(t, err)
		require.Len(t, created, 2)
		assert.Equal(t, settlement.MerchantPaymentID("old-created"), created[0].MerchantPaymentID, "oldest update first")

		limited, err := s.ListIntents(ctx, settlement.IntentFilter{Limit: 1, Statuses: []settlement.Status{settlement.StatusCreated}})
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})
}

// =============================================================================
// CATALOG
// =============================================================================

func runCatalog(t *testing.T, newStore Factory) {
	ctx := context.Background()

	t.Run("SaveAndGet", func(t *testing.T) {
		s := newStore(t)
		p := settlement.Program{ID: 42, Title: "Live 2025", Price: 300, LimitedRelease: true}
		require.NoError(t, s.SaveProgram(ctx, p))

		got, err := s.GetProgram(ctx, 42)
		require.NoError(t, err)
		assert.Equal(t, p, got)

		p.Price = 500
		require.NoError(t, s.SaveProgram(ctx, p))
		got, err = s.GetProgram(ctx, 42)
		require.NoError(t, err)
		assert.Equal(t, int64(500), got.Price, "save upserts")
	})

	t.Run("UnknownProgram", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetProgram(ctx, 9)
		assert.ErrorIs(t, err, settlement.ErrProgramNotFound)
		assert.ErrorIs(t, err, settlement.ErrNotFound)
	})
}

// =============================================================================
// TRANSACTIONS
// =============================================================================

func runTx(t *testing.T, newStore Factory) {
	ctx := context.Background()
	base := time.Date(2025, time.March, 1, 12, 0, 0, 0, time.UTC)

	t.Run("CommitAppliesEverything", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.CreateIntent(ctx, topupIntent("mp-1", "u1", base)))
		_, err := s.TransitionIntent(ctx, "mp-1", settlement.StatusCreated, settlement.StatusPending, "")
		require.NoError(t, err)

		err = s.WithTx(ctx, func(tx settlement.Store) error {
			if _, err := tx.TransitionIntent(ctx, "mp-1", settlement.StatusPending, settlement.StatusCompleted, ""); err != nil {
				return err
			}
			// Reads inside the transaction see its own writes.
			got, err := tx.GetIntent(ctx, "mp-1")
			if err != nil {
				return err
			}
			if got.Status != settlement.StatusCompleted {
				return fmt.Errorf("expected COMPLETED inside tx, got %s", got.Status)
			}
			_, err = tx.ApplyMovement(ctx, settlement.PointMovement{
				UserID: "u1", Delta: 500, Reason: settlement.ReasonTopupPayPay, ReferenceID: "mp-1",
			})
			return err
		})
		require.NoError(t, err)

		got, err := s.GetIntent(ctx, "mp-1")
		require.NoError(t, err)
		assert.Equal(t, settlement.StatusCompleted, got.Status)
		balance, err := s.Balance(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, int64(500), balance)
	})

	t.Run("ErrorRollsBackEverything", func(t *testing.T) {
		// GIVEN: A PENDING intent
		// WHEN: The tx transitions it, credits, grants, then fails
		// THEN: None of the writes survive
		s := newStore(t)
		require.NoError(t, s.CreateIntent(ctx, topupIntent("mp-1", "u1", base)))
		_, err := s.TransitionIntent(ctx, "mp-1", settlement.StatusCreated, settlement.StatusPending, "")
		require.NoError(t, err)

		boom := errors.New("boom")
		err = s.WithTx(ctx, func(tx settlement.Store) error {
			if _, err := tx.TransitionIntent(ctx, "mp-1", settlement.StatusPending, settlement.StatusCompleted, ""); err != nil {
				return err
			}
			if _, err := tx.ApplyMovement(ctx, settlement.PointMovement{
				UserID: "u1", Delta: 500, Reason: settlement.ReasonTopupPayPay, ReferenceID: "mp-1",
			}); err != nil {
				return err
			}
			if _, err := tx.Grant(ctx, settlement.PurchaseGrant{UserID: "u1", ProgramID: 1, Source: settlement.GrantSourcePayPay}); err != nil {
				return err
			}
			return boom
		})
		require.ErrorIs(t, err, boom)

		got, err := s.GetIntent(ctx, "mp-1")
		require.NoError(t, err)
		assert.Equal(t, settlement.StatusPending, got.Status)

		balance, err := s.Balance(ctx, "u1")
		require.NoError(t, err)
		assert.Equal(t, int64(0), balance)

		movements, err := s.Movements(ctx, "u1")
		require.NoError(t, err)
		assert.Empty(t, movements)

		owned, err := s.HasGrant(ctx, "u1", 1)
		require.NoError(t, err)
		assert.False(t, owned)
	})

	t.Run("FailedDebitInsideTxRollsBack", func(t *testing.T) {
		s := newStore(t)
		_, err := s.ApplyMovement(ctx, credit("u1", 100, "seed"))
		require.NoError(t, err)

		err = s.WithTx(ctx, func(tx settlement.Store) error {
			if _, err := tx.Grant(ctx, settlement.PurchaseGrant{UserID: "u1", ProgramID: 5, Source: settlement.GrantSourcePointsSpend}); err != nil {
				return err
			}
			_, err := tx.ApplyMovement(ctx, debit("u1", 300, "purchase:u1:5"))
			return err
		})
		require.ErrorIs(t, err, settlement.ErrInsufficientBalance)

		owned, err := s.HasGrant(ctx, "u1", 5)
		require.NoError(t, err)
		assert.False(t, owned)
	})
}
