/*
ledger.go - Points ledger facade

PURPOSE:
  Read access to balances and movement history, the direct (non-wallet) top-up, and
  the consistency check "balance == sum of movements".

CRITICAL INVARIANTS:
  1. APPEND-ONLY: movements are never updated or deleted
  2. NON-NEGATIVE: a balance never drops below zero
  3. IDEMPOTENT: one movement per (reason, reference_id)
  4. CONSISTENT: Balance(user) == sum(Movements(user).Delta)

SEE ALSO:
  - store.go: LedgerStore contract
  - purchase.go: the only debit path
  - engine.go: the PayPay credit path
*/
package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Ledger exposes the points ledger to the HTTP layer and the CLI.
type Ledger struct {
	Store LedgerStore
	Plan  TopupPlan
}

func NewLedger(store LedgerStore, plan TopupPlan) *Ledger {
	return &Ledger{Store: store, Plan: plan}
}

func (l *Ledger) Balance(ctx context.Context, userID UserID) (int64, error) {
	return l.Store.Balance(ctx, userID)
}

func (l *Ledger) History(ctx context.Context, userID UserID) ([]PointMovement, error) {
	return l.Store.Movements(ctx, userID)
}

// TopupResult is the outcome of a direct top-up.
type TopupResult struct {
	Balance  int64
	Replayed bool // the idempotency key had already been applied
}

// TopupDirect credits plan points for amountYen, keyed by idempotencyKey.
// Replaying a key returns the current balance without crediting again.
func (l *Ledger) TopupDirect(ctx context.Context, userID UserID, amountYen int64, idempotencyKey string) (TopupResult, error) {
	key := strings.TrimSpace(idempotencyKey)
	if key == "" {
		return TopupResult{}, fmt.Errorf("%w: idempotency key is required", ErrInvalidMovement)
	}
	points, err := l.Plan.Points(amountYen)
	if err != nil {
		return TopupResult{}, err
	}

	balance, err := l.Store.ApplyMovement(ctx, PointMovement{
		UserID:      userID,
		Delta:       points,
		Reason:      ReasonTopupDirect,
		ReferenceID: string(userID) + ":" + key,
	})
	if errors.Is(err, ErrDuplicateReference) {
		return TopupResult{Balance: balance, Replayed: true}, nil
	}
	if err != nil {
		return TopupResult{}, err
	}
	return TopupResult{Balance: balance}, nil
}

// Verify recomputes the user's balance from movements.
// Returns *DriftError if it differs from the stored balance.
func (l *Ledger) Verify(ctx context.Context, userID UserID) error {
	stored, err := l.Store.Balance(ctx, userID)
	if err != nil {
		return err
	}
	movements, err := l.Store.Movements(ctx, userID)
	if err != nil {
		return err
	}

	var computed int64
	for _, m := range movements {
		computed += m.Delta
	}
	if computed != stored {
		return &DriftError{UserID: userID, Stored: stored, Computed: computed}
	}
	return nil
}

// VerifyAll runs Verify for every user and collects the drifts.
func (l *Ledger) VerifyAll(ctx context.Context) ([]*DriftError, error) {
	users, err := l.Store.Users(ctx)
	if err != nil {
		return nil, err
	}

	var drifts []*DriftError
	for _, u := range users {
		err := l.Verify(ctx, u)
		var drift *DriftError
		switch {
		case errors.As(err, &drift):
			drifts = append(drifts, drift)
		case err != nil:
			return drifts, err
		}
	}
	return drifts, nil
}
