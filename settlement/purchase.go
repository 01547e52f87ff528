/*
purchase.go - Direct point-spend path

PURPOSE:
  Buys a program with points the user already holds: check ownership, debit the
  price, grant access. The debit and the grant commit together or not at all.

IDEMPOTENCY:
  - Already granted: no-op, current balance returned
  - Concurrent double-click: the debit reference is derived from (user, program),
    so the ledger accepts at most one debit for the pair; the grant store accepts
    at most one grant

SEE ALSO:
  - engine.go: the wallet path, which grants with source "paypay"
*/
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// PurchaseEngine spends points on programs.
type PurchaseEngine struct {
	store TxStore
	Now   func() time.Time
	log   zerolog.Logger
}

func NewPurchaseEngine(store TxStore, log zerolog.Logger) *PurchaseEngine {
	return &PurchaseEngine{
		store: store,
		Now:   time.Now,
		log:   log.With().Str("component", "purchase").Logger(),
	}
}

// PurchaseResult is the outcome of PurchaseWithPoints.
type PurchaseResult struct {
	Balance      int64
	AlreadyOwned bool
}

// PurchaseReference is the debit reference for a (user, program) pair.
func PurchaseReference(userID UserID, programID ProgramID) string {
	return fmt.Sprintf("purchase:%s:%d", userID, programID)
}

// PurchaseWithPoints debits the program price and grants access atomically.
//
// Errors:
//   - ErrProgramNotFound: unknown program
//   - ErrNotPurchasable: free or not limited-release
//   - *InsufficientBalanceError: nothing is written
func (p *PurchaseEngine) PurchaseWithPoints(ctx context.Context, userID UserID, programID ProgramID) (PurchaseResult, error) {
	var res PurchaseResult

	err := p.store.WithTx(ctx, func(tx Store) error {
		res = PurchaseResult{}

		owned, err := tx.HasGrant(ctx, userID, programID)
		if err != nil {
			return err
		}
		if owned {
			res.AlreadyOwned = true
			res.Balance, err = tx.Balance(ctx, userID)
			return err
		}

		program, err := tx.GetProgram(ctx, programID)
		if err != nil {
			return err
		}
		if !program.Purchasable() {
			return fmt.Errorf("%w: program %d", ErrNotPurchasable, programID)
		}

		balance, err := tx.ApplyMovement(ctx, PointMovement{
			UserID:      userID,
			Delta:       -program.Price,
			Reason:      ReasonPurchaseSpend,
			ReferenceID: PurchaseReference(userID, programID),
		})
		if err != nil && !errors.Is(err, ErrDuplicateReference) {
			return err
		}
		res.Balance = balance

		created, err := tx.Grant(ctx, PurchaseGrant{
			UserID:    userID,
			ProgramID: programID,
			Source:    GrantSourcePointsSpend,
			GrantedAt: p.Now(),
		})
		if err != nil {
			return err
		}
		res.AlreadyOwned = !created
		return nil
	})
	if err != nil {
		return PurchaseResult{}, err
	}

	if !res.AlreadyOwned {
		p.log.Info().
			Str("user_id", string(userID)).
			Int64("program_id", int64(programID)).
			Int64("balance", res.Balance).
			Msg("program purchased with points")
	}
	return res, nil
}

// HasAccess reports whether the user holds a grant for the program.
func (p *PurchaseEngine) HasAccess(ctx context.Context, userID UserID, programID ProgramID) (bool, error) {
	return p.store.HasGrant(ctx, userID, programID)
}

// Purchases lists the user's grants.
func (p *PurchaseEngine) Purchases(ctx context.Context, userID UserID) ([]PurchaseGrant, error) {
	return p.store.Grants(ctx, userID)
}
