/*
store.go - Persistence interfaces for the settlement core

PURPOSE:
  Defines the boundary between the engines and the durable store. Implementations
  exist for SQLite, PostgreSQL and memory; all of them pass storetest.Run.

KEY INTERFACES:
  LedgerStore:  Point balances and append-only movements
  GrantStore:   Per (user, program) access grants
  IntentStore:  Payment intents with compare-and-swap status updates
  CatalogStore: Program prices
  TxStore:      All of the above plus WithTx for atomic multi-table writes

ATOMICITY:
  ApplyMovement is atomic on its own (movement insert + balance update).
  WithTx makes a group of calls atomic: the settlement engine runs
  "transition to COMPLETED + apply side effect" inside one WithTx, so a crash can
  never leave an intent COMPLETED without its credit, or credited twice.

LIFECYCLE:
  Stores are constructed explicitly at process start and closed at shutdown.
  No package-level handles.

SEE ALSO:
  - store/sqlite, store/postgres, settlement/store: implementations
  - storetest: conformance suite
*/
package settlement

import (
	"context"
	"time"
)

// LedgerStore owns PointBalance and PointMovement mutation.
type LedgerStore interface {
	// Balance returns the user's balance, 0 if the user has no movements.
	Balance(ctx context.Context, userID UserID) (int64, error)

	// ApplyMovement inserts m and updates the balance atomically, returning the new
	// balance. ID, BalanceAfter and CreatedAt are assigned by the store.
	//
	// Fails with *InsufficientBalanceError if the balance would go negative.
	// Fails with *DuplicateReferenceError if (Reason, ReferenceID) exists; the
	// returned balance is then the user's current balance.
	ApplyMovement(ctx context.Context, m PointMovement) (int64, error)

	// Movements returns the user's movements in application order.
	Movements(ctx context.Context, userID UserID) ([]PointMovement, error)

	// Users returns every user with a balance row.
	Users(ctx context.Context) ([]UserID, error)
}

// GrantStore owns PurchaseGrant mutation.
type GrantStore interface {
	HasGrant(ctx context.Context, userID UserID, programID ProgramID) (bool, error)

	// Grant inserts g. If the pair already exists it returns created=false, nil.
	Grant(ctx context.Context, g PurchaseGrant) (created bool, err error)

	Grants(ctx context.Context, userID UserID) ([]PurchaseGrant, error)
}

// IntentFilter selects intents for the sweeper and repair passes.
type IntentFilter struct {
	Statuses      []Status
	UpdatedBefore time.Time // zero means no bound
	Limit         int       // zero means no limit
}

// IntentStore owns PaymentIntent persistence.
type IntentStore interface {
	// CreateIntent persists a new intent. MerchantPaymentID must be unused.
	CreateIntent(ctx context.Context, pi PaymentIntent) error

	// GetIntent returns ErrNotFound if absent.
	GetIntent(ctx context.Context, id MerchantPaymentID) (PaymentIntent, error)

	// TransitionIntent moves id from expected to next iff its current status is
	// expected. This is the only way status changes.
	//   - ErrIllegalTransition if expected -> next is not an edge
	//   - ErrNotFound if id is unknown
	//   - *StaleTransitionError if the current status differs from expected
	// A non-empty providerPaymentID is recorded with the transition.
	TransitionIntent(ctx context.Context, id MerchantPaymentID, expected, next Status, providerPaymentID string) (PaymentIntent, error)

	// ListIntents returns intents matching f, oldest update first.
	ListIntents(ctx context.Context, f IntentFilter) ([]PaymentIntent, error)
}

// CatalogStore holds program prices. The catalog itself is owned by an external
// collaborator; this is the settlement core's copy.
type CatalogStore interface {
	// GetProgram returns ErrProgramNotFound if absent.
	GetProgram(ctx context.Context, id ProgramID) (Program, error)
	SaveProgram(ctx context.Context, p Program) error
}

// Store is the full persistence surface.
type Store interface {
	LedgerStore
	GrantStore
	IntentStore
	CatalogStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, every write made through the passed Store is rolled back.
	WithTx(ctx context.Context, fn func(Store) error) error
}
