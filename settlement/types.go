/*
Package settlement provides the points & paid-content settlement core.

PURPOSE:
  Reconciles an external, asynchronous wallet payment (PayPay) with an internal
  points ledger and a content-unlock grant. Every financial consequence is applied
  exactly once, no matter how many times a client polls, a provider calls back, or a
  user double-clicks "buy".

KEY CONCEPTS IN THIS FILE (types.go):
  - PointMovement: Immutable ledger entry (signed delta, reason, reference)
  - PurchaseGrant: Permanent right of a user to watch a paid program
  - PaymentIntent: One tracked checkout attempt at the wallet provider
  - Status: The intent state machine (CREATED -> PENDING -> terminal)
  - Program: Catalog entry carrying the price of a paid program

DESIGN PRINCIPLES:
  1. Append-only: movements are never updated or deleted
  2. Derived balance: balance always equals the sum of movement deltas
  3. Monotone status: no transition leaves a terminal state
  4. Status is the flag: "side effect applied" == "status is COMPLETED"

SEE ALSO:
  - errors.go: Error taxonomy
  - store.go: Persistence interfaces
  - engine.go: Settlement state machine
  - purchase.go: Direct point-spend path
*/
package settlement

import (
	"fmt"
	"time"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// UserID is the opaque id issued by the auth collaborator.
type UserID string

// ProgramID identifies a program in the catalog.
type ProgramID int64

// MerchantPaymentID is the externally-facing id shared with the provider and the
// client return page. Globally unique, immutable once created.
type MerchantPaymentID string

// =============================================================================
// LEDGER
// =============================================================================

// Reason classifies a point movement.
type Reason string

const (
	ReasonTopupDirect   Reason = "topup_direct"
	ReasonTopupPayPay   Reason = "topup_paypay"
	ReasonPurchaseSpend Reason = "purchase_spend"
)

func (r Reason) Valid() bool {
	switch r {
	case ReasonTopupDirect, ReasonTopupPayPay, ReasonPurchaseSpend:
		return true
	}
	return false
}

// PointMovement is one immutable ledger entry.
// (Reason, ReferenceID) is unique across the whole ledger.
type PointMovement struct {
	ID           string
	UserID       UserID
	Delta        int64
	Reason       Reason
	ReferenceID  string
	BalanceAfter int64
	CreatedAt    time.Time
}

// =============================================================================
// GRANTS
// =============================================================================

// GrantSource records how access to a program was paid for.
type GrantSource string

const (
	GrantSourcePointsSpend GrantSource = "points_spend"
	GrantSourcePayPay      GrantSource = "paypay"
)

// PurchaseGrant is the permanent access right of a user to a program.
// At most one exists per (UserID, ProgramID).
type PurchaseGrant struct {
	UserID    UserID
	ProgramID ProgramID
	Source    GrantSource
	GrantedAt time.Time
}

// =============================================================================
// PAYMENT INTENTS
// =============================================================================

// Purpose is what a checkout pays for.
type Purpose string

const (
	PurposePointsTopup     Purpose = "points_topup"
	PurposeProgramPurchase Purpose = "program_purchase"
)

func (p Purpose) Valid() bool {
	return p == PurposePointsTopup || p == PurposeProgramPurchase
}

// Status is the state of a payment intent.
type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
	StatusExpired   Status = "EXPIRED"
)

// IsTerminal reports whether no further transition is possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusExpired
}

// transitions lists every legal edge of the intent state machine.
var transitions = map[Status][]Status{
	StatusCreated: {StatusPending, StatusFailed, StatusExpired},
	StatusPending: {StatusCompleted, StatusFailed, StatusExpired},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// PaymentIntent is one checkout attempt at the wallet provider.
//
// INVARIANTS:
//   - ProgramID != 0 iff Purpose == PurposeProgramPurchase
//   - Status only moves along CanTransition edges
//   - The side effect exists iff Status == StatusCompleted
type PaymentIntent struct {
	MerchantPaymentID MerchantPaymentID
	UserID            UserID
	Purpose           Purpose
	Amount            int64 // yen charged at the provider
	Points            int64 // points credited on completion (top-ups only)
	ProgramID         ProgramID
	Status            Status
	ProviderPaymentID string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Validate checks the purpose-specific shape of a new intent.
func (pi PaymentIntent) Validate() error {
	if pi.MerchantPaymentID == "" || pi.UserID == "" {
		return fmt.Errorf("%w: merchant payment id and user id are required", ErrInvalidIntent)
	}
	if pi.Amount <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidAmount, pi.Amount)
	}
	switch pi.Purpose {
	case PurposePointsTopup:
		if pi.ProgramID != 0 {
			return fmt.Errorf("%w: top-up must not target a program", ErrInvalidIntent)
		}
		if pi.Points <= 0 {
			return fmt.Errorf("%w: top-up must credit points", ErrInvalidIntent)
		}
	case PurposeProgramPurchase:
		if pi.ProgramID == 0 {
			return fmt.Errorf("%w: program purchase requires a program id", ErrInvalidIntent)
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidPurpose, pi.Purpose)
	}
	return nil
}

// =============================================================================
// CATALOG
// =============================================================================

// Program is the part of a catalog entry the settlement core needs.
type Program struct {
	ID             ProgramID
	Title          string
	Price          int64
	LimitedRelease bool
}

// Purchasable reports whether the program is sold at all.
// Only limited-release programs with a positive price are.
func (p Program) Purchasable() bool {
	return p.LimitedRelease && p.Price > 0
}
