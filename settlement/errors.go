/*
errors.go - Error taxonomy for the settlement core

PURPOSE:
  Every failure the core can produce has exactly one sentinel. Callers branch with
  errors.Is / errors.As, never by matching message text.

ERROR CATEGORIES:
  1. Client errors     - InsufficientBalance, AlreadyOwned, NotPurchasable, InvalidAmount
  2. Lookup errors     - NotFound, ProgramNotFound
  3. Concurrency       - StaleTransition, DuplicateReference (swallowed internally)
  4. Transient         - ProviderUnavailable (retry later)

PROPAGATION:
  StaleTransition and DuplicateReference are converted into "observe current state"
  results inside the engines. They only escape a store, never an engine.

SEE ALSO:
  - api/errors.go: Maps these errors to HTTP statuses
*/
package settlement

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrNotFound is returned when a payment intent (or other record) does not exist.
	ErrNotFound = errors.New("not found")

	// ErrProgramNotFound is returned for an unknown program. It wraps ErrNotFound.
	ErrProgramNotFound = fmt.Errorf("program %w", ErrNotFound)

	// ErrInsufficientBalance is returned when a debit would make a balance negative.
	ErrInsufficientBalance = errors.New("insufficient points")

	// ErrAlreadyOwned is returned when a checkout targets a program the user owns.
	ErrAlreadyOwned = errors.New("already owned")

	// ErrNotPurchasable is returned for programs that are free or not limited-release.
	ErrNotPurchasable = errors.New("program is not purchasable")

	// ErrStaleTransition is returned when a conditional status update lost a race.
	ErrStaleTransition = errors.New("stale transition")

	// ErrIllegalTransition is returned for an edge the state machine does not have.
	ErrIllegalTransition = errors.New("illegal status transition")

	// ErrDuplicateReference is returned when (reason, reference_id) was already applied.
	ErrDuplicateReference = errors.New("duplicate movement reference")

	// ErrProviderUnavailable is returned when the wallet provider could not be reached
	// or rejected the call. Always transient.
	ErrProviderUnavailable = errors.New("payment provider unavailable")

	// ErrInvalidAmount is returned for non-positive or non-plan amounts.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidPurpose is returned for an unknown checkout purpose.
	ErrInvalidPurpose = errors.New("invalid purpose")

	// ErrInvalidIntent is returned when an intent is malformed.
	ErrInvalidIntent = errors.New("invalid payment intent")

	// ErrInvalidMovement is returned when a movement is malformed.
	ErrInvalidMovement = errors.New("invalid point movement")

	// ErrLedgerDrift is returned when a stored balance differs from its movements.
	ErrLedgerDrift = errors.New("ledger drift")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InsufficientBalanceError details a rejected debit.
type InsufficientBalanceError struct {
	UserID    UserID
	Available int64
	Requested int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient points: available %d, requested %d, shortfall %d",
		e.Available, e.Requested, e.Requested-e.Available)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// StaleTransitionError reports the status actually found by a losing CAS.
type StaleTransitionError struct {
	MerchantPaymentID MerchantPaymentID
	Expected          Status
	Actual            Status
}

func (e *StaleTransitionError) Error() string {
	return fmt.Sprintf("stale transition for %s: expected %s, found %s",
		e.MerchantPaymentID, e.Expected, e.Actual)
}

func (e *StaleTransitionError) Unwrap() error {
	return ErrStaleTransition
}

// DuplicateReferenceError identifies the movement that already exists.
// Balance is the user's current balance, so idempotent retries can answer with it.
type DuplicateReferenceError struct {
	Reason      Reason
	ReferenceID string
	Balance     int64
}

func (e *DuplicateReferenceError) Error() string {
	return fmt.Sprintf("movement %s/%s already applied", e.Reason, e.ReferenceID)
}

func (e *DuplicateReferenceError) Unwrap() error {
	return ErrDuplicateReference
}

// DriftError reports a balance that no longer equals the sum of its movements.
type DriftError struct {
	UserID   UserID
	Stored   int64
	Computed int64
}

func (e *DriftError) Error() string {
	return fmt.Sprintf("ledger drift for %s: stored %d, movements sum to %d",
		e.UserID, e.Stored, e.Computed)
}

func (e *DriftError) Unwrap() error {
	return ErrLedgerDrift
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrProviderUnavailable) || errors.Is(err, ErrStaleTransition)
}

// IsClientError returns true if the error is due to the caller's request.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrAlreadyOwned) ||
		errors.Is(err, ErrNotPurchasable) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidPurpose)
}

// IsNotFound returns true if the error indicates a missing record.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
