/*
engine.go - Settlement state machine

PURPOSE:
  Drives a PaymentIntent from CREATED to a terminal state and, exactly once per
  intent, applies its side effect: a ledger credit (points_topup) or a purchase
  grant (program_purchase).

STATES:
  CREATED -> PENDING -> COMPLETED | FAILED | EXPIRED
  CREATED -> FAILED | EXPIRED  (provider rejected the checkout, or it was abandoned)
  Terminal states have no outgoing edges.

RECONCILE:
  Safe to call any number of times, concurrently, from polling and from webhooks:
    1. Load intent (ErrNotFound if absent)
    2. Terminal? return it, no provider call, no side effect
    3. Ask the provider for the authoritative status
    4. succeeded -> CAS PENDING->COMPLETED + side effect in ONE transaction
       failed/expired -> CAS to that state, no side effect
       pending -> nothing
  The loser of a CAS race sees ErrStaleTransition, re-reads, and returns the
  winner's result. Provider outages return the current state unchanged.

CRASH SAFETY:
  The COMPLETED transition and the credit/grant are committed together, so there is
  no "COMPLETED but never credited" and no "credited twice". Repair() re-applies
  effects idempotently for stores that lost that guarantee (e.g. a manual restore).

SEE ALSO:
  - sweep.go: expiry of abandoned intents, repair pass
  - purchase.go: direct point-spend path
*/
package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// DefaultPendingWindow is how long an intent may stay non-terminal before the
// sweeper expires it.
const DefaultPendingWindow = 30 * time.Minute

// Engine is the settlement state machine.
type Engine struct {
	store         TxStore
	provider      Provider
	plan          TopupPlan
	returnURL     func(MerchantPaymentID) string
	pendingWindow time.Duration
	sweepBatch    int
	now           func() time.Time
	newID         func() MerchantPaymentID
	log           zerolog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

func WithPlan(plan TopupPlan) Option {
	return func(e *Engine) { e.plan = plan }
}

// WithReturnURL sets where the provider redirects the user after paying.
func WithReturnURL(fn func(MerchantPaymentID) string) Option {
	return func(e *Engine) { e.returnURL = fn }
}

func WithPendingWindow(d time.Duration) Option {
	return func(e *Engine) { e.pendingWindow = d }
}

func WithSweepBatch(n int) Option {
	return func(e *Engine) { e.sweepBatch = n }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func WithIDGenerator(fn func() MerchantPaymentID) Option {
	return func(e *Engine) { e.newID = fn }
}

func WithLogger(log zerolog.Logger) Option {
	return func(e *Engine) { e.log = log.With().Str("component", "settlement").Logger() }
}

// NewEngine creates an engine over an injected store and provider.
func NewEngine(store TxStore, provider Provider, opts ...Option) *Engine {
	e := &Engine{
		store:         store,
		provider:      provider,
		plan:          DefaultTopupPlan(),
		returnURL:     func(MerchantPaymentID) string { return "" },
		pendingWindow: DefaultPendingWindow,
		sweepBatch:    500,
		now:           time.Now,
		newID:         NewMerchantPaymentID,
		log:           zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewMerchantPaymentID returns a time-ordered, 32 hex character id.
func NewMerchantPaymentID() MerchantPaymentID {
	return MerchantPaymentID(strings.ReplaceAll(uuid.Must(uuid.NewV7()).String(), "-", ""))
}

// =============================================================================
// CHECKOUT
// =============================================================================

// CheckoutRequest is a client's request to pay through the wallet.
// Amount is used for top-ups only; purchases are charged the catalog price.
type CheckoutRequest struct {
	UserID    UserID
	Purpose   Purpose
	Amount    int64
	ProgramID ProgramID
}

// CheckoutResult tells the client where to pay.
type CheckoutResult struct {
	Intent      PaymentIntent
	RedirectURL string
	Deeplink    string
}

// InitiateCheckout validates the request, records a CREATED intent, registers it
// with the provider and advances it to PENDING.
//
// A program_purchase for a program the user already owns fails with
// ErrAlreadyOwned before any intent is created.
func (e *Engine) InitiateCheckout(ctx context.Context, req CheckoutRequest) (CheckoutResult, error) {
	now := e.now()
	intent := PaymentIntent{
		MerchantPaymentID: e.newID(),
		UserID:            req.UserID,
		Purpose:           req.Purpose,
		Status:            StatusCreated,
		CreatedAt:         now,
		UpdatedAt:         now,
	}

	var description string
	switch req.Purpose {
	case PurposePointsTopup:
		points, err := e.plan.Points(req.Amount)
		if err != nil {
			return CheckoutResult{}, err
		}
		intent.Amount = req.Amount
		intent.Points = points
		description = fmt.Sprintf("%d points", points)

	case PurposeProgramPurchase:
		program, err := e.store.GetProgram(ctx, req.ProgramID)
		if err != nil {
			return CheckoutResult{}, err
		}
		if !program.Purchasable() {
			return CheckoutResult{}, fmt.Errorf("%w: program %d", ErrNotPurchasable, program.ID)
		}
		owned, err := e.store.HasGrant(ctx, req.UserID, program.ID)
		if err != nil {
			return CheckoutResult{}, err
		}
		if owned {
			return CheckoutResult{}, fmt.Errorf("%w: program %d", ErrAlreadyOwned, program.ID)
		}
		intent.Amount = program.Price
		intent.ProgramID = program.ID
		description = program.Title

	default:
		return CheckoutResult{}, fmt.Errorf("%w: %q", ErrInvalidPurpose, req.Purpose)
	}

	if err := intent.Validate(); err != nil {
		return CheckoutResult{}, err
	}
	if err := e.store.CreateIntent(ctx, intent); err != nil {
		return CheckoutResult{}, fmt.Errorf("create intent: %w", err)
	}

	log := e.log.With().
		Str("merchant_payment_id", string(intent.MerchantPaymentID)).
		Str("user_id", string(intent.UserID)).
		Str("purpose", string(intent.Purpose)).
		Logger()

	session, err := e.provider.CreateCheckout(ctx, ProviderCheckout{
		MerchantPaymentID: intent.MerchantPaymentID,
		Amount:            intent.Amount,
		Description:       description,
		ReturnURL:         e.returnURL(intent.MerchantPaymentID),
	})
	if err != nil {
		log.Warn().Err(err).Msg("provider rejected checkout")
		if _, terr := e.store.TransitionIntent(ctx, intent.MerchantPaymentID, StatusCreated, StatusFailed, ""); terr != nil {
			log.Error().Err(terr).Msg("failed to mark intent failed")
		}
		return CheckoutResult{}, providerError("create checkout", err)
	}

	pending, err := e.store.TransitionIntent(ctx, intent.MerchantPaymentID, StatusCreated, StatusPending, "")
	if errors.Is(err, ErrStaleTransition) {
		// A webhook or poll got there first.
		pending, err = e.store.GetIntent(ctx, intent.MerchantPaymentID)
	}
	if err != nil {
		return CheckoutResult{}, fmt.Errorf("advance intent: %w", err)
	}

	log.Info().Int64("amount", intent.Amount).Msg("checkout created")
	return CheckoutResult{Intent: pending, RedirectURL: session.URL, Deeplink: session.Deeplink}, nil
}

// =============================================================================
// RECONCILE
// =============================================================================

// Settlement is the reconciled view of an intent.
type Settlement struct {
	Intent PaymentIntent

	// Applied is true only for the call that applied the side effect.
	Applied bool

	// Credited: a top-up is COMPLETED and its points are in the ledger.
	Credited bool
	// Granted: the user holds a grant for the intent's program.
	Granted bool
	// Balance is the user's current balance.
	Balance int64

	// ProviderUnavailable: the provider could not be asked; poll again later.
	ProviderUnavailable bool
}

// Reconcile syncs the intent with the provider and settles it if it succeeded.
func (e *Engine) Reconcile(ctx context.Context, id MerchantPaymentID) (Settlement, error) {
	intent, err := e.store.GetIntent(ctx, id)
	if err != nil {
		return Settlement{}, err
	}
	return e.reconcile(ctx, intent)
}

// ReconcileForUser is Reconcile restricted to the intent's owner. Other users get
// ErrNotFound so intent ids cannot be probed.
func (e *Engine) ReconcileForUser(ctx context.Context, userID UserID, id MerchantPaymentID) (Settlement, error) {
	intent, err := e.store.GetIntent(ctx, id)
	if err != nil {
		return Settlement{}, err
	}
	if intent.UserID != userID {
		return Settlement{}, fmt.Errorf("payment intent %s: %w", id, ErrNotFound)
	}
	return e.reconcile(ctx, intent)
}

func (e *Engine) reconcile(ctx context.Context, intent PaymentIntent) (Settlement, error) {
	if intent.Status.IsTerminal() {
		return e.observe(ctx, intent, false)
	}

	payment, err := e.provider.PaymentStatus(ctx, intent.MerchantPaymentID)
	if err != nil {
		e.log.Warn().Err(err).
			Str("merchant_payment_id", string(intent.MerchantPaymentID)).
			Msg("provider status unavailable, leaving intent unchanged")
		res, oerr := e.observe(ctx, intent, false)
		res.ProviderUnavailable = true
		return res, oerr
	}

	switch payment.State {
	case ProviderSucceeded:
		return e.complete(ctx, intent, payment.PaymentID)
	case ProviderFailed:
		return e.finish(ctx, intent, StatusFailed, payment.PaymentID)
	case ProviderExpired:
		return e.finish(ctx, intent, StatusExpired, payment.PaymentID)
	default:
		return e.observe(ctx, intent, false)
	}
}

// complete wins or loses the race to COMPLETED. Only the winner applies the effect.
func (e *Engine) complete(ctx context.Context, intent PaymentIntent, paymentID string) (Settlement, error) {
	id := intent.MerchantPaymentID

	if intent.Status == StatusCreated {
		advanced, err := e.store.TransitionIntent(ctx, id, StatusCreated, StatusPending, paymentID)
		switch {
		case err == nil:
			intent = advanced
		case errors.Is(err, ErrStaleTransition):
			if intent, err = e.store.GetIntent(ctx, id); err != nil {
				return Settlement{}, err
			}
			if intent.Status.IsTerminal() {
				return e.observe(ctx, intent, false)
			}
		default:
			return Settlement{}, err
		}
	}

	var (
		completed PaymentIntent
		applied   bool
	)
	err := e.store.WithTx(ctx, func(tx Store) error {
		var err error
		completed, err = tx.TransitionIntent(ctx, id, StatusPending, StatusCompleted, paymentID)
		if err != nil {
			return err
		}
		applied, err = e.applyEffect(ctx, tx, completed)
		return err
	})
	if errors.Is(err, ErrStaleTransition) {
		current, gerr := e.store.GetIntent(ctx, id)
		if gerr != nil {
			return Settlement{}, gerr
		}
		return e.observe(ctx, current, false)
	}
	if err != nil {
		return Settlement{}, fmt.Errorf("settle %s: %w", id, err)
	}

	ev := e.log.Info()
	if !applied {
		// Grant already held (e.g. bought with points meanwhile) or credit present.
		ev = e.log.Warn()
	}
	ev.Str("merchant_payment_id", string(id)).
		Str("user_id", string(completed.UserID)).
		Str("purpose", string(completed.Purpose)).
		Bool("applied", applied).
		Msg("payment settled")

	return e.observe(ctx, completed, applied)
}

// finish moves a non-terminal intent to FAILED or EXPIRED. No side effect.
func (e *Engine) finish(ctx context.Context, intent PaymentIntent, next Status, paymentID string) (Settlement, error) {
	updated, err := e.store.TransitionIntent(ctx, intent.MerchantPaymentID, intent.Status, next, paymentID)
	if errors.Is(err, ErrStaleTransition) {
		if updated, err = e.store.GetIntent(ctx, intent.MerchantPaymentID); err != nil {
			return Settlement{}, err
		}
		return e.observe(ctx, updated, false)
	}
	if err != nil {
		return Settlement{}, err
	}

	e.log.Info().
		Str("merchant_payment_id", string(updated.MerchantPaymentID)).
		Str("status", string(updated.Status)).
		Msg("payment closed without settlement")
	return e.observe(ctx, updated, false)
}

// applyEffect writes the credit or grant for a COMPLETED intent through tx.
// Returns applied=false when the effect was already present.
func (e *Engine) applyEffect(ctx context.Context, tx Store, intent PaymentIntent) (bool, error) {
	switch intent.Purpose {
	case PurposePointsTopup:
		_, err := tx.ApplyMovement(ctx, PointMovement{
			UserID:      intent.UserID,
			Delta:       intent.Points,
			Reason:      ReasonTopupPayPay,
			ReferenceID: string(intent.MerchantPaymentID),
		})
		if errors.Is(err, ErrDuplicateReference) {
			return false, nil
		}
		return err == nil, err

	case PurposeProgramPurchase:
		return tx.Grant(ctx, PurchaseGrant{
			UserID:    intent.UserID,
			ProgramID: intent.ProgramID,
			Source:    GrantSourcePayPay,
			GrantedAt: e.now(),
		})
	}
	return false, fmt.Errorf("%w: %q", ErrInvalidPurpose, intent.Purpose)
}

// observe builds the read-only view of an intent.
func (e *Engine) observe(ctx context.Context, intent PaymentIntent, applied bool) (Settlement, error) {
	res := Settlement{Intent: intent, Applied: applied}

	balance, err := e.store.Balance(ctx, intent.UserID)
	if err != nil {
		return Settlement{}, err
	}
	res.Balance = balance

	switch intent.Purpose {
	case PurposePointsTopup:
		res.Credited = intent.Status == StatusCompleted
	case PurposeProgramPurchase:
		granted, err := e.store.HasGrant(ctx, intent.UserID, intent.ProgramID)
		if err != nil {
			return Settlement{}, err
		}
		res.Granted = granted
	}
	return res, nil
}
