package settlement_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/szer/settlement/settlement"
	"github.com/szer/settlement/settlement/store"
	"github.com/szer/settlement/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// fakeProvider answers from a per-payment table. Unknown payments are pending.
type fakeProvider struct {
	mu          sync.Mutex
	states      map[settlement.MerchantPaymentID]settlement.ProviderState
	down        map[settlement.MerchantPaymentID]bool
	checkoutErr error
	checkouts   []settlement.ProviderCheckout
	statusCalls int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		states: make(map[settlement.MerchantPaymentID]settlement.ProviderState),
		down:   make(map[settlement.MerchantPaymentID]bool),
	}
}

func (f *fakeProvider) CreateCheckout(_ context.Context, req settlement.ProviderCheckout) (settlement.CheckoutSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.checkoutErr != nil {
		return settlement.CheckoutSession{}, f.checkoutErr
	}
	f.checkouts = append(f.checkouts, req)
	return settlement.CheckoutSession{
		URL:      "https://pay.example/" + string(req.MerchantPaymentID),
		Deeplink: "paypay://pay/" + string(req.MerchantPaymentID),
		CodeID:   "code-" + string(req.MerchantPaymentID),
	}, nil
}

func (f *fakeProvider) PaymentStatus(_ context.Context, id settlement.MerchantPaymentID) (settlement.ProviderPayment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statusCalls++
	if f.down[id] {
		return settlement.ProviderPayment{}, fmt.Errorf("%w: connection refused", settlement.ErrProviderUnavailable)
	}
	state, ok := f.states[id]
	if !ok {
		state = settlement.ProviderPending
	}
	return settlement.ProviderPayment{State: state, PaymentID: "pp-" + string(id), RawStatus: string(state)}, nil
}

func (f *fakeProvider) set(id settlement.MerchantPaymentID, state settlement.ProviderState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states[id] = state
}

func (f *fakeProvider) setDown(id settlement.MerchantPaymentID, down bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.down[id] = down
}

func (f *fakeProvider) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.statusCalls
}

// testClock lets sweep tests move "now" forward.
type testClock struct {
	mu     sync.Mutex
	offset time.Duration
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().Add(c.offset)
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset += d
}

type engineFixture struct {
	engine   *settlement.Engine
	store    settlement.TxStore
	provider *fakeProvider
	clock    *testClock
}

func sequentialIDs() func() settlement.MerchantPaymentID {
	var n atomic.Int64
	return func() settlement.MerchantPaymentID {
		return settlement.MerchantPaymentID(fmt.Sprintf("mp-%d", n.Add(1)))
	}
}

func newEngineFixture(t *testing.T, s settlement.TxStore, clock *testClock) *engineFixture {
	t.Helper()
	ctx := context.Background()

	require.NoError(t, s.SaveProgram(ctx, settlement.Program{ID: 42, Title: "Live 2025", Price: 300, LimitedRelease: true}))
	require.NoError(t, s.SaveProgram(ctx, settlement.Program{ID: 7, Title: "Free episode", Price: 0, LimitedRelease: true}))
	require.NoError(t, s.SaveProgram(ctx, settlement.Program{ID: 8, Title: "Regular", Price: 300, LimitedRelease: false}))

	f := &engineFixture{store: s, provider: newFakeProvider(), clock: clock}
	f.engine = settlement.NewEngine(s, f.provider,
		settlement.WithIDGenerator(sequentialIDs()),
		settlement.WithClock(f.clock.Now),
		settlement.WithReturnURL(func(id settlement.MerchantPaymentID) string {
			return "https://app.example/mypage/points/paypay/return?merchantPaymentId=" + string(id)
		}),
	)
	return f
}

func newMemoryFixture(t *testing.T) *engineFixture {
	clock := &testClock{}
	mem := store.NewMemory()
	mem.Now = clock.Now
	return newEngineFixture(t, mem, clock)
}

func newSQLiteFixture(t *testing.T) *engineFixture {
	clock := &testClock{}
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	s.SetClock(clock.Now)
	return newEngineFixture(t, s, clock)
}

func (f *engineFixture) checkoutTopup(t *testing.T, user string, amount int64) settlement.PaymentIntent {
	t.Helper()
	res, err := f.engine.InitiateCheckout(context.Background(), settlement.CheckoutRequest{
		UserID: settlement.UserID(user), Purpose: settlement.PurposePointsTopup, Amount: amount,
	})
	require.NoError(t, err)
	return res.Intent
}

func (f *engineFixture) checkoutProgram(t *testing.T, user string, program settlement.ProgramID) settlement.PaymentIntent {
	t.Helper()
	res, err := f.engine.InitiateCheckout(context.Background(), settlement.CheckoutRequest{
		UserID: settlement.UserID(user), Purpose: settlement.PurposeProgramPurchase, ProgramID: program,
	})
	require.NoError(t, err)
	return res.Intent
}

// =============================================================================
// CHECKOUT
// =============================================================================

func TestEngine_TopupCheckout_CreatesPendingIntent(t *testing.T) {
	// GIVEN: A user choosing the 500 yen top-up
	// WHEN: Initiating checkout
	// THEN: A PENDING intent fixes 500 points and the provider got the return URL
	f := newMemoryFixture(t)

	res, err := f.engine.InitiateCheckout(context.Background(), settlement.CheckoutRequest{
		UserID: "u1", Purpose: settlement.PurposePointsTopup, Amount: 500,
	})
	require.NoError(t, err)

	assert.Equal(t, settlement.StatusPending, res.Intent.Status)
	assert.Equal(t, int64(500), res.Intent.Amount)
	assert.Equal(t, int64(500), res.Intent.Points)
	assert.Equal(t, "https://pay.example/mp-1", res.RedirectURL)
	assert.Equal(t, "paypay://pay/mp-1", res.Deeplink)

	require.Len(t, f.provider.checkouts, 1)
	assert.Equal(t, int64(500), f.provider.checkouts[0].Amount)
	assert.Contains(t, f.provider.checkouts[0].ReturnURL, "merchantPaymentId=mp-1")
}

func TestEngine_TopupCheckout_RejectsOffPlanAmount(t *testing.T) {
	f := newMemoryFixture(t)

	_, err := f.engine.InitiateCheckout(context.Background(), settlement.CheckoutRequest{
		UserID: "u1", Purpose: settlement.PurposePointsTopup, Amount: 300,
	})
	assert.ErrorIs(t, err, settlement.ErrInvalidAmount)

	intents, err := f.store.ListIntents(context.Background(), settlement.IntentFilter{})
	require.NoError(t, err)
	assert.Empty(t, intents)
	assert.Empty(t, f.provider.checkouts)
}

func TestEngine_Checkout_RejectsUnknownPurpose(t *testing.T) {
	f := newMemoryFixture(t)
	_, err := f.engine.InitiateCheckout(context.Background(), settlement.CheckoutRequest{
		UserID: "u1", Purpose: "gift", Amount: 500,
	})
	assert.ErrorIs(t, err, settlement.ErrInvalidPurpose)
}

func TestEngine_PurchaseCheckout_ChargesCatalogPrice(t *testing.T) {
	f := newMemoryFixture(t)

	res, err := f.engine.InitiateCheckout(context.Background(), settlement.CheckoutRequest{
		UserID: "u1", Purpose: settlement.PurposeProgramPurchase, ProgramID: 42, Amount: 1,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(300), res.Intent.Amount, "client amount is ignored")
	assert.Equal(t, settlement.ProgramID(42), res.Intent.ProgramID)
	assert.Equal(t, "Live 2025", f.provider.checkouts[0].Description)
}

func TestEngine_PurchaseCheckout_AlreadyOwned_NoIntent(t *testing.T) {
	// GIVEN: The user already holds a grant for program 42
	// WHEN: Initiating a wallet checkout for it
	// THEN: ErrAlreadyOwned and no intent row exists
	f := newMemoryFixture(t)
	ctx := context.Background()
	_, err := f.store.Grant(ctx, settlement.PurchaseGrant{UserID: "u1", ProgramID: 42, Source: settlement.GrantSourcePointsSpend})
	require.NoError(t, err)

	_, err = f.engine.InitiateCheckout(ctx, settlement.CheckoutRequest{
		UserID: "u1", Purpose: settlement.PurposeProgramPurchase, ProgramID: 42,
	})
	assert.ErrorIs(t, err, settlement.ErrAlreadyOwned)

	intents, err := f.store.ListIntents(ctx, settlement.IntentFilter{})
	require.NoError(t, err)
	assert.Empty(t, intents)
}

func TestEngine_PurchaseCheckout_NotPurchasable(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()

	for _, id := range []settlement.ProgramID{7, 8} {
		_, err := f.engine.InitiateCheckout(ctx, settlement.CheckoutRequest{
			UserID: "u1", Purpose: settlement.PurposeProgramPurchase, ProgramID: id,
		})
		assert.ErrorIs(t, err, settlement.ErrNotPurchasable, "program %d", id)
	}

	_, err := f.engine.InitiateCheckout(ctx, settlement.CheckoutRequest{
		UserID: "u1", Purpose: settlement.PurposeProgramPurchase, ProgramID: 999,
	})
	assert.ErrorIs(t, err, settlement.ErrProgramNotFound)
}

func TestEngine_Checkout_ProviderRejects_IntentFailed(t *testing.T) {
	// GIVEN: The provider refuses to create the code
	// WHEN: Initiating checkout
	// THEN: ErrProviderUnavailable and the intent is FAILED, never PENDING
	f := newMemoryFixture(t)
	f.provider.checkoutErr = errors.New("connection refused")

	_, err := f.engine.InitiateCheckout(context.Background(), settlement.CheckoutRequest{
		UserID: "u1", Purpose: settlement.PurposePointsTopup, Amount: 100,
	})
	require.ErrorIs(t, err, settlement.ErrProviderUnavailable)

	pi, err := f.store.GetIntent(context.Background(), "mp-1")
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusFailed, pi.Status)
}

// =============================================================================
// RECONCILE
// =============================================================================

func TestEngine_Reconcile_ConcurrentSuccess_CreditsOnce(t *testing.T) {
	// GIVEN: A PENDING 500 yen top-up the provider reports as COMPLETED
	// WHEN: Five reconciles race (polling tabs plus a webhook)
	// THEN: Balance is 500, one movement exists, exactly one call applied it
	f := newSQLiteFixture(t)
	ctx := context.Background()

	intent := f.checkoutTopup(t, "u1", 500)
	f.provider.set(intent.MerchantPaymentID, settlement.ProviderSucceeded)

	const n = 5
	var (
		wg      sync.WaitGroup
		applied atomic.Int32
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.engine.Reconcile(ctx, intent.MerchantPaymentID)
			if err != nil {
				t.Errorf("reconcile: %v", err)
				return
			}
			if res.Intent.Status != settlement.StatusCompleted || !res.Credited {
				t.Errorf("expected completed+credited, got %s credited=%v", res.Intent.Status, res.Credited)
			}
			if res.Applied {
				applied.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), applied.Load())

	balance, err := f.store.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance)

	movements, err := f.store.Movements(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, movements, 1)
	assert.Equal(t, settlement.ReasonTopupPayPay, movements[0].Reason)
	assert.Equal(t, string(intent.MerchantPaymentID), movements[0].ReferenceID)

	pi, err := f.store.GetIntent(ctx, intent.MerchantPaymentID)
	require.NoError(t, err)
	assert.Equal(t, "pp-"+string(intent.MerchantPaymentID), pi.ProviderPaymentID)
}

func TestEngine_Reconcile_Pending_NoChange(t *testing.T) {
	f := newMemoryFixture(t)
	intent := f.checkoutTopup(t, "u1", 500)

	res, err := f.engine.Reconcile(context.Background(), intent.MerchantPaymentID)
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusPending, res.Intent.Status)
	assert.False(t, res.Credited)
	assert.Equal(t, int64(0), res.Balance)
}

func TestEngine_Reconcile_ProviderOutage_LeavesIntentAlone(t *testing.T) {
	// GIVEN: A PENDING intent and an unreachable provider
	// WHEN: Reconciling
	// THEN: No error, the outage is flagged, status stays PENDING
	f := newMemoryFixture(t)
	intent := f.checkoutTopup(t, "u1", 500)
	f.provider.setDown(intent.MerchantPaymentID, true)

	res, err := f.engine.Reconcile(context.Background(), intent.MerchantPaymentID)
	require.NoError(t, err)
	assert.True(t, res.ProviderUnavailable)
	assert.Equal(t, settlement.StatusPending, res.Intent.Status)

	pi, err := f.store.GetIntent(context.Background(), intent.MerchantPaymentID)
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusPending, pi.Status)
}

func TestEngine_Reconcile_Failed_IsTerminal(t *testing.T) {
	// GIVEN: The provider reports FAILED
	// WHEN: Reconciling, then the provider (wrongly) flips to COMPLETED
	// THEN: FAILED sticks, no credit, and the provider is not asked again
	f := newMemoryFixture(t)
	ctx := context.Background()
	intent := f.checkoutTopup(t, "u1", 500)
	f.provider.set(intent.MerchantPaymentID, settlement.ProviderFailed)

	res, err := f.engine.Reconcile(ctx, intent.MerchantPaymentID)
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusFailed, res.Intent.Status)
	assert.False(t, res.Credited)

	calls := f.provider.calls()
	f.provider.set(intent.MerchantPaymentID, settlement.ProviderSucceeded)

	res, err = f.engine.Reconcile(ctx, intent.MerchantPaymentID)
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusFailed, res.Intent.Status)
	assert.Equal(t, calls, f.provider.calls(), "terminal intents skip the provider")

	balance, err := f.store.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), balance)
}

func TestEngine_Reconcile_Expired(t *testing.T) {
	f := newMemoryFixture(t)
	intent := f.checkoutTopup(t, "u1", 100)
	f.provider.set(intent.MerchantPaymentID, settlement.ProviderExpired)

	res, err := f.engine.Reconcile(context.Background(), intent.MerchantPaymentID)
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusExpired, res.Intent.Status)
	assert.False(t, res.Applied)
}

func TestEngine_Reconcile_CreatedIntent_Completes(t *testing.T) {
	// GIVEN: An intent stuck in CREATED (crash before the PENDING update)
	// WHEN: The provider reports success
	// THEN: It passes through PENDING to COMPLETED and is credited
	f := newMemoryFixture(t)
	ctx := context.Background()
	require.NoError(t, f.store.CreateIntent(ctx, settlement.PaymentIntent{
		MerchantPaymentID: "stuck", UserID: "u1", Purpose: settlement.PurposePointsTopup,
		Amount: 1000, Points: 1000, Status: settlement.StatusCreated,
	}))
	f.provider.set("stuck", settlement.ProviderSucceeded)

	res, err := f.engine.Reconcile(ctx, "stuck")
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusCompleted, res.Intent.Status)
	assert.True(t, res.Applied)
	assert.Equal(t, int64(1000), res.Balance)
}

func TestEngine_Reconcile_Purchase_Grants(t *testing.T) {
	f := newMemoryFixture(t)
	ctx := context.Background()
	intent := f.checkoutProgram(t, "u1", 42)
	f.provider.set(intent.MerchantPaymentID, settlement.ProviderSucceeded)

	res, err := f.engine.Reconcile(ctx, intent.MerchantPaymentID)
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusCompleted, res.Intent.Status)
	assert.True(t, res.Granted)
	assert.Equal(t, int64(0), res.Balance, "wallet purchases never touch points")

	grants, err := f.store.Grants(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, settlement.GrantSourcePayPay, grants[0].Source)
}

func TestEngine_Reconcile_Purchase_AlreadyGrantedMeanwhile(t *testing.T) {
	// GIVEN: A wallet checkout for program 42, and the user buys it with points
	//        before the payment settles
	// WHEN: The payment completes
	// THEN: COMPLETED, grant unchanged, no second grant
	f := newMemoryFixture(t)
	ctx := context.Background()
	intent := f.checkoutProgram(t, "u1", 42)

	_, err := f.store.Grant(ctx, settlement.PurchaseGrant{UserID: "u1", ProgramID: 42, Source: settlement.GrantSourcePointsSpend})
	require.NoError(t, err)
	f.provider.set(intent.MerchantPaymentID, settlement.ProviderSucceeded)

	res, err := f.engine.Reconcile(ctx, intent.MerchantPaymentID)
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusCompleted, res.Intent.Status)
	assert.False(t, res.Applied)
	assert.True(t, res.Granted)

	grants, err := f.store.Grants(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, grants, 1)
	assert.Equal(t, settlement.GrantSourcePointsSpend, grants[0].Source)
}

func TestEngine_Reconcile_UnknownIntent(t *testing.T) {
	f := newMemoryFixture(t)
	_, err := f.engine.Reconcile(context.Background(), "nope")
	assert.ErrorIs(t, err, settlement.ErrNotFound)
}

func TestEngine_ReconcileForUser_HidesOtherUsersIntents(t *testing.T) {
	f := newMemoryFixture(t)
	intent := f.checkoutTopup(t, "u1", 500)

	_, err := f.engine.ReconcileForUser(context.Background(), "u2", intent.MerchantPaymentID)
	assert.ErrorIs(t, err, settlement.ErrNotFound)

	res, err := f.engine.ReconcileForUser(context.Background(), "u1", intent.MerchantPaymentID)
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusPending, res.Intent.Status)
}

// =============================================================================
// SWEEP & REPAIR
// =============================================================================

func TestEngine_Sweep(t *testing.T) {
	// GIVEN: Three intents idle past the pending window and one fresh intent
	//   - abandoned: provider still pending
	//   - paid:      provider succeeded, nobody polled
	//   - outage:    provider unreachable
	// WHEN: Sweeping
	// THEN: abandoned EXPIRED, paid COMPLETED and credited, outage untouched,
	//       fresh untouched
	f := newMemoryFixture(t)
	ctx := context.Background()

	abandoned := f.checkoutTopup(t, "u1", 100)
	paid := f.checkoutTopup(t, "u2", 500)
	outage := f.checkoutTopup(t, "u3", 1000)
	f.provider.set(paid.MerchantPaymentID, settlement.ProviderSucceeded)
	f.provider.setDown(outage.MerchantPaymentID, true)

	f.clock.Advance(settlement.DefaultPendingWindow + time.Minute)
	fresh := f.checkoutTopup(t, "u4", 100)

	report, err := f.engine.Sweep(ctx)
	require.NoError(t, err)

	assert.Equal(t, 3, report.Scanned)
	assert.Equal(t, 1, report.Expired)
	assert.Equal(t, 1, report.Completed)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 0, report.Errors)

	status := func(id settlement.MerchantPaymentID) settlement.Status {
		pi, err := f.store.GetIntent(ctx, id)
		require.NoError(t, err)
		return pi.Status
	}
	assert.Equal(t, settlement.StatusExpired, status(abandoned.MerchantPaymentID))
	assert.Equal(t, settlement.StatusCompleted, status(paid.MerchantPaymentID))
	assert.Equal(t, settlement.StatusPending, status(outage.MerchantPaymentID))
	assert.Equal(t, settlement.StatusPending, status(fresh.MerchantPaymentID))

	balance, err := f.store.Balance(ctx, "u2")
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance)
}

func TestEngine_Repair_ReappliesMissingEffects(t *testing.T) {
	// GIVEN: A COMPLETED top-up whose credit is missing (restored from an old backup)
	// WHEN: Running repair twice
	// THEN: The first pass credits once, the second finds nothing to do
	f := newMemoryFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.CreateIntent(ctx, settlement.PaymentIntent{
		MerchantPaymentID: "restored", UserID: "u1", Purpose: settlement.PurposePointsTopup,
		Amount: 500, Points: 500, Status: settlement.StatusCreated,
	}))
	_, err := f.store.TransitionIntent(ctx, "restored", settlement.StatusCreated, settlement.StatusPending, "")
	require.NoError(t, err)
	_, err = f.store.TransitionIntent(ctx, "restored", settlement.StatusPending, settlement.StatusCompleted, "")
	require.NoError(t, err)

	report, err := f.engine.Repair(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Scanned)
	assert.Equal(t, 1, report.Repaired)

	report, err = f.engine.Repair(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Repaired)

	balance, err := f.store.Balance(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(500), balance)
}
