/*
handlers_test.go - Tests for the HTTP surface

Runs the real router against a SQLite store and the fake PayPay API, so every
test covers routing, auth, the engine, the store and the PayPay client together.
*/
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/szer/settlement/paypay"
	"github.com/szer/settlement/paypay/paypaytest"
	"github.com/szer/settlement/settlement"
	"github.com/szer/settlement/store/sqlite"
)

const userHeader = "X-User-ID"

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	t       *testing.T
	store   *sqlite.Store
	pay     *paypaytest.Server
	clock   *testClock
	engine  *settlement.Engine
	handler *Handler
	webhook *WebhookHandler
	router  http.Handler
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	store, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	clock := &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
	store.SetClock(clock.Now)

	require.NoError(t, store.SaveProgram(ctx, settlement.Program{ID: 42, Title: "Live 2025", Price: 300, LimitedRelease: true}))
	require.NoError(t, store.SaveProgram(ctx, settlement.Program{ID: 8, Title: "Regular episode", Price: 300}))

	pay := paypaytest.NewServer()
	t.Cleanup(pay.Close)
	client, err := paypay.NewClient(pay.Config())
	require.NoError(t, err)

	engine := settlement.NewEngine(store, paypay.NewProvider(client),
		settlement.WithClock(clock.Now),
		settlement.WithReturnURL(func(id settlement.MerchantPaymentID) string {
			return paypay.ReturnURL("https://app.example", id)
		}),
	)
	purchases := settlement.NewPurchaseEngine(store, zerolog.Nop())
	purchases.Now = clock.Now
	ledger := settlement.NewLedger(store, settlement.DefaultTopupPlan())

	h := NewHandler(engine, purchases, ledger, zerolog.Nop())
	h.AllowDirectTopup = true
	wh := NewWebhookHandler(engine, "whsec", nil, zerolog.Nop())

	router := NewRouter(h, wh, RouterConfig{
		CORSOrigins: []string{"https://app.example"},
		Sessions:    HeaderVerifier{Header: userHeader},
		Health:      store,
		Log:         zerolog.Nop(),
	})

	return &testEnv{t: t, store: store, pay: pay, clock: clock, engine: engine, handler: h, webhook: wh, router: router}
}

// do sends a request as user (empty for anonymous) and returns the recorder.
func (e *testEnv) do(method, path, user, body string, headers ...string) *httptest.ResponseRecorder {
	e.t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	if user != "" {
		req.Header.Set(userHeader, user)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func (e *testEnv) checkout(user, body string) CheckoutResponse {
	e.t.Helper()
	rec := e.do(http.MethodPost, "/checkout", user, body)
	require.Equal(e.t, http.StatusOK, rec.Code, rec.Body.String())
	return decode[CheckoutResponse](e.t, rec)
}

func (e *testEnv) topup(user string, amount int, key string) {
	e.t.Helper()
	rec := e.do(http.MethodPost, "/points/topup", user, `{"amount":`+strconv.Itoa(amount)+`}`, "Idempotency-Key", key)
	require.Equal(e.t, http.StatusOK, rec.Code, rec.Body.String())
}

// =============================================================================
// CHECKOUT & POLLING
// =============================================================================

func TestCheckout_TopupSettlesOnPoll(t *testing.T) {
	// GIVEN: A user who started a 500 yen top-up
	e := newTestEnv(t)
	co := e.checkout("u1", `{"purpose":"points_topup","amount":500}`)

	assert.Equal(t, "PENDING", co.Status)
	assert.NotEmpty(t, co.RedirectURL)
	assert.NotEmpty(t, co.Deeplink)
	code, ok := e.pay.Code(co.MerchantPaymentID)
	require.True(t, ok)
	assert.Equal(t, int64(500), code.Amount.Amount)
	assert.Equal(t, "https://app.example/mypage/points/paypay/return?merchantPaymentId="+co.MerchantPaymentID, code.RedirectURL)

	// WHEN: Polling before the user paid
	rec := e.do(http.MethodGet, "/payments/"+co.MerchantPaymentID, "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	p := decode[PaymentDTO](t, rec)

	// THEN: Still pending, nothing credited
	assert.Equal(t, "PENDING", p.Status)
	assert.False(t, p.Credited)
	assert.Equal(t, int64(500), p.Points)

	// WHEN: PayPay reports the payment complete and the page polls twice
	e.pay.SetStatus(co.MerchantPaymentID, "COMPLETED")
	for i := 0; i < 2; i++ {
		rec = e.do(http.MethodGet, "/payments/"+co.MerchantPaymentID, "u1", "")
		require.Equal(t, http.StatusOK, rec.Code)
		p = decode[PaymentDTO](t, rec)
		assert.Equal(t, "COMPLETED", p.Status)
		assert.True(t, p.Credited)
		assert.Equal(t, int64(500), p.Balance)
	}

	// THEN: Credited exactly once
	points := decode[PointsResponse](t, e.do(http.MethodGet, "/points", "u1", ""))
	assert.Equal(t, int64(500), points.Points)
	movements := decode[[]MovementDTO](t, e.do(http.MethodGet, "/points/movements", "u1", ""))
	require.Len(t, movements, 1)
	assert.Equal(t, "topup_paypay", movements[0].Reason)
	assert.Equal(t, co.MerchantPaymentID, movements[0].ReferenceID)
}

func TestCheckout_ProgramPurchaseGrantsAccess(t *testing.T) {
	e := newTestEnv(t)
	co := e.checkout("u1", `{"purpose":"program_purchase","program_id":42,"amount":1}`)

	// The catalog price is charged, not the client's amount.
	code, ok := e.pay.Code(co.MerchantPaymentID)
	require.True(t, ok)
	assert.Equal(t, int64(300), code.Amount.Amount)
	assert.Equal(t, "Live 2025", code.OrderDescription)

	e.pay.SetStatus(co.MerchantPaymentID, "COMPLETED")
	p := decode[PaymentDTO](t, e.do(http.MethodGet, "/payments/"+co.MerchantPaymentID, "u1", ""))
	assert.Equal(t, "COMPLETED", p.Status)
	assert.True(t, p.Granted)
	assert.Equal(t, int64(42), p.ProgramID)

	access := decode[AccessResponse](t, e.do(http.MethodGet, "/programs/42/access", "u1", ""))
	assert.True(t, access.Granted)
	grants := decode[[]GrantDTO](t, e.do(http.MethodGet, "/purchases", "u1", ""))
	require.Len(t, grants, 1)
	assert.Equal(t, "paypay", grants[0].Source)

	// No points were involved.
	points := decode[PointsResponse](t, e.do(http.MethodGet, "/points", "u1", ""))
	assert.Equal(t, int64(0), points.Points)
}

func TestCheckout_Rejections(t *testing.T) {
	e := newTestEnv(t)

	cases := []struct {
		name   string
		user   string
		body   string
		status int
		code   string
	}{
		{"anonymous", "", `{"purpose":"points_topup","amount":500}`, http.StatusUnauthorized, "unauthorized"},
		{"bad json", "u1", `{`, http.StatusBadRequest, "invalid_request"},
		{"off-plan amount", "u1", `{"purpose":"points_topup","amount":123}`, http.StatusBadRequest, "invalid_request"},
		{"unknown purpose", "u1", `{"purpose":"tip","amount":500}`, http.StatusBadRequest, "invalid_request"},
		{"unknown program", "u1", `{"purpose":"program_purchase","program_id":999}`, http.StatusNotFound, "program_not_found"},
		{"not purchasable", "u1", `{"purpose":"program_purchase","program_id":8}`, http.StatusBadRequest, "not_purchasable"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := e.do(http.MethodPost, "/checkout", tc.user, tc.body)
			assert.Equal(t, tc.status, rec.Code, rec.Body.String())
			assert.Equal(t, tc.code, decode[ErrorResponse](t, rec).Code)
		})
	}
	assert.Zero(t, e.pay.Requests(), "no rejected checkout reaches PayPay")
}

func TestCheckout_AlreadyOwned(t *testing.T) {
	// GIVEN: A user who bought program 42 with points
	e := newTestEnv(t)
	e.topup("u1", 500, "k1")
	rec := e.do(http.MethodPost, "/purchase/42", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	// WHEN: Starting a PayPay checkout for the same program
	rec = e.do(http.MethodPost, "/checkout", "u1", `{"purpose":"program_purchase","program_id":42}`)

	// THEN: 409 and PayPay is never called
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "already_owned", decode[ErrorResponse](t, rec).Code)
	assert.Zero(t, e.pay.Requests())
}

func TestCheckout_ProviderDown(t *testing.T) {
	e := newTestEnv(t)
	e.pay.SetDown(true)

	rec := e.do(http.MethodPost, "/checkout", "u1", `{"purpose":"points_topup","amount":100}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "provider_unavailable", decode[ErrorResponse](t, rec).Code)
}

func TestGetPayment_ProviderDownStaysPending(t *testing.T) {
	e := newTestEnv(t)
	co := e.checkout("u1", `{"purpose":"points_topup","amount":100}`)
	e.pay.SetStatus(co.MerchantPaymentID, "COMPLETED")
	e.pay.SetDown(true)

	p := decode[PaymentDTO](t, e.do(http.MethodGet, "/payments/"+co.MerchantPaymentID, "u1", ""))
	assert.Equal(t, "PENDING", p.Status)
	assert.True(t, p.ProviderUnavailable)
	assert.False(t, p.Credited)

	// Recovery: the next poll settles it.
	e.pay.SetDown(false)
	p = decode[PaymentDTO](t, e.do(http.MethodGet, "/payments/"+co.MerchantPaymentID, "u1", ""))
	assert.Equal(t, "COMPLETED", p.Status)
	assert.Equal(t, int64(100), p.Balance)
}

func TestGetPayment_OwnerScoped(t *testing.T) {
	e := newTestEnv(t)
	co := e.checkout("u1", `{"purpose":"points_topup","amount":100}`)

	rec := e.do(http.MethodGet, "/payments/"+co.MerchantPaymentID, "u2", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = e.do(http.MethodGet, "/payments/nope", "u1", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decode[ErrorResponse](t, rec).Code)
}

func TestGetPayment_FailedPayment(t *testing.T) {
	e := newTestEnv(t)
	co := e.checkout("u1", `{"purpose":"points_topup","amount":100}`)
	e.pay.SetStatus(co.MerchantPaymentID, "CANCELED")

	p := decode[PaymentDTO](t, e.do(http.MethodGet, "/payments/"+co.MerchantPaymentID, "u1", ""))
	assert.Equal(t, "FAILED", p.Status)
	assert.False(t, p.Credited)

	// A later COMPLETED report cannot resurrect a terminal intent.
	e.pay.SetStatus(co.MerchantPaymentID, "COMPLETED")
	p = decode[PaymentDTO](t, e.do(http.MethodGet, "/payments/"+co.MerchantPaymentID, "u1", ""))
	assert.Equal(t, "FAILED", p.Status)
	assert.Equal(t, int64(0), p.Balance)
}

// =============================================================================
// POINTS
// =============================================================================

func TestPurchase_WithPoints(t *testing.T) {
	e := newTestEnv(t)

	// GIVEN: 100 points, program costs 300
	e.topup("u1", 100, "k1")

	// WHEN: Buying
	rec := e.do(http.MethodPost, "/purchase/42", "u1", "")

	// THEN: 409 insufficient points, nothing written
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "insufficient_points", decode[ErrorResponse](t, rec).Code)
	access := decode[AccessResponse](t, e.do(http.MethodGet, "/programs/42/access", "u1", ""))
	assert.False(t, access.Granted)

	// GIVEN: 600 points
	e.topup("u1", 500, "k2")

	// WHEN: Buying twice
	first := decode[PurchaseResponse](t, e.do(http.MethodPost, "/purchase/42", "u1", ""))
	second := decode[PurchaseResponse](t, e.do(http.MethodPost, "/purchase/42", "u1", ""))

	// THEN: One debit
	assert.Equal(t, PurchaseResponse{Points: 300, AlreadyOwned: false}, first)
	assert.Equal(t, PurchaseResponse{Points: 300, AlreadyOwned: true}, second)

	grants := decode[[]GrantDTO](t, e.do(http.MethodGet, "/purchases", "u1", ""))
	require.Len(t, grants, 1)
	assert.Equal(t, int64(42), grants[0].ProgramID)
	assert.Equal(t, "points_spend", grants[0].Source)
}

func TestPurchase_BadProgram(t *testing.T) {
	e := newTestEnv(t)

	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/purchase/abc", "u1", "").Code)
	assert.Equal(t, http.StatusNotFound, e.do(http.MethodPost, "/purchase/999", "u1", "").Code)
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodPost, "/purchase/8", "u1", "").Code)
	assert.Equal(t, http.StatusBadRequest, e.do(http.MethodGet, "/programs/0/access", "u1", "").Code)
}

func TestTopup_Idempotency(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(http.MethodPost, "/points/topup", "u1", `{"amount":500}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "missing Idempotency-Key")

	first := decode[TopupResponse](t, e.do(http.MethodPost, "/points/topup", "u1", `{"amount":500}`, "Idempotency-Key", "abc"))
	replay := decode[TopupResponse](t, e.do(http.MethodPost, "/points/topup", "u1", `{"amount":500}`, "Idempotency-Key", "abc"))
	assert.Equal(t, TopupResponse{Points: 500}, first)
	assert.Equal(t, TopupResponse{Points: 500, Replayed: true}, replay)

	// Same key from another user is a different top-up.
	other := decode[TopupResponse](t, e.do(http.MethodPost, "/points/topup", "u2", `{"amount":100}`, "Idempotency-Key", "abc"))
	assert.Equal(t, TopupResponse{Points: 100}, other)

	rec = e.do(http.MethodPost, "/points/topup", "u1", `{"amount":123}`, "Idempotency-Key", "def")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTopup_Disabled(t *testing.T) {
	e := newTestEnv(t)
	e.handler.AllowDirectTopup = false

	rec := e.do(http.MethodPost, "/points/topup", "u1", `{"amount":500}`, "Idempotency-Key", "abc")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMovements_EmptyIsArray(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(http.MethodGet, "/points/movements", "u1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

// =============================================================================
// PUBLIC ROUTES
// =============================================================================

func TestHealthAndMetrics(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(http.MethodGet, "/health", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode[HealthResponse](t, rec).Status)

	rec = e.do(http.MethodGet, "/metrics", "", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "settlement_http_requests_total")
}

func TestHealth_StoreDown(t *testing.T) {
	e := newTestEnv(t)
	require.NoError(t, e.store.Close())

	rec := e.do(http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
