/*
handlers.go - HTTP API handlers for the settlement core

PURPOSE:
  Exposes checkout, payment polling, point purchases and the points ledger to the
  web frontend. Handles HTTP request/response and JSON, and delegates every
  decision to the settlement package.

ENDPOINTS:
  Payments:
    POST   /checkout                  Start a PayPay payment (top-up or program)
    GET    /payments/{id}             Poll; reconciles with PayPay as a side effect

  Points:
    GET    /points                    Current balance
    POST   /points/topup              Direct top-up (Idempotency-Key, dev only)
    GET    /points/movements          Ledger history
    POST   /purchase/{program_id}     Buy a program with points

  Access:
    GET    /purchases                 Programs the user owns
    GET    /programs/{id}/access      Does the user own this program

REQUEST FLOW:
  1. RequireUser has resolved the user (auth.go)
  2. Parse and validate input
  3. Call the engine
  4. Serialize response, or map the error kind with statusFor (errors.go)

SEE ALSO:
  - dto.go: Request/response data structures
  - webhook.go: PayPay notifications
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/szer/settlement/settlement"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine    *settlement.Engine
	Purchases *settlement.PurchaseEngine
	Ledger    *settlement.Ledger

	// AllowDirectTopup enables POST /points/topup, which credits points without
	// a payment. Off in production.
	AllowDirectTopup bool

	log zerolog.Logger
}

func NewHandler(engine *settlement.Engine, purchases *settlement.PurchaseEngine, ledger *settlement.Ledger, log zerolog.Logger) *Handler {
	return &Handler{
		Engine:    engine,
		Purchases: purchases,
		Ledger:    ledger,
		log:       log.With().Str("component", "api").Logger(),
	}
}

// =============================================================================
// PAYMENT HANDLERS
// =============================================================================

// Checkout creates a payment intent and returns the PayPay redirect.
// POST /checkout
func (h *Handler) Checkout(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserFromContext(r.Context())

	var req CheckoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	res, err := h.Engine.InitiateCheckout(r.Context(), settlement.CheckoutRequest{
		UserID:    userID,
		Purpose:   settlement.Purpose(strings.TrimSpace(req.Purpose)),
		Amount:    req.Amount,
		ProgramID: settlement.ProgramID(req.ProgramID),
	})
	if err != nil {
		h.writeDomainError(w, r, "checkout failed", err)
		return
	}

	writeJSON(w, http.StatusOK, CheckoutResponse{
		MerchantPaymentID: string(res.Intent.MerchantPaymentID),
		RedirectURL:       res.RedirectURL,
		Deeplink:          res.Deeplink,
		Status:            string(res.Intent.Status),
	})
}

// GetPayment reconciles the caller's intent and returns its state.
// GET /payments/{merchantPaymentID}
func (h *Handler) GetPayment(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserFromContext(r.Context())
	id := settlement.MerchantPaymentID(chi.URLParam(r, "merchantPaymentID"))

	s, err := h.Engine.ReconcileForUser(r.Context(), userID, id)
	if err != nil {
		h.writeDomainError(w, r, "payment lookup failed", err)
		return
	}
	recordSettlement(s)
	writeJSON(w, http.StatusOK, toPaymentDTO(s))
}

// =============================================================================
// POINTS HANDLERS
// =============================================================================

// GetPoints returns the caller's balance.
// GET /points
func (h *Handler) GetPoints(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserFromContext(r.Context())

	balance, err := h.Ledger.Balance(r.Context(), userID)
	if err != nil {
		h.writeDomainError(w, r, "failed to get points", err)
		return
	}
	writeJSON(w, http.StatusOK, PointsResponse{Points: balance})
}

// Topup credits points directly, keyed by the Idempotency-Key header.
// POST /points/topup
func (h *Handler) Topup(w http.ResponseWriter, r *http.Request) {
	if !h.AllowDirectTopup {
		writeError(w, http.StatusNotFound, "not_found", "direct top-up is disabled")
		return
	}
	userID, _ := UserFromContext(r.Context())

	key := r.Header.Get("Idempotency-Key")
	if strings.TrimSpace(key) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "missing Idempotency-Key header")
		return
	}
	var req TopupRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid JSON body")
		return
	}

	res, err := h.Ledger.TopupDirect(r.Context(), userID, req.Amount, key)
	if err != nil {
		h.writeDomainError(w, r, "top-up failed", err)
		return
	}
	writeJSON(w, http.StatusOK, TopupResponse{Points: res.Balance, Replayed: res.Replayed})
}

// GetMovements returns the caller's ledger, oldest first.
// GET /points/movements
func (h *Handler) GetMovements(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserFromContext(r.Context())

	movements, err := h.Ledger.History(r.Context(), userID)
	if err != nil {
		h.writeDomainError(w, r, "failed to get movements", err)
		return
	}
	writeJSON(w, http.StatusOK, toMovementDTOs(movements))
}

// Purchase buys a program with points. Buying an owned program is a no-op.
// POST /purchase/{programID}
func (h *Handler) Purchase(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserFromContext(r.Context())
	programID, err := programIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	res, err := h.Purchases.PurchaseWithPoints(r.Context(), userID, programID)
	if err != nil {
		h.writeDomainError(w, r, "purchase failed", err)
		return
	}
	writeJSON(w, http.StatusOK, PurchaseResponse{Points: res.Balance, AlreadyOwned: res.AlreadyOwned})
}

// =============================================================================
// ACCESS HANDLERS
// =============================================================================

// GetPurchases lists the caller's grants.
// GET /purchases
func (h *Handler) GetPurchases(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserFromContext(r.Context())

	grants, err := h.Purchases.Purchases(r.Context(), userID)
	if err != nil {
		h.writeDomainError(w, r, "failed to list purchases", err)
		return
	}
	writeJSON(w, http.StatusOK, toGrantDTOs(grants))
}

// GetAccess reports whether the caller owns a program.
// GET /programs/{programID}/access
func (h *Handler) GetAccess(w http.ResponseWriter, r *http.Request) {
	userID, _ := UserFromContext(r.Context())
	programID, err := programIDParam(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	granted, err := h.Purchases.HasAccess(r.Context(), userID, programID)
	if err != nil {
		h.writeDomainError(w, r, "failed to check access", err)
		return
	}
	writeJSON(w, http.StatusOK, AccessResponse{ProgramID: int64(programID), Granted: granted})
}

// =============================================================================
// HELPERS
// =============================================================================

func programIDParam(r *http.Request) (settlement.ProgramID, error) {
	raw := chi.URLParam(r, "programID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid program id %q", raw)
	}
	return settlement.ProgramID(id), nil
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
