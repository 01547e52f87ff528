// Package paypaytest runs a fake PayPay API for tests.
package paypaytest

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/szer/settlement/paypay"
)

const (
	APIKey     = "test-key"
	APISecret  = "test-secret"
	MerchantID = "test-merchant"
)

// Server is an in-process PayPay API. A created code has no payment until
// SetStatus is called, like a user who has not scanned it yet.
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	codes     map[string]paypay.CreateCodeRequest
	statuses  map[string]string
	down      bool
	requests  int
	merchants []string
}

// NewServer starts a server. Close it with t.Cleanup(srv.Close).
func NewServer() *Server {
	s := &Server{
		codes:    make(map[string]paypay.CreateCodeRequest),
		statuses: make(map[string]string),
	}

	r := chi.NewRouter()
	r.Use(s.authenticate)
	r.Post("/v2/codes", s.createCode)
	r.Get("/v2/codes/payments/{merchantPaymentId}", s.paymentDetails)

	s.Server = httptest.NewServer(r)
	return s
}

// Config returns client credentials accepted by the server.
func (s *Server) Config() paypay.Config {
	return paypay.Config{BaseURL: s.URL, APIKey: APIKey, APISecret: APISecret, MerchantID: MerchantID}
}

// SetStatus makes the payment exist with a PayPay status such as "COMPLETED".
func (s *Server) SetStatus(merchantPaymentID, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[merchantPaymentID] = status
}

// SetDown makes every request fail with 503.
func (s *Server) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

// Code returns the create-code request recorded for an id.
func (s *Server) Code(merchantPaymentID string) (paypay.CreateCodeRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.codes[merchantPaymentID]
	return c, ok
}

// Requests counts authenticated requests.
func (s *Server) Requests() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests
}

// Merchants lists the X-ASSUME-MERCHANT header of every request.
func (s *Server) Merchants() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.merchants...)
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeResult(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
			return
		}
		r.Body = io.NopCloser(bytes.NewReader(body))

		h, err := paypay.ParseAuthorization(r.Header.Get("Authorization"))
		if err != nil || h.APIKey != APIKey {
			writeResult(w, http.StatusUnauthorized, "UNAUTHORIZED", "bad auth header")
			return
		}
		pathWithQuery := r.URL.EscapedPath()
		if r.URL.RawQuery != "" {
			pathWithQuery += "?" + r.URL.RawQuery
		}
		if !paypay.VerifyAuthorization(h, APISecret, r.Method, pathWithQuery, r.Header.Get("Content-Type"), body) {
			writeResult(w, http.StatusUnauthorized, "UNAUTHORIZED", "signature mismatch")
			return
		}

		s.mu.Lock()
		s.requests++
		s.merchants = append(s.merchants, r.Header.Get("X-ASSUME-MERCHANT"))
		down := s.down
		s.mu.Unlock()

		if down {
			writeResult(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "maintenance")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) createCode(w http.ResponseWriter, r *http.Request) {
	var req paypay.CreateCodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeResult(w, http.StatusBadRequest, "INVALID_PARAMS", err.Error())
		return
	}
	if req.MerchantPaymentID == "" || req.Amount.Amount <= 0 || req.Amount.Currency != "JPY" {
		writeResult(w, http.StatusBadRequest, "INVALID_PARAMS", "bad code request")
		return
	}

	s.mu.Lock()
	if _, dup := s.codes[req.MerchantPaymentID]; dup {
		s.mu.Unlock()
		writeResult(w, http.StatusBadRequest, "DUPLICATE_DYNAMIC_QR_REQUEST", "duplicate merchantPaymentId")
		return
	}
	s.codes[req.MerchantPaymentID] = req
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, paypay.CreateCodeResponse{
		ResultInfo: paypay.ResultInfo{Code: "SUCCESS", Message: "Success"},
		Data: paypay.CodeData{
			CodeID:            "code-" + req.MerchantPaymentID,
			URL:               s.URL + "/pay/" + req.MerchantPaymentID,
			Deeplink:          "paypay://payment?link_key=" + req.MerchantPaymentID,
			MerchantPaymentID: req.MerchantPaymentID,
		},
	})
}

func (s *Server) paymentDetails(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "merchantPaymentId")

	s.mu.Lock()
	code, known := s.codes[id]
	status, paid := s.statuses[id]
	s.mu.Unlock()

	if !paid {
		writeResult(w, http.StatusNotFound, "DYNAMIC_QR_PAYMENT_NOT_FOUND", "payment not found")
		return
	}

	amount := paypay.MoneyAmount{Currency: "JPY"}
	if known {
		amount = code.Amount
	}
	writeJSON(w, http.StatusOK, paypay.GetPaymentDetailsResponse{
		ResultInfo: paypay.ResultInfo{Code: "SUCCESS", Message: "Success"},
		Data: paypay.PaymentDetails{
			Status:            status,
			PaymentID:         "pp-" + id,
			MerchantPaymentID: id,
			Amount:            amount,
		},
	})
}

func writeResult(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"resultInfo": paypay.ResultInfo{Code: code, Message: message},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
