/*
webhook.go - PayPay notification receiver

PURPOSE:
  PayPay calls POST /webhooks/paypay when a payment changes state. The body is
  treated as a hint only: its payment id selects the intent, and the engine asks
  the PayPay API for the real status (Reconcile). A forged notification can at
  most trigger an extra status lookup.

CHECKS (in order):
  1. Source IP in the allow-list, if one is configured       -> 403
  2. X-PayPay-Signature, if present and a secret is configured -> 401
  3. Body names a payment id                                   -> 400

RESPONSES:
  200 reconciled  intent found and synced (any resulting status)
  200 ignored     unknown id; PayPay would otherwise retry forever
  200 deferred    PayPay API unreachable; the poller or sweeper finishes the job
  500             store failure; PayPay retries
*/
package api

import (
	"errors"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	"github.com/szer/settlement/paypay"
	"github.com/szer/settlement/settlement"
)

const maxWebhookBody = 1 << 20

// WebhookHandler reconciles intents named by PayPay notifications.
type WebhookHandler struct {
	Engine     *settlement.Engine
	Secret     string
	AllowedIPs []string

	log zerolog.Logger
}

func NewWebhookHandler(engine *settlement.Engine, secret string, allowedIPs []string, log zerolog.Logger) *WebhookHandler {
	return &WebhookHandler{
		Engine:     engine,
		Secret:     secret,
		AllowedIPs: allowedIPs,
		log:        log.With().Str("component", "webhook").Logger(),
	}
}

func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if ip := remoteIP(r); !h.ipAllowed(ip) {
		h.log.Warn().Str("remote_ip", ip).Msg("forbidden webhook source")
		webhookEventsTotal.WithLabelValues("forbidden").Inc()
		writeError(w, http.StatusForbidden, "forbidden", "forbidden IP")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "failed to read body")
		return
	}

	if sig := r.Header.Get(paypay.SignatureHeader); sig != "" && h.Secret != "" {
		if !paypay.VerifyWebhookSignature(h.Secret, body, sig) {
			h.log.Warn().Msg("invalid webhook signature")
			webhookEventsTotal.WithLabelValues("bad_signature").Inc()
			writeError(w, http.StatusUnauthorized, "unauthorized", "invalid signature")
			return
		}
	}

	event, err := paypay.ParseWebhook(body)
	if err != nil {
		webhookEventsTotal.WithLabelValues("malformed").Inc()
		writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	log := h.log.With().
		Str("merchant_payment_id", event.PaymentID()).
		Str("notification_type", event.NotificationType).
		Str("state", event.State).
		Logger()

	s, err := h.Engine.Reconcile(r.Context(), settlement.MerchantPaymentID(event.PaymentID()))
	switch {
	case errors.Is(err, settlement.ErrNotFound):
		log.Info().Msg("webhook for unknown intent ignored")
		webhookEventsTotal.WithLabelValues("ignored").Inc()
		writeJSON(w, http.StatusOK, WebhookResponse{Result: "ignored"})
		return
	case err != nil:
		log.Error().Err(err).Msg("webhook reconcile failed")
		webhookEventsTotal.WithLabelValues("error").Inc()
		writeError(w, http.StatusInternalServerError, "internal", "event handling failed")
		return
	}

	recordSettlement(s)
	if s.ProviderUnavailable {
		log.Warn().Msg("provider unavailable during webhook reconcile")
		webhookEventsTotal.WithLabelValues("deferred").Inc()
		writeJSON(w, http.StatusOK, WebhookResponse{Result: "deferred", Status: string(s.Intent.Status)})
		return
	}

	log.Info().Str("status", string(s.Intent.Status)).Bool("applied", s.Applied).Msg("webhook reconciled")
	webhookEventsTotal.WithLabelValues("reconciled").Inc()
	writeJSON(w, http.StatusOK, WebhookResponse{Result: "reconciled", Status: string(s.Intent.Status)})
}

func (h *WebhookHandler) ipAllowed(ip string) bool {
	if len(h.AllowedIPs) == 0 {
		return true
	}
	for _, allowed := range h.AllowedIPs {
		if ip == allowed {
			return true
		}
	}
	return false
}

// remoteIP strips the port. middleware.RealIP may already have replaced
// RemoteAddr with a bare address.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return strings.TrimSpace(r.RemoteAddr)
	}
	return host
}
