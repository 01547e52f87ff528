package paypay

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// SignatureHeader carries the webhook body signature.
const SignatureHeader = "X-PayPay-Signature"

// WebhookSignature returns base64(HMAC-SHA256(secret, body)).
func WebhookSignature(secret string, body []byte) string {
	m := hmac.New(sha256.New, []byte(secret))
	m.Write(body)
	return base64.StdEncoding.EncodeToString(m.Sum(nil))
}

// VerifyWebhookSignature compares in constant time.
func VerifyWebhookSignature(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(WebhookSignature(secret, body)), []byte(signature))
}

// WebhookEvent is the subset of a notification we read. Only the payment id is
// used; the state is always re-fetched from the API.
type WebhookEvent struct {
	NotificationType  string `json:"notification_type"`
	State             string `json:"state"`
	MerchantOrderID   string `json:"merchant_order_id"`
	MerchantPaymentID string `json:"merchantPaymentId"`
}

// PaymentID returns whichever id field the notification carried.
func (e WebhookEvent) PaymentID() string {
	if e.MerchantOrderID != "" {
		return e.MerchantOrderID
	}
	return e.MerchantPaymentID
}

// ParseWebhook decodes a notification body.
func ParseWebhook(body []byte) (WebhookEvent, error) {
	var ev WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return WebhookEvent{}, fmt.Errorf("invalid webhook body: %w", err)
	}
	if ev.PaymentID() == "" {
		return WebhookEvent{}, fmt.Errorf("webhook body has no merchant payment id")
	}
	return ev, nil
}
