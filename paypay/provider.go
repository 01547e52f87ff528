package paypay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/szer/settlement/settlement"
)

// ReturnPath is the frontend page PayPay redirects to after payment.
const ReturnPath = "/mypage/points/paypay/return"

// ReturnURL builds the redirect for a payment.
func ReturnURL(frontendBaseURL string, id settlement.MerchantPaymentID) string {
	return frontendBaseURL + ReturnPath + "?merchantPaymentId=" + string(id)
}

// Provider adapts Client to settlement.Provider.
type Provider struct {
	client *Client
	now    func() time.Time
}

var _ settlement.Provider = (*Provider)(nil)

func NewProvider(client *Client) *Provider {
	return &Provider{client: client, now: time.Now}
}

func (p *Provider) CreateCheckout(ctx context.Context, req settlement.ProviderCheckout) (settlement.CheckoutSession, error) {
	res, err := p.client.CreateCode(ctx, CreateCodeRequest{
		MerchantPaymentID: string(req.MerchantPaymentID),
		Amount:            MoneyAmount{Amount: req.Amount, Currency: "JPY"},
		OrderDescription:  req.Description,
		CodeType:          "ORDER_QR",
		RedirectURL:       req.ReturnURL,
		RedirectType:      "WEB_LINK",
		RequestedAt:       p.now().Unix(),
	})
	if err != nil {
		return settlement.CheckoutSession{}, fmt.Errorf("%w: create code: %v", settlement.ErrProviderUnavailable, err)
	}
	if res.Data.URL == "" {
		return settlement.CheckoutSession{}, fmt.Errorf("%w: create code returned no url (code=%s)",
			settlement.ErrProviderUnavailable, res.ResultInfo.Code)
	}
	return settlement.CheckoutSession{URL: res.Data.URL, Deeplink: res.Data.Deeplink, CodeID: res.Data.CodeID}, nil
}

func (p *Provider) PaymentStatus(ctx context.Context, id settlement.MerchantPaymentID) (settlement.ProviderPayment, error) {
	res, err := p.client.GetPaymentDetails(ctx, string(id))
	if err != nil {
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.NotFound() {
			// The user has not scanned or paid yet.
			return settlement.ProviderPayment{State: settlement.ProviderPending, RawStatus: apiErr.Code}, nil
		}
		return settlement.ProviderPayment{}, fmt.Errorf("%w: payment details: %v", settlement.ErrProviderUnavailable, err)
	}
	return settlement.ProviderPayment{
		State:     MapStatus(res.Data.Status),
		PaymentID: res.Data.PaymentID,
		RawStatus: res.Data.Status,
	}, nil
}

// MapStatus collapses a PayPay payment status.
func MapStatus(status string) settlement.ProviderState {
	switch status {
	case "COMPLETED":
		return settlement.ProviderSucceeded
	case "FAILED", "CANCELED", "REFUNDED":
		return settlement.ProviderFailed
	case "EXPIRED":
		return settlement.ProviderExpired
	default:
		// CREATED, AUTHORIZED, REAUTHORIZING and anything new.
		return settlement.ProviderPending
	}
}
