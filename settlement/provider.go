package settlement

import (
	"context"
	"errors"
	"fmt"
)

// ProviderState is the provider's payment status collapsed to what settlement needs.
type ProviderState string

const (
	ProviderPending   ProviderState = "pending"
	ProviderSucceeded ProviderState = "succeeded"
	ProviderFailed    ProviderState = "failed"
	ProviderExpired   ProviderState = "expired"
)

// ProviderCheckout asks the provider to register a payment.
type ProviderCheckout struct {
	MerchantPaymentID MerchantPaymentID
	Amount            int64
	Description       string
	ReturnURL         string
}

// CheckoutSession is where the user goes to pay.
type CheckoutSession struct {
	URL      string
	Deeplink string
	CodeID   string
}

// ProviderPayment is the provider's authoritative view of one payment.
type ProviderPayment struct {
	State     ProviderState
	PaymentID string
	RawStatus string
}

// Provider is the external wallet. Implementations return errors wrapping
// ErrProviderUnavailable for transport failures and provider-side rejections.
type Provider interface {
	CreateCheckout(ctx context.Context, req ProviderCheckout) (CheckoutSession, error)
	PaymentStatus(ctx context.Context, id MerchantPaymentID) (ProviderPayment, error)
}

// providerError makes sure err is classified as ErrProviderUnavailable.
func providerError(op string, err error) error {
	if errors.Is(err, ErrProviderUnavailable) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%s: %w: %v", op, ErrProviderUnavailable, err)
}
