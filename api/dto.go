/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON contract with the web frontend. Domain types never leave the
  package directly, so the store and engine can change without breaking clients.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Single-purpose response wrappers

TIMESTAMPS:
  RFC3339 strings in UTC.

SEE ALSO:
  - handlers.go: Uses these types
*/
package api

import (
	"time"

	"github.com/szer/settlement/settlement"
)

// =============================================================================
// CHECKOUT & PAYMENTS
// =============================================================================

// CheckoutRequest starts a wallet payment. Amount is read for points_topup,
// ProgramID for program_purchase.
type CheckoutRequest struct {
	Purpose   string `json:"purpose"`
	Amount    int64  `json:"amount,omitempty"`
	ProgramID int64  `json:"program_id,omitempty"`
}

type CheckoutResponse struct {
	MerchantPaymentID string `json:"merchant_payment_id"`
	RedirectURL       string `json:"redirect_url"`
	Deeplink          string `json:"deeplink,omitempty"`
	Status            string `json:"status"`
}

// PaymentDTO is the reconciled state the return page polls for.
type PaymentDTO struct {
	MerchantPaymentID   string `json:"merchant_payment_id"`
	Status              string `json:"status"`
	Purpose             string `json:"purpose"`
	Amount              int64  `json:"amount"`
	Credited            bool   `json:"credited"`
	Granted             bool   `json:"granted"`
	Points              int64  `json:"points,omitempty"`
	ProgramID           int64  `json:"program_id,omitempty"`
	Balance             int64  `json:"balance"`
	ProviderUnavailable bool   `json:"provider_unavailable,omitempty"`
}

func toPaymentDTO(s settlement.Settlement) PaymentDTO {
	return PaymentDTO{
		MerchantPaymentID:   string(s.Intent.MerchantPaymentID),
		Status:              string(s.Intent.Status),
		Purpose:             string(s.Intent.Purpose),
		Amount:              s.Intent.Amount,
		Credited:            s.Credited,
		Granted:             s.Granted,
		Points:              s.Intent.Points,
		ProgramID:           int64(s.Intent.ProgramID),
		Balance:             s.Balance,
		ProviderUnavailable: s.ProviderUnavailable,
	}
}

// =============================================================================
// POINTS
// =============================================================================

type PointsResponse struct {
	Points int64 `json:"points"`
}

type PurchaseResponse struct {
	Points       int64 `json:"points"`
	AlreadyOwned bool  `json:"already_owned"`
}

type TopupRequest struct {
	Amount int64 `json:"amount"`
}

type TopupResponse struct {
	Points   int64 `json:"points"`
	Replayed bool  `json:"replayed"`
}

// MovementDTO is one ledger entry.
type MovementDTO struct {
	ID           string `json:"id"`
	Delta        int64  `json:"delta"`
	Reason       string `json:"reason"`
	ReferenceID  string `json:"reference_id"`
	BalanceAfter int64  `json:"balance_after"`
	CreatedAt    string `json:"created_at"`
}

func toMovementDTOs(ms []settlement.PointMovement) []MovementDTO {
	dtos := make([]MovementDTO, len(ms))
	for i, m := range ms {
		dtos[i] = MovementDTO{
			ID:           m.ID,
			Delta:        m.Delta,
			Reason:       string(m.Reason),
			ReferenceID:  m.ReferenceID,
			BalanceAfter: m.BalanceAfter,
			CreatedAt:    m.CreatedAt.UTC().Format(time.RFC3339),
		}
	}
	return dtos
}

// =============================================================================
// GRANTS
// =============================================================================

type GrantDTO struct {
	ProgramID int64  `json:"program_id"`
	Source    string `json:"source"`
	GrantedAt string `json:"granted_at"`
}

func toGrantDTOs(gs []settlement.PurchaseGrant) []GrantDTO {
	dtos := make([]GrantDTO, len(gs))
	for i, g := range gs {
		dtos[i] = GrantDTO{
			ProgramID: int64(g.ProgramID),
			Source:    string(g.Source),
			GrantedAt: g.GrantedAt.UTC().Format(time.RFC3339),
		}
	}
	return dtos
}

type AccessResponse struct {
	ProgramID int64 `json:"program_id"`
	Granted   bool  `json:"granted"`
}

// =============================================================================
// WEBHOOK & HEALTH
// =============================================================================

// WebhookResponse tells PayPay the notification was handled.
type WebhookResponse struct {
	Result string `json:"result"` // reconciled | ignored | deferred
	Status string `json:"status,omitempty"`
}

type HealthResponse struct {
	Status string `json:"status"`
}
