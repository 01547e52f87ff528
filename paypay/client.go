/*
Package paypay is a client for the PayPay Open Payment API (dynamic QR codes).

PURPOSE:
  Creates payment codes for checkouts and fetches payment details for
  reconciliation. Every request is signed with the OPA-Auth HMAC scheme.

ENDPOINTS:
  POST /v2/codes                         create a code (ORDER_QR, WEB_LINK redirect)
  GET  /v2/codes/payments/{merchantId}   payment details

SEE ALSO:
  - provider.go: settlement.Provider adapter and status mapping
  - webhook.go: notification signature check
  - paypaytest: fake API server for tests
*/
package paypay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultBaseURL is the sandbox API.
const DefaultBaseURL = "https://stg-api.sandbox.paypay.ne.jp"

// Config holds API credentials.
type Config struct {
	BaseURL    string
	APIKey     string
	APISecret  string
	MerchantID string
	Timeout    time.Duration
}

// Normalize fills defaults and validates credentials.
func (c Config) Normalize() (Config, error) {
	c.BaseURL = strings.TrimSpace(c.BaseURL)
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		c.BaseURL = "https://" + c.BaseURL
	}
	c.BaseURL = strings.TrimRight(c.BaseURL, "/")
	c.MerchantID = strings.TrimSpace(c.MerchantID)

	if strings.TrimSpace(c.APIKey) == "" || strings.TrimSpace(c.APISecret) == "" {
		return Config{}, errors.New("paypay api key and secret are required")
	}
	if c.Timeout <= 0 {
		c.Timeout = 10 * time.Second
	}
	return c, nil
}

// Client talks to the PayPay API.
type Client struct {
	cfg        Config
	httpClient *http.Client
	signer     *signer
}

func NewClient(cfg Config) (*Client, error) {
	cfg, err := cfg.Normalize()
	if err != nil {
		return nil, err
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		signer:     newSigner(cfg.APIKey, cfg.APISecret),
	}, nil
}

// =============================================================================
// WIRE TYPES
// =============================================================================

type MoneyAmount struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

type CreateCodeRequest struct {
	MerchantPaymentID string      `json:"merchantPaymentId"`
	Amount            MoneyAmount `json:"amount"`
	OrderDescription  string      `json:"orderDescription,omitempty"`
	CodeType          string      `json:"codeType"`
	RedirectURL       string      `json:"redirectUrl,omitempty"`
	RedirectType      string      `json:"redirectType,omitempty"`
	RequestedAt       int64       `json:"requestedAt,omitempty"`
}

type ResultInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	CodeID  string `json:"codeId"`
}

type CodeData struct {
	CodeID            string `json:"codeId"`
	URL               string `json:"url"`
	Deeplink          string `json:"deeplink"`
	MerchantPaymentID string `json:"merchantPaymentId"`
}

type CreateCodeResponse struct {
	ResultInfo ResultInfo `json:"resultInfo"`
	Data       CodeData   `json:"data"`
}

type PaymentDetails struct {
	Status            string      `json:"status"`
	PaymentID         string      `json:"paymentId"`
	MerchantPaymentID string      `json:"merchantPaymentId"`
	Amount            MoneyAmount `json:"amount"`
	AcceptedAt        int64       `json:"acceptedAt"`
}

type GetPaymentDetailsResponse struct {
	ResultInfo ResultInfo     `json:"resultInfo"`
	Data       PaymentDetails `json:"data"`
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("paypay api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("paypay api error: status=%d body=%s", e.StatusCode, e.Body)
}

// NotFound reports whether PayPay has no payment for the id yet.
func (e *APIError) NotFound() bool {
	return e.StatusCode == http.StatusNotFound || e.Code == "DYNAMIC_QR_PAYMENT_NOT_FOUND"
}

// =============================================================================
// OPERATIONS
// =============================================================================

// CreateCode registers a dynamic QR code / web link for a payment.
func (c *Client) CreateCode(ctx context.Context, req CreateCodeRequest) (CreateCodeResponse, error) {
	var res CreateCodeResponse
	body, err := json.Marshal(req)
	if err != nil {
		return res, err
	}
	err = c.do(ctx, http.MethodPost, "/v2/codes", body, &res)
	return res, err
}

// GetPaymentDetails fetches the payment created by a code.
func (c *Client) GetPaymentDetails(ctx context.Context, merchantPaymentID string) (GetPaymentDetailsResponse, error) {
	var res GetPaymentDetailsResponse
	err := c.do(ctx, http.MethodGet, "/v2/codes/payments/"+url.PathEscape(merchantPaymentID), nil, &res)
	return res, err
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, out any) error {
	u, err := url.Parse(c.cfg.BaseURL + path)
	if err != nil {
		return err
	}

	var bodyReader io.Reader
	contentType := ""
	if body != nil {
		bodyReader = bytes.NewReader(body)
		contentType = "application/json"
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bodyReader)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.cfg.MerchantID != "" {
		req.Header.Set("X-ASSUME-MERCHANT", c.cfg.MerchantID)
	}

	// The signature covers the path as sent, including any base URL prefix.
	pathWithQuery := u.EscapedPath()
	if u.RawQuery != "" {
		pathWithQuery += "?" + u.RawQuery
	}
	auth, err := c.signer.Authorization(method, pathWithQuery, contentType, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", auth)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
		var envelope struct {
			ResultInfo ResultInfo `json:"resultInfo"`
		}
		if json.Unmarshal(respBody, &envelope) == nil {
			apiErr.Code = envelope.ResultInfo.Code
			apiErr.Message = envelope.ResultInfo.Message
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if len(respBody) == 0 {
		return errors.New("empty response body")
	}
	return json.Unmarshal(respBody, out)
}
