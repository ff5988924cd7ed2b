// Package paystack is a client for the Paystack REST API covering the calls
// the marketplace makes: checkout initialization, verification, refunds,
// seller subaccounts, transfer recipients and payouts.
package paystack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/R3E-Network/textbook_market/internal/resilience"
)

// DefaultBaseURL is the production API root.
const DefaultBaseURL = "https://api.paystack.co"

// Config holds client configuration.
type Config struct {
	BaseURL    string
	SecretKey  string
	Currency   string
	HTTPClient resilience.Doer
}

// Client calls the Paystack API with a bearer secret key.
type Client struct {
	baseURL    string
	secretKey  string
	currency   string
	httpClient resilience.Doer
}

// New creates a client.
func New(cfg Config) (*Client, error) {
	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("paystack secret key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.Currency == "" {
		cfg.Currency = "ZAR"
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		secretKey:  cfg.SecretKey,
		currency:   cfg.Currency,
		httpClient: httpClient,
	}, nil
}

// Currency returns the settlement currency.
func (c *Client) Currency() string { return c.currency }

// Error is a rejected API call.
type Error struct {
	StatusCode int
	Message    string
}

func (e *Error) Error() string {
	return fmt.Sprintf("paystack: status %d: %s", e.StatusCode, e.Message)
}

// Temporary reports whether the call may succeed if repeated.
func (e *Error) Temporary() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= http.StatusInternalServerError
}

// ToSubunit converts a major-unit amount to cents.
func ToSubunit(amount decimal.Decimal) int64 {
	return amount.Mul(decimal.NewFromInt(100)).Round(0).IntPart()
}

// FromSubunit converts cents to a major-unit amount.
func FromSubunit(amount int64) decimal.Decimal {
	return decimal.New(amount, -2)
}

// InitializeRequest starts a hosted checkout.
type InitializeRequest struct {
	Email       string
	Amount      decimal.Decimal
	Reference   string
	CallbackURL string
	Subaccount  string
	Metadata    map[string]any
}

// Checkout is the hosted payment page for a reference.
type Checkout struct {
	Reference        string
	AuthorizationURL string
	AccessCode       string
}

// Initialize creates a transaction and returns the authorization URL.
func (c *Client) Initialize(ctx context.Context, req InitializeRequest) (Checkout, error) {
	payload := map[string]any{
		"email":     req.Email,
		"amount":    ToSubunit(req.Amount),
		"reference": req.Reference,
		"currency":  c.currency,
	}
	if req.CallbackURL != "" {
		payload["callback_url"] = req.CallbackURL
	}
	if req.Subaccount != "" {
		payload["subaccount"] = req.Subaccount
		payload["bearer"] = "subaccount"
	}
	if len(req.Metadata) > 0 {
		payload["metadata"] = req.Metadata
	}

	data, err := c.call(ctx, http.MethodPost, "/transaction/initialize", payload)
	if err != nil {
		return Checkout{}, err
	}
	return Checkout{
		Reference:        data.Get("reference").String(),
		AuthorizationURL: data.Get("authorization_url").String(),
		AccessCode:       data.Get("access_code").String(),
	}, nil
}

// Verification is the gateway view of a charge.
type Verification struct {
	Reference string
	Status    string
	Amount    decimal.Decimal
	Currency  string
	GatewayID string
	PaidAt    time.Time
	Message   string
}

// Successful reports whether the charge settled.
func (v Verification) Successful() bool { return v.Status == "success" }

// Verify fetches the status of a transaction.
func (c *Client) Verify(ctx context.Context, reference string) (Verification, error) {
	data, err := c.call(ctx, http.MethodGet, "/transaction/verify/"+url.PathEscape(reference), nil)
	if err != nil {
		return Verification{}, err
	}
	return verificationFrom(data), nil
}

func verificationFrom(data gjson.Result) Verification {
	v := Verification{
		Reference: data.Get("reference").String(),
		Status:    data.Get("status").String(),
		Amount:    FromSubunit(data.Get("amount").Int()),
		Currency:  data.Get("currency").String(),
		GatewayID: data.Get("id").String(),
		Message:   data.Get("gateway_response").String(),
	}
	for _, key := range []string{"paid_at", "paidAt", "transaction_date"} {
		if raw := data.Get(key).String(); raw != "" {
			if ts, err := time.Parse(time.RFC3339, raw); err == nil {
				v.PaidAt = ts.UTC()
				break
			}
		}
	}
	return v
}

// Refund is the result of a refund request.
type Refund struct {
	ID     string
	Status string
	Amount decimal.Decimal
}

// Refund returns amount of the charge identified by reference.
func (c *Client) Refund(ctx context.Context, reference string, amount decimal.Decimal, reason string) (Refund, error) {
	payload := map[string]any{
		"transaction": reference,
		"amount":      ToSubunit(amount),
	}
	if reason != "" {
		payload["merchant_note"] = reason
	}
	data, err := c.call(ctx, http.MethodPost, "/refund", payload)
	if err != nil {
		return Refund{}, err
	}
	return Refund{
		ID:     data.Get("id").String(),
		Status: data.Get("status").String(),
		Amount: FromSubunit(data.Get("amount").Int()),
	}, nil
}

// SubaccountRequest registers a seller for split settlement.
type SubaccountRequest struct {
	BusinessName     string
	BankCode         string
	AccountNumber    string
	PercentageCharge decimal.Decimal
	Email            string
}

// CreateSubaccount returns the subaccount code.
func (c *Client) CreateSubaccount(ctx context.Context, req SubaccountRequest) (string, error) {
	pct, _ := req.PercentageCharge.Float64()
	payload := map[string]any{
		"business_name":     req.BusinessName,
		"settlement_bank":   req.BankCode,
		"account_number":    req.AccountNumber,
		"percentage_charge": pct,
	}
	if req.Email != "" {
		payload["primary_contact_email"] = req.Email
	}
	data, err := c.call(ctx, http.MethodPost, "/subaccount", payload)
	if err != nil {
		return "", err
	}
	code := data.Get("subaccount_code").String()
	if code == "" {
		return "", &Error{StatusCode: http.StatusOK, Message: "subaccount_code missing"}
	}
	return code, nil
}

// RecipientRequest registers a bank account for transfers.
type RecipientRequest struct {
	Name          string
	BankCode      string
	AccountNumber string
}

// CreateRecipient returns the transfer recipient code.
func (c *Client) CreateRecipient(ctx context.Context, req RecipientRequest) (string, error) {
	data, err := c.call(ctx, http.MethodPost, "/transferrecipient", map[string]any{
		"type":           "basa",
		"name":           req.Name,
		"account_number": req.AccountNumber,
		"bank_code":      req.BankCode,
		"currency":       c.currency,
	})
	if err != nil {
		return "", err
	}
	code := data.Get("recipient_code").String()
	if code == "" {
		return "", &Error{StatusCode: http.StatusOK, Message: "recipient_code missing"}
	}
	return code, nil
}

// TransferRequest pays a recipient from the platform balance.
type TransferRequest struct {
	Amount    decimal.Decimal
	Recipient string
	Reference string
	Reason    string
}

// Transfer is the result of a transfer request.
type Transfer struct {
	Code   string
	Status string
}

// Transfer sends money to a recipient. The reference makes the call idempotent
// on the gateway side.
func (c *Client) Transfer(ctx context.Context, req TransferRequest) (Transfer, error) {
	data, err := c.call(ctx, http.MethodPost, "/transfer", map[string]any{
		"source":    "balance",
		"amount":    ToSubunit(req.Amount),
		"recipient": req.Recipient,
		"reference": req.Reference,
		"reason":    req.Reason,
		"currency":  c.currency,
	})
	if err != nil {
		return Transfer{}, err
	}
	return Transfer{
		Code:   data.Get("transfer_code").String(),
		Status: data.Get("status").String(),
	}, nil
}

func (c *Client) call(ctx context.Context, method, path string, payload any) (gjson.Result, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return gjson.Result{}, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.secretKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("paystack %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("read response: %w", err)
	}
	parsed := gjson.ParseBytes(raw)
	if resp.StatusCode >= 400 || !parsed.Get("status").Bool() {
		msg := parsed.Get("message").String()
		if msg == "" {
			msg = http.StatusText(resp.StatusCode)
		}
		return gjson.Result{}, &Error{StatusCode: resp.StatusCode, Message: msg}
	}
	return parsed.Get("data"), nil
}
