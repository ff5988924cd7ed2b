package payment

import (
	"time"

	"github.com/shopspring/decimal"
)

// Kind distinguishes money movements recorded in the ledger.
type Kind string

const (
	KindCharge   Kind = "charge"
	KindRefund   Kind = "refund"
	KindTransfer Kind = "transfer"
)

// TxStatus is the gateway outcome of a transaction.
type TxStatus string

const (
	TxPending TxStatus = "pending"
	TxSuccess TxStatus = "success"
	TxFailed  TxStatus = "failed"
)

// Transaction is a ledger row for a gateway call.
type Transaction struct {
	ID         string          `json:"id"`
	OrderID    string          `json:"order_id,omitempty"`
	Reference  string          `json:"reference"`
	Kind       Kind            `json:"kind"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	Status     TxStatus        `json:"status"`
	Attempts   int             `json:"attempts"`
	GatewayRef string          `json:"gateway_ref,omitempty"`
	Message    string          `json:"message,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// BankingDetails links a seller to gateway subaccount and transfer recipient.
type BankingDetails struct {
	SellerID            string    `json:"seller_id"`
	BusinessName        string    `json:"business_name"`
	BankName            string    `json:"bank_name"`
	BankCode            string    `json:"bank_code"`
	AccountNumberMasked string    `json:"account_number"`
	Email               string    `json:"email,omitempty"`
	SubaccountCode      string    `json:"subaccount_code,omitempty"`
	RecipientCode       string    `json:"recipient_code,omitempty"`
	Status              string    `json:"status"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

// PayoutStatus tracks a seller payout.
type PayoutStatus string

const (
	PayoutPending    PayoutStatus = "pending"
	PayoutProcessing PayoutStatus = "processing"
	PayoutPaid       PayoutStatus = "paid"
	PayoutFailed     PayoutStatus = "failed"
)

// Payout is the seller's share of a completed order.
type Payout struct {
	ID           string          `json:"id"`
	OrderID      string          `json:"order_id"`
	SellerID     string          `json:"seller_id"`
	Gross        decimal.Decimal `json:"gross"`
	PlatformFee  decimal.Decimal `json:"platform_fee"`
	SellerAmount decimal.Decimal `json:"seller_amount"`
	Status       PayoutStatus    `json:"status"`
	TransferRef  string          `json:"transfer_ref,omitempty"`
	Attempts     int             `json:"attempts"`
	LastError    string          `json:"last_error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}
