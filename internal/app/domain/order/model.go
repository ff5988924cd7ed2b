package order

import (
	"time"

	"github.com/shopspring/decimal"
)

// Item is a book captured on an order at the price paid.
type Item struct {
	BookID string          `json:"book_id"`
	Title  string          `json:"title"`
	Price  decimal.Decimal `json:"price"`
}

// Address is a pickup or delivery location.
type Address struct {
	Name       string `json:"name,omitempty"`
	Phone      string `json:"phone,omitempty"`
	Street     string `json:"street"`
	Suburb     string `json:"suburb,omitempty"`
	City       string `json:"city"`
	Province   string `json:"province"`
	PostalCode string `json:"postal_code"`
}

// Delivery records the courier service chosen at checkout and, once booked,
// the shipment it produced.
type Delivery struct {
	Provider       string          `json:"provider,omitempty"`
	ServiceCode    string          `json:"service_code,omitempty"`
	Fee            decimal.Decimal `json:"fee"`
	TrackingNumber string          `json:"tracking_number,omitempty"`
	BookedAt       *time.Time      `json:"booked_at,omitempty"`
}

// Order is one seller's share of a checkout.
type Order struct {
	ID               string          `json:"id"`
	BuyerID          string          `json:"buyer_id"`
	SellerID         string          `json:"seller_id"`
	BuyerEmail       string          `json:"buyer_email,omitempty"`
	Items            []Item          `json:"items"`
	Subtotal         decimal.Decimal `json:"subtotal"`
	DeliveryFee      decimal.Decimal `json:"delivery_fee"`
	Total            decimal.Decimal `json:"total"`
	Status           Status          `json:"status"`
	PaymentReference string          `json:"payment_reference,omitempty"`
	Shipping         Address         `json:"shipping_address"`
	Pickup           Address         `json:"pickup_address"`
	Delivery         Delivery        `json:"delivery"`
	PaidAt           *time.Time      `json:"paid_at,omitempty"`
	CommitDeadline   *time.Time      `json:"commit_deadline,omitempty"`
	CommittedAt      *time.Time      `json:"committed_at,omitempty"`
	CollectedAt      *time.Time      `json:"collected_at,omitempty"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
	CancelledAt      *time.Time      `json:"cancelled_at,omitempty"`
	RefundedAt       *time.Time      `json:"refunded_at,omitempty"`
	CancelReason     string          `json:"cancel_reason,omitempty"`
	ReminderSentAt   *time.Time      `json:"reminder_sent_at,omitempty"`
	Version          int             `json:"version"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// BookIDs lists the books on the order.
func (o Order) BookIDs() []string {
	ids := make([]string, 0, len(o.Items))
	for _, item := range o.Items {
		ids = append(ids, item.BookID)
	}
	return ids
}

// WasPaid reports whether money was taken for the order.
func (o Order) WasPaid() bool {
	return o.PaidAt != nil
}

// Event is one entry in an order's audit trail.
type Event struct {
	ID      string    `json:"id"`
	OrderID string    `json:"order_id"`
	From    Status    `json:"from"`
	To      Status    `json:"to"`
	Actor   string    `json:"actor"`
	Reason  string    `json:"reason,omitempty"`
	At      time.Time `json:"at"`
}

// Actors that are not end users.
const (
	ActorSystem  = "system"
	ActorGateway = "gateway"
	ActorSweeper = "commit-sweeper"
)

// Cancellation reasons set by the service itself.
const (
	ReasonCommitExpired  = "commit_window_expired"
	ReasonSellerDeclined = "seller_declined"
	ReasonBuyerCancelled = "buyer_cancelled"
	ReasonPaymentFailed  = "payment_failed"
	ReasonPaymentTimeout = "payment_timeout"
)
