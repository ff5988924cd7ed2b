package notification

import "time"

// Type classifies a notification for clients and e-mail templates.
type Type string

const (
	TypeOrderPaid      Type = "order_paid"
	TypeNewSale        Type = "new_sale"
	TypeOrderCommitted Type = "order_committed"
	TypeOrderCancelled Type = "order_cancelled"
	TypeOrderExpired   Type = "order_expired"
	TypeCommitReminder Type = "commit_reminder"
	TypeRefund         Type = "refund"
	TypeCollected      Type = "order_collected"
	TypeCompleted      Type = "order_completed"
	TypePayout         Type = "payout"
)

// Notification is an in-app message for a single user.
type Notification struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Type      Type      `json:"type"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	OrderID   string    `json:"order_id,omitempty"`
	Read      bool      `json:"read"`
	CreatedAt time.Time `json:"created_at"`
}
