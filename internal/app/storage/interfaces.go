package storage

import (
	"context"
	"time"

	"github.com/R3E-Network/textbook_market/internal/app/domain/book"
	"github.com/R3E-Network/textbook_market/internal/app/domain/notification"
	"github.com/R3E-Network/textbook_market/internal/app/domain/order"
	"github.com/R3E-Network/textbook_market/internal/app/domain/payment"
)

// BookStore persists listings.
type BookStore interface {
	CreateBook(ctx context.Context, b book.Book) (book.Book, error)
	UpdateBook(ctx context.Context, b book.Book) (book.Book, error)
	GetBook(ctx context.Context, id string) (book.Book, error)
	ListBooks(ctx context.Context, filter book.Filter) ([]book.Book, error)
	DeleteBook(ctx context.Context, id string) error

	// SetBookStatus moves every listed book from one status to another. It is
	// all-or-nothing: if any book is not currently in from, nothing changes
	// and a conflict error is returned.
	SetBookStatus(ctx context.Context, ids []string, from, to book.Status) error
}

// Transition describes a single order status change and the audit event it
// produces.
type Transition struct {
	OrderID string
	From    order.Status
	To      order.Status
	Actor   string
	Reason  string
	At      time.Time
	// Guard, when set, vets the current order under the same lock as the
	// status check. A non-nil error aborts the transition and is returned.
	Guard func(current order.Order) error
}

// OrderMutation adjusts an order inside a transition before it is written.
type OrderMutation func(o *order.Order)

// OrderStore persists orders and their audit trail.
type OrderStore interface {
	CreateOrder(ctx context.Context, o order.Order) (order.Order, error)
	GetOrder(ctx context.Context, id string) (order.Order, error)
	// UpdateOrder writes non-status fields. It fails with a conflict when the
	// stored version differs from o.Version.
	UpdateOrder(ctx context.Context, o order.Order) (order.Order, error)
	ListOrdersByBuyer(ctx context.Context, buyerID string) ([]order.Order, error)
	ListOrdersBySeller(ctx context.Context, sellerID string) ([]order.Order, error)
	ListOrdersByReference(ctx context.Context, reference string) ([]order.Order, error)
	ListOrdersByStatus(ctx context.Context, status order.Status) ([]order.Order, error)
	// ListOverdueOrders returns paid orders whose commit deadline is before now.
	ListOverdueOrders(ctx context.Context, now time.Time) ([]order.Order, error)
	// ListReminderDue returns paid orders without a reminder whose deadline
	// falls before the given instant.
	ListReminderDue(ctx context.Context, deadlineBefore time.Time) ([]order.Order, error)
	// MarkReminderSent stamps the reminder once. It reports false when the
	// reminder was already stamped.
	MarkReminderSent(ctx context.Context, orderID string, at time.Time) (bool, error)

	// TransitionOrder performs a compare-and-set on the order status, bumps
	// the version, applies mutate and appends the audit event atomically. A
	// conflict error is returned when the order is no longer in tr.From.
	TransitionOrder(ctx context.Context, tr Transition, mutate OrderMutation) (order.Order, error)
	ListOrderEvents(ctx context.Context, orderID string) ([]order.Event, error)
}

// NotificationStore persists in-app notifications.
type NotificationStore interface {
	CreateNotification(ctx context.Context, n notification.Notification) (notification.Notification, error)
	ListNotifications(ctx context.Context, userID string, unreadOnly bool) ([]notification.Notification, error)
	MarkNotificationRead(ctx context.Context, userID, id string) error
	MarkAllNotificationsRead(ctx context.Context, userID string) (int, error)
}

// TransactionStore persists the gateway ledger.
type TransactionStore interface {
	CreateTransaction(ctx context.Context, tx payment.Transaction) (payment.Transaction, error)
	UpdateTransaction(ctx context.Context, tx payment.Transaction) (payment.Transaction, error)
	// UpdateTransactionIf writes tx only while the stored row still has the
	// given status and updatedAt. Otherwise it returns ErrConflict.
	UpdateTransactionIf(ctx context.Context, tx payment.Transaction, status payment.TxStatus, updatedAt time.Time) (payment.Transaction, error)
	GetTransactionByReference(ctx context.Context, reference string) (payment.Transaction, error)
	ListTransactionsByOrder(ctx context.Context, orderID string) ([]payment.Transaction, error)
}

// BankingStore persists seller banking details.
type BankingStore interface {
	UpsertBankingDetails(ctx context.Context, details payment.BankingDetails) (payment.BankingDetails, error)
	GetBankingDetails(ctx context.Context, sellerID string) (payment.BankingDetails, error)
}

// PayoutStore persists seller payouts. CreatePayout fails with a conflict when
// the order already has a payout.
type PayoutStore interface {
	CreatePayout(ctx context.Context, p payment.Payout) (payment.Payout, error)
	UpdatePayout(ctx context.Context, p payment.Payout) (payment.Payout, error)
	GetPayoutByOrder(ctx context.Context, orderID string) (payment.Payout, error)
	ListPayoutsByStatus(ctx context.Context, statuses ...payment.PayoutStatus) ([]payment.Payout, error)
}

// Store is the union implemented by every backend.
type Store interface {
	BookStore
	OrderStore
	NotificationStore
	TransactionStore
	BankingStore
	PayoutStore
}
