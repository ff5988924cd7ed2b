package memory

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/R3E-Network/textbook_market/internal/app/domain/book"
	"github.com/R3E-Network/textbook_market/internal/app/domain/notification"
	"github.com/R3E-Network/textbook_market/internal/app/domain/order"
	"github.com/R3E-Network/textbook_market/internal/app/domain/payment"
	"github.com/R3E-Network/textbook_market/internal/app/storage"
	apperrors "github.com/R3E-Network/textbook_market/internal/errors"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local development.
type Store struct {
	mu             sync.RWMutex
	books          map[string]book.Book
	orders         map[string]order.Order
	orderEvents    map[string][]order.Event
	notifications  map[string]notification.Notification
	transactions   map[string]payment.Transaction
	txByReference  map[string]string
	banking        map[string]payment.BankingDetails
	payouts        map[string]payment.Payout
	payoutsByOrder map[string]string
}

var _ storage.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		books:          make(map[string]book.Book),
		orders:         make(map[string]order.Order),
		orderEvents:    make(map[string][]order.Event),
		notifications:  make(map[string]notification.Notification),
		transactions:   make(map[string]payment.Transaction),
		txByReference:  make(map[string]string),
		banking:        make(map[string]payment.BankingDetails),
		payouts:        make(map[string]payment.Payout),
		payoutsByOrder: make(map[string]string),
	}
}

// BookStore implementation ----------------------------------------------------

func (s *Store) CreateBook(_ context.Context, b book.Book) (book.Book, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if b.ID == "" {
		b.ID = uuid.NewString()
	} else if _, exists := s.books[b.ID]; exists {
		return book.Book{}, apperrors.Conflict(fmt.Sprintf("book %s already exists", b.ID))
	}
	if b.Status == "" {
		b.Status = book.StatusAvailable
	}
	now := time.Now().UTC()
	b.CreatedAt = now
	b.UpdatedAt = now

	s.books[b.ID] = b
	return b, nil
}

func (s *Store) UpdateBook(_ context.Context, b book.Book) (book.Book, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.books[b.ID]
	if !ok {
		return book.Book{}, apperrors.NotFound("book", b.ID)
	}
	b.CreatedAt = original.CreatedAt
	b.UpdatedAt = time.Now().UTC()

	s.books[b.ID] = b
	return b, nil
}

func (s *Store) GetBook(_ context.Context, id string) (book.Book, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	b, ok := s.books[id]
	if !ok {
		return book.Book{}, apperrors.NotFound("book", id)
	}
	return b, nil
}

func (s *Store) ListBooks(_ context.Context, filter book.Filter) ([]book.Book, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	search := strings.ToLower(strings.TrimSpace(filter.Search))
	result := make([]book.Book, 0)
	for _, b := range s.books {
		if !matchBook(b, filter, search) {
			continue
		}
		result = append(result, b)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return paginate(result, filter.Offset, filter.Limit), nil
}

func matchBook(b book.Book, filter book.Filter, search string) bool {
	if filter.SellerID != "" && b.SellerID != filter.SellerID {
		return false
	}
	if filter.Category != "" && !strings.EqualFold(b.Category, filter.Category) {
		return false
	}
	if filter.Province != "" && !strings.EqualFold(b.Province, filter.Province) {
		return false
	}
	if filter.Status != "" && b.Status != filter.Status {
		return false
	}
	if filter.MinPrice != nil && b.Price.LessThan(*filter.MinPrice) {
		return false
	}
	if filter.MaxPrice != nil && b.Price.GreaterThan(*filter.MaxPrice) {
		return false
	}
	if search != "" {
		haystack := strings.ToLower(b.Title + " " + b.Author + " " + b.ISBN)
		if !strings.Contains(haystack, search) {
			return false
		}
	}
	return true
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return []T{}
		}
		items = items[offset:]
	}
	if limit > 0 && limit < len(items) {
		items = items[:limit]
	}
	return items
}

func (s *Store) DeleteBook(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.books[id]; !ok {
		return apperrors.NotFound("book", id)
	}
	delete(s.books, id)
	return nil
}

func (s *Store) SetBookStatus(_ context.Context, ids []string, from, to book.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		b, ok := s.books[id]
		if !ok {
			return apperrors.NotFound("book", id)
		}
		if b.Status != from {
			return apperrors.Conflict(fmt.Sprintf("book %s is %s, not %s", id, b.Status, from)).
				WithDetails("book_id", id)
		}
	}
	now := time.Now().UTC()
	for _, id := range ids {
		b := s.books[id]
		b.Status = to
		b.UpdatedAt = now
		s.books[id] = b
	}
	return nil
}

// OrderStore implementation ---------------------------------------------------

func (s *Store) CreateOrder(_ context.Context, o order.Order) (order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if o.ID == "" {
		o.ID = uuid.NewString()
	} else if _, exists := s.orders[o.ID]; exists {
		return order.Order{}, apperrors.Conflict(fmt.Sprintf("order %s already exists", o.ID))
	}
	now := time.Now().UTC()
	o.CreatedAt = now
	o.UpdatedAt = now
	o.Version = 1
	o.Items = append([]order.Item(nil), o.Items...)

	s.orders[o.ID] = o
	return cloneOrder(o), nil
}

func (s *Store) GetOrder(_ context.Context, id string) (order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return order.Order{}, apperrors.NotFound("order", id)
	}
	return cloneOrder(o), nil
}

func (s *Store) UpdateOrder(_ context.Context, o order.Order) (order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, ok := s.orders[o.ID]
	if !ok {
		return order.Order{}, apperrors.NotFound("order", o.ID)
	}
	if current.Version != o.Version {
		return order.Order{}, apperrors.Conflict(fmt.Sprintf("order %s was modified concurrently", o.ID))
	}
	// Status only moves through TransitionOrder.
	o.Status = current.Status
	o.CreatedAt = current.CreatedAt
	o.UpdatedAt = time.Now().UTC()
	o.Version = current.Version + 1
	o.Items = append([]order.Item(nil), o.Items...)

	s.orders[o.ID] = o
	return cloneOrder(o), nil
}

func (s *Store) listOrders(match func(order.Order) bool) []order.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]order.Order, 0)
	for _, o := range s.orders {
		if match(o) {
			result = append(result, cloneOrder(o))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result
}

func (s *Store) ListOrdersByBuyer(_ context.Context, buyerID string) ([]order.Order, error) {
	return s.listOrders(func(o order.Order) bool { return o.BuyerID == buyerID }), nil
}

func (s *Store) ListOrdersBySeller(_ context.Context, sellerID string) ([]order.Order, error) {
	return s.listOrders(func(o order.Order) bool { return o.SellerID == sellerID }), nil
}

func (s *Store) ListOrdersByReference(_ context.Context, reference string) ([]order.Order, error) {
	return s.listOrders(func(o order.Order) bool { return o.PaymentReference == reference }), nil
}

func (s *Store) ListOrdersByStatus(_ context.Context, status order.Status) ([]order.Order, error) {
	return s.listOrders(func(o order.Order) bool { return o.Status == status }), nil
}

func (s *Store) ListOverdueOrders(_ context.Context, now time.Time) ([]order.Order, error) {
	return s.listOrders(func(o order.Order) bool {
		return o.Status == order.StatusPaid && o.CommitDeadline != nil && o.CommitDeadline.Before(now)
	}), nil
}

func (s *Store) ListReminderDue(_ context.Context, deadlineBefore time.Time) ([]order.Order, error) {
	return s.listOrders(func(o order.Order) bool {
		return o.Status == order.StatusPaid && o.ReminderSentAt == nil &&
			o.CommitDeadline != nil && o.CommitDeadline.Before(deadlineBefore)
	}), nil
}

func (s *Store) MarkReminderSent(_ context.Context, orderID string, at time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[orderID]
	if !ok {
		return false, apperrors.NotFound("order", orderID)
	}
	if o.ReminderSentAt != nil {
		return false, nil
	}
	stamp := at.UTC()
	o.ReminderSentAt = &stamp
	o.UpdatedAt = time.Now().UTC()
	s.orders[orderID] = o
	return true, nil
}

func (s *Store) TransitionOrder(_ context.Context, tr storage.Transition, mutate storage.OrderMutation) (order.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[tr.OrderID]
	if !ok {
		return order.Order{}, apperrors.NotFound("order", tr.OrderID)
	}
	if o.Status != tr.From {
		return order.Order{}, apperrors.Conflict(fmt.Sprintf("order %s is %s, not %s", tr.OrderID, o.Status, tr.From)).
			WithDetails("status", string(o.Status))
	}
	if tr.Guard != nil {
		if err := tr.Guard(cloneOrder(o)); err != nil {
			return order.Order{}, err
		}
	}

	o = cloneOrder(o)
	if mutate != nil {
		mutate(&o)
	}
	at := tr.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	o.Status = tr.To
	o.Version++
	o.UpdatedAt = at
	s.orders[o.ID] = o

	s.orderEvents[o.ID] = append(s.orderEvents[o.ID], order.Event{
		ID:      uuid.NewString(),
		OrderID: o.ID,
		From:    tr.From,
		To:      tr.To,
		Actor:   tr.Actor,
		Reason:  tr.Reason,
		At:      at,
	})
	return cloneOrder(o), nil
}

func (s *Store) ListOrderEvents(_ context.Context, orderID string) ([]order.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]order.Event(nil), s.orderEvents[orderID]...), nil
}

func cloneOrder(o order.Order) order.Order {
	o.Items = append([]order.Item(nil), o.Items...)
	return o
}

// NotificationStore implementation --------------------------------------------

func (s *Store) CreateNotification(_ context.Context, n notification.Notification) (notification.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	s.notifications[n.ID] = n
	return n, nil
}

func (s *Store) ListNotifications(_ context.Context, userID string, unreadOnly bool) ([]notification.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]notification.Notification, 0)
	for _, n := range s.notifications {
		if n.UserID != userID || (unreadOnly && n.Read) {
			continue
		}
		result = append(result, n)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})
	return result, nil
}

func (s *Store) MarkNotificationRead(_ context.Context, userID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notifications[id]
	if !ok || n.UserID != userID {
		return apperrors.NotFound("notification", id)
	}
	n.Read = true
	s.notifications[id] = n
	return nil
}

func (s *Store) MarkAllNotificationsRead(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for id, n := range s.notifications {
		if n.UserID == userID && !n.Read {
			n.Read = true
			s.notifications[id] = n
			count++
		}
	}
	return count, nil
}

// TransactionStore implementation ---------------------------------------------

func (s *Store) CreateTransaction(_ context.Context, tx payment.Transaction) (payment.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.txByReference[tx.Reference]; exists {
		return payment.Transaction{}, apperrors.Conflict(fmt.Sprintf("transaction %s already exists", tx.Reference))
	}
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	tx.CreatedAt = now
	tx.UpdatedAt = now

	s.transactions[tx.ID] = tx
	s.txByReference[tx.Reference] = tx.ID
	return tx, nil
}

func (s *Store) UpdateTransaction(_ context.Context, tx payment.Transaction) (payment.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.transactions[tx.ID]
	if !ok {
		return payment.Transaction{}, apperrors.NotFound("transaction", tx.ID)
	}
	tx.Reference = original.Reference
	tx.CreatedAt = original.CreatedAt
	tx.UpdatedAt = time.Now().UTC()
	s.transactions[tx.ID] = tx
	return tx, nil
}

func (s *Store) UpdateTransactionIf(_ context.Context, tx payment.Transaction, status payment.TxStatus, updatedAt time.Time) (payment.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.transactions[tx.ID]
	if !ok {
		return payment.Transaction{}, apperrors.NotFound("transaction", tx.ID)
	}
	if original.Status != status || !original.UpdatedAt.Equal(updatedAt) {
		return payment.Transaction{}, apperrors.Conflict(fmt.Sprintf("transaction %s was modified concurrently", original.Reference))
	}
	tx.Reference = original.Reference
	tx.CreatedAt = original.CreatedAt
	tx.UpdatedAt = time.Now().UTC()
	s.transactions[tx.ID] = tx
	return tx, nil
}

func (s *Store) GetTransactionByReference(_ context.Context, reference string) (payment.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.txByReference[reference]
	if !ok {
		return payment.Transaction{}, apperrors.NotFound("transaction", reference)
	}
	return s.transactions[id], nil
}

func (s *Store) ListTransactionsByOrder(_ context.Context, orderID string) ([]payment.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]payment.Transaction, 0)
	for _, tx := range s.transactions {
		if tx.OrderID == orderID {
			result = append(result, tx)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

// BankingStore implementation -------------------------------------------------

func (s *Store) UpsertBankingDetails(_ context.Context, details payment.BankingDetails) (payment.BankingDetails, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := s.banking[details.SellerID]; ok {
		details.CreatedAt = existing.CreatedAt
	} else {
		details.CreatedAt = now
	}
	details.UpdatedAt = now
	s.banking[details.SellerID] = details
	return details, nil
}

func (s *Store) GetBankingDetails(_ context.Context, sellerID string) (payment.BankingDetails, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	details, ok := s.banking[sellerID]
	if !ok {
		return payment.BankingDetails{}, apperrors.NotFound("banking details", sellerID)
	}
	return details, nil
}

// PayoutStore implementation --------------------------------------------------

func (s *Store) CreatePayout(_ context.Context, p payment.Payout) (payment.Payout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.payoutsByOrder[p.OrderID]; exists {
		return payment.Payout{}, apperrors.Conflict(fmt.Sprintf("order %s already has a payout", p.OrderID))
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	s.payouts[p.ID] = p
	s.payoutsByOrder[p.OrderID] = p.ID
	return p, nil
}

func (s *Store) UpdatePayout(_ context.Context, p payment.Payout) (payment.Payout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	original, ok := s.payouts[p.ID]
	if !ok {
		return payment.Payout{}, apperrors.NotFound("payout", p.ID)
	}
	p.OrderID = original.OrderID
	p.CreatedAt = original.CreatedAt
	p.UpdatedAt = time.Now().UTC()
	s.payouts[p.ID] = p
	return p, nil
}

func (s *Store) GetPayoutByOrder(_ context.Context, orderID string) (payment.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.payoutsByOrder[orderID]
	if !ok {
		return payment.Payout{}, apperrors.NotFound("payout", orderID)
	}
	return s.payouts[id], nil
}

func (s *Store) ListPayoutsByStatus(_ context.Context, statuses ...payment.PayoutStatus) ([]payment.Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	want := make(map[payment.PayoutStatus]bool, len(statuses))
	for _, st := range statuses {
		want[st] = true
	}
	result := make([]payment.Payout, 0)
	for _, p := range s.payouts {
		if len(want) == 0 || want[p.Status] {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}
