package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/R3E-Network/textbook_market/internal/app/domain/book"
	"github.com/R3E-Network/textbook_market/internal/app/domain/notification"
	"github.com/R3E-Network/textbook_market/internal/app/domain/order"
	"github.com/R3E-Network/textbook_market/internal/app/domain/payment"
	"github.com/R3E-Network/textbook_market/internal/app/storage"
	apperrors "github.com/R3E-Network/textbook_market/internal/errors"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.Store = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "postgres")}
}

const uniqueViolation = "23505"

func mapError(err error, resource, id string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return apperrors.NotFound(resource, id)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
		return apperrors.Conflict(fmt.Sprintf("%s %s already exists", resource, id))
	}
	return err
}

// --- BookStore ---------------------------------------------------------------

const bookColumns = `id, seller_id, title, author, isbn, edition, condition, category, grade,
	university, province, price, weight_kg, image_url, status, created_at, updated_at`

func (s *Store) CreateBook(ctx context.Context, b book.Book) (book.Book, error) {
	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	if b.Status == "" {
		b.Status = book.StatusAvailable
	}
	now := time.Now().UTC()
	b.CreatedAt = now
	b.UpdatedAt = now

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO books (`+bookColumns+`)
		VALUES (:id, :seller_id, :title, :author, :isbn, :edition, :condition, :category, :grade,
			:university, :province, :price, :weight_kg, :image_url, :status, :created_at, :updated_at)
	`, b)
	if err != nil {
		return book.Book{}, mapError(err, "book", b.ID)
	}
	return b, nil
}

func (s *Store) UpdateBook(ctx context.Context, b book.Book) (book.Book, error) {
	existing, err := s.GetBook(ctx, b.ID)
	if err != nil {
		return book.Book{}, err
	}
	b.CreatedAt = existing.CreatedAt
	b.UpdatedAt = time.Now().UTC()

	result, err := s.db.NamedExecContext(ctx, `
		UPDATE books
		SET title = :title, author = :author, isbn = :isbn, edition = :edition, condition = :condition,
			category = :category, grade = :grade, university = :university, province = :province,
			price = :price, weight_kg = :weight_kg, image_url = :image_url, status = :status,
			updated_at = :updated_at
		WHERE id = :id
	`, b)
	if err != nil {
		return book.Book{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return book.Book{}, apperrors.NotFound("book", b.ID)
	}
	return b, nil
}

func (s *Store) GetBook(ctx context.Context, id string) (book.Book, error) {
	var b book.Book
	err := s.db.GetContext(ctx, &b, `SELECT `+bookColumns+` FROM books WHERE id = $1`, id)
	if err != nil {
		return book.Book{}, mapError(err, "book", id)
	}
	return b, nil
}

func (s *Store) ListBooks(ctx context.Context, filter book.Filter) ([]book.Book, error) {
	var (
		where []string
		args  []any
	)
	add := func(clause string, value any) {
		args = append(args, value)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if filter.SellerID != "" {
		add("seller_id = $%d", filter.SellerID)
	}
	if filter.Category != "" {
		add("lower(category) = lower($%d)", filter.Category)
	}
	if filter.Province != "" {
		add("lower(province) = lower($%d)", filter.Province)
	}
	if filter.Status != "" {
		add("status = $%d", string(filter.Status))
	}
	if filter.MinPrice != nil {
		add("price >= $%d", *filter.MinPrice)
	}
	if filter.MaxPrice != nil {
		add("price <= $%d", *filter.MaxPrice)
	}
	if search := strings.TrimSpace(filter.Search); search != "" {
		args = append(args, "%"+search+"%")
		n := len(args)
		where = append(where, fmt.Sprintf("(title ILIKE $%d OR author ILIKE $%d OR isbn ILIKE $%d)", n, n, n))
	}

	query := `SELECT ` + bookColumns + ` FROM books`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY created_at DESC, id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(` OFFSET $%d`, len(args))
	}

	books := make([]book.Book, 0)
	if err := s.db.SelectContext(ctx, &books, query, args...); err != nil {
		return nil, err
	}
	return books, nil
}

func (s *Store) DeleteBook(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM books WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return apperrors.NotFound("book", id)
	}
	return nil
}

func (s *Store) SetBookStatus(ctx context.Context, ids []string, from, to book.Status) error {
	if len(ids) == 0 {
		return nil
	}
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	result, err := tx.ExecContext(ctx, `
		UPDATE books SET status = $1, updated_at = $2
		WHERE id = ANY($3) AND status = $4
	`, string(to), time.Now().UTC(), pq.Array(ids), string(from))
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if int(rows) != len(ids) {
		return apperrors.Conflict(fmt.Sprintf("%d of %d books are not %s", len(ids)-int(rows), len(ids), from))
	}
	return tx.Commit()
}

// --- OrderStore --------------------------------------------------------------

const orderColumns = `id, buyer_id, seller_id, buyer_email, items, subtotal, delivery_fee, total, status,
	payment_reference, shipping, pickup, delivery, paid_at, commit_deadline, committed_at, collected_at,
	completed_at, cancelled_at, refunded_at, cancel_reason, reminder_sent_at, version, created_at, updated_at`

type orderRow struct {
	ID               string          `db:"id"`
	BuyerID          string          `db:"buyer_id"`
	SellerID         string          `db:"seller_id"`
	BuyerEmail       string          `db:"buyer_email"`
	Items            []byte          `db:"items"`
	Subtotal         decimal.Decimal `db:"subtotal"`
	DeliveryFee      decimal.Decimal `db:"delivery_fee"`
	Total            decimal.Decimal `db:"total"`
	Status           string          `db:"status"`
	PaymentReference string          `db:"payment_reference"`
	Shipping         []byte          `db:"shipping"`
	Pickup           []byte          `db:"pickup"`
	Delivery         []byte          `db:"delivery"`
	PaidAt           *time.Time      `db:"paid_at"`
	CommitDeadline   *time.Time      `db:"commit_deadline"`
	CommittedAt      *time.Time      `db:"committed_at"`
	CollectedAt      *time.Time      `db:"collected_at"`
	CompletedAt      *time.Time      `db:"completed_at"`
	CancelledAt      *time.Time      `db:"cancelled_at"`
	RefundedAt       *time.Time      `db:"refunded_at"`
	CancelReason     string          `db:"cancel_reason"`
	ReminderSentAt   *time.Time      `db:"reminder_sent_at"`
	Version          int             `db:"version"`
	CreatedAt        time.Time       `db:"created_at"`
	UpdatedAt        time.Time       `db:"updated_at"`
}

func toOrderRow(o order.Order) (orderRow, error) {
	row := orderRow{
		ID: o.ID, BuyerID: o.BuyerID, SellerID: o.SellerID, BuyerEmail: o.BuyerEmail,
		Subtotal: o.Subtotal, DeliveryFee: o.DeliveryFee, Total: o.Total,
		Status: string(o.Status), PaymentReference: o.PaymentReference,
		PaidAt: o.PaidAt, CommitDeadline: o.CommitDeadline, CommittedAt: o.CommittedAt,
		CollectedAt: o.CollectedAt, CompletedAt: o.CompletedAt, CancelledAt: o.CancelledAt,
		RefundedAt: o.RefundedAt, CancelReason: o.CancelReason, ReminderSentAt: o.ReminderSentAt,
		Version: o.Version, CreatedAt: o.CreatedAt, UpdatedAt: o.UpdatedAt,
	}
	var err error
	if row.Items, err = json.Marshal(o.Items); err != nil {
		return orderRow{}, err
	}
	if row.Shipping, err = json.Marshal(o.Shipping); err != nil {
		return orderRow{}, err
	}
	if row.Pickup, err = json.Marshal(o.Pickup); err != nil {
		return orderRow{}, err
	}
	if row.Delivery, err = json.Marshal(o.Delivery); err != nil {
		return orderRow{}, err
	}
	return row, nil
}

func (r orderRow) toOrder() (order.Order, error) {
	o := order.Order{
		ID: r.ID, BuyerID: r.BuyerID, SellerID: r.SellerID, BuyerEmail: r.BuyerEmail,
		Subtotal: r.Subtotal, DeliveryFee: r.DeliveryFee, Total: r.Total,
		Status: order.Status(r.Status), PaymentReference: r.PaymentReference,
		PaidAt: utcPtr(r.PaidAt), CommitDeadline: utcPtr(r.CommitDeadline), CommittedAt: utcPtr(r.CommittedAt),
		CollectedAt: utcPtr(r.CollectedAt), CompletedAt: utcPtr(r.CompletedAt), CancelledAt: utcPtr(r.CancelledAt),
		RefundedAt: utcPtr(r.RefundedAt), CancelReason: r.CancelReason, ReminderSentAt: utcPtr(r.ReminderSentAt),
		Version: r.Version, CreatedAt: r.CreatedAt.UTC(), UpdatedAt: r.UpdatedAt.UTC(),
	}
	for _, field := range []struct {
		raw  []byte
		dest any
	}{
		{r.Items, &o.Items},
		{r.Shipping, &o.Shipping},
		{r.Pickup, &o.Pickup},
		{r.Delivery, &o.Delivery},
	} {
		if len(field.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(field.raw, field.dest); err != nil {
			return order.Order{}, fmt.Errorf("decode order %s: %w", r.ID, err)
		}
	}
	return o, nil
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

func (s *Store) CreateOrder(ctx context.Context, o order.Order) (order.Order, error) {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	o.CreatedAt = now
	o.UpdatedAt = now
	o.Version = 1

	row, err := toOrderRow(o)
	if err != nil {
		return order.Order{}, err
	}
	_, err = s.db.NamedExecContext(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES (:id, :buyer_id, :seller_id, :buyer_email, :items, :subtotal, :delivery_fee, :total, :status,
			:payment_reference, :shipping, :pickup, :delivery, :paid_at, :commit_deadline, :committed_at,
			:collected_at, :completed_at, :cancelled_at, :refunded_at, :cancel_reason, :reminder_sent_at,
			:version, :created_at, :updated_at)
	`, row)
	if err != nil {
		return order.Order{}, mapError(err, "order", o.ID)
	}
	return o, nil
}

func (s *Store) GetOrder(ctx context.Context, id string) (order.Order, error) {
	return getOrder(ctx, s.db, id, false)
}

func getOrder(ctx context.Context, q sqlx.QueryerContext, id string, forUpdate bool) (order.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`
	if forUpdate {
		query += ` FOR UPDATE`
	}
	var row orderRow
	if err := sqlx.GetContext(ctx, q, &row, query, id); err != nil {
		return order.Order{}, mapError(err, "order", id)
	}
	return row.toOrder()
}

func (s *Store) UpdateOrder(ctx context.Context, o order.Order) (order.Order, error) {
	current, err := s.GetOrder(ctx, o.ID)
	if err != nil {
		return order.Order{}, err
	}
	expected := o.Version
	o.Status = current.Status
	o.CreatedAt = current.CreatedAt
	o.UpdatedAt = time.Now().UTC()
	o.Version = expected + 1

	row, err := toOrderRow(o)
	if err != nil {
		return order.Order{}, err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET buyer_email = $1, items = $2, subtotal = $3, delivery_fee = $4, total = $5,
			payment_reference = $6, shipping = $7, pickup = $8, delivery = $9,
			cancel_reason = $10, version = $11, updated_at = $12
		WHERE id = $13 AND version = $14
	`, row.BuyerEmail, row.Items, row.Subtotal, row.DeliveryFee, row.Total,
		row.PaymentReference, row.Shipping, row.Pickup, row.Delivery,
		row.CancelReason, row.Version, row.UpdatedAt, row.ID, expected)
	if err != nil {
		return order.Order{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return order.Order{}, apperrors.Conflict(fmt.Sprintf("order %s was modified concurrently", o.ID))
	}
	return o, nil
}

func (s *Store) selectOrders(ctx context.Context, where string, args ...any) ([]order.Order, error) {
	var rows []orderRow
	query := `SELECT ` + orderColumns + ` FROM orders WHERE ` + where + ` ORDER BY created_at DESC, id`
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	result := make([]order.Order, 0, len(rows))
	for _, row := range rows {
		o, err := row.toOrder()
		if err != nil {
			return nil, err
		}
		result = append(result, o)
	}
	return result, nil
}

func (s *Store) ListOrdersByBuyer(ctx context.Context, buyerID string) ([]order.Order, error) {
	return s.selectOrders(ctx, `buyer_id = $1`, buyerID)
}

func (s *Store) ListOrdersBySeller(ctx context.Context, sellerID string) ([]order.Order, error) {
	return s.selectOrders(ctx, `seller_id = $1`, sellerID)
}

func (s *Store) ListOrdersByReference(ctx context.Context, reference string) ([]order.Order, error) {
	return s.selectOrders(ctx, `payment_reference = $1`, reference)
}

func (s *Store) ListOrdersByStatus(ctx context.Context, status order.Status) ([]order.Order, error) {
	return s.selectOrders(ctx, `status = $1`, string(status))
}

func (s *Store) ListOverdueOrders(ctx context.Context, now time.Time) ([]order.Order, error) {
	return s.selectOrders(ctx, `status = $1 AND commit_deadline < $2`, string(order.StatusPaid), now.UTC())
}

func (s *Store) ListReminderDue(ctx context.Context, deadlineBefore time.Time) ([]order.Order, error) {
	return s.selectOrders(ctx, `status = $1 AND reminder_sent_at IS NULL AND commit_deadline < $2`,
		string(order.StatusPaid), deadlineBefore.UTC())
}

func (s *Store) MarkReminderSent(ctx context.Context, orderID string, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE orders SET reminder_sent_at = $1, updated_at = $2
		WHERE id = $3 AND reminder_sent_at IS NULL
	`, at.UTC(), time.Now().UTC(), orderID)
	if err != nil {
		return false, err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

func (s *Store) TransitionOrder(ctx context.Context, tr storage.Transition, mutate storage.OrderMutation) (order.Order, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return order.Order{}, err
	}
	defer tx.Rollback() //nolint:errcheck

	o, err := getOrder(ctx, tx, tr.OrderID, true)
	if err != nil {
		return order.Order{}, err
	}
	if o.Status != tr.From {
		return order.Order{}, apperrors.Conflict(fmt.Sprintf("order %s is %s, not %s", tr.OrderID, o.Status, tr.From)).
			WithDetails("status", string(o.Status))
	}
	if tr.Guard != nil {
		if err := tr.Guard(o); err != nil {
			return order.Order{}, err
		}
	}

	if mutate != nil {
		mutate(&o)
	}
	at := tr.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	expected := o.Version
	o.Status = tr.To
	o.Version = expected + 1
	o.UpdatedAt = at.UTC()

	row, err := toOrderRow(o)
	if err != nil {
		return order.Order{}, err
	}
	result, err := tx.ExecContext(ctx, `
		UPDATE orders
		SET status = $1, version = $2, updated_at = $3, paid_at = $4, commit_deadline = $5,
			committed_at = $6, collected_at = $7, completed_at = $8, cancelled_at = $9,
			refunded_at = $10, cancel_reason = $11, shipping = $12, pickup = $13, delivery = $14
		WHERE id = $15 AND status = $16 AND version = $17
	`, row.Status, row.Version, row.UpdatedAt, row.PaidAt, row.CommitDeadline,
		row.CommittedAt, row.CollectedAt, row.CompletedAt, row.CancelledAt,
		row.RefundedAt, row.CancelReason, row.Shipping, row.Pickup, row.Delivery,
		row.ID, string(tr.From), expected)
	if err != nil {
		return order.Order{}, err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return order.Order{}, apperrors.Conflict(fmt.Sprintf("order %s was modified concurrently", tr.OrderID))
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO order_events (id, order_id, from_status, to_status, actor, reason, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, uuid.NewString(), o.ID, string(tr.From), string(tr.To), tr.Actor, tr.Reason, at.UTC()); err != nil {
		return order.Order{}, err
	}

	if err := tx.Commit(); err != nil {
		return order.Order{}, err
	}
	return o, nil
}

type eventRow struct {
	ID      string    `db:"id"`
	OrderID string    `db:"order_id"`
	From    string    `db:"from_status"`
	To      string    `db:"to_status"`
	Actor   string    `db:"actor"`
	Reason  string    `db:"reason"`
	At      time.Time `db:"at"`
}

func (s *Store) ListOrderEvents(ctx context.Context, orderID string) ([]order.Event, error) {
	var rows []eventRow
	if err := s.db.SelectContext(ctx, &rows, `
		SELECT id, order_id, from_status, to_status, actor, reason, at
		FROM order_events WHERE order_id = $1 ORDER BY at, id
	`, orderID); err != nil {
		return nil, err
	}
	events := make([]order.Event, 0, len(rows))
	for _, row := range rows {
		events = append(events, order.Event{
			ID: row.ID, OrderID: row.OrderID,
			From: order.Status(row.From), To: order.Status(row.To),
			Actor: row.Actor, Reason: row.Reason, At: row.At.UTC(),
		})
	}
	return events, nil
}

// --- NotificationStore -------------------------------------------------------

type notificationRow struct {
	ID        string    `db:"id"`
	UserID    string    `db:"user_id"`
	Type      string    `db:"type"`
	Title     string    `db:"title"`
	Message   string    `db:"message"`
	OrderID   string    `db:"order_id"`
	Read      bool      `db:"read"`
	CreatedAt time.Time `db:"created_at"`
}

func (s *Store) CreateNotification(ctx context.Context, n notification.Notification) (notification.Notification, error) {
	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO notifications (id, user_id, type, title, message, order_id, read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, n.ID, n.UserID, string(n.Type), n.Title, n.Message, n.OrderID, n.Read, n.CreatedAt)
	if err != nil {
		return notification.Notification{}, mapError(err, "notification", n.ID)
	}
	return n, nil
}

func (s *Store) ListNotifications(ctx context.Context, userID string, unreadOnly bool) ([]notification.Notification, error) {
	query := `SELECT id, user_id, type, title, message, order_id, read, created_at FROM notifications WHERE user_id = $1`
	if unreadOnly {
		query += ` AND read = FALSE`
	}
	query += ` ORDER BY created_at DESC`

	var rows []notificationRow
	if err := s.db.SelectContext(ctx, &rows, query, userID); err != nil {
		return nil, err
	}
	result := make([]notification.Notification, 0, len(rows))
	for _, row := range rows {
		result = append(result, notification.Notification{
			ID: row.ID, UserID: row.UserID, Type: notification.Type(row.Type),
			Title: row.Title, Message: row.Message, OrderID: row.OrderID,
			Read: row.Read, CreatedAt: row.CreatedAt.UTC(),
		})
	}
	return result, nil
}

func (s *Store) MarkNotificationRead(ctx context.Context, userID, id string) error {
	result, err := s.db.ExecContext(ctx, `UPDATE notifications SET read = TRUE WHERE id = $1 AND user_id = $2`, id, userID)
	if err != nil {
		return err
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return apperrors.NotFound("notification", id)
	}
	return nil
}

func (s *Store) MarkAllNotificationsRead(ctx context.Context, userID string) (int, error) {
	result, err := s.db.ExecContext(ctx, `UPDATE notifications SET read = TRUE WHERE user_id = $1 AND read = FALSE`, userID)
	if err != nil {
		return 0, err
	}
	rows, err := result.RowsAffected()
	return int(rows), err
}

// --- TransactionStore --------------------------------------------------------

const transactionColumns = `id, order_id, reference, kind, amount, currency, status, attempts, gateway_ref, message, created_at, updated_at`

type transactionRow struct {
	ID         string          `db:"id"`
	OrderID    string          `db:"order_id"`
	Reference  string          `db:"reference"`
	Kind       string          `db:"kind"`
	Amount     decimal.Decimal `db:"amount"`
	Currency   string          `db:"currency"`
	Status     string          `db:"status"`
	Attempts   int             `db:"attempts"`
	GatewayRef string          `db:"gateway_ref"`
	Message    string          `db:"message"`
	CreatedAt  time.Time       `db:"created_at"`
	UpdatedAt  time.Time       `db:"updated_at"`
}

func (r transactionRow) toTransaction() payment.Transaction {
	return payment.Transaction{
		ID: r.ID, OrderID: r.OrderID, Reference: r.Reference, Kind: payment.Kind(r.Kind),
		Amount: r.Amount, Currency: r.Currency, Status: payment.TxStatus(r.Status),
		Attempts: r.Attempts, GatewayRef: r.GatewayRef, Message: r.Message,
		CreatedAt: r.CreatedAt.UTC(), UpdatedAt: r.UpdatedAt.UTC(),
	}
}

func (s *Store) CreateTransaction(ctx context.Context, tx payment.Transaction) (payment.Transaction, error) {
	if tx.ID == "" {
		tx.ID = uuid.NewString()
	}
	// Column precision is microseconds; keep the returned value comparable.
	now := time.Now().UTC().Truncate(time.Microsecond)
	tx.CreatedAt = now
	tx.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transactions (`+transactionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, tx.ID, tx.OrderID, tx.Reference, string(tx.Kind), tx.Amount, tx.Currency, string(tx.Status),
		tx.Attempts, tx.GatewayRef, tx.Message, tx.CreatedAt, tx.UpdatedAt)
	if err != nil {
		return payment.Transaction{}, mapError(err, "transaction", tx.Reference)
	}
	return tx, nil
}

func (s *Store) UpdateTransaction(ctx context.Context, tx payment.Transaction) (payment.Transaction, error) {
	tx.UpdatedAt = time.Now().UTC().Truncate(time.Microsecond)
	var row transactionRow
	err := s.db.GetContext(ctx, &row, `
		UPDATE transactions
		SET status = $1, attempts = $2, gateway_ref = $3, message = $4, amount = $5, updated_at = $6
		WHERE id = $7
		RETURNING `+transactionColumns, string(tx.Status), tx.Attempts, tx.GatewayRef, tx.Message, tx.Amount, tx.UpdatedAt, tx.ID)
	if err != nil {
		return payment.Transaction{}, mapError(err, "transaction", tx.ID)
	}
	return row.toTransaction(), nil
}

func (s *Store) UpdateTransactionIf(ctx context.Context, tx payment.Transaction, status payment.TxStatus, updatedAt time.Time) (payment.Transaction, error) {
	tx.UpdatedAt = time.Now().UTC().Truncate(time.Microsecond)
	var row transactionRow
	err := s.db.GetContext(ctx, &row, `
		UPDATE transactions
		SET status = $1, attempts = $2, gateway_ref = $3, message = $4, amount = $5, updated_at = $6
		WHERE id = $7 AND status = $8 AND updated_at = $9
		RETURNING `+transactionColumns, string(tx.Status), tx.Attempts, tx.GatewayRef, tx.Message, tx.Amount, tx.UpdatedAt,
		tx.ID, string(status), updatedAt.UTC())
	if errors.Is(err, sql.ErrNoRows) {
		return payment.Transaction{}, apperrors.Conflict(fmt.Sprintf("transaction %s was modified concurrently", tx.Reference))
	}
	if err != nil {
		return payment.Transaction{}, err
	}
	return row.toTransaction(), nil
}

func (s *Store) GetTransactionByReference(ctx context.Context, reference string) (payment.Transaction, error) {
	var row transactionRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+transactionColumns+` FROM transactions WHERE reference = $1`, reference); err != nil {
		return payment.Transaction{}, mapError(err, "transaction", reference)
	}
	return row.toTransaction(), nil
}

func (s *Store) ListTransactionsByOrder(ctx context.Context, orderID string) ([]payment.Transaction, error) {
	var rows []transactionRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+transactionColumns+` FROM transactions WHERE order_id = $1 ORDER BY created_at`, orderID); err != nil {
		return nil, err
	}
	result := make([]payment.Transaction, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toTransaction())
	}
	return result, nil
}

// --- BankingStore ------------------------------------------------------------

type bankingRow struct {
	SellerID       string    `db:"seller_id"`
	BusinessName   string    `db:"business_name"`
	BankName       string    `db:"bank_name"`
	BankCode       string    `db:"bank_code"`
	AccountMasked  string    `db:"account_masked"`
	Email          string    `db:"email"`
	SubaccountCode string    `db:"subaccount_code"`
	RecipientCode  string    `db:"recipient_code"`
	Status         string    `db:"status"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`
}

func (r bankingRow) toDetails() payment.BankingDetails {
	return payment.BankingDetails{
		SellerID: r.SellerID, BusinessName: r.BusinessName, BankName: r.BankName, BankCode: r.BankCode,
		AccountNumberMasked: r.AccountMasked, Email: r.Email, SubaccountCode: r.SubaccountCode,
		RecipientCode: r.RecipientCode, Status: r.Status,
		CreatedAt: r.CreatedAt.UTC(), UpdatedAt: r.UpdatedAt.UTC(),
	}
}

const bankingColumns = `seller_id, business_name, bank_name, bank_code, account_masked, email,
	subaccount_code, recipient_code, status, created_at, updated_at`

func (s *Store) UpsertBankingDetails(ctx context.Context, details payment.BankingDetails) (payment.BankingDetails, error) {
	now := time.Now().UTC()
	var row bankingRow
	err := s.db.GetContext(ctx, &row, `
		INSERT INTO banking_details (`+bankingColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)
		ON CONFLICT (seller_id) DO UPDATE
		SET business_name = EXCLUDED.business_name, bank_name = EXCLUDED.bank_name,
			bank_code = EXCLUDED.bank_code, account_masked = EXCLUDED.account_masked,
			email = EXCLUDED.email, subaccount_code = EXCLUDED.subaccount_code,
			recipient_code = EXCLUDED.recipient_code, status = EXCLUDED.status,
			updated_at = EXCLUDED.updated_at
		RETURNING `+bankingColumns,
		details.SellerID, details.BusinessName, details.BankName, details.BankCode, details.AccountNumberMasked,
		details.Email, details.SubaccountCode, details.RecipientCode, details.Status, now)
	if err != nil {
		return payment.BankingDetails{}, err
	}
	return row.toDetails(), nil
}

func (s *Store) GetBankingDetails(ctx context.Context, sellerID string) (payment.BankingDetails, error) {
	var row bankingRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+bankingColumns+` FROM banking_details WHERE seller_id = $1`, sellerID); err != nil {
		return payment.BankingDetails{}, mapError(err, "banking details", sellerID)
	}
	return row.toDetails(), nil
}

// --- PayoutStore -------------------------------------------------------------

const payoutColumns = `id, order_id, seller_id, gross, platform_fee, seller_amount, status, transfer_ref,
	attempts, last_error, created_at, updated_at`

type payoutRow struct {
	ID           string          `db:"id"`
	OrderID      string          `db:"order_id"`
	SellerID     string          `db:"seller_id"`
	Gross        decimal.Decimal `db:"gross"`
	PlatformFee  decimal.Decimal `db:"platform_fee"`
	SellerAmount decimal.Decimal `db:"seller_amount"`
	Status       string          `db:"status"`
	TransferRef  string          `db:"transfer_ref"`
	Attempts     int             `db:"attempts"`
	LastError    string          `db:"last_error"`
	CreatedAt    time.Time       `db:"created_at"`
	UpdatedAt    time.Time       `db:"updated_at"`
}

func (r payoutRow) toPayout() payment.Payout {
	return payment.Payout{
		ID: r.ID, OrderID: r.OrderID, SellerID: r.SellerID, Gross: r.Gross,
		PlatformFee: r.PlatformFee, SellerAmount: r.SellerAmount, Status: payment.PayoutStatus(r.Status),
		TransferRef: r.TransferRef, Attempts: r.Attempts, LastError: r.LastError,
		CreatedAt: r.CreatedAt.UTC(), UpdatedAt: r.UpdatedAt.UTC(),
	}
}

func (s *Store) CreatePayout(ctx context.Context, p payment.Payout) (payment.Payout, error) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	p.CreatedAt = now
	p.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO payouts (`+payoutColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`, p.ID, p.OrderID, p.SellerID, p.Gross, p.PlatformFee, p.SellerAmount, string(p.Status),
		p.TransferRef, p.Attempts, p.LastError, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return payment.Payout{}, mapError(err, "payout for order", p.OrderID)
	}
	return p, nil
}

func (s *Store) UpdatePayout(ctx context.Context, p payment.Payout) (payment.Payout, error) {
	p.UpdatedAt = time.Now().UTC()
	var row payoutRow
	err := s.db.GetContext(ctx, &row, `
		UPDATE payouts
		SET status = $1, transfer_ref = $2, attempts = $3, last_error = $4, updated_at = $5
		WHERE id = $6
		RETURNING `+payoutColumns, string(p.Status), p.TransferRef, p.Attempts, p.LastError, p.UpdatedAt, p.ID)
	if err != nil {
		return payment.Payout{}, mapError(err, "payout", p.ID)
	}
	return row.toPayout(), nil
}

func (s *Store) GetPayoutByOrder(ctx context.Context, orderID string) (payment.Payout, error) {
	var row payoutRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+payoutColumns+` FROM payouts WHERE order_id = $1`, orderID); err != nil {
		return payment.Payout{}, mapError(err, "payout", orderID)
	}
	return row.toPayout(), nil
}

func (s *Store) ListPayoutsByStatus(ctx context.Context, statuses ...payment.PayoutStatus) ([]payment.Payout, error) {
	query := `SELECT ` + payoutColumns + ` FROM payouts`
	var args []any
	if len(statuses) > 0 {
		values := make([]string, 0, len(statuses))
		for _, st := range statuses {
			values = append(values, string(st))
		}
		query += ` WHERE status = ANY($1)`
		args = append(args, pq.Array(values))
	}
	query += ` ORDER BY created_at`

	var rows []payoutRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	result := make([]payment.Payout, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toPayout())
	}
	return result, nil
}
