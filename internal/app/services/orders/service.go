package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	courierDomain "github.com/R3E-Network/textbook_market/internal/app/domain/courier"
	"github.com/R3E-Network/textbook_market/internal/app/domain/notification"
	"github.com/R3E-Network/textbook_market/internal/app/domain/order"
	"github.com/R3E-Network/textbook_market/internal/app/domain/payment"
	"github.com/R3E-Network/textbook_market/internal/app/metrics"
	"github.com/R3E-Network/textbook_market/internal/app/services/notifications"
	"github.com/R3E-Network/textbook_market/internal/app/storage"
	apperrors "github.com/R3E-Network/textbook_market/internal/errors"
	"github.com/R3E-Network/textbook_market/pkg/logger"
)

const (
	parcelKGPerBook = 1.0
	// Completed orders older than this are assumed to have their payout row.
	payoutHorizon = 7 * 24 * time.Hour
)

// Inventory returns books to the catalogue.
type Inventory interface {
	Release(ctx context.Context, ids []string) error
}

// Booker books courier collections.
type Booker interface {
	HasCarrier(provider string) bool
	Book(ctx context.Context, provider string, booking courierDomain.Booking) (courierDomain.Shipment, error)
}

// Refunder returns money for cancelled orders.
type Refunder interface {
	Refund(ctx context.Context, orderID, reason string) (order.Order, error)
	RetryRefunds(ctx context.Context) (int, error)
}

// Charges closes checkouts that were never paid.
type Charges interface {
	ExpireUnpaid(ctx context.Context, now time.Time, ttl time.Duration) (int, error)
}

// Payouts pays sellers for completed orders.
type Payouts interface {
	Trigger(ctx context.Context, o order.Order) (payment.Payout, error)
	RetryFailed(ctx context.Context) (int, error)
}

// Notifier raises user notifications.
type Notifier interface {
	Notify(ctx context.Context, req notifications.Request) (notification.Notification, error)
}

// Options tune the commit lifecycle.
type Options struct {
	CommitWindow   time.Duration
	ReminderBefore time.Duration
	// PendingTTL is how long a checkout may stay unpaid. Zero disables it.
	PendingTTL time.Duration
	Now        func() time.Time
}

// Service drives orders through the seller commit lifecycle.
type Service struct {
	store     storage.OrderStore
	banking   storage.BankingStore
	inventory Inventory
	booker    Booker
	refunder  Refunder
	charges   Charges
	payouts   Payouts
	notifier  Notifier
	window    time.Duration
	remindAt  time.Duration
	unpaidTTL time.Duration
	now       func() time.Time
	log       *logger.Logger
}

// Deps are the collaborators of the order service. Any may be nil.
type Deps struct {
	Banking   storage.BankingStore
	Inventory Inventory
	Booker    Booker
	Refunder  Refunder
	Charges   Charges
	Payouts   Payouts
	Notifier  Notifier
}

// New creates the order service.
func New(store storage.OrderStore, deps Deps, opts Options, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("orders")
	}
	if opts.CommitWindow <= 0 {
		opts.CommitWindow = 48 * time.Hour
	}
	if opts.ReminderBefore <= 0 || opts.ReminderBefore >= opts.CommitWindow {
		opts.ReminderBefore = opts.CommitWindow / 4
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		store:     store,
		banking:   deps.Banking,
		inventory: deps.Inventory,
		booker:    deps.Booker,
		refunder:  deps.Refunder,
		charges:   deps.Charges,
		payouts:   deps.Payouts,
		notifier:  deps.Notifier,
		window:    opts.CommitWindow,
		remindAt:  opts.ReminderBefore,
		unpaidTTL: opts.PendingTTL,
		now:       opts.Now,
		log:       log,
	}
}

// Viewer identifies the caller of a read.
type Viewer struct {
	UserID string
	Admin  bool
}

func (v Viewer) canSee(o order.Order) bool {
	return v.Admin || v.UserID == o.BuyerID || v.UserID == o.SellerID
}

// Get returns an order visible to the viewer.
func (s *Service) Get(ctx context.Context, viewer Viewer, orderID string) (order.Order, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return order.Order{}, err
	}
	if !viewer.canSee(o) {
		return order.Order{}, apperrors.NotFound("order", orderID)
	}
	return o, nil
}

// ListForBuyer lists the buyer's orders.
func (s *Service) ListForBuyer(ctx context.Context, buyerID string) ([]order.Order, error) {
	return s.store.ListOrdersByBuyer(ctx, buyerID)
}

// ListForSeller lists the seller's orders.
func (s *Service) ListForSeller(ctx context.Context, sellerID string) ([]order.Order, error) {
	return s.store.ListOrdersBySeller(ctx, sellerID)
}

// Events returns the audit trail of an order.
func (s *Service) Events(ctx context.Context, viewer Viewer, orderID string) ([]order.Event, error) {
	if _, err := s.Get(ctx, viewer, orderID); err != nil {
		return nil, err
	}
	return s.store.ListOrderEvents(ctx, orderID)
}

// transition applies a status change and records it.
func (s *Service) transition(ctx context.Context, o order.Order, to order.Status, actor, reason string, mutate storage.OrderMutation) (order.Order, error) {
	return s.guardedTransition(ctx, o, to, actor, reason, nil, mutate)
}

// guardedTransition is transition with a check run against the stored order
// inside the compare-and-swap.
func (s *Service) guardedTransition(ctx context.Context, o order.Order, to order.Status, actor, reason string, guard func(order.Order) error, mutate storage.OrderMutation) (order.Order, error) {
	if !order.CanTransition(o.Status, to) {
		return order.Order{}, apperrors.InvalidTransition(string(o.Status), string(to))
	}
	updated, err := s.store.TransitionOrder(ctx, storage.Transition{
		OrderID: o.ID,
		From:    o.Status,
		To:      to,
		Actor:   actor,
		Reason:  reason,
		At:      s.now(),
		Guard:   guard,
	}, mutate)
	if err != nil {
		return order.Order{}, err
	}
	metrics.RecordTransition(string(o.Status), string(to))
	s.log.WithField("order_id", o.ID).
		WithField("from", o.Status).
		WithField("to", to).
		WithField("actor", actor).
		Info("order transitioned")
	return updated, nil
}

// Commit records the seller's promise to ship. It is only possible while the
// order is paid and the commit window is open. When the order was priced
// with a configured carrier the collection is booked straight away.
func (s *Service) Commit(ctx context.Context, sellerID, orderID string, pickup *order.Address) (order.Order, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return order.Order{}, err
	}
	if o.SellerID != sellerID {
		return order.Order{}, apperrors.Forbidden("only the seller can commit to this order")
	}
	if o.Status != order.StatusPaid {
		return order.Order{}, apperrors.InvalidTransition(string(o.Status), string(order.StatusCommitted))
	}
	now := s.now()
	if o.CommitDeadline == nil || !now.Before(*o.CommitDeadline) {
		return order.Order{}, apperrors.DeadlinePassed(orderID)
	}

	committed, err := s.guardedTransition(ctx, o, order.StatusCommitted, sellerID, "", s.windowOpen, func(o *order.Order) {
		o.CommittedAt = &now
		if pickup != nil {
			o.Pickup = *pickup
		}
	})
	if errors.Is(err, apperrors.ErrConflict) {
		// Lost to the sweeper or a concurrent call; report what happened.
		current, getErr := s.store.GetOrder(ctx, orderID)
		if getErr == nil && current.CancelReason == order.ReasonCommitExpired {
			return order.Order{}, apperrors.DeadlinePassed(orderID)
		}
		return order.Order{}, err
	}
	if err != nil {
		return order.Order{}, err
	}

	committed = s.bookCollection(ctx, committed)

	s.notify(ctx, notifications.Request{
		UserID:   committed.BuyerID,
		Type:     notification.TypeOrderCommitted,
		Title:    "Your order is confirmed",
		Message:  "The seller confirmed your order and is preparing it for collection.",
		OrderID:  committed.ID,
		Email:    committed.BuyerEmail,
		Tracking: committed.Delivery.TrackingNumber,
	})
	return committed, nil
}

// windowOpen rejects a commit once the stored deadline has passed.
func (s *Service) windowOpen(current order.Order) error {
	if current.CommitDeadline == nil || !s.now().Before(*current.CommitDeadline) {
		return apperrors.DeadlinePassed(current.ID)
	}
	return nil
}

func (s *Service) bookCollection(ctx context.Context, o order.Order) order.Order {
	if s.booker == nil || o.Delivery.Provider == "" || o.Delivery.TrackingNumber != "" || !s.booker.HasCarrier(o.Delivery.Provider) {
		return o
	}
	shipment, err := s.booker.Book(ctx, o.Delivery.Provider, courierDomain.Booking{
		Reference:   o.ID,
		ServiceCode: o.Delivery.ServiceCode,
		From:        toCourierAddress(o.Pickup),
		To:          toCourierAddress(o.Shipping),
		Parcel:      courierDomain.Parcel{WeightKG: parcelKGPerBook * float64(len(o.Items))},
		Contact:     strings.TrimSpace(o.Shipping.Name + " " + o.Shipping.Phone),
	})
	if err != nil {
		s.log.WithError(err).
			WithField("order_id", o.ID).
			WithField("provider", o.Delivery.Provider).
			Warn("courier booking failed, order stays committed")
		return o
	}
	bookedAt := s.now()
	o.Delivery.TrackingNumber = shipment.TrackingNumber
	o.Delivery.BookedAt = &bookedAt
	updated, err := s.store.UpdateOrder(ctx, o)
	if err != nil {
		s.log.WithError(err).WithField("order_id", o.ID).Warn("store tracking number failed")
		return o
	}
	return updated
}

func toCourierAddress(a order.Address) courierDomain.Address {
	return courierDomain.Address{
		Street:     a.Street,
		Suburb:     a.Suburb,
		City:       a.City,
		Province:   a.Province,
		PostalCode: a.PostalCode,
	}
}

// Decline lets the seller refuse a paid order. The books return to the
// catalogue and the buyer is refunded.
func (s *Service) Decline(ctx context.Context, sellerID, orderID, reason string) (order.Order, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return order.Order{}, err
	}
	if o.SellerID != sellerID {
		return order.Order{}, apperrors.Forbidden("only the seller can decline this order")
	}
	if o.Status != order.StatusPaid {
		return order.Order{}, apperrors.InvalidTransition(string(o.Status), string(order.StatusCancelled))
	}
	reason = firstNonEmpty(reason, order.ReasonSellerDeclined)
	cancelled, err := s.cancel(ctx, o, sellerID, reason)
	if err != nil {
		return order.Order{}, err
	}
	s.notify(ctx, notifications.Request{
		UserID:  cancelled.BuyerID,
		Type:    notification.TypeOrderCancelled,
		Title:   "Order declined",
		Message: "The seller could not fulfil your order. Your payment is being refunded.",
		OrderID: cancelled.ID,
		Email:   cancelled.BuyerEmail,
	})
	return s.refund(ctx, cancelled, reason), nil
}

// CancelByBuyer cancels an unpaid order, or a paid order that the seller
// has not committed to yet, in which case the buyer is refunded.
func (s *Service) CancelByBuyer(ctx context.Context, buyerID, orderID, reason string) (order.Order, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return order.Order{}, err
	}
	if o.BuyerID != buyerID {
		return order.Order{}, apperrors.Forbidden("only the buyer can cancel this order")
	}
	if o.Status != order.StatusPending && o.Status != order.StatusPaid {
		return order.Order{}, apperrors.InvalidTransition(string(o.Status), string(order.StatusCancelled))
	}
	reason = firstNonEmpty(reason, order.ReasonBuyerCancelled)
	cancelled, err := s.cancel(ctx, o, buyerID, reason)
	if err != nil {
		return order.Order{}, err
	}
	if !cancelled.WasPaid() {
		return cancelled, nil
	}
	s.notify(ctx, notifications.Request{
		UserID:  cancelled.SellerID,
		Type:    notification.TypeOrderCancelled,
		Title:   "Order cancelled by buyer",
		Message: "The buyer cancelled the order. Your books are listed again.",
		OrderID: cancelled.ID,
		Email:   s.sellerEmail(ctx, cancelled.SellerID),
	})
	return s.refund(ctx, cancelled, reason), nil
}

func (s *Service) cancel(ctx context.Context, o order.Order, actor, reason string) (order.Order, error) {
	now := s.now()
	cancelled, err := s.transition(ctx, o, order.StatusCancelled, actor, reason, func(o *order.Order) {
		o.CancelledAt = &now
		o.CancelReason = reason
	})
	if err != nil {
		return order.Order{}, err
	}
	if s.inventory != nil {
		if err := s.inventory.Release(ctx, cancelled.BookIDs()); err != nil {
			s.log.WithError(err).WithField("order_id", o.ID).Warn("release books failed")
		}
	}
	return cancelled, nil
}

// refund issues the refund for a cancelled paid order. Failures leave the
// order cancelled for the sweeper to retry.
func (s *Service) refund(ctx context.Context, o order.Order, reason string) order.Order {
	if s.refunder == nil || !o.WasPaid() {
		return o
	}
	refunded, err := s.refunder.Refund(ctx, o.ID, reason)
	if err != nil {
		s.log.WithError(err).WithField("order_id", o.ID).Warn("refund failed, will retry on next sweep")
		return o
	}
	return refunded
}

// MarkCollected records the courier pickup.
func (s *Service) MarkCollected(ctx context.Context, actor, orderID string) (order.Order, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return order.Order{}, err
	}
	now := s.now()
	collected, err := s.transition(ctx, o, order.StatusCollected, actor, "", func(o *order.Order) {
		o.CollectedAt = &now
	})
	if err != nil {
		return order.Order{}, err
	}
	s.notify(ctx, notifications.Request{
		UserID:   collected.BuyerID,
		Type:     notification.TypeCollected,
		Title:    "Your books are on the way",
		Message:  "The courier collected your order from the seller.",
		OrderID:  collected.ID,
		Tracking: collected.Delivery.TrackingNumber,
	})
	return collected, nil
}

// Complete closes a collected order and triggers the seller payout. Only the
// buyer or an admin may complete an order.
func (s *Service) Complete(ctx context.Context, viewer Viewer, orderID string) (order.Order, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return order.Order{}, err
	}
	if !viewer.Admin && viewer.UserID != o.BuyerID {
		return order.Order{}, apperrors.Forbidden("only the buyer can confirm delivery")
	}
	now := s.now()
	completed, err := s.transition(ctx, o, order.StatusCompleted, viewer.UserID, "", func(o *order.Order) {
		o.CompletedAt = &now
	})
	if err != nil {
		return order.Order{}, err
	}
	if s.payouts != nil {
		if _, err := s.payouts.Trigger(ctx, completed); err != nil {
			s.log.WithError(err).WithField("order_id", completed.ID).Warn("payout trigger failed, will retry on next sweep")
		}
	}
	s.notify(ctx, notifications.Request{
		UserID:  completed.SellerID,
		Type:    notification.TypeCompleted,
		Title:   "Order completed",
		Message: "The buyer received the books. Your payout is being processed.",
		OrderID: completed.ID,
	})
	return completed, nil
}

// ExpiryResult counts what an expiry pass did.
type ExpiryResult struct {
	Expired int `json:"expired"`
	Skipped int `json:"skipped"`
	Failed  int `json:"failed"`
}

// ExpireOverdue cancels every paid order whose commit window has closed,
// releases its books and refunds the buyer. Orders that another worker
// already moved are skipped, so the pass can run concurrently and repeatedly.
func (s *Service) ExpireOverdue(ctx context.Context, now time.Time) (ExpiryResult, error) {
	var result ExpiryResult
	overdue, err := s.store.ListOverdueOrders(ctx, now)
	if err != nil {
		return result, err
	}
	for _, o := range overdue {
		if ctx.Err() != nil {
			return result, ctx.Err()
		}
		cancelled, err := s.cancel(ctx, o, order.ActorSweeper, order.ReasonCommitExpired)
		if errors.Is(err, apperrors.ErrConflict) {
			result.Skipped++
			continue
		}
		if err != nil {
			result.Failed++
			s.log.WithError(err).WithField("order_id", o.ID).Warn("expire order failed")
			continue
		}
		result.Expired++

		s.notify(ctx, notifications.Request{
			UserID:  cancelled.BuyerID,
			Type:    notification.TypeOrderExpired,
			Title:   "Order cancelled",
			Message: fmt.Sprintf("The seller did not confirm within %s. Your payment is being refunded.", humanWindow(s.window)),
			OrderID: cancelled.ID,
			Email:   cancelled.BuyerEmail,
		})
		s.notify(ctx, notifications.Request{
			UserID:  cancelled.SellerID,
			Type:    notification.TypeOrderExpired,
			Title:   "Sale cancelled",
			Message: "The commit window closed before you confirmed. The order was cancelled and the buyer refunded.",
			OrderID: cancelled.ID,
			Email:   s.sellerEmail(ctx, cancelled.SellerID),
		})
		s.refund(ctx, cancelled, order.ReasonCommitExpired)
	}
	return result, nil
}

// SendReminders warns sellers whose commit window closes within the
// reminder lead time. Each order is reminded at most once.
func (s *Service) SendReminders(ctx context.Context, now time.Time) (int, error) {
	due, err := s.store.ListReminderDue(ctx, now.Add(s.remindAt))
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, o := range due {
		if o.CommitDeadline == nil || !now.Before(*o.CommitDeadline) {
			continue
		}
		stamped, err := s.store.MarkReminderSent(ctx, o.ID, now)
		if err != nil {
			s.log.WithError(err).WithField("order_id", o.ID).Warn("stamp reminder failed")
			continue
		}
		if !stamped {
			continue
		}
		left := o.CommitDeadline.Sub(now).Round(time.Minute)
		s.notify(ctx, notifications.Request{
			UserID:   o.SellerID,
			Type:     notification.TypeCommitReminder,
			Title:    "Please commit to your sale",
			Message:  fmt.Sprintf("You have %s left to confirm this order before it is cancelled.", left),
			OrderID:  o.ID,
			Email:    s.sellerEmail(ctx, o.SellerID),
			Deadline: o.CommitDeadline,
		})
		sent++
	}
	return sent, nil
}

// SettlePayouts makes sure every recently completed order has a payout and
// retries failed transfers.
func (s *Service) SettlePayouts(ctx context.Context) (int, error) {
	if s.payouts == nil {
		return 0, nil
	}
	completed, err := s.store.ListOrdersByStatus(ctx, order.StatusCompleted)
	if err != nil {
		return 0, err
	}
	horizon := s.now().Add(-payoutHorizon)
	for _, o := range completed {
		if o.CompletedAt != nil && o.CompletedAt.Before(horizon) {
			continue
		}
		if _, err := s.payouts.Trigger(ctx, o); err != nil {
			s.log.WithError(err).WithField("order_id", o.ID).Warn("payout trigger failed")
		}
	}
	return s.payouts.RetryFailed(ctx)
}

// SweepResult summarises one sweeper run.
type SweepResult struct {
	ExpiryResult
	Unpaid   int `json:"unpaid"`
	Reminded int `json:"reminded"`
	Refunded int `json:"refunded"`
	PaidOut  int `json:"paid_out"`
}

// Sweep runs every periodic duty once.
func (s *Service) Sweep(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	now := s.now()
	var result SweepResult

	expiry, err := s.ExpireOverdue(ctx, now)
	result.ExpiryResult = expiry
	if err != nil {
		return result, fmt.Errorf("expire overdue orders: %w", err)
	}
	if s.charges != nil && s.unpaidTTL > 0 {
		if result.Unpaid, err = s.charges.ExpireUnpaid(ctx, now, s.unpaidTTL); err != nil {
			return result, fmt.Errorf("expire unpaid checkouts: %w", err)
		}
	}
	if result.Reminded, err = s.SendReminders(ctx, now); err != nil {
		return result, fmt.Errorf("send reminders: %w", err)
	}
	if s.refunder != nil {
		if result.Refunded, err = s.refunder.RetryRefunds(ctx); err != nil {
			return result, fmt.Errorf("retry refunds: %w", err)
		}
	}
	if result.PaidOut, err = s.SettlePayouts(ctx); err != nil {
		return result, fmt.Errorf("settle payouts: %w", err)
	}

	metrics.RecordSweep(result.Expired, result.Reminded, result.Failed, time.Since(start))
	if result.Expired+result.Unpaid+result.Reminded+result.Refunded+result.PaidOut+result.Failed > 0 {
		s.log.WithField("expired", result.Expired).
			WithField("unpaid", result.Unpaid).
			WithField("skipped", result.Skipped).
			WithField("failed", result.Failed).
			WithField("reminded", result.Reminded).
			WithField("refunded", result.Refunded).
			WithField("paid_out", result.PaidOut).
			Info("commit sweep finished")
	}
	return result, nil
}

func (s *Service) notify(ctx context.Context, req notifications.Request) {
	if s.notifier == nil {
		return
	}
	if _, err := s.notifier.Notify(ctx, req); err != nil {
		s.log.WithError(err).
			WithField("order_id", req.OrderID).
			WithField("type", req.Type).
			Warn("order notification failed")
	}
}

func (s *Service) sellerEmail(ctx context.Context, sellerID string) string {
	if s.banking == nil {
		return ""
	}
	details, err := s.banking.GetBankingDetails(ctx, sellerID)
	if err != nil {
		return ""
	}
	return details.Email
}

func humanWindow(d time.Duration) string {
	return fmt.Sprintf("%.0f hours", d.Hours())
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
