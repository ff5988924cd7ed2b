package payments

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/textbook_market/internal/app/domain/notification"
	"github.com/R3E-Network/textbook_market/internal/app/domain/order"
	"github.com/R3E-Network/textbook_market/internal/app/domain/payment"
	"github.com/R3E-Network/textbook_market/internal/app/metrics"
	"github.com/R3E-Network/textbook_market/internal/app/services/notifications"
	"github.com/R3E-Network/textbook_market/internal/app/storage"
	"github.com/R3E-Network/textbook_market/internal/cache"
	apperrors "github.com/R3E-Network/textbook_market/internal/errors"
	"github.com/R3E-Network/textbook_market/internal/integrations/paystack"
	"github.com/R3E-Network/textbook_market/internal/resilience"
	"github.com/R3E-Network/textbook_market/pkg/logger"
)

const (
	webhookDedupeTTL = 24 * time.Hour
	refundLease      = 2 * time.Minute
)

// Gateway is the subset of the payment provider used after checkout.
type Gateway interface {
	Verify(ctx context.Context, reference string) (paystack.Verification, error)
	Refund(ctx context.Context, reference string, amount decimal.Decimal, reason string) (paystack.Refund, error)
}

// Inventory updates the books on an order.
type Inventory interface {
	MarkSold(ctx context.Context, ids []string) error
	Release(ctx context.Context, ids []string) error
}

// Notifier raises user notifications.
type Notifier interface {
	Notify(ctx context.Context, req notifications.Request) (notification.Notification, error)
}

// TransferConfirmer settles payouts reported by transfer webhooks.
type TransferConfirmer interface {
	ConfirmTransfer(ctx context.Context, reference string, ok bool, reason string) error
}

// Options configure the payment service.
type Options struct {
	CommitWindow  time.Duration
	WebhookSecret string
	Retry         resilience.RetryConfig
	Now           func() time.Time
}

// Service settles charges, processes webhooks and refunds cancelled orders.
type Service struct {
	orders    storage.OrderStore
	txs       storage.TransactionStore
	banking   storage.BankingStore
	gateway   Gateway
	inventory Inventory
	notifier  Notifier
	transfers TransferConfirmer
	cache     cache.Store
	window    time.Duration
	secret    string
	retry     resilience.RetryConfig
	now       func() time.Time
	log       *logger.Logger
}

// New creates the payment service.
func New(orders storage.OrderStore, txs storage.TransactionStore, banking storage.BankingStore, gateway Gateway, inventory Inventory, notifier Notifier, opts Options, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("payments")
	}
	if opts.CommitWindow <= 0 {
		opts.CommitWindow = 48 * time.Hour
	}
	if opts.Retry.MaxAttempts == 0 {
		opts.Retry = resilience.DefaultRetryConfig()
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Service{
		orders:    orders,
		txs:       txs,
		banking:   banking,
		gateway:   gateway,
		inventory: inventory,
		notifier:  notifier,
		window:    opts.CommitWindow,
		secret:    opts.WebhookSecret,
		retry:     opts.Retry,
		now:       opts.Now,
		log:       log,
	}
}

// WithCache enables webhook de-duplication across instances.
func (s *Service) WithCache(store cache.Store) {
	s.cache = store
}

// WithTransferConfirmer routes transfer webhooks to the payout service.
func (s *Service) WithTransferConfirmer(t TransferConfirmer) {
	s.transfers = t
}

// Verify asks the gateway for the outcome of a charge and applies it. Calling
// it again for a settled reference changes nothing.
func (s *Service) Verify(ctx context.Context, reference string) ([]order.Order, error) {
	reference = strings.TrimSpace(reference)
	if reference == "" {
		return nil, apperrors.Required("reference")
	}
	tx, err := s.txs.GetTransactionByReference(ctx, reference)
	if err != nil {
		return nil, err
	}
	if tx.Kind != payment.KindCharge {
		return nil, apperrors.Validation("reference", "not a charge reference")
	}
	if tx.Status == payment.TxSuccess {
		return s.orders.ListOrdersByReference(ctx, reference)
	}
	if s.gateway == nil {
		return nil, apperrors.Internal("payment gateway not configured", nil)
	}

	start := time.Now()
	v, err := s.gateway.Verify(ctx, reference)
	metrics.RecordGatewayCall("verify", time.Since(start), err)
	if err != nil {
		return nil, apperrors.Upstream("paystack", err)
	}
	if err := s.applyCharge(ctx, tx, v); err != nil {
		return nil, err
	}
	return s.orders.ListOrdersByReference(ctx, reference)
}

func (s *Service) applyCharge(ctx context.Context, tx payment.Transaction, v paystack.Verification) error {
	switch {
	case v.Successful():
		if v.Amount.LessThan(tx.Amount) {
			s.log.WithField("reference", tx.Reference).
				WithField("expected", tx.Amount.StringFixed(2)).
				WithField("received", v.Amount.StringFixed(2)).
				Warn("charge amount below order total")
			return apperrors.Conflict("charged amount does not cover the order total").
				WithDetails("reference", tx.Reference)
		}
		return s.settle(ctx, tx, v)
	case v.Status == "failed" || v.Status == "abandoned" || v.Status == "reversed":
		_, err := s.fail(ctx, tx, v, order.ReasonPaymentFailed)
		return err
	default:
		s.log.WithField("reference", tx.Reference).
			WithField("status", v.Status).
			Debug("charge not settled yet")
		return nil
	}
}

// settle moves every pending order of the charge to paid and starts its
// commit window. Orders already moved by a concurrent caller are skipped.
func (s *Service) settle(ctx context.Context, tx payment.Transaction, v paystack.Verification) error {
	if tx.Status != payment.TxSuccess {
		tx.Status = payment.TxSuccess
		tx.GatewayRef = v.GatewayID
		tx.Message = v.Message
		tx.Attempts++
		if _, err := s.txs.UpdateTransaction(ctx, tx); err != nil {
			return err
		}
	}

	orders, err := s.orders.ListOrdersByReference(ctx, tx.Reference)
	if err != nil {
		return err
	}
	now := s.now()
	paidAt := v.PaidAt
	if paidAt.IsZero() {
		paidAt = now
	}
	deadline := paidAt.Add(s.window)

	var errs []error
	orphaned := 0
	for _, o := range orders {
		if o.Status == order.StatusCancelled && !o.WasPaid() {
			orphaned++
		}
		if o.Status != order.StatusPending {
			continue
		}
		updated, err := s.orders.TransitionOrder(ctx, storage.Transition{
			OrderID: o.ID,
			From:    order.StatusPending,
			To:      order.StatusPaid,
			Actor:   order.ActorGateway,
			Reason:  "payment " + tx.Reference,
			At:      now,
		}, func(o *order.Order) {
			paid, due := paidAt, deadline
			o.PaidAt = &paid
			o.CommitDeadline = &due
		})
		if errors.Is(err, apperrors.ErrConflict) {
			continue
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		metrics.RecordTransition(string(order.StatusPending), string(order.StatusPaid))
		if s.inventory != nil {
			if err := s.inventory.MarkSold(ctx, updated.BookIDs()); err != nil {
				s.log.WithError(err).WithField("order_id", updated.ID).Warn("mark books sold failed")
			}
		}
		s.log.WithField("order_id", updated.ID).
			WithField("reference", tx.Reference).
			WithField("commit_deadline", deadline).
			Info("order paid")
		s.notifyPaid(ctx, updated)
	}
	if orphaned > 0 {
		s.log.WithField("reference", tx.Reference).
			WithField("orders", orphaned).
			Error("charge settled after its orders were cancelled, refund it from the gateway")
	}
	return errors.Join(errs...)
}

// fail cancels the pending orders of a charge that will never settle and
// returns their books to the shelf. It reports how many orders it cancelled.
func (s *Service) fail(ctx context.Context, tx payment.Transaction, v paystack.Verification, reason string) (int, error) {
	if tx.ID != "" && tx.Status != payment.TxFailed {
		tx.Status = payment.TxFailed
		tx.Message = firstNonEmpty(v.Message, reason)
		tx.Attempts++
		if _, err := s.txs.UpdateTransaction(ctx, tx); err != nil {
			return 0, err
		}
	}
	orders, err := s.orders.ListOrdersByReference(ctx, tx.Reference)
	if err != nil {
		return 0, err
	}
	now := s.now()
	cancelledCount := 0
	for _, o := range orders {
		if o.Status != order.StatusPending {
			continue
		}
		cancelled, err := s.orders.TransitionOrder(ctx, storage.Transition{
			OrderID: o.ID,
			From:    order.StatusPending,
			To:      order.StatusCancelled,
			Actor:   order.ActorGateway,
			Reason:  reason,
			At:      now,
		}, func(o *order.Order) {
			o.CancelledAt = &now
			o.CancelReason = reason
		})
		if err != nil {
			continue
		}
		cancelledCount++
		metrics.RecordTransition(string(order.StatusPending), string(order.StatusCancelled))
		if s.inventory != nil {
			if err := s.inventory.Release(ctx, cancelled.BookIDs()); err != nil {
				s.log.WithError(err).WithField("order_id", cancelled.ID).Warn("release books failed")
			}
		}
	}
	s.log.WithField("reference", tx.Reference).
		WithField("status", v.Status).
		WithField("reason", reason).
		WithField("cancelled", cancelledCount).
		Warn("charge failed, pending orders cancelled")
	return cancelledCount, nil
}

// ExpireUnpaid closes charges whose orders are still pending ttl after
// checkout. Each stale reference is verified with the gateway once more: a
// paid charge settles, anything else is cancelled with payment_timeout and
// its books return to the catalogue. It reports how many orders it cancelled.
func (s *Service) ExpireUnpaid(ctx context.Context, now time.Time, ttl time.Duration) (int, error) {
	if ttl <= 0 {
		return 0, nil
	}
	pending, err := s.orders.ListOrdersByStatus(ctx, order.StatusPending)
	if err != nil {
		return 0, err
	}
	cutoff := now.Add(-ttl)
	seen := make(map[string]bool)
	expired := 0
	for _, o := range pending {
		ref := o.PaymentReference
		if ref == "" || seen[ref] || !o.CreatedAt.Before(cutoff) {
			continue
		}
		seen[ref] = true
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}
		n, err := s.expireCharge(ctx, ref)
		if err != nil {
			s.log.WithError(err).WithField("reference", ref).Warn("expire unpaid charge failed")
			continue
		}
		expired += n
	}
	return expired, nil
}

func (s *Service) expireCharge(ctx context.Context, reference string) (int, error) {
	tx, err := s.txs.GetTransactionByReference(ctx, reference)
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		// Checkout died before the ledger row was written.
		tx = payment.Transaction{Reference: reference, Kind: payment.KindCharge}
	case err != nil:
		return 0, err
	}

	v := paystack.Verification{Reference: reference, Status: "timeout"}
	if s.gateway != nil && tx.ID != "" && tx.Status == payment.TxPending {
		start := time.Now()
		got, err := s.gateway.Verify(ctx, reference)
		metrics.RecordGatewayCall("verify", time.Since(start), err)
		if err != nil {
			return 0, apperrors.Upstream("paystack", err)
		}
		if got.Successful() {
			return 0, s.applyCharge(ctx, tx, got)
		}
		v = got
	}
	if tx.Status == payment.TxSuccess {
		return 0, s.settle(ctx, tx, paystack.Verification{Reference: reference, GatewayID: tx.GatewayRef})
	}
	return s.fail(ctx, tx, v, order.ReasonPaymentTimeout)
}

func (s *Service) notifyPaid(ctx context.Context, o order.Order) {
	if s.notifier == nil {
		return
	}
	seller := notifications.Request{
		UserID:   o.SellerID,
		Type:     notification.TypeNewSale,
		Title:    "You have a new sale",
		Message:  fmt.Sprintf("%d book(s) were bought from you for R%s. Commit to the sale before the window closes.", len(o.Items), o.Subtotal.StringFixed(2)),
		OrderID:  o.ID,
		Window:   s.window,
		Deadline: o.CommitDeadline,
	}
	if s.banking != nil {
		if details, err := s.banking.GetBankingDetails(ctx, o.SellerID); err == nil {
			seller.Email = details.Email
		}
	}
	buyer := notifications.Request{
		UserID:  o.BuyerID,
		Type:    notification.TypeOrderPaid,
		Title:   "Payment received",
		Message: fmt.Sprintf("We received R%s. The seller has %s to confirm your order.", o.Total.StringFixed(2), humanWindow(s.window)),
		OrderID: o.ID,
		Email:   o.BuyerEmail,
	}
	for _, req := range []notifications.Request{seller, buyer} {
		if _, err := s.notifier.Notify(ctx, req); err != nil {
			s.log.WithError(err).WithField("order_id", o.ID).Warn("payment notification failed")
		}
	}
}

func humanWindow(d time.Duration) string {
	return fmt.Sprintf("%.0f hours", d.Hours())
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// HandleWebhook authenticates and applies a gateway webhook. Replays of an
// event already handled are accepted without effect.
func (s *Service) HandleWebhook(ctx context.Context, body []byte, signature string) error {
	if !paystack.VerifySignature(s.secret, body, signature) {
		metrics.RecordWebhook("rejected")
		return apperrors.Unauthorized("invalid webhook signature")
	}
	evt, err := paystack.ParseWebhook(body)
	if err != nil {
		metrics.RecordWebhook("malformed")
		return apperrors.Validation("body", err.Error())
	}

	var unlock cache.Unlock
	if s.cache != nil && evt.Reference != "" {
		release, ok, lockErr := s.cache.TryLock(ctx, "webhook:"+evt.Type+":"+evt.Reference, webhookDedupeTTL)
		switch {
		case lockErr != nil:
			s.log.WithError(lockErr).Warn("webhook de-duplication unavailable")
		case !ok:
			metrics.RecordWebhook("duplicate")
			return nil
		default:
			unlock = release
		}
	}

	if err := s.dispatch(ctx, evt); err != nil {
		metrics.RecordWebhook("failed")
		// Free the key so the gateway's retry is processed.
		if unlock != nil {
			if unlockErr := unlock(ctx); unlockErr != nil {
				s.log.WithError(unlockErr).Warn("release webhook key failed")
			}
		}
		return err
	}
	metrics.RecordWebhook("processed")
	return nil
}

func (s *Service) dispatch(ctx context.Context, evt paystack.WebhookEvent) error {
	entry := s.log.WithField("event", evt.Type).WithField("reference", evt.Reference)
	switch evt.Type {
	case paystack.EventChargeSuccess:
		tx, err := s.txs.GetTransactionByReference(ctx, evt.Reference)
		if errors.Is(err, apperrors.ErrNotFound) {
			entry.Warn("charge webhook for unknown reference")
			return nil
		}
		if err != nil {
			return err
		}
		if tx.Status == payment.TxSuccess {
			return nil
		}
		return s.applyCharge(ctx, tx, evt.Verification)
	case paystack.EventTransferSuccess, paystack.EventTransferFailed, paystack.EventTransferReverse:
		if s.transfers == nil {
			entry.Warn("transfer webhook without payout service")
			return nil
		}
		ok := evt.Type == paystack.EventTransferSuccess
		return s.transfers.ConfirmTransfer(ctx, evt.Reference, ok, evt.Reason)
	case paystack.EventRefundProcessed:
		entry.Info("gateway reports refund processed")
		return nil
	default:
		entry.Debug("ignoring webhook event")
		return nil
	}
}

// RefundReference is the ledger reference of an order's refund.
func RefundReference(orderID string) string {
	return "refund-" + orderID
}

// Refund returns the money of a cancelled order to the buyer and moves the
// order to refunded. The gateway call is retried with exponential backoff.
// A successful refund is never issued twice.
func (s *Service) Refund(ctx context.Context, orderID, reason string) (order.Order, error) {
	o, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return order.Order{}, err
	}
	if o.Status == order.StatusRefunded {
		return o, nil
	}
	if o.Status != order.StatusCancelled {
		return order.Order{}, apperrors.InvalidTransition(string(o.Status), string(order.StatusRefunded))
	}
	if !o.WasPaid() {
		return o, nil
	}

	tx, err := s.refundTransaction(ctx, o)
	if err != nil {
		return order.Order{}, err
	}
	if tx.Status != payment.TxSuccess {
		if tx, err = s.issueRefund(ctx, o, tx, reason); err != nil {
			return order.Order{}, err
		}
	}
	return s.markRefunded(ctx, o, tx)
}

func (s *Service) refundTransaction(ctx context.Context, o order.Order) (payment.Transaction, error) {
	ref := RefundReference(o.ID)
	tx, err := s.txs.CreateTransaction(ctx, payment.Transaction{
		OrderID:   o.ID,
		Reference: ref,
		Kind:      payment.KindRefund,
		Amount:    o.Total,
		Status:    payment.TxPending,
	})
	if err == nil {
		return tx, nil
	}
	if !errors.Is(err, apperrors.ErrConflict) {
		return payment.Transaction{}, err
	}
	existing, err := s.txs.GetTransactionByReference(ctx, ref)
	if err != nil {
		return payment.Transaction{}, err
	}
	if existing.Status == payment.TxPending && s.now().Sub(existing.UpdatedAt) < refundLease {
		return payment.Transaction{}, apperrors.Conflict("refund already in progress").WithDetails("order_id", o.ID)
	}
	return existing, nil
}

func (s *Service) issueRefund(ctx context.Context, o order.Order, tx payment.Transaction, reason string) (payment.Transaction, error) {
	if s.gateway == nil {
		return tx, apperrors.Internal("payment gateway not configured", nil)
	}
	// Claim the lease before calling out. The claim only lands on the row
	// this caller read, so a second worker cannot refund the same order.
	seenStatus, seenAt := tx.Status, tx.UpdatedAt
	tx.Status = payment.TxPending
	tx, err := s.txs.UpdateTransactionIf(ctx, tx, seenStatus, seenAt)
	if errors.Is(err, apperrors.ErrConflict) {
		return tx, apperrors.Conflict("refund already in progress").WithDetails("order_id", o.ID)
	}
	if err != nil {
		return tx, err
	}

	var refund paystack.Refund
	attempts, callErr := resilience.Do(ctx, s.retry, func(ctx context.Context) error {
		start := time.Now()
		r, err := s.gateway.Refund(ctx, o.PaymentReference, o.Total, reason)
		metrics.RecordGatewayCall("refund", time.Since(start), err)
		if err != nil {
			var gwErr *paystack.Error
			if errors.As(err, &gwErr) && !gwErr.Temporary() {
				return resilience.Permanent(err)
			}
			return err
		}
		refund = r
		return nil
	}, func(attempt int, err error) {
		s.log.WithError(err).
			WithField("order_id", o.ID).
			WithField("attempt", attempt).
			Warn("refund attempt failed, retrying")
	})

	tx.Attempts += attempts
	if callErr != nil {
		tx.Status = payment.TxFailed
		tx.Message = callErr.Error()
		if _, err := s.txs.UpdateTransaction(ctx, tx); err != nil {
			s.log.WithError(err).WithField("order_id", o.ID).Warn("record failed refund")
		}
		s.log.WithError(callErr).
			WithField("order_id", o.ID).
			WithField("attempts", tx.Attempts).
			Error("refund failed")
		return tx, apperrors.Upstream("paystack", callErr)
	}

	tx.Status = payment.TxSuccess
	tx.GatewayRef = refund.ID
	tx.Message = refund.Status
	return s.txs.UpdateTransaction(ctx, tx)
}

func (s *Service) markRefunded(ctx context.Context, o order.Order, tx payment.Transaction) (order.Order, error) {
	now := s.now()
	refunded, err := s.orders.TransitionOrder(ctx, storage.Transition{
		OrderID: o.ID,
		From:    order.StatusCancelled,
		To:      order.StatusRefunded,
		Actor:   order.ActorSystem,
		Reason:  tx.Reference,
		At:      now,
	}, func(o *order.Order) {
		o.RefundedAt = &now
	})
	if errors.Is(err, apperrors.ErrConflict) {
		return s.orders.GetOrder(ctx, o.ID)
	}
	if err != nil {
		return order.Order{}, err
	}
	metrics.RecordTransition(string(order.StatusCancelled), string(order.StatusRefunded))
	s.log.WithField("order_id", o.ID).
		WithField("amount", tx.Amount.StringFixed(2)).
		Info("order refunded")

	if s.notifier != nil {
		if _, err := s.notifier.Notify(ctx, notifications.Request{
			UserID:  refunded.BuyerID,
			Type:    notification.TypeRefund,
			Title:   "Refund issued",
			Message: fmt.Sprintf("R%s has been refunded for order %s.", tx.Amount.StringFixed(2), refunded.ID),
			OrderID: refunded.ID,
			Email:   refunded.BuyerEmail,
		}); err != nil {
			s.log.WithError(err).WithField("order_id", o.ID).Warn("refund notification failed")
		}
	}
	return refunded, nil
}

// RetryRefunds refunds cancelled orders whose money was taken but not yet
// returned. It returns how many orders were refunded.
func (s *Service) RetryRefunds(ctx context.Context) (int, error) {
	cancelled, err := s.orders.ListOrdersByStatus(ctx, order.StatusCancelled)
	if err != nil {
		return 0, err
	}
	refunded := 0
	for _, o := range cancelled {
		if !o.WasPaid() {
			continue
		}
		if ctx.Err() != nil {
			return refunded, ctx.Err()
		}
		if _, err := s.Refund(ctx, o.ID, o.CancelReason); err != nil {
			s.log.WithError(err).WithField("order_id", o.ID).Warn("refund retry failed")
			continue
		}
		refunded++
	}
	return refunded, nil
}
