package payouts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/textbook_market/internal/app/domain/notification"
	"github.com/R3E-Network/textbook_market/internal/app/domain/order"
	"github.com/R3E-Network/textbook_market/internal/app/domain/payment"
	"github.com/R3E-Network/textbook_market/internal/app/metrics"
	"github.com/R3E-Network/textbook_market/internal/app/services/notifications"
	"github.com/R3E-Network/textbook_market/internal/app/storage"
	apperrors "github.com/R3E-Network/textbook_market/internal/errors"
	"github.com/R3E-Network/textbook_market/internal/integrations/paystack"
	"github.com/R3E-Network/textbook_market/pkg/logger"
)

// Gateway moves money to sellers.
type Gateway interface {
	Transfer(ctx context.Context, req paystack.TransferRequest) (paystack.Transfer, error)
}

// Notifier raises seller notifications.
type Notifier interface {
	Notify(ctx context.Context, req notifications.Request) (notification.Notification, error)
}

// Share is the split of an order's money.
type Share struct {
	Gross        decimal.Decimal
	PlatformFee  decimal.Decimal
	SellerAmount decimal.Decimal
}

// Split divides an order total. The delivery fee goes to the courier and is
// excluded; the seller receives the rest less commission, rounded to cents.
func Split(total, delivery, commission decimal.Decimal) Share {
	gross := total.Sub(delivery)
	if gross.IsNegative() {
		gross = decimal.Zero
	}
	seller := gross.Mul(decimal.NewFromInt(1).Sub(commission)).Round(2)
	return Share{
		Gross:        gross,
		PlatformFee:  gross.Sub(seller),
		SellerAmount: seller,
	}
}

// Service creates and settles seller payouts.
type Service struct {
	payouts     storage.PayoutStore
	banking     storage.BankingStore
	gateway     Gateway
	notifier    Notifier
	commission  decimal.Decimal
	maxAttempts int
	log         *logger.Logger
}

// New creates the payout service. notifier may be nil.
func New(payouts storage.PayoutStore, banking storage.BankingStore, gateway Gateway, notifier Notifier, commission decimal.Decimal, maxAttempts int, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("payouts")
	}
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Service{
		payouts:     payouts,
		banking:     banking,
		gateway:     gateway,
		notifier:    notifier,
		commission:  commission,
		maxAttempts: maxAttempts,
		log:         log,
	}
}

// Trigger creates the payout for a completed order and attempts the
// transfer. An order has at most one payout; repeated calls return the
// existing record without transferring again.
func (s *Service) Trigger(ctx context.Context, o order.Order) (payment.Payout, error) {
	if o.Status != order.StatusCompleted {
		return payment.Payout{}, apperrors.InvalidTransition(string(o.Status), "payout")
	}
	share := Split(o.Total, o.DeliveryFee, s.commission)
	p, err := s.payouts.CreatePayout(ctx, payment.Payout{
		OrderID:      o.ID,
		SellerID:     o.SellerID,
		Gross:        share.Gross,
		PlatformFee:  share.PlatformFee,
		SellerAmount: share.SellerAmount,
		Status:       payment.PayoutPending,
	})
	if errors.Is(err, apperrors.ErrConflict) {
		existing, getErr := s.payouts.GetPayoutByOrder(ctx, o.ID)
		if getErr != nil {
			return payment.Payout{}, getErr
		}
		s.log.WithField("order_id", o.ID).Debug("payout already exists")
		return existing, nil
	}
	if err != nil {
		return payment.Payout{}, err
	}
	s.log.WithField("order_id", o.ID).
		WithField("payout_id", p.ID).
		WithField("amount", p.SellerAmount.StringFixed(2)).
		Info("payout created")
	return s.attempt(ctx, p)
}

func (s *Service) attempt(ctx context.Context, p payment.Payout) (payment.Payout, error) {
	if p.SellerAmount.IsZero() {
		p.Status = payment.PayoutPaid
		return s.payouts.UpdatePayout(ctx, p)
	}
	details, err := s.banking.GetBankingDetails(ctx, p.SellerID)
	if err != nil || details.RecipientCode == "" {
		p.Status = payment.PayoutFailed
		p.LastError = "seller has no transfer recipient"
		s.log.WithField("payout_id", p.ID).Warn("payout waiting for banking details")
		return s.payouts.UpdatePayout(ctx, p)
	}
	if s.gateway == nil {
		p.Status = payment.PayoutFailed
		p.LastError = "payment gateway not configured"
		return s.payouts.UpdatePayout(ctx, p)
	}

	p.Attempts++
	p.Status = payment.PayoutProcessing
	start := time.Now()
	transfer, err := s.gateway.Transfer(ctx, paystack.TransferRequest{
		Amount:    p.SellerAmount,
		Recipient: details.RecipientCode,
		Reference: p.ID,
		Reason:    fmt.Sprintf("Textbook sale payout for order %s", p.OrderID),
	})
	metrics.RecordGatewayCall("transfer", time.Since(start), err)
	if err != nil {
		p.Status = payment.PayoutFailed
		p.LastError = err.Error()
		s.log.WithError(err).
			WithField("payout_id", p.ID).
			WithField("attempts", p.Attempts).
			Warn("payout transfer failed")
		return s.payouts.UpdatePayout(ctx, p)
	}
	p.TransferRef = transfer.Code
	p.LastError = ""
	if transfer.Status == "success" {
		p.Status = payment.PayoutPaid
	}
	updated, err := s.payouts.UpdatePayout(ctx, p)
	if err != nil {
		return payment.Payout{}, err
	}
	if updated.Status == payment.PayoutPaid {
		s.notifyPaid(ctx, updated)
	}
	return updated, nil
}

// ConfirmTransfer applies the gateway's final word on a transfer. The
// reference is the payout ID. Unknown or already settled references are
// ignored so webhook replays are harmless.
func (s *Service) ConfirmTransfer(ctx context.Context, reference string, ok bool, reason string) error {
	open, err := s.payouts.ListPayoutsByStatus(ctx, payment.PayoutPending, payment.PayoutProcessing, payment.PayoutFailed)
	if err != nil {
		return err
	}
	for _, p := range open {
		if p.ID != reference {
			continue
		}
		if ok {
			p.Status = payment.PayoutPaid
			p.LastError = ""
		} else {
			p.Status = payment.PayoutFailed
			p.LastError = reason
		}
		updated, err := s.payouts.UpdatePayout(ctx, p)
		if err != nil {
			return err
		}
		if ok {
			s.notifyPaid(ctx, updated)
		}
		return nil
	}
	s.log.WithField("reference", reference).Debug("transfer confirmation for unknown or settled payout")
	return nil
}

// RetryFailed re-attempts failed and stalled payouts that still have
// attempts left. It returns how many transfers succeeded.
func (s *Service) RetryFailed(ctx context.Context) (int, error) {
	candidates, err := s.payouts.ListPayoutsByStatus(ctx, payment.PayoutFailed, payment.PayoutPending)
	if err != nil {
		return 0, err
	}
	paid := 0
	for _, p := range candidates {
		if ctx.Err() != nil {
			return paid, ctx.Err()
		}
		if p.Attempts >= s.maxAttempts {
			continue
		}
		updated, err := s.attempt(ctx, p)
		if err != nil {
			s.log.WithError(err).WithField("payout_id", p.ID).Warn("payout retry failed")
			continue
		}
		if updated.Status == payment.PayoutPaid || updated.Status == payment.PayoutProcessing {
			paid++
		}
	}
	return paid, nil
}

// Get returns the payout of an order.
func (s *Service) Get(ctx context.Context, orderID string) (payment.Payout, error) {
	return s.payouts.GetPayoutByOrder(ctx, orderID)
}

func (s *Service) notifyPaid(ctx context.Context, p payment.Payout) {
	if s.notifier == nil {
		return
	}
	req := notifications.Request{
		UserID:  p.SellerID,
		Type:    notification.TypePayout,
		Title:   "Payout sent",
		Message: fmt.Sprintf("R%s for order %s is on its way to your bank account.", p.SellerAmount.StringFixed(2), p.OrderID),
		OrderID: p.OrderID,
	}
	if details, err := s.banking.GetBankingDetails(ctx, p.SellerID); err == nil {
		req.Email = details.Email
	}
	if _, err := s.notifier.Notify(ctx, req); err != nil {
		s.log.WithError(err).WithField("payout_id", p.ID).Warn("payout notification failed")
	}
}
