package payments

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/textbook_market/internal/app/domain/book"
	"github.com/R3E-Network/textbook_market/internal/app/domain/notification"
	"github.com/R3E-Network/textbook_market/internal/app/domain/order"
	"github.com/R3E-Network/textbook_market/internal/app/domain/payment"
	"github.com/R3E-Network/textbook_market/internal/app/services/books"
	"github.com/R3E-Network/textbook_market/internal/app/services/notifications"
	"github.com/R3E-Network/textbook_market/internal/app/storage"
	"github.com/R3E-Network/textbook_market/internal/app/storage/memory"
	"github.com/R3E-Network/textbook_market/internal/cache"
	apperrors "github.com/R3E-Network/textbook_market/internal/errors"
	"github.com/R3E-Network/textbook_market/internal/integrations/paystack"
	"github.com/R3E-Network/textbook_market/internal/resilience"
	"github.com/R3E-Network/textbook_market/pkg/logger"
)

const secret = "sk_test_secret"

var paidAt = time.Date(2026, 5, 4, 9, 30, 0, 0, time.UTC)

type fakeGateway struct {
	mu           sync.Mutex
	verification paystack.Verification
	verifyCalls  int
	refundErrs   []error
	refundCalls  int
}

func (f *fakeGateway) Verify(_ context.Context, reference string) (paystack.Verification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.verifyCalls++
	v := f.verification
	v.Reference = reference
	return v, nil
}

func (f *fakeGateway) Refund(_ context.Context, _ string, amount decimal.Decimal, _ string) (paystack.Refund, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refundCalls++
	if len(f.refundErrs) > 0 {
		err := f.refundErrs[0]
		f.refundErrs = f.refundErrs[1:]
		if err != nil {
			return paystack.Refund{}, err
		}
	}
	return paystack.Refund{ID: fmt.Sprintf("rf_%d", f.refundCalls), Status: "pending", Amount: amount}, nil
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notifications.Request
}

func (f *fakeNotifier) Notify(_ context.Context, req notifications.Request) (notification.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, req)
	return notification.Notification{UserID: req.UserID, Type: req.Type}, nil
}

type fakeTransfers struct {
	refs []string
	ok   []bool
}

func (f *fakeTransfers) ConfirmTransfer(_ context.Context, ref string, ok bool, _ string) error {
	f.refs = append(f.refs, ref)
	f.ok = append(f.ok, ok)
	return nil
}

type fixture struct {
	store    *memory.Store
	gateway  *fakeGateway
	notifier *fakeNotifier
	svc      *Service
	order    order.Order
	book     book.Book
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	gw := &fakeGateway{verification: paystack.Verification{
		Status: "success", Amount: decimal.RequireFromString("449.00"), PaidAt: paidAt, GatewayID: "4099",
	}}
	notifier := &fakeNotifier{}

	b, err := store.CreateBook(ctx, book.Book{SellerID: "seller-1", Title: "Calculus", Price: decimal.RequireFromString("350.00"), Status: book.StatusReserved})
	require.NoError(t, err)
	o, err := store.CreateOrder(ctx, order.Order{
		BuyerID:          "buyer-1",
		SellerID:         "seller-1",
		BuyerEmail:       "buyer@example.com",
		Items:            []order.Item{{BookID: b.ID, Title: b.Title, Price: b.Price}},
		Subtotal:         decimal.RequireFromString("350.00"),
		DeliveryFee:      decimal.RequireFromString("99.00"),
		Total:            decimal.RequireFromString("449.00"),
		Status:           order.StatusPending,
		PaymentReference: "ref-1",
	})
	require.NoError(t, err)
	_, err = store.CreateTransaction(ctx, payment.Transaction{
		Reference: "ref-1", Kind: payment.KindCharge, Amount: o.Total, Status: payment.TxPending,
	})
	require.NoError(t, err)

	retry := resilience.DefaultRetryConfig()
	retry.InitialBackoff = time.Millisecond
	retry.MaxBackoff = 5 * time.Millisecond

	svc := New(store, store, store, gw, books.New(store, logger.NewDiscard()), notifier, Options{
		CommitWindow:  48 * time.Hour,
		WebhookSecret: secret,
		Retry:         retry,
		Now:           func() time.Time { return paidAt.Add(time.Minute) },
	}, logger.NewDiscard())

	return &fixture{store: store, gateway: gw, notifier: notifier, svc: svc, order: o, book: b}
}

func (f *fixture) cancelPaid(t *testing.T) {
	t.Helper()
	_, err := f.svc.Verify(context.Background(), "ref-1")
	require.NoError(t, err)
	now := paidAt.Add(49 * time.Hour)
	_, err = f.store.TransitionOrder(context.Background(), storage.Transition{
		OrderID: f.order.ID, From: order.StatusPaid, To: order.StatusCancelled, Actor: order.ActorSweeper, At: now,
	}, func(o *order.Order) { o.CancelledAt = &now })
	require.NoError(t, err)
}

func TestVerifyMarksOrdersPaid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	orders, err := f.svc.Verify(ctx, "ref-1")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	paid := orders[0]
	assert.Equal(t, order.StatusPaid, paid.Status)
	require.NotNil(t, paid.CommitDeadline)
	assert.True(t, paid.CommitDeadline.Equal(paidAt.Add(48*time.Hour)))

	b, err := f.store.GetBook(ctx, f.book.ID)
	require.NoError(t, err)
	assert.Equal(t, book.StatusSold, b.Status)

	require.Len(t, f.notifier.sent, 2)
	assert.Equal(t, notification.TypeNewSale, f.notifier.sent[0].Type)
	assert.Equal(t, "buyer@example.com", f.notifier.sent[1].Email)

	// Replays do not call the gateway or notify again.
	_, err = f.svc.Verify(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, 1, f.gateway.verifyCalls)
	assert.Len(t, f.notifier.sent, 2)

	events, err := f.store.ListOrderEvents(ctx, f.order.ID)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestVerifyRejectsShortPayment(t *testing.T) {
	f := newFixture(t)
	f.gateway.verification.Amount = decimal.RequireFromString("100.00")

	_, err := f.svc.Verify(context.Background(), "ref-1")
	require.ErrorIs(t, err, apperrors.ErrConflict)
	o, _ := f.store.GetOrder(context.Background(), f.order.ID)
	assert.Equal(t, order.StatusPending, o.Status)
}

func TestVerifyFailedChargeReleasesBooks(t *testing.T) {
	f := newFixture(t)
	f.gateway.verification.Status = "abandoned"

	_, err := f.svc.Verify(context.Background(), "ref-1")
	require.NoError(t, err)
	o, _ := f.store.GetOrder(context.Background(), f.order.ID)
	assert.Equal(t, order.StatusCancelled, o.Status)
	b, _ := f.store.GetBook(context.Background(), f.book.ID)
	assert.Equal(t, book.StatusAvailable, b.Status)
}

func chargeWebhook() []byte {
	return []byte(`{"event":"charge.success","data":{"reference":"ref-1","status":"success","amount":44900,"id":4099,"paid_at":"2026-05-04T09:30:00Z"}}`)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	f := newFixture(t)
	err := f.svc.HandleWebhook(context.Background(), chargeWebhook(), "deadbeef")
	require.ErrorIs(t, err, apperrors.ErrUnauthorized)
	assert.Equal(t, http.StatusUnauthorized, apperrors.HTTPStatus(err))
}

func TestWebhookChargeIsIdempotent(t *testing.T) {
	f := newFixture(t)
	f.svc.WithCache(cache.NewMemory())
	ctx := context.Background()
	body := chargeWebhook()
	sig := paystack.Sign(secret, body)

	for i := 0; i < 3; i++ {
		require.NoError(t, f.svc.HandleWebhook(ctx, body, sig))
	}
	o, err := f.store.GetOrder(ctx, f.order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPaid, o.Status)
	assert.Len(t, f.notifier.sent, 2)
	assert.Zero(t, f.gateway.verifyCalls)
}

func TestWebhookRoutesTransfers(t *testing.T) {
	f := newFixture(t)
	transfers := &fakeTransfers{}
	f.svc.WithTransferConfirmer(transfers)
	body := []byte(`{"event":"transfer.failed","data":{"reference":"payout-7","reason":"account closed"}}`)

	require.NoError(t, f.svc.HandleWebhook(context.Background(), body, paystack.Sign(secret, body)))
	require.Equal(t, []string{"payout-7"}, transfers.refs)
	assert.False(t, transfers.ok[0])
}

func TestRefundRetriesThenSucceedsOnce(t *testing.T) {
	f := newFixture(t)
	f.cancelPaid(t)
	ctx := context.Background()
	unavailable := &paystack.Error{StatusCode: http.StatusServiceUnavailable, Message: "try later"}
	f.gateway.refundErrs = []error{unavailable, unavailable}

	refunded, err := f.svc.Refund(ctx, f.order.ID, order.ReasonCommitExpired)
	require.NoError(t, err)
	assert.Equal(t, order.StatusRefunded, refunded.Status)
	assert.Equal(t, 3, f.gateway.refundCalls)

	tx, err := f.store.GetTransactionByReference(ctx, RefundReference(f.order.ID))
	require.NoError(t, err)
	assert.Equal(t, payment.TxSuccess, tx.Status)
	assert.Equal(t, 3, tx.Attempts)

	_, err = f.svc.Refund(ctx, f.order.ID, order.ReasonCommitExpired)
	require.NoError(t, err)
	assert.Equal(t, 3, f.gateway.refundCalls)
}

func TestRefundPermanentFailureThenRetry(t *testing.T) {
	f := newFixture(t)
	f.cancelPaid(t)
	ctx := context.Background()
	f.gateway.refundErrs = []error{&paystack.Error{StatusCode: http.StatusBadRequest, Message: "refund not allowed"}}

	_, err := f.svc.Refund(ctx, f.order.ID, "seller_declined")
	require.ErrorIs(t, err, apperrors.ErrUpstream)
	assert.Equal(t, 1, f.gateway.refundCalls)
	o, _ := f.store.GetOrder(ctx, f.order.ID)
	assert.Equal(t, order.StatusCancelled, o.Status)

	count, err := f.svc.RetryRefunds(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	o, _ = f.store.GetOrder(ctx, f.order.ID)
	assert.Equal(t, order.StatusRefunded, o.Status)
}

func TestRefundRequiresCancelledOrder(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Refund(context.Background(), f.order.ID, "")
	require.ErrorIs(t, err, apperrors.ErrInvalidTransition)
}

func TestExpireUnpaidCancelsUnsettledCharge(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gateway.verification = paystack.Verification{Status: "ongoing"}

	cancelled, err := f.svc.ExpireUnpaid(ctx, time.Now().Add(2*time.Hour), time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, cancelled)
	assert.Equal(t, 1, f.gateway.verifyCalls)

	o, err := f.store.GetOrder(ctx, f.order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCancelled, o.Status)
	assert.Equal(t, order.ReasonPaymentTimeout, o.CancelReason)
	b, err := f.store.GetBook(ctx, f.book.ID)
	require.NoError(t, err)
	assert.Equal(t, book.StatusAvailable, b.Status)
	tx, err := f.store.GetTransactionByReference(ctx, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, payment.TxFailed, tx.Status)

	events, err := f.store.ListOrderEvents(ctx, f.order.ID)
	require.NoError(t, err)
	require.NotEmpty(t, events)
	last := events[len(events)-1]
	assert.Equal(t, order.ActorGateway, last.Actor)
	assert.Equal(t, order.ReasonPaymentTimeout, last.Reason)

	again, err := f.svc.ExpireUnpaid(ctx, time.Now().Add(2*time.Hour), time.Hour)
	require.NoError(t, err)
	assert.Zero(t, again)
}

func TestExpireUnpaidSettlesLatePayment(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cancelled, err := f.svc.ExpireUnpaid(ctx, time.Now().Add(2*time.Hour), time.Hour)
	require.NoError(t, err)
	assert.Zero(t, cancelled)

	o, err := f.store.GetOrder(ctx, f.order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPaid, o.Status)
	b, err := f.store.GetBook(ctx, f.book.ID)
	require.NoError(t, err)
	assert.Equal(t, book.StatusSold, b.Status)
}

func TestExpireUnpaidKeepsFreshCheckouts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gateway.verification = paystack.Verification{Status: "abandoned"}

	cancelled, err := f.svc.ExpireUnpaid(ctx, time.Now(), time.Hour)
	require.NoError(t, err)
	assert.Zero(t, cancelled)
	assert.Zero(t, f.gateway.verifyCalls)

	o, err := f.store.GetOrder(ctx, f.order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusPending, o.Status)
}

func TestRefundClaimFromStaleSnapshotDoesNotCallGateway(t *testing.T) {
	f := newFixture(t)
	f.cancelPaid(t)
	ctx := context.Background()
	f.gateway.refundErrs = []error{&paystack.Error{StatusCode: http.StatusBadRequest, Message: "refund not allowed"}}

	_, err := f.svc.Refund(ctx, f.order.ID, "seller_declined")
	require.ErrorIs(t, err, apperrors.ErrUpstream)
	stale, err := f.store.GetTransactionByReference(ctx, RefundReference(f.order.ID))
	require.NoError(t, err)
	require.Equal(t, payment.TxFailed, stale.Status)

	count, err := f.svc.RetryRefunds(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, count)
	require.Equal(t, 2, f.gateway.refundCalls)

	o, err := f.store.GetOrder(ctx, f.order.ID)
	require.NoError(t, err)
	_, err = f.svc.issueRefund(ctx, o, stale, "seller_declined")
	require.ErrorIs(t, err, apperrors.ErrConflict)
	assert.Equal(t, 2, f.gateway.refundCalls)
}
