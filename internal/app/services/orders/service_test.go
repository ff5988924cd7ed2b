package orders

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/textbook_market/internal/app/domain/book"
	courierDomain "github.com/R3E-Network/textbook_market/internal/app/domain/courier"
	"github.com/R3E-Network/textbook_market/internal/app/domain/notification"
	"github.com/R3E-Network/textbook_market/internal/app/domain/order"
	"github.com/R3E-Network/textbook_market/internal/app/domain/payment"
	"github.com/R3E-Network/textbook_market/internal/app/services/books"
	"github.com/R3E-Network/textbook_market/internal/app/services/notifications"
	"github.com/R3E-Network/textbook_market/internal/app/services/payments"
	"github.com/R3E-Network/textbook_market/internal/app/storage"
	"github.com/R3E-Network/textbook_market/internal/app/storage/memory"
	"github.com/R3E-Network/textbook_market/internal/cache"
	apperrors "github.com/R3E-Network/textbook_market/internal/errors"
	"github.com/R3E-Network/textbook_market/pkg/logger"
)

var epoch = time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
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

func (f *fakeNotifier) count(t notification.Type) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, req := range f.sent {
		if req.Type == t {
			n++
		}
	}
	return n
}

// storeRefunder refunds by moving the order straight to refunded.
type storeRefunder struct {
	store *memory.Store
	mu    sync.Mutex
	calls map[string]int
	fail  bool
}

func (r *storeRefunder) Refund(ctx context.Context, orderID, reason string) (order.Order, error) {
	r.mu.Lock()
	if r.calls == nil {
		r.calls = make(map[string]int)
	}
	r.calls[orderID]++
	fail := r.fail
	r.mu.Unlock()
	if fail {
		return order.Order{}, errors.New("gateway down")
	}
	return r.store.TransitionOrder(ctx, storage.Transition{
		OrderID: orderID, From: order.StatusCancelled, To: order.StatusRefunded, Actor: order.ActorSystem, Reason: reason,
	}, nil)
}

func (r *storeRefunder) RetryRefunds(ctx context.Context) (int, error) {
	cancelled, err := r.store.ListOrdersByStatus(ctx, order.StatusCancelled)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, o := range cancelled {
		if o.WasPaid() {
			if _, err := r.Refund(ctx, o.ID, o.CancelReason); err == nil {
				n++
			}
		}
	}
	return n, nil
}

type fakePayouts struct {
	mu       sync.Mutex
	triggers map[string]int
}

func (f *fakePayouts) Trigger(_ context.Context, o order.Order) (payment.Payout, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.triggers == nil {
		f.triggers = make(map[string]int)
	}
	f.triggers[o.ID]++
	return payment.Payout{OrderID: o.ID, Status: payment.PayoutPaid}, nil
}

func (f *fakePayouts) RetryFailed(context.Context) (int, error) { return 0, nil }

type fakeBooker struct {
	bookings []courierDomain.Booking
	err      error
}

func (f *fakeBooker) HasCarrier(provider string) bool { return provider == "fastway" }

func (f *fakeBooker) Book(_ context.Context, _ string, b courierDomain.Booking) (courierDomain.Shipment, error) {
	if f.err != nil {
		return courierDomain.Shipment{}, f.err
	}
	f.bookings = append(f.bookings, b)
	return courierDomain.Shipment{Provider: "fastway", TrackingNumber: "FW" + b.Reference[:4]}, nil
}

type fixture struct {
	store    *memory.Store
	clock    *clock
	notifier *fakeNotifier
	refunder *storeRefunder
	payouts  *fakePayouts
	booker   *fakeBooker
	svc      *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := memory.New()
	clk := &clock{now: epoch}
	f := &fixture{
		store:    store,
		clock:    clk,
		notifier: &fakeNotifier{},
		refunder: &storeRefunder{store: store},
		payouts:  &fakePayouts{},
		booker:   &fakeBooker{},
	}
	f.svc = New(store, Deps{
		Banking:   store,
		Inventory: books.New(store, logger.NewDiscard()),
		Booker:    f.booker,
		Refunder:  f.refunder,
		Payouts:   f.payouts,
		Notifier:  f.notifier,
	}, Options{CommitWindow: 48 * time.Hour, ReminderBefore: 12 * time.Hour, Now: clk.Now}, logger.NewDiscard())
	return f
}

// paidOrder seeds a sold book and a paid order whose window opened at paidAt.
func (f *fixture) paidOrder(t *testing.T, paidAt time.Time) order.Order {
	t.Helper()
	ctx := context.Background()
	b, err := f.store.CreateBook(ctx, book.Book{SellerID: "seller-1", Title: "Linear Algebra", Price: decimal.RequireFromString("280.00"), Status: book.StatusSold})
	if err != nil {
		t.Fatalf("create book: %v", err)
	}
	deadline := paidAt.Add(48 * time.Hour)
	o, err := f.store.CreateOrder(ctx, order.Order{
		BuyerID:          "buyer-1",
		SellerID:         "seller-1",
		Items:            []order.Item{{BookID: b.ID, Title: b.Title, Price: b.Price}},
		Subtotal:         b.Price,
		DeliveryFee:      decimal.RequireFromString("99.00"),
		Total:            b.Price.Add(decimal.RequireFromString("99.00")),
		Status:           order.StatusPaid,
		PaymentReference: "ref-" + b.ID,
		Delivery:         order.Delivery{Provider: "fastway", ServiceCode: "ROAD", Fee: decimal.RequireFromString("99.00")},
		PaidAt:           &paidAt,
		CommitDeadline:   &deadline,
	})
	if err != nil {
		t.Fatalf("create order: %v", err)
	}
	return o
}

func TestCommitWithinWindow(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.paidOrder(t, epoch)
	f.clock.Set(epoch.Add(47 * time.Hour))

	pickup := &order.Address{Street: "12 Main Rd", City: "Pretoria", Province: "Gauteng", PostalCode: "0002"}
	committed, err := f.svc.Commit(ctx, "seller-1", o.ID, pickup)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if committed.Status != order.StatusCommitted || committed.CommittedAt == nil {
		t.Fatalf("unexpected order %+v", committed)
	}
	if committed.Delivery.TrackingNumber == "" || len(f.booker.bookings) != 1 {
		t.Fatalf("expected courier booking with tracking number")
	}
	if f.booker.bookings[0].From.City != "Pretoria" {
		t.Fatalf("booking should use the pickup address")
	}
	if f.notifier.count(notification.TypeOrderCommitted) != 1 {
		t.Fatalf("buyer should be told about the commit")
	}
	events, _ := f.store.ListOrderEvents(ctx, o.ID)
	if len(events) != 1 || events[0].To != order.StatusCommitted || events[0].Actor != "seller-1" {
		t.Fatalf("unexpected audit trail %+v", events)
	}
}

func TestCommitRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.paidOrder(t, epoch)

	if _, err := f.svc.Commit(ctx, "someone-else", o.ID, nil); !errors.Is(err, apperrors.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	f.clock.Set(epoch.Add(48 * time.Hour))
	if _, err := f.svc.Commit(ctx, "seller-1", o.ID, nil); !errors.Is(err, apperrors.ErrDeadlinePassed) {
		t.Fatalf("expected deadline passed at the deadline, got %v", err)
	}
	got, _ := f.store.GetOrder(ctx, o.ID)
	if got.Status != order.StatusPaid {
		t.Fatalf("failed commit must not change the order, got %s", got.Status)
	}
}

func TestCommitFailsWhenWindowClosesBeforeWrite(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.paidOrder(t, epoch)
	deadline := *o.CommitDeadline

	// The first reading is inside the window, every later one is past it.
	var mu sync.Mutex
	reads := 0
	late := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		reads++
		if reads == 1 {
			return deadline.Add(-time.Minute)
		}
		return deadline.Add(time.Second)
	}
	svc := New(f.store, Deps{Booker: f.booker, Notifier: f.notifier}, Options{
		CommitWindow: 48 * time.Hour, ReminderBefore: 12 * time.Hour, Now: late,
	}, logger.NewDiscard())

	if _, err := svc.Commit(ctx, "seller-1", o.ID, nil); !errors.Is(err, apperrors.ErrDeadlinePassed) {
		t.Fatalf("expected deadline passed, got %v", err)
	}
	got, _ := f.store.GetOrder(ctx, o.ID)
	if got.Status != order.StatusPaid || got.CommittedAt != nil {
		t.Fatalf("late commit must not change the order, got %+v", got)
	}
	if events, _ := f.store.ListOrderEvents(ctx, o.ID); len(events) != 0 {
		t.Fatalf("late commit must not be audited, got %+v", events)
	}
}

func TestCommitSurvivesBookingFailure(t *testing.T) {
	f := newFixture(t)
	f.booker.err = errors.New("carrier offline")
	o := f.paidOrder(t, epoch)

	committed, err := f.svc.Commit(context.Background(), "seller-1", o.ID, nil)
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	if committed.Status != order.StatusCommitted || committed.Delivery.TrackingNumber != "" {
		t.Fatalf("unexpected order %+v", committed)
	}
}

func TestExpireOverdueIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	late1 := f.paidOrder(t, epoch)
	late2 := f.paidOrder(t, epoch.Add(time.Hour))
	fresh := f.paidOrder(t, epoch.Add(10*time.Hour))
	now := epoch.Add(50 * time.Hour)

	var wg sync.WaitGroup
	results := make([]ExpiryResult, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.svc.ExpireOverdue(ctx, now)
			if err != nil {
				t.Errorf("expire: %v", err)
			}
			results[i] = res
		}(i)
	}
	wg.Wait()

	expired := 0
	for _, r := range results {
		expired += r.Expired
	}
	if expired != 2 {
		t.Fatalf("expected exactly two expiries across workers, got %d", expired)
	}
	for _, o := range []order.Order{late1, late2} {
		got, _ := f.store.GetOrder(ctx, o.ID)
		if got.Status != order.StatusRefunded || got.CancelReason != order.ReasonCommitExpired {
			t.Fatalf("order %s: status %s reason %q", o.ID, got.Status, got.CancelReason)
		}
		if f.refunder.calls[o.ID] != 1 {
			t.Fatalf("order %s refunded %d times", o.ID, f.refunder.calls[o.ID])
		}
		b, _ := f.store.GetBook(ctx, o.Items[0].BookID)
		if b.Status != book.StatusAvailable {
			t.Fatalf("book should be released, got %s", b.Status)
		}
		events, _ := f.store.ListOrderEvents(ctx, o.ID)
		if len(events) != 2 {
			t.Fatalf("expected cancel and refund events, got %d", len(events))
		}
	}
	if got, _ := f.store.GetOrder(ctx, fresh.ID); got.Status != order.StatusPaid {
		t.Fatalf("order inside its window must stay paid")
	}
	if n := f.notifier.count(notification.TypeOrderExpired); n != 4 {
		t.Fatalf("expected buyer and seller notices for both orders, got %d", n)
	}

	again, err := f.svc.ExpireOverdue(ctx, now)
	if err != nil || again.Expired != 0 {
		t.Fatalf("second pass should do nothing: %+v %v", again, err)
	}
}

func TestExpiryRefundFailureRetriedBySweep(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.paidOrder(t, epoch)
	f.refunder.fail = true
	f.clock.Set(epoch.Add(49 * time.Hour))

	res, err := f.svc.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Expired != 1 || res.Refunded != 0 {
		t.Fatalf("unexpected first sweep %+v", res)
	}
	if got, _ := f.store.GetOrder(ctx, o.ID); got.Status != order.StatusCancelled {
		t.Fatalf("order should wait cancelled for its refund, got %s", got.Status)
	}

	f.refunder.fail = false
	res, err = f.svc.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if res.Expired != 0 || res.Refunded != 1 {
		t.Fatalf("unexpected second sweep %+v", res)
	}
	if got, _ := f.store.GetOrder(ctx, o.ID); got.Status != order.StatusRefunded {
		t.Fatalf("order should be refunded, got %s", got.Status)
	}
}

func TestSendRemindersOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.paidOrder(t, epoch)
	f.paidOrder(t, epoch.Add(30*time.Hour))

	now := epoch.Add(40 * time.Hour)
	sent, err := f.svc.SendReminders(ctx, now)
	if err != nil || sent != 1 {
		t.Fatalf("expected one reminder, got %d (%v)", sent, err)
	}
	sent, err = f.svc.SendReminders(ctx, now.Add(time.Minute))
	if err != nil || sent != 0 {
		t.Fatalf("reminders must not repeat, got %d (%v)", sent, err)
	}
	if f.notifier.count(notification.TypeCommitReminder) != 1 {
		t.Fatalf("expected a single reminder notification")
	}
}

func TestDeclineRefundsAndReleases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.paidOrder(t, epoch)

	got, err := f.svc.Decline(ctx, "seller-1", o.ID, "")
	if err != nil {
		t.Fatalf("decline: %v", err)
	}
	if got.Status != order.StatusRefunded || got.CancelReason != order.ReasonSellerDeclined {
		t.Fatalf("unexpected order %+v", got)
	}
	b, _ := f.store.GetBook(ctx, o.Items[0].BookID)
	if b.Status != book.StatusAvailable {
		t.Fatalf("book should be available again")
	}
	if _, err := f.svc.Decline(ctx, "seller-1", o.ID, ""); !errors.Is(err, apperrors.ErrInvalidTransition) {
		t.Fatalf("second decline should fail, got %v", err)
	}
}

func TestBuyerCancelsPendingOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	b, _ := f.store.CreateBook(ctx, book.Book{SellerID: "seller-1", Title: "Stats", Price: decimal.NewFromInt(100), Status: book.StatusReserved})
	o, _ := f.store.CreateOrder(ctx, order.Order{
		BuyerID: "buyer-1", SellerID: "seller-1", Status: order.StatusPending,
		Items: []order.Item{{BookID: b.ID, Price: b.Price}}, Total: b.Price,
	})

	if _, err := f.svc.CancelByBuyer(ctx, "seller-1", o.ID, ""); !errors.Is(err, apperrors.ErrForbidden) {
		t.Fatalf("only the buyer may cancel, got %v", err)
	}
	got, err := f.svc.CancelByBuyer(ctx, "buyer-1", o.ID, "")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if got.Status != order.StatusCancelled {
		t.Fatalf("unpaid order should stay cancelled, got %s", got.Status)
	}
	if len(f.refunder.calls) != 0 {
		t.Fatalf("nothing to refund for an unpaid order")
	}
	if bk, _ := f.store.GetBook(ctx, b.ID); bk.Status != book.StatusAvailable {
		t.Fatalf("book should be released")
	}
}

func TestSweepCancelsStaleCheckouts(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	clk := &clock{now: time.Now().UTC()}
	inventory := books.New(store, logger.NewDiscard())
	charges := payments.New(store, store, store, nil, inventory, nil, payments.Options{Now: clk.Now}, logger.NewDiscard())
	svc := New(store, Deps{Inventory: inventory, Charges: charges}, Options{
		CommitWindow: 48 * time.Hour, ReminderBefore: 12 * time.Hour, PendingTTL: time.Hour, Now: clk.Now,
	}, logger.NewDiscard())

	b, _ := store.CreateBook(ctx, book.Book{SellerID: "seller-1", Title: "Organic Chemistry", Price: decimal.NewFromInt(240), Status: book.StatusReserved})
	o, _ := store.CreateOrder(ctx, order.Order{
		BuyerID: "buyer-1", SellerID: "seller-1", Status: order.StatusPending, PaymentReference: "ref-stale",
		Items: []order.Item{{BookID: b.ID, Price: b.Price}}, Total: b.Price,
	})
	if _, err := store.CreateTransaction(ctx, payment.Transaction{
		Reference: "ref-stale", Kind: payment.KindCharge, Amount: b.Price, Status: payment.TxPending,
	}); err != nil {
		t.Fatalf("create transaction: %v", err)
	}

	result, err := svc.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Unpaid != 0 {
		t.Fatalf("checkout inside its ttl must stay pending, got %+v", result)
	}

	clk.Set(clk.Now().Add(2 * time.Hour))
	result, err = svc.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if result.Unpaid != 1 {
		t.Fatalf("expected one unpaid order cancelled, got %+v", result)
	}
	got, _ := store.GetOrder(ctx, o.ID)
	if got.Status != order.StatusCancelled || got.CancelReason != order.ReasonPaymentTimeout {
		t.Fatalf("unexpected order %s/%s", got.Status, got.CancelReason)
	}
	if bk, _ := store.GetBook(ctx, b.ID); bk.Status != book.StatusAvailable {
		t.Fatalf("book should be released, got %s", bk.Status)
	}
}

func TestCollectAndCompleteTriggersPayoutOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.paidOrder(t, epoch)

	if _, err := f.svc.Commit(ctx, "seller-1", o.ID, nil); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := f.svc.Complete(ctx, Viewer{UserID: "buyer-1"}, o.ID); !errors.Is(err, apperrors.ErrInvalidTransition) {
		t.Fatalf("cannot complete before collection, got %v", err)
	}
	if _, err := f.svc.MarkCollected(ctx, "admin", o.ID); err != nil {
		t.Fatalf("collect: %v", err)
	}
	if _, err := f.svc.Complete(ctx, Viewer{UserID: "seller-1"}, o.ID); !errors.Is(err, apperrors.ErrForbidden) {
		t.Fatalf("seller cannot complete, got %v", err)
	}
	done, err := f.svc.Complete(ctx, Viewer{UserID: "buyer-1"}, o.ID)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Status != order.StatusCompleted || f.payouts.triggers[o.ID] != 1 {
		t.Fatalf("unexpected completion %+v, triggers %d", done, f.payouts.triggers[o.ID])
	}
	if _, err := f.svc.Complete(ctx, Viewer{Admin: true}, o.ID); !errors.Is(err, apperrors.ErrInvalidTransition) {
		t.Fatalf("completing twice must fail, got %v", err)
	}

	events, err := f.svc.Events(ctx, Viewer{UserID: "buyer-1"}, o.ID)
	if err != nil || len(events) != 3 {
		t.Fatalf("expected three audit events, got %d (%v)", len(events), err)
	}
	if _, err := f.svc.Events(ctx, Viewer{UserID: "stranger"}, o.ID); !errors.Is(err, apperrors.ErrNotFound) {
		t.Fatalf("strangers must not see the order, got %v", err)
	}
}

func TestSweeperLeaderLock(t *testing.T) {
	f := newFixture(t)
	locks := cache.NewMemory()
	sweeper := NewSweeper(f.svc, "@every 1h", logger.NewDiscard())
	sweeper.WithLocks(locks, time.Minute)

	_, held, err := locks.TryLock(context.Background(), leaderKey, time.Minute)
	if err != nil || !held {
		t.Fatalf("take lock: %v", err)
	}
	if _, err := sweeper.RunOnce(context.Background()); !errors.Is(err, ErrSweepInProgress) {
		t.Fatalf("expected sweep to yield to the lock holder, got %v", err)
	}
}

func TestSweeperLifecycle(t *testing.T) {
	f := newFixture(t)
	sweeper := NewSweeper(f.svc, "@every 1h", logger.NewDiscard())
	if err := sweeper.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := sweeper.Start(context.Background()); err != nil {
		t.Fatalf("second start should be a no-op: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sweeper.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}

	bad := NewSweeper(f.svc, "not a schedule", logger.NewDiscard())
	if err := bad.Start(context.Background()); err == nil {
		t.Fatalf("expected invalid schedule to fail")
	}
}
