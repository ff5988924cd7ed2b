package checkout

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/textbook_market/internal/app/domain/book"
	"github.com/R3E-Network/textbook_market/internal/app/domain/order"
	"github.com/R3E-Network/textbook_market/internal/app/domain/payment"
	"github.com/R3E-Network/textbook_market/internal/app/services/books"
	"github.com/R3E-Network/textbook_market/internal/app/services/courier"
	"github.com/R3E-Network/textbook_market/internal/app/storage/memory"
	apperrors "github.com/R3E-Network/textbook_market/internal/errors"
	"github.com/R3E-Network/textbook_market/internal/integrations/paystack"
	"github.com/R3E-Network/textbook_market/pkg/logger"
)

type fakeGateway struct {
	requests []paystack.InitializeRequest
	err      error
}

func (f *fakeGateway) Initialize(_ context.Context, req paystack.InitializeRequest) (paystack.Checkout, error) {
	f.requests = append(f.requests, req)
	if f.err != nil {
		return paystack.Checkout{}, f.err
	}
	return paystack.Checkout{Reference: req.Reference, AuthorizationURL: "https://checkout.paystack.com/" + req.Reference, AccessCode: "ac"}, nil
}

type fixture struct {
	store   *memory.Store
	gateway *fakeGateway
	svc     *Service
	books   []book.Book
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	var listed []book.Book
	for _, b := range []book.Book{
		{SellerID: "seller-a", Title: "Organic Chemistry", Price: decimal.RequireFromString("300.00"), Province: "Gauteng", WeightKG: 1.2},
		{SellerID: "seller-a", Title: "Physics", Price: decimal.RequireFromString("150.00"), Province: "Gauteng", WeightKG: 0.8},
		{SellerID: "seller-b", Title: "Accounting", Price: decimal.RequireFromString("220.00"), Province: "Western Cape"},
	} {
		created, err := store.CreateBook(ctx, b)
		require.NoError(t, err)
		listed = append(listed, created)
	}
	gw := &fakeGateway{}
	quoter := courier.New(nil, courier.Options{}, logger.NewDiscard())
	svc := New(books.New(store, logger.NewDiscard()), store, store, quoter, gw, Options{CallbackURL: "https://bookmarket.example/paid"}, logger.NewDiscard())
	return &fixture{store: store, gateway: gw, svc: svc, books: listed}
}

func shipping() order.Address {
	return order.Address{Name: "Lerato", Street: "1 Jan Smuts Ave", City: "Johannesburg", Province: "Gauteng", PostalCode: "2001"}
}

func TestCheckoutSplitsOrdersPerSeller(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Checkout(ctx, "buyer-1", "buyer@example.com", Request{
		BookIDs:  []string{f.books[0].ID, f.books[1].ID, f.books[2].ID, f.books[0].ID},
		Shipping: shipping(),
	})
	require.NoError(t, err)
	require.Len(t, res.Orders, 2)
	assert.NotEmpty(t, res.AuthorizationURL)

	sum := decimal.Zero
	for _, o := range res.Orders {
		assert.Equal(t, order.StatusPending, o.Status)
		assert.Equal(t, res.Reference, o.PaymentReference)
		assert.True(t, o.DeliveryFee.IsPositive())
		assert.True(t, o.Total.Equal(o.Subtotal.Add(o.DeliveryFee)))
		sum = sum.Add(o.Total)
	}
	assert.True(t, res.Total.Equal(sum))
	assert.True(t, res.Orders[0].Subtotal.Equal(decimal.RequireFromString("450")))

	require.Len(t, f.gateway.requests, 1)
	assert.True(t, f.gateway.requests[0].Amount.Equal(res.Total))
	assert.Empty(t, f.gateway.requests[0].Subaccount, "multi-seller checkouts settle to the platform")

	tx, err := f.store.GetTransactionByReference(ctx, res.Reference)
	require.NoError(t, err)
	assert.Equal(t, payment.KindCharge, tx.Kind)
	assert.True(t, tx.Amount.Equal(res.Total))

	for _, b := range f.books {
		got, _ := f.store.GetBook(ctx, b.ID)
		assert.Equal(t, book.StatusReserved, got.Status)
	}
}

func TestCheckoutSingleSellerSettlesToPlatform(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	_, err := f.store.UpsertBankingDetails(ctx, payment.BankingDetails{SellerID: "seller-b", SubaccountCode: "ACCT_B", RecipientCode: "RCP_B"})
	require.NoError(t, err)

	_, err = f.svc.Checkout(ctx, "buyer-1", "buyer@example.com", Request{BookIDs: []string{f.books[2].ID}, Shipping: shipping()})
	require.NoError(t, err)
	require.Len(t, f.gateway.requests, 1)
	assert.Empty(t, f.gateway.requests[0].Subaccount, "sellers are paid by transfer, not by a charge split")
}

func TestCheckoutRejectsUnavailableAndOwnBooks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.svc.Checkout(ctx, "seller-a", "a@example.com", Request{BookIDs: []string{f.books[0].ID}, Shipping: shipping()})
	require.ErrorIs(t, err, apperrors.ErrInvalidInput)

	_, err = f.svc.Checkout(ctx, "buyer-1", "buyer@example.com", Request{BookIDs: []string{f.books[0].ID}, Shipping: shipping()})
	require.NoError(t, err)
	_, err = f.svc.Checkout(ctx, "buyer-2", "other@example.com", Request{BookIDs: []string{f.books[0].ID}, Shipping: shipping()})
	require.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestCheckoutGatewayFailureRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.gateway.err = errors.New("gateway down")

	_, err := f.svc.Checkout(ctx, "buyer-1", "buyer@example.com", Request{BookIDs: []string{f.books[0].ID, f.books[2].ID}, Shipping: shipping()})
	require.ErrorIs(t, err, apperrors.ErrUpstream)

	for _, b := range f.books {
		got, _ := f.store.GetBook(ctx, b.ID)
		assert.Equal(t, book.StatusAvailable, got.Status)
	}
	pending, err := f.store.ListOrdersByStatus(ctx, order.StatusPending)
	require.NoError(t, err)
	assert.Empty(t, pending)
	cancelled, err := f.store.ListOrdersByStatus(ctx, order.StatusCancelled)
	require.NoError(t, err)
	assert.Len(t, cancelled, 2)
}

func TestCheckoutDeliveryChoice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.Checkout(ctx, "buyer-1", "buyer@example.com", Request{
		BookIDs:  []string{f.books[0].ID},
		Shipping: shipping(),
		Delivery: &DeliveryChoice{Provider: "courier-guy", ServiceCode: "ONX"},
	})
	require.NoError(t, err)
	assert.Equal(t, "ONX", res.Orders[0].Delivery.ServiceCode)
	// Seller city is unknown so the route prices as regional.
	assert.True(t, res.Orders[0].DeliveryFee.Equal(decimal.NewFromInt(160)), res.Orders[0].DeliveryFee.String())

	_, err = f.svc.Checkout(ctx, "buyer-1", "buyer@example.com", Request{
		BookIDs:  []string{f.books[1].ID},
		Shipping: shipping(),
		Delivery: &DeliveryChoice{Provider: "pigeon", ServiceCode: "X"},
	})
	require.ErrorIs(t, err, apperrors.ErrInvalidInput)
	got, _ := f.store.GetBook(ctx, f.books[1].ID)
	assert.Equal(t, book.StatusAvailable, got.Status)
}

func TestCheckoutValidation(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Checkout(context.Background(), "buyer-1", "buyer@example.com", Request{Shipping: shipping()})
	require.ErrorIs(t, err, apperrors.ErrInvalidInput)
	_, err = f.svc.Checkout(context.Background(), "buyer-1", "not-an-email", Request{BookIDs: []string{f.books[0].ID}, Shipping: shipping()})
	require.ErrorIs(t, err, apperrors.ErrInvalidInput)
}
