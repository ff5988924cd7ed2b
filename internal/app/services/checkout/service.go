package checkout

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/R3E-Network/textbook_market/internal/app/domain/book"
	courierDomain "github.com/R3E-Network/textbook_market/internal/app/domain/courier"
	"github.com/R3E-Network/textbook_market/internal/app/domain/order"
	"github.com/R3E-Network/textbook_market/internal/app/domain/payment"
	"github.com/R3E-Network/textbook_market/internal/app/metrics"
	"github.com/R3E-Network/textbook_market/internal/app/services/courier"
	"github.com/R3E-Network/textbook_market/internal/app/storage"
	apperrors "github.com/R3E-Network/textbook_market/internal/errors"
	"github.com/R3E-Network/textbook_market/internal/integrations/paystack"
	"github.com/R3E-Network/textbook_market/pkg/logger"
)

const (
	defaultBookWeightKG = 1.0
	maxBooksPerCheckout = 20
)

// Catalog reads and reserves listings.
type Catalog interface {
	Get(ctx context.Context, id string) (book.Book, error)
	Reserve(ctx context.Context, ids []string) error
	Release(ctx context.Context, ids []string) error
}

// Quoter prices deliveries.
type Quoter interface {
	Quotes(ctx context.Context, req courier.QuoteRequest) ([]courierDomain.Quote, error)
}

// Gateway starts hosted payments.
type Gateway interface {
	Initialize(ctx context.Context, req paystack.InitializeRequest) (paystack.Checkout, error)
}

// DeliveryChoice selects a quoted courier service.
type DeliveryChoice struct {
	Provider    string `json:"provider"`
	ServiceCode string `json:"service_code"`
}

// Request is a buyer's cart.
type Request struct {
	BookIDs  []string        `json:"book_ids"`
	Shipping order.Address   `json:"shipping_address"`
	Delivery *DeliveryChoice `json:"delivery,omitempty"`
}

// Result is returned to the buyer to complete payment.
type Result struct {
	Reference        string          `json:"reference"`
	AuthorizationURL string          `json:"authorization_url"`
	AccessCode       string          `json:"access_code,omitempty"`
	Total            decimal.Decimal `json:"total"`
	Orders           []order.Order   `json:"orders"`
}

// Service turns a cart into pending orders and a gateway checkout.
type Service struct {
	catalog     Catalog
	orders      storage.OrderStore
	txs         storage.TransactionStore
	quoter      Quoter
	gateway     Gateway
	currency    string
	callbackURL string
	log         *logger.Logger
}

// Options configure checkout.
type Options struct {
	Currency    string
	CallbackURL string
}

// New creates the checkout service.
func New(catalog Catalog, orders storage.OrderStore, txs storage.TransactionStore, quoter Quoter, gateway Gateway, opts Options, log *logger.Logger) *Service {
	if log == nil {
		log = logger.NewDefault("checkout")
	}
	if opts.Currency == "" {
		opts.Currency = "ZAR"
	}
	return &Service{
		catalog:     catalog,
		orders:      orders,
		txs:         txs,
		quoter:      quoter,
		gateway:     gateway,
		currency:    opts.Currency,
		callbackURL: opts.CallbackURL,
		log:         log,
	}
}

func (r *Request) normalize() error {
	seen := make(map[string]bool, len(r.BookIDs))
	ids := make([]string, 0, len(r.BookIDs))
	for _, id := range r.BookIDs {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	r.BookIDs = ids
	if len(ids) == 0 {
		return apperrors.Required("book_ids")
	}
	if len(ids) > maxBooksPerCheckout {
		return apperrors.Validation("book_ids", "too many books in one checkout")
	}
	if strings.TrimSpace(r.Shipping.City) == "" {
		return apperrors.Required("shipping_address.city")
	}
	if strings.TrimSpace(r.Shipping.Province) == "" {
		return apperrors.Required("shipping_address.province")
	}
	if strings.TrimSpace(r.Shipping.PostalCode) == "" {
		return apperrors.Required("shipping_address.postal_code")
	}
	return nil
}

type sellerCart struct {
	sellerID string
	books    []book.Book
}

// Checkout reserves the books, creates one pending order per seller and
// initializes a single gateway payment for the grand total.
func (s *Service) Checkout(ctx context.Context, buyerID, buyerEmail string, req Request) (Result, error) {
	if buyerID == "" {
		return Result{}, apperrors.Unauthorized("")
	}
	if !strings.Contains(buyerEmail, "@") {
		return Result{}, apperrors.Validation("email", "a buyer email is required for payment")
	}
	if err := req.normalize(); err != nil {
		return Result{}, err
	}

	carts, err := s.group(ctx, buyerID, req.BookIDs)
	if err != nil {
		return Result{}, err
	}
	if err := s.catalog.Reserve(ctx, req.BookIDs); err != nil {
		if errors.Is(err, apperrors.ErrConflict) {
			return Result{}, apperrors.Conflict("one or more books are no longer available")
		}
		return Result{}, err
	}

	reference := "BM-" + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:16])
	result, err := s.place(ctx, buyerID, buyerEmail, reference, req, carts)
	if err != nil {
		s.rollback(ctx, reference, req.BookIDs, result.Orders)
		return Result{}, err
	}
	s.log.WithField("reference", reference).
		WithField("buyer_id", buyerID).
		WithField("orders", len(result.Orders)).
		WithField("total", result.Total.StringFixed(2)).
		Info("checkout initialized")
	return result, nil
}

func (s *Service) group(ctx context.Context, buyerID string, ids []string) ([]sellerCart, error) {
	bySeller := make(map[string][]book.Book)
	for _, id := range ids {
		b, err := s.catalog.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if b.Status != book.StatusAvailable {
			return nil, apperrors.Conflict("book is no longer available").WithDetails("book_id", id)
		}
		if b.SellerID == buyerID {
			return nil, apperrors.Validation("book_ids", "you cannot buy your own listing").WithDetails("book_id", id)
		}
		bySeller[b.SellerID] = append(bySeller[b.SellerID], b)
	}
	carts := make([]sellerCart, 0, len(bySeller))
	for sellerID, listed := range bySeller {
		carts = append(carts, sellerCart{sellerID: sellerID, books: listed})
	}
	sort.Slice(carts, func(i, j int) bool { return carts[i].sellerID < carts[j].sellerID })
	return carts, nil
}

func (s *Service) place(ctx context.Context, buyerID, buyerEmail, reference string, req Request, carts []sellerCart) (Result, error) {
	result := Result{Reference: reference, Total: decimal.Zero}
	for _, cart := range carts {
		delivery, err := s.delivery(ctx, req, cart)
		if err != nil {
			return result, err
		}
		o := order.Order{
			BuyerID:          buyerID,
			SellerID:         cart.sellerID,
			BuyerEmail:       buyerEmail,
			Status:           order.StatusPending,
			PaymentReference: reference,
			Shipping:         req.Shipping,
			Pickup:           order.Address{Province: cart.books[0].Province},
			Delivery:         delivery,
			DeliveryFee:      delivery.Fee,
			Subtotal:         decimal.Zero,
		}
		for _, b := range cart.books {
			o.Items = append(o.Items, order.Item{BookID: b.ID, Title: b.Title, Price: b.Price})
			o.Subtotal = o.Subtotal.Add(b.Price)
		}
		o.Total = o.Subtotal.Add(o.DeliveryFee)

		created, err := s.orders.CreateOrder(ctx, o)
		if err != nil {
			return result, err
		}
		result.Orders = append(result.Orders, created)
		result.Total = result.Total.Add(created.Total)
	}

	if _, err := s.txs.CreateTransaction(ctx, payment.Transaction{
		Reference: reference,
		Kind:      payment.KindCharge,
		Amount:    result.Total,
		Currency:  s.currency,
		Status:    payment.TxPending,
	}); err != nil {
		return result, err
	}
	if s.gateway == nil {
		return result, apperrors.Internal("payment gateway not configured", nil)
	}

	// The charge always settles to the platform. Sellers are paid by
	// transfer when their order completes, never through a split.
	init := paystack.InitializeRequest{
		Email:       buyerEmail,
		Amount:      result.Total,
		Reference:   reference,
		CallbackURL: s.callbackURL,
		Metadata:    map[string]any{"order_ids": orderIDs(result.Orders)},
	}
	start := time.Now()
	checkout, err := s.gateway.Initialize(ctx, init)
	metrics.RecordGatewayCall("initialize", time.Since(start), err)
	if err != nil {
		return result, apperrors.Upstream("paystack", err)
	}
	result.AuthorizationURL = checkout.AuthorizationURL
	result.AccessCode = checkout.AccessCode
	return result, nil
}

// delivery prices the seller's parcel. A chosen service must appear in the
// current quotes; otherwise the cheapest quote is used.
func (s *Service) delivery(ctx context.Context, req Request, cart sellerCart) (order.Delivery, error) {
	if s.quoter == nil {
		return order.Delivery{Fee: decimal.Zero}, nil
	}
	weight := 0.0
	value := decimal.Zero
	for _, b := range cart.books {
		w := b.WeightKG
		if w <= 0 {
			w = defaultBookWeightKG
		}
		weight += w
		value = value.Add(b.Price)
	}
	parcelValue, _ := value.Float64()
	quotes, err := s.quoter.Quotes(ctx, courier.QuoteRequest{
		From: courierDomain.Address{Province: cart.books[0].Province},
		To: courierDomain.Address{
			Street:     req.Shipping.Street,
			Suburb:     req.Shipping.Suburb,
			City:       req.Shipping.City,
			Province:   req.Shipping.Province,
			PostalCode: req.Shipping.PostalCode,
		},
		Parcel: courierDomain.Parcel{WeightKG: weight, Value: parcelValue},
	})
	if err != nil {
		return order.Delivery{}, err
	}
	if len(quotes) == 0 {
		return order.Delivery{}, apperrors.NotFound("delivery quote", "")
	}
	chosen := quotes[0]
	if req.Delivery != nil {
		found := false
		for _, q := range quotes {
			if q.Provider == req.Delivery.Provider && q.ServiceCode == req.Delivery.ServiceCode {
				chosen, found = q, true
				break
			}
		}
		if !found {
			return order.Delivery{}, apperrors.Validation("delivery", "selected courier service is not available for this route")
		}
	}
	return order.Delivery{
		Provider:    chosen.Provider,
		ServiceCode: chosen.ServiceCode,
		Fee:         chosen.Price,
	}, nil
}

// rollback cancels what was created and puts the books back on the shelf.
func (s *Service) rollback(ctx context.Context, reference string, bookIDs []string, created []order.Order) {
	now := time.Now().UTC()
	for _, o := range created {
		if _, err := s.orders.TransitionOrder(ctx, storage.Transition{
			OrderID: o.ID,
			From:    order.StatusPending,
			To:      order.StatusCancelled,
			Actor:   order.ActorSystem,
			Reason:  "checkout_failed",
			At:      now,
		}, func(o *order.Order) {
			o.CancelledAt = &now
			o.CancelReason = "checkout_failed"
		}); err != nil {
			s.log.WithError(err).WithField("order_id", o.ID).Warn("cancel order after failed checkout")
		}
	}
	if tx, err := s.txs.GetTransactionByReference(ctx, reference); err == nil {
		tx.Status = payment.TxFailed
		tx.Message = "checkout failed"
		if _, err := s.txs.UpdateTransaction(ctx, tx); err != nil {
			s.log.WithError(err).WithField("reference", reference).Warn("mark charge failed")
		}
	}
	if err := s.catalog.Release(ctx, bookIDs); err != nil {
		s.log.WithError(err).WithField("reference", reference).Error("release books after failed checkout")
	}
}

func orderIDs(orders []order.Order) []string {
	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		ids = append(ids, o.ID)
	}
	return ids
}
