package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/R3E-Network/textbook_market/internal/app/services/banking"
	"github.com/R3E-Network/textbook_market/internal/app/services/books"
	"github.com/R3E-Network/textbook_market/internal/app/services/checkout"
	"github.com/R3E-Network/textbook_market/internal/app/services/courier"
	"github.com/R3E-Network/textbook_market/internal/app/services/notifications"
	"github.com/R3E-Network/textbook_market/internal/app/services/orders"
	"github.com/R3E-Network/textbook_market/internal/app/services/payments"
	"github.com/R3E-Network/textbook_market/internal/app/services/payouts"
	"github.com/R3E-Network/textbook_market/internal/app/storage"
	"github.com/R3E-Network/textbook_market/internal/app/storage/memory"
	"github.com/R3E-Network/textbook_market/internal/app/system"
	"github.com/R3E-Network/textbook_market/internal/cache"
	"github.com/R3E-Network/textbook_market/internal/config"
	"github.com/R3E-Network/textbook_market/internal/hosted"
	"github.com/R3E-Network/textbook_market/internal/resilience"
	"github.com/R3E-Network/textbook_market/pkg/logger"
)

// Stores encapsulates persistence dependencies. Nil stores default to the
// in-memory implementation.
type Stores struct {
	Books         storage.BookStore
	Orders        storage.OrderStore
	Notifications storage.NotificationStore
	Transactions  storage.TransactionStore
	Banking       storage.BankingStore
	Payouts       storage.PayoutStore
}

// PaymentGateway is everything the marketplace asks of the payment provider.
type PaymentGateway interface {
	checkout.Gateway
	payments.Gateway
	banking.Gateway
	payouts.Gateway
}

// UserDirectory resolves access tokens the API cannot verify locally.
type UserDirectory interface {
	GetUser(ctx context.Context, accessToken string) (hosted.User, error)
}

// Deps are the external collaborators. Every field is optional: without a
// gateway payments stay pending, without carriers quotes come from the
// fallback table and without a mailer notifications are in-app only.
type Deps struct {
	Payments PaymentGateway
	Carriers []courier.Carrier
	Mailer   notifications.Mailer
	Images   books.ImageStore
	Users    UserDirectory
	Cache    cache.Store
	// CheckOrigin guards websocket upgrades. Nil accepts any origin.
	CheckOrigin func(r *http.Request) bool
	Now         func() time.Time
}

// Application ties domain services together and manages their lifecycle.
type Application struct {
	manager *system.Manager
	log     *logger.Logger
	cfg     *config.Config

	Books         *books.Service
	Courier       *courier.Service
	Notifications *notifications.Service
	Banking       *banking.Service
	Checkout      *checkout.Service
	Payments      *payments.Service
	Payouts       *payouts.Service
	Orders        *orders.Service
	Sweeper       *orders.Sweeper
	Users         UserDirectory
	Cache         cache.Store
}

// New builds a fully initialised application with the provided stores.
func New(stores Stores, deps Deps, cfg *config.Config, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("app")
	}
	if cfg == nil {
		var err error
		if cfg, err = config.FromEnv(); err != nil {
			return nil, fmt.Errorf("default config: %w", err)
		}
	}

	mem := memory.New()
	if stores.Books == nil {
		stores.Books = mem
	}
	if stores.Orders == nil {
		stores.Orders = mem
	}
	if stores.Notifications == nil {
		stores.Notifications = mem
	}
	if stores.Transactions == nil {
		stores.Transactions = mem
	}
	if stores.Banking == nil {
		stores.Banking = mem
	}
	if stores.Payouts == nil {
		stores.Payouts = mem
	}
	if deps.Cache == nil {
		deps.Cache = cache.NewMemory()
	}
	if deps.Payments == nil {
		log.Warn("payment gateway not configured; checkouts cannot be paid")
	}

	commission := decimal.NewFromFloat(cfg.Payments.Commission)

	hub := notifications.NewHub(deps.CheckOrigin, log.Named("notification-hub"))
	notifySvc := notifications.New(stores.Notifications, hub, deps.Mailer, log.Named("notifications"))

	rates, err := RateBands(cfg.FallbackRates)
	if err != nil {
		return nil, err
	}
	courierSvc := courier.New(deps.Carriers, courier.Options{
		QuoteTimeout: cfg.Courier.QuoteTimeout,
		CacheTTL:     cfg.Courier.QuoteCacheTTL,
		Rates:        rates,
	}, log.Named("courier"))
	courierSvc.WithCache(deps.Cache)

	bookSvc := books.New(stores.Books, log.Named("books"))
	if deps.Images != nil {
		bookSvc.WithImageStore(deps.Images)
	}

	// Interface conversions keep a nil gateway nil in every service.
	var (
		checkoutGateway checkout.Gateway
		paymentGateway  payments.Gateway
		bankingGateway  banking.Gateway
		payoutGateway   payouts.Gateway
	)
	if deps.Payments != nil {
		checkoutGateway = deps.Payments
		paymentGateway = deps.Payments
		bankingGateway = deps.Payments
		payoutGateway = deps.Payments
	}

	bankingSvc := banking.New(stores.Banking, bankingGateway, commission, log.Named("banking"))
	payoutSvc := payouts.New(stores.Payouts, stores.Banking, payoutGateway, notifySvc, commission, cfg.Payments.PayoutAttempts, log.Named("payouts"))

	retry := resilience.DefaultRetryConfig()
	if cfg.Payments.RefundAttempts > 0 {
		retry.MaxAttempts = cfg.Payments.RefundAttempts
	}
	paymentSvc := payments.New(stores.Orders, stores.Transactions, stores.Banking, paymentGateway, bookSvc, notifySvc, payments.Options{
		CommitWindow:  cfg.Commit.Window,
		WebhookSecret: cfg.Payments.SecretKey,
		Retry:         retry,
		Now:           deps.Now,
	}, log.Named("payments"))
	paymentSvc.WithCache(deps.Cache)
	paymentSvc.WithTransferConfirmer(payoutSvc)

	checkoutSvc := checkout.New(bookSvc, stores.Orders, stores.Transactions, courierSvc, checkoutGateway, checkout.Options{
		Currency:    cfg.Payments.Currency,
		CallbackURL: cfg.Payments.CallbackURL,
	}, log.Named("checkout"))

	orderSvc := orders.New(stores.Orders, orders.Deps{
		Banking:   stores.Banking,
		Inventory: bookSvc,
		Booker:    courierSvc,
		Refunder:  paymentSvc,
		Charges:   paymentSvc,
		Payouts:   payoutSvc,
		Notifier:  notifySvc,
	}, orders.Options{
		CommitWindow:   cfg.Commit.Window,
		ReminderBefore: cfg.Commit.ReminderBefore,
		PendingTTL:     cfg.Commit.PendingTTL,
		Now:            deps.Now,
	}, log.Named("orders"))

	sweeper := orders.NewSweeper(orderSvc, cfg.Commit.SweepSchedule, log.Named("commit-sweeper"))
	sweeper.WithLocks(deps.Cache, cfg.Commit.SweepLockTTL)

	manager := system.NewManager()
	for _, svc := range []system.Service{
		system.NoopService{ServiceName: "books"},
		system.NoopService{ServiceName: "checkout"},
		sweeper,
	} {
		if err := manager.Register(svc); err != nil {
			return nil, fmt.Errorf("register %s: %w", svc.Name(), err)
		}
	}

	return &Application{
		manager:       manager,
		log:           log,
		cfg:           cfg,
		Books:         bookSvc,
		Courier:       courierSvc,
		Notifications: notifySvc,
		Banking:       bankingSvc,
		Checkout:      checkoutSvc,
		Payments:      paymentSvc,
		Payouts:       payoutSvc,
		Orders:        orderSvc,
		Sweeper:       sweeper,
		Users:         deps.Users,
		Cache:         deps.Cache,
	}, nil
}

// Config returns the configuration the application was built with.
func (a *Application) Config() *config.Config {
	return a.cfg
}

// IsAdmin reports whether userID may use admin operations.
func (a *Application) IsAdmin(userID string) bool {
	return a.cfg.IsAdmin(userID)
}

// Attach registers an additional lifecycle-managed service. Call before Start.
func (a *Application) Attach(service system.Service) error {
	return a.manager.Register(service)
}

// Start begins all registered services.
func (a *Application) Start(ctx context.Context) error {
	return a.manager.Start(ctx)
}

// Stop stops all services and drops live notification connections.
func (a *Application) Stop(ctx context.Context) error {
	err := a.manager.Stop(ctx)
	a.Notifications.Hub().Close()
	return err
}

// RateBands converts configured fallback rates. An empty list keeps the
// built-in table.
func RateBands(in []config.RateBand) ([]courier.RateBand, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make([]courier.RateBand, 0, len(in))
	for i, band := range in {
		if band.Provider == "" || band.ServiceCode == "" {
			return nil, fmt.Errorf("fallback rate %d: provider and service_code are required", i)
		}
		if band.Local <= 0 || band.Regional <= 0 || band.National <= 0 {
			return nil, fmt.Errorf("fallback rate %s/%s: zone prices must be positive", band.Provider, band.ServiceCode)
		}
		out = append(out, courier.RateBand{
			Provider:     band.Provider,
			ServiceCode:  band.ServiceCode,
			ServiceName:  band.ServiceName,
			Local:        decimal.NewFromFloat(band.Local),
			Regional:     decimal.NewFromFloat(band.Regional),
			National:     decimal.NewFromFloat(band.National),
			IncludedKG:   band.IncludedKG,
			PerKGOver:    decimal.NewFromFloat(band.PerKGOver),
			LocalDays:    band.LocalDays,
			RegionalDays: band.RegionalDays,
			NationalDays: band.NationalDays,
		})
	}
	return out, nil
}
