// Package runtime turns configuration into a running marketplace: it opens
// the stores, builds the integration clients and serves the HTTP API.
package runtime

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	_ "github.com/lib/pq"

	app "github.com/R3E-Network/textbook_market/internal/app"
	"github.com/R3E-Network/textbook_market/internal/app/httpapi"
	"github.com/R3E-Network/textbook_market/internal/app/storage/postgres"
	"github.com/R3E-Network/textbook_market/internal/cache"
	"github.com/R3E-Network/textbook_market/internal/config"
	"github.com/R3E-Network/textbook_market/internal/hosted"
	"github.com/R3E-Network/textbook_market/internal/integrations/courierguy"
	"github.com/R3E-Network/textbook_market/internal/integrations/email"
	"github.com/R3E-Network/textbook_market/internal/integrations/fastway"
	"github.com/R3E-Network/textbook_market/internal/integrations/paystack"
	"github.com/R3E-Network/textbook_market/internal/middleware"
	"github.com/R3E-Network/textbook_market/internal/platform/migrations"
	"github.com/R3E-Network/textbook_market/internal/resilience"
	"github.com/R3E-Network/textbook_market/pkg/logger"
)

// Application wires core dependencies and manages the HTTP server lifecycle.
type Application struct {
	cfg     *config.Config
	log     *logger.Logger
	app     *app.Application
	server  *http.Server
	limiter *middleware.RateLimiter
	db      *sql.DB
	redis   *cache.Redis
	audit   *httpapi.FileAuditSink
}

// NewApplication builds the application described by cfg.
func NewApplication(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Application, error) {
	if log == nil {
		log = logger.NewDefault("runtime")
	}
	a := &Application{cfg: cfg, log: log}

	stores, db, err := buildStores(ctx, cfg.Storage, log)
	if err != nil {
		return nil, fmt.Errorf("configure stores: %w", err)
	}
	a.db = db

	deps, redisStore, err := buildDeps(ctx, cfg, log)
	if err != nil {
		a.closeResources()
		return nil, fmt.Errorf("configure integrations: %w", err)
	}
	a.redis = redisStore

	application, err := app.New(stores, deps, cfg, log)
	if err != nil {
		a.closeResources()
		return nil, err
	}
	a.app = application

	sink, err := httpapi.NewFileAuditSink(cfg.HTTP.AuditLogPath)
	if err != nil {
		a.closeResources()
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	a.audit = sink
	var auditSink httpapi.AuditSink
	if sink != nil {
		auditSink = sink
	}

	a.limiter = middleware.NewRateLimiter(float64(cfg.HTTP.RateLimitRPS), cfg.HTTP.RateLimitBurst, log.Named("ratelimit"))
	handler := httpapi.NewHandler(application, httpapi.Options{
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		Audit:          httpapi.NewAuditLog(500, auditSink),
		RateLimiter:    a.limiter,
		Log:            log.Named("http"),
	})
	a.server = &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
	}
	return a, nil
}

// App returns the composed application.
func (a *Application) App() *app.Application {
	return a.app
}

// Handler returns the HTTP handler.
func (a *Application) Handler() http.Handler {
	return a.server.Handler
}

// Run starts the background services and the HTTP server and blocks until
// ctx is cancelled or the server fails. It shuts everything down before
// returning.
func (a *Application) Run(ctx context.Context) error {
	if err := a.app.Start(ctx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go a.limiter.RunCleanup(runCtx, time.Minute)

	errCh := make(chan error, 1)
	go func() {
		a.log.WithField("addr", a.cfg.HTTP.Addr).Info("HTTP server listening")
		if err := a.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case runErr = <-errCh:
	}

	shutdownCtx, stop := context.WithTimeout(context.Background(), a.cfg.HTTP.ShutdownTimeout)
	defer stop()
	if err := a.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}

// Shutdown gracefully stops the HTTP server, the background services and
// closes connections.
func (a *Application) Shutdown(ctx context.Context) error {
	var errs []error
	if a.server != nil {
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if a.app != nil {
		if err := a.app.Stop(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closeResources()
	return errors.Join(errs...)
}

func (a *Application) closeResources() {
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.WithError(err).Warn("error closing database connection")
		}
		a.db = nil
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.log.WithError(err).Warn("error closing redis connection")
		}
		a.redis = nil
	}
	if a.audit != nil {
		if err := a.audit.Close(); err != nil {
			a.log.WithError(err).Warn("error closing audit log")
		}
		a.audit = nil
	}
}

func buildStores(ctx context.Context, cfg config.StorageConfig, log *logger.Logger) (app.Stores, *sql.DB, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "memory":
		log.Warn("using in-memory storage; data is lost on restart")
		return app.Stores{}, nil, nil
	case "postgres":
	default:
		return app.Stores{}, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}

	db, err := OpenDatabase(ctx, cfg)
	if err != nil {
		return app.Stores{}, nil, err
	}
	if cfg.AutoMigrate {
		if err := migrations.Up(db); err != nil {
			db.Close()
			return app.Stores{}, nil, err
		}
	}
	store := postgres.New(db)
	return app.Stores{
		Books:         store,
		Orders:        store,
		Notifications: store,
		Transactions:  store,
		Banking:       store,
		Payouts:       store,
	}, db, nil
}

// OpenDatabase connects to PostgreSQL and pings it.
func OpenDatabase(ctx context.Context, cfg config.StorageConfig) (*sql.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database dsn not configured")
	}

	db, err := sql.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpen > 0 {
		db.SetMaxOpenConns(cfg.MaxOpen)
		db.SetMaxIdleConns(cfg.MaxOpen / 2)
	}
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// buildDeps creates a client for every integration that is configured.
// Missing settings leave the matching dependency nil so the application
// degrades instead of failing to start.
func buildDeps(ctx context.Context, cfg *config.Config, log *logger.Logger) (app.Deps, *cache.Redis, error) {
	var deps app.Deps

	// Gateway calls are retried by the services that know which are safe
	// to repeat, so the payment client only trips the breaker.
	gatewayRetry := resilience.DefaultRetryConfig()
	gatewayRetry.MaxAttempts = 1
	gatewayHTTP := resilience.NewClient(resilience.ClientConfig{
		HTTPClient: &http.Client{Timeout: 20 * time.Second},
		Retry:      gatewayRetry,
		Breaker:    breakerConfig("paystack", log),
	})
	carrierHTTP := func(name string) *resilience.Client {
		return resilience.NewClient(resilience.ClientConfig{
			HTTPClient: &http.Client{Timeout: 15 * time.Second},
			Retry:      resilience.DefaultRetryConfig(),
			Breaker:    breakerConfig(name, log),
		})
	}

	if cfg.Payments.SecretKey != "" {
		client, err := paystack.New(paystack.Config{
			BaseURL:    cfg.Payments.BaseURL,
			SecretKey:  cfg.Payments.SecretKey,
			Currency:   cfg.Payments.Currency,
			HTTPClient: gatewayHTTP,
		})
		if err != nil {
			return app.Deps{}, nil, err
		}
		deps.Payments = client
	} else {
		log.Warn("PAYSTACK_SECRET_KEY not set; payment gateway disabled")
	}

	if cfg.Courier.CourierGuyURL != "" {
		client, err := courierguy.New(courierguy.Config{
			BaseURL:    cfg.Courier.CourierGuyURL,
			APIKey:     cfg.Courier.CourierGuyKey,
			HTTPClient: carrierHTTP(courierguy.Provider),
		})
		if err != nil {
			return app.Deps{}, nil, err
		}
		deps.Carriers = append(deps.Carriers, client)
	}
	if cfg.Courier.FastwayURL != "" {
		client, err := fastway.New(fastway.Config{
			BaseURL:    cfg.Courier.FastwayURL,
			APIKey:     cfg.Courier.FastwayKey,
			HTTPClient: carrierHTTP(fastway.Provider),
		})
		if err != nil {
			return app.Deps{}, nil, err
		}
		deps.Carriers = append(deps.Carriers, client)
	}
	if len(deps.Carriers) == 0 {
		log.Warn("no courier configured; quotes use the fallback rate table")
	}

	if cfg.Email.BaseURL != "" {
		client, err := email.New(email.Config{
			APIURL:     cfg.Email.BaseURL,
			APIKey:     cfg.Email.APIKey,
			From:       cfg.Email.FromEmail,
			FromName:   cfg.Email.FromName,
			HTTPClient: carrierHTTP("email"),
		})
		if err != nil {
			return app.Deps{}, nil, err
		}
		deps.Mailer = client
	} else {
		log.Warn("EMAIL_API_URL not set; notifications are in-app only")
	}

	if cfg.Hosted.URL != "" {
		client, err := hosted.New(hosted.Config{
			URL:        cfg.Hosted.URL,
			ServiceKey: cfg.Hosted.ServiceKey,
			HTTPClient: carrierHTTP("hosted"),
		})
		if err != nil {
			return app.Deps{}, nil, err
		}
		deps.Users = client
		deps.Images = client.Bucket(cfg.Hosted.ImageBucket)
	}

	if len(cfg.HTTP.AllowedOrigins) > 0 {
		cors := middleware.NewCORS(cfg.HTTP.AllowedOrigins)
		deps.CheckOrigin = func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			return origin == "" || cors.Allowed(origin)
		}
	}

	var redisStore *cache.Redis
	if cfg.Redis.Addr != "" {
		store, err := cache.NewRedis(ctx, cache.RedisConfig{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return app.Deps{}, nil, err
		}
		redisStore = store
		deps.Cache = store
	} else {
		log.Warn("REDIS_ADDR not set; locks and caches are local to this instance")
	}

	return deps, redisStore, nil
}

// breakerConfig logs every state change of the named dependency's breaker.
func breakerConfig(name string, log *logger.Logger) resilience.BreakerConfig {
	cfg := resilience.DefaultBreakerConfig()
	cfg.OnStateChange = func(from, to resilience.CircuitState) {
		entry := log.WithField("dependency", name).
			WithField("from", from.String()).
			WithField("to", to.String())
		if to == resilience.CircuitOpen {
			entry.Warn("circuit breaker opened")
			return
		}
		entry.Info("circuit breaker state changed")
	}
	return cfg
}
