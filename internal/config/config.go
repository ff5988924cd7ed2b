// Package config loads service configuration from the environment, an
// optional .env file and an optional YAML overlay.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root service configuration.
type Config struct {
	Env      string `env:"APP_ENV,default=development"`
	HTTP     HTTPConfig
	Logging  LoggingConfig
	Storage  StorageConfig
	Redis    RedisConfig
	Auth     AuthConfig
	Commit   CommitConfig
	Payments PaymentsConfig
	Courier  CourierConfig
	Email    EmailConfig
	Hosted   HostedConfig

	// FallbackRates replaces the built-in courier fallback table when set in
	// the YAML overlay.
	FallbackRates []RateBand
}

type HTTPConfig struct {
	Addr            string        `env:"HTTP_ADDR,default=:8080"`
	ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT,default=15s"`
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT,default=30s"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT,default=20s"`
	RateLimitRPS    int           `env:"HTTP_RATE_LIMIT_RPS,default=20"`
	RateLimitBurst  int           `env:"HTTP_RATE_LIMIT_BURST,default=40"`
	AllowedOrigins  []string      `env:"HTTP_ALLOWED_ORIGINS"`
	AuditLogPath    string        `env:"HTTP_AUDIT_LOG"`
}

type LoggingConfig struct {
	Level  string `env:"LOG_LEVEL,default=info"`
	Format string `env:"LOG_FORMAT,default=json"`
}

type StorageConfig struct {
	Driver      string `env:"STORAGE_DRIVER,default=memory"`
	DSN         string `env:"DATABASE_URL"`
	AutoMigrate bool   `env:"DATABASE_AUTO_MIGRATE,default=true"`
	MaxOpen     int    `env:"DATABASE_MAX_OPEN_CONNS,default=20"`
}

type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB,default=0"`
}

type AuthConfig struct {
	// JWTSecret verifies HS256 access tokens issued by the hosted auth service.
	JWTSecret  string   `env:"AUTH_JWT_SECRET"`
	AdminUsers []string `env:"AUTH_ADMIN_USERS"`
}

type CommitConfig struct {
	Window         time.Duration `env:"COMMIT_WINDOW,default=48h"`
	ReminderBefore time.Duration `env:"COMMIT_REMINDER_BEFORE,default=12h"`
	SweepSchedule  string        `env:"COMMIT_SWEEP_SCHEDULE,default=@every 30m"`
	SweepLockTTL   time.Duration `env:"COMMIT_SWEEP_LOCK_TTL,default=5m"`
	// PendingTTL bounds how long an unpaid checkout keeps its books reserved.
	PendingTTL time.Duration `env:"CHECKOUT_PENDING_TTL,default=1h"`
}

type PaymentsConfig struct {
	BaseURL        string  `env:"PAYSTACK_BASE_URL,default=https://api.paystack.co"`
	SecretKey      string  `env:"PAYSTACK_SECRET_KEY"`
	CallbackURL    string  `env:"PAYSTACK_CALLBACK_URL"`
	Currency       string  `env:"PAYMENT_CURRENCY,default=ZAR"`
	Commission     float64 `env:"PLATFORM_COMMISSION,default=0.10"`
	RefundAttempts int     `env:"REFUND_ATTEMPTS,default=3"`
	PayoutAttempts int     `env:"PAYOUT_MAX_ATTEMPTS,default=5"`
}

type CourierConfig struct {
	CourierGuyURL string        `env:"COURIER_GUY_URL"`
	CourierGuyKey string        `env:"COURIER_GUY_API_KEY"`
	FastwayURL    string        `env:"FASTWAY_URL"`
	FastwayKey    string        `env:"FASTWAY_API_KEY"`
	QuoteTimeout  time.Duration `env:"COURIER_QUOTE_TIMEOUT,default=8s"`
	QuoteCacheTTL time.Duration `env:"COURIER_QUOTE_CACHE_TTL,default=10m"`
}

type EmailConfig struct {
	BaseURL   string `env:"EMAIL_API_URL"`
	APIKey    string `env:"EMAIL_API_KEY"`
	FromEmail string `env:"EMAIL_FROM,default=orders@rebooked.local"`
	FromName  string `env:"EMAIL_FROM_NAME,default=ReBooked"`
}

// HostedConfig points at the hosted backend (REST database, auth and object
// storage).
type HostedConfig struct {
	URL         string `env:"HOSTED_URL"`
	ServiceKey  string `env:"HOSTED_SERVICE_KEY"`
	ImageBucket string `env:"HOSTED_IMAGE_BUCKET,default=book-images"`
}

// RateBand is one row of the courier fallback rate table.
type RateBand struct {
	Provider     string  `yaml:"provider"`
	ServiceCode  string  `yaml:"service_code"`
	ServiceName  string  `yaml:"service_name"`
	Local        float64 `yaml:"local"`
	Regional     float64 `yaml:"regional"`
	National     float64 `yaml:"national"`
	IncludedKG   float64 `yaml:"included_kg"`
	PerKGOver    float64 `yaml:"per_kg_over"`
	LocalDays    int     `yaml:"local_days"`
	RegionalDays int     `yaml:"regional_days"`
	NationalDays int     `yaml:"national_days"`
}

// fileOverlay is the YAML shape accepted through CONFIG_FILE.
type fileOverlay struct {
	Commission    *float64   `yaml:"commission"`
	CommitWindow  string     `yaml:"commit_window"`
	SweepSchedule string     `yaml:"sweep_schedule"`
	FallbackRates []RateBand `yaml:"fallback_rates"`
}

// Load reads .env (when present), decodes the environment and applies the
// YAML overlay named by CONFIG_FILE.
func Load() (*Config, error) {
	envFile := strings.TrimSpace(os.Getenv("ENV_FILE"))
	if envFile == "" {
		envFile = ".env"
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	cfg, err := FromEnv()
	if err != nil {
		return nil, err
	}

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := cfg.ApplyFile(path); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromEnv decodes the process environment without touching files.
func FromEnv() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	return &cfg, nil
}

// ApplyFile merges the YAML overlay at path into the configuration.
func (c *Config) ApplyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	return c.ApplyYAML(data)
}

// ApplyYAML merges a YAML overlay document.
func (c *Config) ApplyYAML(data []byte) error {
	var overlay fileOverlay
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	if overlay.Commission != nil {
		c.Payments.Commission = *overlay.Commission
	}
	if s := strings.TrimSpace(overlay.CommitWindow); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("commit_window: %w", err)
		}
		c.Commit.Window = d
	}
	if s := strings.TrimSpace(overlay.SweepSchedule); s != "" {
		c.Commit.SweepSchedule = s
	}
	if len(overlay.FallbackRates) > 0 {
		c.FallbackRates = overlay.FallbackRates
	}
	return nil
}

// Validate rejects configurations the services cannot run with.
func (c *Config) Validate() error {
	if c.Commit.Window <= 0 {
		return fmt.Errorf("COMMIT_WINDOW must be positive")
	}
	if c.Commit.ReminderBefore < 0 || c.Commit.ReminderBefore >= c.Commit.Window {
		return fmt.Errorf("COMMIT_REMINDER_BEFORE must be within the commit window")
	}
	if c.Commit.PendingTTL < 0 {
		return fmt.Errorf("CHECKOUT_PENDING_TTL must not be negative")
	}
	if c.Payments.Commission < 0 || c.Payments.Commission >= 1 {
		return fmt.Errorf("PLATFORM_COMMISSION must be in [0,1)")
	}
	if c.Payments.RefundAttempts < 1 {
		return fmt.Errorf("REFUND_ATTEMPTS must be at least 1")
	}
	switch strings.ToLower(c.Storage.Driver) {
	case "memory":
	case "postgres":
		if strings.TrimSpace(c.Storage.DSN) == "" {
			return fmt.Errorf("DATABASE_URL is required for the postgres driver")
		}
	default:
		return fmt.Errorf("unknown STORAGE_DRIVER %q", c.Storage.Driver)
	}
	return nil
}

// IsAdmin reports whether userID is configured as an administrator.
func (c *Config) IsAdmin(userID string) bool {
	for _, id := range c.Auth.AdminUsers {
		if strings.TrimSpace(id) == userID && userID != "" {
			return true
		}
	}
	return false
}
