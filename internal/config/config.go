// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string `env:"PORT"       envDefault:"8080"`
	Env       string `env:"ENV"        envDefault:"development"` // "development", "staging", "production"
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"` // "text" or "json"

	// Database (optional, uses in-memory stores if not set)
	DatabaseURL string `env:"DATABASE_URL"`
	AutoMigrate bool   `env:"AUTO_MIGRATE" envDefault:"true"`

	DBMaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS"     envDefault:"25"`
	DBMaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS"     envDefault:"5"`
	DBConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME"  envDefault:"5m"`

	// Identity. Tokens are issued by the external identity service.
	JWTSecret   string `env:"JWT_SECRET"`
	JWTIssuer   string `env:"JWT_ISSUER"`
	AdminSecret string `env:"ADMIN_SECRET"`

	// Payment processor
	StripeSecretKey     string `env:"STRIPE_SECRET_KEY"`
	StripeWebhookSecret string `env:"STRIPE_WEBHOOK_SECRET"`
	PaymentCurrency     string `env:"PAYMENT_CURRENCY" envDefault:"usd"`

	// Settlement receipts are not issued when unset
	ReceiptSecret string `env:"RECEIPT_HMAC_SECRET"`

	// Messaging and cache
	AMQPURL   string `env:"AMQP_URL"`
	RedisAddr string `env:"REDIS_ADDR"`

	// Email (cmd/notifier). NOTIFY_USER_EMAILS is a development stand-in for
	// the identity service directory: "usr_1:a@x.gg,usr_2:b@x.gg".
	ResendAPIKey      string            `env:"RESEND_API_KEY"`
	NotifyFromEmail   string            `env:"NOTIFY_FROM_EMAIL" envDefault:"LootVault <orders@lootvault.gg>"`
	NotifyAdminEmails []string          `env:"NOTIFY_ADMIN_EMAILS" envSeparator:","`
	NotifyUserEmails  map[string]string `env:"NOTIFY_USER_EMAILS" envSeparator:"," envKeyValSeparator:":"`

	// Escrow timing
	SweepInterval     time.Duration `env:"SWEEP_INTERVAL"     envDefault:"1m"`
	ProtectionWindow  time.Duration `env:"PROTECTION_WINDOW"  envDefault:"48h"`
	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" envDefault:"5m"`

	// Security
	RateLimitRPM       int      `env:"RATE_LIMIT_RPM"       envDefault:"120"`
	CORSAllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`

	// Tracing (disabled if empty)
	OTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

const (
	DefaultPort     = "8080"
	DefaultEnv      = "development"
	DefaultLogLevel = "info"
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	var errs []error

	if c.ProtectionWindow <= 0 {
		errs = append(errs, errors.New("PROTECTION_WINDOW must be positive"))
	}
	if c.SweepInterval <= 0 {
		errs = append(errs, errors.New("SWEEP_INTERVAL must be positive"))
	}
	if c.RateLimitRPM < 0 {
		errs = append(errs, errors.New("RATE_LIMIT_RPM cannot be negative"))
	}

	if c.IsProduction() {
		if c.DatabaseURL == "" {
			errs = append(errs, errors.New("DATABASE_URL is required in production"))
		}
		if len(c.JWTSecret) < 32 {
			errs = append(errs, errors.New("JWT_SECRET must be at least 32 characters in production"))
		}
		if c.StripeSecretKey == "" || c.StripeWebhookSecret == "" {
			errs = append(errs, errors.New("STRIPE_SECRET_KEY and STRIPE_WEBHOOK_SECRET are required in production"))
		}
	} else if c.JWTSecret == "" {
		c.JWTSecret = "dev-secret-do-not-use-in-production"
	}

	return errors.Join(errs...)
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
