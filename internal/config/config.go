// Package config handles application configuration from environment variables
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/blocki/blocki/internal/validation"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string `env:"PORT" envDefault:"8080"`
	Env       string `env:"ENV" envDefault:"development"` // "development", "staging", "production"
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Storage. Postgres wins when both are set; neither means in-memory.
	DatabaseURL string `env:"DATABASE_URL"`
	SQLitePath  string `env:"SQLITE_PATH"`

	// Bootstrap
	AdminAddress   string        `env:"ADMIN_ADDRESS"`
	USDCAsset      string        `env:"USDC_ASSET"`
	Registry       string        `env:"REGISTRY_ADDRESS"`                  // property registry linked to the marketplace
	EscrowTimeout  uint64        `env:"ESCROW_TIMEOUT" envDefault:"86400"` // seconds
	EventLogSize   int           `env:"EVENT_LOG_SIZE" envDefault:"10000"`
	TradeHistory   uint64        `env:"TRADE_HISTORY_SIZE" envDefault:"10000"`
	KeeperEvery    time.Duration `env:"TTL_KEEPER_INTERVAL" envDefault:"1h"`
	ReconcileEvery time.Duration `env:"RECONCILE_INTERVAL" envDefault:"5m"`

	// Request authorization
	AuthMaxSkew time.Duration `env:"AUTH_MAX_SKEW" envDefault:"5m"`
	MockAuth    bool          `env:"MOCK_AUTH"` // grants every principal; development only

	// On-chain router. Leave ROUTER_CONTRACT unset to use the in-ledger pools.
	RPCURL         string        `env:"RPC_URL" envDefault:"https://sepolia.base.org"`
	ChainID        int64         `env:"CHAIN_ID" envDefault:"84532"`
	PrivateKey     string        `env:"PRIVATE_KEY"` // Hex-encoded, optional 0x prefix
	RouterContract string        `env:"ROUTER_CONTRACT"`
	ConfirmTimeout time.Duration `env:"ROUTER_CONFIRM_TIMEOUT" envDefault:"2m"`

	// Webhooks. Committed events are posted to every URL; empty Topics means all.
	WebhookURLs   []string `env:"WEBHOOK_URLS" envSeparator:","`
	WebhookSecret string   `env:"WEBHOOK_SECRET"`
	WebhookTopics []string `env:"WEBHOOK_TOPICS" envSeparator:","`

	// Observability
	OTLPEndpoint string  `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPProtocol string  `env:"OTEL_EXPORTER_OTLP_PROTOCOL" envDefault:"grpc"`
	TraceSample  float64 `env:"OTEL_TRACES_SAMPLER_ARG" envDefault:"1"`

	// Security
	RateLimitRPM   int      `env:"RATE_LIMIT_RPM" envDefault:"600"`
	AllowedOrigins []string `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
}

// Base Sepolia defaults
const (
	DefaultRPCURL  = "https://sepolia.base.org"
	DefaultChainID = 84532 // Base Sepolia
	DefaultPort    = "8080"
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

// Validate checks that all required configuration is present and consistent
func (c *Config) Validate() error {
	var errs []error

	if c.Port == "" {
		errs = append(errs, errors.New("PORT is required"))
	}
	if c.AdminAddress != "" && !validation.IsValidEthAddress(c.AdminAddress) {
		errs = append(errs, errors.New("ADMIN_ADDRESS must be a 0x-prefixed 20-byte hex address"))
	}
	if c.USDCAsset != "" && !validation.IsValidEthAddress(c.USDCAsset) {
		errs = append(errs, errors.New("USDC_ASSET must be a 0x-prefixed 20-byte hex address"))
	}
	if c.Registry != "" && !validation.IsValidEthAddress(c.Registry) {
		errs = append(errs, errors.New("REGISTRY_ADDRESS must be a 0x-prefixed 20-byte hex address"))
	}
	if c.EscrowTimeout == 0 {
		errs = append(errs, errors.New("ESCROW_TIMEOUT must be positive"))
	}
	if c.EventLogSize <= 0 {
		errs = append(errs, errors.New("EVENT_LOG_SIZE must be positive"))
	}
	if c.TradeHistory == 0 {
		errs = append(errs, errors.New("TRADE_HISTORY_SIZE must be positive"))
	}
	if c.KeeperEvery <= 0 {
		errs = append(errs, errors.New("TTL_KEEPER_INTERVAL must be positive"))
	}
	if c.ReconcileEvery <= 0 {
		errs = append(errs, errors.New("RECONCILE_INTERVAL must be positive"))
	}
	if c.RateLimitRPM < 0 {
		errs = append(errs, errors.New("RATE_LIMIT_RPM must not be negative"))
	}
	if c.OTLPProtocol != "" && c.OTLPProtocol != "grpc" && c.OTLPProtocol != "http/protobuf" {
		errs = append(errs, errors.New("OTEL_EXPORTER_OTLP_PROTOCOL must be grpc or http/protobuf"))
	}
	if c.TraceSample < 0 || c.TraceSample > 1 {
		errs = append(errs, errors.New("OTEL_TRACES_SAMPLER_ARG must be between 0 and 1"))
	}
	for _, u := range c.WebhookURLs {
		if !strings.HasPrefix(u, "http://") && !strings.HasPrefix(u, "https://") {
			errs = append(errs, fmt.Errorf("WEBHOOK_URLS entry %q must be an http(s) URL", u))
		}
	}
	if c.MockAuth && c.IsProduction() {
		errs = append(errs, errors.New("MOCK_AUTH cannot be enabled in production"))
	}

	if c.RouterContract != "" {
		if !validation.IsValidEthAddress(c.RouterContract) {
			errs = append(errs, errors.New("ROUTER_CONTRACT must be a 0x-prefixed 20-byte hex address"))
		}
		if c.RPCURL == "" {
			errs = append(errs, errors.New("RPC_URL is required when ROUTER_CONTRACT is set"))
		}
		if c.PrivateKey == "" {
			errs = append(errs, errors.New("PRIVATE_KEY is required when ROUTER_CONTRACT is set"))
		} else if k := strings.TrimPrefix(c.PrivateKey, "0x"); len(k) != 64 {
			errs = append(errs, errors.New("PRIVATE_KEY must be 64 hex characters (with or without 0x prefix)"))
		}
	}

	return errors.Join(errs...)
}

// UsesOnChainRouter reports whether swaps go through the configured router
// contract instead of the in-ledger pools.
func (c *Config) UsesOnChainRouter() bool {
	return c.RouterContract != ""
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}
