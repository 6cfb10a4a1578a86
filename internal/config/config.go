// Package config loads the ledger service configuration: an optional .env
// file, an optional YAML file and environment overrides, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/atmx/portfolio-ledger/internal/model"
	"github.com/atmx/portfolio-ledger/internal/oracle"
	"github.com/atmx/portfolio-ledger/internal/order"
	"github.com/atmx/portfolio-ledger/internal/store"
)

// ---------------------------------------------------------------------------
// Configuration structs
// ---------------------------------------------------------------------------

// Config is the top-level configuration.
type Config struct {
	Server  Server  `yaml:"server"`
	Storage Storage `yaml:"storage"`
	Logging Logging `yaml:"logging"`
	Ledger  Ledger  `yaml:"ledger"`
	Prices  Prices  `yaml:"prices"`
}

// Server holds the HTTP listener settings.
type Server struct {
	Port           string        `yaml:"port"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// Storage selects the backend. DatabaseURL wins over SQLitePath; with
// neither set the in-memory store is used.
type Storage struct {
	DatabaseURL string        `yaml:"database_url"`
	SQLitePath  string        `yaml:"sqlite_path"`
	RedisURL    string        `yaml:"redis_url"`
	CacheTTL    time.Duration `yaml:"cache_ttl"` // Redis read-through cache; 0 disables
}

// Logging configures the application logger.
type Logging struct {
	Level string `yaml:"level"`
}

// Ledger holds the order engine knobs.
type Ledger struct {
	ReferenceCurrency    string        `yaml:"reference_currency"`
	PriceDeviationPolicy string        `yaml:"price_deviation_policy"` // off, flag or reject
	PriceDeviationMax    string        `yaml:"price_deviation_max"`    // fraction of the target
	MaxRetries           int           `yaml:"max_retries"`
	RetryBaseDelay       time.Duration `yaml:"retry_base_delay"`
}

// Prices configures the price oracle. Static entries fill the in-process
// table, or seed missing keys when Redis is the source.
type Prices struct {
	RedisPrefix string        `yaml:"redis_prefix"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
	Static      []StaticPrice `yaml:"static"`
}

// StaticPrice is the rate of Ref (an item ID or currency code) in Currency.
type StaticPrice struct {
	Ref      string `yaml:"ref"`
	Currency string `yaml:"currency"`
	Rate     string `yaml:"rate"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: Server{
			Port:           "8080",
			RequestTimeout: 30 * time.Second,
		},
		Storage: Storage{
			CacheTTL: 30 * time.Second,
		},
		Logging: Logging{Level: "info"},
		Ledger: Ledger{
			ReferenceCurrency:    string(model.Divine),
			PriceDeviationPolicy: string(order.DeviationFlag),
			PriceDeviationMax:    "0.5",
			MaxRetries:           store.DefaultRetryPolicy.MaxAttempts,
			RetryBaseDelay:       store.DefaultRetryPolicy.BaseDelay,
		},
		Prices: Prices{
			CacheTTL: 5 * time.Second,
		},
	}
}

// ---------------------------------------------------------------------------
// Loading
// ---------------------------------------------------------------------------

// Load builds the configuration. A missing .env is ignored. path may be
// empty, in which case CONFIG_PATH is consulted; with neither set only
// defaults and the environment apply.
func Load(path string) (*Config, error) {
	// Ignore error so the service still starts when .env is missing.
	_ = godotenv.Load()

	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := applyEnvOverrides(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides checks well-known environment variables and overrides the
// corresponding configuration fields when they are set.
func applyEnvOverrides(cfg *Config) error {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("REQUEST_TIMEOUT"); v != "" {
		dur, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("REQUEST_TIMEOUT: %w", err)
		}
		cfg.Server.RequestTimeout = dur
	}

	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.DatabaseURL = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Storage.RedisURL = v
	}

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	if v := os.Getenv("REFERENCE_CURRENCY"); v != "" {
		cfg.Ledger.ReferenceCurrency = v
	}
	if v := os.Getenv("PRICE_DEVIATION_POLICY"); v != "" {
		cfg.Ledger.PriceDeviationPolicy = v
	}
	if v := os.Getenv("PRICE_DEVIATION_MAX"); v != "" {
		cfg.Ledger.PriceDeviationMax = v
	}
	if v := os.Getenv("TX_MAX_RETRIES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("TX_MAX_RETRIES: %w", err)
		}
		cfg.Ledger.MaxRetries = n
	}
	return nil
}

// Validate checks every field that is parsed later, so the accessors below
// cannot fail.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port == "" {
		errs = append(errs, errors.New("server.port must be set"))
	}
	if _, err := model.ParseCurrency(c.Ledger.ReferenceCurrency); err != nil {
		errs = append(errs, fmt.Errorf("ledger.reference_currency: %w", err))
	}
	if _, err := order.ParseDeviationPolicy(c.Ledger.PriceDeviationPolicy); err != nil {
		errs = append(errs, fmt.Errorf("ledger.price_deviation_policy: %w", err))
	}
	if dev, err := decimal.NewFromString(c.Ledger.PriceDeviationMax); err != nil || dev.IsNegative() {
		errs = append(errs, fmt.Errorf("ledger.price_deviation_max: %q is not a non-negative decimal", c.Ledger.PriceDeviationMax))
	}
	if c.Ledger.MaxRetries < 1 {
		errs = append(errs, errors.New("ledger.max_retries must be at least 1"))
	}
	for i, p := range c.Prices.Static {
		if p.Ref == "" {
			errs = append(errs, fmt.Errorf("prices.static[%d]: ref must be set", i))
		}
		if _, err := model.ParseCurrency(p.Currency); err != nil {
			errs = append(errs, fmt.Errorf("prices.static[%d]: %w", i, err))
		}
		if rate, err := decimal.NewFromString(p.Rate); err != nil || !rate.IsPositive() {
			errs = append(errs, fmt.Errorf("prices.static[%d]: rate %q must be a positive decimal", i, p.Rate))
		}
	}
	return errors.Join(errs...)
}

// ---------------------------------------------------------------------------
// Derived settings
// ---------------------------------------------------------------------------

// ReferenceCurrency is the currency net worth is reported in.
func (c *Config) ReferenceCurrency() model.Currency {
	ref, _ := model.ParseCurrency(c.Ledger.ReferenceCurrency)
	return ref
}

// RetryPolicy is the conflict retry policy for ledger transactions.
func (c *Config) RetryPolicy() store.RetryPolicy {
	return store.RetryPolicy{MaxAttempts: c.Ledger.MaxRetries, BaseDelay: c.Ledger.RetryBaseDelay}
}

// OrderConfig returns the order manager settings.
func (c *Config) OrderConfig() order.Config {
	policy, _ := order.ParseDeviationPolicy(c.Ledger.PriceDeviationPolicy)
	return order.Config{
		Retry:           c.RetryPolicy(),
		DeviationPolicy: policy,
		MaxDeviation:    decimal.RequireFromString(c.Ledger.PriceDeviationMax),
	}
}

// StaticPrices returns the configured fixed quotes.
func (c *Config) StaticPrices() []oracle.Quote {
	quotes := make([]oracle.Quote, 0, len(c.Prices.Static))
	for _, p := range c.Prices.Static {
		cur, _ := model.ParseCurrency(p.Currency)
		quotes = append(quotes, oracle.Quote{Ref: p.Ref, Currency: cur, Rate: decimal.RequireFromString(p.Rate)})
	}
	return quotes
}
