/*
Package config loads server configuration from the environment.

PURPOSE:
  Central place for every tunable the server reads. Values come from
  environment variables (a .env file is loaded if present), with
  defaults chosen so `go run ./cmd/server` works out of the box on an
  in-process SQLite database.

VARIABLES:
  PORT                 HTTP listen port            (default 8080)
  DB_DRIVER            "sqlite" or "postgres"      (default sqlite)
  DB_SOURCE            path or connection string   (default purchase.db)
  REDIS_ADDR           balance cache, optional     (default off)
  COMMISSION_RATE      platform cut, 0 <= r < 1    (default 0.15)
  RESPONSE_WINDOW      publisher response window   (default 72h)
  CONFIRM_WINDOW       advertiser confirm window   (default 48h)
  SWEEP_INTERVAL       expiry sweeper cadence      (default 5m)
  PLATFORM_ACCOUNT_ID  commission ledger account   (default "platform")
*/
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds the server configuration.
type Config struct {
	Port     int
	DBDriver string
	DBSource string

	// RedisAddr enables the shared balance cache when non-empty.
	RedisAddr string

	CommissionRate    decimal.Decimal
	ResponseWindow    time.Duration
	ConfirmWindow     time.Duration
	SweepInterval     time.Duration
	PlatformAccountID string
}

// Load reads configuration from the environment. A .env file in the
// working directory is applied first if present; real environment
// variables win over it.
func Load() (*Config, error) {
	// Best-effort; absence of a .env file is the normal case.
	_ = godotenv.Load()

	cfg := &Config{
		Port:              8080,
		DBDriver:          "sqlite",
		DBSource:          "purchase.db",
		RedisAddr:         os.Getenv("REDIS_ADDR"),
		CommissionRate:    decimal.NewFromFloat(0.15),
		ResponseWindow:    72 * time.Hour,
		ConfirmWindow:     48 * time.Hour,
		SweepInterval:     5 * time.Minute,
		PlatformAccountID: "platform",
	}

	if v := os.Getenv("PORT"); v != "" {
		if _, err := fmt.Sscanf(v, "%d", &cfg.Port); err != nil {
			return nil, fmt.Errorf("invalid PORT %q: %w", v, err)
		}
	}
	if v := os.Getenv("DB_DRIVER"); v != "" {
		cfg.DBDriver = v
	}
	if v := os.Getenv("DB_SOURCE"); v != "" {
		cfg.DBSource = v
	}
	if v := os.Getenv("COMMISSION_RATE"); v != "" {
		rate, err := decimal.NewFromString(v)
		if err != nil {
			return nil, fmt.Errorf("invalid COMMISSION_RATE %q: %w", v, err)
		}
		cfg.CommissionRate = rate
	}
	if v := os.Getenv("PLATFORM_ACCOUNT_ID"); v != "" {
		cfg.PlatformAccountID = v
	}

	for _, d := range []struct {
		name string
		dst  *time.Duration
	}{
		{"RESPONSE_WINDOW", &cfg.ResponseWindow},
		{"CONFIRM_WINDOW", &cfg.ConfirmWindow},
		{"SWEEP_INTERVAL", &cfg.SweepInterval},
	} {
		if v := os.Getenv(d.name); v != "" {
			dur, err := time.ParseDuration(v)
			if err != nil {
				return nil, fmt.Errorf("invalid %s %q: %w", d.name, v, err)
			}
			*d.dst = dur
		}
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.DBDriver {
	case "sqlite", "postgres":
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q (want sqlite or postgres)", c.DBDriver)
	}
	if c.CommissionRate.IsNegative() || c.CommissionRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("COMMISSION_RATE must be in [0, 1), got %s", c.CommissionRate)
	}
	if c.ResponseWindow <= 0 || c.ConfirmWindow <= 0 {
		return fmt.Errorf("response and confirm windows must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL must be positive")
	}
	if c.PlatformAccountID == "" {
		return fmt.Errorf("PLATFORM_ACCOUNT_ID must not be empty")
	}
	return nil
}
