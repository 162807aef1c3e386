// Package config reads the service configuration from the environment. It is
// only used by the composition root.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/ulule/limiter/v3"

	"tablechat/internal/guard"
)

// DefaultEnvFiles are loaded, when present, before the environment is parsed.
var DefaultEnvFiles = []string{".env", ".env.local"}

type RateLimitOptions struct {
	Tenant   string `env:"RATE_LIMIT_TENANT" envDefault:"600-M"`
	Customer string `env:"RATE_LIMIT_CUSTOMER" envDefault:"30-M"`
	Global   string `env:"RATE_LIMIT_GLOBAL" envDefault:"6000-M"`
}

type WhatsAppOptions struct {
	BaseURL          string `env:"WHATSAPP_BASE_URL" envDefault:"https://graph.facebook.com"`
	APIVersion       string `env:"WHATSAPP_API_VERSION" envDefault:"v21.0"`
	GenericTemplate  string `env:"GENERIC_TEMPLATE" envDefault:"generic_update"`
	TemplateLanguage string `env:"TEMPLATE_LANGUAGE" envDefault:"en"`
}

type Config struct {
	StateTable       string `env:"STATE_TABLE,required"`
	AdjustmentsTable string `env:"ADJUSTMENTS_TABLE,required"`
	ParamPrefix      string `env:"PARAM_PREFIX,required"`

	RedisURL       string        `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	StoreTimeout   time.Duration `env:"STORE_TIMEOUT" envDefault:"300ms"`
	IdempotencyTTL time.Duration `env:"IDEMPOTENCY_TTL" envDefault:"24h"`
	LockTTL        time.Duration `env:"LOCK_TTL" envDefault:"2m"`
	DeferredTTL    time.Duration `env:"DEFERRED_TTL" envDefault:"48h"`

	DefaultPlan    string  `env:"DEFAULT_PLAN" envDefault:"starter"`
	NearLimitRatio float64 `env:"NEAR_LIMIT_RATIO" envDefault:"0.9"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	RateLimit RateLimitOptions
	WhatsApp  WhatsAppOptions
}

// LoadEnv loads the env files that exist and returns how many were read.
// Variables already set in the process take precedence.
func LoadEnv(files []string) (int, error) {
	existing := make([]string, 0, len(files))
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			existing = append(existing, f)
		}
	}
	if len(existing) == 0 {
		return 0, nil
	}
	return len(existing), godotenv.Load(existing...)
}

// Load reads env files and parses the environment into a validated Config.
func Load(files ...string) (Config, error) {
	if files == nil {
		files = DefaultEnvFiles
	}
	if _, err := LoadEnv(files); err != nil {
		return Config{}, fmt.Errorf("config: load env files: %w", err)
	}

	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("config: parse environment: %w", err)
	}
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Validate checks values the parser cannot.
func (c Config) Validate() error {
	var errs []error
	if c.StoreTimeout <= 0 || c.StoreTimeout > 5*time.Second {
		errs = append(errs, fmt.Errorf("STORE_TIMEOUT must be in (0, 5s], got %s", c.StoreTimeout))
	}
	if c.IdempotencyTTL <= 0 {
		errs = append(errs, fmt.Errorf("IDEMPOTENCY_TTL must be positive, got %s", c.IdempotencyTTL))
	}
	if c.LockTTL <= 0 {
		errs = append(errs, fmt.Errorf("LOCK_TTL must be positive, got %s", c.LockTTL))
	}
	if c.DeferredTTL <= 0 {
		errs = append(errs, fmt.Errorf("DEFERRED_TTL must be positive, got %s", c.DeferredTTL))
	}
	if c.NearLimitRatio <= 0 || c.NearLimitRatio > 1 {
		errs = append(errs, fmt.Errorf("NEAR_LIMIT_RATIO must be in (0, 1], got %v", c.NearLimitRatio))
	}
	if strings.TrimSpace(c.WhatsApp.GenericTemplate) == "" {
		errs = append(errs, errors.New("GENERIC_TEMPLATE must not be empty"))
	}
	if _, err := c.Rates(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.SlogLevel(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// Rates parses the formatted rate-limit budgets.
func (c Config) Rates() (guard.Rates, error) {
	var (
		r   guard.Rates
		err error
	)
	parse := func(name, v string, dst *limiter.Rate) {
		if err != nil {
			return
		}
		var rate limiter.Rate
		rate, err = guard.ParseRate(v)
		if err != nil {
			err = fmt.Errorf("%s: %w", name, err)
			return
		}
		*dst = rate
	}
	parse("RATE_LIMIT_TENANT", c.RateLimit.Tenant, &r.Tenant)
	parse("RATE_LIMIT_CUSTOMER", c.RateLimit.Customer, &r.Customer)
	parse("RATE_LIMIT_GLOBAL", c.RateLimit.Global, &r.Global)
	if err != nil {
		return guard.Rates{}, err
	}
	return r, nil
}

func (c Config) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return slog.LevelInfo, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	return lvl, nil
}
