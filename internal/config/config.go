package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/viper"
)

// Store drivers accepted by STORE_DRIVER.
const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

type Config struct {
	Port                string        `mapstructure:"PORT"`
	Env                 string        `mapstructure:"ENV"`
	StoreDriver         string        `mapstructure:"STORE_DRIVER"`
	DatabaseURL         string        `mapstructure:"DATABASE_URL"`
	DBMaxConns          int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns          int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL            string        `mapstructure:"REDIS_URL"`
	AdjudicationWorkers int           `mapstructure:"ADJUDICATION_WORKERS"`
	PendedReviewDelay   time.Duration `mapstructure:"PENDED_REVIEW_DELAY"`
	LedgerMaxHops       int           `mapstructure:"LEDGER_MAX_HOPS"`
	NotifyTimeout       time.Duration `mapstructure:"NOTIFY_TIMEOUT"`
	RulesFile           string        `mapstructure:"RULES_FILE"`
	CORSOrigins         []string      `mapstructure:"CORS_ORIGINS"`

	// Request body limits, as sizes like "10MiB".
	BodyLimitDefault      string `mapstructure:"BODY_LIMIT_DEFAULT"`
	BodyLimitSubmit       string `mapstructure:"BODY_LIMIT_SUBMIT"`
	BodyLimitCancel       string `mapstructure:"BODY_LIMIT_CANCEL"`
	BodyLimitSubscription string `mapstructure:"BODY_LIMIT_SUBSCRIPTION"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORE_DRIVER", StoreDriverPostgres)
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("ADJUDICATION_WORKERS", 8)
	v.SetDefault("PENDED_REVIEW_DELAY", "5m")
	v.SetDefault("LEDGER_MAX_HOPS", 1000)
	v.SetDefault("NOTIFY_TIMEOUT", "10s")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("BODY_LIMIT_DEFAULT", "1MiB")
	v.SetDefault("BODY_LIMIT_SUBMIT", "10MiB")
	v.SetDefault("BODY_LIMIT_CANCEL", "64KiB")
	v.SetDefault("BODY_LIMIT_SUBSCRIPTION", "64KiB")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("STORE_DRIVER")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("REDIS_URL")
	v.BindEnv("ADJUDICATION_WORKERS")
	v.BindEnv("PENDED_REVIEW_DELAY")
	v.BindEnv("LEDGER_MAX_HOPS")
	v.BindEnv("NOTIFY_TIMEOUT")
	v.BindEnv("RULES_FILE")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("BODY_LIMIT_DEFAULT")
	v.BindEnv("BODY_LIMIT_SUBMIT")
	v.BindEnv("BODY_LIMIT_CANCEL")
	v.BindEnv("BODY_LIMIT_SUBSCRIPTION")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	if cfg.StoreDriver == StoreDriverPostgres && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", StoreDriverPostgres)
	}

	if cfg.IsDev() && cfg.StoreDriver == StoreDriverMemory {
		log.Println("WARNING: STORE_DRIVER=memory; claims and subscriptions are lost on restart.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UsesPostgres reports whether records are persisted in PostgreSQL.
func (c *Config) UsesPostgres() bool {
	return c.StoreDriver == StoreDriverPostgres
}

// Validate checks that the configuration is coherent before the server starts.
// The in-memory store is refused in production.
func (c *Config) Validate() error {
	switch c.StoreDriver {
	case StoreDriverPostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE_DRIVER is %q", StoreDriverPostgres)
		}
	case StoreDriverMemory:
		if c.IsProduction() {
			return fmt.Errorf("STORE_DRIVER=%q is not allowed in production", StoreDriverMemory)
		}
	default:
		return fmt.Errorf("STORE_DRIVER must be %q or %q, got %q", StoreDriverPostgres, StoreDriverMemory, c.StoreDriver)
	}

	if c.AdjudicationWorkers < 1 {
		return fmt.Errorf("ADJUDICATION_WORKERS must be at least 1, got %d", c.AdjudicationWorkers)
	}
	if c.PendedReviewDelay <= 0 {
		return fmt.Errorf("PENDED_REVIEW_DELAY must be positive, got %s", c.PendedReviewDelay)
	}
	if c.LedgerMaxHops < 1 {
		return fmt.Errorf("LEDGER_MAX_HOPS must be at least 1, got %d", c.LedgerMaxHops)
	}
	if c.NotifyTimeout <= 0 {
		return fmt.Errorf("NOTIFY_TIMEOUT must be positive, got %s", c.NotifyTimeout)
	}
	for name, size := range map[string]string{
		"BODY_LIMIT_DEFAULT":      c.BodyLimitDefault,
		"BODY_LIMIT_SUBMIT":       c.BodyLimitSubmit,
		"BODY_LIMIT_CANCEL":       c.BodyLimitCancel,
		"BODY_LIMIT_SUBSCRIPTION": c.BodyLimitSubscription,
	} {
		if size == "" {
			continue
		}
		if _, err := humanize.ParseBytes(size); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}
