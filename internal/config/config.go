// Package config holds the engine's runtime configuration, loaded from the
// environment with optional .env file support.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config is the full runtime configuration for the market engine.
type Config struct {
	Port        string
	DatabaseURL string // empty → in-memory store
	RedisURL    string // empty → no cache layer
	CacheTTL    time.Duration
	LogLevel    string

	// StartingBalance is granted to newly created users when the request
	// does not specify one.
	StartingBalance decimal.Decimal

	// DefaultLiquidity is the LMSR b parameter for markets created without
	// an explicit liquidity_param.
	DefaultLiquidity decimal.Decimal

	// BotCount is the number of simulated traders spawned per tick request.
	BotCount int
}

// Load reads configuration from the environment. A .env file in the working
// directory is loaded first if present; real environment variables win.
func Load() Config {
	_ = godotenv.Load()

	cfg := Config{
		Port:             "8080",
		CacheTTL:         30 * time.Second,
		LogLevel:         "info",
		StartingBalance:  decimal.NewFromInt(1000),
		DefaultLiquidity: decimal.NewFromInt(100),
		BotCount:         8,
	}

	setStr(&cfg.Port, "PORT")
	setStr(&cfg.DatabaseURL, "DATABASE_URL")
	setStr(&cfg.RedisURL, "REDIS_URL")
	setDuration(&cfg.CacheTTL, "CACHE_TTL")
	setStr(&cfg.LogLevel, "LOG_LEVEL")
	setDecimal(&cfg.StartingBalance, "STARTING_BALANCE")
	setDecimal(&cfg.DefaultLiquidity, "DEFAULT_LIQUIDITY")
	setInt(&cfg.BotCount, "BOT_COUNT")

	return cfg
}

// Typed env helpers. Each only mutates the target when the variable is set
// and parses cleanly.

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

func setDecimal(dst *decimal.Decimal, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := decimal.NewFromString(v); err == nil {
			*dst = d
		}
	}
}
