// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port      string
	Env       string // "development", "staging", "production"
	LogLevel  string
	LogFormat string // "text" or "json"

	// Storage: PostgreSQL if DatabaseURL is set, else SQLite if SQLitePath
	// is set, else in-memory.
	DatabaseURL string
	SQLitePath  string

	// Registry identity
	OwnerAddress    string // Required. Only this address may pause/unpause.
	RegistryAddress string // Custody address for escrowed bounties. Derived from the owner if empty.

	// Observability
	OTLPEndpoint string

	// Security
	RateLimitRPM   int
	RateLimitBurst int
	AuthMaxSkew    time.Duration
	CORSOrigins    []string

	// Event feed
	EventPollInterval time.Duration
}

const (
	DefaultPort              = "8080"
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultRateLimitRPM      = 600
	DefaultRateLimitBurst    = 60
	DefaultAuthMaxSkew       = 5 * time.Minute
	DefaultEventPollInterval = 500 * time.Millisecond
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", DefaultPort),
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:         getEnv("LOG_FORMAT", DefaultLogFormat),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		SQLitePath:        os.Getenv("SQLITE_PATH"),
		OwnerAddress:      os.Getenv("OWNER_ADDRESS"),
		RegistryAddress:   os.Getenv("REGISTRY_ADDRESS"),
		OTLPEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		RateLimitRPM:      int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimitRPM)),
		RateLimitBurst:    int(getEnvInt64("RATE_LIMIT_BURST", DefaultRateLimitBurst)),
		AuthMaxSkew:       getEnvDuration("AUTH_MAX_SKEW", DefaultAuthMaxSkew),
		EventPollInterval: getEnvDuration("EVENT_POLL_INTERVAL", DefaultEventPollInterval),
		CORSOrigins:       getEnvList("CORS_ORIGINS", []string{"*"}),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.OwnerAddress == "" {
		return fmt.Errorf("OWNER_ADDRESS is required")
	}
	if !common.IsHexAddress(c.OwnerAddress) {
		return fmt.Errorf("OWNER_ADDRESS must be a 0x-prefixed 20-byte hex address")
	}
	if c.RegistryAddress != "" && !common.IsHexAddress(c.RegistryAddress) {
		return fmt.Errorf("REGISTRY_ADDRESS must be a 0x-prefixed 20-byte hex address")
	}
	if c.RateLimitRPM <= 0 {
		return fmt.Errorf("RATE_LIMIT_RPM must be positive")
	}
	if c.RateLimitBurst <= 0 {
		return fmt.Errorf("RATE_LIMIT_BURST must be positive")
	}
	if c.EventPollInterval <= 0 {
		return fmt.Errorf("EVENT_POLL_INTERVAL must be positive")
	}
	return nil
}

// Owner returns the configured owner address.
func (c *Config) Owner() common.Address {
	return common.HexToAddress(c.OwnerAddress)
}

// Registry returns the custody address. Without REGISTRY_ADDRESS it is the
// address a contract deployed by the owner at nonce 0 would get.
func (c *Config) Registry() common.Address {
	if c.RegistryAddress != "" {
		return common.HexToAddress(c.RegistryAddress)
	}
	return crypto.CreateAddress(c.Owner(), 0)
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}
