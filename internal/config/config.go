// Package config loads service configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration for the position engine.
type Config struct {
	// HTTP configuration
	Port string

	// Database configuration; empty means in-memory store.
	DatabaseURL string

	// Redis configuration; empty disables the cache layer.
	RedisURL string
	CacheTTL time.Duration

	// Price source configuration
	PriceTTL time.Duration
	// VaultPricesJSON optionally seeds a static price source for
	// development: {"0x...": {"total_assets": "...", "total_supply": "..."}}
	VaultPricesJSON string
}

// Load reads configuration from environment variables and validates it.
func Load() (Config, error) {
	cfg := Config{
		Port:            getEnv("PORT", "8080"),
		DatabaseURL:     getEnv("DATABASE_URL", ""),
		RedisURL:        getEnv("REDIS_URL", ""),
		VaultPricesJSON: getEnv("VAULT_PRICES", ""),
	}

	var err error
	cfg.CacheTTL, err = getEnvSeconds("CACHE_TTL_SECONDS", 30)
	if err != nil {
		return Config{}, err
	}
	cfg.PriceTTL, err = getEnvSeconds("PRICE_TTL_SECONDS", 60)
	if err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvSeconds(key string, fallback int) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return time.Duration(fallback) * time.Second, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("config: %s must be a non-negative integer, got %q", key, v)
	}
	return time.Duration(n) * time.Second, nil
}
