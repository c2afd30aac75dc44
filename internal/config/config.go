// Package config loads runtime configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all runtime configuration for the market engine.
type Config struct {
	Port             int
	DatabaseURL      string // empty = in-memory store
	RedisURL         string // empty = no cache layer
	CacheTTL         time.Duration
	SimInterval      time.Duration // price simulator tick cadence
	AutoSellInterval time.Duration // auto-sell scheduler scan cadence
	HistoryRetention int           // max samples kept per symbol
	ReadTimeout      time.Duration
	WriteTimeout     time.Duration
	IdleTimeout      time.Duration
	ShutdownTimeout  time.Duration
}

// Load reads configuration from environment variables, applies defaults,
// and validates values. It returns an error for any invalid value.
func Load() (*Config, error) {
	port, err := getInt("PORT", 8080)
	if err != nil {
		return nil, fmt.Errorf("invalid PORT: %w", err)
	}

	cacheTTL, err := getDuration("CACHE_TTL", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid CACHE_TTL: %w", err)
	}

	simInterval, err := getDuration("SIM_INTERVAL", 1*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid SIM_INTERVAL: %w", err)
	}

	autoSellInterval, err := getDuration("AUTO_SELL_INTERVAL", 30*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid AUTO_SELL_INTERVAL: %w", err)
	}

	retention, err := getInt("HISTORY_RETENTION", 100)
	if err != nil {
		return nil, fmt.Errorf("invalid HISTORY_RETENTION: %w", err)
	}
	if retention < 1 {
		return nil, fmt.Errorf("invalid HISTORY_RETENTION: must be >= 1, got %d", retention)
	}

	readTimeout, err := getDuration("READ_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid READ_TIMEOUT: %w", err)
	}

	writeTimeout, err := getDuration("WRITE_TIMEOUT", 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid WRITE_TIMEOUT: %w", err)
	}

	idleTimeout, err := getDuration("IDLE_TIMEOUT", 60*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid IDLE_TIMEOUT: %w", err)
	}

	shutdownTimeout, err := getDuration("SHUTDOWN_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("invalid SHUTDOWN_TIMEOUT: %w", err)
	}

	return &Config{
		Port:             port,
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		RedisURL:         os.Getenv("REDIS_URL"),
		CacheTTL:         cacheTTL,
		SimInterval:      simInterval,
		AutoSellInterval: autoSellInterval,
		HistoryRetention: retention,
		ReadTimeout:      readTimeout,
		WriteTimeout:     writeTimeout,
		IdleTimeout:      idleTimeout,
		ShutdownTimeout:  shutdownTimeout,
	}, nil
}

func getInt(key string, defaultVal int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return strconv.Atoi(v)
}

func getDuration(key string, defaultVal time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal, nil
	}
	return time.ParseDuration(v)
}
