// Package config loads the settings an embedding host supplies when it
// wires up a coordinator: which run to drive, where the local store
// lives, and how noisy logging and tracing should be.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// LoggingConfig controls the structured logger's verbosity and encoding.
type LoggingConfig struct {
	Level  string
	Format string // "json" or "text"
}

// Config holds everything a host needs to start a Coordinator.
type Config struct {
	RunID             string
	StorePath         string
	EnableTraceEvents bool
	Logging           LoggingConfig
	AlarmMinInterval  time.Duration
}

// Load reads configuration from environment variables, applying
// godotenv first so a .env file in the working directory is picked up
// without requiring the host to export variables itself.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		RunID:             getEnv("FLOWCOORD_RUN_ID", ""),
		StorePath:         getEnv("FLOWCOORD_STORE_PATH", "flowcoord.db"),
		EnableTraceEvents: getEnvAsBool("FLOWCOORD_ENABLE_TRACE", false),
		Logging: LoggingConfig{
			Level:  getEnv("FLOWCOORD_LOG_LEVEL", "info"),
			Format: getEnv("FLOWCOORD_LOG_FORMAT", "json"),
		},
		AlarmMinInterval: getEnvAsDuration("FLOWCOORD_ALARM_MIN_INTERVAL", 5*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate rejects settings that would leave the coordinator unable to
// start or the alarm sweep unable to make progress.
func (c *Config) Validate() error {
	if c.StorePath == "" {
		return fmt.Errorf("store path is required")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json or text)", c.Logging.Format)
	}
	if c.AlarmMinInterval <= 0 {
		return fmt.Errorf("alarm min interval must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultValue
	}
	return b
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultValue
	}
	return d
}
