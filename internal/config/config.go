// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/aristath/importfolio/internal/modules/optimization"
)

// Config holds application configuration
type Config struct {
	DataDir  string // Base directory for all databases (always absolute)
	Port     int
	LogLevel string
	DevMode  bool
	Limits   optimization.Limits // enforced by the optimizer via SetLimits
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("IMPORTFOLIO_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	// Always resolve to absolute path
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	// Ensure directory exists
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	limits := optimization.DefaultLimits()
	limits.MaxTickers = getEnvAsInt("MAX_TICKERS", limits.MaxTickers)
	limits.MaxSimulations = getEnvAsInt("MAX_SIMULATIONS", limits.MaxSimulations)
	limits.MinHistoricalDays = getEnvAsInt("MIN_HISTORICAL_DAYS", limits.MinHistoricalDays)
	limits.DefaultGridPoints = getEnvAsInt("FRONTIER_GRID_POINTS", limits.DefaultGridPoints)

	cfg := &Config{
		DataDir:  absDataDir,
		Port:     getEnvAsInt("PORT", 8001),
		DevMode:  getEnvAsBool("DEV_MODE", false),
		LogLevel: getEnv("LOG_LEVEL", "info"),
		Limits:   limits,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.Limits.MinTickers < 2 {
		return fmt.Errorf("min tickers must be at least 2, got %d", c.Limits.MinTickers)
	}
	if c.Limits.MaxTickers < c.Limits.MinTickers {
		return fmt.Errorf("max tickers (%d) below min tickers (%d)", c.Limits.MaxTickers, c.Limits.MinTickers)
	}
	if c.Limits.MaxSimulations < c.Limits.MinSimulations {
		return fmt.Errorf("max simulations (%d) below min simulations (%d)", c.Limits.MaxSimulations, c.Limits.MinSimulations)
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}
