// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir         string // Base directory for all databases (always absolute)
	LogLevel        string
	Port            int
	DevMode         bool
	RebuildSchedule string // cron spec for the posterior rebuild job
	BlackLitterman  BlackLittermanParams
}

// BlackLittermanParams holds the tunable parameters of the Bayesian blend.
type BlackLittermanParams struct {
	Tau          float64 // uncertainty scaling on the prior covariance
	RiskAversion float64 // lambda in the equilibrium return calculation
	SnapshotKeep int     // number of posterior snapshots to retain
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("BL_DATA_DIR", "")
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

	cfg := &Config{
		DataDir:         absDataDir,
		Port:            getEnvAsInt("GO_PORT", 8001),
		DevMode:         getEnvAsBool("DEV_MODE", false),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		RebuildSchedule: getEnv("BL_REBUILD_SCHEDULE", "@hourly"),
		BlackLitterman: BlackLittermanParams{
			Tau:          getEnvAsFloat("BL_TAU", 0.05),
			RiskAversion: getEnvAsFloat("BL_RISK_AVERSION", 2.5),
			SnapshotKeep: getEnvAsInt("BL_SNAPSHOT_KEEP", 50),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.BlackLitterman.Tau <= 0 {
		return fmt.Errorf("BL_TAU must be positive, got %v", c.BlackLitterman.Tau)
	}
	if c.BlackLitterman.RiskAversion <= 0 {
		return fmt.Errorf("BL_RISK_AVERSION must be positive, got %v", c.BlackLitterman.RiskAversion)
	}
	if c.BlackLitterman.SnapshotKeep < 1 {
		return fmt.Errorf("BL_SNAPSHOT_KEEP must be at least 1, got %d", c.BlackLitterman.SnapshotKeep)
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

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}
