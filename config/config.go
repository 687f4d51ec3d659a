package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"simex/internal/adapters/logger" // Import the logger package for LogLevel
)

// Config holds all application configuration.
type Config struct {
	// Binance API (reference price feed)
	APIKey    string
	SecretKey string
	IsTestnet bool

	// Settlement
	SettleInterval  time.Duration // How often the scheduler scans for expired trades
	SettleBatchSize int           // Max trades settled per scan
	StorageTimeout  time.Duration // Per-call bound on store and feed operations
	LedgerRetryMax  int           // Retry budget for applying a settlement to the ledger

	// Database
	DBPath string

	// Logging
	LogLevel logger.LogLevel // Use the LogLevel type from the logger adapter
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string // Collect validation errors

	// Binance API
	cfg.APIKey = getEnv("BINANCE_API_KEY", "")
	cfg.SecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true) // Default to testnet for safety

	if cfg.APIKey == "" {
		errs = append(errs, "BINANCE_API_KEY must be set")
	}
	if cfg.SecretKey == "" {
		errs = append(errs, "BINANCE_API_SECRET must be set")
	}

	// Settlement
	settleIntervalSeconds, err := getEnvAsIntRequired("SETTLE_INTERVAL_SECONDS", 15)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid SETTLE_INTERVAL_SECONDS: %v", err))
	} else if settleIntervalSeconds <= 0 {
		errs = append(errs, "SETTLE_INTERVAL_SECONDS must be positive")
	}
	cfg.SettleInterval = time.Duration(settleIntervalSeconds) * time.Second

	cfg.SettleBatchSize, err = getEnvAsIntRequired("SETTLE_BATCH_SIZE", 100)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid SETTLE_BATCH_SIZE: %v", err))
	} else if cfg.SettleBatchSize <= 0 {
		errs = append(errs, "SETTLE_BATCH_SIZE must be positive")
	}

	storageTimeoutMs, err := getEnvAsIntRequired("STORAGE_TIMEOUT_MS", 5000)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid STORAGE_TIMEOUT_MS: %v", err))
	} else if storageTimeoutMs <= 0 {
		errs = append(errs, "STORAGE_TIMEOUT_MS must be positive")
	}
	cfg.StorageTimeout = time.Duration(storageTimeoutMs) * time.Millisecond

	cfg.LedgerRetryMax, err = getEnvAsIntRequired("LEDGER_RETRY_MAX", 5)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid LEDGER_RETRY_MAX: %v", err))
	} else if cfg.LedgerRetryMax <= 0 {
		errs = append(errs, "LEDGER_RETRY_MAX must be positive")
	}

	// Database
	cfg.DBPath = getEnv("DB_PATH", "./data/simex.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	// Logging
	logLevelStr := getEnv("LOG_LEVEL", "INFO")
	cfg.LogLevel = logger.ParseLevel(logLevelStr) // Use the parser from the logger package

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsIntRequired(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		// Use default if env var is not set at all
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		// Return error if env var is set but invalid
		return 0, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}
