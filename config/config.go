package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	// ModePaper executes every trade against the simulated ledger.
	ModePaper = "paper"
	// ModeLive sends real orders to the exchange.
	ModeLive = "live"
)

// Config holds all application configuration.
type Config struct {
	// Binance API
	APIKey    string
	SecretKey string
	IsTestnet bool

	// Trading
	TradingMode         string        // "paper" or "live"
	OrderTimeout        time.Duration // Per gateway call
	MonitorInterval     time.Duration // Active-trade polling cadence
	TakerFeeRate        float64       // Fee per fill, recorded on trades
	ProductCacheTTL     time.Duration // Product snapshot freshness window
	PaperInitialBalance float64       // Starting balance for the simulated ledger
	MinConfidence       float64       // Signals below this score are ignored

	// Webhook
	WebhookAddr string

	// Telegram (optional; notifications are disabled when unset)
	TelegramBotToken string
	TelegramChatID   string

	// Database
	DBPath string

	// Logging
	LogLevel     string
	LogFilePath  string // Empty disables file output
	LogToConsole bool
}

// IsPaper reports whether trades run against the simulated ledger.
func (c *Config) IsPaper() bool {
	return c.TradingMode == ModePaper
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string // Collect validation errors

	// Trading mode first: it decides whether API keys are mandatory.
	cfg.TradingMode = strings.ToLower(getEnv("TRADING_MODE", ModePaper))
	if cfg.TradingMode != ModePaper && cfg.TradingMode != ModeLive {
		errs = append(errs, fmt.Sprintf("TRADING_MODE must be %q or %q", ModePaper, ModeLive))
	}

	// Binance API. Paper mode only touches public endpoints, so keys are
	// optional there.
	cfg.APIKey = getEnv("BINANCE_API_KEY", "")
	cfg.SecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", true) // Default to testnet for safety

	if cfg.TradingMode == ModeLive {
		if cfg.APIKey == "" {
			errs = append(errs, "BINANCE_API_KEY must be set in live mode")
		}
		if cfg.SecretKey == "" {
			errs = append(errs, "BINANCE_API_SECRET must be set in live mode")
		}
	}

	// Execution settings
	orderTimeoutSeconds, err := getEnvAsIntRequired("ORDER_TIMEOUT_SECONDS", 15)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid ORDER_TIMEOUT_SECONDS: %v", err))
	} else if orderTimeoutSeconds <= 0 {
		errs = append(errs, "ORDER_TIMEOUT_SECONDS must be positive")
	}
	cfg.OrderTimeout = time.Duration(orderTimeoutSeconds) * time.Second

	monitorIntervalSeconds, err := getEnvAsIntRequired("MONITOR_INTERVAL_SECONDS", 30)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MONITOR_INTERVAL_SECONDS: %v", err))
	} else if monitorIntervalSeconds <= 0 {
		errs = append(errs, "MONITOR_INTERVAL_SECONDS must be positive")
	}
	cfg.MonitorInterval = time.Duration(monitorIntervalSeconds) * time.Second

	cfg.TakerFeeRate, err = getEnvAsFloatRequired("TAKER_FEE_RATE", 0.0004)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid TAKER_FEE_RATE: %v", err))
	} else if cfg.TakerFeeRate < 0 || cfg.TakerFeeRate >= 1 {
		errs = append(errs, "TAKER_FEE_RATE must be in [0, 1)")
	}

	cacheTTLHours, err := getEnvAsIntRequired("PRODUCT_CACHE_TTL_HOURS", 24)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid PRODUCT_CACHE_TTL_HOURS: %v", err))
	} else if cacheTTLHours <= 0 {
		errs = append(errs, "PRODUCT_CACHE_TTL_HOURS must be positive")
	}
	cfg.ProductCacheTTL = time.Duration(cacheTTLHours) * time.Hour

	cfg.PaperInitialBalance, err = getEnvAsFloatRequired("PAPER_INITIAL_BALANCE", 10000.0)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid PAPER_INITIAL_BALANCE: %v", err))
	} else if cfg.PaperInitialBalance <= 0 {
		errs = append(errs, "PAPER_INITIAL_BALANCE must be positive")
	}

	cfg.MinConfidence, err = getEnvAsFloatRequired("MIN_SIGNAL_CONFIDENCE", 0.7)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MIN_SIGNAL_CONFIDENCE: %v", err))
	} else if cfg.MinConfidence < 0 || cfg.MinConfidence > 1 {
		errs = append(errs, "MIN_SIGNAL_CONFIDENCE must be between 0 and 1")
	}

	// Webhook
	cfg.WebhookAddr = getEnv("WEBHOOK_ADDR", ":8080")
	if cfg.WebhookAddr == "" {
		errs = append(errs, "WEBHOOK_ADDR must be set")
	}

	// Telegram
	cfg.TelegramBotToken = getEnv("TELEGRAM_BOT_TOKEN", "")
	cfg.TelegramChatID = getEnv("TELEGRAM_CHAT_ID", "")

	// Database
	cfg.DBPath = getEnv("DB_PATH", "./data/copytrade.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}

	// Logging
	cfg.LogLevel = getEnv("LOG_LEVEL", "info")
	cfg.LogFilePath = getEnv("LOG_FILE", "")
	cfg.LogToConsole = getEnvAsBool("LOG_CONSOLE", true)

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

func getEnvAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float value '%s' for key %s: %w", valueStr, key, err)
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
