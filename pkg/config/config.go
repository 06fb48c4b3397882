package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds environment-driven settings for the execution core.
type Config struct {
	Port string

	// Binance
	BinanceTestnet   bool
	BinanceAPIKey    string
	BinanceAPISecret string
	Symbols          []string
	KlineInterval    string

	// Execution
	Mode             string // "dry_run", "paper", "live"
	AccountBalance   float64
	CommissionRate   float64
	MaxOrderRetries  int
	DecisionInterval time.Duration

	// Risk limits (overridable via RISK_LIMITS_FILE)
	Risk RiskLimits

	// Resilience
	RecoveryStatePath string
	MaxReconnects     int

	// Database
	DBPath string

	// API auth
	JWTSecret string

	// Logging
	LogLevel string
	LogFile  string
}

// RiskLimits bounds what the risk manager will approve.
type RiskLimits struct {
	MaxPositionPct  float64 `yaml:"max_position_pct"`
	MaxDailyTrades  int     `yaml:"max_daily_trades"`
	MaxOpenOrders   int     `yaml:"max_open_orders"`
	MaxDailyDD      float64 `yaml:"max_daily_drawdown"`
	MarginBufferPct float64 `yaml:"margin_buffer_pct"`
	DefaultRiskPct  float64 `yaml:"default_risk_pct"`
}

// DefaultRiskLimits are conservative spot-trading bounds.
func DefaultRiskLimits() RiskLimits {
	return RiskLimits{
		MaxPositionPct:  0.05,
		MaxDailyTrades:  30,
		MaxOpenOrders:   10,
		MaxDailyDD:      0.05,
		MarginBufferPct: 0.01,
		DefaultRiskPct:  0.02,
	}
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	cfg := &Config{
		Port:              getEnv("PORT", "8080"),
		BinanceTestnet:    getEnv("BINANCE_TESTNET", "false") == "true",
		BinanceAPIKey:     os.Getenv("BINANCE_API_KEY"),
		BinanceAPISecret:  os.Getenv("BINANCE_API_SECRET"),
		Symbols:           splitAndTrim(getEnv("SYMBOLS", "BTCUSDT,ETHUSDT")),
		KlineInterval:     getEnv("KLINE_INTERVAL", "1m"),
		Mode:              strings.ToLower(getEnv("EXECUTION_MODE", "dry_run")),
		AccountBalance:    getEnvFloat("ACCOUNT_BALANCE", 10000.0),
		CommissionRate:    getEnvFloat("COMMISSION_RATE", 0.001),
		MaxOrderRetries:   getEnvInt("MAX_ORDER_RETRIES", 3),
		DecisionInterval:  getEnvDuration("DECISION_INTERVAL", time.Minute),
		Risk:              DefaultRiskLimits(),
		RecoveryStatePath: getEnv("RECOVERY_STATE_PATH", "./data/recovery_state.json"),
		MaxReconnects:     getEnvInt("MAX_RECONNECT_ATTEMPTS", 10),
		DBPath:            getEnv("DB_PATH", "./data/execution.db"),
		JWTSecret:         getEnv("JWT_SECRET", "dev-secret"),
		LogLevel:          getEnv("LOG_LEVEL", "info"),
		LogFile:           getEnv("LOG_FILE", ""),
	}

	switch cfg.Mode {
	case "dry_run", "paper", "live":
	default:
		return nil, fmt.Errorf("unknown EXECUTION_MODE %q", cfg.Mode)
	}

	if path := os.Getenv("RISK_LIMITS_FILE"); path != "" {
		limits, err := loadRiskLimits(path)
		if err != nil {
			return nil, fmt.Errorf("load risk limits: %w", err)
		}
		cfg.Risk = limits
	}

	return cfg, nil
}

func loadRiskLimits(path string) (RiskLimits, error) {
	limits := DefaultRiskLimits()
	raw, err := os.ReadFile(path)
	if err != nil {
		return limits, err
	}
	if err := yaml.Unmarshal(raw, &limits); err != nil {
		return limits, err
	}
	return limits, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
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

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, strings.ToUpper(t))
		}
	}
	return out
}
